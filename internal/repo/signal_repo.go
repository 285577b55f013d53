// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for consumed call
// signals: insert with expiry, receiver lookup, delete by fetched IDs, an
// atomic claim, and expiry purging.
package repo

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// InsertSignal stores s with ExpiresAt = CreatedAt + ttl.
func InsertSignal(ctx context.Context, db *gorm.DB, s *domain.Signal, ttl time.Duration) error {
	if s.ID == "" {
		s.ID = newRecordID()
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.CreatedAt.Add(ttl)
	return db.WithContext(ctx).Create(s).Error
}

// FindSignalsByReceiver returns unexpired signals addressed to receiver in
// arrival order.
func FindSignalsByReceiver(ctx context.Context, db *gorm.DB, receiver string, now time.Time) ([]domain.Signal, error) {
	var out []domain.Signal
	err := db.WithContext(ctx).
		Where("receiver_id = ? AND expires_at > ?", receiver, now.UTC()).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// DeleteSignalsByIDs removes the given signals and reports how many rows went.
func DeleteSignalsByIDs(ctx context.Context, db *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Signal{})
	return res.RowsAffected, res.Error
}

// ClaimSignals deletes every unexpired signal addressed to receiver in a
// single DELETE ... RETURNING statement and returns the removed rows in
// arrival order. Two concurrent claimers never receive the same row.
func ClaimSignals(ctx context.Context, db *gorm.DB, receiver string, now time.Time) ([]domain.Signal, error) {
	var out []domain.Signal
	err := db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("receiver_id = ? AND expires_at > ?", receiver, now.UTC()).
		Delete(&out).Error
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PurgeExpiredSignals deletes signals whose expiry is at or before now.
func PurgeExpiredSignals(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&domain.Signal{})
	return res.RowsAffected, res.Error
}
