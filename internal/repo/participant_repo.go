// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Participant model: identity lookup, the pool-entry upsert, waiting-pool
// snapshots, status transitions, and heartbeat stamps.
//
// Error semantics follow the rest of the package: a missing row surfaces as
// ErrNotFound (gorm.ErrRecordNotFound), anything else is the raw gorm error.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrCandidateTaken reports that a selected candidate left the waiting pool
// before the match was written.
var ErrCandidateTaken = errors.New("candidate no longer waiting")

// FindParticipant loads a participant by identity.
func FindParticipant(ctx context.Context, db *gorm.DB, identity string) (*domain.Participant, error) {
	var p domain.Participant
	if err := db.WithContext(ctx).Where("identity = ?", identity).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertParticipant inserts p or, when the identity already exists, replaces
// its answers, status, match pointer, and waiting timestamp in one statement.
// The unique identity index is the only serialization point between
// concurrent submissions. On return p.ID holds the stored row's ID.
func UpsertParticipant(ctx context.Context, db *gorm.DB, p *domain.Participant) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"answers", "status", "match_id", "waiting_since", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return err
	}

	// The conflict path keeps the original primary key; reload it.
	var row struct{ ID string }
	if err := db.WithContext(ctx).Model(&domain.Participant{}).
		Select("id").Where("identity = ?", p.Identity).Take(&row).Error; err != nil {
		return err
	}
	p.ID = row.ID
	return nil
}

// ListWaiting returns up to limit waiting participants other than exclude,
// oldest pool entry first (ties by id) so snapshots are deterministic.
func ListWaiting(ctx context.Context, db *gorm.DB, exclude string, limit int) ([]domain.Participant, error) {
	var out []domain.Participant
	q := db.WithContext(ctx).
		Where("status = ? AND identity <> ?", domain.StatusWaiting, exclude).
		Order("waiting_since ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountWaiting returns the size of the waiting pool.
func CountWaiting(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Participant{}).
		Where("status = ?", domain.StatusWaiting).Count(&n).Error
	return n, err
}

// WaitingSinceAll returns the pool-entry timestamps of every waiting
// participant, oldest first.
func WaitingSinceAll(ctx context.Context, db *gorm.DB) ([]time.Time, error) {
	var rows []domain.Participant
	err := db.WithContext(ctx).Model(&domain.Participant{}).
		Select("waiting_since").
		Where("status = ?", domain.StatusWaiting).
		Order("waiting_since ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(rows))
	for i := range rows {
		out[i] = rows[i].WaitingSince
	}
	return out, nil
}

// WaitingPosition returns the 1-based position of identity in the waiting
// order, or 0 when the participant is not waiting.
func WaitingPosition(ctx context.Context, db *gorm.DB, identity string) (int, error) {
	p, err := FindParticipant(ctx, db, identity)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if p.Status != domain.StatusWaiting {
		return 0, nil
	}
	var ahead int64
	err = db.WithContext(ctx).Model(&domain.Participant{}).
		Where("status = ? AND (waiting_since < ? OR (waiting_since = ? AND id < ?))",
			domain.StatusWaiting, p.WaitingSince, p.WaitingSince, p.ID).
		Count(&ahead).Error
	if err != nil {
		return 0, err
	}
	return int(ahead) + 1, nil
}

// MarkMatched sets status=matched and match_id for every identity given.
// It returns ErrNotFound when none of the identities exist.
func MarkMatched(ctx context.Context, db *gorm.DB, matchID string, identities ...string) error {
	res := db.WithContext(ctx).Model(&domain.Participant{}).
		Where("identity IN ?", identities).
		Updates(map[string]any{
			"status":     domain.StatusMatched,
			"match_id":   matchID,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimWaiting is a compare-and-set on the candidate's status: it bumps
// updated_at only while identity is still waiting and returns
// ErrCandidateTaken otherwise.
func ClaimWaiting(ctx context.Context, db *gorm.DB, identity string) error {
	res := db.WithContext(ctx).Model(&domain.Participant{}).
		Where("identity = ? AND status = ?", identity, domain.StatusWaiting).
		UpdateColumn("updated_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCandidateTaken
	}
	return nil
}

// TouchLastSeen stamps last_seen for identity. It returns ErrNotFound for an
// unknown identity.
func TouchLastSeen(ctx context.Context, db *gorm.DB, identity string, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.Participant{}).
		Where("identity = ?", identity).
		UpdateColumn("last_seen", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
