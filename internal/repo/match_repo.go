// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Match model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// CreateMatch inserts m, assigning an ID and creation time when missing.
func CreateMatch(ctx context.Context, db *gorm.DB, m *domain.Match) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(m).Error
}

// FindMatch loads a match by ID.
func FindMatch(ctx context.Context, db *gorm.DB, id string) (*domain.Match, error) {
	var m domain.Match
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMatchesFor returns every match that includes identity, newest first.
func ListMatchesFor(ctx context.Context, db *gorm.DB, identity string) ([]domain.Match, error) {
	var out []domain.Match
	err := db.WithContext(ctx).
		Where("user_a = ? OR user_b = ?", identity, identity).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

// CountMatchesSince counts matches created at or after since.
func CountMatchesSince(ctx context.Context, db *gorm.DB, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Match{}).
		Where("created_at >= ?", since.UTC()).Count(&n).Error
	return n, err
}
