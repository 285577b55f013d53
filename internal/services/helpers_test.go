package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-pairing-backend/internal/domain"
	"github.com/tbourn/go-pairing-backend/internal/repo"
)

// ---------- test helpers ----------

func newTestStore(t *testing.T, migrate bool) *repo.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if migrate {
		if err := repo.AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return repo.NewStore(db)
}

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func newClock(t time.Time) *fakeClock        { return &fakeClock{t: t} }
func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func at(h, m, s int) time.Time { return time.Date(2025, 3, 1, h, m, s, 0, time.UTC) }

func seedWaiting(t *testing.T, s *repo.Store, id string, since time.Time, answers ...int) {
	t.Helper()
	p := &domain.Participant{
		Identity:     id,
		Answers:      domain.AnswerVector(answers),
		Status:       domain.StatusWaiting,
		WaitingSince: since,
	}
	if err := s.UpsertParticipant(context.Background(), p); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}
