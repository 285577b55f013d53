package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// newTestDB opens a private in-memory database with the full schema unless
// migrate is false.
func newTestDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
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
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedParticipant(t *testing.T, db *gorm.DB, identity, status string, since time.Time, answers ...int) *domain.Participant {
	t.Helper()
	p := &domain.Participant{
		Identity:     identity,
		Answers:      domain.AnswerVector(answers),
		Status:       status,
		WaitingSince: since,
	}
	if err := UpsertParticipant(context.Background(), db, p); err != nil {
		t.Fatalf("seed participant %s: %v", identity, err)
	}
	return p
}
