// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides Store, a method-set adapter over the
// free functions in this package. Services depend on narrow interfaces that
// Store satisfies, which keeps them decoupled from *gorm.DB while reusing the
// same queries.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// Store adapts the repository functions to the service-layer store ports.
type Store struct {
	DB *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

// --- participants & matches ---

// FindParticipant proxies FindParticipant.
func (s *Store) FindParticipant(ctx context.Context, identity string) (*domain.Participant, error) {
	return FindParticipant(ctx, s.DB, identity)
}

// UpsertParticipant proxies UpsertParticipant.
func (s *Store) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	return UpsertParticipant(ctx, s.DB, p)
}

// ListWaiting proxies ListWaiting.
func (s *Store) ListWaiting(ctx context.Context, exclude string, limit int) ([]domain.Participant, error) {
	return ListWaiting(ctx, s.DB, exclude, limit)
}

// CreateMatch proxies CreateMatch.
func (s *Store) CreateMatch(ctx context.Context, m *domain.Match) error {
	return CreateMatch(ctx, s.DB, m)
}

// FindMatch proxies FindMatch.
func (s *Store) FindMatch(ctx context.Context, id string) (*domain.Match, error) {
	return FindMatch(ctx, s.DB, id)
}

// CommitMatch inserts m and points both members at it in one transaction.
// Both members must still be waiting; otherwise nothing is written and
// ErrCandidateTaken is returned.
func (s *Store) CommitMatch(ctx context.Context, m *domain.Match) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range []string{m.UserA, m.UserB} {
			if err := ClaimWaiting(ctx, tx, id); err != nil {
				return err
			}
		}
		if err := CreateMatch(ctx, tx, m); err != nil {
			return err
		}
		return MarkMatched(ctx, tx, m.ID, m.UserA, m.UserB)
	})
}

// ListMatchesFor proxies ListMatchesFor.
func (s *Store) ListMatchesFor(ctx context.Context, identity string) ([]domain.Match, error) {
	return ListMatchesFor(ctx, s.DB, identity)
}

// CountWaiting proxies CountWaiting.
func (s *Store) CountWaiting(ctx context.Context) (int64, error) { return CountWaiting(ctx, s.DB) }

// WaitingSinceAll proxies WaitingSinceAll.
func (s *Store) WaitingSinceAll(ctx context.Context) ([]time.Time, error) {
	return WaitingSinceAll(ctx, s.DB)
}

// WaitingPosition proxies WaitingPosition.
func (s *Store) WaitingPosition(ctx context.Context, identity string) (int, error) {
	return WaitingPosition(ctx, s.DB, identity)
}

// CountMatchesSince proxies CountMatchesSince.
func (s *Store) CountMatchesSince(ctx context.Context, since time.Time) (int64, error) {
	return CountMatchesSince(ctx, s.DB, since)
}

// --- presence ---

// TouchLastSeen proxies TouchLastSeen.
func (s *Store) TouchLastSeen(ctx context.Context, identity string, at time.Time) error {
	return TouchLastSeen(ctx, s.DB, identity, at)
}

// LastSeen returns the stored heartbeat stamp for identity (nil if never seen).
func (s *Store) LastSeen(ctx context.Context, identity string) (*time.Time, error) {
	p, err := FindParticipant(ctx, s.DB, identity)
	if err != nil {
		return nil, err
	}
	return p.LastSeen, nil
}

// --- mailbox ---

// InsertRecord stores rec under the policy its kind maps to. Consumed
// records expire ttl after rec.CreatedAt. rec.ID is filled in.
func (s *Store) InsertRecord(ctx context.Context, rec *domain.Record, ttl time.Duration) error {
	switch domain.PolicyFor(rec.Kind) {
	case domain.Retain:
		var content string
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &content); err != nil {
				return fmt.Errorf("chat payload must be a JSON string: %w", err)
			}
		}
		m, err := InsertChatMessage(ctx, s.DB, rec.Sender, rec.Receiver, content, rec.CreatedAt)
		if err != nil {
			return err
		}
		*rec = m.Record()
		return nil
	default:
		sig := &domain.Signal{
			SenderID:   rec.Sender,
			ReceiverID: rec.Receiver,
			Kind:       rec.Kind,
			Payload:    string(rec.Payload),
			CreatedAt:  rec.CreatedAt,
		}
		if err := InsertSignal(ctx, s.DB, sig, ttl); err != nil {
			return err
		}
		*rec = sig.Record()
		return nil
	}
}

// FindByReceiver returns the records addressed to receiver under policy, in
// arrival order. Expired consumed records are skipped.
func (s *Store) FindByReceiver(ctx context.Context, policy domain.Policy, receiver string, now time.Time) ([]domain.Record, error) {
	if policy == domain.Retain {
		rows, err := ListInbox(ctx, s.DB, receiver)
		if err != nil {
			return nil, err
		}
		out := make([]domain.Record, len(rows))
		for i := range rows {
			out[i] = rows[i].Record()
		}
		return out, nil
	}
	rows, err := FindSignalsByReceiver(ctx, s.DB, receiver, now)
	if err != nil {
		return nil, err
	}
	return signalRecords(rows), nil
}

// Claim atomically removes and returns the receiver's unexpired signals.
func (s *Store) Claim(ctx context.Context, receiver string, now time.Time) ([]domain.Record, error) {
	rows, err := ClaimSignals(ctx, s.DB, receiver, now)
	if err != nil {
		return nil, err
	}
	return signalRecords(rows), nil
}

// DeleteByIDs removes consumed records. Retained records are never deleted.
func (s *Store) DeleteByIDs(ctx context.Context, policy domain.Policy, ids []string) (int64, error) {
	if policy == domain.Retain {
		return 0, fmt.Errorf("retained records cannot be deleted")
	}
	return DeleteSignalsByIDs(ctx, s.DB, ids)
}

// MarkRead proxies MarkRead.
func (s *Store) MarkRead(ctx context.Context, ids []string) (int64, error) {
	return MarkRead(ctx, s.DB, ids)
}

// CountByFilter counts mailbox records matching f.
func (s *Store) CountByFilter(ctx context.Context, f domain.MailboxFilter, now time.Time) (int64, error) {
	var (
		n int64
		q *gorm.DB
	)
	if f.Policy == domain.Retain {
		q = s.DB.WithContext(ctx).Model(&domain.ChatMessage{})
		if f.UnreadOnly {
			q = q.Where("read = ?", false)
		}
	} else {
		q = s.DB.WithContext(ctx).Model(&domain.Signal{}).Where("expires_at > ?", now.UTC())
	}
	if f.Sender != "" {
		q = q.Where("sender_id = ?", f.Sender)
	}
	if f.Receiver != "" {
		q = q.Where("receiver_id = ?", f.Receiver)
	}
	err := q.Count(&n).Error
	return n, err
}

// PurgeExpired proxies PurgeExpiredSignals.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return PurgeExpiredSignals(ctx, s.DB, now)
}

// --- chat ---

// ListConversation proxies ListConversation.
func (s *Store) ListConversation(ctx context.Context, a, b string, limit int) ([]domain.ChatMessage, error) {
	return ListConversation(ctx, s.DB, a, b, limit)
}

// MarkConversationRead proxies MarkConversationRead.
func (s *Store) MarkConversationRead(ctx context.Context, receiver, sender string) (int64, error) {
	return MarkConversationRead(ctx, s.DB, receiver, sender)
}

// CountUnread proxies CountUnread.
func (s *Store) CountUnread(ctx context.Context, sender, receiver string) (int64, error) {
	return CountUnread(ctx, s.DB, sender, receiver)
}

// LastMessage proxies LastMessage.
func (s *Store) LastMessage(ctx context.Context, a, b string) (*domain.ChatMessage, error) {
	return LastMessage(ctx, s.DB, a, b)
}

// GetChatMessage proxies GetChatMessage.
func (s *Store) GetChatMessage(ctx context.Context, id string) (*domain.ChatMessage, error) {
	return GetChatMessage(ctx, s.DB, id)
}

// ConversationStats proxies ConversationStats.
func (s *Store) ConversationStats(ctx context.Context, a, b string) (int64, *time.Time, error) {
	return ConversationStats(ctx, s.DB, a, b)
}

// --- idempotency ---

// GetIdempotency proxies GetIdempotency.
func (s *Store) GetIdempotency(ctx context.Context, userID, scope, key string, now time.Time) (*domain.Idempotency, error) {
	return GetIdempotency(ctx, s.DB, userID, scope, key, now)
}

// CreateIdempotency proxies CreateIdempotency.
func (s *Store) CreateIdempotency(ctx context.Context, userID, scope, key, resourceID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	return CreateIdempotency(ctx, s.DB, userID, scope, key, resourceID, status, ttl)
}

func signalRecords(rows []domain.Signal) []domain.Record {
	out := make([]domain.Record, len(rows))
	for i := range rows {
		out[i] = rows[i].Record()
	}
	return out
}
