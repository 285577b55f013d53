// Package services – ChatService
//
// ChatService carries direct messages between matched participants on top of
// the relay's retain policy. It validates content, supports Idempotency-Key
// replays for sends, returns conversation history (marking the peer's
// messages read), and builds the contacts list shown next to the chat.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-pairing-backend/internal/domain"
	"github.com/tbourn/go-pairing-backend/internal/repo"
)

// Defaults applied when ChatService fields are left zero.
const (
	DefaultChatMaxRunes   = 2000
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultHistoryLimit   = 200
)

// ChatStore is the persistence port used by ChatService.
type ChatStore interface {
	FindParticipant(ctx context.Context, identity string) (*domain.Participant, error)
	ListMatchesFor(ctx context.Context, identity string) ([]domain.Match, error)
	ListConversation(ctx context.Context, a, b string, limit int) ([]domain.ChatMessage, error)
	MarkConversationRead(ctx context.Context, receiver, sender string) (int64, error)
	CountUnread(ctx context.Context, sender, receiver string) (int64, error)
	LastMessage(ctx context.Context, a, b string) (*domain.ChatMessage, error)
	GetChatMessage(ctx context.Context, id string) (*domain.ChatMessage, error)
	ConversationStats(ctx context.Context, a, b string) (int64, *time.Time, error)
	GetIdempotency(ctx context.Context, userID, scope, key string, now time.Time) (*domain.Idempotency, error)
	CreateIdempotency(ctx context.Context, userID, scope, key, resourceID string, status int, ttl time.Duration) (*domain.Idempotency, error)
}

// Contact is one entry of a participant's match list.
type Contact struct {
	Peer            string              `json:"peer"`
	MatchID         string              `json:"match_id"`
	Compatibility   int                 `json:"compatibility"`
	SharedInterests []string            `json:"shared_interests"`
	LastMessage     *domain.ChatMessage `json:"last_message,omitempty"`
	Unread          int64               `json:"unread"`
	Online          bool                `json:"online"`
	MatchedAt       time.Time           `json:"matched_at"`
}

// ChatService sends and lists chat messages.
type ChatService struct {
	Store          ChatStore
	Relay          *Relay
	Presence       *PresenceService // optional; contacts read offline without it
	MaxRunes       int
	IdempotencyTTL time.Duration
	Now            func() time.Time
}

// NewChatService wires a chat service over store and relay.
func NewChatService(store ChatStore, relay *Relay, presence *PresenceService) *ChatService {
	return &ChatService{
		Store:          store,
		Relay:          relay,
		Presence:       presence,
		MaxRunes:       DefaultChatMaxRunes,
		IdempotencyTTL: DefaultIdempotencyTTL,
		Now:            time.Now,
	}
}

func (s *ChatService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// IdempotencyScope namespaces send keys by conversation. peer must already
// be normalized.
func IdempotencyScope(peer string) string { return "chat:" + peer }

// Send stores a message from sender to receiver. When idemKey is non-empty and
// was already used by sender for this conversation, the original message is
// returned with replayed=true and nothing new is written.
func (s *ChatService) Send(ctx context.Context, sender, receiver, content, idemKey string) (msg *domain.ChatMessage, replayed bool, err error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("chat.sender", sender),
			attribute.String("chat.receiver", receiver),
		))
	defer span.End()

	sender, receiver, err = checkPair(sender, receiver)
	if err != nil {
		return nil, false, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false, invalid("content", "is required")
	}
	max := s.MaxRunes
	if max <= 0 {
		max = DefaultChatMaxRunes
	}
	if utf8.RuneCountInString(content) > max {
		return nil, false, invalid("content", "is too long")
	}

	scope := IdempotencyScope(receiver)
	if idemKey != "" {
		if m, ok, err := s.replay(ctx, sender, scope, idemKey); err != nil || ok {
			return m, ok, err
		}
	}

	for _, id := range []string{sender, receiver} {
		if _, err := s.Store.FindParticipant(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, false, &NotFoundError{Entity: "participant", ID: id}
			}
			return nil, false, storeErr("find participant", err)
		}
	}

	payload, _ := json.Marshal(content)
	rec, err := s.Relay.Send(ctx, sender, receiver, domain.KindChat, payload)
	if err != nil {
		return nil, false, err
	}
	msg = &domain.ChatMessage{
		ID:         rec.ID,
		SenderID:   rec.Sender,
		ReceiverID: rec.Receiver,
		Content:    content,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.CreatedAt,
	}

	if idemKey != "" {
		ttl := s.IdempotencyTTL
		if ttl <= 0 {
			ttl = DefaultIdempotencyTTL
		}
		if _, err := s.Store.CreateIdempotency(ctx, sender, scope, idemKey, msg.ID, 201, ttl); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				// A concurrent retry won the key; hand back its message.
				if m, ok, rerr := s.replay(ctx, sender, scope, idemKey); rerr == nil && ok {
					return m, true, nil
				}
			}
			return nil, false, storeErr("create idempotency", err)
		}
	}
	return msg, false, nil
}

func (s *ChatService) replay(ctx context.Context, sender, scope, key string) (*domain.ChatMessage, bool, error) {
	rec, err := s.Store.GetIdempotency(ctx, sender, scope, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("get idempotency", err)
	}
	m, err := s.Store.GetChatMessage(ctx, rec.ResourceID)
	if err != nil {
		return nil, false, storeErr("get message", err)
	}
	return m, true, nil
}

// History returns the conversation between me and peer in creation order and
// marks the peer's messages to me as read. limit <= 0 uses the default.
func (s *ChatService) History(ctx context.Context, me, peer string, limit int) ([]domain.ChatMessage, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "History",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	me, peer, err := checkPair(me, peer)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	msgs, err := s.Store.ListConversation(ctx, me, peer, limit)
	if err != nil {
		return nil, storeErr("list conversation", err)
	}
	if _, err := s.Store.MarkConversationRead(ctx, me, peer); err != nil {
		return nil, storeErr("mark read", err)
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	return msgs, nil
}

// Stats returns the message count and latest update for the conversation,
// used to build conditional-GET validators.
func (s *ChatService) Stats(ctx context.Context, me, peer string) (int64, *time.Time, error) {
	me, peer, err := checkPair(me, peer)
	if err != nil {
		return 0, nil, err
	}
	n, max, err := s.Store.ConversationStats(ctx, me, peer)
	if err != nil {
		return 0, nil, storeErr("conversation stats", err)
	}
	return n, max, nil
}

// Contacts lists one entry per peer I have been matched with, newest match
// first, with the last message, my unread count and the peer's presence.
func (s *ChatService) Contacts(ctx context.Context, me string) ([]Contact, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Contacts")
	defer span.End()

	me, err := checkIdentity("identity", me)
	if err != nil {
		return nil, err
	}
	matches, err := s.Store.ListMatchesFor(ctx, me)
	if err != nil {
		return nil, storeErr("list matches", err)
	}
	out := make([]Contact, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for i := range matches {
		m := &matches[i]
		peer := m.Peer(me)
		// Newest first, so a re-paired peer keeps only the current match.
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		last, err := s.Store.LastMessage(ctx, me, peer)
		if err != nil {
			return nil, storeErr("last message", err)
		}
		unread, err := s.Store.CountUnread(ctx, peer, me)
		if err != nil {
			return nil, storeErr("count unread", err)
		}
		c := Contact{
			Peer:            peer,
			MatchID:         m.ID,
			Compatibility:   m.Compatibility,
			SharedInterests: m.SharedInterests,
			LastMessage:     last,
			Unread:          unread,
			MatchedAt:       m.CreatedAt,
		}
		if s.Presence != nil {
			c.Online = s.Presence.Online(ctx, peer)
		}
		out = append(out, c)
	}
	return out, nil
}
