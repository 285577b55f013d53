package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/tbourn/go-pairing-backend/internal/repo"
)

// DefaultPresenceWindow is how long a heartbeat keeps a participant online.
const DefaultPresenceWindow = 5 * time.Minute

// PresenceStore persists heartbeat stamps.
type PresenceStore interface {
	TouchLastSeen(ctx context.Context, identity string, at time.Time) error
	LastSeen(ctx context.Context, identity string) (*time.Time, error)
}

// PresenceCache is an optional fast path in front of PresenceStore.
type PresenceCache interface {
	Touch(ctx context.Context, identity string, at time.Time) error
	LastSeen(ctx context.Context, identity string) (time.Time, bool, error)
}

// Presence is the answer to a presence query.
type Presence struct {
	Identity string     `json:"identity"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// PresenceService tracks heartbeats.
type PresenceService struct {
	Store  PresenceStore
	Cache  PresenceCache // may be nil
	Window time.Duration
	Now    func() time.Time
}

// NewPresenceService returns a service with the default window and no cache.
func NewPresenceService(store PresenceStore) *PresenceService {
	return &PresenceService{Store: store, Window: DefaultPresenceWindow, Now: time.Now}
}

func (s *PresenceService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *PresenceService) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultPresenceWindow
}

// IsOnline reports whether lastSeen falls within window of now.
func IsOnline(lastSeen *time.Time, now time.Time, window time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) < window
}

// Heartbeat stamps identity as seen now.
func (s *PresenceService) Heartbeat(ctx context.Context, identity string) (*Presence, error) {
	ctx, span := otel.Tracer("services/PresenceService").Start(ctx, "Heartbeat")
	defer span.End()

	identity, err := checkIdentity("identity", identity)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.Store.TouchLastSeen(ctx, identity, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &NotFoundError{Entity: "participant", ID: identity}
		}
		return nil, storeErr("touch last seen", err)
	}
	if s.Cache != nil {
		if err := s.Cache.Touch(ctx, identity, now); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("identity", identity).Msg("presence cache write failed")
		}
	}
	return &Presence{Identity: identity, Online: true, LastSeen: &now}, nil
}

// Lookup returns the presence of identity, preferring the cache.
func (s *PresenceService) Lookup(ctx context.Context, identity string) (*Presence, error) {
	ctx, span := otel.Tracer("services/PresenceService").Start(ctx, "Lookup")
	defer span.End()

	identity, err := checkIdentity("identity", identity)
	if err != nil {
		return nil, err
	}
	last, err := s.lastSeen(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &Presence{Identity: identity, Online: IsOnline(last, s.now(), s.window()), LastSeen: last}, nil
}

// Online is a convenience for callers that already hold a normalized identity.
// Lookup failures read as offline.
func (s *PresenceService) Online(ctx context.Context, identity string) bool {
	last, err := s.lastSeen(ctx, identity)
	if err != nil {
		return false
	}
	return IsOnline(last, s.now(), s.window())
}

func (s *PresenceService) lastSeen(ctx context.Context, identity string) (*time.Time, error) {
	if s.Cache != nil {
		at, ok, err := s.Cache.LastSeen(ctx, identity)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("identity", identity).Msg("presence cache read failed")
		} else if ok {
			return &at, nil
		}
	}
	last, err := s.Store.LastSeen(ctx, identity)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, &NotFoundError{Entity: "participant", ID: identity}
	}
	if err != nil {
		return nil, storeErr("last seen", err)
	}
	return last, nil
}
