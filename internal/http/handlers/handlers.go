package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pairing-backend/internal/domain"
	"github.com/tbourn/go-pairing-backend/internal/http/middleware"
	"github.com/tbourn/go-pairing-backend/internal/services"
)

// MatchService submits questionnaires and reports pairing state.
type MatchService interface {
	Submit(ctx context.Context, identity string, answers []int) (*services.MatchResult, error)
	Status(ctx context.Context, identity string) (*services.MatchResult, error)
	QueueStats(ctx context.Context, identity string) (*services.QueueStats, error)
}

// ChatService stores and lists conversation messages.
type ChatService interface {
	Send(ctx context.Context, sender, receiver, content, idemKey string) (*domain.ChatMessage, bool, error)
	History(ctx context.Context, me, peer string, limit int) ([]domain.ChatMessage, error)
	Stats(ctx context.Context, me, peer string) (int64, *time.Time, error)
	Contacts(ctx context.Context, me string) ([]services.Contact, error)
}

// PresenceService records and answers heartbeats.
type PresenceService interface {
	Heartbeat(ctx context.Context, identity string) (*services.Presence, error)
	Lookup(ctx context.Context, identity string) (*services.Presence, error)
}

// SignalRelay carries call-setup signals between participants.
type SignalRelay interface {
	Send(ctx context.Context, sender, receiver, kind string, payload json.RawMessage) (*domain.Record, error)
	Receive(ctx context.Context, receiver string, policy domain.Policy) ([]domain.Record, error)
}

// Handlers groups the HTTP endpoints of the pairing API.
type Handlers struct {
	matchSvc    MatchService
	chatSvc     ChatService
	presenceSvc PresenceService
	relay       SignalRelay
}

// New constructs Handlers bound to the given services.
func New(matchSvc MatchService, chatSvc ChatService, presenceSvc PresenceService, relay SignalRelay) *Handlers {
	return &Handlers{matchSvc: matchSvc, chatSvc: chatSvc, presenceSvc: presenceSvc, relay: relay}
}

// userID returns the caller identity stashed by middleware.Identity, falling
// back to the X-User-ID header when the middleware is not mounted. An empty
// result is rejected by the service layer.
func userID(c *gin.Context) string {
	if id := middleware.UserID(c); id != "" {
		return id
	}
	if c != nil && c.Request != nil {
		return strings.TrimSpace(c.GetHeader(middleware.HeaderUserID))
	}
	return ""
}

// reqCtx carries the request-scoped logger into the service layer, where it
// is read back with zerolog.Ctx.
func reqCtx(c *gin.Context) context.Context {
	return middleware.LoggerFrom(c).WithContext(c.Request.Context())
}
