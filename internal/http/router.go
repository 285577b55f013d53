// Package httpapi assembles the Gin engine: middleware chain, services and
// the versioned pairing API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/tbourn/go-pairing-backend/docs"
	"github.com/tbourn/go-pairing-backend/internal/config"
	"github.com/tbourn/go-pairing-backend/internal/http/handlers"
	"github.com/tbourn/go-pairing-backend/internal/http/middleware"
	"github.com/tbourn/go-pairing-backend/internal/matching"
	"github.com/tbourn/go-pairing-backend/internal/repo"
	"github.com/tbourn/go-pairing-backend/internal/services"
)

// Services bundles the application services the routes delegate to.
type Services struct {
	Match    *services.MatchService
	Chat     *services.ChatService
	Presence *services.PresenceService
	Relay    *services.Relay
}

// NewServices builds the services over store with the tuning in cfg. cache
// may be nil, in which case presence reads go to the store.
func NewServices(store *repo.Store, cache services.PresenceCache, q *matching.Questionnaire, cfg config.Config) Services {
	relay := services.NewRelay(store)
	relay.TTL = cfg.Relay.SignalTTL

	presence := services.NewPresenceService(store)
	presence.Cache = cache
	presence.Window = cfg.PresenceWindow

	match := services.NewMatchService(store, q)
	match.Threshold = cfg.Matching.Threshold
	match.CandidateLimit = cfg.Matching.CandidateLimit

	chat := services.NewChatService(store, relay, presence)
	chat.MaxRunes = cfg.Relay.ChatMaxRunes
	chat.IdempotencyTTL = cfg.IdempotencyTTL

	return Services{Match: match, Chat: chat, Presence: presence, Relay: relay}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Identity: caller from X-User-ID
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per user/IP and route class, bypass on replay)
//  10. Compression, CORS and Security headers
func RegisterRoutes(r *gin.Engine, store *repo.Store, svcs Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Caller identity for logs, rate limiting and idempotency
	r.Use(middleware.Identity())

	// 4) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key", // project-specific sensitive header example
		},
	}))

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
			Scope: func(c *gin.Context) string {
				return services.IdempotencyScope(services.NormalizeIdentity(c.Param("peer")))
			},
		},
		idempotencyLookup(store),
	))

	// 9) Token-bucket rate limiter per user/IP; polled reads get their own bucket
	var classes []middleware.Class
	if cfg.RatePollRPS > 0 {
		classes = append(classes, middleware.PollingClass(cfg.RatePollRPS, cfg.RatePollBurst))
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP(), classes...)
	r.Use(rl.Handler())

	// 10) Compression (scrapes stay plain)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// CORS: everything allowed when no origins are configured
	r.Use(corsHandlers(cfg.CORS.AllowedOrigins)...)

	// Security headers; signal responses are never cached
	base := strings.TrimRight(cfg.APIBasePath, "/")
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{base + "/signals"},
		AllowMedia:      true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(svcs.Match, svcs.Chat, svcs.Presence, svcs.Relay)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"
	{
		// Participants
		api.POST("/participants/:id/profile", h.SubmitProfile)
		api.GET("/participants/:id/match", h.GetMatch)
		api.GET("/participants/:id/queue", h.GetQueue)
		api.POST("/participants/:id/heartbeat", h.Heartbeat)
		api.GET("/participants/:id/presence", h.GetPresence)
		api.GET("/participants/:id/contacts", h.GetContacts)

		// Conversations
		api.POST("/conversations/:peer/messages", h.PostMessage)
		api.GET("/conversations/:peer/messages", h.ListMessages)

		// Call signaling
		api.POST("/signals", h.PostSignal)
		api.GET("/signals", h.ListSignals)
	}
}

// corsHandlers allows browser clients to poll and post. With no allowlist
// any origin is accepted without credentials; otherwise allowed origins are
// echoed back with Vary: Origin.
func corsHandlers(origins []string) []gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "If-None-Match",
			middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Retry-After", "Idempotency-Replayed"},
		MaxAge:        12 * time.Hour,
	}

	if len(origins) == 0 {
		cc.AllowAllOrigins = true
		// set even without an Origin header so plain clients see it too
		star := func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		}
		return []gin.HandlerFunc{star, cors.New(cc)}
	}

	cc.AllowOrigins = origins
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	echo := func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Next()
	}
	return []gin.HandlerFunc{echo, cors.New(cc)}
}

// idempotencyLookup reports whether the caller already used key in the
// conversation. Misses and lookup failures both read as "no replay".
func idempotencyLookup(store *repo.Store) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
		rec, err := store.GetIdempotency(ctx, services.NormalizeIdentity(userID), scope, key, now)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return rec != nil, nil
	}
}

// limitBody caps every request body at maxBytes; reads past it fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
