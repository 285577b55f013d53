package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-pairing-backend/internal/config"
	"github.com/tbourn/go-pairing-backend/internal/http/middleware"
	"github.com/tbourn/go-pairing-backend/internal/repo"
	"github.com/tbourn/go-pairing-backend/internal/services"
)

// --- test store helper (pure-Go sqlite, no CGO) ---
func newTestStore(t *testing.T) *repo.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
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
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return repo.NewStore(db)
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   100,
		CORS:        config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
		Matching: config.MatchingConfig{
			Threshold:      70,
			CandidateLimit: 50,
		},
		Relay: config.RelayConfig{
			SignalTTL:     time.Minute,
			PurgeInterval: 30 * time.Second,
			ChatMaxRunes:  2000,
		},
		PresenceWindow: 5 * time.Minute,
		IdempotencyTTL: time.Hour,
	}
}

func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, *repo.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := newTestStore(t)
	RegisterRoutes(r, store, NewServices(store, nil, nil, cfg), cfg)
	return r, store
}

func send(r *gin.Engine, method, path, user string, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	// /health works
	w := send(r, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired and never compressed
	w = send(r, http.MethodGet, "/metrics", "", "", "Accept-Encoding", "gzip")
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}
	if enc := w.Header().Get("Content-Encoding"); enc != "" {
		t.Fatalf("/metrics must not be compressed, got %q", enc)
	}

	// NoRoute → 404
	if w := send(r, http.MethodGet, "/nope", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	if w := send(r, http.MethodPost, "/health", "", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _ := newRouter(t, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := send(r, http.MethodGet, "/health", "", "", "Origin", "http://example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}

	// API is mounted under the configured base path.
	if w := send(r, http.MethodGet, "/api/v2/signals", "alice", ""); w.Code != http.StatusOK {
		t.Fatalf("GET /api/v2/signals = %d", w.Code)
	}
}

func TestRegisterRoutes_CORSPreflight(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	w := send(r, http.MethodOptions, "/api/v1/conversations/bob/messages", "", "",
		"Origin", "http://app.local",
		"Access-Control-Request-Method", http.MethodPost,
		"Access-Control-Request-Headers", "X-User-ID, Idempotency-Key")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", w.Code)
	}
	allowed := strings.ToLower(w.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowed, "x-user-id") || !strings.Contains(allowed, "idempotency-key") {
		t.Fatalf("allow headers = %q", allowed)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("ACAO = %q", got)
	}
}

func TestRegisterRoutes_Gzip(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	w := send(r, http.MethodGet, "/health", "", "", "Accept-Encoding", "gzip")
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip body, code=%d enc=%q", w.Code, w.Header().Get("Content-Encoding"))
	}
}

func TestRegisterRoutes_Swagger(t *testing.T) {
	r, _ := newRouter(t, testConfig())
	if w := send(r, http.MethodGet, "/swagger/doc.json", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("swagger must be off by default, got %d", w.Code)
	}

	cfg := testConfig()
	cfg.SwaggerEnabled = true
	r, _ = newRouter(t, cfg)
	w := send(r, http.MethodGet, "/swagger/doc.json", "", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("/participants/{id}/profile")) {
		t.Fatalf("swagger doc: code=%d body=%.200s", w.Code, w.Body.String())
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := send(r, http.MethodGet, path, "", "")
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}

// Pairing, chatting with an idempotent retry, and signaling through the full stack.
func TestPipeline_EndToEnd(t *testing.T) {
	r, _ := newRouter(t, testConfig())
	const api = "/api/v1"

	answers := `{"answers":[3,2,4,1,2]}`
	if w := send(r, http.MethodPost, api+"/participants/alice/profile", "", answers); w.Code != http.StatusOK {
		t.Fatalf("submit alice: %d %s", w.Code, w.Body.String())
	}
	w := send(r, http.MethodPost, api+"/participants/bob/profile", "", answers)
	var res services.MatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || !res.Matched || res.Peer != "alice" {
		t.Fatalf("bob should pair with alice: %s", w.Body.String())
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	w = send(r, http.MethodPost, api+"/conversations/alice/messages", "bob", `{"content":"hello"}`,
		middleware.HeaderIdempotencyKey, "retry-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}
	w = send(r, http.MethodPost, api+"/conversations/alice/messages", "bob", `{"content":"hello"}`,
		middleware.HeaderIdempotencyKey, "retry-1")
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("retry: %d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
	if w := send(r, http.MethodPost, api+"/conversations/alice/messages", "bob", `{"content":"x"}`,
		middleware.HeaderIdempotencyKey, "bad key!"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid idempotency key: %d", w.Code)
	}

	w = send(r, http.MethodGet, api+"/conversations/bob/messages", "alice", "")
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("history: %d etag=%q", w.Code, w.Header().Get("ETag"))
	}

	if w := send(r, http.MethodPost, api+"/signals", "alice", `{"to":"bob","kind":"invite"}`); w.Code != http.StatusCreated {
		t.Fatalf("signal: %d %s", w.Code, w.Body.String())
	}
	w = send(r, http.MethodGet, api+"/signals", "bob", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"kind":"invite"`)) {
		t.Fatalf("fetch signals: %d %s", w.Code, w.Body.String())
	}
}

func TestNewServices_AppliesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Matching.Threshold = 85
	cfg.Matching.CandidateLimit = 7
	cfg.Relay.SignalTTL = 90 * time.Second
	cfg.Relay.ChatMaxRunes = 120
	cfg.PresenceWindow = time.Minute

	svcs := NewServices(newTestStore(t), nil, nil, cfg)
	if svcs.Match.Threshold != 85 || svcs.Match.CandidateLimit != 7 {
		t.Fatalf("match tuning not applied: %+v", svcs.Match)
	}
	if svcs.Relay.TTL != 90*time.Second || svcs.Chat.MaxRunes != 120 || svcs.Chat.IdempotencyTTL != time.Hour {
		t.Fatalf("relay/chat tuning not applied")
	}
	if svcs.Presence.Window != time.Minute || svcs.Presence.Cache != nil {
		t.Fatalf("presence tuning not applied: %+v", svcs.Presence)
	}
	if svcs.Chat.Relay != svcs.Relay || svcs.Chat.Presence != svcs.Presence {
		t.Fatalf("chat must share relay and presence")
	}
}

func Test_idempotencyLookup(t *testing.T) {
	store := newTestStore(t)
	lookup := idempotencyLookup(store)
	ctx := context.Background()
	scope := services.IdempotencyScope("bob")

	if hit, err := lookup(ctx, "alice", scope, "k1", time.Now()); hit || err != nil {
		t.Fatalf("miss: hit=%v err=%v", hit, err)
	}
	if _, err := store.CreateIdempotency(ctx, "alice", scope, "k1", "msg-1", http.StatusCreated, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if hit, err := lookup(ctx, " alice ", scope, "k1", time.Now()); !hit || err != nil {
		t.Fatalf("hit: hit=%v err=%v", hit, err)
	}
	if hit, _ := lookup(ctx, "alice", services.IdempotencyScope("carol"), "k1", time.Now()); hit {
		t.Fatalf("key must be scoped to the conversation")
	}

	// Closed connection surfaces as an error, not a hit.
	sqlDB, err := store.DB.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()
	if hit, err := lookup(ctx, "alice", scope, "k1", time.Now()); hit || err == nil {
		t.Fatalf("closed db: hit=%v err=%v", hit, err)
	}
}
