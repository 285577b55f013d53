package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-pairing-backend/internal/http/middleware"
	"github.com/tbourn/go-pairing-backend/internal/repo"
	"github.com/tbourn/go-pairing-backend/internal/services"
)

// ---------- test plumbing ----------

type rig struct {
	r     *gin.Engine
	store *repo.Store
}

func newTestStore(t *testing.T) *repo.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
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

// newRig wires real services over an in-memory store behind the routes the
// router mounts under the API base path.
func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := newTestStore(t)

	relay := services.NewRelay(store)
	presence := services.NewPresenceService(store)
	h := New(
		services.NewMatchService(store, nil),
		services.NewChatService(store, relay, presence),
		presence,
		relay,
	)

	r := gin.New()
	r.Use(middleware.Identity())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	mount(r.Group(""), h)
	return &rig{r: r, store: store}
}

func mount(g *gin.RouterGroup, h *Handlers) {
	g.POST("/participants/:id/profile", h.SubmitProfile)
	g.GET("/participants/:id/match", h.GetMatch)
	g.GET("/participants/:id/queue", h.GetQueue)
	g.POST("/participants/:id/heartbeat", h.Heartbeat)
	g.GET("/participants/:id/presence", h.GetPresence)
	g.GET("/participants/:id/contacts", h.GetContacts)
	g.POST("/conversations/:peer/messages", h.PostMessage)
	g.GET("/conversations/:peer/messages", h.ListMessages)
	g.POST("/signals", h.PostSignal)
	g.GET("/signals", h.ListSignals)
}

// do sends a request as user (empty for anonymous) with optional JSON body
// and extra headers given as key/value pairs.
func (rg *rig) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("encode: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	rg.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// pair submits identical answers for a then b so they match each other.
func (rg *rig) pair(t *testing.T, a, b string) services.MatchResult {
	t.Helper()
	answers := SubmitProfileRequest{Answers: []int{3, 2, 4, 1, 2}}
	if w := rg.do(t, http.MethodPost, "/participants/"+a+"/profile", "", answers); w.Code != http.StatusOK {
		t.Fatalf("submit %s: %d %s", a, w.Code, w.Body.String())
	}
	w := rg.do(t, http.MethodPost, "/participants/"+b+"/profile", "", answers)
	if w.Code != http.StatusOK {
		t.Fatalf("submit %s: %d %s", b, w.Code, w.Body.String())
	}
	res := decode[services.MatchResult](t, w)
	if !res.Matched || res.Peer != a {
		t.Fatalf("expected %s to match %s: %+v", b, a, res)
	}
	return res
}
