// Package client is a typed HTTP client for the pairing API. Besides the
// participant, chat and signal endpoints it implements call.Relay so a call
// machine can signal through a running server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-pairing-backend/internal/domain"
	"github.com/tbourn/go-pairing-backend/internal/services"
)

const (
	headerUserID      = "X-User-ID"
	headerIdempotency = "Idempotency-Key"
	maxResponseBytes  = 4 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL includes the API prefix, e.g. "http://localhost:8080/api/v1".
	BaseURL string
	// User is sent as X-User-ID on caller-scoped endpoints.
	User string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// Client talks to one server on behalf of one participant.
type Client struct {
	baseURL string
	user    string
	http    *http.Client
	log     zerolog.Logger

	mu      sync.Mutex
	history map[string]cachedHistory // by peer
}

type cachedHistory struct {
	etag     string
	messages []domain.ChatMessage
}

// APIError is a non-2xx response carrying the server's error envelope.
type APIError struct {
	StatusCode int    `json:"-"`
	RequestID  string `json:"request_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("client: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		user:    cfg.User,
		http:    hc,
		log:     cfg.Log,
		history: make(map[string]cachedHistory),
	}, nil
}

// User returns the identity the client acts as.
func (c *Client) User() string { return c.user }

// SubmitProfile stores answers for id and returns the pairing outcome.
func (c *Client) SubmitProfile(ctx context.Context, id string, answers []int) (*services.MatchResult, error) {
	var out services.MatchResult
	if _, err := c.do(ctx, http.MethodPost, "/participants/"+url.PathEscape(id)+"/profile",
		map[string]any{"answers": answers}, &out); err != nil {
		return nil, fmt.Errorf("client: submit profile: %w", err)
	}
	return &out, nil
}

// Match returns id's current match status.
func (c *Client) Match(ctx context.Context, id string) (*services.MatchResult, error) {
	var out services.MatchResult
	if _, err := c.do(ctx, http.MethodGet, "/participants/"+url.PathEscape(id)+"/match", nil, &out); err != nil {
		return nil, fmt.Errorf("client: match status: %w", err)
	}
	return &out, nil
}

// Queue returns waiting-pool statistics from id's viewpoint.
func (c *Client) Queue(ctx context.Context, id string) (*services.QueueStats, error) {
	var out services.QueueStats
	if _, err := c.do(ctx, http.MethodGet, "/participants/"+url.PathEscape(id)+"/queue", nil, &out); err != nil {
		return nil, fmt.Errorf("client: queue stats: %w", err)
	}
	return &out, nil
}

// Heartbeat stamps the client user's last-seen time.
func (c *Client) Heartbeat(ctx context.Context) (*services.Presence, error) {
	var out services.Presence
	if _, err := c.do(ctx, http.MethodPost, "/participants/"+url.PathEscape(c.user)+"/heartbeat", nil, &out); err != nil {
		return nil, fmt.Errorf("client: heartbeat: %w", err)
	}
	return &out, nil
}

// Presence reports whether id is online.
func (c *Client) Presence(ctx context.Context, id string) (*services.Presence, error) {
	var out services.Presence
	if _, err := c.do(ctx, http.MethodGet, "/participants/"+url.PathEscape(id)+"/presence", nil, &out); err != nil {
		return nil, fmt.Errorf("client: presence: %w", err)
	}
	return &out, nil
}

// Contacts lists id's matches, newest first.
func (c *Client) Contacts(ctx context.Context, id string) ([]services.Contact, error) {
	var out struct {
		Contacts []services.Contact `json:"contacts"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/participants/"+url.PathEscape(id)+"/contacts", nil, &out); err != nil {
		return nil, fmt.Errorf("client: contacts: %w", err)
	}
	return out.Contacts, nil
}

// SendMessage sends content to peer. A non-empty key makes retries safe.
func (c *Client) SendMessage(ctx context.Context, peer, content, key string) (*domain.ChatMessage, error) {
	var out struct {
		Message *domain.ChatMessage `json:"message"`
	}
	var hdr []string
	if key != "" {
		hdr = []string{headerIdempotency, key}
	}
	if _, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(peer)+"/messages",
		map[string]string{"content": content}, &out, hdr...); err != nil {
		return nil, fmt.Errorf("client: send message: %w", err)
	}
	return out.Message, nil
}

// History returns the conversation with peer. Unchanged conversations are
// answered from the local copy via If-None-Match.
func (c *Client) History(ctx context.Context, peer string, limit int) ([]domain.ChatMessage, error) {
	path := "/conversations/" + url.PathEscape(peer) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	cacheKey := peer + "|" + strconv.Itoa(limit)

	c.mu.Lock()
	cached, haveCache := c.history[cacheKey]
	c.mu.Unlock()

	var hdr []string
	if haveCache && cached.etag != "" {
		hdr = []string{"If-None-Match", cached.etag}
	}

	var out struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, &out, hdr...)
	if err != nil {
		return nil, fmt.Errorf("client: history: %w", err)
	}
	if resp.StatusCode == http.StatusNotModified && haveCache {
		return cached.messages, nil
	}

	c.mu.Lock()
	c.history[cacheKey] = cachedHistory{etag: resp.Header.Get("ETag"), messages: out.Messages}
	c.mu.Unlock()
	return out.Messages, nil
}

// SendSignal implements call.Relay.
func (c *Client) SendSignal(ctx context.Context, to, kind string, payload json.RawMessage) error {
	body := map[string]any{"to": to, "kind": kind}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	if _, err := c.do(ctx, http.MethodPost, "/signals", body, nil); err != nil {
		return fmt.Errorf("client: send %s signal: %w", kind, err)
	}
	return nil
}

// FetchSignals implements call.Relay. Returned signals are consumed.
func (c *Client) FetchSignals(ctx context.Context) ([]domain.Record, error) {
	var out struct {
		Signals []domain.Record `json:"signals"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/signals", nil, &out); err != nil {
		return nil, fmt.Errorf("client: fetch signals: %w", err)
	}
	return out.Signals, nil
}

// do sends one JSON request. out may be nil; it is left untouched on 304.
// Extra headers are given as key/value pairs.
func (c *Client) do(ctx context.Context, method, path string, body, out any, headers ...string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		rd = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(headerUserID, c.user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("api call")

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return resp, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Code == "" {
		apiErr.Code = "unexpected_status"
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}
