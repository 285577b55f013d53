package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	for _, k := range []string{"CONFIG_FILE", "PORT", "LOG_LEVEL", "DB_DRIVER", "DATABASE_URL", "REDIS_ADDR"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Port != "8080" || cfg.APIBasePath != "/api/v1" || cfg.GinMode != "release" || cfg.LogLevel != "info" {
		t.Fatalf("server defaults: %+v", cfg)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN() != "pairing.db" || cfg.Redis.Addr != "" {
		t.Fatalf("storage defaults: %+v %+v", cfg.Database, cfg.Redis)
	}
	if cfg.Matching != (MatchingConfig{Threshold: 70, CandidateLimit: 50, KeyBonus: 10}) {
		t.Fatalf("matching defaults: %+v", cfg.Matching)
	}
	if cfg.Relay != (RelayConfig{SignalTTL: time.Minute, PurgeInterval: 30 * time.Second, ChatMaxRunes: 2000}) {
		t.Fatalf("relay defaults: %+v", cfg.Relay)
	}
	wantPoll := PollingConfig{
		Heartbeat: 30 * time.Second,
		Matches:   5 * time.Second,
		Chat:      3 * time.Second,
		Invites:   2 * time.Second,
		Call:      1500 * time.Millisecond,
	}
	if cfg.Polling != wantPoll || cfg.PresenceWindow != 5*time.Minute {
		t.Fatalf("polling defaults: %+v window=%v", cfg.Polling, cfg.PresenceWindow)
	}
	if cfg.RateRPS != 5 || cfg.RateBurst != 10 || cfg.RatePollRPS != 10 || cfg.RatePollBurst != 20 {
		t.Fatalf("rate defaults: %v/%d poll %v/%d", cfg.RateRPS, cfg.RateBurst, cfg.RatePollRPS, cfg.RatePollBurst)
	}
	if !reflect.DeepEqual(cfg.ICEServers, []string{"stun:stun.l.google.com:19302"}) {
		t.Fatalf("ice defaults: %#v", cfg.ICEServers)
	}
	if cfg.IdempotencyTTL != 24*time.Hour || cfg.OTEL.ServiceName != "pairing-backend" || cfg.OTEL.Enabled {
		t.Fatalf("misc defaults: ttl=%v otel=%+v", cfg.IdempotencyTTL, cfg.OTEL)
	}
}

func TestLoad_OverridesAndNormalization(t *testing.T) {
	env := map[string]string{
		"PORT":                        "8088",
		"READ_TIMEOUT":                "2s",
		"WRITE_TIMEOUT":               "3s",
		"MAX_HEADER_BYTES":            "8192",
		"GIN_MODE":                    "weird",
		"LOG_LEVEL":                   "warning",
		"LOG_PRETTY":                  "yes",
		"SWAGGER_ENABLED":             "on",
		"API_BASE_PATH":               "api/v2/",
		"DB_DRIVER":                   "Postgres",
		"DATABASE_URL":                "postgres://u:p@db:5432/pairing?sslmode=disable",
		"REDIS_ADDR":                  "localhost:6379",
		"REDIS_DB":                    "2",
		"MATCH_THRESHOLD":             "80",
		"MATCH_KEY_BONUS":             "0",
		"QUESTIONNAIRE_PATH":          "/etc/pairing/q.yaml",
		"SIGNAL_TTL":                  "90s",
		"CHAT_MAX_RUNES":              "500",
		"PRESENCE_WINDOW":             "2m",
		"POLL_CALL":                   "750ms",
		"ICE_SERVERS":                 "stun:a:3478, u:p@turn:b:3478",
		"RATE_RPS":                    "x",
		"RATE_BURST":                  "nope",
		"RATE_POLL_RPS":               "0",
		"CORS_ALLOWED_ORIGINS":        " https://a.com , , http://b ",
		"ENABLE_HSTS":                 "TRUE",
		"HSTS_MAX_AGE":                "24h",
		"IDEMPOTENCY_TTL":             "48h",
		"OTEL_ENABLED":                "1",
		"OTEL_EXPORTER_OTLP_INSECURE": "0",
		"OTEL_TRACES_SAMPLER_ARG":     "0.75",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8088" || cfg.ReadTimeout != 2*time.Second || cfg.WriteTimeout != 3*time.Second || cfg.MaxHeaderBytes != 8192 {
		t.Fatalf("server overrides: %+v", cfg)
	}
	if cfg.GinMode != "release" || cfg.LogLevel != "warn" || !cfg.LogPretty || !cfg.SwaggerEnabled || cfg.APIBasePath != "/api/v2" {
		t.Fatalf("normalization: mode=%s level=%s base=%s", cfg.GinMode, cfg.LogLevel, cfg.APIBasePath)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN() != env["DATABASE_URL"] {
		t.Fatalf("postgres dsn: %+v", cfg.Database)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis: %+v", cfg.Redis)
	}
	if cfg.Matching.Threshold != 80 || cfg.Matching.KeyBonus != 0 || cfg.Matching.QuestionnairePath != "/etc/pairing/q.yaml" {
		t.Fatalf("matching: %+v", cfg.Matching)
	}
	if cfg.Relay.SignalTTL != 90*time.Second || cfg.Relay.ChatMaxRunes != 500 || cfg.PresenceWindow != 2*time.Minute {
		t.Fatalf("relay: %+v window=%v", cfg.Relay, cfg.PresenceWindow)
	}
	if cfg.Polling.Call != 750*time.Millisecond || cfg.Polling.Chat != 3*time.Second {
		t.Fatalf("polling: %+v", cfg.Polling)
	}
	if !reflect.DeepEqual(cfg.ICEServers, []string{"stun:a:3478", "u:p@turn:b:3478"}) {
		t.Fatalf("ice: %#v", cfg.ICEServers)
	}
	// unparsable numbers fall back; a zero poll rate is allowed and disables the class
	if cfg.RateRPS != 5 || cfg.RateBurst != 10 || cfg.RatePollRPS != 0 {
		t.Fatalf("rate: %v/%d poll=%v", cfg.RateRPS, cfg.RateBurst, cfg.RatePollRPS)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour || cfg.IdempotencyTTL != 48*time.Hour {
		t.Fatalf("security: %+v ttl=%v", cfg.Security, cfg.IdempotencyTTL)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Insecure || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel: %+v", cfg.OTEL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"PORT", "   ", "PORT must not be empty"},
		{"READ_TIMEOUT", "0s", "timeouts must be positive"},
		{"MAX_HEADER_BYTES", "0", "MAX_HEADER_BYTES"},
		{"DB_PATH", "   ", "DB_PATH must not be empty"},
		{"DB_DRIVER", "mysql", "DB_DRIVER"},
		{"DB_DRIVER", "postgres", "DATABASE_URL"},
		{"REDIS_DB", "-1", "REDIS_DB"},
		{"MATCH_THRESHOLD", "101", "MATCH_THRESHOLD"},
		{"MATCH_THRESHOLD", "0", "MATCH_THRESHOLD"},
		{"MATCH_CANDIDATE_LIMIT", "0", "MATCH_CANDIDATE_LIMIT"},
		{"MATCH_KEY_BONUS", "-5", "MATCH_KEY_BONUS"},
		{"SIGNAL_TTL", "0s", "SIGNAL_TTL"},
		{"SIGNAL_PURGE_INTERVAL", "-1s", "SIGNAL_PURGE_INTERVAL"},
		{"CHAT_MAX_RUNES", "0", "CHAT_MAX_RUNES"},
		{"PRESENCE_WINDOW", "-1m", "PRESENCE_WINDOW"},
		{"POLL_CHAT", "0s", "POLL_"},
		{"RATE_RPS", "-1", "RATE_RPS"},
		{"RATE_BURST", "0", "RATE_BURST"},
		{"RATE_POLL_RPS", "-2", "RATE_POLL_RPS"},
		{"RATE_POLL_BURST", "0", "RATE_POLL_BURST"},
		{"HSTS_MAX_AGE", "-1s", "HSTS_MAX_AGE"},
		{"IDEMPOTENCY_TTL", "0s", "IDEMPOTENCY_TTL"},
		{"OTEL_TRACES_SAMPLER_ARG", "1.5", "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Port = ""
	cfg.Matching.Threshold = -1
	cfg.Relay.ChatMaxRunes = 0

	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"PORT", "MATCH_THRESHOLD", "CHAT_MAX_RUNES"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %q", want, err)
		}
	}
}

func TestMustLoad(t *testing.T) {
	if cfg := MustLoad(); cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config")
	}

	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if recover() == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	MustLoad()
}

func TestSource_ParsingAndFallback(t *testing.T) {
	t.Setenv("H_EMPTY", "")
	t.Setenv("H_STR", "val")
	t.Setenv("H_FLOAT", "3.14")
	t.Setenv("H_INT", "42")
	t.Setenv("H_DUR", "150ms")
	t.Setenv("H_BAD", "zzz")

	src, err := newSource()
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}
	if src.str("H_EMPTY", "d") != "d" || src.str("H_STR", "d") != "val" || src.str("H_UNSET", "d") != "d" {
		t.Fatalf("str")
	}
	if src.float("H_FLOAT", 0) != 3.14 || src.float("H_BAD", 1.5) != 1.5 {
		t.Fatalf("float")
	}
	if src.integer("H_INT", 0) != 42 || src.integer("H_BAD", 7) != 7 {
		t.Fatalf("integer")
	}
	if src.dur("H_DUR", 0) != 150*time.Millisecond || src.dur("H_BAD", time.Second) != time.Second {
		t.Fatalf("dur")
	}

	flags := map[string]bool{"1": true, "TRUE": true, " yes ": true, "Y": true, "On": true,
		"0": false, "False": false, " no ": false, "n": false, "OFF": false}
	for v, want := range flags {
		t.Setenv("H_BOOL", v)
		if got := src.flag("H_BOOL", !want); got != want {
			t.Fatalf("flag(%q) = %v", v, got)
		}
	}
	t.Setenv("H_BOOL", "maybe")
	if !src.flag("H_BOOL", true) || src.flag("H_BOOL", false) {
		t.Fatalf("unknown flag value should keep default")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.yaml")
	file := "match_threshold: 85\nrate_rps: 2.5\nport: \"9000\"\nenable_hsts: true\nsignal_ttl: 45s\n"
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matching.Threshold != 85 || cfg.RateRPS != 2.5 || !cfg.Security.EnableHSTS || cfg.Relay.SignalTTL != 45*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Port != "9100" {
		t.Fatalf("environment should win over the file, got port %q", cfg.Port)
	}

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CONFIG_FILE") {
		t.Fatalf("want CONFIG_FILE error, got %v", err)
	}
}

func TestSplitCSVAndBasePath(t *testing.T) {
	if splitCSV("") != nil {
		t.Fatalf("empty csv should be nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV: %#v", got)
	}

	paths := map[string]string{"": "/", " / ": "/", "v1": "/v1", "/v1/": "/v1", "api/v2//": "/api/v2"}
	for in, want := range paths {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}
