// Package config loads server and client settings from the environment (or a
// CONFIG_FILE) with defaults, and validates them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "pairing-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH (sqlite file)
	URL    string // DATABASE_URL (postgres DSN)
}

// DSN returns the connection string for the selected driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// RedisConfig points the presence cache at a Redis server. An empty Addr
// disables the cache.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// MatchingConfig tunes pairing.
type MatchingConfig struct {
	Threshold         int    // MATCH_THRESHOLD, minimum score to pair
	CandidateLimit    int    // MATCH_CANDIDATE_LIMIT, waiting snapshot size
	KeyBonus          int    // MATCH_KEY_BONUS, added per equal key answer
	QuestionnairePath string // QUESTIONNAIRE_PATH, empty uses the embedded set
}

// RelayConfig tunes the mailbox relay.
type RelayConfig struct {
	SignalTTL     time.Duration // SIGNAL_TTL
	PurgeInterval time.Duration // SIGNAL_PURGE_INTERVAL
	ChatMaxRunes  int           // CHAT_MAX_RUNES
}

// PollingConfig is the client-side refresh cadence.
type PollingConfig struct {
	Heartbeat time.Duration // POLL_HEARTBEAT
	Matches   time.Duration // POLL_MATCHES
	Chat      time.Duration // POLL_CHAT
	Invites   time.Duration // POLL_INVITES
	Call      time.Duration // POLL_CALL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	Database DatabaseConfig
	Redis    RedisConfig

	// Domain
	Matching       MatchingConfig
	Relay          RelayConfig
	PresenceWindow time.Duration // PRESENCE_WINDOW
	Polling        PollingConfig
	ICEServers     []string // ICE_SERVERS, "[user:cred@]stun:host:port" entries

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Polled GET endpoints get their own bucket; RATE_POLL_RPS=0 folds
	// them into the default one.
	RatePollRPS   float64
	RatePollBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load resolves every setting, normalizes it and validates the result. An
// unreadable CONFIG_FILE is an error.
func Load() (Config, error) {
	src, err := newSource()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		// Server
		Port:              src.str("PORT", "8080"),
		ReadTimeout:       src.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: src.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      src.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       src.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    src.integer("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(src.str("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(src.str("LOG_LEVEL", "info")),
		LogPretty:      src.flag("LOG_PRETTY", false),
		SwaggerEnabled: src.flag("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(src.str("API_BASE_PATH", "/api/v1")),

		// Storage
		Database: DatabaseConfig{
			Driver: strings.ToLower(src.str("DB_DRIVER", "sqlite")),
			Path:   src.str("DB_PATH", "pairing.db"),
			URL:    src.str("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     src.str("REDIS_ADDR", ""),
			Password: src.str("REDIS_PASSWORD", ""),
			DB:       src.integer("REDIS_DB", 0),
		},

		// Domain
		Matching: MatchingConfig{
			Threshold:         src.integer("MATCH_THRESHOLD", 70),
			CandidateLimit:    src.integer("MATCH_CANDIDATE_LIMIT", 50),
			KeyBonus:          src.integer("MATCH_KEY_BONUS", 10),
			QuestionnairePath: src.str("QUESTIONNAIRE_PATH", ""),
		},
		Relay: RelayConfig{
			SignalTTL:     src.dur("SIGNAL_TTL", 60*time.Second),
			PurgeInterval: src.dur("SIGNAL_PURGE_INTERVAL", 30*time.Second),
			ChatMaxRunes:  src.integer("CHAT_MAX_RUNES", 2000),
		},
		PresenceWindow: src.dur("PRESENCE_WINDOW", 5*time.Minute),
		Polling: PollingConfig{
			Heartbeat: src.dur("POLL_HEARTBEAT", 30*time.Second),
			Matches:   src.dur("POLL_MATCHES", 5*time.Second),
			Chat:      src.dur("POLL_CHAT", 3*time.Second),
			Invites:   src.dur("POLL_INVITES", 2*time.Second),
			Call:      src.dur("POLL_CALL", 1500*time.Millisecond),
		},
		ICEServers: splitCSV(src.str("ICE_SERVERS", "stun:stun.l.google.com:19302")),

		// Rate limiting
		RateRPS:   src.float("RATE_RPS", 5.0),
		RateBurst: src.integer("RATE_BURST", 10),

		RatePollRPS:   src.float("RATE_POLL_RPS", 10.0),
		RatePollBurst: src.integer("RATE_POLL_BURST", 20),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(src.str("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: src.flag("ENABLE_HSTS", false),
			HSTSMaxAge: src.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: src.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     src.flag("OTEL_ENABLED", false),
			Endpoint:    src.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    src.flag("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: src.str("OTEL_SERVICE_NAME", "pairing-backend"),
			SampleRatio: src.float("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.Validate()
}

// Validate checks every setting and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		check(true, "LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	check(strings.TrimSpace(c.Port) == "", "PORT must not be empty")
	check(c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0,
		"timeouts must be positive durations")
	check(c.MaxHeaderBytes <= 0, "MAX_HEADER_BYTES must be > 0")

	switch c.Database.Driver {
	case "sqlite":
		check(strings.TrimSpace(c.Database.Path) == "", "DB_PATH must not be empty")
	case "postgres":
		check(strings.TrimSpace(c.Database.URL) == "", "DATABASE_URL is required when DB_DRIVER=postgres")
	default:
		check(true, "DB_DRIVER must be one of: sqlite, postgres")
	}
	check(c.Redis.DB < 0, "REDIS_DB must be >= 0")

	m := c.Matching
	check(m.Threshold < 1 || m.Threshold > 100, "MATCH_THRESHOLD must be between 1 and 100")
	check(m.CandidateLimit < 1, "MATCH_CANDIDATE_LIMIT must be >= 1")
	check(m.KeyBonus < 0, "MATCH_KEY_BONUS must be >= 0")
	check(c.Relay.SignalTTL <= 0 || c.Relay.PurgeInterval <= 0, "SIGNAL_TTL and SIGNAL_PURGE_INTERVAL must be > 0")
	check(c.Relay.ChatMaxRunes < 1, "CHAT_MAX_RUNES must be >= 1")
	check(c.PresenceWindow <= 0, "PRESENCE_WINDOW must be > 0")

	p := c.Polling
	check(p.Heartbeat <= 0 || p.Matches <= 0 || p.Chat <= 0 || p.Invites <= 0 || p.Call <= 0,
		"POLL_* intervals must be positive durations")

	check(c.RateRPS < 0, "RATE_RPS must be >= 0")
	check(c.RateBurst < 1, "RATE_BURST must be >= 1")
	check(c.RatePollRPS < 0, "RATE_POLL_RPS must be >= 0")
	check(c.RatePollRPS > 0 && c.RatePollBurst < 1, "RATE_POLL_BURST must be >= 1")

	check(c.Security.HSTSMaxAge < 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyTTL <= 0, "IDEMPOTENCY_TTL must be > 0")
	check(c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")

	return errors.Join(errs...)
}

// source resolves a key from the environment first, then from the file
// named by CONFIG_FILE (yaml, json or toml, keys spelled like the variables),
// then the compiled-in default. Unparsable values fall back to the default.
type source struct{ v *viper.Viper }

func newSource() (source, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return source{}, fmt.Errorf("CONFIG_FILE %s: %w", path, err)
		}
	}
	return source{v: v}, nil
}

func (s source) str(k, def string) string {
	if v := s.v.GetString(k); v != "" {
		return v
	}
	return def
}

func (s source) float(k string, def float64) float64 {
	if f, err := strconv.ParseFloat(s.v.GetString(k), 64); err == nil {
		return f
	}
	return def
}

func (s source) integer(k string, def int) int {
	if i, err := strconv.Atoi(s.v.GetString(k)); err == nil {
		return i
	}
	return def
}

func (s source) flag(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s.v.GetString(k))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func (s source) dur(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.v.GetString(k)); err == nil {
		return d
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
