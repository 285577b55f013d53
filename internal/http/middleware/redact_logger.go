package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedactOptions adds headers to scrub on top of the built-in sets.
// MaskHeaders are replaced with "[REDACTED]"; DigestHeaders with Digest of
// their value. Names are case-insensitive.
type RedactOptions struct {
	MaskHeaders   []string
	DigestHeaders []string
}

// Digest returns the short stable token logged in place of an identity, so
// one participant's requests still correlate without naming them.
func Digest(v string) string {
	return fmt.Sprintf("[ID:%08x]", uint32(xxhash.Sum64String(v)))
}

// UUIDs go first: the phone pattern would otherwise eat their digit groups.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-7][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`), "[REDACTED:id]"},
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), "[REDACTED:email]"},
	{regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`), "[REDACTED:phone]"},
}

func redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.with)
	}
	return s
}

func headerSet(base []string, extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(base)+len(extra))
	for _, h := range append(base, extra...) {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}

// RedactingLogger is the access logger. It never logs bodies. Route
// parameters such as participant names are logged only through the route
// template; unmatched paths, query strings and header values are scrubbed.
//
// It also attaches a request-scoped logger (request_id, caller digest) that
// handlers fetch with LoggerFrom and services read back with zerolog.Ctx.
//
// Levels: error for 5xx or recorded gin errors, warn for 4xx, debug for 304
// (conditional polls dominate traffic), info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := headerSet([]string{"Authorization", "Cookie", "Set-Cookie"}, opts.MaskHeaders)
	digested := headerSet([]string{HeaderUserID}, opts.DigestHeaders)

	return func(c *gin.Context) {
		start := time.Now()

		route := c.FullPath()
		if route == "" {
			route = redact(c.Request.URL.Path)
		}
		query := truncate(redact(c.Request.URL.RawQuery), maxQueryLogLength)

		caller := ""
		if uid := userIDFromCtx(c); uid != "" {
			caller = Digest(uid)
		}
		reqLog := log.With().Str("request_id", requestIDOf(c)).Str("caller", caller).Logger()
		c.Set(loggerKey, &reqLog)
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			lk := strings.ToLower(k)
			v := strings.Join(vv, ", ")
			switch {
			case has(masked, lk):
				headers[k] = "[REDACTED]"
			case has(digested, lk):
				headers[k] = Digest(v)
			default:
				headers[k] = redact(v)
			}
		}

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError || len(c.Errors) > 0:
			ev = reqLog.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", redact(c.Errors.String()))
			}
		case status >= http.StatusBadRequest:
			ev = reqLog.Warn()
		case status == http.StatusNotModified:
			ev = reqLog.Debug()
		default:
			ev = reqLog.Info()
		}
		ev.
			Str("method", c.Request.Method).
			Str("path", route).
			Str("query", query).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

func has(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}

// requestIDOf prefers the response header set by RequestID over the inbound one.
func requestIDOf(c *gin.Context) string {
	if id := c.Writer.Header().Get(requestIDHeader); id != "" {
		return id
	}
	return c.GetHeader(requestIDHeader)
}
