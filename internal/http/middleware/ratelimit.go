package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to the caller its bucket belongs to.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by the caller identity set by Identity, or by
// client IP for anonymous requests. Keys are namespaced ("user:alice",
// "ip:203.0.113.7").
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := userIDFromCtx(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// Class is a group of routes with its own per-caller budget. Clients poll
// several endpoints on fixed timers; giving those reads their own bucket
// keeps a busy poller from starving its own sends.
type Class struct {
	Name  string
	RPS   float64
	Burst int
	Match func(c *gin.Context) bool
}

// pollSuffixes are the route endpoints clients read on a timer.
var pollSuffixes = []string{"/signals", "/messages", "/match", "/queue", "/presence", "/contacts"}

// PollingClass matches GET requests on the polled endpoints.
func PollingClass(rps float64, burst int) Class {
	return Class{
		Name:  "poll",
		RPS:   rps,
		Burst: burst,
		Match: func(c *gin.Context) bool {
			if c.Request.Method != http.MethodGet {
				return false
			}
			route := c.FullPath()
			for _, s := range pollSuffixes {
				if strings.HasSuffix(route, s) {
					return true
				}
			}
			return false
		},
	}
}

type bucketClass struct {
	name  string
	limit rate.Limit
	burst int
	match func(c *gin.Context) bool
	retry string // Retry-After seconds once the bucket is empty
}

func newBucketClass(name string, rps float64, burst int, match func(*gin.Context) bool) bucketClass {
	if burst <= 0 {
		burst = 1
	}
	retry := 1
	if rps > 0 {
		retry = int(math.Max(1, math.Ceil(1/rps)))
	}
	return bucketClass{name: name, limit: rate.Limit(rps), burst: burst, match: match, retry: strconv.Itoa(retry)}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token-bucket limiter with one bucket per
// (class, caller). Idle buckets are evicted opportunistically. Safe for
// concurrent use.
type RateLimiter struct {
	def     bucketClass
	classes []bucketClass
	keyFn   keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter builds a limiter whose default class allows rps with the
// given burst (coerced to at least 1). Requests matching one of classes use
// that class's bucket instead; the first match wins.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc, classes ...Class) *RateLimiter {
	rl := &RateLimiter{
		def:      newBucketClass("default", rps, burst, nil),
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
	for _, cl := range classes {
		rl.classes = append(rl.classes, newBucketClass(cl.Name, cl.RPS, cl.Burst, cl.Match))
	}
	return rl
}

func (rl *RateLimiter) classFor(c *gin.Context) *bucketClass {
	for i := range rl.classes {
		if rl.classes[i].match != nil && rl.classes[i].match(c) {
			return &rl.classes[i]
		}
	}
	return &rl.def
}

// getVisitor returns the bucket for key in class, creating it on demand.
// Every 5000 lookups idle buckets are swept first, so a stale bucket is
// evicted even when it is the one being fetched.
func (rl *RateLimiter) getVisitor(cl *bucketClass, key string) *rate.Limiter {
	now := time.Now()
	key = cl.name + "|" + key

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(cl.limit, cl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay, which is served without spending tokens.
func IsRateBypass(c *gin.Context) bool { return c.GetBool(ctxKeyRateBypass) }

// Handler enforces the limits. Rejected requests get 429 with the standard
// error envelope and a Retry-After derived from the class refill rate.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		cl := rl.classFor(c)
		if rl.getVisitor(cl, rl.keyFn(c)).Allow() {
			c.Next()
			return
		}

		httpRateLimited.WithLabelValues(cl.name).Inc()
		c.Header("Retry-After", cl.retry)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
