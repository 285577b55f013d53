package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the caller's participant identity. Authentication is
// handled upstream; the header is trusted as-is.
const HeaderUserID = "X-User-ID"

// CtxKeyUserID is the Gin context key holding the caller identity.
const CtxKeyUserID = "userID"

// Identity copies a non-blank X-User-ID header into the Gin context so that
// logging, rate limiting and idempotency can key on it. A value already set
// by earlier middleware wins.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(CtxKeyUserID); !ok {
			if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
				c.Set(CtxKeyUserID, id)
			}
		}
		c.Next()
	}
}

// UserID returns the identity stored by Identity, or "".
func UserID(c *gin.Context) string { return userIDFromCtx(c) }
