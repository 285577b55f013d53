// Package handlers implements the public HTTP API on top of the services
// layer. Every failure is answered with ErrorResponse.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pairing-backend/internal/http/middleware"
	"github.com/tbourn/go-pairing-backend/internal/services"
)

// ErrorResponse is the error envelope shared by all endpoints.
type ErrorResponse struct {
	// Echo of X-Request-ID, for matching a client report to server logs
	RequestID string `json:"request_id,omitempty" example:"0190f4a2-7b3c-7def-8a12-3456789abcde"`
	// Machine-readable code, see errors.go
	Code string `json:"code" example:"not_found"`
	// Human-readable message
	Message string `json:"message" example:"participant \"bob\" not found"`
}

// fail aborts with the envelope.
func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps a service error to a status: validation is 400, a missing
// participant or match is 404, anything else is 500 under the
// operation-specific code. 500 bodies never carry the cause; it is logged
// and recorded on the gin context instead.
func failErr(c *gin.Context, err error, code string) {
	var (
		ve *services.ValidationError
		nf *services.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, ve.Error())
		return
	case errors.As(err, &nf):
		fail(c, http.StatusNotFound, ErrCodeNotFound, nf.Error())
		return
	}

	msg := "internal error"
	if errors.Is(err, services.ErrStore) {
		msg = "storage failure"
	}
	middleware.LoggerFrom(c).Error().Err(err).Str("code", code).Msg("request failed")
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, code, msg)
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
