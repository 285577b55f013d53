// Conversation HTTP handlers.
//
// This file exposes the chat endpoints between two matched participants:
//   - POST /conversations/{peer}/messages  (send as X-User-ID)
//   - GET  /conversations/{peer}/messages  (history, marks peer's messages read)
//
// Sends honor the Idempotency-Key header: a retried key returns the stored
// message with `Idempotency-Replayed: true` and status 200. History supports
// conditional GET through a weak ETag built from the conversation's message
// count and latest update.
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pairing-backend/internal/domain"
	"github.com/tbourn/go-pairing-backend/internal/http/middleware"
	"github.com/tbourn/go-pairing-backend/internal/services"
	"github.com/tbourn/go-pairing-backend/internal/utils"
)

const maxHistoryLimit = 500

// PostMessageRequest is the JSON payload for a chat message.
type PostMessageRequest struct {
	// Content is trimmed by the service and must be non-empty.
	Content string `json:"content" binding:"required" example:"Hi! Coffee this weekend?"`
}

// PostMessageResponse wraps the stored message.
type PostMessageResponse struct {
	Message *domain.ChatMessage `json:"message"`
}

// ListMessagesResponse carries a conversation in creation order.
type ListMessagesResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// conversationETag is stable until a message is added or marked read. The
// pair is hashed, so identities never leak into the quoted tag.
func conversationETag(me, peer string, count int64, last *time.Time) string {
	var ts int64
	if last != nil {
		ts = last.UTC().UnixNano()
	}
	d := xxhash.New()
	fmt.Fprintf(d, "%s\x00%s\x00%d\x00%d", services.NormalizeIdentity(me), services.NormalizeIdentity(peer), count, ts)
	return fmt.Sprintf(`W/"conv-%016x"`, d.Sum64())
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a chat message
// @Description Stores a message from the caller to peer. Both participants must exist.
// @Description Supports idempotency via the Idempotency-Key header (same key, same message).
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  true   "Sender identity"  example(alice)
// @Param       Idempotency-Key  header  string  false  "Key for safe retries"
// @Param       peer             path    string  true   "Receiver identity"  example(bob)
// @Param       body             body    handlers.PostMessageRequest  true  "Message"
// @Success     201  {object}  handlers.PostMessageResponse  "Stored"
// @Success     200  {object}  handlers.PostMessageResponse  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown participant"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations/{peer}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	msg, replayed, err := h.chatSvc.Send(reqCtx(c), userID(c), c.Param("peer"), req.Content, key)
	if err != nil {
		failErr(c, err, ErrCodeSendFailed)
		return
	}
	if replayed {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, PostMessageResponse{Message: msg})
		return
	}
	ok(c, http.StatusCreated, PostMessageResponse{Message: msg})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Conversation history
// @Description Messages in both directions ordered by creation time. Fetching marks
// @Description the peer's messages to the caller as read.
// @Tags        Conversations
// @Produce     json
// @Param       X-User-ID      header  string  true   "Caller identity"
// @Param       If-None-Match  header  string  false  "ETag from a previous response"
// @Param       peer           path    string  true   "Peer identity"
// @Param       limit          query   int     false  "Max messages (default 200, max 500)"
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  "Not modified"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations/{peer}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := reqCtx(c)
	me, peer := userID(c), c.Param("peer")

	if inm := c.GetHeader("If-None-Match"); inm != "" {
		if n, last, err := h.chatSvc.Stats(ctx, me, peer); err == nil && inm == conversationETag(me, peer, n, last) {
			c.Header("ETag", inm)
			c.Status(http.StatusNotModified)
			return
		}
	}

	limit := utils.Clamp(utils.AtoiDefault(c.Query("limit"), services.DefaultHistoryLimit), 1, maxHistoryLimit)
	msgs, err := h.chatSvc.History(ctx, me, peer, limit)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	// Validator reflects the state after this read flipped unread messages.
	if n, last, err := h.chatSvc.Stats(ctx, me, peer); err == nil {
		c.Header("ETag", conversationETag(me, peer, n, last))
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: msgs})
}
