// Signal HTTP handlers.
//
//   - POST /signals  (send a call-setup signal as X-User-ID)
//   - GET  /signals  (fetch and consume every pending signal for X-User-ID)
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

// PostSignalRequest addresses one signal. Payload is opaque JSON (an SDP
// description, an ICE candidate, or absent).
type PostSignalRequest struct {
	To      string          `json:"to" binding:"required" example:"bob"`
	Kind    string          `json:"kind" binding:"required" example:"invite"`
	Payload json.RawMessage `json:"payload,omitempty" swaggertype:"object"`
}

// PostSignalResponse wraps the stored signal.
type PostSignalResponse struct {
	Signal *domain.Record `json:"signal"`
}

// ListSignalsResponse carries the consumed signals in arrival order.
type ListSignalsResponse struct {
	Signals []domain.Record `json:"signals"`
}

// PostSignal godoc
// @ID          postSignal
// @Summary     Send a call signal
// @Description Kinds: invite, accept, reject, offer, answer, ice-candidate, end.
// @Description Signals expire if not fetched within the relay TTL.
// @Tags        Signals
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Sender identity"
// @Param       body       body    handlers.PostSignalRequest  true  "Signal"
// @Success     201  {object}  handlers.PostSignalResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /signals [post]
func (h *Handlers) PostSignal(c *gin.Context) {
	var req PostSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "to and kind required")
		return
	}
	if req.Kind == domain.KindChat {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat messages go to /conversations")
		return
	}
	rec, err := h.relay.Send(reqCtx(c), userID(c), req.To, req.Kind, req.Payload)
	if err != nil {
		failErr(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusCreated, PostSignalResponse{Signal: rec})
}

// ListSignals godoc
// @ID          listSignals
// @Summary     Fetch pending signals
// @Description Returns and deletes every unexpired signal addressed to the caller.
// @Tags        Signals
// @Produce     json
// @Param       X-User-ID  header  string  true  "Receiver identity"
// @Success     200  {object}  handlers.ListSignalsResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /signals [get]
func (h *Handlers) ListSignals(c *gin.Context) {
	recs, err := h.relay.Receive(reqCtx(c), userID(c), domain.Consume)
	if err != nil {
		failErr(c, err, ErrCodeFetchFailed)
		return
	}
	ok(c, http.StatusOK, ListSignalsResponse{Signals: recs})
}
