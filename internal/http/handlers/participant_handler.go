// Participant HTTP handlers.
//
// This file exposes the matchmaking and presence endpoints:
//   - POST /participants/{id}/profile    (submit answers, try to pair)
//   - GET  /participants/{id}/match      (current pairing state)
//   - GET  /participants/{id}/queue      (waiting pool summary)
//   - POST /participants/{id}/heartbeat  (mark online)
//   - GET  /participants/{id}/presence   (online flag and last heartbeat)
//   - GET  /participants/{id}/contacts   (match list with chat summary)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pairing-backend/internal/services"
)

// SubmitProfileRequest is the questionnaire answer vector, one value in
// [0,4] per question.
type SubmitProfileRequest struct {
	Answers []int `json:"answers" binding:"required" example:"3,2,4,1,2"`
}

// ContactsResponse wraps a participant's match list.
type ContactsResponse struct {
	Contacts []services.Contact `json:"contacts"`
}

// SubmitProfile godoc
// @ID          submitProfile
// @Summary     Submit questionnaire answers
// @Description Stores the answers, puts the participant back in the waiting pool and
// @Description pairs them with the most compatible waiting participant scoring at least
// @Description the threshold. Resubmitting replaces any previous pairing.
// @Tags        Participants
// @Accept      json
// @Produce     json
// @Param       id    path  string                          true  "Participant identity"  example(alice)
// @Param       body  body  handlers.SubmitProfileRequest   true  "Answer vector"
// @Success     200   {object}  services.MatchResult
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid identity or answers"
// @Failure     500   {object}  handlers.ErrorResponse  "Internal error"
// @Router      /participants/{id}/profile [post]
func (h *Handlers) SubmitProfile(c *gin.Context) {
	var req SubmitProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "answers required")
		return
	}
	res, err := h.matchSvc.Submit(reqCtx(c), c.Param("id"), req.Answers)
	if err != nil {
		failErr(c, err, ErrCodeSubmitFailed)
		return
	}
	ok(c, http.StatusOK, res)
}

// GetMatch godoc
// @ID          getMatch
// @Summary     Current pairing state
// @Tags        Participants
// @Produce     json
// @Param       id  path  string  true  "Participant identity"
// @Success     200 {object}  services.MatchResult
// @Failure     400 {object}  handlers.ErrorResponse
// @Failure     404 {object}  handlers.ErrorResponse  "Unknown participant"
// @Failure     500 {object}  handlers.ErrorResponse
// @Router      /participants/{id}/match [get]
func (h *Handlers) GetMatch(c *gin.Context) {
	res, err := h.matchSvc.Status(reqCtx(c), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeStatusFailed)
		return
	}
	ok(c, http.StatusOK, res)
}

// GetQueue godoc
// @ID          getQueue
// @Summary     Waiting pool summary
// @Description Waiting count, matches created today, the caller's 1-based position
// @Description (0 when not waiting) and an average-wait bucket.
// @Tags        Participants
// @Produce     json
// @Param       id  path  string  true  "Participant identity"
// @Success     200 {object}  services.QueueStats
// @Failure     400 {object}  handlers.ErrorResponse
// @Failure     500 {object}  handlers.ErrorResponse
// @Router      /participants/{id}/queue [get]
func (h *Handlers) GetQueue(c *gin.Context) {
	st, err := h.matchSvc.QueueStats(reqCtx(c), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeStatusFailed)
		return
	}
	ok(c, http.StatusOK, st)
}

// Heartbeat godoc
// @ID          heartbeat
// @Summary     Record a presence heartbeat
// @Tags        Presence
// @Produce     json
// @Param       id  path  string  true  "Participant identity"
// @Success     200 {object}  services.Presence
// @Failure     400 {object}  handlers.ErrorResponse
// @Failure     404 {object}  handlers.ErrorResponse
// @Failure     500 {object}  handlers.ErrorResponse
// @Router      /participants/{id}/heartbeat [post]
func (h *Handlers) Heartbeat(c *gin.Context) {
	p, err := h.presenceSvc.Heartbeat(reqCtx(c), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodePresenceFailed)
		return
	}
	ok(c, http.StatusOK, p)
}

// GetPresence godoc
// @ID          getPresence
// @Summary     Online flag and last heartbeat
// @Tags        Presence
// @Produce     json
// @Param       id  path  string  true  "Participant identity"
// @Success     200 {object}  services.Presence
// @Failure     400 {object}  handlers.ErrorResponse
// @Failure     404 {object}  handlers.ErrorResponse
// @Failure     500 {object}  handlers.ErrorResponse
// @Router      /participants/{id}/presence [get]
func (h *Handlers) GetPresence(c *gin.Context) {
	p, err := h.presenceSvc.Lookup(reqCtx(c), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodePresenceFailed)
		return
	}
	ok(c, http.StatusOK, p)
}

// GetContacts godoc
// @ID          getContacts
// @Summary     Match list
// @Description Every match of the participant, newest first, with the last message,
// @Description unread count and the peer's online flag.
// @Tags        Participants
// @Produce     json
// @Param       id  path  string  true  "Participant identity"
// @Success     200 {object}  handlers.ContactsResponse
// @Failure     400 {object}  handlers.ErrorResponse
// @Failure     500 {object}  handlers.ErrorResponse
// @Router      /participants/{id}/contacts [get]
func (h *Handlers) GetContacts(c *gin.Context) {
	list, err := h.chatSvc.Contacts(reqCtx(c), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	if list == nil {
		list = []services.Contact{}
	}
	ok(c, http.StatusOK, ContactsResponse{Contacts: list})
}
