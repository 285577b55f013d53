package handlers

// Error codes carried in ErrorResponse.Code. Clients branch on these; the
// message is for humans only.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// 5xx codes name the operation that failed.
	ErrCodeSubmitFailed   = "submit_failed"
	ErrCodeStatusFailed   = "status_failed"
	ErrCodeSendFailed     = "send_failed"
	ErrCodeFetchFailed    = "fetch_failed"
	ErrCodePresenceFailed = "presence_failed"
	ErrCodeListFailed     = "list_failed"
)
