package handlers

import (
	"net/http"

	"plotline/pkg/api/bursar"
	"plotline/pkg/middleware"
)

// RelayError is a rejection with a machine-readable kind. Raw downstream
// error text never reaches the caller; Message is always our own wording.
type RelayError struct {
	Kind       string
	Message    string
	Tier       string
	Cap        int
	RetryAfter int
}

func (e *RelayError) Error() string {
	return e.Message
}

func relayErr(kind, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message}
}

// statusForKind maps an error kind to its HTTP status
func statusForKind(kind string) int {
	switch kind {
	case bursar.KindValidation, bursar.KindInvalidSignature:
		return http.StatusBadRequest
	case bursar.KindPolicy:
		return http.StatusForbidden
	case bursar.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case bursar.KindCapExceeded:
		return http.StatusTooManyRequests
	case bursar.KindBreakerOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondRelayError(c middleware.Context, err *RelayError) {
	c.JSON(statusForKind(err.Kind), bursar.ErrorResponse{
		Error:      err.Message,
		Kind:       err.Kind,
		Tier:       err.Tier,
		Cap:        err.Cap,
		RetryAfter: err.RetryAfter,
	})
}
