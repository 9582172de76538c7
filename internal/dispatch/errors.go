package dispatch

import (
	"errors"

	"github.com/user/agterm/internal/session"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
)

// Error kinds added on top of session.Kind.
const (
	KindInvalidRequest = session.KindInvalidRequest
	KindRateLimited    = "rate_limited"
	KindUnauthorized   = "unauthorized"
)

// Classify maps err to the kind reported to clients.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	}
	return session.Kind(err)
}
