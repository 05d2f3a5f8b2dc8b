// ABOUTME: Error taxonomy for provider API calls
// ABOUTME: APIError carries the HTTP status; 401/403 classify as auth errors

package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoSession is returned when an operation requires an initialized
// messaging session and none is present.
var ErrNoSession = errors.New("messaging session not initialized")

// ErrStateNotInitialized is returned when a conversation's persisted
// messaging state is missing. Callers fall back to a safe default (close)
// rather than failing hard.
var ErrStateNotInitialized = errors.New("messaging state not initialized")

// ErrTokenExpired is returned when a conversation's persisted access token
// has already expired. Classified as an auth failure: the provider would
// reject every call with this token anyway.
var ErrTokenExpired = errors.New("session access token expired")

// APIError is a non-2xx response from the provider or the translator.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

// IsAuth reports whether err is a session-invalidating authorization failure.
// Conversations hitting these are force-closed: the session cannot recover.
func IsAuth(err error) bool {
	if errors.Is(err, ErrTokenExpired) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}
