package connector

import (
	"fmt"
	"net/http"
)

// Error codes surfaced on the HTTP auth surface
const (
	ErrorCodeInvalidOrExpiredState = "InvalidOrExpiredState"
	ErrorCodeTokenExchangeFailed   = "TokenExchangeFailed"
	ErrorCodeIdentityLookupFailed  = "IdentityLookupFailed"
	ErrorCodeNoActiveConnection    = "NoActiveConnection"
	ErrorCodeSessionExpired        = "SessionExpired"
	ErrorCodeRefreshFailed         = "RefreshFailed"
	ErrorCodeShutdownInProgress    = "ShutdownInProgress"
	ErrorCodeRateLimitExceeded     = "RateLimitExceeded"
)

// Error is a structured error carried to the HTTP boundary as
// {code, message} with an associated status code
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a structured connector error
func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Constructors for the error taxonomy
var (
	// ErrInvalidOrExpiredState indicates a state token that is unknown,
	// already consumed, or past its TTL
	ErrInvalidOrExpiredState = func(msg string) *Error {
		return NewError(ErrorCodeInvalidOrExpiredState, msg, http.StatusBadRequest)
	}

	// ErrTokenExchangeFailed indicates the code-for-token exchange with
	// the IdP failed
	ErrTokenExchangeFailed = func(msg string) *Error {
		return NewError(ErrorCodeTokenExchangeFailed, msg, http.StatusBadGateway)
	}

	// ErrIdentityLookupFailed indicates the identity endpoint could not
	// be read after a successful exchange
	ErrIdentityLookupFailed = func(msg string) *Error {
		return NewError(ErrorCodeIdentityLookupFailed, msg, http.StatusBadGateway)
	}

	// ErrNoActiveConnection indicates no credential record exists for the
	// requested user or session
	ErrNoActiveConnection = func(msg string) *Error {
		return NewError(ErrorCodeNoActiveConnection, msg, http.StatusNotFound)
	}

	// ErrSessionExpired indicates the stored grant was revoked; the
	// caller must restart the full OAuth flow, not merely retry.
	// Refresh runs on the tool-call path, where these conditions surface
	// as tool results built from connection.ErrSessionExpired; this
	// constructor defines their HTTP representation for callers exposing
	// connection handles behind their own endpoints.
	ErrSessionExpired = func(msg string) *Error {
		return NewError(ErrorCodeSessionExpired, msg, http.StatusUnauthorized)
	}

	// ErrRefreshFailed indicates a token refresh failed for a reason
	// other than a revoked grant. Like SessionExpired it originates on
	// the tool-call path (connection.ErrRefreshFailed) and reaches HTTP
	// only through callers embedding the connector.
	ErrRefreshFailed = func(msg string) *Error {
		return NewError(ErrorCodeRefreshFailed, msg, http.StatusBadGateway)
	}

	// ErrShutdownInProgress indicates the process is draining and rejects
	// new work; it is never retried by this service itself
	ErrShutdownInProgress = func(msg string) *Error {
		return NewError(ErrorCodeShutdownInProgress, msg, http.StatusServiceUnavailable)
	}

	// ErrRateLimitExceeded indicates the per-client rate limit was hit
	ErrRateLimitExceeded = func(msg string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, msg, http.StatusTooManyRequests)
	}
)
