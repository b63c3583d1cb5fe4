package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes used in JSON error bodies
const (
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeExchangeFailed      = "exchange_failed"
	ErrorCodeUserLookupFailed    = "user_lookup_failed"
	ErrorCodeUpstreamUnavailable = "upstream_unavailable"
	ErrorCodeUnauthorized        = "unauthorized"
	ErrorCodeAccessDenied        = "access_denied"
	ErrorCodeRateLimitExceeded   = "rate_limit_exceeded"
	ErrorCodeServerError         = "server_error"
)

var (
	// ErrStateMismatch means the callback's state does not match the pending
	// authorization cookie, or there is no pending authorization. Possible CSRF or replay.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrMissingCode means the callback carried no authorization code
	ErrMissingCode = errors.New("authorization code missing")

	// ErrNoSession means the browser holds no session token
	ErrNoSession = errors.New("no session")

	// ErrRefreshTokenNotOwned means the session's refresh token id is not one the
	// provider holds for the session's user. Nothing is revoked.
	ErrRefreshTokenNotOwned = errors.New("refresh token does not belong to the session")
)

// Login stages reported by ExchangeError
const (
	StageExchange   = "exchange"
	StageUserLookup = "user_lookup"
)

// ExchangeError means the provider rejected a step of the login, such as the code
// and verifier at the token endpoint or the new access token at the user endpoint.
type ExchangeError struct {
	Stage string
	Err   error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("login %s failed: %v", e.Stage, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// UpstreamError means the provider could not be reached, timed out, or failed on its side.
// Nothing is retried; the browser must start over.
type UpstreamError struct {
	Operation string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream unavailable: %v", e.Operation, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// AdmissionDeniedError means the user is signed in on too many devices.
// Reason is meant for the user.
type AdmissionDeniedError struct {
	Reason string
	Count  int
	Max    int
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %d of %d active sessions", e.Count, e.Max)
}

// GatewayError is an error answered to the client as a JSON body
type GatewayError struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewGatewayError creates a new GatewayError
func NewGatewayError(code, description string, status int) *GatewayError {
	return &GatewayError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// toGatewayError maps a login failure to what the browser sees. Descriptions are
// generic; the detail goes to the log.
func toGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	var upstream *UpstreamError
	var exchange *ExchangeError

	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.As(err, &upstream):
		return NewGatewayError(ErrorCodeUpstreamUnavailable,
			"The identity provider is unavailable. Please try again later.", http.StatusServiceUnavailable)
	case errors.As(err, &exchange) && exchange.Stage == StageUserLookup:
		return NewGatewayError(ErrorCodeUserLookupFailed,
			"Could not load the signed-in user.", http.StatusBadGateway)
	case errors.As(err, &exchange):
		return NewGatewayError(ErrorCodeExchangeFailed,
			"The login could not be completed.", http.StatusBadGateway)
	default:
		return NewGatewayError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	}
}
