package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Provider is the gateway's view of the identity provider: the PKCE authorization
// code flow, the user lookup, and the refresh token API used for session counting.
type Provider interface {
	// Name returns the provider name (e.g., "fusionauth")
	Name() string

	// AuthorizationURL returns the URL the browser is sent to for login.
	// codeChallenge and codeChallengeMethod carry the PKCE challenge.
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// LogoutURL returns the provider's logout endpoint for this client
	LogoutURL() string

	// ExchangeCode redeems a single-use authorization code together with its PKCE verifier.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// FetchUser looks up the user the access token was issued to
	FetchUser(ctx context.Context, accessToken string) (*UserInfo, error)

	// ListRefreshTokens returns every refresh token the provider holds for userID,
	// across all applications.
	ListRefreshTokens(ctx context.Context, userID string) ([]RefreshToken, error)

	// RevokeRefreshToken revokes one refresh token by id. Revoking a token that
	// no longer exists succeeds.
	RevokeRefreshToken(ctx context.Context, refreshTokenID string) error

	// JWKSURL returns the provider's signing key set endpoint
	JWKSURL() string

	// Issuer returns the iss value of tokens issued by the provider, if known
	Issuer() string
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	Username  string
	FirstName string
	LastName  string
	FullName  string

	// ImageURL is the URL of the user's profile picture
	ImageURL string
}

// RefreshToken is a provider-side refresh token record. Each one represents a
// device or browser holding a session.
type RefreshToken struct {
	ID            string
	ApplicationID string
	UserID        string
	StartInstant  time.Time
	InsertInstant time.Time
}

// TokenExtraRefreshTokenID is the token response field carrying the refresh token's id
const TokenExtraRefreshTokenID = "refresh_token_id"

// TokenExtraUserID is the token response field carrying the user's id
const TokenExtraUserID = "userId"

// ExtraString reads a string field from a token response.
func ExtraString(token *oauth2.Token, key string) string {
	if token == nil {
		return ""
	}
	s, _ := token.Extra(key).(string)
	return s
}

// ErrProviderUnavailable is wrapped by errors caused by the provider being
// unreachable, timing out, or answering with a 5xx status.
var ErrProviderUnavailable = errors.New("identity provider unavailable")

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: provider returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Unwrap makes 5xx answers match ErrProviderUnavailable.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 {
		return ErrProviderUnavailable
	}
	return nil
}

// IsUnavailable reports whether err means the provider could not be reached or failed
// on its side, as opposed to rejecting the request.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode >= 500
	}
	return false
}
