// Package mock provides a function-field implementation of providers.Provider for tests.
package mock

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/giantswarm/session-gateway/providers"
)

// MockProvider implements providers.Provider by delegating to its Func fields.
// A nil Func falls back to a fixed default or an error.
type MockProvider struct {
	AuthorizationURLFunc   func(state, codeChallenge, codeChallengeMethod string) string
	ExchangeCodeFunc       func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	FetchUserFunc          func(ctx context.Context, accessToken string) (*providers.UserInfo, error)
	ListRefreshTokensFunc  func(ctx context.Context, userID string) ([]providers.RefreshToken, error)
	RevokeRefreshTokenFunc func(ctx context.Context, refreshTokenID string) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock whose exchange issues a token for "mock-user" and
// whose user lookup succeeds.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		ExchangeCodeFunc: func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
			tok := &oauth2.Token{AccessToken: "mock-access-token", TokenType: "Bearer"}
			return tok.WithExtra(map[string]any{
				providers.TokenExtraRefreshTokenID: "mock-refresh-token-id",
				providers.TokenExtraUserID:         "mock-user",
			}), nil
		},
		FetchUserFunc: func(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
			return &providers.UserInfo{ID: "mock-user", Email: "mock@example.com", EmailVerified: true}, nil
		},
		ListRefreshTokensFunc: func(ctx context.Context, userID string) ([]providers.RefreshToken, error) {
			return nil, nil
		},
		RevokeRefreshTokenFunc: func(ctx context.Context, refreshTokenID string) error {
			return nil
		},
	}
}

// count must be called with mu held
func (m *MockProvider) count(method string) {
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
}

// Name returns "mock"
func (m *MockProvider) Name() string {
	return "mock"
}

// AuthorizationURL returns a mock.example.com URL carrying the arguments
func (m *MockProvider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	m.mu.Lock()
	m.count("AuthorizationURL")
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(state, codeChallenge, codeChallengeMethod)
	}
	q := url.Values{
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {codeChallengeMethod},
	}
	return "https://mock.example.com/oauth2/authorize?" + q.Encode()
}

// LogoutURL returns a fixed logout URL
func (m *MockProvider) LogoutURL() string {
	return "https://mock.example.com/oauth2/logout?client_id=mock"
}

// ExchangeCode calls ExchangeCodeFunc
func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	// Release the lock before calling out; the func may call other mock methods.
	m.mu.Lock()
	m.count("ExchangeCode")
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, errors.New("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code, codeVerifier)
}

// FetchUser calls FetchUserFunc
func (m *MockProvider) FetchUser(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	m.mu.Lock()
	m.count("FetchUser")
	fn := m.FetchUserFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, errors.New("FetchUserFunc not configured")
	}
	return fn(ctx, accessToken)
}

// ListRefreshTokens calls ListRefreshTokensFunc
func (m *MockProvider) ListRefreshTokens(ctx context.Context, userID string) ([]providers.RefreshToken, error) {
	m.mu.Lock()
	m.count("ListRefreshTokens")
	fn := m.ListRefreshTokensFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, errors.New("ListRefreshTokensFunc not configured")
	}
	return fn(ctx, userID)
}

// RevokeRefreshToken calls RevokeRefreshTokenFunc
func (m *MockProvider) RevokeRefreshToken(ctx context.Context, refreshTokenID string) error {
	m.mu.Lock()
	m.count("RevokeRefreshToken")
	fn := m.RevokeRefreshTokenFunc
	m.mu.Unlock()

	if fn == nil {
		return errors.New("RevokeRefreshTokenFunc not configured")
	}
	return fn(ctx, refreshTokenID)
}

// JWKSURL returns a fixed key set URL
func (m *MockProvider) JWKSURL() string {
	return "https://mock.example.com/.well-known/jwks.json"
}

// Issuer returns an empty issuer
func (m *MockProvider) Issuer() string {
	return ""
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
