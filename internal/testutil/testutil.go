package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/session-gateway/providers"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateTestToken creates a token response shaped like FusionAuth's, with the
// refresh_token_id and userId extras set.
func GenerateTestToken(accessToken, refreshTokenID, userID string) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       time.Now().Add(time.Hour),
	}
	return tok.WithExtra(map[string]any{
		providers.TokenExtraRefreshTokenID: refreshTokenID,
		providers.TokenExtraUserID:         userID,
	})
}

// GenerateTestUserInfo creates test user information
func GenerateTestUserInfo() *providers.UserInfo {
	return &providers.UserInfo{
		ID:            TestUserID,
		Email:         TestUserEmail,
		EmailVerified: true,
		FirstName:     "Richard",
		LastName:      "Hendricks",
		FullName:      "Richard Hendricks",
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns (challenge, verifier) where challenge is the S256 hash of verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}
