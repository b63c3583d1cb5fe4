package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// SigningKey is an RSA key pair with a key id, used to mint access tokens in tests.
type SigningKey struct {
	KeyID   string
	Private *rsa.PrivateKey
}

// NewSigningKey generates a 2048-bit RSA signing key.
func NewSigningKey(t testing.TB, kid string) *SigningKey {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return &SigningKey{KeyID: kid, Private: priv}
}

// JWK returns the public half as a JWK with kid, alg and use set.
func (k *SigningKey) JWK(t testing.TB) jwk.Key {
	t.Helper()

	key, err := jwk.Import(&k.Private.PublicKey)
	if err != nil {
		t.Fatalf("Failed to create JWK from public key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, k.KeyID); err != nil {
		t.Fatalf("Failed to set key ID: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		t.Fatalf("Failed to set algorithm: %v", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		t.Fatalf("Failed to set key usage: %v", err)
	}
	return key
}

// KeySetJSON serializes the public halves of keys as a JWKS document.
func KeySetJSON(t testing.TB, keys ...*SigningKey) []byte {
	t.Helper()

	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(k.JWK(t)); err != nil {
			t.Fatalf("Failed to add key to set: %v", err)
		}
	}
	doc, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Failed to marshal key set: %v", err)
	}
	return doc
}

// Sign mints an RS256 JWT with kid in its header.
func (k *SigningKey) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.KeyID
	signed, err := tok.SignedString(k.Private)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

// AccessTokenClaims returns claims shaped like a FusionAuth access token.
func AccessTokenClaims(issuer, clientID, userID string, expiresAt time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":           issuer,
		"aud":           clientID,
		"sub":           userID,
		"applicationId": clientID,
		"exp":           expiresAt.Unix(),
		"iat":           expiresAt.Add(-time.Hour).Unix(),
		"roles":         []string{},
		"sid":           "session-" + userID,
	}
}

// JWKSServer serves a replaceable JWKS document and counts fetches.
type JWKSServer struct {
	*httptest.Server

	mu     sync.RWMutex
	doc    []byte
	status int
	hits   atomic.Int64
}

// NewJWKSServer starts a server publishing the given keys. It is closed on test cleanup.
func NewJWKSServer(t testing.TB, keys ...*SigningKey) *JWKSServer {
	t.Helper()

	s := &JWKSServer{doc: KeySetJSON(t, keys...), status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.RLock()
		doc, status := s.doc, s.status
		s.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(doc)
	}))
	t.Cleanup(s.Close)
	return s
}

// SetKeys replaces the published key set, simulating key rotation.
func (s *JWKSServer) SetKeys(t testing.TB, keys ...*SigningKey) {
	t.Helper()
	doc := KeySetJSON(t, keys...)
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

// SetStatus makes the server answer with status (and the current document).
func (s *JWKSServer) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Hits returns the number of requests served
func (s *JWKSServer) Hits() int64 {
	return s.hits.Load()
}
