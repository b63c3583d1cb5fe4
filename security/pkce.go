package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// PKCEMethodS256 is the only challenge method the gateway issues
	PKCEMethodS256 = "S256"

	// StateBytes is the amount of entropy in an anti-forgery state value (256 bits)
	StateBytes = 32

	// VerifierBytes is the amount of entropy in a PKCE verifier (256 bits, 43 encoded chars)
	VerifierBytes = 32

	// MinVerifierLength and MaxVerifierLength bound a code_verifier (RFC 7636 section 4.1)
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// ErrEntropyUnavailable is returned when the system random source fails.
// The request that needed the value must fail; there is no retry.
var ErrEntropyUnavailable = errors.New("secure random source unavailable")

// randReader is swapped in tests to simulate an exhausted entropy source.
var randReader io.Reader = rand.Reader

// PKCEPair is a verifier together with the challenge derived from it.
type PKCEPair struct {
	Verifier  string
	Challenge string
	Method    string
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewState returns an unpredictable anti-forgery state value.
func NewState() (string, error) {
	return randomToken(StateBytes)
}

// NewPKCEPair generates a fresh verifier and its S256 challenge.
func NewPKCEPair() (PKCEPair, error) {
	verifier, err := randomToken(VerifierBytes)
	if err != nil {
		return PKCEPair{}, err
	}
	return PKCEPair{
		Verifier:  verifier,
		Challenge: DeriveChallenge(verifier),
		Method:    PKCEMethodS256,
	}, nil
}

// DeriveChallenge computes BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateVerifier checks the length and alphabet of a code_verifier.
// Only unreserved characters are allowed: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("code_verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// VerifyChallenge reports whether challenge was derived from verifier.
// Uses constant-time comparison.
func VerifyChallenge(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(DeriveChallenge(verifier)), []byte(challenge)) == 1
}

// StatesEqual compares a stored state with the value returned by the provider.
// Empty values never match.
func StatesEqual(stored, returned string) bool {
	if stored == "" || returned == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(returned)) == 1
}
