package security

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrWebhookUnauthorized is returned when a webhook call does not carry the shared secret
var ErrWebhookUnauthorized = errors.New("webhook secret mismatch")

// HashWebhookSecret returns the bcrypt hash operators put in the gateway configuration.
func HashWebhookSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("webhook secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash webhook secret: %w", err)
	}
	return string(hash), nil
}

// VerifyWebhookSecret checks the Authorization header value of a webhook call against
// a bcrypt hash. An optional "Bearer " prefix is accepted. An empty hash disables the check.
func VerifyWebhookSecret(hash, authorization string) error {
	if hash == "" {
		return nil
	}

	secret := strings.TrimSpace(authorization)
	if len(secret) > 7 && strings.EqualFold(secret[:7], "bearer ") {
		secret = strings.TrimSpace(secret[7:])
	}
	if secret == "" {
		return ErrWebhookUnauthorized
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrWebhookUnauthorized
	}
	return nil
}

// ValidateWebhookSecretHash checks that hash is a usable bcrypt hash.
func ValidateWebhookSecretHash(hash string) error {
	if hash == "" {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("webhook secret hash is not a bcrypt hash: %w", err)
	}
	return nil
}
