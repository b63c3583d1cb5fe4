package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a KeySetCache on a miss or an expired entry.
var ErrNotFound = errors.New("not found")

// KeySetCache stores raw JWKS documents keyed by issuer.
//
// Implementations must be safe for concurrent use. Entries expire after the TTL
// given to Set; a ttl <= 0 is rejected.
type KeySetCache interface {
	// Get returns the cached document or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores doc under key for ttl.
	Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ErrInvalidTTL is returned by Set when ttl <= 0.
var ErrInvalidTTL = errors.New("ttl must be positive")

// MaxDocumentSize bounds a cached key set document.
const MaxDocumentSize = 256 * 1024

// ErrDocumentTooLarge is returned by Set for documents over MaxDocumentSize.
var ErrDocumentTooLarge = errors.New("document exceeds maximum size")

// ValidateEntry checks the arguments of a Set call.
func ValidateEntry(key string, doc []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key must not be empty")
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if len(doc) > MaxDocumentSize {
		return ErrDocumentTooLarge
	}
	return nil
}
