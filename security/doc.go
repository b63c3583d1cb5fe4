// Package security holds the gateway's security primitives: PKCE and anti-forgery state
// generation, request ids, response security headers, per-client rate limiting,
// client IP extraction, webhook secret verification and audit logging.
//
// # PKCE and state
//
// Every value comes from crypto/rand. A failing random source is reported as
// ErrEntropyUnavailable and is never retried:
//
//	state, err := security.NewState()
//	pair, err := security.NewPKCEPair()
//	security.DeriveChallenge(pair.Verifier) == pair.Challenge // always true
//
// # Rate limiting
//
// RateLimiter keeps one token bucket per key (usually the client IP). Memory is bounded
// by LRU eviction once DefaultMaxLimiterEntries keys are tracked, and idle keys are
// removed every few minutes:
//
//	limiter := security.NewRateLimiter(10, 20, 0, logger)
//	defer limiter.Stop()
//	router.Use(limiter.Middleware(keyFn, onLimited))
//
// # Audit
//
// Auditor logs security_audit records through slog with user ids hashed. Tokens,
// authorization codes, verifiers and state values are never part of an event.
package security
