package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/session-gateway/admission"
	"github.com/giantswarm/session-gateway/security"
	"github.com/giantswarm/session-gateway/session"
)

// Defaults applied by Config.applyDefaults
const (
	DefaultRateLimit         = 10
	DefaultRateLimitBurst    = 20
	DefaultTrustedProxyCount = 1
)

// Config holds the gateway configuration. It is read once at construction and
// not modified afterwards.
type Config struct {
	// ApplicationID is the provider application the gateway signs users into.
	// FusionAuth uses the OAuth client id. (required)
	ApplicationID string

	// Cookie attributes
	Cookies session.Config

	// Device limit settings
	Admission AdmissionConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings
	Security SecurityConfig

	// Pages renders the home and account pages. Default: built-in minimal pages.
	Pages PageRenderer

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// AdmissionConfig holds the device limit settings
type AdmissionConfig struct {
	// MaxSessions is the inclusive device ceiling. Default: 2
	MaxSessions int

	// RefreshTokenTTL is the provider's refresh token lifetime. Older tokens do not
	// count as a device. Default: admission.DefaultRefreshTokenTTL. Negative counts
	// every token.
	RefreshTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration for the browser routes
type RateLimitConfig struct {
	// Disabled turns rate limiting off
	Disabled bool

	// Rate is requests per second allowed per client IP. Default: 10
	Rate float64

	// Burst is the maximum burst size allowed per IP. Default: 20
	Burst int

	// MaxEntries bounds the number of tracked clients. Default: security.DefaultMaxLimiterEntries
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the gateway. Default: 1
	TrustedProxyCount int
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// WebhookSecretHash is the bcrypt hash of the secret the provider sends in the
	// webhook's Authorization header. Empty accepts unauthenticated webhook calls.
	WebhookSecretHash string

	// EnableAuditLogging enables security audit logging (user ids are hashed)
	EnableAuditLogging bool

	// HTTPS marks the gateway as served over TLS: HSTS is sent and cookies are Secure.
	HTTPS bool
}

// applyDefaults fills unset fields. It works on a copy so the caller's value stays untouched.
func (c Config) applyDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Admission.MaxSessions == 0 {
		c.Admission.MaxSessions = admission.DefaultMaxSessions
	}
	if c.Admission.RefreshTokenTTL == 0 {
		c.Admission.RefreshTokenTTL = admission.DefaultRefreshTokenTTL
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = DefaultRateLimit
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.RateLimit.MaxEntries == 0 {
		c.RateLimit.MaxEntries = security.DefaultMaxLimiterEntries
	}
	if c.RateLimit.TrustedProxyCount == 0 {
		c.RateLimit.TrustedProxyCount = DefaultTrustedProxyCount
	}
	if c.Security.HTTPS {
		c.Cookies.Secure = true
	}
	if c.Pages == nil {
		c.Pages = DefaultPages()
	}
	return c
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.ApplicationID == "" {
		return errors.New("application ID is required")
	}
	if c.Admission.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", c.Admission.MaxSessions)
	}
	if !c.RateLimit.Disabled && (c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0) {
		return errors.New("rate limit and burst must not be negative")
	}
	if err := security.ValidateWebhookSecretHash(c.Security.WebhookSecretHash); err != nil {
		return err
	}
	return nil
}

// ValidateRedirectURL checks the callback URL registered with the provider.
// Plain HTTP is only accepted for loopback hosts.
func ValidateRedirectURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("redirect URL %q must be absolute", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return nil
		}
		return fmt.Errorf("redirect URL %q must use https unless it points at localhost", raw)
	default:
		return fmt.Errorf("redirect URL %q has unsupported scheme %q", raw, u.Scheme)
	}
}
