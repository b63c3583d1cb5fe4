package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	gateway "github.com/giantswarm/session-gateway"
	"github.com/giantswarm/session-gateway/admission"
	"github.com/giantswarm/session-gateway/token"
)

const envPrefix = "GATEWAY"

// Config keys. The provider settings keep the environment names existing
// deployments already use; everything else reads GATEWAY_<KEY>.
const (
	keyClientID          = "client-id"
	keyClientSecret      = "client-secret"
	keyFusionAuthURL     = "fusionauth-url"
	keyAPIKey            = "fusionauth-api-key"
	keyMaxDevices        = "max-devices"
	keyRedirectURL       = "redirect-url"
	keyIssuer            = "issuer"
	keyListenAddr        = "listen-addr"
	keyValkeyAddr        = "valkey-addr"
	keyValkeyPassword    = "valkey-password"
	keyKeySetTTL         = "keyset-ttl"
	keyRefreshTokenTTL   = "refresh-token-ttl"
	keyWebhookSecretHash = "webhook-secret-hash"
	keyRateLimit         = "rate-limit"
	keyRateLimitBurst    = "rate-limit-burst"
	keyTrustProxy        = "trust-proxy"
	keyTrustedProxies    = "trusted-proxy-count"
	keyHTTPS             = "https"
	keyMetrics           = "metrics"
	keyAuditLog          = "audit-log"
	keyLogLevel          = "log-level"
	keyLogFormat         = "log-format"
)

var legacyEnv = map[string]string{
	keyClientID:      "clientId",
	keyClientSecret:  "clientSecret",
	keyFusionAuthURL: "fusionAuthURL",
	keyAPIKey:        "fusionAuthAPIKey",
	keyMaxDevices:    "maxDeviceCount",
}

// settings is the process configuration after flags, environment and .env are merged
type settings struct {
	ClientID          string
	ClientSecret      string
	FusionAuthURL     string
	APIKey            string
	MaxDevices        int
	RedirectURL       string
	Issuer            string
	ListenAddr        string
	ValkeyAddr        string
	ValkeyPassword    string
	KeySetTTL         time.Duration
	RefreshTokenTTL   time.Duration
	WebhookSecretHash string
	RateLimit         float64
	RateLimitBurst    int
	TrustProxy        bool
	TrustedProxyCount int
	HTTPS             bool
	Metrics           bool
	AuditLog          bool
	LogLevel          string
	LogFormat         string
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String(keyClientID, "", "OAuth client id, also the FusionAuth application id (env clientId)")
	flags.String(keyClientSecret, "", "OAuth client secret (env clientSecret)")
	flags.String(keyFusionAuthURL, "", "FusionAuth base URL (env fusionAuthURL)")
	flags.String(keyAPIKey, "", "FusionAuth API key for the refresh token API (env fusionAuthAPIKey)")
	flags.Int(keyMaxDevices, admission.DefaultMaxSessions, "Maximum concurrent devices per user (env maxDeviceCount)")
	flags.String(keyRedirectURL, "http://localhost:8080"+gateway.PathCallback, "Callback URL registered with FusionAuth")
	flags.String(keyIssuer, "", "Expected iss claim of access tokens, the tenant issuer in FusionAuth; empty skips the check")
	flags.String(keyListenAddr, ":8080", "Address to listen on")
	flags.String(keyValkeyAddr, "", "Valkey address for the shared key set cache; empty uses memory")
	flags.String(keyValkeyPassword, "", "Valkey password")
	flags.Duration(keyKeySetTTL, token.DefaultKeySetTTL, "How long a fetched signing key set is cached")
	flags.Duration(keyRefreshTokenTTL, admission.DefaultRefreshTokenTTL, "Refresh token lifetime at the provider; older tokens do not count as a device, negative counts all")
	flags.String(keyWebhookSecretHash, "", "bcrypt hash of the login webhook secret; empty accepts unauthenticated calls")
	flags.Float64(keyRateLimit, gateway.DefaultRateLimit, "Requests per second per client IP; 0 disables rate limiting")
	flags.Int(keyRateLimitBurst, gateway.DefaultRateLimitBurst, "Rate limit burst per client IP")
	flags.Bool(keyTrustProxy, false, "Trust X-Forwarded-For from reverse proxies")
	flags.Int(keyTrustedProxies, gateway.DefaultTrustedProxyCount, "Number of reverse proxies in front of the gateway")
	flags.Bool(keyHTTPS, false, "Gateway is served over HTTPS: Secure cookies and HSTS")
	flags.Bool(keyMetrics, false, "Expose Prometheus metrics on "+gateway.PathMetrics)
	flags.Bool(keyAuditLog, true, "Enable security audit logging")
	flags.String(keyLogLevel, "info", "Log level: debug, info, warn, error")
	flags.String(keyLogFormat, "json", "Log format: json or text")
}

// newViper binds flags and environment. Flags win over the environment.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env, envPrefix+"_"+strings.ReplaceAll(strings.ToUpper(key), "-", "_")); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return v, nil
}

// loadDotEnv loads the given .env files into the process environment. Variables
// already set are not overwritten. A missing default file is not an error.
func loadDotEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		ClientID:          v.GetString(keyClientID),
		ClientSecret:      v.GetString(keyClientSecret),
		FusionAuthURL:     strings.TrimRight(v.GetString(keyFusionAuthURL), "/"),
		APIKey:            v.GetString(keyAPIKey),
		MaxDevices:        v.GetInt(keyMaxDevices),
		RedirectURL:       v.GetString(keyRedirectURL),
		Issuer:            v.GetString(keyIssuer),
		ListenAddr:        v.GetString(keyListenAddr),
		ValkeyAddr:        v.GetString(keyValkeyAddr),
		ValkeyPassword:    v.GetString(keyValkeyPassword),
		KeySetTTL:         v.GetDuration(keyKeySetTTL),
		RefreshTokenTTL:   v.GetDuration(keyRefreshTokenTTL),
		WebhookSecretHash: v.GetString(keyWebhookSecretHash),
		RateLimit:         v.GetFloat64(keyRateLimit),
		RateLimitBurst:    v.GetInt(keyRateLimitBurst),
		TrustProxy:        v.GetBool(keyTrustProxy),
		TrustedProxyCount: v.GetInt(keyTrustedProxies),
		HTTPS:             v.GetBool(keyHTTPS),
		Metrics:           v.GetBool(keyMetrics),
		AuditLog:          v.GetBool(keyAuditLog),
		LogLevel:          v.GetString(keyLogLevel),
		LogFormat:         v.GetString(keyLogFormat),
	}
	return s, s.validate()
}

func (s settings) validate() error {
	var errs []error
	if s.ClientID == "" {
		errs = append(errs, errors.New("missing clientId"))
	}
	if s.ClientSecret == "" {
		errs = append(errs, errors.New("missing clientSecret"))
	}
	if s.FusionAuthURL == "" {
		errs = append(errs, errors.New("missing fusionAuthURL"))
	}
	if s.APIKey == "" {
		errs = append(errs, errors.New("missing fusionAuthAPIKey"))
	}
	if s.MaxDevices < 1 {
		errs = append(errs, fmt.Errorf("maxDeviceCount must be at least 1, got %d", s.MaxDevices))
	}
	if err := gateway.ValidateRedirectURL(s.RedirectURL); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLogLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// gatewayConfig maps the settings onto the gateway configuration
func (s settings) gatewayConfig(logger *slog.Logger) gateway.Config {
	return gateway.Config{
		ApplicationID: s.ClientID,
		Admission: gateway.AdmissionConfig{
			MaxSessions:     s.MaxDevices,
			RefreshTokenTTL: s.RefreshTokenTTL,
		},
		RateLimit: gateway.RateLimitConfig{
			Disabled:          s.RateLimit <= 0,
			Rate:              s.RateLimit,
			Burst:             s.RateLimitBurst,
			TrustProxy:        s.TrustProxy,
			TrustedProxyCount: s.TrustedProxyCount,
		},
		Security: gateway.SecurityConfig{
			WebhookSecretHash:  s.WebhookSecretHash,
			EnableAuditLogging: s.AuditLog,
			HTTPS:              s.HTTPS,
		},
		Logger: logger,
	}
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

func newLogger(s settings) *slog.Logger {
	level, _ := parseLogLevel(s.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if s.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
