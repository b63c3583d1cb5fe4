package gateway

import (
	"testing"

	"github.com/giantswarm/session-gateway/admission"
	"github.com/giantswarm/session-gateway/security"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "minimal", config: Config{ApplicationID: "app"}},
		{name: "missing application", config: Config{}, wantErr: true},
		{name: "negative max sessions", config: Config{ApplicationID: "app", Admission: AdmissionConfig{MaxSessions: -1}}, wantErr: true},
		{name: "negative ttl disables the age filter", config: Config{ApplicationID: "app", Admission: AdmissionConfig{RefreshTokenTTL: -1}}},
		{name: "negative rate", config: Config{ApplicationID: "app", RateLimit: RateLimitConfig{Rate: -1}}, wantErr: true},
		{name: "negative rate disabled", config: Config{ApplicationID: "app", RateLimit: RateLimitConfig{Rate: -1, Disabled: true}}},
		{name: "bad webhook hash", config: Config{ApplicationID: "app", Security: SecurityConfig{WebhookSecretHash: "plaintext"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	in := Config{ApplicationID: "app", Security: SecurityConfig{HTTPS: true}}
	got := in.applyDefaults()

	if got.Admission.MaxSessions != admission.DefaultMaxSessions {
		t.Errorf("MaxSessions = %d, want %d", got.Admission.MaxSessions, admission.DefaultMaxSessions)
	}
	if got.Admission.RefreshTokenTTL != admission.DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %s, want %s", got.Admission.RefreshTokenTTL, admission.DefaultRefreshTokenTTL)
	}
	if got.RateLimit.Rate != DefaultRateLimit {
		t.Errorf("Rate = %v, want %v", got.RateLimit.Rate, DefaultRateLimit)
	}
	if got.RateLimit.Burst != DefaultRateLimitBurst {
		t.Errorf("Burst = %d, want %d", got.RateLimit.Burst, DefaultRateLimitBurst)
	}
	if got.RateLimit.MaxEntries != security.DefaultMaxLimiterEntries {
		t.Errorf("MaxEntries = %d, want %d", got.RateLimit.MaxEntries, security.DefaultMaxLimiterEntries)
	}
	if got.RateLimit.TrustedProxyCount != DefaultTrustedProxyCount {
		t.Errorf("TrustedProxyCount = %d, want %d", got.RateLimit.TrustedProxyCount, DefaultTrustedProxyCount)
	}
	if !got.Cookies.Secure {
		t.Error("Cookies.Secure = false, want true when served over HTTPS")
	}
	if got.Logger == nil || got.Pages == nil {
		t.Error("Logger and Pages must be defaulted")
	}

	// The caller's value is untouched
	if in.Admission.MaxSessions != 0 || in.Cookies.Secure {
		t.Error("applyDefaults modified its receiver's source")
	}
}

func TestConfig_ApplyDefaults_KeepsExplicitValues(t *testing.T) {
	got := Config{
		ApplicationID: "app",
		Admission:     AdmissionConfig{MaxSessions: 5},
		RateLimit:     RateLimitConfig{Rate: 2.5, Burst: 3, TrustedProxyCount: 2},
	}.applyDefaults()

	if got.Admission.MaxSessions != 5 {
		t.Errorf("MaxSessions = %d, want 5", got.Admission.MaxSessions)
	}
	if got.RateLimit.Rate != 2.5 || got.RateLimit.Burst != 3 || got.RateLimit.TrustedProxyCount != 2 {
		t.Errorf("RateLimit = %+v", got.RateLimit)
	}
}

func TestValidateRedirectURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "https://app.example.com/oauth-redirect"},
		{url: "http://localhost:8080/oauth-redirect"},
		{url: "http://127.0.0.1:8080/oauth-redirect"},
		{url: "http://app.example.com/oauth-redirect", wantErr: true},
		{url: "/oauth-redirect", wantErr: true},
		{url: "ftp://app.example.com/oauth-redirect", wantErr: true},
		{url: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		err := ValidateRedirectURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRedirectURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}
