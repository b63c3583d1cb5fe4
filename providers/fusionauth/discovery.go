package fusionauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/session-gateway/providers"
)

// maxDiscoveryDocument bounds the discovery response body
const maxDiscoveryDocument = 1 << 20

// Metadata is the part of the OpenID Connect discovery document the gateway uses.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint            string   `json:"end_session_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Discover fetches baseURL/.well-known/openid-configuration. FusionAuth serves the
// tenant's issuer there, which is often not the base URL itself.
//
// Endpoints must use HTTPS unless they point at a loopback host. A 5xx answer or a
// transport failure wraps providers.ErrProviderUnavailable.
func Discover(ctx context.Context, baseURL string, client *http.Client) (*Metadata, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	discoveryURL := strings.TrimSuffix(baseURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %w", providers.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &providers.APIError{Operation: "discovery", StatusCode: resp.StatusCode}
	}

	var md Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryDocument)).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if err := md.validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}
	return &md, nil
}

func (m *Metadata) validate() error {
	required := []struct {
		name string
		url  string
	}{
		{"authorization_endpoint", m.AuthorizationEndpoint},
		{"token_endpoint", m.TokenEndpoint},
		{"jwks_uri", m.JWKSURI},
	}
	if m.Issuer == "" {
		return fmt.Errorf("issuer is required but missing")
	}
	for _, endpoint := range required {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if err := requireSecure(endpoint.url); err != nil {
			return fmt.Errorf("%s: %w", endpoint.name, err)
		}
	}

	optional := []struct {
		name string
		url  string
	}{
		{"userinfo_endpoint", m.UserInfoEndpoint},
		{"end_session_endpoint", m.EndSessionEndpoint},
	}
	for _, endpoint := range optional {
		if endpoint.url == "" {
			continue
		}
		if err := requireSecure(endpoint.url); err != nil {
			return fmt.Errorf("%s: %w", endpoint.name, err)
		}
	}

	if len(m.CodeChallengeMethodsSupported) > 0 && !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("provider does not support the S256 code challenge method")
	}
	return nil
}

func requireSecure(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return nil
		}
	}
	return fmt.Errorf("must use HTTPS: %s", raw)
}
