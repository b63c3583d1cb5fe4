package fusionauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/providers"
)

const (
	providerName = "fusionauth"

	// ScopeOfflineAccess makes the provider issue a refresh token, which is what
	// the device limit counts.
	ScopeOfflineAccess = "offline_access"

	// DefaultHTTPTimeout bounds every call to the provider
	DefaultHTTPTimeout = 10 * time.Second

	// maxResponseSize bounds response bodies read from the provider
	maxResponseSize = 1 << 20

	// maxErrorBody is how much of an error body is kept in APIError
	maxErrorBody = 512
)

// Config holds FusionAuth client configuration
type Config struct {
	// BaseURL is the FusionAuth instance, e.g. "https://auth.example.com" (required)
	BaseURL string

	// ClientID is the OAuth client id, which FusionAuth also uses as the application id (required)
	ClientID string

	// ClientSecret is the OAuth client secret (required)
	ClientSecret string

	// APIKey authenticates calls to the refresh token API (required)
	APIKey string

	// RedirectURL is the gateway's callback URL
	RedirectURL string

	// Scopes are requested in addition to offline_access
	Scopes []string

	// Issuer is the iss claim FusionAuth puts in access tokens. Optional.
	Issuer string

	// HTTPClient is the optional client for all provider calls.
	// Default: 10 second timeout.
	HTTPClient *http.Client
}

// Provider implements providers.Provider for FusionAuth.
type Provider struct {
	baseURL    string
	clientID   string
	apiKey     string
	issuer     string
	config     *oauth2.Config
	httpClient *http.Client

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider validates cfg and creates a FusionAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	baseURL := strings.TrimRight(base.String(), "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	scopes := []string{ScopeOfflineAccess}
	for _, s := range cfg.Scopes {
		if s != "" && s != ScopeOfflineAccess {
			scopes = append(scopes, s)
		}
	}

	return &Provider{
		baseURL:  baseURL,
		clientID: cfg.ClientID,
		apiKey:   cfg.APIKey,
		issuer:   cfg.Issuer,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   baseURL + "/oauth2/authorize",
				TokenURL:  baseURL + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}, nil
}

// SetInstrumentation enables provider metrics and spans
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentation = inst
	if inst != nil {
		p.tracer = inst.Tracer("provider")
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the /oauth2/authorize URL with state and the PKCE challenge.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// LogoutURL returns /oauth2/logout for this client
func (p *Provider) LogoutURL() string {
	return p.baseURL + "/oauth2/logout?client_id=" + url.QueryEscape(p.clientID)
}

// JWKSURL returns the signing key set endpoint
func (p *Provider) JWKSURL() string {
	return p.baseURL + "/.well-known/jwks.json"
}

// Issuer returns the configured issuer
func (p *Provider) Issuer() string {
	return p.issuer
}

// observe starts a span and returns a function that records the call's outcome.
func (p *Provider) observe(ctx context.Context, operation string) (context.Context, func(status int, err error)) {
	if p.instrumentation == nil {
		return ctx, func(int, error) {}
	}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "fusionauth."+operation, trace.WithAttributes(
		attribute.String(instrumentation.AttrProviderName, providerName),
		attribute.String(instrumentation.AttrProviderOperation, operation),
	))
	return ctx, func(status int, err error) {
		defer span.End()
		p.instrumentation.Metrics().RecordProviderAPICall(ctx, providerName, operation, status,
			float64(time.Since(start).Milliseconds()), err)
		instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrProviderStatus, status))
		if err != nil {
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
	}
}

// ExchangeCode redeems code at /oauth2/token with the PKCE verifier.
// The returned token carries refresh_token_id and userId in its extras.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (token *oauth2.Token, err error) {
	ctx, done := p.observe(ctx, "exchange_code")
	defer func() { done(exchangeStatus(err), err) }()

	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, codeVerifier)
}

func exchangeStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}

type userResponse struct {
	User struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		Verified  bool   `json:"verified"`
		Username  string `json:"username"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		FullName  string `json:"fullName"`
		ImageURL  string `json:"imageUrl"`
	} `json:"user"`
}

// FetchUser calls GET /api/user with the access token as a Bearer credential.
func (p *Provider) FetchUser(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	var body userResponse
	if err := p.doJSON(ctx, "fetch_user", http.MethodGet, "/api/user", "Bearer "+accessToken, &body); err != nil {
		return nil, err
	}
	if body.User.ID == "" {
		return nil, errors.New("fetch_user: response did not contain a user")
	}

	return &providers.UserInfo{
		ID:            body.User.ID,
		Email:         body.User.Email,
		EmailVerified: body.User.Verified,
		Username:      body.User.Username,
		FirstName:     body.User.FirstName,
		LastName:      body.User.LastName,
		FullName:      body.User.FullName,
		ImageURL:      body.User.ImageURL,
	}, nil
}

type refreshTokensResponse struct {
	RefreshTokens []struct {
		ID            string `json:"id"`
		ApplicationID string `json:"applicationId"`
		UserID        string `json:"userId"`
		StartInstant  int64  `json:"startInstant"`
		InsertInstant int64  `json:"insertInstant"`
	} `json:"refreshTokens"`
}

// ListRefreshTokens calls GET /api/jwt/refresh?userId= with the API key.
func (p *Provider) ListRefreshTokens(ctx context.Context, userID string) ([]providers.RefreshToken, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}

	var body refreshTokensResponse
	path := "/api/jwt/refresh?userId=" + url.QueryEscape(userID)
	if err := p.doJSON(ctx, "list_refresh_tokens", http.MethodGet, path, p.apiKey, &body); err != nil {
		return nil, err
	}

	tokens := make([]providers.RefreshToken, 0, len(body.RefreshTokens))
	for _, rt := range body.RefreshTokens {
		tokens = append(tokens, providers.RefreshToken{
			ID:            rt.ID,
			ApplicationID: rt.ApplicationID,
			UserID:        rt.UserID,
			StartInstant:  fromMillis(rt.StartInstant),
			InsertInstant: fromMillis(rt.InsertInstant),
		})
	}
	return tokens, nil
}

// RevokeRefreshToken calls DELETE /api/jwt/refresh/{id} with the API key.
// A 404 means the token is already gone and counts as success.
func (p *Provider) RevokeRefreshToken(ctx context.Context, refreshTokenID string) error {
	if refreshTokenID == "" {
		return errors.New("refresh token ID is required")
	}

	err := p.doJSON(ctx, "revoke_refresh_token", http.MethodDelete, "/api/jwt/refresh/"+url.PathEscape(refreshTokenID), p.apiKey, nil)
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// doJSON performs a request against the FusionAuth API and decodes a JSON answer into out.
// out may be nil for calls whose body is ignored.
func (p *Provider) doJSON(ctx context.Context, operation, method, path, authorization string, out any) (err error) {
	status := 0
	ctx, done := p.observe(ctx, operation)
	defer func() { done(status, err) }()

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", authorization)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", operation, providers.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &providers.APIError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", operation, err)
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
