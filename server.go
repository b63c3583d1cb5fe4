package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/session-gateway/admission"
	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/providers"
	"github.com/giantswarm/session-gateway/security"
	"github.com/giantswarm/session-gateway/session"
	"github.com/giantswarm/session-gateway/token"
)

// TokenValidator verifies access tokens. *token.Validator satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*token.Claims, error)

	// VerifySignature checks signature, issuer and audience but accepts expired
	// tokens. Used to identify the owner of a session at logout.
	VerifySignature(ctx context.Context, raw string) (*token.Claims, error)
}

// Gateway implements the login lifecycle: starting an authorization, completing it
// at the callback, authenticating returning browsers, logging out, and deciding
// the provider's login webhook. It holds no per-user state; everything a browser
// needs lives in its cookies.
type Gateway struct {
	provider  providers.Provider
	validator TokenValidator
	admission *admission.Controller
	codec     *session.Codec
	auditor   *security.Auditor
	config    Config
	logger    *slog.Logger

	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// LoginResult is what a completed login writes into the browser
type LoginResult struct {
	Token   session.Token
	Profile session.Profile
}

// New creates a gateway for provider. validator checks the access tokens the
// provider issues; provider's refresh token API backs the device limit.
func New(provider providers.Provider, validator TokenValidator, config Config) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if validator == nil {
		return nil, errors.New("token validator is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.applyDefaults()

	controller, err := admission.NewController(provider, admission.Config{
		ApplicationID:   config.ApplicationID,
		MaxSessions:     config.Admission.MaxSessions,
		RefreshTokenTTL: config.Admission.RefreshTokenTTL,
		Logger:          config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admission controller: %w", err)
	}

	return &Gateway{
		provider:  provider,
		validator: validator,
		admission: controller,
		codec:     session.NewCodec(config.Cookies),
		auditor:   security.NewAuditor(config.Logger, config.Security.EnableAuditLogging),
		config:    config,
		logger:    config.Logger,
	}, nil
}

// SetInstrumentation enables metrics and tracing for the gateway and its admission controller
func (g *Gateway) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.Instrumentation = inst
	g.admission.SetInstrumentation(inst)
	if inst != nil {
		g.tracer = inst.Tracer("gateway")
	}
}

// Config returns the effective configuration, defaults applied
func (g *Gateway) Config() Config {
	return g.config
}

// Codec returns the cookie codec
func (g *Gateway) Codec() *session.Codec {
	return g.codec
}

// Auditor returns the security auditor
func (g *Gateway) Auditor() *security.Auditor {
	return g.auditor
}

func (g *Gateway) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if g.tracer == nil {
		return ctx, nil
	}
	return g.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

// StartAuthorization creates a fresh pending authorization: anti-forgery state and
// a PKCE pair. An entropy failure is returned as is; there is no retry.
func (g *Gateway) StartAuthorization() (session.PendingAuthorization, error) {
	state, err := security.NewState()
	if err != nil {
		return session.PendingAuthorization{}, err
	}
	pkce, err := security.NewPKCEPair()
	if err != nil {
		return session.PendingAuthorization{}, err
	}
	return session.PendingAuthorization{
		State:     state,
		Verifier:  pkce.Verifier,
		Challenge: pkce.Challenge,
	}, nil
}

// AuthorizationURL returns the provider URL that starts the login for pending
func (g *Gateway) AuthorizationURL(pending session.PendingAuthorization) string {
	return g.provider.AuthorizationURL(pending.State, pending.Challenge, security.PKCEMethodS256)
}

// LogoutURL returns the provider's logout URL
func (g *Gateway) LogoutURL() string {
	return g.provider.LogoutURL()
}

// CompleteLogin finishes the login at the callback. The state check runs before any
// provider call, so a forged or replayed callback never spends a code. The result
// is only returned when both the exchange and the user lookup succeeded.
func (g *Gateway) CompleteLogin(ctx context.Context, pending session.PendingAuthorization, state, code string) (result *LoginResult, err error) {
	ctx, span := g.startSpan(ctx, "gateway.complete_login",
		attribute.Bool(instrumentation.AttrStatePresent, state != ""),
		attribute.Bool(instrumentation.AttrCodePresent, code != ""),
		attribute.String(instrumentation.AttrPKCEMethod, security.PKCEMethodS256),
	)
	defer func() { endSpan(span, err) }()

	if !security.StatesEqual(pending.State, state) {
		return nil, ErrStateMismatch
	}
	if !security.VerifyChallenge(pending.Verifier, pending.Challenge) {
		return nil, ErrStateMismatch
	}
	if code == "" {
		return nil, ErrMissingCode
	}

	tok, err := g.provider.ExchangeCode(ctx, code, pending.Verifier)
	g.recordCodeExchange(ctx, err == nil)
	if err != nil {
		if providers.IsUnavailable(err) {
			return nil, &UpstreamError{Operation: "exchange_code", Err: err}
		}
		return nil, &ExchangeError{Stage: StageExchange, Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &ExchangeError{Stage: StageExchange, Err: errors.New("token response carried no access token")}
	}

	user, err := g.provider.FetchUser(ctx, tok.AccessToken)
	if err != nil {
		if providers.IsUnavailable(err) {
			return nil, &UpstreamError{Operation: "fetch_user", Err: err}
		}
		return nil, &ExchangeError{Stage: StageUserLookup, Err: err}
	}

	userID := providers.ExtraString(tok, providers.TokenExtraUserID)
	if userID == "" {
		userID = user.ID
	}
	if userID != user.ID {
		return nil, &ExchangeError{Stage: StageUserLookup, Err: errors.New("user lookup returned a different user than the token")}
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrUserID, security.HashForLogging(userID)))

	return &LoginResult{
		Token: session.Token{
			AccessToken:    tok.AccessToken,
			RefreshTokenID: providers.ExtraString(tok, providers.TokenExtraRefreshTokenID),
			TokenType:      tok.TokenType,
			UserID:         userID,
			Expiry:         tok.Expiry,
		},
		Profile: session.Profile{
			ID:        user.ID,
			Email:     user.Email,
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			FullName:  user.FullName,
			ImageURL:  user.ImageURL,
		},
	}, nil
}

// Authenticate validates the browser's session token. A missing token returns
// ErrNoSession; a bad one returns an error wrapping token.ErrInvalidToken.
func (g *Gateway) Authenticate(ctx context.Context, t session.Token) (*token.Claims, error) {
	if t.AccessToken == "" {
		return nil, ErrNoSession
	}

	claims, err := g.validator.Validate(ctx, t.AccessToken)
	if g.Instrumentation != nil {
		g.Instrumentation.Metrics().RecordTokenValidation(ctx, err == nil)
	}
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Logout revokes the session's refresh token at the provider, which frees the
// device slot. A session without a refresh token id has nothing to revoke.
//
// The id comes from a cookie the browser can edit. It is revoked only when the
// provider lists it for the subject of the session's signed access token, which
// may have expired. Otherwise Logout returns ErrRefreshTokenNotOwned.
func (g *Gateway) Logout(ctx context.Context, t session.Token) (err error) {
	if t.RefreshTokenID == "" {
		return nil
	}

	ctx, span := g.startSpan(ctx, "gateway.logout")
	defer func() { endSpan(span, err) }()

	claims, err := g.validator.VerifySignature(ctx, t.AccessToken)
	if err != nil {
		if errors.Is(err, token.ErrKeySetUnavailable) {
			return &UpstreamError{Operation: "fetch_signing_keys", Err: err}
		}
		return fmt.Errorf("%w: %w", ErrRefreshTokenNotOwned, err)
	}

	owned, err := g.provider.ListRefreshTokens(ctx, claims.Subject)
	if err != nil {
		if providers.IsUnavailable(err) {
			return &UpstreamError{Operation: "list_refresh_tokens", Err: err}
		}
		return fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	if !slices.ContainsFunc(owned, func(rt providers.RefreshToken) bool { return rt.ID == t.RefreshTokenID }) {
		return ErrRefreshTokenNotOwned
	}

	if err := g.provider.RevokeRefreshToken(ctx, t.RefreshTokenID); err != nil {
		if providers.IsUnavailable(err) {
			return &UpstreamError{Operation: "revoke_refresh_token", Err: err}
		}
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// EvaluateLogin decides the provider's login webhook. A denial is returned as
// *AdmissionDeniedError together with the decision. A failure to count sessions is
// an *UpstreamError and must be answered so that the provider blocks the login.
func (g *Gateway) EvaluateLogin(ctx context.Context, event admission.LoginEvent) (admission.Decision, error) {
	decision, err := g.admission.Evaluate(ctx, event)
	if err != nil {
		if errors.Is(err, admission.ErrCountUnavailable) {
			return admission.Decision{}, &UpstreamError{Operation: "list_refresh_tokens", Err: err}
		}
		return admission.Decision{}, err
	}

	if decision.Skipped {
		return decision, nil
	}

	g.auditor.LogAdmission(event.UserID, event.ApplicationID, decision.Allowed, decision.Count, decision.Max)
	if !decision.Allowed {
		return decision, &AdmissionDeniedError{Reason: decision.Reason, Count: decision.Count, Max: decision.Max}
	}
	return decision, nil
}

func (g *Gateway) recordCodeExchange(ctx context.Context, success bool) {
	if g.Instrumentation == nil {
		return
	}
	g.Instrumentation.Metrics().RecordCodeExchange(ctx, security.PKCEMethodS256, success)
}
