package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/session-gateway/admission"
	"github.com/giantswarm/session-gateway/internal/testutil"
	"github.com/giantswarm/session-gateway/providers"
	"github.com/giantswarm/session-gateway/providers/mock"
	"github.com/giantswarm/session-gateway/security"
	"github.com/giantswarm/session-gateway/session"
	"github.com/giantswarm/session-gateway/token"
)

const testApplicationID = "app-1"

// stubValidator accepts exactly one token, or fails every call with err
type stubValidator struct {
	valid string
	err   error
	calls int
}

func (v *stubValidator) Validate(_ context.Context, raw string) (*token.Claims, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	if raw == "" || raw != v.valid {
		return nil, fmt.Errorf("%w: unknown token", token.ErrInvalidToken)
	}
	return &token.Claims{}, nil
}

// VerifySignature identifies the valid token as mock-user, expired or not
func (v *stubValidator) VerifySignature(_ context.Context, raw string) (*token.Claims, error) {
	if v.err != nil {
		return nil, v.err
	}
	if raw == "" || raw != v.valid {
		return nil, fmt.Errorf("%w: unknown token", token.ErrInvalidToken)
	}
	return &token.Claims{Subject: "mock-user"}, nil
}

func newTestGateway(t *testing.T, provider providers.Provider, validator TokenValidator) *Gateway {
	t.Helper()
	if validator == nil {
		validator = &stubValidator{valid: "mock-access-token"}
	}
	gw, err := New(provider, validator, Config{ApplicationID: testApplicationID})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return gw
}

func newPending(t *testing.T, gw *Gateway) session.PendingAuthorization {
	t.Helper()
	pending, err := gw.StartAuthorization()
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	return pending
}

func TestNew_Validation(t *testing.T) {
	provider := mock.NewMockProvider()
	validator := &stubValidator{}

	if _, err := New(nil, validator, Config{ApplicationID: testApplicationID}); err == nil {
		t.Error("New() with nil provider should fail")
	}
	if _, err := New(provider, nil, Config{ApplicationID: testApplicationID}); err == nil {
		t.Error("New() with nil validator should fail")
	}
	if _, err := New(provider, validator, Config{}); err == nil {
		t.Error("New() without application id should fail")
	}

	gw, err := New(provider, validator, Config{ApplicationID: testApplicationID})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := gw.Config().Admission.MaxSessions; got != admission.DefaultMaxSessions {
		t.Errorf("MaxSessions = %d, want %d", got, admission.DefaultMaxSessions)
	}
}

func TestGateway_StartAuthorization(t *testing.T) {
	gw := newTestGateway(t, mock.NewMockProvider(), nil)

	seen := make(map[string]bool)
	for range 20 {
		pending := newPending(t, gw)
		if seen[pending.State] {
			t.Fatalf("state %q issued twice", pending.State)
		}
		seen[pending.State] = true

		if !security.VerifyChallenge(pending.Verifier, pending.Challenge) {
			t.Errorf("challenge %q is not derived from verifier", pending.Challenge)
		}
		if strings.ContainsAny(pending.State, "+/=") {
			t.Errorf("state %q is not base64url without padding", pending.State)
		}
	}
}

func TestGateway_AuthorizationURL(t *testing.T) {
	provider := mock.NewMockProvider()
	gw := newTestGateway(t, provider, nil)
	pending := newPending(t, gw)

	var gotState, gotChallenge, gotMethod string
	provider.AuthorizationURLFunc = func(state, challenge, method string) string {
		gotState, gotChallenge, gotMethod = state, challenge, method
		return "https://auth.example.com/oauth2/authorize"
	}

	gw.AuthorizationURL(pending)
	if gotState != pending.State || gotChallenge != pending.Challenge {
		t.Errorf("AuthorizationURL passed state %q challenge %q", gotState, gotChallenge)
	}
	if gotMethod != security.PKCEMethodS256 {
		t.Errorf("method = %q, want %q", gotMethod, security.PKCEMethodS256)
	}
}

func TestGateway_CompleteLogin_Success(t *testing.T) {
	provider := mock.NewMockProvider()
	gw := newTestGateway(t, provider, nil)
	pending := newPending(t, gw)

	var gotVerifier string
	exchange := provider.ExchangeCodeFunc
	provider.ExchangeCodeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		gotVerifier = verifier
		return exchange(ctx, code, verifier)
	}

	result, err := gw.CompleteLogin(context.Background(), pending, pending.State, "code-1")
	if err != nil {
		t.Fatalf("CompleteLogin() error = %v", err)
	}
	if gotVerifier != pending.Verifier {
		t.Errorf("exchange verifier = %q, want %q", gotVerifier, pending.Verifier)
	}
	if result.Token.AccessToken != "mock-access-token" {
		t.Errorf("AccessToken = %q", result.Token.AccessToken)
	}
	if result.Token.RefreshTokenID != "mock-refresh-token-id" {
		t.Errorf("RefreshTokenID = %q", result.Token.RefreshTokenID)
	}
	if result.Token.UserID != "mock-user" || result.Profile.ID != "mock-user" {
		t.Errorf("user ids = %q / %q, want mock-user", result.Token.UserID, result.Profile.ID)
	}
	if result.Profile.Email != "mock@example.com" {
		t.Errorf("Profile.Email = %q", result.Profile.Email)
	}
}

func TestGateway_CompleteLogin_Profile(t *testing.T) {
	provider := mock.NewMockProvider()
	provider.ExchangeCodeFunc = func(context.Context, string, string) (*oauth2.Token, error) {
		return testutil.GenerateTestToken("access", "rt-7", testutil.TestUserID), nil
	}
	provider.FetchUserFunc = func(context.Context, string) (*providers.UserInfo, error) {
		return testutil.GenerateTestUserInfo(), nil
	}
	gw := newTestGateway(t, provider, nil)
	pending := newPending(t, gw)

	result, err := gw.CompleteLogin(context.Background(), pending, pending.State, "code-1")
	if err != nil {
		t.Fatalf("CompleteLogin() error = %v", err)
	}

	want := session.Profile{
		ID:        testutil.TestUserID,
		Email:     testutil.TestUserEmail,
		FirstName: "Richard",
		LastName:  "Hendricks",
		FullName:  "Richard Hendricks",
	}
	if result.Profile != want {
		t.Errorf("Profile = %+v, want %+v", result.Profile, want)
	}
	if result.Token.RefreshTokenID != "rt-7" || result.Token.TokenType != "Bearer" {
		t.Errorf("Token = %+v", result.Token)
	}
	if result.Token.Expiry.IsZero() {
		t.Error("Token.Expiry not carried over")
	}
}

func TestGateway_CompleteLogin_RejectedBeforeExchange(t *testing.T) {
	tests := []struct {
		name    string
		pending func(p session.PendingAuthorization) session.PendingAuthorization
		state   func(p session.PendingAuthorization) string
		code    string
		wantErr error
	}{
		{
			name:    "state mismatch",
			pending: func(p session.PendingAuthorization) session.PendingAuthorization { return p },
			state:   func(session.PendingAuthorization) string { return "forged" },
			code:    "code-1",
			wantErr: ErrStateMismatch,
		},
		{
			name:    "no pending authorization",
			pending: func(session.PendingAuthorization) session.PendingAuthorization { return session.PendingAuthorization{} },
			state:   func(session.PendingAuthorization) string { return "" },
			code:    "code-1",
			wantErr: ErrStateMismatch,
		},
		{
			name: "verifier does not match challenge",
			pending: func(p session.PendingAuthorization) session.PendingAuthorization {
				p.Verifier = "tampered-verifier-tampered-verifier-tampered"
				return p
			},
			state:   func(p session.PendingAuthorization) string { return p.State },
			code:    "code-1",
			wantErr: ErrStateMismatch,
		},
		{
			name:    "missing code",
			pending: func(p session.PendingAuthorization) session.PendingAuthorization { return p },
			state:   func(p session.PendingAuthorization) string { return p.State },
			code:    "",
			wantErr: ErrMissingCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := mock.NewMockProvider()
			gw := newTestGateway(t, provider, nil)
			pending := newPending(t, gw)

			_, err := gw.CompleteLogin(context.Background(), tt.pending(pending), tt.state(pending), tt.code)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CompleteLogin() error = %v, want %v", err, tt.wantErr)
			}
			if n := provider.GetCallCount("ExchangeCode"); n != 0 {
				t.Errorf("ExchangeCode called %d times, want 0", n)
			}
		})
	}
}

func TestGateway_CompleteLogin_ProviderFailures(t *testing.T) {
	rejected := &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: http.StatusBadRequest},
		ErrorCode: "invalid_grant",
	}
	down := &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}

	tests := []struct {
		name        string
		exchangeErr error
		emptyToken  bool
		userErr     error
		otherUser   bool
		wantCode    string
	}{
		{name: "code rejected", exchangeErr: rejected, wantCode: ErrorCodeExchangeFailed},
		{name: "token endpoint down", exchangeErr: down, wantCode: ErrorCodeUpstreamUnavailable},
		{name: "no access token", emptyToken: true, wantCode: ErrorCodeExchangeFailed},
		{
			name:     "user lookup rejected",
			userErr:  &providers.APIError{Operation: "fetch_user", StatusCode: http.StatusUnauthorized},
			wantCode: ErrorCodeUserLookupFailed,
		},
		{
			name:     "user lookup down",
			userErr:  &providers.APIError{Operation: "fetch_user", StatusCode: http.StatusInternalServerError},
			wantCode: ErrorCodeUpstreamUnavailable,
		},
		{name: "user lookup returns someone else", otherUser: true, wantCode: ErrorCodeUserLookupFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := mock.NewMockProvider()
			exchange := provider.ExchangeCodeFunc
			provider.ExchangeCodeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
				if tt.exchangeErr != nil {
					return nil, tt.exchangeErr
				}
				if tt.emptyToken {
					return &oauth2.Token{}, nil
				}
				return exchange(ctx, code, verifier)
			}
			provider.FetchUserFunc = func(context.Context, string) (*providers.UserInfo, error) {
				if tt.userErr != nil {
					return nil, tt.userErr
				}
				if tt.otherUser {
					return &providers.UserInfo{ID: "someone-else"}, nil
				}
				return &providers.UserInfo{ID: "mock-user"}, nil
			}

			gw := newTestGateway(t, provider, nil)
			pending := newPending(t, gw)

			result, err := gw.CompleteLogin(context.Background(), pending, pending.State, "code-1")
			if err == nil {
				t.Fatal("CompleteLogin() should fail")
			}
			if result != nil {
				t.Error("CompleteLogin() returned a result alongside an error")
			}
			if got := toGatewayError(err).Code; got != tt.wantCode {
				t.Errorf("error code = %q, want %q (err: %v)", got, tt.wantCode, err)
			}
		})
	}
}

func TestGateway_Authenticate(t *testing.T) {
	validator := &stubValidator{valid: "good"}
	gw := newTestGateway(t, mock.NewMockProvider(), validator)
	ctx := context.Background()

	if _, err := gw.Authenticate(ctx, session.Token{}); !errors.Is(err, ErrNoSession) {
		t.Errorf("empty token error = %v, want ErrNoSession", err)
	}
	if validator.calls != 0 {
		t.Errorf("validator called %d times for an empty token", validator.calls)
	}
	if _, err := gw.Authenticate(ctx, session.Token{AccessToken: "bad"}); !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("bad token error = %v, want ErrInvalidToken", err)
	}
	if _, err := gw.Authenticate(ctx, session.Token{AccessToken: "good"}); err != nil {
		t.Errorf("good token error = %v", err)
	}
}

func TestGateway_Logout(t *testing.T) {
	ownedBy := func(provider *mock.MockProvider, user string, ids ...string) {
		provider.ListRefreshTokensFunc = func(_ context.Context, userID string) ([]providers.RefreshToken, error) {
			if userID != user {
				return nil, nil
			}
			var tokens []providers.RefreshToken
			for _, id := range ids {
				tokens = append(tokens, providers.RefreshToken{ID: id, ApplicationID: testApplicationID, UserID: userID})
			}
			return tokens, nil
		}
	}
	session1 := session.Token{AccessToken: "mock-access-token", RefreshTokenID: "rt-1"}

	t.Run("revokes refresh token", func(t *testing.T) {
		provider := mock.NewMockProvider()
		ownedBy(provider, "mock-user", "rt-1")
		var revoked string
		provider.RevokeRefreshTokenFunc = func(_ context.Context, id string) error {
			revoked = id
			return nil
		}
		gw := newTestGateway(t, provider, nil)

		if err := gw.Logout(context.Background(), session1); err != nil {
			t.Fatalf("Logout() error = %v", err)
		}
		if revoked != "rt-1" {
			t.Errorf("revoked %q, want rt-1", revoked)
		}
	})

	t.Run("nothing to revoke", func(t *testing.T) {
		provider := mock.NewMockProvider()
		gw := newTestGateway(t, provider, nil)

		if err := gw.Logout(context.Background(), session.Token{AccessToken: "x"}); err != nil {
			t.Fatalf("Logout() error = %v", err)
		}
		if n := provider.GetCallCount("RevokeRefreshToken"); n != 0 {
			t.Errorf("RevokeRefreshToken called %d times, want 0", n)
		}
	})

	refused := []struct {
		name  string
		token session.Token
	}{
		{name: "token of another user", token: session.Token{AccessToken: "mock-access-token", RefreshTokenID: "victim-rt"}},
		{name: "unsigned access token", token: session.Token{AccessToken: "x", RefreshTokenID: "rt-1"}},
		{name: "no access token", token: session.Token{RefreshTokenID: "rt-1"}},
	}
	for _, tt := range refused {
		t.Run(tt.name, func(t *testing.T) {
			provider := mock.NewMockProvider()
			ownedBy(provider, "mock-user", "rt-1")
			gw := newTestGateway(t, provider, nil)

			err := gw.Logout(context.Background(), tt.token)
			if !errors.Is(err, ErrRefreshTokenNotOwned) {
				t.Errorf("Logout() error = %v, want ErrRefreshTokenNotOwned", err)
			}
			if n := provider.GetCallCount("RevokeRefreshToken"); n != 0 {
				t.Errorf("RevokeRefreshToken called %d times, want 0", n)
			}
		})
	}

	t.Run("key set unavailable", func(t *testing.T) {
		provider := mock.NewMockProvider()
		gw := newTestGateway(t, provider, &stubValidator{err: fmt.Errorf("%w: %w", token.ErrInvalidToken, token.ErrKeySetUnavailable)})

		err := gw.Logout(context.Background(), session1)
		var upstream *UpstreamError
		if !errors.As(err, &upstream) {
			t.Errorf("Logout() error = %v, want *UpstreamError", err)
		}
		if n := provider.GetCallCount("RevokeRefreshToken"); n != 0 {
			t.Errorf("RevokeRefreshToken called %d times, want 0", n)
		}
	})

	t.Run("provider down", func(t *testing.T) {
		provider := mock.NewMockProvider()
		ownedBy(provider, "mock-user", "rt-1")
		provider.RevokeRefreshTokenFunc = func(context.Context, string) error {
			return &providers.APIError{Operation: "revoke_refresh_token", StatusCode: http.StatusBadGateway}
		}
		gw := newTestGateway(t, provider, nil)

		err := gw.Logout(context.Background(), session1)
		var upstream *UpstreamError
		if !errors.As(err, &upstream) {
			t.Errorf("Logout() error = %v, want *UpstreamError", err)
		}
	})
}

func tokensFor(n int, appID string) []providers.RefreshToken {
	tokens := make([]providers.RefreshToken, n)
	for i := range tokens {
		tokens[i] = providers.RefreshToken{ID: fmt.Sprintf("rt-%d", i), ApplicationID: appID, UserID: "u1"}
	}
	return tokens
}

func TestGateway_EvaluateLogin(t *testing.T) {
	event := admission.LoginEvent{ID: "evt-1", Type: LoginSuccessEventType, ApplicationID: testApplicationID, UserID: "u1"}

	t.Run("allows below the limit", func(t *testing.T) {
		provider := mock.NewMockProvider()
		provider.ListRefreshTokensFunc = func(context.Context, string) ([]providers.RefreshToken, error) {
			return append(tokensFor(1, testApplicationID), tokensFor(3, "other-app")...), nil
		}
		gw := newTestGateway(t, provider, nil)

		decision, err := gw.EvaluateLogin(context.Background(), event)
		if err != nil {
			t.Fatalf("EvaluateLogin() error = %v", err)
		}
		if !decision.Allowed || decision.Reason != "You are logged in on 2 of 2 devices." {
			t.Errorf("decision = %+v", decision)
		}
	})

	t.Run("denies at the limit", func(t *testing.T) {
		provider := mock.NewMockProvider()
		provider.ListRefreshTokensFunc = func(context.Context, string) ([]providers.RefreshToken, error) {
			return tokensFor(2, testApplicationID), nil
		}
		gw := newTestGateway(t, provider, nil)

		decision, err := gw.EvaluateLogin(context.Background(), event)
		var denied *AdmissionDeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("EvaluateLogin() error = %v, want *AdmissionDeniedError", err)
		}
		if denied.Reason != admission.DenyReason || decision.Allowed {
			t.Errorf("denied = %+v, decision = %+v", denied, decision)
		}
	})

	t.Run("other application is not counted", func(t *testing.T) {
		provider := mock.NewMockProvider()
		gw := newTestGateway(t, provider, nil)

		other := event
		other.ApplicationID = "other-app"
		decision, err := gw.EvaluateLogin(context.Background(), other)
		if err != nil {
			t.Fatalf("EvaluateLogin() error = %v", err)
		}
		if !decision.Skipped || decision.Reason != admission.OtherApplicationReason {
			t.Errorf("decision = %+v", decision)
		}
		if n := provider.GetCallCount("ListRefreshTokens"); n != 0 {
			t.Errorf("ListRefreshTokens called %d times, want 0", n)
		}
	})

	t.Run("listing failure blocks", func(t *testing.T) {
		provider := mock.NewMockProvider()
		provider.ListRefreshTokensFunc = func(context.Context, string) ([]providers.RefreshToken, error) {
			return nil, &providers.APIError{Operation: "list_refresh_tokens", StatusCode: http.StatusServiceUnavailable}
		}
		gw := newTestGateway(t, provider, nil)

		_, err := gw.EvaluateLogin(context.Background(), event)
		var upstream *UpstreamError
		if !errors.As(err, &upstream) {
			t.Errorf("EvaluateLogin() error = %v, want *UpstreamError", err)
		}
	})

	t.Run("missing user", func(t *testing.T) {
		gw := newTestGateway(t, mock.NewMockProvider(), nil)

		noUser := event
		noUser.UserID = ""
		if _, err := gw.EvaluateLogin(context.Background(), noUser); !errors.Is(err, admission.ErrMissingUser) {
			t.Errorf("EvaluateLogin() error = %v, want ErrMissingUser", err)
		}
	})
}
