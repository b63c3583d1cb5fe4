package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/session-gateway/admission"
	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/internal/testutil"
	"github.com/giantswarm/session-gateway/providers/fusionauth"
	"github.com/giantswarm/session-gateway/providers/mock"
	"github.com/giantswarm/session-gateway/security"
	"github.com/giantswarm/session-gateway/session"
	"github.com/giantswarm/session-gateway/token"
)

// testEnv runs the gateway in front of a fake FusionAuth. The client keeps cookies
// and does not follow redirects, so every hop is asserted.
type testEnv struct {
	fa      *testutil.FakeFusionAuth
	srv     *httptest.Server
	client  *http.Client
	gateway *Gateway
	handler *Handler
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	fa := testutil.NewFakeFusionAuth(t)

	var routes http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routes.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	provider, err := fusionauth.NewProvider(&fusionauth.Config{
		BaseURL:      fa.URL,
		ClientID:     testutil.TestClientID,
		ClientSecret: testutil.TestClientSecret,
		APIKey:       testutil.TestAPIKey,
		RedirectURL:  srv.URL + PathCallback,
		Issuer:       fa.Issuer(),
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	validator := token.NewValidator(token.NewRemoteKeySource(provider.JWKSURL(), nil), token.Config{
		Issuer:   fa.Issuer(),
		Audience: testutil.TestClientID,
	})

	config := Config{
		ApplicationID: testutil.TestClientID,
		RateLimit:     RateLimitConfig{Disabled: true},
	}
	for _, fn := range configure {
		fn(&config)
	}

	gw, err := New(provider, validator, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := NewHandler(gw, nil)
	t.Cleanup(h.Stop)
	routes = h.Routes()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{fa: fa, srv: srv, client: client, gateway: gw, handler: h}
}

type response struct {
	status   int
	location string
	body     string
	header   http.Header
	cookies  []*http.Cookie
}

func (e *testEnv) get(t *testing.T, rawURL string) response {
	t.Helper()
	if strings.HasPrefix(rawURL, "/") {
		rawURL = e.srv.URL + rawURL
	}
	resp, err := e.client.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s error = %v", rawURL, err)
	}
	return readResponse(t, resp)
}

func (e *testEnv) postWebhook(t *testing.T, body any, authorization string) response {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case string:
		payload = []byte(b)
	default:
		payload, _ = json.Marshal(b)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+PathLoginWebhook, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook error = %v", err)
	}
	return readResponse(t, resp)
}

func readResponse(t *testing.T, resp *http.Response) response {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return response{
		status:   resp.StatusCode,
		location: resp.Header.Get("Location"),
		body:     string(body),
		header:   resp.Header,
		cookies:  resp.Cookies(),
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// startLogin visits home and follows the login redirect through the provider,
// returning the provider's answer, normally a redirect to the callback.
func (e *testEnv) startLogin(t *testing.T) response {
	t.Helper()

	home := e.get(t, PathHome)
	if home.status != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", home.status)
	}
	if findCookie(home.cookies, session.PendingCookieName) == nil {
		t.Fatal("GET / did not set the pending authorization cookie")
	}

	login := e.get(t, PathLogin)
	if login.status != http.StatusFound || !strings.HasPrefix(login.location, e.fa.URL+"/oauth2/authorize") {
		t.Fatalf("GET /login = %d %q, want redirect to the authorize endpoint", login.status, login.location)
	}

	return e.get(t, login.location)
}

func (e *testEnv) callbackURL(t *testing.T) string {
	t.Helper()
	authorize := e.startLogin(t)
	if authorize.status != http.StatusFound || !strings.HasPrefix(authorize.location, e.srv.URL+PathCallback) {
		t.Fatalf("authorize = %d %q, want redirect to the callback", authorize.status, authorize.location)
	}
	return authorize.location
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	callback := e.get(t, e.callbackURL(t))
	if callback.status != http.StatusFound || callback.location != PathAccount {
		t.Fatalf("callback = %d %q (%s), want redirect to /account", callback.status, callback.location, callback.body)
	}
}

func TestHandler_LoginFlow(t *testing.T) {
	env := newTestEnv(t)

	home := env.get(t, PathHome)
	if !strings.Contains(home.body, "Welcome") || !strings.Contains(home.body, `href="/login"`) {
		t.Errorf("home page body = %q", home.body)
	}
	if got := home.header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}

	pending := findCookie(home.cookies, session.PendingCookieName)
	if pending == nil || !pending.HttpOnly {
		t.Fatalf("pending cookie = %+v, want an HttpOnly cookie", pending)
	}

	login := env.get(t, PathLogin)
	authorize, err := url.Parse(login.location)
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	q := authorize.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" || q.Get("state") == "" {
		t.Errorf("authorize query = %v, want state and an S256 challenge", q)
	}
	if q.Get("redirect_uri") != env.srv.URL+PathCallback {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}

	toCallback := env.get(t, login.location)
	callback := env.get(t, toCallback.location)
	if callback.status != http.StatusFound || callback.location != PathAccount {
		t.Fatalf("callback = %d %q (%s)", callback.status, callback.location, callback.body)
	}

	tokenCookie := findCookie(callback.cookies, session.TokenCookieName)
	if tokenCookie == nil || !tokenCookie.HttpOnly {
		t.Errorf("session cookie = %+v, want an HttpOnly cookie", tokenCookie)
	}
	profileCookie := findCookie(callback.cookies, session.ProfileCookieName)
	if profileCookie == nil || profileCookie.HttpOnly {
		t.Errorf("profile cookie = %+v, want a script-readable cookie", profileCookie)
	}
	if c := findCookie(callback.cookies, session.PendingCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("pending cookie not cleared by the callback: %+v", c)
	}

	account := env.get(t, PathAccount)
	if account.status != http.StatusOK {
		t.Fatalf("GET /account status = %d, want 200", account.status)
	}
	if !strings.Contains(account.body, "Signed in as "+testutil.TestUserEmail) {
		t.Errorf("account page body = %q", account.body)
	}

	// Authenticated browsers skip the home page
	again := env.get(t, PathHome)
	if again.status != http.StatusFound || again.location != PathAccount {
		t.Errorf("GET / when signed in = %d %q, want redirect to /account", again.status, again.location)
	}

	if n := env.fa.Calls("token"); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
	if n := len(env.fa.RefreshTokens()); n != 1 {
		t.Errorf("provider holds %d refresh tokens, want 1", n)
	}
}

func TestHandler_AccountRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, PathAccount)
	if resp.status != http.StatusFound || resp.location != PathHome {
		t.Errorf("GET /account = %d %q, want redirect to /", resp.status, resp.location)
	}
}

func TestHandler_LoginWithoutPending(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, PathLogin)
	if resp.status != http.StatusFound || resp.location != PathHome {
		t.Errorf("GET /login = %d %q, want redirect to /", resp.status, resp.location)
	}
	if n := env.fa.Calls("authorize"); n != 0 {
		t.Errorf("authorize called %d times, want 0", n)
	}
}

func TestHandler_CallbackRejectsStaleState(t *testing.T) {
	env := newTestEnv(t)
	callbackURL := env.callbackURL(t)

	// A new visit replaces the pending authorization the callback belongs to.
	env.get(t, PathHome)

	resp := env.get(t, callbackURL)
	if resp.status != http.StatusFound || resp.location != PathHome {
		t.Errorf("callback = %d %q, want redirect to /", resp.status, resp.location)
	}
	if n := env.fa.Calls("token"); n != 0 {
		t.Errorf("token endpoint called %d times, want 0", n)
	}
	if findCookie(resp.cookies, session.TokenCookieName) != nil {
		t.Error("session cookie set for a rejected callback")
	}
}

func TestHandler_CallbackReplay(t *testing.T) {
	env := newTestEnv(t)
	callbackURL := env.callbackURL(t)

	first := env.get(t, callbackURL)
	if first.status != http.StatusFound || first.location != PathAccount {
		t.Fatalf("first callback = %d %q", first.status, first.location)
	}

	// The pending cookie is gone, so the replay fails the state check.
	second := env.get(t, callbackURL)
	if second.status != http.StatusFound || second.location != PathHome {
		t.Errorf("replayed callback = %d %q, want redirect to /", second.status, second.location)
	}
	if n := env.fa.Calls("token"); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}

func TestHandler_CallbackCodeReuse(t *testing.T) {
	env := newTestEnv(t)

	pending, err := env.gateway.StartAuthorization()
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	code := env.fa.IssueCode(pending.Challenge, env.srv.URL+PathCallback)
	callbackURL := env.srv.URL + PathCallback + "?" + url.Values{"state": {pending.State}, "code": {code}}.Encode()

	redeem := func() response {
		req, _ := http.NewRequest(http.MethodGet, callbackURL, nil)
		req.AddCookie(env.gateway.Codec().EncodePending(pending))
		resp, err := (&http.Client{CheckRedirect: env.client.CheckRedirect}).Do(req)
		if err != nil {
			t.Fatalf("callback error = %v", err)
		}
		return readResponse(t, resp)
	}

	if first := redeem(); first.status != http.StatusFound || first.location != PathAccount {
		t.Fatalf("first redemption = %d %q", first.status, first.location)
	}

	second := redeem()
	if second.status != http.StatusBadGateway {
		t.Errorf("second redemption status = %d, want 502", second.status)
	}
	var body ErrorResponse
	if err := json.Unmarshal([]byte(second.body), &body); err != nil || body.Error != ErrorCodeExchangeFailed {
		t.Errorf("second redemption body = %q", second.body)
	}
}

func TestHandler_CallbackProviderError(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, PathHome)

	resp := env.get(t, PathCallback+"?error=access_denied&error_description=nope")
	if resp.status != http.StatusFound || resp.location != PathHome {
		t.Errorf("callback = %d %q, want redirect to /", resp.status, resp.location)
	}
	if c := findCookie(resp.cookies, session.PendingCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("pending cookie not cleared: %+v", c)
	}
}

func TestHandler_CallbackFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(fa *testutil.FakeFusionAuth)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "token endpoint rejects",
			setup:      func(fa *testutil.FakeFusionAuth) { fa.FailTokenEndpoint(http.StatusBadRequest) },
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrorCodeExchangeFailed,
		},
		{
			name:       "token endpoint down",
			setup:      func(fa *testutil.FakeFusionAuth) { fa.FailTokenEndpoint(http.StatusServiceUnavailable) },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeUpstreamUnavailable,
		},
		{
			name:       "user lookup rejects",
			setup:      func(fa *testutil.FakeFusionAuth) { fa.FailUserLookup(http.StatusUnauthorized) },
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrorCodeUserLookupFailed,
		},
		{
			name:       "user lookup down",
			setup:      func(fa *testutil.FakeFusionAuth) { fa.FailUserLookup(http.StatusInternalServerError) },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			callbackURL := env.callbackURL(t)
			tt.setup(env.fa)

			resp := env.get(t, callbackURL)
			if resp.status != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.status, tt.wantStatus)
			}
			var body ErrorResponse
			if err := json.Unmarshal([]byte(resp.body), &body); err != nil {
				t.Fatalf("body %q is not JSON: %v", resp.body, err)
			}
			if body.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", body.Error, tt.wantCode)
			}
			if findCookie(resp.cookies, session.TokenCookieName) != nil {
				t.Error("session cookie set for a failed login")
			}
			if c := findCookie(resp.cookies, session.PendingCookieName); c == nil || c.MaxAge >= 0 {
				t.Errorf("pending cookie not cleared: %+v", c)
			}

			account := env.get(t, PathAccount)
			if account.status != http.StatusFound {
				t.Errorf("GET /account after failed login = %d, want 302", account.status)
			}
		})
	}
}

func TestHandler_Logout(t *testing.T) {
	env := newTestEnv(t)
	env.fa.SetLogoutRedirect(env.srv.URL + PathLogoutCallback)
	env.login(t)

	logout := env.get(t, PathLogout)
	if logout.status != http.StatusFound || !strings.HasPrefix(logout.location, env.fa.URL+"/oauth2/logout") {
		t.Fatalf("GET /logout = %d %q, want redirect to the provider", logout.status, logout.location)
	}

	provider := env.get(t, logout.location)
	if provider.location != env.srv.URL+PathLogoutCallback {
		t.Fatalf("provider logout redirected to %q", provider.location)
	}

	done := env.get(t, provider.location)
	if done.status != http.StatusFound || done.location != PathHome {
		t.Errorf("logout callback = %d %q, want redirect to /", done.status, done.location)
	}
	for _, name := range []string{session.PendingCookieName, session.TokenCookieName, session.ProfileCookieName} {
		if c := findCookie(done.cookies, name); c == nil || c.MaxAge >= 0 {
			t.Errorf("cookie %s not cleared: %+v", name, c)
		}
	}

	if n := env.fa.Calls("revoke_refresh"); n != 1 {
		t.Errorf("revoke called %d times, want 1", n)
	}
	if n := len(env.fa.RefreshTokens()); n != 0 {
		t.Errorf("provider holds %d refresh tokens after logout, want 0", n)
	}

	account := env.get(t, PathAccount)
	if account.status != http.StatusFound || account.location != PathHome {
		t.Errorf("GET /account after logout = %d %q, want redirect to /", account.status, account.location)
	}
}

func TestHandler_LogoutWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, PathLogoutCallback)
	if resp.status != http.StatusFound || resp.location != PathHome {
		t.Errorf("logout callback = %d %q, want redirect to /", resp.status, resp.location)
	}
	if n := env.fa.Calls("revoke_refresh"); n != 0 {
		t.Errorf("revoke called %d times, want 0", n)
	}
}

func TestHandler_LogoutRevokesOnlyOwnToken(t *testing.T) {
	const victim = "00000000-0000-0000-0000-0000000000ff"

	logoutWith := func(t *testing.T, env *testEnv, tok session.Token) response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+PathLogoutCallback, nil)
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		req.AddCookie(env.gateway.Codec().EncodeSession(tok))
		resp, err := env.client.Do(req)
		if err != nil {
			t.Fatalf("GET logout callback error = %v", err)
		}
		return readResponse(t, resp)
	}

	tests := []struct {
		name        string
		accessToken func(env *testEnv) string
		ownToken    bool
		wantRevoked bool
	}{
		{
			name:        "unsigned access token",
			accessToken: func(*testEnv) string { return "x" },
		},
		{
			name: "another user's signed token",
			accessToken: func(env *testEnv) string {
				return env.fa.MintAccessToken(testutil.TestUserID, time.Now().Add(time.Hour))
			},
		},
		{
			name: "own expired token",
			accessToken: func(env *testEnv) string {
				return env.fa.MintAccessToken(victim, time.Now().Add(-time.Hour))
			},
			ownToken:    true,
			wantRevoked: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rt := env.fa.AddRefreshToken(victim, testutil.TestClientID)

			resp := logoutWith(t, env, session.Token{AccessToken: tt.accessToken(env), RefreshTokenID: rt})
			if resp.status != http.StatusFound || resp.location != PathHome {
				t.Errorf("logout callback = %d %q, want redirect to /", resp.status, resp.location)
			}
			if c := findCookie(resp.cookies, session.TokenCookieName); c == nil || c.MaxAge >= 0 {
				t.Errorf("token cookie not cleared: %+v", c)
			}

			revokes, left := env.fa.Calls("revoke_refresh"), len(env.fa.RefreshTokens())
			if tt.wantRevoked && (revokes != 1 || left != 0) {
				t.Errorf("revoke calls = %d, tokens left = %d, want 1 and 0", revokes, left)
			}
			if !tt.wantRevoked && (revokes != 0 || left != 1) {
				t.Errorf("revoke calls = %d, tokens left = %d, want 0 and 1", revokes, left)
			}
		})
	}
}

func TestHandler_DeviceLimit(t *testing.T) {
	t.Run("blocks login at the limit", func(t *testing.T) {
		env := newTestEnv(t)
		env.fa.SetWebhook(env.srv.URL+PathLoginWebhook, "")
		env.fa.AddRefreshToken(testutil.TestUserID, testutil.TestClientID)
		env.fa.AddRefreshToken(testutil.TestUserID, testutil.TestClientID)

		authorize := env.startLogin(t)
		if !strings.Contains(authorize.location, "error=access_denied") {
			t.Fatalf("authorize redirected to %q, want an access_denied callback", authorize.location)
		}

		callback := env.get(t, authorize.location)
		if callback.status != http.StatusFound || callback.location != PathHome {
			t.Errorf("callback = %d %q, want redirect to /", callback.status, callback.location)
		}
		if n := env.fa.Calls("token"); n != 0 {
			t.Errorf("token endpoint called %d times, want 0", n)
		}
	})

	t.Run("sessions in other applications do not count", func(t *testing.T) {
		env := newTestEnv(t)
		env.fa.SetWebhook(env.srv.URL+PathLoginWebhook, "")
		env.fa.AddRefreshToken(testutil.TestUserID, testutil.TestClientID)
		env.fa.AddRefreshToken(testutil.TestUserID, "other-app")
		env.fa.AddRefreshToken(testutil.TestUserID, "other-app")

		env.login(t)
		if n := env.fa.Calls("webhook"); n != 1 {
			t.Errorf("webhook called %d times, want 1", n)
		}
	})

	t.Run("logout frees a slot", func(t *testing.T) {
		env := newTestEnv(t)
		env.fa.SetWebhook(env.srv.URL+PathLoginWebhook, "")
		env.fa.SetLogoutRedirect(env.srv.URL + PathLogoutCallback)
		env.fa.AddRefreshToken(testutil.TestUserID, testutil.TestClientID)

		env.login(t)
		env.get(t, PathLogoutCallback)

		env.login(t)
		if n := env.fa.Calls("token"); n != 2 {
			t.Errorf("token endpoint called %d times, want 2", n)
		}
	})
}

func loginEvent(appID, userID string) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"id":            "evt-1",
			"type":          LoginSuccessEventType,
			"applicationId": appID,
			"user":          map[string]any{"id": userID, "email": testutil.TestUserEmail},
		},
	}
}

func TestHandler_LoginWebhook(t *testing.T) {
	tests := []struct {
		name        string
		existing    int
		body        any
		failListing int
		wantStatus  int
		wantMessage string
		wantError   string
	}{
		{
			name:        "first device",
			body:        loginEvent(testutil.TestClientID, testutil.TestUserID),
			wantStatus:  http.StatusOK,
			wantMessage: "You are logged in on 1 of 2 devices.",
		},
		{
			name:        "last free device",
			existing:    1,
			body:        loginEvent(testutil.TestClientID, testutil.TestUserID),
			wantStatus:  http.StatusOK,
			wantMessage: "You are logged in on 2 of 2 devices.",
		},
		{
			name:       "over the limit",
			existing:   2,
			body:       loginEvent(testutil.TestClientID, testutil.TestUserID),
			wantStatus: http.StatusForbidden,
			wantError:  admission.DenyReason,
		},
		{
			name:        "other application",
			existing:    5,
			body:        loginEvent("other-app", testutil.TestUserID),
			wantStatus:  http.StatusOK,
			wantMessage: admission.OtherApplicationReason,
		},
		{
			name:        "other event type",
			body:        map[string]any{"event": map[string]any{"type": "user.registration.create"}},
			wantStatus:  http.StatusOK,
			wantMessage: admission.OtherApplicationReason,
		},
		{
			name:       "malformed",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "missing user",
			body:       loginEvent(testutil.TestClientID, ""),
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:        "listing unavailable",
			body:        loginEvent(testutil.TestClientID, testutil.TestUserID),
			failListing: http.StatusServiceUnavailable,
			wantStatus:  http.StatusServiceUnavailable,
			wantError:   ErrorCodeUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			for range tt.existing {
				env.fa.AddRefreshToken(testutil.TestUserID, testutil.TestClientID)
			}
			if tt.failListing != 0 {
				env.fa.FailRefreshTokenListing(tt.failListing)
			}

			resp := env.postWebhook(t, tt.body, "")
			if resp.status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.status, tt.wantStatus, resp.body)
			}
			if ct := resp.header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body WebhookResponse
			if err := json.Unmarshal([]byte(resp.body), &body); err != nil {
				t.Fatalf("body %q is not a JSON object: %v", resp.body, err)
			}
			if body.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", body.Message, tt.wantMessage)
			}
			if body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
		})
	}
}

func TestHandler_LoginWebhookSecret(t *testing.T) {
	hash, err := security.HashWebhookSecret("s3cret")
	if err != nil {
		t.Fatalf("HashWebhookSecret() error = %v", err)
	}
	env := newTestEnv(t, func(c *Config) { c.Security.WebhookSecretHash = hash })
	event := loginEvent(testutil.TestClientID, testutil.TestUserID)

	tests := []struct {
		authorization string
		wantStatus    int
	}{
		{authorization: "", wantStatus: http.StatusUnauthorized},
		{authorization: "wrong", wantStatus: http.StatusUnauthorized},
		{authorization: "s3cret", wantStatus: http.StatusOK},
		{authorization: "Bearer s3cret", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		resp := env.postWebhook(t, event, tt.authorization)
		if resp.status != tt.wantStatus {
			t.Errorf("Authorization %q: status = %d, want %d", tt.authorization, resp.status, tt.wantStatus)
		}
	}
	if n := env.fa.Calls("list_refresh"); n != 2 {
		t.Errorf("refresh tokens listed %d times, want 2", n)
	}
}

func TestHandler_AccountKeySetUnavailable(t *testing.T) {
	validator := &stubValidator{err: fmt.Errorf("%w: %w", token.ErrInvalidToken, token.ErrKeySetUnavailable)}
	gw := newTestGateway(t, mock.NewMockProvider(), validator)
	h := NewHandler(gw, nil)
	t.Cleanup(h.Stop)
	routes := h.Routes()

	sessionCookie := gw.Codec().EncodeSession(session.Token{AccessToken: "mock-access-token"})

	req := httptest.NewRequest(http.MethodGet, PathAccount, nil)
	req.AddCookie(sessionCookie)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /account status = %d, want 503", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error != ErrorCodeUpstreamUnavailable {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Home treats the browser as anonymous
	req = httptest.NewRequest(http.MethodGet, PathHome, nil)
	req.AddCookie(sessionCookie)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET / status = %d, want 200", rec.Code)
	}
}

func TestHandler_TamperedCookies(t *testing.T) {
	gw := newTestGateway(t, mock.NewMockProvider(), nil)
	h := NewHandler(gw, nil)
	t.Cleanup(h.Stop)
	routes := h.Routes()

	for _, value := range []string{"not-base64!", "e30", strings.Repeat("A", 10000)} {
		req := httptest.NewRequest(http.MethodGet, PathAccount, nil)
		req.AddCookie(&http.Cookie{Name: session.TokenCookieName, Value: value})
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)

		if rec.Code != http.StatusFound || rec.Header().Get("Location") != PathHome {
			t.Errorf("cookie %.20q: GET /account = %d %q, want redirect to /", value, rec.Code, rec.Header().Get("Location"))
		}
	}
}

func TestHandler_RateLimit(t *testing.T) {
	gw, err := New(mock.NewMockProvider(), &stubValidator{}, Config{
		ApplicationID: testApplicationID,
		RateLimit:     RateLimitConfig{Rate: 1, Burst: 2},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := NewHandler(gw, nil)
	t.Cleanup(h.Stop)
	routes := h.Routes()

	var last *httptest.ResponseRecorder
	for range 3 {
		last = httptest.NewRecorder()
		routes.ServeHTTP(last, httptest.NewRequest(http.MethodGet, PathHome, nil))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// Health checks are not limited
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", rec.Code)
	}
}

func TestHandler_LoginWebhookNotRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimit = RateLimitConfig{} })
	full := "00000000-0000-0000-0000-0000000000aa"
	env.fa.AddRefreshToken(full, testutil.TestClientID)
	env.fa.AddRefreshToken(full, testutil.TestClientID)

	calls := 3 * DefaultRateLimitBurst
	for i := range calls {
		user, want := testutil.TestUserID, http.StatusOK
		if i%2 == 1 {
			user, want = full, http.StatusForbidden
		}
		resp := env.postWebhook(t, loginEvent(testutil.TestClientID, user), "")
		if resp.status != want {
			t.Fatalf("webhook call %d status = %d (%s), want %d", i, resp.status, resp.body, want)
		}
	}
	if n := env.fa.Calls("list_refresh"); n != calls {
		t.Errorf("list_refresh called %d times, want %d", n, calls)
	}

	// Browser routes from the same address are still limited
	limited := false
	for range calls {
		if env.get(t, PathHealth).status != http.StatusOK {
			t.Fatal("GET /healthz was limited")
		}
		if env.get(t, PathLogin).status == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("browser routes were not rate limited")
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         true,
		MetricsExporter: instrumentation.MetricsExporterPrometheus,
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	gw := newTestGateway(t, mock.NewMockProvider(), nil)
	gw.SetInstrumentation(inst)
	h := NewHandler(gw, nil)
	t.Cleanup(h.Stop)
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("GET /healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_http_request") {
		t.Errorf("metrics output does not contain the HTTP request metrics:\n%s", rec.Body.String())
	}
}

func TestHandler_MetricsDisabled(t *testing.T) {
	gw := newTestGateway(t, mock.NewMockProvider(), nil)
	h := NewHandler(gw, nil)
	t.Cleanup(h.Stop)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without exporter = %d, want 404", rec.Code)
	}
}
