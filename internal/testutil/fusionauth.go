package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// Fixture credentials used by FakeFusionAuth.
const (
	TestClientID     = "85a03867-dccf-4882-adde-1a79aeec50df"
	TestClientSecret = "test-client-secret"
	TestAPIKey       = "test-api-key"
	TestUserID       = "00000000-0000-0000-0000-000000000001"
	TestUserEmail    = "richard@example.com"
)

// FakeUser is a user known to FakeFusionAuth.
type FakeUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Verified  bool   `json:"verified"`
}

// FakeRefreshToken is a refresh token record held by FakeFusionAuth.
type FakeRefreshToken struct {
	ID            string `json:"id"`
	ApplicationID string `json:"applicationId"`
	UserID        string `json:"userId"`
	StartInstant  int64  `json:"startInstant"`
	InsertInstant int64  `json:"insertInstant"`
}

type issuedCode struct {
	challenge   string
	method      string
	redirectURI string
	userID      string
	used        bool
}

// FakeFusionAuth is an httptest server speaking the subset of the FusionAuth API the
// gateway uses. Codes are single use and bound to the PKCE challenge they were issued for.
type FakeFusionAuth struct {
	*httptest.Server

	Key *SigningKey

	mu            sync.Mutex
	t             testing.TB
	users         map[string]FakeUser
	loginUser     string
	codes         map[string]*issuedCode
	accessTokens  map[string]string // token -> user id
	refreshTokens []FakeRefreshToken
	seq           int
	calls         map[string]int
	webhookURL    string
	webhookSecret string
	logoutURL     string
	userLookupErr int
	tokenErr      int
	listErr       int
	now           func() time.Time
}

// NewFakeFusionAuth starts the fake server. It is closed on test cleanup.
func NewFakeFusionAuth(t testing.TB) *FakeFusionAuth {
	t.Helper()

	f := &FakeFusionAuth{
		Key:          NewSigningKey(t, "fake-fusionauth-key"),
		t:            t,
		users:        map[string]FakeUser{TestUserID: {ID: TestUserID, Email: TestUserEmail, FirstName: "Richard", Verified: true}},
		loginUser:    TestUserID,
		codes:        make(map[string]*issuedCode),
		accessTokens: make(map[string]string),
		calls:        make(map[string]int),
		now:          time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth2/authorize", f.handleAuthorize)
	mux.HandleFunc("POST /oauth2/token", f.handleToken)
	mux.HandleFunc("GET /oauth2/logout", f.handleLogout)
	mux.HandleFunc("GET /api/user", f.handleUser)
	mux.HandleFunc("GET /api/jwt/refresh", f.handleListRefreshTokens)
	mux.HandleFunc("DELETE /api/jwt/refresh/{id}", f.handleRevokeRefreshToken)
	mux.HandleFunc("GET /.well-known/jwks.json", f.handleJWKS)
	mux.HandleFunc("GET /.well-known/openid-configuration", f.handleDiscovery)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// Issuer returns the iss claim of issued access tokens
func (f *FakeFusionAuth) Issuer() string {
	return f.URL
}

// SetWebhook makes the authorize endpoint call the login webhook before issuing a code,
// as FusionAuth does for a blocking user.login.success event.
func (f *FakeFusionAuth) SetWebhook(webhookURL, secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookURL = webhookURL
	f.webhookSecret = secret
}

// SetLogoutRedirect sets where /oauth2/logout sends the browser
func (f *FakeFusionAuth) SetLogoutRedirect(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutURL = u
}

// SetLoginUser selects the user that authorize logs in
func (f *FakeFusionAuth) SetLoginUser(user FakeUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	f.loginUser = user.ID
}

// FailUserLookup makes /api/user answer with status (0 restores normal behavior)
func (f *FakeFusionAuth) FailUserLookup(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userLookupErr = status
}

// FailTokenEndpoint makes /oauth2/token answer with status (0 restores normal behavior)
func (f *FakeFusionAuth) FailTokenEndpoint(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenErr = status
}

// FailRefreshTokenListing makes GET /api/jwt/refresh answer with status
func (f *FakeFusionAuth) FailRefreshTokenListing(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = status
}

// AddRefreshToken registers an existing session for userID in applicationID.
func (f *FakeFusionAuth) AddRefreshToken(userID, applicationID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addRefreshTokenLocked(userID, applicationID)
}

func (f *FakeFusionAuth) addRefreshTokenLocked(userID, applicationID string) string {
	f.seq++
	id := fmt.Sprintf("rt-%d", f.seq)
	now := f.now().UnixMilli()
	f.refreshTokens = append(f.refreshTokens, FakeRefreshToken{
		ID:            id,
		ApplicationID: applicationID,
		UserID:        userID,
		StartInstant:  now,
		InsertInstant: now,
	})
	return id
}

// RefreshTokens returns a copy of the stored refresh tokens
func (f *FakeFusionAuth) RefreshTokens() []FakeRefreshToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeRefreshToken(nil), f.refreshTokens...)
}

// Calls returns how often an endpoint was hit. Keys: "authorize", "token", "user",
// "list_refresh", "revoke_refresh", "logout", "jwks", "discovery", "webhook".
func (f *FakeFusionAuth) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// IssueCode registers a code for the current login user without going through authorize.
func (f *FakeFusionAuth) IssueCode(challenge, redirectURI string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueCodeLocked(challenge, "S256", redirectURI)
}

func (f *FakeFusionAuth) issueCodeLocked(challenge, method, redirectURI string) string {
	f.seq++
	code := fmt.Sprintf("code-%d", f.seq)
	f.codes[code] = &issuedCode{
		challenge:   challenge,
		method:      method,
		redirectURI: redirectURI,
		userID:      f.loginUser,
	}
	return code
}

// MintAccessToken signs a valid access token for userID that /api/user accepts.
func (f *FakeFusionAuth) MintAccessToken(userID string, expiresAt time.Time) string {
	tok := f.Key.Sign(f.t, AccessTokenClaims(f.Issuer(), TestClientID, userID, expiresAt))
	f.mu.Lock()
	f.accessTokens[tok] = userID
	f.mu.Unlock()
	return tok
}

func (f *FakeFusionAuth) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *FakeFusionAuth) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	f.count("authorize")
	q := r.URL.Query()

	if q.Get("client_id") != TestClientID || q.Get("response_type") != "code" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		http.Error(w, "PKCE required", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	webhookURL, secret, userID := f.webhookURL, f.webhookSecret, f.loginUser
	f.mu.Unlock()

	params := url.Values{"state": {q.Get("state")}}
	if webhookURL != "" && !f.callWebhook(webhookURL, secret, userID) {
		params.Set("error", "access_denied")
		params.Set("error_reason", "webhook_rejected")
	} else {
		f.mu.Lock()
		params.Set("code", f.issueCodeLocked(q.Get("code_challenge"), q.Get("code_challenge_method"), redirectURI))
		f.mu.Unlock()
	}

	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (f *FakeFusionAuth) callWebhook(webhookURL, secret, userID string) bool {
	f.count("webhook")

	body, _ := json.Marshal(map[string]any{
		"event": map[string]any{
			"id":            fmt.Sprintf("evt-%d", time.Now().UnixNano()),
			"type":          "user.login.success",
			"applicationId": TestClientID,
			"user":          map[string]any{"id": userID},
		},
	})
	req, err := http.NewRequest(http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (f *FakeFusionAuth) handleToken(w http.ResponseWriter, r *http.Request) {
	f.count("token")
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tokenErr != 0 {
		writeJSON(w, f.tokenErr, map[string]string{"error": "server_error"})
		return
	}
	if r.PostForm.Get("client_id") != TestClientID || r.PostForm.Get("client_secret") != TestClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code, ok := f.codes[r.PostForm.Get("code")]
	if !ok || code.used {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "The authorization code is invalid or has already been used.",
		})
		return
	}
	// Burn the code on any redemption attempt, as FusionAuth does.
	code.used = true

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != code.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "The code_verifier is invalid.",
		})
		return
	}
	if code.redirectURI != "" && r.PostForm.Get("redirect_uri") != code.redirectURI {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "redirect_uri mismatch"})
		return
	}

	expiresAt := f.now().Add(time.Hour)
	access := f.Key.Sign(f.t, AccessTokenClaims(f.URL, TestClientID, code.userID, expiresAt))
	f.accessTokens[access] = code.userID
	rtID := f.addRefreshTokenLocked(code.userID, TestClientID)

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":     access,
		"expires_in":       3600,
		"token_type":       "Bearer",
		"refresh_token":    "refresh-" + rtID,
		"refresh_token_id": rtID,
		"userId":           code.userID,
	})
}

func (f *FakeFusionAuth) handleUser(w http.ResponseWriter, r *http.Request) {
	f.count("user")

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.userLookupErr != 0 {
		writeJSON(w, f.userLookupErr, map[string]string{"error": "lookup failed"})
		return
	}

	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	userID, ok := f.accessTokens[tok]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": f.users[userID]})
}

func (f *FakeFusionAuth) handleListRefreshTokens(w http.ResponseWriter, r *http.Request) {
	f.count("list_refresh")
	if r.Header.Get("Authorization") != TestAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != 0 {
		w.WriteHeader(f.listErr)
		return
	}

	userID := r.URL.Query().Get("userId")
	tokens := []FakeRefreshToken{}
	for _, rt := range f.refreshTokens {
		if rt.UserID == userID {
			tokens = append(tokens, rt)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshTokens": tokens})
}

func (f *FakeFusionAuth) handleRevokeRefreshToken(w http.ResponseWriter, r *http.Request) {
	f.count("revoke_refresh")
	if r.Header.Get("Authorization") != TestAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.PathValue("id")
	for i, rt := range f.refreshTokens {
		if rt.ID == id {
			f.refreshTokens = append(f.refreshTokens[:i], f.refreshTokens[i+1:]...)
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (f *FakeFusionAuth) handleLogout(w http.ResponseWriter, r *http.Request) {
	f.count("logout")
	if r.URL.Query().Get("client_id") != TestClientID {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	target := f.logoutURL
	f.mu.Unlock()

	if target == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (f *FakeFusionAuth) handleJWKS(w http.ResponseWriter, r *http.Request) {
	f.count("jwks")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(KeySetJSON(f.t, f.Key))
}

func (f *FakeFusionAuth) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	f.count("discovery")
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                           f.Issuer(),
		"authorization_endpoint":           f.URL + "/oauth2/authorize",
		"token_endpoint":                   f.URL + "/oauth2/token",
		"userinfo_endpoint":                f.URL + "/oauth2/userinfo",
		"end_session_endpoint":             f.URL + "/oauth2/logout",
		"jwks_uri":                         f.URL + "/.well-known/jwks.json",
		"code_challenge_methods_supported": []string{"plain", "S256"},
	})
}
