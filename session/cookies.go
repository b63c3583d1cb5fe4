package session

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/giantswarm/session-gateway/security"
)

// Cookie names. These match what existing deployments already set in browsers.
const (
	PendingCookieName = "userSession"
	TokenCookieName   = "userToken"
	ProfileCookieName = "userDetails"
)

// maxCookieValue is the largest raw cookie value the codec will try to decode.
// Browsers cap a cookie at about 4 KiB.
const maxCookieValue = 8192

// PendingAuthorization is the state of a login that has not yet come back from the provider.
// It is created on an anonymous visit and consumed by exactly one callback.
type PendingAuthorization struct {
	State     string `json:"stateValue"`
	Verifier  string `json:"verifier"`
	Challenge string `json:"challenge"`
}

// Token is the browser-held session. The gateway never stores it server-side.
type Token struct {
	AccessToken    string    `json:"access_token"`
	RefreshTokenID string    `json:"refresh_token_id,omitempty"`
	TokenType      string    `json:"token_type,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	Expiry         time.Time `json:"expiry,omitzero"`
}

// Profile is display data for pages.
//
// It is readable by page scripts and can be edited by the user. It is never used
// for an authorization decision; only the access token in Token governs access.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// Config controls cookie attributes.
type Config struct {
	// Secure marks cookies as HTTPS-only. Enable whenever the gateway is served over TLS.
	Secure bool

	// Domain is the cookie domain. Empty means host-only.
	Domain string

	// Path defaults to "/"
	Path string

	// SameSite defaults to http.SameSiteLaxMode, which lets the cookies ride along on
	// the top-level redirect back from the provider.
	SameSite http.SameSite
}

// Codec encodes and decodes the three session cookies.
type Codec struct {
	config Config
}

// NewCodec returns a Codec with defaults applied.
func NewCodec(config Config) *Codec {
	if config.Path == "" {
		config.Path = "/"
	}
	if config.SameSite == 0 {
		config.SameSite = http.SameSiteLaxMode
	}
	return &Codec{config: config}
}

// cookie builds a session cookie: no Expires or MaxAge so it ends with the browser session.
func (c *Codec) cookie(name, value string, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.config.Path,
		Domain:   c.config.Domain,
		Secure:   c.config.Secure,
		HttpOnly: httpOnly,
		SameSite: c.config.SameSite,
	}
}

func encodeValue(v any) string {
	// The types encoded here contain only strings and times; Marshal cannot fail.
	b, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeValue(r *http.Request, name string, v any) bool {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" || len(c.Value) > maxCookieValue {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// EncodePending returns the script-inaccessible pending authorization cookie.
func (c *Codec) EncodePending(p PendingAuthorization) *http.Cookie {
	return c.cookie(PendingCookieName, encodeValue(p), true)
}

// DecodePending reads the pending authorization cookie. Absent, malformed or
// internally inconsistent cookies yield false.
func (c *Codec) DecodePending(r *http.Request) (PendingAuthorization, bool) {
	var p PendingAuthorization
	if !decodeValue(r, PendingCookieName, &p) {
		return PendingAuthorization{}, false
	}
	if p.State == "" || security.ValidateVerifier(p.Verifier) != nil || !security.VerifyChallenge(p.Verifier, p.Challenge) {
		return PendingAuthorization{}, false
	}
	return p, true
}

// ClearPending returns a cookie that removes the pending authorization.
func (c *Codec) ClearPending() *http.Cookie {
	return c.expired(PendingCookieName, true)
}

// EncodeSession returns the script-inaccessible session token cookie.
func (c *Codec) EncodeSession(t Token) *http.Cookie {
	return c.cookie(TokenCookieName, encodeValue(t), true)
}

// DecodeSession reads the session token cookie. A cookie without an access token yields false.
func (c *Codec) DecodeSession(r *http.Request) (Token, bool) {
	var t Token
	if !decodeValue(r, TokenCookieName, &t) || t.AccessToken == "" {
		return Token{}, false
	}
	return t, true
}

// EncodeProfile returns the display profile cookie. It is readable by page scripts.
func (c *Codec) EncodeProfile(p Profile) *http.Cookie {
	return c.cookie(ProfileCookieName, encodeValue(p), false)
}

// DecodeProfile reads the display profile cookie.
func (c *Codec) DecodeProfile(r *http.Request) (Profile, bool) {
	var p Profile
	if !decodeValue(r, ProfileCookieName, &p) {
		return Profile{}, false
	}
	return p, true
}

// ClearAll returns cookies that remove all three session cookies.
func (c *Codec) ClearAll() []*http.Cookie {
	return []*http.Cookie{
		c.expired(PendingCookieName, true),
		c.expired(TokenCookieName, true),
		c.expired(ProfileCookieName, false),
	}
}

func (c *Codec) expired(name string, httpOnly bool) *http.Cookie {
	ck := c.cookie(name, "", httpOnly)
	ck.MaxAge = -1
	ck.Expires = time.Unix(0, 0)
	return ck
}
