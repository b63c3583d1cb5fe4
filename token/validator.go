package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// ErrInvalidToken is wrapped by every validation failure. Callers treat it as
// "unauthenticated", not as a server error.
var ErrInvalidToken = errors.New("invalid token")

// DefaultLeeway absorbs clock drift between the gateway and the provider
const DefaultLeeway = 5 * time.Second

var validMethods = []string{
	jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(), jwt.SigningMethodPS384.Alg(), jwt.SigningMethodPS512.Alg(),
	jwt.SigningMethodES256.Alg(), jwt.SigningMethodES384.Alg(), jwt.SigningMethodES512.Alg(),
}

// Config configures a Validator.
type Config struct {
	// Issuer, when set, must equal the token's iss claim
	Issuer string

	// Audience, when set, must be contained in the token's aud claim.
	// The provider sets aud to the OAuth client id.
	Audience string

	// Leeway defaults to DefaultLeeway. Negative disables leeway.
	Leeway time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Claims are the verified claims of an access token.
type Claims struct {
	Subject       string
	Issuer        string
	Audience      []string
	ApplicationID string
	Email         string
	Roles         []string
	SessionID     string
	KeyID         string
	ExpiresAt     time.Time
	IssuedAt      time.Time
}

type accessTokenClaims struct {
	jwt.RegisteredClaims
	ApplicationID string   `json:"applicationId,omitempty"`
	Email         string   `json:"email,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	SessionID     string   `json:"sid,omitempty"`
}

// Validator verifies provider-issued access tokens against the provider's key set.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	keys      KeySource
	parser    *jwt.Parser
	sigParser *jwt.Parser
	issuer    string
	audience  string
}

// NewValidator creates a validator that looks keys up in keys.
func NewValidator(keys KeySource, config Config) *Validator {
	leeway := config.Leeway
	if leeway == 0 {
		leeway = DefaultLeeway
	}
	if leeway < 0 {
		leeway = 0
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	if config.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(config.Now))
	}

	return &Validator{
		keys:      keys,
		parser:    jwt.NewParser(opts...),
		sigParser: jwt.NewParser(jwt.WithValidMethods(validMethods), jwt.WithoutClaimsValidation()),
		issuer:    config.Issuer,
		audience:  config.Audience,
	}
}

// Validate verifies the signature and expiry of raw and returns its claims.
// Every failure wraps ErrInvalidToken; fetch failures additionally wrap ErrKeySetUnavailable.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	return v.parse(ctx, v.parser, raw)
}

// VerifySignature checks that raw was signed by the provider for this gateway's
// issuer and audience, accepting expired tokens. It proves who a stale session
// belongs to, for example at logout. It never authenticates a request.
func (v *Validator) VerifySignature(ctx context.Context, raw string) (*Claims, error) {
	claims, err := v.parse(ctx, v.sigParser, raw)
	if err != nil {
		return nil, err
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, jwt.ErrTokenInvalidIssuer)
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, jwt.ErrTokenInvalidAudience)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Validator) parse(ctx context.Context, parser *jwt.Parser, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var kid string
	parsed, err := parser.ParseWithClaims(raw, &accessTokenClaims{}, func(t *jwt.Token) (any, error) {
		id, ok := t.Header["kid"].(string)
		if !ok || id == "" {
			return nil, errors.New("token header missing kid")
		}
		kid = id
		return v.lookupKey(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*accessTokenClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	claims := &Claims{
		Subject:       c.Subject,
		Issuer:        c.Issuer,
		Audience:      c.Audience,
		ApplicationID: c.ApplicationID,
		Email:         c.Email,
		Roles:         c.Roles,
		SessionID:     c.SessionID,
		KeyID:         kid,
	}
	if c.ExpiresAt != nil {
		claims.ExpiresAt = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time
	}
	return claims, nil
}

func (v *Validator) lookupKey(ctx context.Context, kid string) (any, error) {
	set, err := v.keys.KeySet(ctx)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		// The provider may have rotated keys since the set was cached.
		r, ok := v.keys.(Refresher)
		if !ok {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
		if set, err = r.Refresh(ctx); err != nil {
			return nil, err
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}
