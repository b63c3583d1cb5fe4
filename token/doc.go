// Package token verifies access tokens issued by the identity provider.
//
// A Validator parses the JWT header for its key id, asks a KeySource for the
// provider's signing keys, verifies the signature and checks exp (plus iss and aud
// when configured). Any failure is reported as ErrInvalidToken.
//
// RemoteKeySource fetches the JWKS on every call. CachingKeySource keeps the document
// in a storage.KeySetCache keyed by issuer and refetches once when a token names an
// unknown key id, so key rotation does not lock users out for a whole TTL.
package token
