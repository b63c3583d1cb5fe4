// Package providers defines the Provider interface the gateway uses to talk to its
// identity provider, and shared helpers for implementations.
//
// Implementations:
//   - providers/fusionauth: FusionAuth (authorization code + PKCE, user API, refresh token API)
//   - providers/mock: configurable test double
package providers
