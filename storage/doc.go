// Package storage defines the signing key set cache used by token verification.
//
// The gateway keeps no session state on the server. The only thing worth caching is
// the provider's JWKS document, so token validation does not cost a network round
// trip per request. Implementations are provided in subpackages:
//   - storage/memory: process-local cache with a background cleanup loop
//   - storage/valkey: shared cache for several gateway replicas
package storage
