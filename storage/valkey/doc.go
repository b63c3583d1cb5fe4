// Package valkey provides a Valkey-backed storage.KeySetCache.
//
// Valkey is wire-compatible with Redis. Sharing the cache lets several gateway replicas
// fetch the provider's JWKS once per TTL instead of once each. Only public key material
// is stored; sessions stay in browser cookies.
//
// # Key Schema
//
//	{prefix}jwks:{issuer} -> raw JWKS JSON (with PX expiry)
//
// # Configuration
//
//	cache, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "session-gateway:",
//	})
//
// With TLS:
//
//	cache, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
