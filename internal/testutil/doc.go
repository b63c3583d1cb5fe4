// Package testutil provides test fixtures for the session gateway: RSA signing keys
// published as JWKS, FusionAuth-shaped access tokens, and FakeFusionAuth, an httptest
// server implementing the provider endpoints the gateway calls.
package testutil
