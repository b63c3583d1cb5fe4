// Package fusionauth implements providers.Provider for FusionAuth.
//
// Endpoints used:
//
//	GET    /oauth2/authorize              browser redirect (PKCE S256, scope offline_access)
//	POST   /oauth2/token                  code exchange, client secret in the form body
//	GET    /api/user                      user lookup, access token as Bearer
//	GET    /api/jwt/refresh?userId={id}   refresh token listing, API key
//	DELETE /api/jwt/refresh/{id}          refresh token revocation, API key
//	GET    /oauth2/logout?client_id={id}  browser redirect
//	GET    /.well-known/jwks.json         signing keys
//
// FusionAuth expects the raw API key in the Authorization header, without a scheme.
package fusionauth
