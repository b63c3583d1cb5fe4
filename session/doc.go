// Package session holds the browser-side session state of the gateway.
//
// Three cookies carry everything; nothing is stored on the server:
//
//   - userSession: the PendingAuthorization (state, PKCE verifier and challenge) between
//     the first visit and the provider callback. HttpOnly.
//   - userToken: the Token (access token and refresh token id) after login. HttpOnly.
//   - userDetails: the Profile shown on pages. Script-readable and untrusted.
//
// Values are JSON encoded as unpadded base64url. Decoding never fails loudly; a
// missing or malformed cookie is reported as absent and the caller treats the
// browser as anonymous.
package session
