// Package gateway signs browsers in to a FusionAuth application and limits how many
// devices a user may be signed in on at once.
//
// The browser flow is the OAuth 2.0 authorization code grant with PKCE (S256). All
// per-browser state is held in three cookies: the pending authorization, the session
// token and an untrusted display profile. The gateway keeps no server-side sessions.
//
// The provider calls the gateway's login webhook before it issues tokens. The
// gateway counts the user's live refresh tokens for the application and blocks the
// login once the configured ceiling is reached.
//
// Basic usage:
//
//	gw, err := gateway.New(provider, validator, gateway.Config{ApplicationID: clientID})
//	if err != nil {
//		return err
//	}
//	h := gateway.NewHandler(gw, logger)
//	defer h.Stop()
//	http.ListenAndServe(":8080", h.Routes())
package gateway
