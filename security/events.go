package security

// Audit event types.
const (
	// Login flow

	// EventLoginStarted is logged when a pending authorization cookie is issued
	EventLoginStarted = "login_started"

	// EventStateMismatch is logged when a callback state does not match the pending cookie.
	// Possible CSRF or replay of a stale callback.
	EventStateMismatch = "state_mismatch"

	// EventProviderCallbackError is logged when the provider redirects back with an error parameter
	EventProviderCallbackError = "provider_callback_error"

	// EventCodeExchangeFailed is logged when the provider rejects the code or verifier
	EventCodeExchangeFailed = "code_exchange_failed"

	// EventUserLookupFailed is logged when the user lookup after a successful exchange fails
	EventUserLookupFailed = "user_lookup_failed"

	// EventLoginCompleted is logged when session cookies are issued
	EventLoginCompleted = "login_completed"

	// EventSessionInvalid is logged when a stored access token fails validation
	EventSessionInvalid = "session_invalid"

	// Logout

	// EventLogout is logged when a browser completes the post-logout callback
	EventLogout = "logout"

	// EventRefreshTokenRevoked is logged when the provider-side refresh token is revoked
	EventRefreshTokenRevoked = "refresh_token_revoked" //nolint:gosec // event name, not a credential

	// EventRevocationFailed is logged when revocation fails; cookies are still cleared
	EventRevocationFailed = "refresh_token_revocation_failed"

	// EventForeignRefreshToken is logged when a logout names a refresh token that
	// does not belong to the session's user
	EventForeignRefreshToken = "foreign_refresh_token" //nolint:gosec // event name, not a credential

	// Admission webhook

	// EventLoginAdmitted is logged when the webhook allows a login
	EventLoginAdmitted = "login_admitted"

	// EventLoginDenied is logged when the webhook blocks a login for exceeding the device limit
	EventLoginDenied = "login_denied"

	// EventWebhookAuthFailure is logged when a webhook call carries a wrong or missing secret
	EventWebhookAuthFailure = "webhook_auth_failure"

	// Abuse

	// EventRateLimitExceeded is logged when a client exceeds the request rate
	EventRateLimitExceeded = "rate_limit_exceeded"
)
