package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never record access tokens, refresh tokens, authorization codes,
// PKCE verifiers or state values in traces. Only record metadata such as presence
// flags, key ids and validation results.
const (
	AttrClientID       = "gateway.client_id"
	AttrApplicationID  = "gateway.application_id"
	AttrUserID         = "gateway.user_id"
	AttrPKCEMethod     = "gateway.pkce.method"
	AttrStatePresent   = "gateway.state.present"
	AttrCodePresent    = "gateway.code.present"
	AttrCookiePresent  = "gateway.cookie.present"
	AttrKeyID          = "gateway.token.kid"
	AttrTokenValid     = "gateway.token.valid" //nolint:gosec // boolean flag, not a credential
	AttrActiveSessions = "gateway.admission.active_sessions"
	AttrMaxSessions    = "gateway.admission.max_sessions"
	AttrAdmitted       = "gateway.admission.allowed"
	AttrError          = "gateway.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddAdmissionAttributes adds the admission decision inputs to a span (nil-safe)
func AddAdmissionAttributes(span trace.Span, applicationID string, activeSessions, maxSessions int, allowed bool) {
	if applicationID != "" {
		SetSpanAttributes(span, attribute.String(AttrApplicationID, applicationID))
	}
	SetSpanAttributes(span,
		attribute.Int(AttrActiveSessions, activeSessions),
		attribute.Int(AttrMaxSessions, maxSessions),
		attribute.Bool(AttrAdmitted, allowed),
	)
}
