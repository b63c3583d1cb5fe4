package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the gateway
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Login Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	StateMismatch        metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenValidations     metric.Int64Counter
	LogoutsCompleted     metric.Int64Counter

	// Admission Metrics
	AdmissionDecisions   metric.Int64Counter
	ActiveSessionsSeen   metric.Int64Histogram
	RateLimitExceeded    metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter
	WebhookAuthFailures  metric.Int64Counter
	KeySetLookups        metric.Int64Counter
	KeySetFetchDuration  metric.Float64Histogram
	ProviderAPICalls     metric.Int64Counter
	ProviderAPIDuration  metric.Float64Histogram
	ProviderAPIErrors    metric.Int64Counter
	StorageOperations    metric.Int64Counter
	StorageOperationTime metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	gatewayMeter := inst.Meter("gateway")
	securityMeter := inst.Meter("security")
	providerMeter := inst.Meter("provider")
	storageMeter := inst.Meter("storage")

	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"gateway.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"gateway.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = gatewayMeter.Int64Counter(
		"gateway.authorization.started",
		metric.WithDescription("Number of pending authorizations created"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = gatewayMeter.Int64Counter(
		"gateway.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.StateMismatch, err = securityMeter.Int64Counter(
		"gateway.state.mismatch",
		metric.WithDescription("Number of callbacks rejected because the state did not match"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.mismatch counter: %w", err)
	}

	m.CodeExchanged, err = gatewayMeter.Int64Counter(
		"gateway.code.exchanged",
		metric.WithDescription("Number of authorization code exchanges"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenValidations, err = gatewayMeter.Int64Counter(
		"gateway.token.validations",
		metric.WithDescription("Number of access token validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validations counter: %w", err)
	}

	m.LogoutsCompleted, err = gatewayMeter.Int64Counter(
		"gateway.logout.completed",
		metric.WithDescription("Number of completed logouts"),
		metric.WithUnit("{logout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout.completed counter: %w", err)
	}

	m.AdmissionDecisions, err = gatewayMeter.Int64Counter(
		"gateway.admission.decisions",
		metric.WithDescription("Number of login admission decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission.decisions counter: %w", err)
	}

	m.ActiveSessionsSeen, err = gatewayMeter.Int64Histogram(
		"gateway.admission.active_sessions",
		metric.WithDescription("Active session count observed at login time"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission.active_sessions histogram: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"gateway.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"gateway.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.WebhookAuthFailures, err = securityMeter.Int64Counter(
		"gateway.webhook.auth_failures",
		metric.WithDescription("Number of webhook calls rejected for a bad shared secret"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook.auth_failures counter: %w", err)
	}

	m.KeySetLookups, err = securityMeter.Int64Counter(
		"gateway.keyset.lookups",
		metric.WithDescription("Number of signing key set lookups by source"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyset.lookups counter: %w", err)
	}

	m.KeySetFetchDuration, err = securityMeter.Float64Histogram(
		"gateway.keyset.fetch.duration",
		metric.WithDescription("JWKS fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyset.fetch.duration histogram: %w", err)
	}

	m.ProviderAPICalls, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total number of provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	m.StorageOperations, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of key set cache operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationTime, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Key set cache operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records a newly minted pending authorization
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context) {
	m.AuthorizationStarted.Add(ctx, 1)
}

// RecordCallbackProcessed records a provider callback outcome.
// outcome is one of "success", "state_mismatch", "provider_error", "exchange_failed",
// "user_lookup_failed" or "upstream_unavailable".
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, outcome string) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("success", outcome == "success"),
	))
}

// RecordStateMismatch records a callback whose state did not match the pending cookie
func (m *Metrics) RecordStateMismatch(ctx context.Context, cookiePresent bool) {
	m.StateMismatch.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("cookie_present", cookiePresent),
	))
}

// RecordCodeExchange records an authorization code exchange attempt
func (m *Metrics) RecordCodeExchange(ctx context.Context, pkceMethod string, success bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkce_method", pkceMethod),
		attribute.Bool("success", success),
	))
}

// RecordTokenValidation records the result of an access token validation
func (m *Metrics) RecordTokenValidation(ctx context.Context, valid bool) {
	m.TokenValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
	))
}

// RecordLogout records a logout and whether the refresh token revocation succeeded
func (m *Metrics) RecordLogout(ctx context.Context, revoked bool) {
	m.LogoutsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("revoked", revoked),
	))
}

// RecordAdmissionDecision records an admission decision and the session count it was based on
func (m *Metrics) RecordAdmissionDecision(ctx context.Context, allowed bool, activeSessions int) {
	m.AdmissionDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
	))
	m.ActiveSessionsSeen.Record(ctx, int64(activeSessions))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordWebhookAuthFailure records a webhook call with a bad or missing secret
func (m *Metrics) RecordWebhookAuthFailure(ctx context.Context) {
	m.WebhookAuthFailures.Add(ctx, 1)
}

// RecordKeySetLookup records where a key set was served from ("cache", "remote", "refresh", "refresh_throttled").
func (m *Metrics) RecordKeySetLookup(ctx context.Context, source string) {
	m.KeySetLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}

// RecordKeySetFetch records the duration of a JWKS fetch
func (m *Metrics) RecordKeySetFetch(ctx context.Context, durationMs float64, err error) {
	m.KeySetFetchDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.Bool("success", err == nil),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	m.ProviderAPICalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "transport"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordStorageOperation records a key set cache operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationTime.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}
