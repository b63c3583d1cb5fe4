package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/security"
)

// Routes returns the gateway's router. Browser routes are rate limited per client
// IP when rate limiting is enabled. The login webhook, /healthz and /metrics are not.
// All webhook calls come from the provider's address and any non-2xx answer
// blocks the login; the webhook is guarded by the shared secret.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.instrument)

	r.Get(PathHealth, h.ServeHealth)
	r.Post(PathLoginWebhook, h.ServeLoginWebhook)
	if inst := h.gateway.Instrumentation; inst != nil {
		if metrics := inst.MetricsHandler(); metrics != nil {
			r.Handle(PathMetrics, metrics)
		}
	}

	r.Group(func(r chi.Router) {
		if h.rateLimiter != nil {
			r.Use(h.rateLimiter.Middleware(h.clientIP, h.rateLimited))
		}

		r.Get(PathHome, h.ServeHome)
		r.Get(PathLogin, h.ServeLogin)
		r.Get(PathCallback, h.ServeCallback)
		r.Get(PathAccount, h.ServeAccount)
		r.Get(PathLogout, h.ServeLogout)
		r.Get(PathLogoutCallback, h.ServeLogoutCallback)
	})

	return r
}

// instrument records a span and the HTTP request metrics for every request.
// The route pattern is only known once chi has routed the request.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inst := h.gateway.Instrumentation
		if inst == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx, span := inst.Tracer("http").Start(r.Context(), "gateway.http "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String(instrumentation.AttrHTTPMethod, r.Method)))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		endpoint := "unmatched"
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}

		span.SetName("gateway.http " + r.Method + " " + endpoint)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
			attribute.Int(instrumentation.AttrHTTPStatusCode, status),
		)
		if status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(status))
		}
		inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status, float64(time.Since(start).Milliseconds()))
	})
}
