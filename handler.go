package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/giantswarm/session-gateway/admission"
	"github.com/giantswarm/session-gateway/security"
	"github.com/giantswarm/session-gateway/session"
	"github.com/giantswarm/session-gateway/token"
)

// Routes served by the gateway
const (
	PathHome           = "/"
	PathLogin          = "/login"
	PathCallback       = "/oauth-redirect"
	PathAccount        = "/account"
	PathLogout         = "/logout"
	PathLogoutCallback = "/oauth2/logout"
	PathLoginWebhook   = "/user-login-success"
	PathHealth         = "/healthz"
	PathMetrics        = "/metrics"
)

// maxWebhookBody bounds the webhook request body
const maxWebhookBody = 64 << 10

// Callback outcomes recorded in metrics
const (
	outcomeSuccess       = "success"
	outcomeStateMismatch = "state_mismatch"
	outcomeProviderError = "provider_error"
)

// Handler is a thin HTTP adapter for the Gateway.
// It maps requests and cookies to Gateway calls and Gateway results to responses.
type Handler struct {
	gateway     *Gateway
	codec       *session.Codec
	pages       PageRenderer
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. Call Stop when done to release the rate limiter.
func NewHandler(gateway *Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = gateway.logger
	}

	h := &Handler{
		gateway: gateway,
		codec:   gateway.Codec(),
		pages:   gateway.config.Pages,
		logger:  logger,
	}

	rl := gateway.config.RateLimit
	if !rl.Disabled && rl.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(rl.Rate, rl.Burst, rl.MaxEntries, logger)
	}
	return h
}

// Stop releases background resources
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

func (h *Handler) https() bool {
	return h.gateway.config.Security.HTTPS
}

func (h *Handler) clientIP(r *http.Request) string {
	rl := h.gateway.config.RateLimit
	return security.ClientIP(r, rl.TrustProxy, rl.TrustedProxyCount)
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return security.LoggerWithRequestID(r.Context(), h.logger)
}

// ServeHome sends an authenticated browser to its account and otherwise starts a
// new pending authorization.
func (h *Handler) ServeHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if t, ok := h.codec.DecodeSession(r); ok {
		if _, err := h.gateway.Authenticate(ctx, t); err == nil {
			h.redirect(w, r, PathAccount)
			return
		}
	}

	pending, err := h.gateway.StartAuthorization()
	if err != nil {
		h.requestLogger(r).Error("Failed to start authorization", "error", err)
		h.writeError(w, NewGatewayError(ErrorCodeServerError, "Failed to start login", http.StatusInternalServerError))
		return
	}

	http.SetCookie(w, h.codec.EncodePending(pending))
	h.gateway.auditor.LogEvent(security.Event{
		Type:      security.EventLoginStarted,
		IPAddress: h.clientIP(r),
		RequestID: security.RequestIDFromContext(ctx),
	})
	if inst := h.gateway.Instrumentation; inst != nil {
		inst.Metrics().RecordAuthorizationStarted(ctx)
	}

	h.renderPage(w, r, PageHome, PageData{LoginPath: PathLogin})
}

// ServeLogin redirects to the provider's authorize endpoint with the pending state
// and challenge. Without a pending authorization the browser goes back home to get one.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	pending, ok := h.codec.DecodePending(r)
	if !ok {
		h.redirect(w, r, PathHome)
		return
	}
	h.redirect(w, r, h.gateway.AuthorizationURL(pending))
}

// ServeCallback completes the login when the provider redirects back.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)
	q := r.URL.Query()
	ip := h.clientIP(r)
	requestID := security.RequestIDFromContext(ctx)

	// The pending authorization is single use whatever happens next.
	http.SetCookie(w, h.codec.ClearPending())

	if errParam := q.Get("error"); errParam != "" {
		logger.Warn("Provider returned error", "error", errParam, "description", q.Get("error_description"))
		h.gateway.auditor.LogEvent(security.Event{
			Type:      security.EventProviderCallbackError,
			IPAddress: ip,
			RequestID: requestID,
			Details:   map[string]any{"error": errParam},
		})
		h.recordCallback(ctx, outcomeProviderError)
		h.redirect(w, r, PathHome)
		return
	}

	pending, present := h.codec.DecodePending(r)
	result, err := h.gateway.CompleteLogin(ctx, pending, q.Get("state"), q.Get("code"))
	if err != nil {
		if errors.Is(err, ErrStateMismatch) || errors.Is(err, ErrMissingCode) {
			logger.Warn("Rejected callback", "reason", err, "cookie_present", present)
			h.gateway.auditor.LogStateMismatch(ip, requestID, present)
			if inst := h.gateway.Instrumentation; inst != nil {
				inst.Metrics().RecordStateMismatch(ctx, present)
			}
			h.recordCallback(ctx, outcomeStateMismatch)
			h.redirect(w, r, PathHome)
			return
		}

		gwErr := toGatewayError(err)
		logger.Error("Login failed", "error", err, "code", gwErr.Code)
		eventType := security.EventCodeExchangeFailed
		if gwErr.Code == ErrorCodeUserLookupFailed {
			eventType = security.EventUserLookupFailed
		}
		h.gateway.auditor.LogEvent(security.Event{Type: eventType, IPAddress: ip, RequestID: requestID})
		h.recordCallback(ctx, gwErr.Code)
		h.writeError(w, gwErr)
		return
	}

	http.SetCookie(w, h.codec.EncodeSession(result.Token))
	http.SetCookie(w, h.codec.EncodeProfile(result.Profile))
	h.gateway.auditor.LogLoginCompleted(result.Token.UserID, ip, requestID)
	h.recordCallback(ctx, outcomeSuccess)
	h.redirect(w, r, PathAccount)
}

// ServeAccount renders the protected account page. Anything short of a valid
// access token sends the browser home.
func (h *Handler) ServeAccount(w http.ResponseWriter, r *http.Request) {
	t, _ := h.codec.DecodeSession(r)
	if _, err := h.gateway.Authenticate(r.Context(), t); err != nil {
		if errors.Is(err, token.ErrKeySetUnavailable) {
			h.requestLogger(r).Error("Cannot verify session, signing keys unavailable", "error", err)
			h.writeError(w, NewGatewayError(ErrorCodeUpstreamUnavailable,
				"The identity provider is unavailable. Please try again later.", http.StatusServiceUnavailable))
			return
		}
		if !errors.Is(err, ErrNoSession) {
			h.requestLogger(r).Info("Session token rejected", "error", err)
			h.gateway.auditor.LogEvent(security.Event{
				Type:      security.EventSessionInvalid,
				IPAddress: h.clientIP(r),
				RequestID: security.RequestIDFromContext(r.Context()),
			})
		}
		h.redirect(w, r, PathHome)
		return
	}

	data := PageData{LogoutPath: PathLogout}
	if profile, ok := h.codec.DecodeProfile(r); ok {
		data.Profile = &profile
	}
	h.renderPage(w, r, PageAccount, data)
}

// ServeLogout sends the browser to the provider's logout endpoint, which ends the
// provider session and redirects back to PathLogoutCallback.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	h.redirect(w, r, h.gateway.LogoutURL())
}

// ServeLogoutCallback revokes the session's refresh token and clears all three
// cookies. Revocation is best effort and only touches the session's own token;
// the cookies are cleared either way.
func (h *Handler) ServeLogoutCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := h.clientIP(r)
	requestID := security.RequestIDFromContext(ctx)

	t, _ := h.codec.DecodeSession(r)
	revoked := false
	if err := h.gateway.Logout(ctx, t); errors.Is(err, ErrRefreshTokenNotOwned) {
		h.requestLogger(r).Warn("Refusing to revoke refresh token", "error", err)
		h.gateway.auditor.LogEvent(security.Event{
			Type:      security.EventForeignRefreshToken,
			UserID:    t.UserID,
			IPAddress: ip,
			RequestID: requestID,
		})
	} else if err != nil {
		h.requestLogger(r).Warn("Failed to revoke refresh token", "error", err)
		h.gateway.auditor.LogEvent(security.Event{
			Type:      security.EventRevocationFailed,
			UserID:    t.UserID,
			IPAddress: ip,
			RequestID: requestID,
		})
	} else if t.RefreshTokenID != "" {
		revoked = true
		h.gateway.auditor.LogEvent(security.Event{
			Type:      security.EventRefreshTokenRevoked,
			UserID:    t.UserID,
			IPAddress: ip,
			RequestID: requestID,
		})
	}

	for _, c := range h.codec.ClearAll() {
		http.SetCookie(w, c)
	}
	h.gateway.auditor.LogEvent(security.Event{Type: security.EventLogout, UserID: t.UserID, IPAddress: ip, RequestID: requestID})
	if inst := h.gateway.Instrumentation; inst != nil {
		inst.Metrics().RecordLogout(ctx, revoked)
	}
	h.redirect(w, r, PathHome)
}

// ServeLoginWebhook answers the provider's user.login.success event. 200 lets the
// login proceed; any other status makes the provider block it.
func (h *Handler) ServeLoginWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	if err := security.VerifyWebhookSecret(h.gateway.config.Security.WebhookSecretHash, r.Header.Get("Authorization")); err != nil {
		logger.Warn("Rejected webhook call", "error", err)
		h.gateway.auditor.LogEvent(security.Event{
			Type:      security.EventWebhookAuthFailure,
			IPAddress: h.clientIP(r),
			RequestID: security.RequestIDFromContext(ctx),
		})
		if inst := h.gateway.Instrumentation; inst != nil {
			inst.Metrics().RecordWebhookAuthFailure(ctx)
		}
		h.writeError(w, NewGatewayError(ErrorCodeUnauthorized, "Invalid webhook credentials", http.StatusUnauthorized))
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
		h.writeError(w, NewGatewayError(ErrorCodeInvalidRequest, "Malformed event", http.StatusBadRequest))
		return
	}

	if req.Event.Type != "" && req.Event.Type != LoginSuccessEventType {
		logger.Debug("Ignoring webhook event", "type", req.Event.Type)
		h.writeJSON(w, http.StatusOK, WebhookResponse{Message: admission.OtherApplicationReason})
		return
	}

	decision, err := h.gateway.EvaluateLogin(ctx, req.Event.LoginEvent())
	var denied *AdmissionDeniedError
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, WebhookResponse{Message: decision.Reason})
	case errors.As(err, &denied):
		h.writeJSON(w, http.StatusForbidden, WebhookResponse{Error: denied.Reason})
	case errors.Is(err, admission.ErrMissingUser):
		h.writeError(w, NewGatewayError(ErrorCodeInvalidRequest, "Event has no user", http.StatusBadRequest))
	default:
		logger.Error("Failed to evaluate login", "error", err)
		h.writeError(w, toGatewayError(err))
	}
}

// ServeHealth answers liveness checks
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)
	h.requestLogger(r).Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
	h.gateway.auditor.LogRateLimitExceeded(ip, r.URL.Path)
	if inst := h.gateway.Instrumentation; inst != nil {
		inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	w.Header().Set("Retry-After", "1")
	h.writeError(w, NewGatewayError(ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests))
}

func (h *Handler) recordCallback(ctx context.Context, outcome string) {
	if inst := h.gateway.Instrumentation; inst != nil {
		inst.Metrics().RecordCallbackProcessed(ctx, outcome)
	}
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string) {
	security.SetSecurityHeaders(w, h.https())
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, page Page, data PageData) {
	var buf bytes.Buffer
	if err := h.pages.Render(&buf, page, data); err != nil {
		h.requestLogger(r).Error("Failed to render page", "page", page, "error", err)
		h.writeError(w, NewGatewayError(ErrorCodeServerError, "Failed to render page", http.StatusInternalServerError))
		return
	}

	security.SetPageSecurityHeaders(w, h.https())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.https())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, err *GatewayError) {
	h.writeJSON(w, err.Status, ErrorResponse{
		Error:            err.Code,
		ErrorDescription: err.Description,
	})
}
