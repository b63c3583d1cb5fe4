package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events to a structured log. User ids are hashed so the
// audit stream can be correlated without holding PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates an auditor. A disabled auditor drops every event.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event is a single audit record.
type Event struct {
	Type          string
	UserID        string
	ApplicationID string
	IPAddress     string
	RequestID     string
	Details       map[string]any
}

// LogEvent writes event. Safe to call on a nil Auditor.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []any{
		"event_type", event.Type,
		"user_id_hash", HashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"timestamp", a.now().UTC(),
	}
	if event.ApplicationID != "" {
		attrs = append(attrs, "application_id", event.ApplicationID)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	if isWarningEvent(event.Type) {
		a.logger.Warn("security_audit", attrs...)
		return
	}
	a.logger.Info("security_audit", attrs...)
}

// LogStateMismatch records a rejected callback
func (a *Auditor) LogStateMismatch(ipAddress, requestID string, cookiePresent bool) {
	a.LogEvent(Event{
		Type:      EventStateMismatch,
		IPAddress: ipAddress,
		RequestID: requestID,
		Details:   map[string]any{"cookie_present": cookiePresent},
	})
}

// LogLoginCompleted records an issued session
func (a *Auditor) LogLoginCompleted(userID, ipAddress, requestID string) {
	a.LogEvent(Event{
		Type:      EventLoginCompleted,
		UserID:    userID,
		IPAddress: ipAddress,
		RequestID: requestID,
	})
}

// LogAdmission records a webhook decision
func (a *Auditor) LogAdmission(userID, applicationID string, allowed bool, count, max int) {
	eventType := EventLoginAdmitted
	if !allowed {
		eventType = EventLoginDenied
	}
	a.LogEvent(Event{
		Type:          eventType,
		UserID:        userID,
		ApplicationID: applicationID,
		Details: map[string]any{
			"active_sessions": count,
			"max_sessions":    max,
		},
	})
}

// LogRateLimitExceeded records a throttled request
func (a *Auditor) LogRateLimitExceeded(ipAddress, path string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"path": path},
	})
}

func isWarningEvent(eventType string) bool {
	switch eventType {
	case EventStateMismatch, EventCodeExchangeFailed, EventWebhookAuthFailure,
		EventRateLimitExceeded, EventRevocationFailed, EventLoginDenied:
		return true
	}
	return false
}

// HashForLogging returns a short, stable SHA-256 prefix of a sensitive value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
