package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/providers"
)

// DefaultMaxSessions is the device ceiling when none is configured
const DefaultMaxSessions = 2

// DefaultRefreshTokenTTL matches FusionAuth's default refresh token lifetime of 43200 minutes
const DefaultRefreshTokenTTL = 30 * 24 * time.Hour

const (
	// DenyReason is shown to the user by the provider when a login is blocked
	DenyReason = "You are logged in on too many devices at once. Please log out of one of your other devices and try again."

	// OtherApplicationReason answers login events for applications the gateway does not guard
	OtherApplicationReason = "Not a login event for this application."

	allowReasonFormat = "You are logged in on %d of %d devices."
)

var (
	// ErrMissingUser is returned for a login event without a user id
	ErrMissingUser = errors.New("login event has no user id")

	// ErrCountUnavailable wraps failures to read the user's refresh tokens
	ErrCountUnavailable = errors.New("active session count unavailable")
)

// RefreshTokenLister lists a user's refresh tokens at the provider.
// providers.Provider satisfies it.
type RefreshTokenLister interface {
	ListRefreshTokens(ctx context.Context, userID string) ([]providers.RefreshToken, error)
}

// Config configures a Controller.
type Config struct {
	// ApplicationID is the provider application whose logins are limited (required)
	ApplicationID string

	// MaxSessions is the inclusive device ceiling. Default: DefaultMaxSessions
	MaxSessions int

	// RefreshTokenTTL is the provider's refresh token lifetime. Tokens older than
	// it have expired and do not count, even before the provider cleans them up.
	// Default: DefaultRefreshTokenTTL. Negative counts every token returned.
	RefreshTokenTTL time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// LoginEvent is the part of the provider's user.login.success event the controller reads.
type LoginEvent struct {
	ID            string
	Type          string
	ApplicationID string
	UserID        string
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string

	// Count is the number of devices observed before this login
	Count int
	Max   int

	// Skipped is set when the event was for another application and nothing was counted
	Skipped bool
}

// Admit applies the device policy: deny iff count >= max.
func Admit(count, max int) Decision {
	if count >= max {
		return Decision{Allowed: false, Reason: DenyReason, Count: count, Max: max}
	}
	return Decision{
		Allowed: true,
		Reason:  fmt.Sprintf(allowReasonFormat, count+1, max),
		Count:   count,
		Max:     max,
	}
}

// Controller evaluates login events against the provider's live refresh tokens.
// It only reads provider state, so evaluating the same event twice gives the same answer.
type Controller struct {
	tokens        RefreshTokenLister
	applicationID string
	maxSessions   int
	ttl           time.Duration
	now           func() time.Time
	logger        *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewController creates a controller that counts sessions through tokens.
func NewController(tokens RefreshTokenLister, config Config) (*Controller, error) {
	if tokens == nil {
		return nil, errors.New("refresh token lister is required")
	}
	if config.ApplicationID == "" {
		return nil, errors.New("application ID is required")
	}
	if config.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must not be negative, got %d", config.MaxSessions)
	}
	if config.MaxSessions == 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Controller{
		tokens:        tokens,
		applicationID: config.ApplicationID,
		maxSessions:   config.MaxSessions,
		ttl:           config.RefreshTokenTTL,
		now:           config.Now,
		logger:        config.Logger,
	}, nil
}

// SetInstrumentation enables admission metrics and spans
func (c *Controller) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("admission")
	}
}

// MaxSessions returns the configured ceiling
func (c *Controller) MaxSessions() int {
	return c.maxSessions
}

// ApplicationID returns the guarded application
func (c *Controller) ApplicationID() string {
	return c.applicationID
}

// CountActiveSessions returns how many live refresh tokens userID holds for applicationID.
func (c *Controller) CountActiveSessions(ctx context.Context, userID, applicationID string) (int, error) {
	tokens, err := c.tokens.ListRefreshTokens(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCountUnavailable, err)
	}

	now := c.now()
	count := 0
	for _, t := range tokens {
		if t.ApplicationID != applicationID {
			continue
		}
		if c.ttl > 0 && !t.StartInstant.IsZero() && !now.Before(t.StartInstant.Add(c.ttl)) {
			continue
		}
		count++
	}
	return count, nil
}

// Evaluate decides a login event. Events for other applications are allowed without
// a lookup. A counting failure returns an error and no decision; callers must reject
// the login in that case.
func (c *Controller) Evaluate(ctx context.Context, event LoginEvent) (decision Decision, err error) {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "admission.evaluate", trace.WithAttributes(
			attribute.String(instrumentation.AttrApplicationID, event.ApplicationID),
		))
		defer func() {
			if err != nil {
				instrumentation.RecordError(span, err)
			} else {
				instrumentation.SetSpanSuccess(span)
			}
			span.End()
		}()
	}

	if event.ApplicationID != c.applicationID {
		c.logger.Debug("Ignoring login event for another application", "application_id", event.ApplicationID)
		return Decision{Allowed: true, Reason: OtherApplicationReason, Skipped: true}, nil
	}
	if event.UserID == "" {
		return Decision{}, ErrMissingUser
	}

	count, err := c.CountActiveSessions(ctx, event.UserID, event.ApplicationID)
	if err != nil {
		c.logger.Error("Failed to count active sessions", "event_id", event.ID, "error", err)
		return Decision{}, err
	}

	decision = Admit(count, c.maxSessions)
	c.logger.Info("Evaluated login",
		"event_id", event.ID,
		"active_sessions", count,
		"max_sessions", c.maxSessions,
		"allowed", decision.Allowed)

	instrumentation.AddAdmissionAttributes(span, event.ApplicationID, count, c.maxSessions, decision.Allowed)
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordAdmissionDecision(ctx, decision.Allowed, count)
	}
	return decision, nil
}
