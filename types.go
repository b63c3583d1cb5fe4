package gateway

import "github.com/giantswarm/session-gateway/admission"

// LoginSuccessEventType is the provider event the login webhook answers
const LoginSuccessEventType = "user.login.success"

// WebhookRequest is the body the provider posts to the login webhook
type WebhookRequest struct {
	Event WebhookEvent `json:"event"`
}

// WebhookEvent is the provider's login event. Only the fields the gateway reads are decoded.
type WebhookEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	ApplicationID string `json:"applicationId"`
	CreateInstant int64  `json:"createInstant,omitempty"`
	IPAddress     string `json:"ipAddress,omitempty"`
	User          struct {
		ID    string `json:"id"`
		Email string `json:"email,omitempty"`
	} `json:"user"`
}

// LoginEvent converts the event to the admission controller's input
func (e WebhookEvent) LoginEvent() admission.LoginEvent {
	return admission.LoginEvent{
		ID:            e.ID,
		Type:          e.Type,
		ApplicationID: e.ApplicationID,
		UserID:        e.User.ID,
	}
}

// WebhookResponse answers the login webhook. A 2xx status with Message allows the
// login; any other status blocks it and Error is shown to the user.
type WebhookResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is the JSON body of an error answer
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status string `json:"status"`
}
