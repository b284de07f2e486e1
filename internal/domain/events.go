package domain

import (
	"context"
	"time"
)

// SecurityEventType names the routing key suffix of a published security event.
type SecurityEventType string

const (
	EventLoginSucceeded SecurityEventType = "login_succeeded"
	EventLoginFailed    SecurityEventType = "login_failed"
	EventAccountLocked  SecurityEventType = "account_locked"
	EventIPBlocked      SecurityEventType = "ip_blocked"
	EventPinLocked      SecurityEventType = "pin_locked"
	EventPinReset       SecurityEventType = "pin_reset"
	EventSettingsUpdate SecurityEventType = "settings_updated"
)

// SecurityEvent is published to the security events exchange for audit consumers.
type SecurityEvent struct {
	ID         string            `json:"id"`
	Type       SecurityEventType `json:"type"`
	Username   string            `json:"username,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	LocationID string            `json:"location_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ActionAuthorizedEvent is dispatched to the queue data-access layer once a
// secure action has passed its permission and PIN checks.
type ActionAuthorizedEvent struct {
	Action       string         `json:"action"`
	UserID       string         `json:"user_id"`
	LocationID   string         `json:"location_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	AuthorizedAt time.Time      `json:"authorized_at"`
}

// SecurityEventSink receives security events. Implementations must not block the
// caller on delivery.
type SecurityEventSink interface {
	Emit(ctx context.Context, event SecurityEvent)
}

// NopEventSink drops every event.
type NopEventSink struct{}

func (NopEventSink) Emit(context.Context, SecurityEvent) {}
