package telemetry

import (
	"context"
	"time"
)

// Confirmation lifecycle event types.
const (
	EventConfirmationRequested = "sms_confirmation.requested"
	EventConfirmed             = "sms_confirmation.confirmed"
	EventConfirmFailed         = "sms_confirmation.confirm_failed"
	EventPhoneChangeRequested  = "sms_confirmation.phone_change_requested"
	EventNotificationFailed    = "sms_confirmation.notification_failed"
)

// Event is one confirmation lifecycle event. It never carries phone numbers or raw tokens.
type Event struct {
	Type       string
	Class      string
	IdentityID string
	// Reason is the error kind for failure events.
	Reason     string
	OccurredAt time.Time
}

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
