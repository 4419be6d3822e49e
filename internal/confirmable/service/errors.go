package service

import (
	"errors"
	"fmt"
	"time"

	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/confirmable/expiry"
)

// Sentinel errors for the confirmation service; the HTTP handler maps them to status codes.
// Recoverable outcomes are returned as *FieldError values that wrap one of these.
var (
	ErrAlreadyConfirmed   = errors.New("already confirmed")
	ErrTokenExpired       = errors.New("confirmation token expired")
	ErrTokenInvalid       = errors.New("confirmation token invalid")
	ErrNotFound           = errors.New("identity not found")
	ErrValidationFailed   = errors.New("validation failed")
	ErrMissingRequiredKey = errors.New("missing required key")
	// ErrNotificationFailed wraps gateway errors raised after the state change was committed.
	ErrNotificationFailed = errors.New("notification delivery failed")
)

// User-facing messages. None of them include the phone number or token.
const (
	msgAlreadyConfirmed = "was already confirmed, please try signing in"
	msgInvalid          = "is invalid"
	msgNotFound         = "not found"
	msgBlank            = "can't be blank"
	msgTaken            = "has already been taken"
)

// FieldError is a recoverable, field-level failure. errors.Is matches the sentinel for its Kind.
type FieldError struct {
	Field   string
	Kind    domain.ErrorKind
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + " " + e.Message
}

// Unwrap returns the sentinel for e.Kind.
func (e *FieldError) Unwrap() error {
	return sentinelFor(e.Kind)
}

func sentinelFor(kind domain.ErrorKind) error {
	switch kind {
	case domain.KindAlreadyConfirmed:
		return ErrAlreadyConfirmed
	case domain.KindTokenExpired:
		return ErrTokenExpired
	case domain.KindTokenInvalid:
		return ErrTokenInvalid
	case domain.KindNotFound:
		return ErrNotFound
	case domain.KindMissingRequiredKey:
		return ErrMissingRequiredKey
	case domain.KindValidationFailed, domain.KindTaken:
		return ErrValidationFailed
	}
	return nil
}

// reject records the failure on i and returns it as a *FieldError.
func reject(i *domain.Identity, field string, kind domain.ErrorKind, message string) *FieldError {
	i.Errors.Add(field, kind, message)
	return &FieldError{Field: field, Kind: kind, Message: message}
}

// firstError converts the first recorded field error on i, or nil.
func firstError(i *domain.Identity) error {
	if i == nil || i.Errors.Empty() {
		return nil
	}
	fe := i.Errors[0]
	return &FieldError{Field: fe.Field, Kind: fe.Kind, Message: fe.Message}
}

func expiredMessage(w expiry.Window) string {
	return fmt.Sprintf("needs to be confirmed within %s, please request a new one", period(w))
}

// period renders w for humans, e.g. "3 days" or "15m0s".
func period(w expiry.Window) string {
	d := w.Duration()
	if !w.Bounded() {
		return w.String()
	}
	const day = 24 * time.Hour
	if d >= day && d%day == 0 {
		n := d / day
		if n == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", n)
	}
	return d.String()
}

func wrapNotification(err error) error {
	return fmt.Errorf("%w: %w", ErrNotificationFailed, err)
}
