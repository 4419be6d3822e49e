package domain

import "strings"

// ErrorKind classifies a field-level error.
type ErrorKind string

const (
	KindAlreadyConfirmed   ErrorKind = "already_confirmed"
	KindTokenExpired       ErrorKind = "confirmation_period_expired"
	KindTokenInvalid       ErrorKind = "invalid"
	KindNotFound           ErrorKind = "not_found"
	KindValidationFailed   ErrorKind = "validation_failed"
	KindMissingRequiredKey ErrorKind = "blank"
	KindTaken              ErrorKind = "taken"
)

// Field names used in field errors.
const (
	FieldPhone = "phone"
	FieldToken = "sms_confirmation_token"
)

// FieldError is one error attached to a named field.
type FieldError struct {
	Field   string
	Kind    ErrorKind
	Message string
}

// FieldErrors is an ordered list of field errors.
type FieldErrors []FieldError

// Add appends an error for field.
func (e *FieldErrors) Add(field string, kind ErrorKind, message string) {
	*e = append(*e, FieldError{Field: field, Kind: kind, Message: message})
}

// Empty reports whether there are no errors.
func (e FieldErrors) Empty() bool {
	return len(e) == 0
}

// On returns the messages recorded for field.
func (e FieldErrors) On(field string) []string {
	var out []string
	for _, fe := range e {
		if fe.Field == field {
			out = append(out, fe.Message)
		}
	}
	return out
}

// Has reports whether field carries an error of the given kind.
func (e FieldErrors) Has(field string, kind ErrorKind) bool {
	for _, fe := range e {
		if fe.Field == field && fe.Kind == kind {
			return true
		}
	}
	return false
}

// Map groups messages by field, for rendering.
func (e FieldErrors) Map() map[string][]string {
	out := make(map[string][]string, len(e))
	for _, fe := range e {
		out[fe.Field] = append(out[fe.Field], fe.Message)
	}
	return out
}

func (e FieldErrors) String() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+" "+fe.Message)
	}
	return strings.Join(parts, "; ")
}
