// Package notify defines the outbound SMS notification contract used by the confirmation service.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies which message is being sent.
type Kind string

const (
	// KindConfirmationRequested carries a confirmation token to the phone being verified.
	KindConfirmationRequested Kind = "confirmation_instructions"
	// KindPhoneChanged tells the previously confirmed phone that a change was requested. No token.
	KindPhoneChanged Kind = "phone_changed"
)

// Message is one outbound SMS.
type Message struct {
	Kind       Kind
	To         string
	Token      string // empty for KindPhoneChanged
	IdentityID string
	Class      string
	Sender     string // optional sender ID
}

// Gateway delivers messages. Implementations own retries; callers do not retry.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f GatewayFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Multi sends to every gateway in order and returns the joined errors.
type Multi []Gateway

// Send delivers msg to all gateways, continuing past failures.
func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, g := range m {
		if g == nil {
			continue
		}
		if err := g.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Render returns the SMS body for msg.
func Render(msg Message) string {
	switch msg.Kind {
	case KindConfirmationRequested:
		return fmt.Sprintf("Your confirmation code is %s", msg.Token)
	case KindPhoneChanged:
		return "A request was made to change the phone number on your account. If this wasn't you, contact support."
	default:
		return ""
	}
}
