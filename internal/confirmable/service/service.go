// Package service implements the SMS confirmation state machine: issuing, resending and consuming
// confirmation tokens, and postponing phone changes until the new number is confirmed.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/confirmable/expiry"
	"sms-confirmation/internal/confirmable/repository"
	"sms-confirmation/internal/notify"
	"sms-confirmation/internal/telemetry"
)

const tracerName = "sms-confirmation/confirmable"

// Policy is the confirmation configuration of one identity class.
type Policy struct {
	Class string
	// ConfirmWithin bounds how long a token stays valid. The zero value is unbounded.
	ConfirmWithin expiry.Window
	// Reconfirmable routes phone changes of identities that already have a phone through postponement.
	Reconfirmable bool
	// SendPhoneChangedNotification also notifies the previous phone when a change is postponed.
	SendPhoneChangedNotification bool
	// ConfirmationKeys are the lookup keys for SendConfirmationInstructions. Defaults to phone.
	ConfirmationKeys []string
	// AllowUnconfirmedAccessFor is how long an unconfirmed identity stays active after its token was sent.
	AllowUnconfirmedAccessFor expiry.Window
	// LegacyDigestLookup enables matching a caller-supplied value directly against stored digests.
	// Migration shim for tokens issued before digests were keyed; removable once those have expired.
	LegacyDigestLookup bool
	// Sender is the optional SMS sender ID carried on every message.
	Sender string
}

func (p Policy) keys() []string {
	if len(p.ConfirmationKeys) == 0 {
		return []string{repository.KeyPhone}
	}
	return p.ConfirmationKeys
}

// Options are single-use switches for one call. They never outlive the call.
type Options struct {
	// SkipNotification suppresses every SMS this call would send.
	SkipNotification bool
	// BypassPostpone writes a new phone directly even when the class is reconfirmable.
	BypassPostpone bool
	// SkipConfirmation marks a new identity confirmed at creation, with no token and no SMS.
	SkipConfirmation bool
	// EnsureValid re-validates the phone format before a confirmation is saved.
	EnsureValid bool
}

// TokenCodec mints raw tokens and digests them. *token.Codec implements it.
type TokenCodec interface {
	Generate() (raw, digest string, err error)
	Digest(raw string) string
	Matches(raw, digest string) bool
}

// Recorder receives operational counters. *metrics.Recorder implements it.
type Recorder interface {
	TokenIssued(class string)
	Confirmed(class string, reconfirmation bool)
	Rejected(class, operation string, kind domain.ErrorKind)
	NotificationSent(class string, kind notify.Kind, err error)
}

// AfterConfirmationFunc runs after a confirmation is durably saved. Its error is logged and never
// rolls the confirmation back.
type AfterConfirmationFunc func(ctx context.Context, i *domain.Identity) error

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEventEmitter sets the lifecycle event emitter.
func WithEventEmitter(e telemetry.EventEmitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithAfterConfirmation registers a hook run after each successful confirmation.
func WithAfterConfirmation(fn AfterConfirmationFunc) Option {
	return func(s *Service) { s.afterConfirm = fn }
}

// WithTracer overrides the OTel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithIDGenerator overrides uuid.NewString for new identities.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// Service is the confirmation state machine for one identity class. Safe for concurrent use;
// all per-identity state lives in the repository.
type Service struct {
	repo    repository.Repository
	gateway notify.Gateway
	codec   TokenCodec
	policy  Policy

	now          func() time.Time
	logger       *slog.Logger
	emitter      telemetry.EventEmitter
	metrics      Recorder
	afterConfirm AfterConfirmationFunc
	tracer       trace.Tracer
	newID        func() string
}

// NewService returns a Service for policy.Class.
func NewService(repo repository.Repository, gateway notify.Gateway, codec TokenCodec, policy Policy, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		gateway: gateway,
		codec:   codec,
		policy:  policy,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: nopRecorder{},
		tracer:  otel.Tracer(tracerName),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gateway == nil {
		s.gateway = notify.Multi{}
	}
	return s
}

// Policy returns the class policy the service was built with.
func (s *Service) Policy() Policy {
	return s.policy
}

// IsConfirmed reports whether i has been confirmed at least once.
func (s *Service) IsConfirmed(i *domain.Identity) bool {
	return i.IsConfirmed()
}

// IsPendingReconfirmation reports whether i is waiting to confirm a new phone.
func (s *Service) IsPendingReconfirmation(i *domain.Identity) bool {
	return s.policy.Reconfirmable && i.ReconfirmationRequired()
}

// ActiveForAuthentication reports whether i may sign in: confirmed, or still inside the
// unconfirmed access window measured from when its token was sent.
func (s *Service) ActiveForAuthentication(i *domain.Identity) bool {
	if i == nil {
		return false
	}
	return i.IsConfirmed() || s.policy.AllowUnconfirmedAccessFor.AllowsAccess(i.TokenIssuedAt, s.clock())
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// settled reports whether i is confirmed with no phone change outstanding.
func settled(i *domain.Identity) bool {
	return i.IsConfirmed() && !i.ReconfirmationRequired()
}

func (s *Service) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "confirmable."+op, trace.WithAttributes(
		attribute.String("identity.class", s.policy.Class),
	))
}

// fail records an infrastructure error on span and returns it unchanged.
func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// rejected reports a recoverable outcome to metrics, the span and telemetry.
func (s *Service) rejected(ctx context.Context, span trace.Span, op string, i *domain.Identity, fe *FieldError) *FieldError {
	s.metrics.Rejected(s.policy.Class, op, fe.Kind)
	span.SetAttributes(attribute.String("confirmable.rejected", string(fe.Kind)))
	if op == "confirm" {
		s.emit(ctx, telemetry.EventConfirmFailed, i, string(fe.Kind))
	}
	return fe
}

func (s *Service) emit(ctx context.Context, eventType string, i *domain.Identity, reason string) {
	ev := &telemetry.Event{
		Type:       eventType,
		Class:      s.policy.Class,
		Reason:     reason,
		OccurredAt: s.clock(),
	}
	if i != nil {
		ev.IdentityID = i.ID
	}
	telemetry.EmitAsync(s.emitter, ctx, ev)
}

// mint assigns a fresh token to i.
func (s *Service) mint(i *domain.Identity) error {
	raw, digest, err := s.codec.Generate()
	if err != nil {
		return err
	}
	i.AssignToken(raw, digest, s.clock())
	s.metrics.TokenIssued(s.policy.Class)
	return nil
}

// ensureToken reuses the outstanding token when this instance still holds it and it has not expired,
// and mints a new one otherwise. It reports whether a new token was minted.
func (s *Service) ensureToken(i *domain.Identity) (bool, error) {
	if i.HasOutstandingToken() && i.HeldToken() != "" && !s.policy.ConfirmWithin.IsExpired(i.TokenIssuedAt, s.clock()) {
		return false, nil
	}
	return true, s.mint(i)
}

// send delivers one message. Failures are logged and returned wrapped in ErrNotificationFailed.
func (s *Service) send(ctx context.Context, i *domain.Identity, kind notify.Kind, to, raw string) error {
	msg := notify.Message{
		Kind:       kind,
		To:         to,
		Token:      raw,
		IdentityID: i.ID,
		Class:      i.Class,
		Sender:     s.policy.Sender,
	}
	err := s.gateway.Send(ctx, msg)
	s.metrics.NotificationSent(s.policy.Class, kind, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "sms notification failed",
			"identity_id", i.ID, "class", i.Class, "kind", string(kind), "error", err)
		s.emit(ctx, telemetry.EventNotificationFailed, i, string(kind))
		return wrapNotification(err)
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) TokenIssued(string)                          {}
func (nopRecorder) Confirmed(string, bool)                      {}
func (nopRecorder) Rejected(string, string, domain.ErrorKind)   {}
func (nopRecorder) NotificationSent(string, notify.Kind, error) {}
