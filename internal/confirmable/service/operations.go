package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/confirmable/repository"
	"sms-confirmation/internal/notify"
	"sms-confirmation/internal/telemetry"
)

// Create inserts a new identity with phone. Unless opts.SkipConfirmation is set, a token is minted
// before the insert and sent to phone after it; with SkipConfirmation the identity starts confirmed.
// phone may be empty; a phone can be added later with ChangePhone.
func (s *Service) Create(ctx context.Context, phone string, opts Options) (*domain.Identity, error) {
	ctx, span := s.startSpan(ctx, "create")
	defer span.End()

	i := &domain.Identity{ID: s.newID(), Class: s.policy.Class, Phone: domain.NormalizePhone(phone)}
	span.SetAttributes(attribute.String("identity.id", i.ID))
	if i.Phone != "" {
		fe, err := s.checkPhone(ctx, i, i.Phone)
		if err != nil {
			return nil, fail(span, err)
		}
		if fe != nil {
			return i, s.rejected(ctx, span, "create", i, fe)
		}
	}

	minted := false
	switch {
	case opts.SkipConfirmation:
		now := s.clock()
		i.ConfirmedAt = &now
	case i.Phone != "":
		if err := s.mint(i); err != nil {
			return nil, fail(span, err)
		}
		minted = true
	}

	if err := s.repo.Create(ctx, i); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return i, s.rejected(ctx, span, "create", i, reject(i, domain.FieldPhone, domain.KindTaken, msgTaken))
		}
		return nil, fail(span, err)
	}
	s.logger.InfoContext(ctx, "identity created", "identity_id", i.ID, "class", i.Class, "confirmed", i.IsConfirmed())

	if minted && !opts.SkipNotification {
		s.emit(ctx, telemetry.EventConfirmationRequested, i, "")
		if err := s.send(ctx, i, notify.KindConfirmationRequested, i.Phone, i.HeldToken()); err != nil {
			return i, fail(span, err)
		}
	}
	return i, nil
}

// RequestConfirmation (re)sends confirmation instructions for i. The outstanding token is reused when
// this instance still holds it and it has not expired; otherwise a new one is minted and saved.
// The destination is the pending phone while a change is outstanding, else the phone of record.
func (s *Service) RequestConfirmation(ctx context.Context, i *domain.Identity, opts Options) error {
	ctx, span := s.startSpan(ctx, "request_confirmation")
	defer span.End()

	if fe := s.precheckPersisted(i); fe != nil {
		return s.rejected(ctx, span, "request_confirmation", i, fe)
	}
	span.SetAttributes(attribute.String("identity.id", i.ID))
	if settled(i) {
		return s.rejected(ctx, span, "request_confirmation", i,
			reject(i, domain.FieldPhone, domain.KindAlreadyConfirmed, msgAlreadyConfirmed))
	}
	to := i.Destination()
	if to == "" {
		return s.rejected(ctx, span, "request_confirmation", i,
			reject(i, domain.FieldPhone, domain.KindValidationFailed, msgBlank))
	}

	next := i.Clone()
	minted, err := s.ensureToken(next)
	if err != nil {
		return fail(span, err)
	}
	if minted {
		if err := s.repo.Save(ctx, next); err != nil {
			return fail(span, fmt.Errorf("save identity: %w", err))
		}
		*i = *next
	}

	if opts.SkipNotification {
		return nil
	}
	s.emit(ctx, telemetry.EventConfirmationRequested, i, "")
	return fail(span, s.send(ctx, i, notify.KindConfirmationRequested, to, i.HeldToken()))
}

// Confirm consumes rawToken for i. An empty rawToken skips the token check, for administrative
// confirmation. On success confirmedAt is refreshed, a pending phone becomes the phone of record and
// the token is consumed. A concurrent save is detected by the repository; i is then re-read once
// and the checks re-run, so the loser of a race sees AlreadyConfirmed.
func (s *Service) Confirm(ctx context.Context, i *domain.Identity, rawToken string, opts Options) (*domain.Identity, error) {
	ctx, span := s.startSpan(ctx, "confirm")
	defer span.End()

	if fe := s.precheckPersisted(i); fe != nil {
		return i, s.rejected(ctx, span, "confirm", i, fe)
	}
	return s.confirm(ctx, span, i, rawToken, opts)
}

func (s *Service) confirm(ctx context.Context, span trace.Span, i *domain.Identity, rawToken string, opts Options) (*domain.Identity, error) {
	span.SetAttributes(attribute.String("identity.id", i.ID))
	for attempt := 0; ; attempt++ {
		next, fe, err := s.prepareConfirm(ctx, i, rawToken, opts)
		if err != nil {
			return nil, fail(span, err)
		}
		if fe != nil {
			return i, s.rejected(ctx, span, "confirm", i, fe)
		}
		reconfirmation := i.ReconfirmationRequired()

		err = s.repo.Save(ctx, next)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrConflict) && attempt == 0:
			fresh, ferr := s.repo.FindByID(ctx, i.Class, i.ID)
			if ferr != nil {
				return nil, fail(span, ferr)
			}
			if fresh == nil {
				return i, s.rejected(ctx, span, "confirm", i, reject(i, domain.FieldPhone, domain.KindNotFound, msgNotFound))
			}
			*i = *fresh
			continue
		case errors.Is(err, repository.ErrAlreadyExists):
			return i, s.rejected(ctx, span, "confirm", i, reject(i, domain.FieldPhone, domain.KindTaken, msgTaken))
		default:
			return nil, fail(span, fmt.Errorf("save identity: %w", err))
		}

		*i = *next
		s.metrics.Confirmed(s.policy.Class, reconfirmation)
		s.emit(ctx, telemetry.EventConfirmed, i, "")
		s.logger.InfoContext(ctx, "identity confirmed", "identity_id", i.ID, "class", i.Class, "reconfirmation", reconfirmation)
		if s.afterConfirm != nil {
			if err := s.afterConfirm(ctx, i.Snapshot()); err != nil {
				s.logger.WarnContext(ctx, "after confirmation hook failed", "identity_id", i.ID, "error", err)
			}
		}
		return i, nil
	}
}

// prepareConfirm runs the confirmation checks against i and returns the state to save.
func (s *Service) prepareConfirm(ctx context.Context, i *domain.Identity, rawToken string, opts Options) (*domain.Identity, *FieldError, error) {
	if settled(i) {
		return nil, reject(i, domain.FieldPhone, domain.KindAlreadyConfirmed, msgAlreadyConfirmed), nil
	}
	if rawToken != "" && !s.codec.Matches(rawToken, i.TokenDigest) {
		return nil, reject(i, domain.FieldToken, domain.KindTokenInvalid, msgInvalid), nil
	}
	if s.policy.ConfirmWithin.IsExpired(i.TokenIssuedAt, s.clock()) {
		return nil, reject(i, domain.FieldPhone, domain.KindTokenExpired, expiredMessage(s.policy.ConfirmWithin)), nil
	}

	next := i.Snapshot()
	now := s.clock()
	next.ConfirmedAt = &now
	if next.ReconfirmationRequired() {
		other, err := s.repo.FindByPhone(ctx, i.Class, next.PendingPhone)
		if err != nil {
			return nil, nil, err
		}
		if other != nil && other.ID != i.ID {
			return nil, reject(i, domain.FieldPhone, domain.KindTaken, msgTaken), nil
		}
		next.Phone = next.PendingPhone
		next.PendingPhone = ""
	}
	if opts.EnsureValid {
		if err := domain.ValidatePhone(next.Phone); err != nil {
			return nil, reject(i, domain.FieldPhone, domain.KindValidationFailed, err.Error()), nil
		}
	}
	next.ConsumeToken()
	return next, nil, nil
}

// ConfirmByToken finds the identity holding rawToken and confirms it. The returned identity always
// carries the outcome in Errors; when no identity matches it is transient (not persisted).
// Lookup order: outstanding digest, then consumed digest (reported as AlreadyConfirmed), then the
// legacy stored-value path when the policy enables it.
func (s *Service) ConfirmByToken(ctx context.Context, rawToken string, opts Options) (*domain.Identity, error) {
	ctx, span := s.startSpan(ctx, "confirm_by_token")
	defer span.End()

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		i := &domain.Identity{Class: s.policy.Class}
		return i, s.rejected(ctx, span, "confirm", i, reject(i, domain.FieldToken, domain.KindMissingRequiredKey, msgBlank))
	}

	digest := s.codec.Digest(rawToken)
	i, err := s.repo.FindByTokenDigest(ctx, s.policy.Class, digest)
	if err != nil {
		return nil, fail(span, err)
	}
	if i != nil {
		return s.confirm(ctx, span, i, rawToken, opts)
	}

	used, err := s.repo.FindByConsumedTokenDigest(ctx, s.policy.Class, digest)
	if err != nil {
		return nil, fail(span, err)
	}
	if used != nil {
		return used, s.rejected(ctx, span, "confirm", used,
			reject(used, domain.FieldPhone, domain.KindAlreadyConfirmed, msgAlreadyConfirmed))
	}

	if s.policy.LegacyDigestLookup {
		legacy, err := s.legacyFindByStoredValue(ctx, rawToken)
		if err != nil {
			return nil, fail(span, err)
		}
		if legacy != nil {
			s.logger.WarnContext(ctx, "confirmation matched by legacy stored value", "identity_id", legacy.ID, "class", legacy.Class)
			return s.confirm(ctx, span, legacy, "", opts)
		}
	}

	i = &domain.Identity{Class: s.policy.Class}
	return i, s.rejected(ctx, span, "confirm", i, reject(i, domain.FieldToken, domain.KindTokenInvalid, msgInvalid))
}

// legacyFindByStoredValue treats value as an already-digested token and matches it against stored
// digests. Compatibility path for links minted before digests were keyed; remove once unused.
func (s *Service) legacyFindByStoredValue(ctx context.Context, value string) (*domain.Identity, error) {
	return s.repo.FindByTokenDigest(ctx, s.policy.Class, value)
}

// ChangePhone persists newPhone for i. For reconfirmable classes an identity that already has a
// phone keeps it: newPhone becomes pending, a new token is sent to it and, when configured, the old
// phone is told about the change. Otherwise the phone is written directly; an unconfirmed identity
// then gets a fresh token on the new phone.
func (s *Service) ChangePhone(ctx context.Context, i *domain.Identity, newPhone string, opts Options) (*domain.Identity, error) {
	ctx, span := s.startSpan(ctx, "change_phone")
	defer span.End()

	if fe := s.precheckPersisted(i); fe != nil {
		return i, s.rejected(ctx, span, "change_phone", i, fe)
	}
	span.SetAttributes(attribute.String("identity.id", i.ID))
	newPhone = domain.NormalizePhone(newPhone)
	if newPhone == i.Phone && newPhone != "" {
		return i, nil
	}
	fe, err := s.checkPhone(ctx, i, newPhone)
	if err != nil {
		return nil, fail(span, err)
	}
	if fe != nil {
		return i, s.rejected(ctx, span, "change_phone", i, fe)
	}

	next := i.Snapshot()
	postpone := s.policy.Reconfirmable && !opts.BypassPostpone && i.Phone != ""
	var previous string
	minted := false
	if postpone {
		previous = next.Phone
		next.PendingPhone = newPhone
		next.ClearToken()
		if err := s.mint(next); err != nil {
			return nil, fail(span, err)
		}
		minted = true
	} else {
		next.Phone = newPhone
		next.PendingPhone = ""
		next.ClearToken()
		// Fresh token for the new number; the old one was never sent to it.
		if !next.IsConfirmed() {
			if err := s.mint(next); err != nil {
				return nil, fail(span, err)
			}
			minted = true
		}
	}

	if err := s.repo.Save(ctx, next); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return i, s.rejected(ctx, span, "change_phone", i, reject(i, domain.FieldPhone, domain.KindTaken, msgTaken))
		}
		return nil, fail(span, fmt.Errorf("save identity: %w", err))
	}
	*i = *next
	s.logger.InfoContext(ctx, "phone changed", "identity_id", i.ID, "class", i.Class, "postponed", postpone)

	if !minted || opts.SkipNotification {
		return i, nil
	}
	if postpone {
		s.emit(ctx, telemetry.EventPhoneChangeRequested, i, "")
	}
	s.emit(ctx, telemetry.EventConfirmationRequested, i, "")
	var errs []error
	if postpone && s.policy.SendPhoneChangedNotification {
		if err := s.send(ctx, i, notify.KindPhoneChanged, previous, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.send(ctx, i, notify.KindConfirmationRequested, i.Destination(), i.HeldToken()); err != nil {
		errs = append(errs, err)
	}
	return i, fail(span, errors.Join(errs...))
}

// SendConfirmationInstructions looks the identity up by the configured keys and resends its
// instructions. Lookup failures are reported on the returned transient identity.
func (s *Service) SendConfirmationInstructions(ctx context.Context, attrs map[string]string, opts Options) (*domain.Identity, error) {
	i, err := s.FindOrReportNotFound(ctx, attrs)
	if err != nil {
		return nil, err
	}
	if fe := firstError(i); fe != nil {
		return i, fe
	}
	return i, s.RequestConfirmation(ctx, i, opts)
}

// FindOrReportNotFound finds the identity matching attrs on the configured confirmation keys.
// For reconfirmable classes the pending phone is tried first in place of phone, still requiring
// every other key. When nothing matches, a transient identity is returned carrying NotFound on
// every supplied key and a blank error on every missing one, so callers cannot tell which lookup
// failed. The error is for storage failures only.
func (s *Service) FindOrReportNotFound(ctx context.Context, attrs map[string]string) (*domain.Identity, error) {
	ctx, span := s.startSpan(ctx, "find")
	defer span.End()

	clean := make(map[string]string, len(attrs))
	for k, v := range attrs {
		clean[k] = strings.TrimSpace(v)
	}
	if p, ok := clean[repository.KeyPhone]; ok {
		clean[repository.KeyPhone] = domain.NormalizePhone(p)
	}

	keys := s.policy.keys()
	lookup := make(map[string]string, len(keys))
	for _, k := range keys {
		if v := clean[k]; v != "" {
			lookup[k] = v
		}
	}
	if len(lookup) == len(keys) {
		if s.policy.Reconfirmable && lookup[repository.KeyPhone] != "" {
			i, err := s.findPending(ctx, lookup)
			if err != nil {
				return nil, fail(span, err)
			}
			if i != nil {
				return i, nil
			}
		}
		i, err := s.repo.FindByAttributes(ctx, s.policy.Class, lookup)
		if err != nil {
			return nil, fail(span, err)
		}
		if i != nil {
			return i, nil
		}
	}

	i := &domain.Identity{Class: s.policy.Class, Phone: clean[repository.KeyPhone]}
	for _, k := range keys {
		if lookup[k] != "" {
			i.Errors.Add(k, domain.KindNotFound, msgNotFound)
		} else {
			i.Errors.Add(k, domain.KindMissingRequiredKey, msgBlank)
		}
	}
	s.metrics.Rejected(s.policy.Class, "find", i.Errors[0].Kind)
	return i, nil
}

// findPending matches lookup with the phone checked against the pending phone instead.
func (s *Service) findPending(ctx context.Context, lookup map[string]string) (*domain.Identity, error) {
	if len(lookup) == 1 {
		return s.repo.FindByPendingPhone(ctx, s.policy.Class, lookup[repository.KeyPhone])
	}
	pending := make(map[string]string, len(lookup))
	for k, v := range lookup {
		if k == repository.KeyPhone {
			k = repository.KeyPendingPhone
		}
		pending[k] = v
	}
	return s.repo.FindByAttributes(ctx, s.policy.Class, pending)
}

// checkPhone validates format and uniqueness of phone for i.
func (s *Service) checkPhone(ctx context.Context, i *domain.Identity, phone string) (*FieldError, error) {
	if err := domain.ValidatePhone(phone); err != nil {
		return reject(i, domain.FieldPhone, domain.KindValidationFailed, err.Error()), nil
	}
	other, err := s.repo.FindByPhone(ctx, s.policy.Class, phone)
	if err != nil {
		return nil, err
	}
	if other != nil && other.ID != i.ID {
		return reject(i, domain.FieldPhone, domain.KindTaken, msgTaken), nil
	}
	return nil, nil
}

// precheckPersisted rejects transient identities, which have nothing to save.
func (s *Service) precheckPersisted(i *domain.Identity) *FieldError {
	if i.Persisted() {
		return nil
	}
	return reject(i, domain.FieldPhone, domain.KindNotFound, msgNotFound)
}
