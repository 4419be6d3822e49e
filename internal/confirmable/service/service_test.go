package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/confirmable/expiry"
	"sms-confirmation/internal/confirmable/repository"
	"sms-confirmation/internal/confirmable/token"
	"sms-confirmation/internal/notify"
)

const (
	phoneA = "+819076533333"
	phoneB = "+819012345678"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingGateway records every message; err, when set, is returned from Send after recording.
type recordingGateway struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (g *recordingGateway) Send(ctx context.Context, msg notify.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.msgs = append(g.msgs, msg)
	return g.err
}

func (g *recordingGateway) sent() []notify.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.Message(nil), g.msgs...)
}

func (g *recordingGateway) last(t *testing.T) notify.Message {
	t.Helper()
	msgs := g.sent()
	if len(msgs) == 0 {
		t.Fatal("no message sent")
	}
	return msgs[len(msgs)-1]
}

type harness struct {
	svc   *Service
	repo  *repository.MemoryRepository
	gw    *recordingGateway
	clock *fakeClock
	codec *token.Codec
}

func newHarness(t *testing.T, policy Policy, opts ...Option) *harness {
	t.Helper()
	if policy.Class == "" {
		policy.Class = "user"
	}
	codec, err := token.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	h := &harness{
		repo:  repository.NewMemoryRepository(),
		gw:    &recordingGateway{},
		clock: &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		codec: codec,
	}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.svc = NewService(h.repo, h.gw, codec, policy, opts...)
	return h
}

func (h *harness) create(t *testing.T, phone string, opts Options) *domain.Identity {
	t.Helper()
	i, err := h.svc.Create(context.Background(), phone, opts)
	if err != nil {
		t.Fatalf("Create(%q): %v", phone, err)
	}
	return i
}

// confirmed creates an identity on phone and confirms it with the issued token.
func (h *harness) confirmed(t *testing.T, phone string) *domain.Identity {
	t.Helper()
	i := h.create(t, phone, Options{})
	if _, err := h.svc.Confirm(context.Background(), i, i.HeldToken(), Options{}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return i
}

func TestCreateConfirmAndReuse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: false})

	i := h.create(t, phoneA, Options{})
	msgs := h.gw.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].To != phoneA || msgs[0].Kind != notify.KindConfirmationRequested {
		t.Errorf("message = %+v, want confirmation to %s", msgs[0], phoneA)
	}
	raw := msgs[0].Token
	if raw == "" {
		t.Fatal("confirmation message should carry the token")
	}
	if i.TokenDigest == raw || !h.codec.Matches(raw, i.TokenDigest) {
		t.Error("stored digest should be the digest of the sent token")
	}

	got, err := h.svc.ConfirmByToken(ctx, raw, Options{})
	if err != nil {
		t.Fatalf("ConfirmByToken: %v", err)
	}
	if !got.IsConfirmed() {
		t.Error("identity should be confirmed")
	}
	if got.TokenDigest != "" {
		t.Errorf("TokenDigest = %q, want cleared", got.TokenDigest)
	}

	again, err := h.svc.ConfirmByToken(ctx, raw, Options{})
	if !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("second ConfirmByToken error = %v, want ErrAlreadyConfirmed", err)
	}
	if !again.Errors.Has(domain.FieldPhone, domain.KindAlreadyConfirmed) {
		t.Errorf("errors = %v, want already_confirmed on phone", again.Errors)
	}
	if len(h.gw.sent()) != 1 {
		t.Errorf("confirming should not send anything; total sent = %d", len(h.gw.sent()))
	}
}

func TestConfirm_SameInstanceTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{})
	i := h.create(t, phoneA, Options{})
	raw := i.HeldToken()

	if _, err := h.svc.Confirm(ctx, i, raw, Options{}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	_, err := h.svc.Confirm(ctx, i, raw, Options{})
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Kind != domain.KindAlreadyConfirmed {
		t.Fatalf("second Confirm error = %v, want already confirmed field error", err)
	}
	if fe.Message != msgAlreadyConfirmed {
		t.Errorf("message = %q, want %q", fe.Message, msgAlreadyConfirmed)
	}
}

func TestConfirm_ExpiryWindow(t *testing.T) {
	testCases := []struct {
		name    string
		elapsed time.Duration
		expired bool
	}{
		{"two days", 48 * time.Hour, false},
		{"exactly three days", 72 * time.Hour, false},
		{"just past three days", 72*time.Hour + time.Second, true},
		{"four days", 96 * time.Hour, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Policy{ConfirmWithin: expiry.Within(72 * time.Hour)})
			i := h.create(t, phoneA, Options{})
			raw := i.HeldToken()
			h.clock.Advance(tc.elapsed)

			_, err := h.svc.Confirm(context.Background(), i, raw, Options{})
			if tc.expired {
				if !errors.Is(err, ErrTokenExpired) {
					t.Fatalf("Confirm error = %v, want ErrTokenExpired", err)
				}
				if i.TokenDigest == "" {
					t.Error("an expired token must leave the digest intact")
				}
				if i.IsConfirmed() {
					t.Error("expired confirm must not confirm")
				}
				if msgs := i.Errors.On(domain.FieldPhone); len(msgs) != 1 || !strings.Contains(msgs[0], "3 days") {
					t.Errorf("phone errors = %v, want period in message", msgs)
				}
				return
			}
			if err != nil {
				t.Fatalf("Confirm: %v", err)
			}
			if !i.IsConfirmed() {
				t.Error("identity should be confirmed")
			}
		})
	}
}

func TestConfirm_ZeroWindowExpiresImmediately(t *testing.T) {
	h := newHarness(t, Policy{ConfirmWithin: expiry.Within(0)})
	i := h.create(t, phoneA, Options{})
	h.clock.Advance(time.Second)
	if _, err := h.svc.Confirm(context.Background(), i, i.HeldToken(), Options{}); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Confirm error = %v, want ErrTokenExpired", err)
	}
}

func TestConfirm_WrongToken(t *testing.T) {
	h := newHarness(t, Policy{})
	i := h.create(t, phoneA, Options{})
	_, err := h.svc.Confirm(context.Background(), i, "not-the-token", Options{})
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Confirm error = %v, want ErrTokenInvalid", err)
	}
	if !i.Errors.Has(domain.FieldToken, domain.KindTokenInvalid) {
		t.Errorf("errors = %v, want invalid token", i.Errors)
	}
	if i.IsConfirmed() {
		t.Error("identity must stay unconfirmed")
	}
}

func TestConfirm_EmptyTokenConfirmsAdministratively(t *testing.T) {
	h := newHarness(t, Policy{})
	i := h.create(t, phoneA, Options{SkipNotification: true})
	if _, err := h.svc.Confirm(context.Background(), i, "", Options{}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	stored, _ := h.repo.FindByID(context.Background(), "user", i.ID)
	if !stored.IsConfirmed() {
		t.Error("stored identity should be confirmed")
	}
}

func TestConfirm_ConcurrentExactlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{})
	created := h.create(t, phoneA, Options{})
	raw := created.HeldToken()

	const n = 8
	copies := make([]*domain.Identity, n)
	for k := range copies {
		c, err := h.repo.FindByID(ctx, "user", created.ID)
		if err != nil || c == nil {
			t.Fatalf("FindByID: %v", err)
		}
		copies[k] = c
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for k := range copies {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			_, errs[k] = h.svc.Confirm(ctx, copies[k], raw, Options{})
		}(k)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyConfirmed):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestRequestConfirmation_ReusesTokenWithinWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{ConfirmWithin: expiry.Within(time.Hour)})
	i := h.create(t, phoneA, Options{})
	first := h.gw.last(t).Token

	h.clock.Advance(30 * time.Minute)
	if err := h.svc.RequestConfirmation(ctx, i, Options{}); err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if got := h.gw.last(t).Token; got != first {
		t.Errorf("resend within window sent %q, want the same token %q", got, first)
	}

	h.clock.Advance(31 * time.Minute)
	if err := h.svc.RequestConfirmation(ctx, i, Options{}); err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	second := h.gw.last(t).Token
	if second == first {
		t.Error("resend after expiry should mint a new token")
	}
	if _, err := h.svc.Confirm(ctx, i, second, Options{}); err != nil {
		t.Errorf("Confirm with the new token: %v", err)
	}
}

func TestRequestConfirmation_UnknownTokenAfterReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{LegacyDigestLookup: true})
	created := h.create(t, phoneA, Options{})
	first := h.gw.last(t).Token

	loaded, _ := h.repo.FindByID(ctx, "user", created.ID)
	if err := h.svc.RequestConfirmation(ctx, loaded, Options{}); err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	second := h.gw.last(t).Token
	if second == first || second == "" {
		t.Fatalf("a reloaded identity must be sent a fresh token")
	}
	if _, err := h.svc.ConfirmByToken(ctx, first, Options{}); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("superseded token error = %v, want ErrTokenInvalid", err)
	}
	if _, err := h.svc.ConfirmByToken(ctx, second, Options{}); err != nil {
		t.Errorf("ConfirmByToken(second): %v", err)
	}
}

func TestRequestConfirmation_AlreadyConfirmed(t *testing.T) {
	h := newHarness(t, Policy{})
	i := h.confirmed(t, phoneA)
	before := len(h.gw.sent())
	err := h.svc.RequestConfirmation(context.Background(), i, Options{})
	if !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("RequestConfirmation error = %v, want ErrAlreadyConfirmed", err)
	}
	if len(h.gw.sent()) != before {
		t.Error("no message should be sent to a confirmed identity")
	}
}

func TestRequestConfirmation_SkipNotification(t *testing.T) {
	h := newHarness(t, Policy{})
	i := h.create(t, phoneA, Options{SkipNotification: true})
	if len(h.gw.sent()) != 0 {
		t.Fatalf("Create with SkipNotification sent %d messages", len(h.gw.sent()))
	}
	if err := h.svc.RequestConfirmation(context.Background(), i, Options{SkipNotification: true}); err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if len(h.gw.sent()) != 0 {
		t.Error("SkipNotification should suppress the resend")
	}
	if err := h.svc.RequestConfirmation(context.Background(), i, Options{}); err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if len(h.gw.sent()) != 1 {
		t.Error("the flag must not outlive the call it was passed to")
	}
}

func TestRequestConfirmation_TransientIdentity(t *testing.T) {
	h := newHarness(t, Policy{})
	err := h.svc.RequestConfirmation(context.Background(), &domain.Identity{Class: "user", Phone: phoneA}, Options{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCreate_SkipConfirmation(t *testing.T) {
	h := newHarness(t, Policy{})
	i := h.create(t, phoneA, Options{SkipConfirmation: true})
	if !i.IsConfirmed() {
		t.Error("identity should start confirmed")
	}
	if i.HasOutstandingToken() {
		t.Error("no token should be minted")
	}
	if len(h.gw.sent()) != 0 {
		t.Error("no message should be sent")
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, Policy{})
	h.create(t, phoneA, Options{})

	testCases := []struct {
		name  string
		phone string
		kind  domain.ErrorKind
	}{
		{"invalid format", "090-7653-3333", domain.KindValidationFailed},
		{"taken", phoneA, domain.KindTaken},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			i, err := h.svc.Create(context.Background(), tc.phone, Options{})
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("Create error = %v, want ErrValidationFailed", err)
			}
			if !i.Errors.Has(domain.FieldPhone, tc.kind) {
				t.Errorf("errors = %v, want %s on phone", i.Errors, tc.kind)
			}
			if strings.Contains(err.Error(), tc.phone) {
				t.Errorf("error %q must not contain the phone", err)
			}
		})
	}
}

func TestCreate_WithoutPhone(t *testing.T) {
	h := newHarness(t, Policy{})
	i := h.create(t, "", Options{})
	if i.HasOutstandingToken() || len(h.gw.sent()) != 0 {
		t.Error("an identity without a phone gets no token and no message")
	}
}

func TestChangePhone_PostponesUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: true})
	i := h.confirmed(t, phoneA)
	firstConfirmedAt := *i.ConfirmedAt

	if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	if i.Phone != phoneA {
		t.Errorf("Phone = %q, want unchanged %q", i.Phone, phoneA)
	}
	if i.PendingPhone != phoneB {
		t.Errorf("PendingPhone = %q, want %q", i.PendingPhone, phoneB)
	}
	if !h.svc.IsPendingReconfirmation(i) || !h.svc.IsConfirmed(i) {
		t.Error("identity should be confirmed and pending reconfirmation")
	}
	msg := h.gw.last(t)
	if msg.To != phoneB || msg.Kind != notify.KindConfirmationRequested {
		t.Fatalf("last message = %+v, want confirmation to %s", msg, phoneB)
	}

	stored, _ := h.repo.FindByPhone(ctx, "user", phoneA)
	if stored == nil || stored.PendingPhone != phoneB {
		t.Fatalf("stored identity = %+v, want pending %s", stored, phoneB)
	}

	h.clock.Advance(time.Minute)
	got, err := h.svc.ConfirmByToken(ctx, msg.Token, Options{})
	if err != nil {
		t.Fatalf("ConfirmByToken: %v", err)
	}
	if got.Phone != phoneB || got.PendingPhone != "" {
		t.Errorf("after reconfirmation Phone=%q PendingPhone=%q, want %q and empty", got.Phone, got.PendingPhone, phoneB)
	}
	if !got.ConfirmedAt.After(firstConfirmedAt) {
		t.Error("ConfirmedAt should be refreshed on reconfirmation")
	}
}

func TestChangePhone_NotifiesPreviousPhone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: true, SendPhoneChangedNotification: true})
	i := h.confirmed(t, phoneA)
	before := len(h.gw.sent())

	if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	msgs := h.gw.sent()[before:]
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if msgs[0].Kind != notify.KindPhoneChanged || msgs[0].To != phoneA || msgs[0].Token != "" {
		t.Errorf("first message = %+v, want tokenless phone_changed to %s", msgs[0], phoneA)
	}
	if msgs[1].Kind != notify.KindConfirmationRequested || msgs[1].To != phoneB {
		t.Errorf("second message = %+v, want confirmation to %s", msgs[1], phoneB)
	}

	if _, err := h.svc.Confirm(ctx, i, msgs[1].Token, Options{}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(h.gw.sent()) != before+2 {
		t.Error("confirming the new phone must not send more messages")
	}
}

func TestChangePhone_Bypass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: true})
	i := h.confirmed(t, phoneA)
	before := len(h.gw.sent())

	if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{BypassPostpone: true}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	if i.Phone != phoneB || i.PendingPhone != "" {
		t.Errorf("Phone=%q PendingPhone=%q, want %q and empty", i.Phone, i.PendingPhone, phoneB)
	}
	if !i.IsConfirmed() {
		t.Error("bypass keeps the identity confirmed")
	}
	if len(h.gw.sent()) != before {
		t.Error("bypass sends nothing")
	}

	if _, err := h.svc.ChangePhone(ctx, i, phoneA, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	if i.PendingPhone != phoneA {
		t.Error("the bypass must apply to one call only")
	}
}

func TestChangePhone_ReconfirmationDisabled(t *testing.T) {
	h := newHarness(t, Policy{Reconfirmable: false})
	i := h.confirmed(t, phoneA)
	if _, err := h.svc.ChangePhone(context.Background(), i, phoneB, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	if i.Phone != phoneB || i.PendingPhone != "" || !i.IsConfirmed() {
		t.Errorf("identity = %+v, want phone written directly", i)
	}
}

func TestChangePhone_UnconfirmedGetsFreshTokenOnNewPhone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: false})
	i := h.create(t, phoneA, Options{})
	old := h.gw.last(t).Token

	if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	msg := h.gw.last(t)
	if msg.To != phoneB || msg.Token == "" || msg.Token == old {
		t.Fatalf("message = %+v, want a fresh token to %s", msg, phoneB)
	}
	if _, err := h.svc.Confirm(ctx, i, old, Options{}); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("old token error = %v, want ErrTokenInvalid", err)
	}
	if _, err := h.svc.Confirm(ctx, i, msg.Token, Options{}); err != nil {
		t.Errorf("Confirm: %v", err)
	}
}

func TestChangePhone_FirstPhoneStartsConfirmation(t *testing.T) {
	h := newHarness(t, Policy{Reconfirmable: true})
	i := h.create(t, "", Options{})
	if _, err := h.svc.ChangePhone(context.Background(), i, phoneA, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	if i.Phone != phoneA || i.PendingPhone != "" {
		t.Errorf("Phone=%q PendingPhone=%q, want %q and empty", i.Phone, i.PendingPhone, phoneA)
	}
	msg := h.gw.last(t)
	if msg.To != phoneA || msg.Token == "" {
		t.Fatalf("message = %+v, want token to %s", msg, phoneA)
	}
	if _, err := h.svc.Confirm(context.Background(), i, msg.Token, Options{}); err != nil {
		t.Errorf("Confirm: %v", err)
	}
}

func TestChangePhone_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: true})
	i := h.confirmed(t, phoneA)
	h.confirmed(t, phoneB)

	if got, err := h.svc.ChangePhone(ctx, i, phoneA, Options{}); err != nil || got.PendingPhone != "" {
		t.Errorf("same phone should be a no-op, got err=%v pending=%q", err, got.PendingPhone)
	}
	if _, err := h.svc.ChangePhone(ctx, i, "  ", Options{}); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("blank phone error = %v, want ErrValidationFailed", err)
	}
	if _, err := h.svc.ChangePhone(ctx, i, "not a phone", Options{}); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("invalid phone error = %v, want ErrValidationFailed", err)
	}
	if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{}); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("taken phone error = %v, want ErrValidationFailed", err)
	}
	if i.PendingPhone != "" {
		t.Error("rejected changes must not set a pending phone")
	}
}

func TestConfirm_ReconfirmationPhoneTakenMeanwhile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: true})
	i := h.confirmed(t, phoneA)
	if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	raw := h.gw.last(t).Token
	h.confirmed(t, phoneB)

	_, err := h.svc.Confirm(ctx, i, raw, Options{})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("Confirm error = %v, want ErrValidationFailed", err)
	}
	if i.Phone != phoneA || i.PendingPhone != phoneB {
		t.Error("a failed reconfirmation must not switch the phone")
	}
}

func TestConfirm_EnsureValid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{})
	bad := &domain.Identity{ID: "legacy", Class: "user", Phone: "12345"}
	if err := h.repo.Create(ctx, bad); err != nil {
		t.Fatalf("repo.Create: %v", err)
	}
	if _, err := h.svc.Confirm(ctx, bad, "", Options{EnsureValid: true}); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("Confirm error = %v, want ErrValidationFailed", err)
	}
	if _, err := h.svc.Confirm(ctx, bad, "", Options{}); err != nil {
		t.Errorf("Confirm without EnsureValid: %v", err)
	}
}

func TestConfirmByToken_Lookups(t *testing.T) {
	ctx := context.Background()

	t.Run("blank", func(t *testing.T) {
		h := newHarness(t, Policy{})
		i, err := h.svc.ConfirmByToken(ctx, " ", Options{})
		if !errors.Is(err, ErrMissingRequiredKey) {
			t.Fatalf("error = %v, want ErrMissingRequiredKey", err)
		}
		if i.Persisted() || !i.Errors.Has(domain.FieldToken, domain.KindMissingRequiredKey) {
			t.Errorf("identity = %+v, want transient with blank token error", i)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		h := newHarness(t, Policy{LegacyDigestLookup: true})
		i, err := h.svc.ConfirmByToken(ctx, "nope", Options{})
		if !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("error = %v, want ErrTokenInvalid", err)
		}
		if i.Persisted() {
			t.Error("identity should be transient")
		}
	})

	t.Run("legacy stored value", func(t *testing.T) {
		h := newHarness(t, Policy{LegacyDigestLookup: true})
		created := h.create(t, phoneA, Options{})
		got, err := h.svc.ConfirmByToken(ctx, created.TokenDigest, Options{})
		if err != nil {
			t.Fatalf("ConfirmByToken(legacy): %v", err)
		}
		if !got.IsConfirmed() {
			t.Error("legacy path should confirm")
		}
	})

	t.Run("legacy disabled", func(t *testing.T) {
		h := newHarness(t, Policy{LegacyDigestLookup: false})
		created := h.create(t, phoneA, Options{})
		if _, err := h.svc.ConfirmByToken(ctx, created.TokenDigest, Options{}); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})
}

func TestFindOrReportNotFound(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		h := newHarness(t, Policy{Reconfirmable: true})
		i, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": "missing"})
		if err != nil {
			t.Fatalf("FindOrReportNotFound: %v", err)
		}
		if i.Persisted() {
			t.Error("identity should be transient")
		}
		if !i.Errors.Has(domain.FieldPhone, domain.KindNotFound) {
			t.Errorf("errors = %v, want not_found on phone", i.Errors)
		}
	})

	t.Run("found by phone", func(t *testing.T) {
		h := newHarness(t, Policy{})
		created := h.create(t, phoneA, Options{})
		i, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": " " + phoneA + " "})
		if err != nil || i.ID != created.ID || !i.Errors.Empty() {
			t.Errorf("FindOrReportNotFound = %+v, %v; want %s", i, err, created.ID)
		}
	})

	t.Run("found by pending phone", func(t *testing.T) {
		h := newHarness(t, Policy{Reconfirmable: true})
		i := h.confirmed(t, phoneA)
		if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{}); err != nil {
			t.Fatalf("ChangePhone: %v", err)
		}
		got, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": phoneB})
		if err != nil || got.ID != i.ID {
			t.Errorf("FindOrReportNotFound = %+v, %v; want %s", got, err, i.ID)
		}
	})

	t.Run("missing required key", func(t *testing.T) {
		h := newHarness(t, Policy{ConfirmationKeys: []string{"phone", "id"}})
		created := h.create(t, phoneA, Options{})
		i, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": phoneA})
		if err != nil {
			t.Fatalf("FindOrReportNotFound: %v", err)
		}
		if i.Persisted() {
			t.Error("every configured key is required")
		}
		if !i.Errors.Has("id", domain.KindMissingRequiredKey) || !i.Errors.Has(domain.FieldPhone, domain.KindNotFound) {
			t.Errorf("errors = %v, want blank id and not_found phone", i.Errors)
		}
		got, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": phoneA, "id": created.ID})
		if err != nil || got.ID != created.ID {
			t.Errorf("FindOrReportNotFound with all keys = %+v, %v", got, err)
		}
	})

	t.Run("pending phone still requires every key", func(t *testing.T) {
		h := newHarness(t, Policy{Reconfirmable: true, ConfirmationKeys: []string{"phone", "id"}})
		confirmed := h.confirmed(t, phoneA)
		if _, err := h.svc.ChangePhone(ctx, confirmed, phoneB, Options{}); err != nil {
			t.Fatalf("ChangePhone: %v", err)
		}
		i, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": phoneB})
		if err != nil {
			t.Fatalf("FindOrReportNotFound: %v", err)
		}
		if i.Persisted() {
			t.Error("pending phone alone must not match")
		}
		if !i.Errors.Has("id", domain.KindMissingRequiredKey) {
			t.Errorf("errors = %v, want blank id", i.Errors)
		}
		got, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": phoneB, "id": confirmed.ID})
		if err != nil || got.ID != confirmed.ID {
			t.Errorf("FindOrReportNotFound with all keys = %+v, %v; want %s", got, err, confirmed.ID)
		}
		other, err := h.svc.FindOrReportNotFound(ctx, map[string]string{"phone": phoneB, "id": "00000000-0000-0000-0000-000000000000"})
		if err != nil || other.Persisted() {
			t.Errorf("FindOrReportNotFound with wrong id = %+v, %v; want transient", other, err)
		}
	})
}

func TestSendConfirmationInstructions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{})
	created := h.create(t, phoneA, Options{SkipNotification: true})

	i, err := h.svc.SendConfirmationInstructions(ctx, map[string]string{"phone": phoneA}, Options{})
	if err != nil {
		t.Fatalf("SendConfirmationInstructions: %v", err)
	}
	if i.ID != created.ID {
		t.Errorf("ID = %q, want %q", i.ID, created.ID)
	}
	msg := h.gw.last(t)
	if msg.To != phoneA || msg.Token == "" {
		t.Errorf("message = %+v, want token to %s", msg, phoneA)
	}

	missing, err := h.svc.SendConfirmationInstructions(ctx, map[string]string{"phone": phoneB}, Options{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if missing.Persisted() {
		t.Error("identity should be transient")
	}
}

func TestSendConfirmationInstructions_PendingPhoneMissingKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Reconfirmable: true, ConfirmationKeys: []string{"phone", "id"}})
	i := h.confirmed(t, phoneA)
	if _, err := h.svc.ChangePhone(ctx, i, phoneB, Options{}); err != nil {
		t.Fatalf("ChangePhone: %v", err)
	}
	before := len(h.gw.sent())

	got, err := h.svc.SendConfirmationInstructions(ctx, map[string]string{"phone": phoneB}, Options{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if got.Persisted() || !got.Errors.Has("id", domain.KindMissingRequiredKey) {
		t.Errorf("identity = %+v, want transient with blank id", got)
	}
	if n := len(h.gw.sent()); n != before {
		t.Errorf("sent = %d, want %d", n, before)
	}
}

func TestNotificationFailure_ReturnsCommittedIdentity(t *testing.T) {
	h := newHarness(t, Policy{})
	h.gw.err = errors.New("smslocal: status 503")

	i, err := h.svc.Create(context.Background(), phoneA, Options{})
	if !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("Create error = %v, want ErrNotificationFailed", err)
	}
	if i == nil || !i.Persisted() {
		t.Fatal("the identity is committed before sending")
	}
	stored, _ := h.repo.FindByID(context.Background(), "user", i.ID)
	if stored == nil || stored.TokenDigest == "" {
		t.Error("stored identity should hold the token digest")
	}
}

func TestAfterConfirmationHook(t *testing.T) {
	var calls int
	h := newHarness(t, Policy{}, WithAfterConfirmation(func(ctx context.Context, i *domain.Identity) error {
		calls++
		return errors.New("downstream unavailable")
	}))
	i := h.create(t, phoneA, Options{})
	if _, err := h.svc.Confirm(context.Background(), i, i.HeldToken(), Options{}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if calls != 1 {
		t.Errorf("hook calls = %d, want 1", calls)
	}
	stored, _ := h.repo.FindByID(context.Background(), "user", i.ID)
	if !stored.IsConfirmed() {
		t.Error("a failing hook must not roll back the confirmation")
	}
}

func TestActiveForAuthentication(t *testing.T) {
	h := newHarness(t, Policy{AllowUnconfirmedAccessFor: expiry.Within(48 * time.Hour)})
	i := h.create(t, phoneA, Options{})
	if !h.svc.ActiveForAuthentication(i) {
		t.Error("unconfirmed identity should be active inside the access window")
	}
	h.clock.Advance(48 * time.Hour)
	if h.svc.ActiveForAuthentication(i) {
		t.Error("access ends at the window boundary")
	}
	if _, err := h.svc.Confirm(context.Background(), i, "", Options{}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !h.svc.ActiveForAuthentication(i) {
		t.Error("confirmed identity should be active")
	}

	denied := newHarness(t, Policy{AllowUnconfirmedAccessFor: expiry.Within(0)})
	if denied.svc.ActiveForAuthentication(denied.create(t, phoneA, Options{})) {
		t.Error("a zero window denies unconfirmed access")
	}
}

func TestPeriod(t *testing.T) {
	testCases := []struct {
		w    expiry.Window
		want string
	}{
		{expiry.Within(24 * time.Hour), "1 day"},
		{expiry.Within(72 * time.Hour), "3 days"},
		{expiry.Within(90 * time.Minute), "1h30m0s"},
		{expiry.Unbounded(), "unbounded"},
	}
	for _, tc := range testCases {
		if got := period(tc.w); got != tc.want {
			t.Errorf("period(%v) = %q, want %q", tc.w, got, tc.want)
		}
	}
}
