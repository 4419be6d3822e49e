package domain

import "time"

// Identity is a confirmable entity (e.g. a user account) whose phone number must be proven.
type Identity struct {
	ID    string
	Class string // identity class, e.g. "user" or "admin"
	// Phone is the phone number of record. It is the confirmed phone once ConfirmedAt is set.
	Phone string
	// PendingPhone is a new phone awaiting verification; empty unless reconfirmation is required.
	PendingPhone string
	// TokenDigest is the digest of the outstanding confirmation token; empty when none is outstanding.
	TokenDigest string
	// ConsumedTokenDigest is the digest of the last consumed token, kept to report token reuse.
	ConsumedTokenDigest string
	TokenIssuedAt       *time.Time
	ConfirmedAt         *time.Time // nil until first confirmation; refreshed on reconfirmation
	LockVersion         int64      // optimistic concurrency counter; owned by the repository
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// Errors holds transient field-level errors. Never persisted.
	Errors FieldErrors

	rawToken  string
	persisted bool
}

// IsConfirmed reports whether the identity has been confirmed at least once.
func (i *Identity) IsConfirmed() bool {
	return i != nil && i.ConfirmedAt != nil
}

// ReconfirmationRequired reports whether a phone change is waiting for its own confirmation.
func (i *Identity) ReconfirmationRequired() bool {
	return i != nil && i.PendingPhone != ""
}

// HasOutstandingToken reports whether a confirmation token digest is stored.
func (i *Identity) HasOutstandingToken() bool {
	return i != nil && i.TokenDigest != ""
}

// Destination returns the phone a confirmation token must be sent to.
func (i *Identity) Destination() string {
	if i.ReconfirmationRequired() {
		return i.PendingPhone
	}
	return i.Phone
}

// AssignToken records a freshly minted token. The raw token is kept in memory only.
func (i *Identity) AssignToken(raw, digest string, issuedAt time.Time) {
	at := issuedAt
	i.rawToken = raw
	i.TokenDigest = digest
	i.TokenIssuedAt = &at
}

// ClearToken drops the outstanding token and the in-memory raw value.
func (i *Identity) ClearToken() {
	i.rawToken = ""
	i.TokenDigest = ""
}

// ConsumeToken clears the outstanding token and remembers its digest as consumed.
func (i *Identity) ConsumeToken() {
	if i.TokenDigest != "" {
		i.ConsumedTokenDigest = i.TokenDigest
	}
	i.ClearToken()
}

// HeldToken returns the raw token minted by this in-memory instance, or "" when unknown
// (e.g. the identity was loaded from storage).
func (i *Identity) HeldToken() string {
	if i == nil {
		return ""
	}
	return i.rawToken
}

// Persisted reports whether the identity was loaded from or written to storage.
// Lookups that find nothing return a transient identity with Persisted false.
func (i *Identity) Persisted() bool {
	return i != nil && i.persisted
}

// MarkPersisted flags the identity as backed by storage. Called by repositories.
func (i *Identity) MarkPersisted() {
	i.persisted = true
}

// Snapshot returns a copy suitable for storage: no raw token, no transient errors.
func (i *Identity) Snapshot() *Identity {
	c := *i
	c.rawToken = ""
	c.Errors = nil
	c.TokenIssuedAt = copyTime(i.TokenIssuedAt)
	c.ConfirmedAt = copyTime(i.ConfirmedAt)
	return &c
}

// Clone returns a working copy that keeps the in-memory raw token but drops transient errors.
func (i *Identity) Clone() *Identity {
	c := i.Snapshot()
	c.rawToken = i.rawToken
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RequiredFields lists the storage fields a class needs; pending_phone only when reconfirmable.
func RequiredFields(reconfirmable bool) []string {
	fields := []string{"confirmed_at", "token_issued_at", "token_digest"}
	if reconfirmable {
		fields = append(fields, "pending_phone")
	}
	return fields
}
