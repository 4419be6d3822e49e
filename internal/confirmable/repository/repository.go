package repository

import (
	"context"
	"errors"

	"sms-confirmation/internal/confirmable/domain"
)

var (
	// ErrConflict is returned by Save when the stored LockVersion no longer matches.
	ErrConflict = errors.New("identity was modified concurrently")
	// ErrAlreadyExists is returned when a unique phone or token digest is already taken.
	ErrAlreadyExists = errors.New("identity already exists")
	// ErrUnsupportedKey is returned by FindByAttributes for a key that is not a lookup column.
	ErrUnsupportedKey = errors.New("unsupported lookup key")
)

// Lookup keys accepted by FindByAttributes.
const (
	KeyID           = "id"
	KeyPhone        = "phone"
	KeyPendingPhone = "pending_phone"
)

// Repository defines class-scoped persistence for confirmable identities.
// Finders return nil, nil when nothing matches; errors are for storage failures only.
type Repository interface {
	FindByID(ctx context.Context, class, id string) (*domain.Identity, error)
	FindByPhone(ctx context.Context, class, phone string) (*domain.Identity, error)
	FindByPendingPhone(ctx context.Context, class, phone string) (*domain.Identity, error)
	FindByTokenDigest(ctx context.Context, class, digest string) (*domain.Identity, error)
	FindByConsumedTokenDigest(ctx context.Context, class, digest string) (*domain.Identity, error)
	// FindByAttributes matches every key exactly (AND). Keys must be lookup keys.
	FindByAttributes(ctx context.Context, class string, attrs map[string]string) (*domain.Identity, error)
	// Create inserts i. i.ID must be set. Returns ErrAlreadyExists on unique violations.
	Create(ctx context.Context, i *domain.Identity) error
	// Save writes all confirmation fields atomically if i.LockVersion matches the stored row,
	// then increments i.LockVersion. Returns ErrConflict on a stale version.
	Save(ctx context.Context, i *domain.Identity) error
}
