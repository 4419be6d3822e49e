package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sms-confirmation/internal/confirmable/domain"
)

// MemoryRepository is an in-memory Repository. Used in dev mode (no DATABASE_URL) and tests.
// It stores snapshots, so callers never share state through returned identities.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*domain.Identity
	nowF func() time.Time
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[string]*domain.Identity),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) FindByID(ctx context.Context, class, id string) (*domain.Identity, error) {
	return r.find(class, func(i *domain.Identity) bool { return i.ID == id })
}

func (r *MemoryRepository) FindByPhone(ctx context.Context, class, phone string) (*domain.Identity, error) {
	if phone == "" {
		return nil, nil
	}
	return r.find(class, func(i *domain.Identity) bool { return i.Phone == phone })
}

func (r *MemoryRepository) FindByPendingPhone(ctx context.Context, class, phone string) (*domain.Identity, error) {
	if phone == "" {
		return nil, nil
	}
	return r.find(class, func(i *domain.Identity) bool { return i.PendingPhone == phone })
}

func (r *MemoryRepository) FindByTokenDigest(ctx context.Context, class, digest string) (*domain.Identity, error) {
	if digest == "" {
		return nil, nil
	}
	return r.find(class, func(i *domain.Identity) bool { return i.TokenDigest == digest })
}

func (r *MemoryRepository) FindByConsumedTokenDigest(ctx context.Context, class, digest string) (*domain.Identity, error) {
	if digest == "" {
		return nil, nil
	}
	return r.find(class, func(i *domain.Identity) bool { return i.ConsumedTokenDigest == digest })
}

func (r *MemoryRepository) FindByAttributes(ctx context.Context, class string, attrs map[string]string) (*domain.Identity, error) {
	for k := range attrs {
		if _, ok := columnForKey[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, k)
		}
	}
	return r.find(class, func(i *domain.Identity) bool {
		for k, v := range attrs {
			if v == "" || attributeOf(i, k) != v {
				return false
			}
		}
		return true
	})
}

func (r *MemoryRepository) Create(ctx context.Context, i *domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[i.ID]; ok {
		return ErrAlreadyExists
	}
	if r.conflictLocked(i) {
		return ErrAlreadyExists
	}
	now := r.nowF()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	i.LockVersion = 0
	i.MarkPersisted()
	r.byID[i.ID] = i.Snapshot()
	return nil
}

func (r *MemoryRepository) Save(ctx context.Context, i *domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[i.ID]
	if !ok || cur.Class != i.Class || cur.LockVersion != i.LockVersion {
		return ErrConflict
	}
	if r.conflictLocked(i) {
		return ErrAlreadyExists
	}
	i.LockVersion++
	i.UpdatedAt = r.nowF()
	i.MarkPersisted()
	r.byID[i.ID] = i.Snapshot()
	return nil
}

// conflictLocked reports whether another identity of the same class already holds i's phone or token digest.
func (r *MemoryRepository) conflictLocked(i *domain.Identity) bool {
	for id, other := range r.byID {
		if id == i.ID || other.Class != i.Class {
			continue
		}
		if i.Phone != "" && other.Phone == i.Phone {
			return true
		}
		if i.TokenDigest != "" && other.TokenDigest == i.TokenDigest {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) find(class string, match func(*domain.Identity) bool) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.byID {
		if i.Class == class && match(i) {
			out := i.Snapshot()
			out.MarkPersisted()
			return out, nil
		}
	}
	return nil, nil
}

func attributeOf(i *domain.Identity, key string) string {
	switch key {
	case KeyID:
		return i.ID
	case KeyPhone:
		return i.Phone
	case KeyPendingPhone:
		return i.PendingPhone
	}
	return ""
}
