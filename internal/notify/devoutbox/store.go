// Package devoutbox keeps the last confirmation token sent to each phone so it can be read back
// in development (GET /dev/sms_confirmation/token). Never enabled in production.
package devoutbox

import (
	"context"
	"sync"
	"time"
)

// Store holds raw tokens by key for dev-only retrieval.
type Store interface {
	// Put stores token under key until expiresAt, replacing any previous token.
	Put(ctx context.Context, key, token string, expiresAt time.Time) error
	// Get returns the token for key. ok is false when missing or expired.
	Get(ctx context.Context, key string) (token string, ok bool, err error)
}

// Key scopes phone to an identity class.
func Key(class, phone string) string {
	return class + ":" + phone
}

type entry struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Put stores token for key until expiresAt.
func (s *MemoryStore) Put(ctx context.Context, key, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = entry{token: token, expiresAt: expiresAt}
	return nil
}

// Get returns the token for key if present and not expired. Expired entries are dropped.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.After(s.nowF()) {
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
		return "", false, nil
	}
	return e.token, true, nil
}
