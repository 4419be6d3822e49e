package devoutbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"sms-confirmation/internal/notify"
)

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, Key("user", "+819076533333"), "tok-1", time.Now().UTC().Add(5*time.Minute))

	tok, ok, err := store.Get(ctx, Key("user", "+819076533333"))
	if err != nil || !ok {
		t.Fatalf("Get = %q, %v, %v; want token", tok, ok, err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q, want %q", tok, "tok-1")
	}
	if _, ok, _ := store.Get(ctx, Key("admin", "+819076533333")); ok {
		t.Error("keys must be scoped by class")
	}
}

func TestMemoryStore_ExpiredEntriesAreDropped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, "k", "tok", time.Now().UTC().Add(-time.Minute))

	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("Get should return false when expired")
	}
	store.mu.RLock()
	_, exists := store.m["k"]
	store.mu.RUnlock()
	if exists {
		t.Error("expired entry should be removed")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Put(ctx, "k", "tok", time.Now().UTC().Add(time.Minute))
			_, _, _ = store.Get(ctx, "k")
		}()
	}
	wg.Wait()
}

func TestRedisStore_PutGet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()

	if err := store.Put(ctx, "user:+819076533333", "tok-1", time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	tok, ok, err := store.Get(ctx, "user:+819076533333")
	if err != nil || !ok || tok != "tok-1" {
		t.Fatalf("Get = %q, %v, %v; want tok-1", tok, ok, err)
	}
	if ttl := mr.TTL(keyPrefix + "user:+819076533333"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, err := store.Get(ctx, "user:+819076533333"); ok || err != nil {
		t.Errorf("expired Get = %v, %v; want false, nil", ok, err)
	}
}

func TestRedisStore_SkipsExpiredPut(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)

	if err := store.Put(context.Background(), "k", "tok", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if mr.Exists(keyPrefix + "k") {
		t.Error("an already expired token should not be stored")
	}
}

func TestGateway_StoresConfirmationTokens(t *testing.T) {
	store := NewMemoryStore()
	gw := NewGateway(store, 0)
	ctx := context.Background()

	if err := gw.Send(ctx, notify.Message{Kind: notify.KindPhoneChanged, To: "+819076533333", Class: "user"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok, _ := store.Get(ctx, Key("user", "+819076533333")); ok {
		t.Error("phone changed messages carry no token")
	}

	msg := notify.Message{Kind: notify.KindConfirmationRequested, To: "+819076533333", Class: "user", Token: "tok-9"}
	if err := gw.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	tok, ok, _ := store.Get(ctx, Key("user", "+819076533333"))
	if !ok || tok != "tok-9" {
		t.Errorf("stored token = %q, %v; want tok-9", tok, ok)
	}
	if gw.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want DefaultTTL", gw.ttl)
	}
}

func TestGateway_ClassTTLBoundsStoredTokens(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	gw := NewGateway(NewRedisStore(client), 0,
		WithClassTTL("user", 3*time.Minute),
		WithClassTTL("admin", 0))
	ctx := context.Background()

	if got := gw.TTL("user"); got != 3*time.Minute {
		t.Errorf("TTL(user) = %v, want 3m", got)
	}
	if got := gw.TTL("admin"); got != DefaultTTL {
		t.Errorf("TTL(admin) = %v, want DefaultTTL", got)
	}

	for _, class := range []string{"user", "admin"} {
		msg := notify.Message{Kind: notify.KindConfirmationRequested, To: "+819076533333", Class: class, Token: "tok-" + class}
		if err := gw.Send(ctx, msg); err != nil {
			t.Fatalf("Send(%s): %v", class, err)
		}
	}
	if ttl := mr.TTL(keyPrefix + Key("user", "+819076533333")); ttl <= 0 || ttl > 3*time.Minute {
		t.Errorf("user TTL = %v, want (0, 3m]", ttl)
	}
	if ttl := mr.TTL(keyPrefix + Key("admin", "+819076533333")); ttl <= 3*time.Minute {
		t.Errorf("admin TTL = %v, want the default", ttl)
	}

	mr.FastForward(4 * time.Minute)
	store := NewRedisStore(client)
	if _, ok, _ := store.Get(ctx, Key("user", "+819076533333")); ok {
		t.Error("user token should be gone once the confirmation window has passed")
	}
	if tok, ok, _ := store.Get(ctx, Key("admin", "+819076533333")); !ok || tok != "tok-admin" {
		t.Errorf("admin token = %q, %v; want tok-admin", tok, ok)
	}
}
