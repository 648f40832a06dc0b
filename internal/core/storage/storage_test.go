package storage

import (
	"context"
	"testing"
	"time"
)

func newTestStores(t *testing.T) map[string]KVStore {
	t.Helper()
	ctx := context.Background()

	embedded, err := NewEmbeddedRedis(ctx)
	if err != nil {
		t.Fatalf("failed to start embedded redis: %v", err)
	}
	t.Cleanup(func() { embedded.Close() })

	mem := NewMemoryStorage(ctx)
	t.Cleanup(func() { mem.Close() })

	return map[string]KVStore{
		"memory": mem,
		"redis":  embedded.Storage(),
	}
}

func TestStorage_SetGetDelete(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set("k1", "v1", 0); err != nil {
				t.Fatalf("set failed: %v", err)
			}

			val, err := store.Get("k1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if val != "v1" {
				t.Errorf("expected v1, got %s", val)
			}

			if err := store.Delete("k1"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}

			if _, err := store.Get("k1"); err != ErrKeyNotFound {
				t.Errorf("expected ErrKeyNotFound, got %v", err)
			}
		})
	}
}

func TestStorage_Exists(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := store.Exists("missing")
			if err != nil {
				t.Fatalf("exists failed: %v", err)
			}
			if ok {
				t.Error("expected missing key to not exist")
			}

			store.Set("present", "1", 0)
			ok, _ = store.Exists("present")
			if !ok {
				t.Error("expected present key to exist")
			}
		})
	}
}

func TestStorage_IncrWithTTL(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			key := "counter:" + name

			for i := int64(1); i <= 5; i++ {
				val, err := store.IncrWithTTL(key, 1, time.Minute)
				if err != nil {
					t.Fatalf("incr failed: %v", err)
				}
				if val != i {
					t.Errorf("expected %d, got %d", i, val)
				}
			}

			val, err := store.GetCounter(key)
			if err != nil {
				t.Fatalf("get counter failed: %v", err)
			}
			if val != 5 {
				t.Errorf("expected counter 5, got %d", val)
			}

			// 首次创建时必须带上过期时间
			ttl, err := store.GetExpiration(key)
			if err != nil {
				t.Fatalf("get expiration failed: %v", err)
			}
			if ttl <= 0 || ttl > time.Minute {
				t.Errorf("expected ttl in (0, 1m], got %v", ttl)
			}
		})
	}
}

func TestStorage_GetCounterMissing(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			val, err := store.GetCounter("nope")
			if err != nil {
				t.Fatalf("get counter failed: %v", err)
			}
			if val != 0 {
				t.Errorf("expected 0 for missing counter, got %d", val)
			}
		})
	}
}

func TestStorage_Keys(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store.Set("scan:a", "1", 0)
			store.Set("scan:b", "2", 0)
			store.Set("other", "3", 0)

			keys, err := store.Keys("scan:*")
			if err != nil {
				t.Fatalf("keys failed: %v", err)
			}
			if len(keys) != 2 {
				t.Errorf("expected 2 keys, got %d: %v", len(keys), keys)
			}
		})
	}
}

func TestRedisStorage_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	embedded, err := NewEmbeddedRedis(ctx)
	if err != nil {
		t.Fatalf("failed to start embedded redis: %v", err)
	}
	defer embedded.Close()

	store := embedded.Storage()
	if _, err := store.IncrWithTTL("window", 1, time.Minute); err != nil {
		t.Fatalf("incr failed: %v", err)
	}

	embedded.FastForward(2 * time.Minute)

	val, err := store.GetCounter("window")
	if err != nil {
		t.Fatalf("get counter failed: %v", err)
	}
	if val != 0 {
		t.Errorf("expected counter reset after window expiry, got %d", val)
	}
}

func TestMemoryStorage_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(ctx)
	defer store.Close()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	if _, err := store.IncrWithTTL("window", 1, time.Minute); err != nil {
		t.Fatalf("incr failed: %v", err)
	}

	now = now.Add(2 * time.Minute)

	val, err := store.GetCounter("window")
	if err != nil {
		t.Fatalf("get counter failed: %v", err)
	}
	if val != 0 {
		t.Errorf("expected counter reset after window expiry, got %d", val)
	}
}
