package proxy

import (
	"testing"
	"time"

	"coursechat-edge/internal/testsupport/redisstub"
)

func startStubStore(t *testing.T, opts redisstub.Options, cfg RateLimitConfig) *redisStore {
	t.Helper()
	stub, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { stub.Close() })

	cfg.RedisAddr = stub.Addr()
	store := newRedisStore(cfg)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreCountsWithinWindow(t *testing.T) {
	t.Parallel()

	store := startStubStore(t, redisstub.Options{}, RateLimitConfig{})

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Allow("coursechat:edge:login:10.0.0.1", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !allowed {
			t.Fatalf("attempt %d: expected allowed within limit", i)
		}
	}

	allowed, retryAfter, err := store.Allow("coursechat:edge:login:10.0.0.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if allowed {
		t.Fatal("expected attempt beyond limit to be denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retryAfter)
	}

	// Another key keeps its own counter.
	allowed, _, err = store.Allow("coursechat:edge:login:10.0.0.2", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !allowed {
		t.Fatal("expected independent counter for a different key")
	}
}

func TestRedisStoreAuthenticates(t *testing.T) {
	t.Parallel()

	store := startStubStore(t, redisstub.Options{Password: "sekret"}, RateLimitConfig{
		RedisPassword: "sekret",
	})

	allowed, _, err := store.Allow("coursechat:edge:login:10.0.0.1", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !allowed {
		t.Fatal("expected first attempt allowed")
	}
}

func TestRedisStoreReportsUnreachableServer(t *testing.T) {
	t.Parallel()

	store := newRedisStore(RateLimitConfig{
		RedisAddr:    "127.0.0.1:1",
		RedisTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { store.Close() })

	if _, _, err := store.Allow("key", 1, time.Minute); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
