package proxy

import (
	"testing"
	"time"
)

func TestRateLimiterDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatalf("request %d: expected unlimited limiter to allow", i)
		}
	}
	allowed, retryAfter, err := rl.AllowLogin("10.0.0.1")
	if err != nil || !allowed || retryAfter != 0 {
		t.Fatalf("expected login allowed with no limit, got allowed=%v retry=%v err=%v", allowed, retryAfter, err)
	}
}

func TestGlobalBucketExhaustsAtBurst(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 3})
	for i := 0; i < 3; i++ {
		if !rl.AllowRequest() {
			t.Fatalf("request %d: expected allowed within burst", i)
		}
	}
	if rl.AllowRequest() {
		t.Fatal("expected request beyond burst to be denied")
	}
}

func TestLoginBudgetIsPerKey(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowLogin("10.0.0.1")
		if err != nil {
			t.Fatalf("AllowLogin error: %v", err)
		}
		if !allowed {
			t.Fatalf("attempt %d: expected allowed within budget", i)
		}
	}
	allowed, retryAfter, err := rl.AllowLogin("10.0.0.1")
	if err != nil {
		t.Fatalf("AllowLogin error: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt to be denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after hint, got %v", retryAfter)
	}

	allowed, _, err = rl.AllowLogin("10.0.0.2")
	if err != nil {
		t.Fatalf("AllowLogin error: %v", err)
	}
	if !allowed {
		t.Fatal("expected separate key to have its own budget")
	}
}

func TestLoginBucketsCleanedAfterIdle(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{LoginLimit: 1, LoginWindow: time.Minute})
	if allowed, _, _ := rl.AllowLogin("10.0.0.1"); !allowed {
		t.Fatal("expected first attempt allowed")
	}

	rl.loginMu.Lock()
	bucket := rl.loginBuckets["10.0.0.1"]
	bucket.lastSeen = time.Now().Add(-3 * time.Minute)
	rl.cleanupLocked()
	_, stillPresent := rl.loginBuckets["10.0.0.1"]
	rl.loginMu.Unlock()

	if stillPresent {
		t.Fatal("expected idle login bucket to be evicted")
	}
}

func TestEmptyLoginKeyFallsBackToUnknown(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{LoginLimit: 1, LoginWindow: time.Minute})
	if allowed, _, _ := rl.AllowLogin(""); !allowed {
		t.Fatal("expected first attempt allowed")
	}
	if allowed, _, _ := rl.AllowLogin(""); allowed {
		t.Fatal("expected anonymous attempts to share one budget")
	}
}
