package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		if err := l.Allow("teacher-1"); err != nil {
			t.Fatalf("unlimited limiter rejected: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("x"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}

func TestLimiter_BurstAndRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := range 2 {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third request err = %v, want ErrRateLimited", err)
	}
	if d := l.RetryAfter("a"); d <= 0 || d > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("other clients keep their own bucket: %v", err)
	}

	now = now.Add(time.Second)
	if err := l.Allow("a"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_EvictionResetsBucket(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, MaxClients: 1})
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); err == nil {
		t.Fatal("bucket of one should be empty")
	}
	_ = l.Allow("b") // evicts a
	if err := l.Allow("a"); err != nil {
		t.Errorf("evicted client should start over: %v", err)
	}
}
