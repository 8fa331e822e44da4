package ratelimit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	// 10 tokens/sec, capacity 5
	limiter := New(10, 5)

	// Should allow 5 requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// 6th request should be denied
	if limiter.Allow() {
		t.Error("6th request should be denied")
	}
}

func TestLimiterRefill(t *testing.T) {
	// 100 tokens/sec, capacity 10
	limiter := New(100, 10)

	// Drain all tokens
	for i := 0; i < 10; i++ {
		limiter.Allow()
	}

	// Should be empty
	if limiter.Allow() {
		t.Error("should be empty")
	}

	// Wait for refill (100ms should add ~10 tokens)
	time.Sleep(100 * time.Millisecond)

	// Should have tokens again
	if !limiter.Allow() {
		t.Error("should have tokens after refill")
	}
}

func TestLimiterAllowN(t *testing.T) {
	limiter := New(10, 10)

	// Should allow 5 at once
	if !limiter.AllowN(5) {
		t.Error("should allow 5 requests")
	}

	// Should allow another 5
	if !limiter.AllowN(5) {
		t.Error("should allow 5 more requests")
	}

	// Should deny 1
	if limiter.AllowN(1) {
		t.Error("should deny after capacity reached")
	}
}

func TestLimiterTokens(t *testing.T) {
	limiter := New(10, 5)
	tokens := limiter.Tokens()
	if tokens != 5 {
		t.Errorf("expected 5 tokens, got %f", tokens)
	}

	limiter.Allow()
	tokens = limiter.Tokens()
	if tokens < 3.9 || tokens > 4.1 {
		t.Errorf("expected ~4 tokens, got %f", tokens)
	}
}

func TestLimiterConcurrent(t *testing.T) {
	limiter := New(1000, 100)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	// Launch 200 concurrent requests
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- limiter.Allow()
		}()
	}

	wg.Wait()
	close(allowed)

	// Count allowed requests
	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}

	// Should have allowed approximately 100 (allowing for minor timing variance)
	if count < 99 || count > 105 {
		t.Errorf("expected ~100 allowed, got %d", count)
	}
}

func TestLimiterWait(t *testing.T) {
	limiter := New(100, 1)
	ctx := context.Background()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first wait should not block: %v", err)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("second wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("second wait should block for a refill, took %v", elapsed)
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	limiter := New(0.001, 1)
	limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx); err == nil {
		t.Error("wait should fail when the context ends first")
	}
}

func TestKeyedLimiterSeparatesKeys(t *testing.T) {
	kl := NewKeyed(1, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if !kl.Allow("emails") {
			t.Errorf("emails request %d should be allowed", i)
		}
	}
	if kl.Allow("emails") {
		t.Error("third emails request should be denied")
	}
	if !kl.Allow("audit") {
		t.Error("audit has its own bucket")
	}
	if kl.Len() != 2 {
		t.Errorf("expected 2 keys, got %d", kl.Len())
	}
}

func TestKeyedLimiterWaitNamesKey(t *testing.T) {
	kl := NewKeyed(0.001, 1, time.Minute)
	kl.Allow("emails")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := kl.Wait(ctx, "emails")
	if err == nil {
		t.Fatal("wait should fail when the context ends first")
	}
	if got := err.Error(); !strings.Contains(got, `"emails"`) {
		t.Errorf("error should name the key, got %q", got)
	}
}

func TestKeyedLimiterDropsIdleKeys(t *testing.T) {
	kl := NewKeyed(1000, 1, 5*time.Millisecond)
	kl.Allow("a")
	kl.Allow("b")

	time.Sleep(20 * time.Millisecond)
	kl.Allow("c")
	if kl.Len() != 1 {
		t.Errorf("expected idle keys to be dropped, have %d", kl.Len())
	}
}
