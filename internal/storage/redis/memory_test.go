package redis

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := cache.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := cache.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("unexpected get: value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	current := time.Now()
	cache.now = func() time.Time { return current }

	if err := cache.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "k"); !ok {
		t.Fatalf("entry should be live before expiry")
	}

	current = current.Add(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatalf("entry should have expired")
	}
}

func TestCacheKeys(t *testing.T) {
	if got := NormalizeQuery("  How   DO i Deploy  "); got != "how do i deploy" {
		t.Fatalf("unexpected normalization: %q", got)
	}
	if got := RetrieveKey("confluence", "Deploy  Guide"); got != "agentflow:retrieve:confluence:deploy guide" {
		t.Fatalf("unexpected retrieve key: %q", got)
	}
	if got := AnswerKey("Deploy Guide"); got != "agentflow:answer:deploy guide" {
		t.Fatalf("unexpected answer key: %q", got)
	}
	if got := AnswerKey("Deploy Guide", "Jira ", "confluence"); got != "agentflow:answer:confluence,jira:deploy guide" {
		t.Fatalf("unexpected scoped answer key: %q", got)
	}
	if AnswerKey("Deploy Guide", "confluence") == AnswerKey("Deploy Guide") {
		t.Fatalf("scoped key must not collide with the fan-out key")
	}
}
