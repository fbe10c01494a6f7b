package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	limiter := newRateLimiter(3, 10, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d should be within budget", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("fourth request should exceed the budget")
	}
	if !limiter.allow("10.0.0.2") {
		t.Fatal("a different client must not share the budget")
	}
}

func TestRateLimiterBlocksAfterAuthFailures(t *testing.T) {
	limiter := newRateLimiter(120, 3, time.Minute)

	if limiter.addAuthFailure("10.0.0.9") {
		t.Fatal("first failure must not block")
	}
	if limiter.addAuthFailure("10.0.0.9") {
		t.Fatal("second failure must not block")
	}
	if !limiter.addAuthFailure("10.0.0.9") {
		t.Fatal("third failure should cross the lockout threshold")
	}
	if limiter.allow("10.0.0.9") {
		t.Fatal("blocked client must be refused")
	}
}

func TestRateLimiterClearResetsFailures(t *testing.T) {
	limiter := newRateLimiter(120, 2, time.Minute)

	limiter.addAuthFailure("10.0.0.5")
	limiter.clearAuthFailures("10.0.0.5")
	if limiter.addAuthFailure("10.0.0.5") {
		t.Fatal("failure count should restart after a successful auth")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	limiter := newRateLimiter(2, 10, time.Minute)

	limiter.allow("10.0.0.7")
	limiter.allow("10.0.0.7")
	if limiter.allow("10.0.0.7") {
		t.Fatal("budget should be spent")
	}

	limiter.mu.Lock()
	limiter.clients["10.0.0.7"].start = time.Now().Add(-2 * time.Minute)
	limiter.mu.Unlock()

	if !limiter.allow("10.0.0.7") {
		t.Fatal("a fresh window should restore the budget")
	}
}

func TestRateLimiterPruneKeepsBlockedClients(t *testing.T) {
	limiter := newRateLimiter(120, 10, time.Minute)
	now := time.Now()

	limiter.clients["stale"] = &clientWindow{
		start:    now.Add(-2 * time.Hour),
		lastSeen: now.Add(-2 * time.Hour),
	}
	limiter.clients["blocked-stale"] = &clientWindow{
		start:        now.Add(-2 * time.Hour),
		lastSeen:     now.Add(-2 * time.Hour),
		blockedUntil: now.Add(5 * time.Minute),
	}
	limiter.clients["fresh"] = &clientWindow{start: now, lastSeen: now}

	limiter.ops = 255 // next operation triggers the prune pass
	limiter.maybePrune(now)

	if _, ok := limiter.clients["stale"]; ok {
		t.Fatal("expected stale client to be pruned")
	}
	if _, ok := limiter.clients["blocked-stale"]; !ok {
		t.Fatal("expected blocked client to survive pruning")
	}
	if _, ok := limiter.clients["fresh"]; !ok {
		t.Fatal("expected fresh client to survive pruning")
	}
}

func TestClientIPParsing(t *testing.T) {
	cases := map[string]string{
		"192.168.1.5:41000": "192.168.1.5",
		"[::1]:8080":        "::1",
		"10.1.2.3":          "10.1.2.3",
	}
	for in, want := range cases {
		if got := clientIP(in); got != want {
			t.Fatalf("clientIP(%q) = %q, want %q", in, got, want)
		}
	}
}
