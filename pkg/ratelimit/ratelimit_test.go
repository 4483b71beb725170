package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/chainbridge/gatekeeper/pkg/store"
	"github.com/chainbridge/gatekeeper/pkg/store/memory"
)

func newTestLimiter(cfg Config) (*Limiter, func(d time.Duration)) {
	now := time.Unix(1_700_000_000, 0)
	windows := memory.New()
	windows.Now = func() time.Time { return now }
	l := New(windows, cfg, nil)
	l.Now = func() time.Time { return now }
	return l, func(d time.Duration) { now = now.Add(d) }
}

func TestRemainingCountsDown(t *testing.T) {
	l, _ := newTestLimiter(Config{Default: Rule{Limit: 3, Window: time.Minute}})
	ctx := context.Background()

	for i, want := range []int{2, 1, 0} {
		d := l.Check(ctx, "agent-1", "/v1/transaction/submit", 0)
		if !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
		if d.Remaining != want {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d := l.Check(ctx, "agent-1", "/v1/transaction/submit", 0)
	if d.Allowed {
		t.Fatal("4th request should be rejected")
	}
	if d.Remaining != 0 {
		t.Errorf("rejected Remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want in (0, 60s]", d.RetryAfter)
	}
}

func TestRejectedRequestsNotCounted(t *testing.T) {
	l, advance := newTestLimiter(Config{Default: Rule{Limit: 1, Window: 10 * time.Second}})
	ctx := context.Background()

	if d := l.Check(ctx, "agent-1", "/v1/sessions", 0); !d.Allowed {
		t.Fatal("first request rejected")
	}

	advance(5 * time.Second)
	if d := l.Check(ctx, "agent-1", "/v1/sessions", 0); d.Allowed {
		t.Fatal("request inside window admitted")
	}

	// Only the admission at t=0 occupies the window, so t=11 is clear.
	advance(6 * time.Second)
	if d := l.Check(ctx, "agent-1", "/v1/sessions", 0); !d.Allowed {
		t.Error("request after window slide rejected")
	}
}

func TestWindowSlides(t *testing.T) {
	l, advance := newTestLimiter(Config{Default: Rule{Limit: 2, Window: 10 * time.Second}})
	ctx := context.Background()

	l.Check(ctx, "agent-1", "/v1/sessions", 0) // t=0
	advance(6 * time.Second)
	l.Check(ctx, "agent-1", "/v1/sessions", 0) // t=6

	advance(5 * time.Second) // t=11: the t=0 event has aged out
	d := l.Check(ctx, "agent-1", "/v1/sessions", 0)
	if !d.Allowed {
		t.Error("request rejected after oldest event aged out")
	}
}

func TestTierMultiplier(t *testing.T) {
	l, _ := newTestLimiter(Config{Default: Rule{Limit: 2, Window: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if d := l.Check(ctx, "agent-1", "/v1/sessions", 2.0); !d.Allowed {
			t.Fatalf("request %d rejected with doubled limit", i+1)
		}
	}
	if d := l.Check(ctx, "agent-1", "/v1/sessions", 2.0); d.Allowed {
		t.Error("5th request admitted, effective limit should be 4")
	}
}

func TestMultiplierFloors(t *testing.T) {
	l, _ := newTestLimiter(Config{Default: Rule{Limit: 3, Window: time.Minute}})
	ctx := context.Background()

	// floor(3 * 0.5) = 1
	if d := l.Check(ctx, "agent-1", "/v1/sessions", 0.5); !d.Allowed || d.Limit != 1 {
		t.Errorf("Decision = %+v, want allowed with limit 1", d)
	}
	if d := l.Check(ctx, "agent-1", "/v1/sessions", 0.5); d.Allowed {
		t.Error("2nd request admitted above floored limit")
	}
}

func TestIdentifiersIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Default: Rule{Limit: 1, Window: time.Minute}})
	ctx := context.Background()

	l.Check(ctx, "agent-1", "/v1/sessions", 0)
	if d := l.Check(ctx, "agent-1", "/v1/sessions", 0); d.Allowed {
		t.Fatal("agent-1 should be saturated")
	}
	if d := l.Check(ctx, "agent-2", "/v1/sessions", 0); !d.Allowed {
		t.Error("agent-2 blocked by agent-1's traffic")
	}
}

func TestEndpointOverride(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Default:   Rule{Limit: 100, Window: time.Minute},
		Overrides: map[string]Rule{"/v1/governance/override": {Limit: 1, Window: time.Minute}},
	})
	ctx := context.Background()

	l.Check(ctx, "agent-1", "/v1/governance/override", 0)
	if d := l.Check(ctx, "agent-1", "/v1/governance/override", 0); d.Allowed {
		t.Error("override limit not applied")
	}
	if d := l.Check(ctx, "agent-1", "/v1/sessions", 0); !d.Allowed {
		t.Error("default endpoint affected by override")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/v1/transaction/12345", "/v1/transaction/:id"},
		{"/v1/transaction/12345/audit", "/v1/transaction/:id/audit"},
		{"/v1/sessions/0b9607b1-27a1-4f0e-8b6f-1d8a2f3e4c5d", "/v1/sessions/:id"},
		{"/v1/sessions?limit=10", "/v1/sessions"},
		{"/v1/sessions", "/v1/sessions"},
		{"/v1/tx-42", "/v1/tx-42"},
	}
	for _, tt := range tests {
		if got := NormalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizedEndpointsShareBucket(t *testing.T) {
	l, _ := newTestLimiter(Config{Default: Rule{Limit: 1, Window: time.Minute}})
	ctx := context.Background()

	l.Check(ctx, "agent-1", "/v1/transaction/111", 0)
	if d := l.Check(ctx, "agent-1", "/v1/transaction/222", 0); d.Allowed {
		t.Error("different ids under one template should share a bucket")
	}
}

type failingWindows struct{}

func (failingWindows) Slide(context.Context, string, time.Time, time.Duration, int) (store.SlideResult, error) {
	return store.SlideResult{}, store.ErrUnavailable
}

func TestFailOpenOnStoreError(t *testing.T) {
	l := New(failingWindows{}, Config{Default: Rule{Limit: 1, Window: time.Minute}}, nil)

	d := l.Check(context.Background(), "agent-1", "/v1/sessions", 0)
	if !d.Allowed {
		t.Error("limiter should fail open when the store is unreachable")
	}
	if !d.Degraded {
		t.Error("fail-open decision should be marked degraded")
	}
}
