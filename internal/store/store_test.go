package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/store"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	type doc struct {
		Name string `json:"name"`
	}
	path := store.UserPath("t1", "u1", "config", "alpaca")
	if err := m.Set(ctx, path, doc{Name: "paper"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out doc
	if err := m.Get(ctx, path, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Name != "paper" {
		t.Errorf("got %q", out.Name)
	}

	var missing doc
	err := m.Get(ctx, store.UserPath("t1", "u1", "config", "nope"), &missing)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryListDirectChildrenOnly(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	coll := store.UserPath("t1", "u1", "shadowTradeHistory")
	_ = m.Set(ctx, coll+"/trade1", map[string]string{"id": "trade1"})
	_ = m.Set(ctx, coll+"/trade2", map[string]string{"id": "trade2"})
	_ = m.Set(ctx, coll+"/trade2/sub/doc", map[string]string{"id": "nested"})
	_ = m.Set(ctx, store.UserPath("t1", "u2", "shadowTradeHistory", "other"), map[string]string{"id": "other"})

	docs, err := m.List(ctx, coll)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].ID() != "trade1" || docs[1].ID() != "trade2" {
		t.Errorf("unexpected ids %s %s", docs[0].ID(), docs[1].ID())
	}
}

func TestTenantedRejectsForeignWrites(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	scoped := store.ForTenant(m, "t1")

	cases := []string{
		store.UserPath("t2", "u1", "data", "snapshot"),
		"systemStatus/market_regime/SPY",
		"tenants/t11/users/u1/data/snapshot", // prefix of tid must match a full segment
	}
	for _, path := range cases {
		if err := scoped.Set(ctx, path, map[string]int{"x": 1}); !errors.Is(err, store.ErrInvariantViolation) {
			t.Errorf("Set(%s): expected ErrInvariantViolation, got %v", path, err)
		}
		var out map[string]int
		if err := scoped.Get(ctx, path, &out); !errors.Is(err, store.ErrInvariantViolation) {
			t.Errorf("Get(%s): expected ErrInvariantViolation, got %v", path, err)
		}
	}

	if m.Len() != 0 {
		t.Fatalf("foreign writes leaked into the store: %v", m.Paths())
	}

	// Writes inside the tenant subtree succeed.
	if err := scoped.Set(ctx, store.UserPath("t1", "u1", "data", "snapshot"), map[string]int{"x": 1}); err != nil {
		t.Fatalf("in-tenant Set: %v", err)
	}
}

func TestTenantedListGuard(t *testing.T) {
	ctx := context.Background()
	scoped := store.ForTenant(store.NewMemory(), "t1")

	if _, err := scoped.List(ctx, store.UserPath("t2", "u1", "alerts")); !errors.Is(err, store.ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}
	if _, err := scoped.List(ctx, store.UserPath("t1", "u1", "alerts")); err != nil {
		t.Errorf("in-tenant List: %v", err)
	}
}

func TestWriteLimiterEnforcesBudget(t *testing.T) {
	ctx := context.Background()
	cfg := store.LimiterConfig{WritesPerSecond: 50, Burst: 5, JitterAbove: 0, MaxJitter: 0}
	limited := store.NewWriteLimiter(zap.NewNop(), store.NewMemory(), cfg)

	const n = 30
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := store.UserPath("t1", "u1", "alerts", "a"+strings.Repeat("x", i%3)+string(rune('a'+i)))
			_ = limited.Set(ctx, path, map[string]int{"i": i})
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// 30 writes at 50/s with a burst of 5 needs at least (30-5)/50 = 500ms.
	if elapsed < 400*time.Millisecond {
		t.Errorf("30 writes finished in %v; limiter not enforcing budget", elapsed)
	}
	if got := limited.Writes(); got != n {
		t.Errorf("Writes() = %d, want %d", got, n)
	}
}

func TestWriteLimiterThrottlesHotDocument(t *testing.T) {
	ctx := context.Background()
	// Global budget far above the per-document one.
	cfg := store.LimiterConfig{WritesPerSecond: 1000, Burst: 100, PerDocPerSecond: 10, JitterAbove: 0}
	limited := store.NewWriteLimiter(zap.NewNop(), store.NewMemory(), cfg)

	hot := store.UserPath("t1", "u1", "status", "trading")
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limited.Set(ctx, hot, map[string]int{"i": i}); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// 5 writes at 10/s with a burst of 1 needs at least 4/10 = 400ms.
	if elapsed < 300*time.Millisecond {
		t.Errorf("5 hot-document writes finished in %v; per-document budget not enforced", elapsed)
	}

	// The same volume spread over distinct documents is not throttled.
	start = time.Now()
	for i := 0; i < 5; i++ {
		path := store.UserPath("t1", "u1", "alerts", "a"+string(rune('a'+i)))
		if err := limited.Set(ctx, path, i); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("5 distinct-document writes took %v; global headroom should absorb them", elapsed)
	}
}

func TestWriteLimiterRespectsCancellation(t *testing.T) {
	cfg := store.LimiterConfig{WritesPerSecond: 1, Burst: 1, JitterAbove: 0}
	limited := store.NewWriteLimiter(zap.NewNop(), store.NewMemory(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// First write consumes the bucket, second must block and then fail.
	_ = limited.Set(ctx, store.UserPath("t1", "u1", "alerts", "a1"), 1)
	err := limited.Set(ctx, store.UserPath("t1", "u1", "alerts", "a2"), 2)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
