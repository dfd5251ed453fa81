package watchdog

import (
	"context"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

var now = time.Date(2026, 8, 24, 16, 0, 0, 0, time.UTC)

func seedTrades(t *testing.T, mem *store.Memory, trades []types.ShadowTrade) {
	t.Helper()
	for _, trade := range trades {
		path := store.UserPath("t1", "u1", "shadowTradeHistory", trade.ID)
		if err := mem.Set(context.Background(), path, trade); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func losingTrades(n int, eachLoss int64) []types.ShadowTrade {
	out := make([]types.ShadowTrade, n)
	for i := range out {
		out[i] = types.ShadowTrade{
			ID:         "loss" + strconv.Itoa(i),
			Symbol:     "SPY",
			Side:       types.SideBuy,
			CurrentPnL: money.FromInt(-eachLoss),
			PnLPercent: money.MustParse("-1.5"),
			Status:     types.TradeOpen,
			CreatedAt:  now.Add(time.Duration(i-8) * time.Minute),
		}
	}
	return out
}

func enableUser(t *testing.T, mem *store.Memory) {
	t.Helper()
	err := mem.Set(context.Background(),
		store.UserPath("t1", "u1", "status", "trading"),
		types.TradingStatus{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
}

func tradingStatus(t *testing.T, mem *store.Memory) types.TradingStatus {
	t.Helper()
	var status types.TradingStatus
	if err := mem.Get(context.Background(),
		store.UserPath("t1", "u1", "status", "trading"), &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	return status
}

func TestLosingStreakTripsKillSwitch(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)
	seedTrades(t, mem, losingTrades(5, 150)) // 5 losses, $750 total

	w := New(zap.NewNop(), nil, DefaultConfig())
	events, err := w.Check(context.Background(), view, "t1", "u1", nil, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.AnomalyType != AnomalyLosingStreak || ev.Severity != types.SeverityCritical || !ev.KillSwitch {
		t.Errorf("event = %+v", ev)
	}

	status := tradingStatus(t, mem)
	if status.Enabled {
		t.Error("kill-switch did not trip")
	}
	if status.DisabledBy != DisabledBy {
		t.Errorf("DisabledBy = %q, want %q", status.DisabledBy, DisabledBy)
	}

	// The alert landed, unread.
	alerts, err := mem.List(context.Background(), store.UserPath("t1", "u1", "alerts"))
	if err != nil || len(alerts) != 1 {
		t.Fatalf("alerts = %d err = %v", len(alerts), err)
	}
	var alert types.Alert
	if err := alerts[0].Decode(&alert); err != nil {
		t.Fatal(err)
	}
	if alert.Read || alert.Severity != types.SeverityCritical {
		t.Errorf("alert = %+v", alert)
	}
}

func TestShortStreakDoesNotTrip(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)
	seedTrades(t, mem, losingTrades(4, 500))

	w := New(zap.NewNop(), nil, DefaultConfig())
	events, err := w.Check(context.Background(), view, "t1", "u1", nil, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
	if !tradingStatus(t, mem).Enabled {
		t.Error("kill-switch tripped on a 4-trade streak")
	}
}

func TestShallowStreakDoesNotTrip(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)
	seedTrades(t, mem, losingTrades(6, 20)) // $120 total, under the dollar floor

	w := New(zap.NewNop(), nil, DefaultConfig())
	events, err := w.Check(context.Background(), view, "t1", "u1", nil, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

func TestWinBreaksTheStreak(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)

	trades := losingTrades(6, 200)
	// Most recent trade is a winner.
	trades[5].CurrentPnL = money.FromInt(50)
	trades[5].PnLPercent = money.MustParse("0.5")
	seedTrades(t, mem, trades)

	w := New(zap.NewNop(), nil, DefaultConfig())
	events, err := w.Check(context.Background(), view, "t1", "u1", nil, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

func TestRapidDrawdownTripsKillSwitch(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)

	w := New(zap.NewNop(), nil, DefaultConfig())
	w.ObserveEquity("t1", "u1", money.FromInt(100000), now.Add(-8*time.Minute))
	w.ObserveEquity("t1", "u1", money.FromInt(93000), now) // -7%

	events, err := w.Check(context.Background(), view, "t1", "u1", nil, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(events) != 1 || events[0].AnomalyType != AnomalyRapidDrawdown {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Severity != types.SeverityHigh || !events[0].KillSwitch {
		t.Errorf("event = %+v", events[0])
	}
	if tradingStatus(t, mem).Enabled {
		t.Error("kill-switch did not trip")
	}

	// The event stays HIGH but the kill-switch alert escalates.
	alerts, err := mem.List(context.Background(), store.UserPath("t1", "u1", "alerts"))
	if err != nil || len(alerts) != 1 {
		t.Fatalf("alerts = %d err = %v", len(alerts), err)
	}
	var alert types.Alert
	if err := alerts[0].Decode(&alert); err != nil {
		t.Fatal(err)
	}
	if alert.Severity != types.SeverityCritical {
		t.Errorf("alert severity = %s, want CRITICAL on a tripped kill-switch", alert.Severity)
	}
}

func TestModestDipDoesNotTrip(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)

	w := New(zap.NewNop(), nil, DefaultConfig())
	w.ObserveEquity("t1", "u1", money.FromInt(100000), now.Add(-5*time.Minute))
	w.ObserveEquity("t1", "u1", money.FromInt(97000), now) // -3%

	events, err := w.Check(context.Background(), view, "t1", "u1", nil, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

func TestMarketMismatchLogsOnly(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)

	var buys []types.ShadowTrade
	for i := 0; i < 3; i++ {
		buys = append(buys, types.ShadowTrade{
			ID:         "buy" + strconv.Itoa(i),
			Symbol:     "SPY",
			Side:       types.SideBuy,
			PnLPercent: money.MustParse("0.1"),
			Status:     types.TradeOpen,
			CreatedAt:  now.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	seedTrades(t, mem, buys)

	regime := &types.MarketRegime{Regime: types.RegimeShortGamma}
	w := New(zap.NewNop(), nil, DefaultConfig())
	events, err := w.Check(context.Background(), view, "t1", "u1", regime, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if len(events) != 1 || events[0].AnomalyType != AnomalyMarketMismatch {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Severity != types.SeverityMedium || events[0].KillSwitch {
		t.Errorf("event = %+v", events[0])
	}
	// MEDIUM is advisory: trading stays enabled.
	if !tradingStatus(t, mem).Enabled {
		t.Error("MEDIUM anomaly tripped the kill-switch")
	}
}

func TestTripIsOneWay(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")

	// Already disabled by the user; the watchdog must not overwrite.
	err := mem.Set(context.Background(),
		store.UserPath("t1", "u1", "status", "trading"),
		types.TradingStatus{Enabled: false, DisabledBy: "user", Reason: "vacation"})
	if err != nil {
		t.Fatal(err)
	}
	seedTrades(t, mem, losingTrades(5, 200))

	w := New(zap.NewNop(), nil, DefaultConfig())
	if _, err := w.Check(context.Background(), view, "t1", "u1", nil, now); err != nil {
		t.Fatalf("Check: %v", err)
	}

	status := tradingStatus(t, mem)
	if status.DisabledBy != "user" || status.Reason != "vacation" {
		t.Errorf("existing disable overwritten: %+v", status)
	}
}

func TestOldTradesFallOutOfWindow(t *testing.T) {
	mem := store.NewMemory()
	view := store.ForTenant(mem, "t1")
	enableUser(t, mem)

	trades := losingTrades(5, 200)
	for i := range trades {
		trades[i].CreatedAt = now.Add(-30 * time.Minute)
	}
	seedTrades(t, mem, trades)

	w := New(zap.NewNop(), nil, DefaultConfig())
	events, err := w.Check(context.Background(), view, "t1", "u1", nil, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, want none for stale trades", events)
	}
}
