// Package watchdog detects trading anomalies each tick and trips the
// per-user kill-switch. The kill-switch is one-way: the watchdog only
// ever disables, never re-enables.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/llm"
	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// DisabledBy is the marker written to TradingStatus when the watchdog
// trips the kill-switch.
const DisabledBy = "watchdog"

// Anomaly type labels recorded in watchdog events.
const (
	AnomalyLosingStreak   = "losing_streak"
	AnomalyRapidDrawdown  = "rapid_drawdown"
	AnomalyMarketMismatch = "market_mismatch"
)

// Config tunes the detectors.
type Config struct {
	// Window is the lookback over recent trades and equity marks.
	Window time.Duration
	// LossStreakCount is the consecutive-loss count that, combined
	// with LossStreakDollars, reads as a losing streak.
	LossStreakCount   int
	LossStreakDollars money.Amount
	// DrawdownPct is the fractional equity drop inside the window that
	// reads as a rapid drawdown, e.g. 0.05 for 5%.
	DrawdownPct money.Amount
	// MismatchBuyCount is the number of BUY trades against a
	// SHORT_GAMMA regime that reads as a market mismatch.
	MismatchBuyCount int
}

// DefaultConfig returns the production detector thresholds.
func DefaultConfig() Config {
	return Config{
		Window:            10 * time.Minute,
		LossStreakCount:   5,
		LossStreakDollars: money.FromInt(500),
		DrawdownPct:       money.MustParse("0.05"),
		MismatchBuyCount:  3,
	}
}

// equityMark is one observed equity point.
type equityMark struct {
	ts     time.Time
	equity money.Amount
}

// Watchdog runs the per-user anomaly pass. Equity history is held in
// memory per user, bounded by the window.
type Watchdog struct {
	logger *zap.Logger
	llm    llm.Client // nil when no LLM is configured
	cfg    Config

	mu     sync.Mutex
	equity map[string][]equityMark // "tid/uid" → marks, oldest first
}

// New builds a watchdog. The LLM client may be nil.
func New(logger *zap.Logger, llmClient llm.Client, cfg Config) *Watchdog {
	if cfg.Window == 0 {
		cfg = DefaultConfig()
	}
	return &Watchdog{
		logger: logger.Named("watchdog"),
		llm:    llmClient,
		cfg:    cfg,
		equity: make(map[string][]equityMark),
	}
}

// ObserveEquity records one equity point for drawdown detection and
// prunes marks older than the window.
func (w *Watchdog) ObserveEquity(tid, uid string, equity money.Amount, now time.Time) {
	key := tid + "/" + uid
	cutoff := now.Add(-w.cfg.Window)

	w.mu.Lock()
	defer w.mu.Unlock()
	marks := append(w.equity[key], equityMark{ts: now, equity: equity})
	kept := marks[:0]
	for _, m := range marks {
		if !m.ts.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	w.equity[key] = kept
}

// Check runs every detector for one user and applies consequences:
// CRITICAL and HIGH findings trip the kill-switch, MEDIUM findings are
// recorded only. Returns the events recorded this pass.
func (w *Watchdog) Check(ctx context.Context, st store.Store, tid, uid string, regime *types.MarketRegime, now time.Time) ([]types.WatchdogEvent, error) {
	trades, err := w.recentTrades(ctx, st, tid, uid, now)
	if err != nil {
		return nil, err
	}

	var events []types.WatchdogEvent

	if finding := w.losingStreak(trades); finding != "" {
		events = append(events, w.raise(ctx, st, tid, uid,
			AnomalyLosingStreak, types.SeverityCritical, finding, now))
	}
	if finding := w.rapidDrawdown(tid, uid); finding != "" {
		events = append(events, w.raise(ctx, st, tid, uid,
			AnomalyRapidDrawdown, types.SeverityHigh, finding, now))
	}
	if finding := w.marketMismatch(trades, regime); finding != "" {
		events = append(events, w.raise(ctx, st, tid, uid,
			AnomalyMarketMismatch, types.SeverityMedium, finding, now))
	}
	return events, nil
}

// recentTrades loads the user's trades inside the window, oldest first.
func (w *Watchdog) recentTrades(ctx context.Context, st store.Store, tid, uid string, now time.Time) ([]types.ShadowTrade, error) {
	docs, err := st.List(ctx, store.UserPath(tid, uid, "shadowTradeHistory"))
	if err != nil {
		return nil, fmt.Errorf("watchdog: list trades for %s: %w", uid, err)
	}

	cutoff := now.Add(-w.cfg.Window)
	var out []types.ShadowTrade
	for _, doc := range docs {
		var trade types.ShadowTrade
		if err := doc.Decode(&trade); err != nil {
			continue
		}
		if trade.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, trade)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// losingStreak reports a trailing run of losses long and deep enough
// to trip the kill-switch.
func (w *Watchdog) losingStreak(trades []types.ShadowTrade) string {
	streak := 0
	loss := money.Zero
	for i := len(trades) - 1; i >= 0; i-- {
		if !trades[i].PnLPercent.IsNegative() {
			break
		}
		streak++
		loss = loss.Add(trades[i].CurrentPnL)
	}
	if streak < w.cfg.LossStreakCount {
		return ""
	}
	if loss.Neg().LessThan(w.cfg.LossStreakDollars) {
		return ""
	}
	return fmt.Sprintf("%d consecutive losing trades totaling %s", streak, loss.StringFixed(2))
}

// rapidDrawdown reports an equity drop beyond the threshold inside the
// observed window.
func (w *Watchdog) rapidDrawdown(tid, uid string) string {
	w.mu.Lock()
	marks := w.equity[tid+"/"+uid]
	w.mu.Unlock()
	if len(marks) < 2 {
		return ""
	}

	peak := marks[0].equity
	current := marks[len(marks)-1].equity
	for _, m := range marks {
		peak = peak.Max(m.equity)
	}
	if peak.IsZero() {
		return ""
	}
	drop, err := peak.Sub(current).Div(peak, money.DefaultScale, money.RoundHalfUp)
	if err != nil {
		return ""
	}
	if !drop.GreaterThan(w.cfg.DrawdownPct) {
		return ""
	}
	return fmt.Sprintf("equity dropped %s%% inside the window (peak %s, now %s)",
		drop.Mul(money.FromInt(100)).StringFixed(2),
		peak.StringFixed(2), current.StringFixed(2))
}

// marketMismatch reports a cluster of BUY entries recorded against a
// SHORT_GAMMA regime. Advisory only.
func (w *Watchdog) marketMismatch(trades []types.ShadowTrade, regime *types.MarketRegime) string {
	if regime == nil || regime.Regime != types.RegimeShortGamma {
		return ""
	}
	buys := 0
	for _, trade := range trades {
		if trade.Side == types.SideBuy {
			buys++
		}
	}
	if buys < w.cfg.MismatchBuyCount {
		return ""
	}
	return fmt.Sprintf("%d BUY trades recorded against a SHORT_GAMMA regime", buys)
}

// raise records the event, writes the alert, and for HIGH or CRITICAL
// severities trips the kill-switch.
func (w *Watchdog) raise(ctx context.Context, st store.Store, tid, uid, anomaly string, severity types.Severity, finding string, now time.Time) types.WatchdogEvent {
	tripped := severity == types.SeverityCritical || severity == types.SeverityHigh

	event := types.WatchdogEvent{
		ID:          uuid.NewString(),
		AnomalyType: anomaly,
		Severity:    severity,
		KillSwitch:  tripped,
		Explanation: w.explain(ctx, anomaly, finding),
		TS:          now,
	}
	if err := st.Set(ctx, store.UserPath(tid, uid, "watchdog_events", event.ID), event); err != nil {
		w.logger.Error("failed to record watchdog event", zap.Error(err))
	}

	if tripped {
		w.trip(ctx, st, tid, uid, anomaly, finding, now)
	}

	// A tripped kill-switch is always a CRITICAL alert, whatever the
	// severity of the anomaly that pulled it.
	alertSeverity := severity
	if tripped {
		alertSeverity = types.SeverityCritical
	}
	alert := types.Alert{
		ID:       uuid.NewString(),
		Type:     anomaly,
		Severity: alertSeverity,
		Title:    "Trading anomaly: " + strings.ReplaceAll(anomaly, "_", " "),
		Message:  event.Explanation,
		TS:       now,
	}
	if err := st.Set(ctx, store.UserPath(tid, uid, "alerts", alert.ID), alert); err != nil {
		w.logger.Error("failed to record alert", zap.Error(err))
	}

	w.logger.Warn("anomaly detected",
		zap.String("uid", uid),
		zap.String("anomaly", anomaly),
		zap.String("severity", string(severity)),
		zap.Bool("kill_switch", tripped),
		zap.String("finding", finding),
	)
	return event
}

// trip disables trading for the user. Never re-enables and never
// overwrites an existing disable.
func (w *Watchdog) trip(ctx context.Context, st store.Store, tid, uid, anomaly, finding string, now time.Time) {
	path := store.UserPath(tid, uid, "status", "trading")

	var status types.TradingStatus
	if err := st.Get(ctx, path, &status); err == nil && !status.Enabled {
		return
	}

	status = types.TradingStatus{
		Enabled:    false,
		DisabledBy: DisabledBy,
		Reason:     anomaly + ": " + finding,
		Since:      now,
	}
	if err := st.Set(ctx, path, status); err != nil {
		w.logger.Error("failed to trip kill-switch",
			zap.String("uid", uid),
			zap.Error(err),
		)
		return
	}
	w.logger.Warn("kill-switch tripped",
		zap.String("uid", uid),
		zap.String("anomaly", anomaly),
	)
}

// explain prefers an LLM narration of the finding with a deterministic
// fallback. Advisory only.
func (w *Watchdog) explain(ctx context.Context, anomaly, finding string) string {
	fallback := fmt.Sprintf("%s: %s", anomaly, finding)
	if w.llm == nil {
		return fallback
	}
	text, err := w.llm.Generate(ctx, "Explain this trading anomaly in one sentence: "+fallback)
	if err != nil || strings.TrimSpace(text) == "" {
		return fallback
	}
	return strings.TrimSpace(text)
}
