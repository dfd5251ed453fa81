// Package perf tracks realized strategy performance with FIFO lot
// accounting and a rolling Sharpe ratio over daily returns.
package perf

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// TrackerConfig bounds the rolling window.
type TrackerConfig struct {
	// WindowDays is the rolling lookback for realized trades.
	WindowDays int
	// MinDays is the minimum number of populated daily points before a
	// Sharpe ratio is reported at all.
	MinDays int
}

// DefaultTrackerConfig returns the 30-day / 5-point window.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{WindowDays: 30, MinDays: 5}
}

// annualization converts daily Sharpe to annualized (√252 trading days).
var annualization = math.Sqrt(252)

// lot is one open position slice awaiting FIFO matching.
type lot struct {
	side  types.Side
	qty   money.Amount
	price money.Amount
	ts    time.Time
}

// Tracker accounts one strategy's fills. Safe for concurrent use.
type Tracker struct {
	logger *zap.Logger
	cfg    TrackerConfig

	mu       sync.Mutex
	lots     map[string][]lot // symbol → open lots, oldest first
	realized []types.RealizedTrade
}

// NewTracker builds an empty tracker.
func NewTracker(logger *zap.Logger, cfg TrackerConfig) *Tracker {
	if cfg.WindowDays <= 0 {
		cfg = DefaultTrackerConfig()
	}
	return &Tracker{
		logger: logger.Named("perf"),
		cfg:    cfg,
		lots:   make(map[string][]lot),
	}
}

// RecordFill ingests one fill. A fill opposite to existing open lots
// realizes P&L against the earliest lots first; any remainder opens a
// new lot. Returns the round trips realized by this fill.
func (t *Tracker) RecordFill(symbol string, side types.Side, qty, price money.Amount, ts time.Time) []types.RealizedTrade {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := qty
	var closed []types.RealizedTrade

	open := t.lots[symbol]
	for len(open) > 0 && remaining.IsPositive() && open[0].side != side {
		head := open[0]
		matched := remaining.Min(head.qty)

		pnl := price.Sub(head.price).Mul(matched)
		if head.side == types.SideSell {
			pnl = pnl.Neg()
		}
		closed = append(closed, types.RealizedTrade{
			Symbol:     symbol,
			Quantity:   matched,
			EntryPrice: head.price,
			ExitPrice:  price,
			PnL:        pnl,
			ClosedAt:   ts,
		})

		remaining = remaining.Sub(matched)
		head.qty = head.qty.Sub(matched)
		if head.qty.IsZero() {
			open = open[1:]
		} else {
			open[0] = head
		}
	}

	if remaining.IsPositive() {
		open = append(open, lot{side: side, qty: remaining, price: price, ts: ts})
	}
	t.lots[symbol] = open

	t.realized = append(t.realized, closed...)
	t.prune(ts)
	return closed
}

// RecordRealized ingests an already-closed round trip, used when trades
// are closed by the executor rather than matched from raw fills.
func (t *Tracker) RecordRealized(rt types.RealizedTrade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realized = append(t.realized, rt)
	t.prune(rt.ClosedAt)
}

// prune drops realized trades that fell out of the window. Caller holds mu.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.AddDate(0, 0, -t.cfg.WindowDays)
	kept := t.realized[:0]
	for _, rt := range t.realized {
		if !rt.ClosedAt.Before(cutoff) {
			kept = append(kept, rt)
		}
	}
	t.realized = kept
}

// Realized returns the realized trades inside the window, oldest first.
func (t *Tracker) Realized(now time.Time) []types.RealizedTrade {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.AddDate(0, 0, -t.cfg.WindowDays)
	var out []types.RealizedTrade
	for _, rt := range t.realized {
		if !rt.ClosedAt.Before(cutoff) {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out
}

// RealizedPnL sums the window's realized P&L.
func (t *Tracker) RealizedPnL(now time.Time) money.Amount {
	sum := money.Zero
	for _, rt := range t.Realized(now) {
		sum = sum.Add(rt.PnL)
	}
	return sum
}

// Sharpe returns the annualized Sharpe ratio of daily realized returns
// over the window, or nil when fewer than MinDays daily points are
// populated or the series has no variance.
func (t *Tracker) Sharpe(now time.Time) *float64 {
	trades := t.Realized(now)

	daily := make(map[string]money.Amount)
	for _, rt := range trades {
		day := rt.ClosedAt.UTC().Format("2006-01-02")
		daily[day] = daily[day].Add(rt.PnL)
	}
	if len(daily) < t.cfg.MinDays {
		return nil
	}

	returns := make([]float64, 0, len(daily))
	for _, pnl := range daily {
		returns = append(returns, pnl.Float64())
	}

	mean := stat.Mean(returns, nil)
	sd := stat.StdDev(returns, nil)
	if sd == 0 || math.IsNaN(sd) {
		return nil
	}
	s := mean / sd * annualization
	return &s
}

// OpenLots reports open (unmatched) quantity for a symbol. Test hook
// and exposure input for the concentration guard.
func (t *Tracker) OpenLots(symbol string) (qty money.Amount, side types.Side) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := money.Zero
	for _, l := range t.lots[symbol] {
		sum = sum.Add(l.qty)
		side = l.side
	}
	return sum, side
}

// Book keys trackers by {tenant, user, agent}, creating them on
// demand. Performance history never crosses a tenant or user boundary:
// one user's losses must not demote an agent for anyone else.
type Book struct {
	logger *zap.Logger
	cfg    TrackerConfig

	mu    sync.Mutex
	units map[string]map[string]*Tracker // "tid/uid" → agent id → tracker
}

// NewBook builds an empty book.
func NewBook(logger *zap.Logger, cfg TrackerConfig) *Book {
	return &Book{
		logger: logger,
		cfg:    cfg,
		units:  make(map[string]map[string]*Tracker),
	}
}

// Tracker returns the tracker for an agent within one tenant/user
// scope, creating it if absent.
func (b *Book) Tracker(tid, uid, agentID string) *Tracker {
	key := tid + "/" + uid
	b.mu.Lock()
	defer b.mu.Unlock()
	agents, ok := b.units[key]
	if !ok {
		agents = make(map[string]*Tracker)
		b.units[key] = agents
	}
	t, ok := agents[agentID]
	if !ok {
		t = NewTracker(b.logger.With(
			zap.String("tid", tid),
			zap.String("uid", uid),
			zap.String("agent_id", agentID),
		), b.cfg)
		agents[agentID] = t
	}
	return t
}

// Sharpes snapshots the current Sharpe of every agent that has traded
// for this tenant/user. Agents without enough history map to nil;
// agents the unit has never traded are absent.
func (b *Book) Sharpes(tid, uid string, now time.Time) map[string]*float64 {
	key := tid + "/" + uid
	b.mu.Lock()
	defer b.mu.Unlock()
	agents := b.units[key]
	out := make(map[string]*float64, len(agents))
	for id, t := range agents {
		out[id] = t.Sharpe(now)
	}
	return out
}
