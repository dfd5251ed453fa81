// Package heartbeat drives the per-minute tick: tenant fan-out into
// bounded per-user units, each running the snapshot → P&L → maestro →
// consensus → risk → executor pipeline with strict isolation.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/broker"
	"github.com/maestrohq/trading-core/internal/consensus"
	"github.com/maestrohq/trading-core/internal/executor"
	"github.com/maestrohq/trading-core/internal/maestro"
	"github.com/maestrohq/trading-core/internal/marketdata"
	"github.com/maestrohq/trading-core/internal/perf"
	"github.com/maestrohq/trading-core/internal/pnl"
	"github.com/maestrohq/trading-core/internal/regime"
	"github.com/maestrohq/trading-core/internal/risk"
	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/internal/strategy"
	"github.com/maestrohq/trading-core/internal/watchdog"
	"github.com/maestrohq/trading-core/internal/whale"
	"github.com/maestrohq/trading-core/internal/workers"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// ErrPersistenceOutage is returned when the tick summary could not be
// persisted for the configured number of consecutive ticks. Treated as
// fatal by the caller: a core that cannot audit must not trade.
var ErrPersistenceOutage = errors.New("heartbeat: persistence outage")

// historySize bounds the in-memory quote history per symbol.
const historySize = 120

// Config tunes the scheduler.
type Config struct {
	// Symbol is the traded underlying.
	Symbol string
	// TickDeadline bounds one whole tick.
	TickDeadline time.Duration
	// UnitDeadline bounds one per-user unit.
	UnitDeadline time.Duration
	// Workers bounds unit concurrency.
	Workers int
	// OutageFatalTicks is the consecutive summary-write failure count
	// that escalates to ErrPersistenceOutage.
	OutageFatalTicks int
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Symbol:           "SPY",
		TickDeadline:     45 * time.Second,
		UnitDeadline:     10 * time.Second,
		Workers:          16,
		OutageFatalTicks: 5,
	}
}

// Deps collects the components one tick drives.
type Deps struct {
	Store         store.Store // rate-limited backing store
	Broker        broker.Client
	BrokerFactory broker.Factory // optional; builds per-user clients
	Registry      *strategy.Registry
	Book          *perf.Book
	Maestro       *maestro.Maestro
	Consensus     *consensus.Engine
	Breaker       *risk.Breaker
	Executor      *executor.Executor
	PnL           *pnl.Materializer
	Watchdog      *watchdog.Watchdog
	Whale         *whale.Engine
	Options       marketdata.OptionsClient // optional; volatility index
	// OnTick observes every completed tick summary. Optional.
	OnTick func(types.TickSummary)
}

// tenantRecord and userRecord are the minimal shapes of the directory
// documents the fan-out reads.
type tenantRecord struct {
	Active bool `json:"active"`
}

type userRecord struct {
	Onboarded bool `json:"onboarded"`
}

// Heartbeat runs the tick loop state: quote history, session-open
// equity, and the outage counter.
type Heartbeat struct {
	logger *zap.Logger
	cfg    Config
	deps   Deps
	pool   *workers.Pool

	mu          sync.Mutex
	history     map[string][]types.Quote // symbol → oldest first
	openEquity  map[string]money.Amount  // "tid/uid" → session-open equity
	openDay     map[string]string
	outageTicks int
}

// New builds a heartbeat.
func New(logger *zap.Logger, cfg Config, deps Deps) *Heartbeat {
	if cfg.TickDeadline == 0 {
		cfg = DefaultConfig()
	}
	return &Heartbeat{
		logger: logger.Named("heartbeat"),
		cfg:    cfg,
		deps:   deps,
		pool: workers.NewPool(logger, workers.PoolConfig{
			Name:          "tick",
			NumWorkers:    cfg.Workers,
			TaskTimeout:   cfg.UnitDeadline,
			PanicRecovery: true,
		}),
		history:    make(map[string][]types.Quote),
		openEquity: make(map[string]money.Amount),
		openDay:    make(map[string]string),
	}
}

// Tick processes every user of every active tenant once. Unit failures
// are isolated and counted; only a sustained persistence outage is
// escalated as an error.
func (h *Heartbeat) Tick(ctx context.Context) (types.TickSummary, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.cfg.TickDeadline)
	defer cancel()

	units, err := h.discover(ctx)
	if err != nil {
		return types.TickSummary{}, err
	}

	// One volatility reading serves the whole tick.
	vol := h.volatility(ctx)

	var skipped int64
	tasks := make([]workers.Task, 0, len(units))
	for _, u := range units {
		u := u
		tasks = append(tasks, workers.TaskFunc(func(unitCtx context.Context) error {
			return h.runUnit(unitCtx, u.tid, u.uid, vol, &skipped)
		}))
	}
	stats := h.pool.RunBatch(ctx, tasks)

	summary := types.TickSummary{
		Success:  int(stats.Completed - atomic.LoadInt64(&skipped)),
		Errors:   int(stats.Failed + stats.Cancelled),
		Skipped:  int(atomic.LoadInt64(&skipped)),
		Duration: time.Since(start),
		TS:       start.UTC(),
	}

	if err := h.deps.Store.Set(ctx, store.TickSummaryDoc, summary); err != nil {
		h.mu.Lock()
		h.outageTicks++
		outage := h.outageTicks
		h.mu.Unlock()
		h.logger.Error("tick summary write failed",
			zap.Int("consecutive", outage),
			zap.Error(err),
		)
		if outage >= h.cfg.OutageFatalTicks {
			return summary, fmt.Errorf("%w: %d consecutive summary write failures",
				ErrPersistenceOutage, outage)
		}
		return summary, nil
	}
	h.mu.Lock()
	h.outageTicks = 0
	h.mu.Unlock()

	h.logger.Info("tick complete",
		zap.Int("success", summary.Success),
		zap.Int("errors", summary.Errors),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	if h.deps.OnTick != nil {
		h.deps.OnTick(summary)
	}
	return summary, nil
}

type unitID struct {
	tid string
	uid string
}

// discover lists active tenants and their onboarded users.
func (h *Heartbeat) discover(ctx context.Context) ([]unitID, error) {
	tenants, err := h.deps.Store.List(ctx, "tenants")
	if err != nil {
		return nil, fmt.Errorf("heartbeat: list tenants: %w", err)
	}

	var units []unitID
	for _, tdoc := range tenants {
		var tenant tenantRecord
		if err := tdoc.Decode(&tenant); err != nil || !tenant.Active {
			continue
		}
		tid := tdoc.ID()

		users, err := h.deps.Store.List(ctx, store.TenantRoot(tid)+"/users")
		if err != nil {
			h.logger.Warn("listing users failed", zap.String("tid", tid), zap.Error(err))
			continue
		}
		for _, udoc := range users {
			var user userRecord
			if err := udoc.Decode(&user); err != nil || !user.Onboarded {
				continue
			}
			units = append(units, unitID{tid: tid, uid: udoc.ID()})
		}
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].tid != units[j].tid {
			return units[i].tid < units[j].tid
		}
		return units[i].uid < units[j].uid
	})
	return units, nil
}

// runUnit is the whole per-user pipeline. Every failure is recorded to
// the user's last_sync_error and returned; nothing escapes the unit.
func (h *Heartbeat) runUnit(ctx context.Context, tid, uid string, vol money.Amount, skipped *int64) (err error) {
	view := store.ForTenant(h.deps.Store, tid)
	defer func() {
		if err != nil {
			h.recordSyncError(tid, uid, err)
		}
	}()

	var status types.TradingStatus
	serr := view.Get(ctx, store.UserPath(tid, uid, "status", "trading"), &status)
	if serr != nil && !errors.Is(serr, store.ErrNotFound) {
		return fmt.Errorf("read trading status: %w", serr)
	}
	if !status.Enabled {
		atomic.AddInt64(skipped, 1)
		return nil
	}

	client := h.clientFor(ctx, view, tid, uid)

	account, err := client.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	account.AsOf = time.Now().UTC()
	if err := view.Set(ctx, store.UserPath(tid, uid, "data", "snapshot"), account); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	now := time.Now().UTC()
	h.deps.Watchdog.ObserveEquity(tid, uid, account.Equity, now)
	starting := h.sessionOpenEquity(tid, uid, account.Equity, now)

	if _, err := h.deps.PnL.MarkUser(ctx, view, tid, uid); err != nil {
		return fmt.Errorf("mark to market: %w", err)
	}

	quote, err := client.GetQuote(ctx, h.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("quote %s: %w", h.cfg.Symbol, err)
	}
	history := h.pushHistory(*quote)

	mr, err := regime.Current(ctx, h.deps.Store, h.cfg.Symbol)
	if err != nil {
		h.logger.Warn("regime unavailable", zap.Error(err))
		mr = nil
	}

	var whaleSummary *types.WhaleSummary
	if h.deps.Whale != nil {
		if ws, werr := h.deps.Whale.RecentConviction(ctx, view, tid, uid, h.cfg.Symbol, now); werr == nil {
			whaleSummary = ws
		}
	}

	snap := strategy.Snapshot{
		Symbol:  h.cfg.Symbol,
		Quote:   *quote,
		Account: *account,
		History: history,
		Regime:  mr,
		Whale:   whaleSummary,
	}
	raw := h.deps.Registry.EvaluateAll(ctx, snap)
	if len(raw) == 0 {
		return nil
	}

	res, err := h.deps.Maestro.Orchestrate(ctx, raw, h.deps.Book.Sharpes(tid, uid, now))
	if err != nil {
		return fmt.Errorf("orchestrate: %w", err)
	}

	sig := h.deps.Consensus.Evaluate(res.Votes)
	if err := view.Set(ctx, store.UserPath(tid, uid, "signals", sig.ID), sig); err != nil {
		return fmt.Errorf("persist consensus: %w", err)
	}
	if sig.ShouldExecute {
		if err := h.execute(ctx, view, tid, uid, res, sig, account, starting, vol, *quote); err != nil {
			return err
		}
	}

	if _, err := h.deps.Watchdog.Check(ctx, view, tid, uid, mr, now); err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	return nil
}

// execute picks the strongest signal behind the consensus action, runs
// the risk guards, and records the shadow fill.
func (h *Heartbeat) execute(ctx context.Context, view *store.Tenanted, tid, uid string, res *maestro.Result, sig *types.ConsensusSignal, account *types.AccountSnapshot, starting, vol money.Amount, quote types.Quote) error {
	chosen := pickLeader(res, sig.FinalAction)
	if chosen == nil {
		return nil
	}

	exposure, err := h.openExposure(ctx, view, tid, uid, chosen.Signal.Symbol)
	if err != nil {
		return fmt.Errorf("open exposure: %w", err)
	}
	fired := h.deps.Breaker.Apply(chosen.Signal, risk.Input{
		StartingEquity:   starting,
		CurrentEquity:    account.Equity,
		Volatility:       vol,
		SymbolExposure:   exposure,
		ProposedNotional: account.Equity.Mul(chosen.Signal.Allocation),
	})
	if fired {
		// Guard mutations are legitimate; refresh the signature so the
		// executor's verification reflects the final signal.
		if err := h.deps.Maestro.Resign(chosen); err != nil {
			return fmt.Errorf("resign after guards: %w", err)
		}
	}

	dec, err := h.deps.Executor.Execute(ctx, view, tid, uid, chosen, quote, account.Equity)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if dec.Executed {
		h.deps.Book.Tracker(tid, uid, chosen.AgentID).RecordFill(
			dec.Trade.Symbol,
			dec.Trade.Side,
			dec.Trade.Quantity,
			dec.Trade.EntryPrice,
			dec.Trade.CreatedAt,
		)
	} else {
		h.logger.Debug("no trade",
			zap.String("uid", uid),
			zap.String("reason", dec.Reason),
		)
	}
	return nil
}

// pickLeader selects the highest-confidence orchestrated signal voting
// the final action, ties broken by agent id.
func pickLeader(res *maestro.Result, action types.Action) *maestro.Orchestrated {
	ids := make([]string, 0, len(res.Signals))
	for id := range res.Signals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best *maestro.Orchestrated
	for _, id := range ids {
		o := res.Signals[id]
		if o.Signal.Kind != action {
			continue
		}
		if best == nil || o.Signal.Confidence.GreaterThan(best.Signal.Confidence) {
			best = o
		}
	}
	return best
}

// openExposure sums the entry notional of OPEN trades in one symbol.
func (h *Heartbeat) openExposure(ctx context.Context, view *store.Tenanted, tid, uid, symbol string) (money.Amount, error) {
	docs, err := view.List(ctx, store.UserPath(tid, uid, "shadowTradeHistory"))
	if err != nil {
		return money.Zero, err
	}
	sum := money.Zero
	for _, doc := range docs {
		var trade types.ShadowTrade
		if err := doc.Decode(&trade); err != nil {
			continue
		}
		if trade.Status != types.TradeOpen || trade.Symbol != symbol {
			continue
		}
		sum = sum.Add(trade.EntryPrice.Mul(trade.Quantity))
	}
	return sum, nil
}

// clientFor returns a per-user broker client when stored credentials
// and a factory exist, otherwise the shared client.
func (h *Heartbeat) clientFor(ctx context.Context, view *store.Tenanted, tid, uid string) broker.Client {
	if h.deps.BrokerFactory == nil {
		return h.deps.Broker
	}
	var creds broker.Credentials
	err := view.Get(ctx, store.UserPath(tid, uid, "secrets", "alpaca"), &creds)
	if err != nil || creds.KeyID == "" {
		return h.deps.Broker
	}
	return h.deps.BrokerFactory(creds)
}

// sessionOpenEquity returns the first equity seen for the user today.
func (h *Heartbeat) sessionOpenEquity(tid, uid string, equity money.Amount, now time.Time) money.Amount {
	key := tid + "/" + uid
	day := now.Format("2006-01-02")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openDay[key] != day {
		h.openDay[key] = day
		h.openEquity[key] = equity
	}
	return h.openEquity[key]
}

// pushHistory appends a quote to the bounded per-symbol history and
// returns a copy of the window.
func (h *Heartbeat) pushHistory(q types.Quote) []types.Quote {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := append(h.history[q.Symbol], q)
	if len(hist) > historySize {
		hist = hist[len(hist)-historySize:]
	}
	h.history[q.Symbol] = hist

	out := make([]types.Quote, len(hist))
	copy(out, hist)
	return out
}

// volatility fetches the ambient volatility index, once per tick.
// Zero when unavailable; the volatility guard treats zero as absent.
func (h *Heartbeat) volatility(ctx context.Context) money.Amount {
	if h.deps.Options == nil {
		return money.Zero
	}
	vol, err := h.deps.Options.VolatilityIndex(ctx)
	if err != nil {
		h.logger.Debug("volatility index unavailable", zap.Error(err))
		return money.Zero
	}
	return vol
}

// recordSyncError writes the unit failure to the user's status subtree.
// Best effort with a background deadline: the unit context may already
// be expired.
func (h *Heartbeat) recordSyncError(tid, uid string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	kind := "unit_failure"
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = "unit_timeout"
	}
	rec := types.SyncError{Kind: kind, Reason: cause.Error(), TS: time.Now().UTC()}
	path := store.UserPath(tid, uid, "status", "last_sync_error")
	if err := h.deps.Store.Set(ctx, path, rec); err != nil {
		h.logger.Error("failed to record sync error",
			zap.String("uid", uid),
			zap.Error(err),
		)
	}
	h.logger.Warn("unit failed",
		zap.String("tid", tid),
		zap.String("uid", uid),
		zap.Error(cause),
	)
}
