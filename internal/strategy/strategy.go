// Package strategy provides the agent capability set and the static
// registry of strategy constructors. Strategies are linked in and
// registered by name; there is no runtime discovery.
package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// Snapshot is the shared market state one evaluation round sees.
// Regime and Whale are nil when the upstream feed is unavailable;
// strategies tolerate absence.
type Snapshot struct {
	Symbol  string
	Quote   types.Quote
	Account types.AccountSnapshot
	History []types.Quote // oldest first, bounded window
	Regime  *types.MarketRegime
	Whale   *types.WhaleSummary
}

// SignalMeta is the small typed metadata block attached to a signal.
type SignalMeta struct {
	Indicator string       `json:"indicator,omitempty"`
	Lookback  int          `json:"lookback,omitempty"`
	Reading   money.Amount `json:"reading,omitempty"`
}

// Signal is the tagged decision record a strategy emits.
type Signal struct {
	Kind           types.Action
	Symbol         string
	Confidence     money.Amount // [0,1]
	Allocation     money.Amount // fraction of equity, [0,1]
	Reasoning      string
	Meta           SignalMeta
	OverrideReason string
	GuardReasons   []string
	GeneratedAt    time.Time
}

// Strategy is the single capability set every agent implements.
type Strategy interface {
	// AgentID is the stable identity the signal is signed under.
	AgentID() string
	// Evaluate produces one signal for the snapshot. A HOLD signal is
	// a valid, voting outcome; (nil, nil) means abstain.
	Evaluate(ctx context.Context, snap Snapshot) (*Signal, error)
}

// Constructor builds a configured strategy instance.
type Constructor func(logger *zap.Logger) Strategy

// Registry is the static table of strategy constructors. Instantiated
// once at startup; read-only afterwards.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	agents   map[string]Strategy
	ordered  []string
}

// NewRegistry instantiates every registered constructor. If two
// constructors advertise the same agent id, the first discovered wins
// and the duplicate is logged and skipped.
func NewRegistry(logger *zap.Logger, constructors []Constructor) *Registry {
	r := &Registry{
		logger: logger.Named("strategy"),
		agents: make(map[string]Strategy),
	}
	for _, build := range constructors {
		s := build(logger)
		id := s.AgentID()
		if _, exists := r.agents[id]; exists {
			r.logger.Warn("duplicate agent id, keeping first",
				zap.String("agent_id", id),
			)
			continue
		}
		r.agents[id] = s
		r.ordered = append(r.ordered, id)
	}
	sort.Strings(r.ordered)
	r.logger.Info("strategies registered", zap.Strings("agents", r.ordered))
	return r
}

// DefaultConstructors returns the built-in strategy set.
func DefaultConstructors() []Constructor {
	return []Constructor{
		func(l *zap.Logger) Strategy { return NewMomentum(l) },
		func(l *zap.Logger) Strategy { return NewMeanReversion(l) },
		func(l *zap.Logger) Strategy { return NewGammaScalper(l) },
		func(l *zap.Logger) Strategy { return NewWhaleFollow(l) },
	}
}

// Agents returns the registered agent ids in deterministic order.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get returns the strategy for an agent id.
func (r *Registry) Get(agentID string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[agentID]
	return s, ok
}

// EvaluateAll runs every strategy against the snapshot in parallel and
// returns signals keyed by agent id. An error or abstention from one
// strategy never affects the others.
func (r *Registry) EvaluateAll(ctx context.Context, snap Snapshot) map[string]*Signal {
	r.mu.RLock()
	ids := make([]string, len(r.ordered))
	copy(ids, r.ordered)
	r.mu.RUnlock()

	type result struct {
		id  string
		sig *Signal
	}
	results := make(chan result, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		s := r.agents[id]
		wg.Add(1)
		go func(id string, s Strategy) {
			defer wg.Done()
			sig, err := s.Evaluate(ctx, snap)
			if err != nil {
				r.logger.Warn("strategy evaluation failed",
					zap.String("agent_id", id),
					zap.Error(err),
				)
				return
			}
			if sig == nil {
				return
			}
			sig.Symbol = snap.Symbol
			if sig.GeneratedAt.IsZero() {
				sig.GeneratedAt = time.Now().UTC()
			}
			results <- result{id: id, sig: sig}
		}(id, s)
	}
	wg.Wait()
	close(results)

	out := make(map[string]*Signal, len(ids))
	for res := range results {
		out[res.id] = res.sig
	}
	return out
}
