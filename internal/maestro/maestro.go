// Package maestro orchestrates raw strategy signals: it weights
// allocations by realized Sharpe, detects systemic sell cascades,
// enriches surviving signals with signed provenance, and emits the
// deterministic vote list consumed by consensus.
package maestro

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/identity"
	"github.com/maestrohq/trading-core/internal/llm"
	"github.com/maestrohq/trading-core/internal/strategy"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// OverrideSystemicSell is the override reason stamped on BUY signals
// suppressed by a sell cascade.
const OverrideSystemicSell = "systemic_sell_cascade"

// Config tunes the orchestration pass.
type Config struct {
	// BaseAllocation is the full allocation for an ACTIVE strategy.
	BaseAllocation money.Amount
	// SharpeReduceBelow and SharpeShadowBelow are the mode boundaries:
	// sharpe >= reduce → ACTIVE, shadow <= sharpe < reduce → REDUCED,
	// sharpe < shadow → SHADOW_MODE.
	SharpeReduceBelow float64
	SharpeShadowBelow float64
	// SystemicSellCount is the SELL-vote count that triggers the
	// cascade override.
	SystemicSellCount int
}

// DefaultConfig returns the production orchestration thresholds.
func DefaultConfig() Config {
	return Config{
		BaseAllocation:    money.MustParse("0.5"),
		SharpeReduceBelow: 1.0,
		SharpeShadowBelow: 0.5,
		SystemicSellCount: 3,
	}
}

// Orchestrated is one signal after the weighting and override pass,
// with its signed provenance attached.
type Orchestrated struct {
	AgentID    string
	Mode       types.StrategyMode
	Signal     *strategy.Signal
	Signature  *identity.Signature
	Provenance types.AgentProvenance
}

// Result is the full outcome of one orchestration round.
type Result struct {
	Signals map[string]*Orchestrated
	Votes   []types.Vote
	Summary string
}

// Maestro runs the orchestration pass. Stateless between rounds.
type Maestro struct {
	logger *zap.Logger
	vault  *identity.Vault
	llm    llm.Client // nil when no LLM is configured
	cfg    Config
}

// New builds a maestro. The LLM client may be nil.
func New(logger *zap.Logger, vault *identity.Vault, llmClient llm.Client, cfg Config) *Maestro {
	if cfg.BaseAllocation.IsZero() {
		cfg = DefaultConfig()
	}
	return &Maestro{
		logger: logger.Named("maestro"),
		vault:  vault,
		llm:    llmClient,
		cfg:    cfg,
	}
}

// Orchestrate runs the deterministic single pass over the raw signal
// set. Signals are consumed in agent-id order so the output is
// reproducible regardless of evaluation scheduling.
func (m *Maestro) Orchestrate(ctx context.Context, raw map[string]*strategy.Signal, sharpes map[string]*float64) (*Result, error) {
	ids := make([]string, 0, len(raw))
	for id, sig := range raw {
		if sig != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := &Result{Signals: make(map[string]*Orchestrated, len(ids))}

	sells := 0
	for _, id := range ids {
		if raw[id].Kind == types.ActionSell {
			sells++
		}
	}
	cascade := sells >= m.cfg.SystemicSellCount
	if cascade {
		m.logger.Warn("systemic sell cascade detected",
			zap.Int("sell_votes", sells),
			zap.Int("threshold", m.cfg.SystemicSellCount),
		)
	}

	for _, id := range ids {
		sig := raw[id]

		mode, weighted := m.weight(id, sharpes[id], sig.Allocation)
		sig.Allocation = weighted

		if cascade && sig.Kind == types.ActionBuy {
			sig.Kind = types.ActionHold
			sig.Allocation = money.Zero
			sig.OverrideReason = OverrideSystemicSell
		}

		// Regime shaping already happened inside evaluate; the maestro
		// only caps the product.
		sig.Allocation = sig.Allocation.Min(money.FromInt(1))

		signature, err := m.vault.Sign(id, sig)
		if err != nil {
			return nil, fmt.Errorf("maestro: sign %s: %w", id, err)
		}

		out.Signals[id] = &Orchestrated{
			AgentID:   id,
			Mode:      mode,
			Signal:    sig,
			Signature: signature,
			Provenance: types.AgentProvenance{
				AgentID:   id,
				Nonce:     signature.Nonce,
				SessionID: m.vault.SessionID(),
				CertID:    signature.CertID,
				SignedAt:  signature.SignedAt,
			},
		}
		out.Votes = append(out.Votes, types.Vote{
			AgentID:    id,
			Kind:       sig.Kind,
			Confidence: sig.Confidence,
			Weight:     voteWeight(mode),
		})
	}

	out.Summary = m.summarize(ctx, out.Votes)
	return out, nil
}

// Resign refreshes the signature and provenance after a legitimate
// post-consensus mutation of the signal, such as a risk-guard coercion.
func (m *Maestro) Resign(o *Orchestrated) error {
	signature, err := m.vault.Sign(o.AgentID, o.Signal)
	if err != nil {
		return fmt.Errorf("maestro: resign %s: %w", o.AgentID, err)
	}
	o.Signature = signature
	o.Provenance.Nonce = signature.Nonce
	o.Provenance.SignedAt = signature.SignedAt
	o.Provenance.CertID = signature.CertID
	return nil
}

// weight maps a strategy's rolling Sharpe to its mode and allocation.
// A strategy without enough history trades at full allocation.
func (m *Maestro) weight(agentID string, sharpe *float64, requested money.Amount) (types.StrategyMode, money.Amount) {
	// The requested allocation already carries the strategy's regime
	// shaping; an empty request trades at base.
	alloc := requested
	if alloc.IsZero() {
		alloc = m.cfg.BaseAllocation
	}
	if sharpe == nil {
		return types.ModeActive, alloc
	}
	switch {
	case *sharpe >= m.cfg.SharpeReduceBelow:
		return types.ModeActive, alloc
	case *sharpe >= m.cfg.SharpeShadowBelow:
		return types.ModeReduced, alloc.Mul(money.MustParse("0.5"))
	default:
		m.logger.Info("strategy demoted to shadow mode",
			zap.String("agent_id", agentID),
			zap.Float64("sharpe", *sharpe),
		)
		return types.ModeShadowOnly, money.Zero
	}
}

// voteWeight converts a mode into consensus influence. SHADOW_MODE
// strategies still vote, just with no capital behind them.
func voteWeight(mode types.StrategyMode) money.Amount {
	switch mode {
	case types.ModeActive:
		return money.FromInt(1)
	case types.ModeReduced:
		return money.MustParse("0.5")
	default:
		return money.MustParse("0.25")
	}
}

// summarize produces the advisory one-line round summary, preferring
// the LLM and falling back to a deterministic rendering of the votes.
func (m *Maestro) summarize(ctx context.Context, votes []types.Vote) string {
	fallback := deterministicSummary(votes)
	if m.llm == nil {
		return fallback
	}

	prompt := "Summarize this trading vote round in one sentence: " + fallback
	text, err := m.llm.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		m.logger.Debug("llm summary unavailable, using fallback", zap.Error(err))
		return fallback
	}
	return strings.TrimSpace(text)
}

func deterministicSummary(votes []types.Vote) string {
	if len(votes) == 0 {
		return "no votes this round"
	}
	counts := map[types.Action]int{}
	for _, v := range votes {
		counts[v.Kind]++
	}
	parts := make([]string, 0, 3)
	for _, action := range []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold, types.ActionCloseAll} {
		if c := counts[action]; c > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c, action))
		}
	}
	return fmt.Sprintf("%d agents voted: %s at %s",
		len(votes), strings.Join(parts, ", "), time.Now().UTC().Format(time.RFC3339))
}
