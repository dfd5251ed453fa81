package maestro

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/identity"
	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/internal/strategy"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

func newVault(t *testing.T, agents ...string) *identity.Vault {
	t.Helper()
	v, err := identity.NewVault(zap.NewNop(), store.NewMemory())
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	for _, a := range agents {
		if _, err := v.RegisterOrLoad(context.Background(), a); err != nil {
			t.Fatalf("RegisterOrLoad %s: %v", a, err)
		}
	}
	return v
}

func rawSignal(kind types.Action, confidence string) *strategy.Signal {
	return &strategy.Signal{
		Kind:       kind,
		Symbol:     "SPY",
		Confidence: money.MustParse(confidence),
		Allocation: money.MustParse("0.5"),
	}
}

func sharpe(v float64) *float64 { return &v }

func TestSharpeWeighting(t *testing.T) {
	vault := newVault(t, "hot", "warm", "cold", "fresh")
	m := New(zap.NewNop(), vault, nil, DefaultConfig())

	raw := map[string]*strategy.Signal{
		"hot":   rawSignal(types.ActionBuy, "0.9"),
		"warm":  rawSignal(types.ActionBuy, "0.9"),
		"cold":  rawSignal(types.ActionBuy, "0.9"),
		"fresh": rawSignal(types.ActionBuy, "0.9"),
	}
	sharpes := map[string]*float64{
		"hot":   sharpe(1.8),
		"warm":  sharpe(0.7),
		"cold":  sharpe(0.2),
		"fresh": nil, // no history yet
	}

	res, err := m.Orchestrate(context.Background(), raw, sharpes)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	tests := []struct {
		agent string
		mode  types.StrategyMode
		alloc string
	}{
		{"hot", types.ModeActive, "0.5"},
		{"warm", types.ModeReduced, "0.25"},
		{"cold", types.ModeShadowOnly, "0"},
		{"fresh", types.ModeActive, "0.5"},
	}
	for _, tt := range tests {
		got := res.Signals[tt.agent]
		if got == nil {
			t.Fatalf("%s missing from result", tt.agent)
		}
		if got.Mode != tt.mode {
			t.Errorf("%s mode = %s, want %s", tt.agent, got.Mode, tt.mode)
		}
		if !got.Signal.Allocation.Equal(money.MustParse(tt.alloc)) {
			t.Errorf("%s allocation = %s, want %s", tt.agent, got.Signal.Allocation, tt.alloc)
		}
	}
}

func TestSystemicSellCascade(t *testing.T) {
	vault := newVault(t, "a", "b", "c", "d", "e")
	m := New(zap.NewNop(), vault, nil, DefaultConfig())

	raw := map[string]*strategy.Signal{
		"a": rawSignal(types.ActionSell, "0.9"),
		"b": rawSignal(types.ActionSell, "0.8"),
		"c": rawSignal(types.ActionSell, "0.7"),
		"d": rawSignal(types.ActionBuy, "0.95"),
		"e": rawSignal(types.ActionHold, "0.5"),
	}

	res, err := m.Orchestrate(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	buy := res.Signals["d"]
	if buy.Signal.Kind != types.ActionHold {
		t.Errorf("overridden BUY kind = %s, want HOLD", buy.Signal.Kind)
	}
	if !buy.Signal.Allocation.IsZero() {
		t.Errorf("overridden BUY allocation = %s, want 0", buy.Signal.Allocation)
	}
	if buy.Signal.OverrideReason != OverrideSystemicSell {
		t.Errorf("OverrideReason = %q", buy.Signal.OverrideReason)
	}

	// Sells and holds pass through untouched.
	if res.Signals["a"].Signal.Kind != types.ActionSell {
		t.Errorf("SELL was modified: %s", res.Signals["a"].Signal.Kind)
	}
	if res.Signals["e"].Signal.Kind != types.ActionHold {
		t.Errorf("HOLD was modified: %s", res.Signals["e"].Signal.Kind)
	}
	if res.Signals["e"].Signal.OverrideReason != "" {
		t.Errorf("HOLD got override reason %q", res.Signals["e"].Signal.OverrideReason)
	}
}

func TestTwoSellsDoNotCascade(t *testing.T) {
	vault := newVault(t, "a", "b", "c")
	m := New(zap.NewNop(), vault, nil, DefaultConfig())

	raw := map[string]*strategy.Signal{
		"a": rawSignal(types.ActionSell, "0.9"),
		"b": rawSignal(types.ActionSell, "0.8"),
		"c": rawSignal(types.ActionBuy, "0.9"),
	}
	res, err := m.Orchestrate(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if res.Signals["c"].Signal.Kind != types.ActionBuy {
		t.Errorf("BUY overridden below threshold: %s", res.Signals["c"].Signal.Kind)
	}
}

func TestProvenanceAndSignatureAttached(t *testing.T) {
	vault := newVault(t, "solo")
	m := New(zap.NewNop(), vault, nil, DefaultConfig())

	raw := map[string]*strategy.Signal{"solo": rawSignal(types.ActionBuy, "0.9")}
	res, err := m.Orchestrate(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	o := res.Signals["solo"]
	if o.Signature == nil || o.Signature.Nonce == "" {
		t.Fatal("signature missing")
	}
	if o.Provenance.AgentID != "solo" || o.Provenance.SessionID != vault.SessionID() {
		t.Errorf("provenance = %+v", o.Provenance)
	}
	if o.Provenance.Nonce != o.Signature.Nonce {
		t.Error("provenance nonce does not match signature nonce")
	}

	// The attached signature verifies against the final mutated signal.
	vr, err := vault.Verify(o.Signal, o.Signature)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !vr.OK {
		t.Errorf("signature does not verify: %s", vr.Reason)
	}
}

func TestVotesAreSortedByAgent(t *testing.T) {
	vault := newVault(t, "zeta", "alpha", "mid")
	m := New(zap.NewNop(), vault, nil, DefaultConfig())

	raw := map[string]*strategy.Signal{
		"zeta":  rawSignal(types.ActionBuy, "0.9"),
		"alpha": rawSignal(types.ActionBuy, "0.9"),
		"mid":   rawSignal(types.ActionBuy, "0.9"),
	}
	res, err := m.Orchestrate(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	want := []string{"alpha", "mid", "zeta"}
	for i, v := range res.Votes {
		if v.AgentID != want[i] {
			t.Fatalf("votes[%d] = %s, want %s", i, v.AgentID, want[i])
		}
	}
}

type failingLLM struct{}

func (failingLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("provider down")
}

func TestSummaryFallsBackWhenLLMFails(t *testing.T) {
	vault := newVault(t, "a", "b")
	m := New(zap.NewNop(), vault, failingLLM{}, DefaultConfig())

	raw := map[string]*strategy.Signal{
		"a": rawSignal(types.ActionBuy, "0.9"),
		"b": rawSignal(types.ActionSell, "0.9"),
	}
	res, err := m.Orchestrate(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if !strings.Contains(res.Summary, "2 agents voted") {
		t.Errorf("Summary = %q, want deterministic fallback", res.Summary)
	}
	if !strings.Contains(res.Summary, "1 BUY") || !strings.Contains(res.Summary, "1 SELL") {
		t.Errorf("Summary = %q", res.Summary)
	}
}
