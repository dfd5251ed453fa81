package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

func history(prices ...string) []types.Quote {
	out := make([]types.Quote, 0, len(prices))
	ts := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	for i, p := range prices {
		out = append(out, types.Quote{
			Symbol: "SPY",
			Last:   money.MustParse(p),
			TS:     ts.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func flatHistory(price string, n int) []types.Quote {
	prices := make([]string, n)
	for i := range prices {
		prices[i] = price
	}
	return history(prices...)
}

type stubStrategy struct {
	id  string
	sig *Signal
	err error
}

func (s *stubStrategy) AgentID() string { return s.id }
func (s *stubStrategy) Evaluate(ctx context.Context, snap Snapshot) (*Signal, error) {
	return s.sig, s.err
}

func TestRegistryKeepsFirstOnDuplicateID(t *testing.T) {
	first := &stubStrategy{id: "dup", sig: &Signal{Kind: types.ActionBuy, Confidence: money.FromInt(1)}}
	second := &stubStrategy{id: "dup", sig: &Signal{Kind: types.ActionSell, Confidence: money.FromInt(1)}}

	r := NewRegistry(zap.NewNop(), []Constructor{
		func(l *zap.Logger) Strategy { return first },
		func(l *zap.Logger) Strategy { return second },
	})

	if got := len(r.Agents()); got != 1 {
		t.Fatalf("agents = %d, want 1", got)
	}
	s, ok := r.Get("dup")
	if !ok {
		t.Fatal("agent not found")
	}
	if s != Strategy(first) {
		t.Error("duplicate replaced the first registration")
	}
}

func TestEvaluateAllIsolatesFailures(t *testing.T) {
	r := NewRegistry(zap.NewNop(), []Constructor{
		func(l *zap.Logger) Strategy {
			return &stubStrategy{id: "broken", err: errors.New("feed down")}
		},
		func(l *zap.Logger) Strategy {
			return &stubStrategy{id: "abstainer"}
		},
		func(l *zap.Logger) Strategy {
			return &stubStrategy{id: "voter", sig: &Signal{
				Kind:       types.ActionBuy,
				Confidence: money.MustParse("0.9"),
			}}
		},
	})

	got := r.EvaluateAll(context.Background(), Snapshot{Symbol: "SPY"})
	if len(got) != 1 {
		t.Fatalf("signals = %d, want 1", len(got))
	}
	sig, ok := got["voter"]
	if !ok {
		t.Fatal("voter signal missing")
	}
	if sig.Symbol != "SPY" {
		t.Errorf("Symbol = %q", sig.Symbol)
	}
	if sig.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not stamped")
	}
}

func TestMomentumBuysUptrend(t *testing.T) {
	s := NewMomentum(zap.NewNop())
	snap := Snapshot{
		Symbol:  "SPY",
		Quote:   types.Quote{Last: money.MustParse("510")},
		History: flatHistory("500", 20),
	}

	sig, err := s.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Kind != types.ActionBuy {
		t.Errorf("Kind = %s, want BUY", sig.Kind)
	}
	if !sig.Confidence.Equal(money.FromInt(1)) {
		t.Errorf("Confidence = %s, want 1 (clamped)", sig.Confidence)
	}
	if sig.Allocation.IsZero() {
		t.Error("directional signal carries zero allocation")
	}
}

func TestMomentumAbstainsOnShortHistory(t *testing.T) {
	s := NewMomentum(zap.NewNop())
	sig, err := s.Evaluate(context.Background(), Snapshot{
		Quote:   types.Quote{Last: money.MustParse("500")},
		History: flatHistory("500", 3),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig != nil {
		t.Fatalf("expected abstention, got %+v", sig)
	}
}

func TestMeanReversionFadesSpike(t *testing.T) {
	s := NewMeanReversion(zap.NewNop())
	snap := Snapshot{
		Quote:   types.Quote{Last: money.MustParse("520")}, // 4% above mean
		History: flatHistory("500", 25),
	}

	sig, err := s.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Kind != types.ActionSell {
		t.Errorf("Kind = %s, want SELL", sig.Kind)
	}
}

func TestGammaScalperAbstainsWithoutRegime(t *testing.T) {
	s := NewGammaScalper(zap.NewNop())
	sig, err := s.Evaluate(context.Background(), Snapshot{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig != nil {
		t.Fatalf("expected abstention, got %+v", sig)
	}
}

func TestGammaScalperHoldsInLongGamma(t *testing.T) {
	s := NewGammaScalper(zap.NewNop())
	sig, err := s.Evaluate(context.Background(), Snapshot{
		Regime: &types.MarketRegime{Regime: types.RegimeLongGamma},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Kind != types.ActionHold {
		t.Errorf("Kind = %s, want HOLD", sig.Kind)
	}
	if !sig.Allocation.IsZero() {
		t.Errorf("Allocation = %s, want 0", sig.Allocation)
	}
}

func TestRegimeShapingCapsAtOne(t *testing.T) {
	short := &types.MarketRegime{Regime: types.RegimeShortGamma}

	got := applyRegimeShaping(money.MustParse("0.8"), short)
	if !got.Equal(money.FromInt(1)) {
		t.Errorf("shaped = %s, want 1 (capped)", got)
	}

	got = applyRegimeShaping(money.MustParse("0.4"), short)
	if !got.Equal(money.MustParse("0.6")) {
		t.Errorf("shaped = %s, want 0.6", got)
	}

	long := &types.MarketRegime{Regime: types.RegimeLongGamma}
	got = applyRegimeShaping(money.MustParse("0.8"), long)
	if !got.Equal(money.MustParse("0.4")) {
		t.Errorf("shaped = %s, want 0.4", got)
	}

	got = applyRegimeShaping(money.MustParse("0.8"), nil)
	if !got.Equal(money.MustParse("0.8")) {
		t.Errorf("shaped = %s, want unchanged", got)
	}
}

func TestWhaleFollowSidesWithConvictedFlow(t *testing.T) {
	s := NewWhaleFollow(zap.NewNop())

	sig, err := s.Evaluate(context.Background(), Snapshot{
		Whale: &types.WhaleSummary{
			HasActivity:       true,
			TotalFlows:        4,
			AvgConviction:     money.MustParse("0.75"),
			DominantSentiment: types.SentimentBullish,
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Kind != types.ActionBuy {
		t.Errorf("Kind = %s, want BUY", sig.Kind)
	}

	// Weak conviction and mixed sentiment both abstain.
	sig, err = s.Evaluate(context.Background(), Snapshot{
		Whale: &types.WhaleSummary{
			HasActivity:   true,
			AvgConviction: money.MustParse("0.3"),
		},
	})
	if err != nil || sig != nil {
		t.Fatalf("weak conviction: sig=%v err=%v", sig, err)
	}

	sig, err = s.Evaluate(context.Background(), Snapshot{
		Whale: &types.WhaleSummary{
			HasActivity:       true,
			AvgConviction:     money.MustParse("0.9"),
			DominantSentiment: types.SentimentMixed,
		},
	})
	if err != nil || sig != nil {
		t.Fatalf("mixed sentiment: sig=%v err=%v", sig, err)
	}
}
