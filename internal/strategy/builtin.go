package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

var (
	one  = money.FromInt(1)
	half = money.MustParse("0.5")
)

// applyRegimeShaping adjusts an allocation by the dealer-gamma regime.
// SHORT_GAMMA amplifies (dealers chase momentum), LONG_GAMMA dampens,
// NEUTRAL passes through. The product is capped at 1.0.
func applyRegimeShaping(alloc money.Amount, regime *types.MarketRegime) money.Amount {
	if regime == nil {
		return alloc
	}
	switch regime.Regime {
	case types.RegimeShortGamma:
		return alloc.Mul(money.MustParse("1.5")).Min(one)
	case types.RegimeLongGamma:
		return alloc.Mul(half)
	default:
		return alloc
	}
}

// Momentum trades continuation of short-window price drift.
type Momentum struct {
	logger    *zap.Logger
	lookback  int
	threshold money.Amount // fractional move that earns full confidence
}

// NewMomentum builds the momentum agent with its default window.
func NewMomentum(logger *zap.Logger) *Momentum {
	return &Momentum{
		logger:    logger.Named("momentum"),
		lookback:  14,
		threshold: money.MustParse("0.004"),
	}
}

func (s *Momentum) AgentID() string { return "momentum" }

func (s *Momentum) Evaluate(ctx context.Context, snap Snapshot) (*Signal, error) {
	if len(snap.History) < s.lookback {
		return nil, nil
	}
	past := snap.History[len(snap.History)-s.lookback].Last
	current := snap.Quote.Last
	if past.IsZero() || current.IsZero() {
		return nil, nil
	}

	drift, err := current.Sub(past).Div(past, 8, money.RoundHalfUp)
	if err != nil {
		return nil, err
	}

	confidence, err := drift.Abs().Div(s.threshold, 4, money.RoundHalfUp)
	if err != nil {
		return nil, err
	}
	confidence = confidence.Clamp(money.Zero, one)

	kind := types.ActionHold
	if drift.GreaterThan(s.threshold) {
		kind = types.ActionBuy
	} else if drift.LessThan(s.threshold.Neg()) {
		kind = types.ActionSell
	}

	alloc := money.Zero
	if kind != types.ActionHold {
		alloc = applyRegimeShaping(half, snap.Regime)
	}
	return &Signal{
		Kind:       kind,
		Confidence: confidence,
		Allocation: alloc,
		Reasoning:  fmt.Sprintf("%d-bar drift %s", s.lookback, drift.StringFixed(4)),
		Meta:       SignalMeta{Indicator: "drift", Lookback: s.lookback, Reading: drift},
	}, nil
}

// MeanReversion fades stretched moves back toward the window mean.
type MeanReversion struct {
	logger   *zap.Logger
	lookback int
	band     money.Amount // fractional deviation that triggers a fade
}

// NewMeanReversion builds the mean-reversion agent.
func NewMeanReversion(logger *zap.Logger) *MeanReversion {
	return &MeanReversion{
		logger:   logger.Named("mean-reversion"),
		lookback: 20,
		band:     money.MustParse("0.006"),
	}
}

func (s *MeanReversion) AgentID() string { return "mean_reversion" }

func (s *MeanReversion) Evaluate(ctx context.Context, snap Snapshot) (*Signal, error) {
	if len(snap.History) < s.lookback {
		return nil, nil
	}
	window := snap.History[len(snap.History)-s.lookback:]
	sum := money.Zero
	for _, q := range window {
		sum = sum.Add(q.Last)
	}
	mean, err := sum.Div(money.FromInt(int64(len(window))), 8, money.RoundHalfUp)
	if err != nil || mean.IsZero() {
		return nil, err
	}

	dev, err := snap.Quote.Last.Sub(mean).Div(mean, 8, money.RoundHalfUp)
	if err != nil {
		return nil, err
	}

	kind := types.ActionHold
	if dev.GreaterThan(s.band) {
		kind = types.ActionSell
	} else if dev.LessThan(s.band.Neg()) {
		kind = types.ActionBuy
	}

	confidence, err := dev.Abs().Div(s.band, 4, money.RoundHalfUp)
	if err != nil {
		return nil, err
	}
	confidence = confidence.Clamp(money.Zero, one)
	alloc := money.Zero
	if kind != types.ActionHold {
		// Fading works best when dealers dampen moves, so the regime
		// multiplier is inverted relative to momentum.
		alloc = half
		if snap.Regime != nil {
			switch snap.Regime.Regime {
			case types.RegimeLongGamma:
				alloc = alloc.Mul(money.MustParse("1.5")).Min(one)
			case types.RegimeShortGamma:
				alloc = alloc.Mul(half)
			}
		}
	}
	return &Signal{
		Kind:       kind,
		Confidence: confidence,
		Allocation: alloc,
		Reasoning:  fmt.Sprintf("deviation %s from %d-bar mean", dev.StringFixed(4), s.lookback),
		Meta:       SignalMeta{Indicator: "mean_dev", Lookback: s.lookback, Reading: dev},
	}, nil
}

// GammaScalper trades directionally with the dealer-gamma regime and
// abstains when no regime is known.
type GammaScalper struct {
	logger *zap.Logger
}

// NewGammaScalper builds the regime-following agent.
func NewGammaScalper(logger *zap.Logger) *GammaScalper {
	return &GammaScalper{logger: logger.Named("gamma-scalper")}
}

func (s *GammaScalper) AgentID() string { return "gamma_scalper" }

func (s *GammaScalper) Evaluate(ctx context.Context, snap Snapshot) (*Signal, error) {
	if snap.Regime == nil {
		return nil, nil
	}
	switch snap.Regime.Regime {
	case types.RegimeShortGamma:
		// Dealers amplify moves; ride the prevailing drift.
		kind := types.ActionSell
		if len(snap.History) > 0 && snap.Quote.Last.GreaterThan(snap.History[0].Last) {
			kind = types.ActionBuy
		}
		return &Signal{
			Kind:       kind,
			Confidence: money.MustParse("0.7"),
			Allocation: applyRegimeShaping(half, snap.Regime),
			Reasoning:  fmt.Sprintf("short gamma, net GEX %s", snap.Regime.NetGEX.StringFixed(0)),
			Meta:       SignalMeta{Indicator: "net_gex", Reading: snap.Regime.NetGEX},
		}, nil
	case types.RegimeLongGamma:
		return &Signal{
			Kind:       types.ActionHold,
			Confidence: money.MustParse("0.6"),
			Allocation: money.Zero,
			Reasoning:  "long gamma, dealers pin price",
			Meta:       SignalMeta{Indicator: "net_gex", Reading: snap.Regime.NetGEX},
		}, nil
	default:
		return nil, nil
	}
}

// WhaleFollow sides with strong recent institutional flow.
type WhaleFollow struct {
	logger  *zap.Logger
	minConv money.Amount
}

// NewWhaleFollow builds the institutional-flow agent.
func NewWhaleFollow(logger *zap.Logger) *WhaleFollow {
	return &WhaleFollow{
		logger:  logger.Named("whale-follow"),
		minConv: money.MustParse("0.6"),
	}
}

func (s *WhaleFollow) AgentID() string { return "whale_follow" }

func (s *WhaleFollow) Evaluate(ctx context.Context, snap Snapshot) (*Signal, error) {
	w := snap.Whale
	if w == nil || !w.HasActivity {
		return nil, nil
	}
	if w.AvgConviction.LessThan(s.minConv) {
		return nil, nil
	}

	var kind types.Action
	switch w.DominantSentiment {
	case types.SentimentBullish:
		kind = types.ActionBuy
	case types.SentimentBearish:
		kind = types.ActionSell
	default:
		return nil, nil
	}

	return &Signal{
		Kind:       kind,
		Confidence: w.AvgConviction.Clamp(money.Zero, one),
		Allocation: applyRegimeShaping(half, snap.Regime),
		Reasoning: fmt.Sprintf("%d flows, avg conviction %s, %s",
			w.TotalFlows, w.AvgConviction.StringFixed(2), w.DominantSentiment),
		Meta: SignalMeta{Indicator: "whale_conviction", Reading: w.AvgConviction},
	}, nil
}
