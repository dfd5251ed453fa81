// Package whale scores institutional options prints and answers the
// recent-conviction lookback used by the flow-following strategy.
package whale

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// EngineConfig tunes scoring and the lookback query.
type EngineConfig struct {
	// Lookback is the recency window for conviction summaries.
	Lookback time.Duration
	// SentimentTieDelta is the bull/bear count difference at or under
	// which the dominant sentiment reads MIXED.
	SentimentTieDelta int
}

// DefaultEngineConfig returns the one-hour lookback defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{Lookback: time.Hour, SentimentTieDelta: 1}
}

// Engine persists scored flows per user and aggregates them on demand.
type Engine struct {
	logger *zap.Logger
	cfg    EngineConfig
}

// New builds a whale flow engine.
func New(logger *zap.Logger, cfg EngineConfig) *Engine {
	if cfg.Lookback == 0 {
		cfg = DefaultEngineConfig()
	}
	return &Engine{logger: logger.Named("whale"), cfg: cfg}
}

// Score computes the conviction of a single print. Sweeps read as
// urgent, blocks as deliberate, anything else as background noise;
// OTM strikes and volume outrunning open interest each add a bump.
func Score(f types.WhaleFlow) money.Amount {
	var score money.Amount
	switch f.FlowType {
	case types.FlowSweep:
		score = money.MustParse("0.8")
	case types.FlowBlock:
		score = money.MustParse("0.5")
	default:
		score = money.MustParse("0.3")
	}
	if f.IsOTM {
		score = score.Add(money.MustParse("0.1"))
	}
	if f.VolOIRatio.GreaterThan(money.MustParse("1.2")) {
		score = score.Add(money.MustParse("0.1"))
	}
	return score.Clamp(money.Zero, money.FromInt(1))
}

// Record scores the flow and appends it to the user's flow collection.
func (e *Engine) Record(ctx context.Context, st store.Store, tid, uid string, f types.WhaleFlow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.TS.IsZero() {
		f.TS = time.Now().UTC()
	}
	f.Conviction = Score(f)

	path := store.UserPath(tid, uid, "whaleFlow", f.ID)
	if err := st.Set(ctx, path, f); err != nil {
		return fmt.Errorf("whale: record flow %s: %w", f.ID, err)
	}
	e.logger.Debug("whale flow recorded",
		zap.String("underlying", f.Underlying),
		zap.String("flow_type", string(f.FlowType)),
		zap.String("conviction", f.Conviction.StringFixed(2)),
	)
	return nil
}

// RecentConviction aggregates a user's flows for one underlying inside
// the lookback window.
func (e *Engine) RecentConviction(ctx context.Context, st store.Store, tid, uid, underlying string, now time.Time) (*types.WhaleSummary, error) {
	docs, err := st.List(ctx, store.UserPath(tid, uid, "whaleFlow"))
	if err != nil {
		return nil, fmt.Errorf("whale: list flows: %w", err)
	}

	cutoff := now.Add(-e.cfg.Lookback)
	summary := &types.WhaleSummary{}
	var bulls, bears int
	sum := money.Zero

	for _, doc := range docs {
		var f types.WhaleFlow
		if err := doc.Decode(&f); err != nil {
			e.logger.Warn("skipping undecodable flow", zap.String("path", doc.Path), zap.Error(err))
			continue
		}
		if f.Underlying != underlying || f.TS.Before(cutoff) {
			continue
		}

		summary.TotalFlows++
		summary.TotalPremium = summary.TotalPremium.Add(f.Premium)
		summary.MaxConviction = summary.MaxConviction.Max(f.Conviction)
		sum = sum.Add(f.Conviction)

		switch f.Sentiment {
		case types.SentimentBullish:
			bulls++
		case types.SentimentBearish:
			bears++
		}
	}

	if summary.TotalFlows == 0 {
		return summary, nil
	}
	summary.HasActivity = true
	avg, err := sum.Div(money.FromInt(int64(summary.TotalFlows)), money.DefaultScale, money.RoundHalfUp)
	if err != nil {
		return nil, err
	}
	summary.AvgConviction = avg
	summary.DominantSentiment = dominant(bulls, bears, e.cfg.SentimentTieDelta)
	return summary, nil
}

func dominant(bulls, bears, tieDelta int) types.Sentiment {
	diff := bulls - bears
	if diff < 0 {
		diff = -diff
	}
	switch {
	case bulls == 0 && bears == 0:
		return types.SentimentNeutral
	case diff <= tieDelta:
		return types.SentimentMixed
	case bulls > bears:
		return types.SentimentBullish
	default:
		return types.SentimentBearish
	}
}
