// Package regime computes the dealer gamma-exposure (GEX) market
// regime from near-dated option chains and publishes it to the store.
package regime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/marketdata"
	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// EngineConfig tunes the regime engine.
type EngineConfig struct {
	// Symbol is the underlying whose chain defines the regime.
	Symbol string
	// Epsilon is the dead band around zero net GEX inside which the
	// regime reads NEUTRAL.
	Epsilon money.Amount
	// Interval is the sync cadence.
	Interval time.Duration
}

// DefaultEngineConfig returns the SPY 5-minute defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Symbol:   "SPY",
		Epsilon:  money.FromInt(1_000_000),
		Interval: 5 * time.Minute,
	}
}

// syncError is the persisted record of a failed regime sync. The last
// good regime document is never overwritten by a failure.
type syncError struct {
	Symbol string    `json:"symbol"`
	Reason string    `json:"reason"`
	TS     time.Time `json:"ts"`
}

// Engine fetches chains, computes GEX, and publishes the regime.
type Engine struct {
	logger  *zap.Logger
	store   store.Store
	options marketdata.OptionsClient
	cfg     EngineConfig

	stopCh chan struct{}
}

// New builds a regime engine.
func New(logger *zap.Logger, st store.Store, options marketdata.OptionsClient, cfg EngineConfig) *Engine {
	if cfg.Symbol == "" {
		cfg = DefaultEngineConfig()
	}
	return &Engine{
		logger:  logger.Named("regime"),
		store:   st,
		options: options,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the sync loop until the context is cancelled or Stop is
// called. The first sync happens immediately.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		e.syncLogged(ctx)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.syncLogged(ctx)
			}
		}
	}()
}

// Stop halts the sync loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) syncLogged(ctx context.Context) {
	if _, err := e.Sync(ctx); err != nil {
		e.logger.Warn("regime sync failed, keeping last good regime",
			zap.String("symbol", e.cfg.Symbol),
			zap.Error(err),
		)
	}
}

// Sync fetches the 0-DTE and 1-DTE chains, computes net GEX, and
// overwrites the regime document. On any upstream error the failure is
// written to the sibling error document instead and the last good
// regime stays in place.
func (e *Engine) Sync(ctx context.Context) (*types.MarketRegime, error) {
	now := time.Now().UTC()
	expiries := []string{
		now.Format("2006-01-02"),
		now.AddDate(0, 0, 1).Format("2006-01-02"),
	}

	chain, err := e.options.OptionChain(ctx, e.cfg.Symbol, expiries)
	if err != nil {
		e.recordError(ctx, err)
		return nil, err
	}
	if chain.Spot.IsZero() {
		err := fmt.Errorf("regime: chain for %s has no spot", e.cfg.Symbol)
		e.recordError(ctx, err)
		return nil, err
	}

	mr := Compute(chain, e.cfg.Epsilon)
	mr.TS = now

	if err := e.store.Set(ctx, store.RegimePath(e.cfg.Symbol), mr); err != nil {
		return nil, fmt.Errorf("regime: persist: %w", err)
	}
	e.logger.Info("regime updated",
		zap.String("symbol", mr.Symbol),
		zap.String("regime", string(mr.Regime)),
		zap.String("net_gex", mr.NetGEX.StringFixed(0)),
	)
	return mr, nil
}

func (e *Engine) recordError(ctx context.Context, cause error) {
	rec := syncError{Symbol: e.cfg.Symbol, Reason: cause.Error(), TS: time.Now().UTC()}
	if err := e.store.Set(ctx, store.RegimeErrorPath(e.cfg.Symbol), rec); err != nil {
		e.logger.Error("failed to record regime sync error", zap.Error(err))
	}
}

// Compute derives the GEX regime from one chain snapshot. Per strike:
// call GEX = gamma * OI * 100 * spot; put GEX is the same negated.
func Compute(chain *marketdata.Chain, epsilon money.Amount) *types.MarketRegime {
	contractSize := money.FromInt(100)

	callGEX := money.Zero
	putGEX := money.Zero
	for _, c := range chain.Contracts {
		if c.OpenInterest == 0 || c.Gamma.IsZero() {
			continue
		}
		gex := c.Gamma.
			Mul(money.FromInt(c.OpenInterest)).
			Mul(contractSize).
			Mul(chain.Spot)
		switch c.Right {
		case marketdata.Call:
			callGEX = callGEX.Add(gex)
		case marketdata.Put:
			putGEX = putGEX.Sub(gex)
		}
	}
	netGEX := callGEX.Add(putGEX)

	regime := types.RegimeNeutral
	if netGEX.GreaterThan(epsilon) {
		regime = types.RegimeLongGamma
	} else if netGEX.LessThan(epsilon.Neg()) {
		regime = types.RegimeShortGamma
	}

	return &types.MarketRegime{
		Symbol:  chain.Underlying,
		NetGEX:  netGEX,
		CallGEX: callGEX,
		PutGEX:  putGEX,
		Regime:  regime,
		Spot:    chain.Spot,
		TS:      chain.AsOf,
	}
}

// Current reads the last published regime for one underlying. Returns
// (nil, nil) when no regime has ever been published; consumers
// tolerate absence.
func Current(ctx context.Context, st store.Store, symbol string) (*types.MarketRegime, error) {
	var mr types.MarketRegime
	if err := st.Get(ctx, store.RegimePath(symbol), &mr); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mr, nil
}
