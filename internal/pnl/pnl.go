// Package pnl marks every OPEN shadow trade to market each tick. Only
// the mark fields of a trade are mutated; everything else, including
// CLOSED trades, stays untouched.
package pnl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// QuoteSource supplies marks. The broker client satisfies this.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*types.Quote, error)
}

// Summary counts one materialization pass.
type Summary struct {
	Updated int
	Stale   int
	Errors  int
}

// Materializer runs the per-user mark-to-market pass.
type Materializer struct {
	logger *zap.Logger
	quotes QuoteSource
}

// New builds a materializer over the given quote source.
func New(logger *zap.Logger, quotes QuoteSource) *Materializer {
	return &Materializer{logger: logger.Named("pnl"), quotes: quotes}
}

// MarkUser updates every OPEN shadow trade for the user. A failure on
// one trade never blocks the others; a missing quote leaves the trade's
// marks untouched and flags it stale.
func (m *Materializer) MarkUser(ctx context.Context, st store.Store, tid, uid string) (Summary, error) {
	collection := store.UserPath(tid, uid, "shadowTradeHistory")
	docs, err := st.List(ctx, collection)
	if err != nil {
		return Summary{}, fmt.Errorf("pnl: list trades for %s: %w", uid, err)
	}

	var sum Summary
	// One quote per distinct symbol per pass.
	marks := make(map[string]*types.Quote)

	for _, doc := range docs {
		var trade types.ShadowTrade
		if err := doc.Decode(&trade); err != nil {
			sum.Errors++
			m.logger.Warn("skipping undecodable trade", zap.String("path", doc.Path), zap.Error(err))
			continue
		}
		if trade.Status != types.TradeOpen {
			continue
		}

		quote, ok := marks[trade.Symbol]
		if !ok {
			q, err := m.quotes.GetQuote(ctx, trade.Symbol)
			if err != nil {
				q = nil
			}
			marks[trade.Symbol] = q
			quote = q
		}

		if quote == nil || quote.Last.IsZero() {
			if !trade.Stale {
				trade.Stale = true
				if err := st.Set(ctx, doc.Path, &trade); err != nil {
					sum.Errors++
					continue
				}
			}
			sum.Stale++
			continue
		}

		if err := Mark(&trade, quote.Last, time.Now().UTC()); err != nil {
			sum.Errors++
			m.logger.Warn("mark failed",
				zap.String("trade_id", trade.ID),
				zap.Error(err),
			)
			continue
		}
		if err := st.Set(ctx, doc.Path, &trade); err != nil {
			sum.Errors++
			m.logger.Warn("mark persist failed",
				zap.String("trade_id", trade.ID),
				zap.Error(err),
			)
			continue
		}
		sum.Updated++
	}
	return sum, nil
}

// Mark recomputes the mark fields of an OPEN trade in place: current
// price, dollar P&L, percent P&L, and the update timestamp.
func Mark(trade *types.ShadowTrade, price money.Amount, now time.Time) error {
	if trade.Status != types.TradeOpen {
		return fmt.Errorf("pnl: trade %s is not open", trade.ID)
	}

	pnl := price.Sub(trade.EntryPrice).Mul(trade.Quantity)
	if trade.Side == types.SideSell {
		pnl = pnl.Neg()
	}

	basis := trade.EntryPrice.Mul(trade.Quantity)
	pct := money.Zero
	if !basis.IsZero() {
		var err error
		pct, err = pnl.Mul(money.FromInt(100)).Div(basis, 4, money.RoundHalfUp)
		if err != nil {
			return err
		}
	}

	trade.CurrentPrice = price
	trade.CurrentPnL = pnl
	trade.PnLPercent = pct
	trade.LastUpdated = now
	trade.Stale = false
	return nil
}
