package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// Alpaca adapts the Alpaca paper-trading API to the Client contract.
// Account numerics arrive as decimals and are wrapped directly; quote
// floats are converted through their string form.
type Alpaca struct {
	logger *zap.Logger
	trade  *alpaca.Client
	md     *marketdata.Client
}

// NewAlpaca builds a client for one set of credentials. The base URL
// must already have passed the paper-host safety check.
func NewAlpaca(logger *zap.Logger, creds Credentials) *Alpaca {
	return &Alpaca{
		logger: logger.Named("broker"),
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    creds.KeyID,
			APISecret: creds.SecretKey,
			BaseURL:   creds.BaseURL,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    creds.KeyID,
			APISecret: creds.SecretKey,
		}),
	}
}

// NewAlpacaFactory returns a Factory producing Alpaca clients.
func NewAlpacaFactory(logger *zap.Logger) Factory {
	return func(creds Credentials) Client {
		return NewAlpaca(logger, creds)
	}
}

// GetAccount fetches equity, cash, buying power and open positions.
func (a *Alpaca) GetAccount(ctx context.Context) (*types.AccountSnapshot, error) {
	var acct *alpaca.Account
	var positions []alpaca.Position

	err := retry(ctx, 3, func() error {
		var err error
		acct, err = a.trade.GetAccount()
		if err != nil {
			return err
		}
		positions, err = a.trade.GetPositions()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("broker: get account: %w", err)
	}

	snap := &types.AccountSnapshot{
		Equity:      money.FromDecimal(acct.Equity),
		Cash:        money.FromDecimal(acct.Cash),
		BuyingPower: money.FromDecimal(acct.BuyingPower),
		AsOf:        time.Now().UTC(),
	}
	for _, p := range positions {
		snap.Positions = append(snap.Positions, types.Position{
			Symbol:        p.Symbol,
			Qty:           money.FromDecimal(p.Qty),
			AvgEntryPrice: money.FromDecimal(p.AvgEntryPrice),
		})
	}
	return snap, nil
}

// GetQuote fetches the latest top-of-book quote for a symbol.
func (a *Alpaca) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	var q *marketdata.Quote
	var last *marketdata.Trade

	err := retry(ctx, 3, func() error {
		var err error
		q, err = a.md.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
		if err != nil {
			return err
		}
		last, err = a.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("broker: quote %s: %w", symbol, err)
	}
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	quote := &types.Quote{
		Symbol: symbol,
		Bid:    money.FromFloat(q.BidPrice),
		Ask:    money.FromFloat(q.AskPrice),
		TS:     q.Timestamp,
	}
	if last != nil {
		quote.Last = money.FromFloat(last.Price)
	}
	return quote, nil
}

var _ Client = (*Alpaca)(nil)
