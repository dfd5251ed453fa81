// Package marketdata provides the options market-data client consumed
// by the regime engine (chains with Greeks and open interest) and the
// volatility index feed used by the risk guards.
package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/pkg/money"
)

// Right distinguishes calls from puts.
type Right string

const (
	Call Right = "C"
	Put  Right = "P"
)

// Contract is one strike of an option chain. Numerics arrive as JSON
// numbers and decode through money.Amount's string path.
type Contract struct {
	Symbol       string       `json:"symbol"`
	Strike       money.Amount `json:"strike"`
	Right        Right        `json:"right"`
	Expiry       string       `json:"expiry"` // YYYY-MM-DD
	OpenInterest int64        `json:"oi"`
	Volume       int64        `json:"volume"`
	Gamma        money.Amount `json:"gamma"`
	IV           money.Amount `json:"iv"`
	Last         money.Amount `json:"last"`
}

// Chain is a full option chain snapshot with the underlying spot.
type Chain struct {
	Underlying string       `json:"underlying"`
	Spot       money.Amount `json:"spot"`
	Contracts  []Contract   `json:"contracts"`
	AsOf       time.Time    `json:"asOf"`
}

// OptionsClient fetches option chains and the ambient volatility index.
type OptionsClient interface {
	OptionChain(ctx context.Context, symbol string, expiries []string) (*Chain, error)
	VolatilityIndex(ctx context.Context) (money.Amount, error)
}

// Config configures the REST options client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RESTClient is an OptionsClient over the vendor's HTTP API.
type RESTClient struct {
	logger *zap.Logger
	http   *resty.Client
}

// NewRESTClient builds a client with retry tuned for the per-unit
// deadline (3 attempts, jittered backoff).
func NewRESTClient(logger *zap.Logger, config Config) *RESTClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	http := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Authorization", "Bearer "+config.APIKey)
	return &RESTClient{logger: logger.Named("options"), http: http}
}

// OptionChain fetches the chain for the given expiries.
func (c *RESTClient) OptionChain(ctx context.Context, symbol string, expiries []string) (*Chain, error) {
	var chain Chain
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParamsFromValues(url.Values{"expiry": expiries}).
		SetResult(&chain).
		Get("/v1/options/chain")
	if err != nil {
		return nil, fmt.Errorf("marketdata: chain %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("marketdata: chain %s: status %d", symbol, resp.StatusCode())
	}
	chain.Underlying = symbol
	if chain.AsOf.IsZero() {
		chain.AsOf = time.Now().UTC()
	}
	return &chain, nil
}

// VolatilityIndex fetches the ambient volatility index level.
func (c *RESTClient) VolatilityIndex(ctx context.Context) (money.Amount, error) {
	var out struct {
		Value money.Amount `json:"value"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/volatility/index")
	if err != nil {
		return money.Zero, fmt.Errorf("marketdata: vol index: %w", err)
	}
	if resp.IsError() {
		return money.Zero, fmt.Errorf("marketdata: vol index: status %d", resp.StatusCode())
	}
	return out.Value, nil
}

var _ OptionsClient = (*RESTClient)(nil)
