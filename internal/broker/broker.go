// Package broker defines the read-only brokerage contract the core
// consumes: account snapshots and top-of-book quotes. Live order
// endpoints are deliberately absent.
package broker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/maestrohq/trading-core/pkg/types"
)

// ErrNoQuote is returned when the broker has no quote for a symbol.
var ErrNoQuote = errors.New("broker: no quote available")

// Client reads account state and market quotes. Implementations must be
// safe for concurrent use across user units.
type Client interface {
	GetAccount(ctx context.Context) (*types.AccountSnapshot, error)
	GetQuote(ctx context.Context, symbol string) (*types.Quote, error)
}

// Credentials identifies one user's brokerage account.
type Credentials struct {
	KeyID     string `json:"keyId"`
	SecretKey string `json:"secretKey"`
	BaseURL   string `json:"baseUrl"`
}

// Factory builds a per-user client from stored credentials.
type Factory func(creds Credentials) Client

// retry runs fn up to attempts times with jittered exponential backoff,
// bounded by the context deadline.
func retry(ctx context.Context, attempts int, fn func() error) error {
	backoff := 200 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}
