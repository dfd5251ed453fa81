package store

import (
	"context"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// docLimiterCacheSize bounds the per-document limiter table.
const docLimiterCacheSize = 8192

// LimiterConfig tunes the process-wide write limiter.
type LimiterConfig struct {
	WritesPerSecond int     // total write budget, default 500
	Burst           int     // bucket depth
	PerDocPerSecond int     // per-document write budget, default 50
	JitterAbove     float64 // utilization fraction that triggers jitter
	MaxJitter       time.Duration
}

// DefaultLimiterConfig returns limits tuned to the persistence layer's
// published quotas (500 writes/s total, 50 writes/s per document).
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		WritesPerSecond: 500,
		Burst:           50,
		PerDocPerSecond: 50,
		JitterAbove:     0.7,
		MaxJitter:       25 * time.Millisecond,
	}
}

// WriteLimiter wraps a Store and gates every mutation through a
// token-bucket rate limiter. Once the bucket crosses the configured
// utilization, callers additionally sleep a small random delay so that
// bursts from concurrent units spread out instead of arriving as a wall.
type WriteLimiter struct {
	logger  *zap.Logger
	backend Store
	limiter *rate.Limiter
	perDoc  *lru.Cache[string, *rate.Limiter]
	config  LimiterConfig

	mu     sync.Mutex
	rng    *rand.Rand
	waits  int64
	writes int64
}

// NewWriteLimiter wraps backend with the configured write budget.
func NewWriteLimiter(logger *zap.Logger, backend Store, config LimiterConfig) *WriteLimiter {
	if config.WritesPerSecond <= 0 {
		config.WritesPerSecond = DefaultLimiterConfig().WritesPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = config.WritesPerSecond / 10
		if config.Burst == 0 {
			config.Burst = 1
		}
	}
	if config.PerDocPerSecond <= 0 {
		config.PerDocPerSecond = DefaultLimiterConfig().PerDocPerSecond
	}
	perDoc, err := lru.New[string, *rate.Limiter](docLimiterCacheSize)
	if err != nil {
		panic(err) // only on a non-positive size
	}
	return &WriteLimiter{
		logger:  logger.Named("write-limiter"),
		backend: backend,
		limiter: rate.NewLimiter(rate.Limit(config.WritesPerSecond), config.Burst),
		perDoc:  perDoc,
		config:  config,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// docLimiter returns the per-document bucket, creating it on first
// write. Hot documents like the tick summary get their own budget so
// they cannot absorb the whole global one.
func (w *WriteLimiter) docLimiter(path string) *rate.Limiter {
	if lim, ok := w.perDoc.Get(path); ok {
		return lim
	}
	burst := w.config.PerDocPerSecond / 10
	if burst == 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(w.config.PerDocPerSecond), burst)
	if prev, ok, _ := w.perDoc.PeekOrAdd(path, lim); ok {
		return prev
	}
	return lim
}

func (w *WriteLimiter) acquire(ctx context.Context, path string) error {
	if err := w.docLimiter(path).Wait(ctx); err != nil {
		return err
	}
	// Jitter before joining the queue when the bucket is mostly drained.
	if w.config.JitterAbove > 0 {
		remaining := w.limiter.Tokens()
		if remaining < float64(w.config.Burst)*(1-w.config.JitterAbove) {
			w.mu.Lock()
			d := time.Duration(w.rng.Int63n(int64(w.config.MaxJitter) + 1))
			w.waits++
			w.mu.Unlock()
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.writes++
	w.mu.Unlock()
	return nil
}

// Get reads pass through without consuming write tokens.
func (w *WriteLimiter) Get(ctx context.Context, path string, out any) error {
	return w.backend.Get(ctx, path, out)
}

// Set acquires the document's and the global write token before
// delegating.
func (w *WriteLimiter) Set(ctx context.Context, path string, v any) error {
	if err := w.acquire(ctx, path); err != nil {
		return err
	}
	return w.backend.Set(ctx, path, v)
}

// List reads pass through without consuming write tokens.
func (w *WriteLimiter) List(ctx context.Context, collection string) ([]Document, error) {
	return w.backend.List(ctx, collection)
}

// Delete acquires the document's and the global write token before
// delegating.
func (w *WriteLimiter) Delete(ctx context.Context, path string) error {
	if err := w.acquire(ctx, path); err != nil {
		return err
	}
	return w.backend.Delete(ctx, path)
}

// Writes reports the number of writes admitted so far.
func (w *WriteLimiter) Writes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

var _ Store = (*WriteLimiter)(nil)
