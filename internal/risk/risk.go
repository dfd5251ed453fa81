// Package risk applies the post-consensus circuit breakers. The guards
// are stateless and run in a fixed order; each one that fires appends a
// human-readable reason to the signal.
package risk

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/strategy"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// BreakerConfig holds the guard thresholds.
type BreakerConfig struct {
	// DailyLossLimit is the fractional intraday loss that halts new
	// entries, e.g. 0.02 for 2%.
	DailyLossLimit money.Amount
	// VolatilityLimit is the ambient volatility index reading above
	// which allocations are halved.
	VolatilityLimit money.Amount
	// MaxConcentration is the maximum single-symbol weight as a
	// fraction of NAV.
	MaxConcentration money.Amount
}

// DefaultBreakerConfig returns the production thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		DailyLossLimit:   money.MustParse("0.02"),
		VolatilityLimit:  money.FromInt(30),
		MaxConcentration: money.MustParse("0.20"),
	}
}

// Input is the account state the guards evaluate against.
type Input struct {
	StartingEquity money.Amount // equity at session open
	CurrentEquity  money.Amount
	Volatility     money.Amount // ambient volatility index; zero when unavailable
	// SymbolExposure is the current market value already held in the
	// signal's symbol.
	SymbolExposure money.Amount
	// ProposedNotional is the dollar value the signal wants to add.
	ProposedNotional money.Amount
}

// Breaker runs the guard chain.
type Breaker struct {
	logger *zap.Logger
	cfg    BreakerConfig
}

// New builds a breaker with the given thresholds.
func New(logger *zap.Logger, cfg BreakerConfig) *Breaker {
	return &Breaker{logger: logger.Named("risk"), cfg: cfg}
}

// Apply mutates the signal in place: daily-loss and concentration
// breaches coerce to HOLD with zero allocation, a volatility breach
// halves the allocation. Returns true if any guard fired.
func (b *Breaker) Apply(sig *strategy.Signal, in Input) bool {
	if sig == nil || sig.Kind == types.ActionHold {
		return false
	}
	fired := false

	if reason := b.dailyLoss(in); reason != "" {
		b.coerceHold(sig, reason)
		return true
	}

	if reason := b.volatility(in); reason != "" {
		sig.Allocation = sig.Allocation.Mul(money.MustParse("0.5"))
		sig.GuardReasons = append(sig.GuardReasons, reason)
		fired = true
	}

	if reason := b.concentration(sig, in); reason != "" {
		b.coerceHold(sig, reason)
		return true
	}
	return fired
}

func (b *Breaker) coerceHold(sig *strategy.Signal, reason string) {
	b.logger.Warn("guard coerced signal to HOLD",
		zap.String("symbol", sig.Symbol),
		zap.String("was", string(sig.Kind)),
		zap.String("reason", reason),
	)
	sig.Kind = types.ActionHold
	sig.Allocation = money.Zero
	sig.GuardReasons = append(sig.GuardReasons, reason)
}

func (b *Breaker) dailyLoss(in Input) string {
	if in.StartingEquity.IsZero() {
		return ""
	}
	change, err := in.CurrentEquity.Sub(in.StartingEquity).
		Div(in.StartingEquity, money.DefaultScale, money.RoundHalfUp)
	if err != nil {
		return ""
	}
	if change.LessThan(b.cfg.DailyLossLimit.Neg()) {
		return fmt.Sprintf("daily loss %s%% exceeds limit %s%%",
			change.Mul(money.FromInt(100)).StringFixed(2),
			b.cfg.DailyLossLimit.Mul(money.FromInt(100)).StringFixed(2))
	}
	return ""
}

func (b *Breaker) volatility(in Input) string {
	if in.Volatility.IsZero() || !in.Volatility.GreaterThan(b.cfg.VolatilityLimit) {
		return ""
	}
	return fmt.Sprintf("volatility %s above limit %s, allocation halved",
		in.Volatility.StringFixed(1), b.cfg.VolatilityLimit.StringFixed(1))
}

func (b *Breaker) concentration(sig *strategy.Signal, in Input) string {
	// Only new exposure concentrates; exits are always allowed.
	if sig.Kind != types.ActionBuy || in.CurrentEquity.IsZero() {
		return ""
	}
	weight, err := in.SymbolExposure.Add(in.ProposedNotional).
		Div(in.CurrentEquity, money.DefaultScale, money.RoundHalfUp)
	if err != nil {
		return ""
	}
	if weight.GreaterThan(b.cfg.MaxConcentration) {
		return fmt.Sprintf("symbol weight %s%% would exceed cap %s%%",
			weight.Mul(money.FromInt(100)).StringFixed(1),
			b.cfg.MaxConcentration.Mul(money.FromInt(100)).StringFixed(1))
	}
	return ""
}
