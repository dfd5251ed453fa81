// Package executor is the fail-closed execution path. Every signal
// passes the full gate (kill-switch, signature, guards, nonce) before a
// synthetic fill is recorded; any doubt resolves to not trading.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/identity"
	"github.com/maestrohq/trading-core/internal/maestro"
	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

var (
	// ErrLiveDisabled is returned when a caller asks for the live path;
	// the core only ever records shadow fills.
	ErrLiveDisabled = errors.New("executor: live execution is not enabled")
	// ErrTradeClosed is returned on any attempt to mutate a CLOSED trade.
	ErrTradeClosed = errors.New("executor: trade already closed")
)

// shadowFlag is the persisted global execution-mode document.
type shadowFlag struct {
	IsShadowMode bool `json:"isShadowMode"`
}

// Decision records why a signal did or did not become a trade.
type Decision struct {
	Executed bool
	Reason   string
	Trade    *types.ShadowTrade
}

// Executor records synthetic fills for one tenant's users.
type Executor struct {
	logger *zap.Logger
	vault  *identity.Vault
	// system reads the global shadow-mode flag; it is unscoped on
	// purpose since the flag lives outside any tenant subtree.
	system store.Store
}

// New builds an executor. system must be the unscoped backing store.
func New(logger *zap.Logger, vault *identity.Vault, system store.Store) *Executor {
	return &Executor{logger: logger.Named("executor"), vault: vault, system: system}
}

// IsShadowMode reads the global execution-mode flag. Fail-closed: any
// error reading the flag, including absence, reads as shadow.
func (e *Executor) IsShadowMode(ctx context.Context) bool {
	var flag shadowFlag
	if err := e.system.Get(ctx, store.ShadowModeFlag, &flag); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("shadow flag unreadable, failing closed", zap.Error(err))
		}
		return true
	}
	return flag.IsShadowMode
}

// Execute runs the gate and, when every condition passes, records a
// shadow trade for the user. st must be the tenant-scoped store view.
func (e *Executor) Execute(ctx context.Context, st store.Store, tid, uid string, o *maestro.Orchestrated, quote types.Quote, equity money.Amount) (*Decision, error) {
	if !e.IsShadowMode(ctx) {
		// Live path contract exists but live order placement does not.
		return &Decision{Reason: "live execution disabled"}, ErrLiveDisabled
	}

	if o.Signal.Kind == types.ActionHold && len(o.Signal.GuardReasons) > 0 {
		return &Decision{Reason: "risk guard coerced HOLD"}, nil
	}
	if o.Signal.Kind != types.ActionBuy && o.Signal.Kind != types.ActionSell {
		return &Decision{Reason: "signal is not directional"}, nil
	}

	var status types.TradingStatus
	err := st.Get(ctx, store.UserPath(tid, uid, "status", "trading"), &status)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("executor: read trading status: %w", err)
	}
	// Absent status means the user never opted in.
	if !status.Enabled {
		return &Decision{Reason: "trading disabled for user"}, nil
	}

	vr, err := e.vault.Verify(o.Signal, o.Signature)
	if !vr.OK {
		switch {
		case errors.Is(err, identity.ErrBadSignature),
			errors.Is(err, identity.ErrReplayedNonce),
			errors.Is(err, identity.ErrUnknownAgent):
			e.vault.RecordViolation(ctx, o.AgentID, "signature_rejected", vr.Reason)
			return &Decision{Reason: "signature rejected: " + vr.Reason}, nil
		default:
			return nil, fmt.Errorf("executor: verify signature: %w", err)
		}
	}

	fill, err := quote.Mid(money.DefaultScale)
	if err != nil || fill.IsZero() {
		return &Decision{Reason: "no usable quote for fill"}, nil
	}

	notional := equity.Mul(o.Signal.Allocation)
	if !notional.IsPositive() {
		return &Decision{Reason: "zero notional"}, nil
	}
	qty, err := notional.Div(fill, money.DefaultScale, money.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("executor: size position: %w", err)
	}

	now := time.Now().UTC()
	trade := &types.ShadowTrade{
		ID:           uuid.NewString(),
		UID:          uid,
		Symbol:       o.Signal.Symbol,
		Side:         types.Side(o.Signal.Kind),
		Quantity:     qty,
		EntryPrice:   fill,
		CurrentPrice: fill,
		CurrentPnL:   money.Zero,
		PnLPercent:   money.Zero,
		Status:       types.TradeOpen,
		CreatedAt:    now,
		LastUpdated:  now,
		Reasoning:    o.Signal.Reasoning,
		Allocation:   o.Signal.Allocation,
		Provenance:   o.Provenance,
	}

	path := store.UserPath(tid, uid, "shadowTradeHistory", trade.ID)
	if err := st.Set(ctx, path, trade); err != nil {
		return nil, fmt.Errorf("executor: persist trade: %w", err)
	}

	e.logger.Info("shadow trade recorded",
		zap.String("uid", uid),
		zap.String("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.String("fill", fill.StringFixed(2)),
		zap.String("agent_id", o.AgentID),
	)
	return &Decision{Executed: true, Trade: trade}, nil
}

// CloseTrade transitions an OPEN trade to CLOSED at the given exit
// price and writes the closed-trade journal entry. CLOSED trades are
// immutable; a second close fails with ErrTradeClosed.
func (e *Executor) CloseTrade(ctx context.Context, st store.Store, tid, uid, tradeID string, exit money.Amount) (*types.ShadowTrade, error) {
	path := store.UserPath(tid, uid, "shadowTradeHistory", tradeID)

	var trade types.ShadowTrade
	if err := st.Get(ctx, path, &trade); err != nil {
		return nil, fmt.Errorf("executor: load trade %s: %w", tradeID, err)
	}
	if trade.Status == types.TradeClosed {
		return nil, fmt.Errorf("%w: %s", ErrTradeClosed, tradeID)
	}

	pnl := exit.Sub(trade.EntryPrice).Mul(trade.Quantity)
	if trade.Side == types.SideSell {
		pnl = pnl.Neg()
	}
	basis := trade.EntryPrice.Mul(trade.Quantity)
	pct := money.Zero
	if !basis.IsZero() {
		pct, _ = pnl.Mul(money.FromInt(100)).Div(basis, 4, money.RoundHalfUp)
	}

	now := time.Now().UTC()
	trade.Status = types.TradeClosed
	trade.ExitPrice = exit
	trade.CurrentPrice = exit
	trade.CurrentPnL = pnl
	trade.PnLPercent = pct
	trade.ClosedAt = &now
	trade.LastUpdated = now

	if err := st.Set(ctx, path, &trade); err != nil {
		return nil, fmt.Errorf("executor: close trade %s: %w", tradeID, err)
	}

	entry := types.JournalEntry{
		TradeID:     trade.ID,
		Symbol:      trade.Symbol,
		Side:        trade.Side,
		EntryPrice:  trade.EntryPrice,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		PnLPercent:  pct,
		HoldingTime: now.Sub(trade.CreatedAt),
		AgentID:     trade.Provenance.AgentID,
		ClosedAt:    now,
	}
	journalPath := store.UserPath(tid, uid, "tradeJournal", trade.ID)
	if err := st.Set(ctx, journalPath, entry); err != nil {
		// The close itself stands; the journal is best effort.
		e.logger.Warn("journal write failed", zap.String("trade_id", trade.ID), zap.Error(err))
	}

	e.logger.Info("shadow trade closed",
		zap.String("uid", uid),
		zap.String("trade_id", trade.ID),
		zap.String("pnl", pnl.StringFixed(2)),
	)
	return &trade, nil
}
