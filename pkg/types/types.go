// Package types provides the shared domain records of the trading core.
// All persisted documents are declared here with strict schemas; the
// store validates on read, not on write.
package types

import (
	"time"

	"github.com/maestrohq/trading-core/pkg/money"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action is the decision carried by a signal or consensus result.
type Action string

const (
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionHold     Action = "HOLD"
	ActionCloseAll Action = "CLOSE_ALL"
)

// TradeStatus is the lifecycle state of a shadow trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Regime labels the dealer-gamma market regime.
type Regime string

const (
	RegimeLongGamma  Regime = "LONG_GAMMA"
	RegimeShortGamma Regime = "SHORT_GAMMA"
	RegimeNeutral    Regime = "NEUTRAL"
)

// StrategyMode is the allocation mode derived from rolling Sharpe.
type StrategyMode string

const (
	ModeActive     StrategyMode = "ACTIVE"
	ModeReduced    StrategyMode = "REDUCED"
	ModeShadowOnly StrategyMode = "SHADOW_MODE"
)

// FlowType classifies an institutional options print.
type FlowType string

const (
	FlowSweep   FlowType = "SWEEP"
	FlowBlock   FlowType = "BLOCK"
	FlowUnknown FlowType = "UNKNOWN"
)

// Sentiment is the directional read of a whale flow.
type Sentiment string

const (
	SentimentBullish Sentiment = "BULLISH"
	SentimentBearish Sentiment = "BEARISH"
	SentimentNeutral Sentiment = "NEUTRAL"
	SentimentMixed   Sentiment = "MIXED"
)

// Severity grades watchdog findings and alerts.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Position is a broker-reported holding. Derived, not authoritative.
type Position struct {
	Symbol        string       `json:"symbol"`
	Qty           money.Amount `json:"qty"`
	AvgEntryPrice money.Amount `json:"avgEntryPrice"`
}

// AccountSnapshot is the per-user broker state, overwritten each tick.
type AccountSnapshot struct {
	Equity      money.Amount `json:"equity"`
	Cash        money.Amount `json:"cash"`
	BuyingPower money.Amount `json:"buyingPower"`
	Positions   []Position   `json:"positions"`
	AsOf        time.Time    `json:"asOf"`
}

// Quote is a single top-of-book observation.
type Quote struct {
	Symbol string       `json:"symbol"`
	Bid    money.Amount `json:"bid"`
	Ask    money.Amount `json:"ask"`
	Last   money.Amount `json:"last"`
	TS     time.Time    `json:"ts"`
}

// Mid returns the bid/ask midpoint at the given scale.
func (q Quote) Mid(scale int32) (money.Amount, error) {
	return q.Bid.Add(q.Ask).Div(money.FromInt(2), scale, money.RoundHalfUp)
}

// TradingStatus is the per-user kill-switch. New users default to
// enabled=false; trading is opt-in.
type TradingStatus struct {
	Enabled    bool      `json:"enabled"`
	DisabledBy string    `json:"disabledBy,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Since      time.Time `json:"since"`
}

// AgentProvenance ties a recorded trade back to the signing agent.
type AgentProvenance struct {
	AgentID   string    `json:"agentId"`
	Nonce     string    `json:"nonce"`
	SessionID string    `json:"sessionId"`
	CertID    string    `json:"certId,omitempty"`
	SignedAt  time.Time `json:"signedAt"`
}

// ShadowTrade is a synthetic fill recorded by the shadow executor.
// Once Status is CLOSED the document is immutable.
type ShadowTrade struct {
	ID           string          `json:"id"`
	UID          string          `json:"uid"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Quantity     money.Amount    `json:"quantity"`
	EntryPrice   money.Amount    `json:"entryPrice"`
	CurrentPrice money.Amount    `json:"currentPrice"`
	CurrentPnL   money.Amount    `json:"currentPnl"`
	PnLPercent   money.Amount    `json:"pnlPercent"`
	Status       TradeStatus     `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	ClosedAt     *time.Time      `json:"closedAt,omitempty"`
	ExitPrice    money.Amount    `json:"exitPrice,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Allocation   money.Amount    `json:"allocation"`
	Stale        bool            `json:"stale,omitempty"`
	Provenance   AgentProvenance `json:"agentProvenance"`
}

// StrategyIdentity is the public half of an agent keypair. The private
// key never persists.
type StrategyIdentity struct {
	AgentID      string    `json:"agentId"`
	PublicKey    string    `json:"publicKey"` // hex-encoded ed25519
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// RealizedTrade is a FIFO-matched round trip used by the performance
// tracker.
type RealizedTrade struct {
	Symbol     string       `json:"symbol"`
	Quantity   money.Amount `json:"quantity"`
	EntryPrice money.Amount `json:"entryPrice"`
	ExitPrice  money.Amount `json:"exitPrice"`
	PnL        money.Amount `json:"pnl"`
	ClosedAt   time.Time    `json:"closedAt"`
}

// MarketRegime is the GEX snapshot for an underlying, overwritten every
// regime-sync tick.
type MarketRegime struct {
	Symbol  string       `json:"symbol"`
	NetGEX  money.Amount `json:"netGex"`
	CallGEX money.Amount `json:"callGex"`
	PutGEX  money.Amount `json:"putGex"`
	Regime  Regime       `json:"regime"`
	Spot    money.Amount `json:"spot"`
	TS      time.Time    `json:"ts"`
}

// WhaleFlow is one institutional options print with its conviction score.
type WhaleFlow struct {
	ID         string       `json:"id"`
	FlowType   FlowType     `json:"flowType"`
	Sentiment  Sentiment    `json:"sentiment"`
	Underlying string       `json:"underlying"`
	Strike     money.Amount `json:"strike"`
	Premium    money.Amount `json:"premium"`
	VolOIRatio money.Amount `json:"volOiRatio"`
	IsOTM      bool         `json:"isOtm"`
	Conviction money.Amount `json:"convictionScore"`
	TS         time.Time    `json:"ts"`
}

// WhaleSummary aggregates recent institutional flow for one underlying.
type WhaleSummary struct {
	HasActivity       bool         `json:"hasActivity"`
	TotalFlows        int          `json:"totalFlows"`
	AvgConviction     money.Amount `json:"avgConviction"`
	MaxConviction     money.Amount `json:"maxConviction"`
	TotalPremium      money.Amount `json:"totalPremium"`
	DominantSentiment Sentiment    `json:"dominantSentiment"`
}

// Vote is one strategy's contribution to consensus.
type Vote struct {
	AgentID    string       `json:"agentId"`
	Kind       Action       `json:"kind"`
	Confidence money.Amount `json:"confidence"`
	Weight     money.Amount `json:"weight"`
}

// ConsensusSignal is the audited outcome of a consensus round.
type ConsensusSignal struct {
	ID            string       `json:"id"`
	FinalAction   Action       `json:"finalAction"`
	Score         money.Amount `json:"score"`
	Discordance   float64      `json:"discordance"`
	Votes         []Vote       `json:"votes"`
	ShouldExecute bool         `json:"shouldExecute"`
	TS            time.Time    `json:"ts"`
}

// WatchdogEvent is an append-only anomaly record.
type WatchdogEvent struct {
	ID            string    `json:"id"`
	AnomalyType   string    `json:"anomalyType"`
	Severity      Severity  `json:"severity"`
	KillSwitch    bool      `json:"killSwitchActivated"`
	Explanation   string    `json:"explanation"`
	TS            time.Time `json:"ts"`
}

// Alert is an append-only user-facing notification.
type Alert struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Read     bool      `json:"read"`
	TS       time.Time `json:"ts"`
}

// SecurityViolation is an append-only security-log record for signature
// and replay failures.
type SecurityViolation struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agentId,omitempty"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail"`
	TS      time.Time `json:"ts"`
}

// TickSummary is the single per-tick result document.
type TickSummary struct {
	Success  int           `json:"success"`
	Errors   int           `json:"errors"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	TS       time.Time     `json:"ts"`
}

// SyncError is the per-user last failure record written by the
// heartbeat at the unit boundary.
type SyncError struct {
	Kind   string    `json:"kind"`
	Reason string    `json:"reason"`
	TS     time.Time `json:"ts"`
}

// JournalEntry is the optional closed-trade analysis record.
type JournalEntry struct {
	TradeID     string        `json:"tradeId"`
	Symbol      string        `json:"symbol"`
	Side        Side          `json:"side"`
	EntryPrice  money.Amount  `json:"entryPrice"`
	ExitPrice   money.Amount  `json:"exitPrice"`
	RealizedPnL money.Amount  `json:"realizedPnl"`
	PnLPercent  money.Amount  `json:"pnlPercent"`
	HoldingTime time.Duration `json:"holdingTime"`
	AgentID     string        `json:"agentId"`
	ClosedAt    time.Time     `json:"closedAt"`
}
