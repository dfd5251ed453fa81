// Package consensus aggregates weighted strategy votes into a single
// auditable decision.
package consensus

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

// DefaultThreshold is the minimum weighted score an action needs before
// it is allowed to execute.
const DefaultThreshold = 0.7

// discordanceAuditLevel marks the disagreement level above which a
// round is flagged for auditing. It never influences the gate.
const discordanceAuditLevel = 0.5

// actionPrecedence orders tie-breaking: not trading beats trading, and
// exiting beats entering.
var actionPrecedence = map[types.Action]int{
	types.ActionHold: 3,
	types.ActionSell: 2,
	types.ActionBuy:  1,
}

// Engine scores one vote set per round. Stateless between rounds.
type Engine struct {
	logger    *zap.Logger
	threshold money.Amount
}

// New builds an engine with the given execution threshold.
func New(logger *zap.Logger, threshold float64) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{
		logger:    logger.Named("consensus"),
		threshold: money.FromFloat(threshold),
	}
}

// Evaluate aggregates the votes into a consensus signal. An empty or
// zero-weight vote set yields a non-executing HOLD.
func (e *Engine) Evaluate(votes []types.Vote) *types.ConsensusSignal {
	sig := &types.ConsensusSignal{
		ID:          uuid.NewString(),
		FinalAction: types.ActionHold,
		Score:       money.Zero,
		Votes:       sortedVotes(votes),
		TS:          time.Now().UTC(),
	}
	if len(votes) == 0 {
		return sig
	}

	totalWeight := money.Zero
	for _, v := range votes {
		totalWeight = totalWeight.Add(v.Weight)
	}
	if totalWeight.IsZero() {
		return sig
	}

	weighted := make(map[types.Action]money.Amount, 3)
	counts := make(map[types.Action]int, 3)
	for _, v := range votes {
		weighted[v.Kind] = weighted[v.Kind].Add(v.Weight.Mul(v.Confidence))
		counts[v.Kind]++
	}

	best := types.ActionHold
	bestScore := money.Zero
	for _, action := range []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold} {
		sum, ok := weighted[action]
		if !ok {
			continue
		}
		score, err := sum.Div(totalWeight, money.DefaultScale, money.RoundHalfUp)
		if err != nil {
			continue
		}
		switch cmp := score.Cmp(bestScore); {
		case cmp > 0:
			best, bestScore = action, score
		case cmp == 0 && actionPrecedence[action] > actionPrecedence[best]:
			best = action
		}
	}

	sig.FinalAction = best
	sig.Score = bestScore
	sig.Discordance = discordance(counts, len(votes))
	sig.ShouldExecute = best != types.ActionHold && !sig.Score.LessThan(e.threshold)

	if sig.Discordance > discordanceAuditLevel {
		e.logger.Warn("discordant consensus round",
			zap.String("consensus_id", sig.ID),
			zap.Float64("discordance", sig.Discordance),
			zap.String("final_action", string(sig.FinalAction)),
			zap.Int("votes", len(votes)),
		)
	}
	return sig
}

// discordance is the Shannon entropy of the vote-count distribution
// across distinct actions, normalized to [0,1]. Unanimity scores 0 and
// an even split across all cast actions scores 1.
func discordance(counts map[types.Action]int, total int) float64 {
	n := len(counts)
	if n <= 1 || total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(n))
}

// sortedVotes returns a copy ordered by agent id so persisted rounds
// are byte-stable regardless of goroutine scheduling.
func sortedVotes(votes []types.Vote) []types.Vote {
	out := make([]types.Vote, len(votes))
	copy(out, votes)
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
