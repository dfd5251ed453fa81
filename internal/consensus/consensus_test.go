package consensus

import (
	"testing"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

func vote(agent string, kind types.Action, confidence, weight string) types.Vote {
	return types.Vote{
		AgentID:    agent,
		Kind:       kind,
		Confidence: money.MustParse(confidence),
		Weight:     money.MustParse(weight),
	}
}

func TestUnanimousVoteExecutes(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	sig := e.Evaluate([]types.Vote{
		vote("a", types.ActionBuy, "0.9", "1"),
		vote("b", types.ActionBuy, "0.8", "1"),
		vote("c", types.ActionBuy, "0.85", "1"),
	})

	if sig.FinalAction != types.ActionBuy {
		t.Errorf("FinalAction = %s, want BUY", sig.FinalAction)
	}
	if !sig.ShouldExecute {
		t.Errorf("ShouldExecute = false, score %s", sig.Score)
	}
	if sig.Discordance != 0 {
		t.Errorf("Discordance = %v, want 0 for unanimity", sig.Discordance)
	}
	// (0.9 + 0.8 + 0.85) / 3
	if got := sig.Score.StringFixed(2); got != "0.85" {
		t.Errorf("Score = %s, want 0.85", got)
	}
}

func TestBelowThresholdDoesNotExecute(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	sig := e.Evaluate([]types.Vote{
		vote("a", types.ActionBuy, "0.6", "1"),
		vote("b", types.ActionBuy, "0.6", "1"),
	})

	if sig.FinalAction != types.ActionBuy {
		t.Errorf("FinalAction = %s", sig.FinalAction)
	}
	if sig.ShouldExecute {
		t.Error("executed below threshold")
	}
}

func TestTieBreakPrefersNotTrading(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	sig := e.Evaluate([]types.Vote{
		vote("a", types.ActionBuy, "0.8", "1"),
		vote("b", types.ActionSell, "0.8", "1"),
	})
	if sig.FinalAction != types.ActionSell {
		t.Errorf("BUY/SELL tie broke to %s, want SELL", sig.FinalAction)
	}

	sig = e.Evaluate([]types.Vote{
		vote("a", types.ActionBuy, "0.9", "1"),
		vote("b", types.ActionSell, "0.9", "1"),
		vote("c", types.ActionHold, "0.9", "1"),
	})
	if sig.FinalAction != types.ActionHold {
		t.Errorf("three-way tie broke to %s, want HOLD", sig.FinalAction)
	}
	if sig.ShouldExecute {
		t.Error("HOLD must never execute")
	}
	if sig.Discordance != 1 {
		t.Errorf("Discordance = %v, want 1 for even three-way split", sig.Discordance)
	}
}

func TestHoldNeverExecutes(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	sig := e.Evaluate([]types.Vote{
		vote("a", types.ActionHold, "1", "1"),
		vote("b", types.ActionHold, "1", "1"),
	})
	if sig.FinalAction != types.ActionHold || sig.ShouldExecute {
		t.Errorf("got %s execute=%v", sig.FinalAction, sig.ShouldExecute)
	}
}

func TestEmptyAndZeroWeightVotes(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	sig := e.Evaluate(nil)
	if sig.FinalAction != types.ActionHold || sig.ShouldExecute {
		t.Errorf("empty votes: %s execute=%v", sig.FinalAction, sig.ShouldExecute)
	}

	sig = e.Evaluate([]types.Vote{vote("a", types.ActionBuy, "1", "0")})
	if sig.FinalAction != types.ActionHold || sig.ShouldExecute {
		t.Errorf("zero weight: %s execute=%v", sig.FinalAction, sig.ShouldExecute)
	}
}

func TestWeightScalesInfluence(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	// A heavy BUY voter outweighs two light SELL voters.
	sig := e.Evaluate([]types.Vote{
		vote("heavy", types.ActionBuy, "0.9", "4"),
		vote("light1", types.ActionSell, "0.9", "1"),
		vote("light2", types.ActionSell, "0.9", "1"),
	})
	if sig.FinalAction != types.ActionBuy {
		t.Errorf("FinalAction = %s, want BUY", sig.FinalAction)
	}
}

func TestRaisingConfidenceNeverLowersScore(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	base := e.Evaluate([]types.Vote{
		vote("a", types.ActionBuy, "0.5", "1"),
		vote("b", types.ActionBuy, "0.6", "1"),
	})
	raised := e.Evaluate([]types.Vote{
		vote("a", types.ActionBuy, "0.9", "1"),
		vote("b", types.ActionBuy, "0.6", "1"),
	})
	if raised.Score.LessThan(base.Score) {
		t.Errorf("score dropped from %s to %s", base.Score, raised.Score)
	}
}

func TestVotesPersistedInAgentOrder(t *testing.T) {
	e := New(zap.NewNop(), 0.7)

	sig := e.Evaluate([]types.Vote{
		vote("zeta", types.ActionBuy, "0.9", "1"),
		vote("alpha", types.ActionBuy, "0.9", "1"),
		vote("mid", types.ActionBuy, "0.9", "1"),
	})

	want := []string{"alpha", "mid", "zeta"}
	for i, v := range sig.Votes {
		if v.AgentID != want[i] {
			t.Fatalf("votes[%d] = %s, want %s", i, v.AgentID, want[i])
		}
	}
}
