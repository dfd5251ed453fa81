package whale

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/money"
	"github.com/maestrohq/trading-core/pkg/types"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		flow types.WhaleFlow
		want string
	}{
		{
			name: "plain sweep",
			flow: types.WhaleFlow{FlowType: types.FlowSweep},
			want: "0.8",
		},
		{
			name: "plain block",
			flow: types.WhaleFlow{FlowType: types.FlowBlock},
			want: "0.5",
		},
		{
			name: "unknown print",
			flow: types.WhaleFlow{FlowType: types.FlowUnknown},
			want: "0.3",
		},
		{
			name: "otm bump",
			flow: types.WhaleFlow{FlowType: types.FlowBlock, IsOTM: true},
			want: "0.6",
		},
		{
			name: "vol over oi bump",
			flow: types.WhaleFlow{
				FlowType:   types.FlowBlock,
				VolOIRatio: money.MustParse("1.5"),
			},
			want: "0.6",
		},
		{
			name: "vol exactly at ratio threshold no bump",
			flow: types.WhaleFlow{
				FlowType:   types.FlowBlock,
				VolOIRatio: money.MustParse("1.2"),
			},
			want: "0.5",
		},
		{
			name: "sweep with both bumps clamps at one",
			flow: types.WhaleFlow{
				FlowType:   types.FlowSweep,
				IsOTM:      true,
				VolOIRatio: money.MustParse("2"),
			},
			want: "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.flow); !got.Equal(money.MustParse(tt.want)) {
				t.Errorf("Score = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRecentConviction(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := New(zap.NewNop(), DefaultEngineConfig())
	now := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

	record := func(id string, sentiment types.Sentiment, flowType types.FlowType, premium string, age time.Duration) {
		t.Helper()
		err := e.Record(ctx, st, "t1", "u1", types.WhaleFlow{
			ID:         id,
			Underlying: "SPY",
			Sentiment:  sentiment,
			FlowType:   flowType,
			Premium:    money.MustParse(premium),
			TS:         now.Add(-age),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	record("f1", types.SentimentBullish, types.FlowSweep, "100000", 5*time.Minute)
	record("f2", types.SentimentBullish, types.FlowSweep, "250000", 10*time.Minute)
	record("f3", types.SentimentBullish, types.FlowBlock, "50000", 20*time.Minute)
	record("f4", types.SentimentBearish, types.FlowBlock, "75000", 30*time.Minute)
	// Outside the lookback window; must not count.
	record("f5", types.SentimentBearish, types.FlowSweep, "900000", 2*time.Hour)

	sum, err := e.RecentConviction(ctx, st, "t1", "u1", "SPY", now)
	if err != nil {
		t.Fatalf("RecentConviction: %v", err)
	}

	if !sum.HasActivity || sum.TotalFlows != 4 {
		t.Fatalf("flows = %d has_activity = %v, want 4 true", sum.TotalFlows, sum.HasActivity)
	}
	if sum.DominantSentiment != types.SentimentBullish {
		t.Errorf("DominantSentiment = %s, want BULLISH", sum.DominantSentiment)
	}
	// (0.8 + 0.8 + 0.5 + 0.5) / 4
	if got := sum.AvgConviction.StringFixed(2); got != "0.65" {
		t.Errorf("AvgConviction = %s, want 0.65", got)
	}
	if !sum.MaxConviction.Equal(money.MustParse("0.8")) {
		t.Errorf("MaxConviction = %s", sum.MaxConviction)
	}
	if !sum.TotalPremium.Equal(money.FromInt(475000)) {
		t.Errorf("TotalPremium = %s", sum.TotalPremium)
	}
}

func TestRecentConvictionMixedOnNearTie(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := New(zap.NewNop(), DefaultEngineConfig())
	now := time.Now().UTC()

	flows := []types.Sentiment{
		types.SentimentBullish, types.SentimentBullish,
		types.SentimentBearish,
	}
	for i, s := range flows {
		err := e.Record(ctx, st, "t1", "u1", types.WhaleFlow{
			ID:         string(rune('a' + i)),
			Underlying: "QQQ",
			Sentiment:  s,
			FlowType:   types.FlowSweep,
			TS:         now.Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := e.RecentConviction(ctx, st, "t1", "u1", "QQQ", now)
	if err != nil {
		t.Fatalf("RecentConviction: %v", err)
	}
	if sum.DominantSentiment != types.SentimentMixed {
		t.Errorf("DominantSentiment = %s, want MIXED for 2v1 split", sum.DominantSentiment)
	}
}

func TestRecentConvictionNoActivity(t *testing.T) {
	e := New(zap.NewNop(), DefaultEngineConfig())
	sum, err := e.RecentConviction(context.Background(), store.NewMemory(), "t1", "u1", "SPY", time.Now())
	if err != nil {
		t.Fatalf("RecentConviction: %v", err)
	}
	if sum.HasActivity || sum.TotalFlows != 0 {
		t.Errorf("summary = %+v, want empty", sum)
	}
}
