// Package config loads the core's runtime configuration from the
// environment, applies defaults for every knob, and enforces the
// paper-host safety boundary before anything else starts.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ExitCodeSafetyViolation is the process exit code for a safety-config
// violation at startup (live broker host, missing credentials).
const ExitCodeSafetyViolation = 3

// paperHost is the only broker host the core will talk to. Any other
// host is a fatal safety violation.
const paperHost = "paper-api.alpaca.markets"

// ErrSafetyViolation wraps startup safety failures.
var ErrSafetyViolation = errors.New("config: safety violation")

// Config is the full runtime configuration of the trading core.
type Config struct {
	// Broker
	BrokerBaseURL   string
	BrokerKeyID     string
	BrokerSecretKey string

	// Persistence
	DatastoreProjectID string
	WritesPerSecond    int
	OutageFatalTicks   int

	// Scheduling
	TickInterval   time.Duration
	TickDeadline   time.Duration
	UnitDeadline   time.Duration
	RegimeInterval time.Duration

	// Consensus and orchestration
	ConsensusThreshold   float64
	SystemicSellCount    int
	SharpeReduceBelow    float64
	SharpeShadowBelow    float64
	BaseAllocation       float64
	PerfMinDays          int

	// Risk guards
	DailyLossLimit    float64
	VolatilityLimit   float64
	MaxConcentration  float64

	// Watchdog
	LossStreakCount   int
	LossStreakDollars float64
	DrawdownPct       float64
	MismatchBuyCount  int
	WatchdogWindow    time.Duration

	// Regime engine
	RegimeSymbol  string
	GEXEpsilon    float64

	// Options market data (optional; regime engine is skipped without it)
	OptionsBaseURL string
	OptionsAPIKey  string

	// Whale flow
	WhaleSentimentTieDelta int

	// LLM (optional)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Ops
	OpsAddr  string
	LogLevel string
}

// Load reads configuration from the environment with defaults applied.
// The returned config has not yet passed Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("BROKER_PAPER_BASE_URL", "https://"+paperHost)
	v.SetDefault("DATASTORE_PROJECT_ID", "")
	v.SetDefault("SCHEDULER_TICK_SECONDS", 60)
	v.SetDefault("SCHEDULER_TICK_DEADLINE_SECONDS", 45)
	v.SetDefault("SCHEDULER_UNIT_DEADLINE_SECONDS", 10)
	v.SetDefault("REGIME_SYNC_SECONDS", 300)
	v.SetDefault("RATE_LIMIT_WRITES_PER_SEC", 500)
	v.SetDefault("PERSISTENCE_OUTAGE_FATAL_TICKS", 5)
	v.SetDefault("CONSENSUS_THRESHOLD", 0.7)
	v.SetDefault("SYSTEMIC_SELL_THRESHOLD", 3)
	v.SetDefault("SHARPE_REDUCE", 1.0)
	v.SetDefault("SHARPE_SHADOW", 0.5)
	v.SetDefault("BASE_ALLOCATION", 0.5)
	v.SetDefault("PERF_MIN_DAYS", 5)
	v.SetDefault("DAILY_LOSS_LIMIT", 0.02)
	v.SetDefault("VOLATILITY_LIMIT", 30.0)
	v.SetDefault("MAX_CONCENTRATION", 0.20)
	v.SetDefault("LOSS_STREAK_COUNT", 5)
	v.SetDefault("LOSS_STREAK_DOLLARS", 500.0)
	v.SetDefault("DRAWDOWN_PCT", 0.05)
	v.SetDefault("MISMATCH_BUY_COUNT", 3)
	v.SetDefault("WATCHDOG_WINDOW_SECONDS", 600)
	v.SetDefault("REGIME_SYMBOL", "SPY")
	v.SetDefault("GEX_EPSILON", 1e6)
	v.SetDefault("WHALE_SENTIMENT_TIE_DELTA", 1)
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("OPS_ADDR", ":9090")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		BrokerBaseURL:      v.GetString("BROKER_PAPER_BASE_URL"),
		BrokerKeyID:        v.GetString("BROKER_KEY_ID"),
		BrokerSecretKey:    v.GetString("BROKER_SECRET_KEY"),
		DatastoreProjectID: v.GetString("DATASTORE_PROJECT_ID"),
		WritesPerSecond:    v.GetInt("RATE_LIMIT_WRITES_PER_SEC"),
		OutageFatalTicks:   v.GetInt("PERSISTENCE_OUTAGE_FATAL_TICKS"),

		TickInterval:   time.Duration(v.GetInt("SCHEDULER_TICK_SECONDS")) * time.Second,
		TickDeadline:   time.Duration(v.GetInt("SCHEDULER_TICK_DEADLINE_SECONDS")) * time.Second,
		UnitDeadline:   time.Duration(v.GetInt("SCHEDULER_UNIT_DEADLINE_SECONDS")) * time.Second,
		RegimeInterval: time.Duration(v.GetInt("REGIME_SYNC_SECONDS")) * time.Second,

		ConsensusThreshold: v.GetFloat64("CONSENSUS_THRESHOLD"),
		SystemicSellCount:  v.GetInt("SYSTEMIC_SELL_THRESHOLD"),
		SharpeReduceBelow:  v.GetFloat64("SHARPE_REDUCE"),
		SharpeShadowBelow:  v.GetFloat64("SHARPE_SHADOW"),
		BaseAllocation:     v.GetFloat64("BASE_ALLOCATION"),
		PerfMinDays:        v.GetInt("PERF_MIN_DAYS"),

		DailyLossLimit:   v.GetFloat64("DAILY_LOSS_LIMIT"),
		VolatilityLimit:  v.GetFloat64("VOLATILITY_LIMIT"),
		MaxConcentration: v.GetFloat64("MAX_CONCENTRATION"),

		LossStreakCount:   v.GetInt("LOSS_STREAK_COUNT"),
		LossStreakDollars: v.GetFloat64("LOSS_STREAK_DOLLARS"),
		DrawdownPct:       v.GetFloat64("DRAWDOWN_PCT"),
		MismatchBuyCount:  v.GetInt("MISMATCH_BUY_COUNT"),
		WatchdogWindow:    time.Duration(v.GetInt("WATCHDOG_WINDOW_SECONDS")) * time.Second,

		RegimeSymbol: v.GetString("REGIME_SYMBOL"),
		GEXEpsilon:   v.GetFloat64("GEX_EPSILON"),

		OptionsBaseURL: v.GetString("OPTIONS_DATA_BASE_URL"),
		OptionsAPIKey:  v.GetString("OPTIONS_DATA_API_KEY"),

		WhaleSentimentTieDelta: v.GetInt("WHALE_SENTIMENT_TIE_DELTA"),

		LLMBaseURL: v.GetString("LLM_BASE_URL"),
		LLMAPIKey:  v.GetString("LLM_API_KEY"),
		LLMModel:   v.GetString("LLM_MODEL"),

		OpsAddr:  v.GetString("OPS_ADDR"),
		LogLevel: v.GetString("LOG_LEVEL"),
	}
	return cfg, nil
}

// Validate enforces the fail-closed startup boundary: the broker URL
// must resolve to the paper host and credentials must be present.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BrokerBaseURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable BROKER_PAPER_BASE_URL %q", ErrSafetyViolation, c.BrokerBaseURL)
	}
	host := strings.ToLower(u.Hostname())
	if host != paperHost {
		return fmt.Errorf("%w: BROKER_PAPER_BASE_URL host %q is not the paper host %q",
			ErrSafetyViolation, host, paperHost)
	}
	if c.BrokerKeyID == "" || c.BrokerSecretKey == "" {
		return fmt.Errorf("%w: missing broker credentials", ErrSafetyViolation)
	}
	if c.DatastoreProjectID == "" {
		return fmt.Errorf("%w: DATASTORE_PROJECT_ID not set", ErrSafetyViolation)
	}
	return nil
}
