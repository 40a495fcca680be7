// Package config loads the engine configuration from a JSON file with
// environment overrides for deploy-time secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"optra/gate"
	"optra/hedge"
	"optra/position"
	"optra/risk"
)

// RiskConfig holds the account guard rails.
type RiskConfig struct {
	MaxOpenPositions   int     `json:"max_open_positions"`
	MaxDailyLoss       float64 `json:"max_daily_loss"`
	MaxPositionSize    int     `json:"max_position_size"`
	MaxExposure        float64 `json:"max_exposure"`
	MaxLossPerTrade    float64 `json:"max_loss_per_trade"`
	PanicLossThreshold float64 `json:"panic_loss_threshold"`
}

// Limits converts the config to the ledger's limit set.
func (r RiskConfig) Limits() risk.Limits {
	return risk.Limits{
		MaxOpenPositions:   r.MaxOpenPositions,
		MaxDailyLoss:       r.MaxDailyLoss,
		MaxPositionSize:    r.MaxPositionSize,
		MaxExposure:        r.MaxExposure,
		MaxLossPerTrade:    r.MaxLossPerTrade,
		PanicLossThreshold: r.PanicLossThreshold,
	}
}

// StopLossConfig parameterizes the progressive stop-loss schedule.
type StopLossConfig struct {
	InitialSLPerLot   float64 `json:"initial_sl_per_lot"`
	ProfitTriggerPct  float64 `json:"profit_trigger_pct"`
	Day2Factor        float64 `json:"day2_factor"`
	Day3Breakeven     bool    `json:"day3_breakeven"`
	Day4ProfitLockPct float64 `json:"day4_profit_lock_pct"`
}

// Schedule converts the config to the stop-loss engine's parameters.
func (s StopLossConfig) Schedule(timezone string) position.StopLossConfig {
	return position.StopLossConfig{
		InitialSLPerLot:   s.InitialSLPerLot,
		ProfitTriggerPct:  s.ProfitTriggerPct,
		Day2Factor:        s.Day2Factor,
		Day3Breakeven:     s.Day3Breakeven,
		Day4ProfitLockPct: s.Day4ProfitLockPct,
		Timezone:          timezone,
	}
}

// GateConfig holds the slippage and latency thresholds.
type GateConfig struct {
	MaxSlippagePct          float64 `json:"max_slippage_pct"`
	MaxSlippagePoints       float64 `json:"max_slippage_points"`
	RequoteThresholdPct     float64 `json:"requote_threshold_pct"`
	PartialFillThresholdPct float64 `json:"partial_fill_threshold_pct"`
	PartialFillFraction     float64 `json:"partial_fill_fraction"`
	LatencyCeilingMs        int     `json:"latency_ceiling_ms"`
	WindowSize              int     `json:"window_size"`
	RejectionRateThreshold  float64 `json:"rejection_rate_threshold"`
}

// Gate converts the config to gate parameters.
func (g GateConfig) Gate() gate.Config {
	return gate.Config{
		MaxSlippagePct:          g.MaxSlippagePct,
		MaxSlippagePoints:       g.MaxSlippagePoints,
		RequoteThresholdPct:     g.RequoteThresholdPct,
		PartialFillThresholdPct: g.PartialFillThresholdPct,
		PartialFillFraction:     g.PartialFillFraction,
		LatencyCeiling:          time.Duration(g.LatencyCeilingMs) * time.Millisecond,
		WindowSize:              g.WindowSize,
		RejectionRateThreshold:  g.RejectionRateThreshold,
	}
}

// HedgeConfig selects and parameterizes the hedge strike mode.
type HedgeConfig struct {
	Mode         string  `json:"mode"` // "offset" or "percentage"
	OffsetPoints float64 `json:"offset_points"`
	PremiumPct   float64 `json:"premium_pct"`
	StrikeStep   float64 `json:"strike_step"`
	SearchWindow int     `json:"search_window"`
}

// Selector converts the config to hedge selector parameters.
func (h HedgeConfig) Selector() hedge.Config {
	return hedge.Config{StrikeStep: h.StrikeStep, SearchWindow: h.SearchWindow}
}

// TradingHoursConfig bounds order placement to the exchange session.
type TradingHoursConfig struct {
	Open  string `json:"open"`  // "HH:MM"
	Close string `json:"close"` // "HH:MM"
}

// Within reports whether t falls inside the session, interpreted in loc.
func (h TradingHoursConfig) Within(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	open, err1 := parseClock(h.Open)
	closeAt, err2 := parseClock(h.Close)
	if err1 != nil || err2 != nil {
		return true
	}
	return minutes >= open && minutes < closeAt
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Config is the full engine configuration.
type Config struct {
	PaperTrading bool   `json:"paper_trading"`
	Timezone     string `json:"timezone"`

	APIServerPort int    `json:"api_server_port"`
	DatabaseURL   string `json:"database_url,omitempty"`

	MonitorIntervalSeconds   int `json:"monitor_interval_seconds"`
	ReconcileIntervalSeconds int `json:"reconcile_interval_seconds"`

	TradingHours TradingHoursConfig `json:"trading_hours"`
	Risk         RiskConfig         `json:"risk"`
	StopLoss     StopLossConfig     `json:"stop_loss"`
	Gate         GateConfig         `json:"gate"`
	Hedge        HedgeConfig        `json:"hedge"`
}

// LoadConfig reads the JSON file, applies environment overrides and
// validates. A .env file next to the binary is honored when present.
func LoadConfig(filename string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &config, nil
}

// applyEnv lets deploy-time settings override the file. Secrets like the
// database URL are expected to arrive this way rather than in the JSON.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPTRA_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("OPTRA_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.APIServerPort = port
		}
	}
	if v := os.Getenv("OPTRA_PAPER_TRADING"); v != "" {
		if paper, err := strconv.ParseBool(v); err == nil {
			c.PaperTrading = paper
		}
	}
}

// Validate fills defaults and rejects configurations the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.Timezone == "" {
		c.Timezone = "Asia/Kolkata"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}

	if c.APIServerPort <= 0 {
		c.APIServerPort = 8090
	}
	if c.MonitorIntervalSeconds <= 0 {
		c.MonitorIntervalSeconds = 30
	}
	if c.ReconcileIntervalSeconds <= 0 {
		c.ReconcileIntervalSeconds = 30
	}

	if c.TradingHours.Open == "" {
		c.TradingHours.Open = "09:15"
	}
	if c.TradingHours.Close == "" {
		c.TradingHours.Close = "15:30"
	}
	if _, err := parseClock(c.TradingHours.Open); err != nil {
		return fmt.Errorf("trading hours open %q: %w", c.TradingHours.Open, err)
	}
	if _, err := parseClock(c.TradingHours.Close); err != nil {
		return fmt.Errorf("trading hours close %q: %w", c.TradingHours.Close, err)
	}

	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be positive")
	}
	if c.Risk.MaxExposure <= 0 {
		return fmt.Errorf("risk.max_exposure must be positive")
	}

	if c.StopLoss.InitialSLPerLot <= 0 {
		return fmt.Errorf("stop_loss.initial_sl_per_lot must be positive")
	}
	if c.StopLoss.Day2Factor <= 0 || c.StopLoss.Day2Factor >= 1 {
		return fmt.Errorf("stop_loss.day2_factor must be in (0,1), got %.2f", c.StopLoss.Day2Factor)
	}

	switch c.Hedge.Mode {
	case "":
		c.Hedge.Mode = "percentage"
	case "offset", "percentage":
	default:
		return fmt.Errorf("hedge.mode must be 'offset' or 'percentage', got %q", c.Hedge.Mode)
	}
	if c.Hedge.Mode == "offset" && c.Hedge.OffsetPoints <= 0 {
		return fmt.Errorf("hedge.offset_points must be positive in offset mode")
	}
	if c.Hedge.Mode == "percentage" && c.Hedge.PremiumPct <= 0 {
		c.Hedge.PremiumPct = 50
	}

	if !c.PaperTrading && c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required outside paper trading")
	}
	return nil
}

// Location resolves the configured timezone. Validate must have run first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MonitorInterval returns the monitor cadence.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// ReconcileInterval returns the reconciler cadence.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}
