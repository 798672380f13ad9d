// Package params holds the engine's configuration surface: margin and fee
// schedules, timing guards, and funding caps. Values are immutable after
// Init except through the explicit admin setters the engine exposes.
package params

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// RiskParams is the configuration consumed by pkg/engine/risk.
type RiskParams struct {
	InitialMarginBps     int64
	MaintenanceMarginBps int64

	TradingFeeBps int64

	LiquidationFeeBps int64
	LiquidationFeeCap uint64

	WarmupPeriodSlots     uint64
	MaintenanceFeePerSlot uint64

	MaxCrankStalenessSlots uint64
	MaxSweepStalenessSlots uint64

	FundingMaxBpsPerSlot  int64
	FundingMaxPremiumBps  int64
	MaxFundingDT          uint64

	MaxRoundingSlack uint64

	MaxOraclePrice  uint64
	MaxPositionAbs  uint64

	// Keeper cycle budgets: the max number of accounts touched per crank
	// call by each of the sweep, liquidation, force-realize, and dust-GC
	// passes.
	AccountsPerCrank   int
	LiqBudget          int
	ForceRealizeBudget int
	GCCloseBudget      int

	// ResolutionBatchSize bounds how many accounts a single force-close
	// crank pass touches during wind-down.
	ResolutionBatchSize int

	// DustCloseThreshold is the post-close |position| at or below which
	// a partial liquidation is promoted to a full close.
	DustCloseThreshold uint64
}

// Default returns a conservative, internally consistent parameter set
// suitable for devnet use — in the teacher's idiom of a Default()
// constructor paired with environment overrides (params/config.go).
func Default() RiskParams {
	return RiskParams{
		InitialMarginBps:     1000, // 10x max leverage
		MaintenanceMarginBps: 500,  // 5%, half of initial

		TradingFeeBps: 10, // 0.10%

		LiquidationFeeBps: 50, // 0.50%
		LiquidationFeeCap: 1_000_000,

		WarmupPeriodSlots:     100,
		MaintenanceFeePerSlot: 0,

		MaxCrankStalenessSlots: 50,
		MaxSweepStalenessSlots: 500,

		FundingMaxBpsPerSlot: 10_000, // +/- 100% per slot, hard ceiling
		FundingMaxPremiumBps: 500,
		MaxFundingDT:         31_536_000, // ~1 year of 1s slots

		MaxRoundingSlack: 4096,

		MaxOraclePrice: 1_000_000_000_000, // 1e6 * $1,000,000
		MaxPositionAbs: 1_000_000_000_000,

		AccountsPerCrank:   256,
		LiqBudget:          120,
		ForceRealizeBudget: 32,
		GCCloseBudget:      32,

		ResolutionBatchSize: 64,
		DustCloseThreshold:  1,
	}
}

// Validate checks parameter sanity, in the same vein as the teacher's
// Market.Validate(): every invariant the engine assumes on every call is
// checked once, here, rather than re-derived at each call site.
func (p RiskParams) Validate() error {
	if p.InitialMarginBps <= 0 {
		return fmt.Errorf("initial margin bps must be positive")
	}
	if p.MaintenanceMarginBps <= 0 {
		return fmt.Errorf("maintenance margin bps must be positive")
	}
	if p.MaintenanceMarginBps > p.InitialMarginBps {
		return fmt.Errorf("maintenance margin (%d bps) cannot exceed initial margin (%d bps)", p.MaintenanceMarginBps, p.InitialMarginBps)
	}
	if p.TradingFeeBps < 0 {
		return fmt.Errorf("trading fee bps cannot be negative")
	}
	if p.LiquidationFeeBps < 0 {
		return fmt.Errorf("liquidation fee bps cannot be negative")
	}
	if p.FundingMaxBpsPerSlot < 0 || p.FundingMaxBpsPerSlot > 10_000 {
		return fmt.Errorf("funding max bps per slot out of range: %d", p.FundingMaxBpsPerSlot)
	}
	if p.MaxFundingDT == 0 {
		return fmt.Errorf("max funding dt must be positive")
	}
	if p.MaxOraclePrice == 0 {
		return fmt.Errorf("max oracle price must be positive")
	}
	if p.MaxPositionAbs == 0 {
		return fmt.Errorf("max position abs must be positive")
	}
	if p.AccountsPerCrank <= 0 || p.LiqBudget < 0 || p.ForceRealizeBudget < 0 || p.GCCloseBudget < 0 {
		return fmt.Errorf("keeper budgets must be non-negative, accounts-per-crank positive")
	}
	if p.ResolutionBatchSize <= 0 {
		return fmt.Errorf("resolution batch size must be positive")
	}
	return nil
}

// LoadFromEnv overlays RiskParams fields from environment variables (and
// an optional .env file), priority ENV > .env > defaults — mirroring the
// node's params.LoadFromEnv convention.
func LoadFromEnv(envPath string) RiskParams {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	p := Default()
	overrideInt64(&p.InitialMarginBps, "RISK_INITIAL_MARGIN_BPS")
	overrideInt64(&p.MaintenanceMarginBps, "RISK_MAINTENANCE_MARGIN_BPS")
	overrideInt64(&p.TradingFeeBps, "RISK_TRADING_FEE_BPS")
	overrideInt64(&p.LiquidationFeeBps, "RISK_LIQUIDATION_FEE_BPS")
	overrideUint64(&p.LiquidationFeeCap, "RISK_LIQUIDATION_FEE_CAP")
	overrideUint64(&p.WarmupPeriodSlots, "RISK_WARMUP_PERIOD_SLOTS")
	overrideUint64(&p.MaintenanceFeePerSlot, "RISK_MAINTENANCE_FEE_PER_SLOT")
	overrideUint64(&p.MaxCrankStalenessSlots, "RISK_MAX_CRANK_STALENESS_SLOTS")
	overrideUint64(&p.MaxSweepStalenessSlots, "RISK_MAX_SWEEP_STALENESS_SLOTS")
	return p
}

func overrideInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overrideUint64(dst *uint64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
