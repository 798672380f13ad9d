package risk

import (
	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// CrankResult summarizes one keeper-cycle invocation for host logging.
type CrankResult struct {
	AccountsTouched  int
	Liquidations     int
	ForceRealizes    int
	GCFreed          int
	SweepCompleted   bool
}

// Crank runs one bounded pass of the keeper cycle: funding accrual,
// a cursor-scanned window of account touches (each followed by
// best-effort liquidation or force-realize depending on insurance
// health), a GC pass, and — if resolved — the force-close wind-down
// branch instead of ordinary liquidation. Any number of cranks per slot
// is safe: a second crank at the same slot and price is a no-op beyond
// its first account touches, since touchFull(dt=0) is idempotent.
func (e *Engine) Crank(oraclePrice uint64, nowSlot uint64) (CrankResult, error) {
	var res CrankResult
	if err := e.accrueTo(nowSlot, oraclePrice); err != nil {
		return res, err
	}

	capacity := e.Table.Capacity()
	if capacity == 0 {
		return res, nil
	}

	liqBudget := e.Params.LiqBudget
	forceBudget := e.Params.ForceRealizeBudget
	insuranceExhausted := e.Insurance.LessThan(e.RiskReductionThreshold) || e.Insurance.Equal(e.RiskReductionThreshold)

	// Wind-down paginates through the table with its own batch size,
	// distinct from the ordinary sweep's per-crank account budget.
	accountBudget := e.Params.AccountsPerCrank
	if e.Resolved {
		accountBudget = e.Params.ResolutionBatchSize
	}

	cursor := e.CrankCursor
	for i := 0; i < accountBudget && i < capacity; i++ {
		idx := cursor
		cursor = (cursor + 1) % uint16(capacity)
		if cursor == e.SweepStartCursor {
			// The slot just visited is the last one before the sweep
			// start, so every slot has been visited once since then.
			e.SweepLastCompletedSlot = nowSlot
			e.SweepStartCursor = cursor
			res.SweepCompleted = true
		}

		acc, err := e.Table.Get(idx)
		if err != nil {
			continue // unused slot
		}

		e.chargeMaintenanceFee(acc, nowSlot) // best-effort; never aborts the crank
		if err := e.touchFull(idx, oraclePrice, nowSlot); err != nil {
			e.stats.LiquidationErrors++
			continue
		}
		res.AccountsTouched++

		if e.Resolved {
			e.forceCloseOne(acc, nowSlot)
			continue
		}

		if !e.RiskReductionOnly && liqBudget > 0 && e.LiquidationEligible(acc, oraclePrice) {
			if err := e.Liquidate(idx, oraclePrice, nowSlot); err != nil {
				e.stats.LiquidationErrors++
			} else {
				res.Liquidations++
				liqBudget--
			}
		}

		if insuranceExhausted && forceBudget > 0 && !acc.PositionSize.IsZero() {
			if err := e.ForceRealize(idx, oraclePrice, nowSlot); err == nil {
				res.ForceRealizes++
				forceBudget--
			}
		}
	}
	e.CrankCursor = cursor

	res.GCFreed = e.GarbageCollectDust(e.Params.GCCloseBudget)

	e.recomputeFundingRate(oraclePrice)
	e.LastCrankSlot = nowSlot
	return res, nil
}

// forceCloseOne implements the resolution wind-down branch of the
// keeper cycle: zero the account's position at the resolution price via
// setPnL, never by direct assignment, updating OI and LP aggregates.
func (e *Engine) forceCloseOne(acc *account.Account, nowSlot uint64) {
	if acc.PositionSize.IsZero() {
		return
	}
	realized := markPnL(acc.PositionSize, acc.EntryPrice, e.ResolutionPrice)
	e.setPnL(acc, acc.PnL.Add(realized))

	oldPos := acc.PositionSize
	acc.PositionSize = num.ZeroI128
	acc.EntryPrice = e.ResolutionPrice
	e.TotalOpenInterest = e.TotalOpenInterest.Sub(oldPos.Abs())
	if acc.IsLP() {
		e.NetLPPos = e.NetLPPos.Sub(oldPos)
		e.LPSumAbs = e.LPSumAbs.Sub(oldPos.Abs())
	}

	e.settleLoss(acc)
	e.convertWarmup(acc, nowSlot)
	e.sweepFeeDebt(acc)
}

// AllPositionsZero reports whether every used account is flat, the
// precondition for insurance withdrawal during resolution.
func (e *Engine) AllPositionsZero() bool {
	flat := true
	e.Table.Each(func(_ uint16, acc *account.Account) {
		if !acc.PositionSize.IsZero() {
			flat = false
		}
	})
	return flat
}
