package risk

import (
	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// liquidationBuffer is the extra margin above MM_req a partial-close
// targets, so the account does not immediately re-trip eligibility on
// the next touch from rounding alone.
const liquidationBuffer = 1

// markPnL computes the unrealized PnL of a position against price P:
// longs profit when P > entry, shorts profit when P < entry. Overflow
// is treated as the conservative worst case (a loss that wipes
// effective equity) so liquidation always makes progress.
func markPnL(position num.I128, entry, price uint64) num.I128 {
	priceDelta, ok := num.NewI128(int64(price)).CheckedSub(num.NewI128(int64(entry)))
	if !ok {
		return num.MinI128
	}
	prod, ok := position.CheckedMul(priceDelta)
	if !ok {
		if position.IsNeg() != priceDelta.IsNeg() {
			return num.MinI128
		}
		return num.MaxI128
	}
	return prod.MulDivTrunc(num.NewI128(1), 1_000_000)
}

// LiquidationEligible reports whether acc, after a full touch, sits at
// or below its maintenance margin requirement with a non-zero position.
func (e *Engine) LiquidationEligible(acc *account.Account, oraclePrice uint64) bool {
	if acc.PositionSize.IsZero() {
		return false
	}
	eq := e.effectiveEquity(acc, oraclePrice)
	mmReq := e.maintenanceMarginRequirement(acc, oraclePrice)
	return !eq.GreaterThan(mmReq.AsSigned())
}

// Liquidate closes all or part of acc's position at the oracle price.
// Partial-close sizing is closed-form: it targets a post-close margin
// of MM_req(post) + buffer and solves directly for the smallest closing
// size that achieves it, promoting to a full close if the remainder
// would be dust or if the closed-form arithmetic overflows.
func (e *Engine) Liquidate(idx uint16, oraclePrice uint64, nowSlot uint64) error {
	acc, err := e.Table.Get(idx)
	if err != nil {
		return ErrNotFound
	}
	if err := e.touchFull(idx, oraclePrice, nowSlot); err != nil {
		return err
	}
	if !e.LiquidationEligible(acc, oraclePrice) {
		return nil
	}

	closeSize, full := e.computeLiquidationCloseSize(acc, oraclePrice)
	if full {
		closeSize = acc.PositionSize.Neg()
	}

	e.executeLiquidationClose(acc, closeSize, oraclePrice, nowSlot)
	e.stats.LiquidationsPerformed++
	return nil
}

// computeLiquidationCloseSize solves, in closed form, for the smallest
// magnitude reduction of acc.PositionSize toward zero such that the
// resulting equity clears MM_req(postPos) + buffer. It returns (size,
// true) to signal "promote to full close" when the result would leave a
// dust-sized remainder or when the arithmetic would overflow.
//
// Equity after closing a fraction is, to first order, linear in the
// closed size for a fixed price (closing realizes mark PnL 1:1 and
// reduces the margin requirement proportionally), so a single division
// suffices: no iteration is needed.
func (e *Engine) computeLiquidationCloseSize(acc *account.Account, oraclePrice uint64) (num.I128, bool) {
	absPos := acc.PositionSize.Abs()
	if absPos.IsZero() {
		return num.ZeroI128, true
	}

	eq := e.effectiveEquity(acc, oraclePrice)
	mm := e.maintenanceMarginRequirement(acc, oraclePrice)
	target := mm.AsSigned().Add(num.NewI128(liquidationBuffer))
	if !eq.LessThan(target) {
		// Equity already at or above target: no partial size can be
		// solved for, so signal a full close. An eligible account
		// (equity <= MM_req < target) never reaches this branch.
		return num.ZeroI128, true
	}
	deficit := target.Sub(eq) // > 0

	// Closing dClose of the position frees margin at rate
	// maintBps/10000 * price/1e6 per unit, since MM_req shrinks in
	// lockstep with |position|. It also realizes mark_pnl at
	// (price-entry)/1e6 per unit, which for an eligible (underwater)
	// account moves equity toward target in the same direction as the
	// margin relief. Treat the per-unit equity recovery as
	// freed_margin_per_unit to stay conservative (ignoring a
	// possible favorable mark_pnl contribution errs toward closing
	// more, never less, which is the safe direction for a partial
	// close).
	perUnit := num.NewU128(oraclePrice).MulDiv(num.NewU128(uint64(e.Params.MaintenanceMarginBps)), 1_000_000*10_000)
	if perUnit.IsZero() {
		return num.ZeroI128, true
	}
	deficitMag, ok := deficit.ToU128Checked()
	if !ok {
		return num.ZeroI128, true
	}
	closeMag := num.MulDivCeil(deficitMag, num.NewU128(1), perUnit.Uint64())

	if closeMag.GreaterThan(absPos) {
		return num.ZeroI128, true
	}
	remainder := absPos.Sub(closeMag)
	if remainder.Cmp(num.NewU128(e.Params.DustCloseThreshold)) <= 0 {
		return num.ZeroI128, true
	}

	closeSize := closeMag.AsSigned()
	if !acc.PositionSize.IsNeg() {
		closeSize = closeSize.Neg() // closing a long is a negative (sell) delta
	}
	return closeSize, false
}

// executeLiquidationClose realizes the closing delta's mark PnL via
// setPnL, updates OI and LP aggregates, charges the capped liquidation
// fee from capital to insurance, then runs loss settlement, warmup
// conversion, and fee-debt sweep.
func (e *Engine) executeLiquidationClose(acc *account.Account, closeDelta num.I128, oraclePrice uint64, nowSlot uint64) {
	if closeDelta.IsZero() {
		return
	}
	realized := markPnL(closeDelta.Neg(), acc.EntryPrice, oraclePrice)
	e.setPnL(acc, acc.PnL.Add(realized))

	oldPos := acc.PositionSize
	newPos, ok := oldPos.CheckedAdd(closeDelta)
	if !ok {
		newPos = num.ZeroI128
	}
	acc.PositionSize = newPos
	e.TotalOpenInterest = e.TotalOpenInterest.Sub(oldPos.Abs()).Add(newPos.Abs())
	if acc.IsLP() {
		e.NetLPPos = e.NetLPPos.Sub(oldPos).Add(newPos)
		e.LPSumAbs = e.LPSumAbs.Sub(oldPos.Abs()).Add(newPos.Abs())
	}

	notional := closeDelta.Abs().MulDiv(num.NewU128(oraclePrice), 1)
	fee := num.MulDivCeil(notional, num.NewU128(uint64(e.Params.LiquidationFeeBps)), 10_000*1_000_000)
	cap := num.NewU128(e.Params.LiquidationFeeCap)
	if fee.GreaterThan(cap) {
		fee = cap
	}
	if fee.GreaterThan(acc.Capital) {
		fee = acc.Capital
	}
	if !fee.IsZero() {
		e.setCapital(acc, acc.Capital.Sub(fee))
		e.Insurance = e.Insurance.Add(fee)
	}

	e.settleLoss(acc)
	e.convertWarmup(acc, nowSlot)
	e.sweepFeeDebt(acc)
}

// ForceRealize is the insurance-exhausted regime's close: it forces a
// full close of acc's position at the oracle price regardless of margin
// health, used by the keeper cycle when insurance has fallen to or
// below RiskReductionThreshold.
func (e *Engine) ForceRealize(idx uint16, oraclePrice uint64, nowSlot uint64) error {
	acc, err := e.Table.Get(idx)
	if err != nil {
		return ErrNotFound
	}
	if err := e.touchFull(idx, oraclePrice, nowSlot); err != nil {
		return err
	}
	if acc.PositionSize.IsZero() {
		return nil
	}
	e.executeLiquidationClose(acc, acc.PositionSize.Neg(), oraclePrice, nowSlot)
	e.stats.ForceRealizesPerformed++
	return nil
}
