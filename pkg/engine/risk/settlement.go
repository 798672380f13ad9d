package risk

import (
	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// touchFull is the canonical settlement sequence invoked before every
// value-changing operation: funding accrual, per-account funding
// settlement, mark-to-oracle, maintenance fee charge, loss settlement,
// warmup/profit conversion, and fee-debt sweep, in that fixed order.
// With dt == 0 it is a no-op, so any number of calls within the same
// slot at the same oracle price converges to the same state.
func (e *Engine) touchFull(idx uint16, oraclePrice uint64, nowSlot uint64) error {
	if oraclePrice == 0 || oraclePrice > e.Params.MaxOraclePrice {
		return ErrInvalidOracle
	}
	acc, err := e.Table.Get(idx)
	if err != nil {
		return ErrNotFound
	}

	if err := e.accrueTo(nowSlot, oraclePrice); err != nil {
		return err
	}
	if err := e.settleAccountFunding(acc, nowSlot); err != nil {
		return err
	}
	if err := e.settleMarkToOracle(acc, oraclePrice, nowSlot); err != nil {
		return err
	}
	e.chargeMaintenanceFee(acc, nowSlot)
	e.settleLoss(acc)
	e.convertWarmup(acc, nowSlot)
	e.sweepFeeDebt(acc)
	return nil
}

// settleMarkToOracle folds unrealized mark PnL into acc.PnL and rolls
// entry_price forward to oraclePrice. Overflow of the mark computation
// is treated as the conservative worst case — a loss large enough to
// wipe the account's effective equity — rather than propagated as an
// error, since mark-to-market must never block settlement. A mark that
// raises avail_gross re-derives the warmup slope and resets
// warmup_started_at_slot to nowSlot, so a stale slope can never let a
// single favorable oracle move convert more than one warmup period's
// worth of PnL into capital.
func (e *Engine) settleMarkToOracle(acc *account.Account, oraclePrice uint64, nowSlot uint64) error {
	if acc.PositionSize.IsZero() {
		acc.EntryPrice = oraclePrice
		return nil
	}
	priceDelta, ok := num.NewI128(int64(oraclePrice)).CheckedSub(num.NewI128(int64(acc.EntryPrice)))
	if !ok {
		e.setPnL(acc, num.MinI128)
		acc.EntryPrice = oraclePrice
		return nil
	}
	prod, ok := acc.PositionSize.CheckedMul(priceDelta)
	var mark num.I128
	if !ok {
		if acc.PositionSize.IsNeg() != priceDelta.IsNeg() {
			mark = num.MinI128
		} else {
			mark = num.MaxI128
		}
	} else {
		mark = prod.MulDivTrunc(num.NewI128(1), 1_000_000)
	}
	oldPos := acc.PnL.MaxZero()
	e.setPnL(acc, acc.PnL.Add(mark))
	acc.EntryPrice = oraclePrice
	if acc.PnL.MaxZero().GreaterThan(oldPos) {
		e.updateWarmupSlope(acc, nowSlot)
	}
	return nil
}

// chargeMaintenanceFee charges fee_per_slot * dt, spending fee_credits
// first (which may go negative, becoming fee debt), then capital. The
// portion paid from capital is routed to insurance; pure-credit
// consumption never touches insurance.
func (e *Engine) chargeMaintenanceFee(acc *account.Account, nowSlot uint64) {
	if nowSlot <= acc.LastFeeSlot {
		return
	}
	dt := nowSlot - acc.LastFeeSlot
	acc.LastFeeSlot = nowSlot
	if e.Params.MaintenanceFeePerSlot == 0 {
		return
	}
	due := num.NewU128(e.Params.MaintenanceFeePerSlot).Mul(num.NewU128(dt))
	if due.IsZero() {
		return
	}
	dueSigned := due.AsSigned()
	newCredits, ok := acc.FeeCredits.CheckedSub(dueSigned)
	if !ok {
		newCredits = num.MinI128
	}
	if !newCredits.IsNeg() || newCredits.Equal(num.ZeroI128) {
		acc.FeeCredits = newCredits
		return
	}
	// Credits alone did not cover it: the shortfall carried as fee debt.
	shortfall := newCredits.Neg().Abs()
	paidFromCapital := shortfall
	if paidFromCapital.GreaterThan(acc.Capital) {
		paidFromCapital = acc.Capital
	}
	acc.FeeCredits = newCredits.Add(paidFromCapital.AsSigned())
	if !paidFromCapital.IsZero() {
		e.setCapital(acc, acc.Capital.Sub(paidFromCapital))
		e.Insurance = e.Insurance.Add(paidFromCapital)
	}
	if acc.FeeCredits.IsNeg() {
		e.stats.FeeSettlementFailures++
	}
}

// settleLoss pays min(-pnl, capital) from capital into pnl when pnl < 0.
// Any residual negative PnL beyond what capital can cover is written off
// to zero; this shortfall is never hidden in an account field — it shows
// up system-wide as vault falling short of c_tot + insurance + positive
// PnL, which the haircut ratio then socializes.
func (e *Engine) settleLoss(acc *account.Account) {
	if !acc.PnL.IsNeg() {
		return
	}
	loss := acc.PnL.Abs()
	paid := loss
	if paid.GreaterThan(acc.Capital) {
		paid = acc.Capital
	}
	if !paid.IsZero() {
		e.setCapital(acc, acc.Capital.Sub(paid))
		e.setPnL(acc, acc.PnL.Add(paid.AsSigned()))
	}
	if acc.PnL.IsNeg() {
		e.setPnL(acc, num.ZeroI128)
	}
}

// settleLossOnly is the loss-only variant used by the trade executor's
// two-pass post-commit settlement (loss first on both legs, then
// warmup), identical to settleLoss; named separately so trade.go can
// call the documented two-pass sequence explicitly by name.
func (e *Engine) settleLossOnly(acc *account.Account) {
	e.settleLoss(acc)
}

// convertWarmup converts time-warmed positive PnL into protected
// principal. The haircut ratio is computed before any mutation so the
// conversion reflects pre-touch backing, per the ordering requirement.
func (e *Engine) convertWarmup(acc *account.Account, nowSlot uint64) {
	availGross := availableGross(acc)
	if availGross.IsZero() {
		e.updateWarmupSlope(acc, nowSlot)
		return
	}
	elapsed := num.ZeroU128
	if nowSlot > acc.WarmupStartedAtSlot {
		elapsed = num.NewU128(nowSlot - acc.WarmupStartedAtSlot)
	}
	warmable := acc.WarmupSlopePerSlot.Mul(elapsed)
	if warmable.GreaterThan(availGross) {
		warmable = availGross
	}
	if warmable.IsZero() {
		return
	}

	h := e.haircutRatio()
	var y num.U128
	if e.PnLPosTot.IsZero() {
		y = warmable
	} else {
		y = warmable.MulDiv(h.HNum, h.HDen.Uint64())
	}

	e.setPnL(acc, acc.PnL.Sub(warmable.AsSigned()))
	e.setCapital(acc, acc.Capital.Add(y))
	e.updateWarmupSlope(acc, nowSlot)
}

// availableGross is max(pnl,0) - reserved_pnl, floored at zero.
func availableGross(acc *account.Account) num.U128 {
	pos := acc.PnL.MaxZero().Abs()
	reserved := num.NewU128(acc.ReservedPnL)
	return pos.Sub(reserved)
}

// updateWarmupSlope recomputes warmup_slope_per_slot from the current
// available-gross balance: zero if there is nothing to warm, otherwise
// max(1, avail_gross / warmup_period_slots) so that tiny leftover PnL
// never stalls at a permanently zero slope. Always resets
// warmup_started_at_slot := nowSlot, the slot this was called with.
// Every call site that can raise avail_gross (a favorable mark, a
// favorable funding payment, or the tail end of a warmup conversion)
// calls this, so a stale warmup_started_at_slot can never survive an
// event that would let elapsed-time credit compound across it.
func (e *Engine) updateWarmupSlope(acc *account.Account, nowSlot uint64) {
	availGross := availableGross(acc)
	if availGross.IsZero() {
		acc.WarmupSlopePerSlot = num.ZeroU128
		acc.WarmupStartedAtSlot = nowSlot
		return
	}
	if e.Params.WarmupPeriodSlots == 0 {
		acc.WarmupSlopePerSlot = availGross
		acc.WarmupStartedAtSlot = nowSlot
		return
	}
	slope := availGross.DivUint64(e.Params.WarmupPeriodSlots)
	if slope.IsZero() {
		slope = num.NewU128(1)
	}
	acc.WarmupSlopePerSlot = slope
	acc.WarmupStartedAtSlot = nowSlot
}

// sweepFeeDebt pays off any outstanding fee debt from capital as it
// becomes available, routing the amount swept to insurance. This closes
// the intra-slot loophole where a deposit would otherwise sit next to
// unpaid fee debt.
func (e *Engine) sweepFeeDebt(acc *account.Account) {
	if !acc.FeeCredits.IsNeg() {
		return
	}
	debt := acc.FeeCredits.Abs()
	paid := debt
	if paid.GreaterThan(acc.Capital) {
		paid = acc.Capital
	}
	if paid.IsZero() {
		return
	}
	e.setCapital(acc, acc.Capital.Sub(paid))
	acc.FeeCredits = acc.FeeCredits.Add(paid.AsSigned())
	e.Insurance = e.Insurance.Add(paid)
}

