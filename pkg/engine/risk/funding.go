package risk

import (
	"fmt"

	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// accrueTo advances FundingIndex to slot s using the stored rate
// (FundingRateLast), which applied starting at LastFundingSlot. This is
// the only function permitted to move FundingIndex, and it must be
// called with the rate that was in effect *before* any mutation that
// would change the inputs to the next rate (anti-retroactivity).
func (e *Engine) accrueTo(s uint64, priceSample uint64) error {
	if s <= e.LastFundingSlot {
		return nil
	}
	dt := s - e.LastFundingSlot
	if dt > e.Params.MaxFundingDT {
		dt = e.Params.MaxFundingDT
	}
	delta, ok := fundingIndexDelta(e.FundingRateLast, priceSample, dt)
	if !ok {
		return fmt.Errorf("risk: %w: funding index accrual", ErrOverflow)
	}
	newIndex, ok := e.FundingIndex.CheckedAdd(delta)
	if !ok {
		return fmt.Errorf("risk: %w: funding index accrual", ErrOverflow)
	}
	e.FundingIndex = newIndex
	e.LastFundingSlot = s
	return nil
}

// fundingIndexDelta is the pure rate*price*dt/1e4 computation shared by
// accrueTo and the conservation auditor's read-only projection.
func fundingIndexDelta(rateBps int64, priceSample uint64, dt uint64) (num.I128, bool) {
	rate := num.NewI128(rateBps)
	price := num.NewI128(int64(priceSample))
	step := num.NewI128(int64(dt))

	prod, ok := rate.CheckedMul(price)
	if !ok {
		return num.ZeroI128, false
	}
	prod, ok = prod.CheckedMul(step)
	if !ok {
		return num.ZeroI128, false
	}
	return prod.MulDivTrunc(num.NewI128(1), 10_000), true
}

// projectedFundingIndex returns what FundingIndex would become if
// accrueTo(nowSlot, oraclePrice) were called right now, without mutating
// engine state. On overflow it conservatively returns the index
// unchanged, same fallback posture accrueTo's callers already apply
// elsewhere for worst-case arithmetic.
func (e *Engine) projectedFundingIndex(nowSlot, oraclePrice uint64) num.I128 {
	if nowSlot <= e.LastFundingSlot {
		return e.FundingIndex
	}
	dt := nowSlot - e.LastFundingSlot
	if dt > e.Params.MaxFundingDT {
		dt = e.Params.MaxFundingDT
	}
	delta, ok := fundingIndexDelta(e.FundingRateLast, oraclePrice, dt)
	if !ok {
		return e.FundingIndex
	}
	idx, ok := e.FundingIndex.CheckedAdd(delta)
	if !ok {
		return e.FundingIndex
	}
	return idx
}

// settleAccountFunding applies (FundingIndex - acc.FundingIndexSnap) *
// position / 1e6 to the account's PnL, rounding up when the account owes
// (payment negative) and truncating when it receives, then snapshots. A
// payment that raises avail_gross re-derives the warmup slope and resets
// warmup_started_at_slot to nowSlot, same as a favorable mark-to-oracle
// move does.
func (e *Engine) settleAccountFunding(acc *account.Account, nowSlot uint64) error {
	delta, ok := e.FundingIndex.CheckedSub(acc.FundingIndexSnap)
	if !ok {
		return fmt.Errorf("risk: %w: funding index delta", ErrOverflow)
	}
	if delta.IsZero() || acc.PositionSize.IsZero() {
		acc.FundingIndexSnap = e.FundingIndex
		return nil
	}
	payment := fundingPayment(acc.PositionSize, delta)
	oldAvail := acc.PnL.MaxZero()
	e.setPnL(acc, acc.PnL.Add(payment))
	acc.FundingIndexSnap = e.FundingIndex
	if acc.PnL.MaxZero().GreaterThan(oldAvail) {
		e.updateWarmupSlope(acc, nowSlot)
	}
	return nil
}

// fundingPayment computes position * delta / 1e6, rounding toward the
// vault's advantage: up in magnitude when the payment is a liability to
// the account (negative), truncated when it is a credit (positive).
func fundingPayment(position, delta num.I128) num.I128 {
	prod, ok := position.CheckedMul(delta)
	if !ok {
		if (position.Sign() < 0) != (delta.Sign() < 0) {
			return num.MinI128
		}
		return num.MaxI128
	}
	neg := prod.IsNeg()
	mag := prod.Abs()
	q := mag.DivUint64(1_000_000)
	if neg {
		rem := mag.Sub(q.Mul(num.NewU128(1_000_000)))
		if !rem.IsZero() {
			q = q.Add(num.NewU128(1))
		}
		signed := q.AsSigned()
		return signed.Neg()
	}
	return q.AsSigned()
}

// recomputeFundingRate derives a new funding_rate_last from current
// engine state (LP inventory skew, bounded by FundingMaxPremiumBps and
// FundingMaxBpsPerSlot) and stores it. Per the anti-retroactivity rule,
// callers must invoke accrueTo(now) with the OLD rate before calling
// this, so the new rate only ever applies to the next interval.
func (e *Engine) recomputeFundingRate(oraclePrice uint64) {
	if oraclePrice == 0 || e.LPMaxAbs.IsZero() {
		e.FundingRateLast = 0
		return
	}
	skewNum := e.NetLPPos.Abs()
	premiumBps := skewNum.MulDiv(num.NewU128(uint64(e.Params.FundingMaxPremiumBps)), e.LPMaxAbs.Uint64())
	bps := int64(premiumBps.Uint64())
	if bps > e.Params.FundingMaxBpsPerSlot {
		bps = e.Params.FundingMaxBpsPerSlot
	}
	if e.NetLPPos.IsNeg() {
		bps = -bps
	}
	e.FundingRateLast = bps
}
