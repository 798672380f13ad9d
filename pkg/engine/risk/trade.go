package risk

import (
	"fmt"

	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// TradeRequest describes a fill between the user account and the
// engine's single counterparty LP. RequestedSize carries the sign of
// the originally intended direction; ExecSize may be a smaller partial
// fill in the same direction.
type TradeRequest struct {
	UserIdx       uint16
	LPIdx         uint16
	OraclePrice   uint64
	ExecPrice     uint64
	ExecSize      num.I128
	RequestedSize num.I128
}

// ExecuteTrade runs the two-account trade executor: timing guards, input
// validation, settlement of both legs, position and PnL mutation at the
// oracle price, trading fee collection, a projected-haircut margin
// check, the paired aggregate commit, and two-pass post-commit
// settlement (loss, then warmup).
func (e *Engine) ExecuteTrade(req TradeRequest, nowSlot uint64) error {
	if e.Resolved {
		return ErrAlreadyResolved
	}
	if err := e.checkTimingGuards(req, nowSlot); err != nil {
		return err
	}
	if err := e.validateTradeInputs(req); err != nil {
		return err
	}

	user, err := e.Table.Get(req.UserIdx)
	if err != nil {
		return ErrNotFound
	}
	lp, err := e.Table.Get(req.LPIdx)
	if err != nil {
		return ErrNotFound
	}
	if !lp.IsLP() {
		return fmt.Errorf("risk: %w: counterparty is not the LP account", ErrInvalidMatcherOutput)
	}

	// Step 3: settle both legs at the oracle price, user first.
	if err := e.touchFull(req.UserIdx, req.OraclePrice, nowSlot); err != nil {
		return err
	}
	if err := e.touchFull(req.LPIdx, req.OraclePrice, nowSlot); err != nil {
		return err
	}

	userOldPos := user.PositionSize
	lpOldPos := lp.PositionSize
	userNewPos, ok := userOldPos.CheckedAdd(req.ExecSize)
	if !ok {
		return fmt.Errorf("risk: %w: user position overflow", ErrOverflow)
	}
	lpNewPos, ok := lpOldPos.CheckedSub(req.ExecSize)
	if !ok {
		return fmt.Errorf("risk: %w: lp position overflow", ErrOverflow)
	}
	if userNewPos.Abs().GreaterThan(num.NewU128(e.Params.MaxPositionAbs)) ||
		lpNewPos.Abs().GreaterThan(num.NewU128(e.Params.MaxPositionAbs)) {
		return fmt.Errorf("risk: %w: position exceeds max abs", ErrOverflow)
	}

	// Step 5: trade PnL measured against the oracle, zero-sum before fees.
	tradePnL, err := tradeMarkPnL(req.ExecSize, req.OraclePrice, req.ExecPrice)
	if err != nil {
		return err
	}

	// Step 6: ceiling-rounded trading fee, charged to the user, credited
	// to insurance.
	notional := req.ExecSize.Abs().MulDiv(num.NewU128(req.ExecPrice), 1)
	fee := num.MulDivCeil(notional, num.NewU128(uint64(e.Params.TradingFeeBps)), 10_000*1_000_000)
	if fee.GreaterThan(user.Capital) {
		return ErrInsufficientCapital
	}

	projUserPnL := user.PnL.Add(tradePnL)
	projLPPnL := lp.PnL.Add(tradePnL.Neg())
	projUserCapital := user.Capital.Sub(fee)

	// Step 7: projected haircut check ahead of commit.
	pnlPosTotPost := projectedPnLPosTot(e.PnLPosTot, user.PnL, projUserPnL, lp.PnL, projLPPnL)
	projH := e.projectedHaircutRatio(pnlPosTotPost)

	if err := checkTradeMargin(projUserCapital, projUserPnL, user.FeeCredits, projH, userOldPos, userNewPos, req.OraclePrice, e.Params.InitialMarginBps, e.Params.MaintenanceMarginBps); err != nil {
		return fmt.Errorf("risk: user %w", err)
	}
	if err := checkTradeMargin(lp.Capital, projLPPnL, lp.FeeCredits, projH, lpOldPos, lpNewPos, req.OraclePrice, e.Params.InitialMarginBps, e.Params.MaintenanceMarginBps); err != nil {
		return fmt.Errorf("risk: lp %w", err)
	}

	// Step 8: paired commit. Positions, entry prices, LP aggregates and
	// OI are written first; only then are both legs' PnL and the user's
	// capital applied through setPnL/setCapital, in one call, so no
	// observer ever sees one leg committed without the other.
	e.commitTradePair(user, lp, userNewPos, lpNewPos, req.OraclePrice, projUserPnL, projLPPnL, projUserCapital, fee)

	// Step 9: two-pass post-commit settlement — loss on both legs, then
	// warmup on both legs.
	e.settleLossOnly(user)
	e.settleLossOnly(lp)
	e.convertWarmup(user, nowSlot)
	e.convertWarmup(lp, nowSlot)

	// Step 10: funding-rate inputs may have changed (LP inventory skew);
	// accrueTo(now_slot) already ran inside touchFull above, so this
	// recompute only ever takes effect for the next interval.
	e.recomputeFundingRate(req.OraclePrice)

	return nil
}

func (e *Engine) checkTimingGuards(req TradeRequest, nowSlot uint64) error {
	if nowSlot-e.LastCrankSlot > e.Params.MaxCrankStalenessSlots {
		return ErrStaleCrank
	}
	if riskIncreasing(req.RequestedSize, req.ExecSize) {
		if nowSlot-e.SweepLastCompletedSlot > e.Params.MaxSweepStalenessSlots {
			return ErrStaleSweep
		}
	}
	return nil
}

func (e *Engine) validateTradeInputs(req TradeRequest) error {
	if req.OraclePrice == 0 || req.OraclePrice > e.Params.MaxOraclePrice {
		return ErrInvalidOracle
	}
	if req.ExecPrice == 0 || req.ExecPrice > e.Params.MaxOraclePrice {
		return fmt.Errorf("risk: %w: exec price", ErrInvalidMatcherOutput)
	}
	if req.ExecSize.IsZero() {
		return fmt.Errorf("risk: %w: zero exec size", ErrInvalidMatcherOutput)
	}
	if req.ExecSize.IsMin() {
		return fmt.Errorf("risk: %w: exec size at i128 min", ErrInvalidMatcherOutput)
	}
	if req.ExecSize.Abs().GreaterThan(num.NewU128(e.Params.MaxPositionAbs)) {
		return fmt.Errorf("risk: %w: exec size exceeds max abs", ErrInvalidMatcherOutput)
	}
	if req.ExecSize.Sign() != req.RequestedSize.Sign() {
		return fmt.Errorf("risk: %w: exec size sign mismatch", ErrInvalidMatcherOutput)
	}
	if req.ExecSize.Abs().GreaterThan(req.RequestedSize.Abs()) {
		return fmt.Errorf("risk: %w: exec size exceeds requested size", ErrInvalidMatcherOutput)
	}
	return nil
}

// riskIncreasing reports whether a fill of this requested direction
// should be treated as risk-increasing for timing-guard purposes: any
// non-zero intended size is risk-increasing unless it is explicitly a
// reduce-only (zero) request.
func riskIncreasing(requestedSize, execSize num.I128) bool {
	return !requestedSize.IsZero() && !execSize.IsZero()
}

// positionRiskIncreasing reports whether moving from oldPos to newPos is
// risk-increasing for an account: the size grew, or the sign flipped.
func positionRiskIncreasing(oldPos, newPos num.I128) bool {
	if newPos.Abs().GreaterThan(oldPos.Abs()) {
		return true
	}
	if !oldPos.IsZero() && !newPos.IsZero() && (oldPos.IsNeg() != newPos.IsNeg()) {
		return true
	}
	return false
}

// tradeMarkPnL computes (oraclePrice - execPrice) * execSize / 1e6 with
// checked multiplication; this is the user's side of trade PnL. The LP's
// side is its exact negation, so the pair sums to zero before fees.
func tradeMarkPnL(execSize num.I128, oraclePrice, execPrice uint64) (num.I128, error) {
	priceDelta, ok := num.NewI128(int64(oraclePrice)).CheckedSub(num.NewI128(int64(execPrice)))
	if !ok {
		return num.I128{}, fmt.Errorf("risk: %w: trade price delta", ErrOverflow)
	}
	prod, ok := execSize.CheckedMul(priceDelta)
	if !ok {
		return num.I128{}, fmt.Errorf("risk: %w: trade pnl", ErrOverflow)
	}
	return prod.MulDivTrunc(num.NewI128(1), 1_000_000), nil
}

// projectedPnLPosTot recomputes the engine-wide sum of positive PnL as
// it would be after replacing two accounts' PnL with their projected
// values, without mutating any engine state.
func projectedPnLPosTot(current num.U128, userOld, userNew, lpOld, lpNew num.I128) num.U128 {
	t := current
	t = t.Sub(userOld.MaxZero().Abs())
	t = t.Sub(lpOld.MaxZero().Abs())
	t = t.Add(userNew.MaxZero().Abs())
	t = t.Add(lpNew.MaxZero().Abs())
	return t
}

// checkTradeMargin requires Eq_mtm_net > MM_req always, and additionally
// Eq_mtm_net >= IM_req when this account's side of the trade is
// risk-increasing.
func checkTradeMargin(capital num.U128, pnl, feeCredits num.I128, h Haircut, oldPos, newPos num.I128, price uint64, initialBps, maintBps int64) error {
	effPos := effectivePositivePnL(pnl, h)
	negPnL := pnl.Min(num.ZeroI128)
	feeDebt := num.ZeroI128
	if feeCredits.IsNeg() {
		feeDebt = feeCredits.Neg()
	}
	eq := capital.AsSigned().Add(negPnL).Add(effPos.AsSigned()).Sub(feeDebt).MaxZero()

	mmReq := marginRequirement(newPos.Abs(), price, maintBps)
	if !eq.GreaterThan(mmReq.AsSigned()) {
		return ErrBelowMaintenanceMargin
	}
	if positionRiskIncreasing(oldPos, newPos) {
		imReq := marginRequirement(newPos.Abs(), price, initialBps)
		if eq.LessThan(imReq.AsSigned()) {
			return ErrBelowInitialMargin
		}
	}
	return nil
}

// commitTradePair writes both accounts' positions, entry prices, LP
// aggregates, and OI, then applies both legs' precomputed PnL and the
// user's capital through setPnL/setCapital and credits the fee to
// insurance, so the two accounts move in lockstep.
func (e *Engine) commitTradePair(user, lp *account.Account, userNewPos, lpNewPos num.I128, execOrOraclePrice uint64, userPnL, lpPnL num.I128, userCapital num.U128, fee num.U128) {
	userOldPos := user.PositionSize
	lpOldPos := lp.PositionSize

	user.PositionSize = userNewPos
	user.EntryPrice = execOrOraclePrice
	lp.PositionSize = lpNewPos
	lp.EntryPrice = execOrOraclePrice

	e.TotalOpenInterest = recomputeOpenInterest(e.TotalOpenInterest, userOldPos, userNewPos, lpOldPos, lpNewPos)
	e.NetLPPos = e.NetLPPos.Sub(lpOldPos).Add(lpNewPos)
	e.LPSumAbs = e.LPSumAbs.Sub(lpOldPos.Abs()).Add(lpNewPos.Abs())
	if lpNewPos.Abs().GreaterThan(e.LPMaxAbs) {
		e.LPMaxAbs = lpNewPos.Abs()
	}

	e.setPnL(user, userPnL)
	e.setPnL(lp, lpPnL)
	e.setCapital(user, userCapital)
	e.Insurance = e.Insurance.Add(fee)
}

// recomputeOpenInterest adjusts total OI (sum of |position| across all
// accounts, both the user and the LP leg) by the per-leg deltas from
// this trade.
func recomputeOpenInterest(current num.U128, userOld, userNew, lpOld, lpNew num.I128) num.U128 {
	t := current
	t = t.Sub(userOld.Abs()).Add(userNew.Abs())
	t = t.Sub(lpOld.Abs()).Add(lpNew.Abs())
	return t
}
