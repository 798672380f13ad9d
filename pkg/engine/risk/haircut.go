package risk

import (
	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// Haircut is the global socialization ratio h = hNum/hDen <= 1 that
// deflates junior (positive) PnL claims to fit the residual backing.
type Haircut struct {
	HNum num.U128
	HDen num.U128
}

// residual returns max(0, vault - c_tot - insurance): the only backing
// available to junior profit.
func (e *Engine) residual() num.U128 {
	backing, ok := e.CTot.CheckedAdd(e.Insurance)
	if !ok {
		return num.ZeroU128
	}
	return e.Vault.Sub(backing)
}

// haircutRatio is a pure read over CTot, PnLPosTot, Vault, and Insurance.
func (e *Engine) haircutRatio() Haircut {
	if e.PnLPosTot.IsZero() {
		return Haircut{HNum: num.NewU128(1), HDen: num.NewU128(1)}
	}
	res := e.residual()
	hNum := res
	if hNum.GreaterThan(e.PnLPosTot) {
		hNum = e.PnLPosTot
	}
	return Haircut{HNum: hNum, HDen: e.PnLPosTot}
}

// projectedHaircutRatio computes the haircut using a hypothetical
// pnlPosTot, used by the trade executor's pre-commit margin check so the
// haircut reflects the state the trade would create.
func (e *Engine) projectedHaircutRatio(pnlPosTot num.U128) Haircut {
	if pnlPosTot.IsZero() {
		return Haircut{HNum: num.NewU128(1), HDen: num.NewU128(1)}
	}
	res := e.residual()
	hNum := res
	if hNum.GreaterThan(pnlPosTot) {
		hNum = pnlPosTot
	}
	return Haircut{HNum: hNum, HDen: pnlPosTot}
}

// effectivePositivePnL applies a haircut ratio to one account's positive
// PnL, flooring the result: floor(max(pnl,0) * hNum / hDen).
func effectivePositivePnL(pnl num.I128, h Haircut) num.U128 {
	pos := pnl.MaxZero().Abs()
	if h.HDen.IsZero() {
		return num.ZeroU128
	}
	return pos.MulDiv(h.HNum, h.HDen.Uint64())
}

// effectiveEquity computes Eq_mtm_net for margin checks: the account's
// capital plus negative PnL (a liability) plus haircut-adjusted positive
// PnL, minus fee debt, floored at zero. Mark PnL is not a separate term
// here because touchFull has already folded it into acc.PnL by the time
// any margin check runs.
func (e *Engine) effectiveEquity(acc *account.Account, _ uint64) num.I128 {
	return e.effectiveEquityWithCapital(acc, acc.Capital)
}

func (e *Engine) effectiveEquityWithCapital(acc *account.Account, capital num.U128) num.I128 {
	h := e.haircutRatio()
	effPos := effectivePositivePnL(acc.PnL, h)
	negPnL := acc.PnL.Min(num.ZeroI128) // <= 0
	feeDebt := num.ZeroI128
	if acc.FeeCredits.IsNeg() {
		feeDebt = acc.FeeCredits.Neg()
	}
	eq := capital.AsSigned().Add(negPnL).Add(effPos.AsSigned()).Sub(feeDebt)
	return eq.MaxZero()
}

// initialMarginRequirement returns IM_req = |position| * price / 1e6 *
// InitialMarginBps / 10_000.
func (e *Engine) initialMarginRequirement(acc *account.Account, price uint64) num.U128 {
	return marginRequirement(acc.PositionSize.Abs(), price, e.Params.InitialMarginBps)
}

// maintenanceMarginRequirement returns MM_req using MaintenanceMarginBps.
func (e *Engine) maintenanceMarginRequirement(acc *account.Account, price uint64) num.U128 {
	return marginRequirement(acc.PositionSize.Abs(), price, e.Params.MaintenanceMarginBps)
}

func marginRequirement(absPos num.U128, price uint64, bps int64) num.U128 {
	notional := absPos.MulDiv(num.NewU128(price), 1_000_000)
	return notional.MulDiv(num.NewU128(uint64(bps)), 10_000)
}
