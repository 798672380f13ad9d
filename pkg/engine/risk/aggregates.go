package risk

import (
	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// setPnL and setCapital are the ONLY permitted mutators of acc.PnL and
// acc.Capital. Every other call site in this package routes through them;
// Go has no friend-class mechanism to enforce this at compile time, and
// no test checks it, so it is a convention of this package.
//
// The trade executor's paired two-account commit (commitTradePair)
// computes both legs' deltas before either write, then applies them
// through these same helpers.

// setPnL updates PnLPosTot by the delta in max(new, 0) vs max(old, 0),
// then writes the new value.
func (e *Engine) setPnL(acc *account.Account, newPnL num.I128) {
	oldPos := acc.PnL.MaxZero()
	newPos := newPnL.MaxZero()
	switch {
	case newPos.GreaterThan(oldPos):
		e.PnLPosTot = e.PnLPosTot.Add(newPos.Sub(oldPos).Abs())
	case oldPos.GreaterThan(newPos):
		e.PnLPosTot = e.PnLPosTot.Sub(oldPos.Sub(newPos).Abs())
	}
	acc.PnL = newPnL
}

// setCapital updates CTot by the signed delta new-old, then writes the
// new value.
func (e *Engine) setCapital(acc *account.Account, newCapital num.U128) {
	switch {
	case newCapital.GreaterThan(acc.Capital):
		e.CTot = e.CTot.Add(newCapital.Sub(acc.Capital))
	case acc.Capital.GreaterThan(newCapital):
		e.CTot = e.CTot.Sub(acc.Capital.Sub(newCapital))
	}
	acc.Capital = newCapital
}
