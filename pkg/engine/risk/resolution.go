package risk

import (
	"fmt"

	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// ResolveMarket transitions the engine into wind-down: it requires a
// positive authority-set resolution price, then blocks deposit, trade,
// add_user, add_lp, and top_up_insurance while keeping withdraw and
// close_account live so users can exit. From the next crank onward, the
// keeper cycle's force-close branch zeros every position at
// resolutionPrice.
func (e *Engine) ResolveMarket(resolutionPrice uint64) error {
	if e.Resolved {
		return ErrAlreadyResolved
	}
	if resolutionPrice == 0 {
		return fmt.Errorf("risk: %w: resolution price must be positive", ErrInvalidOracle)
	}
	e.Resolved = true
	e.ResolutionPrice = resolutionPrice
	return nil
}

// WithdrawInsurance permits draining the insurance reserve only once the
// market is resolved and every used account has been fully wound down:
// zero position, and — since the slab is only releasable once vault,
// insurance, and dust are all zero — this is checked here as "every
// position is flat", with the stronger all-zero condition enforced by
// the host before actually releasing the slab.
func (e *Engine) WithdrawInsurance(amount uint64) error {
	if !e.Resolved {
		return ErrNotResolved
	}
	if !e.AllPositionsZero() {
		return ErrPositionsRemain
	}
	amt := num.NewU128(amount)
	if amt.GreaterThan(e.Insurance) {
		return ErrInsufficientCapital
	}
	e.Insurance = e.Insurance.Sub(amt)
	e.Vault = e.Vault.Sub(amt)
	return nil
}

// Releasable reports whether the slab has wound down completely: every
// account closed, and vault, insurance, and residual dust all zero.
func (e *Engine) Releasable() bool {
	return e.Resolved &&
		e.Table.NumUsed() == 0 &&
		e.Vault.IsZero() &&
		e.Insurance.IsZero()
}
