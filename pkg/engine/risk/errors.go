package risk

import "errors"

// Sentinel errors surfaced by the engine. Compare with errors.Is;
// wrapping with fmt.Errorf("%w") is used throughout so the underlying
// sentinel survives the call stack.
var (
	ErrOutOfCapacity          = errors.New("risk: out of capacity")
	ErrNotFound               = errors.New("risk: account not found")
	ErrOverflow               = errors.New("risk: arithmetic overflow")
	ErrInsufficientCapital    = errors.New("risk: insufficient capital")
	ErrBelowMaintenanceMargin = errors.New("risk: below maintenance margin")
	ErrBelowInitialMargin     = errors.New("risk: below initial margin")
	ErrStaleCrank             = errors.New("risk: stale crank")
	ErrStaleSweep             = errors.New("risk: stale sweep")
	ErrInvalidOracle          = errors.New("risk: invalid oracle price")
	ErrInvalidMatcherOutput   = errors.New("risk: invalid matcher output")
	ErrAlreadyResolved        = errors.New("risk: market already resolved")
	ErrNotResolved            = errors.New("risk: market not resolved")
	ErrPositionsRemain        = errors.New("risk: positions remain open")
	ErrRiskReductionOnly      = errors.New("risk: risk-reduction-only mode")
)
