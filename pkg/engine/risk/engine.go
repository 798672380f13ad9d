// Package risk implements the deterministic risk-and-accounting state
// machine described by the engine's specification: settlement, O(1)
// aggregate maintenance, the global haircut ratio, funding accrual, the
// two-account trade executor, liquidation, the budgeted keeper cycle, a
// full-scan conservation auditor, and resolution wind-down.
//
// The engine assumes single-threaded, cooperative, atomic-per-operation
// access: every exported method runs to completion with no suspension
// points, and the host is responsible for reverting all state on error
// (the engine performs no internal locking or journaling of its own).
package risk

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
	"github.com/uhyunpark/hyperlicked/pkg/engine/params"
)

// Engine is the process-wide singleton per slab. Every field here is part
// of the persisted state; see pkg/engine/storage for the slab snapshot
// format.
type Engine struct {
	Vault     num.U128
	Insurance num.U128

	CTot      num.U128 // Sigma capital over used accounts
	PnLPosTot num.U128 // Sigma max(pnl, 0) over used accounts

	TotalOpenInterest num.U128

	NetLPPos num.I128
	LPSumAbs num.U128
	LPMaxAbs num.U128

	FundingIndex     num.I128
	LastFundingSlot  uint64
	FundingRateLast  int64 // bps/slot, applies starting at LastFundingSlot

	CurrentSlot            uint64
	LastCrankSlot          uint64
	SweepStartCursor       uint16
	SweepLastCompletedSlot uint64
	CrankCursor            uint16

	RiskReductionThreshold num.U128
	RiskReductionOnly      bool

	Resolved        bool
	ResolutionPrice uint64
	AuthorityPrice  uint64

	Params params.RiskParams

	Table *account.Table

	stats KeeperStats
}

// Stats returns a snapshot of the engine's best-effort keeper counters.
func (e *Engine) Stats() KeeperStats { return e.stats }

// RestoreStats overwrites the engine's keeper counters wholesale. Used
// only by persistence code reconstructing an engine from a saved slab.
func (e *Engine) RestoreStats(s KeeperStats) { e.stats = s }

// KeeperStats accumulates best-effort failure counters across the
// engine's lifetime — recorded as counters rather than aborting the
// enclosing crank, since a single account's settlement failure should
// never block the rest of the sweep.
type KeeperStats struct {
	FeeSettlementFailures uint64
	LiquidationsPerformed uint64
	ForceRealizesPerformed uint64
	DustAccountsCollected uint64
	LiquidationErrors      uint64
}

// Init constructs a fresh engine over a table of the given capacity.
// MAX_ACCOUNTS (4096 for production, small bounds for verification
// harnesses) is chosen here, at construction time, and never changes.
func Init(p params.RiskParams, capacity int) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("risk: invalid params: %w", err)
	}
	return &Engine{
		Params:          p,
		Table:           account.NewTable(capacity),
		FundingRateLast: 0,
	}, nil
}

// AddUser allocates a new user slot, credits its initial deposit, and
// returns the slot index.
func (e *Engine) AddUser(owner common.Hash, feePayment uint64, nowSlot uint64) (uint16, error) {
	return e.addAccount(account.KindUser, owner, common.Hash{}, common.Hash{}, feePayment, nowSlot)
}

// AddLP allocates the engine's counterparty LP slot.
func (e *Engine) AddLP(owner, matcherProgram, matcherContext common.Hash, feePayment uint64, nowSlot uint64) (uint16, error) {
	return e.addAccount(account.KindLP, owner, matcherProgram, matcherContext, feePayment, nowSlot)
}

func (e *Engine) addAccount(kind account.Kind, owner, matcherProgram, matcherContext common.Hash, feePayment uint64, nowSlot uint64) (uint16, error) {
	if e.Resolved {
		return 0, ErrAlreadyResolved
	}
	idx, acc, err := e.Table.Alloc(kind, owner)
	if err != nil {
		return 0, fmt.Errorf("risk: %w", ErrOutOfCapacity)
	}
	acc.MatcherProgram = matcherProgram
	acc.MatcherContext = matcherContext
	acc.WarmupStartedAtSlot = nowSlot
	acc.LastFeeSlot = nowSlot
	if feePayment > 0 {
		e.setCapital(acc, num.NewU128(feePayment))
		e.Vault = e.Vault.Add(num.NewU128(feePayment))
	}
	return idx, nil
}

// Deposit adds collateral tokens to an account's capital and to the
// vault in lockstep — the host has already moved the tokens in.
func (e *Engine) Deposit(idx uint16, amount uint64, nowSlot uint64) error {
	if e.Resolved {
		return ErrAlreadyResolved
	}
	acc, err := e.Table.Get(idx)
	if err != nil {
		return ErrNotFound
	}
	e.setCapital(acc, acc.Capital.Add(num.NewU128(amount)))
	e.Vault = e.Vault.Add(num.NewU128(amount))
	return nil
}

// Withdraw settles the account, checks post-withdrawal solvency and
// initial margin, then removes collateral from both capital and vault.
func (e *Engine) Withdraw(idx uint16, amount uint64, oraclePrice uint64, nowSlot uint64) error {
	acc, err := e.Table.Get(idx)
	if err != nil {
		return ErrNotFound
	}
	if err := e.touchFull(idx, oraclePrice, nowSlot); err != nil {
		return err
	}
	amt := num.NewU128(amount)
	if acc.Capital.LessThan(amt) {
		return ErrInsufficientCapital
	}
	postCapital := acc.Capital.Sub(amt)
	postEq := e.effectiveEquityWithCapital(acc, postCapital)
	imReq := e.initialMarginRequirement(acc, oraclePrice)
	if postEq.LessThan(imReq.AsSigned()) {
		return ErrBelowInitialMargin
	}
	if e.Vault.LessThan(amt) {
		return fmt.Errorf("risk: %w", ErrInsufficientCapital)
	}
	e.setCapital(acc, postCapital)
	e.Vault = e.Vault.Sub(amt)
	return nil
}

// TopUpInsurance credits the insurance reserve directly from host-held
// tokens already reflected in Vault accounting upstream of this call.
func (e *Engine) TopUpInsurance(amount uint64) error {
	if e.Resolved {
		return ErrAlreadyResolved
	}
	e.Insurance = e.Insurance.Add(num.NewU128(amount))
	e.Vault = e.Vault.Add(num.NewU128(amount))
	return nil
}

func (e *Engine) SetRiskReductionThreshold(v uint64) {
	e.RiskReductionThreshold = num.NewU128(v)
}

func (e *Engine) SetMaintenanceFee(v uint64) {
	e.Params.MaintenanceFeePerSlot = v
}

// UpdateParams replaces the engine's risk parameters wholesale, after
// validating the replacement.
func (e *Engine) UpdateParams(p params.RiskParams) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("risk: invalid params: %w", err)
	}
	e.Params = p
	return nil
}

// CloseAccount settles the account, requires a flat position, forgives
// any remaining fee debt, pays the remaining capital out of the vault and
// returns the slot to the free list. PnL left over after settlement does
// not block the close: it is set to zero, and positive PnL is not
// converted to capital first.
func (e *Engine) CloseAccount(idx uint16, oraclePrice uint64, nowSlot uint64) error {
	acc, err := e.Table.Get(idx)
	if err != nil {
		return ErrNotFound
	}
	if err := e.touchFull(idx, oraclePrice, nowSlot); err != nil {
		return err
	}
	if !acc.PositionSize.IsZero() {
		return ErrPositionsRemain
	}
	// Forgive residual fee debt so close can always make progress once
	// flat and settled; debt forgiveness never touches insurance since
	// no capital is available to pay it.
	if acc.FeeCredits.IsNeg() {
		acc.FeeCredits = num.ZeroI128
	}
	if !acc.PnL.IsZero() {
		e.setPnL(acc, num.ZeroI128)
	}
	e.Vault = e.Vault.Sub(acc.Capital)
	e.setCapital(acc, num.ZeroU128)
	return e.Table.Free(idx)
}

// GarbageCollectDust frees up to budget dust accounts: zero capital,
// zero position, zero reserved PnL, non-positive PnL. LPs are never GC'd.
func (e *Engine) GarbageCollectDust(budget int) int {
	freed := 0
	var toFree []uint16
	e.Table.Each(func(idx uint16, acc *account.Account) {
		if freed+len(toFree) >= budget {
			return
		}
		if acc.IsLP() {
			return
		}
		if acc.IsDust() {
			toFree = append(toFree, idx)
		}
	})
	for _, idx := range toFree {
		if freed >= budget {
			break
		}
		acc, err := e.Table.Get(idx)
		if err != nil {
			continue
		}
		if acc.PnL.IsNeg() {
			// Written-off negative PnL with zero capital: drop it so the
			// slot can be reclaimed; it carries no claim on the vault.
			e.setPnL(acc, num.ZeroI128)
		}
		_ = e.Table.Free(idx)
		e.stats.DustAccountsCollected++
		freed++
	}
	return freed
}

// Accounts returns a read-only snapshot of every used account. Callers
// receive copies, never pointers into the table, so they cannot bypass
// the aggregate helpers.
func (e *Engine) Accounts() []account.Account {
	out := make([]account.Account, 0, e.Table.NumUsed())
	e.Table.Each(func(_ uint16, acc *account.Account) {
		out = append(out, *acc)
	})
	return out
}
