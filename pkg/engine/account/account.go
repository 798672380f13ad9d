// Package account defines the per-slot account record and the
// fixed-capacity table that holds it. The table is an arena: every
// reference into it is a plain slot index, and slots are zeroed on
// free so a stale index is never silently mistaken for live data.
package account

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// Kind tags an account as a regular user or the single counterparty LP.
type Kind uint8

const (
	KindUser Kind = iota
	KindLP
)

func (k Kind) String() string {
	if k == KindLP {
		return "lp"
	}
	return "user"
}

// Account is one row of the engine's account table. Every field here is
// persisted in the slab; nothing here is derived state.
type Account struct {
	Kind Kind
	ID   uint64
	// Owner is the opaque 32-byte authorization token bound by the host.
	// common.Hash is reused purely for its zero-value-safe, comparable,
	// hex-marshalable 32-byte layout — the engine never interprets it.
	Owner common.Hash

	Capital num.U128
	PnL     num.I128

	// ReservedPnL fences a portion of positive PnL from warmup conversion.
	ReservedPnL uint64

	PositionSize num.I128
	EntryPrice   uint64 // scaled by 1e6

	FundingIndexSnap num.I128

	WarmupStartedAtSlot uint64
	WarmupSlopePerSlot  num.U128

	// FeeCredits < 0 is fee debt.
	FeeCredits num.I128
	LastFeeSlot uint64

	// LP-only fields; zero for User accounts.
	MatcherProgram common.Hash
	MatcherContext common.Hash
}

// IsLP reports whether this account is the engine's counterparty LP.
func (a *Account) IsLP() bool { return a.Kind == KindLP }

// IsDust reports whether the account holds nothing worth keeping: zero
// capital, zero position, zero reserved PnL and non-positive PnL. The GC
// pass uses it to pick accounts to free.
func (a *Account) IsDust() bool {
	return a.Capital.IsZero() &&
		a.PositionSize.IsZero() &&
		a.ReservedPnL == 0 &&
		a.PnL.Sign() <= 0
}

// reset zeroes every field — used when a slot is freed, so a stale index
// can never read through to a previous occupant's data.
func (a *Account) reset() {
	*a = Account{}
}
