package account

import (
	"errors"
	"math/bits"
)

// SentinelFree marks the end of the free list.
const SentinelFree = ^uint16(0)

var ErrOutOfCapacity = errors.New("account: table at capacity")
var ErrNotFound = errors.New("account: slot not found")

// Table is a fixed-capacity, contiguous account arena with a bitmap +
// free-list allocator. It never grows: capacity is chosen at
// construction (4096 in production, small bounds for verification
// harnesses), matching the spec's "four-thousand-slot account table".
type Table struct {
	slots []Account

	used   []uint64 // bitmap, 1 bit per slot
	lpSet  []uint64 // bitmap of LP slots within used

	// freeNext[i] holds the next free slot after i, forming a singly linked
	// free list threaded through otherwise-unused slots. freeNext is kept
	// separate from Account so a freed slot's Account can be fully zeroed.
	freeNext []uint16
	freeHead uint16

	numUsed       uint16
	nextAccountID uint64
}

func words(capacity int) int { return (capacity + 63) / 64 }

// NewTable allocates a table with room for exactly capacity accounts.
func NewTable(capacity int) *Table {
	t := &Table{
		slots:    make([]Account, capacity),
		used:     make([]uint64, words(capacity)),
		lpSet:    make([]uint64, words(capacity)),
		freeNext: make([]uint16, capacity),
	}
	for i := 0; i < capacity; i++ {
		if i == capacity-1 {
			t.freeNext[i] = SentinelFree
		} else {
			t.freeNext[i] = uint16(i + 1)
		}
	}
	if capacity == 0 {
		t.freeHead = SentinelFree
	}
	return t
}

func (t *Table) Capacity() int   { return len(t.slots) }
func (t *Table) NumUsed() uint16 { return t.numUsed }

func (t *Table) bitSet(bitmap []uint64, idx uint16) {
	bitmap[idx/64] |= 1 << (idx % 64)
}
func (t *Table) bitClear(bitmap []uint64, idx uint16) {
	bitmap[idx/64] &^= 1 << (idx % 64)
}
func (t *Table) bitTest(bitmap []uint64, idx uint16) bool {
	return bitmap[idx/64]&(1<<(idx%64)) != 0
}

// Alloc takes the head of the free list, marks it used, assigns the next
// monotonic id, and returns the slot index. The account is returned
// zeroed except for Kind, ID, and Owner.
func (t *Table) Alloc(kind Kind, owner [32]byte) (uint16, *Account, error) {
	if t.freeHead == SentinelFree {
		return 0, nil, ErrOutOfCapacity
	}
	idx := t.freeHead
	t.freeHead = t.freeNext[idx]

	t.bitSet(t.used, idx)
	if kind == KindLP {
		t.bitSet(t.lpSet, idx)
	}

	acc := &t.slots[idx]
	acc.reset()
	acc.Kind = kind
	acc.ID = t.nextAccountID
	t.nextAccountID++
	acc.Owner = owner

	t.numUsed++
	return idx, acc, nil
}

// Free reverses Alloc: zeroes the slot, clears both bitmap bits, and
// pushes the slot back onto the free list.
func (t *Table) Free(idx uint16) error {
	if !t.bitTest(t.used, idx) {
		return ErrNotFound
	}
	t.slots[idx].reset()
	t.bitClear(t.used, idx)
	t.bitClear(t.lpSet, idx)

	t.freeNext[idx] = t.freeHead
	t.freeHead = idx

	if t.numUsed > 0 {
		t.numUsed--
	}
	return nil
}

// Get returns a pointer to the account at idx if the slot is in use.
func (t *Table) Get(idx uint16) (*Account, error) {
	if int(idx) >= len(t.slots) || !t.bitTest(t.used, idx) {
		return nil, ErrNotFound
	}
	return &t.slots[idx], nil
}

// MustGet panics on a bad index — reserved for call sites that have
// already validated the index came from a live iteration.
func (t *Table) MustGet(idx uint16) *Account {
	a, err := t.Get(idx)
	if err != nil {
		panic(err)
	}
	return a
}

// IsUsed reports whether idx currently holds a live account.
func (t *Table) IsUsed(idx uint16) bool {
	return int(idx) < len(t.slots) && t.bitTest(t.used, idx)
}

// IsLP reports whether idx is tagged as an LP slot.
func (t *Table) IsLP(idx uint16) bool {
	return int(idx) < len(t.slots) && t.bitTest(t.lpSet, idx)
}

// Each walks every populated slot in ascending index order, clearing the
// lowest set bit of a working copy of the bitmap on each step so only
// used slots are visited — O(used) rather than O(capacity).
func (t *Table) Each(fn func(idx uint16, acc *Account)) {
	for w, word := range t.used {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			idx := uint16(w*64 + b)
			fn(idx, &t.slots[idx])
			word &= word - 1 // clear lowest set bit
		}
	}
}

// EachLP walks only the LP-tagged slots.
func (t *Table) EachLP(fn func(idx uint16, acc *Account)) {
	for w, word := range t.lpSet {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			idx := uint16(w*64 + b)
			fn(idx, &t.slots[idx])
			word &= word - 1
		}
	}
}

// PopcountUsed recomputes num_used_accounts from the bitmap directly —
// used by the conservation checker to verify invariant 6.
func (t *Table) PopcountUsed() uint16 {
	n := 0
	for _, w := range t.used {
		n += bits.OnesCount64(w)
	}
	return uint16(n)
}

// FreelistSound verifies invariant 7: every slot is either used or
// reachable from the free list, never both, never neither.
func (t *Table) FreelistSound() bool {
	reachable := make([]bool, len(t.slots))
	for cur := t.freeHead; cur != SentinelFree; cur = t.freeNext[cur] {
		if reachable[cur] {
			return false // cycle in free list
		}
		reachable[cur] = true
	}
	for i := 0; i < len(t.slots); i++ {
		used := t.bitTest(t.used, uint16(i))
		if used == reachable[i] {
			return false // must be exactly one of the two
		}
	}
	return true
}

func (t *Table) NextAccountID() uint64 { return t.nextAccountID }
func (t *Table) FreeHead() uint16      { return t.freeHead }

// RestoreSlot writes acc directly into slot idx and marks it used,
// bypassing the free list. Used only by slab deserialization, which
// restores every used slot before rebuilding the free list in one pass.
func (t *Table) RestoreSlot(idx uint16, acc Account) {
	t.slots[idx] = acc
	t.bitSet(t.used, idx)
	if acc.Kind == KindLP {
		t.bitSet(t.lpSet, idx)
	}
	t.numUsed++
}

// SetNextAccountID restores the monotonic id counter after a slab load.
func (t *Table) SetNextAccountID(n uint64) { t.nextAccountID = n }

// RebuildFreeList reconstructs the free list from the used bitmap,
// threading every unused slot together in ascending index order. Call
// this once after RestoreSlot has populated every used slot from a
// snapshot.
func (t *Table) RebuildFreeList() {
	t.freeHead = SentinelFree
	for i := len(t.slots) - 1; i >= 0; i-- {
		idx := uint16(i)
		if t.bitTest(t.used, idx) {
			continue
		}
		t.freeNext[idx] = t.freeHead
		t.freeHead = idx
	}
}
