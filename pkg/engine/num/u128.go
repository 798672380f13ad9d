// Package num implements alignment-stable 128-bit integers for persisted
// engine state. Both U128 and I128 are plain two-word structs so their
// in-memory layout is identical regardless of host word size.
package num

import "math/bits"

// U128 is an unsigned 128-bit integer stored as two 64-bit words.
type U128 struct {
	Hi uint64
	Lo uint64
}

// MaxU128 is the largest representable U128.
var MaxU128 = U128{Hi: ^uint64(0), Lo: ^uint64(0)}

// ZeroU128 is the additive identity.
var ZeroU128 = U128{}

func NewU128(v uint64) U128 { return U128{Lo: v} }

func (a U128) IsZero() bool { return a.Hi == 0 && a.Lo == 0 }

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a U128) Cmp(b U128) int {
	switch {
	case a.Hi != b.Hi:
		if a.Hi < b.Hi {
			return -1
		}
		return 1
	case a.Lo != b.Lo:
		if a.Lo < b.Lo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (a U128) LessThan(b U128) bool    { return a.Cmp(b) < 0 }
func (a U128) GreaterThan(b U128) bool { return a.Cmp(b) > 0 }
func (a U128) Equal(b U128) bool       { return a.Hi == b.Hi && a.Lo == b.Lo }

// Add saturates to MaxU128 on overflow.
func (a U128) Add(b U128) U128 {
	lo, carry := bits.Add64(a.Lo, b.Lo, 0)
	hi, carry2 := bits.Add64(a.Hi, b.Hi, carry)
	if carry2 != 0 {
		return MaxU128
	}
	return U128{Hi: hi, Lo: lo}
}

// CheckedAdd returns (a+b, true) or (undefined, false) on overflow.
func (a U128) CheckedAdd(b U128) (U128, bool) {
	lo, carry := bits.Add64(a.Lo, b.Lo, 0)
	hi, carry2 := bits.Add64(a.Hi, b.Hi, carry)
	if carry2 != 0 {
		return U128{}, false
	}
	return U128{Hi: hi, Lo: lo}, true
}

// Sub saturates to zero if b > a.
func (a U128) Sub(b U128) U128 {
	if a.LessThan(b) {
		return ZeroU128
	}
	lo, borrow := bits.Sub64(a.Lo, b.Lo, 0)
	hi, _ := bits.Sub64(a.Hi, b.Hi, borrow)
	return U128{Hi: hi, Lo: lo}
}

// CheckedSub returns (a-b, true) or (undefined, false) if b > a.
func (a U128) CheckedSub(b U128) (U128, bool) {
	if a.LessThan(b) {
		return U128{}, false
	}
	lo, borrow := bits.Sub64(a.Lo, b.Lo, 0)
	hi, _ := bits.Sub64(a.Hi, b.Hi, borrow)
	return U128{Hi: hi, Lo: lo}, true
}

// Mul saturates to MaxU128 on overflow.
func (a U128) Mul(b U128) U128 {
	v, ok := a.CheckedMul(b)
	if !ok {
		return MaxU128
	}
	return v
}

// CheckedMul returns (a*b, true) or (undefined, false) on overflow.
// Products that fit in 128 bits are exact; when both operands have a
// non-zero high word the product always overflows.
func (a U128) CheckedMul(b U128) (U128, bool) {
	if a.Hi != 0 && b.Hi != 0 {
		return U128{}, false
	}
	hi1, lo := bits.Mul64(a.Lo, b.Lo)
	crossHi := uint64(0)
	if a.Hi != 0 {
		p := a.Hi * b.Lo
		if b.Lo != 0 && p/b.Lo != a.Hi {
			return U128{}, false
		}
		crossHi += p
	}
	if b.Hi != 0 {
		p := b.Hi * a.Lo
		if a.Lo != 0 && p/a.Lo != b.Hi {
			return U128{}, false
		}
		crossHi += p
	}
	hi, carry := bits.Add64(hi1, crossHi, 0)
	if carry != 0 {
		return U128{}, false
	}
	return U128{Hi: hi, Lo: lo}, true
}

// MulDiv computes floor(a*b/d) using 128x64 intermediate arithmetic,
// saturating the product before dividing. d must be non-zero.
func (a U128) MulDiv(b U128, d uint64) U128 {
	prod, ok := a.CheckedMul(b)
	if !ok {
		prod = MaxU128
	}
	return prod.DivUint64(d)
}

// DivUint64 performs a 128/64 -> 128 division, truncating toward zero.
func (a U128) DivUint64(d uint64) U128 {
	if d == 0 {
		return MaxU128
	}
	hi, rem := bits.Div64(0, a.Hi, d)
	lo, _ := bits.Div64(rem, a.Lo, d)
	return U128{Hi: hi, Lo: lo}
}

// AsSigned converts to I128, clamping to the signed maximum if a exceeds it.
func (a U128) AsSigned() I128 {
	if a.Hi>>63 != 0 {
		return MaxI128
	}
	return I128{mag: a, neg: false}
}

// Uint64 truncates to the low 64 bits, saturating if the high word is set.
func (a U128) Uint64() uint64 {
	if a.Hi != 0 {
		return ^uint64(0)
	}
	return a.Lo
}
