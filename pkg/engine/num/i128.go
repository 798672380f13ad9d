package num

import (
	"encoding/binary"
	"fmt"
)

// I128 is a signed 128-bit integer stored as a magnitude plus sign bit.
// Sign-magnitude (rather than two's complement) sidesteps the single
// hazard that matters for this engine: the two's-complement minimum has
// no positive counterpart, so |x|, -x, and a bare cast to unsigned are
// all traps. Representing the minimum as {neg:true, mag:2^127} keeps it
// representable as data; only the two conversion helpers below are
// allowed to reason about it.
type I128 struct {
	mag U128
	neg bool // sign bit; mag == 0 is always stored with neg == false
}

// signBoundary is 2^127, the magnitude of I128's minimum value.
var signBoundary = U128{Hi: 1 << 63, Lo: 0}

var (
	ZeroI128 = I128{}
	MaxI128  = I128{mag: U128{Hi: 1<<63 - 1, Lo: ^uint64(0)}, neg: false}
	MinI128  = I128{mag: signBoundary, neg: true}
)

func NewI128(v int64) I128 {
	if v == 0 {
		return ZeroI128
	}
	if v < 0 {
		// v == math.MinInt64 overflows unary negation on int64; route
		// through uint64 arithmetic instead.
		return I128{mag: U128{Lo: uint64(-(v + 1)) + 1}, neg: true}
	}
	return I128{mag: U128{Lo: uint64(v)}, neg: false}
}

// FromParts reconstructs an I128 from its raw magnitude and sign,
// normalizing neg=false for a zero magnitude. Exported for serialization
// code (pkg/engine/storage) that cannot reach I128's unexported fields.
func FromParts(mag U128, neg bool) I128 {
	return I128{mag: mag, neg: neg && !mag.IsZero()}
}

// Parts returns a's raw magnitude and sign, the inverse of FromParts.
func (a I128) Parts() (U128, bool) { return a.mag, a.neg }

// GobEncode/GobDecode are hand-written because I128's fields are
// unexported (deliberately, to keep sign-magnitude construction behind
// the dedicated helpers above) — the encoding/gob package would
// otherwise silently drop them, since it only walks exported fields.
func (a I128) GobEncode() ([]byte, error) {
	buf := make([]byte, 17)
	binary.BigEndian.PutUint64(buf[0:8], a.mag.Hi)
	binary.BigEndian.PutUint64(buf[8:16], a.mag.Lo)
	if a.neg {
		buf[16] = 1
	}
	return buf, nil
}

func (a *I128) GobDecode(data []byte) error {
	if len(data) != 17 {
		return fmt.Errorf("num: invalid I128 gob encoding (want 17 bytes, got %d)", len(data))
	}
	mag := U128{Hi: binary.BigEndian.Uint64(data[0:8]), Lo: binary.BigEndian.Uint64(data[8:16])}
	*a = FromParts(mag, data[16] == 1)
	return nil
}

func (a I128) IsZero() bool { return a.mag.IsZero() }
func (a I128) IsNeg() bool  { return a.neg && !a.mag.IsZero() }
func (a I128) Sign() int {
	if a.mag.IsZero() {
		return 0
	}
	if a.neg {
		return -1
	}
	return 1
}

// IsMin reports whether a is exactly the signed minimum — the one value
// for which Neg and Abs require the dedicated helpers below.
func (a I128) IsMin() bool { return a.neg && a.mag.Equal(signBoundary) }

// Abs returns |a| as a U128. Safe even for MinI128 (unlike unary negation).
func (a I128) Abs() U128 { return a.mag }

// AbsSaturating returns |a| as an I128, saturating at MaxI128 for MinI128
// (whose true magnitude, 2^127, cannot be represented as a positive I128).
func (a I128) AbsSaturating() I128 {
	if a.IsMin() {
		return MaxI128
	}
	return I128{mag: a.mag, neg: false}
}

// Neg returns -a, saturating at MaxI128 for MinI128 (same reasoning as
// AbsSaturating: -MinI128 does not fit).
func (a I128) Neg() I128 {
	if a.mag.IsZero() {
		return a
	}
	if a.IsMin() {
		return MaxI128
	}
	return I128{mag: a.mag, neg: !a.neg}
}

// ToU128Checked is the dedicated helper for converting a signed value to
// unsigned. It is the only sanctioned path for MinI128 -> U128: the
// result is signBoundary (signed_max + 1), never computed via negation.
func (a I128) ToU128Checked() (U128, bool) {
	if a.IsMin() {
		return signBoundary, true
	}
	if a.neg && !a.mag.IsZero() {
		return U128{}, false
	}
	return a.mag, true
}

func (a I128) Cmp(b I128) int {
	switch {
	case a.Sign() != b.Sign():
		if a.Sign() < b.Sign() {
			return -1
		}
		return 1
	case a.neg:
		return b.mag.Cmp(a.mag) // both negative: larger magnitude is smaller
	default:
		return a.mag.Cmp(b.mag)
	}
}

func (a I128) LessThan(b I128) bool    { return a.Cmp(b) < 0 }
func (a I128) GreaterThan(b I128) bool { return a.Cmp(b) > 0 }
func (a I128) Equal(b I128) bool       { return a.Cmp(b) == 0 }

func (a I128) Max(b I128) I128 {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func (a I128) Min(b I128) I128 {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxZero returns max(a, 0) — the "positive part" used throughout
// the haircut and aggregate-maintenance logic.
func (a I128) MaxZero() I128 {
	if a.neg || a.mag.IsZero() {
		return ZeroI128
	}
	return a
}

// CheckedAdd returns (a+b, true), or (undefined, false) if the magnitude
// would exceed I128's representable range.
func (a I128) CheckedAdd(b I128) (I128, bool) {
	switch {
	case a.neg == b.neg:
		mag, ok := a.mag.CheckedAdd(b.mag)
		if !ok {
			return I128{}, false
		}
		if mag.Cmp(signBoundary) > 0 || (!a.neg && mag.Equal(signBoundary)) {
			return I128{}, false
		}
		return I128{mag: mag, neg: a.neg && !mag.IsZero()}, true
	case a.mag.Cmp(b.mag) >= 0:
		mag, _ := a.mag.CheckedSub(b.mag)
		return I128{mag: mag, neg: a.neg && !mag.IsZero()}, true
	default:
		mag, _ := b.mag.CheckedSub(a.mag)
		return I128{mag: mag, neg: b.neg && !mag.IsZero()}, true
	}
}

// Add saturates to Max/MinI128 on overflow.
func (a I128) Add(b I128) I128 {
	v, ok := a.CheckedAdd(b)
	if !ok {
		if a.neg {
			return MinI128
		}
		return MaxI128
	}
	return v
}

func (a I128) CheckedSub(b I128) (I128, bool) {
	return a.CheckedAdd(b.Neg())
}

func (a I128) Sub(b I128) I128 {
	if b.IsMin() {
		// b.Neg() saturates rather than reporting the true magnitude;
		// handle this one boundary case directly via unsigned arithmetic.
		if a.neg {
			return MinI128
		}
		return MaxI128
	}
	return a.Add(b.Neg())
}

// CheckedMul returns (a*b, true), or (undefined, false) on overflow. This
// is the multiplication callers MUST use for position x price, per the
// spec: silent saturation there would mask insolvency.
func (a I128) CheckedMul(b I128) (I128, bool) {
	magA, magB := a.mag, b.mag
	if a.IsMin() {
		magA = signBoundary
	}
	if b.IsMin() {
		magB = signBoundary
	}
	mag, ok := magA.CheckedMul(magB)
	if !ok {
		return I128{}, false
	}
	neg := a.Sign()*b.Sign() < 0
	if mag.Cmp(signBoundary) > 0 || (!neg && mag.Equal(signBoundary)) {
		return I128{}, false
	}
	return I128{mag: mag, neg: neg && !mag.IsZero()}, true
}

func (a I128) Mul(b I128) I128 {
	v, ok := a.CheckedMul(b)
	if !ok {
		if (a.Sign() < 0) != (b.Sign() < 0) {
			return MinI128
		}
		return MaxI128
	}
	return v
}

// MulDivTrunc computes trunc(a*b/d) with a 128-bit intermediate product,
// rounding toward zero. Overflow of the product saturates before
// dividing (matching the engine's saturating-by-default policy); use
// CheckedMul first wherever silent saturation would be unsafe.
func (a I128) MulDivTrunc(b I128, d int64) I128 {
	mag, ok := a.mag.CheckedMul(b.mag)
	if !ok {
		mag = MaxU128
	}
	dMag := U128{Lo: uint64(d)}
	negD := d < 0
	if d < 0 {
		dMag = U128{Lo: uint64(-d)}
	}
	q := mag.DivUint64(dMag.Lo)
	neg := (a.Sign()*b.Sign() < 0) != negD
	return I128{mag: q, neg: neg && !q.IsZero()}
}

// MulDivCeil computes ceil(a*b/d) for non-negative a, b, d. Used for fee
// computation, where ceiling division ensures any non-zero notional
// pays at least one unit of fee.
func MulDivCeil(a, b U128, d uint64) U128 {
	if d == 0 {
		return MaxU128
	}
	prod, ok := a.CheckedMul(b)
	if !ok {
		prod = MaxU128
	}
	q := prod.DivUint64(d)
	rem := prod.Sub(q.Mul(NewU128(d)))
	if !rem.IsZero() {
		q = q.Add(NewU128(1))
	}
	return q
}

// Int64 truncates to a plain int64, saturating at the 64-bit bounds.
func (a I128) Int64() int64 {
	if a.mag.Hi != 0 || a.mag.Lo > 1<<63 || (!a.neg && a.mag.Lo == 1<<63) {
		if a.neg {
			return -1 << 63
		}
		return 1<<63 - 1
	}
	if a.neg {
		return -int64(a.mag.Lo)
	}
	return int64(a.mag.Lo)
}
