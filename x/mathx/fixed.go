package mathx

// Q16 is an unsigned 32-bit fixed-point value with 16 fractional bits.
type Q16 uint32

// Q16One is 1.0 in Q16.
const Q16One Q16 = 1 << 16

// Q16Pi is pi rounded to Q16.
const Q16Pi Q16 = 205887

// ln(2) in Q1.31, used to turn log2 into a natural log.
const ln2Q31 = 0x58B90BFC

// IntToQ16 converts an integer to Q16. Values above 0xFFFF wrap.
func IntToQ16(v uint32) Q16 { return Q16(v << 16) }

// Int returns the integer part of q.
func (q Q16) Int() uint32 { return uint32(q) >> 16 }

// Q16Mul multiplies two Q16 values using a 64-bit intermediate.
func Q16Mul(a, b Q16) Q16 {
	return Q16((uint64(a) * uint64(b)) >> 16)
}

// Q16Div divides a by b. Both operands may be plain integers of the same
// scale; the quotient is Q16. Division by zero yields 0.
func Q16Div(a, b Q16) Q16 {
	if b == 0 {
		return 0
	}
	return Q16((uint64(a) << 16) / uint64(b))
}

// ISqrt returns floor(sqrt(v)).
func ISqrt(v uint32) uint32 {
	return uint32(isqrt64(uint64(v)))
}

// Q16Sqrt returns sqrt(x) rounded to nearest.
func Q16Sqrt(x Q16) Q16 {
	n := uint64(x) << 16
	r := isqrt64(n)
	// (r+0.5)^2 = r^2 + r + 0.25
	if n-r*r > r {
		r++
	}
	return Q16(r)
}

// Q16Log2 returns log2(x) rounded to nearest as a signed Q16 value.
// log2(0) is reported as 0.
func Q16Log2(x Q16) int32 {
	if x == 0 {
		return 0
	}
	// mantissa in Q30, result with one guard bit (Q17)
	var y int32
	v := uint64(x) << 14
	for v < 1<<30 {
		v <<= 1
		y -= 1 << 17
	}
	for v >= 2<<30 {
		v >>= 1
		y += 1 << 17
	}
	b := int32(1) << 16
	for i := 0; i < 17; i++ {
		v = (v * v) >> 30
		if v >= 2<<30 {
			v >>= 1
			y += b
		}
		b >>= 1
	}
	return (y + 1) >> 1
}

// Q16Log returns the natural logarithm of x as a signed Q16 value.
func Q16Log(x Q16) int32 {
	t := int64(Q16Log2(x)) * ln2Q31
	return int32((t + 1<<30) >> 31)
}

func isqrt64(v uint64) uint64 {
	var res uint64
	bit := uint64(1) << 62
	for bit > v {
		bit >>= 2
	}
	for bit != 0 {
		if v >= res+bit {
			v -= res + bit
			res = (res >> 1) + bit
		} else {
			res >>= 1
		}
		bit >>= 2
	}
	return res
}
