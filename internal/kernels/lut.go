package kernels

import (
	"math"
	"sync"
)

var (
	lutOnce sync.Once
	lut     []uint16
)

// productTable returns the 64Ki entry table of 8x8-bit products, indexed
// by a<<8 | b.
func productTable() []uint16 {
	lutOnce.Do(func() {
		lut = make([]uint16, 1<<16)
		for a := 0; a < 256; a++ {
			for b := 0; b < 256; b++ {
				lut[a<<8|b] = uint16(a * b)
			}
		}
	})
	return lut
}

// MulLUT multiplies two floats using only table lookups, shifts and adds
// on the 24-bit mantissas. The result is truncated, so it may sit one unit
// in the last place below the correctly rounded product. Subnormal
// operands flush to zero.
func MulLUT(a, b float32) float32 {
	if a != a || b != b {
		return float32(math.NaN())
	}
	if a == 0 || b == 0 {
		if math.IsInf(float64(a), 0) || math.IsInf(float64(b), 0) {
			return float32(math.NaN())
		}
		return 0
	}
	if a == 1 {
		return b
	}
	if b == 1 {
		return a
	}

	ba, bb := math.Float32bits(a), math.Float32bits(b)
	sign := (ba ^ bb) & 0x80000000
	ea, eb := int32(ba>>23&0xff), int32(bb>>23&0xff)
	if ea == 0xff || eb == 0xff {
		return math.Float32frombits(sign | 0x7f800000)
	}
	if ea == 0 || eb == 0 {
		return 0
	}

	ma := ba&0x7fffff | 0x800000
	mb := bb&0x7fffff | 0x800000

	t := productTable()
	var p uint64
	for i := 0; i < 3; i++ {
		x := (ma >> (8 * i)) & 0xff
		for j := 0; j < 3; j++ {
			y := (mb >> (8 * j)) & 0xff
			p += uint64(t[x<<8|y]) << (8 * (i + j))
		}
	}

	e := ea + eb - 127
	if p&(1<<47) != 0 {
		p >>= 24
		e++
	} else {
		p >>= 23
	}
	if e >= 0xff {
		return math.Float32frombits(sign | 0x7f800000)
	}
	if e <= 0 {
		return math.Float32frombits(sign)
	}
	return math.Float32frombits(sign | uint32(e)<<23 | uint32(p)&0x7fffff)
}
