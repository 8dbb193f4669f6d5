// Package sampler picks the next token from a logits vector.
package sampler

// Rng is a 32-bit xorshift generator. The sequence for a given seed is
// fixed and must not change.
type Rng struct {
	state uint32
}

// NewRng seeds the generator. A zero seed would stick at zero, so it is
// replaced by 1.
func NewRng(seed uint32) *Rng {
	if seed == 0 {
		seed = 1
	}
	return &Rng{state: seed}
}

func (r *Rng) Uint32() uint32 {
	x := r.state
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	r.state = x
	return x
}

// Float32 returns a value in [0, 1) built from the top 24 bits.
func (r *Rng) Float32() float32 {
	return float32(r.Uint32()>>8) / 16777216.0
}
