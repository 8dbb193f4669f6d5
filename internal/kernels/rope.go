package kernels

import "math"

// RopeTable caches the rotary cosine/sine pairs for one position. Layers
// and heads of the same step share it; it is only recomputed when the
// position changes.
type RopeTable struct {
	headSize  int
	m         Math
	pos       int
	valid     bool
	pairs     []float32
	refreshes int
	onRefresh func()
}

// NewRopeTable builds an empty table for the given (even) head size.
func NewRopeTable(headSize int, m Math) *RopeTable {
	if m == nil {
		m = Poly{}
	}
	return &RopeTable{headSize: headSize, m: m, pairs: make([]float32, headSize)}
}

// OnRefresh registers a hook called each time the table is recomputed.
func (r *RopeTable) OnRefresh(fn func()) { r.onRefresh = fn }

// At returns [cos0, sin0, cos1, sin1, ...] for pos. Entry i (even)
// belongs to the dimension pair (i, i+1) of every head.
func (r *RopeTable) At(pos int) []float32 {
	if r.valid && r.pos == pos {
		return r.pairs
	}
	for i := 0; i < r.headSize; i += 2 {
		freq := math.Pow(10000, -float64(i)/float64(r.headSize))
		val := float32(float64(pos) * freq)
		r.pairs[i] = r.m.Cos(val)
		r.pairs[i+1] = r.m.Sin(val)
	}
	r.pos, r.valid = pos, true
	r.refreshes++
	if r.onRefresh != nil {
		r.onRefresh()
	}
	return r.pairs
}

// Refreshes reports how many times the table was recomputed.
func (r *RopeTable) Refreshes() int { return r.refreshes }

// Invalidate forces the next At to recompute.
func (r *RopeTable) Invalidate() { r.valid = false }

// Rotate applies the cached rotation to the first n entries of vec in
// place, cycling through the table every head.
func Rotate(vec []float32, n int, table []float32) {
	hs := len(table)
	for i := 0; i < n; i += 2 {
		j := i % hs
		c, s := table[j], table[j+1]
		v0, v1 := vec[i], vec[i+1]
		vec[i] = v0*c - v1*s
		vec[i+1] = v0*s + v1*c
	}
}
