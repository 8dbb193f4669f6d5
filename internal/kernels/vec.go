package kernels

import "math"

// Eps is added to the mean square before the inverse square root.
const Eps = 1e-5

// RMSNorm writes weight[i] * x[i] / sqrt(mean(x^2) + Eps) into o. o and x
// may alias.
func RMSNorm(o, x, weight []float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	ss /= float32(len(x))
	ss += Eps
	inv := float32(1 / math.Sqrt(float64(ss)))
	for i := range o {
		o[i] = weight[i] * (inv * x[i])
	}
}

// Softmax normalizes x in place after subtracting its maximum.
func Softmax(x []float32, m Math) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range x {
		e := m.Exp(v - max)
		x[i] = e
		sum += e
	}
	for i := range x {
		x[i] /= sum
	}
}

// SwiGLU computes hb[i] = silu(hb[i]) * hb2[i].
func SwiGLU(hb, hb2 []float32, m Math) {
	for i, v := range hb {
		hb[i] = v * (1 / (1 + m.Exp(-v))) * hb2[i]
	}
}

// Accum adds b into a.
func Accum(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

func Dot(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += v * b[i]
	}
	return s
}

// DotLUT is Dot with every product taken by MulLUT.
func DotLUT(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += MulLUT(v, b[i])
	}
	return s
}

// AXPY adds alpha*x into y.
func AXPY(y []float32, alpha float32, x []float32) {
	for i, v := range x {
		y[i] += alpha * v
	}
}

// ArgMax returns the index of the largest value; the first one on ties.
func ArgMax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
