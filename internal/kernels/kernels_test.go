package kernels

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSinCosAccuracy(t *testing.T) {
	for x := float32(-100); x <= 100; x += 0.0371 {
		if got, want := Sin(x), math.Sin(float64(x)); math.Abs(float64(got)-want) > 1e-4 {
			t.Fatalf("Sin(%v) = %v, want %v", x, got, want)
		}
		if got, want := Cos(x), math.Cos(float64(x)); math.Abs(float64(got)-want) > 1e-4 {
			t.Fatalf("Cos(%v) = %v, want %v", x, got, want)
		}
	}
}

func TestSinSmallArgument(t *testing.T) {
	tests := []float32{0, 1e-6, -1e-3, 0.25, -0.4999}
	for _, x := range tests {
		if got, want := Sin(x), math.Sin(float64(x)); math.Abs(float64(got)-want) > 5e-6 {
			t.Errorf("Sin(%v) = %v, want %v", x, got, want)
		}
	}
}

func TestExpAccuracy(t *testing.T) {
	for x := float32(-80); x <= 80; x += 0.173 {
		got := float64(Exp(x))
		want := math.Exp(float64(x))
		if math.Abs(got-want)/want > 1e-5 {
			t.Fatalf("Exp(%v) = %v, want %v", x, got, want)
		}
	}
}

func TestExpEdges(t *testing.T) {
	if Exp(0) != 1 {
		t.Errorf("Exp(0) = %v, want 1", Exp(0))
	}
	if Exp(-1000) != 0 {
		t.Errorf("Exp(-1000) = %v, want 0", Exp(-1000))
	}
	if !math.IsInf(float64(Exp(1000)), 1) {
		t.Errorf("Exp(1000) = %v, want +Inf", Exp(1000))
	}
	if Exp(float32(math.Inf(-1))) != 0 {
		t.Error("Exp(-Inf) should be 0")
	}
	if v := Exp(float32(math.NaN())); v == v {
		t.Error("Exp(NaN) should be NaN")
	}
}

func TestByName(t *testing.T) {
	tests := []struct {
		name string
		want Math
	}{
		{"poly", Poly{}},
		{"POLY", Poly{}},
		{"", Poly{}},
		{"native", Native{}},
		{"lut", LUT{}},
	}
	for _, tt := range tests {
		got, err := ByName(tt.name)
		if err != nil {
			t.Errorf("ByName(%q): %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ByName(%q) = %T, want %T", tt.name, got, tt.want)
		}
	}
	if _, err := ByName("cordic"); err == nil {
		t.Error("expected error for unknown math")
	}
}

func TestRopeTableCachesPerPosition(t *testing.T) {
	rt := NewRopeTable(8, Native{})
	calls := 0
	rt.OnRefresh(func() { calls++ })

	for layer := 0; layer < 6; layer++ {
		rt.At(3)
	}
	if rt.Refreshes() != 1 || calls != 1 {
		t.Fatalf("refreshes = %d (hook %d), want 1", rt.Refreshes(), calls)
	}

	tab := rt.At(3)
	want := make([]float32, 8)
	for j, val := range []float64{3, 0.3, 0.03, 0.003} {
		want[2*j] = float32(math.Cos(val))
		want[2*j+1] = float32(math.Sin(val))
	}
	if diff := cmp.Diff(want, tab, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("table at pos 3 (-want +got):\n%s", diff)
	}

	rt.At(4)
	rt.Invalidate()
	rt.At(4)
	if rt.Refreshes() != 3 {
		t.Errorf("refreshes = %d, want 3", rt.Refreshes())
	}
}

func TestRotate(t *testing.T) {
	rt := NewRopeTable(4, Poly{})

	vec := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	orig := append([]float32(nil), vec...)
	Rotate(vec, len(vec), rt.At(0))
	if diff := cmp.Diff(orig, vec, cmpopts.EquateApprox(1e-5, 1e-6)); diff != "" {
		t.Errorf("position 0 must be the identity (-want +got):\n%s", diff)
	}

	Rotate(vec, 4, rt.At(7))
	for i := 0; i < 4; i += 2 {
		n0 := orig[i]*orig[i] + orig[i+1]*orig[i+1]
		n1 := vec[i]*vec[i] + vec[i+1]*vec[i+1]
		if math.Abs(float64(n0-n1)) > 1e-3 {
			t.Errorf("pair %d norm changed %v -> %v", i, n0, n1)
		}
	}
	if diff := cmp.Diff(orig[4:], vec[4:]); diff != "" {
		t.Errorf("entries past n must be untouched (-want +got):\n%s", diff)
	}
	// The second head reuses the first head's table entries.
	w := []float32{1, 0, 1, 0, 1, 0, 1, 0}
	Rotate(w, 8, rt.At(7))
	if diff := cmp.Diff(w[:4], w[4:]); diff != "" {
		t.Errorf("heads rotated differently (-want +got):\n%s", diff)
	}
}

func TestMulLUT(t *testing.T) {
	seed := uint32(2463534242)
	next := func() float32 {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		return float32(seed>>8)/(1<<24)*200 - 100
	}
	for i := 0; i < 20000; i++ {
		a, b := next(), next()
		want := a * b
		got := MulLUT(a, b)
		if want == 0 || math.Abs(float64(want)) < 1e-30 {
			continue
		}
		d := int64(math.Float32bits(want)) - int64(math.Float32bits(got))
		if d < 0 || d > 1 {
			t.Fatalf("MulLUT(%v, %v) = %v, want %v (ulp diff %d)", a, b, got, want, d)
		}
	}
}

func TestMulLUTFastPaths(t *testing.T) {
	inf := float32(math.Inf(1))
	tests := []struct {
		name string
		a, b float32
		want float32
	}{
		{"zero left", 0, 3.5, 0},
		{"zero right", -2, 0, 0},
		{"one left", 1, -7.25, -7.25},
		{"one right", 0.3, 1, 0.3},
		{"powers of two", 0.5, 8, 4},
		{"negative", -3, 3, -9},
		{"inf", inf, -2, float32(math.Inf(-1))},
		{"overflow", 1e30, 1e30, inf},
		{"underflow", 1e-30, 1e-30, 0},
		{"subnormal", math.Float32frombits(1), 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MulLUT(tt.a, tt.b); got != tt.want {
				t.Errorf("MulLUT(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
	if v := MulLUT(0, inf); v == v {
		t.Error("0 * Inf should be NaN")
	}
	if v := MulLUT(float32(math.NaN()), 1); v == v {
		t.Error("NaN should propagate")
	}
}

func TestDotLUT(t *testing.T) {
	a := []float32{1, 2, 3, 0, -0.25}
	b := []float32{4, 5, 6, 9, 8}
	if got := DotLUT(a, b); got != 30 {
		t.Errorf("DotLUT of exact products = %v, want 30", got)
	}

	x := make([]float32, 64)
	y := make([]float32, 64)
	for i := range x {
		x[i] = Sin(float32(i)*0.7) * 0.5
		y[i] = Cos(float32(i)*1.3) * 0.5
	}
	want := Dot(x, y)
	for _, m := range []Math{LUT{}, Poly{}} {
		if got := m.Dot(x, y); math.Abs(float64(got-want)) > 1e-5 {
			t.Errorf("%T.Dot = %v, want %v", m, got, want)
		}
	}
}

func TestRMSNorm(t *testing.T) {
	x := []float32{1, -2, 3, -4}
	w := []float32{0.5, 1, 2, 1}
	o := make([]float32, 4)
	RMSNorm(o, x, w)

	inv := 1 / math.Sqrt((1+4+9+16)/4.0+1e-5)
	want := make([]float32, 4)
	for i := range x {
		want[i] = float32(float64(w[i]) * float64(x[i]) * inv)
	}
	if diff := cmp.Diff(want, o, cmpopts.EquateApprox(1e-5, 0)); diff != "" {
		t.Errorf("RMSNorm (-want +got):\n%s", diff)
	}

	ones := []float32{1, 1, 1, 1}
	RMSNorm(x, x, ones)
	var ms float64
	for _, v := range x {
		ms += float64(v * v)
	}
	if math.Abs(ms/4-1) > 1e-4 {
		t.Errorf("unit weight should give unit RMS, mean square %v", ms/4)
	}
}

func TestSoftmax(t *testing.T) {
	for _, m := range []Math{Poly{}, Native{}} {
		x := []float32{0.1, 2, -3, 0.5, 7}
		shifted := make([]float32, len(x))
		for i, v := range x {
			shifted[i] = v + 100
		}
		Softmax(x, m)
		Softmax(shifted, m)

		var sum float32
		for _, v := range x {
			sum += v
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("%T: sum = %v", m, sum)
		}
		if diff := cmp.Diff(x, shifted, cmpopts.EquateApprox(1e-4, 1e-7)); diff != "" {
			t.Errorf("%T: not shift invariant (-x +x+100):\n%s", m, diff)
		}
	}

	one := []float32{-42}
	Softmax(one, Poly{})
	if one[0] != 1 {
		t.Errorf("single element softmax = %v", one[0])
	}
	Softmax(nil, Poly{})
}

func TestSwiGLU(t *testing.T) {
	hb := []float32{-2, 0, 1, 3}
	hb2 := []float32{1, 5, 2, -1}
	SwiGLU(hb, hb2, Native{})
	want := make([]float32, 4)
	for i, v := range []float64{-2, 0, 1, 3} {
		want[i] = float32(v / (1 + math.Exp(-v)) * float64(hb2[i]))
	}
	if diff := cmp.Diff(want, hb, cmpopts.EquateApprox(1e-5, 0)); diff != "" {
		t.Errorf("SwiGLU (-want +got):\n%s", diff)
	}
}

func TestArgMaxFirstOnTies(t *testing.T) {
	tests := []struct {
		in   []float32
		want int
	}{
		{[]float32{1}, 0},
		{[]float32{3, 3, 3}, 0},
		{[]float32{0, 5, 1, 5}, 1},
		{[]float32{-3, -1, -2}, 1},
	}
	for _, tt := range tests {
		if got := ArgMax(tt.in); got != tt.want {
			t.Errorf("ArgMax(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDotAXPYAccum(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	if Dot(a, b) != 32 {
		t.Errorf("Dot = %v", Dot(a, b))
	}
	AXPY(a, 2, b)
	Accum(a, []float32{1, 1, 1})
	if diff := cmp.Diff([]float32{10, 13, 16}, a); diff != "" {
		t.Errorf("AXPY+Accum (-want +got):\n%s", diff)
	}
}
