package sampler

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-reu/internal/kernels"
)

func TestRngSequence(t *testing.T) {
	tests := []struct {
		seed uint32
		want []float32
	}{
		{12345, []float32{0.776939, 0.395173, 0.655770, 0.455296, 0.167368}},
		{54321, []float32{0.290433, 0.403477, 0.802450, 0.735965, 0.858177}},
	}
	for _, tt := range tests {
		r := NewRng(tt.seed)
		got := make([]float32, len(tt.want))
		for i := range got {
			got[i] = r.Float32()
		}
		if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("seed %d (-want +got):\n%s", tt.seed, diff)
		}
	}
}

func TestRngZeroSeed(t *testing.T) {
	r := NewRng(0)
	if r.Uint32() == 0 {
		t.Error("zero seed must not lock the generator at zero")
	}
}

func TestRngRange(t *testing.T) {
	r := NewRng(7)
	for i := 0; i < 100000; i++ {
		if f := r.Float32(); f < 0 || f >= 1 {
			t.Fatalf("draw %d = %v outside [0,1)", i, f)
		}
	}
}

var fixtureLogits = []float32{0.1, 0.2, 0.3, 0.25, 0.15}

func TestSampleFixture(t *testing.T) {
	tests := []struct {
		temp float32
		seed uint32
		want int
	}{
		{0, 12345, 2},
		{0, 54321, 2},
		{1, 12345, 3},
		{1, 54321, 1},
		{0.5, 12345, 3},
		{0.5, 54321, 1},
	}
	for _, tt := range tests {
		s := New(len(fixtureLogits), tt.temp, 0, tt.seed)
		logits := append([]float32(nil), fixtureLogits...)
		if got := s.Sample(logits); got != tt.want {
			t.Errorf("temp %v seed %d: got %d, want %d", tt.temp, tt.seed, got, tt.want)
		}
	}
}

func TestSampleProbabilities(t *testing.T) {
	s := New(len(fixtureLogits), 1, 0, 1)
	logits := append([]float32(nil), fixtureLogits...)
	s.Sample(logits)
	want := []float32{0.1805, 0.1995, 0.2205, 0.2097, 0.1898}
	if diff := cmp.Diff(want, logits, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("softmax left in logits (-want +got):\n%s", diff)
	}
}

func TestGreedyIsArgmaxAndMonotone(t *testing.T) {
	logits := []float32{-1, 4, 2, 4, 0.5, 3.9}
	s := New(len(logits), 0, 0.9, 99)
	if s.Mode() != ModeGreedy {
		t.Fatalf("mode = %s", s.Mode())
	}
	base := s.Sample(append([]float32(nil), logits...))
	if base != 1 {
		t.Fatalf("greedy = %d, want first max 1", base)
	}
	transforms := map[string]func(float32) float32{
		"affine": func(x float32) float32 { return 3*x + 7 },
		"exp":    func(x float32) float32 { return float32(math.Exp(float64(x))) },
		"cube":   func(x float32) float32 { return x * x * x },
	}
	for name, f := range transforms {
		scaled := make([]float32, len(logits))
		for i, v := range logits {
			scaled[i] = f(v)
		}
		if got := s.Sample(scaled); got != base {
			t.Errorf("%s: greedy = %d, want %d", name, got, base)
		}
	}
}

func TestSampleMultFallsBackToLast(t *testing.T) {
	probs := []float32{0.2, 0.2, 0.2}
	if got := SampleMult(probs, 0.99); got != 2 {
		t.Errorf("got %d, want last index 2", got)
	}
	if got := SampleMult([]float32{0, 0, 0, 0}, 0); got != 3 {
		t.Errorf("all-zero probabilities: got %d, want 3", got)
	}
	if got := SampleMult([]float32{0.5, 0.5}, 0.49); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestSampleTopP(t *testing.T) {
	probs := []float32{0.1, 0.5, 0.1, 0.3}
	tests := []struct {
		coin float32
		want int
	}{
		{0, 1},
		{0.5, 1},
		{0.7, 3},
		{0.999, 3},
	}
	for _, tt := range tests {
		if got := SampleTopP(probs, 0.7, tt.coin, nil); got != tt.want {
			t.Errorf("coin %v: got %d, want %d", tt.coin, got, tt.want)
		}
	}
	if got := SampleTopP([]float32{1}, 0.5, 0.3, nil); got != 0 {
		t.Errorf("single token: got %d", got)
	}
	// Uniform mass below every cutoff falls back to argmax.
	if got := SampleTopP([]float32{0.25, 0.25, 0.25, 0.25}, 0.01, 0.5, nil); got != 0 {
		t.Errorf("cropped nucleus: got %d, want 0", got)
	}
}

func TestTopPNeverLeavesNucleus(t *testing.T) {
	logits := []float32{3, 2.5, 0, -1, -2, -3}
	s := New(len(logits), 1, 0.8, 2024, WithMath(kernels.Native{}))
	if s.Mode() != ModeTopP {
		t.Fatalf("mode = %s", s.Mode())
	}
	seen := map[int]int{}
	for i := 0; i < 2000; i++ {
		seen[s.Sample(append([]float32(nil), logits...))]++
	}
	for tok := range seen {
		if tok > 2 {
			t.Errorf("token %d sampled outside the nucleus (%v)", tok, seen)
		}
	}
	if seen[0] == 0 || seen[1] == 0 {
		t.Errorf("nucleus members never drawn: %v", seen)
	}
}

func TestModes(t *testing.T) {
	tests := []struct {
		temp, topp float32
		want       string
	}{
		{0, 0.9, ModeGreedy},
		{1, 0, ModeMultinomial},
		{1, 1, ModeMultinomial},
		{0.8, 0.95, ModeTopP},
	}
	for _, tt := range tests {
		if got := New(4, tt.temp, tt.topp, 1).Mode(); got != tt.want {
			t.Errorf("temp %v topp %v: mode %s, want %s", tt.temp, tt.topp, got, tt.want)
		}
	}
}
