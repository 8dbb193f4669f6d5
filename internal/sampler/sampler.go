package sampler

import (
	"cmp"
	"slices"

	"github.com/23skdu/longbow-reu/internal/kernels"
	"github.com/23skdu/longbow-reu/internal/metrics"
)

const (
	ModeGreedy      = "greedy"
	ModeMultinomial = "multinomial"
	ModeTopP        = "topp"
)

// ProbIndex pairs a probability with its token id for nucleus sorting.
type ProbIndex struct {
	Prob  float32
	Index int
}

// Sampler owns its generator; it must not be shared between goroutines.
type Sampler struct {
	VocabSize   int
	Temperature float32
	TopP        float32

	rng   *Rng
	m     kernels.Math
	cands []ProbIndex
}

type Option func(*Sampler)

// WithMath selects the exponential used by the softmax.
func WithMath(m kernels.Math) Option {
	return func(s *Sampler) { s.m = m }
}

func New(vocabSize int, temperature, topP float32, seed uint32, opts ...Option) *Sampler {
	s := &Sampler{
		VocabSize:   vocabSize,
		Temperature: temperature,
		TopP:        topP,
		rng:         NewRng(seed),
		m:           kernels.Poly{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Mode() == ModeTopP {
		s.cands = make([]ProbIndex, vocabSize)
	}
	metrics.RecordSamplerTemperature(temperature)
	return s
}

// Mode names the decoding policy in effect.
func (s *Sampler) Mode() string {
	switch {
	case s.Temperature == 0:
		return ModeGreedy
	case s.TopP > 0 && s.TopP < 1:
		return ModeTopP
	default:
		return ModeMultinomial
	}
}

// Sample returns the next token. logits is overwritten with probabilities
// unless the sampler is greedy.
func (s *Sampler) Sample(logits []float32) int {
	logits = logits[:s.VocabSize]
	mode := s.Mode()
	metrics.RecordSample(mode)

	if mode == ModeGreedy {
		return kernels.ArgMax(logits)
	}
	for i := range logits {
		logits[i] /= s.Temperature
	}
	kernels.Softmax(logits, s.m)
	coin := s.rng.Float32()
	if mode == ModeTopP {
		return SampleTopP(logits, s.TopP, coin, s.cands)
	}
	return SampleMult(logits, coin)
}

// SampleMult returns the first index whose cumulative probability exceeds
// coin. Rounding shortfall lands on the last index.
func SampleMult(probs []float32, coin float32) int {
	var cdf float32
	for i, p := range probs {
		cdf += p
		if coin < cdf {
			return i
		}
	}
	return len(probs) - 1
}

// SampleTopP samples from the smallest prefix of the probability-sorted
// tokens whose mass exceeds topp. cands is scratch of at least len(probs)
// entries; nil allocates.
func SampleTopP(probs []float32, topp, coin float32, cands []ProbIndex) int {
	n := len(probs)
	if n == 1 {
		return 0
	}
	if len(cands) < n {
		cands = make([]ProbIndex, n)
	}

	// Tokens below the cutoff can never be part of the nucleus.
	cutoff := (1 - topp) / float32(n-1)
	n0 := 0
	for i, p := range probs {
		if p >= cutoff {
			cands[n0] = ProbIndex{Prob: p, Index: i}
			n0++
		}
	}
	if n0 == 0 {
		return kernels.ArgMax(probs)
	}
	c := cands[:n0]
	slices.SortStableFunc(c, func(a, b ProbIndex) int {
		return cmp.Compare(b.Prob, a.Prob)
	})

	var cum float32
	last := n0 - 1
	for i, pi := range c {
		cum += pi.Prob
		if cum > topp {
			last = i
			break
		}
	}

	r := coin * cum
	var cdf float32
	for _, pi := range c[:last+1] {
		cdf += pi.Prob
		if r < cdf {
			return pi.Index
		}
	}
	return c[last].Index
}
