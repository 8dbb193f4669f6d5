// Package engine runs the transformer forward pass over weights and
// activations held in the expansion bank.
package engine

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-reu/internal/config"
	"github.com/23skdu/longbow-reu/internal/kernels"
	"github.com/23skdu/longbow-reu/internal/layout"
	"github.com/23skdu/longbow-reu/internal/logger"
	"github.com/23skdu/longbow-reu/internal/metrics"
	"github.com/23skdu/longbow-reu/internal/reu"
)

// headScratch is the local working set of one attention head.
type headScratch struct {
	q, k, v []float32 // head_size
	att     []float32 // seq_len
}

// Transformer is the single owner of the run state: the local activation
// vectors below and the paged buffers named by the layout. It is not safe
// for concurrent use.
type Transformer struct {
	cfg  config.Config
	lay  *layout.Layout
	mem  reu.Memory
	math kernels.Math
	rope *kernels.RopeTable
	log  *logger.Logger

	workers int

	x, xb, xb2 []float32 // dim
	hb, hb2    []float32 // hidden_dim
	stage      []float32 // dim, projection output before it goes to the bank
	norm       []float32 // dim, rmsnorm weights
	logits     []float32 // vocab
	rows       [][]float32
	heads      []headScratch

	pos  int
	last Step
}

// Step describes the most recent Forward call.
type Step struct {
	Pos       int
	Duration  time.Duration
	Transfers reu.Stats
}

type Option func(*Transformer)

// WithMath selects the scalar kernels. The default is kernels.Poly.
func WithMath(m kernels.Math) Option {
	return func(t *Transformer) { t.math = m }
}

// WithParallel spreads matrix rows and attention heads over n workers.
// n <= 0 uses one worker per CPU.
func WithParallel(n int) Option {
	return func(t *Transformer) {
		if n <= 0 {
			n = runtime.NumCPU()
		}
		t.workers = n
	}
}

// New binds a transformer to a laid-out bank. The weights must already be
// in place.
func New(lay *layout.Layout, mem reu.Memory, opts ...Option) (*Transformer, error) {
	if lay == nil || mem == nil {
		return nil, fmt.Errorf("engine: layout and memory are required")
	}
	if int64(lay.End) > int64(mem.Size()) {
		return nil, fmt.Errorf("%w: layout ends at %s, bank holds %d bytes", layout.ErrAddressSpace, lay.End, mem.Size())
	}
	cfg := lay.Config
	t := &Transformer{
		cfg:     cfg,
		lay:     lay,
		mem:     mem,
		math:    kernels.Poly{},
		workers: 1,
		log:     logger.Log.With("engine"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.rope = kernels.NewRopeTable(cfg.HeadSize(), t.math)
	t.rope.OnRefresh(metrics.RecordRopeRefresh)

	t.x = make([]float32, cfg.Dim)
	t.xb = make([]float32, cfg.Dim)
	t.xb2 = make([]float32, cfg.Dim)
	t.hb = make([]float32, cfg.HiddenDim)
	t.hb2 = make([]float32, cfg.HiddenDim)
	t.stage = make([]float32, cfg.Dim)
	t.norm = make([]float32, cfg.Dim)
	t.logits = make([]float32, cfg.VocabSize)

	width := cfg.Dim
	if cfg.HiddenDim > width {
		width = cfg.HiddenDim
	}
	t.rows = make([][]float32, t.workers)
	for i := range t.rows {
		t.rows[i] = make([]float32, width)
	}
	hs := cfg.HeadSize()
	t.heads = make([]headScratch, cfg.Heads)
	for h := range t.heads {
		t.heads[h] = headScratch{
			q:   make([]float32, hs),
			k:   make([]float32, hs),
			v:   make([]float32, hs),
			att: make([]float32, cfg.SeqLen),
		}
	}

	t.log.Debug("transformer ready",
		"config", cfg.String(),
		"workers", t.workers,
		"local_floats", lay.LocalFloats(),
		"first_free", lay.End.String(),
	)
	return t, nil
}

func (t *Transformer) Config() config.Config { return t.cfg }

func (t *Transformer) Layout() *layout.Layout { return t.lay }

// Position is the next position Forward expects.
func (t *Transformer) Position() int { return t.pos }

// Reset starts a new sequence. Cache slots are overwritten, never cleared.
func (t *Transformer) Reset() {
	t.pos = 0
	t.rope.Invalidate()
}

// LastStep reports timing and transfer counts of the latest Forward.
func (t *Transformer) LastStep() Step { return t.last }

// Forward runs one token at pos and returns the logits. The slice is owned
// by the transformer and overwritten by the next call. pos may repeat or
// rewind an earlier position but not skip ahead, since attention reads every
// cache slot up to pos.
func (t *Transformer) Forward(token, pos int) []float32 {
	cfg := t.cfg
	if token < 0 || token >= cfg.VocabSize {
		panic(fmt.Sprintf("engine: token %d out of range [0,%d)", token, cfg.VocabSize))
	}
	if pos < 0 || pos >= cfg.SeqLen || pos > t.pos {
		panic(fmt.Sprintf("engine: position %d invalid (next %d, seq_len %d)", pos, t.pos, cfg.SeqLen))
	}
	start := time.Now()
	before := t.mem.Stats()

	reu.GetF(t.mem, t.lay.Embedding(token), t.x)
	table := t.rope.At(pos)

	for l := 0; l < cfg.Layers; l++ {
		lw := t.lay.Layer(l)

		t.rmsnorm(t.xb, t.x, lw.RMSAtt)

		t.matmul(t.stage, t.xb, lw.WQ)
		kernels.Rotate(t.stage, cfg.Dim, table)
		reu.PutF(t.mem, t.lay.Run.Q, t.stage)

		kv := t.stage[:cfg.KVDim()]
		t.matmul(kv, t.xb, lw.WK)
		kernels.Rotate(kv, len(kv), table)
		reu.PutF(t.mem, t.lay.KeyAt(l, pos), kv)

		t.matmul(kv, t.xb, lw.WV)
		reu.PutF(t.mem, t.lay.ValueAt(l, pos), kv)

		t.attention(l, pos)

		t.matmul(t.xb2, t.xb, lw.WO)
		kernels.Accum(t.x, t.xb2)

		t.rmsnorm(t.xb, t.x, lw.RMSFFN)
		t.matmul(t.hb, t.xb, lw.W1)
		t.matmul(t.hb2, t.xb, lw.W3)
		kernels.SwiGLU(t.hb, t.hb2, t.math)
		t.matmul(t.xb, t.hb, lw.W2)
		kernels.Accum(t.x, t.xb)
	}

	t.rmsnorm(t.x, t.x, t.lay.Weights.RMSFinal)
	t.matmul(t.logits, t.x, t.lay.Weights.WCLS)

	t.pos = pos + 1
	t.last = Step{Pos: pos, Duration: time.Since(start), Transfers: t.mem.Stats().Sub(before)}
	metrics.RecordForward(t.last.Duration, t.last.Transfers.Transfers())
	return t.logits
}

// rmsnorm fetches the norm weights in one transfer and normalizes x into o.
func (t *Transformer) rmsnorm(o, x []float32, w reu.Handle) {
	reu.GetF(t.mem, w, t.norm)
	kernels.RMSNorm(o, x, t.norm)
}

// matmul computes out = W x for a row-major W of len(out) rows and len(x)
// columns, reading each row in a single transfer.
func (t *Transformer) matmul(out, x []float32, w reu.Handle) {
	n := len(x)
	d := len(out)
	if w.Len != d*n {
		panic(fmt.Sprintf("engine: matmul of %dx%d against handle of %d", d, n, w.Len))
	}
	t.parallel(d, func(worker, lo, hi int) {
		row := t.rows[worker][:n]
		for i := lo; i < hi; i++ {
			reu.GetF(t.mem, w.Row(i, n), row)
			out[i] = t.math.Dot(row, x)
		}
	})
}

// attention fills xb with the attention output of every head at pos.
func (t *Transformer) attention(layer, pos int) {
	cfg := t.cfg
	hs := cfg.HeadSize()
	kvMul := cfg.KVMul()
	scale := float32(math.Sqrt(float64(hs)))

	t.parallel(cfg.Heads, func(_, lo, hi int) {
		for h := lo; h < hi; h++ {
			s := t.heads[h]
			kvOff := (h / kvMul) * hs
			att := s.att[:pos+1]

			reu.GetF(t.mem, t.lay.Run.Q.Slice(h*hs, hs), s.q)
			for ts := 0; ts <= pos; ts++ {
				reu.GetF(t.mem, t.lay.KeyAt(layer, ts).Slice(kvOff, hs), s.k)
				att[ts] = t.math.Dot(s.q, s.k) / scale
			}
			kernels.Softmax(att, t.math)
			reu.PutF(t.mem, t.lay.AttScores(h, pos+1), att)

			out := t.xb[h*hs : (h+1)*hs]
			clear(out)
			for ts := 0; ts <= pos; ts++ {
				reu.GetF(t.mem, t.lay.ValueAt(layer, ts).Slice(kvOff, hs), s.v)
				kernels.AXPY(out, att[ts], s.v)
			}
		}
	})
}

// workerPanic carries a recovered panic value (usually a reu.Fault) back to
// the calling goroutine.
type workerPanic struct{ v interface{} }

func (p workerPanic) Error() string { return fmt.Sprintf("engine: worker panic: %v", p.v) }

// parallel splits [0,n) into contiguous chunks, one per worker. Every
// chunk writes a disjoint range, and all chunks finish before it returns.
func (t *Transformer) parallel(n int, fn func(worker, lo, hi int)) {
	if t.workers <= 1 || n < 2 {
		fn(0, 0, n)
		return
	}
	workers := t.workers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		worker := w
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = workerPanic{r}
				}
			}()
			fn(worker, lo, hi)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if p, ok := err.(workerPanic); ok {
			panic(p.v)
		}
		panic(err)
	}
}
