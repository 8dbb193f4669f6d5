// Package layout assigns every weight tensor and paged run-state buffer an
// address in the expansion bank.
package layout

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/23skdu/longbow-reu/internal/config"
	"github.com/23skdu/longbow-reu/internal/metrics"
	"github.com/23skdu/longbow-reu/internal/reu"
)

var ErrAddressSpace = errors.New("layout exceeds address space")

const floatBytes = 4

// Weights locates the checkpoint tensors. Per-layer tensors are stored
// kind by kind: all layers of RMSAtt, then all layers of WQ, and so on.
type Weights struct {
	TokenEmbedding reu.Handle // (vocab, dim)
	RMSAtt         reu.Handle // (layer, dim)
	WQ             reu.Handle // (layer, dim, dim)
	WK             reu.Handle // (layer, kv_dim, dim)
	WV             reu.Handle // (layer, kv_dim, dim)
	WO             reu.Handle // (layer, dim, dim)
	RMSFFN         reu.Handle // (layer, dim)
	W1             reu.Handle // (layer, hidden, dim)
	W2             reu.Handle // (layer, dim, hidden)
	W3             reu.Handle // (layer, hidden, dim)
	RMSFinal       reu.Handle // (dim)
	FreqCIS        reu.Handle // legacy rotary tables, never read
	WCLS           reu.Handle // (vocab, dim); TokenEmbedding when shared
}

// LayerWeights is the slice of Weights belonging to one layer.
type LayerWeights struct {
	RMSAtt, WQ, WK, WV, WO, RMSFFN, W1, W2, W3 reu.Handle
}

// RunState locates the paged activation buffers.
type RunState struct {
	Q          reu.Handle // (dim)
	KeyCache   reu.Handle // (layer, seq_len, kv_dim)
	ValueCache reu.Handle // (layer, seq_len, kv_dim)
	Att        reu.Handle // (heads, seq_len)
}

type Layout struct {
	Config     config.Config
	Base       reu.Addr
	Weights    Weights
	Run        RunState
	WeightsEnd reu.Addr
	End        reu.Addr
}

// cursor hands out consecutive regions, tracking the total in 64 bits so a
// product of two 16-bit dimensions cannot wrap.
type cursor struct {
	at    uint64
	limit uint64
	err   error
}

func (c *cursor) take(name string, elems ...int) reu.Handle {
	n := uint64(1)
	for _, e := range elems {
		n *= uint64(e)
	}
	start := c.at
	c.at += n * floatBytes
	if c.err == nil && c.at > c.limit {
		c.err = fmt.Errorf("%w: %s ends at %#x, bank holds %#x", ErrAddressSpace, name, c.at, c.limit)
	}
	if c.err != nil {
		return reu.Handle{}
	}
	return reu.Handle{Base: reu.Addr(start), Len: int(n)}
}

// Compute lays out the weights starting at base, followed by the paged run
// state. bankSize bounds the result; it is clamped to the 24-bit address
// space.
func Compute(cfg config.Config, base reu.Addr, bankSize int) (*Layout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limit := uint64(reu.MaxSize)
	if bankSize > 0 && uint64(bankSize) < limit {
		limit = uint64(bankSize)
	}

	var (
		dim    = cfg.Dim
		hidden = cfg.HiddenDim
		layers = cfg.Layers
		kvDim  = cfg.KVDim()
		hs     = cfg.HeadSize()
		c      = &cursor{at: uint64(base), limit: limit}
		w      Weights
	)

	w.TokenEmbedding = c.take("token_embedding", cfg.VocabSize, dim)
	w.RMSAtt = c.take("rms_att", layers, dim)
	w.WQ = c.take("wq", layers, dim, dim)
	w.WK = c.take("wk", layers, kvDim, dim)
	w.WV = c.take("wv", layers, kvDim, dim)
	w.WO = c.take("wo", layers, dim, dim)
	w.RMSFFN = c.take("rms_ffn", layers, dim)
	w.W1 = c.take("w1", layers, hidden, dim)
	w.W2 = c.take("w2", layers, dim, hidden)
	w.W3 = c.take("w3", layers, hidden, dim)
	w.RMSFinal = c.take("rms_final", dim)
	w.FreqCIS = c.take("freq_cis", 2, cfg.SeqLen, hs/2)
	if cfg.SharedWeights {
		w.WCLS = w.TokenEmbedding
	} else {
		w.WCLS = c.take("wcls", cfg.VocabSize, dim)
	}
	weightsEnd := c.at

	var run RunState
	run.Q = c.take("q", dim)
	run.KeyCache = c.take("key_cache", layers, cfg.SeqLen, kvDim)
	run.ValueCache = c.take("value_cache", layers, cfg.SeqLen, kvDim)
	run.Att = c.take("att", cfg.Heads, cfg.SeqLen)

	if c.err != nil {
		metrics.RecordValidationError("layout", "address_space")
		return nil, c.err
	}

	l := &Layout{
		Config:     cfg,
		Base:       base,
		Weights:    w,
		Run:        run,
		WeightsEnd: reu.Addr(weightsEnd),
		End:        reu.Addr(c.at),
	}
	metrics.RecordLayout(l.WeightBytes(), uint32(l.End))
	return l, nil
}

// WeightBytes is the length of the weight region, i.e. the size of a raw
// weights file for this config.
func (l *Layout) WeightBytes() uint32 { return uint32(l.WeightsEnd - l.Base) }

// LocalFloats is the number of float32 values the engine keeps outside the
// bank: x, xb, xb2, hb, hb2, logits and one row of scratch.
func (l *Layout) LocalFloats() int {
	c := l.Config
	row := c.Dim
	if c.HiddenDim > row {
		row = c.HiddenDim
	}
	return 3*c.Dim + 2*c.HiddenDim + c.VocabSize + row
}

func (l *Layout) Layer(i int) LayerWeights {
	c := l.Config
	kvDim := c.KVDim()
	w := l.Weights
	return LayerWeights{
		RMSAtt: w.RMSAtt.Row(i, c.Dim),
		WQ:     w.WQ.Row(i, c.Dim*c.Dim),
		WK:     w.WK.Row(i, kvDim*c.Dim),
		WV:     w.WV.Row(i, kvDim*c.Dim),
		WO:     w.WO.Row(i, c.Dim*c.Dim),
		RMSFFN: w.RMSFFN.Row(i, c.Dim),
		W1:     w.W1.Row(i, c.HiddenDim*c.Dim),
		W2:     w.W2.Row(i, c.Dim*c.HiddenDim),
		W3:     w.W3.Row(i, c.HiddenDim*c.Dim),
	}
}

// Embedding is the row of the token embedding table for token.
func (l *Layout) Embedding(token int) reu.Handle {
	return l.Weights.TokenEmbedding.Row(token, l.Config.Dim)
}

// KeyAt is the key cache slot for (layer, pos).
func (l *Layout) KeyAt(layer, pos int) reu.Handle {
	return l.Run.KeyCache.Row(layer*l.Config.SeqLen+pos, l.Config.KVDim())
}

// ValueAt is the value cache slot for (layer, pos).
func (l *Layout) ValueAt(layer, pos int) reu.Handle {
	return l.Run.ValueCache.Row(layer*l.Config.SeqLen+pos, l.Config.KVDim())
}

// AttScores is the first n attention scores of head h.
func (l *Layout) AttScores(h, n int) reu.Handle {
	return l.Run.Att.Slice(h*l.Config.SeqLen, n)
}

// Region is a named entry of the layout table.
type Region struct {
	Name   string
	Handle reu.Handle
}

// Regions lists every tensor and buffer in address order. An aliased
// classifier is reported against the embedding table.
func (l *Layout) Regions() []Region {
	w, r := l.Weights, l.Run
	out := []Region{
		{"token_embedding", w.TokenEmbedding},
		{"rms_att", w.RMSAtt},
		{"wq", w.WQ},
		{"wk", w.WK},
		{"wv", w.WV},
		{"wo", w.WO},
		{"rms_ffn", w.RMSFFN},
		{"w1", w.W1},
		{"w2", w.W2},
		{"w3", w.W3},
		{"rms_final", w.RMSFinal},
		{"freq_cis", w.FreqCIS},
	}
	if !l.Config.SharedWeights {
		out = append(out, Region{"wcls", w.WCLS})
	}
	return append(out,
		Region{"q", r.Q},
		Region{"key_cache", r.KeyCache},
		Region{"value_cache", r.ValueCache},
		Region{"att", r.Att},
	)
}

// WriteTable prints the layout as an aligned table.
func (l *Layout) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "REGION\tSTART\tEND\tFLOATS\n")
	for _, r := range l.Regions() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.Name, r.Handle.Base, r.Handle.End(), r.Handle.Len)
	}
	if l.Config.SharedWeights {
		fmt.Fprintf(tw, "wcls\t= token_embedding\t\t\n")
	}
	fmt.Fprintf(tw, "weights end\t%s\t\t\n", l.WeightsEnd)
	fmt.Fprintf(tw, "first free\t%s\t\t\n", l.End)
	return tw.Flush()
}
