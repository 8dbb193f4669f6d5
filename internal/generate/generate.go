// Package generate drives prompt encoding, the forward pass and sampling to
// produce text.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/longbow-reu/internal/engine"
	"github.com/23skdu/longbow-reu/internal/logger"
	"github.com/23skdu/longbow-reu/internal/metrics"
	"github.com/23skdu/longbow-reu/internal/sampler"
	"github.com/23skdu/longbow-reu/internal/tokenizer"
)

// ErrNoPromptTokens is returned when the prompt encodes to nothing.
var ErrNoPromptTokens = errors.New("prompt produced no tokens")

type Generator struct {
	Model   *engine.Transformer
	Vocab   *tokenizer.Vocabulary
	Sampler *sampler.Sampler

	// OnStep, when set, is called after every forward pass.
	OnStep func(pos int, step engine.Step)

	log *logger.Logger
}

func New(model *engine.Transformer, vocab *tokenizer.Vocabulary, s *sampler.Sampler) *Generator {
	return &Generator{Model: model, Vocab: vocab, Sampler: s, log: logger.Log.With("generate")}
}

// Result is the outcome of one Run. Tokens holds every token accepted after
// the first, prompt tokens included; Pieces holds their decoded text.
type Result struct {
	Tokens       []int
	Pieces       []string
	PromptTokens int
	Sampled      int
	Elapsed      time.Duration
}

func (r Result) Text() string {
	n := 0
	for _, p := range r.Pieces {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range r.Pieces {
		b = append(b, p...)
	}
	return string(b)
}

func (r Result) TokensPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(len(r.Tokens)) / r.Elapsed.Seconds()
}

// Run generates up to steps positions from prompt, writing printable pieces
// to sink as they are produced. steps of zero or beyond the model's
// sequence length means the full sequence. Generation ends early when BOS
// is sampled.
func (g *Generator) Run(ctx context.Context, prompt string, steps int, sink io.Writer) (Result, error) {
	if g.log == nil {
		g.log = logger.Log.With("generate")
	}
	tokens, err := g.Vocab.Encode(prompt, true, false)
	if err != nil {
		metrics.RecordValidationError("generate", "encode")
		return Result{}, err
	}
	if len(tokens) == 0 {
		return Result{}, ErrNoPromptTokens
	}
	seqLen := g.Model.Config().SeqLen
	if steps <= 0 || steps > seqLen {
		steps = seqLen
	}
	g.Model.Reset()
	res := Result{PromptTokens: len(tokens)}
	start := time.Now()
	token := tokens[0]

	for pos := 0; pos < steps; pos++ {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		logits := g.Model.Forward(token, pos)

		var next int
		forced := pos < len(tokens)-1
		if forced {
			next = tokens[pos+1]
		} else {
			next = g.Sampler.Sample(logits)
			res.Sampled++
		}
		metrics.RecordToken(forced)

		step := g.Model.LastStep()
		if g.OnStep != nil {
			g.OnStep(pos, step)
		}
		g.log.Debug("step",
			"pos", pos,
			"token", token,
			"next", next,
			"forced", forced,
			"transfers", step.Transfers.Transfers(),
			"duration", step.Duration,
		)
		if next == tokenizer.BOS {
			break
		}

		piece := g.Vocab.Decode(token, next)
		res.Tokens = append(res.Tokens, next)
		res.Pieces = append(res.Pieces, piece)
		if sink != nil && tokenizer.IsPrintable(piece) {
			if _, err := io.WriteString(sink, piece); err != nil {
				res.Elapsed = time.Since(start)
				return res, fmt.Errorf("write output: %w", err)
			}
		}
		token = next
	}

	res.Elapsed = time.Since(start)
	metrics.RecordGeneration(res.Sampled, res.Elapsed)
	g.log.Info("generation finished",
		"prompt_tokens", res.PromptTokens,
		"tokens", len(res.Tokens),
		"sampled", res.Sampled,
		"elapsed", res.Elapsed,
		"tok_per_sec", res.TokensPerSecond(),
	)
	return res, nil
}
