// Package checkpoint moves model weights between llama2.c checkpoint files,
// the split config.bin/weights.bin pair, and the expansion bank.
//
// A llama2.c checkpoint is a seven word header followed by the weights in
// exactly the order of layout.Compute, so the body streams straight into the
// weight region without any reshuffling.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/23skdu/longbow-reu/internal/config"
	"github.com/23skdu/longbow-reu/internal/layout"
	"github.com/23skdu/longbow-reu/internal/logger"
	"github.com/23skdu/longbow-reu/internal/metrics"
	"github.com/23skdu/longbow-reu/internal/reu"
)

// ErrShortWeights reports a weight stream that ends before the weight
// region is full.
var ErrShortWeights = errors.New("weight data shorter than layout")

// Model is a configuration whose weights are resident in a bank.
type Model struct {
	Config config.Config
	Layout *layout.Layout
}

// Load reads a llama2.c checkpoint into mem, laying the weights out from
// base.
func Load(r io.Reader, mem reu.Memory, base reu.Addr) (*Model, error) {
	br := bufio.NewReader(r)
	cfg, err := config.ReadCheckpointHeader(br)
	if err != nil {
		metrics.RecordValidationError("checkpoint", "header")
		return nil, err
	}
	return load(cfg, br, mem, base)
}

// LoadSplit reads the compact config.bin and the headerless weights.bin.
func LoadSplit(cfgR, weightsR io.Reader, mem reu.Memory, base reu.Addr) (*Model, error) {
	cfg, err := config.ReadCompact(cfgR)
	if err != nil {
		metrics.RecordValidationError("checkpoint", "config")
		return nil, err
	}
	return load(cfg, bufio.NewReader(weightsR), mem, base)
}

func load(cfg config.Config, r io.Reader, mem reu.Memory, base reu.Addr) (*Model, error) {
	log := logger.Log.With("checkpoint")
	lay, err := layout.Compute(cfg, base, mem.Size())
	if err != nil {
		return nil, err
	}
	n := int64(lay.WeightBytes())
	if err := reu.Fill(mem, base, r, n, reu.DefaultChunk); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.RecordValidationError("checkpoint", "short_weights")
			return nil, fmt.Errorf("%w: want %d bytes: %v", ErrShortWeights, n, err)
		}
		return nil, err
	}
	log.Info("weights loaded",
		"config", cfg.String(),
		"bytes", n,
		"weights_end", lay.WeightsEnd.String(),
		"first_free", lay.End.String(),
	)
	return &Model{Config: cfg, Layout: lay}, nil
}

// Convert rewrites a llama2.c checkpoint as the compact config record and
// a raw weights file.
func Convert(checkpoint io.Reader, cfgW, weightsW io.Writer) (config.Config, error) {
	br := bufio.NewReader(checkpoint)
	cfg, err := config.ReadCheckpointHeader(br)
	if err != nil {
		return config.Config{}, err
	}
	lay, err := layout.Compute(cfg, 0, reu.MaxSize)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.WriteCompact(cfgW, cfg); err != nil {
		return config.Config{}, fmt.Errorf("write config: %w", err)
	}
	n := int64(lay.WeightBytes())
	copied, err := io.CopyN(weightsW, br, n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return config.Config{}, fmt.Errorf("%w: got %d of %d bytes", ErrShortWeights, copied, n)
		}
		return config.Config{}, fmt.Errorf("write weights: %w", err)
	}
	return cfg, nil
}

// Save writes the resident model back out as a llama2.c checkpoint.
func Save(w io.Writer, m *Model, mem reu.Memory) error {
	bw := bufio.NewWriter(w)
	if err := config.WriteCheckpointHeader(bw, m.Config); err != nil {
		return err
	}
	lay := m.Layout
	if err := reu.Drain(mem, lay.Base, bw, int64(lay.WeightBytes()), reu.DefaultChunk); err != nil {
		return err
	}
	return bw.Flush()
}
