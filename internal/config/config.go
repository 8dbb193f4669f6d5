package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// MaxField is the largest value a configuration field may take. The
// platform stores every dimension in an unsigned 16-bit word.
const MaxField = 0xFFFF

var ErrInvalidConfig = errors.New("invalid model config")

// Config holds the model hyperparameters. It is immutable once loaded.
type Config struct {
	Dim           int
	HiddenDim     int
	Layers        int
	Heads         int
	KVHeads       int
	VocabSize     int
	SeqLen        int
	SharedWeights bool
}

func (c Config) HeadSize() int { return c.Dim / c.Heads }

func (c Config) KVDim() int { return c.Dim * c.KVHeads / c.Heads }

// KVMul is the number of query heads sharing one key/value head.
func (c Config) KVMul() int { return c.Heads / c.KVHeads }

func (c Config) String() string {
	return fmt.Sprintf("dim=%d hidden=%d layers=%d heads=%d kv_heads=%d vocab=%d seq_len=%d shared=%t",
		c.Dim, c.HiddenDim, c.Layers, c.Heads, c.KVHeads, c.VocabSize, c.SeqLen, c.SharedWeights)
}

func (c Config) Validate() error {
	fields := []struct {
		name string
		v    int
	}{
		{"dim", c.Dim},
		{"hidden_dim", c.HiddenDim},
		{"layers", c.Layers},
		{"heads", c.Heads},
		{"kv_heads", c.KVHeads},
		{"vocab_size", c.VocabSize},
		{"seq_len", c.SeqLen},
	}
	for _, f := range fields {
		if f.v <= 0 {
			return fmt.Errorf("%w: %s %d (must be positive)", ErrInvalidConfig, f.name, f.v)
		}
		if f.v > MaxField {
			return fmt.Errorf("%w: %s %d (exceeds %d)", ErrInvalidConfig, f.name, f.v, MaxField)
		}
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("%w: kv_heads %d (must be <= heads %d)", ErrInvalidConfig, c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("%w: kv_heads %d does not divide heads %d", ErrInvalidConfig, c.KVHeads, c.Heads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("%w: dim %d not divisible by heads %d", ErrInvalidConfig, c.Dim, c.Heads)
	}
	if c.HeadSize()%2 != 0 {
		return fmt.Errorf("%w: head size %d must be even", ErrInvalidConfig, c.HeadSize())
	}
	return nil
}

// ReadCheckpointHeader decodes the seven little-endian int32 words that
// open a llama2.c checkpoint. A negative vocabulary size marks a separate
// classifier matrix.
func ReadCheckpointHeader(r io.Reader) (Config, error) {
	var h [7]int32
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Config{}, fmt.Errorf("read checkpoint header: %w", err)
	}
	c := Config{
		Dim:           int(h[0]),
		HiddenDim:     int(h[1]),
		Layers:        int(h[2]),
		Heads:         int(h[3]),
		KVHeads:       int(h[4]),
		VocabSize:     int(h[5]),
		SeqLen:        int(h[6]),
		SharedWeights: h[5] > 0,
	}
	if c.VocabSize < 0 {
		c.VocabSize = -c.VocabSize
	}
	return c, c.Validate()
}

// CheckpointHeaderSize is the byte length of the llama2.c header.
const CheckpointHeaderSize = 7 * 4

// WriteCheckpointHeader is the inverse of ReadCheckpointHeader.
func WriteCheckpointHeader(w io.Writer, c Config) error {
	vocab := int32(c.VocabSize)
	if !c.SharedWeights {
		vocab = -vocab
	}
	h := [7]int32{int32(c.Dim), int32(c.HiddenDim), int32(c.Layers), int32(c.Heads), int32(c.KVHeads), vocab, int32(c.SeqLen)}
	return binary.Write(w, binary.LittleEndian, h)
}

// CompactSize is the byte length of the platform config.bin record.
const CompactSize = 8 * 2

// ReadCompact decodes a platform config.bin: eight little-endian uint16
// words.
func ReadCompact(r io.Reader) (Config, error) {
	var h [8]uint16
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Config{}, fmt.Errorf("read config.bin: %w", err)
	}
	c := Config{
		Dim:           int(h[0]),
		HiddenDim:     int(h[1]),
		Layers:        int(h[2]),
		Heads:         int(h[3]),
		KVHeads:       int(h[4]),
		VocabSize:     int(h[5]),
		SeqLen:        int(h[6]),
		SharedWeights: h[7] != 0,
	}
	return c, c.Validate()
}

func WriteCompact(w io.Writer, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var shared uint16
	if c.SharedWeights {
		shared = 1
	}
	h := [8]uint16{
		uint16(c.Dim), uint16(c.HiddenDim), uint16(c.Layers), uint16(c.Heads),
		uint16(c.KVHeads), uint16(c.VocabSize), uint16(c.SeqLen), shared,
	}
	return binary.Write(w, binary.LittleEndian, h)
}

// RunConfig holds the knobs of a single generation run.
type RunConfig struct {
	Temperature float32
	TopP        float32
	Seed        uint32
	Steps       int
	Prompt      string

	Math            string
	Parallel        bool
	BankSize        int
	TransferLatency time.Duration

	MetricsAddr string
	GRPCAddr    string
}

// DefaultBankSize is the full 24-bit expansion address space.
const DefaultBankSize = 1 << 24

func DefaultRun() RunConfig {
	return RunConfig{
		Temperature: 1.0,
		TopP:        0.9,
		Seed:        1,
		Steps:       256,
		Math:        "poly",
		BankSize:    DefaultBankSize,
	}
}

// Sanitize clamps out-of-range values to usable ones.
func (r *RunConfig) Sanitize() {
	if r.Temperature < 0 {
		r.Temperature = 0
	}
	if r.TopP < 0 || r.TopP > 1 {
		r.TopP = 0.9
	}
	if r.Steps < 0 {
		r.Steps = 0
	}
	if r.Seed == 0 {
		r.Seed = 1
	}
	r.Math = strings.ToLower(r.Math)
	switch r.Math {
	case "native", "lut":
	default:
		r.Math = "poly"
	}
	if r.BankSize <= 0 || r.BankSize > DefaultBankSize {
		r.BankSize = DefaultBankSize
	}
}
