package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/23skdu/longbow-reu/internal/checkpoint"
	"github.com/23skdu/longbow-reu/internal/config"
	"github.com/23skdu/longbow-reu/internal/engine"
	"github.com/23skdu/longbow-reu/internal/generate"
	"github.com/23skdu/longbow-reu/internal/kernels"
	"github.com/23skdu/longbow-reu/internal/logger"
	"github.com/23skdu/longbow-reu/internal/monitoring"
	"github.com/23skdu/longbow-reu/internal/reu"
	"github.com/23skdu/longbow-reu/internal/sampler"
	"github.com/23skdu/longbow-reu/internal/tokenizer"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate text from a prompt",
	RunE:  runGenerate,
}

func init() {
	def := config.DefaultRun()
	f := generateCmd.Flags()
	addModelFlags(f)
	f.StringP("tokenizer", "t", "tokenizer.bin", "tokenizer file")
	f.String("tokenizer-format", "llama2", "tokenizer format (llama2 or compact)")
	f.StringP("prompt", "p", "Once upon a time", "prompt text")
	f.Float32P("temperature", "T", def.Temperature, "sampling temperature, 0 for greedy")
	f.Float32("topp", def.TopP, "nucleus threshold, 0 or 1 disables")
	f.Uint32("seed", def.Seed, "sampler seed")
	f.IntP("steps", "n", def.Steps, "positions to run, 0 for the full sequence")
	f.String("math", def.Math, "scalar kernels (poly, native or lut)")
	f.Bool("parallel", false, "spread matrix rows and heads over CPUs")
	f.Int("workers", 0, "parallel workers, 0 for one per CPU")
	f.Int("bank-size", def.BankSize, "expansion bank size in bytes")
	f.Duration("latency", 0, "simulated delay per bank transfer")
	f.String("metrics-addr", "", "serve /metrics and /healthz on this address")
	f.String("grpc-addr", "", "serve the gRPC health service on this address")
}

func addModelFlags(f *pflag.FlagSet) {
	f.StringP("checkpoint", "m", "", "llama2.c checkpoint file")
	f.String("config", "", "compact config.bin, used with --weights")
	f.String("weights", "", "raw weights.bin, used with --config")
}

func runConfigFromFlags(f *pflag.FlagSet) (config.RunConfig, error) {
	run := config.DefaultRun()
	var errs []error
	get := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	run.Prompt, err = f.GetString("prompt")
	get(err)
	run.Temperature, err = f.GetFloat32("temperature")
	get(err)
	run.TopP, err = f.GetFloat32("topp")
	get(err)
	run.Seed, err = f.GetUint32("seed")
	get(err)
	run.Steps, err = f.GetInt("steps")
	get(err)
	run.Math, err = f.GetString("math")
	get(err)
	run.Parallel, err = f.GetBool("parallel")
	get(err)
	run.BankSize, err = f.GetInt("bank-size")
	get(err)
	run.TransferLatency, err = f.GetDuration("latency")
	get(err)
	run.MetricsAddr, err = f.GetString("metrics-addr")
	get(err)
	run.GRPCAddr, err = f.GetString("grpc-addr")
	get(err)
	if err := errors.Join(errs...); err != nil {
		return run, err
	}
	run.Sanitize()
	return run, nil
}

// loadModel fills mem from either a checkpoint or a config/weights pair.
func loadModel(f *pflag.FlagSet, mem reu.Memory) (*checkpoint.Model, error) {
	ckpt, _ := f.GetString("checkpoint")
	cfgPath, _ := f.GetString("config")
	weightsPath, _ := f.GetString("weights")

	switch {
	case cfgPath != "" && weightsPath != "":
		cf, err := os.Open(cfgPath)
		if err != nil {
			return nil, err
		}
		defer cf.Close()
		wf, err := os.Open(weightsPath)
		if err != nil {
			return nil, err
		}
		defer wf.Close()
		return checkpoint.LoadSplit(cf, wf, mem, 0)
	case ckpt != "":
		file, err := os.Open(ckpt)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return checkpoint.Load(file, mem, 0)
	}
	return nil, errors.New("either --checkpoint or both --config and --weights are required")
}

func loadVocab(f *pflag.FlagSet, vocabSize int) (*tokenizer.Vocabulary, error) {
	path, _ := f.GetString("tokenizer")
	format, _ := f.GetString("tokenizer-format")
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var v *tokenizer.Vocabulary
	switch format {
	case "llama2":
		v, err = tokenizer.ReadLlama2(file, vocabSize)
	case "compact":
		v, err = tokenizer.ReadCompact(file)
	default:
		return nil, fmt.Errorf("unknown tokenizer format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if v.Size() != vocabSize {
		return nil, fmt.Errorf("tokenizer has %d entries, model expects %d", v.Size(), vocabSize)
	}
	return v, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	run, err := runConfigFromFlags(flags)
	if err != nil {
		return err
	}
	log := logger.Log.With("cli")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bank, err := reu.NewExpansion(nil, run.BankSize, reu.WithName("reu"), reu.WithLatency(run.TransferLatency))
	if err != nil {
		return err
	}
	defer bank.Release()

	model, err := loadModel(flags, bank)
	if err != nil {
		return err
	}
	cfg := model.Config
	vocab, err := loadVocab(flags, cfg.VocabSize)
	if err != nil {
		return err
	}

	m, err := kernels.ByName(run.Math)
	if err != nil {
		return err
	}
	opts := []engine.Option{engine.WithMath(m)}
	if run.Parallel {
		workers, _ := flags.GetInt("workers")
		opts = append(opts, engine.WithParallel(workers))
	}
	tr, err := engine.New(model.Layout, bank, opts...)
	if err != nil {
		return err
	}
	samp := sampler.New(cfg.VocabSize, run.Temperature, run.TopP, run.Seed, sampler.WithMath(m))

	mon := monitoring.New(run.MetricsAddr, run.GRPCAddr)
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mon.Shutdown(sctx); err != nil {
			log.Warn("monitor shutdown", "error", err)
		}
	}()
	mon.SetModel(monitoring.ModelInfo{
		Config:      cfg.String(),
		Layers:      cfg.Layers,
		Heads:       cfg.Heads,
		SeqLen:      cfg.SeqLen,
		VocabSize:   cfg.VocabSize,
		WeightBytes: model.Layout.WeightBytes(),
		FirstFree:   model.Layout.End.String(),
		Bank:        bank.Name(),
		BankBytes:   bank.Size(),
	})

	steps := run.Steps
	if steps <= 0 || steps > cfg.SeqLen {
		steps = cfg.SeqLen
	}
	mon.Begin(steps)
	colorf(stdout, "[bold][cyan]reu[reset] %s [dark_gray]weights %d bytes, first free %s, sampler %s[reset]\n",
		cfg.String(), model.Layout.WeightBytes(), model.Layout.End, samp.Mode())

	gen := generate.New(tr, vocab, samp)
	gen.OnStep = func(pos int, step engine.Step) {
		mon.RecordStep(pos, step.Transfers.Transfers(), step.Duration)
	}
	res, err := gen.Run(ctx, run.Prompt, steps, stdout)
	mon.Finish(err)
	if err != nil {
		return err
	}
	colorf(stdout, "\n[green]achieved tok/s: %.3f[reset] [dark_gray](%d tokens in %s, %d bank transfers)[reset]\n",
		res.TokensPerSecond(), len(res.Tokens), res.Elapsed.Round(time.Millisecond), bank.Stats().Transfers())
	return nil
}
