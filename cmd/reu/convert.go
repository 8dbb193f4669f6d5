package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-reu/internal/checkpoint"
	"github.com/23skdu/longbow-reu/internal/config"
	"github.com/23skdu/longbow-reu/internal/logger"
	"github.com/23skdu/longbow-reu/internal/tokenizer"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Split a llama2.c checkpoint into config.bin, weights.bin and a compact tokenizer.bin",
	RunE:  runConvert,
}

func init() {
	f := convertCmd.Flags()
	f.StringP("checkpoint", "m", "", "llama2.c checkpoint file")
	f.StringP("tokenizer", "t", "", "llama2.c tokenizer.bin (optional)")
	f.StringP("out", "o", ".", "output directory")
}

// createFile opens path for writing and returns a buffered writer whose
// close flushes before closing the file.
func createFile(path string) (*bufio.Writer, func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriter(f)
	return w, func() error {
		return errors.Join(w.Flush(), f.Close())
	}, nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	ckpt, _ := flags.GetString("checkpoint")
	tokPath, _ := flags.GetString("tokenizer")
	out, _ := flags.GetString("out")
	if ckpt == "" {
		return errors.New("--checkpoint is required")
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	log := logger.Log.With("cli")

	in, err := os.Open(ckpt)
	if err != nil {
		return err
	}
	defer in.Close()

	cfgW, closeCfg, err := createFile(filepath.Join(out, "config.bin"))
	if err != nil {
		return err
	}
	weightsW, closeWeights, err := createFile(filepath.Join(out, "weights.bin"))
	if err != nil {
		_ = closeCfg()
		return err
	}
	cfg, err := checkpoint.Convert(in, cfgW, weightsW)
	if err = errors.Join(err, closeCfg(), closeWeights()); err != nil {
		return err
	}
	log.Info("checkpoint converted", "config", cfg.String(), "out", out)

	if tokPath != "" {
		if err := convertTokenizer(tokPath, filepath.Join(out, "tokenizer.bin"), cfg); err != nil {
			return err
		}
	}
	colorf(stdout, "[green]wrote[reset] %s\n", out)
	return nil
}

func convertTokenizer(src, dst string, cfg config.Config) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	v, err := tokenizer.ReadLlama2(bufio.NewReader(in), cfg.VocabSize)
	if err != nil {
		return fmt.Errorf("read tokenizer: %w", err)
	}
	w, closeTok, err := createFile(dst)
	if err != nil {
		return err
	}
	return errors.Join(tokenizer.WriteCompact(w, v), closeTok())
}
