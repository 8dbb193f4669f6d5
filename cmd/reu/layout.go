package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-reu/internal/config"
	"github.com/23skdu/longbow-reu/internal/layout"
	"github.com/23skdu/longbow-reu/internal/reu"
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print where every tensor and buffer lands in the bank",
	RunE:  runLayout,
}

func init() {
	f := layoutCmd.Flags()
	addModelFlags(f)
	f.Uint32("base", 0, "bank address of the first weight")
	f.Int("bank-size", config.DefaultBankSize, "expansion bank size in bytes")
}

func readConfig(ckpt, cfgPath string) (config.Config, error) {
	switch {
	case cfgPath != "":
		f, err := os.Open(cfgPath)
		if err != nil {
			return config.Config{}, err
		}
		defer f.Close()
		return config.ReadCompact(f)
	case ckpt != "":
		f, err := os.Open(ckpt)
		if err != nil {
			return config.Config{}, err
		}
		defer f.Close()
		return config.ReadCheckpointHeader(f)
	}
	return config.Config{}, errors.New("--checkpoint or --config is required")
}

func runLayout(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	ckpt, _ := flags.GetString("checkpoint")
	cfgPath, _ := flags.GetString("config")
	base, _ := flags.GetUint32("base")
	bankSize, _ := flags.GetInt("bank-size")

	cfg, err := readConfig(ckpt, cfgPath)
	if err != nil {
		return err
	}
	lay, err := layout.Compute(cfg, reu.Addr(base), bankSize)
	if err != nil {
		return err
	}
	colorf(stdout, "[bold]%s[reset]\n", cfg.String())
	if err := lay.WriteTable(stdout); err != nil {
		return err
	}
	colorf(stdout, "[green]first free[reset] %s, %d local floats\n", lay.End, lay.LocalFloats())
	return nil
}
