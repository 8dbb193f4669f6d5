// Command reu runs llama2-style models out of a simulated RAM expansion
// unit.
package main

import (
	"fmt"
	"io"

	"github.com/mattn/go-colorable"
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-reu/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "reu",
	Short:         "Transformer inference over a paged expansion bank",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		logger.Setup(level, format)
	},
}

// stdout understands colour escapes on every platform.
var stdout io.Writer = colorable.NewColorableStdout()

// colorf prints a colorstring template, e.g. "[bold][green]done[reset]".
func colorf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, colorstring.Color(format), args...)
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console or json)")
	rootCmd.AddCommand(generateCmd, convertCmd, layoutCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Log.Fatal("command failed", "error", err)
	}
}
