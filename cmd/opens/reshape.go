package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pevans/opens/config"
	"github.com/pevans/opens/logger"
	"github.com/pevans/opens/reshape"
)

var (
	reshapeFormat string
	reshapeOutput string
)

func init() {
	reshapeCmd.Flags().StringVarP(&reshapeFormat, "format", "f", reshape.FormatCSV, "output format: table or csv")
	reshapeCmd.Flags().StringVarP(&reshapeOutput, "output", "o", "", "write to this file instead of stdout")
	rootCmd.AddCommand(reshapeCmd)
}

var reshapeCmd = &cobra.Command{
	Use:   "reshape",
	Short: "Prints one row per athlete with a rank and Rx flag per event.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if reshapeOutput != "" {
			f, err := os.Create(reshapeOutput)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		return runReshape(cmd.Context(), cfg, log, reshapeFormat, out)
	},
}

func runReshape(ctx context.Context, c *config.Config, l logger.Logger, format string, out io.Writer) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	reshaper, err := reshape.New(store, c.Events, l)
	if err != nil {
		return fmt.Errorf("invalid event labels: %w", err)
	}

	result, err := reshaper.Reshape(ctx)
	if err != nil {
		return err
	}
	return result.Render(out, format)
}
