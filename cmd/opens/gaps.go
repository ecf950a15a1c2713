package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pevans/opens/config"
)

var gapsRun string

func init() {
	gapsCmd.Flags().StringVar(&gapsRun, "run", "", "only list gaps of this crawl run id")
	rootCmd.AddCommand(gapsCmd)
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Lists leaderboard pages that could not be fetched during a crawl.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var runID *uuid.UUID
		if gapsRun != "" {
			id, err := uuid.Parse(gapsRun)
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", gapsRun, err)
			}
			runID = &id
		}
		return runGaps(cmd.Context(), cfg, runID, cmd.OutOrStdout())
	},
}

func runGaps(ctx context.Context, c *config.Config, runID *uuid.UUID, out io.Writer) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	gaps, err := store.ListGaps(ctx, runID)
	if err != nil {
		return err
	}

	if len(gaps) == 0 {
		fmt.Fprintln(out, "No gaps recorded.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Recorded", "Run", "Division", "Region", "Page", "Reason", "URL"})
	for _, g := range gaps {
		t.AppendRow(table.Row{
			g.RecordedAt.Local().Format(time.DateTime),
			g.RunID.String()[:8],
			g.Division,
			g.Region,
			g.Page,
			g.Reason,
			g.URL,
		})
	}
	t.Render()
	return nil
}
