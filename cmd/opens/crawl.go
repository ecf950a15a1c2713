package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/pevans/opens/config"
	"github.com/pevans/opens/crawl"
	"github.com/pevans/opens/leaderboard"
	"github.com/pevans/opens/logger"
	"github.com/pevans/opens/metrics"
)

func init() {
	rootCmd.AddCommand(crawlCmd)
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Registers every athlete on the leaderboard.",
	Long: `Walks divisions from highest to lowest and regions in order, fetching pages
until one yields no new athletes. Re-running resumes where a previous crawl
stopped. Pages that could not be fetched are recorded; list them with
"opens gaps".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCrawl(cmd.Context(), cfg, log, cmd.OutOrStdout())
	},
}

func runCrawl(ctx context.Context, c *config.Config, l logger.Logger, out io.Writer) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := leaderboard.NewClient(c.ClientOptions(l.Named("leaderboard")))
	if err != nil {
		return err
	}

	recorder := metrics.NewManager()
	orchestrator, err := crawl.New(
		client,
		leaderboard.NewExtractor(c.Selectors),
		store,
		c.CrawlConfig(),
		crawl.WithLogger(l),
		crawl.WithRecorder(recorder),
		crawl.WithGapRecorder(store),
	)
	if err != nil {
		return fmt.Errorf("invalid crawl settings: %w", err)
	}

	result, crawlErr := orchestrator.Run(ctx)

	if c.MetricsTextfile != "" {
		if err := recorder.WriteTextfile(c.MetricsTextfile); err != nil {
			l.Error(ctx, "failed to write metrics", logger.Error(err))
		}
	}

	if result != nil {
		renderCrawlSummary(out, result)
	}

	if errors.Is(crawlErr, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Crawl interrupted; run it again to resume.")
	}
	return crawlErr
}

// renderCrawlSummary prints per-pair counts for pairs that did anything
// beyond a single empty page, then the totals.
func renderCrawlSummary(out io.Writer, result *crawl.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.SetTitle("Crawl " + result.RunID.String())
	t.AppendHeader(table.Row{"Division", "Region", "Pages", "Inserted", "Duplicates", "Row errors", "Store errors", "Unavailable"})

	for _, p := range result.Pairs {
		if p.Inserted == 0 && p.Duplicates == 0 && p.RowErrors == 0 && p.StoreErrors == 0 && p.Unavailable == 0 {
			continue
		}
		t.AppendRow(table.Row{p.Division, p.Region, p.Pages, p.Inserted, p.Duplicates, p.RowErrors, p.StoreErrors, p.Unavailable})
	}

	totals := result.Totals()
	t.AppendFooter(table.Row{"Total", "", totals.Pages, totals.Inserted, totals.Duplicates, totals.RowErrors, totals.StoreErrors, totals.Unavailable})
	t.Render()
}
