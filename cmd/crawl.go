package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

type crawlFlags struct {
	force        bool
	year         int
	startPage    int
	noThumbnails bool
	debug        bool
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Walks the order history and caches new orders",
		Long: `Signs in, discovers the years of the order history and walks each year page
by page. Orders already cached are skipped; a revisited year stops early once
enough consecutive cached orders are seen. Use --force to walk every page.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.force, "force", false, "walk every page even when already complete")
	f.IntVar(&flags.year, "year", 0, "crawl only this year")
	f.IntVar(&flags.startPage, "start-page", 0, "first page to walk in each year (1-based)")
	f.BoolVar(&flags.noThumbnails, "no-thumbnails", false, "skip thumbnail downloads")
	f.BoolVar(&flags.debug, "debug", false, "process a single order and write no run metadata")
	return cmd
}

func (f crawlFlags) options() crawler.Options {
	opts := crawler.Options{
		Force:        f.force,
		StartPage:    f.startPage,
		NoThumbnails: f.noThumbnails,
		Debug:        f.debug,
	}
	if f.year > 0 {
		year := f.year
		opts.Year = &year
	}
	return opts
}

func runCrawlCommand(cmd *cobra.Command, flags crawlFlags) error {
	if flags.startPage < 0 {
		return fmt.Errorf("--start-page must not be negative")
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	w, err := appInstance.NewWorker(cmd.Context())
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	stopMetrics := runMetrics(cmd.Context(), appInstance)
	defer stopMetrics()

	summary, err := w.Run(cmd.Context(), flags.options())
	printSummary(cmd.OutOrStdout(), "crawl", summary)
	if err := runOutcome(appInstance.Logger(), err); err != nil {
		return err
	}
	appInstance.Logger().Info("Crawl command finished.", zap.String("run_id", summary.RunID))
	return nil
}

func printSummary(out io.Writer, kind string, s crawler.RunSummary) {
	if s.RunID == "" {
		return
	}
	fmt.Fprintf(out, "%s %s finished in %s\n", kind, s.RunID, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	switch kind {
	case "recover":
		fmt.Fprintf(out, "  resolved: %d\n  failed:   %d\n", s.Resolved, s.Failed)
	default:
		fmt.Fprintf(out, "  years:    %d\n  pages:    %d\n  fetched:  %d\n  cached:   %d\n  records:  %d\n",
			s.Years, s.PagesWalked, s.OrdersFetched, s.OrdersCached, s.RecordsWritten)
	}
	fmt.Fprintf(out, "  errors:   %d\n", s.ErrorsLogged)
	if s.Interrupted {
		fmt.Fprintln(out, "  interrupted: rerun to resume")
	}
}
