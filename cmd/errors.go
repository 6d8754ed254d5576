package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

func newErrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspects and maintains the error ledger",
	}
	cmd.AddCommand(newErrorsListCmd(), newErrorsPruneCmd())
	return cmd
}

func newErrorsListCmd() *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:         "list",
		Short:       "Lists unresolved ledger entries",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{readOnlyAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := appInstance.Store().ListErrors(cmd.Context(), crawler.ErrorFilter{
				IncludeResolved: all,
				Limit:           limit,
			})
			if err != nil {
				return fmt.Errorf("list errors: %w", err)
			}
			return writeErrorTable(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved entries")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to list (0 lists all)")
	return cmd
}

func newErrorsPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Deletes resolved ledger entries older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			before := time.Now().AddDate(0, 0, -days)
			n, err := appInstance.Store().PruneResolved(cmd.Context(), before)
			if err != nil {
				return fmt.Errorf("prune errors: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d resolved entries\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "keep resolved entries newer than this many days")
	return cmd
}

func writeErrorTable(out io.Writer, entries []crawler.ErrorLogEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "no errors")
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"ID", "Context", "Type", "Retries", "Resolved", "Where", "Last seen", "URL"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.ID, e.Context, e.Type, e.RetryCount, e.Resolved, where(e),
			e.LastSeen.Local().Format(time.DateTime), e.URL,
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
	return nil
}

// where renders the location fields that are set on an entry.
func where(e crawler.ErrorLogEntry) string {
	var s string
	if e.OrderNo != nil {
		s = *e.OrderNo
	}
	if e.Year != nil {
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(*e.Year)
		if e.Page != nil {
			s += "/p" + strconv.Itoa(*e.Page)
		}
		if e.Index != nil {
			s += "#" + strconv.Itoa(*e.Index)
		}
	}
	if s == "" {
		return "-"
	}
	return s
}
