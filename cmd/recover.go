package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/worker"
)

func newRecoverCmd() *cobra.Command {
	var (
		id           int64
		noThumbnails bool
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Retries the unresolved entries of the error ledger",
		Long: `Replays unresolved ledger entries in order: years, orders, categories, then
thumbnails. Successful replays are resolved; failures bump the retry count.
With --id only that entry is replayed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if id < 0 {
				return fmt.Errorf("--id must be positive")
			}
			w, err := appInstance.NewWorker(cmd.Context())
			if err != nil {
				return fmt.Errorf("init worker: %w", err)
			}
			stopMetrics := runMetrics(cmd.Context(), appInstance)
			defer stopMetrics()
			if id > 0 {
				summary, err := w.RetryErrorByID(cmd.Context(), id)
				if errors.Is(err, crawler.ErrNotFound) {
					return err
				}
				printSummary(cmd.OutOrStdout(), "recover", summary)
				return runOutcome(appInstance.Logger(), err)
			}
			summary, err := w.Recover(cmd.Context(), worker.RecoverOptions{NoThumbnails: noThumbnails})
			printSummary(cmd.OutOrStdout(), "recover", summary)
			return runOutcome(appInstance.Logger(), err)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "replay only this ledger entry")
	cmd.Flags().BoolVar(&noThumbnails, "no-thumbnails", false, "skip thumbnail entries")
	return cmd
}
