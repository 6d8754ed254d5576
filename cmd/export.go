package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Copies the cached records into the Postgres reporting table",
		Long: `Reads every cached record and upserts it into export.table on the database at
export.dsn. The browser is not started.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{readOnlyAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Store().Report(cmd.Context())
			if err != nil {
				return fmt.Errorf("load report: %w", err)
			}
			exporter, err := appInstance.NewExporter(cmd.Context())
			if err != nil {
				return fmt.Errorf("init exporter: %w", err)
			}
			if err := exporter.EnsureTable(cmd.Context()); err != nil {
				return err
			}
			n, err := exporter.Export(cmd.Context(), report.Records, time.Now().UTC())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("export finished",
				zap.Int("records", n),
				zap.Int("unresolved_errors", report.UnresolvedErrors),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d records (%d unresolved errors)\n", n, report.UnresolvedErrors)
			return nil
		},
	}
}
