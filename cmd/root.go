// Package cmd defines and implements the CLI commands for the orderhist executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/app"
	"github.com/JakeFAU/orderhist-crawler/internal/config"
	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// readOnlyAnnotation marks commands that never write to the store.
const readOnlyAnnotation = "orderhist/read-only"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "orderhist",
		Short: "Incremental crawler for an online shop's order history.",
		Long: `orderhist walks the signed-in order history year by year and page by page,
caches every order item in a local SQLite database and keeps a ledger of
failures that later runs can retry. Interrupted runs resume where they stopped.`,
		SilenceUsage: true,

		// Config is loaded and the app built before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			appInstance, err := app.New(cmd.Context(), app.Params{
				Config:   cfg,
				Logger:   logger,
				ReadOnly: cmd.Annotations[readOnlyAnnotation] == "true",
				In:       cmd.InOrStdin(),
				Out:      cmd.ErrOrStderr(),
			})
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); ORDERHIST_* env vars override it")

	cmd.AddCommand(
		newCrawlCmd(),
		newRecoverCmd(),
		newErrorsCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context; the store is left resumable.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// runOutcome decides the exit status of a crawl or recovery run. Only fatal
// errors fail the command; interruptions and logged failures are reported
// but the cache stays usable.
func runOutcome(logger *zap.Logger, err error) error {
	if err == nil {
		return nil
	}
	switch crawler.Classify(err) {
	case crawler.OutcomeFatal:
		return err
	case crawler.OutcomeCanceled:
		logger.Warn("run interrupted; rerun to resume", zap.Error(err))
		return nil
	default:
		logger.Warn("run ended early", zap.Error(err))
		return nil
	}
}
