package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/app"
	"github.com/seedspider/seedspider/internal/config"
	"github.com/seedspider/seedspider/internal/logging"
	"github.com/seedspider/seedspider/internal/orchestrator"
)

// newRunCmd creates the 'run' subcommand, which drives one crawl run from
// seed admission to frontier exhaustion.
func newRunCmd() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the crawl to completion",
		Long: `Admits the configured seeds and executes work items until the frontier
is exhausted. With --resume, leases left behind by a previous process are
reclaimed first so interrupted items are retried instead of stranded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), resume)
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "reclaim expired leases from a previous run before starting")

	return cmd
}

func runCrawl(parent context.Context, resume bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	summary, err := a.Run(ctx, resume)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	logger.Info("crawl finished",
		zap.String("run_id", summary.RunID),
		zap.Int("done", summary.Done()),
		zap.Int("permanently_failed", summary.PermanentlyFailed()),
	)

	if summary.PermanentlyFailed() > 0 {
		reportFailed(logger, a, summary)
	}
	return nil
}

// reportFailed logs every permanently failed item so operators see what a
// finished run gave up on without consulting the API.
func reportFailed(logger *zap.Logger, a *app.App, summary orchestrator.RunSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for name := range summary.PerType {
		items, err := a.Scheduler().Failed(ctx, name)
		if err != nil {
			logger.Warn("listing failed items", zap.String("action_type", name), zap.Error(err))
			continue
		}
		for _, item := range items {
			logger.Warn("permanently failed",
				zap.String("action_type", item.ActionType),
				zap.String("key", item.Key),
				zap.Int("attempts", item.Attempts),
				zap.String("last_error", item.LastError),
			)
		}
	}
}

// newCheckCmd creates the 'check' subcommand, which loads and validates the
// configuration without starting anything.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and action graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cmd.Printf("configuration ok: %d actions, store=%s blob=%s publisher=%s\n",
				len(cfg.Actions), cfg.Store.Driver, cfg.Blob.Driver, cfg.Publisher.Driver)
			return nil
		},
	}
}
