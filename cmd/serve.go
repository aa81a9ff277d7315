package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mediascope/crawler/internal/app"
	"github.com/mediascope/crawler/internal/config"
)

// newServeCmd creates the 'serve' subcommand, which runs the crawl scheduler
// and indexing service until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl scheduler and HTTP API",
		Long: `Starts the service: the HTTP API for submitting and managing crawls, the
admission poller that launches waiting jobs as capacity frees up, and the
per-collection indexing pipelines. The process drains gracefully on SIGINT
and SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}
