// Command feepipeline runs the fee collection and reward distribution
// pipeline: queue workers, the sweep scheduler, migrations and token admin.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"solana-fee-pipeline/internal/config"
	"solana-fee-pipeline/internal/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feepipeline",
		Short:         "Token-2022 fee collection and reward distribution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newWorkerCmd(),
		newSchedulerCmd(),
		newMigrateCmd(),
		newTokensCmd(),
	)
	return root
}

// loadConfig reads configuration with the command's flags on top and
// installs the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.Log.Verbose)
	slog.SetDefault(log)
	return cfg, log, nil
}
