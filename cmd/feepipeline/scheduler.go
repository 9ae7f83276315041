package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/scheduler"
)

func newSchedulerCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Emit collect, distribution and jackpot work on an interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if cfg.Queue.Backend == "memory" {
				return errors.New("a standalone scheduler needs a shared queue; use queue.backend=postgres or worker --with-scheduler")
			}

			ctx := cmd.Context()
			d, err := openDeps(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer d.Close()

			s, err := newScheduler(cfg, log, d)
			if err != nil {
				return err
			}

			if once {
				for name, sweep := range map[string]func(context.Context) (*scheduler.SweepResult, error){
					scheduler.SweepCollect:      s.SweepCollect,
					scheduler.SweepDistribution: s.SweepDistribution,
				} {
					res, err := sweep(ctx)
					if err != nil {
						return fmt.Errorf("%s sweep: %w", name, err)
					}
					log.Info("sweep done", "sweep", name, "tokens", res.Tokens, "emitted", res.Emitted, "errors", len(res.Errors))
				}
				return nil
			}

			health := observability.NewHealth()
			d.registerHealth(health)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return s.Run(ctx) })
			g.Go(func() error { return serveHTTP(ctx, log, cfg.HTTP.Addr, observability.NewMux(health)) })
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run each sweep once and exit")
	return cmd
}
