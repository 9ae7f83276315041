package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"solana-fee-pipeline/internal/config"
	"solana-fee-pipeline/internal/custody"
	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/ledger"
	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/pipeline"
	"solana-fee-pipeline/internal/queue"
	"solana-fee-pipeline/internal/scheduler"
	solanarpc "solana-fee-pipeline/internal/solana"
)

func newWorkerCmd() *cobra.Command {
	var withScheduler bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume every pipeline topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateWorker(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runWorker(cmd.Context(), cfg, log, withScheduler)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run the sweep scheduler in this process")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger, withScheduler bool) error {
	d, err := openDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	rpc := solanarpc.NewHTTPClient(cfg.Solana.RPCURL,
		solanarpc.WithRateLimit(cfg.Solana.RPS, cfg.Solana.Burst),
		solanarpc.WithCircuitBreaker(gobreaker.Settings{
			Name:        "solana-rpc",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures > 5 },
		}),
	)

	var ws solanarpc.WSClient
	if cfg.Solana.WSURL != "" {
		wsCfg := solanarpc.DefaultWSConfig()
		wsCfg.Logger = log.With("component", "solana_ws")
		client, err := solanarpc.NewWSClient(ctx, cfg.Solana.WSURL, &wsCfg)
		if err != nil {
			// Confirmation falls back to polling.
			log.Warn("websocket unavailable", "error", err)
		} else {
			ws = client
			defer client.Close()
		}
	}

	systemKey, err := solana.PrivateKeyFromBase58(cfg.Keys.SystemKey)
	if err != nil {
		return fmt.Errorf("keys.system_key: %w", err)
	}

	venues, err := buildVenues(cfg, log)
	if err != nil {
		return err
	}

	chain, err := ledger.NewSolana(ledger.Config{
		Logger:         log.With("component", "ledger"),
		RPC:            rpc,
		WS:             ws,
		SystemKey:      systemKey,
		Venues:         venues,
		ConfirmTimeout: cfg.Solana.ConfirmTimeout,
		Clock:          d.clock,
	})
	if err != nil {
		return err
	}

	sealKey, err := cfg.SealKey()
	if err != nil {
		return err
	}
	sealer, err := custody.NewSealer(sealKey)
	if err != nil {
		return err
	}
	keys, err := custody.NewRegistry(custody.RegistryConfig{
		Logger:    log.With("component", "custody"),
		Store:     d.keys,
		Sealer:    sealer,
		Clock:     d.clock,
		CacheSize: cfg.Keys.CacheSize,
	})
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:             log.With("component", "pipeline"),
		Tokens:             d.tokens,
		Records:            d.records,
		Mirror:             d.mirror,
		Keys:               keys,
		Ledger:             chain,
		Guard:              d.guard,
		Publisher:          d.broker,
		Outbox:             d.outbox,
		Clock:              d.clock,
		ClaimTTL:           cfg.Idempotency.TTL,
		WithdrawBatchSize:  cfg.Collector.WithdrawBatchSize,
		MinCollectAmount:   new(big.Int).SetUint64(cfg.Collector.MinCollectAmount),
		BatchSize:          cfg.Distribution.BatchSize,
		FeeVaultBps:        cfg.Distribution.FeeVaultBps,
		FeeVaultAddress:    cfg.Distribution.FeeVaultAddress,
		MinDistribution:    new(big.Int).SetUint64(cfg.Distribution.MinAmount),
		RentExemptLamports: cfg.Bootstrap.RentExemptLamports,
	})
	if err != nil {
		return err
	}

	health := observability.NewHealth()
	d.registerHealth(health)
	health.Register("solana", func(ctx context.Context) error {
		_, err := rpc.GetSlot(ctx)
		return err
	})

	var sched *scheduler.Scheduler
	if withScheduler {
		if sched, err = newScheduler(cfg, log, d); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pipeline.Run(ctx, log, d.broker, consumeOptions(cfg, log), p.Subscriptions(prefetch(cfg)))
	})
	if sched != nil {
		g.Go(func() error { return sched.Run(ctx) })
	}

	g.Go(func() error { return serveHTTP(ctx, log, cfg.HTTP.Addr, observability.NewMux(health)) })

	log.Info("worker running",
		"system", chain.SystemAddress(),
		"queue", cfg.Queue.Backend,
		"idempotency", cfg.Idempotency.Backend,
		"mirror", d.mirror != nil,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}

// buildVenues registers the bonding curve and AMM venues that are configured.
func buildVenues(cfg *config.Config, log *slog.Logger) (map[string]ledger.Venue, error) {
	venues := make(map[string]ledger.Venue)
	if cfg.Swap.BondingCurveProgram != "" {
		v, err := ledger.NewBondingCurveVenue(cfg.Swap.BondingCurveProgram)
		if err != nil {
			return nil, fmt.Errorf("swap.bonding_curve_program: %w", err)
		}
		venues[domain.VenueBondingCurve] = v
	}
	if cfg.Swap.APIURL != "" {
		v, err := ledger.NewSwapAPIClient(ledger.SwapAPIConfig{
			Logger:      log.With("component", "swap_api"),
			BaseURL:     cfg.Swap.APIURL,
			SlippageBps: cfg.Swap.SlippageBps,
			RPS:         cfg.Solana.RPS,
			Burst:       cfg.Solana.Burst,
		})
		if err != nil {
			return nil, err
		}
		venues[domain.VenueAMM] = v
	}
	if len(venues) == 0 {
		log.Warn("no swap venue configured, swaps will fail")
	}
	return venues, nil
}

func consumeOptions(cfg *config.Config, log *slog.Logger) queue.ConsumeOptions {
	return queue.ConsumeOptions{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffMax:   cfg.Queue.BackoffMax,
		Lease:        cfg.Queue.Lease,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       log,
	}
}

func prefetch(cfg *config.Config) pipeline.Prefetch {
	return pipeline.Prefetch{
		Collect:       cfg.Prefetch.Collect,
		Burn:          cfg.Prefetch.Burn,
		Swap:          cfg.Prefetch.Swap,
		Prepare:       cfg.Prefetch.Prepare,
		Execute:       cfg.Prefetch.Execute,
		JackpotUpdate: cfg.Prefetch.JackpotUpdate,
		Jackpot:       cfg.Prefetch.Jackpot,
		Bootstrap:     cfg.Prefetch.Bootstrap,
	}
}

func newScheduler(cfg *config.Config, log *slog.Logger, d *deps) (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Logger:               log,
		Tokens:               d.tokens,
		Publisher:            d.broker,
		Clock:                d.clock,
		CollectInterval:      cfg.Scheduler.CollectInterval,
		DistributionInterval: cfg.Scheduler.DistributionInterval,
		MinPending:           new(big.Int).SetUint64(cfg.Distribution.MinAmount),
	})
}

// serveHTTP serves handler until ctx is cancelled, then shuts down gracefully.
func serveHTTP(ctx context.Context, log *slog.Logger, addr string, handler http.Handler) error {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
