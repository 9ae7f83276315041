package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/queue"
)

// Prefetch is the consumer concurrency per topic.
type Prefetch struct {
	Collect       int
	Burn          int
	Swap          int
	Prepare       int
	Execute       int
	JackpotUpdate int
	Jackpot       int
	Bootstrap     int
}

// DefaultPrefetch returns the default consumer concurrency.
func DefaultPrefetch() Prefetch {
	return Prefetch{
		Collect:       16,
		Burn:          16,
		Swap:          1,
		Prepare:       8,
		Execute:       32,
		JackpotUpdate: 8,
		Jackpot:       4,
		Bootstrap:     8,
	}
}

// Subscription binds a stage handler to its topic.
type Subscription struct {
	Topic    string
	Stage    string
	Prefetch int
	Handler  queue.Handler
}

// Subscriptions lists every stage consumer.
func (p *Pipeline) Subscriptions(pf Prefetch) []Subscription {
	return []Subscription{
		{Topic: TopicCollectFee, Stage: "collector", Prefetch: pf.Collect, Handler: p.Collector.Handle},
		{Topic: TopicBurnFee, Stage: "burner", Prefetch: pf.Burn, Handler: p.Burner.Handle},
		{Topic: TopicSwapFeeToSOL, Stage: "swapper", Prefetch: pf.Swap, Handler: p.Swapper.Handle},
		{Topic: TopicPrepareDistribution, Stage: "preparer", Prefetch: pf.Prepare, Handler: p.Preparer.Handle},
		{Topic: TopicExecuteDistribution, Stage: "executor", Prefetch: pf.Execute, Handler: p.Executor.Handle},
		{Topic: TopicUpdateJackpot, Stage: "jackpot_updater", Prefetch: pf.JackpotUpdate, Handler: p.JackpotUpdater.Handle},
		{Topic: TopicPrepareJackpot, Stage: "jackpot_selector", Prefetch: pf.Jackpot, Handler: p.JackpotSelector.Handle},
		{Topic: TopicSendFeeSOL, Stage: "bootstrap", Prefetch: pf.Bootstrap, Handler: p.Bootstrap.Handle},
	}
}

// Run consumes every subscription until ctx is cancelled. base supplies the
// delivery options shared by all topics.
func Run(ctx context.Context, log *slog.Logger, broker queue.Broker, base queue.ConsumeOptions, subs []Subscription) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		opts := base
		opts.Prefetch = sub.Prefetch
		opts.Logger = log.With("topic", sub.Topic)
		h := instrument(log, sub.Stage, sub.Handler)
		topic := sub.Topic

		g.Go(func() error {
			if err := broker.Consume(ctx, topic, opts, h); err != nil {
				return fmt.Errorf("consume %s: %w", topic, err)
			}
			return nil
		})
	}

	log.Info("worker started", "topics", len(subs))
	return g.Wait()
}

// instrument records the outcome and latency of every delivery.
func instrument(log *slog.Logger, stage string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		start := time.Now()
		err := h(ctx, msg)

		status := "ok"
		switch {
		case err == nil:
		case queue.IsPermanent(err):
			status = "permanent"
			log.Error("message failed permanently", "stage", stage, "message_id", msg.ID, "attempts", msg.Attempts, "error", err)
		default:
			status = "error"
			log.Warn("message failed", "stage", stage, "message_id", msg.ID, "attempts", msg.Attempts, "error", err)
		}
		observability.RecordMessage(stage, status, time.Since(start).Seconds())
		return err
	}
}
