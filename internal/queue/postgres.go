package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/retry"
	"solana-fee-pipeline/internal/storage/postgres"
)

// PostgresBroker keeps messages in the queue_messages table. Consumers lease
// rows with FOR UPDATE SKIP LOCKED; a lease that expires makes the message
// visible again, so a crashed consumer's work is redelivered.
type PostgresBroker struct {
	pool  *postgres.Pool
	clock clockwork.Clock
}

// NewPostgresBroker creates a PostgresBroker. A nil clock uses the real clock.
func NewPostgresBroker(pool *postgres.Pool, clock clockwork.Clock) *PostgresBroker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresBroker{pool: pool, clock: clock}
}

// Compile-time interface check.
var _ Broker = (*PostgresBroker)(nil)

func (b *PostgresBroker) Publish(ctx context.Context, msg Message) error {
	return b.PublishBatch(ctx, []Message{msg})
}

// PublishBatch inserts all messages in one transaction.
func (b *PostgresBroker) PublishBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := b.insert(ctx, tx, msgs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}

	recordPublished(msgs)
	return nil
}

// insert queues msgs inside tx. They become visible when tx commits.
func (b *PostgresBroker) insert(ctx context.Context, tx pgx.Tx, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	now := b.clock.Now()
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO queue_messages (message_id, topic, payload, correlation_id, visible_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $5)
		`, m.ID, m.Topic, []byte(m.Payload), m.CorrelationID, now)
	}

	br := tx.SendBatch(ctx, batch)
	for range msgs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if postgres.IsDuplicateKeyError(err) {
				return fmt.Errorf("publish: duplicate message id: %w", err)
			}
			return fmt.Errorf("publish: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close publish batch: %w", err)
	}
	return nil
}

func recordPublished(msgs []Message) {
	for _, m := range msgs {
		observability.RecordPublished(m.Topic, 1)
	}
}

// lease takes up to limit visible messages of topic.
func (b *PostgresBroker) lease(ctx context.Context, topic string, limit int, lease time.Duration) ([]*Message, error) {
	now := b.clock.Now()
	rows, err := b.pool.Query(ctx, `
		WITH next AS (
			SELECT message_id
			FROM queue_messages
			WHERE topic = $1
			  AND visible_at <= $2
			  AND (leased_until IS NULL OR leased_until <= $2)
			ORDER BY created_at ASC, message_id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages q
		SET leased_until = $4, attempts = q.attempts + 1
		FROM next
		WHERE q.message_id = next.message_id
		RETURNING q.message_id, q.topic, q.payload, q.correlation_id, q.attempts, q.created_at
	`, topic, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", topic, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m       Message
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.CorrelationID, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Payload = payload
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (b *PostgresBroker) ack(ctx context.Context, id string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM queue_messages WHERE message_id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (b *PostgresBroker) nack(ctx context.Context, msg *Message, herr error, opts ConsumeOptions) error {
	if IsPermanent(herr) || msg.Attempts >= opts.MaxAttempts {
		if err := b.deadLetter(ctx, msg, herr); err != nil {
			return err
		}
		observability.RecordDeadLetter(msg.Topic)
		opts.Logger.Error("queue: message dead-lettered",
			"topic", msg.Topic, "message_id", msg.ID, "correlation_id", msg.CorrelationID,
			"attempts", msg.Attempts, "error", herr)
		return nil
	}

	backoff := retry.Backoff(opts.BackoffBase, opts.BackoffMax, msg.Attempts-1)
	_, err := b.pool.Exec(ctx, `
		UPDATE queue_messages
		SET visible_at = $2, leased_until = NULL, last_error = $3
		WHERE message_id = $1
	`, msg.ID, b.clock.Now().Add(backoff), herr.Error())
	if err != nil {
		return fmt.Errorf("nack %s: %w", msg.ID, err)
	}
	opts.Logger.Warn("queue: message nacked",
		"topic", msg.Topic, "message_id", msg.ID, "correlation_id", msg.CorrelationID,
		"attempts", msg.Attempts, "backoff", backoff, "error", herr)
	return nil
}

func (b *PostgresBroker) deadLetter(ctx context.Context, msg *Message, herr error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dead letter: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_dead_letters (message_id, topic, payload, correlation_id, attempts, last_error, created_at, dead_at)
		SELECT message_id, topic, payload, correlation_id, attempts, $2, created_at, $3
		FROM queue_messages
		WHERE message_id = $1
		ON CONFLICT (message_id) DO NOTHING
	`, msg.ID, herr.Error(), b.clock.Now())
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", msg.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queue_messages WHERE message_id = $1`, msg.ID); err != nil {
		return fmt.Errorf("delete dead message %s: %w", msg.ID, err)
	}
	return tx.Commit(ctx)
}

// release drops the lease of a message interrupted by shutdown.
func (b *PostgresBroker) release(ctx context.Context, id string) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE queue_messages
		SET leased_until = NULL, attempts = GREATEST(attempts - 1, 0)
		WHERE message_id = $1
	`, id)
	return err
}

func (b *PostgresBroker) Consume(ctx context.Context, topic string, opts ConsumeOptions, h Handler) error {
	opts = opts.withDefaults()

	g := new(errgroup.Group)
	g.SetLimit(opts.Prefetch)
	var inFlight atomic.Int64

	// Settlement runs on a detached context so acks land during shutdown.
	settleCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			_ = g.Wait()
			return nil
		}

		free := opts.Prefetch - int(inFlight.Load())
		var msgs []*Message
		if free > 0 {
			var err error
			msgs, err = b.lease(ctx, topic, free, opts.Lease)
			if err != nil && ctx.Err() == nil {
				opts.Logger.Error("queue: lease failed", "topic", topic, "error", err)
			}
		}

		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
			case <-b.clock.After(opts.PollInterval):
			}
			continue
		}

		for _, msg := range msgs {
			inFlight.Add(1)
			g.Go(func() error {
				defer inFlight.Add(-1)
				observability.AddInFlight(topic, 1)
				defer observability.AddInFlight(topic, -1)

				herr := runHandler(ctx, h, msg)
				var err error
				switch {
				case herr == nil:
					err = b.ack(settleCtx, msg.ID)
				case errors.Is(herr, context.Canceled) && ctx.Err() != nil:
					err = b.release(settleCtx, msg.ID)
				default:
					err = b.nack(settleCtx, msg, herr, opts)
				}
				if err != nil {
					// The lease expires and the message is redelivered.
					opts.Logger.Error("queue: settle failed", "topic", topic, "message_id", msg.ID, "error", err)
				}
				return nil
			})
		}
	}
}

// DeadLetters lists dead-lettered messages of a topic, newest first.
func (b *PostgresBroker) DeadLetters(ctx context.Context, topic string, limit int) ([]DeadLetter, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT message_id, topic, payload, correlation_id, attempts, last_error, created_at, dead_at
		FROM queue_dead_letters
		WHERE topic = $1
		ORDER BY dead_at DESC
		LIMIT $2
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d       DeadLetter
			payload []byte
		)
		if err := rows.Scan(&d.ID, &d.Topic, &payload, &d.CorrelationID, &d.Attempts, &d.LastError, &d.CreatedAt, &d.DeadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}

// Depth returns the number of queued messages of a topic, leased or not.
func (b *PostgresBroker) Depth(ctx context.Context, topic string) (int64, error) {
	var n int64
	if err := b.pool.QueryRow(ctx, `SELECT count(*) FROM queue_messages WHERE topic = $1`, topic).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
