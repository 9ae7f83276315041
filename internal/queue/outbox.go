package queue

import (
	"context"
	"math/big"

	"github.com/jackc/pgx/v5"

	"solana-fee-pipeline/internal/storage/postgres"
)

// PostgresOutbox hands a token's pending distribution to the queue in one
// transaction: the messages built from the amount are inserted and the
// amount is taken together, or neither happens. A worker that dies while
// building leaves the amount pending for the next sweep.
type PostgresOutbox struct {
	tokens *postgres.TokenStore
	broker *PostgresBroker
}

// NewPostgresOutbox creates a PostgresOutbox. Both stores must share a database.
func NewPostgresOutbox(tokens *postgres.TokenStore, broker *PostgresBroker) *PostgresOutbox {
	return &PostgresOutbox{tokens: tokens, broker: broker}
}

// TakeAndPublish locks the token's pending distribution, builds messages
// from it and publishes them while taking the amount. An error from build
// or from the insert leaves the amount pending and publishes nothing.
func (o *PostgresOutbox) TakeAndPublish(ctx context.Context, tokenID string, build func(context.Context, *big.Int) ([]Message, error)) error {
	var published []Message
	err := o.tokens.WithDistributionPending(ctx, tokenID, func(ctx context.Context, tx pgx.Tx, pending *big.Int) error {
		msgs, err := build(ctx, pending)
		if err != nil {
			return err
		}
		if err := o.broker.insert(ctx, tx, msgs); err != nil {
			return err
		}
		published = msgs
		return nil
	})
	if err != nil {
		return err
	}

	recordPublished(published)
	return nil
}
