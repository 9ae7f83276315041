package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

// DistributionRecordStore implements storage.DistributionRecordStore using PostgreSQL.
type DistributionRecordStore struct {
	pool *Pool
}

// NewDistributionRecordStore creates a new DistributionRecordStore.
func NewDistributionRecordStore(pool *Pool) *DistributionRecordStore {
	return &DistributionRecordStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DistributionRecordStore = (*DistributionRecordStore)(nil)

// InsertBulk adds multiple records atomically. Fails entire batch on any duplicate.
func (s *DistributionRecordStore) InsertBulk(ctx context.Context, records []*domain.DistributionRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r == nil || r.RecordID == "" || r.TokenID == "" || r.Amount == nil {
			return storage.ErrInvalidInput
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO distribution_records (
			record_id, plan_id, token_id, from_address, to_address,
			amount, kind, signature, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.RecordID, r.PlanID, r.TokenID, r.From, r.To,
			numeric(r.Amount), r.Kind, r.Signature, r.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if IsDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert distribution record in bulk: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ExistsForPlan reports whether any record was written for the plan.
func (s *DistributionRecordStore) ExistsForPlan(ctx context.Context, planID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM distribution_records WHERE plan_id = $1)
	`, planID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check plan: %w", err)
	}
	return exists, nil
}

// GetByTokenID retrieves all records for a token, ordered by created_at ASC, record_id ASC.
func (s *DistributionRecordStore) GetByTokenID(ctx context.Context, tokenID string) ([]*domain.DistributionRecord, error) {
	return s.query(ctx, `
		SELECT record_id, plan_id, token_id, from_address, to_address,
		       amount::text, kind, signature, created_at
		FROM distribution_records
		WHERE token_id = $1
		ORDER BY created_at ASC, record_id ASC
	`, tokenID)
}

// GetBySignature retrieves all records carried by one transaction.
func (s *DistributionRecordStore) GetBySignature(ctx context.Context, signature string) ([]*domain.DistributionRecord, error) {
	return s.query(ctx, `
		SELECT record_id, plan_id, token_id, from_address, to_address,
		       amount::text, kind, signature, created_at
		FROM distribution_records
		WHERE signature = $1
		ORDER BY created_at ASC, record_id ASC
	`, signature)
}

func (s *DistributionRecordStore) query(ctx context.Context, query string, args ...any) ([]*domain.DistributionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query distribution records: %w", err)
	}
	defer rows.Close()

	var result []*domain.DistributionRecord
	for rows.Next() {
		var (
			r      domain.DistributionRecord
			amount string
		)
		if err := rows.Scan(
			&r.RecordID, &r.PlanID, &r.TokenID, &r.From, &r.To,
			&amount, &r.Kind, &r.Signature, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan distribution record: %w", err)
		}
		if r.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
