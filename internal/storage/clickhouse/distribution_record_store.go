package clickhouse

import (
	"context"
	"fmt"
	"math/big"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

// DistributionRecordStore implements storage.DistributionRecordStore using ClickHouse.
// Amounts are stored as decimal strings to keep arbitrary precision.
type DistributionRecordStore struct {
	conn *Conn
}

// NewDistributionRecordStore creates a new DistributionRecordStore.
func NewDistributionRecordStore(conn *Conn) *DistributionRecordStore {
	return &DistributionRecordStore{conn: conn}
}

// Compile-time interface check.
var _ storage.DistributionRecordStore = (*DistributionRecordStore)(nil)

// InsertBulk adds multiple records. Fails entire batch on any duplicate.
// MergeTree does not enforce uniqueness, so duplicates are checked first.
func (s *DistributionRecordStore) InsertBulk(ctx context.Context, records []*domain.DistributionRecord) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r == nil || r.RecordID == "" || r.TokenID == "" || r.Amount == nil {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[r.RecordID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[r.RecordID] = struct{}{}
		ids = append(ids, r.RecordID)
	}

	var existing uint64
	if err := s.conn.QueryRow(ctx, `
		SELECT count() FROM distribution_records WHERE record_id IN ?
	`, ids).Scan(&existing); err != nil {
		return fmt.Errorf("check existing records: %w", err)
	}
	if existing > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO distribution_records (
			record_id, plan_id, token_id, from_address, to_address,
			amount, kind, signature, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			r.RecordID, r.PlanID, r.TokenID, r.From, r.To,
			r.Amount.String(), r.Kind, r.Signature, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ExistsForPlan reports whether any record was written for the plan.
func (s *DistributionRecordStore) ExistsForPlan(ctx context.Context, planID string) (bool, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx, `
		SELECT count() FROM distribution_records WHERE plan_id = ?
	`, planID).Scan(&n); err != nil {
		return false, fmt.Errorf("check plan: %w", err)
	}
	return n > 0, nil
}

// GetByTokenID retrieves all records for a token, ordered by created_at ASC, record_id ASC.
func (s *DistributionRecordStore) GetByTokenID(ctx context.Context, tokenID string) ([]*domain.DistributionRecord, error) {
	return s.query(ctx, `
		SELECT record_id, plan_id, token_id, from_address, to_address,
		       amount, kind, signature, created_at
		FROM distribution_records FINAL
		WHERE token_id = ?
		ORDER BY created_at ASC, record_id ASC
	`, tokenID)
}

// GetBySignature retrieves all records carried by one transaction.
func (s *DistributionRecordStore) GetBySignature(ctx context.Context, signature string) ([]*domain.DistributionRecord, error) {
	return s.query(ctx, `
		SELECT record_id, plan_id, token_id, from_address, to_address,
		       amount, kind, signature, created_at
		FROM distribution_records FINAL
		WHERE signature = ?
		ORDER BY created_at ASC, record_id ASC
	`, signature)
}

func (s *DistributionRecordStore) query(ctx context.Context, query string, args ...any) ([]*domain.DistributionRecord, error) {
	rows, err := s.conn.Query(ctx, query, args...)
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

		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("parse amount %q", amount)
		}
		r.Amount = v
		result = append(result, &r)
	}
	return result, rows.Err()
}
