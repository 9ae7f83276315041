package memory

import (
	"context"
	"sort"
	"sync"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

// DistributionRecordStore is an in-memory implementation of storage.DistributionRecordStore.
type DistributionRecordStore struct {
	mu   sync.RWMutex
	data map[string]*domain.DistributionRecord // keyed by record_id
}

// NewDistributionRecordStore creates a new in-memory distribution record store.
func NewDistributionRecordStore() *DistributionRecordStore {
	return &DistributionRecordStore{
		data: make(map[string]*domain.DistributionRecord),
	}
}

// InsertBulk adds multiple records atomically. Fails entire batch on any duplicate.
func (s *DistributionRecordStore) InsertBulk(_ context.Context, records []*domain.DistributionRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track keys in this batch to detect intra-batch duplicates
	batchKeys := make(map[string]struct{}, len(records))

	// First pass: validate and check for duplicates
	for _, r := range records {
		if r == nil || r.RecordID == "" || r.TokenID == "" || r.Amount == nil {
			return storage.ErrInvalidInput
		}
		if _, exists := s.data[r.RecordID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[r.RecordID]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[r.RecordID] = struct{}{}
	}

	// Second pass: insert all
	for _, r := range records {
		s.data[r.RecordID] = cloneRecord(r)
	}

	return nil
}

// ExistsForPlan reports whether any record was written for the plan.
func (s *DistributionRecordStore) ExistsForPlan(_ context.Context, planID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.data {
		if r.PlanID == planID {
			return true, nil
		}
	}
	return false, nil
}

// GetByTokenID retrieves all records for a token, ordered by created_at ASC.
func (s *DistributionRecordStore) GetByTokenID(_ context.Context, tokenID string) ([]*domain.DistributionRecord, error) {
	return s.collect(func(r *domain.DistributionRecord) bool { return r.TokenID == tokenID }), nil
}

// GetBySignature retrieves all records carried by one transaction.
func (s *DistributionRecordStore) GetBySignature(_ context.Context, signature string) ([]*domain.DistributionRecord, error) {
	return s.collect(func(r *domain.DistributionRecord) bool { return r.Signature == signature }), nil
}

// All returns every stored record ordered by created_at, record_id.
func (s *DistributionRecordStore) All() []*domain.DistributionRecord {
	return s.collect(func(*domain.DistributionRecord) bool { return true })
}

func (s *DistributionRecordStore) collect(keep func(*domain.DistributionRecord) bool) []*domain.DistributionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DistributionRecord
	for _, r := range s.data {
		if keep(r) {
			result = append(result, cloneRecord(r))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].RecordID < result[j].RecordID
	})
	return result
}

var _ storage.DistributionRecordStore = (*DistributionRecordStore)(nil)
