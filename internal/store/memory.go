package store

import (
	"context"
	"sync"

	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/receipt"
)

// MemoryPaymentStore keeps payment records in a mutex-guarded map. It is the
// default backend; a production deployment swaps in the Redis implementation.
type MemoryPaymentStore struct {
	mu      sync.RWMutex
	records map[string]PaymentRecord
}

// NewMemoryPaymentStore creates a MemoryPaymentStore.
func NewMemoryPaymentStore() *MemoryPaymentStore {
	return &MemoryPaymentStore{records: make(map[string]PaymentRecord)}
}

// MarkPaid implements PaymentStore.
func (s *MemoryPaymentStore) MarkPaid(_ context.Context, rec PaymentRecord) error {
	if rec.IntentID == "" {
		return xerrors.New(xerrors.CodeValidation, "payment record intent id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.IntentID] = rec
	return nil
}

// GetPaid implements PaymentStore.
func (s *MemoryPaymentStore) GetPaid(_ context.Context, intentID string) (PaymentRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[intentID]
	return rec, ok, nil
}

// MemoryExecutedSet is the in-process executed-intent set.
type MemoryExecutedSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewMemoryExecutedSet creates a MemoryExecutedSet.
func NewMemoryExecutedSet() *MemoryExecutedSet {
	return &MemoryExecutedSet{ids: make(map[string]struct{})}
}

// MarkExecuted implements ExecutedSet. The mutex makes the check-and-insert
// atomic so concurrent callers for the same id see exactly one first=true.
func (s *MemoryExecutedSet) MarkExecuted(_ context.Context, intentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[intentID]; ok {
		return false, nil
	}
	s.ids[intentID] = struct{}{}
	return true, nil
}

// IsExecuted implements ExecutedSet.
func (s *MemoryExecutedSet) IsExecuted(_ context.Context, intentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[intentID]
	return ok, nil
}

// MemoryReceiptCache caches finished receipts by idempotency key. Receipts
// are immutable once built, so the cache stores them as-is.
type MemoryReceiptCache struct {
	mu       sync.RWMutex
	receipts map[string]*receipt.RunReceipt
}

// NewMemoryReceiptCache creates a MemoryReceiptCache.
func NewMemoryReceiptCache() *MemoryReceiptCache {
	return &MemoryReceiptCache{receipts: make(map[string]*receipt.RunReceipt)}
}

// Store implements ReceiptCache.
func (s *MemoryReceiptCache) Store(_ context.Context, key string, rr *receipt.RunReceipt) error {
	if key == "" {
		return xerrors.New(xerrors.CodeValidation, "idempotency key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[key] = rr
	return nil
}

// Get implements ReceiptCache.
func (s *MemoryReceiptCache) Get(_ context.Context, key string) (*receipt.RunReceipt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rr, ok := s.receipts[key]
	return rr, ok, nil
}

// NewMemoryStores bundles the three in-process stores.
func NewMemoryStores() Stores {
	return Stores{
		Payments: NewMemoryPaymentStore(),
		Executed: NewMemoryExecutedSet(),
		Receipts: NewMemoryReceiptCache(),
	}
}
