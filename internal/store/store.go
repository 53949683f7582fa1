package store

import (
	"context"
	"encoding/json"

	"CronoGuard/internal/receipt"
)

// PaymentRecord ties a settled payment authorization to an intent. Records
// are created or updated only by a successful (or cached) verify+settle and
// are never deleted.
type PaymentRecord struct {
	IntentID     string          `json:"intent_id"`
	Nonce        string          `json:"nonce"`
	SettledTxRef string          `json:"settled_tx_ref"`
	Verified     bool            `json:"verified"`
	Settled      bool            `json:"settled"`
	RawReceipt   json.RawMessage `json:"raw_receipt,omitempty"`
	TS           int64           `json:"ts"`
}

// PaymentStore keys payment records by intent id.
type PaymentStore interface {
	// MarkPaid upserts a record.
	MarkPaid(ctx context.Context, rec PaymentRecord) error
	// GetPaid reads the record for an intent id.
	GetPaid(ctx context.Context, intentID string) (PaymentRecord, bool, error)
}

// ExecutedSet is the monotonic set of executed intent ids. Membership is
// never unset.
type ExecutedSet interface {
	// MarkExecuted inserts id into the set. It reports whether this call
	// was the first to insert it, with check-and-set semantics: two
	// concurrent calls for the same id see exactly one true.
	MarkExecuted(ctx context.Context, intentID string) (bool, error)
	// IsExecuted reads membership.
	IsExecuted(ctx context.Context, intentID string) (bool, error)
}

// ReceiptCache deduplicates full pipeline runs by idempotency key.
type ReceiptCache interface {
	Store(ctx context.Context, key string, rr *receipt.RunReceipt) error
	Get(ctx context.Context, key string) (*receipt.RunReceipt, bool, error)
}

// Stores bundles the three keyed stores the pipeline depends on.
type Stores struct {
	Payments PaymentStore
	Executed ExecutedSet
	Receipts ReceiptCache
}
