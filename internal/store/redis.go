package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/receipt"
)

// RedisConfig describes the Redis connection for the keyed stores.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStores backs all three keyed stores with Redis so multiple daemon
// instances share lifecycle state. SETNX gives the executed set its
// check-and-set semantics.
type RedisStores struct {
	client *redis.Client
	prefix string
}

// NewRedisStores connects to Redis and returns the store bundle.
func NewRedisStores(cfg RedisConfig) (*RedisStores, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cronoguard"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStores{client: client, prefix: prefix}, nil
}

// Stores returns the bundle view of this backend.
func (r *RedisStores) Stores() Stores {
	return Stores{Payments: r, Executed: r, Receipts: r}
}

// Close releases the Redis connection.
func (r *RedisStores) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStores) paymentKey(intentID string) string {
	return r.prefix + ":payment:" + intentID
}

func (r *RedisStores) executedKey(intentID string) string {
	return r.prefix + ":executed:" + intentID
}

func (r *RedisStores) receiptKey(key string) string {
	return r.prefix + ":receipt:" + key
}

// MarkPaid implements PaymentStore.
func (r *RedisStores) MarkPaid(ctx context.Context, rec PaymentRecord) error {
	if rec.IntentID == "" {
		return xerrors.New(xerrors.CodeValidation, "payment record intent id is empty")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode payment record")
	}
	if err := r.client.Set(ctx, r.paymentKey(rec.IntentID), payload, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write payment record")
	}
	return nil
}

// GetPaid implements PaymentStore.
func (r *RedisStores) GetPaid(ctx context.Context, intentID string) (PaymentRecord, bool, error) {
	payload, err := r.client.Get(ctx, r.paymentKey(intentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PaymentRecord{}, false, nil
	}
	if err != nil {
		return PaymentRecord{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read payment record")
	}
	var rec PaymentRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return PaymentRecord{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode payment record")
	}
	return rec, true, nil
}

// MarkExecuted implements ExecutedSet via SETNX: exactly one caller observes
// the first insert.
func (r *RedisStores) MarkExecuted(ctx context.Context, intentID string) (bool, error) {
	first, err := r.client.SetNX(ctx, r.executedKey(intentID), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark executed")
	}
	return first, nil
}

// IsExecuted implements ExecutedSet.
func (r *RedisStores) IsExecuted(ctx context.Context, intentID string) (bool, error) {
	count, err := r.client.Exists(ctx, r.executedKey(intentID)).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read executed flag")
	}
	return count > 0, nil
}

// Store implements ReceiptCache.
func (r *RedisStores) Store(ctx context.Context, key string, rr *receipt.RunReceipt) error {
	if key == "" {
		return xerrors.New(xerrors.CodeValidation, "idempotency key is empty")
	}
	payload, err := json.Marshal(rr)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode receipt")
	}
	if err := r.client.Set(ctx, r.receiptKey(key), payload, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write receipt")
	}
	return nil
}

// Get implements ReceiptCache.
func (r *RedisStores) Get(ctx context.Context, key string) (*receipt.RunReceipt, bool, error) {
	payload, err := r.client.Get(ctx, r.receiptKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read receipt")
	}
	var rr receipt.RunReceipt
	if err := json.Unmarshal(payload, &rr); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode receipt")
	}
	return &rr, true, nil
}
