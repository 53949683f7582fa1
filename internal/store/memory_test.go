package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"CronoGuard/internal/receipt"
)

func TestPaymentStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	payments := NewMemoryPaymentStore()

	if _, found, err := payments.GetPaid(ctx, "missing"); err != nil || found {
		t.Fatalf("unexpected hit for missing record: found=%t err=%v", found, err)
	}

	rec := PaymentRecord{IntentID: "intent-1", Nonce: "0xnonce", SettledTxRef: "0xabc", Verified: true, Settled: true}
	if err := payments.MarkPaid(ctx, rec); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	got, found, err := payments.GetPaid(ctx, "intent-1")
	if err != nil || !found {
		t.Fatalf("GetPaid: found=%t err=%v", found, err)
	}
	if got.SettledTxRef != "0xabc" || !got.Settled {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestExecutedSetMonotonic(t *testing.T) {
	ctx := context.Background()
	executed := NewMemoryExecutedSet()

	if done, err := executed.IsExecuted(ctx, "intent-1"); err != nil || done {
		t.Fatalf("fresh id must not be executed: done=%t err=%v", done, err)
	}

	first, err := executed.MarkExecuted(ctx, "intent-1")
	if err != nil || !first {
		t.Fatalf("first mark must win: first=%t err=%v", first, err)
	}

	second, err := executed.MarkExecuted(ctx, "intent-1")
	if err != nil || second {
		t.Fatalf("second mark must lose: first=%t err=%v", second, err)
	}

	// Membership never goes away.
	if done, _ := executed.IsExecuted(ctx, "intent-1"); !done {
		t.Fatal("executed flag must persist")
	}
}

func TestExecutedSetConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	executed := NewMemoryExecutedSet()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := executed.MarkExecuted(ctx, "intent-race")
			if err != nil {
				t.Errorf("MarkExecuted: %v", err)
				return
			}
			if first {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("exactly one caller must observe the first insert, got %d", winners.Load())
	}
}

func TestReceiptCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryReceiptCache()

	if _, found, err := cache.Get(ctx, "key-1"); err != nil || found {
		t.Fatalf("unexpected hit: found=%t err=%v", found, err)
	}

	rr := &receipt.RunReceipt{ReceiptVersion: receipt.Version, IdempotencyKey: "key-1"}
	if err := cache.Store(ctx, "key-1", rr); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, found, err := cache.Get(ctx, "key-1")
	if err != nil || !found {
		t.Fatalf("Get: found=%t err=%v", found, err)
	}
	if got.IdempotencyKey != "key-1" {
		t.Fatalf("unexpected receipt: %+v", got)
	}
}

func TestLookupAdapter(t *testing.T) {
	ctx := context.Background()
	payments := NewMemoryPaymentStore()
	adapter := PaymentLookupAdapter{Payments: payments}

	if _, found, err := adapter.LookupPayment(ctx, "intent-1"); err != nil || found {
		t.Fatalf("unexpected hit: found=%t err=%v", found, err)
	}

	// A verified-but-unsettled record does not count as a settled payment.
	if err := payments.MarkPaid(ctx, PaymentRecord{IntentID: "intent-1", Verified: true}); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if _, found, _ := adapter.LookupPayment(ctx, "intent-1"); found {
		t.Fatal("unsettled record must not resolve")
	}

	if err := payments.MarkPaid(ctx, PaymentRecord{IntentID: "intent-1", Nonce: "0xn", SettledTxRef: "0xabc", Verified: true, Settled: true}); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	settled, found, err := adapter.LookupPayment(ctx, "intent-1")
	if err != nil || !found {
		t.Fatalf("LookupPayment: found=%t err=%v", found, err)
	}
	if settled.TxRef != "0xabc" || settled.Nonce != "0xn" {
		t.Fatalf("unexpected settled payment: %+v", settled)
	}
}
