package audit

import (
	"context"
	"sync"
	"testing"

	"CronoGuard/internal/receipt"
)

func TestMemoryPublisherCollects(t *testing.T) {
	pub := NewMemoryPublisher()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := pub.Publish(ctx, &receipt.RunReceipt{ReceiptVersion: receipt.Version}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if got := len(pub.Receipts()); got != 3 {
		t.Fatalf("expected 3 receipts, got %d", got)
	}
}

func TestMemoryPublisherConcurrent(t *testing.T) {
	pub := NewMemoryPublisher()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := pub.Publish(ctx, &receipt.RunReceipt{}); err != nil {
					t.Errorf("Publish: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := len(pub.Receipts()); got != 80 {
		t.Fatalf("expected 80 receipts, got %d", got)
	}
}

func TestRabbitMQPublisherRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQPublisher(RabbitMQConfig{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestReceiptsSnapshotIsolated(t *testing.T) {
	pub := NewMemoryPublisher()
	_ = pub.Publish(context.Background(), &receipt.RunReceipt{})

	snapshot := pub.Receipts()
	snapshot[0] = nil

	if pub.Receipts()[0] == nil {
		t.Fatal("snapshot must not alias internal state")
	}
}
