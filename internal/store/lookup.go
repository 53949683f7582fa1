package store

import (
	"context"

	"CronoGuard/internal/x402"
)

// PaymentLookupAdapter exposes a PaymentStore through the payment client's
// lookup interface.
type PaymentLookupAdapter struct {
	Payments PaymentStore
}

// LookupPayment reports the settled payment recorded for an intent, if any.
func (a PaymentLookupAdapter) LookupPayment(ctx context.Context, intentID string) (x402.SettledPayment, bool, error) {
	rec, ok, err := a.Payments.GetPaid(ctx, intentID)
	if err != nil || !ok {
		return x402.SettledPayment{}, false, err
	}
	if !rec.Settled {
		return x402.SettledPayment{}, false, nil
	}
	return x402.SettledPayment{IntentID: rec.IntentID, Nonce: rec.Nonce, TxRef: rec.SettledTxRef}, true, nil
}
