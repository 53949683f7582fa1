package intent

import (
	"testing"
	"time"

	xerrors "CronoGuard/internal/errors"
)

const (
	testToken     = "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

func sample() *Intent {
	return &Intent{
		ID:            "intent-1",
		CreatedAt:     time.Now().Unix(),
		Action:        ActionTransfer,
		Params:        TransferParams{Token: testToken, To: testRecipient, Amount: "10000000"},
		Fee:           "1000000",
		SessionExpiry: time.Now().Unix() + 300,
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := sample().Validate(); err != nil {
		t.Fatalf("valid intent rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"empty id", func(in *Intent) { in.ID = " " }},
		{"wrong action", func(in *Intent) { in.Action = "approve" }},
		{"bad token", func(in *Intent) { in.Params.Token = "not-an-address" }},
		{"bad recipient", func(in *Intent) { in.Params.To = "0x123" }},
		{"empty amount", func(in *Intent) { in.Params.Amount = "" }},
		{"float amount", func(in *Intent) { in.Params.Amount = "10.5" }},
		{"negative amount", func(in *Intent) { in.Params.Amount = "-1" }},
		{"bad fee", func(in *Intent) { in.Fee = "one" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sample()
			tc.mutate(in)
			err := in.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if xerrors.CodeOf(err) != xerrors.CodeValidation {
				t.Fatalf("expected validation code, got %v", xerrors.CodeOf(err))
			}
		})
	}
}

func TestRequiredTotal(t *testing.T) {
	total, err := sample().RequiredTotal()
	if err != nil {
		t.Fatalf("required total: %v", err)
	}
	if total.String() != "11000000" {
		t.Fatalf("expected 11000000, got %s", total)
	}
}

func TestComputeIdempotencyKey(t *testing.T) {
	a := sample()
	b := sample()
	b.ID = "different-id"

	if a.ComputeIdempotencyKey(338) != b.ComputeIdempotencyKey(338) {
		t.Fatal("same parameters must produce the same key regardless of id")
	}
	if a.ComputeIdempotencyKey(338) == a.ComputeIdempotencyKey(25) {
		t.Fatal("different chain ids must produce different keys")
	}

	c := sample()
	c.Params.Amount = "20000000"
	if a.ComputeIdempotencyKey(338) == c.ComputeIdempotencyKey(338) {
		t.Fatal("different amounts must produce different keys")
	}

	// Address case does not change the key.
	d := sample()
	d.Params.Token = "0XC01EFAAF7C5C61BEBFAEB358E1161B537B8BC0E0"
	if a.ComputeIdempotencyKey(338) != d.ComputeIdempotencyKey(338) {
		t.Fatal("token case must not change the key")
	}
}

func TestIsZeroRecipient(t *testing.T) {
	in := sample()
	if in.IsZeroRecipient() {
		t.Fatal("valid recipient flagged as zero")
	}
	in.Params.To = ""
	if !in.IsZeroRecipient() {
		t.Fatal("empty recipient not flagged")
	}
	in.Params.To = ZeroAddress
	if !in.IsZeroRecipient() {
		t.Fatal("null address not flagged")
	}
}
