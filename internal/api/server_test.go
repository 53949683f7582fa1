package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CronoGuard/internal/engine"
	"CronoGuard/internal/httpx"
	"CronoGuard/internal/intent"
	"CronoGuard/internal/policy"
	"CronoGuard/internal/preflight"
	"CronoGuard/internal/receipt"
	"CronoGuard/internal/store"
	"CronoGuard/internal/x402"

	"github.com/ethereum/go-ethereum/common"
)

const (
	testAsset     = "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0"
	testPayTo     = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

type fakeReader struct{}

func (fakeReader) BlockNumber(context.Context) (uint64, error) { return 1, nil }
func (fakeReader) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(50_000_000), nil
}
func (fakeReader) TokenName(context.Context, common.Address) (string, error) {
	return "Bridged USDC", nil
}
func (fakeReader) Close() {}

type fakeChecker struct{}

func (fakeChecker) Check(context.Context, *intent.Intent, string, bool, *preflight.Result) *preflight.Result {
	return &preflight.Result{
		OK:     true,
		Health: preflight.Health{FacilitatorUp: true, SupportedOK: true, RPCUp: true},
		TS:     time.Now().Unix(),
	}
}

func testIntent() *intent.Intent {
	return &intent.Intent{
		ID:            "intent-1",
		Action:        intent.ActionTransfer,
		Params:        intent.TransferParams{Token: testAsset, To: testRecipient, Amount: "10000000"},
		Fee:           "1000000",
		SessionExpiry: time.Now().Unix() + 300,
	}
}

func newTestServer(t *testing.T, facilitatorURL string) (*Server, store.Stores) {
	t.Helper()

	stores := store.NewMemoryStores()
	planner := intent.NewPlanner(intent.PlannerConfig{AssetAddress: testAsset, AssetDecimals: 6})
	pol := policy.NewEngine(policy.Config{AcceptedAsset: testAsset})
	builder := receipt.NewBuilder("https://explorer.example/tx/")
	pipeline := engine.New(planner, pol, fakeChecker{}, stores, builder, engine.Config{ChainID: 338})

	payments, err := x402.NewClient(httpx.NewClient(nil), fakeReader{},
		store.PaymentLookupAdapter{Payments: stores.Payments},
		x402.Config{
			FacilitatorBaseURL: facilitatorURL,
			Network:            "cronos-testnet",
			ChainID:            338,
			PayTo:              testPayTo,
			Asset:              testAsset,
		})
	if err != nil {
		t.Fatalf("x402.NewClient: %v", err)
	}

	return NewServer(":0", pipeline, payments, stores, nil), stores
}

func postJSON(t *testing.T, handler func(http.ResponseWriter, *http.Request), path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleCreateRunDry(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	rec := postJSON(t, server.handleRuns, "/api/v1/runs", engine.Request{Intent: testIntent(), DryRun: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var rr receipt.RunReceipt
	if err := json.Unmarshal(rec.Body.Bytes(), &rr); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !rr.Policy.Allowed || rr.Execution == nil || rr.Execution.TxHash != "dry-run" {
		t.Fatalf("unexpected receipt: policy=%+v execution=%+v", rr.Policy, rr.Execution)
	}
}

func TestHandleCreateRunBadBody(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	server.handleRuns(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleListRunsWithoutHistory(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.handleRuns(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", rec.Code)
	}
}

func TestHandlePayRequirements(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	rec := postJSON(t, server.handlePayRequirements, "/api/v1/pay/requirements",
		payRequirementsRequest{Intent: testIntent()})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp payRequirementsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PaymentRequirements.MaxAmountRequired != "1000000" {
		t.Fatalf("unexpected requirements: %+v", resp.PaymentRequirements)
	}
	if resp.Nonce == "" || resp.Signable.PrimaryType != "TransferWithAuthorization" {
		t.Fatalf("unexpected signable: %+v", resp.Signable)
	}
}

func TestSettleUnlocksExecution(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(x402.VerifyResult{IsValid: true})
		case "/settle":
			json.NewEncoder(w).Encode(x402.SettleResult{Event: x402.EventSettled, TxHash: "0xsettled"})
		}
	}))
	defer facilitator.Close()

	server, stores := newTestServer(t, facilitator.URL)

	header, err := x402.EncodeHeader(x402.PaymentHeader{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "cronos-testnet",
		Payload: x402.HeaderPayload{
			From:      testRecipient,
			To:        testPayTo,
			Value:     "1000000",
			Nonce:     "0xnonce",
			Signature: "0xsigned",
			Asset:     testAsset,
		},
	})
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	rec := postJSON(t, server.handlePaySettle, "/api/v1/pay/settle", paySettleRequest{
		IntentID:      "intent-1",
		PaymentHeader: header,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("settle failed: %d %s", rec.Code, rec.Body.String())
	}

	record, found, err := stores.Payments.GetPaid(context.Background(), "intent-1")
	if err != nil || !found {
		t.Fatalf("payment not recorded: found=%t err=%v", found, err)
	}
	if record.SettledTxRef != "0xsettled" || !record.Settled {
		t.Fatalf("unexpected payment record: %+v", record)
	}

	// A real-mode run for the paid intent now executes.
	runRec := postJSON(t, server.handleRuns, "/api/v1/runs", engine.Request{Intent: testIntent()})
	if runRec.Code != http.StatusOK {
		t.Fatalf("run failed: %d %s", runRec.Code, runRec.Body.String())
	}
	var rr receipt.RunReceipt
	if err := json.Unmarshal(runRec.Body.Bytes(), &rr); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if rr.Payment == nil || !rr.Payment.OK || rr.Payment.TxHash != "0xsettled" {
		t.Fatalf("payment gate did not open: %+v", rr.Payment)
	}
	if rr.Execution == nil || rr.Execution.TxHash != "ready" {
		t.Fatalf("unexpected execution: %+v", rr.Execution)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	server.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["schema_hash"] == "" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestMethodGuards(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	cases := []struct {
		name    string
		method  string
		path    string
		handler func(http.ResponseWriter, *http.Request)
	}{
		{"runs delete", http.MethodDelete, "/api/v1/runs", server.handleRuns},
		{"requirements get", http.MethodGet, "/api/v1/pay/requirements", server.handlePayRequirements},
		{"settle get", http.MethodGet, "/api/v1/pay/settle", server.handlePaySettle},
		{"health post", http.MethodPost, "/api/v1/health", server.handleHealth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			tc.handler(rec, req)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("expected 405, got %d", rec.Code)
			}
		})
	}
}
