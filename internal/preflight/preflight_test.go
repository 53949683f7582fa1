package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CronoGuard/internal/httpx"
	"CronoGuard/internal/intent"

	"github.com/ethereum/go-ethereum/common"
)

const (
	testAsset  = "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0"
	testWallet = "0x2222222222222222222222222222222222222222"
)

type fakeReader struct {
	blockErr  error
	balance   *big.Int
	balErr    error
	tokenName string
	nameErr   error
}

func (f *fakeReader) BlockNumber(context.Context) (uint64, error) {
	return 42, f.blockErr
}
func (f *fakeReader) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return f.balance, f.balErr
}
func (f *fakeReader) TokenName(context.Context, common.Address) (string, error) {
	return f.tokenName, f.nameErr
}
func (f *fakeReader) Close() {}

func healthyFacilitator(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthcheck":
			json.NewEncoder(w).Encode(map[string]string{"status": "success"})
		case "/v2/x402/supported":
			json.NewEncoder(w).Encode(map[string]any{
				"kinds": []map[string]any{
					{"x402Version": 1, "scheme": "exact", "network": "cronos-testnet"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func testIntent() *intent.Intent {
	return &intent.Intent{
		ID:            "intent-1",
		Action:        intent.ActionTransfer,
		Params:        intent.TransferParams{Token: testAsset, To: testWallet, Amount: "10000000"},
		Fee:           "1000000",
		SessionExpiry: time.Now().Unix() + 300,
	}
}

func newChecker(baseURL string, reader *fakeReader) *Checker {
	return NewChecker(httpx.NewClient(nil), reader, Config{
		FacilitatorBaseURL: baseURL,
		Network:            "cronos-testnet",
	})
}

func TestCheckAllHealthy(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	reader := &fakeReader{balance: big.NewInt(50_000_000), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), testWallet, false, nil)

	if !result.OK {
		t.Fatalf("expected OK, got %+v", result)
	}
	if !result.Health.FacilitatorUp || !result.Health.SupportedOK || !result.Health.RPCUp {
		t.Fatalf("unexpected health: %+v", result.Health)
	}
	if result.Data == nil || result.Data.Balance != "50000000" {
		t.Fatalf("unexpected balance data: %+v", result.Data)
	}
	if !result.Data.SufficientForAmount || !result.Data.SufficientForTotal {
		t.Fatalf("expected sufficiency, got %+v", result.Data)
	}
}

func TestCheckRPCDownIsHardGate(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	reader := &fakeReader{blockErr: errors.New("connection refused"), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), testWallet, false, nil)

	if result.OK {
		t.Fatal("expected failure")
	}
	if result.Error != "RPC_DOWN" {
		t.Fatalf("expected RPC_DOWN, got %q", result.Error)
	}
	// Nothing after the gate ran.
	if result.Data != nil || result.Simulation != nil {
		t.Fatalf("checks after the rpc gate must not run: %+v", result)
	}
}

func TestCheckSimulatedRPCDown(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	reader := &fakeReader{balance: big.NewInt(1), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), testWallet, true, nil)

	if result.OK || result.Error != "RPC_DOWN" {
		t.Fatalf("simulated outage must gate, got %+v", result)
	}
}

func TestCheckInvalidToken(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	reader := &fakeReader{nameErr: errors.New("execution reverted")}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), testWallet, false, nil)

	if result.OK {
		t.Fatal("expected failure")
	}
	if result.Error != "INVALID_TOKEN" {
		t.Fatalf("expected INVALID_TOKEN, got %q", result.Error)
	}
	if result.Simulation == nil || result.Simulation.Success {
		t.Fatalf("expected failed simulation record: %+v", result.Simulation)
	}
}

func TestCheckInsufficientBalance(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	// Covers the amount but not amount+fee.
	reader := &fakeReader{balance: big.NewInt(10_500_000), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), testWallet, false, nil)

	if !result.OK {
		t.Fatalf("sufficiency is informational, preflight must still pass: %+v", result)
	}
	if !result.Data.SufficientForAmount || result.Data.SufficientForTotal {
		t.Fatalf("unexpected sufficiency: %+v", result.Data)
	}
}

func TestCheckNoWalletSkipsBalance(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	reader := &fakeReader{balance: big.NewInt(1), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), "", false, nil)

	if result.Data != nil {
		t.Fatalf("no wallet must mean no balance data, got %+v", result.Data)
	}
}

func TestCheckBalanceReadFailure(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	reader := &fakeReader{balErr: errors.New("rpc flake"), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), testWallet, false, nil)

	if result.Data == nil || result.Data.Balance != BalanceUnknown {
		t.Fatalf("expected unknown balance, got %+v", result.Data)
	}
	if !result.Data.SufficientForAmount || !result.Data.SufficientForTotal {
		t.Fatal("unknown balance defers sufficiency to execution time")
	}
}

func TestCheckFacilitatorDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	reader := &fakeReader{balance: big.NewInt(1), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), "", false, nil)

	if result.OK {
		t.Fatal("facilitator down must fail the preflight")
	}
	if result.Health.FacilitatorUp || result.Health.SupportedOK {
		t.Fatalf("unexpected health: %+v", result.Health)
	}
	// The RPC probe still ran, it comes before the verdict.
	if !result.Health.RPCUp {
		t.Fatal("rpc probe must still run")
	}
}

func TestCheckUnsupportedNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthcheck":
			json.NewEncoder(w).Encode(map[string]string{"status": "success"})
		case "/v2/x402/supported":
			json.NewEncoder(w).Encode(map[string]any{
				"kinds": []map[string]any{
					{"x402Version": 1, "scheme": "exact", "network": "base-sepolia"},
				},
			})
		}
	}))
	defer server.Close()

	reader := &fakeReader{balance: big.NewInt(1), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), "", false, nil)

	if result.OK || result.Health.SupportedOK {
		t.Fatalf("unsupported network must fail, got %+v", result)
	}
}

func TestCheckDiffAgainstPrior(t *testing.T) {
	server := healthyFacilitator(t)
	defer server.Close()

	prior := &Result{
		OK:     false,
		Health: Health{RPCUp: false, FacilitatorUp: true},
		Data:   &BalanceData{Balance: "1000000", SufficientForTotal: false},
	}

	reader := &fakeReader{balance: big.NewInt(50_000_000), tokenName: "Bridged USDC"}
	result := newChecker(server.URL, reader).Check(context.Background(), testIntent(), testWallet, false, prior)

	if len(result.Changes) == 0 {
		t.Fatalf("expected change list, got none: %+v", result)
	}
	foundRPC, foundBalance, foundSufficiency := false, false, false
	for _, change := range result.Changes {
		switch {
		case change == "rpc transitioned: down -> up":
			foundRPC = true
		case change == "balance changed: 1000000 -> 50000000":
			foundBalance = true
		case change == "sufficiency for required total changed: false -> true":
			foundSufficiency = true
		}
	}
	if !foundRPC || !foundBalance || !foundSufficiency {
		t.Fatalf("missing expected changes: %v", result.Changes)
	}
}
