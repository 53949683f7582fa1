package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"CronoGuard/internal/chain"
	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/httpx"
	"CronoGuard/internal/intent"
	"CronoGuard/internal/observability/metrics"
	"CronoGuard/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const (
	probeRetries = 1
	probeTimeout = 6 * time.Second

	rpcAttempts = 2
	rpcBackoff  = 250 * time.Millisecond
)

// BalanceUnknown is reported when no wallet address was supplied and the
// balance check is deferred to execution time.
const BalanceUnknown = "unknown"

// Health captures the live-dependency probes with per-check latency.
type Health struct {
	FacilitatorUp        bool  `json:"facilitator_up"`
	SupportedOK          bool  `json:"supported_ok"`
	RPCUp                bool  `json:"rpc_up"`
	FacilitatorLatencyMS int64 `json:"facilitator_latency_ms,omitempty"`
	RPCLatencyMS         int64 `json:"rpc_latency_ms,omitempty"`
}

// BalanceData reports the observed balance and its sufficiency against the
// transfer amount and against amount+fee. Sufficiency is informational: it
// feeds risk scoring but does not gate the preflight outcome.
type BalanceData struct {
	Balance             string `json:"balance"`
	SufficientForAmount bool   `json:"sufficient_for_amount"`
	SufficientForTotal  bool   `json:"sufficient_for_total"`
}

// Simulation records a simulated execution outcome when one was attempted.
type Simulation struct {
	Success      bool   `json:"success"`
	Notes        string `json:"notes,omitempty"`
	RevertReason string `json:"revert_reason,omitempty"`
}

// Result is the full preflight record attached to the run receipt.
type Result struct {
	OK         bool         `json:"ok"`
	Health     Health       `json:"health"`
	Data       *BalanceData `json:"data,omitempty"`
	Simulation *Simulation  `json:"simulation,omitempty"`
	Changes    []string     `json:"changes,omitempty"`
	Error      string       `json:"error,omitempty"`
	TS         int64        `json:"ts"`
}

// Config wires the checker to the active facilitator and network.
type Config struct {
	FacilitatorBaseURL string
	Network            string
}

// Checker verifies external dependency health and transaction viability
// before any payment or execution is attempted.
type Checker struct {
	http    *httpx.Client
	reader  chain.Reader
	baseURL string
	network string
	log     *slog.Logger
}

// NewChecker builds a Checker.
func NewChecker(httpClient *httpx.Client, reader chain.Reader, cfg Config) *Checker {
	return &Checker{
		http:    httpClient,
		reader:  reader,
		baseURL: strings.TrimRight(cfg.FacilitatorBaseURL, "/"),
		network: cfg.Network,
		log:     logger.Named("preflight"),
	}
}

// Check runs the probe sequence against the live dependencies. A non-empty
// wallet enables the balance check; simulateRPCDown forces the liveness probe
// to fail deterministically for testing; prior, when present, is the snapshot
// of an earlier attempt of the same logical run and yields a change list.
func (c *Checker) Check(ctx context.Context, in *intent.Intent, wallet string, simulateRPCDown bool, prior *Result) *Result {
	result := &Result{TS: time.Now().Unix()}
	defer func() {
		if prior != nil {
			result.Changes = diff(prior, result)
		}
	}()

	// 1) Facilitator health probe.
	var health struct {
		Status string `json:"status"`
	}
	latency, err := c.http.GetJSON(ctx, c.baseURL+"/healthcheck", &health,
		httpx.Options{Retries: probeRetries, Timeout: probeTimeout})
	if err != nil {
		c.log.Warn("facilitator healthcheck failed", "error", err)
	} else {
		result.Health.FacilitatorUp = health.Status == "success"
		result.Health.FacilitatorLatencyMS = latency
		metrics.ObserveProbe("facilitator", latency)
	}

	// 2) Facilitator capability probe.
	var supported struct {
		Kinds []struct {
			X402Version int    `json:"x402Version"`
			Scheme      string `json:"scheme"`
			Network     string `json:"network"`
		} `json:"kinds"`
	}
	if _, err := c.http.GetJSON(ctx, c.baseURL+"/v2/x402/supported", &supported,
		httpx.Options{Retries: probeRetries, Timeout: probeTimeout}); err != nil {
		c.log.Warn("facilitator capability probe failed", "error", err)
	} else {
		for _, kind := range supported.Kinds {
			if kind.X402Version == 1 && kind.Scheme == "exact" && kind.Network == c.network {
				result.Health.SupportedOK = true
				break
			}
		}
	}

	// 3) Chain liveness. A down RPC is a hard gate: nothing else can be
	// trusted, so return immediately.
	rpcLatency, err := c.probeRPC(ctx, simulateRPCDown)
	result.Health.RPCLatencyMS = rpcLatency
	metrics.ObserveProbe("rpc", rpcLatency)
	if err != nil {
		result.Health.RPCUp = false
		result.Error = string(xerrors.CodeRPCDown)
		result.OK = false
		return result
	}
	result.Health.RPCUp = true

	// 4) Asset validity probe.
	if _, err := c.reader.TokenName(ctx, common.HexToAddress(in.Params.Token)); err != nil {
		result.Simulation = &Simulation{
			Success:      false,
			Notes:        "token metadata read failed",
			RevertReason: err.Error(),
		}
		result.Error = string(xerrors.CodeInvalidToken)
		result.OK = false
		return result
	}

	// 5) Optional balance check.
	if wallet != "" {
		result.Data = c.checkBalance(ctx, in, wallet)
	}

	result.OK = result.Health.FacilitatorUp && result.Health.SupportedOK && result.Health.RPCUp
	return result
}

func (c *Checker) probeRPC(ctx context.Context, simulateDown bool) (int64, error) {
	started := time.Now()
	if simulateDown {
		return time.Since(started).Milliseconds(), xerrors.New(xerrors.CodeRPCDown, "simulated rpc outage")
	}

	var lastErr error
	for attempt := 0; attempt < rpcAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * rpcBackoff):
			case <-ctx.Done():
				return time.Since(started).Milliseconds(), ctx.Err()
			}
		}
		if _, err := c.reader.BlockNumber(ctx); err != nil {
			lastErr = err
			continue
		}
		return time.Since(started).Milliseconds(), nil
	}
	return time.Since(started).Milliseconds(), lastErr
}

func (c *Checker) checkBalance(ctx context.Context, in *intent.Intent, wallet string) *BalanceData {
	balance, err := c.reader.TokenBalance(ctx,
		common.HexToAddress(in.Params.Token), common.HexToAddress(wallet))
	if err != nil {
		c.log.Warn("balance read failed", "wallet", wallet, "error", err)
		// Deferred to execution time, same as when no wallet is supplied.
		return &BalanceData{Balance: BalanceUnknown, SufficientForAmount: true, SufficientForTotal: true}
	}

	amount, amountErr := in.AmountUnits()
	total, totalErr := in.RequiredTotal()
	data := &BalanceData{Balance: balance.String(), SufficientForAmount: true, SufficientForTotal: true}
	if amountErr == nil {
		data.SufficientForAmount = balance.Cmp(amount) >= 0
	}
	if totalErr == nil {
		data.SufficientForTotal = balance.Cmp(total) >= 0
	}
	return data
}

// diff lists human-readable deltas between a prior snapshot and the current
// result: infrastructure transitions, balance movement, sufficiency changes.
func diff(prior, current *Result) []string {
	var changes []string

	if prior.Health.RPCUp != current.Health.RPCUp {
		changes = append(changes, transition("rpc", prior.Health.RPCUp, current.Health.RPCUp))
	}
	if prior.Health.FacilitatorUp != current.Health.FacilitatorUp {
		changes = append(changes, transition("facilitator", prior.Health.FacilitatorUp, current.Health.FacilitatorUp))
	}

	if prior.Data != nil && current.Data != nil {
		if prior.Data.Balance != current.Data.Balance {
			changes = append(changes, fmt.Sprintf("balance changed: %s -> %s",
				prior.Data.Balance, current.Data.Balance))
		}
		if prior.Data.SufficientForTotal != current.Data.SufficientForTotal {
			changes = append(changes, fmt.Sprintf("sufficiency for required total changed: %t -> %t",
				prior.Data.SufficientForTotal, current.Data.SufficientForTotal))
		}
	}
	return changes
}

func transition(name string, before, after bool) string {
	return fmt.Sprintf("%s transitioned: %s -> %s", name, upDown(before), upDown(after))
}

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}
