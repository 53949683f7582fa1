package receipt

import (
	"time"

	"CronoGuard/internal/intent"
	"CronoGuard/internal/policy"
	"CronoGuard/internal/preflight"
	"CronoGuard/internal/risk"
	"CronoGuard/internal/x402"
)

// Version identifies the receipt schema.
const Version = "1.0"

// Trace stage names. The set is closed: every event names one of these.
const (
	StagePlan        = "plan"
	StagePolicy      = "policy"
	StagePreflight   = "preflight"
	StagePay         = "pay"
	StageExecute     = "execute"
	StageLifecycle   = "lifecycle"
	StageIdempotency = "idempotency"
	StageDiff        = "diff"
)

// Execution statuses.
const (
	StatusSuccess  = "success"
	StatusReverted = "reverted"
)

// TraceEvent is one append-only entry in the run trace.
type TraceEvent struct {
	TS      int64  `json:"ts"`
	Stage   string `json:"stage"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Event builds a trace event stamped with the current time.
func Event(stage string, ok bool, message string) TraceEvent {
	return TraceEvent{TS: time.Now().Unix(), Stage: stage, OK: ok, Message: message}
}

// PaymentOutcome summarises the payment gate for the caller.
type PaymentOutcome struct {
	OK        bool   `json:"ok"`
	TxHash    string `json:"tx_hash,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProtocolTrace is the payment-protocol sub-trace derived when a payment
// went through: raw verify/settle results plus a constructed explorer link.
type ProtocolTrace struct {
	Verify       *x402.VerifyResult `json:"verify,omitempty"`
	Settle       *x402.SettleResult `json:"settle,omitempty"`
	ExplorerLink string             `json:"explorer_link,omitempty"`
}

// ExecutionOutcome describes what execution produced. In dry-run mode it is
// a synthetic record; in real mode a ready stub, since on-chain submission is
// the external chain client's job.
type ExecutionOutcome struct {
	TxHash      string   `json:"tx_hash"`
	Status      string   `json:"status"`
	LogsSummary []string `json:"logs_summary,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// RunReceipt is the immutable audit record of one pipeline invocation. Once
// built it is never mutated: it is safe to cache and replay verbatim.
type RunReceipt struct {
	ReceiptVersion string            `json:"receipt_version"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Deduped        bool              `json:"deduped,omitempty"`
	Intent         intent.Intent     `json:"intent"`
	Policy         policy.Decision   `json:"policy"`
	Risk           risk.Assessment   `json:"risk"`
	Preflight      *preflight.Result `json:"preflight"`
	DryRun         bool              `json:"dry_run"`
	Payment        *PaymentOutcome   `json:"payment"`
	Protocol       *ProtocolTrace    `json:"protocol,omitempty"`
	Execution      *ExecutionOutcome `json:"execution"`
	Trace          []TraceEvent      `json:"trace"`
}

// BuildArgs carries everything the builder assembles into a receipt.
type BuildArgs struct {
	Intent    *intent.Intent
	Policy    policy.Decision
	Risk      risk.Assessment
	Preflight *preflight.Result
	DryRun    bool
	Payment   *PaymentOutcome
	Verify    *x402.VerifyResult
	Settle    *x402.SettleResult
	Execution *ExecutionOutcome
	Trace     []TraceEvent
}

// Builder assembles receipts. Pure: no I/O, never mutates its inputs.
type Builder struct {
	explorerTxBase string
}

// NewBuilder creates a Builder that derives explorer links from the given
// transaction base URL.
func NewBuilder(explorerTxBase string) *Builder {
	return &Builder{explorerTxBase: explorerTxBase}
}

// Build assembles the final receipt. When the payment is present and
// successful it derives the protocol sub-trace, including an explorer link
// for the settlement transaction.
func (b *Builder) Build(args BuildArgs) *RunReceipt {
	rr := &RunReceipt{
		ReceiptVersion: Version,
		Policy:         args.Policy,
		Risk:           args.Risk,
		Preflight:      args.Preflight,
		DryRun:         args.DryRun,
		Payment:        args.Payment,
		Execution:      args.Execution,
		Trace:          append([]TraceEvent(nil), args.Trace...),
	}
	if args.Intent != nil {
		rr.Intent = *args.Intent
		rr.IdempotencyKey = args.Intent.IdempotencyKey
	}

	if args.Payment != nil && args.Payment.OK {
		trace := &ProtocolTrace{Verify: args.Verify, Settle: args.Settle}
		if args.Payment.TxHash != "" && b.explorerTxBase != "" {
			trace.ExplorerLink = b.explorerTxBase + args.Payment.TxHash
		}
		rr.Protocol = trace
	}

	return rr
}

// Deduped returns a copy of rr flagged as a cache hit. Everything else is
// identical to the original.
func Deduped(rr *RunReceipt) *RunReceipt {
	clone := *rr
	clone.Deduped = true
	clone.Trace = append([]TraceEvent(nil), rr.Trace...)
	return &clone
}
