package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/intent"
	"CronoGuard/internal/observability/metrics"
	"CronoGuard/internal/policy"
	"CronoGuard/internal/preflight"
	"CronoGuard/internal/receipt"
	"CronoGuard/internal/risk"
	"CronoGuard/internal/store"
	"CronoGuard/internal/x402"
	"CronoGuard/pkg/logger"
)

// Checker runs the preflight sequence. Satisfied by *preflight.Checker;
// declared here so the controller can be exercised with fakes.
type Checker interface {
	Check(ctx context.Context, in *intent.Intent, wallet string, simulateRPCDown bool, prior *preflight.Result) *preflight.Result
}

// Archiver persists finished receipts for the run history.
type Archiver interface {
	Archive(ctx context.Context, rr *receipt.RunReceipt) error
}

// Publisher fans finished receipts out to the audit channel.
type Publisher interface {
	Publish(ctx context.Context, rr *receipt.RunReceipt) error
}

// Request is the core entry point payload. Execution flags live here, beside
// the intent, never inside it: the intent stays immutable.
type Request struct {
	Intent          *intent.Intent    `json:"intent,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	Recipient       string            `json:"recipient,omitempty"`
	DryRun          bool              `json:"dry_run,omitempty"`
	WalletAddress   string            `json:"wallet_address,omitempty"`
	SimulateRPCDown bool              `json:"simulate_rpc_down,omitempty"`
	SimulateExpired bool              `json:"simulate_expired,omitempty"`
	ForceNew        bool              `json:"force_new,omitempty"`
	PriorPreflight  *preflight.Result `json:"prior_preflight,omitempty"`
}

// Config carries the static pieces of the pipeline.
type Config struct {
	ChainID int64
}

// Pipeline is the state machine that sequences policy, preflight, risk,
// payment and execution per request. Independent requests run concurrently;
// the keyed stores are the only shared state.
type Pipeline struct {
	planner *intent.Planner
	policy  *policy.Engine
	checker Checker
	stores  store.Stores
	builder *receipt.Builder
	archive Archiver
	audit   Publisher
	chainID int64
	log     *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithArchiver attaches a receipt archive.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archive = a }
}

// WithPublisher attaches an audit publisher.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.audit = pub }
}

// New builds a Pipeline.
func New(planner *intent.Planner, pol *policy.Engine, checker Checker, stores store.Stores, builder *receipt.Builder, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		planner: planner,
		policy:  pol,
		checker: checker,
		stores:  stores,
		builder: builder,
		chainID: cfg.ChainID,
		log:     logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run drives one request through the state machine. It returns an error only
// for requests rejected before entering the pipeline (validation); once
// inside, every outcome including an unexpected panic is converted into a
// receipt.
func (p *Pipeline) Run(ctx context.Context, req Request) (rr *receipt.RunReceipt, err error) {
	started := time.Now()

	// 1) Resolve intent.
	trace := []receipt.TraceEvent{receipt.Event(receipt.StagePlan, true, "Resolving action intent")}
	in, resolveErr := p.resolveIntent(req)
	if resolveErr != nil {
		return nil, resolveErr
	}
	trace = append(trace, receipt.Event(receipt.StagePlan, true, fmt.Sprintf("Intent resolved (id=%s)", in.ID)))

	// Anything past the boundary must produce a receipt, never an error.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline stage panicked", "intent_id", in.ID, "panic", r)
			trace = append(trace, receipt.Event(receipt.StageExecute, false,
				fmt.Sprintf("Unexpected failure: %v", r)))
			rr = p.failureReceipt(in, req.DryRun, trace, fmt.Sprintf("unexpected failure: %v", r))
			err = nil
		}
		metrics.ObserveRun(runOutcome(rr), time.Since(started))
	}()

	// 2) Idempotency dedup.
	if in.IdempotencyKey != "" && !req.ForceNew {
		if cached, ok, cacheErr := p.stores.Receipts.Get(ctx, in.IdempotencyKey); cacheErr != nil {
			p.log.Warn("receipt cache lookup failed", "error", cacheErr)
		} else if ok {
			p.log.Info("request deduplicated by idempotency key",
				"intent_id", in.ID, "idempotency_key", in.IdempotencyKey)
			return receipt.Deduped(cached), nil
		}
	}

	// 3) Lifecycle checks.
	if done, lifecycleRR := p.lifecycle(ctx, in, req.DryRun, &trace); done {
		return lifecycleRR, nil
	}

	// 4) Policy.
	trace = append(trace, receipt.Event(receipt.StagePolicy, true, "Evaluating policy"))
	decision := p.runPolicy(in, req.DryRun, &trace)

	// 5) Preflight.
	trace = append(trace, receipt.Event(receipt.StagePreflight, true, "Running preflight checks"))
	pf := p.runPreflight(ctx, in, req, &trace)

	// 6) Risk, always computed.
	assessment := risk.Score(in, pf, decision.Allowed)

	// 7) Gate.
	if !decision.Allowed || !pf.OK {
		return p.builder.Build(receipt.BuildArgs{
			Intent: in, Policy: decision, Risk: assessment, Preflight: pf,
			DryRun: req.DryRun, Trace: trace,
		}), nil
	}

	// 8) Payment gate, skipped entirely under dry run.
	var payment *receipt.PaymentOutcome
	var paid store.PaymentRecord
	if !req.DryRun {
		trace = append(trace, receipt.Event(receipt.StagePay, true, "Checking payment gate"))
		rec, ok, payErr := p.stores.Payments.GetPaid(ctx, in.ID)
		if payErr != nil {
			trace = append(trace, receipt.Event(receipt.StagePay, false, "Payment lookup failed"))
			return p.builder.Build(receipt.BuildArgs{
				Intent: in, Policy: decision, Risk: assessment, Preflight: pf,
				DryRun: req.DryRun,
				Payment: &receipt.PaymentOutcome{OK: false, Error: string(xerrors.CodeStorageFailure)},
				Trace:   trace,
			}), nil
		}
		if !ok {
			// A normal not-yet-paid state, left for the caller to act on.
			trace = append(trace, receipt.Event(receipt.StagePay, false,
				"No settled payment for this intent; pay the agent fee first"))
			return p.builder.Build(receipt.BuildArgs{
				Intent: in, Policy: decision, Risk: assessment, Preflight: pf,
				DryRun:  req.DryRun,
				Payment: &receipt.PaymentOutcome{OK: false, Error: string(xerrors.CodeNotPaid)},
				Trace:   trace,
			}), nil
		}
		paid = rec
		payment = &receipt.PaymentOutcome{OK: true, TxHash: rec.SettledTxRef, ReceiptID: rec.Nonce}
		trace = append(trace, receipt.Event(receipt.StagePay, true, "Payment found"))

		// 9) Mark executed. The set is atomic: a concurrent run for the
		// same intent loses here and terminates as already executed.
		first, execErr := p.stores.Executed.MarkExecuted(ctx, in.ID)
		if execErr != nil {
			trace = append(trace, receipt.Event(receipt.StageLifecycle, false, "Executed-set write failed"))
			return p.failureReceipt(in, req.DryRun, trace, execErr.Error()), nil
		}
		if !first {
			trace = append(trace, receipt.Event(receipt.StageLifecycle, false,
				"Intent was executed concurrently"))
			return p.terminalReceipt(in, req.DryRun, xerrors.CodeAlreadyExecuted, trace), nil
		}
	}

	// 10) Execution outcome.
	execution := p.buildExecution(in, req.DryRun, pf)
	trace = append(trace, receipt.Event(receipt.StageExecute, true, executionMessage(req.DryRun)))

	// 11) Persist and return.
	rr = p.buildFinal(in, decision, assessment, pf, req.DryRun, payment, paid, execution, trace)
	p.persist(ctx, in, rr)
	return rr, nil
}

// resolveIntent uses the supplied intent or asks the planner to build one
// from the prompt. Abnormal input is a validation error, rejected before the
// pipeline proper.
func (p *Pipeline) resolveIntent(req Request) (*intent.Intent, error) {
	in := req.Intent
	if in == nil {
		if req.Prompt == "" {
			return nil, xerrors.New(xerrors.CodeValidation, "request needs an intent or a prompt")
		}
		in = p.planner.Plan(req.Prompt, req.Recipient)
	} else {
		// Work on a copy: the caller's intent is never mutated.
		clone := *in
		in = &clone
	}

	if req.SimulateExpired {
		expired := *in
		expired.SessionExpiry = time.Now().Unix() - 60
		in = &expired
	}

	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = in.ComputeIdempotencyKey(p.chainID)
	}
	return in, nil
}

// lifecycle applies the terminal short-circuits: already executed and
// expired. Both skip preflight and payment entirely; policy and risk are
// recomputed only so the receipt keeps its shape.
func (p *Pipeline) lifecycle(ctx context.Context, in *intent.Intent, dryRun bool, trace *[]receipt.TraceEvent) (bool, *receipt.RunReceipt) {
	executed, err := p.stores.Executed.IsExecuted(ctx, in.ID)
	if err != nil {
		p.log.Warn("executed-set lookup failed", "intent_id", in.ID, "error", err)
	}
	if executed {
		*trace = append(*trace, receipt.Event(receipt.StageLifecycle, false,
			"Intent already executed; refusing to run again"))
		return true, p.terminalReceipt(in, dryRun, xerrors.CodeAlreadyExecuted, *trace)
	}

	if in.SessionExpiry < time.Now().Unix() {
		*trace = append(*trace, receipt.Event(receipt.StageLifecycle, false,
			"Intent session expired"))
		return true, p.terminalReceipt(in, dryRun, xerrors.CodeExpired, *trace)
	}

	*trace = append(*trace, receipt.Event(receipt.StageLifecycle, true, "Lifecycle checks passed"))
	return false, nil
}

func (p *Pipeline) runPolicy(in *intent.Intent, dryRun bool, trace *[]receipt.TraceEvent) policy.Decision {
	started := time.Now()
	decision := p.policy.Evaluate(in, dryRun)
	metrics.ObserveStage(receipt.StagePolicy, decision.Allowed, time.Since(started))

	message := "Policy allowed"
	if !decision.Allowed {
		message = "Policy denied"
	}
	*trace = append(*trace, receipt.Event(receipt.StagePolicy, decision.Allowed, message))
	return decision
}

func (p *Pipeline) runPreflight(ctx context.Context, in *intent.Intent, req Request, trace *[]receipt.TraceEvent) *preflight.Result {
	started := time.Now()
	pf := p.checker.Check(ctx, in, req.WalletAddress, req.SimulateRPCDown, req.PriorPreflight)
	metrics.ObserveStage(receipt.StagePreflight, pf.OK, time.Since(started))

	message := "Preflight OK"
	if !pf.OK {
		message = "Preflight failed: " + orUnknown(pf.Error)
	}
	*trace = append(*trace, receipt.Event(receipt.StagePreflight, pf.OK, message))

	for _, change := range pf.Changes {
		*trace = append(*trace, receipt.Event(receipt.StageDiff, true, change))
	}
	return pf
}

// buildExecution produces the synthetic dry-run outcome or the real-mode
// ready stub. On-chain submission itself belongs to the external chain
// client.
func (p *Pipeline) buildExecution(in *intent.Intent, dryRun bool, pf *preflight.Result) *receipt.ExecutionOutcome {
	constraints := []string{"action=transfer"}
	if total, err := in.RequiredTotal(); err == nil {
		constraints = append(constraints, "required_total="+total.String())
	}

	if dryRun {
		logs := []string{"Dry-run: no chain transaction submitted"}
		if pf.Data != nil {
			logs = append(logs, "Observed balance: "+pf.Data.Balance)
		}
		return &receipt.ExecutionOutcome{
			TxHash:      "dry-run",
			Status:      receipt.StatusSuccess,
			LogsSummary: logs,
			Constraints: constraints,
		}
	}
	return &receipt.ExecutionOutcome{
		TxHash:      "ready",
		Status:      receipt.StatusSuccess,
		LogsSummary: []string{"Submission delegated to the chain client"},
		Constraints: constraints,
	}
}

func (p *Pipeline) buildFinal(in *intent.Intent, decision policy.Decision, assessment risk.Assessment, pf *preflight.Result, dryRun bool, payment *receipt.PaymentOutcome, paid store.PaymentRecord, execution *receipt.ExecutionOutcome, trace []receipt.TraceEvent) *receipt.RunReceipt {
	args := receipt.BuildArgs{
		Intent: in, Policy: decision, Risk: assessment, Preflight: pf,
		DryRun: dryRun, Payment: payment, Execution: execution, Trace: trace,
	}
	if payment != nil && payment.OK {
		args.Verify = &x402.VerifyResult{IsValid: true}
		args.Settle = &x402.SettleResult{Event: x402.EventSettled, TxHash: paid.SettledTxRef}
	}
	return p.builder.Build(args)
}

// persist caches the receipt under its idempotency key and hands it to the
// archive and the audit channel. Failures here are logged, never surfaced:
// the run itself has already completed.
func (p *Pipeline) persist(ctx context.Context, in *intent.Intent, rr *receipt.RunReceipt) {
	if in.IdempotencyKey != "" {
		if err := p.stores.Receipts.Store(ctx, in.IdempotencyKey, rr); err != nil {
			p.log.Warn("receipt cache write failed", "intent_id", in.ID, "error", err)
		}
	}
	if p.archive != nil {
		if err := p.archive.Archive(ctx, rr); err != nil {
			p.log.Warn("receipt archive failed", "intent_id", in.ID, "error", err)
		}
	}
	if p.audit != nil {
		if err := p.audit.Publish(ctx, rr); err != nil {
			p.log.Warn("audit publish failed", "intent_id", in.ID, "error", err)
		}
	}
	logger.Audit().Info("run completed",
		"intent_id", in.ID,
		"idempotency_key", in.IdempotencyKey,
		"dry_run", rr.DryRun,
		"risk_score", rr.Risk.Score,
		"allowed", rr.Policy.Allowed,
	)
}

// terminalReceipt builds the ALREADY_EXECUTED / EXPIRED short-circuit
// receipt. Policy and risk are recomputed for shape only; preflight is a
// synthetic record carrying the lifecycle code, and execution reports a
// reverted status so callers treat the run as final.
func (p *Pipeline) terminalReceipt(in *intent.Intent, dryRun bool, code xerrors.Code, trace []receipt.TraceEvent) *receipt.RunReceipt {
	decision := p.policy.Evaluate(in, dryRun)
	pf := &preflight.Result{OK: false, Error: string(code), TS: time.Now().Unix()}
	assessment := risk.Score(in, pf, decision.Allowed)
	return p.builder.Build(receipt.BuildArgs{
		Intent: in, Policy: decision, Risk: assessment, Preflight: pf,
		DryRun: dryRun,
		Execution: &receipt.ExecutionOutcome{
			Status:      receipt.StatusReverted,
			LogsSummary: []string{string(code)},
		},
		Trace: trace,
	})
}

// failureReceipt converts an unexpected stage failure into a non-throwing
// outcome recorded in the trace.
func (p *Pipeline) failureReceipt(in *intent.Intent, dryRun bool, trace []receipt.TraceEvent, detail string) *receipt.RunReceipt {
	pf := &preflight.Result{OK: false, Error: string(xerrors.CodeUnknown), TS: time.Now().Unix()}
	decision := p.policy.Evaluate(in, dryRun)
	assessment := risk.Score(in, pf, decision.Allowed)
	return p.builder.Build(receipt.BuildArgs{
		Intent: in, Policy: decision, Risk: assessment, Preflight: pf,
		DryRun: dryRun,
		Execution: &receipt.ExecutionOutcome{
			Status:      receipt.StatusReverted,
			LogsSummary: []string{detail},
		},
		Trace: trace,
	})
}

func executionMessage(dryRun bool) string {
	if dryRun {
		return "Dry-run execution (no chain transaction)"
	}
	return "Execution ready for chain client"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func runOutcome(rr *receipt.RunReceipt) string {
	switch {
	case rr == nil:
		return "rejected"
	case rr.Deduped:
		return "deduped"
	case rr.Execution != nil && rr.Execution.Status == receipt.StatusSuccess:
		return "success"
	default:
		return "blocked"
	}
}
