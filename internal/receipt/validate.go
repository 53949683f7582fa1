package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

var validStages = map[string]struct{}{
	StagePlan:        {},
	StagePolicy:      {},
	StagePreflight:   {},
	StagePay:         {},
	StageExecute:     {},
	StageLifecycle:   {},
	StageIdempotency: {},
	StageDiff:        {},
}

// schemaDescriptor pins the structural expectations below; its hash lets two
// parties confirm they validate against the same shape.
const schemaDescriptor = "receipt_version:1.0;intent{id,action,params{token,to,amount},fee,session_expiry};" +
	"policy{allowed,rules_triggered};risk{score,flags};preflight{ok,health,ts};" +
	"dry_run;payment?;execution?;trace[{ts,stage,ok,message}]"

// SchemaHash returns the truncated hash identifying the validated schema.
func SchemaHash() string {
	sum := sha256.Sum256([]byte(schemaDescriptor))
	return hex.EncodeToString(sum[:])[:12]
}

// Validate performs structural checks on a receipt, returning every problem
// found. A receipt with no problems is safe to archive and export.
func Validate(rr *RunReceipt) []string {
	var problems []string
	if rr == nil {
		return []string{"receipt is nil"}
	}

	if rr.ReceiptVersion != Version {
		problems = append(problems, fmt.Sprintf("receipt_version: expected %q, got %q", Version, rr.ReceiptVersion))
	}
	if rr.Intent.ID == "" {
		problems = append(problems, "intent.id: empty")
	}
	if rr.Intent.Action == "" {
		problems = append(problems, "intent.action: empty")
	}
	if !strings.HasPrefix(rr.Intent.Params.Token, "0x") {
		problems = append(problems, "intent.params.token: not an address")
	}
	if len(rr.Policy.RulesTriggered) == 0 {
		problems = append(problems, "policy.rules_triggered: empty")
	}
	if rr.Risk.Score < 0 || rr.Risk.Score > 100 {
		problems = append(problems, fmt.Sprintf("risk.score: %d out of range [0,100]", rr.Risk.Score))
	}
	if rr.Preflight == nil {
		problems = append(problems, "preflight: missing")
	}
	if rr.Execution != nil {
		switch rr.Execution.Status {
		case StatusSuccess, StatusReverted:
		default:
			problems = append(problems, fmt.Sprintf("execution.status: unknown %q", rr.Execution.Status))
		}
	}
	if len(rr.Trace) == 0 {
		problems = append(problems, "trace: empty")
	}
	for i, event := range rr.Trace {
		if _, ok := validStages[event.Stage]; !ok {
			problems = append(problems, fmt.Sprintf("trace[%d].stage: unknown %q", i, event.Stage))
		}
	}
	return problems
}
