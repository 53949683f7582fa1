package policy

import (
	"math/big"
	"strings"
	"time"

	"CronoGuard/internal/intent"
)

// Rule tags recorded in the decision trace. OK_ marks a passing rule, DENY_
// a hard failure, WARN_ an allowed-but-flagged outcome.
const (
	TagOKActionTransfer  = "OK_action_transfer"
	TagDenyActionKind    = "DENY_action_not_transfer"
	TagOKNotExpired      = "OK_intent_not_expired"
	TagDenyExpired       = "DENY_intent_expired"
	TagOKToken           = "OK_token_USDCe"
	TagDenyToken         = "DENY_token_not_USDCe"
	TagOKAmountUnderCap  = "OK_amount_under_cap"
	TagDenyAmountOverCap = "DENY_amount_over_cap_25_USDCe"
	TagDenyAmountInvalid = "DENY_amount_invalid"
	TagOKRecipient       = "OK_recipient_valid"
	TagDenyRecipientZero = "DENY_recipient_zero"
	TagWarnRecipientZero = "WARN_recipient_zero_dryrun"
)

// DefaultAmountCap is 25 whole units at 6 decimals.
var DefaultAmountCap = big.NewInt(25_000_000)

// Decision is the outcome of a policy evaluation. It is a pure function of
// the intent and the evaluation mode: repeatable, no hidden state.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	RulesTriggered []string `json:"rules_triggered"`
	Reason         string   `json:"reason,omitempty"`
}

// Config pins the engine to the active network's accepted asset and ceiling.
type Config struct {
	AcceptedAsset string
	AmountCap     *big.Int
}

// Engine evaluates the fixed business-rule list over an intent. It performs
// no I/O.
type Engine struct {
	acceptedAsset string
	amountCap     *big.Int
}

// NewEngine builds an Engine. A nil cap falls back to DefaultAmountCap.
func NewEngine(cfg Config) *Engine {
	cap := cfg.AmountCap
	if cap == nil {
		cap = DefaultAmountCap
	}
	return &Engine{
		acceptedAsset: strings.ToLower(cfg.AcceptedAsset),
		amountCap:     new(big.Int).Set(cap),
	}
}

// Evaluate runs every rule in order and never short-circuits, so the rule
// trace reflects each rule's outcome even when an earlier one already denies.
// dryRun degrades the zero-recipient rule from deny to warn; everything else
// is mode independent.
func (e *Engine) Evaluate(in *intent.Intent, dryRun bool) Decision {
	rules := make([]string, 0, 5)
	allowed := true
	now := time.Now().Unix()

	// 1. Action kind.
	if in.Action != intent.ActionTransfer {
		allowed = false
		rules = append(rules, TagDenyActionKind)
	} else {
		rules = append(rules, TagOKActionTransfer)
	}

	// 2. Session expiry.
	if in.SessionExpiry < now {
		allowed = false
		rules = append(rules, TagDenyExpired)
	} else {
		rules = append(rules, TagOKNotExpired)
	}

	// 3. Asset allow-list.
	if strings.ToLower(in.Params.Token) != e.acceptedAsset {
		allowed = false
		rules = append(rules, TagDenyToken)
	} else {
		rules = append(rules, TagOKToken)
	}

	// 4. Amount cap, base-unit integer comparison.
	amount, err := in.AmountUnits()
	switch {
	case err != nil:
		allowed = false
		rules = append(rules, TagDenyAmountInvalid)
	case amount.Cmp(e.amountCap) > 0:
		allowed = false
		rules = append(rules, TagDenyAmountOverCap)
	default:
		rules = append(rules, TagOKAmountUnderCap)
	}

	// 5. Recipient sanity. A zero recipient is warn-only under dry run,
	// a hard deny in real mode.
	if in.IsZeroRecipient() {
		if dryRun {
			rules = append(rules, TagWarnRecipientZero)
		} else {
			allowed = false
			rules = append(rules, TagDenyRecipientZero)
		}
	} else {
		rules = append(rules, TagOKRecipient)
	}

	reason := "Policy OK"
	if !allowed {
		reason = "Policy denied (see rules_triggered)"
	}
	return Decision{Allowed: allowed, RulesTriggered: rules, Reason: reason}
}
