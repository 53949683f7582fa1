package risk

import (
	"CronoGuard/internal/intent"
	"CronoGuard/internal/preflight"
)

// Flags attached to a risk assessment.
const (
	FlagPolicyDenied     = "POLICY_DENIED"
	FlagPreflightFailed  = "PREFLIGHT_FAILED"
	FlagNoLiquidity      = "NO_LIQUIDITY"
	FlagSimulationFailed = "SIMULATION_FAILED"
	FlagRPCSlow          = "RPC_SLOW"
	FlagFacilitatorSlow  = "FACILITATOR_SLOW"
)

// Latency thresholds above which infrastructure counts as slow.
const (
	SlowRPCThresholdMS         = 1000
	SlowFacilitatorThresholdMS = 2000
)

// Assessment is a numeric risk verdict. Score runs 0-100 where 0 is safest,
// pinned to 100 whenever policy denied or preflight failed.
type Assessment struct {
	Score  int      `json:"score"`
	Flags  []string `json:"flags"`
	Reason string   `json:"reason,omitempty"`
}

// Score combines the policy and preflight outcomes into an assessment. Pure
// and deterministic: the same inputs always produce the same verdict.
func Score(in *intent.Intent, pf *preflight.Result, policyAllowed bool) Assessment {
	if !policyAllowed {
		return Assessment{
			Score:  100,
			Flags:  []string{FlagPolicyDenied},
			Reason: "Policy denied execution.",
		}
	}
	if pf == nil || !pf.OK {
		return Assessment{
			Score:  100,
			Flags:  []string{FlagPreflightFailed},
			Reason: "Preflight checks failed.",
		}
	}

	score := 0
	var flags []string
	var reason string

	if pf.Simulation == nil && pf.Data == nil {
		score += 50
		flags = append(flags, FlagNoLiquidity)
		reason = "No valid balance data or simulation found."
	} else if pf.Simulation != nil && !pf.Simulation.Success {
		score += 80
		flags = append(flags, FlagSimulationFailed)
		reason = "Simulation reverted (execution likely to fail)."
	}

	if pf.Health.RPCLatencyMS > SlowRPCThresholdMS {
		score += 10
		flags = append(flags, FlagRPCSlow)
		if reason == "" {
			reason = "Chain RPC responded slowly."
		}
	}
	if pf.Health.FacilitatorLatencyMS > SlowFacilitatorThresholdMS {
		score += 10
		flags = append(flags, FlagFacilitatorSlow)
		if reason == "" {
			reason = "Facilitator responded slowly."
		}
	}

	if score > 100 {
		score = 100
	}
	return Assessment{Score: score, Flags: flags, Reason: reason}
}
