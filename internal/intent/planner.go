package intent

import (
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// sessionTTL is the one-time envelope: a planned intent must complete
	// within this window or lifecycle checks reject it.
	sessionTTL = 300 * time.Second

	defaultWholeAmount = 10
	feeWholeUnits      = 1
)

var amountPattern = regexp.MustCompile(`(\d+(\.\d+)?)`)

// PlannerConfig pins the planner to the active network's accepted asset.
type PlannerConfig struct {
	AssetAddress  string
	AssetDecimals int
}

// Planner turns free-form text into a transfer intent. The parse is
// deliberately minimal: the first number in the prompt is the whole-unit
// amount, everything else is fixed by configuration.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner builds a Planner for the configured asset.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.AssetDecimals <= 0 {
		cfg.AssetDecimals = 6
	}
	return &Planner{cfg: cfg}
}

// Plan builds an ActionIntent from a prompt like "Transfer 10 USDC.e".
// A missing amount falls back to 10 whole units; a missing recipient stays
// empty and is left for policy to judge.
func (p *Planner) Plan(prompt, recipient string) *Intent {
	now := time.Now().Unix()

	whole := strings.TrimSpace(prompt)
	amount := wholeToBaseUnits(big.NewInt(defaultWholeAmount), p.cfg.AssetDecimals)
	if m := amountPattern.FindString(whole); m != "" {
		if parsed, ok := parseDecimalAmount(m, p.cfg.AssetDecimals); ok {
			amount = parsed
		}
	}

	return &Intent{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		Action:        ActionTransfer,
		Params: TransferParams{
			Token:  p.cfg.AssetAddress,
			To:     strings.TrimSpace(recipient),
			Amount: amount.String(),
		},
		Fee:           wholeToBaseUnits(big.NewInt(feeWholeUnits), p.cfg.AssetDecimals).String(),
		SessionExpiry: now + int64(sessionTTL.Seconds()),
	}
}

// parseDecimalAmount converts a decimal literal such as "12.5" into base
// units without going through floating point. Fractions beyond the asset's
// precision are rejected.
func parseDecimalAmount(raw string, decimals int) (*big.Int, bool) {
	parts := strings.SplitN(raw, ".", 2)
	wholePart, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, false
	}
	result := wholeToBaseUnits(wholePart, decimals)

	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) > decimals {
			return nil, false
		}
		frac += strings.Repeat("0", decimals-len(frac))
		fracUnits, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, false
		}
		result.Add(result, fracUnits)
	}
	return result, true
}

func wholeToBaseUnits(whole *big.Int, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(whole, scale)
}
