package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	xerrors "CronoGuard/internal/errors"
)

// ActionTransfer is the only action kind the pipeline executes.
const ActionTransfer = "transfer"

// ZeroAddress is the null recipient rejected by policy in real mode.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
var uintPattern = regexp.MustCompile(`^\d+$`)

// TransferParams carries the parameters of a transfer action. Amounts are
// arbitrary-precision base-unit integers encoded as decimal strings; no
// floating point anywhere.
type TransferParams struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Intent is the structured description of a requested action. It is validated
// once at the pipeline boundary and treated as immutable afterwards:
// execution flags travel in the engine context, never inside the intent.
type Intent struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	Action         string         `json:"action"`
	Params         TransferParams `json:"params"`
	Fee            string         `json:"fee"`
	SessionExpiry  int64          `json:"session_expiry"`
}

// Validate checks the structural invariants of an intent. Policy decides
// whether the intent is acceptable; this only decides whether it is well
// formed enough to enter the pipeline.
func (in *Intent) Validate() error {
	if in == nil {
		return xerrors.New(xerrors.CodeValidation, "intent is nil")
	}
	if strings.TrimSpace(in.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "intent id is empty")
	}
	if in.Action != ActionTransfer {
		return xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("unsupported action kind %q", in.Action))
	}
	if !addressPattern.MatchString(in.Params.Token) {
		return xerrors.New(xerrors.CodeValidation, "token is not a valid address")
	}
	if in.Params.To != "" && !addressPattern.MatchString(in.Params.To) {
		return xerrors.New(xerrors.CodeValidation, "recipient is not a valid address")
	}
	if _, err := in.AmountUnits(); err != nil {
		return err
	}
	if _, err := in.FeeUnits(); err != nil {
		return err
	}
	return nil
}

// AmountUnits returns the transfer amount as a base-unit integer.
func (in *Intent) AmountUnits() (*big.Int, error) {
	return parseUnits(in.Params.Amount, "amount")
}

// FeeUnits returns the agent fee as a base-unit integer.
func (in *Intent) FeeUnits() (*big.Int, error) {
	return parseUnits(in.Fee, "fee")
}

// RequiredTotal returns amount + fee exactly.
func (in *Intent) RequiredTotal() (*big.Int, error) {
	amount, err := in.AmountUnits()
	if err != nil {
		return nil, err
	}
	fee, err := in.FeeUnits()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(amount, fee), nil
}

// ComputeIdempotencyKey derives the content hash that deduplicates pipeline
// runs: identical action parameters, payee and chain id collapse to the same
// key regardless of intent id.
func (in *Intent) ComputeIdempotencyKey(chainID int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d",
		in.Action,
		strings.ToLower(in.Params.Token),
		strings.ToLower(in.Params.To),
		in.Params.Amount,
		chainID,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func parseUnits(raw, field string) (*big.Int, error) {
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeValidation, field+" is empty")
	}
	if !uintPattern.MatchString(raw) {
		return nil, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("%s %q is not a non-negative base-unit integer", field, raw))
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("%s %q does not parse as an integer", field, raw))
	}
	return value, nil
}

// IsZeroRecipient reports whether the recipient is missing or the null address.
func (in *Intent) IsZeroRecipient() bool {
	return in.Params.To == "" || strings.EqualFold(in.Params.To, ZeroAddress)
}
