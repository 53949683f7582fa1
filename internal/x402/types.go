package x402

// Wire types exchanged with the facilitator. Field names follow the x402
// protocol, hence the camelCase JSON tags.

// PaymentRequirements tells a payer what an action costs and where to pay.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Description       string `json:"description,omitempty"`
}

// AuthorizationMessage is the EIP-3009 TransferWithAuthorization message the
// payer signs. From is the zero address in the template and is filled in by
// the payer before signing.
type AuthorizationMessage struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignableDomain is the EIP-712 domain of the authorization.
type SignableDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// SignableTemplate bundles domain and message for the payer to sign.
type SignableTemplate struct {
	Domain      SignableDomain       `json:"domain"`
	PrimaryType string               `json:"primaryType"`
	Message     AuthorizationMessage `json:"message"`
}

// HeaderPayload is the signed authorization inside a payment header.
type HeaderPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
	Asset       string `json:"asset"`
}

// PaymentHeader is the decoded form of the opaque payment header string.
type PaymentHeader struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     HeaderPayload `json:"payload"`
}

// VerifyResult is the facilitator's answer to a verify call.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResult is the facilitator's answer to a settle call.
type SettleResult struct {
	Event  string `json:"event"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Settlement event names emitted by the facilitator.
const (
	EventSettled = "payment.settled"
	EventFailed  = "payment.failed"
)

// Settled reports whether the settlement went through.
func (s *SettleResult) Settled() bool {
	return s != nil && s.Event == EventSettled
}
