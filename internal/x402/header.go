package x402

import (
	"encoding/base64"
	"encoding/json"

	xerrors "CronoGuard/internal/errors"
)

// EncodeHeader serialises a payment header into its opaque wire form.
func EncodeHeader(header PaymentHeader) (string, error) {
	payload, err := json.Marshal(header)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, "encode payment header")
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeHeader parses the opaque payment header string.
func DecodeHeader(raw string) (PaymentHeader, error) {
	var header PaymentHeader
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return header, xerrors.Wrap(xerrors.CodeValidation, err, "payment header is not valid base64")
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return header, xerrors.Wrap(xerrors.CodeValidation, err, "payment header is not valid JSON")
	}
	if header.X402Version != 1 {
		return header, xerrors.New(xerrors.CodeValidation, "unsupported x402 version")
	}
	if header.Payload.Nonce == "" {
		return header, xerrors.New(xerrors.CodeValidation, "payment header has no nonce")
	}
	return header, nil
}
