package agentpay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// GatewayScheme is the settlement scheme name presented to the gateway.
const GatewayScheme = "eip3009"

// PaymentHeader is the HTTP header carrying a payment proof, on both the
// seller surface (comma-separated hash pair) and the gateway surface
// (base64-encoded JSON).
const PaymentHeader = "x-payment"

var txHashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidTxHash reports whether s is a 0x-prefixed 32-byte hex transaction hash.
func ValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// Validate checks that both legs are present and correctly formatted. A
// proof that fails validation must never be submitted anywhere.
func (p SignedPaymentProof) Validate() error {
	if p.MerchantTxHash == "" || p.CommissionTxHash == "" {
		return NewPaymentError(ErrCodeInvalidProof,
			"payment proof requires both merchant and commission tx hashes", nil)
	}
	if !ValidTxHash(p.MerchantTxHash) {
		return NewPaymentError(ErrCodeInvalidProof,
			fmt.Sprintf("malformed merchant tx hash: %q", p.MerchantTxHash), nil)
	}
	if !ValidTxHash(p.CommissionTxHash) {
		return NewPaymentError(ErrCodeInvalidProof,
			fmt.Sprintf("malformed commission tx hash: %q", p.CommissionTxHash), nil)
	}
	return nil
}

// SellerHeader encodes the proof for the seller surface:
// "<merchant_tx_hash>,<commission_tx_hash>".
func (p SignedPaymentProof) SellerHeader() string {
	return p.MerchantTxHash + "," + p.CommissionTxHash
}

// ParseSellerHeader parses and validates an x-payment header from the
// seller surface. The header must contain exactly two comma-separated
// transaction hashes; anything else is a format error the seller rejects
// with 400 before any verification runs.
func ParseSellerHeader(header string) (SignedPaymentProof, error) {
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return SignedPaymentProof{}, NewPaymentError(ErrCodeInvalidProof,
			fmt.Sprintf("payment header must contain exactly 2 comma-separated tx hashes, got %d", len(parts)), nil)
	}
	proof := SignedPaymentProof{
		MerchantTxHash:   strings.TrimSpace(parts[0]),
		CommissionTxHash: strings.TrimSpace(parts[1]),
	}
	if err := proof.Validate(); err != nil {
		return SignedPaymentProof{}, err
	}
	return proof, nil
}

// gatewayPayment is the JSON shape the gateway expects inside the base64
// x-payment header.
type gatewayPayment struct {
	Scheme           string `json:"scheme"`
	TxHash           string `json:"tx_hash"`
	TxHashCommission string `json:"tx_hash_commission"`
}

// GatewayHeader encodes the proof for the gateway settlement surface:
// base64(JSON{scheme, tx_hash, tx_hash_commission}). The proof must already
// be validated; encoding an invalid proof is a programming error.
func (p SignedPaymentProof) GatewayHeader() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(gatewayPayment{
		Scheme:           GatewayScheme,
		TxHash:           p.MerchantTxHash,
		TxHashCommission: p.CommissionTxHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal gateway payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseGatewayHeader decodes and validates a base64 gateway payment header.
func ParseGatewayHeader(header string) (SignedPaymentProof, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return SignedPaymentProof{}, NewPaymentError(ErrCodeInvalidProof,
			"payment header is not valid base64", nil)
	}
	var gp gatewayPayment
	if err := json.Unmarshal(data, &gp); err != nil {
		return SignedPaymentProof{}, NewPaymentError(ErrCodeInvalidProof,
			"payment header is not valid JSON", nil)
	}
	if gp.Scheme != GatewayScheme {
		return SignedPaymentProof{}, NewPaymentError(ErrCodeInvalidProof,
			fmt.Sprintf("unsupported payment scheme: %q", gp.Scheme), nil)
	}
	proof := SignedPaymentProof{MerchantTxHash: gp.TxHash, CommissionTxHash: gp.TxHashCommission}
	if err := proof.Validate(); err != nil {
		return SignedPaymentProof{}, err
	}
	return proof, nil
}
