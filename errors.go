package agentpay

import (
	"errors"
	"fmt"
)

// PaymentError is the error type surfaced by every layer of the protocol.
// Code is stable and machine-readable; Details carries context a human needs
// to reconcile state out-of-band (notably both tx hashes whenever a
// broadcast happened before the failure).
type PaymentError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Error codes.
const (
	// ErrCodeUpstreamUnavailable: commission/config fetch failed; the
	// purchase aborts before any state is created.
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	// ErrCodeSigningFailed: balance, gas, or RPC failure during broadcast.
	// Never retried at the signing layer; a retried broadcast with a reused
	// nonce is unsafe.
	ErrCodeSigningFailed = "signing_failed"
	// ErrCodeSubmissionRejected: gateway refused the settlement claim.
	// Terminal for this proof; replay protection rejects resubmission.
	ErrCodeSubmissionRejected = "submission_rejected"
	// ErrCodeVerificationTimeout: the retry budget ran out without a
	// terminal answer. Funds may still have moved on-chain.
	ErrCodeVerificationTimeout = "verification_timeout"
	// ErrCodeVerificationFailed: the gateway reported the payment as
	// failed, or the verification RPC itself broke. Terminal.
	ErrCodeVerificationFailed = "verification_failed"
	// ErrCodeAmountMismatch: the payment verified but settled a different
	// amount than expected, outside tolerance.
	ErrCodeAmountMismatch = "amount_mismatch"
	// ErrCodeSellerNotReady: the seller cannot confirm the payment yet;
	// retried by the buyer's claim loop.
	ErrCodeSellerNotReady = "seller_not_ready"
	// ErrCodeInvalidProof: a payment proof failed format validation.
	ErrCodeInvalidProof = "invalid_proof"
	// ErrCodeUnknownResource: the requested resource id does not exist.
	ErrCodeUnknownResource = "unknown_resource"
)

// NewPaymentError creates a payment error with optional details.
func NewPaymentError(code, message string, details map[string]any) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}

// WrapPaymentError creates a payment error wrapping an underlying cause.
func WrapPaymentError(code, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}

// WithProof attaches both transaction hashes to the error details so a
// human can verify on-chain state after the automated flow gives up.
func (e *PaymentError) WithProof(proof SignedPaymentProof) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details["merchant_tx_hash"] = proof.MerchantTxHash
	e.Details["commission_tx_hash"] = proof.CommissionTxHash
	return e
}

// ErrorCode extracts the payment error code from err, or "" if err is not a
// PaymentError.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
