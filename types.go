// Package agentpay implements the settlement and verification protocol used
// by autonomous buyer agents to pay seller agents for priced resources
// through an AgentGatePay-style gateway: the HTTP 402 challenge/response
// exchange, the two-leg (merchant + commission) on-chain payment, and the
// adaptive confirmation loop that reconciles eventually-consistent chain
// state with synchronous API semantics.
package agentpay

import (
	"fmt"
)

// Chain identifies a supported blockchain network by its gateway name
// (e.g. "base", "polygon"). The gateway and seller wire formats use these
// names rather than numeric chain ids.
type Chain string

// Token identifies a supported stablecoin by symbol.
type Token string

// Supported chains.
const (
	ChainBase        Chain = "base"
	ChainBaseSepolia Chain = "base-sepolia"
	ChainEthereum    Chain = "ethereum"
	ChainPolygon     Chain = "polygon"
)

// Supported tokens.
const (
	TokenUSDC Token = "USDC"
	TokenUSDT Token = "USDT"
	TokenDAI  Token = "DAI"
)

// PaymentIntent captures everything the signer needs to construct the two
// payment legs for one resource purchase. It is created when a 402 offer is
// received, consumed exactly once, and discarded after settlement or error.
type PaymentIntent struct {
	ResourceID        string  `json:"resource_id"`
	TotalUSD          float64 `json:"total_usd"`
	Recipient         string  `json:"recipient_address"`
	CommissionAddress string  `json:"commission_address"`
	CommissionRate    float64 `json:"commission_rate"`
	Chain             Chain   `json:"chain"`
	Token             Token   `json:"token"`
}

// MerchantUSD returns the USD portion of the payment that reaches the seller.
func (i PaymentIntent) MerchantUSD() float64 {
	return i.TotalUSD * (1 - i.CommissionRate)
}

// CommissionUSD returns the USD portion that reaches the gateway operator.
func (i PaymentIntent) CommissionUSD() float64 {
	return i.TotalUSD * i.CommissionRate
}

// Validate checks the intent is well-formed enough to sign against.
func (i PaymentIntent) Validate() error {
	if i.TotalUSD <= 0 {
		return fmt.Errorf("total amount must be positive, got %v", i.TotalUSD)
	}
	if i.CommissionRate < 0 || i.CommissionRate >= 1 {
		return fmt.Errorf("commission rate must be in [0,1), got %v", i.CommissionRate)
	}
	if i.Recipient == "" {
		return fmt.Errorf("recipient address is required")
	}
	if i.CommissionAddress == "" {
		return fmt.Errorf("commission address is required")
	}
	if _, err := LookupToken(i.Chain, i.Token); err != nil {
		return err
	}
	return nil
}

// SignedPaymentProof is the pair of broadcast transaction hashes that proves
// both legs of a payment were submitted. Both hashes must be present and
// well-formed before the proof may be sent anywhere; a one-legged proof is
// invalid.
type SignedPaymentProof struct {
	MerchantTxHash   string `json:"tx_hash"`
	CommissionTxHash string `json:"tx_hash_commission"`
}

// VerificationStatus is the gateway's settlement status for a verified
// payment. Pending means the gateway accepted a sub-threshold payment
// optimistically, ahead of full on-chain finality; callers treat it as a
// success for delivery purposes but record it distinctly from confirmed.
type VerificationStatus string

const (
	StatusConfirmed VerificationStatus = "confirmed"
	StatusPending   VerificationStatus = "pending"
)

// OutcomeKind tags a VerificationOutcome.
type OutcomeKind int

const (
	// OutcomeVerified means the gateway reports the payment as settled,
	// either confirmed or optimistically pending.
	OutcomeVerified OutcomeKind = iota
	// OutcomeNotFoundYet means the payment is not visible to the gateway
	// yet; the only retryable outcome.
	OutcomeNotFoundYet
	// OutcomeRejected means the gateway reported a terminal failure.
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeVerified:
		return "verified"
	case OutcomeNotFoundYet:
		return "not_found_yet"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// VerificationOutcome is one observation from the payment verification RPC.
// Kind selects which remaining fields are meaningful: AmountUSD and Status
// for OutcomeVerified, Reason for OutcomeRejected.
type VerificationOutcome struct {
	Kind      OutcomeKind
	AmountUSD float64
	Status    VerificationStatus
	Reason    string
}

// Verified constructs a settled outcome.
func Verified(amountUSD float64, status VerificationStatus) VerificationOutcome {
	return VerificationOutcome{Kind: OutcomeVerified, AmountUSD: amountUSD, Status: status}
}

// NotFoundYet constructs the retryable not-visible-yet outcome.
func NotFoundYet() VerificationOutcome {
	return VerificationOutcome{Kind: OutcomeNotFoundYet}
}

// Rejected constructs a terminal rejection outcome.
func Rejected(reason string) VerificationOutcome {
	return VerificationOutcome{Kind: OutcomeRejected, Reason: reason}
}
