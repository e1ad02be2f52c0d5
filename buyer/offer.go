package buyer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	agentpay "github.com/agentgatepay/agentpay-go"
)

// Offer is the seller's 402 challenge body. The buyer and seller are
// independent processes, so the shape is duplicated here from the wire
// contract rather than shared as a Go type.
type Offer struct {
	Resource    OfferResource `json:"resource"`
	PaymentInfo PaymentInfo   `json:"payment_info"`
}

// OfferResource identifies and prices the offered resource.
type OfferResource struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	PriceUSD float64 `json:"price_usd"`
}

// PaymentInfo carries everything the signer needs to build the two legs.
type PaymentInfo struct {
	RecipientWallet     string  `json:"recipient_wallet"`
	Chain               string  `json:"chain"`
	Token               string  `json:"token"`
	TokenContract       string  `json:"token_contract"`
	Decimals            int     `json:"decimals"`
	CommissionAddress   string  `json:"commission_address"`
	CommissionRate      float64 `json:"commission_rate"`
	MerchantAmountUSD   float64 `json:"merchant_amount_usd"`
	CommissionAmountUSD float64 `json:"commission_amount_usd"`
}

// offerSchema is the wire contract for a 402 body. A body that fails this
// schema never reaches the signer; signing against a malformed offer would
// broadcast irrecoverable transactions from garbage parameters.
const offerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["resource", "payment_info"],
  "properties": {
    "resource": {
      "type": "object",
      "required": ["id", "price_usd"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "price_usd": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "payment_info": {
      "type": "object",
      "required": ["recipient_wallet", "chain", "token", "commission_address", "commission_rate"],
      "properties": {
        "recipient_wallet": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "chain": {"type": "string", "minLength": 1},
        "token": {"type": "string", "minLength": 1},
        "token_contract": {"type": "string"},
        "decimals": {"type": "integer", "minimum": 0},
        "commission_address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "commission_rate": {"type": "number", "minimum": 0, "exclusiveMaximum": 1},
        "merchant_amount_usd": {"type": "number"},
        "commission_amount_usd": {"type": "number"}
      }
    }
  }
}`

var compiledOfferSchema = gojsonschema.NewStringLoader(offerSchema)

// ParseOffer validates a 402 body against the wire schema and decodes it.
func ParseOffer(body []byte) (Offer, error) {
	result, err := gojsonschema.Validate(compiledOfferSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Offer{}, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller 402 offer is not valid JSON", err)
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return Offer{}, agentpay.NewPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("seller 402 offer failed validation: %s", strings.Join(reasons, "; ")), nil)
	}

	var offer Offer
	if err := json.Unmarshal(body, &offer); err != nil {
		return Offer{}, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller 402 offer could not be decoded", err)
	}
	return offer, nil
}

// Intent converts a validated offer into the payment intent the signer
// executes.
func (o Offer) Intent() agentpay.PaymentIntent {
	return agentpay.PaymentIntent{
		ResourceID:        o.Resource.ID,
		TotalUSD:          o.Resource.PriceUSD,
		Recipient:         o.PaymentInfo.RecipientWallet,
		CommissionAddress: o.PaymentInfo.CommissionAddress,
		CommissionRate:    o.PaymentInfo.CommissionRate,
		Chain:             agentpay.Chain(o.PaymentInfo.Chain),
		Token:             agentpay.Token(o.PaymentInfo.Token),
	}
}
