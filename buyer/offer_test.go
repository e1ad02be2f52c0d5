package buyer

import (
	"strings"
	"testing"

	agentpay "github.com/agentgatepay/agentpay-go"
)

const validOfferBody = `{
  "error": "payment required",
  "resource": {"id": "market-report-2026", "name": "Market Report", "price_usd": 0.01},
  "payment_info": {
    "recipient_wallet": "0x1111111111111111111111111111111111111111",
    "chain": "base",
    "token": "USDC",
    "token_contract": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
    "decimals": 6,
    "commission_address": "0x2222222222222222222222222222222222222222",
    "commission_rate": 0.005,
    "merchant_amount_usd": 0.00995,
    "commission_amount_usd": 0.00005
  }
}`

func TestParseOffer(t *testing.T) {
	offer, err := ParseOffer([]byte(validOfferBody))
	if err != nil {
		t.Fatal(err)
	}
	if offer.Resource.ID != "market-report-2026" || offer.Resource.PriceUSD != 0.01 {
		t.Fatalf("resource = %+v", offer.Resource)
	}

	intent := offer.Intent()
	if err := intent.Validate(); err != nil {
		t.Fatalf("intent from a valid offer must validate: %v", err)
	}
	if intent.Chain != agentpay.ChainBase || intent.Token != agentpay.TokenUSDC {
		t.Fatalf("intent chain/token = %s/%s", intent.Chain, intent.Token)
	}
	if intent.CommissionAddress != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("intent commission address = %s", intent.CommissionAddress)
	}
}

func TestParseOfferRejectsBadBodies(t *testing.T) {
	cases := map[string]string{
		"not json":          `<html>payment required</html>`,
		"missing resource":  `{"payment_info": {}}`,
		"zero price":        strings.Replace(validOfferBody, `"price_usd": 0.01`, `"price_usd": 0`, 1),
		"rate of one":       strings.Replace(validOfferBody, `"commission_rate": 0.005`, `"commission_rate": 1`, 1),
		"short recipient":   strings.Replace(validOfferBody, "0x1111111111111111111111111111111111111111", "0x1111", 1),
		"missing recipient": strings.Replace(validOfferBody, `"recipient_wallet": "0x1111111111111111111111111111111111111111",`, "", 1),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOffer([]byte(body))
			if agentpay.ErrorCode(err) != agentpay.ErrCodeUpstreamUnavailable {
				t.Fatalf("error = %v, want upstream_unavailable", err)
			}
		})
	}
}
