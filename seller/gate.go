package seller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	agentpay "github.com/agentgatepay/agentpay-go"
	"github.com/agentgatepay/agentpay-go/gateway"
	"github.com/agentgatepay/agentpay-go/verify"
)

// Verifier is the confirmation machine the gate runs for each presented
// proof. *verify.Verifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, txHash string, totalUSD, expectedUSD float64) (verify.Result, error)
}

// CommissionSource resolves the gateway's current commission split.
// *gateway.Client satisfies it.
type CommissionSource interface {
	ResolveCommission(ctx context.Context) (gateway.CommissionInfo, error)
}

// Config is the seller's payment configuration.
type Config struct {
	// RecipientWallet receives the merchant leg.
	RecipientWallet string
	// Chain and Token parameterize the buyer's signer via the 402 offer.
	Chain agentpay.Chain
	Token agentpay.Token
	// CommissionTTL bounds how long a resolved commission split is reused
	// before re-resolving. Defaults to 5 minutes.
	CommissionTTL time.Duration
	// ClaimVerifyTimeout bounds how long a single claim may spend on
	// verification before it is answered. The buyer retries retryable
	// rejections, so a claim must answer inside the buyer's request
	// timeout rather than ride out the full confirmation budget.
	// Defaults to 10 seconds.
	ClaimVerifyTimeout time.Duration
}

// OfferResource is the resource block of a 402 offer.
type OfferResource struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	PriceUSD float64 `json:"price_usd"`
}

// PaymentInfo is the payment_info block of a 402 offer. It carries
// everything the buyer's signer needs, so no out-of-band lookup is
// required.
type PaymentInfo struct {
	RecipientWallet     string         `json:"recipient_wallet"`
	Chain               agentpay.Chain `json:"chain"`
	Token               agentpay.Token `json:"token"`
	TokenContract       string         `json:"token_contract"`
	Decimals            int            `json:"decimals"`
	CommissionAddress   string         `json:"commission_address"`
	CommissionRate      float64        `json:"commission_rate"`
	MerchantAmountUSD   float64        `json:"merchant_amount_usd"`
	CommissionAmountUSD float64        `json:"commission_amount_usd"`
}

// Offer is the 402 response body: the contract the buyer parses.
type Offer struct {
	Error       string        `json:"error"`
	Resource    OfferResource `json:"resource"`
	PaymentInfo PaymentInfo   `json:"payment_info"`
}

// Confirmation is the payment_confirmation block of a successful delivery.
type Confirmation struct {
	MerchantTxHash   string                      `json:"merchant_tx_hash"`
	CommissionTxHash string                      `json:"commission_tx_hash"`
	AmountUSD        float64                     `json:"amount_usd"`
	Status           agentpay.VerificationStatus `json:"status"`
	VerifiedAt       time.Time                   `json:"verified_at"`
}

// Gate owns the payment side of resource delivery: building 402 offers and
// authorizing payment proofs. It is safe for concurrent use; each inbound
// request runs its own verification without shared mutable payment state.
type Gate struct {
	cfg        Config
	commission CommissionSource
	verifier   Verifier
	logger     *slog.Logger
	now        func() time.Time

	commissionMu  sync.Mutex
	cachedComm    gateway.CommissionInfo
	commFetchedAt time.Time

	// delivered remembers confirmations by merchant tx hash so a proof
	// that already paid for a delivery is answered idempotently.
	delivered sync.Map
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a payment gate.
func NewGate(cfg Config, commission CommissionSource, verifier Verifier, opts ...GateOption) *Gate {
	if cfg.CommissionTTL == 0 {
		cfg.CommissionTTL = 5 * time.Minute
	}
	if cfg.ClaimVerifyTimeout == 0 {
		cfg.ClaimVerifyTimeout = 10 * time.Second
	}
	g := &Gate{
		cfg:        cfg,
		commission: commission,
		verifier:   verifier,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Offer builds the 402 challenge body for a resource. Commission data
// comes from the gateway; if it cannot be resolved the offer fails rather
// than guessing a rate the gateway would reject downstream.
func (g *Gate) Offer(ctx context.Context, r Resource) (Offer, error) {
	comm, err := g.resolveCommission(ctx)
	if err != nil {
		return Offer{}, err
	}
	tokenCfg, err := agentpay.LookupToken(g.cfg.Chain, g.cfg.Token)
	if err != nil {
		return Offer{}, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller payment configuration is invalid", err)
	}

	return Offer{
		Error: "payment required",
		Resource: OfferResource{
			ID:       r.ID,
			Name:     r.Name,
			PriceUSD: r.PriceUSD,
		},
		PaymentInfo: PaymentInfo{
			RecipientWallet:     g.cfg.RecipientWallet,
			Chain:               g.cfg.Chain,
			Token:               g.cfg.Token,
			TokenContract:       tokenCfg.Contract,
			Decimals:            tokenCfg.Decimals,
			CommissionAddress:   comm.Address,
			CommissionRate:      comm.Rate,
			MerchantAmountUSD:   r.PriceUSD * (1 - comm.Rate),
			CommissionAmountUSD: r.PriceUSD * comm.Rate,
		},
	}, nil
}

// Authorize validates a payment header and runs verification for the
// merchant leg. Format errors come back as ErrCodeInvalidProof before any
// verification runs; verification failures keep their verifier error code.
// Proofs that already produced a delivery are confirmed again without
// re-verifying.
func (g *Gate) Authorize(ctx context.Context, r Resource, paymentHeader string) (Confirmation, error) {
	proof, err := agentpay.ParseSellerHeader(paymentHeader)
	if err != nil {
		return Confirmation{}, err
	}

	if prev, ok := g.delivered.Load(proof.MerchantTxHash); ok {
		return prev.(Confirmation), nil
	}

	comm, err := g.resolveCommission(ctx)
	if err != nil {
		return Confirmation{}, err
	}
	expectedMerchantUSD := r.PriceUSD * (1 - comm.Rate)

	// A cut-off verification surfaces as a retryable timeout, so a payment
	// that is not visible yet turns into a prompt 403 instead of holding
	// the claim open past the buyer's patience.
	vctx, cancel := context.WithTimeout(ctx, g.cfg.ClaimVerifyTimeout)
	defer cancel()
	res, err := g.verifier.Verify(vctx, proof.MerchantTxHash, r.PriceUSD, expectedMerchantUSD)
	if err != nil {
		var pe *agentpay.PaymentError
		if errors.As(err, &pe) {
			return Confirmation{}, pe.WithProof(proof)
		}
		return Confirmation{}, err
	}

	conf := Confirmation{
		MerchantTxHash:   proof.MerchantTxHash,
		CommissionTxHash: proof.CommissionTxHash,
		AmountUSD:        res.Outcome.AmountUSD,
		Status:           res.Outcome.Status,
		VerifiedAt:       g.now().UTC(),
	}
	g.delivered.Store(proof.MerchantTxHash, conf)
	g.logger.Info("payment authorized",
		"resource_id", r.ID,
		"merchant_tx_hash", proof.MerchantTxHash,
		"status", string(conf.Status),
		"amount_usd", conf.AmountUSD)
	return conf, nil
}

func (g *Gate) resolveCommission(ctx context.Context) (gateway.CommissionInfo, error) {
	g.commissionMu.Lock()
	defer g.commissionMu.Unlock()

	if !g.commFetchedAt.IsZero() && g.now().Sub(g.commFetchedAt) < g.cfg.CommissionTTL {
		return g.cachedComm, nil
	}
	comm, err := g.commission.ResolveCommission(ctx)
	if err != nil {
		return gateway.CommissionInfo{}, err
	}
	g.cachedComm = comm
	g.commFetchedAt = g.now()
	return comm, nil
}
