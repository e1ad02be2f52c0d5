// Package buyer drives a complete purchase: obtain a mandate, fetch the
// seller's 402 offer, sign and broadcast the two payment legs, submit the
// settlement to the gateway while confirming it on-chain, then claim the
// resource from the seller with the payment proof.
package buyer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	agentpay "github.com/agentgatepay/agentpay-go"
	"github.com/agentgatepay/agentpay-go/gateway"
	"github.com/agentgatepay/agentpay-go/mandate"
	"github.com/agentgatepay/agentpay-go/verify"
)

// Signer executes a payment intent on-chain. *evm.Signer satisfies it.
type Signer interface {
	Sign(ctx context.Context, intent agentpay.PaymentIntent) (agentpay.SignedPaymentProof, error)
}

// Settler submits settlements to the gateway. *gateway.Client satisfies it.
type Settler interface {
	SubmitSettlement(ctx context.Context, mandateToken string, proof agentpay.SignedPaymentProof, chain agentpay.Chain, token agentpay.Token, totalUSD float64) (gateway.Ack, error)
}

// Confirmer runs gateway-side payment confirmation. *verify.Verifier
// satisfies it.
type Confirmer interface {
	Verify(ctx context.Context, txHash string, totalUSD, expectedUSD float64) (verify.Result, error)
}

// Config parameterizes the orchestrator.
type Config struct {
	// Subject is the agent identity mandates are issued to. Defaults to a
	// generated agent id.
	Subject string
	// MandateBudgetUSD and friends shape newly-issued mandates.
	MandateBudgetUSD float64
	MandateScope     string
	MandateTTL       time.Duration
	// ClaimAttempts bounds the seller claim loop. The seller's own
	// verification call-through rides the same eventual-consistency window
	// as gateway confirmation, so this defaults to 12.
	ClaimAttempts int
	// ClaimDelay separates claim attempts. Defaults to 10 seconds.
	ClaimDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = "agent-" + uuid.NewString()
	}
	if c.MandateBudgetUSD == 0 {
		c.MandateBudgetUSD = 10
	}
	if c.MandateScope == "" {
		c.MandateScope = "resource-purchase"
	}
	if c.MandateTTL == 0 {
		c.MandateTTL = 24 * time.Hour
	}
	if c.ClaimAttempts == 0 {
		c.ClaimAttempts = 12
	}
	if c.ClaimDelay == 0 {
		c.ClaimDelay = 10 * time.Second
	}
	return c
}

// Receipt is the terminal record of a successful purchase.
type Receipt struct {
	PurchaseID string                      `json:"purchase_id"`
	ResourceID string                      `json:"resource_id"`
	Proof      agentpay.SignedPaymentProof `json:"proof"`
	AmountUSD  float64                     `json:"amount_usd"`
	// Status records whether the gateway confirmed the payment or accepted
	// it optimistically as pending.
	Status       agentpay.VerificationStatus `json:"status"`
	SettlementID string                      `json:"settlement_id,omitempty"`
	// BudgetRemainingUSD is re-queried from the mandate service after
	// settlement; it is never computed locally.
	BudgetRemainingUSD float64         `json:"budget_remaining_usd"`
	Data               json.RawMessage `json:"data,omitempty"`
}

// CatalogResource is one entry of the seller's public catalog.
type CatalogResource struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	PriceUSD    float64 `json:"price_usd"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithHTTPClient replaces the seller-facing HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Orchestrator) { o.http = hc }
}

// WithSleep replaces the claim-loop sleep, letting tests run without real
// delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator runs one purchase at a time per agent process. It owns no
// goroutine pool; the only internal concurrency is the settlement
// submission running alongside gateway confirmation inside Purchase.
type Orchestrator struct {
	sellerURL string
	signer    Signer
	settler   Settler
	confirmer Confirmer
	mandates  mandate.Service
	store     mandate.Store
	cfg       Config
	logger    *slog.Logger
	http      *http.Client
	sleep     func(ctx context.Context, d time.Duration) error
}

// defaultSellerTimeout bounds each seller request. A claim can
// legitimately spend the seller's whole per-claim verification window
// before the retryable 403 arrives, so this must comfortably exceed it.
const defaultSellerTimeout = 60 * time.Second

// New creates an orchestrator against one seller.
func New(sellerURL string, signer Signer, settler Settler, confirmer Confirmer, mandates mandate.Service, store mandate.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sellerURL: sellerURL,
		signer:    signer,
		settler:   settler,
		confirmer: confirmer,
		mandates:  mandates,
		store:     store,
		cfg:       Config{}.withDefaults(),
		logger:    slog.Default(),
		http:      &http.Client{Timeout: defaultSellerTimeout},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Purchase runs the full flow for one resource and returns the delivered
// payload with its receipt. Failures before broadcast leave no on-chain
// state; failures after broadcast carry both tx hashes in the error
// details for reconciliation.
func (o *Orchestrator) Purchase(ctx context.Context, resourceID string) (Receipt, error) {
	purchaseID := uuid.NewString()
	logger := o.logger.With("purchase_id", purchaseID, "resource_id", resourceID)

	m, err := o.ensureMandate(ctx)
	if err != nil {
		return Receipt{}, err
	}

	offer, err := o.fetchOffer(ctx, resourceID)
	if err != nil {
		return Receipt{}, err
	}
	intent := offer.Intent()
	if err := intent.Validate(); err != nil {
		return Receipt{}, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller offer produced an unusable payment intent", err)
	}
	logger.Info("offer accepted",
		"price_usd", intent.TotalUSD,
		"chain", string(intent.Chain),
		"commission_rate", intent.CommissionRate)

	proof, err := o.signer.Sign(ctx, intent)
	if err != nil {
		return Receipt{}, err
	}
	logger.Info("payment broadcast",
		"merchant_tx_hash", proof.MerchantTxHash,
		"commission_tx_hash", proof.CommissionTxHash,
		"explorer", agentpay.ExplorerTxURL(intent.Chain, proof.MerchantTxHash))

	ack, result, err := o.settleAndConfirm(ctx, m.Token, intent, proof)
	if err != nil {
		return Receipt{}, err
	}
	logger.Info("settlement confirmed",
		"settlement_id", ack.SettlementID,
		"status", string(result.Outcome.Status),
		"attempts", result.Attempts)

	data, err := o.claim(ctx, logger, resourceID, proof)
	if err != nil {
		return Receipt{}, err
	}

	budget := o.refreshBudget(ctx, m)

	return Receipt{
		PurchaseID:         purchaseID,
		ResourceID:         resourceID,
		Proof:              proof,
		AmountUSD:          result.Outcome.AmountUSD,
		Status:             result.Outcome.Status,
		SettlementID:       ack.SettlementID,
		BudgetRemainingUSD: budget,
		Data:               data,
	}, nil
}

// CheckBudget reports the mandate service's current view of the agent's
// remaining budget, issuing a mandate first if none is cached.
func (o *Orchestrator) CheckBudget(ctx context.Context) (mandate.Mandate, error) {
	m, err := o.ensureMandate(ctx)
	if err != nil {
		return mandate.Mandate{}, err
	}
	status, err := o.mandates.VerifyMandate(ctx, m.Token)
	if err != nil {
		return mandate.Mandate{}, err
	}
	if !status.Valid {
		return mandate.Mandate{}, agentpay.NewPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"mandate is no longer valid", map[string]any{"subject": m.Subject})
	}
	m.BudgetRemaining = status.BudgetRemaining
	if err := o.store.Put(ctx, m); err != nil {
		o.logger.Warn("failed to cache refreshed budget", "error", err)
	}
	return m, nil
}

// ListCatalog fetches the seller's public catalog.
func (o *Orchestrator) ListCatalog(ctx context.Context) ([]CatalogResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.sellerURL+"/catalog", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller catalog is unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("seller catalog returned status %d", resp.StatusCode), nil)
	}
	var body struct {
		Resources []CatalogResource `json:"resources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller catalog could not be decoded", err)
	}
	return body.Resources, nil
}

// ensureMandate returns the cached mandate for the agent, issuing and
// caching a fresh one when none exists or the cached one expired.
func (o *Orchestrator) ensureMandate(ctx context.Context) (mandate.Mandate, error) {
	cached, err := o.store.Get(ctx, o.cfg.Subject)
	if err != nil {
		return mandate.Mandate{}, err
	}
	if cached != nil && !cached.Expired(time.Now()) {
		return *cached, nil
	}

	m, err := o.mandates.IssueMandate(ctx, mandate.IssueRequest{
		Subject:   o.cfg.Subject,
		BudgetUSD: o.cfg.MandateBudgetUSD,
		Scope:     o.cfg.MandateScope,
		TTL:       o.cfg.MandateTTL,
	})
	if err != nil {
		return mandate.Mandate{}, err
	}
	if err := o.store.Put(ctx, m); err != nil {
		o.logger.Warn("failed to cache issued mandate", "subject", m.Subject, "error", err)
	}
	o.logger.Info("mandate issued",
		"subject", m.Subject,
		"budget_usd", m.BudgetUSD,
		"expires_at", m.ExpiresAt)
	return m, nil
}

// fetchOffer requests the resource without payment and parses the 402
// challenge.
func (o *Orchestrator) fetchOffer(ctx context.Context, resourceID string) (Offer, error) {
	resp, body, err := o.getResource(ctx, resourceID, "")
	if err != nil {
		return Offer{}, err
	}
	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		return ParseOffer(body)
	case http.StatusNotFound:
		return Offer{}, agentpay.NewPaymentError(agentpay.ErrCodeUnknownResource,
			fmt.Sprintf("seller does not offer resource %q", resourceID),
			map[string]any{"body": string(body)})
	default:
		return Offer{}, agentpay.NewPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("expected a 402 challenge, got status %d", resp.StatusCode), nil)
	}
}

// settleAndConfirm submits the settlement to the gateway while the
// confirmation machine polls the same payment. The submission ack is
// provisional; only the confirmation outcome proves funds moved. A
// submission rejection cancels the poll and wins over its induced error.
func (o *Orchestrator) settleAndConfirm(ctx context.Context, mandateToken string, intent agentpay.PaymentIntent, proof agentpay.SignedPaymentProof) (gateway.Ack, verify.Result, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type submitOutcome struct {
		ack gateway.Ack
		err error
	}
	submitCh := make(chan submitOutcome, 1)
	go func() {
		ack, err := o.settler.SubmitSettlement(ctx, mandateToken, proof, intent.Chain, intent.Token, intent.TotalUSD)
		if err != nil {
			cancel()
		}
		submitCh <- submitOutcome{ack: ack, err: err}
	}()

	result, verifyErr := o.confirmer.Verify(pollCtx, proof.MerchantTxHash, intent.TotalUSD, intent.MerchantUSD())
	submitted := <-submitCh

	if submitted.err != nil {
		return gateway.Ack{}, verify.Result{}, submitted.err
	}
	if verifyErr != nil {
		// Both transfers are on chain by now; the failure report must
		// carry both hashes, not just the merchant leg the poll watched.
		var pe *agentpay.PaymentError
		if errors.As(verifyErr, &pe) {
			verifyErr = pe.WithProof(proof)
		}
		return gateway.Ack{}, verify.Result{}, verifyErr
	}
	return submitted.ack, result, nil
}

// claim retries the seller's resource endpoint with the payment proof.
// Only the seller's explicit "can't verify yet" answer is retried; every
// other rejection is terminal.
func (o *Orchestrator) claim(ctx context.Context, logger *slog.Logger, resourceID string, proof agentpay.SignedPaymentProof) (json.RawMessage, error) {
	var lastReason string
	for attempt := 1; attempt <= o.cfg.ClaimAttempts; attempt++ {
		resp, body, err := o.getResource(ctx, resourceID, proof.SellerHeader())
		if err != nil {
			var pe *agentpay.PaymentError
			if errors.As(err, &pe) {
				err = pe.WithProof(proof)
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			var delivery struct {
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(body, &delivery); err != nil {
				return nil, agentpay.WrapPaymentError(agentpay.ErrCodeSellerNotReady,
					"seller delivery could not be decoded", err).WithProof(proof)
			}
			logger.Info("resource delivered", "claim_attempts", attempt)
			return delivery.Data, nil
		}

		var rejection struct {
			Error     string `json:"error"`
			Reason    string `json:"reason"`
			Retryable bool   `json:"retryable"`
		}
		_ = json.Unmarshal(body, &rejection)
		lastReason = rejection.Reason
		if lastReason == "" {
			lastReason = rejection.Error
		}

		if resp.StatusCode != http.StatusForbidden || !rejection.Retryable {
			return nil, agentpay.NewPaymentError(agentpay.ErrCodeSellerNotReady,
				fmt.Sprintf("seller refused delivery (status %d): %s", resp.StatusCode, lastReason),
				nil).WithProof(proof)
		}

		logger.Info("seller cannot verify yet, retrying claim",
			"attempt", attempt, "attempts_max", o.cfg.ClaimAttempts)
		if attempt < o.cfg.ClaimAttempts {
			if err := o.sleep(ctx, o.cfg.ClaimDelay); err != nil {
				return nil, err
			}
		}
	}

	return nil, agentpay.NewPaymentError(agentpay.ErrCodeSellerNotReady,
		fmt.Sprintf("seller could not verify the payment after %d claim attempts: %s",
			o.cfg.ClaimAttempts, lastReason), nil).WithProof(proof)
}

// refreshBudget re-queries the authoritative budget after settlement.
// Failure to refresh is logged, not fatal: the purchase already succeeded.
func (o *Orchestrator) refreshBudget(ctx context.Context, m mandate.Mandate) float64 {
	status, err := o.mandates.VerifyMandate(ctx, m.Token)
	if err != nil {
		o.logger.Warn("failed to refresh mandate budget", "subject", m.Subject, "error", err)
		return m.BudgetRemaining
	}
	m.BudgetRemaining = status.BudgetRemaining
	if err := o.store.Put(ctx, m); err != nil {
		o.logger.Warn("failed to cache refreshed budget", "subject", m.Subject, "error", err)
	}
	return status.BudgetRemaining
}

func (o *Orchestrator) getResource(ctx context.Context, resourceID, paymentHeader string) (*http.Response, []byte, error) {
	u := fmt.Sprintf("%s/resource?resource_id=%s", o.sellerURL, url.QueryEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	if paymentHeader != "" {
		req.Header.Set(agentpay.PaymentHeader, paymentHeader)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, nil, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller is unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"seller response could not be read", err)
	}
	return resp, body, nil
}
