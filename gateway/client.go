// Package gateway is the HTTP client for the payment gateway: commission
// resolution, settlement submission, payment verification, and the mandate
// service endpoints. Each endpoint gets an explicit response type; nothing
// is read out of loosely-typed maps.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	agentpay "github.com/agentgatepay/agentpay-go"
	"github.com/agentgatepay/agentpay-go/mandate"
)

const (
	// DefaultGatewayURL is the production gateway endpoint.
	DefaultGatewayURL = "https://api.agentgatepay.com"

	headerAPIKey      = "x-api-key"
	headerMandate     = "x-mandate"
	headerContentType = "Content-Type"

	mimeApplicationJSON = "application/json"
)

// Client talks to the gateway. The zero value is not usable; construct
// with NewClient.
type Client struct {
	baseURL string
	apiKey  string

	// httpClient serves the short calls (commission, verification,
	// mandates). Settlement submission uses submitClient, whose longer
	// timeout absorbs slow public-RPC propagation on the gateway side.
	httpClient   *http.Client
	submitClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for short calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSubmitTimeout adjusts the settlement submission timeout.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *Client) { c.submitClient = &http.Client{Timeout: d} }
}

// NewClient creates a gateway client. baseURL defaults to
// DefaultGatewayURL when empty.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultGatewayURL
	}
	c := &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		submitClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CommissionInfo is the gateway's current commission configuration.
type CommissionInfo struct {
	Address string  `json:"commission_address"`
	Rate    float64 `json:"commission_rate"`
}

// ResolveCommission fetches the current commission rate and collection
// address. Callers must abort a purchase on failure rather than guess a
// rate; a wrong rate is rejected downstream as an amount mismatch.
func (c *Client) ResolveCommission(ctx context.Context) (CommissionInfo, error) {
	var info CommissionInfo
	if err := c.getJSON(ctx, "/commission/info", nil, &info); err != nil {
		return CommissionInfo{}, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"failed to resolve gateway commission", err)
	}
	if info.Address == "" {
		return CommissionInfo{}, agentpay.NewPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"gateway returned empty commission address", nil)
	}
	if info.Rate < 0 || info.Rate >= 1 {
		return CommissionInfo{}, agentpay.NewPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("gateway returned commission rate outside [0,1): %v", info.Rate), nil)
	}
	return info, nil
}

// Ack is the gateway's synchronous answer to a settlement submission. It
// is a provisional acceptance only: the gateway has taken the claim for
// verification, it has not confirmed that funds moved. Callers must not
// treat an Ack as settlement; that is the verifier's job.
type Ack struct {
	SettlementID string  `json:"settlement_id"`
	Message      string  `json:"message,omitempty"`
	AmountUSD    float64 `json:"amount_usd,omitempty"`
	ReceivedAt   string  `json:"received_at,omitempty"`
}

// SubmitSettlement presents a payment proof and mandate token to the
// gateway's settlement endpoint. The proof is validated first; an invalid
// proof is never submitted. A non-2xx answer is terminal for this proof:
// replay protection rejects a resubmission of the same tx hash, so a fresh
// purchase needs fresh transactions.
func (c *Client) SubmitSettlement(ctx context.Context, mandateToken string, proof agentpay.SignedPaymentProof, chain agentpay.Chain, token agentpay.Token, totalUSD float64) (Ack, error) {
	if err := proof.Validate(); err != nil {
		return Ack{}, err
	}
	paymentHeader, err := proof.GatewayHeader()
	if err != nil {
		return Ack{}, err
	}

	q := url.Values{}
	q.Set("chain", string(chain))
	q.Set("token", string(token))
	q.Set("price_usd", strconv.FormatFloat(totalUSD, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/x402/resource?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to create settlement request: %w", err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerMandate, mandateToken)
	req.Header.Set(agentpay.PaymentHeader, paymentHeader)

	resp, err := c.submitClient.Do(req)
	if err != nil {
		return Ack{}, agentpay.WrapPaymentError(agentpay.ErrCodeSubmissionRejected,
			"settlement submission failed", err).WithProof(proof)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to read settlement response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, agentpay.NewPaymentError(agentpay.ErrCodeSubmissionRejected,
			fmt.Sprintf("gateway rejected settlement: %s: %s", resp.Status, firstLine(body)),
			map[string]any{"status_code": resp.StatusCode}).WithProof(proof)
	}

	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return Ack{}, fmt.Errorf("failed to decode settlement ack: %w", err)
	}
	return ack, nil
}

// verifyPaymentResponse is the wire shape of the verification endpoint.
type verifyPaymentResponse struct {
	Verified  bool    `json:"verified"`
	AmountUSD float64 `json:"amount_usd"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
}

// VerifyPayment queries the gateway's verification endpoint for one tx
// hash and maps the answer onto the outcome union. The mapping is
// exhaustive over the gateway's known status values:
//
//	verified=true + confirmed|pending → Verified (both are successes)
//	verified=false + not_found|pending → NotFoundYet (retryable)
//	anything else → Rejected
func (c *Client) VerifyPayment(ctx context.Context, txHash string) (agentpay.VerificationOutcome, error) {
	if !agentpay.ValidTxHash(txHash) {
		return agentpay.VerificationOutcome{}, agentpay.NewPaymentError(agentpay.ErrCodeInvalidProof,
			fmt.Sprintf("malformed tx hash: %q", txHash), nil)
	}

	var vr verifyPaymentResponse
	if err := c.getJSON(ctx, "/payments/verify/"+txHash, nil, &vr); err != nil {
		return agentpay.VerificationOutcome{}, err
	}

	if vr.Verified {
		status := agentpay.VerificationStatus(vr.Status)
		switch status {
		case agentpay.StatusConfirmed, agentpay.StatusPending:
		default:
			// An unknown success status is still a success; record it
			// as confirmed rather than inventing a fourth state.
			status = agentpay.StatusConfirmed
		}
		return agentpay.Verified(vr.AmountUSD, status), nil
	}

	switch vr.Status {
	case "not_found", "pending", "":
		return agentpay.NotFoundYet(), nil
	default:
		reason := vr.Error
		if reason == "" {
			reason = fmt.Sprintf("payment status %q", vr.Status)
		}
		return agentpay.Rejected(reason), nil
	}
}

// mandateIssueRequest/mandateVerifyRequest are the mandate service wire
// shapes.
type mandateIssueRequest struct {
	Subject    string  `json:"subject"`
	BudgetUSD  float64 `json:"budget_usd"`
	Scope      string  `json:"scope"`
	TTLSeconds int64   `json:"ttl_seconds"`
}

type mandateIssueResponse struct {
	Token     string  `json:"mandate_token"`
	BudgetUSD float64 `json:"budget_usd"`
	ExpiresAt int64   `json:"expires_at"`
}

type mandateVerifyResponse struct {
	Valid           bool    `json:"valid"`
	BudgetRemaining float64 `json:"budget_remaining"`
}

// IssueMandate asks the mandate service for a fresh spending authorization.
func (c *Client) IssueMandate(ctx context.Context, req mandate.IssueRequest) (mandate.Mandate, error) {
	var resp mandateIssueResponse
	err := c.postJSON(ctx, "/mandates/issue", mandateIssueRequest{
		Subject:    req.Subject,
		BudgetUSD:  req.BudgetUSD,
		Scope:      req.Scope,
		TTLSeconds: int64(req.TTL / time.Second),
	}, &resp)
	if err != nil {
		return mandate.Mandate{}, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"mandate issuance failed", err)
	}
	return mandate.Mandate{
		Subject:         req.Subject,
		Token:           resp.Token,
		BudgetUSD:       resp.BudgetUSD,
		BudgetRemaining: resp.BudgetUSD,
		Scope:           req.Scope,
		IssuedAt:        time.Now().UTC(),
		ExpiresAt:       time.Unix(resp.ExpiresAt, 0).UTC(),
	}, nil
}

// VerifyMandate checks a mandate token and returns the authoritative
// remaining budget. Local caches of the budget are advisory only and must
// be refreshed through this call after every settlement.
func (c *Client) VerifyMandate(ctx context.Context, token string) (mandate.Status, error) {
	var resp mandateVerifyResponse
	err := c.postJSON(ctx, "/mandates/verify", map[string]string{"mandate_token": token}, &resp)
	if err != nil {
		return mandate.Status{}, agentpay.WrapPaymentError(agentpay.ErrCodeUpstreamUnavailable,
			"mandate verification failed", err)
	}
	return mandate.Status{Valid: resp.Valid, BudgetRemaining: resp.BudgetRemaining}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)
	req.Header.Set(headerAPIKey, c.apiKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, firstLine(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

func firstLine(body []byte) string {
	const max = 200
	s := string(body)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
