package buyer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	agentpay "github.com/agentgatepay/agentpay-go"
	"github.com/agentgatepay/agentpay-go/gateway"
	"github.com/agentgatepay/agentpay-go/mandate"
	"github.com/agentgatepay/agentpay-go/verify"
)

const (
	merchantHash   = "0x7f9c2ba4e88f827d616045507605853ed73b8093f6efbc88eb1a6eacfa66ef26"
	commissionHash = "0x4d3a98d4b2a1f0e9c8b7a6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5"
)

var testProof = agentpay.SignedPaymentProof{
	MerchantTxHash:   merchantHash,
	CommissionTxHash: commissionHash,
}

type fakeSigner struct {
	calls  int
	intent agentpay.PaymentIntent
	err    error
}

func (f *fakeSigner) Sign(_ context.Context, intent agentpay.PaymentIntent) (agentpay.SignedPaymentProof, error) {
	f.calls++
	f.intent = intent
	if f.err != nil {
		return agentpay.SignedPaymentProof{}, f.err
	}
	return testProof, nil
}

type fakeSettler struct {
	calls int
	token string
	err   error
	delay time.Duration
}

func (f *fakeSettler) SubmitSettlement(ctx context.Context, mandateToken string, proof agentpay.SignedPaymentProof, chain agentpay.Chain, token agentpay.Token, totalUSD float64) (gateway.Ack, error) {
	f.calls++
	f.token = mandateToken
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return gateway.Ack{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return gateway.Ack{}, f.err
	}
	return gateway.Ack{SettlementID: "stl_123", AmountUSD: totalUSD}, nil
}

type fakeConfirmer struct {
	calls  int
	result verify.Result
	err    error
	// block makes Verify wait for context cancellation, simulating a poll
	// still in flight when submission fails.
	block bool
}

func (f *fakeConfirmer) Verify(ctx context.Context, txHash string, totalUSD, expectedUSD float64) (verify.Result, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return verify.Result{}, ctx.Err()
	}
	return f.result, f.err
}

type fakeMandateService struct {
	issued   int
	verified int
	budget   float64
}

func (f *fakeMandateService) IssueMandate(_ context.Context, req mandate.IssueRequest) (mandate.Mandate, error) {
	f.issued++
	return mandate.Mandate{
		Subject:         req.Subject,
		Token:           "mnd_token_abc",
		BudgetUSD:       req.BudgetUSD,
		BudgetRemaining: req.BudgetUSD,
		Scope:           req.Scope,
		IssuedAt:        time.Now(),
		ExpiresAt:       time.Now().Add(req.TTL),
	}, nil
}

func (f *fakeMandateService) VerifyMandate(context.Context, string) (mandate.Status, error) {
	f.verified++
	return mandate.Status{Valid: true, BudgetRemaining: f.budget}, nil
}

// fakeSeller serves the 402/claim ladder for one resource, optionally
// answering the first rejectBefore claims with a retryable 403.
type fakeSeller struct {
	t            *testing.T
	priceUSD     float64
	rejectBefore int
	claims       atomic.Int64
	// claimDelay holds each claim open before answering, the way a seller
	// does while its own verification attempt runs.
	claimDelay time.Duration
}

func (f *fakeSeller) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/resource", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("resource_id") != "market-report-2026" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{
				"error":               "resource not found",
				"available_resources": []string{"market-report-2026"},
			})
			return
		}
		if r.Header.Get("x-payment") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]any{
				"error": "payment required",
				"resource": map[string]any{
					"id": "market-report-2026", "name": "Market Report", "price_usd": f.priceUSD,
				},
				"payment_info": map[string]any{
					"recipient_wallet":   "0x1111111111111111111111111111111111111111",
					"chain":              "base",
					"token":              "USDC",
					"token_contract":     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
					"decimals":           6,
					"commission_address": "0x2222222222222222222222222222222222222222",
					"commission_rate":    0.005,
				},
			})
			return
		}
		if r.Header.Get("x-payment") != testProof.SellerHeader() {
			f.t.Errorf("unexpected payment header: %s", r.Header.Get("x-payment"))
		}
		claim := f.claims.Add(1)
		if f.claimDelay > 0 {
			time.Sleep(f.claimDelay)
		}
		if claim <= int64(f.rejectBefore) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"error":     "payment verification failed",
				"reason":    "payment not confirmed after 6 attempts",
				"retryable": true,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"resource": map[string]any{"id": "market-report-2026"},
			"data":     map[string]any{"summary": "markets went up"},
			"payment_confirmation": map[string]any{
				"merchant_tx_hash": merchantHash,
				"status":           "confirmed",
			},
		})
	})
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"resources": []map[string]any{
				{"id": "market-report-2026", "name": "Market Report", "price_usd": f.priceUSD},
			},
		})
	})
	return mux
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestOrchestrator(sellerURL string, signer Signer, settler Settler, confirmer Confirmer, svc mandate.Service) *Orchestrator {
	return New(sellerURL, signer, settler, confirmer, svc, mandate.NewMemoryStore(),
		WithConfig(Config{Subject: "agent-test"}),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSleep(noSleep))
}

func TestPurchaseHappyPath(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	signer := &fakeSigner{}
	settler := &fakeSettler{}
	confirmer := &fakeConfirmer{result: verify.Result{
		State:    verify.StateVerified,
		Outcome:  agentpay.Verified(0.00995, agentpay.StatusConfirmed),
		Attempts: 1,
	}}
	svc := &fakeMandateService{budget: 9.99}

	o := newTestOrchestrator(srv.URL, signer, settler, confirmer, svc)
	receipt, err := o.Purchase(context.Background(), "market-report-2026")
	if err != nil {
		t.Fatal(err)
	}

	if receipt.Proof != testProof {
		t.Fatalf("receipt proof = %+v", receipt.Proof)
	}
	if receipt.Status != agentpay.StatusConfirmed {
		t.Fatalf("receipt status = %s", receipt.Status)
	}
	if receipt.SettlementID != "stl_123" {
		t.Fatalf("settlement id = %s", receipt.SettlementID)
	}
	if receipt.BudgetRemainingUSD != 9.99 {
		t.Fatalf("budget = %v, want the service's answer 9.99", receipt.BudgetRemainingUSD)
	}
	if string(receipt.Data) == "" {
		t.Fatal("receipt has no delivered payload")
	}

	if signer.intent.Recipient != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("intent recipient = %s", signer.intent.Recipient)
	}
	if signer.intent.CommissionRate != 0.005 || signer.intent.TotalUSD != 0.01 {
		t.Fatalf("intent = %+v", signer.intent)
	}
	if settler.token != "mnd_token_abc" {
		t.Fatalf("settlement used token %q", settler.token)
	}
	if svc.issued != 1 {
		t.Fatalf("mandate issued %d times, want 1", svc.issued)
	}
	if svc.verified != 1 {
		t.Fatal("budget must be refreshed from the service after settlement")
	}
}

func TestPurchaseReusesCachedMandate(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	svc := &fakeMandateService{budget: 5}
	store := mandate.NewMemoryStore()
	if err := store.Put(context.Background(), mandate.Mandate{
		Subject:   "agent-test",
		Token:     "mnd_cached",
		BudgetUSD: 10,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	settler := &fakeSettler{}
	confirmer := &fakeConfirmer{result: verify.Result{
		State:   verify.StateVerified,
		Outcome: agentpay.Verified(0.00995, agentpay.StatusConfirmed),
	}}
	o := New(srv.URL, &fakeSigner{}, settler, confirmer, svc, store,
		WithConfig(Config{Subject: "agent-test"}),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSleep(noSleep))

	if _, err := o.Purchase(context.Background(), "market-report-2026"); err != nil {
		t.Fatal(err)
	}
	if svc.issued != 0 {
		t.Fatal("a valid cached mandate must not trigger re-issuance")
	}
	if settler.token != "mnd_cached" {
		t.Fatalf("settlement used token %q, want the cached one", settler.token)
	}
}

func TestExpiredCachedMandateIsReissued(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	svc := &fakeMandateService{budget: 5}
	store := mandate.NewMemoryStore()
	if err := store.Put(context.Background(), mandate.Mandate{
		Subject:   "agent-test",
		Token:     "mnd_stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	confirmer := &fakeConfirmer{result: verify.Result{
		State:   verify.StateVerified,
		Outcome: agentpay.Verified(0.00995, agentpay.StatusConfirmed),
	}}
	o := New(srv.URL, &fakeSigner{}, &fakeSettler{}, confirmer, svc, store,
		WithConfig(Config{Subject: "agent-test"}),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSleep(noSleep))

	if _, err := o.Purchase(context.Background(), "market-report-2026"); err != nil {
		t.Fatal(err)
	}
	if svc.issued != 1 {
		t.Fatalf("expired mandate reissued %d times, want 1", svc.issued)
	}
}

func TestUnknownResourceAbortsBeforeSigning(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	signer := &fakeSigner{}
	o := newTestOrchestrator(srv.URL, signer, &fakeSettler{}, &fakeConfirmer{}, &fakeMandateService{})

	_, err := o.Purchase(context.Background(), "nope")
	if agentpay.ErrorCode(err) != agentpay.ErrCodeUnknownResource {
		t.Fatalf("error = %v, want unknown_resource", err)
	}
	if signer.calls != 0 {
		t.Fatal("nothing may be signed for an unknown resource")
	}
}

func TestMalformedOfferAbortsBeforeSigning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		// commission_rate out of range, recipient missing
		json.NewEncoder(w).Encode(map[string]any{
			"resource":     map[string]any{"id": "market-report-2026", "price_usd": 0.01},
			"payment_info": map[string]any{"chain": "base", "token": "USDC", "commission_rate": 1.5},
		})
	}))
	defer srv.Close()

	signer := &fakeSigner{}
	o := newTestOrchestrator(srv.URL, signer, &fakeSettler{}, &fakeConfirmer{}, &fakeMandateService{})

	_, err := o.Purchase(context.Background(), "market-report-2026")
	if agentpay.ErrorCode(err) != agentpay.ErrCodeUpstreamUnavailable {
		t.Fatalf("error = %v, want upstream_unavailable", err)
	}
	if signer.calls != 0 {
		t.Fatal("a malformed offer must never reach the signer")
	}
}

func TestSubmissionRejectionWinsOverCancelledPoll(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	submitErr := agentpay.NewPaymentError(agentpay.ErrCodeSubmissionRejected,
		"settlement rejected with status 409", nil)
	settler := &fakeSettler{err: submitErr}
	confirmer := &fakeConfirmer{block: true}

	o := newTestOrchestrator(srv.URL, &fakeSigner{}, settler, confirmer, &fakeMandateService{})
	_, err := o.Purchase(context.Background(), "market-report-2026")
	if agentpay.ErrorCode(err) != agentpay.ErrCodeSubmissionRejected {
		t.Fatalf("error = %v, want submission_rejected", err)
	}
	if confirmer.calls != 1 {
		t.Fatal("confirmation should have started before the rejection landed")
	}
}

func TestSlowRetryableClaimIsRetried(t *testing.T) {
	// A seller that holds the claim open while it runs a verification
	// attempt is still answered and retried, not cut off by the request
	// timeout and turned into a terminal transport failure.
	seller := &fakeSeller{t: t, priceUSD: 0.01, rejectBefore: 1, claimDelay: 100 * time.Millisecond}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	confirmer := &fakeConfirmer{result: verify.Result{
		State:   verify.StateVerified,
		Outcome: agentpay.Verified(0.00995, agentpay.StatusConfirmed),
	}}
	o := New(srv.URL, &fakeSigner{}, &fakeSettler{}, confirmer, &fakeMandateService{}, mandate.NewMemoryStore(),
		WithConfig(Config{Subject: "agent-test"}),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
		WithSleep(noSleep))

	_, err := o.Purchase(context.Background(), "market-report-2026")
	if agentpay.ErrorCode(err) != agentpay.ErrCodeUpstreamUnavailable {
		t.Fatalf("error = %v, want the transport timeout surfaced as upstream_unavailable", err)
	}
	var pe *agentpay.PaymentError
	if !errors.As(err, &pe) || pe.Details["merchant_tx_hash"] != merchantHash || pe.Details["commission_tx_hash"] != commissionHash {
		t.Fatalf("post-broadcast failure must carry both hashes, got %v", err)
	}

	seller.claims.Store(0)
	o = newTestOrchestrator(srv.URL, &fakeSigner{}, &fakeSettler{}, confirmer, &fakeMandateService{budget: 9})
	if _, err := o.Purchase(context.Background(), "market-report-2026"); err != nil {
		t.Fatal(err)
	}
	if got := seller.claims.Load(); got != 2 {
		t.Fatalf("seller saw %d claims, want a retry after the slow rejection", got)
	}
}

func TestVerificationTimeoutCarriesBothHashes(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	// The confirmation machine reports only the merchant hash it polled;
	// the purchase error must add the commission leg before surfacing.
	confirmer := &fakeConfirmer{err: agentpay.NewPaymentError(agentpay.ErrCodeVerificationTimeout,
		"payment not confirmed after 12 attempts: payment not found",
		map[string]any{"tx_hash": merchantHash, "attempts": 12})}
	o := newTestOrchestrator(srv.URL, &fakeSigner{}, &fakeSettler{}, confirmer, &fakeMandateService{})

	_, err := o.Purchase(context.Background(), "market-report-2026")
	if agentpay.ErrorCode(err) != agentpay.ErrCodeVerificationTimeout {
		t.Fatalf("error = %v, want verification_timeout", err)
	}
	var pe *agentpay.PaymentError
	if !errors.As(err, &pe) {
		t.Fatal("expected a PaymentError")
	}
	if pe.Details["merchant_tx_hash"] != merchantHash || pe.Details["commission_tx_hash"] != commissionHash {
		t.Fatalf("timeout error must carry both hashes, got %v", pe.Details)
	}
	if pe.Details["attempts"] != 12 {
		t.Fatalf("attempt count lost from details: %v", pe.Details)
	}
}

func TestClaimRetriesOnRetryableRejection(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01, rejectBefore: 2}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	confirmer := &fakeConfirmer{result: verify.Result{
		State:   verify.StateVerified,
		Outcome: agentpay.Verified(0.00995, agentpay.StatusPending),
	}}
	o := newTestOrchestrator(srv.URL, &fakeSigner{}, &fakeSettler{}, confirmer, &fakeMandateService{budget: 9})

	receipt, err := o.Purchase(context.Background(), "market-report-2026")
	if err != nil {
		t.Fatal(err)
	}
	if got := seller.claims.Load(); got != 3 {
		t.Fatalf("seller saw %d claims, want 3", got)
	}
	if receipt.Status != agentpay.StatusPending {
		t.Fatalf("receipt status = %s, want pending carried through", receipt.Status)
	}
}

func TestClaimExhaustionCarriesProof(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.01, rejectBefore: 1000}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	confirmer := &fakeConfirmer{result: verify.Result{
		State:   verify.StateVerified,
		Outcome: agentpay.Verified(0.00995, agentpay.StatusConfirmed),
	}}
	o := New(srv.URL, &fakeSigner{}, &fakeSettler{}, confirmer, &fakeMandateService{}, mandate.NewMemoryStore(),
		WithConfig(Config{Subject: "agent-test", ClaimAttempts: 4}),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSleep(noSleep))

	_, err := o.Purchase(context.Background(), "market-report-2026")
	if agentpay.ErrorCode(err) != agentpay.ErrCodeSellerNotReady {
		t.Fatalf("error = %v, want seller_not_ready", err)
	}
	if got := seller.claims.Load(); got != 4 {
		t.Fatalf("seller saw %d claims, want exactly the configured 4", got)
	}

	var pe *agentpay.PaymentError
	if !errors.As(err, &pe) {
		t.Fatal("expected a PaymentError")
	}
	if pe.Details["merchant_tx_hash"] != merchantHash || pe.Details["commission_tx_hash"] != commissionHash {
		t.Fatalf("exhaustion error must carry both hashes, got %v", pe.Details)
	}
}

func TestNonRetryableRejectionIsTerminal(t *testing.T) {
	var claims atomic.Int64
	offerSeller := &fakeSeller{priceUSD: 0.01}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-payment") == "" {
			offerSeller.handler().ServeHTTP(w, r)
			return
		}
		claims.Add(1)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     "payment verification failed",
			"reason":    "settled amount differs from expected",
			"retryable": false,
		})
	}))
	defer srv.Close()

	confirmer := &fakeConfirmer{result: verify.Result{
		State:   verify.StateVerified,
		Outcome: agentpay.Verified(0.00995, agentpay.StatusConfirmed),
	}}
	o := newTestOrchestrator(srv.URL, &fakeSigner{}, &fakeSettler{}, confirmer, &fakeMandateService{})

	_, err := o.Purchase(context.Background(), "market-report-2026")
	if agentpay.ErrorCode(err) != agentpay.ErrCodeSellerNotReady {
		t.Fatalf("error = %v, want seller_not_ready", err)
	}
	if claims.Load() != 1 {
		t.Fatalf("seller saw %d claims, want exactly 1 for a non-retryable rejection", claims.Load())
	}
}

func TestListCatalog(t *testing.T) {
	seller := &fakeSeller{t: t, priceUSD: 0.25}
	srv := httptest.NewServer(seller.handler())
	defer srv.Close()

	o := newTestOrchestrator(srv.URL, &fakeSigner{}, &fakeSettler{}, &fakeConfirmer{}, &fakeMandateService{})
	resources, err := o.ListCatalog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(resources) != 1 || resources[0].ID != "market-report-2026" || resources[0].PriceUSD != 0.25 {
		t.Fatalf("catalog = %+v", resources)
	}
}

func TestCheckBudget(t *testing.T) {
	svc := &fakeMandateService{budget: 7.5}
	o := newTestOrchestrator("http://unused", &fakeSigner{}, &fakeSettler{}, &fakeConfirmer{}, svc)

	m, err := o.CheckBudget(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.BudgetRemaining != 7.5 {
		t.Fatalf("budget = %v", m.BudgetRemaining)
	}
	if svc.issued != 1 || svc.verified != 1 {
		t.Fatalf("service calls = issue %d / verify %d", svc.issued, svc.verified)
	}
}
