// Package verify implements the payment confirmation state machine: an
// adaptive polling loop that drives a verification RPC until a payment is
// confirmed, optimistically accepted, or terminally failed. Both the buyer
// and the seller run this machine; only the RPC binding differs.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	agentpay "github.com/agentgatepay/agentpay-go"
)

// RPC is the verification endpoint the machine polls. The gateway client
// implements it; tests inject scripted fakes.
type RPC interface {
	VerifyPayment(ctx context.Context, txHash string) (agentpay.VerificationOutcome, error)
}

// State is the machine state. Polling is the only non-terminal state.
type State int

const (
	StatePolling State = iota
	StateVerified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes the retry budget and tolerance. Zero values take defaults.
type Config struct {
	// SmallPaymentAttempts is the retry budget for payments under
	// SmallPaymentCeilingUSD, where the gateway's optimistic fast-path is
	// expected to resolve quickly.
	SmallPaymentAttempts int
	// LargePaymentAttempts is the retry budget for payments at or above
	// the ceiling, which wait for full on-chain confirmation.
	LargePaymentAttempts int
	// SmallPaymentCeilingUSD separates the two budgets.
	SmallPaymentCeilingUSD float64
	// Delay is the initial wait between attempts.
	Delay time.Duration
	// BackoffFactor multiplies the delay between attempts on the large
	// (fully synchronous) path only. Must stay low; the cap below bounds it.
	BackoffFactor float64
	// MaxDelay caps the backed-off delay.
	MaxDelay time.Duration
	// AmountToleranceUSD is the absolute tolerance when comparing the
	// settled amount against the expected merchant amount. Flat rather
	// than relative, matching the gateway's settlement rules.
	AmountToleranceUSD float64
}

func (c Config) withDefaults() Config {
	if c.SmallPaymentAttempts == 0 {
		c.SmallPaymentAttempts = 6
	}
	if c.LargePaymentAttempts == 0 {
		c.LargePaymentAttempts = 12
	}
	if c.SmallPaymentCeilingUSD == 0 {
		c.SmallPaymentCeilingUSD = 1.0
	}
	if c.Delay == 0 {
		c.Delay = 10 * time.Second
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 1.2
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 20 * time.Second
	}
	if c.AmountToleranceUSD == 0 {
		c.AmountToleranceUSD = 0.01
	}
	return c
}

// Budget returns the attempt budget for a payment of the given total size.
func (c Config) Budget(totalUSD float64) int {
	if totalUSD < c.SmallPaymentCeilingUSD {
		return c.SmallPaymentAttempts
	}
	return c.LargePaymentAttempts
}

// Result is the terminal report of one verification run.
type Result struct {
	State    State
	Outcome  agentpay.VerificationOutcome
	Attempts int
	// LastError is the last concrete error observed before a failure,
	// preserved for the operator.
	LastError string
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(v *Verifier) { v.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// WithSleep replaces the inter-attempt sleep, letting tests run the
// machine without real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(v *Verifier) { v.sleep = sleep }
}

// Verifier runs the confirmation machine. Safe for concurrent use; each
// Verify call is an independent run, and terminal Verified results are
// remembered per tx hash so repeated calls cannot flap.
type Verifier struct {
	rpc    RPC
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	verified map[string]Result
}

// New creates a Verifier polling the given RPC.
func New(rpc RPC, opts ...Option) *Verifier {
	v := &Verifier{
		rpc:      rpc,
		cfg:      Config{}.withDefaults(),
		logger:   slog.Default(),
		sleep:    sleepCtx,
		verified: make(map[string]Result),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decision is the outcome of one transition step.
type decision int

const (
	decideRetry decision = iota
	decideVerified
	decideMismatch
	decideRejected
	decideRPCError
)

// transition classifies one RPC observation. It is the machine's single
// transition function: network errors and gateway rejections are terminal,
// not-found-yet is the only retryable answer, and a verified payment is
// still failed if the settled amount falls outside tolerance.
func transition(out agentpay.VerificationOutcome, rpcErr error, expectedUSD, toleranceUSD float64) decision {
	if rpcErr != nil {
		return decideRPCError
	}
	switch out.Kind {
	case agentpay.OutcomeVerified:
		if math.Abs(out.AmountUSD-expectedUSD) > toleranceUSD {
			return decideMismatch
		}
		return decideVerified
	case agentpay.OutcomeNotFoundYet:
		return decideRetry
	case agentpay.OutcomeRejected:
		return decideRejected
	default:
		return decideRejected
	}
}

// Verify polls the RPC for txHash until a terminal state is reached.
// totalUSD selects the retry budget; expectedUSD is the merchant amount the
// settled value must match within tolerance. On failure the returned error
// is a *agentpay.PaymentError carrying the last observed error.
//
// A tx hash that already reached Verified returns its recorded result
// immediately, with the same amount.
func (v *Verifier) Verify(ctx context.Context, txHash string, totalUSD, expectedUSD float64) (Result, error) {
	if cached, ok := v.lookup(txHash); ok {
		return cached, nil
	}

	cfg := v.cfg
	budget := cfg.Budget(totalUSD)
	delay := cfg.Delay
	res := Result{State: StatePolling}

	for attempt := 1; attempt <= budget; attempt++ {
		res.Attempts = attempt
		out, err := v.rpc.VerifyPayment(ctx, txHash)

		switch transition(out, err, expectedUSD, cfg.AmountToleranceUSD) {
		case decideVerified:
			res.State = StateVerified
			res.Outcome = out
			v.logger.Info("payment verified",
				"tx_hash", txHash,
				"status", string(out.Status),
				"amount_usd", out.AmountUSD,
				"attempts", attempt)
			v.remember(txHash, res)
			return res, nil

		case decideMismatch:
			res.State = StateFailed
			res.Outcome = out
			res.LastError = fmt.Sprintf("settled amount $%.6f differs from expected $%.6f by more than $%.2f",
				out.AmountUSD, expectedUSD, cfg.AmountToleranceUSD)
			v.logger.Error("payment amount mismatch",
				"tx_hash", txHash,
				"settled_usd", out.AmountUSD,
				"expected_usd", expectedUSD)
			return res, agentpay.NewPaymentError(agentpay.ErrCodeAmountMismatch, res.LastError, map[string]any{
				"tx_hash":      txHash,
				"settled_usd":  out.AmountUSD,
				"expected_usd": expectedUSD,
			})

		case decideRejected:
			res.State = StateFailed
			res.Outcome = out
			res.LastError = out.Reason
			if res.LastError == "" {
				res.LastError = "payment rejected by gateway"
			}
			v.logger.Error("payment rejected", "tx_hash", txHash, "reason", res.LastError)
			return res, agentpay.NewPaymentError(agentpay.ErrCodeVerificationFailed, res.LastError, map[string]any{
				"tx_hash": txHash,
			})

		case decideRPCError:
			res.State = StateFailed
			res.LastError = err.Error()
			if ctx.Err() != nil {
				// The caller gave up, not the gateway. Abandonment is
				// retryable; a broken RPC is not.
				return res, agentpay.WrapPaymentError(agentpay.ErrCodeVerificationTimeout,
					"verification abandoned", err)
			}
			v.logger.Error("verification rpc failed", "tx_hash", txHash, "error", err)
			return res, agentpay.WrapPaymentError(agentpay.ErrCodeVerificationFailed,
				"verification rpc failed", err)

		case decideRetry:
			res.LastError = "payment not found yet"
			if attempt == budget {
				break
			}
			v.logger.Debug("payment not visible yet, retrying",
				"tx_hash", txHash,
				"attempt", attempt,
				"budget", budget,
				"delay", delay)
			if err := v.sleep(ctx, delay); err != nil {
				res.State = StateFailed
				res.LastError = err.Error()
				return res, agentpay.WrapPaymentError(agentpay.ErrCodeVerificationTimeout,
					"verification abandoned", err)
			}
			// Only the fully synchronous path tightens its cadence.
			if totalUSD >= cfg.SmallPaymentCeilingUSD {
				delay = time.Duration(float64(delay) * cfg.BackoffFactor)
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}
		}
	}

	res.State = StateFailed
	v.logger.Error("verification retry budget exhausted",
		"tx_hash", txHash,
		"attempts", res.Attempts,
		"last_error", res.LastError)
	return res, agentpay.NewPaymentError(agentpay.ErrCodeVerificationTimeout,
		fmt.Sprintf("payment not confirmed after %d attempts: %s", res.Attempts, res.LastError),
		map[string]any{"tx_hash": txHash, "attempts": res.Attempts})
}

func (v *Verifier) lookup(txHash string) (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	res, ok := v.verified[txHash]
	return res, ok
}

func (v *Verifier) remember(txHash string, res Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verified[txHash] = res
}
