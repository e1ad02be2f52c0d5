// Package sellerware gates arbitrary net/http handlers behind the payment
// protocol, for sellers that do not want the full gin server in package
// seller. The wrapped handler only runs after a verified payment; the
// confirmation is available from the request context and echoed in the
// x-payment-confirmation response header.
package sellerware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	agentpay "github.com/agentgatepay/agentpay-go"
	"github.com/agentgatepay/agentpay-go/seller"
)

// ConfirmationHeader carries the base64-encoded payment confirmation on
// successful deliveries.
const ConfirmationHeader = "x-payment-confirmation"

type confirmationKey struct{}

// ConfirmationFrom returns the verified payment confirmation for the
// current request, if the request passed through Payment.
func ConfirmationFrom(ctx context.Context) (seller.Confirmation, bool) {
	conf, ok := ctx.Value(confirmationKey{}).(seller.Confirmation)
	return conf, ok
}

// Options configures Payment.
type Options struct {
	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the middleware logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// Payment wraps a handler so it only serves after the payment gate has
// authorized a proof for the given resource. Requests without an
// x-payment header get the 402 offer; malformed headers get 400; failed
// verifications get 403 with a retry hint.
func Payment(gate *seller.Gate, resource seller.Resource, opts ...Option) func(http.Handler) http.Handler {
	options := &Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(agentpay.PaymentHeader)
			if header == "" {
				offer, err := gate.Offer(r.Context(), resource)
				if err != nil {
					options.Logger.Error("failed to build payment offer",
						"resource_id", resource.ID, "error", err)
					writeJSON(w, http.StatusServiceUnavailable, map[string]any{
						"error": "payment offer unavailable: " + err.Error(),
					})
					return
				}
				writeJSON(w, http.StatusPaymentRequired, offer)
				return
			}

			conf, err := gate.Authorize(r.Context(), resource, header)
			if err != nil {
				rejectPayment(w, options.Logger, resource.ID, err)
				return
			}

			if encoded, err := encodeConfirmation(conf); err == nil {
				w.Header().Set(ConfirmationHeader, encoded)
			}
			ctx := context.WithValue(r.Context(), confirmationKey{}, conf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func rejectPayment(w http.ResponseWriter, logger *slog.Logger, resourceID string, err error) {
	code := agentpay.ErrorCode(err)
	if code == agentpay.ErrCodeInvalidProof {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	retryable := code == agentpay.ErrCodeVerificationTimeout
	logger.Warn("payment rejected",
		"resource_id", resourceID,
		"code", code,
		"retryable", retryable,
		"error", err)
	writeJSON(w, http.StatusForbidden, map[string]any{
		"error":     "payment verification failed",
		"reason":    err.Error(),
		"retryable": retryable,
	})
}

func encodeConfirmation(conf seller.Confirmation) (string, error) {
	raw, err := json.Marshal(conf)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
