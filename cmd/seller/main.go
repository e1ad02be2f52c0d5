// The seller binary serves a priced resource catalog behind the 402
// payment challenge, verifying presented payments through the gateway.
//
// Configuration comes from the environment:
//
//	SELLER_ADDR       listen address (default :8402)
//	SELLER_WALLET     merchant wallet receiving payments (required)
//	SELLER_CHAIN      chain for offers (default base)
//	SELLER_TOKEN      token for offers (default USDC)
//	GATEWAY_URL       gateway base URL (default https://api.agentgatepay.com)
//	GATEWAY_API_KEY   gateway API key (required)
//	CATALOG_FILE      optional JSON file with the resource catalog
package main

import (
	"encoding/json"
	"log/slog"
	"os"

	agentpay "github.com/agentgatepay/agentpay-go"
	"github.com/agentgatepay/agentpay-go/gateway"
	"github.com/agentgatepay/agentpay-go/seller"
	"github.com/agentgatepay/agentpay-go/verify"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	wallet := os.Getenv("SELLER_WALLET")
	apiKey := os.Getenv("GATEWAY_API_KEY")
	if wallet == "" || apiKey == "" {
		logger.Error("SELLER_WALLET and GATEWAY_API_KEY are required")
		os.Exit(1)
	}
	addr := envOr("SELLER_ADDR", ":8402")
	gatewayURL := envOr("GATEWAY_URL", gateway.DefaultGatewayURL)

	catalog, err := loadCatalog(os.Getenv("CATALOG_FILE"))
	if err != nil {
		logger.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}

	client := gateway.NewClient(gatewayURL, apiKey)
	// The buyer drives the retry cadence for payments that are not visible
	// yet. Each inbound claim gets one verification attempt and a
	// retryable 403 when the payment is still missing.
	verifier := verify.New(client,
		verify.WithLogger(logger),
		verify.WithConfig(verify.Config{
			SmallPaymentAttempts: 1,
			LargePaymentAttempts: 1,
		}))
	gate := seller.NewGate(
		seller.Config{
			RecipientWallet: wallet,
			Chain:           agentpay.Chain(envOr("SELLER_CHAIN", string(agentpay.ChainBase))),
			Token:           agentpay.Token(envOr("SELLER_TOKEN", string(agentpay.TokenUSDC))),
		},
		client,
		verifier,
		seller.WithLogger(logger),
	)
	srv := seller.NewServer(catalog, gate, seller.WithServerLogger(logger))

	logger.Info("seller listening",
		"addr", addr,
		"wallet", wallet,
		"gateway", gatewayURL,
		"resources", catalog.Len())
	if err := srv.Run(addr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func loadCatalog(path string) (*seller.Catalog, error) {
	if path == "" {
		return demoCatalog()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var resources []struct {
		seller.Resource
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &resources); err != nil {
		return nil, err
	}
	out := make([]seller.Resource, len(resources))
	for i, r := range resources {
		out[i] = r.Resource
		out[i].Data = r.Data
	}
	return seller.NewCatalog(out...)
}

func demoCatalog() (*seller.Catalog, error) {
	return seller.NewCatalog(
		seller.Resource{
			ID:          "market-report-2026",
			Name:        "Market Report 2026",
			PriceUSD:    0.01,
			Description: "Quarterly market analysis",
			Category:    "research",
			Data:        json.RawMessage(`{"summary":"demand for agent payments keeps growing"}`),
		},
		seller.Resource{
			ID:          "weather-feed",
			Name:        "Weather Feed",
			PriceUSD:    0.50,
			Description: "Hourly weather observations",
			Category:    "data",
			Data:        json.RawMessage(`{"temp_f":72.5,"conditions":"partly cloudy"}`),
		},
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
