// The buyer binary either performs one purchase and prints the receipt, or
// serves the purchase tools over MCP for an LLM agent to drive.
//
// Configuration comes from the environment:
//
//	SELLER_URL          seller base URL (default http://localhost:8402)
//	GATEWAY_URL         gateway base URL (default https://api.agentgatepay.com)
//	GATEWAY_API_KEY     gateway API key (required)
//	BUYER_PRIVATE_KEY   hex private key funding the payments (required)
//	ETH_RPC_URL         EVM JSON-RPC endpoint (required)
//	AGENT_SUBJECT       agent identity for mandates (default generated)
//	MANDATE_BUDGET_USD  budget for newly-issued mandates (default 10)
//	MANDATE_DB          sqlite path for the mandate cache (default agentpay.db)
//	MCP_ADDR            when set, serve MCP on this address instead of buying
//
// Usage: buyer <resource_id>, or buyer with MCP_ADDR set.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"

	"github.com/agentgatepay/agentpay-go/buyer"
	"github.com/agentgatepay/agentpay-go/gateway"
	"github.com/agentgatepay/agentpay-go/mandate"
	"github.com/agentgatepay/agentpay-go/mcp"
	"github.com/agentgatepay/agentpay-go/signer/evm"
	"github.com/agentgatepay/agentpay-go/verify"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("buyer failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	apiKey := os.Getenv("GATEWAY_API_KEY")
	privateKey := os.Getenv("BUYER_PRIVATE_KEY")
	rpcURL := os.Getenv("ETH_RPC_URL")
	if apiKey == "" || privateKey == "" || rpcURL == "" {
		logger.Error("GATEWAY_API_KEY, BUYER_PRIVATE_KEY and ETH_RPC_URL are required")
		os.Exit(1)
	}
	sellerURL := envOr("SELLER_URL", "http://localhost:8402")
	gatewayURL := envOr("GATEWAY_URL", gateway.DefaultGatewayURL)

	backend, err := ethclient.Dial(rpcURL)
	if err != nil {
		return err
	}
	signer, err := evm.NewSigner(privateKey, backend, evm.WithLogger(logger))
	if err != nil {
		return err
	}

	store, err := mandate.OpenSQLite(envOr("MANDATE_DB", "agentpay.db"))
	if err != nil {
		return err
	}

	budgetUSD := 10.0
	if v := os.Getenv("MANDATE_BUDGET_USD"); v != "" {
		budgetUSD, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
	}

	client := gateway.NewClient(gatewayURL, apiKey)
	verifier := verify.New(client, verify.WithLogger(logger))
	orchestrator := buyer.New(sellerURL, signer, client, verifier, client, store,
		buyer.WithConfig(buyer.Config{
			Subject:          os.Getenv("AGENT_SUBJECT"),
			MandateBudgetUSD: budgetUSD,
		}),
		buyer.WithLogger(logger))

	if addr := os.Getenv("MCP_ADDR"); addr != "" {
		return serveMCP(logger, addr, orchestrator)
	}

	if len(os.Args) < 2 {
		logger.Error("usage: buyer <resource_id>")
		os.Exit(1)
	}
	receipt, err := orchestrator.Purchase(context.Background(), os.Args[1])
	if err != nil {
		return err
	}
	logger.Info("purchase complete",
		"resource_id", receipt.ResourceID,
		"merchant_tx_hash", receipt.Proof.MerchantTxHash,
		"commission_tx_hash", receipt.Proof.CommissionTxHash,
		"status", string(receipt.Status),
		"budget_remaining_usd", receipt.BudgetRemainingUSD)
	return json.NewEncoder(os.Stdout).Encode(receipt)
}

func serveMCP(logger *slog.Logger, addr string, orchestrator *buyer.Orchestrator) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	mcp.Mount(engine, "/mcp", orchestrator)
	logger.Info("mcp server listening", "addr", addr)
	return engine.Run(addr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
