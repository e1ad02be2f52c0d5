// Package mcp exposes the buyer orchestrator as MCP tools, so an LLM agent
// can buy resources, check its remaining budget, and browse the seller's
// catalog over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentgatepay/agentpay-go/buyer"
	"github.com/agentgatepay/agentpay-go/mandate"
)

// Purchaser is the buyer surface the tools drive. *buyer.Orchestrator
// satisfies it.
type Purchaser interface {
	Purchase(ctx context.Context, resourceID string) (buyer.Receipt, error)
	CheckBudget(ctx context.Context) (mandate.Mandate, error)
	ListCatalog(ctx context.Context) ([]buyer.CatalogResource, error)
}

// PurchaseInput selects the resource to buy.
type PurchaseInput struct {
	ResourceID string `json:"resource_id" jsonschema:"the id of the resource to purchase from the seller's catalog"`
}

// PurchaseOutput reports a completed purchase.
type PurchaseOutput struct {
	ResourceID         string          `json:"resource_id"`
	MerchantTxHash     string          `json:"merchant_tx_hash"`
	CommissionTxHash   string          `json:"commission_tx_hash"`
	AmountUSD          float64         `json:"amount_usd"`
	Status             string          `json:"status"`
	SettlementID       string          `json:"settlement_id,omitempty"`
	BudgetRemainingUSD float64         `json:"budget_remaining_usd"`
	Data               json.RawMessage `json:"data,omitempty"`
}

// BudgetInput takes no arguments.
type BudgetInput struct{}

// BudgetOutput reports the mandate service's view of the agent's budget.
type BudgetOutput struct {
	Subject            string  `json:"subject"`
	BudgetUSD          float64 `json:"budget_usd"`
	BudgetRemainingUSD float64 `json:"budget_remaining_usd"`
	ExpiresAt          string  `json:"expires_at,omitempty"`
}

// CatalogInput takes no arguments.
type CatalogInput struct{}

// CatalogOutput lists the seller's purchasable resources.
type CatalogOutput struct {
	Resources []buyer.CatalogResource `json:"resources"`
}

type toolset struct {
	purchaser Purchaser
}

func (t *toolset) purchaseResource(ctx context.Context, _ *sdk.CallToolRequest, in PurchaseInput) (*sdk.CallToolResult, PurchaseOutput, error) {
	receipt, err := t.purchaser.Purchase(ctx, in.ResourceID)
	if err != nil {
		return nil, PurchaseOutput{}, err
	}
	return nil, PurchaseOutput{
		ResourceID:         receipt.ResourceID,
		MerchantTxHash:     receipt.Proof.MerchantTxHash,
		CommissionTxHash:   receipt.Proof.CommissionTxHash,
		AmountUSD:          receipt.AmountUSD,
		Status:             string(receipt.Status),
		SettlementID:       receipt.SettlementID,
		BudgetRemainingUSD: receipt.BudgetRemainingUSD,
		Data:               receipt.Data,
	}, nil
}

func (t *toolset) checkBudget(ctx context.Context, _ *sdk.CallToolRequest, _ BudgetInput) (*sdk.CallToolResult, BudgetOutput, error) {
	m, err := t.purchaser.CheckBudget(ctx)
	if err != nil {
		return nil, BudgetOutput{}, err
	}
	out := BudgetOutput{
		Subject:            m.Subject,
		BudgetUSD:          m.BudgetUSD,
		BudgetRemainingUSD: m.BudgetRemaining,
	}
	if !m.ExpiresAt.IsZero() {
		out.ExpiresAt = m.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return nil, out, nil
}

func (t *toolset) listCatalog(ctx context.Context, _ *sdk.CallToolRequest, _ CatalogInput) (*sdk.CallToolResult, CatalogOutput, error) {
	resources, err := t.purchaser.ListCatalog(ctx)
	if err != nil {
		return nil, CatalogOutput{}, err
	}
	return nil, CatalogOutput{Resources: resources}, nil
}

// NewServer builds an MCP server with the purchase tools registered.
func NewServer(purchaser Purchaser) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{
		Name:    "agentpay-buyer",
		Version: "0.1.0",
	}, nil)

	tools := &toolset{purchaser: purchaser}
	sdk.AddTool(server, &sdk.Tool{
		Name:        "purchase_resource",
		Description: "Buy a priced resource from the seller, paying on-chain under the agent's mandate",
	}, tools.purchaseResource)
	sdk.AddTool(server, &sdk.Tool{
		Name:        "check_budget",
		Description: "Check the agent's remaining spending budget with the mandate service",
	}, tools.checkBudget)
	sdk.AddTool(server, &sdk.Tool{
		Name:        "list_catalog",
		Description: "List the resources the seller offers and their prices",
	}, tools.listCatalog)
	return server
}

// Handler serves the MCP server over SSE.
func Handler(purchaser Purchaser) http.Handler {
	return sdk.NewSSEHandler(func(*http.Request) *sdk.Server {
		return NewServer(purchaser)
	}, nil)
}

// Mount attaches the SSE handler to a gin engine under path.
func Mount(engine *gin.Engine, path string, purchaser Purchaser) {
	h := Handler(purchaser)
	engine.Any(path, gin.WrapH(h))
	engine.Any(path+"/*rest", gin.WrapH(http.StripPrefix(path, h)))
}
