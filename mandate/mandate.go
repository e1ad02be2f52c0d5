// Package mandate models spending authorizations and the local cache that
// avoids redundant issuance across agent runs. The cache is advisory: the
// authoritative budget lives with the external mandate service and must be
// re-queried after every settlement, never computed locally.
package mandate

import (
	"context"
	"time"
)

// Mandate is a budget-bounded, time-limited spending authorization issued
// to an agent identity. The token is opaque; BudgetRemaining is the last
// value reported by the mandate service, cached for display only.
type Mandate struct {
	Subject         string    `json:"subject"`
	Token           string    `json:"token"`
	BudgetUSD       float64   `json:"budget_usd"`
	BudgetRemaining float64   `json:"budget_remaining"`
	Scope           string    `json:"scope"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the mandate has passed its expiry.
func (m Mandate) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// IssueRequest is the input to mandate issuance.
type IssueRequest struct {
	Subject   string
	BudgetUSD float64
	Scope     string
	TTL       time.Duration
}

// Status is the mandate service's answer to a verification call.
type Status struct {
	Valid           bool
	BudgetRemaining float64
}

// Service is the external mandate service consumed as an opaque RPC.
type Service interface {
	IssueMandate(ctx context.Context, req IssueRequest) (Mandate, error)
	VerifyMandate(ctx context.Context, token string) (Status, error)
}

// Store caches the last-issued mandate per agent identity. Get returns
// (nil, nil) when no mandate is cached for the subject. Implementations
// must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, subject string) (*Mandate, error)
	Put(ctx context.Context, m Mandate) error
}
