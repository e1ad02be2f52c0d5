// Package seller implements the resource seller's side of the 402
// challenge/response protocol: the priced catalog, the payment gate that
// turns payment proofs into verified deliveries, and an HTTP server
// exposing both.
package seller

import (
	"encoding/json"
	"fmt"
)

// Resource is one priced digital resource in the seller's catalog. Data is
// the payload delivered after a verified payment.
type Resource struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	PriceUSD    float64         `json:"price_usd"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Data        json.RawMessage `json:"-"`
}

// Catalog is an immutable set of resources, looked up by id.
type Catalog struct {
	ordered []Resource
	byID    map[string]Resource
}

// NewCatalog builds a catalog. Duplicate ids are rejected.
func NewCatalog(resources ...Resource) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Resource, len(resources))}
	for _, r := range resources {
		if r.ID == "" {
			return nil, fmt.Errorf("resource id is required")
		}
		if r.PriceUSD <= 0 {
			return nil, fmt.Errorf("resource %s: price must be positive", r.ID)
		}
		if _, exists := c.byID[r.ID]; exists {
			return nil, fmt.Errorf("duplicate resource id: %s", r.ID)
		}
		c.byID[r.ID] = r
		c.ordered = append(c.ordered, r)
	}
	return c, nil
}

// Get looks a resource up by id.
func (c *Catalog) Get(id string) (Resource, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// List returns all resources in registration order.
func (c *Catalog) List() []Resource {
	out := make([]Resource, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// IDs returns all resource ids in registration order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.ordered))
	for i, r := range c.ordered {
		ids[i] = r.ID
	}
	return ids
}

// Len returns the number of resources.
func (c *Catalog) Len() int {
	return len(c.ordered)
}
