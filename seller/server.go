package seller

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	agentpay "github.com/agentgatepay/agentpay-go"
)

// Server is the seller's HTTP surface: the 402-gated resource endpoint,
// the public catalog, and a health probe. Requests are served concurrently
// by gin; one buyer's verification poll never stalls another buyer.
type Server struct {
	catalog *Catalog
	gate    *Gate
	logger  *slog.Logger
	engine  *gin.Engine
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer wires the catalog and payment gate into a gin engine.
func NewServer(catalog *Catalog, gate *Gate, opts ...ServerOption) *Server {
	s := &Server{
		catalog: catalog,
		gate:    gate,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/resource", s.handleResource)
	engine.GET("/catalog", s.handleCatalog)
	engine.GET("/health", s.handleHealth)

	s.engine = engine
	return s
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"resources_available": s.catalog.Len(),
	})
}

func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resources": s.catalog.List(),
	})
}

func (s *Server) handleResource(c *gin.Context) {
	resourceID := c.Query("resource_id")

	// Unknown ids are rejected before any payment logic runs, with the
	// real catalog so the buyer can correct itself.
	resource, ok := s.catalog.Get(resourceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":               "resource not found",
			"resource_id":         resourceID,
			"available_resources": s.catalog.IDs(),
		})
		return
	}

	paymentHeader := c.GetHeader(agentpay.PaymentHeader)
	if paymentHeader == "" {
		offer, err := s.gate.Offer(c.Request.Context(), resource)
		if err != nil {
			s.logger.Error("failed to build payment offer",
				"resource_id", resourceID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "payment offer unavailable: " + err.Error(),
			})
			return
		}
		c.JSON(http.StatusPaymentRequired, offer)
		return
	}

	conf, err := s.gate.Authorize(c.Request.Context(), resource, paymentHeader)
	if err != nil {
		s.rejectPayment(c, resourceID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resource": gin.H{
			"id":          resource.ID,
			"name":        resource.Name,
			"description": resource.Description,
			"category":    resource.Category,
		},
		"data":                 resource.Data,
		"payment_confirmation": conf,
	})
}

func (s *Server) rejectPayment(c *gin.Context, resourceID string, err error) {
	code := agentpay.ErrorCode(err)

	// Malformed headers are a client error, answered before verification.
	if code == agentpay.ErrCodeInvalidProof {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A not-yet-visible payment is worth the buyer retrying; a mismatch
	// or gateway rejection is not.
	retryable := code == agentpay.ErrCodeVerificationTimeout
	s.logger.Warn("payment rejected",
		"resource_id", resourceID,
		"code", code,
		"retryable", retryable,
		"error", err)
	c.JSON(http.StatusForbidden, gin.H{
		"error":     "payment verification failed",
		"reason":    err.Error(),
		"retryable": retryable,
	})
}
