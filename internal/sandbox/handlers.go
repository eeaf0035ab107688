package sandbox

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/folio-api/internal/types"
	"github.com/ksred/folio-api/pkg/response"
)

// GinHandlers contains HTTP handlers for sandbox endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for sandbox endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createSandboxRequest struct {
	Name    string          `json:"name" binding:"required"`
	Balance decimal.Decimal `json:"balance"`
}

// ListSandboxesHandler handles GET requests for the caller's sandboxes
// Requires a valid JWT token
func (h *GinHandlers) ListSandboxesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		sandboxes, err := h.service.ListSandboxes(c.Request.Context(), userID)
		response.Handle(c, gin.H{"sandboxes": sandboxes}, err)
	}
}

// CreateSandboxHandler handles POST requests to create a new sandbox
// Request body: name and optional starting balance
func (h *GinHandlers) CreateSandboxHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		var req createSandboxRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Name is required")
			return
		}

		sandbox, err := h.service.CreateSandbox(c.Request.Context(), userID, req.Name, req.Balance)
		response.Handle(c, sandbox, err)
	}
}

// DeleteSandboxHandler handles DELETE requests for a sandbox
// URL parameter: sandbox_id
func (h *GinHandlers) DeleteSandboxHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		sandboxID := c.Param("sandbox_id")
		if sandboxID == "" {
			response.BadRequest(c, "Sandbox ID is required")
			return
		}

		err := h.service.DeleteSandbox(c.Request.Context(), userID, sandboxID)
		response.Handle(c, gin.H{"sandbox_id": sandboxID}, err)
	}
}

// GetPortfolioHandler handles GET requests for a sandbox's portfolio view
// Watch access suffices
func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		sandboxID := c.Param("sandbox_id")
		if sandboxID == "" {
			response.BadRequest(c, "Sandbox ID is required")
			return
		}

		portfolio, err := h.service.GetPortfolio(c.Request.Context(), userID, sandboxID)
		response.Handle(c, portfolio, err)
	}
}

// GetTransactionsHandler handles GET requests for a sandbox's transaction log
func (h *GinHandlers) GetTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		sandboxID := c.Param("sandbox_id")
		if sandboxID == "" {
			response.BadRequest(c, "Sandbox ID is required")
			return
		}

		transactions, err := h.service.GetTransactions(c.Request.Context(), userID, sandboxID)
		response.Handle(c, gin.H{"transactions": transactions}, err)
	}
}

// TradeHandler handles POST requests to execute a trade
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) TradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get idempotency key from header
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		userID := c.GetString("userID")
		sandboxID := c.Param("sandbox_id")
		if sandboxID == "" {
			response.BadRequest(c, "Sandbox ID is required")
			return
		}

		var req types.TradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Side != types.SideBuy && req.Side != types.SideSell {
			response.BadRequest(c, "Side must be BUY or SELL")
			return
		}

		result, err := h.service.Trade(c.Request.Context(), userID, sandboxID, &req, idempotencyKey)
		response.Handle(c, result, err)
	}
}
