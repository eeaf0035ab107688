package prices

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/folio-api/pkg/response"
)

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	cache *Cache
}

// NewGinHandlers creates a new set of HTTP handlers for market data endpoints
func NewGinHandlers(cache *Cache) *GinHandlers {
	return &GinHandlers{cache: cache}
}

// SearchHandler handles GET requests for free-text symbol search
// Query parameter: query
func (h *GinHandlers) SearchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Query("query")
		if query == "" {
			response.BadRequest(c, "Query param required for search")
			return
		}

		results, err := h.cache.Search(c.Request.Context(), query)
		response.Handle(c, gin.H{"results": results}, err)
	}
}

// QuoteHandler handles GET requests for a symbol's current price
// URL parameter: symbol
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		price, err := h.cache.CurrentPrice(c.Request.Context(), symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"symbol": symbol,
			"price":  price,
		})
	}
}
