package api

import (
	"context"
	"net/http"
	"strconv"

	"shipping-service/internal/models"
	"shipping-service/internal/service"

	"github.com/gin-gonic/gin"
)

// CartQuoteRequest is the body of the cart quote endpoints
type CartQuoteRequest struct {
	Items   []service.CartItem `json:"items" binding:"required,min=1,dive"`
	Address models.Address     `json:"address" binding:"required"`
}

// checkoutQuote never fails the checkout: when no quote can be computed the
// response says shipping is unavailable
func (h *Handler) checkoutQuote(c *gin.Context) {
	var req CartQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	result := h.deps.Quoter.QuoteForCheckout(c.Request.Context(), req.Items, req.Address)
	methods := result.OrElse([]service.MethodQuote{})

	c.JSON(http.StatusOK, gin.H{
		"available": result.IsOk() && len(methods) > 0,
		"methods":   methods,
	})
}

func (h *Handler) cheapestQuote(c *gin.Context) {
	h.singleQuote(c, h.deps.Quoter.GetCheapestMethod)
}

func (h *Handler) fastestQuote(c *gin.Context) {
	h.singleQuote(c, h.deps.Quoter.GetFastestMethod)
}

func (h *Handler) singleQuote(c *gin.Context, pick func(ctx context.Context, items []service.CartItem, addr models.Address) (*service.MethodQuote, error)) {
	var req CartQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	quote, err := pick(c.Request.Context(), req.Items, req.Address)
	if err != nil {
		h.respondError(c, "Failed to quote shipping", err)
		return
	}
	if quote == nil {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "method": quote})
}

// quickEstimate quotes a bare weight and value:
// GET /shipping/estimate?country=GB&postcode=E1&weight_kg=1.5&value=2500
func (h *Handler) quickEstimate(c *gin.Context) {
	weight, err := strconv.ParseFloat(c.DefaultQuery("weight_kg", "0"), 64)
	if err != nil {
		badRequest(c, "Invalid weight_kg", err)
		return
	}
	value, err := strconv.ParseInt(c.DefaultQuery("value", "0"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid value", err)
		return
	}

	quotes, err := h.deps.Quoter.GetQuickEstimate(c.Request.Context(), c.Query("country"), c.Query("postcode"), weight, value)
	if err != nil {
		h.respondError(c, "Failed to estimate shipping", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": quotes})
}

func (h *Handler) orderQuotes(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	opts := service.QuoteOptions{Sort: service.SortOrder(c.DefaultQuery("sort", string(service.SortDisplay)))}
	switch opts.Sort {
	case service.SortDisplay, service.SortCheapest, service.SortFastest:
	default:
		badRequest(c, "Invalid sort", nil)
		return
	}

	quotes, err := h.deps.Quoter.CalculateForOrder(c.Request.Context(), orderID, nil, opts)
	if err != nil {
		h.respondError(c, "Failed to quote order", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "methods": quotes})
}

func (h *Handler) liveRates(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	rates, err := h.deps.Quoter.QuoteLiveRates(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, "Failed to fetch carrier rates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "rates": rates})
}

func (h *Handler) checkAddress(c *gin.Context) {
	var addr models.Address
	if err := c.ShouldBindJSON(&addr); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	result, err := h.deps.Addresses.CheckAddress(c.Request.Context(), addr)
	if err != nil {
		h.respondError(c, "Failed to validate address", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) validateAddress(c *gin.Context) {
	addressID, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := h.deps.Addresses.ValidateAddress(c.Request.Context(), addressID)
	if err != nil {
		h.respondError(c, "Failed to validate address", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
