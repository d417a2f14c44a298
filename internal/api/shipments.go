package api

import (
	"errors"
	"io"
	"net/http"

	"shipping-service/internal/models"
	"shipping-service/internal/service"

	"github.com/gin-gonic/gin"
)

// CancelShipmentRequest is the body of the cancel endpoint
type CancelShipmentRequest struct {
	Reason string `json:"reason"`
}

// bindOptional binds a JSON body when one was sent
func bindOptional(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request body", err)
		return false
	}
	return true
}

func (h *Handler) listOrderShipments(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	shipments, err := h.deps.Fulfiller.ListShipmentsForOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, "Failed to list shipments", err)
		return
	}
	if shipments == nil {
		shipments = []models.Shipment{}
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "shipments": shipments})
}

func (h *Handler) createShipment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var opts service.CreateShipmentOptions
	if !bindOptional(c, &opts) {
		return
	}

	shipment, err := h.deps.Fulfiller.CreateShipment(c.Request.Context(), orderID, opts)
	if err != nil {
		h.respondShipmentError(c, "Failed to create shipment", shipment, err)
		return
	}
	c.JSON(http.StatusCreated, shipment)
}

func (h *Handler) shipOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var opts service.ShipOrderOptions
	if !bindOptional(c, &opts) {
		return
	}

	shipment, err := h.deps.Fulfiller.ShipOrder(c.Request.Context(), orderID, opts)
	if err != nil {
		h.respondShipmentError(c, "Failed to ship order", shipment, err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

func (h *Handler) getShipment(c *gin.Context) {
	shipmentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	shipment, err := h.deps.Fulfiller.GetShipment(c.Request.Context(), shipmentID)
	if err != nil {
		h.respondError(c, "Shipment not found", err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

func (h *Handler) purchaseLabel(c *gin.Context) {
	shipmentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	shipment, err := h.deps.Fulfiller.PurchaseLabel(c.Request.Context(), shipmentID)
	if err != nil {
		h.respondShipmentError(c, "Failed to purchase label", shipment, err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

func (h *Handler) markShipped(c *gin.Context) {
	shipmentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var opts service.MarkShippedOptions
	if !bindOptional(c, &opts) {
		return
	}

	shipment, err := h.deps.Fulfiller.MarkAsShipped(c.Request.Context(), shipmentID, opts)
	if err != nil {
		h.respondError(c, "Failed to mark shipment shipped", err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

func (h *Handler) refreshTracking(c *gin.Context) {
	shipmentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	shipment, err := h.deps.Fulfiller.UpdateTrackingStatus(c.Request.Context(), shipmentID)
	if err != nil {
		h.respondError(c, "Failed to refresh tracking", err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

func (h *Handler) applyTracking(c *gin.Context) {
	shipmentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var snapshot models.TrackingSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	shipment, err := h.deps.Fulfiller.ApplyTrackingSnapshot(c.Request.Context(), shipmentID, &snapshot)
	if err != nil {
		h.respondError(c, "Failed to apply tracking", err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

func (h *Handler) cancelShipment(c *gin.Context) {
	shipmentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req CancelShipmentRequest
	if !bindOptional(c, &req) {
		return
	}

	shipment, err := h.deps.Fulfiller.CancelShipment(c.Request.Context(), shipmentID, req.Reason)
	if err != nil {
		h.respondError(c, "Failed to cancel shipment", err)
		return
	}
	c.JSON(http.StatusOK, shipment)
}

// respondShipmentError reports a failed step together with the shipment state
// it left behind, so callers can see a recorded label failure
func (h *Handler) respondShipmentError(c *gin.Context, message string, shipment *models.Shipment, err error) {
	if shipment == nil {
		h.respondError(c, message, err)
		return
	}

	body := gin.H{
		"error":    message,
		"details":  err.Error(),
		"shipment": shipment,
	}
	if service.IsRetryable(err) {
		body["retryable"] = true
	}
	c.JSON(statusFor(err), body)
}
