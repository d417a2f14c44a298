package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"shipping-service/internal/models"
	"shipping-service/internal/service"
	"shipping-service/internal/store"

	"github.com/gin-gonic/gin"
)

func (h *Handler) listZones(c *gin.Context) {
	zones, err := h.deps.Catalog.ListZones(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to list zones", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"zones": zones})
}

func (h *Handler) createZone(c *gin.Context) {
	var zone models.ShippingZone
	if err := c.ShouldBindJSON(&zone); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := h.deps.Catalog.CreateZone(c.Request.Context(), &zone); err != nil {
		h.respondError(c, "Failed to create zone", err)
		return
	}
	c.JSON(http.StatusCreated, zone)
}

func (h *Handler) attachMethod(c *gin.Context) {
	zoneID, ok := pathID(c, "id")
	if !ok {
		return
	}
	methodID, ok := pathID(c, "method_id")
	if !ok {
		return
	}

	if err := h.deps.Catalog.AttachMethodToZone(c.Request.Context(), zoneID, methodID); err != nil {
		h.respondError(c, "Failed to attach method", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"zone_id": zoneID, "method_id": methodID})
}

func (h *Handler) listMethods(c *gin.Context) {
	methods, err := h.deps.Catalog.ListMethods(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to list methods", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": methods})
}

func (h *Handler) createMethod(c *gin.Context) {
	var method models.ShippingMethod
	if err := c.ShouldBindJSON(&method); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := h.deps.Catalog.CreateMethod(c.Request.Context(), &method); err != nil {
		h.respondError(c, "Failed to create method", err)
		return
	}
	c.JSON(http.StatusCreated, method)
}

// listRates supports ?method_id=&zone_id=&active_only=true&at=<RFC3339>
func (h *Handler) listRates(c *gin.Context) {
	var f store.RateFilter
	if v := c.Query("method_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "Invalid method_id", err)
			return
		}
		f.MethodID = &id
	}
	if v := c.Query("zone_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "Invalid zone_id", err)
			return
		}
		f.ZoneID = &id
	}
	if v := c.Query("active_only"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "Invalid active_only", err)
			return
		}
		f.ActiveOnly = active
	}
	if v := c.Query("at"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "Invalid at", err)
			return
		}
		f.EffectiveAt = &at
	}

	rates, err := h.deps.Catalog.ListRates(c.Request.Context(), f)
	if err != nil {
		h.respondError(c, "Failed to list rates", err)
		return
	}
	if rates == nil {
		rates = []models.ShippingRate{}
	}
	c.JSON(http.StatusOK, gin.H{"rates": rates})
}

func (h *Handler) createRate(c *gin.Context) {
	var rate models.ShippingRate
	if err := c.ShouldBindJSON(&rate); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := h.deps.Catalog.CreateRate(c.Request.Context(), &rate); err != nil {
		h.respondError(c, "Failed to create rate", err)
		return
	}
	c.JSON(http.StatusCreated, rate)
}

// importRates takes either a JSON array of rates or, with a YAML content
// type, a rate file that may reference methods and zones by name
func (h *Handler) importRates(c *gin.Context) {
	if strings.Contains(c.ContentType(), "yaml") {
		file, err := service.ParseRateFile(c.Request.Body)
		if err != nil {
			h.respondError(c, "Invalid rate file", err)
			return
		}
		rates, err := h.deps.Catalog.ImportRateFile(c.Request.Context(), file)
		if err != nil {
			h.respondError(c, "Failed to import rates", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"imported": len(rates), "rates": rates})
		return
	}

	var rates []*models.ShippingRate
	if err := c.ShouldBindJSON(&rates); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if len(rates) == 0 {
		badRequest(c, "No rates to import", nil)
		return
	}

	if err := h.deps.Catalog.ImportRates(c.Request.Context(), rates); err != nil {
		h.respondError(c, "Failed to import rates", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"imported": len(rates), "rates": rates})
}

func (h *Handler) deactivateRate(c *gin.Context) {
	rateID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.deps.Catalog.DeactivateRate(c.Request.Context(), rateID); err != nil {
		h.respondError(c, "Failed to deactivate rate", err)
		return
	}
	c.Status(http.StatusNoContent)
}
