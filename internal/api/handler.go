package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shipping-service/internal/carrier"
	"shipping-service/internal/models"
	"shipping-service/internal/service"
	"shipping-service/internal/shipping"
	"shipping-service/internal/store"
	"shipping-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Quoter prices shipments. *service.ShippingCalculator implements it.
type Quoter interface {
	CalculateForCart(ctx context.Context, items []service.CartItem, addr models.Address, opts service.QuoteOptions) ([]service.MethodQuote, error)
	CalculateForOrder(ctx context.Context, orderID int64, addr *models.Address, opts service.QuoteOptions) ([]service.MethodQuote, error)
	GetCheapestMethod(ctx context.Context, items []service.CartItem, addr models.Address) (*service.MethodQuote, error)
	GetFastestMethod(ctx context.Context, items []service.CartItem, addr models.Address) (*service.MethodQuote, error)
	GetQuickEstimate(ctx context.Context, country, postcode string, weightKg float64, value int64) ([]service.MethodQuote, error)
	QuoteForCheckout(ctx context.Context, items []service.CartItem, addr models.Address) shipping.Result[[]service.MethodQuote]
	QuoteLiveRates(ctx context.Context, orderID int64) ([]carrier.Rate, error)
}

// Fulfiller drives shipments. *service.FulfillmentOrchestrator implements it.
type Fulfiller interface {
	GetShipment(ctx context.Context, shipmentID int64) (*models.Shipment, error)
	ListShipmentsForOrder(ctx context.Context, orderID int64) ([]models.Shipment, error)
	CreateShipment(ctx context.Context, orderID int64, opts service.CreateShipmentOptions) (*models.Shipment, error)
	PurchaseLabel(ctx context.Context, shipmentID int64) (*models.Shipment, error)
	ShipOrder(ctx context.Context, orderID int64, opts service.ShipOrderOptions) (*models.Shipment, error)
	MarkAsShipped(ctx context.Context, shipmentID int64, opts service.MarkShippedOptions) (*models.Shipment, error)
	UpdateTrackingStatus(ctx context.Context, shipmentID int64) (*models.Shipment, error)
	ApplyTrackingSnapshot(ctx context.Context, shipmentID int64, snapshot *models.TrackingSnapshot) (*models.Shipment, error)
	CancelShipment(ctx context.Context, shipmentID int64, reason string) (*models.Shipment, error)
}

// Catalog administers zones, methods and rates. *service.CatalogService
// implements it.
type Catalog interface {
	ListZones(ctx context.Context) ([]models.ShippingZone, error)
	CreateZone(ctx context.Context, zone *models.ShippingZone) error
	ListMethods(ctx context.Context) ([]models.ShippingMethod, error)
	CreateMethod(ctx context.Context, method *models.ShippingMethod) error
	AttachMethodToZone(ctx context.Context, zoneID, methodID int64) error
	ListRates(ctx context.Context, f store.RateFilter) ([]models.ShippingRate, error)
	CreateRate(ctx context.Context, rate *models.ShippingRate) error
	ImportRates(ctx context.Context, rates []*models.ShippingRate) error
	ImportRateFile(ctx context.Context, file *service.RateFile) ([]*models.ShippingRate, error)
	DeactivateRate(ctx context.Context, id int64) error
}

// AddressValidator checks addresses with the carrier. *service.AddressService
// implements it.
type AddressValidator interface {
	ValidateAddress(ctx context.Context, addressID int64) (*carrier.AddressValidation, error)
	CheckAddress(ctx context.Context, addr models.Address) (*carrier.AddressValidation, error)
}

// TrackingPublisher queues inbound tracking snapshots. *broker.EventPublisher
// implements it.
type TrackingPublisher interface {
	PublishTrackingUpdate(ctx context.Context, snapshot *models.TrackingSnapshot) (string, error)
}

// IdempotencyStore remembers keys for a while. *redisclient.Client implements it.
type IdempotencyStore interface {
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	ClearIdempotencyKey(ctx context.Context, key string) error
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators of the HTTP layer
type Deps struct {
	Quoter      Quoter
	Fulfiller   Fulfiller
	Catalog     Catalog
	Addresses   AddressValidator
	Webhooks    carrier.WebhookParser
	Tracking    TrackingPublisher
	Idempotency IdempotencyStore
	Readiness   []Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:   deps,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/carrier/tracking", h.carrierTrackingWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/shipping/quote", h.checkoutQuote)
		v1.POST("/shipping/quote/cheapest", h.cheapestQuote)
		v1.POST("/shipping/quote/fastest", h.fastestQuote)
		v1.GET("/shipping/estimate", h.quickEstimate)

		v1.POST("/addresses/validate", h.checkAddress)
		v1.POST("/addresses/:id/validate", h.validateAddress)

		v1.GET("/orders/:id/shipping-quotes", h.orderQuotes)
		v1.GET("/orders/:id/live-rates", h.liveRates)
		v1.GET("/orders/:id/shipments", h.listOrderShipments)
		v1.POST("/orders/:id/shipments", h.createShipment)
		v1.POST("/orders/:id/ship", h.shipOrder)

		v1.GET("/shipments/:id", h.getShipment)
		v1.POST("/shipments/:id/label", h.purchaseLabel)
		v1.POST("/shipments/:id/mark-shipped", h.markShipped)
		v1.POST("/shipments/:id/tracking/refresh", h.refreshTracking)
		v1.POST("/shipments/:id/tracking", h.applyTracking)
		v1.POST("/shipments/:id/cancel", h.cancelShipment)

		admin := v1.Group("/admin")
		admin.GET("/zones", h.listZones)
		admin.POST("/zones", h.createZone)
		admin.POST("/zones/:id/methods/:method_id", h.attachMethod)
		admin.GET("/methods", h.listMethods)
		admin.POST("/methods", h.createMethod)
		admin.GET("/rates", h.listRates)
		admin.POST("/rates", h.createRate)
		admin.POST("/rates/import", h.importRates)
		admin.DELETE("/rates/:id", h.deactivateRate)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for _, p := range h.deps.Readiness {
		if err := p.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps service errors onto HTTP statuses
func (h *Handler) respondError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(c.Request.Context()).Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	body := gin.H{
		"error":   message,
		"details": err.Error(),
	}
	if service.IsRetryable(err) {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoShippingRate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrCarrierUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid "+name, nil)
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
