package service

import (
	"context"
	"time"

	"shipping-service/internal/models"
	"shipping-service/internal/store"
)

// Store is the persistence surface the services need. *store.Store
// implements it.
type Store interface {
	ListActiveZones(ctx context.Context) ([]models.ShippingZone, error)
	ListZones(ctx context.Context) ([]models.ShippingZone, error)
	CreateZone(ctx context.Context, zone *models.ShippingZone) error
	GetMethodByID(ctx context.Context, id int64) (*models.ShippingMethod, error)
	ListMethods(ctx context.Context) ([]models.ShippingMethod, error)
	CreateMethod(ctx context.Context, method *models.ShippingMethod) error
	ListMethodsForZone(ctx context.Context, zoneID int64) ([]models.ShippingMethod, error)
	AttachMethodToZone(ctx context.Context, zoneID, methodID int64) error
	ListActiveRates(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error)
	ListRates(ctx context.Context, f store.RateFilter) ([]models.ShippingRate, error)
	BulkInsertRates(ctx context.Context, rates []*models.ShippingRate) error
	DeactivateRate(ctx context.Context, id int64) error

	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderFulfillmentStatus(ctx context.Context, orderID int64, status string) error
	GetAddressByID(ctx context.Context, id int64) (*models.Address, error)
	UpdateAddressNormalized(ctx context.Context, addr *models.Address, validatedAt time.Time) error

	CreateShipment(ctx context.Context, shipment *models.Shipment) error
	GetShipmentByID(ctx context.Context, id int64) (*models.Shipment, error)
	GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	GetOpenShipmentByOrderID(ctx context.Context, orderID int64) (*models.Shipment, error)
	ListShipmentsByOrderID(ctx context.Context, orderID int64) ([]models.Shipment, error)
	UpdateShipment(ctx context.Context, shipment *models.Shipment) error
	ListShipmentsForTracking(ctx context.Context, limit int) ([]models.Shipment, error)
	ListRetryableFailedShipments(ctx context.Context, maxAttempts, limit int) ([]models.Shipment, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Locker serializes work on a single shipment across instances
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Cache stores JSON values with a TTL
type Cache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Notifier is told about shipment lifecycle changes
type Notifier interface {
	ShipmentCreated(ctx context.Context, shipment *models.Shipment) error
	ShipmentUpdated(ctx context.Context, shipment *models.Shipment, previousStatus string, notifyCustomer bool) error
}

var _ Store = (*store.Store)(nil)
