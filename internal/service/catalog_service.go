package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shipping-service/internal/models"
	"shipping-service/internal/shipping"
	"shipping-service/internal/store"
	"shipping-service/internal/util"

	"go.uber.org/zap"
)

// CatalogService administers zones, methods and rate tables
type CatalogService struct {
	store  Store
	logger *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(store Store) *CatalogService {
	return &CatalogService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// ListZones returns every zone
func (cs *CatalogService) ListZones(ctx context.Context) ([]models.ShippingZone, error) {
	return cs.store.ListZones(ctx)
}

// CreateZone validates and stores a zone
func (cs *CatalogService) CreateZone(ctx context.Context, zone *models.ShippingZone) error {
	for i, c := range zone.Countries {
		zone.Countries[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	if err := shipping.ValidateZone(*zone); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := cs.store.CreateZone(ctx, zone); err != nil {
		return fmt.Errorf("failed to create zone: %w", storeErr(err))
	}
	cs.logger.Info("Shipping zone created", zap.Int64("zone_id", zone.ID), zap.String("name", zone.Name))
	return nil
}

// ListMethods returns every shipping method
func (cs *CatalogService) ListMethods(ctx context.Context) ([]models.ShippingMethod, error) {
	return cs.store.ListMethods(ctx)
}

// CreateMethod validates and stores a shipping method
func (cs *CatalogService) CreateMethod(ctx context.Context, method *models.ShippingMethod) error {
	if strings.TrimSpace(method.Name) == "" || strings.TrimSpace(method.Carrier) == "" || strings.TrimSpace(method.ServiceCode) == "" {
		return fmt.Errorf("%w: name, carrier and service code are required", ErrValidation)
	}
	if method.MinDeliveryDays < 0 || method.MaxDeliveryDays < method.MinDeliveryDays {
		return fmt.Errorf("%w: delivery days must satisfy 0 <= min <= max", ErrValidation)
	}
	if err := cs.store.CreateMethod(ctx, method); err != nil {
		return fmt.Errorf("failed to create method: %w", storeErr(err))
	}
	cs.logger.Info("Shipping method created", zap.Int64("method_id", method.ID), zap.String("service_code", method.ServiceCode))
	return nil
}

// AttachMethodToZone offers a method in a zone
func (cs *CatalogService) AttachMethodToZone(ctx context.Context, zoneID, methodID int64) error {
	if err := cs.store.AttachMethodToZone(ctx, zoneID, methodID); err != nil {
		return storeErr(err)
	}
	return nil
}

// ListRates returns rates matching the filter
func (cs *CatalogService) ListRates(ctx context.Context, f store.RateFilter) ([]models.ShippingRate, error) {
	return cs.store.ListRates(ctx, f)
}

// CreateRate validates and stores one rate
func (cs *CatalogService) CreateRate(ctx context.Context, rate *models.ShippingRate) error {
	return cs.ImportRates(ctx, []*models.ShippingRate{rate})
}

// ImportRates stores a batch of rates atomically. The batch is rejected as a
// whole when any rate is malformed or overlaps another.
func (cs *CatalogService) ImportRates(ctx context.Context, rates []*models.ShippingRate) error {
	for i, r := range rates {
		if err := shipping.ValidateRate(*r); err != nil {
			return fmt.Errorf("%w: rate #%d: %v", ErrValidation, i+1, err)
		}
	}

	if err := cs.store.BulkInsertRates(ctx, rates); err != nil {
		if errors.Is(err, shipping.ErrInvalidRate) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return storeErr(err)
	}

	cs.logger.Info("Shipping rates imported", zap.Int("count", len(rates)))
	return nil
}

// DeactivateRate soft-disables a rate
func (cs *CatalogService) DeactivateRate(ctx context.Context, id int64) error {
	return storeErr(cs.store.DeactivateRate(ctx, id))
}
