package service

import (
	"context"
	"fmt"
	"time"

	"shipping-service/internal/carrier"
	"shipping-service/internal/models"
	"shipping-service/internal/util"

	"go.uber.org/zap"
)

// AddressService validates addresses with the carrier
type AddressService struct {
	store   Store
	gateway carrier.Gateway
	logger  *zap.Logger
}

// NewAddressService creates a new address service
func NewAddressService(store Store, gateway carrier.Gateway) *AddressService {
	return &AddressService{
		store:   store,
		gateway: gateway,
		logger:  util.GetLogger(),
	}
}

// ValidateAddress checks a stored address. A valid address is replaced by its
// normalized form and stamped as validated.
func (as *AddressService) ValidateAddress(ctx context.Context, addressID int64) (*carrier.AddressValidation, error) {
	ctx, span := util.StartSpan(ctx, "AddressService.ValidateAddress")
	defer span.End()

	addr, err := as.store.GetAddressByID(ctx, addressID)
	if err != nil {
		return nil, storeErr(err)
	}

	result, err := as.gateway.ValidateAddress(ctx, *addr)
	if err != nil {
		return nil, carrierErr(err)
	}
	if !result.Valid || result.Normalized == nil {
		as.logger.Info("Address failed validation",
			zap.Int64("address_id", addressID),
			zap.Strings("messages", result.Messages))
		return result, nil
	}

	normalized := *result.Normalized
	normalized.ID = addr.ID
	if err := as.store.UpdateAddressNormalized(ctx, &normalized, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to save normalized address: %w", storeErr(err))
	}
	result.Normalized = &normalized
	return result, nil
}

// CheckAddress validates an address without storing anything
func (as *AddressService) CheckAddress(ctx context.Context, addr models.Address) (*carrier.AddressValidation, error) {
	result, err := as.gateway.ValidateAddress(ctx, addr)
	if err != nil {
		return nil, carrierErr(err)
	}
	return result, nil
}
