package service

import (
	"errors"
	"fmt"

	"shipping-service/internal/carrier"
	"shipping-service/internal/store"
)

var (
	// ErrValidation marks bad input; never retried
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	// ErrBusy is returned when another worker holds the shipment lock
	ErrBusy               = errors.New("shipment is busy")
	ErrCarrierUnavailable = errors.New("carrier unavailable")
	ErrNoShippingRate     = errors.New("no shipping rate found for the specified criteria")
)

// IsRetryable reports whether the operation may succeed if repeated later
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrCarrierUnavailable) || errors.Is(err, store.ErrVersionConflict) {
		return true
	}
	var cerr *carrier.Error
	if errors.As(err, &cerr) {
		return cerr.Retryable()
	}
	return false
}

// storeErr translates persistence errors into service errors
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrRateOverlap),
		errors.Is(err, store.ErrDuplicateAttachment):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}

// carrierErr translates gateway errors into service errors
func carrierErr(err error) error {
	switch carrier.KindOf(err) {
	case carrier.KindUnavailable:
		return fmt.Errorf("%w: %w", ErrCarrierUnavailable, err)
	case carrier.KindNoRate:
		return fmt.Errorf("%w: %w", ErrNoShippingRate, err)
	case carrier.KindRejected:
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return err
	}
}
