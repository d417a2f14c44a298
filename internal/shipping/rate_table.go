package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shipping-service/internal/models"
	"shipping-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput is returned for negative weights or totals
	ErrInvalidInput = errors.New("invalid rate lookup input")
	// ErrInvalidRate is returned when a rate definition is malformed
	ErrInvalidRate = errors.New("invalid shipping rate")
	ErrInvalidZone = errors.New("invalid shipping zone")
)

var validate = validator.New()

// OverlapError reports a rate whose bands collide with another rate of the
// same method and zone
type OverlapError struct {
	Existing  models.ShippingRate
	Candidate models.ShippingRate
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("rate bands overlap for method %d zone %d: weight [%d,%s) total [%d,%s) conflicts with rate %d",
		e.Candidate.MethodID, e.Candidate.ZoneID,
		e.Candidate.MinWeight, boundString(e.Candidate.MaxWeight),
		e.Candidate.MinTotal, boundString(e.Candidate.MaxTotal),
		e.Existing.ID)
}

// RateSource lists active rates for a (method, zone) pair
type RateSource interface {
	ListActiveRates(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error)
}

// RateTable answers banded price lookups
type RateTable struct {
	source RateSource
	logger *zap.Logger
}

// NewRateTable creates a new rate table
func NewRateTable(source RateSource) *RateTable {
	return &RateTable{
		source: source,
		logger: util.GetLogger(),
	}
}

// FindRate returns the rate whose bands contain the weight and total, or nil.
// Several matches indicate overlapping data; the lowest id wins and the
// collision is logged so it can be fixed upstream.
func (t *RateTable) FindRate(ctx context.Context, methodID, zoneID, weightGrams, total int64, at time.Time) (*models.ShippingRate, error) {
	if weightGrams < 0 || total < 0 {
		return nil, fmt.Errorf("%w: weight=%d total=%d", ErrInvalidInput, weightGrams, total)
	}

	rates, err := t.source.ListActiveRates(ctx, methodID, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rates: %w", err)
	}

	rate, matches := SelectRate(rates, weightGrams, total, at)
	if matches > 1 {
		util.RateOverlapDetectedTotal.Inc()
		t.logger.Warn("Multiple shipping rates match, using lowest id",
			zap.Int64("method_id", methodID),
			zap.Int64("zone_id", zoneID),
			zap.Int64("weight_grams", weightGrams),
			zap.Int64("total", total),
			zap.Int64("rate_id", rate.ID),
			zap.Int("matches", matches))
	}
	return rate, nil
}

// SelectRate returns the matching rate with the lowest id and the number of
// rates that matched
func SelectRate(rates []models.ShippingRate, weightGrams, total int64, at time.Time) (*models.ShippingRate, int) {
	var best *models.ShippingRate
	matches := 0
	for i := range rates {
		r := &rates[i]
		if !r.IsActive || !effectiveAt(r, at) {
			continue
		}
		if !inBand(weightGrams, r.MinWeight, r.MaxWeight) || !inBand(total, r.MinTotal, r.MaxTotal) {
			continue
		}
		matches++
		if best == nil || r.ID < best.ID {
			best = r
		}
	}
	if best == nil {
		return nil, 0
	}
	selected := *best
	return &selected, matches
}

// IsFree reports whether the order total reaches the rate's free threshold
func IsFree(rate *models.ShippingRate, total int64) bool {
	return rate.FreeThreshold != nil && total >= *rate.FreeThreshold
}

// CalculateCost returns the shipping cost in minor units
func CalculateCost(rate *models.ShippingRate, total int64) int64 {
	if IsFree(rate, total) {
		return 0
	}
	if rate.RateType == models.RateTypePercentage {
		return rate.Percent.Mul(decimal.NewFromInt(total)).Round(0).IntPart()
	}
	return rate.Amount
}

// ValidateRate checks a rate definition before it is stored
func ValidateRate(rate models.ShippingRate) error {
	if err := validate.Struct(rate); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRate, err)
	}
	if rate.RateType == models.RateTypePercentage && rate.Percent.IsNegative() {
		return fmt.Errorf("%w: percent must not be negative", ErrInvalidRate)
	}
	if rate.EffectiveFrom != nil && rate.EffectiveTo != nil && !rate.EffectiveTo.After(*rate.EffectiveFrom) {
		return fmt.Errorf("%w: effective_to must be after effective_from", ErrInvalidRate)
	}
	return nil
}

// Overlaps reports whether two rates would both match some shipment
func Overlaps(a, b models.ShippingRate) bool {
	if a.MethodID != b.MethodID || a.ZoneID != b.ZoneID {
		return false
	}
	if !a.IsActive || !b.IsActive {
		return false
	}
	return rangesIntersect(a.MinWeight, a.MaxWeight, b.MinWeight, b.MaxWeight) &&
		rangesIntersect(a.MinTotal, a.MaxTotal, b.MinTotal, b.MaxTotal) &&
		periodsIntersect(a, b)
}

// FindOverlap returns the first existing rate the candidate collides with
func FindOverlap(existing []models.ShippingRate, candidate models.ShippingRate) *models.ShippingRate {
	for i := range existing {
		if existing[i].ID != 0 && existing[i].ID == candidate.ID {
			continue
		}
		if Overlaps(existing[i], candidate) {
			found := existing[i]
			return &found
		}
	}
	return nil
}

// ValidateBatch validates every rate in batch against the existing rates and
// against the earlier rates of the batch itself
func ValidateBatch(existing, batch []models.ShippingRate) error {
	accepted := make([]models.ShippingRate, 0, len(existing)+len(batch))
	accepted = append(accepted, existing...)

	for _, candidate := range batch {
		if err := ValidateRate(candidate); err != nil {
			return err
		}
		if conflict := FindOverlap(accepted, candidate); conflict != nil {
			return &OverlapError{Existing: *conflict, Candidate: candidate}
		}
		accepted = append(accepted, candidate)
	}
	return nil
}

func inBand(v, lo int64, hi *int64) bool {
	if v < lo {
		return false
	}
	return hi == nil || v < *hi
}

func rangesIntersect(aMin int64, aMax *int64, bMin int64, bMax *int64) bool {
	if aMax != nil && *aMax <= bMin {
		return false
	}
	if bMax != nil && *bMax <= aMin {
		return false
	}
	return true
}

func effectiveAt(r *models.ShippingRate, at time.Time) bool {
	if r.EffectiveFrom != nil && at.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

func periodsIntersect(a, b models.ShippingRate) bool {
	if a.EffectiveTo != nil && b.EffectiveFrom != nil && !a.EffectiveTo.After(*b.EffectiveFrom) {
		return false
	}
	if b.EffectiveTo != nil && a.EffectiveFrom != nil && !b.EffectiveTo.After(*a.EffectiveFrom) {
		return false
	}
	return true
}

func boundString(v *int64) string {
	if v == nil {
		return "inf"
	}
	return fmt.Sprintf("%d", *v)
}
