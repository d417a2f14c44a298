package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shipping-service/internal/models"
	"shipping-service/internal/shipping"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// ListActiveZones returns active zones in resolution order
func (s *Store) ListActiveZones(ctx context.Context) ([]models.ShippingZone, error) {
	var zones []models.ShippingZone
	err := s.db.SelectContext(ctx, &zones,
		"SELECT * FROM shipping_zones WHERE is_active ORDER BY display_order, id")
	return zones, err
}

// ListZones returns every zone
func (s *Store) ListZones(ctx context.Context) ([]models.ShippingZone, error) {
	var zones []models.ShippingZone
	err := s.db.SelectContext(ctx, &zones, "SELECT * FROM shipping_zones ORDER BY display_order, id")
	return zones, err
}

// CreateZone inserts a zone
func (s *Store) CreateZone(ctx context.Context, zone *models.ShippingZone) error {
	if zone.Regions == nil {
		zone.Regions = pq.StringArray{}
	}
	if zone.PostcodePatterns == nil {
		zone.PostcodePatterns = pq.StringArray{}
	}

	query := `
		INSERT INTO shipping_zones (name, countries, regions, postcode_patterns, is_active, display_order)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		zone.Name, zone.Countries, zone.Regions, zone.PostcodePatterns, zone.IsActive, zone.DisplayOrder,
	).Scan(&zone.ID, &zone.CreatedAt)
}

// GetMethodByID retrieves a shipping method by ID
func (s *Store) GetMethodByID(ctx context.Context, id int64) (*models.ShippingMethod, error) {
	var method models.ShippingMethod
	err := s.db.GetContext(ctx, &method, "SELECT * FROM shipping_methods WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: shipping method %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}

// ListMethods returns every shipping method
func (s *Store) ListMethods(ctx context.Context) ([]models.ShippingMethod, error) {
	var methods []models.ShippingMethod
	err := s.db.SelectContext(ctx, &methods, "SELECT * FROM shipping_methods ORDER BY display_order, id")
	return methods, err
}

// CreateMethod inserts a shipping method
func (s *Store) CreateMethod(ctx context.Context, method *models.ShippingMethod) error {
	query := `
		INSERT INTO shipping_methods (name, carrier, service_code, is_active, min_delivery_days, max_delivery_days, metadata, display_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		method.Name, method.Carrier, method.ServiceCode, method.IsActive,
		method.MinDeliveryDays, method.MaxDeliveryDays, method.Metadata, method.DisplayOrder,
	).Scan(&method.ID, &method.CreatedAt)
}

// ListMethodsForZone returns the active methods attached to a zone in display order
func (s *Store) ListMethodsForZone(ctx context.Context, zoneID int64) ([]models.ShippingMethod, error) {
	var methods []models.ShippingMethod
	err := s.db.SelectContext(ctx, &methods, `
		SELECT m.* FROM shipping_methods m
		JOIN shipping_zone_methods zm ON zm.method_id = m.id
		WHERE zm.zone_id = $1 AND m.is_active
		ORDER BY m.display_order, m.id`, zoneID)
	return methods, err
}

// AttachMethodToZone offers a method in a zone
func (s *Store) AttachMethodToZone(ctx context.Context, zoneID, methodID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO shipping_zone_methods (zone_id, method_id) VALUES ($1, $2)", zoneID, methodID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: zone %d method %d", ErrDuplicateAttachment, zoneID, methodID)
	}
	return err
}

// ListActiveRates returns the active rates of a (method, zone) pair
func (s *Store) ListActiveRates(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error) {
	var rates []models.ShippingRate
	err := s.db.SelectContext(ctx, &rates,
		"SELECT * FROM shipping_rates WHERE method_id = $1 AND zone_id = $2 AND is_active ORDER BY id",
		methodID, zoneID)
	return rates, err
}

// RateFilter narrows ListRates
type RateFilter struct {
	MethodID   *int64
	ZoneID     *int64
	ActiveOnly bool
	// EffectiveAt keeps only rates effective at that instant
	EffectiveAt *time.Time
}

// ListRates returns rates matching the filter
func (s *Store) ListRates(ctx context.Context, f RateFilter) ([]models.ShippingRate, error) {
	query, args, err := rateQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build rate query: %w", err)
	}

	var rates []models.ShippingRate
	err = s.db.SelectContext(ctx, &rates, query, args...)
	return rates, err
}

func rateQuery(f RateFilter) sq.SelectBuilder {
	q := psql.Select("*").From("shipping_rates").OrderBy("method_id", "zone_id", "min_weight", "min_total", "id")
	if f.MethodID != nil {
		q = q.Where(sq.Eq{"method_id": *f.MethodID})
	}
	if f.ZoneID != nil {
		q = q.Where(sq.Eq{"zone_id": *f.ZoneID})
	}
	if f.ActiveOnly {
		q = q.Where(sq.Eq{"is_active": true})
	}
	if f.EffectiveAt != nil {
		q = q.Where(sq.Or{sq.Eq{"effective_from": nil}, sq.LtOrEq{"effective_from": *f.EffectiveAt}}).
			Where(sq.Or{sq.Eq{"effective_to": nil}, sq.Gt{"effective_to": *f.EffectiveAt}})
	}
	return q
}

// CreateRate inserts a single rate after the overlap check
func (s *Store) CreateRate(ctx context.Context, rate *models.ShippingRate) error {
	return s.BulkInsertRates(ctx, []*models.ShippingRate{rate})
}

// BulkInsertRates inserts rates atomically. The methods involved are locked
// so concurrent writers cannot slip an overlapping band in between the
// check and the insert.
func (s *Store) BulkInsertRates(ctx context.Context, rates []*models.ShippingRate) error {
	if len(rates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	type pair struct{ method, zone int64 }
	batches := make(map[pair][]models.ShippingRate)
	var order []pair
	for _, r := range rates {
		p := pair{r.MethodID, r.ZoneID}
		if _, ok := batches[p]; !ok {
			order = append(order, p)
		}
		batches[p] = append(batches[p], *r)
	}

	locked := make(map[int64]bool)
	for _, p := range order {
		if !locked[p.method] {
			var id int64
			err := tx.GetContext(ctx, &id, "SELECT id FROM shipping_methods WHERE id = $1 FOR UPDATE", p.method)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: shipping method %d", ErrNotFound, p.method)
			}
			if err != nil {
				return fmt.Errorf("failed to lock shipping method: %w", err)
			}
			locked[p.method] = true
		}

		var existing []models.ShippingRate
		err := tx.SelectContext(ctx, &existing,
			"SELECT * FROM shipping_rates WHERE method_id = $1 AND zone_id = $2 AND is_active",
			p.method, p.zone)
		if err != nil {
			return fmt.Errorf("failed to load existing rates: %w", err)
		}

		if err := shipping.ValidateBatch(existing, batches[p]); err != nil {
			var overlap *shipping.OverlapError
			if errors.As(err, &overlap) {
				return fmt.Errorf("%w: %v", ErrRateOverlap, err)
			}
			return err
		}
	}

	query := `
		INSERT INTO shipping_rates (method_id, zone_id, min_weight, max_weight, min_total, max_total,
			rate_type, amount, percent, free_threshold, is_active, effective_from, effective_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`

	for _, r := range rates {
		err := tx.QueryRowxContext(ctx, query,
			r.MethodID, r.ZoneID, r.MinWeight, r.MaxWeight, r.MinTotal, r.MaxTotal,
			r.RateType, r.Amount, r.Percent, r.FreeThreshold, r.IsActive, r.EffectiveFrom, r.EffectiveTo,
		).Scan(&r.ID, &r.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert rate: %w", err)
		}
	}

	return tx.Commit()
}

// DeactivateRate soft-disables a rate
func (s *Store) DeactivateRate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE shipping_rates SET is_active = FALSE WHERE id = $1", id)
	if err != nil {
		return err
	}
	return expectOneRow(res, fmt.Errorf("%w: shipping rate %d", ErrNotFound, id))
}
