package store

import (
	"context"
	"database/sql"
	"fmt"

	"shipping-service/internal/models"

	sq "github.com/Masterminds/squirrel"
)

// CreateShipment inserts a new shipment
func (s *Store) CreateShipment(ctx context.Context, shipment *models.Shipment) error {
	query := `
		INSERT INTO shipments (order_id, shipping_method_id, status, carrier, service_code, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, version, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		shipment.OrderID, shipment.ShippingMethodID, shipment.Status,
		shipment.Carrier, shipment.ServiceCode, shipment.Metadata,
	).Scan(&shipment.ID, &shipment.Version, &shipment.CreatedAt, &shipment.UpdatedAt)
}

// GetShipmentByID retrieves a shipment by ID
func (s *Store) GetShipmentByID(ctx context.Context, id int64) (*models.Shipment, error) {
	var shipment models.Shipment
	err := s.db.GetContext(ctx, &shipment, "SELECT * FROM shipments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: shipment %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

// GetShipmentByTrackingNumber retrieves the latest shipment with the tracking number
func (s *Store) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	var shipment models.Shipment
	err := s.db.GetContext(ctx, &shipment,
		"SELECT * FROM shipments WHERE tracking_number = $1 ORDER BY id DESC LIMIT 1", trackingNumber)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: tracking number %s", ErrNotFound, trackingNumber)
	}
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

// GetOpenShipmentByOrderID returns the order's shipment that is not cancelled, or nil
func (s *Store) GetOpenShipmentByOrderID(ctx context.Context, orderID int64) (*models.Shipment, error) {
	var shipment models.Shipment
	err := s.db.GetContext(ctx, &shipment,
		"SELECT * FROM shipments WHERE order_id = $1 AND status <> $2 ORDER BY id DESC LIMIT 1",
		orderID, models.ShipmentStatusCancelled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

// ListShipmentsByOrderID returns every shipment of an order
func (s *Store) ListShipmentsByOrderID(ctx context.Context, orderID int64) ([]models.Shipment, error) {
	var shipments []models.Shipment
	err := s.db.SelectContext(ctx, &shipments,
		"SELECT * FROM shipments WHERE order_id = $1 ORDER BY id", orderID)
	return shipments, err
}

// UpdateShipment writes the shipment if its version is unchanged and bumps the version
func (s *Store) UpdateShipment(ctx context.Context, shipment *models.Shipment) error {
	query := `
		UPDATE shipments
		SET shipping_method_id = $1, status = $2, carrier = $3, service_code = $4,
		    tracking_number = $5, label_url = $6, tracking_url = $7, external_id = $8,
		    metadata = $9, shipped_at = $10, delivered_at = $11, cancelled_at = $12,
		    version = version + 1, updated_at = NOW()
		WHERE id = $13 AND version = $14
		RETURNING version, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		shipment.ShippingMethodID, shipment.Status, shipment.Carrier, shipment.ServiceCode,
		shipment.TrackingNumber, shipment.LabelURL, shipment.TrackingURL, shipment.ExternalID,
		shipment.Metadata, shipment.ShippedAt, shipment.DeliveredAt, shipment.CancelledAt,
		shipment.ID, shipment.Version,
	).Scan(&shipment.Version, &shipment.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: shipment %d at version %d", ErrVersionConflict, shipment.ID, shipment.Version)
	}
	return err
}

// ListShipmentsForTracking returns shipments whose tracking should be
// refreshed, least recently refreshed first
func (s *Store) ListShipmentsForTracking(ctx context.Context, limit int) ([]models.Shipment, error) {
	query, args, err := trackingQuery(limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build tracking query: %w", err)
	}

	var shipments []models.Shipment
	err = s.db.SelectContext(ctx, &shipments, query, args...)
	return shipments, err
}

func trackingQuery(limit int) sq.SelectBuilder {
	return psql.Select("*").
		From("shipments").
		Where(sq.Eq{"status": []string{
			models.ShipmentStatusReadyToShip,
			models.ShipmentStatusShipped,
			models.ShipmentStatusInTransit,
		}}).
		Where(sq.NotEq{"tracking_number": ""}).
		OrderBy("metadata->>'tracking_refreshed_at' NULLS FIRST", "id").
		Limit(uint64(limit))
}

// ListRetryableFailedShipments returns failed shipments whose last label
// attempt may succeed on retry
func (s *Store) ListRetryableFailedShipments(ctx context.Context, maxAttempts, limit int) ([]models.Shipment, error) {
	query, args, err := retryQuery(maxAttempts, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build retry query: %w", err)
	}

	var shipments []models.Shipment
	err = s.db.SelectContext(ctx, &shipments, query, args...)
	return shipments, err
}

func retryQuery(maxAttempts, limit int) sq.SelectBuilder {
	return psql.Select("*").
		From("shipments").
		Where(sq.Eq{"status": models.ShipmentStatusFailed}).
		Where(sq.Expr("COALESCE((metadata->>'retryable')::boolean, FALSE)")).
		Where(sq.Lt{"COALESCE((metadata->>'label_attempts')::int, 0)": maxAttempts}).
		OrderBy("updated_at", "id").
		Limit(uint64(limit))
}
