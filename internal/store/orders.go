package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shipping-service/internal/models"
)

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// UpdateOrderFulfillmentStatus sets the order's fulfillment flag
func (s *Store) UpdateOrderFulfillmentStatus(ctx context.Context, orderID int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET fulfillment_status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return err
	}
	return expectOneRow(res, fmt.Errorf("%w: order %d", ErrNotFound, orderID))
}

// GetAddressByID retrieves an address by ID
func (s *Store) GetAddressByID(ctx context.Context, id int64) (*models.Address, error) {
	var addr models.Address
	err := s.db.GetContext(ctx, &addr, "SELECT * FROM addresses WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: address %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// UpdateAddressNormalized replaces an address with its validated form
func (s *Store) UpdateAddressNormalized(ctx context.Context, addr *models.Address, validatedAt time.Time) error {
	query := `
		UPDATE addresses
		SET name = $1, company = $2, street1 = $3, street2 = $4, city = $5,
		    state = $6, postal_code = $7, country = $8, phone = $9, email = $10,
		    validated_at = $11
		WHERE id = $12`

	res, err := s.db.ExecContext(ctx, query,
		addr.Name, addr.Company, addr.Street1, addr.Street2, addr.City,
		addr.State, addr.PostalCode, addr.Country, addr.Phone, addr.Email,
		validatedAt, addr.ID)
	if err != nil {
		return err
	}
	if err := expectOneRow(res, fmt.Errorf("%w: address %d", ErrNotFound, addr.ID)); err != nil {
		return err
	}
	addr.ValidatedAt = &validatedAt
	return nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
