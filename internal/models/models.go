package models

import "time"

// Product represents a catalog product with its shippable attributes
type Product struct {
	ID            int64     `db:"id" json:"id"`
	SKU           string    `db:"sku" json:"sku"`
	Name          string    `db:"name" json:"name"`
	Price         int64     `db:"price" json:"price"`
	WeightKg      float64   `db:"weight_kg" json:"weight_kg"`
	LengthCm      float64   `db:"length_cm" json:"length_cm"`
	WidthCm       float64   `db:"width_cm" json:"width_cm"`
	HeightCm      float64   `db:"height_cm" json:"height_cm"`
	ShippingClass string    `db:"shipping_class" json:"shipping_class,omitempty"`
	IsVirtual     bool      `db:"is_virtual" json:"is_virtual"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// RequiresShipping reports whether the product is a physical good
func (p *Product) RequiresShipping() bool {
	return !p.IsVirtual
}

// Order represents a customer order as seen by fulfillment
type Order struct {
	ID                int64     `db:"id" json:"id"`
	UserID            int64     `db:"user_id" json:"user_id"`
	TotalAmount       int64     `db:"total_amount" json:"total_amount"`
	Status            string    `db:"status" json:"status"`
	FulfillmentStatus string    `db:"fulfillment_status" json:"fulfillment_status"`
	ShippingMethodID  *int64    `db:"shipping_method_id" json:"shipping_method_id,omitempty"`
	ShippingAddressID *int64    `db:"shipping_address_id" json:"shipping_address_id,omitempty"`
	VendorAddressID   *int64    `db:"vendor_address_id" json:"vendor_address_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// CanShip reports whether the order may start a new fulfillment
func (o *Order) CanShip() bool {
	return o.Status != OrderStatusCancelled && o.FulfillmentStatus != FulfillmentStatusFulfilled
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// Address is a normalized postal address
type Address struct {
	ID          int64      `db:"id" json:"id,omitempty"`
	Name        string     `db:"name" json:"name"`
	Company     string     `db:"company" json:"company,omitempty"`
	Street1     string     `db:"street1" json:"street1"`
	Street2     string     `db:"street2" json:"street2,omitempty"`
	City        string     `db:"city" json:"city"`
	State       string     `db:"state" json:"state,omitempty"`
	PostalCode  string     `db:"postal_code" json:"postal_code"`
	Country     string     `db:"country" json:"country" binding:"required,len=2"`
	Phone       string     `db:"phone" json:"phone,omitempty"`
	Email       string     `db:"email" json:"email,omitempty"`
	ValidatedAt *time.Time `db:"validated_at" json:"validated_at,omitempty"`
}

// Parcel is a physical package in kilograms and centimetres
type Parcel struct {
	WeightKg float64 `json:"weight_kg"`
	LengthCm float64 `json:"length_cm"`
	WidthCm  float64 `json:"width_cm"`
	HeightCm float64 `json:"height_cm"`
}

// Order statuses
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusPaid      = "PAID"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusCancelled = "CANCELLED"
)

// Order fulfillment statuses
const (
	FulfillmentStatusUnfulfilled = "unfulfilled"
	FulfillmentStatusFulfilled   = "fulfilled"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
