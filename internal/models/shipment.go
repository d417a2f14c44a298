package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Shipment statuses
const (
	ShipmentStatusProcessing  = "processing"
	ShipmentStatusReadyToShip = "ready_to_ship"
	ShipmentStatusShipped     = "shipped"
	ShipmentStatusInTransit   = "in_transit"
	ShipmentStatusDelivered   = "delivered"
	ShipmentStatusReturned    = "returned"
	ShipmentStatusFailed      = "failed"
	ShipmentStatusCancelled   = "cancelled"
)

// Tracking statuses reported by the carrier gateway
const (
	TrackingStatusPending    = "pending"
	TrackingStatusProcessing = "processing"
	TrackingStatusInTransit  = "in_transit"
	TrackingStatusDelivered  = "delivered"
	TrackingStatusReturned   = "returned"
	TrackingStatusFailed     = "failed"
	TrackingStatusException  = "exception"
	TrackingStatusUnknown    = "unknown"
)

// Shipment is the fulfillment record for one order
type Shipment struct {
	ID               int64            `db:"id" json:"id"`
	OrderID          int64            `db:"order_id" json:"order_id"`
	ShippingMethodID *int64           `db:"shipping_method_id" json:"shipping_method_id,omitempty"`
	Status           string           `db:"status" json:"status"`
	Carrier          string           `db:"carrier" json:"carrier,omitempty"`
	ServiceCode      string           `db:"service_code" json:"service_code,omitempty"`
	TrackingNumber   string           `db:"tracking_number" json:"tracking_number,omitempty"`
	LabelURL         string           `db:"label_url" json:"label_url,omitempty"`
	TrackingURL      string           `db:"tracking_url" json:"tracking_url,omitempty"`
	ExternalID       string           `db:"external_id" json:"external_id,omitempty"`
	Metadata         ShipmentMetadata `db:"metadata" json:"metadata"`
	ShippedAt        *time.Time       `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time       `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt      *time.Time       `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Version          int64            `db:"version" json:"version"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// IsShipped reports whether the parcel has left the building
func (s *Shipment) IsShipped() bool {
	if s.ShippedAt != nil {
		return true
	}
	switch s.Status {
	case ShipmentStatusShipped, ShipmentStatusInTransit, ShipmentStatusDelivered, ShipmentStatusReturned:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s *Shipment) IsTerminal() bool {
	switch s.Status {
	case ShipmentStatusDelivered, ShipmentStatusReturned, ShipmentStatusCancelled:
		return true
	}
	return false
}

// HasLabel reports whether a carrier label was purchased
func (s *Shipment) HasLabel() bool {
	return s.ExternalID != "" || s.LabelURL != ""
}

// ShipmentMetadata is the carrier-opaque blob stored with a shipment
type ShipmentMetadata struct {
	RateID              string          `json:"rate_id,omitempty"`
	CarrierShipmentID   string          `json:"carrier_shipment_id,omitempty"`
	CostAmount          int64           `json:"cost_amount,omitempty"`
	Currency            string          `json:"currency,omitempty"`
	UsedRateFallback    bool            `json:"used_rate_fallback,omitempty"`
	LabelAttempts       int             `json:"label_attempts,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	LastErrorKind       string          `json:"last_error_kind,omitempty"`
	Retryable           bool            `json:"retryable,omitempty"`
	TrackingStatus      string          `json:"tracking_status,omitempty"`
	TrackingStatusRaw   string          `json:"tracking_status_raw,omitempty"`
	ETA                 *time.Time      `json:"eta,omitempty"`
	TrackingHistory     []TrackingEvent `json:"tracking_history,omitempty"`
	TrackingRefreshedAt *time.Time      `json:"tracking_refreshed_at,omitempty"`
	CancelReason        string          `json:"cancel_reason,omitempty"`
	CarrierRefunded     bool            `json:"carrier_refunded,omitempty"`
	Raw                 json.RawMessage `json:"raw,omitempty"`
}

// Value implements driver.Valuer
func (m ShipmentMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *ShipmentMetadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// MergeHistory appends events that are not already recorded and reports how
// many were added. Existing entries are never rewritten.
func (m *ShipmentMetadata) MergeHistory(events []TrackingEvent) int {
	seen := make(map[string]struct{}, len(m.TrackingHistory))
	for _, e := range m.TrackingHistory {
		seen[e.Key()] = struct{}{}
	}

	added := 0
	for _, e := range events {
		key := e.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		m.TrackingHistory = append(m.TrackingHistory, e)
		added++
	}
	return added
}

// TrackingEvent is one entry of a carrier's tracking history
type TrackingEvent struct {
	Status      string    `json:"status"`
	StatusRaw   string    `json:"status_raw,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Key identifies an event for de-duplication
func (e TrackingEvent) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		e.OccurredAt.UTC().Format(time.RFC3339),
		strings.ToUpper(e.StatusRaw),
		strings.ToLower(e.Location),
		e.Description)
}

// TrackingSnapshot is the carrier's view of a shipment at one point in time
type TrackingSnapshot struct {
	TrackingNumber string          `json:"tracking_number"`
	Carrier        string          `json:"carrier"`
	Status         string          `json:"status"`
	StatusRaw      string          `json:"status_raw"`
	StatusDetails  string          `json:"status_details,omitempty"`
	History        []TrackingEvent `json:"history"`
	ETA            *time.Time      `json:"eta,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}
