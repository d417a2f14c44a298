package models

import "time"

// Event types
const (
	EventTypeShipmentCreated        = "SHIPMENT_CREATED"
	EventTypeShipmentUpdated        = "SHIPMENT_UPDATED"
	EventTypeTrackingUpdateReceived = "TRACKING_UPDATE_RECEIVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ShipmentCreatedEvent published when fulfillment starts for an order
type ShipmentCreatedEvent struct {
	BaseEvent
	ShipmentID int64  `json:"shipment_id"`
	OrderID    int64  `json:"order_id"`
	Status     string `json:"status"`
}

// ShipmentUpdatedEvent published on every shipment status change
type ShipmentUpdatedEvent struct {
	BaseEvent
	ShipmentID     int64      `json:"shipment_id"`
	OrderID        int64      `json:"order_id"`
	PreviousStatus string     `json:"previous_status"`
	Status         string     `json:"status"`
	TrackingNumber string     `json:"tracking_number,omitempty"`
	TrackingURL    string     `json:"tracking_url,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	NotifyCustomer bool       `json:"notify_customer"`
}

// TrackingUpdateReceivedEvent carries an inbound carrier webhook snapshot
type TrackingUpdateReceivedEvent struct {
	BaseEvent
	Snapshot TrackingSnapshot `json:"snapshot"`
}
