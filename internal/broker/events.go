package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shipping-service/internal/models"
	"shipping-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks a message that can never be processed
var ErrMalformedEvent = errors.New("malformed event")

// Publisher writes one keyed event. *Producer implements it.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

var _ Publisher = (*Producer)(nil)

// EventPublisher handles publishing shipment domain events
type EventPublisher struct {
	shipments Publisher
	tracking  Publisher
	now       func() time.Time
}

// NewEventPublisher creates a new event publisher. shipments receives
// lifecycle events, tracking receives inbound carrier snapshots.
func NewEventPublisher(shipments, tracking Publisher) *EventPublisher {
	return &EventPublisher{
		shipments: shipments,
		tracking:  tracking,
		now:       time.Now,
	}
}

func (ep *EventPublisher) base(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: ep.now().UTC(),
	}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// ShipmentCreated publishes SHIPMENT_CREATED
func (ep *EventPublisher) ShipmentCreated(ctx context.Context, s *models.Shipment) error {
	event := &models.ShipmentCreatedEvent{
		BaseEvent:  ep.base(models.EventTypeShipmentCreated),
		ShipmentID: s.ID,
		OrderID:    s.OrderID,
		Status:     s.Status,
	}
	return ep.shipments.PublishEvent(ctx, orderKey(s.OrderID), event)
}

// ShipmentUpdated publishes SHIPMENT_UPDATED
func (ep *EventPublisher) ShipmentUpdated(ctx context.Context, s *models.Shipment, previousStatus string, notifyCustomer bool) error {
	event := &models.ShipmentUpdatedEvent{
		BaseEvent:      ep.base(models.EventTypeShipmentUpdated),
		ShipmentID:     s.ID,
		OrderID:        s.OrderID,
		PreviousStatus: previousStatus,
		Status:         s.Status,
		TrackingNumber: s.TrackingNumber,
		TrackingURL:    s.TrackingURL,
		DeliveredAt:    s.DeliveredAt,
		NotifyCustomer: notifyCustomer,
	}
	return ep.shipments.PublishEvent(ctx, orderKey(s.OrderID), event)
}

// PublishTrackingUpdate queues a carrier snapshot for the tracking worker and
// returns the event id
func (ep *EventPublisher) PublishTrackingUpdate(ctx context.Context, snapshot *models.TrackingSnapshot) (string, error) {
	event := &models.TrackingUpdateReceivedEvent{
		BaseEvent: ep.base(models.EventTypeTrackingUpdateReceived),
		Snapshot:  *snapshot,
	}
	if err := ep.tracking.PublishEvent(ctx, "tracking-"+snapshot.TrackingNumber, event); err != nil {
		return "", err
	}
	return event.EventID, nil
}

// EventHandler handles incoming events
type EventHandler struct {
	onTrackingUpdate func(context.Context, *models.TrackingUpdateReceivedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnTrackingUpdate registers a handler for TrackingUpdateReceived events
func (eh *EventHandler) OnTrackingUpdate(handler func(context.Context, *models.TrackingUpdateReceivedEvent) error) {
	eh.onTrackingUpdate = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeTrackingUpdateReceived:
		if eh.onTrackingUpdate != nil {
			var event models.TrackingUpdateReceivedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: TrackingUpdateReceived: %v", ErrMalformedEvent, err)
			}
			if event.EventID == "" || event.Snapshot.TrackingNumber == "" {
				return fmt.Errorf("%w: tracking update without event id or tracking number", ErrMalformedEvent)
			}
			return eh.onTrackingUpdate(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
