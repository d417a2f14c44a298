package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shipping-service/config"
	"shipping-service/internal/carrier"
	"shipping-service/internal/models"
	"shipping-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// shipmentTransitions lists the statuses each status may move to. Terminal
// statuses have no entry.
var shipmentTransitions = map[string][]string{
	models.ShipmentStatusProcessing: {
		models.ShipmentStatusReadyToShip,
		models.ShipmentStatusShipped,
		models.ShipmentStatusFailed,
		models.ShipmentStatusCancelled,
	},
	models.ShipmentStatusReadyToShip: {
		models.ShipmentStatusShipped,
		models.ShipmentStatusInTransit,
		models.ShipmentStatusDelivered,
		models.ShipmentStatusReturned,
		models.ShipmentStatusFailed,
		models.ShipmentStatusCancelled,
	},
	models.ShipmentStatusShipped: {
		models.ShipmentStatusInTransit,
		models.ShipmentStatusDelivered,
		models.ShipmentStatusReturned,
		models.ShipmentStatusFailed,
	},
	models.ShipmentStatusInTransit: {
		models.ShipmentStatusDelivered,
		models.ShipmentStatusReturned,
		models.ShipmentStatusFailed,
	},
	models.ShipmentStatusFailed: {
		models.ShipmentStatusReadyToShip,
		models.ShipmentStatusShipped,
		models.ShipmentStatusInTransit,
		models.ShipmentStatusDelivered,
		models.ShipmentStatusReturned,
		models.ShipmentStatusCancelled,
	},
}

// CanTransition reports whether a shipment may move from one status to another
func CanTransition(from, to string) bool {
	for _, s := range shipmentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// trackingTargets maps carrier tracking statuses to the shipment status they
// imply. Statuses without an entry leave the shipment status alone.
var trackingTargets = map[string]string{
	models.TrackingStatusInTransit: models.ShipmentStatusInTransit,
	models.TrackingStatusDelivered: models.ShipmentStatusDelivered,
	models.TrackingStatusReturned:  models.ShipmentStatusReturned,
	models.TrackingStatusFailed:    models.ShipmentStatusFailed,
}

// CreateShipmentOptions configure CreateShipment
type CreateShipmentOptions struct {
	// MethodID overrides the order's shipping method
	MethodID          *int64 `json:"method_id,omitempty"`
	AutoPurchaseLabel bool   `json:"auto_purchase_label"`
}

// MarkShippedOptions configure MarkAsShipped
type MarkShippedOptions struct {
	TrackingNumber string     `json:"tracking_number,omitempty"`
	Carrier        string     `json:"carrier,omitempty"`
	TrackingURL    string     `json:"tracking_url,omitempty"`
	ShippedAt      *time.Time `json:"shipped_at,omitempty"`
	NotifyCustomer bool       `json:"notify_customer"`
}

// ShipOrderOptions configure ShipOrder
type ShipOrderOptions struct {
	MethodID       *int64 `json:"method_id,omitempty"`
	PurchaseLabel  bool   `json:"purchase_label"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
	TrackingURL    string `json:"tracking_url,omitempty"`
	NotifyCustomer bool   `json:"notify_customer"`
}

// BatchResult summarises a scheduled job run
type BatchResult struct {
	Checked   int `json:"checked"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// FulfillmentOrchestrator drives the shipment lifecycle
type FulfillmentOrchestrator struct {
	store             Store
	gateway           carrier.Gateway
	locker            Locker
	notifier          Notifier
	cfg               config.ShippingConfig
	allowRateFallback bool
	now               func() time.Time
	logger            *zap.Logger
}

// NewFulfillmentOrchestrator creates a new fulfillment orchestrator
func NewFulfillmentOrchestrator(
	store Store,
	gateway carrier.Gateway,
	locker Locker,
	notifier Notifier,
	cfg config.ShippingConfig,
	allowRateFallback bool,
) *FulfillmentOrchestrator {
	return &FulfillmentOrchestrator{
		store:             store,
		gateway:           gateway,
		locker:            locker,
		notifier:          notifier,
		cfg:               cfg,
		allowRateFallback: allowRateFallback,
		now:               time.Now,
		logger:            util.GetLogger(),
	}
}

// GetShipment returns a shipment by id
func (o *FulfillmentOrchestrator) GetShipment(ctx context.Context, shipmentID int64) (*models.Shipment, error) {
	s, err := o.store.GetShipmentByID(ctx, shipmentID)
	if err != nil {
		return nil, storeErr(err)
	}
	return s, nil
}

// ListShipmentsForOrder returns every shipment of an order
func (o *FulfillmentOrchestrator) ListShipmentsForOrder(ctx context.Context, orderID int64) ([]models.Shipment, error) {
	shipments, err := o.store.ListShipmentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shipments: %w", err)
	}
	return shipments, nil
}

// CreateShipment opens a shipment for an order
func (o *FulfillmentOrchestrator) CreateShipment(ctx context.Context, orderID int64, opts CreateShipmentOptions) (*models.Shipment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.CreateShipment", attribute.Int64("order.id", orderID))
	defer span.End()

	var shipment *models.Shipment
	err := o.withLock(ctx, fmt.Sprintf("order:%d", orderID), func() error {
		s, err := o.createShipment(ctx, orderID, opts.MethodID)
		shipment = s
		return err
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	if opts.AutoPurchaseLabel {
		return o.PurchaseLabel(ctx, shipment.ID)
	}
	return shipment, nil
}

func (o *FulfillmentOrchestrator) createShipment(ctx context.Context, orderID int64, methodID *int64) (*models.Shipment, error) {
	order, err := o.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !order.CanShip() {
		return nil, fmt.Errorf("%w: order %d cannot be shipped (status=%s fulfillment=%s)",
			ErrConflict, orderID, order.Status, order.FulfillmentStatus)
	}

	existing, err := o.store.GetOpenShipmentByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing shipments: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: order %d already has shipment %d", ErrConflict, orderID, existing.ID)
	}

	if methodID == nil {
		methodID = order.ShippingMethodID
	}

	shipment := &models.Shipment{
		OrderID:          orderID,
		ShippingMethodID: methodID,
		Status:           models.ShipmentStatusProcessing,
	}
	if methodID != nil {
		method, err := o.store.GetMethodByID(ctx, *methodID)
		if err != nil {
			return nil, storeErr(err)
		}
		shipment.Carrier = method.Carrier
		shipment.ServiceCode = method.ServiceCode
	}

	if err := o.store.CreateShipment(ctx, shipment); err != nil {
		return nil, fmt.Errorf("failed to create shipment: %w", err)
	}

	util.ShipmentsCreatedTotal.Inc()
	o.logger.Info("Shipment created",
		zap.Int64("shipment_id", shipment.ID),
		zap.Int64("order_id", orderID))

	if o.notifier != nil {
		if err := o.notifier.ShipmentCreated(ctx, shipment); err != nil {
			o.logger.Error("Failed to publish shipment created", zap.Int64("shipment_id", shipment.ID), zap.Error(err))
		}
	}
	return shipment, nil
}

// PurchaseLabel buys a carrier label for a processing or failed shipment.
// A failed purchase leaves the shipment failed with the error recorded and
// returns both the shipment and the error.
func (o *FulfillmentOrchestrator) PurchaseLabel(ctx context.Context, shipmentID int64) (*models.Shipment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.PurchaseLabel", attribute.Int64("shipment.id", shipmentID))
	defer span.End()

	var shipment *models.Shipment
	err := o.withShipmentLock(ctx, shipmentID, func() error {
		s, err := o.purchaseLabel(ctx, shipmentID)
		shipment = s
		return err
	})
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return shipment, err
}

func (o *FulfillmentOrchestrator) purchaseLabel(ctx context.Context, shipmentID int64) (*models.Shipment, error) {
	s, err := o.store.GetShipmentByID(ctx, shipmentID)
	if err != nil {
		return nil, storeErr(err)
	}
	if s.HasLabel() && s.Status != models.ShipmentStatusFailed {
		return s, nil
	}
	if !CanTransition(s.Status, models.ShipmentStatusReadyToShip) {
		return s, fmt.Errorf("%w: cannot purchase label for shipment %d in status %s", ErrConflict, s.ID, s.Status)
	}
	if s.HasLabel() {
		if err := o.voidLabel(ctx, s); err != nil {
			return s, err
		}
	}

	order, lines, err := loadOrderLines(ctx, o.store, s.OrderID)
	if err != nil {
		return s, err
	}
	lines = shippableLines(lines)
	if len(lines) == 0 {
		return s, fmt.Errorf("%w: order %d has nothing to ship", ErrValidation, order.ID)
	}

	to, from, err := resolveAddresses(ctx, o.store, order, o.cfg.FromAddress)
	if err != nil {
		return s, err
	}

	methodID := s.ShippingMethodID
	if methodID == nil {
		methodID = order.ShippingMethodID
	}
	if methodID == nil {
		return s, fmt.Errorf("%w: shipment %d has no shipping method", ErrValidation, s.ID)
	}
	method, err := o.store.GetMethodByID(ctx, *methodID)
	if err != nil {
		return s, storeErr(err)
	}

	req := carrier.ShipmentRequest{
		From:              *from,
		To:                *to,
		Parcels:           []models.Parcel{aggregateParcel(lines)},
		Carrier:           method.Carrier,
		ServiceCode:       method.ServiceCode,
		AllowRateFallback: o.allowRateFallback,
		Reference:         fmt.Sprintf("order-%d-shipment-%d", order.ID, s.ID),
	}

	s.ShippingMethodID = methodID
	s.Metadata.LabelAttempts++

	label, err := o.gateway.CreateShipment(ctx, req)
	if err != nil {
		return o.recordLabelFailure(ctx, s, err)
	}

	prev := s.Status
	if label.Rate.Carrier != "" {
		s.Carrier = strings.ToLower(label.Rate.Carrier)
	} else {
		s.Carrier = method.Carrier
	}
	if label.Rate.ServiceCode != "" {
		s.ServiceCode = label.Rate.ServiceCode
	} else {
		s.ServiceCode = method.ServiceCode
	}
	s.TrackingNumber = label.TrackingNumber
	s.LabelURL = label.LabelURL
	s.TrackingURL = label.TrackingURL
	s.ExternalID = label.ExternalID
	s.Metadata.RateID = label.Rate.ID
	s.Metadata.CarrierShipmentID = label.CarrierShipmentID
	s.Metadata.CostAmount = label.Rate.Amount
	s.Metadata.Currency = label.Rate.Currency
	s.Metadata.UsedRateFallback = label.UsedRateFallback
	s.Metadata.LastError = ""
	s.Metadata.LastErrorKind = ""
	s.Metadata.Retryable = false
	s.Metadata.Raw = label.Raw
	o.setStatus(s, models.ShipmentStatusReadyToShip)

	if err := o.save(ctx, s); err != nil {
		util.LoggerFromContext(ctx).Error("Label purchased but shipment could not be saved",
			zap.Int64("shipment_id", s.ID),
			zap.String("external_id", label.ExternalID),
			zap.Error(err))
		return s, err
	}

	util.LabelsPurchasedTotal.Inc()
	o.logger.Info("Label purchased",
		zap.Int64("shipment_id", s.ID),
		zap.String("carrier", s.Carrier),
		zap.String("tracking_number", s.TrackingNumber),
		zap.Bool("rate_fallback", label.UsedRateFallback))

	o.notifyUpdated(ctx, s, prev, false)
	return s, nil
}

// voidLabel refunds the label a failed shipment still holds so that a new one
// can be bought. The old label stays on the shipment unless the carrier
// confirms the refund.
func (o *FulfillmentOrchestrator) voidLabel(ctx context.Context, s *models.Shipment) error {
	if s.ExternalID == "" {
		return fmt.Errorf("%w: shipment %d holds a label that cannot be refunded", ErrConflict, s.ID)
	}

	refunded, err := o.gateway.CancelShipment(ctx, s.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to refund label %s: %w", s.ExternalID, carrierErr(err))
	}
	if !refunded {
		return fmt.Errorf("%w: carrier refused to refund label %s of shipment %d", ErrConflict, s.ExternalID, s.ID)
	}

	o.logger.Info("Previous label refunded",
		zap.Int64("shipment_id", s.ID),
		zap.String("external_id", s.ExternalID),
		zap.String("tracking_number", s.TrackingNumber))

	s.TrackingNumber = ""
	s.LabelURL = ""
	s.TrackingURL = ""
	s.ExternalID = ""
	s.Metadata.CarrierShipmentID = ""
	s.Metadata.TrackingStatus = ""
	s.Metadata.TrackingStatusRaw = ""
	s.Metadata.TrackingHistory = nil
	s.Metadata.ETA = nil
	return nil
}

func (o *FulfillmentOrchestrator) recordLabelFailure(ctx context.Context, s *models.Shipment, cause error) (*models.Shipment, error) {
	kind := string(carrier.KindOf(cause))
	if kind == "" {
		kind = "internal"
	}

	prev := s.Status
	s.Metadata.LastError = cause.Error()
	s.Metadata.LastErrorKind = kind
	s.Metadata.Retryable = IsRetryable(cause)
	if s.Status != models.ShipmentStatusFailed {
		o.setStatus(s, models.ShipmentStatusFailed)
	}

	util.LabelPurchaseFailuresTotal.WithLabelValues(kind).Inc()
	util.LoggerFromContext(ctx).Warn("Label purchase failed",
		zap.Int64("shipment_id", s.ID),
		zap.String("kind", kind),
		zap.Bool("retryable", s.Metadata.Retryable),
		zap.Int("attempts", s.Metadata.LabelAttempts),
		zap.Error(cause))

	if err := o.save(ctx, s); err != nil {
		o.logger.Error("Failed to record label failure", zap.Int64("shipment_id", s.ID), zap.Error(err))
	} else if prev != s.Status {
		o.notifyUpdated(ctx, s, prev, false)
	}
	return s, carrierErr(cause)
}

// ShipOrder runs the whole fulfillment for an order: open a shipment, buy a
// label when asked, then mark it shipped. Each step is stored before the next
// carrier call.
func (o *FulfillmentOrchestrator) ShipOrder(ctx context.Context, orderID int64, opts ShipOrderOptions) (*models.Shipment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.ShipOrder", attribute.Int64("order.id", orderID))
	defer span.End()

	shipment, err := o.store.GetOpenShipmentByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing shipments: %w", err)
	}
	if shipment != nil && shipment.IsShipped() {
		return shipment, nil
	}
	if shipment == nil {
		shipment, err = o.CreateShipment(ctx, orderID, CreateShipmentOptions{MethodID: opts.MethodID})
		if err != nil {
			return nil, err
		}
	}

	if opts.TrackingNumber == "" && opts.PurchaseLabel && (!shipment.HasLabel() || shipment.Status == models.ShipmentStatusFailed) {
		shipment, err = o.PurchaseLabel(ctx, shipment.ID)
		if err != nil {
			util.RecordSpanError(span, err)
			return shipment, err
		}
	}

	return o.MarkAsShipped(ctx, shipment.ID, MarkShippedOptions{
		TrackingNumber: opts.TrackingNumber,
		Carrier:        opts.Carrier,
		TrackingURL:    opts.TrackingURL,
		NotifyCustomer: opts.NotifyCustomer,
	})
}

// MarkAsShipped records that the parcel left the building. It needs a
// tracking number, either from a purchased label or supplied by the caller.
func (o *FulfillmentOrchestrator) MarkAsShipped(ctx context.Context, shipmentID int64, opts MarkShippedOptions) (*models.Shipment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.MarkAsShipped", attribute.Int64("shipment.id", shipmentID))
	defer span.End()

	var shipment *models.Shipment
	err := o.withShipmentLock(ctx, shipmentID, func() error {
		s, err := o.store.GetShipmentByID(ctx, shipmentID)
		if err != nil {
			return storeErr(err)
		}
		shipment = s

		if s.IsShipped() {
			return nil
		}
		if s.TrackingNumber == "" {
			s.TrackingNumber = strings.TrimSpace(opts.TrackingNumber)
		}
		if s.TrackingNumber == "" {
			return fmt.Errorf("%w: shipment %d needs a tracking number to be marked shipped", ErrValidation, s.ID)
		}
		if !CanTransition(s.Status, models.ShipmentStatusShipped) {
			return fmt.Errorf("%w: cannot ship shipment %d in status %s", ErrConflict, s.ID, s.Status)
		}

		if opts.Carrier != "" && s.Carrier == "" {
			s.Carrier = opts.Carrier
		}
		if opts.TrackingURL != "" && s.TrackingURL == "" {
			s.TrackingURL = opts.TrackingURL
		}
		shippedAt := o.now().UTC()
		if opts.ShippedAt != nil {
			shippedAt = opts.ShippedAt.UTC()
		}
		s.ShippedAt = &shippedAt

		prev := o.setStatus(s, models.ShipmentStatusShipped)
		if err := o.save(ctx, s); err != nil {
			return err
		}

		if err := o.store.UpdateOrderFulfillmentStatus(ctx, s.OrderID, models.FulfillmentStatusFulfilled); err != nil {
			return fmt.Errorf("failed to mark order fulfilled: %w", storeErr(err))
		}

		o.logger.Info("Shipment shipped",
			zap.Int64("shipment_id", s.ID),
			zap.Int64("order_id", s.OrderID),
			zap.String("tracking_number", s.TrackingNumber))

		o.notifyUpdated(ctx, s, prev, opts.NotifyCustomer)
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return shipment, err
}

// UpdateTrackingStatus polls the carrier for a shipment's tracking state
func (o *FulfillmentOrchestrator) UpdateTrackingStatus(ctx context.Context, shipmentID int64) (*models.Shipment, error) {
	s, _, err := o.updateTracking(ctx, shipmentID)
	return s, err
}

func (o *FulfillmentOrchestrator) updateTracking(ctx context.Context, shipmentID int64) (*models.Shipment, bool, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.UpdateTrackingStatus", attribute.Int64("shipment.id", shipmentID))
	defer span.End()

	s, err := o.store.GetShipmentByID(ctx, shipmentID)
	if err != nil {
		return nil, false, storeErr(err)
	}
	if s.TrackingNumber == "" {
		return s, false, fmt.Errorf("%w: shipment %d has no tracking number", ErrValidation, s.ID)
	}
	if s.IsTerminal() {
		return s, false, nil
	}

	snapshot, err := o.gateway.GetTrackingInfo(ctx, s.TrackingNumber, s.Carrier)
	if err != nil {
		util.TrackingUpdatesTotal.WithLabelValues("poll", "error").Inc()
		util.RecordSpanError(span, err)
		return s, false, carrierErr(err)
	}

	return o.applySnapshot(ctx, shipmentID, snapshot, "poll")
}

// ApplyTrackingSnapshot merges a carrier snapshot into a shipment. Applying
// the same snapshot twice changes nothing the second time.
func (o *FulfillmentOrchestrator) ApplyTrackingSnapshot(ctx context.Context, shipmentID int64, snapshot *models.TrackingSnapshot) (*models.Shipment, error) {
	s, _, err := o.applySnapshot(ctx, shipmentID, snapshot, "api")
	return s, err
}

func (o *FulfillmentOrchestrator) applySnapshot(ctx context.Context, shipmentID int64, snapshot *models.TrackingSnapshot, source string) (*models.Shipment, bool, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.ApplyTrackingSnapshot", attribute.Int64("shipment.id", shipmentID))
	defer span.End()

	if snapshot == nil {
		return nil, false, fmt.Errorf("%w: empty tracking snapshot", ErrValidation)
	}

	var shipment *models.Shipment
	changed := false
	err := o.withShipmentLock(ctx, shipmentID, func() error {
		s, err := o.store.GetShipmentByID(ctx, shipmentID)
		if err != nil {
			return storeErr(err)
		}
		shipment = s
		if s.IsTerminal() {
			return nil
		}

		now := o.now().UTC()
		s.Metadata.MergeHistory(snapshot.History)
		s.Metadata.TrackingStatus = snapshot.Status
		s.Metadata.TrackingStatusRaw = snapshot.StatusRaw
		if snapshot.ETA != nil {
			s.Metadata.ETA = snapshot.ETA
		}
		s.Metadata.TrackingRefreshedAt = &now

		prev := s.Status
		target, ok := trackingTargets[snapshot.Status]
		if ok && target != s.Status && CanTransition(s.Status, target) {
			o.setStatus(s, target)
			changed = true
		}

		newlyShipped := false
		if changed && s.ShippedAt == nil && target != models.ShipmentStatusFailed {
			s.ShippedAt = &now
			newlyShipped = true
		}
		if s.Status == models.ShipmentStatusDelivered && s.DeliveredAt == nil {
			deliveredAt := now
			if snapshot.DeliveredAt != nil {
				deliveredAt = snapshot.DeliveredAt.UTC()
			}
			s.DeliveredAt = &deliveredAt
		}

		if err := o.save(ctx, s); err != nil {
			return err
		}

		if newlyShipped {
			if err := o.store.UpdateOrderFulfillmentStatus(ctx, s.OrderID, models.FulfillmentStatusFulfilled); err != nil {
				o.logger.Error("Failed to mark order fulfilled", zap.Int64("order_id", s.OrderID), zap.Error(err))
			}
		}

		if changed {
			o.logger.Info("Shipment tracking status changed",
				zap.Int64("shipment_id", s.ID),
				zap.String("from", prev),
				zap.String("to", s.Status),
				zap.String("source", source))
			o.notifyUpdated(ctx, s, prev, true)
		}
		return nil
	})
	if err != nil {
		util.TrackingUpdatesTotal.WithLabelValues(source, "error").Inc()
		util.RecordSpanError(span, err)
		return shipment, false, err
	}

	result := "unchanged"
	if changed {
		result = "changed"
	}
	util.TrackingUpdatesTotal.WithLabelValues(source, result).Inc()
	return shipment, changed, nil
}

// HandleTrackingUpdate applies a webhook snapshot once per event id
func (o *FulfillmentOrchestrator) HandleTrackingUpdate(ctx context.Context, event *models.TrackingUpdateReceivedEvent) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.HandleTrackingUpdate")
	defer span.End()

	processed, err := o.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		o.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	s, err := o.store.GetShipmentByTrackingNumber(ctx, event.Snapshot.TrackingNumber)
	if err != nil {
		if err = storeErr(err); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to find shipment: %w", err)
		}
		o.logger.Warn("Tracking update for unknown shipment",
			zap.String("tracking_number", event.Snapshot.TrackingNumber),
			zap.String("event_id", event.EventID))
		util.TrackingUpdatesTotal.WithLabelValues("webhook", "unknown").Inc()
	} else if _, _, err := o.applySnapshot(ctx, s.ID, &event.Snapshot, "webhook"); err != nil {
		return err
	}

	if err := o.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		o.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// CancelShipment cancels a shipment that has not shipped yet. A purchased
// label is refunded on a best-effort basis.
func (o *FulfillmentOrchestrator) CancelShipment(ctx context.Context, shipmentID int64, reason string) (*models.Shipment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.CancelShipment", attribute.Int64("shipment.id", shipmentID))
	defer span.End()

	var shipment *models.Shipment
	err := o.withShipmentLock(ctx, shipmentID, func() error {
		s, err := o.store.GetShipmentByID(ctx, shipmentID)
		if err != nil {
			return storeErr(err)
		}
		shipment = s

		if s.Status == models.ShipmentStatusCancelled {
			return nil
		}
		if s.IsShipped() {
			return fmt.Errorf("%w: shipment %d has already shipped", ErrConflict, s.ID)
		}
		if !CanTransition(s.Status, models.ShipmentStatusCancelled) {
			return fmt.Errorf("%w: cannot cancel shipment %d in status %s", ErrConflict, s.ID, s.Status)
		}

		if s.ExternalID != "" {
			refunded, err := o.gateway.CancelShipment(ctx, s.ExternalID)
			if err != nil {
				o.logger.Warn("Carrier label refund failed",
					zap.Int64("shipment_id", s.ID),
					zap.String("external_id", s.ExternalID),
					zap.Error(err))
			}
			s.Metadata.CarrierRefunded = refunded
		}

		now := o.now().UTC()
		s.CancelledAt = &now
		s.Metadata.CancelReason = reason
		prev := o.setStatus(s, models.ShipmentStatusCancelled)
		if err := o.save(ctx, s); err != nil {
			return err
		}

		if err := o.store.UpdateOrderFulfillmentStatus(ctx, s.OrderID, models.FulfillmentStatusUnfulfilled); err != nil {
			return fmt.Errorf("failed to reset order fulfillment: %w", storeErr(err))
		}

		util.ShipmentsCancelledTotal.Inc()
		o.logger.Info("Shipment cancelled",
			zap.Int64("shipment_id", s.ID),
			zap.String("reason", reason),
			zap.Bool("carrier_refunded", s.Metadata.CarrierRefunded))

		o.notifyUpdated(ctx, s, prev, false)
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return shipment, err
}

// RefreshActiveShipments polls tracking for up to limit shipments in flight
func (o *FulfillmentOrchestrator) RefreshActiveShipments(ctx context.Context, limit int) (BatchResult, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.RefreshActiveShipments")
	defer span.End()

	var result BatchResult
	shipments, err := o.store.ListShipmentsForTracking(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("failed to list shipments for tracking: %w", err)
	}

	for _, s := range shipments {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		_, changed, err := o.updateTracking(ctx, s.ID)
		switch {
		case errors.Is(err, ErrBusy):
			result.Skipped++
		case err != nil:
			result.Failed++
			o.logger.Warn("Tracking refresh failed", zap.Int64("shipment_id", s.ID), zap.Error(err))
		case changed:
			result.Succeeded++
		}
	}

	o.logger.Info("Tracking refresh finished",
		zap.Int("checked", result.Checked),
		zap.Int("changed", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// RetryFailedLabels retries label purchases that failed for a transient reason
func (o *FulfillmentOrchestrator) RetryFailedLabels(ctx context.Context, limit int) (BatchResult, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.RetryFailedLabels")
	defer span.End()

	var result BatchResult
	shipments, err := o.store.ListRetryableFailedShipments(ctx, o.cfg.LabelMaxAttempts, limit)
	if err != nil {
		return result, fmt.Errorf("failed to list failed shipments: %w", err)
	}

	for _, s := range shipments {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !s.Metadata.Retryable || s.Metadata.LabelAttempts >= o.cfg.LabelMaxAttempts {
			continue
		}
		result.Checked++

		_, err := o.PurchaseLabel(ctx, s.ID)
		switch {
		case errors.Is(err, ErrBusy):
			result.Skipped++
		case err != nil:
			result.Failed++
		default:
			result.Succeeded++
		}
	}

	o.logger.Info("Label retry finished",
		zap.Int("checked", result.Checked),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// setStatus moves the shipment to a new status and returns the previous one
func (o *FulfillmentOrchestrator) setStatus(s *models.Shipment, to string) string {
	prev := s.Status
	s.Status = to
	util.ShipmentTransitionsTotal.WithLabelValues(prev, to).Inc()
	return prev
}

func (o *FulfillmentOrchestrator) save(ctx context.Context, s *models.Shipment) error {
	if err := o.store.UpdateShipment(ctx, s); err != nil {
		return storeErr(err)
	}
	return nil
}

func (o *FulfillmentOrchestrator) notifyUpdated(ctx context.Context, s *models.Shipment, prev string, notifyCustomer bool) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.ShipmentUpdated(ctx, s, prev, notifyCustomer); err != nil {
		o.logger.Error("Failed to publish shipment update",
			zap.Int64("shipment_id", s.ID),
			zap.Error(err))
	}
}

func (o *FulfillmentOrchestrator) withShipmentLock(ctx context.Context, shipmentID int64, fn func() error) error {
	return o.withLock(ctx, fmt.Sprintf("shipment:%d", shipmentID), fn)
}

func (o *FulfillmentOrchestrator) withLock(ctx context.Context, key string, fn func() error) error {
	if o.locker == nil {
		return fn()
	}

	token, ok, err := o.locker.AcquireLock(ctx, key, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusy, key)
	}
	defer func() {
		if err := o.locker.ReleaseLock(context.Background(), key, token); err != nil {
			o.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn()
}
