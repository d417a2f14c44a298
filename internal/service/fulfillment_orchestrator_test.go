package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"shipping-service/config"
	"shipping-service/internal/carrier"
	"shipping-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	store    *memStore
	gateway  *carrier.MockGateway
	locker   *memLocker
	notifier *recordingNotifier
	orch     *FulfillmentOrchestrator
	now      time.Time
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	st := newMemStore()

	method := models.ShippingMethod{ID: 10, Name: "Tracked 48", Carrier: "royal_mail", ServiceCode: "royal_mail_tracked_48", IsActive: true, MinDeliveryDays: 2, MaxDeliveryDays: 3}
	st.methods[method.ID] = method
	st.products[1] = models.Product{ID: 1, Name: "Kettle", Price: 12000, WeightKg: 2, LengthCm: 20, WidthCm: 15, HeightCm: 25}
	addr := ukAddress
	addr.ID = 7
	st.addresses[7] = &addr
	st.orders[100] = &models.Order{
		ID:                100,
		Status:            models.OrderStatusPaid,
		FulfillmentStatus: models.FulfillmentStatusUnfulfilled,
		ShippingMethodID:  int64Ptr(method.ID),
		ShippingAddressID: int64Ptr(7),
	}
	st.items[100] = []models.OrderItem{{ID: 1, OrderID: 100, ProductID: 1, Quantity: 1, UnitPrice: 12000}}

	f := &orchestratorFixture{
		store:    st,
		gateway:  carrier.NewMockGateway(),
		locker:   newMemLocker(),
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	f.orch = NewFulfillmentOrchestrator(st, f.gateway, f.locker, f.notifier, config.ShippingConfig{
		LockTTL:          30 * time.Second,
		LabelMaxAttempts: 3,
	}, false)
	f.orch.now = func() time.Time { return f.now }
	return f
}

// readyShipment creates a shipment for order 100 and buys its label
func (f *orchestratorFixture) readyShipment(t *testing.T) *models.Shipment {
	t.Helper()
	s, err := f.orch.CreateShipment(context.Background(), 100, CreateShipmentOptions{AutoPurchaseLabel: true})
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusReadyToShip, s.Status)
	require.NotEmpty(t, s.TrackingNumber)
	return s
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.ShipmentStatusProcessing, models.ShipmentStatusReadyToShip, true},
		{models.ShipmentStatusProcessing, models.ShipmentStatusCancelled, true},
		{models.ShipmentStatusReadyToShip, models.ShipmentStatusShipped, true},
		{models.ShipmentStatusReadyToShip, models.ShipmentStatusCancelled, true},
		{models.ShipmentStatusShipped, models.ShipmentStatusInTransit, true},
		{models.ShipmentStatusShipped, models.ShipmentStatusCancelled, false},
		{models.ShipmentStatusInTransit, models.ShipmentStatusCancelled, false},
		{models.ShipmentStatusInTransit, models.ShipmentStatusShipped, false},
		{models.ShipmentStatusDelivered, models.ShipmentStatusInTransit, false},
		{models.ShipmentStatusDelivered, models.ShipmentStatusCancelled, false},
		{models.ShipmentStatusCancelled, models.ShipmentStatusProcessing, false},
		{models.ShipmentStatusFailed, models.ShipmentStatusReadyToShip, true},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreateShipment(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	s, err := f.orch.CreateShipment(ctx, 100, CreateShipmentOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusProcessing, s.Status)
	assert.Equal(t, "royal_mail", s.Carrier)
	assert.Equal(t, "royal_mail_tracked_48", s.ServiceCode)
	assert.Equal(t, []int64{s.ID}, f.notifier.created)

	_, err = f.orch.CreateShipment(ctx, 100, CreateShipmentOptions{})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.orch.CreateShipment(ctx, 404, CreateShipmentOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateShipment_CancelledOrder(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.store.orders[100].Status = models.OrderStatusCancelled

	_, err := f.orch.CreateShipment(context.Background(), 100, CreateShipmentOptions{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateShipment_Busy(t *testing.T) {
	f := newOrchestratorFixture(t)
	_, ok, err := f.locker.AcquireLock(context.Background(), "order:100", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.orch.CreateShipment(context.Background(), 100, CreateShipmentOptions{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsRetryable(err))
}

func TestPurchaseLabel(t *testing.T) {
	f := newOrchestratorFixture(t)
	s := f.readyShipment(t)

	assert.Equal(t, "royal_mail_tracked_48", s.ServiceCode)
	assert.NotEmpty(t, s.ExternalID)
	assert.NotEmpty(t, s.LabelURL)
	assert.Equal(t, int64(550), s.Metadata.CostAmount)
	assert.Equal(t, 1, s.Metadata.LabelAttempts)
	assert.False(t, s.Metadata.UsedRateFallback)
	assert.Equal(t, 1, f.gateway.LabelCount())

	// a second purchase is a no-op
	again, err := f.orch.PurchaseLabel(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.TrackingNumber, again.TrackingNumber)
	assert.Equal(t, 1, f.gateway.LabelCount())
}

func TestPurchaseLabel_NoMatchingRate(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.store.methods[10] = models.ShippingMethod{ID: 10, Name: "Pigeon", Carrier: "pigeon_post", ServiceCode: "coo", IsActive: true}

	s, err := f.orch.CreateShipment(context.Background(), 100, CreateShipmentOptions{AutoPurchaseLabel: true})
	assert.ErrorIs(t, err, ErrNoShippingRate)
	require.NotNil(t, s)
	assert.Equal(t, models.ShipmentStatusFailed, s.Status)
	assert.Equal(t, string(carrier.KindNoRate), s.Metadata.LastErrorKind)
	assert.False(t, s.Metadata.Retryable)
}

func TestPurchaseLabel_RateFallback(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.orch.allowRateFallback = true
	f.store.methods[10] = models.ShippingMethod{ID: 10, Name: "Pigeon", Carrier: "pigeon_post", ServiceCode: "coo", IsActive: true}

	s, err := f.orch.CreateShipment(context.Background(), 100, CreateShipmentOptions{AutoPurchaseLabel: true})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusReadyToShip, s.Status)
	assert.True(t, s.Metadata.UsedRateFallback)
	assert.Equal(t, carrier.DefaultMockServices[0].ServiceCode, s.ServiceCode)
}

func TestPurchaseLabel_TransientFailureIsRetried(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	f.gateway.FailNext("create_shipment", &carrier.Error{Op: "create_shipment", Carrier: "mock", Kind: carrier.KindUnavailable, StatusCode: 503})

	s, err := f.orch.CreateShipment(ctx, 100, CreateShipmentOptions{AutoPurchaseLabel: true})
	assert.ErrorIs(t, err, ErrCarrierUnavailable)
	assert.True(t, IsRetryable(err))
	require.NotNil(t, s)
	assert.Equal(t, models.ShipmentStatusFailed, s.Status)
	assert.True(t, s.Metadata.Retryable)
	assert.Equal(t, string(carrier.KindUnavailable), s.Metadata.LastErrorKind)

	result, err := f.orch.RetryFailedLabels(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Checked: 1, Succeeded: 1}, result)

	s, err = f.orch.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusReadyToShip, s.Status)
	assert.Equal(t, 2, s.Metadata.LabelAttempts)
	assert.Empty(t, s.Metadata.LastError)
	assert.False(t, s.Metadata.Retryable)
}

func TestPurchaseLabel_FailedShipmentRefundsOldLabel(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	failed, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &models.TrackingSnapshot{Status: models.TrackingStatusFailed, StatusRaw: "FAILURE"})
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusFailed, failed.Status)
	require.True(t, failed.HasLabel())

	again, err := f.orch.PurchaseLabel(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusReadyToShip, again.Status)
	assert.True(t, f.gateway.Cancelled(s.ExternalID))
	assert.NotEqual(t, s.ExternalID, again.ExternalID)
	assert.NotEqual(t, s.TrackingNumber, again.TrackingNumber)
	assert.Empty(t, again.Metadata.TrackingStatus)
	assert.Equal(t, 2, again.Metadata.LabelAttempts)
	assert.Equal(t, 2, f.gateway.LabelCount())
}

func TestPurchaseLabel_FailedShipmentRefundRefused(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)
	f.gateway.RefuseRefund(s.ExternalID)

	_, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &models.TrackingSnapshot{Status: models.TrackingStatusFailed, StatusRaw: "FAILURE"})
	require.NoError(t, err)

	_, err = f.orch.PurchaseLabel(ctx, s.ID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, f.gateway.LabelCount())

	current, err := f.orch.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusFailed, current.Status)
	assert.Equal(t, s.ExternalID, current.ExternalID)
	assert.Equal(t, s.TrackingNumber, current.TrackingNumber)
}

func TestPurchaseLabel_FailedShipmentRefundError(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	_, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &models.TrackingSnapshot{Status: models.TrackingStatusFailed, StatusRaw: "FAILURE"})
	require.NoError(t, err)
	f.gateway.FailNext("cancel_shipment", &carrier.Error{Op: "cancel_shipment", Carrier: "mock", Kind: carrier.KindUnavailable, StatusCode: 503})

	_, err = f.orch.PurchaseLabel(ctx, s.ID)
	assert.ErrorIs(t, err, ErrCarrierUnavailable)
	assert.Equal(t, 1, f.gateway.LabelCount())
}

func TestRetryFailedLabels_StopsAtMaxAttempts(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	unavailable := &carrier.Error{Op: "create_shipment", Carrier: "mock", Kind: carrier.KindUnavailable}

	f.gateway.FailNext("create_shipment", unavailable)
	s, _ := f.orch.CreateShipment(ctx, 100, CreateShipmentOptions{AutoPurchaseLabel: true})
	require.NotNil(t, s)

	for i := 0; i < 2; i++ {
		f.gateway.FailNext("create_shipment", unavailable)
		result, err := f.orch.RetryFailedLabels(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
	}

	result, err := f.orch.RetryFailedLabels(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Checked)

	s, err = f.orch.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Metadata.LabelAttempts)
	assert.Equal(t, models.ShipmentStatusFailed, s.Status)
}

func TestMarkAsShipped(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	shipped, err := f.orch.MarkAsShipped(ctx, s.ID, MarkShippedOptions{NotifyCustomer: true})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusShipped, shipped.Status)
	require.NotNil(t, shipped.ShippedAt)
	assert.Equal(t, f.now, *shipped.ShippedAt)
	assert.Equal(t, models.FulfillmentStatusFulfilled, f.store.orders[100].FulfillmentStatus)

	last := f.notifier.updates[len(f.notifier.updates)-1]
	assert.Equal(t, shipmentUpdate{ShipmentID: s.ID, From: models.ShipmentStatusReadyToShip, To: models.ShipmentStatusShipped, Notify: true}, last)

	// marking twice is harmless
	f.now = f.now.Add(time.Hour)
	again, err := f.orch.MarkAsShipped(ctx, s.ID, MarkShippedOptions{})
	require.NoError(t, err)
	assert.Equal(t, *shipped.ShippedAt, *again.ShippedAt)
}

func TestMarkAsShipped_RequiresTrackingNumber(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s, err := f.orch.CreateShipment(ctx, 100, CreateShipmentOptions{})
	require.NoError(t, err)

	_, err = f.orch.MarkAsShipped(ctx, s.ID, MarkShippedOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	shipped, err := f.orch.MarkAsShipped(ctx, s.ID, MarkShippedOptions{TrackingNumber: " MANUAL123 ", Carrier: "dpd"})
	require.NoError(t, err)
	assert.Equal(t, "MANUAL123", shipped.TrackingNumber)
	assert.Equal(t, models.ShipmentStatusShipped, shipped.Status)
}

func TestShipOrder(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	s, err := f.orch.ShipOrder(ctx, 100, ShipOrderOptions{PurchaseLabel: true, NotifyCustomer: true})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusShipped, s.Status)
	assert.NotEmpty(t, s.TrackingNumber)
	assert.Equal(t, 1, f.gateway.LabelCount())

	again, err := f.orch.ShipOrder(ctx, 100, ShipOrderOptions{PurchaseLabel: true})
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
	assert.Equal(t, 1, f.gateway.LabelCount())
}

func TestUpdateTrackingStatus_Delivered(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	deliveredAt := time.Date(2024, 5, 12, 14, 30, 0, 0, time.UTC)
	f.gateway.SetTracking(models.TrackingSnapshot{
		TrackingNumber: s.TrackingNumber,
		Carrier:        "royal_mail",
		Status:         models.TrackingStatusDelivered,
		StatusRaw:      "DELIVERED",
		DeliveredAt:    &deliveredAt,
		History: []models.TrackingEvent{
			{Status: models.TrackingStatusInTransit, StatusRaw: "TRANSIT", Location: "Leeds", OccurredAt: deliveredAt.Add(-24 * time.Hour)},
			{Status: models.TrackingStatusDelivered, StatusRaw: "DELIVERED", Location: "London", OccurredAt: deliveredAt},
		},
	})

	updated, err := f.orch.UpdateTrackingStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusDelivered, updated.Status)
	require.NotNil(t, updated.DeliveredAt)
	assert.Equal(t, deliveredAt, *updated.DeliveredAt)
	require.NotNil(t, updated.ShippedAt)
	assert.Len(t, updated.Metadata.TrackingHistory, 2)
	assert.Equal(t, models.FulfillmentStatusFulfilled, f.store.orders[100].FulfillmentStatus)

	notified := len(f.notifier.updates)

	// same carrier answer again leaves the shipment as it was
	f.now = f.now.Add(time.Hour)
	again, err := f.orch.UpdateTrackingStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusDelivered, again.Status)
	assert.Equal(t, deliveredAt, *again.DeliveredAt)
	assert.Len(t, again.Metadata.TrackingHistory, 2)
	assert.Len(t, f.notifier.updates, notified)
}

func TestApplyTrackingSnapshot_Idempotent(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	occurred := time.Date(2024, 5, 11, 8, 0, 0, 0, time.UTC)
	snapshot := &models.TrackingSnapshot{
		TrackingNumber: s.TrackingNumber,
		Status:         models.TrackingStatusInTransit,
		StatusRaw:      "TRANSIT",
		History: []models.TrackingEvent{
			{Status: models.TrackingStatusInTransit, StatusRaw: "TRANSIT", Location: "Hub", Description: "Arrived at hub", OccurredAt: occurred},
		},
	}

	first, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, snapshot)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusInTransit, first.Status)
	require.NotNil(t, first.ShippedAt)

	second, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, snapshot)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusInTransit, second.Status)
	assert.Len(t, second.Metadata.TrackingHistory, 1)
	assert.Equal(t, *first.ShippedAt, *second.ShippedAt)
	assert.Nil(t, second.DeliveredAt)
}

func TestApplyTrackingSnapshot_NeverMovesBackwards(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	_, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &models.TrackingSnapshot{Status: models.TrackingStatusDelivered, StatusRaw: "DELIVERED"})
	require.NoError(t, err)

	late, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &models.TrackingSnapshot{Status: models.TrackingStatusInTransit, StatusRaw: "TRANSIT"})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusDelivered, late.Status)
	require.NotNil(t, late.DeliveredAt)
	assert.Equal(t, f.now, *late.DeliveredAt)
}

func TestHandleTrackingUpdate_TerminalShipmentUnchanged(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	delivered, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &models.TrackingSnapshot{
		TrackingNumber: s.TrackingNumber,
		Status:         models.TrackingStatusDelivered,
		StatusRaw:      "DELIVERED",
	})
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusDelivered, delivered.Status)
	notified := len(f.notifier.updates)

	f.now = f.now.Add(2 * time.Hour)
	eta := f.now.Add(48 * time.Hour)
	event := &models.TrackingUpdateReceivedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-late", EventType: models.EventTypeTrackingUpdateReceived, Timestamp: f.now},
		Snapshot: models.TrackingSnapshot{
			TrackingNumber: s.TrackingNumber,
			Status:         models.TrackingStatusInTransit,
			StatusRaw:      "TRANSIT",
			ETA:            &eta,
			History: []models.TrackingEvent{
				{Status: models.TrackingStatusInTransit, StatusRaw: "TRANSIT", Location: "Leeds", OccurredAt: f.now},
			},
		},
	}
	require.NoError(t, f.orch.HandleTrackingUpdate(ctx, event))
	assert.True(t, f.store.processed["evt-late"])

	current, err := f.orch.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusDelivered, current.Status)
	assert.Equal(t, delivered.Version, current.Version)
	assert.Equal(t, models.TrackingStatusDelivered, current.Metadata.TrackingStatus)
	assert.Equal(t, "DELIVERED", current.Metadata.TrackingStatusRaw)
	assert.Empty(t, current.Metadata.TrackingHistory)
	assert.Nil(t, current.Metadata.ETA)
	assert.Len(t, f.notifier.updates, notified)

	// the API path is a no-op as well
	same, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &event.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, delivered.Version, same.Version)
	assert.Equal(t, models.TrackingStatusDelivered, same.Metadata.TrackingStatus)
}

func TestApplyTrackingSnapshot_ExceptionKeepsStatus(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	updated, err := f.orch.ApplyTrackingSnapshot(ctx, s.ID, &models.TrackingSnapshot{Status: models.TrackingStatusException, StatusRaw: "EXCEPTION"})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusReadyToShip, updated.Status)
	assert.Equal(t, models.TrackingStatusException, updated.Metadata.TrackingStatus)
}

func TestUpdateTrackingStatus_NoTrackingNumber(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s, err := f.orch.CreateShipment(ctx, 100, CreateShipmentOptions{})
	require.NoError(t, err)

	_, err = f.orch.UpdateTrackingStatus(ctx, s.ID)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestHandleTrackingUpdate(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	event := &models.TrackingUpdateReceivedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-1", EventType: models.EventTypeTrackingUpdateReceived, Timestamp: f.now},
		Snapshot: models.TrackingSnapshot{
			TrackingNumber: s.TrackingNumber,
			Status:         models.TrackingStatusInTransit,
			StatusRaw:      "TRANSIT",
			History: []models.TrackingEvent{
				{Status: models.TrackingStatusInTransit, StatusRaw: "TRANSIT", OccurredAt: f.now},
			},
		},
	}

	require.NoError(t, f.orch.HandleTrackingUpdate(ctx, event))
	assert.True(t, f.store.processed["evt-1"])

	updated, err := f.orch.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusInTransit, updated.Status)
	version := updated.Version

	// a redelivered event is skipped entirely
	require.NoError(t, f.orch.HandleTrackingUpdate(ctx, event))
	updated, err = f.orch.GetShipment(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, version, updated.Version)
}

func TestHandleTrackingUpdate_UnknownTrackingNumber(t *testing.T) {
	f := newOrchestratorFixture(t)

	event := &models.TrackingUpdateReceivedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-2", EventType: models.EventTypeTrackingUpdateReceived},
		Snapshot:  models.TrackingSnapshot{TrackingNumber: "NOPE", Status: models.TrackingStatusDelivered},
	}

	require.NoError(t, f.orch.HandleTrackingUpdate(context.Background(), event))
	assert.True(t, f.store.processed["evt-2"])
}

func TestCancelShipment_RefundsLabel(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	cancelled, err := f.orch.CancelShipment(ctx, s.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, "customer request", cancelled.Metadata.CancelReason)
	assert.True(t, cancelled.Metadata.CarrierRefunded)
	assert.True(t, f.gateway.Cancelled(s.ExternalID))
	assert.Equal(t, models.FulfillmentStatusUnfulfilled, f.store.orders[100].FulfillmentStatus)

	// cancelling again is a no-op and a new shipment may be opened
	_, err = f.orch.CancelShipment(ctx, s.ID, "again")
	require.NoError(t, err)
	_, err = f.orch.CreateShipment(ctx, 100, CreateShipmentOptions{})
	require.NoError(t, err)
}

func TestCancelShipment_RefundRefusedStillCancels(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)
	f.gateway.RefuseRefund(s.ExternalID)

	cancelled, err := f.orch.CancelShipment(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.Metadata.CarrierRefunded)
}

func TestCancelShipment_ShippedCannotBeCancelled(t *testing.T) {
	statuses := []string{
		models.ShipmentStatusShipped,
		models.ShipmentStatusInTransit,
		models.ShipmentStatusDelivered,
		models.ShipmentStatusReturned,
	}

	for _, status := range statuses {
		t.Run(status, func(t *testing.T) {
			f := newOrchestratorFixture(t)
			ctx := context.Background()
			s := f.readyShipment(t)

			stored := f.store.shipments[s.ID]
			stored.Status = status

			_, err := f.orch.CancelShipment(ctx, s.ID, "too late")
			assert.ErrorIs(t, err, ErrConflict)

			after, err := f.orch.GetShipment(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, status, after.Status)
			assert.Nil(t, after.CancelledAt)
			assert.False(t, f.gateway.Cancelled(s.ExternalID))
		})
	}
}

func TestRefreshActiveShipments(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	f.gateway.SetTracking(models.TrackingSnapshot{TrackingNumber: s.TrackingNumber, Status: models.TrackingStatusInTransit, StatusRaw: "TRANSIT"})

	result, err := f.orch.RefreshActiveShipments(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Checked: 1, Succeeded: 1}, result)

	// nothing changed at the carrier since the last poll
	result, err = f.orch.RefreshActiveShipments(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Checked: 1}, result)

	f.gateway.FailNext("get_tracking", &carrier.Error{Op: "get_tracking", Carrier: "mock", Kind: carrier.KindUnavailable})
	result, err = f.orch.RefreshActiveShipments(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Checked: 1, Failed: 1}, result)

	_, ok, err := f.locker.AcquireLock(ctx, fmt.Sprintf("shipment:%d", s.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	result, err = f.orch.RefreshActiveShipments(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Checked: 1, Skipped: 1}, result)
}

func TestSave_VersionConflictIsRetryable(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	s := f.readyShipment(t)

	stale := *s
	stale.Version--
	err := f.orch.save(ctx, &stale)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsRetryable(err))
}
