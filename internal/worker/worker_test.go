package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"shipping-service/internal/broker"
	"shipping-service/internal/models"
	"shipping-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockUpdater struct {
	mock.Mock
}

func (m *mockUpdater) HandleTrackingUpdate(ctx context.Context, event *models.TrackingUpdateReceivedEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockUpdater) RefreshActiveShipments(ctx context.Context, limit int) (service.BatchResult, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(service.BatchResult), args.Error(1)
}

func (m *mockUpdater) RetryFailedLabels(ctx context.Context, limit int) (service.BatchResult, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(service.BatchResult), args.Error(1)
}

func TestShouldRedeliver(t *testing.T) {
	assert.False(t, shouldRedeliver(fmt.Errorf("%w: bad json", broker.ErrMalformedEvent)))
	assert.False(t, shouldRedeliver(fmt.Errorf("%w: empty snapshot", service.ErrValidation)))
	assert.True(t, shouldRedeliver(fmt.Errorf("%w: shipment:1", service.ErrBusy)))
	assert.True(t, shouldRedeliver(errors.New("connection reset")))
}

func TestTrackingPoller_RunOnce(t *testing.T) {
	updater := new(mockUpdater)
	updater.On("RefreshActiveShipments", mock.Anything, 25).Return(service.BatchResult{Checked: 2, Succeeded: 1}, nil).Once()
	updater.On("RetryFailedLabels", mock.Anything, 25).Return(service.BatchResult{}, errors.New("db down")).Once()

	p := NewTrackingPoller(updater, time.Minute, 25)
	p.RunOnce(context.Background())

	updater.AssertExpectations(t)
}

func TestTrackingPoller_DefaultBatchSize(t *testing.T) {
	p := NewTrackingPoller(new(mockUpdater), time.Minute, 0)
	assert.Equal(t, 100, p.batchSize)
}

func TestTrackingPoller_StopsWithContext(t *testing.T) {
	updater := new(mockUpdater)
	updater.On("RefreshActiveShipments", mock.Anything, 10).Return(service.BatchResult{}, nil)
	ran := make(chan struct{}, 1)
	updater.On("RetryFailedLabels", mock.Anything, 10).Return(service.BatchResult{}, nil).Run(func(mock.Arguments) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewTrackingPoller(updater, time.Hour, 10).Start(ctx)
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("poller did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
