package worker

import (
	"context"
	"errors"
	"time"

	"shipping-service/internal/broker"
	"shipping-service/internal/models"
	"shipping-service/internal/service"
	"shipping-service/internal/util"

	"go.uber.org/zap"
)

// TrackingUpdater applies tracking updates and runs the scheduled jobs.
// *service.FulfillmentOrchestrator implements it.
type TrackingUpdater interface {
	HandleTrackingUpdate(ctx context.Context, event *models.TrackingUpdateReceivedEvent) error
	RefreshActiveShipments(ctx context.Context, limit int) (service.BatchResult, error)
	RetryFailedLabels(ctx context.Context, limit int) (service.BatchResult, error)
}

var _ TrackingUpdater = (*service.FulfillmentOrchestrator)(nil)

// TrackingWorker consumes carrier tracking updates from Kafka
type TrackingWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewTrackingWorker creates a new tracking worker
func NewTrackingWorker(consumer *broker.Consumer, updater TrackingUpdater) *TrackingWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnTrackingUpdate(updater.HandleTrackingUpdate)

	return &TrackingWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *TrackingWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting tracking worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage, shouldRedeliver)
}

// Stop stops the worker
func (w *TrackingWorker) Stop() error {
	w.logger.Info("Stopping tracking worker")
	return w.consumer.Close()
}

// shouldRedeliver keeps transient failures on the topic. Malformed messages
// and updates rejected by validation are dropped.
func shouldRedeliver(err error) bool {
	if errors.Is(err, broker.ErrMalformedEvent) || errors.Is(err, service.ErrValidation) {
		return false
	}
	return true
}

// TrackingPoller refreshes tracking of shipments in flight and retries failed
// label purchases on a fixed interval
type TrackingPoller struct {
	updater   TrackingUpdater
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewTrackingPoller creates a new tracking poller
func NewTrackingPoller(updater TrackingUpdater, interval time.Duration, batchSize int) *TrackingPoller {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TrackingPoller{
		updater:   updater,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start runs a pass immediately and then once per interval until ctx is done
func (p *TrackingPoller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.Info("Tracking poller disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	p.logger.Info("Starting tracking poller", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.RunOnce(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("Tracking poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one tracking refresh and one label retry pass
func (p *TrackingPoller) RunOnce(ctx context.Context) {
	if _, err := p.updater.RefreshActiveShipments(ctx, p.batchSize); err != nil && ctx.Err() == nil {
		p.logger.Error("Tracking refresh failed", zap.Error(err))
	}
	if _, err := p.updater.RetryFailedLabels(ctx, p.batchSize); err != nil && ctx.Err() == nil {
		p.logger.Error("Label retry failed", zap.Error(err))
	}
}
