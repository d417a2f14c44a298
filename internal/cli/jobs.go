package cli

import (
	"context"
	"fmt"

	"shipping-service/internal/broker"
	"shipping-service/internal/service"

	"github.com/spf13/cobra"
)

var jobLimit int

var trackingCmd = &cobra.Command{
	Use:   "tracking",
	Short: "Tracking jobs",
}

var trackingRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Poll the carrier for every active shipment once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, "tracking refresh", (*service.FulfillmentOrchestrator).RefreshActiveShipments)
	},
}

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Label jobs",
}

var labelsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry label purchases that failed with a transient error",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, "label retry", (*service.FulfillmentOrchestrator).RetryFailedLabels)
	},
}

func init() {
	rootCmd.AddCommand(trackingCmd, labelsCmd)
	trackingCmd.AddCommand(trackingRefreshCmd)
	labelsCmd.AddCommand(labelsRetryCmd)

	for _, c := range []*cobra.Command{trackingRefreshCmd, labelsRetryCmd} {
		c.Flags().IntVar(&jobLimit, "limit", 100, "Maximum shipments to process")
	}
}

type batchJob func(o *service.FulfillmentOrchestrator, ctx context.Context, limit int) (service.BatchResult, error)

func runJob(cmd *cobra.Command, name string, job batchJob) error {
	e, err := connect(true)
	if err != nil {
		return err
	}
	defer e.Close()

	producer := broker.NewProducer(e.cfg.Kafka.Brokers, e.cfg.Kafka.TopicShipmentEvents)
	defer producer.Close()

	orchestrator := service.NewFulfillmentOrchestrator(
		e.store, e.gateway, e.redis,
		broker.NewEventPublisher(producer, nil),
		e.cfg.Shipping, e.cfg.Carrier.AllowRateFallback,
	)

	res, err := job(orchestrator, cmd.Context(), jobLimit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: checked=%d succeeded=%d failed=%d skipped=%d\n",
		name, res.Checked, res.Succeeded, res.Failed, res.Skipped)
	return nil
}
