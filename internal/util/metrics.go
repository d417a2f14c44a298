package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ShippingQuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipping_quotes_total",
		Help: "Total number of shipping quote calculations",
	}, []string{"source", "result"})

	ShippingQuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shipping_quote_latency_seconds",
		Help:    "Latency of shipping quote calculations",
		Buckets: prometheus.DefBuckets,
	})

	ShippingMethodsExcludedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipping_methods_excluded_total",
		Help: "Total number of methods removed by special-handling rules",
	}, []string{"class"})

	RateOverlapDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipping_rate_overlap_detected_total",
		Help: "Total number of rate lookups that matched more than one band",
	})

	CarrierRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carrier_request_duration_seconds",
		Help:    "Latency of carrier gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"carrier", "operation"})

	CarrierRequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrier_request_errors_total",
		Help: "Total number of failed carrier gateway calls",
	}, []string{"carrier", "operation", "kind"})

	ShipmentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipments_created_total",
		Help: "Total number of shipments created",
	})

	LabelsPurchasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipping_labels_purchased_total",
		Help: "Total number of carrier labels purchased",
	})

	LabelPurchaseFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipping_label_failures_total",
		Help: "Total number of failed label purchases",
	}, []string{"kind"})

	ShipmentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipment_transitions_total",
		Help: "Total number of shipment status transitions",
	}, []string{"from", "to"})

	ShipmentsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipments_cancelled_total",
		Help: "Total number of cancelled shipments",
	})

	TrackingUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_updates_total",
		Help: "Total number of tracking snapshots applied",
	}, []string{"source", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
