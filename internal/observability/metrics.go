package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_samples_ingested_total",
		Help: "Accepted position samples",
	})
	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_samples_rejected_total",
		Help: "Rejected position samples by validation reason",
	}, []string{"reason"})
	SubscriberOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_subscriber_overflow_total",
		Help: "Events dropped due to slow subscribers",
	})
	DeviationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_deviation_transitions_total",
		Help: "Confirmed deviation state transitions",
	}, []string{"direction"})
	VehiclesOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_vehicles_offline_total",
		Help: "Vehicles transitioned to offline by the sweep",
	})
	BillingDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_billing_denied_total",
		Help: "Mapping API calls refused by the budget gate",
	}, []string{"kind"})
	FeedDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_feed_decode_errors_total",
		Help: "Inbound feed payloads that failed normalisation",
	})
	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_ingest_latency_seconds",
		Help:    "Latency of the validate-analyze-deviate pipeline per sample",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveIngestLatency records one pipeline pass.
func ObserveIngestLatency(start time.Time) {
	IngestLatency.Observe(time.Since(start).Seconds())
}
