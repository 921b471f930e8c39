package proxyengine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the condensation proxy. These extend spec §6's
// {inputMessages, outputBatches} with the per-component gauges SPEC_FULL
// §2 adds (enableMetrics gates registration, mirroring the teacher's
// MetricsInterval-gated reporter).
var (
	inputMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condense_input_messages_total",
		Help: "Total number of messages admitted into the condensation buffer",
	})

	outputBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condense_output_batches_total",
		Help: "Total number of condensed envelopes sent to the delegate",
	})

	bufferedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "condense_buffered_messages",
		Help: "Current number of messages buffered awaiting condensation",
	})

	flushPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "condense_flush_pass_duration_seconds",
		Help:    "Duration of a single flush pass (scheduled or forced)",
		Buckets: prometheus.DefBuckets,
	})

	envelopeSendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condense_envelope_send_failures_total",
		Help: "Total number of condensed-envelope delegate sends that failed",
	})

	// consumerQueueDropped is registered with the others, but nothing in
	// this module increments it: consumerproxy logs its queue drops without
	// counting them, so the counter stays at zero.
	consumerQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condense_consumer_queue_dropped_total",
		Help: "Total number of expanded messages dropped because the consumer's internal queue was full",
	})

	metricsRegistered bool
)

// RegisterMetrics registers the proxy's Prometheus collectors exactly once.
// Safe to call multiple times; only the first call with enabled=true takes
// effect.
func RegisterMetrics(enabled bool) {
	if !enabled || metricsRegistered {
		return
	}
	metricsRegistered = true
	prometheus.MustRegister(
		inputMessagesTotal,
		outputBatchesTotal,
		bufferedMessages,
		flushPassDuration,
		envelopeSendFailures,
		consumerQueueDropped,
	)
}

// MetricsHandler exposes the standard Prometheus scrape endpoint, the same
// thin wrapper the teacher's metrics.go uses around promhttp.Handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
