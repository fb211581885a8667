package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes.
const (
	OutcomeAck          = "ack"
	OutcomeRequeue      = "requeue"
	OutcomeDeadLetter   = "dead_letter"
	OutcomeSettleFailed = "settle_failed"
)

var (
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mp3converter_uploads_total",
		Help: "Upload attempts by result",
	}, []string{"result"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mp3converter_deliveries_total",
		Help: "Queue deliveries handled, by queue and outcome",
	}, []string{"queue", "outcome"})

	HandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mp3converter_handle_duration_seconds",
		Help:    "Time spent handling one delivery",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"queue"})

	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mp3converter_in_flight",
		Help: "Deliveries currently being handled",
	}, []string{"queue"})

	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mp3converter_rollbacks_total",
		Help: "Compensating deletes by store and result",
	}, []string{"store", "result"})

	RecoveredMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mp3converter_recovered_messages_total",
		Help: "In-flight messages of dead consumers put back on the queue",
	}, []string{"queue"})
)

// Rollback counts one compensating delete.
func Rollback(store string, err error) {
	result := "ok"
	if err != nil {
		result = "leaked"
	}
	Rollbacks.WithLabelValues(store, result).Inc()
}
