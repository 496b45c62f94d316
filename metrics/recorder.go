// Package metrics exports engine and dispatcher measurements to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/flockledger/ledger"
)

// Result labels.
const (
	ResultOK          = "ok"
	ResultClientError = "client_error"
	ResultConflict    = "conflict"
	ResultError       = "error"
)

// Recorder implements ledger.Observer and notify.DeliveryObserver.
type Recorder struct {
	duration   *prometheus.HistogramVec
	results    *prometheus.CounterVec
	retries    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flockledger",
			Name:      "operation_duration_seconds",
			Help:      "Latency of ledger operations, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flockledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{"op", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flockledger",
			Name:      "commit_retries_total",
			Help:      "Units re-run after a concurrent modification.",
		}, []string{"op"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flockledger",
			Name:      "notification_deliveries_total",
			Help:      "Outbox delivery attempts by event kind and outcome.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(r.duration, r.results, r.retries, r.deliveries)
	return r
}

func (r *Recorder) ObserveOperation(op string, elapsed time.Duration, err error) {
	r.duration.WithLabelValues(op).Observe(elapsed.Seconds())
	r.results.WithLabelValues(op, classify(err)).Inc()
}

func (r *Recorder) ObserveRetry(op string) {
	r.retries.WithLabelValues(op).Inc()
}

func (r *Recorder) ObserveDelivery(kind ledger.EventKind, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.deliveries.WithLabelValues(string(kind), result).Inc()
}

func classify(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ledger.ErrRetriesExhausted), errors.Is(err, ledger.ErrConcurrentModification):
		return ResultConflict
	case ledger.IsClientError(err), ledger.IsNotFound(err):
		return ResultClientError
	default:
		return ResultError
	}
}
