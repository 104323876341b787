// Package metrics exposes Prometheus instrumentation for the task pipeline.
// Counters are incremented inline by the orchestrator, worker, and
// housekeeper; depth gauges are refreshed from Redis and the scanner registry
// by a background poller started in Register.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/taskstore"
)

const depthPollInterval = 15 * time.Second

// Scan durations run minutes to hours, so the default sub-10s buckets are
// useless here.
var durationBuckets = []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400}

var (
	registerOnce sync.Once

	tasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scand",
		Name:      "tasks_submitted_total",
		Help:      "Number of scan tasks accepted and enqueued.",
	}, []string{"pool", "scan_type"})
	tasksDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scand",
		Name:      "tasks_deduplicated_total",
		Help:      "Number of submissions answered by idempotency replay.",
	}, []string{"pool"})

	scansCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scand",
		Name:      "scans_completed_total",
		Help:      "Number of scans that completed with a valid artifact.",
	}, []string{"pool"})
	scansFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scand",
		Name:      "scans_failed_total",
		Help:      "Number of scans that ended FAILED.",
	}, []string{"pool"})
	scansTimedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scand",
		Name:      "scans_timed_out_total",
		Help:      "Number of scans that exceeded the task deadline.",
	}, []string{"pool"})
	tasksRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scand",
		Name:      "tasks_recovered_total",
		Help:      "Number of abandoned RUNNING tasks force-failed by the housekeeper.",
	}, []string{"pool"})

	scanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scand",
		Name:      "scan_duration_seconds",
		Help:      "Wall-clock duration of scans from start to settlement.",
		Buckets:   durationBuckets,
	}, []string{"pool", "scan_type"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scand",
		Name:      "queue_depth",
		Help:      "Number of queued tasks per scanner pool.",
	}, []string{"pool"})
	dlqDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scand",
		Name:      "dlq_depth",
		Help:      "Number of dead-lettered tasks per scanner pool.",
	}, []string{"pool"})
	scannerInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scand",
		Name:      "scanner_in_flight",
		Help:      "Number of scans currently holding capacity per pool.",
	}, []string{"pool"})
)

// Register installs the collectors on the default registry and starts the
// depth poller. Safe to call more than once; only the first call acts.
func Register(q *queue.Queue, r *registry.Registry) {
	registerOnce.Do(func() {
		if q == nil || r == nil {
			return
		}

		prometheus.MustRegister(
			tasksSubmitted,
			tasksDeduplicated,
			scansCompleted,
			scansFailed,
			scansTimedOut,
			tasksRecovered,
			scanDuration,
			queueDepth,
			dlqDepth,
			scannerInFlight,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "scand",
				Name:      "queue_depth_total",
				Help:      "Number of queued tasks across all pools.",
			}, func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				var total int64
				for _, pool := range r.ListPools() {
					depth, err := q.Depth(ctx, pool)
					if err != nil {
						continue
					}
					total += depth
				}
				return float64(total)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "scand",
				Name:      "dlq_depth_total",
				Help:      "Number of dead-lettered tasks across all pools.",
			}, func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				var total int64
				for _, pool := range r.ListPools() {
					depth, err := q.DLQDepth(ctx, pool)
					if err != nil {
						continue
					}
					total += depth
				}
				return float64(total)
			}),
		)

		go pollDepths(q, r)
	})
}

func pollDepths(q *queue.Queue, r *registry.Registry) {
	tick := time.NewTicker(depthPollInterval)
	defer tick.Stop()
	for {
		refreshDepths(q, r)
		<-tick.C
	}
}

func refreshDepths(q *queue.Queue, r *registry.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, pool := range r.ListPools() {
		if depth, err := q.Depth(ctx, pool); err == nil {
			queueDepth.WithLabelValues(pool).Set(float64(depth))
		}
		if depth, err := q.DLQDepth(ctx, pool); err == nil {
			dlqDepth.WithLabelValues(pool).Set(float64(depth))
		}
		scannerInFlight.WithLabelValues(pool).Set(float64(r.InFlight(pool)))
	}
}

// TaskSubmitted counts an accepted submission.
func TaskSubmitted(pool string, scanType taskstore.ScanType) {
	tasksSubmitted.WithLabelValues(pool, string(scanType)).Inc()
}

// TaskDeduplicated counts a submission answered from the idempotency store.
func TaskDeduplicated(pool string) {
	tasksDeduplicated.WithLabelValues(pool).Inc()
}

// TaskRecovered counts a housekeeper force-fail of an abandoned task.
func TaskRecovered(pool string) {
	tasksRecovered.WithLabelValues(pool).Inc()
}

// ScanSettled records the terminal outcome of one scan. A zero duration is
// skipped, which covers tasks that failed before the remote scan started.
func ScanSettled(pool string, scanType taskstore.ScanType, status taskstore.Status, duration time.Duration) {
	switch status {
	case taskstore.StatusCompleted:
		scansCompleted.WithLabelValues(pool).Inc()
	case taskstore.StatusFailed:
		scansFailed.WithLabelValues(pool).Inc()
	case taskstore.StatusTimeout:
		scansTimedOut.WithLabelValues(pool).Inc()
	default:
		return
	}
	if duration > 0 {
		scanDuration.WithLabelValues(pool, string(scanType)).Observe(duration.Seconds())
	}
}
