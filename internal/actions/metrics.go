package actions

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "formsink"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "queue_size",
			Help:      "Number of work items in the queue by status",
		},
		[]string{"status"},
	)

	oldestPendingAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest claimable work item",
		},
	)

	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "executions_total",
			Help:      "Work item execution outcomes",
		},
		[]string{"module", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "execution_duration_seconds",
			Help:      "Time spent executing one action",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"module"},
	)

	itemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "queue_claimed_total",
			Help:      "Total work items claimed by workers",
		},
	)

	itemsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "queue_recovered_total",
			Help:      "Work items returned to the pool after a stale claim",
		},
	)

	itemsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "queue_reaped_total",
			Help:      "Terminal work items deleted past retention",
		},
		[]string{"status"},
	)
)

func recordExecution(module, status string) {
	executionsTotal.WithLabelValues(module, status).Inc()
}

func recordExecutionDuration(module string, duration time.Duration) {
	executionDuration.WithLabelValues(module).Observe(duration.Seconds())
}

func recordItemsClaimed(count int) {
	itemsClaimed.Add(float64(count))
}

func recordItemsRecovered(count int64) {
	itemsRecovered.Add(float64(count))
}

func recordItemsReaped(status string, count int64) {
	itemsReaped.WithLabelValues(status).Add(float64(count))
}

// RecordQueueStats updates queue gauges from a stats snapshot.
func RecordQueueStats(stats *QueueStats) {
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(StatusCompleted)).Set(float64(stats.Completed))
	queueSize.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
	oldestPendingAge.Set(stats.OldestPendingAge.Seconds())
}
