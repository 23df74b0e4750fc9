// Package metrics provides Prometheus instrumentation for Sentinel.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsScoredTotal counts scored transactions by severity and mode.
	TransactionsScoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "transactions_scored_total",
			Help:      "Total transactions scored by severity and scoring mode.",
		},
		[]string{"severity", "mode"},
	)

	// ScoringDuration observes end-to-end scoring latency.
	ScoringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "scoring_duration_seconds",
			Help:      "Time spent scoring a single transaction.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	// CompositeScore observes the distribution of composite scores.
	CompositeScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "composite_score",
			Help:      "Distribution of composite risk scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// DuplicateTransactionsTotal counts ingestions rejected by external ID.
	DuplicateTransactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "duplicate_transactions_total",
			Help:      "Transactions skipped because their external ID was already scored.",
		},
	)

	// AlertsTotal counts alert decisions by severity and type.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "alerts_total",
			Help:      "Total alert decisions by severity and alert type.",
		},
		[]string{"severity", "type"},
	)

	// AlertDeliveriesTotal counts alert deliveries by channel and result.
	AlertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "alert_deliveries_total",
			Help:      "Total alert deliveries by channel (bus, webhook) and result.",
		},
		[]string{"channel", "result"},
	)

	// TrackedSenders reports senders held in the velocity tracker.
	TrackedSenders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "velocity_tracked_senders",
			Help:      "Number of senders with live velocity state.",
		},
	)

	// ActiveRules reports the size of the installed rule snapshot.
	ActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "active_rules",
			Help:      "Number of rules in the active snapshot.",
		},
	)

	// WorkerMessagesTotal counts bus messages handled by the worker.
	WorkerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "worker_messages_total",
			Help:      "Messages consumed by the async worker by result.",
		},
		[]string{"result"},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "db_open_connections",
		Help:      "Number of established database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "db_in_use_connections",
		Help:      "Number of database connections currently in use.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "goroutines",
		Help:      "Number of running goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsScoredTotal,
		ScoringDuration,
		CompositeScore,
		DuplicateTransactionsTotal,
		AlertsTotal,
		AlertDeliveriesTotal,
		TrackedSenders,
		ActiveRules,
		WorkerMessagesTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
