package worker

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
)

// Metrics holds the worker's Prometheus instruments
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	TaskDuration    prometheus.Histogram
	RateLimitSleeps prometheus.Counter
	SkippedDomains  prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexo_tasks_processed_total",
			Help: "Tasks processed, by goal type and result",
		}, []string{"type", "result"}),
		FailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexo_task_failures_total",
			Help: "Terminal task failures by reason",
		}, []string{"reason"}),
		TaskDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexo_task_duration_seconds",
			Help:    "Wall-clock time per processed task",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RateLimitSleeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexo_rate_limit_sleeps_total",
			Help: "Times the worker slept on a coordinator 429",
		}),
		SkippedDomains: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexo_skipped_domains_total",
			Help: "Tasks skipped because domain memory wrote the domain off",
		}),
	}
}

// ObserveTask records one processed task
func (m *Metrics) ObserveTask(taskType, result string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(taskType, result).Inc()
	m.TaskDuration.Observe(duration.Seconds())
}

// Serve exposes /metrics when enabled. Runs until the process exits.
func Serve(config common.MetricsConfig, logger arbor.ILogger) {
	if !config.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", config.Port)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Msg("Metrics endpoint stopped")
		}
	}()
}
