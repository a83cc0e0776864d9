// Package telemetry owns logger construction and the Prometheus collectors
// shared by the api and worker binaries.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Production config emits JSON; dev
// emits console encoding with colors disabled for log shippers.
func NewLogger(env, service string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "prod" || env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.Fields(zap.String("service", service)))
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// Metrics is the collector set registered once per process.
type Metrics struct {
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	RetriesTotal prometheus.Counter
	QueueDepth   prometheus.Gauge
	DLQDepth     prometheus.Gauge
	BudgetSpent  *prometheus.GaugeVec
	BreakerState *prometheus.GaugeVec
	InFlight     prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurea",
			Name:      "tasks_total",
			Help:      "Tasks by type and terminal status.",
		}, []string{"type", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aurea",
			Name:      "task_duration_seconds",
			Help:      "Handler execution time by type.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"type"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aurea",
			Name:      "retries_total",
			Help:      "Task retries requeued.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aurea",
			Name:      "queue_depth",
			Help:      "Main stream length.",
		}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aurea",
			Name:      "dlq_depth",
			Help:      "Dead-letter stream length.",
		}),
		BudgetSpent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aurea",
			Name:      "budget_spent_usd",
			Help:      "Spend recorded today per provider.",
		}, []string{"provider"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aurea",
			Name:      "circuit_state",
			Help:      "Breaker state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aurea",
			Name:      "worker_inflight",
			Help:      "Executions currently holding a semaphore slot.",
		}),
	}
	reg.MustRegister(
		m.TasksTotal, m.TaskDuration, m.RetriesTotal,
		m.QueueDepth, m.DLQDepth, m.BudgetSpent, m.BreakerState, m.InFlight,
	)
	return m
}
