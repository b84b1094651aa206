package hooks

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is a core.MetricsCollector backed by client_golang.
type PrometheusMetrics struct {
	stepDuration *prometheus.HistogramVec
	stepErrors   *prometheus.CounterVec
	throughput   prometheus.Counter
	memory       prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors under namespace and registers
// them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent in each pipeline step.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"step"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Pipeline step failures by error category.",
		}, []string{"step", "category"}),
		throughput: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Encoded bytes produced by completed runs.",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_bitmap_bytes",
			Help:      "Approximate size of the most recent decoded bitmap.",
		}),
	}
	for _, c := range []prometheus.Collector{m.stepDuration, m.stepErrors, m.throughput, m.memory} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordProcessingTime(stepName string, d interface{ Seconds() float64 }) {
	m.stepDuration.WithLabelValues(stepName).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordThroughput(bytes int64) {
	m.throughput.Add(float64(bytes))
}

func (m *PrometheusMetrics) RecordMemory(bytes int64) {
	m.memory.Set(float64(bytes))
}

func (m *PrometheusMetrics) RecordError(stepName string, category string) {
	m.stepErrors.WithLabelValues(stepName, category).Inc()
}
