// Package metrics exposes Prometheus collectors for the combiner.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/obsidianstack/combiner/internal/combine"
)

const namespace = "combiner"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	batches       prometheus.Counter
	updates       prometheus.Counter
	published     prometheus.Counter
	skipped       *prometheus.CounterVec
	subErrors     prometheus.Counter
	emitErrors    prometheus.Counter
	running       prometheus.Gauge
	outputs       *prometheus.GaugeVec
	batchDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Update batches processed.",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Numeric path updates applied to the value store.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_values_total",
			Help:      "Combined values handed to the sink.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_skips_total",
			Help:      "Rules skipped during evaluation, by reason.",
		}, []string{"output", "reason"}),
		subErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Errors reported by the subscription source.",
		}),
		emitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emit_errors_total",
			Help:      "Output batches the sink failed to accept.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while the engine is running.",
		}),
		outputs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_value",
			Help:      "Last published value per output path.",
		}, []string{"path"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to apply and evaluate one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
	reg.MustRegister(
		m.batches, m.updates, m.published, m.skipped,
		m.subErrors, m.emitErrors, m.running, m.outputs, m.batchDuration,
	)
	return m
}

// ObserveBatch records one processed batch.
func (m *Metrics) ObserveBatch(updates int, took time.Duration) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.updates.Add(float64(updates))
	m.batchDuration.Observe(took.Seconds())
}

// Published records outputs accepted by the sink.
func (m *Metrics) Published(outputs []combine.Update) {
	if m == nil {
		return
	}
	m.published.Add(float64(len(outputs)))
	for _, o := range outputs {
		m.outputs.WithLabelValues(o.Path).Set(o.Value)
	}
}

// Skip has the combine.SkipFunc signature.
func (m *Metrics) Skip(r combine.Rule, reason combine.SkipReason) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(r.Output, string(reason)).Inc()
}

// SubscriptionError counts one source error.
func (m *Metrics) SubscriptionError() {
	if m == nil {
		return
	}
	m.subErrors.Inc()
}

// EmitError counts one failed emission.
func (m *Metrics) EmitError() {
	if m == nil {
		return
	}
	m.emitErrors.Inc()
}

// SetRunning sets the running gauge. Stopping also forgets output values so
// stale readings are not scraped.
func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
	m.outputs.Reset()
}
