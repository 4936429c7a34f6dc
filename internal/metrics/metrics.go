// Package metrics exports resolution statistics as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/resolver"
)

const namespace = "ubem"

// Stages label where a value came from.
const (
	StageSource   = "source"
	StageFallback = "fallback"
)

// Metrics records resolver reports and provider failures. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	values         *prometheus.CounterVec
	unresolved     *prometheus.GaugeVec
	skipped        *prometheus.CounterVec
	validation     *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		values: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_values_total",
			Help:      "Attribute values filled, by feature and stage (source provider or fallback method).",
		}, []string{"feature", "stage", "method"}),
		unresolved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feature_unresolved",
			Help:      "Buildings left without a valid value after the last resolution of a feature.",
		}, []string{"feature"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_skipped_total",
			Help:      "Buildings skipped for missing required inputs.",
		}, []string{"feature"}),
		validation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_actions_total",
			Help:      "Values changed by validation, by policy action.",
		}, []string{"feature", "action"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Source provider lookups that failed.",
		}, []string{"provider"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feature_resolve_seconds",
			Help:      "Wall time of one feature resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"feature"}),
	}

	for _, c := range []prometheus.Collector{m.values, m.unresolved, m.skipped, m.validation, m.providerErrors, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, eris.Wrap(err, "metrics: register")
		}
	}
	return m, nil
}

// ObserveReport implements resolver.Observer.
func (m *Metrics) ObserveReport(r *resolver.Report) {
	if m == nil || r == nil {
		return
	}
	for provider, n := range r.FromSources {
		m.values.WithLabelValues(r.Feature, StageSource, provider).Add(float64(n))
	}
	if r.FromFallback > 0 && r.Fallback != "" {
		m.values.WithLabelValues(r.Feature, StageFallback, r.Fallback).Add(float64(r.FromFallback))
	}
	m.unresolved.WithLabelValues(r.Feature).Set(float64(len(r.Unresolved)))
	m.skipped.WithLabelValues(r.Feature).Add(float64(len(r.Skipped)))

	v := r.Validation
	for action, n := range map[string]int{
		"coerced":   v.Coerced,
		"clipped":   v.Clipped,
		"defaulted": v.Defaulted,
		"nulled":    v.Nulled,
		"dropped":   v.Dropped,
	} {
		if n > 0 {
			m.validation.WithLabelValues(r.Feature, action).Add(float64(n))
		}
	}
	m.duration.WithLabelValues(r.Feature).Observe(r.Elapsed.Seconds())
}

// ProviderError counts a failed provider lookup. Its signature matches
// cascade.ErrorHook.
func (m *Metrics) ProviderError(provider string, _ error) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider).Inc()
}

// WriteTextfile dumps everything gathered by g in the Prometheus text
// format, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return eris.Wrapf(err, "metrics: write %s", path)
	}
	return nil
}
