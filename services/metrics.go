package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bündelt die Prometheus-Kennzahlen der Pipeline.
type Metrics struct {
	IDsMinted        *prometheus.CounterVec
	IDsReused        *prometheus.CounterVec
	AmbiguousMerges  *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	StepFailures     *prometheus.CounterVec
	DownloadsChanged *prometheus.CounterVec
}

// NewMetrics erstellt die Kennzahlen und registriert sie bei reg (nil = nicht registrieren).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IDsMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_ids_minted_total",
			Help: "Total number of newly minted consolidated identifiers.",
		}, []string{"entity"}),
		IDsReused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_ids_reused_total",
			Help: "Total number of identifiers reused from the ID map.",
		}, []string{"entity"}),
		AmbiguousMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_ambiguous_merges_total",
			Help: "Duplicate rows a comparator could not rank, resolved first-wins.",
		}, []string{"entity"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_step_duration_seconds",
			Help:    "Duration of pipeline steps.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"category", "step", "kind"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_step_failures_total",
			Help: "Total number of failed pipeline steps.",
		}, []string{"category", "step"}),
		DownloadsChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_downloads_changed_total",
			Help: "Downloads whose content differed from the previous version.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.IDsMinted, m.IDsReused, m.AmbiguousMerges, m.StepDuration, m.StepFailures, m.DownloadsChanged)
	}
	return m
}
