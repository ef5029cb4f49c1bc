// Package prometheus bridges authcore counters into a Prometheus
// collector. The exporter never registers itself globally; callers
// either add it to their own registry or mount [Exporter.Handler].
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authcore "github.com/brightclass/authcore"
)

// MetricsSource supplies counter values on each scrape. *authcore.Service
// satisfies it.
type MetricsSource interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
}

type exportedCounter struct {
	id   authcore.MetricID
	desc *prometheus.Desc
}

// Exporter is a [prometheus.Collector] reading from a [MetricsSource].
type Exporter struct {
	source   MetricsSource
	counters []exportedCounter
	dropped  *prometheus.Desc
}

// NewExporter builds a collector for the given source.
func NewExporter(source MetricsSource) *Exporter {
	defs := authcore.CounterDefs()
	counters := make([]exportedCounter, 0, len(defs))
	for _, def := range defs {
		counters = append(counters, exportedCounter{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}

	return &Exporter{
		source:   source,
		counters: counters,
		dropped:  prometheus.NewDesc("authcore_audit_dropped_total", "Audit events discarded under backpressure.", nil, nil),
	}
}

// Describe implements [prometheus.Collector].
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range e.counters {
		ch <- c.desc
	}
	ch <- e.dropped
}

// Collect implements [prometheus.Collector].
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(snapshot.Counters[c.id]))
	}
	ch <- prometheus.MustNewConstMetric(e.dropped, prometheus.CounterValue, float64(e.source.AuditDropped()))
}

// Handler serves the exposition format from a private registry.
func (e *Exporter) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(e)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
