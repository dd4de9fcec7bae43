// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delivery"

type Metrics struct {
	reg *prometheus.Registry

	Sends      *prometheus.CounterVec
	Requests   *prometheus.CounterVec
	Refreshes  prometheus.Counter
	Retries    prometheus.Counter
	Resolved   prometheus.Counter
	Journaled  prometheus.CounterFunc
	Dropped    prometheus.CounterFunc
	LocalEchos prometheus.GaugeFunc
}

type Sources struct {
	// Sending reports how many local echoes await confirmation.
	Sending   func() float64
	Journaled func() float64
	Dropped   func() float64
}

func New(src Sources) *Metrics {
	zero := func() float64 { return 0 }
	if src.Sending == nil {
		src.Sending = zero
	}
	if src.Journaled == nil {
		src.Journaled = zero
	}
	if src.Dropped == nil {
		src.Dropped = zero
	}

	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Terminal send outcomes by result.",
		}, []string{"outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handed to the transport by method.",
		}, []string{"method"}),
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_reference_refreshes_total",
			Help:      "File reference refreshes started by sends.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_reference_retries_total",
			Help:      "Requests resubmitted after a successful reference refresh.",
		}),
		Resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aux_data_callbacks_total",
			Help:      "Auxiliary data callbacks fired.",
		}),
		Journaled: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_records_written_total",
			Help:      "Lifecycle records persisted by the journal writer.",
		}, src.Journaled),
		Dropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_records_dropped_total",
			Help:      "Lifecycle records dropped because the journal buffer was full.",
		}, src.Dropped),
		LocalEchos: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_echoes_sending",
			Help:      "Local echoes waiting for server confirmation.",
		}, src.Sending),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Sends, m.Requests, m.Refreshes, m.Retries, m.Resolved,
		m.Journaled, m.Dropped, m.LocalEchos,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
