// Package metrics exposes the engine's Prometheus metrics.
//
// Every collector registers on its own registry, so several engines (and
// tests) can live in one process without colliding on the default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dvm"

// Collector groups the counters, gauges and histograms of the service.
type Collector struct {
	registry *prometheus.Registry

	stageTotal     *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	jobsTotal      *prometheus.CounterVec
	jobsInFlight   prometheus.Gauge
	tokensTotal    prometheus.Counter
	invoicedSats   prometheus.Counter
	paidSats       prometheus.Counter
	reconcileRuns  *prometheus.CounterVec
	invoiceChecks  *prometheus.CounterVec
	relayPublish   *prometheus.CounterVec
	relayConnected *prometheus.GaugeVec
	engineOnline   prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_total",
			Help:      "Pipeline stage executions by outcome",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs that left the pipeline, by resulting status",
		}, []string{"status"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently running in the pool",
		}),
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_processed_total",
			Help:      "Tokens processed by the inference backend",
		}),
		invoicedSats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoiced_sats_total",
			Help:      "Sats requested through invoices",
		}),
		paidSats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paid_sats_total",
			Help:      "Sats received on settled invoices",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation passes by outcome",
		}, []string{"outcome"}),
		invoiceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_checks_total",
			Help:      "Invoice status checks by observed state",
		}, []string{"state"}),
		relayPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publish_total",
			Help:      "Events published per relay by outcome",
		}, []string{"relay", "outcome"}),
		relayConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "1 when the relay connection is up",
		}, []string{"relay"}),
		engineOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_online",
			Help:      "1 while the engine is online",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.stageTotal,
		c.stageDuration,
		c.jobsTotal,
		c.jobsInFlight,
		c.tokensTotal,
		c.invoicedSats,
		c.paidSats,
		c.reconcileRuns,
		c.invoiceChecks,
		c.relayPublish,
		c.relayConnected,
		c.engineOnline,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveStage(stage, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stageTotal.WithLabelValues(stage, outcome).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (c *Collector) RecordJob(status string) {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

func (c *Collector) JobFinished() {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
}

func (c *Collector) AddTokens(tokens int) {
	if c == nil || tokens <= 0 {
		return
	}
	c.tokensTotal.Add(float64(tokens))
}

func (c *Collector) AddInvoiced(sats int64) {
	if c == nil || sats <= 0 {
		return
	}
	c.invoicedSats.Add(float64(sats))
}

func (c *Collector) AddPaid(sats int64) {
	if c == nil || sats <= 0 {
		return
	}
	c.paidSats.Add(float64(sats))
}

func (c *Collector) RecordReconcile(outcome string) {
	if c == nil {
		return
	}
	c.reconcileRuns.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordInvoiceCheck(state string) {
	if c == nil {
		return
	}
	c.invoiceChecks.WithLabelValues(state).Inc()
}

func (c *Collector) RecordPublish(relay string, ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.relayPublish.WithLabelValues(relay, outcome).Inc()
}

func (c *Collector) SetRelayConnected(relay string, connected bool) {
	if c == nil {
		return
	}
	c.relayConnected.WithLabelValues(relay).Set(boolGauge(connected))
}

func (c *Collector) SetEngineOnline(online bool) {
	if c == nil {
		return
	}
	c.engineOnline.Set(boolGauge(online))
}

func boolGauge(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
