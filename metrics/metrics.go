// Package metrics exposes the federation engine's Prometheus collectors.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	activities   *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	jobs         *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedengine_activities_total",
			Help: "Inbound activities handled, by kind and result.",
		}, []string{"kind", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedengine_deliveries_total",
			Help: "Outbound delivery attempts, by outcome.",
		}, []string{"outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedengine_jobs_total",
			Help: "Queue jobs finished, by class and outcome.",
		}, []string{"class", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedengine_cache_lookups_total",
			Help: "Cache tier lookups, by namespace, tier and hit.",
		}, []string{"namespace", "tier", "hit"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fedengine_queue_depth",
			Help: "Pending jobs per queue class.",
		}, []string{"class"}),
	}

	reg.MustRegister(c.activities, c.deliveries, c.jobs, c.cacheLookups, c.queueDepth)
	return c
}

func (c *Collector) Activity(kind, result string) {
	if c == nil {
		return
	}
	c.activities.WithLabelValues(kind, result).Inc()
}

func (c *Collector) Delivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

func (c *Collector) Job(class, outcome string) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(class, outcome).Inc()
}

func (c *Collector) CacheLookup(ns, tier string, hit bool) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(ns, tier, strconv.FormatBool(hit)).Inc()
}

func (c *Collector) QueueDepth(class string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(class).Set(float64(n))
}

// Handler serves the scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
