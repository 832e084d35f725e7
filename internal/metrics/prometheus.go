package metrics

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recap"

var (
	opCountDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "operation", "total"),
		"Completed operations by type.",
		[]string{"op"}, nil,
	)
	opSecondsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "operation", "seconds_total"),
		"Time spent in completed operations by type.",
		[]string{"op"}, nil,
	)
	tokensDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "llm", "tokens_total"),
		"Estimated LLM tokens by operation and direction.",
		[]string{"op", "direction"}, nil,
	)
	eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_total"),
		"Pipeline events such as submitted, failed or requeued jobs.",
		[]string{"event"}, nil,
	)
	uptimeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "uptime_seconds"),
		"Seconds since the collector was created.",
		nil, nil,
	)
)

// exporter publishes the collector's aggregates in Prometheus form. Values
// are read at scrape time, so the collector stays the single source of truth
// for both /stats and /metrics.
type exporter struct {
	c *Collector
}

// Exporter returns a prometheus.Collector backed by c.
func (c *Collector) Exporter() prometheus.Collector {
	return exporter{c: c}
}

func (e exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- opCountDesc
	ch <- opSecondsDesc
	ch <- tokensDesc
	ch <- eventsDesc
	ch <- uptimeDesc
}

func (e exporter) Collect(ch chan<- prometheus.Metric) {
	c := e.c
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, op := range sortedKeys(c.ops) {
		m := c.ops[op]
		ch <- prometheus.MustNewConstMetric(opCountDesc, prometheus.CounterValue, float64(m.Count), op)
		ch <- prometheus.MustNewConstMetric(opSecondsDesc, prometheus.CounterValue, m.TotalTime.Seconds(), op)
		if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
			ch <- prometheus.MustNewConstMetric(tokensDesc, prometheus.CounterValue, float64(m.TotalInputTokens), op, "input")
			ch <- prometheus.MustNewConstMetric(tokensDesc, prometheus.CounterValue, float64(m.TotalOutputTokens), op, "output")
		}
	}
	for _, name := range sortedKeys(c.counters) {
		ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(c.counters[name]), name)
	}
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Handler serves the collector plus Go runtime and process metrics in the
// Prometheus text format. Each call builds its own registry.
func (c *Collector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c.Exporter(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
