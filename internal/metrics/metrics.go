// Package metrics exposes agenda pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records pipeline activity.
type Collector struct {
	sourceSuccess *prometheus.CounterVec
	sourceFail    *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	occurrences   prometheus.Gauge
}

// NewCollector registers the agenda metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sourceSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_source_fetch_success_total",
			Help: "Calendar sources read successfully.",
		}, []string{"source"}),
		sourceFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_source_fetch_fail_total",
			Help: "Calendar sources that failed, by stage.",
		}, []string{"source", "stage"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_http_status_total",
			Help: "Calendar fetch responses by status code.",
		}, []string{"status_code"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_cache_lookups_total",
			Help: "Agenda cache lookups by result (hit, absent or the reject reason).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agenda_cycle_duration_seconds",
			Help:    "Duration of full fetch cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		occurrences: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agenda_occurrences",
			Help: "Occurrences in the last computed agenda.",
		}),
	}

	reg.MustRegister(
		c.sourceSuccess,
		c.sourceFail,
		c.httpStatus,
		c.cacheLookups,
		c.cycleDuration,
		c.occurrences,
	)
	return c
}

func (c *Collector) RecordSourceSuccess(source string) {
	c.sourceSuccess.WithLabelValues(source).Inc()
}

func (c *Collector) RecordSourceFailure(source, stage string) {
	c.sourceFail.WithLabelValues(source, stage).Inc()
}

func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (c *Collector) RecordCacheLookup(result string) {
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) RecordCycle(d time.Duration, occurrences int) {
	c.cycleDuration.Observe(d.Seconds())
	c.occurrences.Set(float64(occurrences))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
