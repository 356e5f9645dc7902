// Package metrics exposes sync and pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the services report into.
type Recorder interface {
	RecordSync(outcome string)
	RecordTrack(result string)
	RecordStage(stage string, d time.Duration)
	RecordRateLimitRetry(operation string)
}

// Collector is the Prometheus Recorder.
type Collector struct {
	syncs      *prometheus.CounterVec
	tracks     *prometheus.CounterVec
	stages     *prometheus.HistogramVec
	rateLimits *prometheus.CounterVec
}

// NewCollector registers the metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "likesync_sync_runs_total",
			Help: "Sync runs by terminal outcome.",
		}, []string{"outcome"}),
		tracks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "likesync_tracks_total",
			Help: "Processed tracks by result.",
		}, []string{"result"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "likesync_pipeline_stage_seconds",
			Help:    "Track pipeline stage latency.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "likesync_rate_limit_retries_total",
			Help: "Messaging calls retried after a rate-limit signal.",
		}, []string{"operation"}),
	}

	reg.MustRegister(c.syncs, c.tracks, c.stages, c.rateLimits)

	return c
}

func (c *Collector) RecordSync(outcome string) {
	c.syncs.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTrack(result string) {
	c.tracks.WithLabelValues(result).Inc()
}

func (c *Collector) RecordStage(stage string, d time.Duration) {
	c.stages.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) RecordRateLimitRetry(operation string) {
	c.rateLimits.WithLabelValues(operation).Inc()
}

// Handler serves the gathered metrics in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type nop struct{}

func (nop) RecordSync(string)                 {}
func (nop) RecordTrack(string)                {}
func (nop) RecordStage(string, time.Duration) {}
func (nop) RecordRateLimitRetry(string)       {}

// Nop discards everything.
func Nop() Recorder { return nop{} }

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}
