// Package metrics exposes Prometheus counters for streaming sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the HLS reader.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	segmentsFetched  prometheus.Counter
	segmentsSkipped  prometheus.Counter
	segmentsExpired  prometheus.Counter
	bytesRead        prometheus.Counter
	readTimeouts     prometheus.Counter
	playlistReloads  prometheus.Counter
	reloadFailures   prometheus.Counter
	variantSwitches  prometheus.Counter
	seeks            prometheus.Counter
	packetsDelivered prometheus.Counter
	packetsDropped   *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	bandwidth        prometheus.Gauge
	variantBandwidth prometheus.Gauge
}

// New creates and registers Prometheus metrics for the reader.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		segmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_fetched_total",
			Help: "Total number of segments read to completion",
		}),
		segmentsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_skipped_total",
			Help: "Total number of segments skipped after repeated open failures",
		}),
		segmentsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_expired_total",
			Help: "Total number of sequence numbers skipped because they left the live window",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_bytes_read_total",
			Help: "Total number of segment bytes handed to the demuxer",
		}),
		readTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_read_timeouts_total",
			Help: "Total number of segment reads that timed out",
		}),
		playlistReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_playlist_reloads_total",
			Help: "Total number of successful media playlist reloads",
		}),
		reloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_playlist_reload_failures_total",
			Help: "Total number of failed media playlist reloads",
		}),
		variantSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_variant_switches_total",
			Help: "Total number of bandwidth driven variant switches",
		}),
		seeks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_seeks_total",
			Help: "Total number of seeks applied",
		}),
		packetsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_packets_delivered_total",
			Help: "Total number of packets returned to the caller",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_packets_dropped_total",
			Help: "Total number of packets dropped before delivery",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_sessions",
			Help: "Number of open sessions",
		}),
		bandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_estimated_bandwidth_bps",
			Help: "Most recent bandwidth estimate in bits per second",
		}),
		variantBandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_variant_bandwidth_bps",
			Help: "Declared bandwidth of the variant being read",
		}),
	}

	registry.MustRegister(
		m.segmentsFetched,
		m.segmentsSkipped,
		m.segmentsExpired,
		m.bytesRead,
		m.readTimeouts,
		m.playlistReloads,
		m.reloadFailures,
		m.variantSwitches,
		m.seeks,
		m.packetsDelivered,
		m.packetsDropped,
		m.activeSessions,
		m.bandwidth,
		m.variantBandwidth,
	)

	return m
}

// IncSegmentsFetched increments the completed segment counter.
func (m *Metrics) IncSegmentsFetched() {
	if m != nil {
		m.segmentsFetched.Inc()
	}
}

// IncSegmentsSkipped increments the skipped segment counter.
func (m *Metrics) IncSegmentsSkipped() {
	if m != nil {
		m.segmentsSkipped.Inc()
	}
}

// AddSegmentsExpired adds n sequence numbers lost to the live window.
func (m *Metrics) AddSegmentsExpired(n int) {
	if m != nil && n > 0 {
		m.segmentsExpired.Add(float64(n))
	}
}

// AddBytesRead adds n bytes to the byte counter.
func (m *Metrics) AddBytesRead(n int) {
	if m != nil && n > 0 {
		m.bytesRead.Add(float64(n))
	}
}

// IncReadTimeouts increments the read timeout counter.
func (m *Metrics) IncReadTimeouts() {
	if m != nil {
		m.readTimeouts.Inc()
	}
}

// IncPlaylistReloads increments the successful reload counter.
func (m *Metrics) IncPlaylistReloads() {
	if m != nil {
		m.playlistReloads.Inc()
	}
}

// IncReloadFailures increments the failed reload counter.
func (m *Metrics) IncReloadFailures() {
	if m != nil {
		m.reloadFailures.Inc()
	}
}

// IncVariantSwitches increments the variant switch counter.
func (m *Metrics) IncVariantSwitches() {
	if m != nil {
		m.variantSwitches.Inc()
	}
}

// IncSeeks increments the seek counter.
func (m *Metrics) IncSeeks() {
	if m != nil {
		m.seeks.Inc()
	}
}

// IncPacketsDelivered increments the delivered packet counter.
func (m *Metrics) IncPacketsDelivered() {
	if m != nil {
		m.packetsDelivered.Inc()
	}
}

// IncPacketsDropped increments the dropped packet counter for reason.
func (m *Metrics) IncPacketsDropped(reason string) {
	if m != nil {
		m.packetsDropped.WithLabelValues(reason).Inc()
	}
}

// AddActiveSessions adjusts the open session gauge.
func (m *Metrics) AddActiveSessions(delta int) {
	if m != nil {
		m.activeSessions.Add(float64(delta))
	}
}

// SetBandwidth sets the bandwidth estimate gauge.
func (m *Metrics) SetBandwidth(bps int64) {
	if m != nil {
		m.bandwidth.Set(float64(bps))
	}
}

// SetVariantBandwidth sets the declared bandwidth gauge.
func (m *Metrics) SetVariantBandwidth(bps int) {
	if m != nil {
		m.variantBandwidth.Set(float64(bps))
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
