// Package meshmetrics exports the gomesh Prometheus metrics.
package meshmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gomesh"
	subsystem = "mesh"
)

// Label names for mesh metrics.
const (
	labelTransport = "transport"
	labelResult    = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Mesh Metrics
// -------------------------------------------------------------------------

// Collector holds all gomesh Prometheus metrics.
//
// Counters track packet flow per transport; gauges track queue depths and
// active secure links; the airtime counter supports duty-cycle alerting.
type Collector struct {
	// PacketsSent counts packets handed to each transport.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts packets surfaced by each transport.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts packets dropped per transport (retry
	// exhaustion, queue overflow).
	PacketsDropped *prometheus.CounterVec

	// PacketsRelayed counts broadcast relays per outgoing transport.
	PacketsRelayed *prometheus.CounterVec

	// DedupHits counts packets suppressed by the fingerprint cache.
	DedupHits prometheus.Counter

	// PendingPackets gauges the store-and-forward queue depth.
	PendingPackets prometheus.Gauge

	// AirtimeMs counts logged radio airtime in milliseconds.
	AirtimeMs prometheus.Counter

	// DutyCycleDeferrals counts transmissions deferred by the governor.
	DutyCycleDeferrals prometheus.Counter

	// AnnouncesSent and AnnouncesReceived count FMP announces.
	AnnouncesSent     prometheus.Counter
	AnnouncesReceived prometheus.Counter

	// Handshakes counts handshake completions by result ("ok",
	// "timeout", "pinning", "decrypt", "error").
	Handshakes *prometheus.CounterVec

	// SecureLinks gauges the number of established links.
	SecureLinks prometheus.Gauge
}

// NewCollector creates a Collector with all mesh metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gomesh_mesh_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.PacketsRelayed,
		c.DedupHits,
		c.PendingPackets,
		c.AirtimeMs,
		c.DutyCycleDeferrals,
		c.AnnouncesSent,
		c.AnnouncesReceived,
		c.Handshakes,
		c.SecureLinks,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	transportLabels := []string{labelTransport}

	return &Collector{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total packets handed to a transport for transmission.",
		}, transportLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total packets surfaced by a transport after dedup.",
		}, transportLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped after retry exhaustion or overflow.",
		}, transportLabels),

		PacketsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_relayed_total",
			Help:      "Total broadcast packets relayed per outgoing transport.",
		}, transportLabels),

		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dedup_hits_total",
			Help:      "Total packets suppressed by the fingerprint dedup cache.",
		}),

		PendingPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_packets",
			Help:      "Store-and-forward queue depth.",
		}),

		AirtimeMs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "airtime_milliseconds_total",
			Help:      "Total long-range radio airtime logged to the duty-cycle governor.",
		}),

		DutyCycleDeferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duty_cycle_deferrals_total",
			Help:      "Total transmissions deferred by the duty-cycle governor.",
		}),

		AnnouncesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "announces_sent_total",
			Help:      "Total FMP announces transmitted.",
		}),

		AnnouncesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "announces_received_total",
			Help:      "Total FMP announces received from foreign nodes.",
		}),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_total",
			Help:      "Total handshake attempts by result.",
		}, []string{labelResult}),

		SecureLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "secure_links",
			Help:      "Number of currently established secure links.",
		}),
	}
}

// -------------------------------------------------------------------------
// mesh.MetricsReporter implementation
// -------------------------------------------------------------------------

// IncPacketsSent increments the sent counter for a transport.
func (c *Collector) IncPacketsSent(transport string) {
	c.PacketsSent.WithLabelValues(transport).Inc()
}

// IncPacketsReceived increments the received counter for a transport.
func (c *Collector) IncPacketsReceived(transport string) {
	c.PacketsReceived.WithLabelValues(transport).Inc()
}

// IncPacketsDropped increments the dropped counter for a transport.
func (c *Collector) IncPacketsDropped(transport string) {
	c.PacketsDropped.WithLabelValues(transport).Inc()
}

// IncPacketsRelayed increments the relay counter for a transport.
func (c *Collector) IncPacketsRelayed(transport string) {
	c.PacketsRelayed.WithLabelValues(transport).Inc()
}

// IncDedupHits increments the dedup suppression counter.
func (c *Collector) IncDedupHits() {
	c.DedupHits.Inc()
}

// SetPendingPackets publishes the store-and-forward queue depth.
func (c *Collector) SetPendingPackets(n int) {
	c.PendingPackets.Set(float64(n))
}

// -------------------------------------------------------------------------
// Radio & Handshake
// -------------------------------------------------------------------------

// AddAirtime records logged radio airtime.
func (c *Collector) AddAirtime(ms float64) {
	c.AirtimeMs.Add(ms)
}

// IncDutyCycleDeferral records a governor-deferred transmission.
func (c *Collector) IncDutyCycleDeferral() {
	c.DutyCycleDeferrals.Inc()
}

// IncAnnounceSent records one transmitted FMP announce.
func (c *Collector) IncAnnounceSent() {
	c.AnnouncesSent.Inc()
}

// IncAnnounceReceived records one received FMP announce.
func (c *Collector) IncAnnounceReceived() {
	c.AnnouncesReceived.Inc()
}

// IncHandshake records a handshake outcome.
func (c *Collector) IncHandshake(result string) {
	c.Handshakes.WithLabelValues(result).Inc()
}

// SetSecureLinks publishes the established link count.
func (c *Collector) SetSecureLinks(n int) {
	c.SecureLinks.Set(float64(n))
}
