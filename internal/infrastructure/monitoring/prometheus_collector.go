package monitoring

import (
	"time"

	"vidrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RelayMetrics.
type PrometheusCollector struct {
	// Gauges
	connectionsActive *prometheus.GaugeVec
	trackAvailable    prometheus.Gauge
	latencyMs         prometheus.Gauge

	// Counters
	connectionsTotal      *prometheus.CounterVec
	negotiationsTotal     *prometheus.CounterVec
	framesTotal           prometheus.Counter
	bytesTotal            prometheus.Counter
	upstreamAttempts      *prometheus.CounterVec
	controlMessageDropped prometheus.Counter

	// Histograms
	connectionLifetime  *prometheus.HistogramVec
	negotiationDuration *prometheus.HistogramVec
	frameSize           prometheus.Histogram
}

// NewPrometheusCollector registers the relay collectors with reg.
// A nil reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vidrelay_connections_active",
			Help: "Number of registered connections by role",
		}, []string{"role"}),

		trackAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vidrelay_track_available",
			Help: "1 when a producer track is published to consumers",
		}),

		latencyMs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vidrelay_control_latency_milliseconds",
			Help: "Last measured control channel round trip latency",
		}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vidrelay_connections_total",
			Help: "Total number of connections registered by role",
		}, []string{"role"}),

		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vidrelay_negotiations_total",
			Help: "Offer/answer negotiations by role and result",
		}, []string{"role", "result"}),

		framesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vidrelay_frames_received_total",
			Help: "Video frames assembled from producer RTP",
		}),

		bytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vidrelay_frame_bytes_total",
			Help: "Payload bytes of received video frames",
		}),

		upstreamAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vidrelay_upstream_attempts_total",
			Help: "Upstream connection attempts by result",
		}, []string{"result"}),

		controlMessageDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "vidrelay_control_messages_dropped_total",
			Help: "Malformed control channel messages discarded",
		}),

		connectionLifetime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidrelay_connection_lifetime_seconds",
			Help:    "Lifetime of closed connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"role"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidrelay_negotiation_duration_seconds",
			Help:    "Time to produce an answer, including ICE gathering",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"role"}),

		frameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vidrelay_frame_size_bytes",
			Help:    "Size of received video frames",
			Buckets: prometheus.ExponentialBuckets(512, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened(role domain.Role) {
	p.connectionsActive.WithLabelValues(string(role)).Inc()
	p.connectionsTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(role domain.Role, lifetime time.Duration) {
	p.connectionsActive.WithLabelValues(string(role)).Dec()
	p.connectionLifetime.WithLabelValues(string(role)).Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) NegotiationCompleted(role domain.Role, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	p.negotiationsTotal.WithLabelValues(string(role), result).Inc()
	p.negotiationDuration.WithLabelValues(string(role)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) FrameReceived(sizeBytes int) {
	p.framesTotal.Inc()
	p.bytesTotal.Add(float64(sizeBytes))
	p.frameSize.Observe(float64(sizeBytes))
}

func (p *PrometheusCollector) LatencyObserved(ms float64) {
	p.latencyMs.Set(ms)
}

func (p *PrometheusCollector) UpstreamAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.upstreamAttempts.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) TrackAvailable(available bool) {
	if available {
		p.trackAvailable.Set(1)
		return
	}
	p.trackAvailable.Set(0)
}

func (p *PrometheusCollector) ControlMessageDropped() {
	p.controlMessageDropped.Inc()
}
