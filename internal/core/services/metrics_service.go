package services

import (
	"math"
	"sync"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
)

const DefaultFPSWindow = 30

// MetricsAggregator turns per-frame samples and heartbeat round trips into
// fps, bitrate and latency figures.
type MetricsAggregator struct {
	mu sync.RWMutex

	window     int
	fpsSamples []float64
	fps        float64

	frames     int64
	totalBytes int64
	firstTS    float64
	lastTS     float64
	sampled    bool
	bitrate    float64

	latencyMs float64

	now  func() time.Time
	sink ports.RelayMetrics
}

func NewMetricsAggregator(window int, sink ports.RelayMetrics) *MetricsAggregator {
	if window <= 0 {
		window = DefaultFPSWindow
	}
	return &MetricsAggregator{
		window:     window,
		fpsSamples: make([]float64, 0, window),
		now:        time.Now,
		sink:       orNop(sink),
	}
}

// RecordFrame accounts one received frame. ts is in seconds.
func (m *MetricsAggregator) RecordFrame(ts float64, sizeBytes int) {
	m.mu.Lock()
	m.frames++
	m.totalBytes += int64(sizeBytes)

	if !m.sampled {
		m.sampled = true
		m.firstTS = ts
	} else if interval := ts - m.lastTS; interval > 0 {
		if len(m.fpsSamples) == m.window {
			copy(m.fpsSamples, m.fpsSamples[1:])
			m.fpsSamples = m.fpsSamples[:m.window-1]
		}
		m.fpsSamples = append(m.fpsSamples, 1/interval)

		var sum float64
		for _, v := range m.fpsSamples {
			sum += v
		}
		m.fps = sum / float64(len(m.fpsSamples))
	}

	if elapsed := ts - m.firstTS; elapsed > 0 {
		m.bitrate = float64(m.totalBytes) * 8 / 1000 / elapsed
	}
	m.lastTS = ts
	m.mu.Unlock()

	m.sink.FrameReceived(sizeBytes)
}

// RecordPong computes latency from a pong echoing a timestamp in seconds.
func (m *MetricsAggregator) RecordPong(echoedTimestamp float64) {
	latency := (unixSeconds(m.now()) - echoedTimestamp) * 1000

	m.mu.Lock()
	m.latencyMs = latency
	m.mu.Unlock()

	m.sink.LatencyObserved(latency)
}

func (m *MetricsAggregator) Snapshot() domain.MetricsSnapshot {
	m.mu.RLock()
	snap := domain.MetricsSnapshot{
		Frames:  m.frames,
		FPS:     m.fps,
		Latency: m.latencyMs,
		Bitrate: m.bitrate,
	}
	sampled, first := m.sampled, m.firstTS
	m.mu.RUnlock()

	if sampled {
		snap.Uptime = math.Max(0, unixSeconds(m.now())-first)
	}

	snap.FPS = round(snap.FPS, 2)
	snap.Latency = round(snap.Latency, 2)
	snap.Bitrate = round(snap.Bitrate, 2)
	snap.Uptime = round(snap.Uptime, 1)
	return snap
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
