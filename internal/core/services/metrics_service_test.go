package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsAggregator_FPSConverges(t *testing.T) {
	m := NewMetricsAggregator(30, nil)
	ts := 100.0
	m.RecordFrame(ts, 1000)
	for _, interval := range []float64{0.033, 0.033, 0.033} {
		ts += interval
		m.RecordFrame(ts, 1000)
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(4), snap.Frames)
	assert.InDelta(t, 30.0, snap.FPS, 0.5)
}

func TestMetricsAggregator_FirstSampleHasNoFPS(t *testing.T) {
	m := NewMetricsAggregator(30, nil)
	m.RecordFrame(5, 100)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Frames)
	assert.Zero(t, snap.FPS)
	assert.Zero(t, snap.Bitrate)
}

func TestMetricsAggregator_WindowKeepsLatestSamples(t *testing.T) {
	m := NewMetricsAggregator(3, nil)
	ts := 0.0
	m.RecordFrame(ts, 0)
	// Three slow frames followed by three fast ones; only the fast ones stay.
	for _, interval := range []float64{1, 1, 1, 0.1, 0.1, 0.1} {
		ts += interval
		m.RecordFrame(ts, 0)
	}

	assert.InDelta(t, 10.0, m.Snapshot().FPS, 0.01)
}

func TestMetricsAggregator_IgnoresNonPositiveIntervals(t *testing.T) {
	m := NewMetricsAggregator(30, nil)
	m.RecordFrame(1.0, 0)
	m.RecordFrame(1.5, 0)
	m.RecordFrame(1.5, 0)
	m.RecordFrame(1.4, 0)

	snap := m.Snapshot()
	assert.Equal(t, int64(4), snap.Frames)
	assert.InDelta(t, 2.0, snap.FPS, 0.001)
}

func TestMetricsAggregator_Bitrate(t *testing.T) {
	m := NewMetricsAggregator(30, nil)
	m.RecordFrame(10.0, 62500)
	m.RecordFrame(11.0, 62500)

	assert.Equal(t, 1000.0, m.Snapshot().Bitrate)
}

func TestMetricsAggregator_LatencyAndUptime(t *testing.T) {
	m := NewMetricsAggregator(30, nil)
	assert.Zero(t, m.Snapshot().Latency)
	assert.Zero(t, m.Snapshot().Uptime)

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.RecordPong(999.75)
	assert.Equal(t, 250.0, m.Snapshot().Latency)

	m.RecordFrame(990, 10)
	assert.Equal(t, 10.0, m.Snapshot().Uptime)
}
