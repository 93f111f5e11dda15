package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameAccepted(10)
		m.FrameSkipped()
		m.AudioOut()
		m.AudioIn()
		m.SetPlaybackQueued(3)
		m.SetStatus("connected", "connected", "disconnected")
		m.TurnCompleted()
		m.TransportError()
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.FrameAccepted(2048)
	m.FrameAccepted(4096)
	m.FrameSkipped()
	m.SetPlaybackQueued(4)
	m.SetStatus("connecting", "disconnected", "connecting", "connected")
	m.SetStatus("connected", "disconnected", "connecting", "connected")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSkipped))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PlaybackQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionStatus.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionStatus.WithLabelValues("connecting")))
}
