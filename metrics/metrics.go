// Package metrics holds the Prometheus collectors for the capture, audio and
// session pipelines. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "perceptus_live"

type Metrics struct {
	FramesAccepted  prometheus.Counter
	FramesSkipped   prometheus.Counter
	FrameBytes      prometheus.Histogram
	AudioChunksOut  prometheus.Counter
	AudioChunksIn   prometheus.Counter
	PlaybackQueued  prometheus.Gauge
	SessionStatus   *prometheus.GaugeVec
	CompletedTurns  prometheus.Counter
	TransportErrors prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_accepted_total",
			Help: "Screen frames accepted and sent.",
		}),
		FramesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_skipped_total",
			Help: "Screen frames rejected as too similar to the last accepted frame.",
		}),
		FrameBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frame_bytes",
			Help:    "Encoded size of accepted frames.",
			Buckets: prometheus.ExponentialBuckets(8*1024, 2, 8),
		}),
		AudioChunksOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audio", Name: "chunks_out_total",
			Help: "Microphone chunks sent to the model.",
		}),
		AudioChunksIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audio", Name: "chunks_in_total",
			Help: "Model audio chunks queued for playback.",
		}),
		PlaybackQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "audio", Name: "playback_queued_segments",
			Help: "Segments waiting in the playback queue.",
		}),
		SessionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "status",
			Help: "1 for the current session status, 0 otherwise.",
		}, []string{"status"}),
		CompletedTurns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "completed_turns_total",
			Help: "Transcript turns finalized.",
		}),
		TransportErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "transport_errors_total",
			Help: "Live connection failures.",
		}),
	}
}

func (m *Metrics) FrameAccepted(size int) {
	if m == nil {
		return
	}
	m.FramesAccepted.Inc()
	m.FrameBytes.Observe(float64(size))
}

func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.FramesSkipped.Inc()
}

func (m *Metrics) AudioOut() {
	if m == nil {
		return
	}
	m.AudioChunksOut.Inc()
}

func (m *Metrics) AudioIn() {
	if m == nil {
		return
	}
	m.AudioChunksIn.Inc()
}

func (m *Metrics) SetPlaybackQueued(n int) {
	if m == nil {
		return
	}
	m.PlaybackQueued.Set(float64(n))
}

// SetStatus marks status as the only active session status.
func (m *Metrics) SetStatus(status string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.SessionStatus.WithLabelValues(s).Set(0)
	}
	m.SessionStatus.WithLabelValues(status).Set(1)
}

func (m *Metrics) TurnCompleted() {
	if m == nil {
		return
	}
	m.CompletedTurns.Inc()
}

func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}
