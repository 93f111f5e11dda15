package handlers

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/Perceptus-Labs/perceptus-live/utils"
)

// PushedMicrophone is an AudioDevice fed by a remote client. Pushed samples
// are regrouped into buffers of the size the capture channel asked for.
type PushedMicrophone struct {
	mu       sync.Mutex
	onBuffer func([]float32)
	frames   int
	pending  []float32
}

func NewPushedMicrophone() *PushedMicrophone {
	return &PushedMicrophone{}
}

func (m *PushedMicrophone) OpenInput(sampleRate, framesPerBuffer int, onBuffer func([]float32)) (io.Closer, error) {
	if sampleRate != models.InputSampleRate {
		return nil, fmt.Errorf("pushed audio is %d Hz, %d Hz requested", models.InputSampleRate, sampleRate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onBuffer != nil {
		return nil, fmt.Errorf("microphone already open")
	}
	m.onBuffer = onBuffer
	m.frames = framesPerBuffer
	m.pending = nil
	return closerFunc(m.close), nil
}

func (m *PushedMicrophone) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBuffer = nil
	m.pending = nil
	return nil
}

// PushPCM16 takes base64 16 kHz PCM16 audio. Audio pushed while the
// microphone is closed is dropped.
func (m *PushedMicrophone) PushPCM16(b64 string) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("failed to decode audio data: %w", err)
	}
	m.Push(utils.PCM16ToFloat(data))
	return nil
}

func (m *PushedMicrophone) Push(samples []float32) {
	m.mu.Lock()
	if m.onBuffer == nil {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, samples...)
	var ready [][]float32
	for len(m.pending) >= m.frames {
		ready = append(ready, append([]float32(nil), m.pending[:m.frames]...))
		m.pending = m.pending[m.frames:]
	}
	onBuffer := m.onBuffer
	m.mu.Unlock()

	for _, buf := range ready {
		onBuffer(buf)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// SocketSpeaker is an AudioOutput whose segments are played by a remote
// client. Segment completion is paced locally by the segment duration.
type SocketSpeaker struct {
	send  func(msgType string, data any)
	clock utils.Clock
}

func NewSocketSpeaker(send func(msgType string, data any), clock utils.Clock) *SocketSpeaker {
	return &SocketSpeaker{send: send, clock: clock}
}

func (s *SocketSpeaker) Play(samples []float32, onEnded func()) error {
	s.send("audio_out", map[string]any{
		"data":        base64.StdEncoding.EncodeToString(utils.FloatToPCM16(samples)),
		"sample_rate": models.OutputSampleRate,
	})
	s.clock.AfterFunc(utils.SamplesDuration(len(samples), models.OutputSampleRate), onEnded)
	return nil
}

func (s *SocketSpeaker) RampGain(target float32, over time.Duration) {
	s.send("audio_gain", map[string]any{
		"target":      target,
		"duration_ms": over.Milliseconds(),
	})
}

func (s *SocketSpeaker) Reset() error {
	s.send("audio_reset", nil)
	return nil
}

func (s *SocketSpeaker) Close() error { return nil }
