// Package devices opens the local microphone and speaker.
package devices

import (
	"sync"
	"time"
)

type segment struct {
	samples []float32
	pos     int
	onEnded func()
}

// mixer feeds queued segments into fixed size device buffers through a gain
// stage. It is driven by whoever owns the output stream.
type mixer struct {
	sampleRate int

	mu       sync.Mutex
	segments []*segment
	gain     float32
	step     float32 // per sample gain change while ramping
	rampLeft int
}

func newMixer(sampleRate int) *mixer {
	return &mixer{sampleRate: sampleRate, gain: 1}
}

func (m *mixer) Play(samples []float32, onEnded func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, &segment{samples: samples, onEnded: onEnded})
	return nil
}

func (m *mixer) RampGain(target float32, over time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int(over.Seconds() * float64(m.sampleRate))
	if n <= 0 {
		m.gain, m.step, m.rampLeft = target, 0, 0
		return
	}
	m.step = (target - m.gain) / float32(n)
	m.rampLeft = n
}

// Reset drops queued segments without ending them and restores unity gain.
func (m *mixer) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = nil
	m.gain, m.step, m.rampLeft = 1, 0, 0
	return nil
}

// fill writes the next len(buf) samples, padding with silence, and returns
// the callbacks of segments that finished.
func (m *mixer) fill(buf []float32) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []func()
	for i := range buf {
		var s float32
		for len(m.segments) > 0 {
			seg := m.segments[0]
			if seg.pos < len(seg.samples) {
				s = seg.samples[seg.pos]
				seg.pos++
				if seg.pos == len(seg.samples) {
					m.segments = m.segments[1:]
					if seg.onEnded != nil {
						ended = append(ended, seg.onEnded)
					}
				}
				break
			}
			m.segments = m.segments[1:]
			if seg.onEnded != nil {
				ended = append(ended, seg.onEnded)
			}
		}

		buf[i] = s * m.gain
		if m.rampLeft > 0 {
			m.gain += m.step
			m.rampLeft--
			if m.gain < 0 {
				m.gain = 0
			}
		}
	}
	return ended
}
