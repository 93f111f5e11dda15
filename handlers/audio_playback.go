package handlers

import (
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/metrics"
	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"go.uber.org/zap"
)

const (
	// playbackStartDelay absorbs jitter from bursty delivery before the first
	// segment of a run starts.
	playbackStartDelay = 100 * time.Millisecond
	stopRampDuration   = 100 * time.Millisecond

	maxScheduleHistory = 256
)

// AudioOutput plays mono float32 segments at 24 kHz through a gain stage.
type AudioOutput interface {
	// Play starts one segment and calls onEnded once it has finished.
	Play(samples []float32, onEnded func()) error
	// RampGain moves the gain stage linearly to target over the duration.
	RampGain(target float32, over time.Duration)
	// Reset discards the gain stage and anything still sounding through it,
	// then builds a fresh one at unity gain.
	Reset() error
	Close() error
}

// ScheduledSegment records when a segment was handed to the output.
type ScheduledSegment struct {
	Start    time.Time
	Duration time.Duration
	Samples  int
}

func (s ScheduledSegment) End() time.Time { return s.Start.Add(s.Duration) }

// AudioPlaybackQueue plays inbound PCM16 chunks back to back. Each segment's
// completion starts the next, so playback never overlaps and never waits on
// a fixed timer.
type AudioPlaybackQueue struct {
	output  AudioOutput
	clock   utils.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	queue      [][]float32
	playing    bool
	pending    utils.Timer
	generation int
	schedule   []ScheduledSegment

	// a fade out is running and the output still needs its Reset
	resetPending bool
	resetSeq     int
}

func NewAudioPlaybackQueue(output AudioOutput, opts ...Option) *AudioPlaybackQueue {
	o := buildOptions(opts)
	return &AudioPlaybackQueue{
		output:  output,
		clock:   o.clock,
		logger:  o.logger.With(zap.String("component", "audio_playback")),
		metrics: o.metrics,
	}
}

// AddPCM16 queues a 24 kHz PCM16 chunk. When nothing is playing, playback of
// the queue starts after a short buffering delay.
func (q *AudioPlaybackQueue) AddPCM16(chunk []byte) {
	samples := utils.PCM16ToFloat(chunk)
	if len(samples) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, samples)
	q.metrics.AudioIn()
	q.metrics.SetPlaybackQueued(len(q.queue))
	if q.playing || q.pending != nil {
		return
	}
	gen := q.generation
	q.pending = q.clock.AfterFunc(playbackStartDelay, func() {
		q.mu.Lock()
		if gen == q.generation {
			q.pending = nil
		}
		q.mu.Unlock()
		q.playNext(gen)
	})
}

func (q *AudioPlaybackQueue) playNext(gen int) {
	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		return
	}
	if len(q.queue) == 0 {
		// starved: end of turn, or the next chunk is late
		q.playing = false
		q.mu.Unlock()
		return
	}
	seg := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	q.playing = true
	// a new run that beats the fade timer resets first, so the reset can't
	// swallow this segment's completion
	resetFirst := q.resetPending
	q.resetPending = false
	q.record(ScheduledSegment{
		Start:    q.clock.Now(),
		Duration: utils.SamplesDuration(len(seg), models.OutputSampleRate),
		Samples:  len(seg),
	})
	q.metrics.SetPlaybackQueued(len(q.queue))
	q.mu.Unlock()

	if resetFirst {
		q.resetOutput()
	}
	if err := q.output.Play(seg, func() { q.playNext(gen) }); err != nil {
		q.logger.Warn("Failed to play audio segment", zap.Error(err), zap.Int("samples", len(seg)))
		q.playNext(gen)
	}
}

func (q *AudioPlaybackQueue) record(s ScheduledSegment) {
	if len(q.schedule) == maxScheduleHistory {
		copy(q.schedule, q.schedule[1:])
		q.schedule = q.schedule[:len(q.schedule)-1]
	}
	q.schedule = append(q.schedule, s)
}

// Stop drops everything queued and fades the output out, then rebuilds the
// gain stage once the fade has finished.
func (q *AudioPlaybackQueue) Stop() {
	q.mu.Lock()
	q.generation++
	q.queue = nil
	q.playing = false
	if q.pending != nil {
		q.pending.Stop()
		q.pending = nil
	}
	q.metrics.SetPlaybackQueued(0)
	q.resetPending = true
	q.resetSeq++
	seq := q.resetSeq
	q.mu.Unlock()

	q.output.RampGain(0, stopRampDuration)
	q.clock.AfterFunc(stopRampDuration, func() {
		q.mu.Lock()
		due := q.resetPending && q.resetSeq == seq
		if due {
			q.resetPending = false
		}
		q.mu.Unlock()
		if due {
			q.resetOutput()
		}
	})
}

func (q *AudioPlaybackQueue) resetOutput() {
	if err := q.output.Reset(); err != nil {
		q.logger.Warn("Failed to reset audio output", zap.Error(err))
	}
}

// Close stops playback and releases the output device.
func (q *AudioPlaybackQueue) Close() error {
	q.Stop()
	return q.output.Close()
}

func (q *AudioPlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *AudioPlaybackQueue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Schedule returns the most recently started segments, oldest first.
func (q *AudioPlaybackQueue) Schedule() []ScheduledSegment {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ScheduledSegment(nil), q.schedule...)
}

// discardOutput finishes every segment at once without sound.
type discardOutput struct{}

func (discardOutput) Play(_ []float32, onEnded func()) error {
	onEnded()
	return nil
}

func (discardOutput) RampGain(float32, time.Duration) {}

func (discardOutput) Reset() error { return nil }

func (discardOutput) Close() error { return nil }
