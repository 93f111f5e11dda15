package handlers

import (
	"fmt"
	"io"
	"sync"

	"github.com/Perceptus-Labs/perceptus-live/metrics"
	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"go.uber.org/zap"
)

// CaptureBufferSize is the number of samples per microphone buffer.
const CaptureBufferSize = 4096

// AudioDevice opens a microphone stream delivering mono float32 buffers.
// Closing the returned handle releases the device.
type AudioDevice interface {
	OpenInput(sampleRate, framesPerBuffer int, onBuffer func([]float32)) (io.Closer, error)
}

// AudioCaptureChannel turns microphone buffers into outbound 16 kHz PCM16
// chunks.
type AudioCaptureChannel struct {
	device  AudioDevice
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	stream  io.Closer
	onChunk func(models.AudioChunk)
}

func NewAudioCaptureChannel(device AudioDevice, opts ...Option) *AudioCaptureChannel {
	o := buildOptions(opts)
	return &AudioCaptureChannel{
		device:  device,
		logger:  o.logger.With(zap.String("component", "audio_capture")),
		metrics: o.metrics,
	}
}

// Start opens the microphone and emits one chunk per buffer. Starting an
// already running channel does nothing.
func (c *AudioCaptureChannel) Start(onChunk func(models.AudioChunk)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}
	if c.device == nil {
		return &models.PermissionOrEnvironmentError{Device: "microphone", Err: fmt.Errorf("no audio input available")}
	}

	c.onChunk = onChunk
	stream, err := c.device.OpenInput(models.InputSampleRate, CaptureBufferSize, c.handleBuffer)
	if err != nil {
		c.onChunk = nil
		c.logger.Warn("Failed to open microphone", zap.Error(err))
		return &models.PermissionOrEnvironmentError{Device: "microphone", Err: err}
	}
	c.stream = stream
	c.logger.Info("Microphone capture started",
		zap.Int("sample_rate", models.InputSampleRate),
		zap.Int("buffer_size", CaptureBufferSize))
	return nil
}

func (c *AudioCaptureChannel) handleBuffer(samples []float32) {
	c.mu.Lock()
	onChunk := c.onChunk
	running := c.stream != nil
	c.mu.Unlock()
	// buffers can still arrive between Stop and the device going quiet
	if onChunk == nil || !running || len(samples) == 0 {
		return
	}
	c.metrics.AudioOut()
	onChunk(models.AudioChunk{
		PCM16:      utils.FloatToPCM16(samples),
		SampleRate: models.InputSampleRate,
	})
}

// Stop releases the microphone. Stopping a channel that is not running does
// nothing.
func (c *AudioCaptureChannel) Stop() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.onChunk = nil
	c.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		c.logger.Warn("Failed to close microphone", zap.Error(err))
	}
	c.logger.Info("Microphone capture stopped")
}

func (c *AudioCaptureChannel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}
