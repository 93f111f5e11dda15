package models

import (
	"errors"
	"fmt"
	"time"
)

// Frame is one accepted screen capture, JPEG encoded.
type Frame struct {
	PixelData            string // base64, no data-URL header
	Width                int
	Height               int
	CapturedAt           time.Time
	IsKeyFrame           bool
	SimilarityToPrevious *float64 // nil for the first frame after enable
}

// JPEGQuality is either a fixed quality in [0,1] or "auto", where quality is
// picked per frame from its edge density.
type JPEGQuality struct {
	Auto  bool
	Value float64
}

func AutoQuality() JPEGQuality { return JPEGQuality{Auto: true} }

func FixedQuality(q float64) JPEGQuality { return JPEGQuality{Value: q} }

type CaptureConfig struct {
	MinInterval    time.Duration
	MaxInterval    time.Duration
	IdleTimeout    time.Duration
	DiffThreshold  float64
	JPEGQuality    JPEGQuality
	DiffSampleSize int
	MaxWidth       int // 0 keeps native width
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		MinInterval:    750 * time.Millisecond,
		MaxInterval:    2000 * time.Millisecond,
		IdleTimeout:    3000 * time.Millisecond,
		DiffThreshold:  0.92,
		JPEGQuality:    AutoQuality(),
		DiffSampleSize: 1000,
	}
}

func (c CaptureConfig) Validate() error {
	if c.MinInterval <= 0 {
		return errors.New("min interval must be positive")
	}
	if c.MinInterval >= c.MaxInterval {
		return fmt.Errorf("min interval %s must be below max interval %s", c.MinInterval, c.MaxInterval)
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle timeout must not be negative")
	}
	if c.DiffThreshold < 0 || c.DiffThreshold > 1 {
		return fmt.Errorf("diff threshold %v outside [0,1]", c.DiffThreshold)
	}
	if !c.JPEGQuality.Auto && (c.JPEGQuality.Value <= 0 || c.JPEGQuality.Value > 1) {
		return fmt.Errorf("jpeg quality %v outside (0,1]", c.JPEGQuality.Value)
	}
	if c.DiffSampleSize <= 0 {
		return errors.New("diff sample size must be positive")
	}
	if c.MaxWidth < 0 {
		return errors.New("max width must not be negative")
	}
	return nil
}

// AudioChunk carries PCM16 little-endian mono samples. Outbound chunks are
// 16 kHz, inbound chunks 24 kHz.
type AudioChunk struct {
	PCM16      []byte
	SampleRate int
}

const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	MimeTypeJPEG     = "image/jpeg"
	MimeTypePCMInput = "audio/pcm;rate=16000"
)

// MediaChunk is one realtime input item as it goes on the wire.
type MediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}
