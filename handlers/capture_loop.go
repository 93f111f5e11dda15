package handlers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/metrics"
	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// VideoSource is a live frame source such as a shared screen.
type VideoSource interface {
	// Dimensions reports the native frame size, or zeros while the source has
	// no frame yet or has ended.
	Dimensions() (width, height int)
	// DrawInto paints the current frame into dst, which is sized to Dimensions.
	DrawInto(dst *image.RGBA) error
}

type CaptureStats struct {
	Accepted int
	Skipped  int
	Idle     bool
	Interval time.Duration
}

// ScreenCaptureLoop samples a VideoSource on an activity driven cadence and
// hands over only frames that differ enough from the last one sent.
type ScreenCaptureLoop struct {
	cfg     models.CaptureConfig
	source  VideoSource
	sampler AdaptiveSampler
	onFrame func(models.Frame)

	clock   utils.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	buf          *image.RGBA // reused while the source resolution holds
	prev         []byte      // pixels of the last accepted frame
	accepted     int
	skipped      int
	enabled      bool
	ticking      bool
	idle         bool
	interval     time.Duration
	lastActivity time.Time
	timer        utils.Timer
	generation   int
}

func NewScreenCaptureLoop(cfg models.CaptureConfig, source VideoSource, onFrame func(models.Frame), opts ...Option) (*ScreenCaptureLoop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("video source is required")
	}
	o := buildOptions(opts)
	return &ScreenCaptureLoop{
		cfg:    cfg,
		source: source,
		sampler: AdaptiveSampler{
			MinInterval: cfg.MinInterval,
			MaxInterval: cfg.MaxInterval,
			IdleTimeout: cfg.IdleTimeout,
		},
		onFrame:  onFrame,
		clock:    o.clock,
		logger:   o.logger.With(zap.String("component", "screen_capture")),
		metrics:  o.metrics,
		interval: cfg.MinInterval,
	}, nil
}

// CaptureFrame grabs the current frame and returns it if it should be sent.
// A nil frame with a nil error means the source had nothing yet or the frame
// was too similar to the last accepted one.
func (l *ScreenCaptureLoop) CaptureFrame() (*models.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.captureLocked()
}

func (l *ScreenCaptureLoop) captureLocked() (*models.Frame, error) {
	w, h := l.source.Dimensions()
	if w <= 0 || h <= 0 {
		return nil, nil
	}

	if l.buf == nil || l.buf.Rect.Dx() != w || l.buf.Rect.Dy() != h {
		l.buf = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	if err := l.source.DrawInto(l.buf); err != nil {
		return nil, fmt.Errorf("failed to draw video frame: %w", err)
	}

	// A resolution change leaves nothing comparable and forces a keyframe.
	keyFrame := l.prev == nil || len(l.prev) != len(l.buf.Pix)
	var similarity *float64
	if !keyFrame {
		s := utils.Similarity(l.buf.Pix, l.prev, l.cfg.DiffSampleSize)
		if s >= l.cfg.DiffThreshold {
			l.skipped++
			l.metrics.FrameSkipped()
			return nil, nil
		}
		similarity = &s
	} else if l.prev != nil {
		zero := 0.0
		similarity = &zero
	}

	quality := l.cfg.JPEGQuality.Value
	if l.cfg.JPEGQuality.Auto {
		quality = utils.QualityForEdgeRatio(utils.EdgeRatio(l.buf.Pix))
	}

	encoded, outW, outH, err := l.encode(quality)
	if err != nil {
		return nil, err
	}

	// The baseline only moves on acceptance, so a slow drift across many
	// near-threshold frames still adds up against it.
	l.prev = append(l.prev[:0], l.buf.Pix...)
	l.accepted++
	l.metrics.FrameAccepted(len(encoded))

	return &models.Frame{
		PixelData:            base64.StdEncoding.EncodeToString(encoded),
		Width:                outW,
		Height:               outH,
		CapturedAt:           l.clock.Now(),
		IsKeyFrame:           keyFrame,
		SimilarityToPrevious: similarity,
	}, nil
}

func (l *ScreenCaptureLoop) encode(quality float64) ([]byte, int, int, error) {
	var img image.Image = l.buf
	w, h := l.buf.Rect.Dx(), l.buf.Rect.Dy()
	if l.cfg.MaxWidth > 0 && w > l.cfg.MaxWidth {
		sh := max(1, h*l.cfg.MaxWidth/w)
		scaled := image.NewRGBA(image.Rect(0, 0, l.cfg.MaxWidth, sh))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), l.buf, l.buf.Bounds(), draw.Src, nil)
		img, w, h = scaled, l.cfg.MaxWidth, sh
	}

	var out bytes.Buffer
	q := int(math.Round(quality * 100))
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: max(1, min(100, q))}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode frame: %w", err)
	}
	return out.Bytes(), w, h, nil
}

// Enable starts the capture loop. The first tick runs immediately and always
// yields a keyframe.
func (l *ScreenCaptureLoop) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled {
		return
	}
	l.enabled = true
	l.generation++
	l.resetLocked()
	l.lastActivity = l.clock.Now()
	l.idle = false
	l.ticking = false
	l.interval = l.cfg.MinInterval

	gen := l.generation
	l.timer = l.clock.AfterFunc(0, func() { l.tick(gen) })
	l.logger.Info("Screen capture enabled", zap.Duration("interval", l.interval))
}

// Disable stops the loop and forgets the comparison baseline and counters.
// A tick already in flight finishes but does not reschedule.
func (l *ScreenCaptureLoop) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	l.enabled = false
	l.generation++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.logger.Info("Screen capture disabled", zap.Int("accepted", l.accepted), zap.Int("skipped", l.skipped))
	l.resetLocked()
}

func (l *ScreenCaptureLoop) resetLocked() {
	l.prev = nil
	l.accepted = 0
	l.skipped = 0
}

func (l *ScreenCaptureLoop) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// MarkActivity records user input (pointer, key, scroll, click). Coming out
// of idle reschedules the pending tick at the fast cadence right away.
func (l *ScreenCaptureLoop) MarkActivity() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActivity = l.clock.Now()
	if !l.enabled || !l.idle {
		return
	}
	l.idle = false
	l.interval = l.cfg.MinInterval
	l.logger.Debug("Capture active", zap.Duration("interval", l.interval))
	if l.ticking {
		// the running tick reschedules with the new interval
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	gen := l.generation
	l.timer = l.clock.AfterFunc(l.interval, func() { l.tick(gen) })
}

func (l *ScreenCaptureLoop) Stats() CaptureStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CaptureStats{
		Accepted: l.accepted,
		Skipped:  l.skipped,
		Idle:     l.idle,
		Interval: l.interval,
	}
}

func (l *ScreenCaptureLoop) tick(gen int) {
	l.mu.Lock()
	if !l.enabled || gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.ticking = true
	l.timer = nil

	decision := l.sampler.Decide(l.lastActivity, l.clock.Now())
	if decision.IsIdle != l.idle {
		l.idle = decision.IsIdle
		l.interval = decision.Interval
		l.logger.Debug("Capture cadence changed", zap.Bool("idle", l.idle), zap.Duration("interval", l.interval))
	}

	frame, err := l.captureLocked()
	onFrame := l.onFrame
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("Frame capture failed", zap.Error(err))
	}
	if frame != nil && onFrame != nil {
		onFrame(*frame)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || gen != l.generation {
		return
	}
	l.ticking = false
	l.timer = l.clock.AfterFunc(l.interval, func() { l.tick(gen) })
}
