package utils

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const grabTimeout = 5 * time.Second

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ScreenGrabber captures the desktop with ffmpeg. Every Dimensions call grabs
// a fresh frame; DrawInto paints the frame grabbed last.
type ScreenGrabber struct {
	// Display is the X display on Linux, the avfoundation screen device on
	// macOS. Windows always grabs the whole desktop.
	Display string
	GOOS    string
	Run     CommandRunner
	Logger  *zap.Logger

	mu     sync.Mutex
	latest image.Image
}

func NewScreenGrabber() *ScreenGrabber {
	display := os.Getenv("DISPLAY")
	if runtime.GOOS == "darwin" {
		display = "1" // first screen after the built-in camera
	}
	return &ScreenGrabber{
		Display: display,
		GOOS:    runtime.GOOS,
		Run:     execRunner,
		Logger:  zap.L(),
	}
}

// grabArgs builds the ffmpeg command line that writes one PNG frame to stdout.
func grabArgs(goos, display string) ([]string, error) {
	var input []string
	switch goos {
	case "linux":
		if display == "" {
			display = ":0"
		}
		input = []string{"-f", "x11grab", "-i", display}
	case "darwin":
		input = []string{"-f", "avfoundation", "-capture_cursor", "1", "-i", display + ":none"}
	case "windows":
		input = []string{"-f", "gdigrab", "-i", "desktop"}
	default:
		return nil, fmt.Errorf("unsupported operating system: %s", goos)
	}
	args := append([]string{"-loglevel", "error"}, input...)
	return append(args, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "png", "-"), nil
}

// Grab captures one frame.
func (g *ScreenGrabber) Grab(ctx context.Context) (image.Image, error) {
	args, err := grabArgs(g.GOOS, g.Display)
	if err != nil {
		return nil, err
	}
	output, err := g.Run(ctx, "ffmpeg", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to grab screen: %w", err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("no image data captured")
	}
	img, err := png.Decode(bytes.NewReader(output))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screen grab: %w", err)
	}
	return img, nil
}

func (g *ScreenGrabber) Dimensions() (int, int) {
	ctx, cancel := context.WithTimeout(context.Background(), grabTimeout)
	defer cancel()

	img, err := g.Grab(ctx)
	if err != nil {
		// treated as "no frame yet" by the capture loop
		g.Logger.Warn("Screen grab failed", zap.Error(err))
		g.mu.Lock()
		g.latest = nil
		g.mu.Unlock()
		return 0, 0
	}

	g.mu.Lock()
	g.latest = img
	g.mu.Unlock()
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func (g *ScreenGrabber) DrawInto(dst *image.RGBA) error {
	g.mu.Lock()
	img := g.latest
	g.mu.Unlock()
	if img == nil {
		return fmt.Errorf("no screen frame grabbed")
	}
	DrawScaled(dst, img)
	return nil
}

// DrawScaled paints src over all of dst, resampling when the sizes differ.
func DrawScaled(dst *image.RGBA, src image.Image) {
	if src.Bounds().Size() == dst.Bounds().Size() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}
