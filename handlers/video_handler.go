package handlers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	"github.com/Perceptus-Labs/perceptus-live/utils"
)

// PushedVideoSource holds the latest screen frame pushed by a remote client.
// The capture loop samples it on its own cadence, so frames pushed faster
// than that are simply replaced.
type PushedVideoSource struct {
	mu     sync.Mutex
	latest image.Image
	pushed int
}

func NewPushedVideoSource() *PushedVideoSource {
	return &PushedVideoSource{}
}

// PushBase64 decodes a base64 JPEG or PNG frame.
func (s *PushedVideoSource) PushBase64(b64 string) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("failed to decode video frame: %w", err)
	}
	return s.Push(data)
}

func (s *PushedVideoSource) Push(data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode video frame image: %w", err)
	}
	s.mu.Lock()
	s.latest = img
	s.pushed++
	s.mu.Unlock()
	return nil
}

// End drops the current frame. The source reports no frame until the next
// push.
func (s *PushedVideoSource) End() {
	s.mu.Lock()
	s.latest = nil
	s.mu.Unlock()
}

// Pushed returns how many frames have been accepted.
func (s *PushedVideoSource) Pushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

func (s *PushedVideoSource) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return 0, 0
	}
	b := s.latest.Bounds()
	return b.Dx(), b.Dy()
}

func (s *PushedVideoSource) DrawInto(dst *image.RGBA) error {
	s.mu.Lock()
	img := s.latest
	s.mu.Unlock()
	if img == nil {
		return fmt.Errorf("no video frame pushed")
	}
	utils.DrawScaled(dst, img)
	return nil
}
