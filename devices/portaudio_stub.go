//go:build !portaudio

package devices

import (
	"errors"
	"io"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"go.uber.org/zap"
)

var errNoPortAudio = errors.New("built without portaudio support (use -tags portaudio)")

type System struct{}

func Open(*zap.Logger) (*System, error) {
	return nil, &models.PermissionOrEnvironmentError{Device: "audio", Err: errNoPortAudio}
}

func (s *System) Microphone() *Microphone { return &Microphone{} }

func (s *System) Speaker() (*Speaker, error) {
	return nil, &models.PermissionOrEnvironmentError{Device: "speaker", Err: errNoPortAudio}
}

func (s *System) Close() error { return nil }

type Microphone struct{}

func (*Microphone) OpenInput(int, int, func([]float32)) (io.Closer, error) {
	return nil, errNoPortAudio
}

type Speaker struct {
	*mixer
}

func (*Speaker) Close() error { return nil }
