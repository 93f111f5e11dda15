//go:build portaudio

package devices

import (
	"fmt"
	"io"
	"sync"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

// speakerFramesPerBuffer is 40ms at 24kHz.
const speakerFramesPerBuffer = 960

// System owns the PortAudio library handle.
type System struct {
	logger  *zap.Logger
	speaker *Speaker
}

// Open initializes PortAudio. Close must be called to release it.
func Open(logger *zap.Logger) (*System, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &models.PermissionOrEnvironmentError{Device: "audio", Err: err}
	}
	return &System{logger: logger.With(zap.String("component", "portaudio"))}, nil
}

func (s *System) Microphone() *Microphone {
	return &Microphone{logger: s.logger}
}

// Speaker opens the default output stream on first use.
func (s *System) Speaker() (*Speaker, error) {
	if s.speaker != nil {
		return s.speaker, nil
	}
	sp, err := openSpeaker(s.logger)
	if err != nil {
		return nil, err
	}
	s.speaker = sp
	return sp, nil
}

func (s *System) Close() error {
	if s.speaker != nil {
		s.speaker.Close()
	}
	return portaudio.Terminate()
}

// Microphone opens the default input device.
type Microphone struct {
	logger *zap.Logger
}

func (m *Microphone) OpenInput(sampleRate, framesPerBuffer int, onBuffer func([]float32)) (io.Closer, error) {
	in := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, in)
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	input := &inputStream{stream: stream, done: make(chan struct{})}
	go func() {
		defer close(input.done)
		for !input.isStopped() {
			if err := stream.Read(); err != nil {
				if input.isStopped() {
					return
				}
				m.logger.Debug("Input overflow", zap.Error(err))
				continue
			}
			onBuffer(append([]float32(nil), in...))
		}
	}()
	m.logger.Info("Microphone stream opened", zap.Int("sample_rate", sampleRate), zap.Int("frames_per_buffer", framesPerBuffer))
	return input, nil
}

type inputStream struct {
	stream *portaudio.Stream
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (s *inputStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	stopErr := s.stream.Stop()
	<-s.done
	if err := s.stream.Close(); err != nil {
		return err
	}
	return stopErr
}

// Speaker plays mono 24kHz audio on the default output device.
type Speaker struct {
	*mixer
	stream *portaudio.Stream
	logger *zap.Logger

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func openSpeaker(logger *zap.Logger) (*Speaker, error) {
	out := make([]float32, speakerFramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(models.OutputSampleRate), speakerFramesPerBuffer, out)
	if err != nil {
		return nil, &models.PermissionOrEnvironmentError{Device: "speaker", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, &models.PermissionOrEnvironmentError{Device: "speaker", Err: err}
	}

	sp := &Speaker{
		mixer:  newMixer(models.OutputSampleRate),
		stream: stream,
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go sp.writeLoop(out)
	return sp, nil
}

func (sp *Speaker) writeLoop(out []float32) {
	defer close(sp.done)
	for {
		select {
		case <-sp.quit:
			return
		default:
		}
		ended := sp.fill(out)
		if err := sp.stream.Write(); err != nil {
			sp.logger.Debug("Output underflow", zap.Error(err))
		}
		for _, f := range ended {
			f()
		}
	}
}

func (sp *Speaker) Close() error {
	var err error
	sp.closeOnce.Do(func() {
		close(sp.quit)
		<-sp.done
		if stopErr := sp.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := sp.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
