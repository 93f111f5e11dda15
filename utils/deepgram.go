package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"go.uber.org/zap"
)

// DeepgramStream is the part of the Deepgram live client the transcriber uses.
type DeepgramStream interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type DeepgramOptions struct {
	APIKey              string
	Language            string
	Model               string
	SampleRate          int
	UtteranceEndMs      int
	ConfidenceThreshold float64
}

func DefaultDeepgramOptions(apiKey string) DeepgramOptions {
	return DeepgramOptions{
		APIKey:              apiKey,
		Language:            "en",
		Model:               "nova-3",
		SampleRate:          16000,
		UtteranceEndMs:      1000,
		ConfidenceThreshold: 0.5,
	}
}

// DeepgramTranscriber transcribes the outbound microphone stream so the
// user's side of the conversation shows up in the transcript. Final results
// are collected and handed over as one utterance once Deepgram reports the
// end of speech.
type DeepgramTranscriber struct {
	opts   DeepgramOptions
	logger *zap.Logger
	dial   func(ctx context.Context, cb msginterfaces.LiveMessageCallback) (DeepgramStream, error)

	mu           sync.Mutex
	stream       DeepgramStream
	onTranscript func(string)
	pending      []string
	bytesSent    int64
}

func NewDeepgramTranscriber(opts DeepgramOptions, logger *zap.Logger) *DeepgramTranscriber {
	t := &DeepgramTranscriber{opts: opts, logger: logger.With(zap.String("component", "deepgram"))}
	t.dial = t.dialDeepgram
	return t
}

func (t *DeepgramTranscriber) dialDeepgram(ctx context.Context, cb msginterfaces.LiveMessageCallback) (DeepgramStream, error) {
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Language:       t.opts.Language,
		Encoding:       "linear16",
		SampleRate:     t.opts.SampleRate,
		Channels:       1,
		Endpointing:    "300",
		InterimResults: true,
		FillerWords:    false,
		Model:          t.opts.Model,
		SmartFormat:    true,
	}
	if t.opts.Language != "en" && t.opts.Model == "nova-3" {
		t.logger.Warn("Using multilingual model for non-English language", zap.String("language", t.opts.Language))
		transcriptOptions.Language = "multi"
	}
	if t.opts.UtteranceEndMs > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(t.opts.UtteranceEndMs)
	}
	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}

	dgClient, err := listen.NewWebSocketUsingCallback(ctx, t.opts.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create live transcription client: %w", err)
	}
	return dgClient, nil
}

// Start connects to Deepgram. Calling Start on a running transcriber is a
// no-op.
func (t *DeepgramTranscriber) Start(onTranscript func(text string)) error {
	if t.opts.APIKey == "" {
		return errors.New("deepgram api key not set")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream != nil {
		return nil
	}

	stream, err := t.dial(context.Background(), t)
	if err != nil {
		return err
	}
	if !stream.Connect() {
		return errors.New("failed to connect to deepgram websocket")
	}
	t.stream = stream
	t.onTranscript = onTranscript
	t.pending = nil
	t.logger.Info("Deepgram transcription started", zap.String("model", t.opts.Model))
	return nil
}

func (t *DeepgramTranscriber) Send(pcm16 []byte) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return nil
	}

	err := stream.Stream(bufio.NewReader(bytes.NewReader(pcm16)))
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to stream audio to deepgram: %w", err)
	}

	t.mu.Lock()
	t.bytesSent += int64(len(pcm16))
	t.mu.Unlock()
	return nil
}

func (t *DeepgramTranscriber) Stop() {
	t.mu.Lock()
	stream := t.stream
	t.stream = nil
	t.onTranscript = nil
	t.pending = nil
	sent := t.bytesSent
	t.mu.Unlock()

	if stream != nil {
		stream.Stop()
		t.logger.Info("Deepgram transcription stopped", zap.Int64("bytes_sent", sent))
	}
}

// onResult handles one transcription result.
func (t *DeepgramTranscriber) onResult(transcript string, confidence float64, isFinal, speechFinal bool) {
	transcript = strings.TrimSpace(transcript)

	t.mu.Lock()
	if transcript != "" && isFinal {
		if confidence >= t.opts.ConfidenceThreshold {
			t.pending = append(t.pending, transcript)
		} else {
			t.logger.Debug("Discarding low confidence transcript", zap.String("transcript", transcript), zap.Float64("confidence", confidence))
		}
	}
	t.mu.Unlock()

	if speechFinal {
		t.flush()
	}
}

func (t *DeepgramTranscriber) flush() {
	t.mu.Lock()
	text := strings.Join(t.pending, " ")
	t.pending = nil
	cb := t.onTranscript
	t.mu.Unlock()

	if text != "" && cb != nil {
		cb(text)
	}
}

func (t *DeepgramTranscriber) Open(*msginterfaces.OpenResponse) error {
	t.logger.Info("Deepgram socket connection opened")
	return nil
}

func (t *DeepgramTranscriber) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alternative := mr.Channel.Alternatives[0]
	t.onResult(alternative.Transcript, alternative.Confidence, mr.IsFinal, mr.SpeechFinal)
	return nil
}

func (t *DeepgramTranscriber) Metadata(*msginterfaces.MetadataResponse) error {
	return nil
}

func (t *DeepgramTranscriber) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	t.logger.Debug("Speech started")
	return nil
}

func (t *DeepgramTranscriber) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	t.flush()
	return nil
}

func (t *DeepgramTranscriber) Close(*msginterfaces.CloseResponse) error {
	t.logger.Info("Deepgram socket connection closed")
	return nil
}

func (t *DeepgramTranscriber) Error(er *msginterfaces.ErrorResponse) error {
	t.logger.Error("Deepgram error", zap.String("message", er.ErrMsg), zap.String("description", er.Description))
	return nil
}

func (t *DeepgramTranscriber) UnhandledEvent(byData []byte) error {
	t.logger.Warn("Unhandled deepgram event", zap.ByteString("data", byData))
	return nil
}
