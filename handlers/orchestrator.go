package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/metrics"
	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"go.uber.org/zap"
)

const toolCallTimeout = 30 * time.Second

// turnSeq numbers completed turns across every orchestrator in the process.
var turnSeq atomic.Uint64

var allStatuses = []string{
	models.StatusDisconnected.String(),
	models.StatusConnecting.String(),
	models.StatusConnected.String(),
	models.StatusError.String(),
}

// LiveClient is the part of a live session the orchestrator drives.
type LiveClient interface {
	Connect(ctx context.Context, credential string) error
	Disconnect()
	SendText(text string) error
	SendRealtimeInput(chunks ...models.MediaChunk) error
	SendToolResponse(resp models.ToolResponse) error
	Status() models.SessionStatus
}

// SessionFactory builds a live client for one configuration. Events of that
// client go to handler.
type SessionFactory func(cfg models.SessionConfig, handler func(models.Event)) LiveClient

func NewLiveSessionFactory(transport Transport, url string, opts ...Option) SessionFactory {
	return func(cfg models.SessionConfig, handler func(models.Event)) LiveClient {
		return NewLiveSession(cfg, transport, url, handler, opts...)
	}
}

// ToolExecutor answers tool calls made by the model.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.FunctionCall) (map[string]any, error)
}

// Transcriber turns outbound microphone audio into text on the user side.
type Transcriber interface {
	Start(onTranscript func(text string)) error
	Send(pcm16 []byte) error
	Stop()
}

// DocumentCatalog reports the state of a knowledge base store.
type DocumentCatalog interface {
	Snapshot(ctx context.Context) (models.KnowledgeBase, error)
	// Watch delivers a fresh snapshot after every change until ctx is done.
	Watch(ctx context.Context) (<-chan models.KnowledgeBase, error)
}

type OrchestratorConfig struct {
	Base       models.BaseSessionSettings
	Credential string
	Capture    models.CaptureConfig

	Microphone AudioDevice
	Speaker    AudioOutput

	Tools       ToolExecutor // optional
	Transcriber Transcriber  // optional
}

// Orchestrator wires screen frames and microphone audio into a live session
// and its replies into playback and the transcript.
//
// Subscribers are called one at a time with the latest state and must not
// call back into the orchestrator.
type Orchestrator struct {
	cfg      OrchestratorConfig
	factory  SessionFactory
	mic      *AudioCaptureChannel
	playback *AudioPlaybackQueue
	opts     []Option

	clock   utils.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	session      LiveClient
	sessionGen   int
	sessionCfg   models.SessionConfig
	readyDocs    []string
	state        models.SessionState
	transcript   strings.Builder // text of the model turn in progress
	transcribing bool
	screen       *ScreenCaptureLoop
	subscribers  map[int]func(models.SessionState)
	nextSubID    int

	notifyMu sync.Mutex
}

func NewOrchestrator(cfg OrchestratorConfig, factory SessionFactory, opts ...Option) *Orchestrator {
	o := buildOptions(opts)
	if cfg.Speaker == nil {
		cfg.Speaker = discardOutput{}
	}
	orc := &Orchestrator{
		cfg:         cfg,
		factory:     factory,
		mic:         NewAudioCaptureChannel(cfg.Microphone, opts...),
		playback:    NewAudioPlaybackQueue(cfg.Speaker, opts...),
		opts:        opts,
		clock:       o.clock,
		logger:      o.logger.With(zap.String("component", "orchestrator")),
		metrics:     o.metrics,
		subscribers: make(map[int]func(models.SessionState)),
	}
	orc.sessionCfg = models.BuildSessionConfig(cfg.Base, models.KnowledgeBase{})
	orc.session = orc.newSessionLocked()
	return orc
}

func (o *Orchestrator) newSessionLocked() LiveClient {
	o.sessionGen++
	gen := o.sessionGen
	return o.factory(o.sessionCfg, func(ev models.Event) { o.handleEvent(gen, ev) })
}

// State returns a snapshot of the consumer facing state.
func (o *Orchestrator) State() models.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	if s.LastCompletedTurn != nil {
		t := *s.LastCompletedTurn
		s.LastCompletedTurn = &t
	}
	return s
}

// SessionConfig returns the configuration of the current session.
func (o *Orchestrator) SessionConfig() models.SessionConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionCfg
}

// Subscribe registers fn for state changes and returns a func removing it.
func (o *Orchestrator) Subscribe(fn func(models.SessionState)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subscribers, id)
	}
}

func (o *Orchestrator) notify() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	state := o.State()
	o.mu.Lock()
	subs := make([]func(models.SessionState), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (o *Orchestrator) setStatusLocked(status models.SessionStatus) {
	o.state.Status = status
	o.metrics.SetStatus(status.String(), allStatuses...)
}

// Connect opens the current session. The session reports Connected once the
// server has acknowledged it; recording starts then.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if o.cfg.Credential == "" {
		return models.ErrMissingCredential
	}

	o.mu.Lock()
	if o.state.Status == models.StatusConnecting || o.state.Status == models.StatusConnected {
		o.mu.Unlock()
		return nil
	}
	session := o.session
	o.setStatusLocked(models.StatusConnecting)
	o.state.Error = ""
	o.mu.Unlock()
	o.notify()

	if err := session.Connect(ctx, o.cfg.Credential); err != nil {
		o.mu.Lock()
		if session == o.session {
			o.setStatusLocked(models.StatusError)
			o.state.Error = err.Error()
		}
		o.mu.Unlock()
		o.notify()
		return fmt.Errorf("failed to connect live session: %w", err)
	}
	return nil
}

// Disconnect closes the session and releases the microphone and speaker.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	session := o.session
	o.setStatusLocked(models.StatusDisconnected)
	o.resetTurnLocked()
	o.mu.Unlock()

	session.Disconnect()
	o.stopAudio()
	o.notify()
}

// StartRecording starts the microphone. The session must be connected.
func (o *Orchestrator) StartRecording() error {
	o.mu.Lock()
	connected := o.state.Status == models.StatusConnected
	o.mu.Unlock()
	if !connected {
		return models.ErrNotConnected
	}
	err := o.startMicrophone()
	o.notify()
	return err
}

func (o *Orchestrator) startMicrophone() error {
	if err := o.mic.Start(o.handleMicChunk); err != nil {
		msg := err.Error()
		var permErr *models.PermissionOrEnvironmentError
		if errors.As(err, &permErr) {
			msg = permErr.UserMessage()
		}
		o.mu.Lock()
		o.state.IsRecording = false
		o.state.Error = msg
		o.mu.Unlock()
		o.logger.Warn("Microphone unavailable", zap.Error(err))
		return err
	}

	o.mu.Lock()
	o.state.IsRecording = true
	startTranscriber := o.cfg.Transcriber != nil && !o.transcribing
	o.transcribing = o.transcribing || startTranscriber
	o.mu.Unlock()

	if startTranscriber {
		if err := o.cfg.Transcriber.Start(o.completeUserTurn); err != nil {
			// user side transcripts are optional
			o.logger.Warn("Failed to start transcriber", zap.Error(err))
			o.mu.Lock()
			o.transcribing = false
			o.mu.Unlock()
		}
	}
	return nil
}

func (o *Orchestrator) StopRecording() {
	o.mic.Stop()
	o.stopTranscriber()
	o.mu.Lock()
	o.state.IsRecording = false
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) stopTranscriber() {
	o.mu.Lock()
	running := o.transcribing
	o.transcribing = false
	o.mu.Unlock()
	if running {
		o.cfg.Transcriber.Stop()
	}
}

func (o *Orchestrator) stopAudio() {
	o.mic.Stop()
	o.stopTranscriber()
	o.playback.Stop()
	o.mu.Lock()
	o.state.IsRecording = false
	o.mu.Unlock()
}

func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	o.state.Error = ""
	o.mu.Unlock()
	o.notify()
}

// SendText sends a typed user message to the model.
func (o *Orchestrator) SendText(text string) error {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	return session.SendText(text)
}

// HandleFrame forwards an accepted screen frame as JPEG realtime input.
func (o *Orchestrator) HandleFrame(frame models.Frame) {
	o.sendMedia(models.MediaChunk{MimeType: models.MimeTypeJPEG, Data: frame.PixelData})
}

func (o *Orchestrator) handleMicChunk(chunk models.AudioChunk) {
	o.sendMedia(models.MediaChunk{
		MimeType: models.MimeTypePCMInput,
		Data:     base64.StdEncoding.EncodeToString(chunk.PCM16),
	})

	o.mu.Lock()
	transcribing := o.transcribing
	o.mu.Unlock()
	if transcribing {
		if err := o.cfg.Transcriber.Send(chunk.PCM16); err != nil {
			o.logger.Debug("Failed to forward audio to transcriber", zap.Error(err))
		}
	}
}

func (o *Orchestrator) sendMedia(chunk models.MediaChunk) {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	err := session.SendRealtimeInput(chunk)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotConnected):
		// frames and audio produced outside a live session are dropped
	default:
		o.logger.Warn("Failed to send realtime input", zap.String("mime_type", chunk.MimeType), zap.Error(err))
	}
}

// ShareScreen starts sampling source and sending accepted frames. Sharing
// a new source replaces the previous one.
func (o *Orchestrator) ShareScreen(source VideoSource) error {
	loop, err := NewScreenCaptureLoop(o.cfg.Capture, source, o.HandleFrame, o.opts...)
	if err != nil {
		return err
	}
	o.mu.Lock()
	prev := o.screen
	o.screen = loop
	o.mu.Unlock()
	if prev != nil {
		prev.Disable()
	}
	loop.Enable()
	return nil
}

func (o *Orchestrator) StopScreenShare() {
	o.mu.Lock()
	loop := o.screen
	o.screen = nil
	o.mu.Unlock()
	if loop != nil {
		loop.Disable()
	}
}

// MarkActivity forwards user input activity to the screen capture cadence.
func (o *Orchestrator) MarkActivity() {
	o.mu.Lock()
	loop := o.screen
	o.mu.Unlock()
	if loop != nil {
		loop.MarkActivity()
	}
}

func (o *Orchestrator) ScreenStats() (CaptureStats, bool) {
	o.mu.Lock()
	loop := o.screen
	o.mu.Unlock()
	if loop == nil {
		return CaptureStats{}, false
	}
	return loop.Stats(), true
}

// UpdateDocuments recomputes the session configuration from a knowledge base
// snapshot. When the set of ready documents changed, the current session is
// discarded and replaced, and a live connection drops to Disconnected.
// Reconnecting is left to the user.
func (o *Orchestrator) UpdateDocuments(kb models.KnowledgeBase) {
	ready := kb.ReadyDocumentIDs()
	cfg := models.BuildSessionConfig(o.cfg.Base, kb)

	o.mu.Lock()
	if slices.Equal(ready, o.readyDocs) && cfg.ToolSelection.Equal(o.sessionCfg.ToolSelection) {
		o.mu.Unlock()
		return
	}
	o.readyDocs = ready
	old := o.session
	o.sessionCfg = cfg
	o.session = o.newSessionLocked()
	wasLive := o.state.Status != models.StatusDisconnected
	o.setStatusLocked(models.StatusDisconnected)
	o.resetTurnLocked()
	tool := o.sessionCfg.ToolSelection.Kind
	o.mu.Unlock()

	o.logger.Info("Rebuilt session configuration",
		zap.String("store_id", kb.StoreID),
		zap.Int("ready_documents", len(ready)),
		zap.Stringer("tool", tool),
		zap.Bool("was_live", wasLive))

	old.Disconnect()
	if wasLive {
		o.stopAudio()
	}
	o.notify()
}

// WatchDocuments feeds catalog snapshots into UpdateDocuments until ctx is
// done or the catalog stops. The watch is opened before the first snapshot
// is read so no change can fall between the two.
func (o *Orchestrator) WatchDocuments(ctx context.Context, catalog DocumentCatalog) error {
	updates, err := catalog.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch document catalog: %w", err)
	}

	kb, err := catalog.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load document catalog: %w", err)
	}
	o.UpdateDocuments(kb)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case kb, ok := <-updates:
			if !ok {
				return nil
			}
			o.UpdateDocuments(kb)
		}
	}
}

// Close disconnects and releases every device.
func (o *Orchestrator) Close() error {
	o.StopScreenShare()
	o.Disconnect()
	return o.playback.Close()
}

func (o *Orchestrator) handleEvent(gen int, ev models.Event) {
	o.mu.Lock()
	current := gen == o.sessionGen
	o.mu.Unlock()
	if !current {
		return
	}

	switch e := ev.(type) {
	case models.OpenedEvent:
		o.mu.Lock()
		// a Disconnect racing the setup acknowledgment wins
		if o.state.Status != models.StatusConnecting || o.session.Status() != models.StatusConnected {
			o.mu.Unlock()
			o.logger.Debug("Ignoring open of a session that is no longer connecting")
			return
		}
		o.setStatusLocked(models.StatusConnected)
		o.state.Error = ""
		o.mu.Unlock()
		// the microphone goes live with the link, no push to talk
		_ = o.startMicrophone()

	case models.ClosedEvent:
		o.logger.Info("Live session closed", zap.String("reason", e.Reason))
		o.mu.Lock()
		o.setStatusLocked(models.StatusDisconnected)
		o.resetTurnLocked()
		o.mu.Unlock()
		o.stopAudio()

	case models.ContentEvent:
		for _, p := range e.Parts {
			if !p.IsAudio() {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				o.logger.Warn("Dropping undecodable audio part", zap.Error(err))
				continue
			}
			o.playback.AddPCM16(pcm)
		}
		return

	case models.TextDeltaEvent:
		o.mu.Lock()
		o.transcript.WriteString(e.Text)
		o.state.StreamingText = o.transcript.String()
		o.state.IsStreaming = true
		o.mu.Unlock()

	case models.TurnCompleteEvent:
		o.mu.Lock()
		if o.transcript.Len() > 0 {
			o.state.LastCompletedTurn = &models.CompletedTurn{
				ID:        turnSeq.Add(1),
				Role:      models.RoleModel,
				Text:      o.transcript.String(),
				Timestamp: o.clock.Now(),
			}
			o.metrics.TurnCompleted()
		}
		o.resetTurnLocked()
		o.mu.Unlock()

	case models.InterruptedEvent:
		o.logger.Debug("Model response interrupted")
		o.playback.Stop()
		return

	case models.ToolCallEvent:
		o.mu.Lock()
		session := o.session
		o.mu.Unlock()
		go o.answerToolCalls(session, e.Calls)
		return

	case models.ErrorEvent:
		o.logger.Error("Live session failed", zap.Error(e.Err))
		o.mu.Lock()
		o.setStatusLocked(models.StatusError)
		o.state.Error = e.Err.Error()
		o.resetTurnLocked()
		o.mu.Unlock()
		o.stopAudio()
	}
	o.notify()
}

func (o *Orchestrator) resetTurnLocked() {
	o.transcript.Reset()
	o.state.StreamingText = ""
	o.state.IsStreaming = false
}

func (o *Orchestrator) completeUserTurn(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.mu.Lock()
	o.state.LastCompletedTurn = &models.CompletedTurn{
		ID:        turnSeq.Add(1),
		Role:      models.RoleUser,
		Text:      text,
		Timestamp: o.clock.Now(),
	}
	o.mu.Unlock()
	o.metrics.TurnCompleted()
	o.notify()
}

func (o *Orchestrator) answerToolCalls(session LiveClient, calls []models.FunctionCall) {
	ctx, cancel := context.WithTimeout(context.Background(), toolCallTimeout)
	defer cancel()

	resp := models.ToolResponse{FunctionResponses: make([]models.FunctionResponse, 0, len(calls))}
	for _, call := range calls {
		var result map[string]any
		var err error
		if o.cfg.Tools == nil {
			err = fmt.Errorf("no tool named %q is available", call.Name)
		} else {
			result, err = o.cfg.Tools.Execute(ctx, call)
		}
		if err != nil {
			o.logger.Warn("Tool call failed", zap.String("tool", call.Name), zap.Error(err))
			result = map[string]any{"error": err.Error()}
		}
		resp.FunctionResponses = append(resp.FunctionResponses, models.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: result,
		})
	}
	if err := session.SendToolResponse(resp); err != nil {
		o.logger.Warn("Failed to send tool response", zap.Error(err))
	}
}
