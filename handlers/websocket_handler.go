package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	bridgeReadLimit  = 16 << 20
	bridgeWriteWait  = 10 * time.Second
	bridgePongWait   = 60 * time.Second
	bridgePingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow connections from any origin
	},
}

// BridgeConfig is shared by every browser session of a LiveBridge.
type BridgeConfig struct {
	Base       models.BaseSessionSettings
	Credential string
	Capture    models.CaptureConfig

	Transport Transport
	URL       string

	Catalog        DocumentCatalog    // optional
	ToolWebhookURL string             // optional
	ToolWebhookKey string             // optional
	NewTranscriber func() Transcriber // optional
}

// LiveBridge serves browser sessions over a websocket. The browser streams
// screen frames and microphone audio in; state, transcript turns and model
// audio go back out.
type LiveBridge struct {
	cfg    BridgeConfig
	opts   []Option
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*BridgeSession
}

func NewLiveBridge(cfg BridgeConfig, opts ...Option) *LiveBridge {
	o := buildOptions(opts)
	return &LiveBridge{
		cfg:      cfg,
		opts:     opts,
		logger:   o.logger,
		sessions: make(map[string]*BridgeSession),
	}
}

// ActiveSessions returns the number of connected browser sessions.
func (b *LiveBridge) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Shutdown closes every browser session.
func (b *LiveBridge) Shutdown() {
	b.mu.Lock()
	sessions := make([]*BridgeSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}

// BridgeSession is one connected browser.
type BridgeSession struct {
	ID     string
	Logger *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	orc    *Orchestrator
	mic    *PushedMicrophone
	screen *PushedVideoSource

	stopOnce sync.Once
	lastTurn uint64
}

// WebSocketMessage is the envelope of every outbound message.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type mediaPayload struct {
	Data string `json:"data"`
}

// audioPayload carries either base64 PCM16 in data or raw float32 samples.
type audioPayload struct {
	Data    string    `json:"data,omitempty"`
	Samples []float32 `json:"samples,omitempty"`
}

type screenSharePayload struct {
	Enabled bool `json:"enabled"`
}

type textPayload struct {
	Text string `json:"text"`
}

func (b *LiveBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}

	session := b.newSession(conn)
	b.mu.Lock()
	b.sessions[session.ID] = session
	b.mu.Unlock()
	session.Logger.Info("New live session started")

	defer func() {
		session.Stop()
		b.mu.Lock()
		delete(b.sessions, session.ID)
		b.mu.Unlock()
		session.Logger.Info("Live session ended")
	}()

	unsubscribe := session.orc.Subscribe(session.publishState)
	defer unsubscribe()
	session.publishState(session.orc.State())

	if b.cfg.Catalog != nil {
		go func() {
			err := session.orc.WatchDocuments(session.ctx, b.cfg.Catalog)
			if err != nil && !errors.Is(err, context.Canceled) {
				session.Logger.Warn("Document watch stopped", zap.Error(err))
			}
		}()
	}

	go session.keepAlive()
	session.listenWebsocketMessages()
}

func (b *LiveBridge) newSession(conn *websocket.Conn) *BridgeSession {
	id := uuid.New().String()
	logger := b.logger.With(zap.String("session_id", id))
	ctx, cancel := context.WithCancel(context.Background())

	session := &BridgeSession{
		ID:     id,
		Logger: logger,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		mic:    NewPushedMicrophone(),
		screen: NewPushedVideoSource(),
	}

	opts := append(append([]Option(nil), b.opts...), WithLogger(logger))
	o := buildOptions(opts)

	cfg := OrchestratorConfig{
		Base:       b.cfg.Base,
		Credential: b.cfg.Credential,
		Capture:    b.cfg.Capture,
		Microphone: session.mic,
		Speaker:    NewSocketSpeaker(session.sendWebSocketMessage, o.clock),
	}
	if b.cfg.ToolWebhookURL != "" {
		cfg.Tools = NewWebhookToolExecutor(b.cfg.ToolWebhookURL, b.cfg.ToolWebhookKey, id, logger)
	}
	if b.cfg.NewTranscriber != nil {
		cfg.Transcriber = b.cfg.NewTranscriber()
	}

	session.orc = NewOrchestrator(cfg, NewLiveSessionFactory(b.cfg.Transport, b.cfg.URL, opts...), opts...)
	return session
}

// Stop tears the session down. Safe to call more than once.
func (s *BridgeSession) Stop() {
	s.stopOnce.Do(func() {
		s.Logger.Info("Stopping session")
		s.cancel()
		if err := s.orc.Close(); err != nil {
			s.Logger.Warn("Failed to close orchestrator", zap.Error(err))
		}
		s.conn.Close()
	})
}

func (s *BridgeSession) keepAlive() {
	ticker := time.NewTicker(bridgePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(bridgeWriteWait))
			s.writeMu.Unlock()
			if err != nil {
				s.Logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *BridgeSession) listenWebsocketMessages() {
	s.conn.SetReadLimit(bridgeReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	})

	for {
		var msg inboundMessage
		err := s.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.Logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(bridgePongWait))
		s.handleMessage(msg)
	}
}

func (s *BridgeSession) handleMessage(msg inboundMessage) {
	switch msg.Type {
	case "connect":
		if err := s.orc.Connect(s.ctx); err != nil {
			s.sendError(err)
		}
	case "disconnect":
		s.orc.Disconnect()
	case "start_recording":
		if err := s.orc.StartRecording(); err != nil {
			s.sendError(err)
		}
	case "stop_recording":
		s.orc.StopRecording()
	case "clear_error":
		s.orc.ClearError()
	case "screen_share":
		var p screenSharePayload
		if !s.decode(msg, &p) {
			return
		}
		if p.Enabled {
			if err := s.orc.ShareScreen(s.screen); err != nil {
				s.sendError(err)
			}
			return
		}
		s.orc.StopScreenShare()
		s.screen.End()
	case "video_frame":
		var p mediaPayload
		if !s.decode(msg, &p) {
			return
		}
		if err := s.screen.PushBase64(p.Data); err != nil {
			s.Logger.Warn("Dropping video frame", zap.Error(err))
		}
	case "audio_data":
		var p audioPayload
		if !s.decode(msg, &p) {
			return
		}
		if len(p.Samples) > 0 {
			s.mic.Push(p.Samples)
			return
		}
		if err := s.mic.PushPCM16(p.Data); err != nil {
			s.Logger.Warn("Dropping audio data", zap.Error(err))
		}
	case "activity":
		s.orc.MarkActivity()
	case "text":
		var p textPayload
		if !s.decode(msg, &p) {
			return
		}
		if err := s.orc.SendText(p.Text); err != nil {
			s.sendError(err)
		}
	case "ping":
		s.sendWebSocketMessage("pong", nil)
	default:
		s.Logger.Warn("Unknown message type", zap.String("type", msg.Type))
	}
}

func (s *BridgeSession) decode(msg inboundMessage, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.Logger.Warn("Invalid message data", zap.String("type", msg.Type), zap.Error(err))
		s.sendError(errors.New("invalid " + msg.Type + " data"))
		return false
	}
	return true
}

// publishState runs as an orchestrator subscriber.
func (s *BridgeSession) publishState(state models.SessionState) {
	s.sendWebSocketMessage("state", state)

	s.writeMu.Lock()
	turn := state.LastCompletedTurn
	isNew := turn != nil && turn.ID != s.lastTurn
	if isNew {
		s.lastTurn = turn.ID
	}
	s.writeMu.Unlock()
	if isNew {
		s.sendWebSocketMessage("turn_complete", turn)
	}
}

func (s *BridgeSession) sendError(err error) {
	message := err.Error()
	var permErr *models.PermissionOrEnvironmentError
	if errors.As(err, &permErr) {
		message = permErr.UserMessage()
	}
	s.sendWebSocketMessage("error", map[string]string{"message": message})
}

func (s *BridgeSession) sendWebSocketMessage(msgType string, data interface{}) {
	msg := WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.Logger.Debug("Failed to send websocket message", zap.Error(err), zap.String("type", msgType))
	}
}
