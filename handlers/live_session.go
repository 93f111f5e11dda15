package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/Perceptus-Labs/perceptus-live/metrics"
	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveSession owns one connection to the live model. Its configuration is
// fixed at construction; changing tools means a new session.
//
// Events reach the handler one at a time and in the order the server sent
// them. The handler must not call Connect on the same session.
type LiveSession struct {
	ID string

	cfg       models.SessionConfig
	url       string
	transport Transport
	handler   func(models.Event)

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	status models.SessionStatus
	conn   Conn
	epoch  int // bumped on every connect and disconnect

	emitMu sync.Mutex
}

func NewLiveSession(cfg models.SessionConfig, transport Transport, url string, handler func(models.Event), opts ...Option) *LiveSession {
	o := buildOptions(opts)
	if url == "" {
		url = DefaultLiveURL
	}
	if handler == nil {
		handler = func(models.Event) {}
	}
	id := uuid.New().String()
	return &LiveSession{
		ID:        id,
		cfg:       cfg,
		url:       url,
		transport: transport,
		handler:   handler,
		logger:    o.logger.With(zap.String("live_session_id", id)),
		metrics:   o.metrics,
	}
}

func (s *LiveSession) Config() models.SessionConfig { return s.cfg }

func (s *LiveSession) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *LiveSession) setStatusLocked(status models.SessionStatus) {
	if s.status == status {
		return
	}
	s.logger.Debug("Session status changed", zap.Stringer("from", s.status), zap.Stringer("to", status))
	s.status = status
}

// Connect opens the transport and sends the setup message. The session is
// Connecting when Connect returns; the server's setup acknowledgment moves it
// to Connected and emits OpenedEvent.
func (s *LiveSession) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return models.ErrMissingCredential
	}

	s.mu.Lock()
	if s.status == models.StatusConnecting || s.status == models.StatusConnected {
		s.mu.Unlock()
		return nil
	}
	s.epoch++
	epoch := s.epoch
	s.setStatusLocked(models.StatusConnecting)
	s.mu.Unlock()

	s.logger.Info("Connecting live session",
		zap.String("model", s.cfg.ModelID),
		zap.Stringer("tool", s.cfg.ToolSelection.Kind))

	conn, err := s.transport.Dial(ctx, s.url, credential)
	if err != nil {
		return s.failConnect(epoch, nil, &models.TransportError{Op: "dial", Err: err})
	}

	s.mu.Lock()
	if epoch != s.epoch {
		// disconnected while dialing
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	if err := conn.WriteJSON(clientMessage{Setup: buildSetup(s.cfg)}); err != nil {
		return s.failConnect(epoch, conn, &models.TransportError{Op: "setup", Err: err})
	}

	go s.receiveLoop(conn, epoch)
	return nil
}

func (s *LiveSession) failConnect(epoch int, conn Conn, err error) error {
	s.mu.Lock()
	if epoch == s.epoch {
		s.conn = nil
		s.setStatusLocked(models.StatusError)
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.metrics.TransportError()
	s.logger.Error("Failed to connect live session", zap.Error(err))
	return err
}

// Disconnect closes the transport and returns to Disconnected. It does not
// emit ClosedEvent and is a no-op when already disconnected.
func (s *LiveSession) Disconnect() {
	s.mu.Lock()
	s.epoch++
	conn := s.conn
	s.conn = nil
	wasActive := s.status != models.StatusDisconnected
	s.setStatusLocked(models.StatusDisconnected)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Error closing live connection", zap.Error(err))
		}
	}
	if wasActive {
		s.logger.Info("Live session disconnected")
	}
}

// connected returns the open connection, or nil unless the session is
// Connected.
func (s *LiveSession) connected() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.StatusConnected {
		return nil
	}
	return s.conn
}

// SendText sends one user text turn. Text sent while not connected is dropped.
func (s *LiveSession) SendText(text string) error {
	conn := s.connected()
	if conn == nil {
		s.logger.Debug("Dropping text while not connected")
		return nil
	}
	if err := conn.WriteJSON(textMessage(text)); err != nil {
		return &models.TransportError{Op: "send text", Err: err}
	}
	return nil
}

// SendRealtimeInput streams media chunks, one message per chunk, in order.
func (s *LiveSession) SendRealtimeInput(chunks ...models.MediaChunk) error {
	conn := s.connected()
	if conn == nil {
		return models.ErrNotConnected
	}
	for _, c := range chunks {
		if err := conn.WriteJSON(mediaMessage(c)); err != nil {
			return &models.TransportError{Op: "send realtime input", Err: err}
		}
	}
	return nil
}

func (s *LiveSession) SendToolResponse(resp models.ToolResponse) error {
	conn := s.connected()
	if conn == nil {
		return models.ErrNotConnected
	}
	if err := conn.WriteJSON(clientMessage{ToolResponse: &resp}); err != nil {
		return &models.TransportError{Op: "send tool response", Err: err}
	}
	return nil
}

func (s *LiveSession) receiveLoop(conn Conn, epoch int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(conn, epoch, err)
			return
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			s.logger.Warn("Ignoring malformed server message", zap.Error(err))
			continue
		}

		if msg.setupComplete {
			s.mu.Lock()
			opened := epoch == s.epoch && s.status == models.StatusConnecting
			if opened {
				s.setStatusLocked(models.StatusConnected)
			}
			s.mu.Unlock()
			if opened {
				s.logger.Info("Live session connected")
				s.emit(epoch, models.OpenedEvent{})
			}
		}
		if msg.goAway != nil {
			s.logger.Warn("Server is closing the session soon", zap.String("time_left", msg.goAway.TimeLeft))
		}
		for _, ev := range msg.events {
			s.emit(epoch, ev)
		}
	}
}

func (s *LiveSession) handleReadError(conn Conn, epoch int, err error) {
	s.mu.Lock()
	if epoch != s.epoch {
		// our own Disconnect closed the socket
		s.mu.Unlock()
		return
	}
	s.conn = nil
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if normal {
		s.setStatusLocked(models.StatusDisconnected)
	} else {
		s.setStatusLocked(models.StatusError)
	}
	s.mu.Unlock()
	_ = conn.Close()

	if normal {
		reason := ""
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			reason = ce.Text
		}
		s.logger.Info("Live session closed by server", zap.String("reason", reason))
		s.emit(epoch, models.ClosedEvent{Reason: reason})
		return
	}
	s.metrics.TransportError()
	s.logger.Error("Live connection failed", zap.Error(err))
	s.emit(epoch, models.ErrorEvent{Err: &models.TransportError{Op: "receive", Err: err}})
}

func (s *LiveSession) emit(epoch int, ev models.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	current := epoch == s.epoch
	s.mu.Unlock()
	if !current {
		return
	}
	s.handler(ev)
}
