package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testWait = 2 * time.Second

// liveServer is a scripted stand-in for the live model endpoint.
type liveServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	ls := &liveServer{
		conns:   make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
	}
	up := websocket.Upgrader{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ls.headers <- r.Header.Clone()
		ls.conns <- conn
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *liveServer) url() string {
	return "ws" + strings.TrimPrefix(ls.srv.URL, "http")
}

func (ls *liveServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ls.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(testWait):
		t.Fatal("no connection")
		return nil
	}
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(testWait)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func writeRaw(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

type eventRecorder chan models.Event

func (r eventRecorder) handle(ev models.Event) { r <- ev }

func (r eventRecorder) next(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev := <-r:
		return ev
	case <-time.After(testWait):
		t.Fatal("no event")
		return nil
	}
}

func (r eventRecorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r:
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func testSessionConfig() models.SessionConfig {
	return models.SessionConfig{
		ModelID:               "gemini-live",
		SystemInstructionText: "help",
		VoiceID:               "Puck",
		ToolSelection:         models.WebSearchTool(),
	}
}

// openSession connects and completes setup, returning the server side.
func openSession(t *testing.T) (*LiveSession, *websocket.Conn, eventRecorder) {
	t.Helper()
	ls := newLiveServer(t)
	events := make(eventRecorder, 32)
	s := NewLiveSession(testSessionConfig(), NewWebSocketTransport(), ls.url(), events.handle, WithLogger(zap.NewNop()))
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Connect(context.Background(), "key-123"))
	server := ls.accept(t)
	assert.Equal(t, "key-123", (<-ls.headers).Get("x-goog-api-key"))
	require.Contains(t, readJSON(t, server), "setup")

	writeRaw(t, server, `{"setupComplete":{}}`)
	assert.Equal(t, models.OpenedEvent{}, events.next(t))
	require.Equal(t, models.StatusConnected, s.Status())
	return s, server, events
}

func TestLiveSessionMissingCredential(t *testing.T) {
	s := NewLiveSession(testSessionConfig(), failingTransport{}, "", nil, WithLogger(zap.NewNop()))
	err := s.Connect(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrMissingCredential)
	assert.Equal(t, models.StatusDisconnected, s.Status())
}

type failingTransport struct{}

func (failingTransport) Dial(context.Context, string, string) (Conn, error) {
	return nil, errors.New("connection refused")
}

func TestLiveSessionDialFailure(t *testing.T) {
	s := NewLiveSession(testSessionConfig(), failingTransport{}, "", nil, WithLogger(zap.NewNop()))
	err := s.Connect(context.Background(), "key")
	var te *models.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.Equal(t, models.StatusError, s.Status())
}

func TestLiveSessionConnectingUntilSetupComplete(t *testing.T) {
	ls := newLiveServer(t)
	events := make(eventRecorder, 8)
	s := NewLiveSession(testSessionConfig(), NewWebSocketTransport(), ls.url(), events.handle, WithLogger(zap.NewNop()))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background(), "key"))
	server := ls.accept(t)
	setup := readJSON(t, server)["setup"].(map[string]any)
	assert.Equal(t, "models/gemini-live", setup["model"])
	assert.Len(t, setup["tools"], 1)

	assert.Equal(t, models.StatusConnecting, s.Status())
	// a second connect while connecting is ignored
	require.NoError(t, s.Connect(context.Background(), "key"))
	events.none(t)

	// media is refused until the server acknowledges setup
	assert.ErrorIs(t, s.SendRealtimeInput(models.MediaChunk{MimeType: models.MimeTypeJPEG, Data: "x"}), models.ErrNotConnected)

	writeRaw(t, server, `{"setupComplete":{}}`)
	assert.Equal(t, models.OpenedEvent{}, events.next(t))
	assert.Equal(t, models.StatusConnected, s.Status())
}

func TestLiveSessionInboundEventsInOrder(t *testing.T) {
	_, server, events := openSession(t)

	writeRaw(t, server, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}},{"text":"A"}]}}}`)
	writeRaw(t, server, `{"serverContent":{"modelTurn":{"parts":[{"text":"B"}]}}}`)
	writeRaw(t, server, `not json`)
	writeRaw(t, server, `{"serverContent":{"turnComplete":true}}`)
	writeRaw(t, server, `{"toolCall":{"functionCalls":[{"id":"1","name":"now"}]}}`)

	content := events.next(t).(models.ContentEvent)
	assert.Len(t, content.Parts, 2)
	assert.Equal(t, models.TextDeltaEvent{Text: "A"}, events.next(t))
	assert.IsType(t, models.ContentEvent{}, events.next(t))
	assert.Equal(t, models.TextDeltaEvent{Text: "B"}, events.next(t))
	assert.Equal(t, models.TurnCompleteEvent{}, events.next(t))
	call := events.next(t).(models.ToolCallEvent)
	assert.Equal(t, "now", call.Calls[0].Name)
}

func TestLiveSessionSends(t *testing.T) {
	s, server, _ := openSession(t)

	require.NoError(t, s.SendRealtimeInput(
		models.MediaChunk{MimeType: models.MimeTypeJPEG, Data: "img"},
		models.MediaChunk{MimeType: models.MimeTypePCMInput, Data: "pcm"},
	))
	for _, want := range []models.MediaChunk{
		{MimeType: "image/jpeg", Data: "img"},
		{MimeType: "audio/pcm;rate=16000", Data: "pcm"},
	} {
		msg := readJSON(t, server)
		chunks := msg["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
		require.Len(t, chunks, 1)
		chunk := chunks[0].(map[string]any)
		assert.Equal(t, want.MimeType, chunk["mimeType"])
		assert.Equal(t, want.Data, chunk["data"])
	}

	require.NoError(t, s.SendText("hello"))
	cc := readJSON(t, server)["clientContent"].(map[string]any)
	assert.Equal(t, true, cc["turnComplete"])
	turn := cc["turns"].([]any)[0].(map[string]any)
	assert.Equal(t, "user", turn["role"])

	require.NoError(t, s.SendToolResponse(models.ToolResponse{FunctionResponses: []models.FunctionResponse{
		{ID: "1", Name: "now", Response: map[string]any{"time": "noon"}},
	}}))
	tr := readJSON(t, server)["toolResponse"].(map[string]any)
	resp := tr["functionResponses"].([]any)[0].(map[string]any)
	assert.Equal(t, "1", resp["id"])
}

func TestLiveSessionNotConnected(t *testing.T) {
	s := NewLiveSession(testSessionConfig(), failingTransport{}, "", nil, WithLogger(zap.NewNop()))
	assert.NoError(t, s.SendText("dropped"))
	assert.ErrorIs(t, s.SendRealtimeInput(models.MediaChunk{}), models.ErrNotConnected)
	assert.ErrorIs(t, s.SendToolResponse(models.ToolResponse{}), models.ErrNotConnected)
	s.Disconnect()
	assert.Equal(t, models.StatusDisconnected, s.Status())
}

func TestLiveSessionServerClose(t *testing.T) {
	s, server, events := openSession(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over")
	require.NoError(t, server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Equal(t, models.ClosedEvent{Reason: "session over"}, events.next(t))
	assert.Equal(t, models.StatusDisconnected, s.Status())
	assert.ErrorIs(t, s.SendRealtimeInput(models.MediaChunk{}), models.ErrNotConnected)
}

func TestLiveSessionAbruptClose(t *testing.T) {
	s, server, events := openSession(t)

	require.NoError(t, server.UnderlyingConn().Close())

	ev := events.next(t).(models.ErrorEvent)
	var te *models.TransportError
	require.ErrorAs(t, ev.Err, &te)
	assert.Equal(t, "receive", te.Op)
	assert.Equal(t, models.StatusError, s.Status())
}

func TestLiveSessionDisconnect(t *testing.T) {
	s, server, events := openSession(t)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, models.StatusDisconnected, s.Status())
	events.none(t)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(testWait)))
	_, _, err := server.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
