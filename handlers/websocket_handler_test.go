package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type bridgeClient struct {
	conn *websocket.Conn
}

func dialBridge(t *testing.T, bridge *LiveBridge) *bridgeClient {
	t.Helper()
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &bridgeClient{conn: conn}
}

func (c *bridgeClient) send(t *testing.T, msgType string, data any) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(map[string]any{"type": msgType, "data": data}))
}

// next returns the data of the next message of the given type, skipping
// anything else.
func (c *bridgeClient) next(t *testing.T, msgType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for {
		require.NoError(t, c.conn.SetReadDeadline(deadline))
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, c.conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg.Data
		}
	}
}

// collect reads until one message of every wanted type has arrived.
func (c *bridgeClient) collect(t *testing.T, types ...string) map[string]json.RawMessage {
	t.Helper()
	got := make(map[string]json.RawMessage)
	deadline := time.Now().Add(testWait)
	for len(got) < len(types) {
		require.NoError(t, c.conn.SetReadDeadline(deadline))
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, c.conn.ReadJSON(&msg), "waiting for %v", types)
		for _, want := range types {
			if msg.Type == want && got[want] == nil {
				got[want] = msg.Data
			}
		}
	}
	return got
}

func (c *bridgeClient) nextState(t *testing.T, status string) map[string]any {
	t.Helper()
	for {
		var state map[string]any
		require.NoError(t, json.Unmarshal(c.next(t, "state"), &state))
		if state["status"] == status {
			return state
		}
	}
}

func newTestBridge(t *testing.T, credential string) (*LiveBridge, *liveServer) {
	t.Helper()
	ls := newLiveServer(t)
	capture := models.DefaultCaptureConfig()
	capture.DiffSampleSize = 100
	bridge := NewLiveBridge(BridgeConfig{
		Base:       models.BaseSessionSettings{ModelID: "gemini-live", VoiceID: "Puck"},
		Credential: credential,
		Capture:    capture,
		Transport:  NewWebSocketTransport(),
		URL:        ls.url(),
	}, WithLogger(zap.NewNop()))
	t.Cleanup(bridge.Shutdown)
	return bridge, ls
}

func TestBridgeSendsInitialStateAndPong(t *testing.T) {
	bridge, _ := newTestBridge(t, "key-123")
	client := dialBridge(t, bridge)

	state := client.nextState(t, "disconnected")
	assert.Equal(t, false, state["is_recording"])

	client.send(t, "ping", nil)
	client.next(t, "pong")
	assert.Equal(t, 1, bridge.ActiveSessions())
}

func TestBridgeConversation(t *testing.T) {
	bridge, ls := newTestBridge(t, "key-123")
	client := dialBridge(t, bridge)
	client.nextState(t, "disconnected")

	client.send(t, "connect", nil)
	server := ls.accept(t)
	setup := readJSON(t, server)
	require.Contains(t, setup, "setup")

	writeRaw(t, server, `{"setupComplete":{}}`)
	state := client.nextState(t, "connected")
	assert.Equal(t, true, state["is_recording"])

	// one full microphone buffer turns into one realtime input message
	pcm := utils.FloatToPCM16(make([]float32, CaptureBufferSize))
	client.send(t, "audio_data", map[string]string{"data": base64.StdEncoding.EncodeToString(pcm)})
	media := readJSON(t, server)
	chunks := media["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
	assert.Equal(t, "audio/pcm;rate=16000", chunks[0].(map[string]any)["mimeType"])

	// float32 samples work the same way
	client.send(t, "audio_data", map[string]any{"samples": make([]float32, CaptureBufferSize)})
	media = readJSON(t, server)
	chunks = media["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
	assert.Equal(t, "audio/pcm;rate=16000", chunks[0].(map[string]any)["mimeType"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), chunks[0].(map[string]any)["data"])

	client.send(t, "text", map[string]string{"text": "what is this?"})
	text := readJSON(t, server)
	assert.Contains(t, text, "clientContent")

	writeRaw(t, server, `{"serverContent":{"modelTurn":{"parts":[{"text":"A chart."}]}}}`)
	writeRaw(t, server, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAAAA=="}}]}}}`)
	writeRaw(t, server, `{"serverContent":{"turnComplete":true}}`)

	got := client.collect(t, "turn_complete", "audio_out")
	var turn models.CompletedTurn
	require.NoError(t, json.Unmarshal(got["turn_complete"], &turn))
	assert.Equal(t, "A chart.", turn.Text)
	assert.Equal(t, models.RoleModel, turn.Role)

	var audio map[string]any
	require.NoError(t, json.Unmarshal(got["audio_out"], &audio))
	assert.Equal(t, "AAAAAA==", audio["data"])
	assert.EqualValues(t, models.OutputSampleRate, audio["sample_rate"])

	client.send(t, "disconnect", nil)
	client.nextState(t, "disconnected")
}

func TestBridgeScreenShare(t *testing.T) {
	bridge, ls := newTestBridge(t, "key-123")
	client := dialBridge(t, bridge)
	client.nextState(t, "disconnected")

	client.send(t, "connect", nil)
	server := ls.accept(t)
	readJSON(t, server)
	writeRaw(t, server, `{"setupComplete":{}}`)
	client.nextState(t, "connected")

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.RGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	client.send(t, "video_frame", map[string]string{"data": base64.StdEncoding.EncodeToString(buf.Bytes())})
	client.send(t, "screen_share", map[string]bool{"enabled": true})

	// the first sampled frame is a keyframe and goes out as JPEG
	frame := readJSON(t, server)
	chunks := frame["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
	assert.Equal(t, "image/jpeg", chunks[0].(map[string]any)["mimeType"])

	client.send(t, "screen_share", map[string]bool{"enabled": false})
	client.send(t, "ping", nil)
	client.next(t, "pong")
}

func TestBridgeReportsErrors(t *testing.T) {
	bridge, _ := newTestBridge(t, "")
	client := dialBridge(t, bridge)
	client.nextState(t, "disconnected")

	client.send(t, "connect", nil)
	var msg map[string]string
	require.NoError(t, json.Unmarshal(client.next(t, "error"), &msg))
	assert.Equal(t, models.ErrMissingCredential.Error(), msg["message"])

	client.send(t, "text", "not an object")
	require.NoError(t, json.Unmarshal(client.next(t, "error"), &msg))
	assert.Equal(t, "invalid text data", msg["message"])

	client.send(t, "video_frame", map[string]string{"data": "!!"})
	client.send(t, "no_such_type", nil)
	client.send(t, "ping", nil)
	client.next(t, "pong")
}

func TestBridgeSessionCleanup(t *testing.T) {
	bridge, _ := newTestBridge(t, "key-123")
	client := dialBridge(t, bridge)
	client.nextState(t, "disconnected")
	require.Equal(t, 1, bridge.ActiveSessions())

	require.NoError(t, client.conn.Close())
	require.Eventually(t, func() bool { return bridge.ActiveSessions() == 0 }, testWait, 10*time.Millisecond)
}

func TestPushedMicrophoneRegroupsSamples(t *testing.T) {
	mic := NewPushedMicrophone()
	mic.Push([]float32{1, 2}) // closed: dropped

	var bufs [][]float32
	closer, err := mic.OpenInput(models.InputSampleRate, 3, func(b []float32) { bufs = append(bufs, b) })
	require.NoError(t, err)

	_, err = mic.OpenInput(models.InputSampleRate, 3, func([]float32) {})
	assert.Error(t, err)

	mic.Push([]float32{0.1, 0.2})
	assert.Empty(t, bufs)
	mic.Push([]float32{0.3, 0.4, 0.5, 0.6, 0.7})
	assert.Equal(t, [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}, bufs)

	require.NoError(t, closer.Close())
	mic.Push([]float32{0.8, 0.9})
	assert.Len(t, bufs, 2)

	_, err = mic.OpenInput(24000, 3, func([]float32) {})
	assert.Error(t, err)
}

func TestPushedVideoSource(t *testing.T) {
	src := NewPushedVideoSource()
	w, h := src.Dimensions()
	assert.Zero(t, w+h)
	assert.Error(t, src.DrawInto(image.NewRGBA(image.Rect(0, 0, 1, 1))))

	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.RGBA{R: 9, G: 8, B: 7, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, src.PushBase64(base64.StdEncoding.EncodeToString(buf.Bytes())))
	assert.Error(t, src.PushBase64("not base64!"))
	assert.Error(t, src.Push([]byte("not an image")))
	assert.Equal(t, 1, src.Pushed())

	w, h = src.Dimensions()
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, h)
	dst := image.NewRGBA(image.Rect(0, 0, 3, 2))
	require.NoError(t, src.DrawInto(dst))
	assert.Equal(t, []byte{9, 8, 7, 255}, dst.Pix[:4])

	src.End()
	w, _ = src.Dimensions()
	assert.Zero(t, w)
}

func TestSocketSpeakerPacesSegments(t *testing.T) {
	clock := utils.NewManualClock(time.Unix(0, 0))
	var sent []string
	sp := NewSocketSpeaker(func(msgType string, _ any) { sent = append(sent, msgType) }, clock)

	ended := false
	require.NoError(t, sp.Play(make([]float32, 2400), func() { ended = true }))
	assert.Equal(t, []string{"audio_out"}, sent)

	clock.Advance(99 * time.Millisecond)
	assert.False(t, ended)
	clock.Advance(time.Millisecond)
	assert.True(t, ended)

	sp.RampGain(0, 100*time.Millisecond)
	require.NoError(t, sp.Reset())
	assert.Equal(t, []string{"audio_out", "audio_gain", "audio_reset"}, sent)
}
