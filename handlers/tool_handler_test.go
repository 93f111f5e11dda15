package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookToolExecutorPostsCall(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temperature": 21.5}`))
	}))
	defer srv.Close()

	exec := NewWebhookToolExecutor(srv.URL, "tool-key", "sess-1", zap.NewNop())
	result, err := exec.Execute(context.Background(), models.FunctionCall{
		ID:   "call-1",
		Name: "get_weather",
		Args: map[string]any{"city": "Oslo"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": 21.5}, result)

	assert.Equal(t, "Bearer tool-key", auth)
	assert.Equal(t, "sess-1", got["session_id"])
	assert.Equal(t, "call-1", got["call_id"])
	assert.Equal(t, "get_weather", got["name"])
	assert.Equal(t, map[string]any{"city": "Oslo"}, got["args"])
}

func TestWebhookToolExecutorErrors(t *testing.T) {
	status := http.StatusInternalServerError
	body := "boom"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	exec := NewWebhookToolExecutor(srv.URL, "", "sess-1", zap.NewNop())
	_, err := exec.Execute(context.Background(), models.FunctionCall{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	status, body = http.StatusOK, "not json"
	_, err = exec.Execute(context.Background(), models.FunctionCall{Name: "x"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Execute(ctx, models.FunctionCall{Name: "x"})
	assert.Error(t, err)
}
