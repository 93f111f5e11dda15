package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"go.uber.org/zap"
)

const maxToolResponseBytes = 1 << 20

// WebhookToolExecutor answers model tool calls by posting them to an HTTP
// endpoint. The endpoint replies with a JSON object that becomes the
// function response.
type WebhookToolExecutor struct {
	Endpoint  string
	APIKey    string
	SessionID string

	client *http.Client
	logger *zap.Logger
}

func NewWebhookToolExecutor(endpoint, apiKey, sessionID string, logger *zap.Logger) *WebhookToolExecutor {
	return &WebhookToolExecutor{
		Endpoint:  endpoint,
		APIKey:    apiKey,
		SessionID: sessionID,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With(zap.String("component", "tool_webhook")),
	}
}

func (e *WebhookToolExecutor) Execute(ctx context.Context, call models.FunctionCall) (map[string]any, error) {
	payload := map[string]any{
		"session_id": e.SessionID,
		"call_id":    call.ID,
		"name":       call.Name,
		"args":       call.Args,
		"timestamp":  time.Now(),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	e.logger.Info("Calling tool webhook", zap.String("tool", call.Name), zap.String("call_id", call.ID))
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool webhook: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("tool webhook returned invalid JSON: %w", err)
	}
	return result, nil
}
