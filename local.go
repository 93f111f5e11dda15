package main

import (
	"context"
	"errors"

	"github.com/Perceptus-Labs/perceptus-live/devices"
	"github.com/Perceptus-Labs/perceptus-live/handlers"
	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"go.uber.org/zap"
)

// runLocal drives one session from the local desktop, microphone and
// speaker until ctx is done. Completed turns go to the log.
func runLocal(ctx context.Context, cfg handlers.BridgeConfig, opts []handlers.Option, logger *zap.Logger) error {
	logger = logger.With(zap.String("session_id", "local"))

	sys, err := devices.Open(logger)
	if err != nil {
		return err
	}
	defer sys.Close()

	speaker, err := sys.Speaker()
	if err != nil {
		return err
	}

	orcCfg := handlers.OrchestratorConfig{
		Base:       cfg.Base,
		Credential: cfg.Credential,
		Capture:    cfg.Capture,
		Microphone: sys.Microphone(),
		Speaker:    speaker,
	}
	if cfg.ToolWebhookURL != "" {
		orcCfg.Tools = handlers.NewWebhookToolExecutor(cfg.ToolWebhookURL, cfg.ToolWebhookKey, "local", logger)
	}
	if cfg.NewTranscriber != nil {
		orcCfg.Transcriber = cfg.NewTranscriber()
	}

	opts = append(append([]handlers.Option(nil), opts...), handlers.WithLogger(logger))
	orc := handlers.NewOrchestrator(orcCfg, handlers.NewLiveSessionFactory(cfg.Transport, cfg.URL, opts...), opts...)
	defer orc.Close()

	var lastTurn uint64
	unsubscribe := orc.Subscribe(func(state models.SessionState) {
		if t := state.LastCompletedTurn; t != nil && t.ID != lastTurn {
			lastTurn = t.ID
			logger.Info("Turn complete", zap.String("role", t.Role), zap.String("text", t.Text))
		}
		if state.Error != "" {
			logger.Warn("Session error", zap.String("error", state.Error))
		}
	})
	defer unsubscribe()

	if cfg.Catalog != nil {
		go func() {
			if err := orc.WatchDocuments(ctx, cfg.Catalog); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Document watch stopped", zap.Error(err))
			}
		}()
	}

	if err := orc.Connect(ctx); err != nil {
		return err
	}
	if err := orc.ShareScreen(utils.NewScreenGrabber()); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
