package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/config"
	"github.com/Perceptus-Labs/perceptus-live/handlers"
	"github.com/Perceptus-Labs/perceptus-live/logging"
	"github.com/Perceptus-Labs/perceptus-live/metrics"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"github.com/lpernett/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var envErr error

// Load environment variables from .env file
func init() {
	envErr = godotenv.Load()
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	local := flag.Bool("local", false, "Also run one session on this machine's screen, microphone and speaker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("Error loading .env file", zap.Error(envErr))
	}
	logger.Info("Server Version: Perceptus Live")
	if cfg.Live.APIKey == "" {
		logger.Warn("GEMINI_API_KEY is not set, sessions will fail to connect")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	opts := []handlers.Option{handlers.WithLogger(logger), handlers.WithMetrics(m)}

	catalog, closeCatalog, err := buildCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up document catalog", zap.Error(err))
	}
	defer closeCatalog()

	liveURL := cfg.Live.URL
	if liveURL == "" {
		liveURL = handlers.DefaultLiveURL
	}

	bridgeCfg := handlers.BridgeConfig{
		Base:           cfg.SessionSettings(),
		Credential:     cfg.Live.APIKey,
		Capture:        cfg.CaptureSettings(),
		Transport:      handlers.NewWebSocketTransport(),
		URL:            liveURL,
		Catalog:        catalog,
		ToolWebhookURL: cfg.Tools.WebhookURL,
		ToolWebhookKey: cfg.Tools.WebhookAPIKey,
		NewTranscriber: transcriberFactory(cfg, logger),
	}
	bridge := handlers.NewLiveBridge(bridgeCfg, opts...)

	mux := http.NewServeMux()
	mux.Handle("/live", bridge)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"sessions": bridge.ActiveSessions(),
		})
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Set up signal handling
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverExit := make(chan struct{})
	go func() {
		defer close(serverExit)
		logger.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	}()

	localExit := make(chan struct{})
	if *local {
		go func() {
			defer close(localExit)
			if err := runLocal(ctx, bridgeCfg, opts, logger); err != nil {
				logger.Error("Local session failed", zap.Error(err))
			}
		}()
	}

	select {
	case <-stop:
		logger.Info("Shutting down server...")
	case <-serverExit:
		logger.Info("Server exited unexpectedly...")
	}

	cancel()
	bridge.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	if *local {
		<-localExit
	}

	logger.Info("Server shut down gracefully")
}

// buildCatalog picks the document catalog the sessions watch. The returned
// func releases whatever the catalog holds open.
func buildCatalog(ctx context.Context, cfg config.Config, logger *zap.Logger) (handlers.DocumentCatalog, func(), error) {
	switch cfg.Knowledge.Backend {
	case config.KnowledgeBackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Host,
			Password:    cfg.Redis.Password,
			DB:          0,
			DialTimeout: 20 * time.Second, // initial connection timeout
		})

		redisCtx, cancelRedis := context.WithTimeout(ctx, 10*time.Second)
		defer cancelRedis()
		if _, err := redisClient.Ping(redisCtx).Result(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Successfully connected to Redis", zap.String("store_id", cfg.Knowledge.StoreID))
		return utils.NewRedisCatalog(redisClient, cfg.Knowledge.StoreID, logger), func() { redisClient.Close() }, nil

	case config.KnowledgeBackendPinecone:
		idx, err := utils.ConnectPineconeIndex(ctx, cfg.Knowledge.PineconeAPIKey, cfg.Knowledge.PineconeIndex)
		if err != nil {
			return nil, nil, err
		}
		storeID := cfg.Knowledge.StoreID
		if storeID == "" {
			storeID = cfg.Knowledge.PineconeIndex
		}
		catalog := utils.NewPineconeCatalog(storeID, idx, utils.RealClock(), logger)
		if cfg.PollInterval() > 0 {
			catalog.PollInterval = cfg.PollInterval()
		}
		logger.Info("Using Pinecone document catalog", zap.String("index", cfg.Knowledge.PineconeIndex))
		return catalog, func() { idx.Close() }, nil

	default:
		return nil, func() {}, nil
	}
}

func transcriberFactory(cfg config.Config, logger *zap.Logger) func() handlers.Transcriber {
	if cfg.Transcription.DeepgramAPIKey == "" {
		return nil
	}
	opts := utils.DefaultDeepgramOptions(cfg.Transcription.DeepgramAPIKey)
	opts.Language = cfg.Transcription.Language
	opts.Model = cfg.Transcription.Model
	return func() handlers.Transcriber {
		return utils.NewDeepgramTranscriber(opts, logger)
	}
}
