package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"gopkg.in/yaml.v3"
)

const (
	KnowledgeBackendNone     = "none"
	KnowledgeBackendRedis    = "redis"
	KnowledgeBackendPinecone = "pinecone"
)

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty logs to stdout only
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Password string `yaml:"password"`
}

type LiveConfig struct {
	APIKey            string `yaml:"api_key"`
	URL               string `yaml:"url"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
	TranscribeOutput  bool   `yaml:"transcribe_output"`
}

type CaptureConfig struct {
	MinIntervalMS  int     `yaml:"min_interval_ms"`
	MaxIntervalMS  int     `yaml:"max_interval_ms"`
	IdleTimeoutMS  int     `yaml:"idle_timeout_ms"`
	DiffThreshold  float64 `yaml:"diff_threshold"`
	JPEGQuality    float64 `yaml:"jpeg_quality"` // 0 picks the quality from edge density
	DiffSampleSize int     `yaml:"diff_sample_size"`
	MaxWidth       int     `yaml:"max_width"`
}

type KnowledgeConfig struct {
	Backend        string `yaml:"backend"`
	StoreID        string `yaml:"store_id"`
	PineconeAPIKey string `yaml:"pinecone_api_key"`
	PineconeIndex  string `yaml:"pinecone_index"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

type TranscriptionConfig struct {
	DeepgramAPIKey string `yaml:"deepgram_api_key"`
	Language       string `yaml:"language"`
	Model          string `yaml:"model"`
}

type ToolsConfig struct {
	WebhookURL    string `yaml:"webhook_url"` // empty answers tool calls with an error
	WebhookAPIKey string `yaml:"webhook_api_key"`
}

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Redis         RedisConfig         `yaml:"redis"`
	Live          LiveConfig          `yaml:"live"`
	Capture       CaptureConfig       `yaml:"capture"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Tools         ToolsConfig         `yaml:"tools"`
}

func Default() Config {
	capture := models.DefaultCaptureConfig()
	return Config{
		Server: ServerConfig{Port: "8080"},
		Log:    LogConfig{Level: "info"},
		Redis:  RedisConfig{Host: "localhost:6379"},
		Live: LiveConfig{
			Model:             "gemini-2.0-flash-live-001",
			Voice:             "Puck",
			SystemInstruction: "You are a helpful assistant watching the user's screen. Answer out loud and keep replies short.",
			TranscribeOutput:  true,
		},
		Capture: CaptureConfig{
			MinIntervalMS:  int(capture.MinInterval / time.Millisecond),
			MaxIntervalMS:  int(capture.MaxInterval / time.Millisecond),
			IdleTimeoutMS:  int(capture.IdleTimeout / time.Millisecond),
			DiffThreshold:  capture.DiffThreshold,
			DiffSampleSize: capture.DiffSampleSize,
		},
		Knowledge: KnowledgeConfig{
			Backend:        KnowledgeBackendNone,
			PollIntervalMS: 10000,
		},
		Transcription: TranscriptionConfig{
			Language: "en",
			Model:    "nova-3",
		},
	}
}

// Load applies the YAML file at path (optional) and then environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Port, "PORT")
	overrideString(&cfg.Log.Level, "LOG_LEVEL")
	overrideString(&cfg.Log.File, "LOG_FILE")
	overrideString(&cfg.Redis.Host, "REDIS_HOST")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideString(&cfg.Live.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Live.URL, "LIVE_URL")
	overrideString(&cfg.Live.Model, "LIVE_MODEL")
	overrideString(&cfg.Live.Voice, "LIVE_VOICE")
	overrideString(&cfg.Live.SystemInstruction, "LIVE_SYSTEM_INSTRUCTION")
	overrideBool(&cfg.Live.TranscribeOutput, "LIVE_TRANSCRIBE_OUTPUT")
	overrideInt(&cfg.Capture.MinIntervalMS, "CAPTURE_MIN_INTERVAL_MS")
	overrideInt(&cfg.Capture.MaxIntervalMS, "CAPTURE_MAX_INTERVAL_MS")
	overrideInt(&cfg.Capture.IdleTimeoutMS, "CAPTURE_IDLE_TIMEOUT_MS")
	overrideFloat(&cfg.Capture.DiffThreshold, "CAPTURE_DIFF_THRESHOLD")
	overrideFloat(&cfg.Capture.JPEGQuality, "CAPTURE_JPEG_QUALITY")
	overrideInt(&cfg.Capture.DiffSampleSize, "CAPTURE_DIFF_SAMPLE_SIZE")
	overrideInt(&cfg.Capture.MaxWidth, "CAPTURE_MAX_WIDTH")
	overrideString(&cfg.Knowledge.Backend, "KB_BACKEND")
	overrideString(&cfg.Knowledge.StoreID, "KB_STORE_ID")
	overrideString(&cfg.Knowledge.PineconeAPIKey, "PINECONE_API_KEY")
	overrideString(&cfg.Knowledge.PineconeIndex, "PINECONE_INDEX")
	overrideInt(&cfg.Knowledge.PollIntervalMS, "KB_POLL_INTERVAL_MS")
	overrideString(&cfg.Transcription.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Transcription.Language, "DEEPGRAM_LANGUAGE")
	overrideString(&cfg.Transcription.Model, "DEEPGRAM_MODEL")
	overrideString(&cfg.Tools.WebhookURL, "TOOL_WEBHOOK_URL")
	overrideString(&cfg.Tools.WebhookAPIKey, "TOOL_WEBHOOK_API_KEY")
}

func overrideString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = strings.TrimSpace(v)
	}
}

func overrideInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server port must be set")
	}
	if cfg.Live.Model == "" {
		return errors.New("live model must be set")
	}
	if err := cfg.CaptureSettings().Validate(); err != nil {
		return fmt.Errorf("invalid capture config: %w", err)
	}
	if q := cfg.Capture.JPEGQuality; q < 0 || q > 1 {
		return errors.New("capture jpeg quality must be within [0,1]")
	}

	switch cfg.Knowledge.Backend {
	case KnowledgeBackendNone:
	case KnowledgeBackendRedis:
		if cfg.Knowledge.StoreID == "" {
			return errors.New("knowledge store id is required for the redis backend")
		}
	case KnowledgeBackendPinecone:
		if cfg.Knowledge.PineconeIndex == "" {
			return errors.New("pinecone index is required for the pinecone backend")
		}
	default:
		return fmt.Errorf("unknown knowledge backend %q", cfg.Knowledge.Backend)
	}
	return nil
}

// CaptureSettings converts the capture section into the loop's configuration.
func (c Config) CaptureSettings() models.CaptureConfig {
	quality := models.AutoQuality()
	if c.Capture.JPEGQuality > 0 {
		quality = models.FixedQuality(c.Capture.JPEGQuality)
	}
	return models.CaptureConfig{
		MinInterval:    time.Duration(c.Capture.MinIntervalMS) * time.Millisecond,
		MaxInterval:    time.Duration(c.Capture.MaxIntervalMS) * time.Millisecond,
		IdleTimeout:    time.Duration(c.Capture.IdleTimeoutMS) * time.Millisecond,
		DiffThreshold:  c.Capture.DiffThreshold,
		JPEGQuality:    quality,
		DiffSampleSize: c.Capture.DiffSampleSize,
		MaxWidth:       c.Capture.MaxWidth,
	}
}

// SessionSettings returns the document independent part of the live session
// configuration.
func (c Config) SessionSettings() models.BaseSessionSettings {
	return models.BaseSessionSettings{
		ModelID:               c.Live.Model,
		SystemInstructionText: c.Live.SystemInstruction,
		VoiceID:               c.Live.Voice,
		TranscribeOutput:      c.Live.TranscribeOutput,
	}
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Knowledge.PollIntervalMS) * time.Millisecond
}
