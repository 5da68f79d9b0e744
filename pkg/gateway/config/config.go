package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type QueueBackend string

const (
	QueueBackendMemory QueueBackend = "memory"
	QueueBackendRedis  QueueBackend = "redis"
)

type ArchiveBackend string

const (
	ArchiveBackendNone     ArchiveBackend = "none"
	ArchiveBackendMemory   ArchiveBackend = "memory"
	ArchiveBackendPostgres ArchiveBackend = "postgres"
)

type Config struct {
	Addr string

	// Origins allowed to open live websocket connections. Empty disables the
	// allowlist; requests without an Origin header always pass.
	AllowedOrigins map[string]struct{}

	// How long a dropped participant may reconnect before their conversation
	// is ended.
	ReconnectGrace time.Duration

	// Suggestion scheduler.
	SuggestionWindow time.Duration
	MaxSuggestions   int
	RealtimeWindow   int
	MaxContextTokens int
	SuggestTimeout   time.Duration

	// Audio segmentation. Inbound audio is pcm_s16le mono at SampleRate.
	SampleRate         int
	SegmentMaxDuration time.Duration
	SilenceThreshold   time.Duration
	VADEnergyThreshold float64

	// Transcription pipeline.
	TranscribeTimeout time.Duration
	TranscribeWorkers int
	SegmentQueueSize  int

	// Relay buffers.
	PendingBufferSize int
	OutboundQueueSize int

	// Live websocket limits.
	MaxMessageBytes     int64
	MaxAudioFrameBytes  int
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	HandshakeTimeout    time.Duration

	// Backends.
	QueueBackend   QueueBackend
	RedisAddr      string
	ArchiveBackend ArchiveBackend
	PostgresDSN    string

	// Collaborators. An empty STT base URL disables transcription, an empty
	// Gemini key disables suggestions, and an empty context base URL disables
	// customer context lookup.
	STTBaseURL     string
	STTAPIKey      string
	GeminiAPIKey   string
	GeminiModel    string
	ContextBaseURL string
	ContextAPIKey  string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("DESKBRIDGE_ADDR", ":8087"),
		AllowedOrigins:      make(map[string]struct{}),
		ReconnectGrace:      envDurationOr("DESKBRIDGE_RECONNECT_GRACE", 45*time.Second),
		SuggestionWindow:    envDurationOr("DESKBRIDGE_SUGGESTION_WINDOW", 5*time.Minute),
		MaxSuggestions:      envIntOr("DESKBRIDGE_MAX_SUGGESTIONS", 10),
		RealtimeWindow:      envIntOr("DESKBRIDGE_REALTIME_WINDOW", 12),
		MaxContextTokens:    envIntOr("DESKBRIDGE_MAX_CONTEXT_TOKENS", 3000),
		SuggestTimeout:      envDurationOr("DESKBRIDGE_SUGGEST_TIMEOUT", 8*time.Second),
		SampleRate:          envIntOr("DESKBRIDGE_SAMPLE_RATE", 16000),
		SegmentMaxDuration:  envDurationOr("DESKBRIDGE_SEGMENT_MAX_DURATION", 8*time.Second),
		SilenceThreshold:    envDurationOr("DESKBRIDGE_SILENCE_THRESHOLD", 700*time.Millisecond),
		VADEnergyThreshold:  envFloat64Or("DESKBRIDGE_VAD_ENERGY_THRESHOLD", 300),
		TranscribeTimeout:   envDurationOr("DESKBRIDGE_TRANSCRIBE_TIMEOUT", 2*time.Second),
		TranscribeWorkers:   envIntOr("DESKBRIDGE_TRANSCRIBE_WORKERS", 4),
		SegmentQueueSize:    envIntOr("DESKBRIDGE_SEGMENT_QUEUE_SIZE", 32),
		PendingBufferSize:   envIntOr("DESKBRIDGE_PENDING_BUFFER_SIZE", 64),
		OutboundQueueSize:   envIntOr("DESKBRIDGE_OUTBOUND_QUEUE_SIZE", 128),
		MaxMessageBytes:     envInt64Or("DESKBRIDGE_MAX_MESSAGE_BYTES", 64*1024),
		MaxAudioFrameBytes:  envIntOr("DESKBRIDGE_MAX_AUDIO_FRAME_BYTES", 8192),
		MaxAudioFPS:         envIntOr("DESKBRIDGE_MAX_AUDIO_FPS", 120),
		MaxAudioBPS:         envInt64Or("DESKBRIDGE_MAX_AUDIO_BPS", 128*1024),
		InboundBurstSeconds: envIntOr("DESKBRIDGE_INBOUND_BURST_SECONDS", 2),
		WSPingInterval:      envDurationOr("DESKBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("DESKBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:       envDurationOr("DESKBRIDGE_WS_READ_TIMEOUT", 0),
		HandshakeTimeout:    envDurationOr("DESKBRIDGE_HANDSHAKE_TIMEOUT", 5*time.Second),
		QueueBackend:        QueueBackend(envOr("DESKBRIDGE_QUEUE_BACKEND", string(QueueBackendMemory))),
		RedisAddr:           envOr("DESKBRIDGE_REDIS_ADDR", "localhost:6379"),
		ArchiveBackend:      ArchiveBackend(envOr("DESKBRIDGE_ARCHIVE_BACKEND", string(ArchiveBackendNone))),
		PostgresDSN:         envOr("DESKBRIDGE_POSTGRES_DSN", ""),
		STTBaseURL:          envOr("DESKBRIDGE_STT_BASE_URL", ""),
		STTAPIKey:           envOr("DESKBRIDGE_STT_API_KEY", ""),
		GeminiAPIKey:        envOr("DESKBRIDGE_GEMINI_API_KEY", ""),
		GeminiModel:         envOr("DESKBRIDGE_GEMINI_MODEL", ""),
		ContextBaseURL:      envOr("DESKBRIDGE_CONTEXT_BASE_URL", ""),
		ContextAPIKey:       envOr("DESKBRIDGE_CONTEXT_API_KEY", ""),
		ReadHeaderTimeout:   envDurationOr("DESKBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("DESKBRIDGE_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("DESKBRIDGE_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.ReconnectGrace < 30*time.Second || cfg.ReconnectGrace > 60*time.Second {
		return Config{}, fmt.Errorf("DESKBRIDGE_RECONNECT_GRACE must be between 30s and 60s")
	}
	if cfg.SuggestionWindow <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_SUGGESTION_WINDOW must be > 0")
	}
	if cfg.MaxSuggestions <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_MAX_SUGGESTIONS must be > 0")
	}
	if cfg.RealtimeWindow <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_REALTIME_WINDOW must be > 0")
	}
	if cfg.MaxContextTokens <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_MAX_CONTEXT_TOKENS must be > 0")
	}
	if cfg.SuggestTimeout <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_SUGGEST_TIMEOUT must be > 0")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_SAMPLE_RATE must be > 0")
	}
	if cfg.SegmentMaxDuration < 5*time.Second || cfg.SegmentMaxDuration > 10*time.Second {
		return Config{}, fmt.Errorf("DESKBRIDGE_SEGMENT_MAX_DURATION must be between 5s and 10s")
	}
	if cfg.SilenceThreshold < 500*time.Millisecond || cfg.SilenceThreshold > time.Second {
		return Config{}, fmt.Errorf("DESKBRIDGE_SILENCE_THRESHOLD must be between 500ms and 1s")
	}
	if cfg.VADEnergyThreshold <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_VAD_ENERGY_THRESHOLD must be > 0")
	}
	if cfg.TranscribeTimeout <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_TRANSCRIBE_TIMEOUT must be > 0")
	}
	if cfg.TranscribeWorkers <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_TRANSCRIBE_WORKERS must be > 0")
	}
	if cfg.SegmentQueueSize <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_SEGMENT_QUEUE_SIZE must be > 0")
	}
	if cfg.PendingBufferSize <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_PENDING_BUFFER_SIZE must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBPS > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("DESKBRIDGE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}

	switch cfg.QueueBackend {
	case QueueBackendMemory, QueueBackendRedis:
	default:
		return Config{}, fmt.Errorf("DESKBRIDGE_QUEUE_BACKEND must be one of memory|redis")
	}
	if cfg.QueueBackend == QueueBackendRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("DESKBRIDGE_REDIS_ADDR must be set when DESKBRIDGE_QUEUE_BACKEND=redis")
	}

	switch cfg.ArchiveBackend {
	case ArchiveBackendNone, ArchiveBackendMemory, ArchiveBackendPostgres:
	default:
		return Config{}, fmt.Errorf("DESKBRIDGE_ARCHIVE_BACKEND must be one of none|memory|postgres")
	}
	if cfg.ArchiveBackend == ArchiveBackendPostgres && strings.TrimSpace(cfg.PostgresDSN) == "" {
		return Config{}, fmt.Errorf("DESKBRIDGE_POSTGRES_DSN must be set when DESKBRIDGE_ARCHIVE_BACKEND=postgres")
	}

	if strings.TrimSpace(cfg.STTBaseURL) != "" && strings.TrimSpace(cfg.STTAPIKey) == "" {
		return Config{}, fmt.Errorf("DESKBRIDGE_STT_API_KEY must be set when DESKBRIDGE_STT_BASE_URL is set")
	}
	if strings.TrimSpace(cfg.ContextBaseURL) != "" && strings.TrimSpace(cfg.ContextAPIKey) == "" {
		return Config{}, fmt.Errorf("DESKBRIDGE_CONTEXT_API_KEY must be set when DESKBRIDGE_CONTEXT_BASE_URL is set")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("DESKBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
