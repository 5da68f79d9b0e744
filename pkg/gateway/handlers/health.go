package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/deskbridge/deskbridge/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                   bool     `json:"ok"`
		QueueBackend         string   `json:"queue_backend"`
		ArchiveBackend       string   `json:"archive_backend"`
		TranscriptionEnabled bool     `json:"transcription_enabled"`
		SuggestionsEnabled   bool     `json:"suggestions_enabled"`
		ContextEnabled       bool     `json:"context_enabled"`
		LimitsEnabled        bool     `json:"limits_enabled"`
		Issues               []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.ReconnectGrace < 30*time.Second || h.Config.ReconnectGrace > 60*time.Second {
		issues = append(issues, "reconnect grace must be between 30s and 60s")
	}
	if h.Config.SegmentMaxDuration < 5*time.Second || h.Config.SegmentMaxDuration > 10*time.Second {
		issues = append(issues, "segment max duration must be between 5s and 10s")
	}
	if h.Config.SilenceThreshold < 500*time.Millisecond || h.Config.SilenceThreshold > time.Second {
		issues = append(issues, "silence threshold must be between 500ms and 1s")
	}
	if h.Config.SuggestionWindow <= 0 {
		issues = append(issues, "suggestion window must be > 0")
	}
	if h.Config.MaxSuggestions <= 0 {
		issues = append(issues, "max suggestions must be > 0")
	}
	if h.Config.TranscribeWorkers <= 0 {
		issues = append(issues, "transcribe workers must be > 0")
	}
	if h.Config.PendingBufferSize <= 0 {
		issues = append(issues, "pending buffer size must be > 0")
	}

	switch h.Config.QueueBackend {
	case config.QueueBackendMemory:
	case config.QueueBackendRedis:
		if strings.TrimSpace(h.Config.RedisAddr) == "" {
			issues = append(issues, "queue_backend=redis but no redis addr configured")
		}
	default:
		issues = append(issues, "invalid queue_backend")
	}

	switch h.Config.ArchiveBackend {
	case config.ArchiveBackendNone, config.ArchiveBackendMemory:
	case config.ArchiveBackendPostgres:
		if strings.TrimSpace(h.Config.PostgresDSN) == "" {
			issues = append(issues, "archive_backend=postgres but no dsn configured")
		}
	default:
		issues = append(issues, "invalid archive_backend")
	}

	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	limitsEnabled := h.Config.MaxAudioFPS > 0 || h.Config.MaxAudioBPS > 0

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                   ok,
		QueueBackend:         string(h.Config.QueueBackend),
		ArchiveBackend:       string(h.Config.ArchiveBackend),
		TranscriptionEnabled: strings.TrimSpace(h.Config.STTBaseURL) != "",
		SuggestionsEnabled:   strings.TrimSpace(h.Config.GeminiAPIKey) != "",
		ContextEnabled:       strings.TrimSpace(h.Config.ContextBaseURL) != "",
		LimitsEnabled:        limitsEnabled,
		Issues:               issues,
	})
}
