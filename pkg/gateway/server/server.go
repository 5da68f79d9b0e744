// Package server assembles the coordination engine and its HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deskbridge/deskbridge/pkg/archive"
	"github.com/deskbridge/deskbridge/pkg/archive/postgres"
	"github.com/deskbridge/deskbridge/pkg/core/audio"
	"github.com/deskbridge/deskbridge/pkg/core/coord"
	"github.com/deskbridge/deskbridge/pkg/core/profile"
	"github.com/deskbridge/deskbridge/pkg/core/queue"
	"github.com/deskbridge/deskbridge/pkg/core/relay"
	"github.com/deskbridge/deskbridge/pkg/core/session"
	"github.com/deskbridge/deskbridge/pkg/core/suggest"
	"github.com/deskbridge/deskbridge/pkg/core/timeline"
	"github.com/deskbridge/deskbridge/pkg/core/transcribe"
	"github.com/deskbridge/deskbridge/pkg/gateway/config"
	"github.com/deskbridge/deskbridge/pkg/gateway/handlers"
	"github.com/deskbridge/deskbridge/pkg/gateway/lifecycle"
	"github.com/deskbridge/deskbridge/pkg/gateway/live/conns"
	"github.com/deskbridge/deskbridge/pkg/gateway/mw"
)

const (
	archiveRetryAttempts = 3
	archiveRetryBase     = 200 * time.Millisecond
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	engine  *coord.Coordinator
	tracker *conns.Tracker
	lc      *lifecycle.Lifecycle
}

// New builds the engine's backends from config and wires the routes. The
// context bounds backend dial time only; it is not retained.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var q queue.Store
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		rq, err := queue.OpenRedis(ctx, cfg.RedisAddr, "deskbridge")
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		q = rq
	default:
		q = queue.NewMemory()
	}

	var exporter archive.Exporter
	switch cfg.ArchiveBackend {
	case config.ArchiveBackendMemory:
		exporter = archive.NewMemory()
	case config.ArchiveBackendPostgres:
		pg, err := postgres.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres archive: %w", err)
		}
		exporter = pg
	}
	if exporter != nil {
		exporter = archive.WithRetry(exporter, archiveRetryAttempts, archiveRetryBase)
	}

	var stt transcribe.Provider
	if cfg.STTBaseURL != "" {
		stt = transcribe.NewHTTP(cfg.STTBaseURL, cfg.STTAPIKey, cfg.SampleRate, nil)
	}

	var llm suggest.Provider
	if cfg.GeminiAPIKey != "" {
		g, err := suggest.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("init suggestion provider: %w", err)
		}
		llm = g
	}

	var profiles profile.Provider
	if cfg.ContextBaseURL != "" {
		profiles = profile.NewHTTP(cfg.ContextBaseURL, cfg.ContextAPIKey, nil)
	}

	engine := coord.New(coord.Deps{
		Queue:    q,
		Registry: session.NewRegistry(session.Config{ReconnectGrace: cfg.ReconnectGrace}, logger),
		Relay: relay.New(relay.Config{
			OutboundBuffer: cfg.OutboundQueueSize,
			PendingBuffer:  cfg.PendingBufferSize,
		}, logger),
		Timeline: timeline.NewStore(),
		STT:      stt,
		LLM:      llm,
		Profiles: profiles,
		Archive:  exporter,
		Audio: audio.Config{
			SampleRate:      cfg.SampleRate,
			MaxSegment:      cfg.SegmentMaxDuration,
			SilenceHold:     cfg.SilenceThreshold,
			EnergyThreshold: cfg.VADEnergyThreshold,
		},
		Transcribe: transcribe.Config{
			Workers:     cfg.TranscribeWorkers,
			QueueSize:   cfg.SegmentQueueSize,
			CallTimeout: cfg.TranscribeTimeout,
		},
		Suggest: suggest.Config{
			BatchInterval:    cfg.SuggestionWindow,
			MaxSuggestions:   cfg.MaxSuggestions,
			RealtimeWindow:   cfg.RealtimeWindow,
			MaxContextTokens: cfg.MaxContextTokens,
			CallTimeout:      cfg.SuggestTimeout,
		},
		Logger: logger,
	})

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		engine:  engine,
		tracker: conns.NewTracker(),
		lc:      &lifecycle.Lifecycle{},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})
	s.mux.Handle("/v1/stats", handlers.StatsHandler{Engine: s.engine})
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:    s.cfg,
		Engine:    s.engine,
		Logger:    s.logger,
		Lifecycle: s.lc,
		LiveConns: s.tracker,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining starts refusing new live connections while shutdown proceeds.
func (s *Server) SetDraining() {
	s.lc.SetDraining(true)
}

// WarnLiveConnsDraining tells every connected client the server is going
// away so they can wrap up or reconnect elsewhere.
func (s *Server) WarnLiveConnsDraining() {
	n := s.tracker.WarnAll("draining", "server is draining, please reconnect later")
	if n > 0 {
		s.logger.Info("notified live connections of drain", "count", n)
	}
}

// WaitLiveConns blocks until every live connection has closed or the context
// expires. It reports whether the connections drained in time.
func (s *Server) WaitLiveConns(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLiveConns force-closes the live connections that outlived the drain
// window.
func (s *Server) CancelLiveConns() {
	if n := s.tracker.CancelAll(); n > 0 {
		s.logger.Info("cancelled live connections", "count", n)
	}
}

// Shutdown ends active conversations and releases the engine's backends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.engine.Shutdown(ctx)
}
