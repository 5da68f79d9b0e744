package suggest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/timeline"
)

const realtimePreamble = "You are assisting a human support agent in a live conversation. " +
	"Based on the conversation so far, suggest the agent's next reply. " +
	"Answer with the reply text only.\n\nConversation:\n"

const batchPreamble = "You are assisting a human support agent in a live conversation. " +
	"Review the conversation window below, then give the agent one comprehensive " +
	"suggestion: where the conversation stands and what to do next.\n\nConversation:\n"

type Config struct {
	// BatchInterval is the recurring window for the batch trigger.
	BatchInterval time.Duration
	// MaxSuggestions caps each session's retained FIFO.
	MaxSuggestions int
	// RealtimeWindow is how many conversational entries feed the realtime
	// trigger.
	RealtimeWindow int
	// MaxContextTokens bounds the batch window before summarization.
	MaxContextTokens int
	// CallTimeout bounds one collaborator call.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Minute
	}
	if c.MaxSuggestions <= 0 {
		c.MaxSuggestions = 10
	}
	if c.RealtimeWindow <= 0 {
		c.RealtimeWindow = 12
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 3000
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 8 * time.Second
	}
	return c
}

// DeliverFunc receives each accepted suggestion. Calls for a stopped session
// are suppressed on a best-effort basis; the relay layer stays the authority
// on whether a session can still receive frames.
type DeliverFunc func(s Suggestion)

// Scheduler runs one worker per active session.
type Scheduler struct {
	cfg      Config
	provider Provider
	tl       *timeline.Store
	deliver  DeliverFunc
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

func NewScheduler(cfg Config, provider Provider, tl *timeline.Store, deliver DeliverFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		provider: provider,
		tl:       tl,
		deliver:  deliver,
		logger:   logger,
		workers:  make(map[string]*worker),
	}
}

// StartSession begins both triggers for the session. It is a no-op when a
// worker already runs or no provider is configured.
func (s *Scheduler) StartSession(sessionID string) {
	if s == nil || s.provider == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, exists := s.workers[sessionID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, cancelSub := s.tl.Subscribe(sessionID)
	w := &worker{
		scheduler: s,
		sessionID: sessionID,
		fifo:      NewFIFO(s.cfg.MaxSuggestions),
		events:    events,
		cancelSub: cancelSub,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		fired:     make(chan string, 2),
	}
	s.workers[sessionID] = w
	go w.run()
}

// StopSession cancels both triggers. An in-flight collaborator call is left
// to complete; its result is discarded because the worker context is gone.
func (s *Scheduler) StopSession(sessionID string) {
	s.mu.Lock()
	w := s.workers[sessionID]
	delete(s.workers, sessionID)
	s.mu.Unlock()
	if w == nil {
		return
	}
	w.cancel()
	w.cancelSub()
	<-w.done
}

// Recent returns the retained suggestions for an active session, oldest
// first.
func (s *Scheduler) Recent(sessionID string) []Suggestion {
	s.mu.Lock()
	w := s.workers[sessionID]
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.fifo.Items()
}

// Active reports how many session workers are running.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops every worker.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for id, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, id)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		w.cancelSub()
		<-w.done
	}
}

type worker struct {
	scheduler *Scheduler
	sessionID string
	fifo      *FIFO
	events    <-chan timeline.Event
	cancelSub func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// fired carries trigger completions back into the run loop so at most
	// one call per trigger source is in flight.
	fired        chan string
	rtInflight   bool
	rtRearm      bool
	batchBusy    bool
	lastBatchSeq uint64
}

func (w *worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.scheduler.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			if ev.Kind == timeline.KindMessage && ev.Speaker == core.RoleCustomer {
				w.triggerRealtime()
			}
		case <-ticker.C:
			w.triggerBatch()
		case source := <-w.fired:
			switch source {
			case SourceRealtime:
				w.rtInflight = false
				if w.rtRearm {
					w.rtRearm = false
					w.triggerRealtime()
				}
			case SourceBatch:
				w.batchBusy = false
			}
		}
	}
}

func (w *worker) triggerRealtime() {
	if w.rtInflight {
		w.rtRearm = true
		return
	}
	w.rtInflight = true
	window := ComposeRealtime(w.snapshot(0), w.scheduler.cfg.RealtimeWindow)
	go w.fire(SourceRealtime, realtimePreamble+window, window == "")
}

func (w *worker) triggerBatch() {
	if w.batchBusy {
		return
	}
	since := w.lastBatchSeq
	w.lastBatchSeq = w.scheduler.tl.LastSeq(w.sessionID)
	w.batchBusy = true
	window := ComposeBatch(w.snapshot(since), w.scheduler.cfg.MaxContextTokens)
	go w.fire(SourceBatch, batchPreamble+window, window == "")
}

func (w *worker) snapshot(since uint64) []timeline.Event {
	return w.scheduler.tl.Snapshot(w.sessionID, since)
}

// fire runs one collaborator call off the run loop. skip short-circuits empty
// windows while still reporting completion.
func (w *worker) fire(source, prompt string, skip bool) {
	defer func() {
		select {
		case w.fired <- source:
		case <-w.ctx.Done():
		}
	}()
	if skip {
		return
	}

	callCtx, cancel := context.WithTimeout(w.ctx, w.scheduler.cfg.CallTimeout)
	defer cancel()

	text, err := w.scheduler.provider.GenerateSuggestion(callCtx, prompt)
	if err != nil {
		cerr := core.NewCollaboratorError("generate_suggestion", err)
		w.scheduler.logger.Warn("suggestion call failed, skipped",
			"session_id", w.sessionID, "source", source, "error", cerr)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	// The session may have ended while the call was in flight; its result is
	// discarded, not relayed.
	if w.ctx.Err() != nil {
		return
	}

	suggestion := Suggestion{
		SessionID: w.sessionID,
		Text:      text,
		Source:    source,
		CreatedAt: time.Now(),
	}
	w.fifo.Push(suggestion)
	if w.scheduler.deliver != nil {
		w.scheduler.deliver(suggestion)
	}
}
