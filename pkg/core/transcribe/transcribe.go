// Package transcribe dispatches finalized audio segments to the external
// speech-to-text collaborator and injects results back into the session.
// A failed segment is logged and skipped; the pipeline never stops for it.
package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/audio"
)

// Provider is the speech-to-text collaborator contract.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts one finalized segment to text.
	Transcribe(ctx context.Context, seg audio.Segment) (Transcript, error)
}

// Transcript is one recognized utterance, attributed to the speaker whose
// connection produced the segment.
type Transcript struct {
	SessionID    string
	Speaker      core.Role
	Text         string
	SegmentStart time.Time
	SegmentEnd   time.Time
}

type Config struct {
	// Workers is the number of concurrent collaborator calls.
	Workers int
	// QueueSize bounds segments waiting for a worker. Overflow segments are
	// dropped, never blocking the feeding connection.
	QueueSize int
	// CallTimeout bounds one collaborator call. The target completion
	// latency per segment is two seconds.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Second
	}
	return c
}

// Sink receives successful transcripts.
type Sink func(Transcript)

// Coordinator owns the worker pool between the segmenters and the
// collaborator.
type Coordinator struct {
	cfg      Config
	provider Provider
	sink     Sink
	logger   *slog.Logger

	segments chan audio.Segment
	wg       sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewCoordinator wires the pool. Start must be called before Submit.
func NewCoordinator(cfg Config, provider Provider, sink Sink, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		provider: provider,
		sink:     sink,
		logger:   logger,
		segments: make(chan audio.Segment, cfg.QueueSize),
	}
}

// Start launches the workers.
func (c *Coordinator) Start() {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

// Submit hands a segment to the pool without blocking. It reports false when
// the segment was dropped because the queue is full or the pool is closed.
func (c *Coordinator) Submit(seg audio.Segment) bool {
	if c == nil || c.closed.Load() {
		return false
	}
	select {
	case c.segments <- seg:
		return true
	default:
		c.dropped.Add(1)
		c.logger.Warn("transcription queue full, segment dropped",
			"session_id", seg.SessionID, "speaker", seg.Speaker, "duration", seg.Duration)
		return false
	}
}

// Close stops intake, drains queued segments, and waits for in-flight calls.
func (c *Coordinator) Close() {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.segments)
	c.wg.Wait()
}

// Dropped reports segments rejected because the queue was full.
func (c *Coordinator) Dropped() int64 { return c.dropped.Load() }

// Failed reports collaborator calls that errored or timed out.
func (c *Coordinator) Failed() int64 { return c.failed.Load() }

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for seg := range c.segments {
		c.process(seg)
	}
}

func (c *Coordinator) process(seg audio.Segment) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	transcript, err := c.provider.Transcribe(ctx, seg)
	if err != nil {
		c.failed.Add(1)
		cerr := core.NewCollaboratorError("speech_to_text", err)
		c.logger.Warn("transcription failed, segment skipped",
			"session_id", seg.SessionID, "speaker", seg.Speaker,
			"duration", seg.Duration, "elapsed", time.Since(start), "error", cerr)
		return
	}
	if strings.TrimSpace(transcript.Text) == "" {
		return
	}

	transcript.SessionID = seg.SessionID
	transcript.Speaker = seg.Speaker
	transcript.SegmentStart = seg.StartTS
	transcript.SegmentEnd = seg.EndTS
	if c.sink != nil {
		c.sink(transcript)
	}
}
