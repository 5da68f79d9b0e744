// Package archive persists closed conversations. The relay and timeline keep
// no state for a session once it ends; whatever should outlive the session
// goes through an Exporter at close time.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/deskbridge/deskbridge/pkg/core/timeline"
)

// Record is everything retained from one closed session.
type Record struct {
	SessionID  string
	AgentID    string
	CustomerID string
	CreatedAt  time.Time
	EndedAt    time.Time
	EndReason  string
	Events     []timeline.Event
}

// Exporter receives each closed session exactly once.
type Exporter interface {
	ExportSession(ctx context.Context, rec Record) error
	Close() error
}

// Memory keeps records in process, for development and tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) ExportSession(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Records returns the exported records, oldest first.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Retry wraps an exporter with fibonacci backoff. Session close must not
// lose a record to a transient store error.
type Retry struct {
	inner    Exporter
	attempts uint64
	base     time.Duration
}

// WithRetry retries each export up to attempts extra times, backing off from
// base. Zero values fall back to 4 retries from 500ms.
func WithRetry(inner Exporter, attempts uint64, base time.Duration) *Retry {
	if attempts == 0 {
		attempts = 4
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &Retry{inner: inner, attempts: attempts, base: base}
}

func (r *Retry) ExportSession(ctx context.Context, rec Record) error {
	backoff := retry.WithMaxRetries(r.attempts, retry.NewFibonacci(r.base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.inner.ExportSession(ctx, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (r *Retry) Close() error {
	return r.inner.Close()
}
