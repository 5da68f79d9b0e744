// Package queue implements the ordered set of customers waiting to be picked
// up by an agent. The store's claim operation is the single serialization
// point for pairing: of any number of concurrent claims, exactly one removes
// the top entry.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deskbridge/deskbridge/pkg/core"
)

// Entry is one pending assistance request. The ID is a ULID, so lexicographic
// order over IDs equals enqueue order with insertion-order tie-break inside a
// millisecond.
type Entry struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	ContextRef string    `json:"context_ref,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Store is the waiting queue contract. Implementations must make ClaimTop
// atomic with respect to concurrent callers and keep FIFO order by enqueue
// time.
type Store interface {
	// Enqueue appends a request for customerID. A second request while one is
	// pending fails with core.ErrAlreadyQueued.
	Enqueue(ctx context.Context, customerID, contextRef string) (Entry, error)
	// Withdraw removes the customer's pending entry. It returns false, with
	// no error, when the entry was already claimed or never existed; the
	// caller must treat that as "a conversation may already be starting".
	Withdraw(ctx context.Context, customerID string) (bool, error)
	// ClaimTop atomically removes and returns the oldest entry. It fails with
	// core.ErrNotFound when the queue is empty, including when a concurrent
	// claim drained it first.
	ClaimTop(ctx context.Context) (Entry, error)
	// PeekCount reports the number of pending entries.
	PeekCount(ctx context.Context) (int, error)
	Close() error
}

// Memory is the in-process Store used when the queue is not distributed. All
// operations run under one mutex, which makes ClaimTop trivially linearizable.
type Memory struct {
	mu         sync.Mutex
	entries    []Entry
	byCustomer map[string]int
	closed     bool
	now        func() time.Time
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		byCustomer: make(map[string]int),
		now:        time.Now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, customerID, contextRef string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, core.ErrClosed
	}
	if _, exists := m.byCustomer[customerID]; exists {
		return Entry{}, core.ErrAlreadyQueued
	}

	entry := Entry{
		ID:         ulid.Make().String(),
		CustomerID: customerID,
		ContextRef: contextRef,
		EnqueuedAt: m.now(),
	}
	m.entries = append(m.entries, entry)
	m.byCustomer[customerID] = len(m.entries) - 1
	return entry, nil
}

func (m *Memory) Withdraw(ctx context.Context, customerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, core.ErrClosed
	}
	idx, exists := m.byCustomer[customerID]
	if !exists {
		return false, nil
	}
	m.removeAt(idx)
	return true, nil
}

func (m *Memory) ClaimTop(ctx context.Context) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, core.ErrClosed
	}
	if len(m.entries) == 0 {
		return Entry{}, core.ErrNotFound
	}
	entry := m.entries[0]
	m.removeAt(0)
	return entry, nil
}

func (m *Memory) PeekCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, core.ErrClosed
	}
	return len(m.entries), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	m.byCustomer = make(map[string]int)
	return nil
}

// removeAt drops entries[idx] preserving order and reindexes the tail.
// Caller holds the mutex.
func (m *Memory) removeAt(idx int) {
	delete(m.byCustomer, m.entries[idx].CustomerID)
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	for i := idx; i < len(m.entries); i++ {
		m.byCustomer[m.entries[i].CustomerID] = i
	}
}
