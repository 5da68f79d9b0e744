// Package timeline keeps the append-only, per-session log that merges every
// conversation event (chat, transcript, suggestion, context) into one total
// order. Seq is assigned at append time and strictly increases per session;
// it is the tie-break when two events share a millisecond timestamp.
package timeline

import (
	"sync"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
)

type Kind string

const (
	KindMessage    Kind = "message"
	KindTranscript Kind = "transcript"
	KindSuggestion Kind = "suggestion"
	KindContext    Kind = "context"
)

// Event is one timeline entry. Speaker is set for message and transcript
// kinds, Source for suggestion kinds, Payload for context kinds.
type Event struct {
	SessionID   string         `json:"session_id"`
	Seq         uint64         `json:"seq"`
	TimestampMS int64          `json:"timestamp_ms"`
	Kind        Kind           `json:"kind"`
	Speaker     core.Role      `json:"speaker,omitempty"`
	Text        string         `json:"text,omitempty"`
	Source      string         `json:"source,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// subscriberBuffer bounds each observer channel. Appends never block on a
// slow observer; overflow events are dropped for that observer and counted.
const subscriberBuffer = 64

// Store holds the logs of all open sessions.
type Store struct {
	mu   sync.Mutex
	logs map[string]*sessionLog
	now  func() time.Time
}

type sessionLog struct {
	events  []Event
	seq     uint64
	subs    map[*subscription]struct{}
	dropped uint64
}

type subscription struct {
	ch chan Event
}

func NewStore() *Store {
	return &Store{
		logs: make(map[string]*sessionLog),
		now:  time.Now,
	}
}

// Append assigns the next seq and, when the caller did not timestamp the
// event at receipt, the current millisecond timestamp. The completed event is
// fanned out to subscribers without blocking.
func (s *Store) Append(sessionID string, e Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logs[sessionID]
	if l == nil {
		l = &sessionLog{subs: make(map[*subscription]struct{})}
		s.logs[sessionID] = l
	}

	l.seq++
	e.SessionID = sessionID
	e.Seq = l.seq
	if e.TimestampMS == 0 {
		e.TimestampMS = s.now().UnixMilli()
	}
	l.events = append(l.events, e)

	for sub := range l.subs {
		select {
		case sub.ch <- e:
		default:
			l.dropped++
		}
	}
	return e
}

// Snapshot returns a copy of all events with Seq > sinceSeq, in order.
func (s *Store) Snapshot(sessionID string, sinceSeq uint64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logs[sessionID]
	if l == nil {
		return nil
	}
	out := make([]Event, 0, len(l.events))
	for _, e := range l.events {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of events appended for the session.
func (s *Store) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.logs[sessionID]; l != nil {
		return len(l.events)
	}
	return 0
}

// LastSeq reports the highest seq assigned for the session.
func (s *Store) LastSeq(sessionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.logs[sessionID]; l != nil {
		return l.seq
	}
	return 0
}

// Subscribe registers an observer for subsequent appends. Cancelling closes
// the channel; cancel is safe to call more than once.
func (s *Store) Subscribe(sessionID string) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logs[sessionID]
	if l == nil {
		l = &sessionLog{subs: make(map[*subscription]struct{})}
		s.logs[sessionID] = l
	}

	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	l.subs[sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if cur := s.logs[sessionID]; cur != nil {
				delete(cur.subs, sub)
			}
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Dropped reports how many events overflowed subscriber buffers.
func (s *Store) Dropped(sessionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.logs[sessionID]; l != nil {
		return l.dropped
	}
	return 0
}

// Release removes the session's log and returns the final ordered snapshot
// for archival. Remaining subscriptions stop receiving events; their cancel
// functions stay safe to call.
func (s *Store) Release(sessionID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logs[sessionID]
	if l == nil {
		return nil
	}
	delete(s.logs, sessionID)
	return l.events
}
