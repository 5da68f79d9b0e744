// Package session pairs one agent with one customer and tracks the pairing
// through a single session-level state. The per-role views the rest of the
// system reports are read-only projections derived from that one state, so
// the two sides can never drift into impossible combinations.
package session

import (
	"sync"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
)

// State is the session-level tagged state.
type State int

const (
	// StateActive means both participants hold a bound connection.
	StateActive State = iota
	// StateSuspended means at least one participant is disconnected and
	// inside its reconnect grace window.
	StateSuspended
	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Side is a snapshot of one participant's attachment to the session.
type Side struct {
	ParticipantID string
	ConnID        string
	Connected     bool
	GraceDeadline time.Time
}

// side is the mutable per-participant record. gen invalidates stale grace
// timers: every connect or disconnect bumps it, and an expiry whose captured
// gen no longer matches is ignored.
type side struct {
	participantID string
	connID        string
	connected     bool
	graceDeadline time.Time
	graceTimer    *time.Timer
	gen           uint64
}

func (s *side) snapshot() Side {
	return Side{
		ParticipantID: s.participantID,
		ConnID:        s.connID,
		Connected:     s.connected,
		GraceDeadline: s.graceDeadline,
	}
}

// Session is one agent/customer pairing. All fields are guarded by the
// registry that owns the session.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	endedAt   time.Time
	endReason string
	state     State

	agent    side
	customer side
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns the pairing time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current session-level state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndReason returns the reason recorded when the session ended, or "".
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// EndedAt returns when the session ended, or the zero time.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Side returns a snapshot of the given role's attachment.
func (s *Session) Side(role core.Role) Side {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sideOf(role).snapshot()
}

// Participant returns the participant ID bound to the given role.
func (s *Session) Participant(role core.Role) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sideOf(role).participantID
}

// RoleOf reports which role a participant holds in this session.
func (s *Session) RoleOf(participantID string) (core.Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch participantID {
	case s.agent.participantID:
		return core.RoleAgent, true
	case s.customer.participantID:
		return core.RoleCustomer, true
	default:
		return "", false
	}
}

func (s *Session) sideOf(role core.Role) *side {
	if role == core.RoleAgent {
		return &s.agent
	}
	return &s.customer
}

// recompute derives the non-terminal state from side connectivity. Ended is
// sticky.
func (s *Session) recompute() {
	if s.state == StateEnded {
		return
	}
	if s.agent.connected && s.customer.connected {
		s.state = StateActive
	} else {
		s.state = StateSuspended
	}
}

// AgentState is the agent-facing projection of a session state.
type AgentState string

const (
	AgentLoggedIn          AgentState = "logged_in"
	AgentInConversation    AgentState = "in_conversation"
	AgentConversationEnded AgentState = "conversation_ended"
	AgentLoggedOut         AgentState = "logged_out"
)

// CustomerState is the customer-facing projection of a session state.
type CustomerState string

const (
	CustomerNotConnected      CustomerState = "not_connected"
	CustomerRequestSent       CustomerState = "request_sent"
	CustomerInConversation    CustomerState = "in_conversation"
	CustomerConversationEnded CustomerState = "conversation_ended"
	CustomerLoggedOut         CustomerState = "logged_out"
)

// AgentStateOf projects the agent view. s is the agent's current session, or
// nil; connected reports whether the agent holds a live connection. A session
// in its reconnect grace window still projects as in_conversation.
func AgentStateOf(s *Session, connected bool) AgentState {
	if s != nil {
		if s.State() == StateEnded {
			return AgentConversationEnded
		}
		return AgentInConversation
	}
	if connected {
		return AgentLoggedIn
	}
	return AgentLoggedOut
}

// CustomerStateOf projects the customer view. queued reports whether the
// customer currently holds a waiting-queue entry.
func CustomerStateOf(s *Session, connected, queued bool) CustomerState {
	if s != nil {
		if s.State() == StateEnded {
			return CustomerConversationEnded
		}
		return CustomerInConversation
	}
	if queued {
		return CustomerRequestSent
	}
	if connected {
		return CustomerNotConnected
	}
	return CustomerLoggedOut
}
