package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
)

// Config tunes the registry.
type Config struct {
	// ReconnectGrace is the window a disconnected participant has to rebind
	// before the session is force-ended. Default 45s.
	ReconnectGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 45 * time.Second
	}
	return c
}

// Registry owns every live session and the grace timers attached to them. It
// is constructed at startup and torn down with Close; nothing else in the
// process holds session state.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	sessions      map[string]*Session
	byParticipant map[string]string
	onGrace       func(sessionID string, role core.Role)
	closed        bool
}

func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:           cfg.withDefaults(),
		logger:        logger,
		now:           time.Now,
		sessions:      make(map[string]*Session),
		byParticipant: make(map[string]string),
	}
}

// SetGraceExpiredFunc registers the callback invoked when a participant's
// reconnect window lapses. The callback runs outside registry locks and is
// expected to end the session.
func (r *Registry) SetGraceExpiredFunc(fn func(sessionID string, role core.Role)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGrace = fn
}

// Create pairs an agent with a customer. Both sides start disconnected with
// their grace windows already running, so a side that never binds cannot
// leave the session suspended forever. Either participant already holding a
// session is a contention error.
func (r *Registry) Create(agentID, customerID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, core.ErrClosed
	}
	if sid, ok := r.byParticipant[agentID]; ok {
		return nil, core.NewContentionError("agent_busy", "agent already holds session "+sid)
	}
	if sid, ok := r.byParticipant[customerID]; ok {
		return nil, core.NewContentionError("customer_busy", "customer already holds session "+sid)
	}

	s := &Session{
		id:        core.NewID("s"),
		createdAt: r.now(),
		state:     StateSuspended,
		agent:     side{participantID: agentID},
		customer:  side{participantID: customerID},
	}
	r.sessions[s.id] = s
	r.byParticipant[agentID] = s.id
	r.byParticipant[customerID] = s.id

	s.mu.Lock()
	r.armGrace(s, &s.agent, core.RoleAgent)
	r.armGrace(s, &s.customer, core.RoleCustomer)
	s.mu.Unlock()

	r.logger.Info("session created",
		"session_id", s.id, "agent_id", agentID, "customer_id", customerID)
	return s, nil
}

// Connect binds a connection to one side of the session, cancelling that
// side's grace timer.
func (r *Registry) Connect(sessionID string, role core.Role, connID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, core.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return nil, core.NewContentionError("session_ended", "session already ended")
	}
	sd := s.sideOf(role)
	sd.connected = true
	sd.connID = connID
	sd.gen++
	if sd.graceTimer != nil {
		sd.graceTimer.Stop()
		sd.graceTimer = nil
	}
	sd.graceDeadline = time.Time{}
	s.recompute()
	return s, nil
}

// Disconnect marks one side as dropped and starts its grace window. A connID
// that no longer matches the bound connection is a stale disconnect and is
// ignored. The returned deadline is zero when nothing changed.
func (r *Registry) Disconnect(sessionID string, role core.Role, connID string) (time.Time, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, core.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return time.Time{}, nil
	}
	sd := s.sideOf(role)
	if connID != "" && sd.connID != connID {
		return time.Time{}, nil
	}
	sd.connected = false
	sd.connID = ""
	r.armGrace(s, sd, role)
	s.recompute()
	return sd.graceDeadline, nil
}

// armGrace starts the side's reconnect timer. Caller holds s.mu.
func (r *Registry) armGrace(s *Session, sd *side, role core.Role) {
	sd.gen++
	gen := sd.gen
	sd.graceDeadline = r.now().Add(r.cfg.ReconnectGrace)
	if sd.graceTimer != nil {
		sd.graceTimer.Stop()
	}
	sd.graceTimer = time.AfterFunc(r.cfg.ReconnectGrace, func() {
		r.expire(s.id, role, gen)
	})
}

// expire fires when a grace timer lapses. The gen check discards timers made
// stale by a rebind or a newer disconnect.
func (r *Registry) expire(sessionID string, role core.Role, gen uint64) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	fn := r.onGrace
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	sd := s.sideOf(role)
	stale := s.state == StateEnded || sd.connected || sd.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}

	r.logger.Info("reconnect window lapsed",
		"session_id", sessionID, "role", string(role))
	if fn != nil {
		fn(sessionID, role)
	}
}

// End moves the session to its terminal state. The customer's participant
// mapping is released immediately so they can request assistance again; the
// agent stays bound to the ended session until Ready. Returns false when the
// session is unknown or already ended.
func (r *Registry) End(sessionID, reason string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		r.mu.Unlock()
		return s, false
	}
	s.state = StateEnded
	s.endReason = reason
	s.endedAt = r.now()
	for _, sd := range []*side{&s.agent, &s.customer} {
		sd.gen++
		if sd.graceTimer != nil {
			sd.graceTimer.Stop()
			sd.graceTimer = nil
		}
	}
	customerID := s.customer.participantID
	s.mu.Unlock()

	if r.byParticipant[customerID] == sessionID {
		delete(r.byParticipant, customerID)
	}
	r.mu.Unlock()

	r.logger.Info("session ended", "session_id", sessionID, "reason", reason)
	return s, true
}

// Ready acknowledges an ended session on behalf of its agent, releasing the
// agent for the next pickup. A live session is a contention error; no bound
// session at all is a no-op.
func (r *Registry) Ready(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.byParticipant[agentID]
	if !ok {
		return nil
	}
	s := r.sessions[sid]
	if s != nil && s.State() != StateEnded {
		return core.NewContentionError("conversation_active", "session "+sid+" is still active")
	}
	delete(r.byParticipant, agentID)
	delete(r.sessions, sid)
	return nil
}

// Remove drops the session unconditionally, releasing both participants.
// Used when an ended session's agent disconnects without acknowledging.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	for _, sd := range []*side{&s.agent, &s.customer} {
		sd.gen++
		if sd.graceTimer != nil {
			sd.graceTimer.Stop()
			sd.graceTimer = nil
		}
		if r.byParticipant[sd.participantID] == sessionID {
			delete(r.byParticipant, sd.participantID)
		}
	}
	s.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Get returns the session by ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// ByParticipant returns the session a participant is bound to, if any.
func (r *Registry) ByParticipant(participantID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.byParticipant[participantID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[sid]
	return s, ok
}

// Len reports how many sessions the registry holds, ended ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionIDs returns the IDs of every held session.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every grace timer and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.sessions {
		s.mu.Lock()
		for _, sd := range []*side{&s.agent, &s.customer} {
			sd.gen++
			if sd.graceTimer != nil {
				sd.graceTimer.Stop()
				sd.graceTimer = nil
			}
		}
		s.mu.Unlock()
	}
	r.sessions = make(map[string]*Session)
	r.byParticipant = make(map[string]string)
}
