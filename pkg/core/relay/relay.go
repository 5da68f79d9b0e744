// Package relay routes frames between the two connections of a session. It
// owns a mailbox per connection and a bounded pending buffer per session
// side, so a participant mid-reconnect loses at most the configured window of
// traffic and everyone else keeps moving.
package relay

import (
	"log/slog"
	"sync"

	"github.com/deskbridge/deskbridge/pkg/core"
)

// Config tunes the relay.
type Config struct {
	// OutboundBuffer is each connection mailbox's capacity. A full mailbox
	// displaces its oldest frame rather than blocking the sender.
	OutboundBuffer int
	// PendingBuffer caps frames held per session side while that side is
	// absent. Overflow drops the oldest held frame and notifies the sender
	// of degraded delivery.
	PendingBuffer int
}

func (c Config) withDefaults() Config {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 128
	}
	if c.PendingBuffer <= 0 {
		c.PendingBuffer = 64
	}
	return c
}

// Handle is one connection's attachment to the relay. The connection's
// writer drains Frames; the relay never blocks on it.
type Handle struct {
	connID        string
	role          core.Role
	participantID string
	out           chan Frame
	done          chan struct{}
	displaced     uint64
}

// ConnID returns the connection identifier.
func (h *Handle) ConnID() string { return h.connID }

// Role returns the participant role.
func (h *Handle) Role() core.Role { return h.role }

// ParticipantID returns the participant identifier.
func (h *Handle) ParticipantID() string { return h.participantID }

// Frames is the outbound mailbox for the connection's writer.
func (h *Handle) Frames() <-chan Frame { return h.out }

// Done is closed when the handle is detached.
func (h *Handle) Done() <-chan struct{} { return h.done }

// sideLink is one role's end of a session: the bound handle, if any, and the
// frames waiting for it while it is away.
type sideLink struct {
	handle  *Handle
	pending []Frame
	dropped uint64
	noticed bool
}

type link struct {
	agent    sideLink
	customer sideLink
}

func (l *link) sideOf(role core.Role) *sideLink {
	if role == core.RoleAgent {
		return &l.agent
	}
	return &l.customer
}

// Relay routes frames between connections. All state is guarded by one
// mutex; every delivery is non-blocking, so holding it across a delivery is
// safe.
type Relay struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	bound   map[string]string
	links   map[string]*link
}

func New(cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		handles: make(map[string]*Handle),
		bound:   make(map[string]string),
		links:   make(map[string]*link),
	}
}

// Register attaches a connection and returns its handle.
func (r *Relay) Register(connID string, role core.Role, participantID string) *Handle {
	h := &Handle{
		connID:        connID,
		role:          role,
		participantID: participantID,
		out:           make(chan Frame, r.cfg.OutboundBuffer),
		done:          make(chan struct{}),
	}
	r.mu.Lock()
	r.handles[connID] = h
	r.mu.Unlock()
	return h
}

// Detach removes a connection. A session binding the connection keeps its
// pending buffer, which accumulates until rebind or release.
func (r *Relay) Detach(connID string) {
	r.mu.Lock()
	h, ok := r.handles[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.handles, connID)
	if sid, bound := r.bound[connID]; bound {
		delete(r.bound, connID)
		if l := r.links[sid]; l != nil {
			sl := l.sideOf(h.role)
			if sl.handle == h {
				sl.handle = nil
			}
		}
	}
	r.mu.Unlock()
	close(h.done)
}

// Bind attaches a registered connection to one side of a session and replays
// any frames held for that side, in order. Rebinding after a reconnect uses
// the same call.
func (r *Relay) Bind(sessionID string, role core.Role, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[connID]
	if !ok {
		return core.ErrNotFound
	}
	l := r.links[sessionID]
	if l == nil {
		l = &link{}
		r.links[sessionID] = l
	}
	sl := l.sideOf(role)
	if sl.handle != nil && sl.handle != h {
		delete(r.bound, sl.handle.connID)
	}
	sl.handle = h
	sl.noticed = false
	r.bound[connID] = sessionID

	for _, f := range sl.pending {
		r.deliver(h, f)
	}
	sl.pending = nil
	return nil
}

// Release drops the session's link and discards anything still pending.
// Handles stay registered; only the session routing goes away.
func (r *Relay) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[sessionID]
	if !ok {
		return
	}
	for _, sl := range []*sideLink{&l.agent, &l.customer} {
		if sl.handle != nil {
			delete(r.bound, sl.handle.connID)
		}
	}
	delete(r.links, sessionID)
}

// DropPending discards frames held for one side, used when that side's
// reconnect window lapses.
func (r *Relay) DropPending(sessionID string, role core.Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[sessionID]
	if !ok {
		return 0
	}
	sl := l.sideOf(role)
	n := len(sl.pending)
	sl.pending = nil
	return n
}

// Forward routes a frame from a bound connection to its session partner.
func (r *Relay) Forward(from *Handle, frame Frame) error {
	if from == nil {
		return core.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sid, ok := r.bound[from.connID]
	if !ok {
		return core.NewInvalidRequestError("connection is not in a session")
	}
	l := r.links[sid]
	if l == nil {
		return core.ErrNotFound
	}
	r.send(l, from.role.Partner(), frame, from)
	return nil
}

// Send routes a frame to one side of a session.
func (r *Relay) Send(sessionID string, to core.Role, frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[sessionID]
	if !ok {
		return core.ErrNotFound
	}
	r.send(l, to, frame, nil)
	return nil
}

// SendBoth routes a frame to both sides of a session.
func (r *Relay) SendBoth(sessionID string, frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[sessionID]
	if !ok {
		return core.ErrNotFound
	}
	r.send(l, core.RoleAgent, frame, nil)
	r.send(l, core.RoleCustomer, frame, nil)
	return nil
}

// SendTo routes a frame straight to a connection, session or not.
func (r *Relay) SendTo(connID string, frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[connID]
	if !ok {
		return core.ErrNotFound
	}
	r.deliver(h, frame)
	return nil
}

// BroadcastAgents delivers a frame to every agent connection, in or out of
// session. Queue depth updates use this.
func (r *Relay) BroadcastAgents(frame Frame) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if h.role == core.RoleAgent {
			r.deliver(h, frame)
			n++
		}
	}
	return n
}

// Pending reports how many frames are held for one side of a session.
func (r *Relay) Pending(sessionID string, role core.Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[sessionID]
	if !ok {
		return 0
	}
	return len(l.sideOf(role).pending)
}

// DroppedPending reports how many held frames one side has lost to the
// buffer bound.
func (r *Relay) DroppedPending(sessionID string, role core.Role) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[sessionID]
	if !ok {
		return 0
	}
	return l.sideOf(role).dropped
}

// send routes to one side: straight to the bound handle, or into the side's
// pending buffer while it is away. Caller holds r.mu.
func (r *Relay) send(l *link, to core.Role, frame Frame, from *Handle) {
	sl := l.sideOf(to)
	if sl.handle != nil {
		r.deliver(sl.handle, frame)
		return
	}

	sl.pending = append(sl.pending, frame)
	if len(sl.pending) <= r.cfg.PendingBuffer {
		return
	}
	over := len(sl.pending) - r.cfg.PendingBuffer
	sl.pending = sl.pending[over:]
	sl.dropped += uint64(over)
	if from != nil && !sl.noticed {
		sl.noticed = true
		r.deliver(from, NoticeFrame{
			Code:    "degraded_delivery",
			Message: "partner is away; oldest undelivered frames are being dropped",
		})
	}
}

// deliver is a non-blocking handoff to a handle's mailbox. A full mailbox
// displaces its oldest frame so the newest traffic survives.
func (r *Relay) deliver(h *Handle, frame Frame) {
	select {
	case h.out <- frame:
		return
	default:
	}
	select {
	case <-h.out:
		h.displaced++
	default:
	}
	select {
	case h.out <- frame:
	default:
		h.displaced++
	}
}
