// Package coord is the conversation engine. One Coordinator owns the waiting
// queue, the session registry and its reconnect timers, the relay, the audio
// segmentation and transcription pipeline, and the suggestion scheduler. It
// is built once at startup, passed to the transport layer, and torn down at
// shutdown; none of its state is process-global.
package coord

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deskbridge/deskbridge/pkg/archive"
	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/audio"
	"github.com/deskbridge/deskbridge/pkg/core/profile"
	"github.com/deskbridge/deskbridge/pkg/core/queue"
	"github.com/deskbridge/deskbridge/pkg/core/relay"
	"github.com/deskbridge/deskbridge/pkg/core/session"
	"github.com/deskbridge/deskbridge/pkg/core/suggest"
	"github.com/deskbridge/deskbridge/pkg/core/timeline"
	"github.com/deskbridge/deskbridge/pkg/core/transcribe"
)

// Deps carries everything a Coordinator is built from. STT, LLM, Profiles,
// and Archive are optional collaborators; a nil value disables that
// capability without touching the rest of the engine.
type Deps struct {
	Queue    queue.Store
	Registry *session.Registry
	Relay    *relay.Relay
	Timeline *timeline.Store

	STT      transcribe.Provider
	LLM      suggest.Provider
	Profiles profile.Provider
	Archive  archive.Exporter

	Audio      audio.Config
	Transcribe transcribe.Config
	Suggest    suggest.Config

	Logger *slog.Logger
}

// AttachResult reports what Attach did for a connection.
type AttachResult struct {
	ConnID    string
	Resumed   bool
	SessionID string
	// QueueCount is the waiting-queue depth for agent attaches, -1 when
	// unknown.
	QueueCount int
}

// conn is the coordinator's record of one live connection. The segmenter is
// only ever fed by the connection's own read loop; the pointer itself is
// guarded by the coordinator mutex.
type conn struct {
	id            string
	role          core.Role
	participantID string
	handle        *relay.Handle
	sessionID     string
	seg           *audio.Segmenter
}

// Coordinator wires the core components together and applies the
// conversation lifecycle rules.
type Coordinator struct {
	queue       queue.Store
	registry    *session.Registry
	relay       *relay.Relay
	timeline    *timeline.Store
	transcriber *transcribe.Coordinator
	scheduler   *suggest.Scheduler
	profiles    profile.Provider
	archive     archive.Exporter
	audioCfg    audio.Config
	logger      *slog.Logger
	now         func() time.Time

	mu            sync.Mutex
	conns         map[string]*conn
	byParticipant map[string]*conn
	closed        bool

	exports sync.WaitGroup
}

func New(d Deps) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		queue:         d.Queue,
		registry:      d.Registry,
		relay:         d.Relay,
		timeline:      d.Timeline,
		profiles:      d.Profiles,
		archive:       d.Archive,
		audioCfg:      d.Audio,
		logger:        logger,
		now:           time.Now,
		conns:         make(map[string]*conn),
		byParticipant: make(map[string]*conn),
	}

	c.scheduler = suggest.NewScheduler(d.Suggest, d.LLM, d.Timeline, c.deliverSuggestion, logger)
	if d.STT != nil {
		c.transcriber = transcribe.NewCoordinator(d.Transcribe, d.STT, c.deliverTranscript, logger)
		c.transcriber.Start()
	}
	c.registry.SetGraceExpiredFunc(c.onGraceExpired)
	return c
}

// Attach registers a connection for a participant. A participant who already
// holds a live session is resumed into it: same session ID, same timeline,
// pending frames replayed. A previous connection for the same participant is
// superseded and detached.
func (c *Coordinator) Attach(ctx context.Context, role core.Role, participantID, resumeSessionID string) (*relay.Handle, AttachResult, error) {
	participantID = strings.TrimSpace(participantID)
	res := AttachResult{QueueCount: -1}
	if participantID == "" {
		return nil, res, core.NewInvalidRequestErrorWithParam("participant_id is required", "participant_id")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, res, core.ErrClosed
	}

	// A participant with a live session always comes back into it; a resume
	// hint for some other session is stale client state, not authority.
	var resumeID string
	if sess, ok := c.registry.ByParticipant(participantID); ok && sess.State() != session.StateEnded {
		if heldRole, member := sess.RoleOf(participantID); member && heldRole != role {
			c.mu.Unlock()
			return nil, res, core.NewInvalidRequestErrorWithParam(
				"participant holds a conversation under a different role", "role")
		}
		resumeID = sess.ID()
		if resumeSessionID != "" && resumeSessionID != resumeID {
			c.logger.Warn("resume hint does not match the live session, ignoring",
				"participant_id", participantID, "hint", resumeSessionID, "session_id", resumeID)
		}
	}

	if old := c.byParticipant[participantID]; old != nil {
		delete(c.conns, old.id)
		delete(c.byParticipant, participantID)
		c.relay.Detach(old.id)
		c.logger.Info("connection superseded",
			"participant_id", participantID, "old_conn_id", old.id)
	}

	connID := core.NewID("c")
	handle := c.relay.Register(connID, role, participantID)
	cn := &conn{id: connID, role: role, participantID: participantID, handle: handle}
	c.conns[connID] = cn
	c.byParticipant[participantID] = cn
	res.ConnID = connID

	if resumeID != "" {
		if _, err := c.registry.Connect(resumeID, role, connID); err == nil {
			_ = c.relay.Bind(resumeID, role, connID)
			cn.sessionID = resumeID
			res.Resumed = true
			res.SessionID = resumeID
		}
	}
	c.mu.Unlock()

	if res.Resumed {
		_ = c.relay.Send(res.SessionID, role.Partner(), relay.PeerStatusFrame{State: relay.PeerConnected})
		c.logger.Info("session resumed",
			"session_id", res.SessionID, "conn_id", connID, "role", string(role))
	}
	if role == core.RoleAgent {
		if n, err := c.queue.PeekCount(ctx); err == nil {
			res.QueueCount = n
		} else {
			c.logger.Warn("queue count unavailable", "error", err)
		}
	}
	return handle, res, nil
}

// Detach removes a connection. A mid-session drop arms the side's reconnect
// grace window; a queued customer who leaves exits the queue.
func (c *Coordinator) Detach(connID string) {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.conns, connID)
	if c.byParticipant[cn.participantID] == cn {
		delete(c.byParticipant, cn.participantID)
	}
	sessionID, role, pid, seg := cn.sessionID, cn.role, cn.participantID, cn.seg
	c.mu.Unlock()

	c.relay.Detach(connID)

	// The read loop is gone, so the mic is silent: hand any voiced remainder
	// to transcription.
	if seg != nil && c.transcriber != nil {
		if rem := seg.Flush(); rem != nil {
			c.transcriber.Submit(*rem)
		}
	}

	if sessionID != "" {
		sess, found := c.registry.Get(sessionID)
		if !found {
			return
		}
		if sess.State() == session.StateEnded {
			if role == core.RoleAgent {
				// Left without acknowledging; release the pairing.
				c.registry.Remove(sessionID)
			}
			return
		}
		deadline, err := c.registry.Disconnect(sessionID, role, connID)
		if err == nil && !deadline.IsZero() {
			_ = c.relay.Send(sessionID, role.Partner(), relay.PeerStatusFrame{State: relay.PeerReconnecting})
			c.logger.Info("participant disconnected, reconnect window armed",
				"session_id", sessionID, "role", string(role), "deadline", deadline)
		}
		return
	}

	if role == core.RoleCustomer {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		withdrawn, err := c.queue.Withdraw(ctx, pid)
		if err != nil {
			c.logger.Warn("withdraw on exit failed", "customer_id", pid, "error", err)
			return
		}
		if withdrawn {
			c.broadcastQueueCount(ctx)
		}
	}
}

// RequestAssist puts a customer into the waiting queue. One active request
// per customer: queued again or already in conversation is a typed
// rejection.
func (c *Coordinator) RequestAssist(ctx context.Context, connID, contextRef string) error {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return core.ErrNotFound
	}
	if cn.role != core.RoleCustomer {
		c.mu.Unlock()
		return core.NewInvalidRequestError("only customers can request assistance")
	}
	if cn.sessionID != "" {
		c.mu.Unlock()
		return core.NewContentionError("already_in_conversation", "a conversation is already in progress")
	}
	pid := cn.participantID
	c.mu.Unlock()

	if _, err := c.queue.Enqueue(ctx, pid, strings.TrimSpace(contextRef)); err != nil {
		if errors.Is(err, core.ErrAlreadyQueued) {
			return core.NewContentionError("already_queued", "assistance request is already pending")
		}
		return err
	}
	c.logger.Info("assistance requested", "customer_id", pid)
	c.broadcastQueueCount(ctx)
	return nil
}

// Withdraw removes the customer's pending request. Withdrawing without a
// pending request reports false, not an error.
func (c *Coordinator) Withdraw(ctx context.Context, connID string) (bool, error) {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return false, core.ErrNotFound
	}
	if cn.role != core.RoleCustomer {
		c.mu.Unlock()
		return false, core.NewInvalidRequestError("only customers can withdraw")
	}
	pid := cn.participantID
	c.mu.Unlock()

	withdrawn, err := c.queue.Withdraw(ctx, pid)
	if err != nil {
		return false, err
	}
	if withdrawn {
		c.logger.Info("assistance request withdrawn", "customer_id", pid)
		c.broadcastQueueCount(ctx)
	}
	return withdrawn, nil
}

// Claim atomically takes the top queue entry and starts a session with its
// customer. Exactly one of several concurrent claimants wins; the rest get a
// no-longer-available rejection and a fresh queue count.
func (c *Coordinator) Claim(ctx context.Context, connID string) error {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return core.ErrNotFound
	}
	if cn.role != core.RoleAgent {
		c.mu.Unlock()
		return core.NewInvalidRequestError("only agents can claim")
	}
	if cn.sessionID != "" {
		c.mu.Unlock()
		return core.NewContentionError("not_ready", "finish the current conversation first")
	}
	agentID := cn.participantID
	if _, held := c.registry.ByParticipant(agentID); held {
		// Ended but unacknowledged conversation; claiming now would strand
		// the entry we take.
		c.mu.Unlock()
		return core.NewContentionError("not_ready", "acknowledge the previous conversation first")
	}
	c.mu.Unlock()

	entry, err := c.queue.ClaimTop(ctx)
	if errors.Is(err, core.ErrNotFound) {
		if n, cerr := c.queue.PeekCount(ctx); cerr == nil {
			_ = c.relay.SendTo(connID, relay.QueueUpdateFrame{Count: n})
		}
		return core.NewContentionError("no_longer_available", "entry no longer available")
	}
	if err != nil {
		return err
	}

	var prof *profile.Profile
	if c.profiles != nil {
		p, perr := c.profiles.Lookup(ctx, entry.CustomerID)
		if perr != nil {
			c.logger.Warn("customer context lookup failed, continuing without",
				"customer_id", entry.CustomerID,
				"error", core.NewCollaboratorError("lookup_customer_context", perr))
		} else {
			prof = p
		}
	}

	c.mu.Lock()
	sess, err := c.registry.Create(agentID, entry.CustomerID)
	if err != nil {
		c.mu.Unlock()
		c.requeue(entry)
		c.logger.Error("pairing failed after claim, entry requeued",
			"customer_id", entry.CustomerID, "error", err)
		if core.TypeOf(err) == core.ErrContention {
			return err
		}
		return core.NewInternalError("could not start the conversation")
	}
	sid := sess.ID()

	agentConn := c.byParticipant[agentID]
	if agentConn != nil {
		_, _ = c.registry.Connect(sid, core.RoleAgent, agentConn.id)
		_ = c.relay.Bind(sid, core.RoleAgent, agentConn.id)
		agentConn.sessionID = sid
		agentConn.seg = nil
	}
	custConn := c.byParticipant[entry.CustomerID]
	if custConn != nil {
		_, _ = c.registry.Connect(sid, core.RoleCustomer, custConn.id)
		_ = c.relay.Bind(sid, core.RoleCustomer, custConn.id)
		custConn.sessionID = sid
		custConn.seg = nil
	}
	agentGone := agentConn == nil
	c.mu.Unlock()

	if prof != nil {
		c.timeline.Append(sid, timeline.Event{Kind: timeline.KindContext, Payload: profilePayload(prof)})
	}
	c.scheduler.StartSession(sid)

	_ = c.relay.Send(sid, core.RoleAgent, relay.CallStartFrame{SessionID: sid, PartnerID: entry.CustomerID, Context: prof})
	_ = c.relay.Send(sid, core.RoleCustomer, relay.CallStartFrame{SessionID: sid, PartnerID: agentID})
	c.broadcastQueueCount(ctx)
	c.logger.Info("conversation started",
		"session_id", sid, "agent_id", agentID, "customer_id", entry.CustomerID,
		"customer_present", custConn != nil)

	if agentGone {
		// The claiming agent vanished between claim and pairing.
		c.endSession(sid, "agent_disconnected")
	}
	return nil
}

// requeue puts a claimed entry back when pairing could not start. The entry
// rejoins at the tail; losing its place beats losing the request.
func (c *Coordinator) requeue(entry queue.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.queue.Enqueue(ctx, entry.CustomerID, entry.ContextRef); err != nil && !errors.Is(err, core.ErrAlreadyQueued) {
		c.logger.Error("requeue failed, assistance request lost",
			"customer_id", entry.CustomerID, "error", err)
		return
	}
	c.broadcastQueueCount(ctx)
}

// SendMessage timestamps a chat message at receipt, appends it to the
// timeline, and forwards it to the partner. The append is in-memory and
// never delays forwarding.
func (c *Coordinator) SendMessage(connID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewInvalidRequestErrorWithParam("message text is required", "text")
	}

	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return core.ErrNotFound
	}
	sid, role, handle := cn.sessionID, cn.role, cn.handle
	c.mu.Unlock()

	if sid == "" {
		return core.NewInvalidRequestError("not in a conversation")
	}
	if sess, found := c.registry.Get(sid); !found || sess.State() == session.StateEnded {
		return core.NewContentionError("session_ended", "the conversation has ended")
	}

	ts := c.now().UnixMilli()
	c.timeline.Append(sid, timeline.Event{
		Kind:        timeline.KindMessage,
		Speaker:     role,
		Text:        text,
		TimestampMS: ts,
	})
	return c.relay.Forward(handle, relay.MessageFrame{Speaker: role, Text: text, TimestampMS: ts})
}

// FeedAudio forwards a raw audio chunk to the partner and, independently,
// feeds the connection's segmenter. Audio outside a conversation is dropped.
func (c *Coordinator) FeedAudio(connID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return core.ErrNotFound
	}
	if cn.sessionID == "" {
		cn.seg = nil
		c.mu.Unlock()
		return nil
	}
	handle, sid, role := cn.handle, cn.sessionID, cn.role
	c.mu.Unlock()

	// Partner first; segmentation must never delay the live path.
	if err := c.relay.Forward(handle, relay.AudioFrame{Data: chunk}); err != nil {
		// Routing is gone, so the conversation is over for this connection.
		c.mu.Lock()
		if cur, ok := c.conns[connID]; ok {
			cur.seg = nil
		}
		c.mu.Unlock()
		return nil
	}

	if c.transcriber == nil {
		return nil
	}
	c.mu.Lock()
	cur, ok := c.conns[connID]
	if !ok || cur.sessionID != sid {
		c.mu.Unlock()
		return nil
	}
	if cur.seg == nil {
		cur.seg = audio.NewSegmenter(c.audioCfg, sid, connID, role)
	}
	seg := cur.seg
	c.mu.Unlock()

	for _, s := range seg.Feed(chunk) {
		c.transcriber.Submit(s)
	}
	return nil
}

// EndChat ends the connection's conversation. For a queued customer it
// withdraws the pending request instead.
func (c *Coordinator) EndChat(ctx context.Context, connID string) error {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return core.ErrNotFound
	}
	sid, role, pid := cn.sessionID, cn.role, cn.participantID
	c.mu.Unlock()

	if sid == "" {
		if role == core.RoleCustomer {
			withdrawn, err := c.queue.Withdraw(ctx, pid)
			if err != nil {
				return err
			}
			if withdrawn {
				c.broadcastQueueCount(ctx)
			}
			return nil
		}
		return core.NewInvalidRequestError("not in a conversation")
	}

	reason := "customer_ended"
	if role == core.RoleAgent {
		reason = "agent_ended"
	}
	c.endSession(sid, reason)
	return nil
}

// Ready acknowledges the agent's ended conversation and reports the current
// queue depth so the next pickup can start.
func (c *Coordinator) Ready(ctx context.Context, connID string) error {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return core.ErrNotFound
	}
	if cn.role != core.RoleAgent {
		c.mu.Unlock()
		return core.NewInvalidRequestError("only agents send ready")
	}
	pid := cn.participantID
	c.mu.Unlock()

	if err := c.registry.Ready(pid); err != nil {
		return err
	}

	c.mu.Lock()
	if cur, ok := c.conns[connID]; ok {
		cur.sessionID = ""
		cur.seg = nil
	}
	c.mu.Unlock()

	if n, err := c.queue.PeekCount(ctx); err == nil {
		_ = c.relay.SendTo(connID, relay.QueueUpdateFrame{Count: n})
	}
	return nil
}

// QueueCount reports the waiting-queue depth.
func (c *Coordinator) QueueCount(ctx context.Context) (int, error) {
	return c.queue.PeekCount(ctx)
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Connections int
	Sessions    int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	n := len(c.conns)
	c.mu.Unlock()
	return Stats{Connections: n, Sessions: c.registry.Len()}
}

// Shutdown ends every live session, stops the pipelines, and waits for
// archive exports until ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, sid := range c.registry.SessionIDs() {
		c.endSession(sid, "server_shutdown")
	}

	c.scheduler.Close()
	if c.transcriber != nil {
		c.transcriber.Close()
	}
	c.registry.Close()
	if err := c.queue.Close(); err != nil {
		c.logger.Warn("queue close failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		c.exports.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown deadline reached with archive exports in flight")
		return ctx.Err()
	}
	if c.archive != nil {
		return c.archive.Close()
	}
	return nil
}

// endSession is the single teardown path: explicit end from either side,
// grace expiry, and server shutdown all come through here.
func (c *Coordinator) endSession(sessionID, reason string) {
	sess, ok := c.registry.End(sessionID, reason)
	if !ok {
		return
	}

	c.scheduler.StopSession(sessionID)
	_ = c.relay.SendBoth(sessionID, relay.CallEndFrame{SessionID: sessionID, Reason: reason})
	events := c.timeline.Release(sessionID)
	c.relay.Release(sessionID)

	c.mu.Lock()
	custID := sess.Participant(core.RoleCustomer)
	if cc := c.byParticipant[custID]; cc != nil && cc.sessionID == sessionID {
		cc.sessionID = ""
		cc.seg = nil
	}
	// The agent keeps the session reference until Ready; only the segmenter
	// goes.
	if ac := c.byParticipant[sess.Participant(core.RoleAgent)]; ac != nil && ac.sessionID == sessionID {
		ac.seg = nil
	}
	c.mu.Unlock()

	c.logger.Info("conversation ended",
		"session_id", sessionID, "reason", reason, "events", len(events))

	if c.archive == nil {
		return
	}
	rec := archive.Record{
		SessionID:  sessionID,
		AgentID:    sess.Participant(core.RoleAgent),
		CustomerID: custID,
		CreatedAt:  sess.CreatedAt(),
		EndedAt:    sess.EndedAt(),
		EndReason:  reason,
		Events:     events,
	}
	c.exports.Add(1)
	go func() {
		defer c.exports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.archive.ExportSession(ctx, rec); err != nil {
			c.logger.Error("archive export failed", "session_id", rec.SessionID, "error", err)
		}
	}()
}

// onGraceExpired force-ends a session whose participant never made it back.
func (c *Coordinator) onGraceExpired(sessionID string, role core.Role) {
	c.logger.Info("reconnect window expired, ending session",
		"session_id", sessionID, "role", string(role))
	c.endSession(sessionID, "reconnect_timeout")
}

// deliverTranscript is the transcription sink: append to the timeline, relay
// to both participants. Results for an ended session are dropped.
func (c *Coordinator) deliverTranscript(tr transcribe.Transcript) {
	sess, ok := c.registry.Get(tr.SessionID)
	if !ok || sess.State() == session.StateEnded {
		c.logger.Debug("transcript for closed session dropped", "session_id", tr.SessionID)
		return
	}

	ts := tr.SegmentStart.UnixMilli()
	c.timeline.Append(tr.SessionID, timeline.Event{
		Kind:        timeline.KindTranscript,
		Speaker:     tr.Speaker,
		Text:        tr.Text,
		TimestampMS: ts,
	})
	_ = c.relay.SendBoth(tr.SessionID, relay.TranscriptFrame{
		Speaker:     tr.Speaker,
		Text:        tr.Text,
		TimestampMS: ts,
	})
}

// deliverSuggestion relays a suggestion to the agent side only. Results
// whose session ended while the collaborator call was in flight are
// discarded here.
func (c *Coordinator) deliverSuggestion(s suggest.Suggestion) {
	sess, ok := c.registry.Get(s.SessionID)
	if !ok || sess.State() == session.StateEnded {
		c.logger.Debug("suggestion for closed session discarded", "session_id", s.SessionID)
		return
	}

	ts := s.CreatedAt.UnixMilli()
	c.timeline.Append(s.SessionID, timeline.Event{
		Kind:        timeline.KindSuggestion,
		Text:        s.Text,
		Source:      s.Source,
		TimestampMS: ts,
	})
	_ = c.relay.Send(s.SessionID, core.RoleAgent, relay.SuggestionFrame{
		Text:        s.Text,
		Source:      s.Source,
		TimestampMS: ts,
	})
}

// broadcastQueueCount pushes the depth to every agent connection.
func (c *Coordinator) broadcastQueueCount(ctx context.Context) {
	n, err := c.queue.PeekCount(ctx)
	if err != nil {
		c.logger.Warn("queue count unavailable", "error", err)
		return
	}
	c.relay.BroadcastAgents(relay.QueueUpdateFrame{Count: n})
}

func profilePayload(p *profile.Profile) map[string]any {
	payload := map[string]any{"customer_id": p.CustomerID}
	if p.Name != "" {
		payload["name"] = p.Name
	}
	if p.Tier != "" {
		payload["tier"] = p.Tier
	}
	if p.Notes != "" {
		payload["notes"] = p.Notes
	}
	if len(p.Attributes) > 0 {
		payload["attributes"] = p.Attributes
	}
	return payload
}
