package coord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSTT struct {
	text string
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) Transcribe(_ context.Context, _ audio.Segment) (transcribe.Transcript, error) {
	return transcribe.Transcript{Text: f.text}, nil
}

type fakeLLM struct {
	mu sync.Mutex
	n  int
}

func (f *fakeLLM) Name() string { return "fake-llm" }

func (f *fakeLLM) GenerateSuggestion(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("suggestion %d", f.n), nil
}

type failingProfiles struct{}

func (failingProfiles) Name() string { return "failing-profiles" }

func (failingProfiles) Lookup(_ context.Context, _ string) (*profile.Profile, error) {
	return nil, errors.New("upstream down")
}

type fixture struct {
	c   *Coordinator
	q   queue.Store
	reg *session.Registry
	tl  *timeline.Store
}

// newFixture builds a coordinator on in-process components. Optional
// collaborators are off unless the test opts them in; a short reconnect grace
// keeps expiry tests fast.
func newFixture(t *testing.T, opt func(*Deps)) *fixture {
	t.Helper()
	logger := quietLogger()
	d := Deps{
		Queue:    queue.NewMemory(),
		Registry: session.NewRegistry(session.Config{ReconnectGrace: 40 * time.Millisecond}, logger),
		Relay:    relay.New(relay.Config{}, logger),
		Timeline: timeline.NewStore(),
		Audio: audio.Config{
			SampleRate:      16000,
			MaxSegment:      50 * time.Millisecond,
			SilenceHold:     20 * time.Millisecond,
			EnergyThreshold: 300,
		},
		Transcribe: transcribe.Config{Workers: 1, QueueSize: 8, CallTimeout: time.Second},
		Suggest:    suggest.Config{BatchInterval: time.Hour, MaxSuggestions: 10, CallTimeout: time.Second},
		Logger:     logger,
	}
	if opt != nil {
		opt(&d)
	}
	f := &fixture{c: New(d), q: d.Queue, reg: d.Registry, tl: d.Timeline}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.c.Shutdown(ctx)
	})
	return f
}

func attach(t *testing.T, c *Coordinator, role core.Role, pid string) (*relay.Handle, AttachResult) {
	t.Helper()
	h, res, err := c.Attach(context.Background(), role, pid, "")
	if err != nil {
		t.Fatalf("Attach(%s, %s) error: %v", role, pid, err)
	}
	return h, res
}

// startConversation queues the customer and has the agent claim them.
func startConversation(t *testing.T, f *fixture, agentID, custID string) (agent, customer *relay.Handle, agentConn, custConn, sessionID string) {
	t.Helper()
	ctx := context.Background()
	agent, ares := attach(t, f.c, core.RoleAgent, agentID)
	customer, cres := attach(t, f.c, core.RoleCustomer, custID)
	if err := f.c.RequestAssist(ctx, cres.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}
	if err := f.c.Claim(ctx, ares.ConnID); err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	start := awaitKind(t, agent, "start_call").(relay.CallStartFrame)
	awaitKind(t, customer, "start_call")
	return agent, customer, ares.ConnID, cres.ConnID, start.SessionID
}

// awaitKind reads frames until one of the wanted kind arrives, skipping
// interleaved queue updates and status frames.
func awaitKind(t *testing.T, h *relay.Handle, kind string) relay.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-h.Frames():
			if fr.FrameKind() == kind {
				return fr
			}
		case <-deadline:
			t.Fatalf("no %q frame within 2s", kind)
		}
	}
}

// wantNoKind drains for the window and fails if a frame of the kind shows up.
func wantNoKind(t *testing.T, h *relay.Handle, kind string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case fr := <-h.Frames():
			if fr.FrameKind() == kind {
				t.Fatalf("unexpected %q frame: %+v", kind, fr)
			}
		case <-deadline:
			return
		}
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s did not happen within %v", what, d)
}

// loudPCM builds pcm_s16le samples well above the energy threshold.
func loudPCM(n int) []byte {
	buf := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		sample := int16(5000)
		if i%4 == 0 {
			sample = -5000
		}
		binary.LittleEndian.PutUint16(buf[i:], uint16(sample))
	}
	return buf
}

func TestAttach_AgentSeesQueueDepth(t *testing.T) {
	f := newFixture(t, nil)
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")
	if err := f.c.RequestAssist(context.Background(), cres.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}

	_, ares := attach(t, f.c, core.RoleAgent, "agent-1")
	if !strings.HasPrefix(ares.ConnID, "c_") {
		t.Fatalf("ConnID = %q, want c_ prefix", ares.ConnID)
	}
	if ares.Resumed {
		t.Fatalf("Resumed = true for a fresh agent")
	}
	if ares.QueueCount != 1 {
		t.Fatalf("QueueCount = %d, want 1", ares.QueueCount)
	}
	if cres.QueueCount != -1 {
		t.Fatalf("customer QueueCount = %d, want -1", cres.QueueCount)
	}
}

func TestRequestAssist_NotifiesAgentsAndIsExclusive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	agent, _ := attach(t, f.c, core.RoleAgent, "agent-1")
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")

	if err := f.c.RequestAssist(ctx, cres.ConnID, "order-77"); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}
	upd := awaitKind(t, agent, "queue_update").(relay.QueueUpdateFrame)
	if upd.Count != 1 {
		t.Fatalf("queue update count = %d, want 1", upd.Count)
	}

	err := f.c.RequestAssist(ctx, cres.ConnID, "")
	if core.TypeOf(err) != core.ErrContention {
		t.Fatalf("second RequestAssist type = %v, want contention", core.TypeOf(err))
	}

	withdrawn, err := f.c.Withdraw(ctx, cres.ConnID)
	if err != nil || !withdrawn {
		t.Fatalf("Withdraw = (%v, %v), want (true, nil)", withdrawn, err)
	}
	upd = awaitKind(t, agent, "queue_update").(relay.QueueUpdateFrame)
	if upd.Count != 0 {
		t.Fatalf("queue update count = %d, want 0", upd.Count)
	}

	withdrawn, err = f.c.Withdraw(ctx, cres.ConnID)
	if err != nil || withdrawn {
		t.Fatalf("repeat Withdraw = (%v, %v), want (false, nil)", withdrawn, err)
	}
}

func TestRequestAssist_AgentRoleRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, ares := attach(t, f.c, core.RoleAgent, "agent-1")

	if err := f.c.RequestAssist(ctx, ares.ConnID, ""); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("RequestAssist by agent type = %v, want invalid_request", core.TypeOf(err))
	}
	if _, err := f.c.Withdraw(ctx, ares.ConnID); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("Withdraw by agent type = %v, want invalid_request", core.TypeOf(err))
	}
}

func TestClaim_StartsConversation(t *testing.T) {
	f := newFixture(t, nil)
	_, _, _, _, sid := startConversation(t, f, "agent-1", "cust-1")

	if !strings.HasPrefix(sid, "s_") {
		t.Fatalf("session id = %q, want s_ prefix", sid)
	}
	sess, ok := f.reg.Get(sid)
	if !ok {
		t.Fatalf("session %q not in registry", sid)
	}
	if got := sess.Participant(core.RoleCustomer); got != "cust-1" {
		t.Fatalf("customer participant = %q, want cust-1", got)
	}
	if n, _ := f.q.PeekCount(context.Background()); n != 0 {
		t.Fatalf("queue depth after claim = %d, want 0", n)
	}
}

func TestClaim_ConcurrentAgentsOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	agentA, aresA := attach(t, f.c, core.RoleAgent, "agent-a")
	agentB, aresB := attach(t, f.c, core.RoleAgent, "agent-b")
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")
	if err := f.c.RequestAssist(ctx, cres.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, connID := range []string{aresA.ConnID, aresB.ConnID} {
		wg.Add(1)
		go func(i int, connID string) {
			defer wg.Done()
			errs[i] = f.c.Claim(ctx, connID)
		}(i, connID)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case core.TypeOf(err) == core.ErrContention:
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins = %d, losses = %d, want exactly one of each", wins, losses)
	}

	winner, loser := agentA, agentB
	if errs[0] != nil {
		winner, loser = agentB, agentA
	}
	start := awaitKind(t, winner, "start_call").(relay.CallStartFrame)
	if start.PartnerID != "cust-1" {
		t.Fatalf("winner partner = %q, want cust-1", start.PartnerID)
	}
	// The loser gets a refreshed queue view, not a conversation.
	upd := awaitKind(t, loser, "queue_update").(relay.QueueUpdateFrame)
	if upd.Count != 0 {
		t.Fatalf("loser queue update = %d, want 0", upd.Count)
	}
	wantNoKind(t, loser, "start_call", 100*time.Millisecond)

	if n, _ := f.q.PeekCount(ctx); n != 0 {
		t.Fatalf("queue depth = %d, want 0", n)
	}
	if f.reg.Len() != 1 {
		t.Fatalf("registry sessions = %d, want 1", f.reg.Len())
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	f := newFixture(t, nil)
	agent, ares := attach(t, f.c, core.RoleAgent, "agent-1")

	err := f.c.Claim(context.Background(), ares.ConnID)
	var cerr *core.Error
	if !errors.As(err, &cerr) || cerr.Code != "no_longer_available" {
		t.Fatalf("Claim on empty queue = %v, want no_longer_available", err)
	}
	upd := awaitKind(t, agent, "queue_update").(relay.QueueUpdateFrame)
	if upd.Count != 0 {
		t.Fatalf("refresh count = %d, want 0", upd.Count)
	}
}

func TestClaim_BusyAndUnacknowledgedAgentRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, _, agentConn, custConn, _ := startConversation(t, f, "agent-1", "cust-1")

	// Mid-conversation.
	err := f.c.Claim(ctx, agentConn)
	var cerr *core.Error
	if !errors.As(err, &cerr) || cerr.Code != "not_ready" {
		t.Fatalf("Claim mid-conversation = %v, want not_ready", err)
	}

	// Ended but not acknowledged.
	if err := f.c.EndChat(ctx, custConn); err != nil {
		t.Fatalf("EndChat error: %v", err)
	}
	err = f.c.Claim(ctx, agentConn)
	if !errors.As(err, &cerr) || cerr.Code != "not_ready" {
		t.Fatalf("Claim before ready = %v, want not_ready", err)
	}

	// Acknowledged and claimable again.
	if err := f.c.Ready(ctx, agentConn); err != nil {
		t.Fatalf("Ready error: %v", err)
	}
	_, c2res := attach(t, f.c, core.RoleCustomer, "cust-2")
	if err := f.c.RequestAssist(ctx, c2res.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}
	if err := f.c.Claim(ctx, agentConn); err != nil {
		t.Fatalf("Claim after ready error: %v", err)
	}
}

func TestSendMessage_AppendsAndForwards(t *testing.T) {
	f := newFixture(t, nil)
	agent, customer, agentConn, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	if err := f.c.SendMessage(custConn, "hi there"); err != nil {
		t.Fatalf("customer SendMessage error: %v", err)
	}
	msg := awaitKind(t, agent, "message").(relay.MessageFrame)
	if msg.Speaker != core.RoleCustomer || msg.Text != "hi there" {
		t.Fatalf("agent got %+v, want customer message", msg)
	}
	if msg.TimestampMS == 0 {
		t.Fatalf("message timestamp not set")
	}

	if err := f.c.SendMessage(agentConn, "hello, how can I help"); err != nil {
		t.Fatalf("agent SendMessage error: %v", err)
	}
	msg = awaitKind(t, customer, "message").(relay.MessageFrame)
	if msg.Speaker != core.RoleAgent {
		t.Fatalf("customer got speaker %q, want agent", msg.Speaker)
	}

	events := f.tl.Snapshot(sid, 0)
	if len(events) != 2 {
		t.Fatalf("timeline events = %d, want 2", len(events))
	}
	if events[0].Seq >= events[1].Seq {
		t.Fatalf("seq not increasing: %d then %d", events[0].Seq, events[1].Seq)
	}
	if events[0].Speaker != core.RoleCustomer || events[1].Speaker != core.RoleAgent {
		t.Fatalf("timeline speakers = %q, %q", events[0].Speaker, events[1].Speaker)
	}
}

func TestSendMessage_OutsideConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")

	if err := f.c.SendMessage(cres.ConnID, "anyone?"); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("SendMessage with no session type = %v, want invalid_request", core.TypeOf(err))
	}
	if err := f.c.SendMessage(cres.ConnID, "   "); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("blank SendMessage type = %v, want invalid_request", core.TypeOf(err))
	}

	// After the conversation ends the agent still references it until Ready;
	// sending into it is contention, not a malformed request.
	_, _, agentConn, custConn, _ := startConversation(t, f, "agent-1", "cust-2")
	if err := f.c.EndChat(ctx, custConn); err != nil {
		t.Fatalf("EndChat error: %v", err)
	}
	var cerr *core.Error
	err := f.c.SendMessage(agentConn, "still there?")
	if !errors.As(err, &cerr) || cerr.Code != "session_ended" {
		t.Fatalf("SendMessage after end = %v, want session_ended", err)
	}
}

func TestEndChat_NotifiesBothSidesAndFreesCustomer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	agent, customer, agentConn, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	if err := f.c.EndChat(ctx, agentConn); err != nil {
		t.Fatalf("EndChat error: %v", err)
	}
	endA := awaitKind(t, agent, "end_call").(relay.CallEndFrame)
	endC := awaitKind(t, customer, "end_call").(relay.CallEndFrame)
	if endA.Reason != "agent_ended" || endC.Reason != "agent_ended" {
		t.Fatalf("end reasons = %q, %q, want agent_ended", endA.Reason, endC.Reason)
	}
	if endA.SessionID != sid {
		t.Fatalf("end session id = %q, want %q", endA.SessionID, sid)
	}

	// The customer is released immediately and can ask for help again.
	if err := f.c.RequestAssist(ctx, custConn, ""); err != nil {
		t.Fatalf("RequestAssist after end error: %v", err)
	}
}

func TestEndChat_QueuedCustomerWithdraws(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")
	if err := f.c.RequestAssist(ctx, cres.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}

	if err := f.c.EndChat(ctx, cres.ConnID); err != nil {
		t.Fatalf("EndChat while queued error: %v", err)
	}
	if n, _ := f.q.PeekCount(ctx); n != 0 {
		t.Fatalf("queue depth = %d, want 0", n)
	}
	// Nothing left to end or withdraw; still not an error.
	if err := f.c.EndChat(ctx, cres.ConnID); err != nil {
		t.Fatalf("repeat EndChat error: %v", err)
	}
}

func TestDetach_GraceExpiryEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	agent, _, _, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	f.c.Detach(custConn)
	status := awaitKind(t, agent, "peer_status").(relay.PeerStatusFrame)
	if status.State != relay.PeerReconnecting {
		t.Fatalf("peer state = %q, want reconnecting", status.State)
	}

	end := awaitKind(t, agent, "end_call").(relay.CallEndFrame)
	if end.Reason != "reconnect_timeout" {
		t.Fatalf("end reason = %q, want reconnect_timeout", end.Reason)
	}
	sess, ok := f.reg.Get(sid)
	if !ok || sess.State() != session.StateEnded {
		t.Fatalf("session not ended after grace expiry")
	}
}

func TestDetach_QueuedCustomerExitsQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")
	if err := f.c.RequestAssist(ctx, cres.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}

	f.c.Detach(cres.ConnID)
	if n, _ := f.q.PeekCount(ctx); n != 0 {
		t.Fatalf("queue depth after exit = %d, want 0", n)
	}
}

func TestReattach_WithinGraceResumes(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Registry = session.NewRegistry(session.Config{ReconnectGrace: 2 * time.Second}, quietLogger())
	})
	agent, _, agentConn, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	f.c.Detach(custConn)
	awaitKind(t, agent, "peer_status")

	// Traffic while the customer is away is held for them.
	if err := f.c.SendMessage(agentConn, "are you still there?"); err != nil {
		t.Fatalf("SendMessage during absence error: %v", err)
	}

	customer2, res := attach(t, f.c, core.RoleCustomer, "cust-1")
	if !res.Resumed || res.SessionID != sid {
		t.Fatalf("reattach = %+v, want resume into %q", res, sid)
	}
	held := awaitKind(t, customer2, "message").(relay.MessageFrame)
	if held.Text != "are you still there?" {
		t.Fatalf("replayed message = %q", held.Text)
	}
	status := awaitKind(t, agent, "peer_status").(relay.PeerStatusFrame)
	if status.State != relay.PeerConnected {
		t.Fatalf("peer state = %q, want connected", status.State)
	}
	wantNoKind(t, agent, "end_call", 100*time.Millisecond)

	// Conversation continues on the same timeline.
	if err := f.c.SendMessage(res.ConnID, "yes, sorry"); err != nil {
		t.Fatalf("SendMessage after resume error: %v", err)
	}
	awaitKind(t, agent, "message")
}

func TestAttach_SupersedesPreviousConnection(t *testing.T) {
	f := newFixture(t, nil)
	agent, _, _, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	oldHandle := handleOf(t, f.c, custConn)
	_, res := attach(t, f.c, core.RoleCustomer, "cust-1")
	if !res.Resumed || res.SessionID != sid {
		t.Fatalf("superseding attach = %+v, want resume into %q", res, sid)
	}
	select {
	case <-oldHandle.Done():
	case <-time.After(time.Second):
		t.Fatalf("old handle not detached")
	}

	if err := f.c.SendMessage(res.ConnID, "new pipe works"); err != nil {
		t.Fatalf("SendMessage on new connection error: %v", err)
	}
	awaitKind(t, agent, "message")
}

// handleOf digs the live relay handle out for a connection.
func handleOf(t *testing.T, c *Coordinator, connID string) *relay.Handle {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[connID]
	if !ok {
		t.Fatalf("connection %q not tracked", connID)
	}
	return cn.handle
}

func TestAudio_ForwardsRawAndTranscribesOnce(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.STT = &fakeSTT{text: "hello there"}
	})
	agent, customer, _, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	// 50ms at 16kHz pcm_s16le is 1600 bytes; one loud chunk of exactly the
	// window cuts exactly one segment.
	if err := f.c.FeedAudio(custConn, loudPCM(1600)); err != nil {
		t.Fatalf("FeedAudio error: %v", err)
	}

	raw := awaitKind(t, agent, "audio").(relay.AudioFrame)
	if len(raw.Data) != 1600 {
		t.Fatalf("forwarded audio = %d bytes, want 1600", len(raw.Data))
	}

	trA := awaitKind(t, agent, "transcript").(relay.TranscriptFrame)
	trC := awaitKind(t, customer, "transcript").(relay.TranscriptFrame)
	for _, tr := range []relay.TranscriptFrame{trA, trC} {
		if tr.Speaker != core.RoleCustomer || tr.Text != "hello there" {
			t.Fatalf("transcript = %+v, want customer 'hello there'", tr)
		}
	}
	wantNoKind(t, agent, "transcript", 150*time.Millisecond)

	var transcripts int
	for _, ev := range f.tl.Snapshot(sid, 0) {
		if ev.Kind == timeline.KindTranscript {
			transcripts++
		}
	}
	if transcripts != 1 {
		t.Fatalf("timeline transcripts = %d, want 1", transcripts)
	}
}

func TestAudio_OutsideConversationIsDropped(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.STT = &fakeSTT{text: "should not appear"}
	})
	customer, cres := attach(t, f.c, core.RoleCustomer, "cust-1")

	if err := f.c.FeedAudio(cres.ConnID, loudPCM(3200)); err != nil {
		t.Fatalf("FeedAudio outside conversation error: %v", err)
	}
	wantNoKind(t, customer, "transcript", 150*time.Millisecond)
}

func TestSuggestions_AgentOnly(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.LLM = &fakeLLM{}
	})
	agent, customer, _, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	if err := f.c.SendMessage(custConn, "When should naps stop?"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	sg := awaitKind(t, agent, "ai_suggestion").(relay.SuggestionFrame)
	if sg.Source != "realtime" {
		t.Fatalf("suggestion source = %q, want realtime", sg.Source)
	}
	if sg.Text == "" {
		t.Fatalf("empty suggestion text")
	}
	wantNoKind(t, customer, "ai_suggestion", 150*time.Millisecond)

	waitFor(t, 2*time.Second, "suggestion on timeline", func() bool {
		for _, ev := range f.tl.Snapshot(sid, 0) {
			if ev.Kind == timeline.KindSuggestion {
				return true
			}
		}
		return false
	})
}

func TestSuggestions_DroppedWhenSessionGone(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.LLM = &fakeLLM{}
	})
	agent, _ := attach(t, f.c, core.RoleAgent, "agent-1")

	// A result for a session nobody holds anymore is discarded quietly.
	f.c.deliverSuggestion(suggest.Suggestion{
		SessionID: "s_gone", Text: "late advice", Source: "batch", CreatedAt: time.Now(),
	})
	wantNoKind(t, agent, "ai_suggestion", 100*time.Millisecond)
}

func TestClaim_AttachesCustomerContext(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Profiles = profile.NewStatic(map[string]profile.Profile{
			"cust-1": {CustomerID: "cust-1", Name: "Ada", Tier: "premium"},
		})
	})
	ctx := context.Background()
	agent, ares := attach(t, f.c, core.RoleAgent, "agent-1")
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")
	if err := f.c.RequestAssist(ctx, cres.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}
	if err := f.c.Claim(ctx, ares.ConnID); err != nil {
		t.Fatalf("Claim error: %v", err)
	}

	start := awaitKind(t, agent, "start_call").(relay.CallStartFrame)
	if start.Context == nil || start.Context.Name != "Ada" {
		t.Fatalf("start context = %+v, want Ada's profile", start.Context)
	}

	events := f.tl.Snapshot(start.SessionID, 0)
	if len(events) == 0 || events[0].Kind != timeline.KindContext {
		t.Fatalf("first timeline event = %+v, want context", events)
	}
	if events[0].Payload["name"] != "Ada" {
		t.Fatalf("context payload = %+v", events[0].Payload)
	}
}

func TestClaim_ContextLookupFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Profiles = failingProfiles{}
	})
	ctx := context.Background()
	agent, ares := attach(t, f.c, core.RoleAgent, "agent-1")
	_, cres := attach(t, f.c, core.RoleCustomer, "cust-1")
	if err := f.c.RequestAssist(ctx, cres.ConnID, ""); err != nil {
		t.Fatalf("RequestAssist error: %v", err)
	}

	if err := f.c.Claim(ctx, ares.ConnID); err != nil {
		t.Fatalf("Claim with failing lookup error: %v", err)
	}
	start := awaitKind(t, agent, "start_call").(relay.CallStartFrame)
	if start.Context != nil {
		t.Fatalf("start context = %+v, want nil after lookup failure", start.Context)
	}
}

func TestEndChat_ArchivesClosedConversation(t *testing.T) {
	arch := archive.NewMemory()
	f := newFixture(t, func(d *Deps) {
		d.Archive = arch
	})
	ctx := context.Background()
	_, _, agentConn, custConn, sid := startConversation(t, f, "agent-1", "cust-1")

	if err := f.c.SendMessage(custConn, "hello"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if err := f.c.SendMessage(agentConn, "hi, how can I help"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if err := f.c.EndChat(ctx, agentConn); err != nil {
		t.Fatalf("EndChat error: %v", err)
	}

	waitFor(t, 2*time.Second, "archive export", func() bool {
		return len(arch.Records()) == 1
	})
	rec := arch.Records()[0]
	if rec.SessionID != sid || rec.AgentID != "agent-1" || rec.CustomerID != "cust-1" {
		t.Fatalf("record identity = %+v", rec)
	}
	if rec.EndReason != "agent_ended" {
		t.Fatalf("record reason = %q, want agent_ended", rec.EndReason)
	}
	if len(rec.Events) != 2 {
		t.Fatalf("record events = %d, want 2", len(rec.Events))
	}
	// The live timeline holds nothing for a closed session.
	if got := f.tl.Len(sid); got != 0 {
		t.Fatalf("timeline still holds %d events", got)
	}
}

func TestShutdown_EndsEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	agent, customer, _, _, _ := startConversation(t, f, "agent-1", "cust-1")

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.c.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	endA := awaitKind(t, agent, "end_call").(relay.CallEndFrame)
	endC := awaitKind(t, customer, "end_call").(relay.CallEndFrame)
	if endA.Reason != "server_shutdown" || endC.Reason != "server_shutdown" {
		t.Fatalf("end reasons = %q, %q, want server_shutdown", endA.Reason, endC.Reason)
	}

	if _, _, err := f.c.Attach(ctx, core.RoleAgent, "agent-2", ""); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("Attach after shutdown = %v, want ErrClosed", err)
	}
}
