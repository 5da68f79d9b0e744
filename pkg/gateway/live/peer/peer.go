// Package peer runs one accepted live connection: a read loop feeding the
// conversation engine and a writer draining the connection's relay mailbox
// back onto the socket.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/coord"
	"github.com/deskbridge/deskbridge/pkg/core/relay"
	"github.com/deskbridge/deskbridge/pkg/gateway/protocol"
)

// Config tunes one live connection.
type Config struct {
	MaxMessageBytes     int64
	MaxAudioFrameBytes  int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	OutboundQueue       int
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int
}

// wsConn is the connection surface the peer needs. *websocket.Conn satisfies
// it; tests substitute a scripted fake.
type wsConn interface {
	wsWriter
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
}

type inboundMessage struct {
	messageType int
	data        []byte
	err         error
}

var errBackpressure = errors.New("outbound queue full")

// Peer binds one connection to the coordinator after a completed handshake.
type Peer struct {
	cfg    Config
	ws     wsConn
	coord  *coord.Coordinator
	handle *relay.Handle
	connID string
	role   core.Role
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	priority chan outboundFrame
	normal   chan outboundFrame

	limiter      *audioLimiter
	rateLimited  bool
	droppedAudio uint64
}

func New(cfg Config, ws wsConn, co *coord.Coordinator, handle *relay.Handle, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	outboundQueue := cfg.OutboundQueue
	if outboundQueue <= 0 {
		outboundQueue = 128
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		cfg:      cfg,
		ws:       ws,
		coord:    co,
		handle:   handle,
		connID:   handle.ConnID(),
		role:     handle.Role(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, 16),
		normal:   make(chan outboundFrame, outboundQueue),
		limiter:  newAudioLimiter(time.Now, cfg.MaxAudioFPS, cfg.MaxAudioBPS, cfg.InboundBurstSeconds),
	}
}

// DroppedAudio reports how many inbound audio frames the rate limiter shed.
func (p *Peer) DroppedAudio() uint64 { return p.droppedAudio }

// Cancel force-closes the connection. The writer still flushes queued
// priority frames on the way out.
func (p *Peer) Cancel() {
	if p == nil || p.cancel == nil {
		return
	}
	p.cancel()
}

// Warn queues an out-of-band notice ahead of relay traffic. Safe to call
// from outside the run loop while the connection is live.
func (p *Peer) Warn(code, message string) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(protocol.ServerNotice{Type: "notice", Code: code, Message: message})
	if err != nil {
		return err
	}
	return p.enqueuePriority(outboundFrame{textPayload: payload})
}

func (p *Peer) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case p.priority <- frame:
			return nil
		default:
		}
		select {
		case <-p.priority:
		default:
		}
	}
	select {
	case p.priority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// Run services the connection until the client drops, the server drains, the
// connection is superseded, or the client violates the protocol. The
// connection is always detached from the coordinator on the way out, which
// arms the reconnect window for a mid-session drop.
func (p *Peer) Run() error {
	defer p.cancel()
	defer p.coord.Detach(p.connID)

	if p.cfg.MaxMessageBytes > 0 {
		p.ws.SetReadLimit(p.cfg.MaxMessageBytes)
	}
	if p.cfg.ReadTimeout > 0 {
		_ = p.ws.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		p.ws.SetPongHandler(func(string) error {
			return p.ws.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{ws: p.ws, ctx: p.ctx, cfg: p.cfg, priority: p.priority, normal: p.normal}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()
	go p.pumpSession()

	readCh := make(chan inboundMessage, 64)
	go p.readLoop(readCh)

	flushAndClose := func() error {
		p.cancel()
		wait := 100 * time.Millisecond
		if p.cfg.WriteTimeout > 0 && p.cfg.WriteTimeout < wait {
			wait = p.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	for {
		select {
		case <-p.ctx.Done():
			return flushAndClose()
		case err := <-writerErrCh:
			if err != nil {
				p.logger.Warn("write failed, dropping connection",
					"conn_id", p.connID, "error", err)
			}
			return err
		case <-p.handle.Done():
			// A newer connection took over this participant.
			p.sendReply(protocol.ServerNotice{
				Type:    "notice",
				Code:    "superseded",
				Message: "another connection took over this participant",
			})
			return flushAndClose()
		case in, ok := <-readCh:
			if !ok {
				return flushAndClose()
			}
			if in.err != nil {
				if !isExpectedClose(in.err) {
					p.logger.Info("read ended",
						"conn_id", p.connID, "error", in.err)
				}
				return flushAndClose()
			}
			if closeConn := p.dispatch(in); closeConn {
				return flushAndClose()
			}
		}
	}
}

func (p *Peer) readLoop(out chan<- inboundMessage) {
	defer close(out)
	for {
		messageType, data, err := p.ws.ReadMessage()
		if err != nil {
			select {
			case out <- inboundMessage{err: err}:
			case <-p.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundMessage{messageType: messageType, data: data}:
		case <-p.ctx.Done():
			return
		}
	}
}

// pumpSession moves the relay mailbox onto the writer's normal lane. The
// mailbox is already bounded and displacing, so blocking on a slow writer
// here never backs up the relay.
func (p *Peer) pumpSession() {
	defer close(p.normal)
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.handle.Frames():
			out, ok := encodeFrame(f)
			if !ok {
				continue
			}
			select {
			case p.normal <- out:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// dispatch handles one inbound message. A true result closes the connection.
func (p *Peer) dispatch(in inboundMessage) bool {
	switch in.messageType {
	case websocket.BinaryMessage:
		return p.dispatchAudio(in.data)
	case websocket.TextMessage:
		return p.dispatchText(in.data)
	default:
		return false
	}
}

func (p *Peer) dispatchAudio(data []byte) bool {
	if p.cfg.MaxAudioFrameBytes > 0 && len(data) > p.cfg.MaxAudioFrameBytes {
		p.sendReply(protocol.ServerError{
			Type:      "error",
			ErrorType: string(core.ErrInvalidRequest),
			Code:      "bad_request",
			Message:   "audio frame exceeds max size",
			Close:     true,
		})
		return true
	}
	if !p.limiter.Allow(len(data)) {
		p.droppedAudio++
		if !p.rateLimited {
			// Report once per overrun, then shed silently until the budget
			// recovers.
			p.rateLimited = true
			p.sendReply(protocol.ServerError{
				Type:      "error",
				ErrorType: string(core.ErrCapacity),
				Code:      "rate_limited",
				Message:   "inbound audio rate exceeded, dropping frames",
				Retryable: true,
			})
		}
		return false
	}
	p.rateLimited = false

	if err := p.coord.FeedAudio(p.connID, data); err != nil {
		// The engine no longer knows this connection.
		return true
	}
	return false
}

func (p *Peer) dispatchText(data []byte) bool {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		frame := protocol.ErrorFrame(err)
		frame.Close = true
		p.sendReply(frame)
		return true
	}

	var opErr error
	switch m := msg.(type) {
	case protocol.ClientHello:
		opErr = core.NewInvalidRequestError("hello is only valid during the handshake")
	case protocol.ClientRequestAssist:
		opErr = p.coord.RequestAssist(p.ctx, p.connID, m.ContextRef)
	case protocol.ClientWithdraw:
		withdrawn, werr := p.coord.Withdraw(p.ctx, p.connID)
		if werr == nil {
			notice := protocol.ServerNotice{Type: "notice", Code: "not_queued", Message: "no pending assistance request"}
			if withdrawn {
				notice = protocol.ServerNotice{Type: "notice", Code: "withdrawn", Message: "assistance request withdrawn"}
			}
			p.sendReply(notice)
			return false
		}
		opErr = werr
	case protocol.ClientClaim:
		opErr = p.coord.Claim(p.ctx, p.connID)
	case protocol.ClientChatMessage:
		opErr = p.coord.SendMessage(p.connID, m.Text)
	case protocol.ClientEndChat:
		opErr = p.coord.EndChat(p.ctx, p.connID)
	case protocol.ClientReady:
		opErr = p.coord.Ready(p.ctx, p.connID)
	}
	if opErr == nil {
		return false
	}
	if errors.Is(opErr, core.ErrNotFound) {
		// Superseded mid-dispatch; the done signal closes us out.
		return true
	}

	frame := protocol.ErrorFrame(opErr)
	if errors.Is(opErr, core.ErrClosed) {
		frame.Close = true
	}
	p.sendReply(frame)
	return frame.Close
}

func (p *Peer) sendReply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("encode reply failed", "conn_id", p.connID, "error", err)
		return
	}
	select {
	case p.priority <- outboundFrame{textPayload: payload}:
	case <-p.ctx.Done():
	}
}

// encodeFrame maps a relay frame onto its wire shape. Audio stays binary;
// everything else is JSON. Unknown frame types are dropped.
func encodeFrame(f relay.Frame) (outboundFrame, bool) {
	var v any
	switch t := f.(type) {
	case relay.AudioFrame:
		return outboundFrame{binaryPayload: t.Data}, true
	case relay.MessageFrame:
		v = protocol.ServerChatMessage{Type: "message", Speaker: string(t.Speaker), Text: t.Text, TimestampMS: t.TimestampMS}
	case relay.TranscriptFrame:
		v = protocol.ServerTranscript{Type: "transcript", Speaker: string(t.Speaker), Text: t.Text, TimestampMS: t.TimestampMS}
	case relay.SuggestionFrame:
		v = protocol.ServerSuggestion{Type: "ai_suggestion", Text: t.Text, Source: t.Source, TimestampMS: t.TimestampMS}
	case relay.ContextFrame:
		v = protocol.ServerCustomerContext{Type: "customer_context", Profile: t.Profile}
	case relay.CallStartFrame:
		v = protocol.ServerStartCall{Type: "start_call", SessionID: t.SessionID, PartnerID: t.PartnerID, Context: t.Context}
	case relay.CallEndFrame:
		v = protocol.ServerEndCall{Type: "end_call", SessionID: t.SessionID, Reason: t.Reason}
	case relay.QueueUpdateFrame:
		v = protocol.ServerQueueUpdate{Type: "queue_update", Count: t.Count}
	case relay.PeerStatusFrame:
		v = protocol.ServerPeerStatus{Type: "peer_status", State: t.State}
	case relay.NoticeFrame:
		v = protocol.ServerNotice{Type: "notice", Code: t.Code, Message: t.Message}
	default:
		return outboundFrame{}, false
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return outboundFrame{}, false
	}
	return outboundFrame{textPayload: payload}, true
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
