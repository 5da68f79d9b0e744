package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/coord"
	"github.com/deskbridge/deskbridge/pkg/gateway/apierror"
	"github.com/deskbridge/deskbridge/pkg/gateway/config"
	"github.com/deskbridge/deskbridge/pkg/gateway/lifecycle"
	"github.com/deskbridge/deskbridge/pkg/gateway/live/conns"
	"github.com/deskbridge/deskbridge/pkg/gateway/live/peer"
	"github.com/deskbridge/deskbridge/pkg/gateway/mw"
	"github.com/deskbridge/deskbridge/pkg/gateway/protocol"
)

// LiveHandler handles /v1/live websocket connections.
type LiveHandler struct {
	Config    config.Config
	Engine    *coord.Coordinator
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	LiveConns *conns.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, http.StatusMethodNotAllowed, reqID, &core.Error{
			Type:    core.ErrInvalidRequest,
			Code:    "method_not_allowed",
			Message: "method not allowed",
		})
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, 529, reqID, &core.Error{
			Type:      core.ErrTransport,
			Code:      "draining",
			Message:   "server is draining",
			Retryable: true,
		})
		return
	}
	if !h.originAllowed(r) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, http.StatusForbidden, reqID, &core.Error{
			Type:    core.ErrInvalidRequest,
			Code:    "origin_forbidden",
			Message: "origin is not allowed",
			Param:   "Origin",
		})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.rejectHandshake(conn, "bad_request", "failed to read hello", "")
		return
	}
	if messageType != websocket.TextMessage {
		h.rejectHandshake(conn, "bad_request", "first frame must be hello", "")
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.closeWithError(conn, protocol.ErrorFrame(err))
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.rejectHandshake(conn, "bad_request", "first frame must be hello", "")
		return
	}

	role, err := core.ParseRole(hello.Role)
	if err != nil {
		h.rejectHandshake(conn, "bad_request", "invalid role", "role")
		return
	}

	handle, res, err := h.Engine.Attach(r.Context(), role, strings.TrimSpace(hello.ParticipantID), strings.TrimSpace(hello.ResumeSessionID))
	if err != nil {
		h.closeWithError(conn, protocol.ErrorFrame(err))
		return
	}

	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		ConnID:          res.ConnID,
		Role:            string(role),
		Resumed:         res.Resumed,
		SessionID:       res.SessionID,
		Limits: &protocol.HelloAckLimits{
			MaxMessageBytes:    int(h.Config.MaxMessageBytes),
			MaxAudioFrameBytes: h.Config.MaxAudioFrameBytes,
			ReconnectGraceMS:   h.Config.ReconnectGrace.Milliseconds(),
		},
	}
	if res.QueueCount >= 0 {
		count := res.QueueCount
		ack.QueueCount = &count
	}
	if h.Config.MaxAudioFPS > 0 {
		ack.Limits.MaxAudioFPS = h.Config.MaxAudioFPS
	}
	if h.Config.MaxAudioBPS > 0 {
		ack.Limits.MaxAudioBPS = h.Config.MaxAudioBPS
	}
	if (h.Config.MaxAudioFPS > 0 || h.Config.MaxAudioBPS > 0) && h.Config.InboundBurstSeconds > 0 {
		ack.Limits.InboundBurstSeconds = h.Config.InboundBurstSeconds
	}
	if err := conn.WriteJSON(ack); err != nil {
		h.Engine.Detach(res.ConnID)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	p := peer.New(peer.Config{
		MaxMessageBytes:     h.Config.MaxMessageBytes,
		MaxAudioFrameBytes:  h.Config.MaxAudioFrameBytes,
		ReadTimeout:         h.Config.WSReadTimeout,
		WriteTimeout:        h.Config.WSWriteTimeout,
		PingInterval:        h.Config.WSPingInterval,
		OutboundQueue:       h.Config.OutboundQueueSize,
		MaxAudioFPS:         h.Config.MaxAudioFPS,
		MaxAudioBPS:         h.Config.MaxAudioBPS,
		InboundBurstSeconds: h.Config.InboundBurstSeconds,
	}, conn, h.Engine, handle, h.Logger)

	unregister := func() {}
	if h.LiveConns != nil {
		unregister = h.LiveConns.Register(res.ConnID, conns.Handle{
			Cancel: p.Cancel,
			Warn:   p.Warn,
		})
	}
	defer unregister()

	if err := p.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live connection ended with error",
				"conn_id", res.ConnID,
				"request_id", requestIDFromContext(r.Context()),
				"error", err,
			)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.AllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}

func (h LiveHandler) rejectHandshake(conn *websocket.Conn, code, message, param string) {
	h.closeWithError(conn, protocol.ServerError{
		Type:      "error",
		ErrorType: string(core.ErrInvalidRequest),
		Code:      code,
		Message:   message,
		Param:     param,
	})
}

func (h LiveHandler) closeWithError(conn *websocket.Conn, frame protocol.ServerError) {
	frame.Close = true
	_ = conn.WriteJSON(frame)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, frame.Message), time.Now().Add(2*time.Second))
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
