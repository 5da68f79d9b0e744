package relay

import (
	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/profile"
)

// Frame is one unit of session traffic. Concrete frame types carry the
// payload; FrameKind names the wire kind the gateway maps them to.
type Frame interface {
	FrameKind() string
}

// AudioFrame is a raw binary audio chunk relayed between the participants.
type AudioFrame struct {
	Data []byte
}

func (AudioFrame) FrameKind() string { return "audio" }

// MessageFrame is one chat message.
type MessageFrame struct {
	Speaker     core.Role
	Text        string
	TimestampMS int64
}

func (MessageFrame) FrameKind() string { return "message" }

// TranscriptFrame is one finished speech-to-text result.
type TranscriptFrame struct {
	Speaker     core.Role
	Text        string
	TimestampMS int64
}

func (TranscriptFrame) FrameKind() string { return "transcript" }

// SuggestionFrame is one AI suggestion, delivered to the agent side only.
type SuggestionFrame struct {
	Text        string
	Source      string
	TimestampMS int64
}

func (SuggestionFrame) FrameKind() string { return "ai_suggestion" }

// ContextFrame carries the customer profile attached at claim time.
type ContextFrame struct {
	Profile *profile.Profile
}

func (ContextFrame) FrameKind() string { return "customer_context" }

// CallStartFrame announces the pairing to a participant.
type CallStartFrame struct {
	SessionID string
	PartnerID string
	Context   *profile.Profile
}

func (CallStartFrame) FrameKind() string { return "start_call" }

// CallEndFrame announces the end of the session.
type CallEndFrame struct {
	SessionID string
	Reason    string
}

func (CallEndFrame) FrameKind() string { return "end_call" }

// QueueUpdateFrame pushes the waiting-queue depth to agent connections.
type QueueUpdateFrame struct {
	Count int
}

func (QueueUpdateFrame) FrameKind() string { return "queue_update" }

// PeerStatusFrame reports the partner's connectivity, for the reconnecting
// indicator.
type PeerStatusFrame struct {
	State string
}

func (PeerStatusFrame) FrameKind() string { return "peer_status" }

// NoticeFrame is a non-fatal advisory, such as degraded delivery while the
// partner is away.
type NoticeFrame struct {
	Code    string
	Message string
}

func (NoticeFrame) FrameKind() string { return "notice" }

// Peer status values carried by PeerStatusFrame.
const (
	PeerConnected    = "connected"
	PeerReconnecting = "reconnecting"
)
