// Package protocol defines the live WebSocket wire frames and their decoding.
// Client frames arrive as JSON text messages plus raw binary audio; server
// frames mirror the relay's typed frames one to one.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/profile"
)

const (
	ProtocolVersion1 = "1"

	RoleAgent    = "agent"
	RoleCustomer = "customer"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Role            string      `json:"role"`
	ParticipantID   string      `json:"participant_id"`
	ResumeSessionID string      `json:"resume_session_id,omitempty"`
	Client          HelloClient `json:"client,omitempty"`
}

type ClientRequestAssist struct {
	Type       string `json:"type"`
	ContextRef string `json:"context_ref,omitempty"`
}

type ClientWithdraw struct {
	Type string `json:"type"`
}

type ClientClaim struct {
	Type string `json:"type"`
}

type ClientChatMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientEndChat struct {
	Type string `json:"type"`
}

type ClientReady struct {
	Type string `json:"type"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "request_assist":
		var msg ClientRequestAssist
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid request_assist frame", "")
		}
		return msg, nil
	case "withdraw":
		var msg ClientWithdraw
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid withdraw frame", "")
		}
		return msg, nil
	case "claim":
		var msg ClientClaim
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid claim frame", "")
		}
		return msg, nil
	case "message":
		var msg ClientChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid message frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("message.text is required", "text")
		}
		return msg, nil
	case "end_chat":
		var msg ClientEndChat
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_chat frame", "")
		}
		return msg, nil
	case "ready":
		var msg ClientReady
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ready frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.ProtocolVersion) != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	role := strings.TrimSpace(msg.Role)
	if role == "" {
		return badRequest("hello.role is required", "role")
	}
	switch role {
	case RoleAgent, RoleCustomer:
	default:
		return unsupported("unsupported role", "role")
	}
	if strings.TrimSpace(msg.ParticipantID) == "" {
		return badRequest("hello.participant_id is required", "participant_id")
	}
	return nil
}

type HelloAckLimits struct {
	MaxMessageBytes     int   `json:"max_message_bytes"`
	MaxAudioFrameBytes  int   `json:"max_audio_frame_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS         int64 `json:"max_audio_bps,omitempty"`
	InboundBurstSeconds int   `json:"inbound_burst_seconds,omitempty"`
	ReconnectGraceMS    int64 `json:"reconnect_grace_ms"`
}

type ServerHelloAck struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ConnID          string          `json:"conn_id"`
	Role            string          `json:"role"`
	Resumed         bool            `json:"resumed,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	QueueCount      *int            `json:"queue_count,omitempty"`
	Limits          *HelloAckLimits `json:"limits,omitempty"`
}

type ServerQueueUpdate struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type ServerStartCall struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	PartnerID string           `json:"partner_id"`
	Context   *profile.Profile `json:"context,omitempty"`
}

type ServerEndCall struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ServerChatMessage struct {
	Type        string `json:"type"`
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type ServerTranscript struct {
	Type        string `json:"type"`
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type ServerSuggestion struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Source      string `json:"source"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type ServerCustomerContext struct {
	Type    string           `json:"type"`
	Profile *profile.Profile `json:"profile"`
}

type ServerPeerStatus struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type ServerNotice struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerError struct {
	Type      string `json:"type"`
	ErrorType string `json:"error_type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

// ErrorFrame maps an operation failure to the wire error frame. Typed errors
// keep their code and message; anything unclassified is reported as an opaque
// internal error.
func ErrorFrame(err error) ServerError {
	out := ServerError{Type: "error", ErrorType: string(core.TypeOf(err))}

	var de *DecodeError
	if errors.As(err, &de) {
		out.ErrorType = string(core.ErrInvalidRequest)
		out.Code = de.Code
		out.Message = de.Message
		out.Param = de.Param
		return out
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		out.Code = ce.Code
		out.Message = ce.Message
		out.Param = ce.Param
		out.Retryable = ce.Retryable
		return out
	}
	switch {
	case errors.Is(err, core.ErrNotFound):
		out.Code = "not_found"
		out.Message = "not found"
	case errors.Is(err, core.ErrAlreadyQueued):
		out.Code = "already_queued"
		out.Message = "an assistance request is already pending"
	case errors.Is(err, core.ErrClosed):
		out.ErrorType = string(core.ErrTransport)
		out.Code = "shutting_down"
		out.Message = "server is shutting down"
	default:
		out.Message = "internal error"
	}
	return out
}
