// Package protocol defines the WebSocket message types and structures used for
// communication between call clients and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Client messages are validated with go-playground/validator
// struct tags before they reach a handler.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindMatch      = "find_match"
	TypeCancelMatch    = "cancel_match"
	TypeSubmitDecision = "submit_decision"
	TypeSignal         = "signal" // also Server -> Client
	TypeSignalHistory  = "signal_history"
	TypeEndCall        = "end_call"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionReady     = "session_ready"
	TypeMatchingStarted  = "matching_started"
	TypeMatchWaiting     = "match_waiting"
	TypeMatchFound       = "match_found"
	TypeCallDeciding     = "call_deciding"
	TypeDecisionRecorded = "decision_recorded"
	TypeCallExtended     = "call_extended"
	TypeCallResolved     = "call_resolved"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidRequest  = "invalid_request"
	CodeAlreadyInCall   = "already_in_call"
	CodeNotFound        = "not_found"
	CodeNotParticipant  = "not_participant"
	CodeNotDeciding     = "not_deciding"
	CodeStaleRound      = "stale_round"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// Parse failures, distinguished so the gateway can answer with the right code.
var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnsupported = errors.New("protocol: unsupported message type")
	ErrInvalid     = errors.New("protocol: invalid message")
)

var validate = validator.New()

// ---------------------------------------------------------------------------
// Envelope is parsed first to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindMatchMsg enters the queue, or refreshes the heartbeat when re-sent
// while waiting. Gender may be omitted when the account profile has one.
type FindMatchMsg struct {
	Type       string `json:"type"`
	Gender     string `json:"gender,omitempty" validate:"omitempty,oneof=male female other"`
	Preference string `json:"preference" validate:"required,oneof=male female any"`
}

// CancelMatchMsg leaves the queue.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// SubmitDecisionMsg records a decision for the current round. Round zero
// means "whatever round is current".
type SubmitDecisionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id" validate:"required"`
	Decision  string `json:"decision" validate:"required,oneof=yes no continue"`
	Round     int    `json:"round,omitempty" validate:"gte=0"`
}

// SignalMsg carries an opaque negotiation payload to the peer.
type SignalMsg struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id" validate:"required"`
	ReceiverID string          `json:"receiver_id,omitempty"`
	SignalType string          `json:"signal_type" validate:"required,oneof=offer answer ice-candidate"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// SignalHistoryMsg asks for the latest offer addressed to the caller, for a
// receiver that subscribed after the offer was sent.
type SignalHistoryMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id" validate:"required"`
}

// EndCallMsg hangs up.
type EndCallMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id" validate:"required"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionReadyMsg confirms the authenticated identity after upgrade.
type SessionReadyMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

// MatchingStartedMsg tells the client how often to re-send find_match, in
// milliseconds.
type MatchingStartedMsg struct {
	Type         string `json:"type"`
	PollInterval int    `json:"poll_interval"`
}

// MatchWaitingMsg answers a find_match that did not pair.
type MatchWaitingMsg struct {
	Type string `json:"type"`
}

// MatchFoundMsg announces a new session. Times are unix milliseconds.
type MatchFoundMsg struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	RoomID     string `json:"room_id"`
	PartnerID  string `json:"partner_id"`
	Initiator  bool   `json:"initiator"`
	StartedAt  int64  `json:"started_at"`
	EndsAt     int64  `json:"ends_at"`
	DecisionAt int64  `json:"decision_at"`
	Deadline   int64  `json:"deadline"`
	Round      int    `json:"round"`
	SFUURL     string `json:"sfu_url,omitempty"`
	SFUToken   string `json:"sfu_token,omitempty"`
}

// CallDecidingMsg opens the decision window.
type CallDecidingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
	Deadline  int64  `json:"deadline"`
}

// DecisionRecordedMsg acknowledges a submit_decision.
type DecisionRecordedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Resolved  bool   `json:"resolved"`
	Outcome   string `json:"outcome,omitempty"`
	Round     int    `json:"round"`
}

// CallExtendedMsg starts a new round.
type CallExtendedMsg struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Round      int    `json:"round"`
	EndsAt     int64  `json:"ends_at"`
	DecisionAt int64  `json:"decision_at"`
	Deadline   int64  `json:"deadline"`
}

// PartnerInfo is revealed only after a mutual match.
type PartnerInfo struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// CallResolvedMsg is the final message of a session.
type CallResolvedMsg struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Outcome   string       `json:"outcome"`
	Reason    string       `json:"reason"`
	Partner   *PartnerInfo `json:"partner,omitempty"`
}

// ServerSignalMsg relays a peer's negotiation payload.
type ServerSignalMsg struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	SignalType string          `json:"signal_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"created_at"`
}

// SignalHistoryResultMsg answers signal_history. Offer is nil when no offer
// has been sent yet.
type SignalHistoryResultMsg struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Offer     *ServerSignalMsg `json:"offer,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated
// client message. Errors wrap ErrMalformed, ErrUnsupported or ErrInvalid.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg any
	switch env.Type {
	case TypeFindMatch:
		msg = &FindMatchMsg{}
	case TypeCancelMatch:
		msg = &CancelMatchMsg{}
	case TypeSubmitDecision:
		msg = &SubmitDecisionMsg{}
	case TypeSignal:
		msg = &SignalMsg{}
	case TypeSignalHistory:
		msg = &SignalHistoryMsg{}
	case TypeEndCall:
		msg = &EndCallMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnsupported, env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("%w: decode %q: %v", ErrMalformed, env.Type, err)
	}
	if err := validate.Struct(msg); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %s: %v", ErrInvalid, env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage decodes a server message on the client side.
func ParseServerMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg any
	switch env.Type {
	case TypeSessionReady:
		msg = &SessionReadyMsg{}
	case TypeMatchingStarted:
		msg = &MatchingStartedMsg{}
	case TypeMatchWaiting:
		msg = &MatchWaitingMsg{}
	case TypeMatchFound:
		msg = &MatchFoundMsg{}
	case TypeCallDeciding:
		msg = &CallDecidingMsg{}
	case TypeDecisionRecorded:
		msg = &DecisionRecordedMsg{}
	case TypeCallExtended:
		msg = &CallExtendedMsg{}
	case TypeCallResolved:
		msg = &CallResolvedMsg{}
	case TypeSignal:
		msg = &ServerSignalMsg{}
	case TypeSignalHistory:
		msg = &SignalHistoryResultMsg{}
	case TypeRateLimited:
		msg = &RateLimitedMsg{}
	case TypeError:
		msg = &ErrorMsg{}
	case TypePong:
		msg = &PongMsg{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnsupported, env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("%w: decode %q: %v", ErrMalformed, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage encodes a client message, injecting its type.
func NewClientMessage(msgType string, payload any) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}

// NewError builds an error message.
func NewError(code, message string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return data
}
