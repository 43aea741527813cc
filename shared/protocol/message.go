// Package protocol defines the wire envelope shared by every WebSocket
// connection in the fleet — both dashboard and agent sockets speak it. It is
// imported by both the server and the agent binaries so the two never drift
// on message shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of envelope types the hub will route. A
// message whose Type is not in this set is rejected at decode time —
// unlike the teacher's open string-typed MessageType, this protocol never
// accepts unknown types because every component keys dispatch off this set.
type MessageType string

const (
	// Handshake
	TypeAgentConnect  MessageType = "AGENT_CONNECT"
	TypeDashboardInit MessageType = "DASHBOARD_INIT"
	TypeConnectAck    MessageType = "CONNECT_ACK"
	TypeTokenRefresh  MessageType = "TOKEN_REFRESH"

	// Commands (dashboard/server -> agent, and acks/status back)
	TypeCommandRequest  MessageType = "COMMAND_REQUEST"
	TypeCommandAck      MessageType = "COMMAND_ACK"
	TypeCommandStatus   MessageType = "COMMAND_STATUS"
	TypeCommandComplete MessageType = "COMMAND_COMPLETE"
	TypeCommandCancel   MessageType = "COMMAND_CANCEL"

	// Agent-originated streaming output, and its server->dashboard fan-out
	// counterpart. The agent never sees TERMINAL_STREAM/TRACE_UPDATE — those
	// are what the hub republishes to dashboards once it has persisted the
	// agent's TERMINAL_OUTPUT/TRACE_EVENT.
	TypeTerminalOutput MessageType = "TERMINAL_OUTPUT"
	TypeTraceEvent     MessageType = "TRACE_EVENT"
	TypeTerminalStream MessageType = "TERMINAL_STREAM"
	TypeTraceUpdate    MessageType = "TRACE_UPDATE"

	// Liveness. AGENT_HEARTBEAT/SERVER_HEARTBEAT are the two halves of one
	// exchange, kept as distinct types (rather than a generic HEARTBEAT the
	// hub would need direction to disambiguate) since each side only ever
	// sends its own half.
	TypeAgentHeartbeat  MessageType = "AGENT_HEARTBEAT"
	TypeServerHeartbeat MessageType = "SERVER_HEARTBEAT"
	TypeAgentStatus     MessageType = "AGENT_STATUS"

	// Agent-originated error/control signalling, distinct from the
	// connection-level ERROR envelope below.
	TypeAgentError   MessageType = "AGENT_ERROR"
	TypeAgentControl MessageType = "AGENT_CONTROL"

	// Fleet-wide coordination
	TypeEmergencyStop       MessageType = "EMERGENCY_STOP"
	TypeInvestigationReport MessageType = "INVESTIGATION_REPORT"

	// Dashboard subscription management
	TypeSubscribe   MessageType = "SUBSCRIBE"
	TypeUnsubscribe MessageType = "UNSUBSCRIBE"

	// Generic acknowledgement/liveness primitives used outside the command
	// lifecycle (e.g. acking an AGENT_CONTROL message, or a bare transport
	// keepalive that carries no application payload).
	TypeAck  MessageType = "ACK"
	TypePing MessageType = "PING"

	// Error
	TypeError MessageType = "ERROR"
)

var validTypes = map[MessageType]bool{
	TypeAgentConnect: true, TypeDashboardInit: true, TypeConnectAck: true, TypeTokenRefresh: true,
	TypeCommandRequest: true, TypeCommandAck: true, TypeCommandStatus: true, TypeCommandComplete: true, TypeCommandCancel: true,
	TypeTerminalOutput: true, TypeTraceEvent: true, TypeTerminalStream: true, TypeTraceUpdate: true,
	TypeAgentHeartbeat: true, TypeServerHeartbeat: true, TypeAgentStatus: true,
	TypeAgentError: true, TypeAgentControl: true,
	TypeEmergencyStop: true, TypeInvestigationReport: true,
	TypeSubscribe: true, TypeUnsubscribe: true,
	TypeAck: true, TypePing: true,
	TypeError: true,
}

// MaxEnvelopeBytes bounds the serialized size of a single envelope, applied
// before JSON decoding so an oversized frame never reaches the decoder.
const MaxEnvelopeBytes = 1 << 20 // 1 MiB

// MaxClockSkew bounds how far an envelope's Timestamp may drift from the
// receiver's clock before it is rejected as stale or from-the-future.
const MaxClockSkew = 5 * time.Minute

// Envelope is the single message shape every connection exchanges. Payload
// is kept as raw JSON — handlers decode it into the concrete type their
// Type implies, matching the teacher's Message{Type, Topic, Payload any}
// shape but with a typed, validated envelope header instead of an `any`.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Compression, set only when the payload was compressed before being
	// placed on the wire. A compressed payload always decodes directly to
	// the typed payload for Type — never to another Envelope.
	Compression Algorithm `json:"compression,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the current timestamp,
// marshaling payload as the Payload field.
func NewEnvelope(typ MessageType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Validate checks the envelope against the closed type set, the clock-skew
// window, and structural completeness. It does not check size — callers
// check that on the raw wire bytes before decoding, in Decode.
func (e *Envelope) Validate(now time.Time) error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if !validTypes[e.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	}
	skew := now.Sub(e.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("%w: timestamp skew %s exceeds %s", ErrClockSkew, skew, MaxClockSkew)
	}
	return nil
}

// DecodePayload unmarshals the envelope's (already decompressed) payload
// into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for type %s", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode payload for %s: %w", e.Type, err)
	}
	return nil
}

// ErrorPayload is the payload carried by TypeError envelopes, matching the
// spec's error shape.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Recoverable       bool   `json:"recoverable"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
}
