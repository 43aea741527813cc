package protocol

import "time"

// This file collects every typed payload carried inside an Envelope's
// Payload field, one struct per MessageType that needs structure beyond a
// bare string. Both the server and the agent binary import this package, so
// a payload shape only needs to be defined once for both sides of the wire
// to agree on it — unlike the teacher's per-consumer `any` payloads.

// AgentConnectPayload is carried by the agent's initial AGENT_CONNECT
// handshake message.
type AgentConnectPayload struct {
	AgentID      string         `json:"agentId"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DashboardInitPayload is carried by the dashboard's initial DASHBOARD_INIT
// handshake message.
type DashboardInitPayload struct {
	UserID        string              `json:"userId"`
	Subscriptions DashboardSubscriptions `json:"subscriptions"`
}

// DashboardSubscriptions declares which topic families a dashboard client
// wants to receive without needing to know concrete agent/command ids ahead
// of time — "all" subscribes to every entity of that family.
type DashboardSubscriptions struct {
	Agents    []string `json:"agents,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Traces    []string `json:"traces,omitempty"`
	Terminals []string `json:"terminals,omitempty"`
}

// ConnectAckPayload is sent back to a peer once its handshake message has
// been accepted.
type ConnectAckPayload struct {
	ConnectionID string `json:"connectionId"`
}

// DashboardCommandRequestPayload is the wire payload a dashboard sends in a
// COMMAND_REQUEST envelope to submit new work for an agent — the live-
// submission counterpart of POST /agents/{id}/execute. The server assigns
// CommandID itself; a dashboard never picks its own.
type DashboardCommandRequestPayload struct {
	AgentID     string `json:"agentId"`
	Command     string `json:"command"`
	Args        string `json:"args,omitempty"`
	Priority    int    `json:"priority"`
	TimeLimitMs int64  `json:"timeLimitMs,omitempty"`
	TokenBudget int64  `json:"tokenBudget,omitempty"`
}

// CommandRequestPayload is the wire payload carried by a COMMAND_REQUEST
// envelope, sent by the dispatcher to an agent.
type CommandRequestPayload struct {
	CommandID    string `json:"commandId"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	Priority     int    `json:"priority"`
	TimeLimitMs  int64  `json:"timeLimitMs,omitempty"`
	TokenBudget  int64  `json:"tokenBudget,omitempty"`
	AttemptCount int    `json:"attemptCount"`
}

// CommandAckPayload is sent by an agent immediately on receiving a
// COMMAND_REQUEST, before execution begins.
type CommandAckPayload struct {
	CommandID string `json:"commandId"`
}

// CommandCompletePayload is sent by an agent when a command reaches a
// terminal state.
type CommandCompletePayload struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"` // completed, failed, cancelled
	Error     string `json:"error,omitempty"`
}

// CommandCancelPayload is sent by the server to request that an agent abort
// a running command, and is echoed back by the agent's own COMMAND_CANCEL
// if a user interrupts locally.
type CommandCancelPayload struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason"` // interrupt, timeout, emergency_stop
}

// TerminalOutputPayload carries one chunk of a command's terminal stream.
// Sequence is sender-assigned and strictly increasing per (CommandID,
// Stream) pair — the core never reorders it.
type TerminalOutputPayload struct {
	CommandID string `json:"commandId"`
	Stream    string `json:"stream"` // stdout, stderr
	Sequence  int64  `json:"sequence"`
	Chunk     string `json:"chunk"`
}

// TraceEventPayload carries one structured execution step (tool call,
// reasoning step, file edit) an agent reports while running a command.
type TraceEventPayload struct {
	CommandID string         `json:"commandId"`
	Sequence  int64          `json:"sequence"`
	Kind      string         `json:"kind"`
	Details   map[string]any `json:"details,omitempty"`
}

// AgentHeartbeatPayload is sent periodically by a connected agent.
type AgentHeartbeatPayload struct {
	AgentID string         `json:"agentId"`
	Metrics *SystemMetrics `json:"metrics,omitempty"`
}

// SystemMetrics is a host resource snapshot an agent attaches to its
// heartbeat, mirroring the teacher's agent.metrics message.
type SystemMetrics struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	DiskPercent float64 `json:"diskPercent"`
}

// ServerHeartbeatPayload is the server's reply to an AGENT_HEARTBEAT.
type ServerHeartbeatPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

// CommandStatusPayload is broadcast to subscribed dashboards whenever a
// command transitions between non-terminal states (queued, executing) —
// COMMAND_COMPLETE covers the terminal transition separately since it also
// carries an error detail COMMAND_STATUS does not need.
type CommandStatusPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Status    string `json:"status"` // queued, executing
}

// TokenRefreshPayload carries a freshly issued access token to a connection
// in-band, ahead of its current token's expiry, so the socket never has to
// be dropped and re-authenticated purely to rotate credentials.
type TokenRefreshPayload struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// AgentErrorPayload reports an agent-local fault (not tied to one command)
// such as a supervisor crash or a resource exhaustion condition.
type AgentErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CommandID string `json:"commandId,omitempty"`
}

// AgentControlPayload carries an out-of-band operator directive to a
// specific agent that is not itself a command (pause accepting new work,
// resume, or drain).
type AgentControlPayload struct {
	Action string `json:"action"` // pause, resume, drain
}

// AckPayload is a bare acknowledgement correlated to another envelope's ID
// via Envelope.ID in the reply, used for control messages that need
// confirmation but no structured reply body of their own.
type AckPayload struct {
	AcknowledgedID string `json:"acknowledgedId"`
}

// PingPayload is a transport-level keepalive carrying no application state,
// distinct from the gorilla/websocket control-frame ping the socket layer
// already performs — this one round-trips through the same envelope
// pipeline so a client without access to control frames (e.g. a browser
// dashboard) can still probe liveness at the application layer.
type PingPayload struct{}

// AgentStatusPayload is broadcast whenever an agent's liveness status
// changes (online, offline, unresponsive).
type AgentStatusPayload struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// EmergencyStopPayload is broadcast to an agent (or all agents) to abort
// whatever it is doing immediately.
type EmergencyStopPayload struct {
	Reason         string    `json:"reason"`
	IssuedByUserID string    `json:"issuedByUserId"`
	IssuedAt       time.Time `json:"issuedAt"`
}

// InvestigationReportPayload is submitted by an agent mid-execution to
// surface a structured finding ahead of the command's completion.
type InvestigationReportPayload struct {
	CommandID string         `json:"commandId"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
}
