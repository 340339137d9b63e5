package protocol

import (
	"time"
)

// Version is the control channel protocol version carried by every message.
const Version = "0.1"

// Outbound event types
const (
	EventFlowNew           = "flow.new"
	EventFlowPaused        = "flow.paused"
	EventFlowUpdated       = "flow.updated"
	EventFlowForwarded     = "flow.forwarded"
	EventFlowDropped       = "flow.dropped"
	EventFlowAutoForwarded = "flow.auto_forwarded"
	EventFlowManualResend  = "flow.manual_resend"
	EventFlowError         = "flow.error"
	EventScriptRun         = "script.run"
	EventFlowScriptApplied = "flow.script_applied"
)

// Inbound command types
const (
	CommandInterceptorSet = "interceptor.set"
	CommandFlowAction     = "flow.action"
	CommandFlowUpdate     = "flow.update"

	ActionForward = "forward"
	ActionDrop    = "drop"
)

// ReasonTimeout tags flows released by the pause timer.
const ReasonTimeout = "timeout"

// =============================================================================
// Inbound Messages
// =============================================================================

// ControlMessage is the envelope for all operator commands.
// Fields not used by a command type are left zero.
type ControlMessage struct {
	V       string      `json:"v"`
	Type    string      `json:"type"`
	PID     int         `json:"pid,omitempty"`
	Enabled bool        `json:"enabled,omitempty"`
	Action  string      `json:"action,omitempty"`
	FlowID  string      `json:"flowId,omitempty"`
	Update  *FlowUpdate `json:"update,omitempty"`
}

// =============================================================================
// Outbound Events
// =============================================================================

// FlowNewEvent announces a completed flow.
type FlowNewEvent struct {
	V    string      `json:"v"`
	Type string      `json:"type"`
	Flow *FlowRecord `json:"flow"`
}

// PausedFlowInfo is the flow summary carried by flow.paused.
type PausedFlowInfo struct {
	FlowID      string            `json:"flowId"`
	PID         *int              `json:"pid"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	BodyPreview string            `json:"bodyPreview"`
	ReceivedAt  time.Time         `json:"receivedAt"`
}

// FlowPausedEvent announces a flow waiting for an operator decision.
type FlowPausedEvent struct {
	V    string         `json:"v"`
	Type string         `json:"type"`
	Flow PausedFlowInfo `json:"flow"`
}

// FlowUpdatedEvent echoes an accepted operator update.
type FlowUpdatedEvent struct {
	V         string      `json:"v"`
	Type      string      `json:"type"`
	FlowID    string      `json:"flowId"`
	Update    *FlowUpdate `json:"update"`
	Timestamp time.Time   `json:"timestamp"`
}

// FlowActionEvent reports a terminal transition (forwarded, dropped, auto_forwarded).
type FlowActionEvent struct {
	V               string    `json:"v"`
	Type            string    `json:"type"`
	FlowID          string    `json:"flowId"`
	ViaUpdate       bool      `json:"viaUpdate"`
	ViaManualResend bool      `json:"viaManualResend"`
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason,omitempty"`
}

// ManualResendInfo summarizes an out-of-band resend.
type ManualResendInfo struct {
	RemoteHost string  `json:"remoteHost"`
	BodyLength int64   `json:"bodyLength"`
	DurationMs float64 `json:"durationMs"`
	StatusCode int     `json:"statusCode"`
}

// FlowManualResendEvent reports that a paused flow was released through the replay engine.
type FlowManualResendEvent struct {
	V         string           `json:"v"`
	Type      string           `json:"type"`
	FlowID    string           `json:"flowId"`
	PID       *int             `json:"pid"`
	Info      ManualResendInfo `json:"info"`
	Timestamp time.Time        `json:"timestamp"`
}

// FlowErrorEvent reports a failure while completing a flow.
type FlowErrorEvent struct {
	V         string    `json:"v"`
	Type      string    `json:"type"`
	FlowID    string    `json:"flowId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ScriptRunEvent reports a single script execution.
type ScriptRunEvent struct {
	V          string    `json:"v"`
	Type       string    `json:"type"`
	ScriptID   string    `json:"scriptId"`
	FlowID     string    `json:"flowId"`
	PID        *int      `json:"pid"`
	DurationMs int64     `json:"durationMs"`
	Modified   bool      `json:"modified"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FlowScriptAppliedEvent reports that a script changed a flow.
type FlowScriptAppliedEvent struct {
	V         string    `json:"v"`
	Type      string    `json:"type"`
	FlowID    string    `json:"flowId"`
	ScriptID  string    `json:"scriptId"`
	Timestamp time.Time `json:"timestamp"`
}
