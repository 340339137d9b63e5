package protocol

// =============================================================================
// History API Types
// =============================================================================

// ConfirmHeader must be "true" on replay requests that do not confirm in the body.
const ConfirmHeader = "X-SocketGhost-Confirm"

// ReplayRequest is the optional body of POST /flows/{id}/replay.
// Nil fields fall back to the stored flow.
type ReplayRequest struct {
	Confirm bool              `json:"confirm"`
	Method  *string           `json:"method,omitempty"`
	URL     *string           `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

// ReplayQueuedResponse is returned once a replay has been scheduled.
type ReplayQueuedResponse struct {
	Status string `json:"status"`
	FlowID string `json:"flowId"`
}

// ImportResponse lists the ids assigned to imported flows.
type ImportResponse struct {
	IDs []string `json:"ids"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Backend     string `json:"backend"`
	PausedFlows int    `json:"pausedFlows"`
	TotalBytes  int64  `json:"totalBytes"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
