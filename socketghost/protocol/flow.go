package protocol

import (
	"errors"
	"maps"
	"strconv"
	"time"
)

// =============================================================================
// In-flight Types
// =============================================================================

// FlowRecord is the in-flight view of a single request/response exchange.
// Scripts and the response-phase handler mutate it until it is persisted.
type FlowRecord struct {
	FlowID             string            `json:"flowId"`
	PID                *int              `json:"pid"`
	Method             string            `json:"method"`
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers"`
	BodyPreview        string            `json:"bodyPreview"`
	ResponseStatusCode int               `json:"responseStatusCode"`
	ResponseHeaders    map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody       string            `json:"responseBody,omitempty"`
	ScriptApplied      []string          `json:"scriptApplied"`
}

// Clone returns a deep copy so callers can mutate without affecting the original.
func (f *FlowRecord) Clone() *FlowRecord {
	c := *f
	if f.PID != nil {
		pid := *f.PID
		c.PID = &pid
	}
	c.Headers = maps.Clone(f.Headers)
	c.ResponseHeaders = maps.Clone(f.ResponseHeaders)
	if f.ScriptApplied != nil {
		c.ScriptApplied = append([]string(nil), f.ScriptApplied...)
	}
	return &c
}

// PIDOrZero returns the owning process id, or 0 when unresolved.
func (f *FlowRecord) PIDOrZero() int {
	if f.PID == nil {
		return 0
	}
	return *f.PID
}

// FlowUpdate carries operator overrides for a paused request.
// A nil Headers or Body means the field was not supplied.
type FlowUpdate struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

// =============================================================================
// Stored Types
// =============================================================================

// StoredFlow is the persisted, complete record of a flow.
type StoredFlow struct {
	ID              string             `json:"id" msgpack:"id"`
	CapturedAt      time.Time          `json:"capturedAt" msgpack:"ca"`
	PID             int                `json:"pid" msgpack:"p"`
	Method          string             `json:"method" msgpack:"m"`
	URL             string             `json:"url" msgpack:"u"`
	Request         StoredFlowRequest  `json:"request" msgpack:"rq"`
	Response        StoredFlowResponse `json:"response" msgpack:"rs"`
	ViaUpdate       bool               `json:"viaUpdate" msgpack:"vu"`
	ViaManualResend bool               `json:"viaManualResend" msgpack:"vm"`
	ScriptApplied   []string           `json:"scriptApplied" msgpack:"sa"`
	Notes           string             `json:"notes,omitempty" msgpack:"n,omitempty"`
	SizeBytes       int64              `json:"sizeBytes" msgpack:"sz"`
}

// StoredFlowRequest is the request half of a StoredFlow.
type StoredFlowRequest struct {
	Headers      map[string]string `json:"headers" msgpack:"h"`
	BodyPreview  string            `json:"bodyPreview,omitempty" msgpack:"b,omitempty"`
	FullBodyPath string            `json:"fullBodyPath,omitempty" msgpack:"f,omitempty"`
	BodyIsBinary bool              `json:"bodyIsBinary,omitempty" msgpack:"bin,omitempty"`
}

// StoredFlowResponse is the response half of a StoredFlow.
type StoredFlowResponse struct {
	StatusCode   int               `json:"statusCode" msgpack:"s"`
	Headers      map[string]string `json:"headers" msgpack:"h"`
	BodyPreview  string            `json:"bodyPreview,omitempty" msgpack:"b,omitempty"`
	FullBodyPath string            `json:"fullBodyPath,omitempty" msgpack:"f,omitempty"`
	BodyIsBinary bool              `json:"bodyIsBinary,omitempty" msgpack:"bin,omitempty"`
}

// Metadata projects the list-view fields of the flow.
func (f *StoredFlow) Metadata() FlowMetadata {
	return FlowMetadata{
		ID:              f.ID,
		CapturedAt:      f.CapturedAt,
		PID:             f.PID,
		Method:          f.Method,
		URL:             f.URL,
		StatusCode:      f.Response.StatusCode,
		SizeBytes:       f.SizeBytes,
		ViaUpdate:       f.ViaUpdate,
		ViaManualResend: f.ViaManualResend,
	}
}

// FlowMetadata is a single entry in a flow list.
type FlowMetadata struct {
	ID              string    `json:"id"`
	CapturedAt      time.Time `json:"capturedAt"`
	PID             int       `json:"pid"`
	Method          string    `json:"method"`
	URL             string    `json:"url"`
	StatusCode      int       `json:"statusCode"`
	SizeBytes       int64     `json:"sizeBytes"`
	ViaUpdate       bool      `json:"viaUpdate"`
	ViaManualResend bool      `json:"viaManualResend"`
}

// FlowFilter narrows a flow listing. Zero values do not filter.
type FlowFilter struct {
	PID    *int
	Method string     // exact match
	Query  string     // case-insensitive substring of URL or method
	Since  *time.Time // inclusive lower bound on capture time
}

// ParseSince reads a FlowFilter.Since bound given as unix milliseconds or RFC 3339.
func ParseSince(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("since must be RFC 3339 or unix milliseconds")
	}
	return t, nil
}
