// Package intercept holds paused flows until an operator forwards or drops them,
// or the pause timer releases them.
package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/protocol"
	"github.com/go-appsec/interceptor/socketghost/service/replay"
)

// DefaultPauseTimeout is how long a flow may stay paused before it is auto-forwarded.
const DefaultPauseTimeout = 60 * time.Second

var (
	ErrFlowNotPaused = errors.New("flow is not paused")
	ErrAlreadyPaused = errors.New("flow is already paused")
	ErrClosed        = errors.New("interceptor is closed")
)

// Resolution tells a paused connection how to finish.
type Resolution struct {
	// Response is written to the client in place of contacting upstream.
	// nil lets the original request proceed unmodified.
	Response *replay.Response

	// Update is the operator edit that produced Response, if any.
	Update *protocol.FlowUpdate

	ViaUpdate       bool
	ViaManualResend bool
}

// Session is the back-reference from a paused flow to its blocked connection.
// Resolve is called exactly once per paused flow.
type Session interface {
	Resolve(Resolution)
}

// Broadcaster delivers control-plane events. Delivery is best-effort.
type Broadcaster interface {
	Broadcast(event any)
}

// Replayer sends a rebuilt request out of band.
type Replayer interface {
	Send(ctx context.Context, r replay.Request) replay.Result
}

type pausedFlow struct {
	flow       *protocol.FlowRecord
	session    Session
	receivedAt time.Time
	update     *protocol.FlowUpdate
	timer      *time.Timer
}

// Manager owns the intercept set and the paused-flow table.
// Removal from the paused table under mu is the sole arbitration point between
// operator actions and the pause timer.
type Manager struct {
	replayer     Replayer
	events       Broadcaster
	pauseTimeout time.Duration

	mu          sync.Mutex
	intercepted map[int]struct{}
	paused      map[string]*pausedFlow
	closed      bool
}

// NewManager creates a Manager. pauseTimeout <= 0 uses DefaultPauseTimeout.
func NewManager(replayer Replayer, events Broadcaster, pauseTimeout time.Duration) *Manager {
	if pauseTimeout <= 0 {
		pauseTimeout = DefaultPauseTimeout
	}
	return &Manager{
		replayer:     replayer,
		events:       events,
		pauseTimeout: pauseTimeout,
		intercepted:  make(map[int]struct{}),
		paused:       make(map[string]*pausedFlow),
	}
}

// SetIntercept adds or removes pid from the intercept set.
func (m *Manager) SetIntercept(pid int, enabled bool) {
	m.mu.Lock()
	if enabled {
		m.intercepted[pid] = struct{}{}
	} else {
		delete(m.intercepted, pid)
	}
	m.mu.Unlock()

	log.Info().Int("pid", pid).Bool("enabled", enabled).Msg("intercept: intercept set changed")
}

// IsIntercepted reports whether flows from pid should pause. A nil pid never pauses.
func (m *Manager) IsIntercepted(pid *int) bool {
	if pid == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.intercepted[*pid]
	return ok
}

// InterceptedPIDs returns the intercept set in ascending order.
func (m *Manager) InterceptedPIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.intercepted))
}

// Pause registers flow as paused and arms its timer. The caller must block on
// session until it is resolved.
func (m *Manager) Pause(flow *protocol.FlowRecord, session Session) error {
	pf := &pausedFlow{
		flow:       flow.Clone(),
		session:    session,
		receivedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	} else if _, exists := m.paused[flow.FlowID]; exists {
		m.mu.Unlock()
		return ErrAlreadyPaused
	}
	m.paused[flow.FlowID] = pf
	pf.timer = time.AfterFunc(m.pauseTimeout, func() { m.autoForward(flow.FlowID) })
	m.mu.Unlock()

	log.Info().Str("flowId", flow.FlowID).Int("pid", flow.PIDOrZero()).
		Str("method", flow.Method).Str("url", flow.URL).Msg("intercept: flow paused")
	m.events.Broadcast(pausedEvent(pf))
	return nil
}

// ApplyUpdate stores update as the pending edit of a paused flow, replacing any earlier one.
func (m *Manager) ApplyUpdate(flowID string, update protocol.FlowUpdate) error {
	m.mu.Lock()
	pf, ok := m.paused[flowID]
	if ok {
		pf.update = &update
	}
	m.mu.Unlock()

	if !ok {
		log.Warn().Str("flowId", flowID).Msg("intercept: update for flow that is not paused")
		return ErrFlowNotPaused
	}

	bodyLength := 0
	if update.Body != nil {
		bodyLength = len(*update.Body)
	}
	log.Info().Str("flowId", flowID).
		Strs("headersChanged", slices.Sorted(maps.Keys(update.Headers))).
		Int("bodyLength", bodyLength).
		Msg("intercept: flow updated")

	m.events.Broadcast(protocol.FlowUpdatedEvent{
		V:         protocol.Version,
		Type:      protocol.EventFlowUpdated,
		FlowID:    flowID,
		Update:    &update,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Forward releases a paused flow. With a pending update the edited request is sent through
// the replay engine and its response is returned to the client; otherwise the original
// request proceeds.
func (m *Manager) Forward(ctx context.Context, flowID string) error {
	pf := m.claim(flowID)
	if pf == nil {
		log.Warn().Str("flowId", flowID).Msg("intercept: forward for flow that is not paused")
		return ErrFlowNotPaused
	}

	viaUpdate, viaResend, ok := m.release(ctx, pf)
	if !ok {
		return nil // flow.error already reported
	}
	m.events.Broadcast(actionEvent(protocol.EventFlowForwarded, flowID, viaUpdate, viaResend, ""))
	log.Info().Str("flowId", flowID).Bool("viaUpdate", viaUpdate).Bool("viaManualResend", viaResend).
		Msg("intercept: flow forwarded")
	return nil
}

// Drop answers a paused flow with a 502 and never contacts upstream.
func (m *Manager) Drop(flowID string) error {
	pf := m.claim(flowID)
	if pf == nil {
		log.Warn().Str("flowId", flowID).Msg("intercept: drop for flow that is not paused")
		return ErrFlowNotPaused
	}

	pf.session.Resolve(Resolution{
		Response: jsonErrorResponse(http.StatusBadGateway, protocol.ErrorResponse{
			Error: "SocketGhost: flow dropped by user",
		}),
	})

	m.events.Broadcast(actionEvent(protocol.EventFlowDropped, flowID, false, false, ""))
	log.Info().Str("flowId", flowID).Msg("intercept: flow dropped")
	return nil
}

// autoForward runs from the pause timer. It is a no-op when an operator action won the claim.
func (m *Manager) autoForward(flowID string) {
	pf := m.claim(flowID)
	if pf == nil {
		return
	}

	viaUpdate, viaResend, _ := m.release(context.Background(), pf)
	m.events.Broadcast(actionEvent(protocol.EventFlowAutoForwarded, flowID, viaUpdate, viaResend, protocol.ReasonTimeout))
	log.Info().Str("flowId", flowID).Bool("viaUpdate", viaUpdate).Bool("viaManualResend", viaResend).
		Msg("intercept: flow auto-forwarded after timeout")
}

// claim removes flowID from the paused table and stops its timer.
// Only the first caller for a given flow receives a non-nil entry.
func (m *Manager) claim(flowID string) *pausedFlow {
	m.mu.Lock()
	defer m.mu.Unlock()

	pf, ok := m.paused[flowID]
	if !ok {
		return nil
	}
	delete(m.paused, flowID)
	pf.timer.Stop()
	return pf
}

// release resolves a claimed flow. ok is false when a manual resend failed; the client then
// receives a 502 and a flow.error event is emitted.
func (m *Manager) release(ctx context.Context, pf *pausedFlow) (viaUpdate, viaResend, ok bool) {
	if pf.update == nil {
		pf.session.Resolve(Resolution{})
		return false, false, true
	}

	flowID := pf.flow.FlowID
	body := pf.flow.BodyPreview
	if pf.update.Body != nil {
		body = *pf.update.Body
	}
	res := m.replayer.Send(ctx, replay.Request{
		Method:          pf.flow.Method,
		URL:             pf.flow.URL,
		Headers:         replay.MergeHeaders(pf.flow.Headers, pf.update.Headers),
		Body:            body,
		OriginalFlowID:  flowID,
		CaptureResponse: true,
	})

	if !res.Success {
		log.Warn().Str("flowId", flowID).Str("error", res.Error).Msg("intercept: manual resend failed")
		pf.session.Resolve(Resolution{
			Response: jsonErrorResponse(http.StatusBadGateway, protocol.ErrorResponse{
				Error:  "SocketGhost: forward failed",
				Reason: res.Error,
			}),
			Update:    pf.update,
			ViaUpdate: true,
		})
		m.events.Broadcast(protocol.FlowErrorEvent{
			V:         protocol.Version,
			Type:      protocol.EventFlowError,
			FlowID:    flowID,
			Error:     res.Error,
			Timestamp: time.Now().UTC(),
		})
		return true, false, false
	}

	pf.session.Resolve(Resolution{
		Response:        res.Response,
		Update:          pf.update,
		ViaUpdate:       true,
		ViaManualResend: true,
	})

	m.events.Broadcast(protocol.FlowManualResendEvent{
		V:      protocol.Version,
		Type:   protocol.EventFlowManualResend,
		FlowID: flowID,
		PID:    pf.flow.PID,
		Info: protocol.ManualResendInfo{
			RemoteHost: remoteHost(pf.flow.URL),
			BodyLength: res.ContentLength,
			DurationMs: float64(res.Duration.Microseconds()) / 1000,
			StatusCode: res.StatusCode,
		},
		Timestamp: time.Now().UTC(),
	})
	log.Info().Str("flowId", flowID).Int("status", res.StatusCode).Dur("duration", res.Duration).
		Msg("intercept: manual resend completed")
	return true, true, true
}

// Replay sends a stored flow again on behalf of the history API.
func (m *Manager) Replay(ctx context.Context, originalFlowID, method, rawURL string, headers map[string]string, body string) replay.Result {
	log.Info().Str("originalFlowId", originalFlowID).Str("method", method).Str("url", rawURL).
		Msg("flow.replay.started")

	res := m.replayer.Send(ctx, replay.Request{
		Method:         method,
		URL:            rawURL,
		Headers:        headers,
		Body:           body,
		OriginalFlowID: originalFlowID,
	})

	if res.Success {
		log.Info().Str("originalFlowId", originalFlowID).Int("statusCode", res.StatusCode).
			Dur("duration", res.Duration).Int64("bodyLength", res.ContentLength).
			Msg("flow.replay.completed")
	} else {
		log.Warn().Str("originalFlowId", originalFlowID).Str("error", res.Error).
			Msg("flow.replay.failed")
	}
	return res
}

// Paused returns the currently paused flows ordered by arrival.
func (m *Manager) Paused() []protocol.PausedFlowInfo {
	m.mu.Lock()
	infos := make([]protocol.PausedFlowInfo, 0, len(m.paused))
	for _, pf := range m.paused {
		infos = append(infos, pausedInfo(pf))
	}
	m.mu.Unlock()

	slices.SortFunc(infos, func(a, b protocol.PausedFlowInfo) int {
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})
	return infos
}

// PausedEvents returns a flow.paused event for every paused flow, used to
// re-announce pending decisions to a newly attached operator.
func (m *Manager) PausedEvents() []any {
	infos := m.Paused()
	events := make([]any, len(infos))
	for i, info := range infos {
		events[i] = protocol.FlowPausedEvent{V: protocol.Version, Type: protocol.EventFlowPaused, Flow: info}
	}
	return events
}

// Close stops all pause timers and lets every paused request proceed unmodified.
// Later Pause calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	pending := m.paused
	m.paused = make(map[string]*pausedFlow)
	m.mu.Unlock()

	for _, pf := range pending {
		pf.timer.Stop()
		pf.session.Resolve(Resolution{})
	}
}

func pausedInfo(pf *pausedFlow) protocol.PausedFlowInfo {
	return protocol.PausedFlowInfo{
		FlowID:      pf.flow.FlowID,
		PID:         pf.flow.PID,
		Method:      pf.flow.Method,
		URL:         pf.flow.URL,
		Headers:     pf.flow.Headers,
		BodyPreview: pf.flow.BodyPreview,
		ReceivedAt:  pf.receivedAt,
	}
}

func pausedEvent(pf *pausedFlow) protocol.FlowPausedEvent {
	return protocol.FlowPausedEvent{V: protocol.Version, Type: protocol.EventFlowPaused, Flow: pausedInfo(pf)}
}

func actionEvent(eventType, flowID string, viaUpdate, viaResend bool, reason string) protocol.FlowActionEvent {
	return protocol.FlowActionEvent{
		V:               protocol.Version,
		Type:            eventType,
		FlowID:          flowID,
		ViaUpdate:       viaUpdate,
		ViaManualResend: viaResend,
		Timestamp:       time.Now().UTC(),
		Reason:          reason,
	}
}

func jsonErrorResponse(status int, body protocol.ErrorResponse) *replay.Response {
	b, _ := json.Marshal(body)
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &replay.Response{StatusCode: status, Header: h, Body: b}
}

func remoteHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
