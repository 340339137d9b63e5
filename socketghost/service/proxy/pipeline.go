package proxy

import (
	"context"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/protocol"
	"github.com/go-appsec/interceptor/socketghost/service/intercept"
	"github.com/go-appsec/interceptor/socketghost/service/replay"
)

// Interceptor decides whether a flow pauses and holds it while it does.
type Interceptor interface {
	IsIntercepted(pid *int) bool
	Pause(flow *protocol.FlowRecord, session intercept.Session) error
}

// ScriptRunner applies user scripts to a flow in place and reports whether any changed it.
type ScriptRunner interface {
	RunOnRequest(ctx context.Context, flow *protocol.FlowRecord) bool
	RunOnResponse(ctx context.Context, flow *protocol.FlowRecord) bool
}

// FlowSink persists completed flows.
type FlowSink interface {
	Store(ctx context.Context, flow *protocol.StoredFlow) error
}

// Broadcaster delivers control-plane events.
type Broadcaster interface {
	Broadcast(event any)
}

// PIDResolver maps a client connection to its owning process. nil means unknown.
type PIDResolver interface {
	Resolve(client, proxy net.Addr) *int
}

// PipelineConfig wires a Pipeline. Scripts, Store and PIDs may be nil.
type PipelineConfig struct {
	Interceptor Interceptor
	Scripts     ScriptRunner
	Store       FlowSink
	Events      Broadcaster
	PIDs        PIDResolver

	// MaxBodyBytes caps captured body previews. Zero keeps whole bodies.
	MaxBodyBytes int
}

// Pipeline is the FlowHandler that captures, scripts, pauses and records every exchange.
type Pipeline struct {
	interceptor  Interceptor
	scripts      ScriptRunner
	store        FlowSink
	events       Broadcaster
	pids         PIDResolver
	maxBodyBytes int
}

// flowState travels on Exchange.State between the request and response phases.
type flowState struct {
	flow       *protocol.FlowRecord
	reqBinary  bool
	respBinary bool
}

// NewPipeline creates a Pipeline from cfg.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		interceptor:  cfg.Interceptor,
		scripts:      cfg.Scripts,
		store:        cfg.Store,
		events:       cfg.Events,
		pids:         cfg.PIDs,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// HandleRequest records the request, applies request scripts and blocks while the flow is paused.
func (p *Pipeline) HandleRequest(ctx context.Context, ex *Exchange) (*WireResponse, error) {
	req := ex.Request
	preview, binary := p.preview(req.Body, req.Headers.Get("Content-Encoding"))
	flow := &protocol.FlowRecord{
		FlowID:        uuid.NewString(),
		PID:           p.resolvePID(ex),
		Method:        req.Method,
		URL:           ex.URL,
		Headers:       flattenHeaders(req.Headers),
		BodyPreview:   preview,
		ScriptApplied: []string{},
	}
	st := &flowState{flow: flow, reqBinary: binary}
	ex.State = st

	before := maps.Clone(flow.Headers)
	if p.runScripts(ctx, "request", flow, p.scriptsOnRequest) {
		applyHeaderChanges(&req.Headers, before, flow.Headers)
		if flow.BodyPreview != preview {
			req.Body = []byte(flow.BodyPreview)
			fixBodyFraming(&req.Headers, len(req.Body))
		}
	}

	if p.interceptor == nil || !p.interceptor.IsIntercepted(flow.PID) {
		return nil, nil
	}

	session := newFlowSession()
	if err := p.interceptor.Pause(flow, session); err != nil {
		log.Warn().Err(err).Str("flowId", flow.FlowID).Msg("proxy: failed to pause flow, forwarding")
		return nil, nil
	}

	select {
	case res := <-session.ch:
		return p.resolve(ctx, st, res), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResponse records the upstream response, applies response scripts, then persists the flow.
func (p *Pipeline) HandleResponse(ctx context.Context, ex *Exchange, resp *WireResponse) {
	st, ok := ex.State.(*flowState)
	if !ok {
		return
	}

	flow := st.flow
	preview, binary := p.preview(resp.Body, resp.Headers.Get("Content-Encoding"))
	flow.ResponseStatusCode = resp.StatusCode
	flow.ResponseHeaders = flattenHeaders(resp.Headers)
	flow.ResponseBody = preview
	st.respBinary = binary

	before := maps.Clone(flow.ResponseHeaders)
	if p.runScripts(ctx, "response", flow, p.scriptsOnResponse) {
		applyHeaderChanges(&resp.Headers, before, flow.ResponseHeaders)
		if flow.ResponseBody != preview {
			resp.Body = []byte(flow.ResponseBody)
			fixBodyFraming(&resp.Headers, len(resp.Body))
		}
	}

	p.complete(ctx, st, false, false)
}

// resolve turns a session resolution into the response written to the client.
// nil continues with the original request.
func (p *Pipeline) resolve(ctx context.Context, st *flowState, res intercept.Resolution) *WireResponse {
	if res.Response == nil {
		return nil
	}

	if res.ViaManualResend {
		flow := st.flow
		if res.Update != nil {
			flow.Headers = replay.MergeHeaders(flow.Headers, res.Update.Headers)
			if res.Update.Body != nil {
				flow.BodyPreview = *res.Update.Body
				st.reqBinary = false
			}
		}
		flow.ResponseStatusCode = res.Response.StatusCode
		flow.ResponseHeaders = flattenHTTPHeader(res.Response.Header)
		flow.ResponseBody, st.respBinary = p.preview(res.Response.Body, res.Response.Header.Get("Content-Encoding"))
		p.complete(ctx, st, res.ViaUpdate, true)
	}
	return rawResponse(res.Response)
}

// complete persists the flow and announces it. Storage failures are logged only.
func (p *Pipeline) complete(ctx context.Context, st *flowState, viaUpdate, viaResend bool) {
	flow := st.flow
	stored := &protocol.StoredFlow{
		ID:         flow.FlowID,
		CapturedAt: time.Now().UTC(),
		PID:        flow.PIDOrZero(),
		Method:     flow.Method,
		URL:        flow.URL,
		Request: protocol.StoredFlowRequest{
			Headers:      flow.Headers,
			BodyPreview:  flow.BodyPreview,
			BodyIsBinary: st.reqBinary,
		},
		Response: protocol.StoredFlowResponse{
			StatusCode:   flow.ResponseStatusCode,
			Headers:      flow.ResponseHeaders,
			BodyPreview:  flow.ResponseBody,
			BodyIsBinary: st.respBinary,
		},
		ViaUpdate:       viaUpdate,
		ViaManualResend: viaResend,
		ScriptApplied:   flow.ScriptApplied,
		SizeBytes:       int64(len(flow.BodyPreview) + len(flow.ResponseBody)),
	}

	if p.store != nil {
		if err := p.store.Store(ctx, stored); err != nil {
			log.Error().Err(err).Str("flowId", flow.FlowID).Msg("proxy: failed to store flow")
		}
	}

	log.Debug().Str("flowId", flow.FlowID).Int("pid", flow.PIDOrZero()).Str("method", flow.Method).
		Str("url", flow.URL).Int("status", flow.ResponseStatusCode).Msg("proxy: flow captured")

	if p.events != nil {
		p.events.Broadcast(protocol.FlowNewEvent{V: protocol.Version, Type: protocol.EventFlowNew, Flow: flow.Clone()})
	}
}

func (p *Pipeline) scriptsOnRequest(ctx context.Context, flow *protocol.FlowRecord) bool {
	return p.scripts.RunOnRequest(ctx, flow)
}

func (p *Pipeline) scriptsOnResponse(ctx context.Context, flow *protocol.FlowRecord) bool {
	return p.scripts.RunOnResponse(ctx, flow)
}

// runScripts runs one script phase, treating a panic as "not modified".
func (p *Pipeline) runScripts(ctx context.Context, phase string, flow *protocol.FlowRecord,
	run func(context.Context, *protocol.FlowRecord) bool) (modified bool) {
	if p.scripts == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("flowId", flow.FlowID).Str("phase", phase).
				Msg("proxy: script runner panicked")
			modified = false
		}
	}()
	return run(ctx, flow)
}

// resolvePID never fails the exchange; errors and panics yield an unknown pid.
func (p *Pipeline) resolvePID(ex *Exchange) (pid *int) {
	if p.pids == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("proxy: pid resolver panicked")
			pid = nil
		}
	}()
	return p.pids.Resolve(ex.ClientAddr, ex.ProxyAddr)
}

// preview decodes body per its Content-Encoding and caps it at maxBodyBytes.
func (p *Pipeline) preview(body []byte, contentEncoding string) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	decoded := DecodeBody(body, contentEncoding)
	if p.maxBodyBytes > 0 && len(decoded) > p.maxBodyBytes {
		decoded = decoded[:p.maxBodyBytes]
	}
	return string(decoded), !utf8.Valid(decoded)
}

type flowSession struct {
	once sync.Once
	ch   chan intercept.Resolution
}

func newFlowSession() *flowSession {
	return &flowSession{ch: make(chan intercept.Resolution, 1)}
}

func (s *flowSession) Resolve(r intercept.Resolution) {
	s.once.Do(func() { s.ch <- r })
}

// flattenHeaders collapses headers to a map; the last value wins for repeated names.
func flattenHeaders(headers Headers) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		for k := range m {
			if k != h.Name && strings.EqualFold(k, h.Name) {
				delete(m, k)
			}
		}
		m[h.Name] = h.Value
	}
	return m
}

func flattenHTTPHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			m[k] = v[len(v)-1]
		}
	}
	return m
}

// applyHeaderChanges edits headers so that its flattened view changes from before to after.
// Untouched headers keep their original wire form.
func applyHeaderChanges(headers *Headers, before, after map[string]string) {
	for name, old := range before {
		if v, ok := lookupFold(after, name); !ok {
			headers.Remove(name)
		} else if v != old {
			replaceHeader(headers, name, v)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(after)) {
		if _, ok := lookupFold(before, name); !ok {
			*headers = append(*headers, Header{Name: name, Value: after[name]})
		}
	}
}

// replaceHeader sets the first occurrence of name and removes the rest.
func replaceHeader(headers *Headers, name, value string) {
	out := (*headers)[:0]
	var seen bool
	for _, h := range *headers {
		if strings.EqualFold(h.Name, name) {
			if seen {
				continue
			}
			seen = true
			h.Value, h.Raw = value, nil
		}
		out = append(out, h)
	}
	*headers = out
	if !seen {
		headers.Set(name, value)
	}
}

// fixBodyFraming updates framing headers after a script replaced a decoded body.
func fixBodyFraming(headers *Headers, n int) {
	headers.Remove("Content-Encoding")
	if headers.Get("Content-Length") != "" {
		headers.Set("Content-Length", strconv.Itoa(n))
	}
}

func lookupFold(m map[string]string, name string) (string, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// rawResponse converts a replayed or synthetic response into wire form.
func rawResponse(r *replay.Response) *WireResponse {
	resp := &WireResponse{
		Version:    "HTTP/1.1",
		StatusCode: r.StatusCode,
		StatusText: http.StatusText(r.StatusCode),
		Body:       r.Body,
	}
	for _, name := range slices.Sorted(maps.Keys(r.Header)) {
		switch strings.ToLower(name) {
		case "content-length", "transfer-encoding", "connection", "keep-alive":
			continue
		}
		for _, v := range r.Header[name] {
			resp.Headers = append(resp.Headers, Header{Name: name, Value: v})
		}
	}
	if len(r.Body) == 0 && hasResponseBody("", r.StatusCode) {
		resp.Headers = append(resp.Headers, Header{Name: "Content-Length", Value: "0"})
	}
	return resp
}
