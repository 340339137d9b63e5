// Package replay sends independent outbound HTTP requests rebuilt from captured flows.
package replay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"
)

const (
	HeaderForwarded    = "X-SocketGhost-Forwarded"
	HeaderOriginalFlow = "X-SocketGhost-Original-Flow"

	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 64 << 20
)

// hopByHopHeaders are never copied onto a replayed request.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Request describes one replay. Body is sent only when non-empty.
type Request struct {
	Method         string
	URL            string
	Headers        map[string]string
	Body           string
	OriginalFlowID string // sets X-SocketGhost-Original-Flow when non-empty

	// CaptureResponse retains the full upstream response on the Result.
	CaptureResponse bool
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Result reports the outcome of a replay. Error is set only when Success is false.
type Result struct {
	Success       bool
	StatusCode    int
	ContentLength int64
	Duration      time.Duration
	Error         string
	Response      *Response
}

// Engine owns the shared HTTP client used for every replay.
type Engine struct {
	client *http.Client
	tracer trace.Tracer
}

// NewEngine creates an engine whose requests time out after timeout (DefaultTimeout when <= 0).
// Redirects are not followed, bodies are not transparently decompressed, no cookie jar is kept,
// and upstream certificates are not verified.
func NewEngine(timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy: nil, // direct, HTTP(S)_PROXY is ignored
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Engine{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tracer: otel.Tracer("github.com/go-appsec/interceptor/replay"),
	}
}

// Send performs the request. It never returns a Go error; failures are reported on the Result.
func (e *Engine) Send(ctx context.Context, r Request) Result {
	ctx, span := e.tracer.Start(ctx, "replay.send", trace.WithAttributes(
		attribute.String("http.request.method", r.Method),
		attribute.String("url.full", r.URL),
		attribute.String("socketghost.original_flow", r.OriginalFlowID),
	))
	defer span.End()

	start := time.Now()
	res, err := e.send(ctx, r)
	res.Duration = time.Since(start)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
		return res
	}

	res.Success = true
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	return res
}

func (e *Engine) send(ctx context.Context, r Request) (Result, error) {
	var bodyReader io.Reader
	if r.Body != "" {
		bodyReader = strings.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bodyReader)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	} else if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return Result{}, fmt.Errorf("unsupported scheme %q", req.URL.Scheme)
	}

	applyHeaders(req, r.Headers)
	req.Header.Set(HeaderForwarded, "true")
	if r.OriginalFlowID != "" {
		req.Header.Set(HeaderOriginalFlow, r.OriginalFlowID)
	}
	if r.Body != "" {
		if ct := lookupFold(r.Headers, "Content-Type"); ct != "" && httpguts.ValidHeaderFieldValue(ct) {
			req.Header.Set("Content-Type", ct)
		} else {
			req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	res := Result{
		StatusCode:    resp.StatusCode,
		ContentLength: int64(len(body)),
	}
	if r.CaptureResponse {
		res.Response = &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
		}
	}
	return res, nil
}

// applyHeaders copies headers onto req, skipping hop-by-hop, framing, and invalid entries.
// Host always follows the request URL. Bodies handed to the engine are already decoded, so
// Content-Encoding from the captured request is never carried over.
func applyHeaders(req *http.Request, headers map[string]string) {
	for name, value := range headers {
		switch lower := strings.ToLower(name); {
		case hopByHopHeaders[lower], lower == "content-type", lower == "content-length", lower == "host",
			lower == "content-encoding":
			continue
		case !httpguts.ValidHeaderFieldName(name), !httpguts.ValidHeaderFieldValue(value):
			continue
		}
		req.Header.Set(name, value)
	}
}

// MergeHeaders returns base with overrides applied. Keys are matched case-insensitively;
// an override replaces the base entry and keeps the override's casing.
func MergeHeaders(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		for existing := range merged {
			if existing != k && strings.EqualFold(existing, k) {
				delete(merged, existing)
			}
		}
		merged[k] = v
	}
	return merged
}

func lookupFold(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
