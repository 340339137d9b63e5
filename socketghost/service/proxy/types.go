package proxy

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
)

// Header is one header line as it appeared on the wire.
type Header struct {
	Name  string // original casing, stray whitespace kept
	Value string // trimmed
	// Raw is the original line without its terminator, nil once the header is
	// edited. Encode writes it back verbatim so obs-fold survives a relay.
	Raw []byte
}

// WireFormat records framing details of a parsed message.
type WireFormat struct {
	WasChunked bool
	UsedBareLF bool
}

// Headers keeps header order and duplicates. Lookups ignore case.
type Headers []Header

// Get returns the first value for name, or "".
func (h *Headers) Get(name string) string {
	for _, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Set replaces the first header named name, or appends one.
func (h *Headers) Set(name, value string) {
	for i, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			(*h)[i].Value = value
			(*h)[i].Raw = nil
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Remove drops every header named name.
func (h *Headers) Remove(name string) {
	*h = bulk.SliceFilterInPlace(func(hdr Header) bool {
		return !strings.EqualFold(hdr.Name, name)
	}, *h)
}

// WireRequest is an HTTP/1.x request as read from a client connection.
// Path never carries the query; Body is de-chunked.
type WireRequest struct {
	Method   string
	Path     string
	Query    string
	Version  string
	Headers  Headers
	Body     []byte
	Trailers []byte
	Wire     *WireFormat
}

// WireResponse is an HTTP/1.x response as read from an upstream connection.
type WireResponse struct {
	Version    string
	StatusCode int
	StatusText string
	Headers    Headers
	Body       []byte
	Trailers   []byte
	Wire       *WireFormat
}

// Target is the upstream of an exchange.
type Target struct {
	Hostname  string
	Port      int
	UsesHTTPS bool
}

// Addr returns the host:port dial address.
func (t *Target) Addr() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

// HostHeader returns the Host header value, omitting the port when it is the scheme default.
func (t *Target) HostHeader() string {
	if (t.UsesHTTPS && t.Port == 443) || (!t.UsesHTTPS && t.Port == 80) {
		if strings.Contains(t.Hostname, ":") {
			return "[" + t.Hostname + "]"
		}
		return t.Hostname
	}
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

// URL builds the absolute request URL for an origin-form path and query.
func (t *Target) URL(path, query string) string {
	scheme := schemeHTTP
	if t.UsesHTTPS {
		scheme = schemeHTTPS
	}
	if path == "" {
		path = "/"
	}
	u := scheme + "://" + t.HostHeader() + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// TimeoutConfig bounds upstream connections. Zero disables the corresponding deadline.
type TimeoutConfig struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FlowHandler observes and controls every exchange relayed by the proxy.
type FlowHandler interface {
	// HandleRequest runs before the request leaves the proxy and may rewrite ex.Request in place.
	// It blocks while the flow is paused. A non-nil response is written to the client
	// instead of contacting the upstream. An error closes the client connection.
	HandleRequest(ctx context.Context, ex *Exchange) (*WireResponse, error)

	// HandleResponse runs on the upstream response before it is written to the client
	// and may rewrite resp in place.
	HandleResponse(ctx context.Context, ex *Exchange, resp *WireResponse)
}

// Exchange is one request/response pair as seen by a FlowHandler.
type Exchange struct {
	Request    *WireRequest
	Target     *Target
	ClientAddr net.Addr
	ProxyAddr  net.Addr
	StartTime  time.Time

	// URL is the absolute request URL reconstructed from Target and the origin-form path.
	URL string

	// State is owned by the FlowHandler between HandleRequest and HandleResponse.
	State any
}
