package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// exchangeHandler relays HTTP/1.1 exchanges on one client connection,
// looping while both sides allow keep-alive.
type exchangeHandler struct {
	flows    FlowHandler // nil relays without observation
	timeouts TimeoutConfig
}

// Handle serves a plain proxy connection. Each request names its own
// upstream, so a fresh upstream connection is dialed per exchange.
func (h *exchangeHandler) Handle(ctx context.Context, clientConn net.Conn, clientReader *bufio.Reader) {
	stop := context.AfterFunc(ctx, func() { _ = clientConn.Close() })
	defer stop()

	for ctx.Err() == nil {
		ex, ok := h.nextExchange(clientConn, clientReader, nil)
		if !ok || !h.servePlain(ctx, clientConn, clientReader, ex) {
			return
		}
	}
}

func (h *exchangeHandler) servePlain(ctx context.Context, clientConn net.Conn, clientReader *bufio.Reader, ex *Exchange) bool {
	if handled, keep := h.beginExchange(ctx, clientConn, ex); handled {
		return keep
	}

	addr := ex.Target.Addr()
	d := net.Dialer{Timeout: h.timeouts.DialTimeout}
	upstream, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Warn().Err(err).Str("upstream", addr).Msg("proxy: upstream dial failed")
		h.fail(clientConn, err, "upstream unreachable")
		return false
	}
	defer func() { _ = upstream.Close() }()
	upstreamReader := bufio.NewReader(upstream)

	if isWebSocketUpgrade(ex.Request) {
		h.relayWebSocket(ctx, clientConn, clientReader, upstream, upstreamReader, ex)
		return false
	}
	return h.roundTrip(ctx, clientConn, upstream, upstreamReader, ex)
}

// HandleTLS serves the decrypted side of a CONNECT tunnel, where every
// exchange goes to the same already dialed upstream.
func (h *exchangeHandler) HandleTLS(ctx context.Context, clientConn, upstream net.Conn, clientReader, upstreamReader *bufio.Reader, target *Target) {
	stop := context.AfterFunc(ctx, func() {
		_ = clientConn.Close()
		_ = upstream.Close()
	})
	defer stop()

	for ctx.Err() == nil {
		ex, ok := h.nextExchange(clientConn, clientReader, target)
		if !ok {
			return
		}
		if handled, keep := h.beginExchange(ctx, clientConn, ex); handled {
			if keep {
				continue
			}
			return
		}
		if isWebSocketUpgrade(ex.Request) {
			h.relayWebSocket(ctx, clientConn, clientReader, upstream, upstreamReader, ex)
			return
		}
		if !h.roundTrip(ctx, clientConn, upstream, upstreamReader, ex) {
			return
		}
	}
}

// nextExchange reads one request from the client. Inside a tunnel the target
// is fixed; otherwise it comes from the request, which is rewritten to origin form.
func (h *exchangeHandler) nextExchange(clientConn net.Conn, clientReader *bufio.Reader, tunnel *Target) (*Exchange, bool) {
	start := time.Now()
	req, err := parseRequest(clientReader)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, ErrEmptyRequest) {
			log.Warn().Err(err).Str("client", clientConn.RemoteAddr().String()).Msg("proxy: malformed request")
			writeStatus(clientConn, http.StatusBadRequest, "malformed request")
		}
		return nil, false
	}

	target := tunnel
	if target == nil {
		if target, err = requestTarget(req); err != nil {
			log.Warn().Err(err).Str("path", req.Path).Msg("proxy: no upstream for request")
			writeStatus(clientConn, http.StatusBadRequest, err.Error())
			return nil, false
		}
		toOriginForm(req, target)
	}

	return &Exchange{
		Request:    req,
		Target:     target,
		ClientAddr: clientConn.RemoteAddr(),
		ProxyAddr:  clientConn.LocalAddr(),
		StartTime:  start,
		URL:        target.URL(req.Path, req.Query),
	}, true
}

// beginExchange runs the FlowHandler request hook. handled means the exchange
// is over, either answered with a substitute response or aborted; keep means
// the client connection can carry another request.
func (h *exchangeHandler) beginExchange(ctx context.Context, clientConn net.Conn, ex *Exchange) (handled, keep bool) {
	if h.flows == nil {
		return false, true
	}

	resp, err := h.flows.HandleRequest(ctx, ex)
	if err != nil {
		log.Debug().Err(err).Str("url", ex.URL).Msg("proxy: exchange aborted")
		return true, false
	} else if resp == nil {
		return false, true
	}

	if err := h.writeTo(clientConn, resp.Encode()); err != nil {
		log.Debug().Err(err).Str("url", ex.URL).Msg("proxy: failed to write substitute response")
		return true, false
	}
	return true, keepAlive(resp.Headers)
}

// roundTrip sends the request upstream, passes the response through the
// FlowHandler and writes it to the client.
func (h *exchangeHandler) roundTrip(ctx context.Context, clientConn, upstream net.Conn, upstreamReader *bufio.Reader, ex *Exchange) bool {
	if err := h.writeTo(upstream, ex.Request.Encode()); err != nil {
		log.Warn().Err(err).Str("url", ex.URL).Msg("proxy: failed to send request upstream")
		h.fail(clientConn, err, "failed to send request")
		return false
	}

	if h.timeouts.ReadTimeout > 0 {
		_ = upstream.SetReadDeadline(time.Now().Add(h.timeouts.ReadTimeout))
	}
	resp, err := parseResponse(upstreamReader, ex.Request.Method)
	if err != nil {
		log.Warn().Err(err).Str("url", ex.URL).Msg("proxy: unreadable upstream response")
		h.fail(clientConn, err, "malformed upstream response")
		return false
	}

	if h.flows != nil {
		h.flows.HandleResponse(ctx, ex, resp)
	}
	if err := h.writeTo(clientConn, resp.Encode()); err != nil {
		log.Debug().Err(err).Str("url", ex.URL).Msg("proxy: failed to write response to client")
		return false
	}
	return keepAlive(resp.Headers)
}

func (h *exchangeHandler) writeTo(conn net.Conn, data []byte) error {
	if h.timeouts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.timeouts.WriteTimeout))
	}
	_, err := conn.Write(data)
	return err
}

// fail answers 504 for timeouts and 502 for any other upstream failure.
func (h *exchangeHandler) fail(clientConn net.Conn, err error, detail string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		writeStatus(clientConn, http.StatusGatewayTimeout, detail)
		return
	}
	writeStatus(clientConn, http.StatusBadGateway, detail)
}

func keepAlive(headers Headers) bool {
	return !strings.EqualFold(headers.Get("Connection"), "close")
}

func isAbsoluteForm(path string) bool {
	return strings.HasPrefix(path, schemeHTTP+"://") || strings.HasPrefix(path, schemeHTTPS+"://")
}

// requestTarget finds the upstream from an absolute-form request target or
// the Host header.
func requestTarget(req *WireRequest) (*Target, error) {
	if isAbsoluteForm(req.Path) {
		u, err := url.Parse(req.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy-form URL: %w", err)
		}
		return splitTarget(u.Host, u.Scheme == schemeHTTPS)
	}

	host := req.Headers.Get("Host")
	if host == "" {
		return nil, errors.New("no Host header and not a proxy-form request")
	}
	return splitTarget(host, false)
}

// splitTarget parses host[:port], bracketed IPv6 included. The port defaults by scheme.
func splitTarget(hostPort string, https bool) (*Target, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		host, portStr = strings.Trim(hostPort, "[]"), "80"
		if https {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port: %s", portStr)
	}
	return &Target{Hostname: host, Port: port, UsesHTTPS: https}, nil
}

// toOriginForm strips scheme and authority from an absolute-form path and
// pins the Host header to the target.
func toOriginForm(req *WireRequest, target *Target) {
	if isAbsoluteForm(req.Path) {
		if u, err := url.Parse(req.Path); err == nil {
			req.Path = u.Path
			if req.Path == "" {
				req.Path = "/"
			}
		}
	}
	req.Headers.Set("Host", target.HostHeader())
}

// statusResponse is a close-delimited plain text error for the client.
func statusResponse(code int, detail string) *WireResponse {
	text := http.StatusText(code)
	return &WireResponse{
		Version:    "HTTP/1.1",
		StatusCode: code,
		StatusText: text,
		Headers: Headers{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Connection", Value: "close"},
		},
		Body: []byte(fmt.Sprintf("%d %s: %s\n", code, text, detail)),
	}
}

func writeStatus(conn net.Conn, code int, detail string) {
	_, _ = conn.Write(statusResponse(code, detail).Encode())
}
