package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const defaultTLSPort = 443

// http11Only is offered on both TLS legs so each tunnel carries HTTP/1.1.
var http11Only = []string{"http/1.1"}

var errBadConnectLine = errors.New("invalid CONNECT request line")

// tunnelHandler terminates CONNECT tunnels with a leaf certificate from the
// local CA and relays the decrypted exchanges.
type tunnelHandler struct {
	certs     *CertManager
	exchanges *exchangeHandler
	timeouts  TimeoutConfig
}

func newTunnelHandler(certs *CertManager, exchanges *exchangeHandler, timeouts TimeoutConfig) *tunnelHandler {
	return &tunnelHandler{certs: certs, exchanges: exchanges, timeouts: timeouts}
}

func (h *tunnelHandler) Handle(ctx context.Context, clientConn net.Conn, clientReader *bufio.Reader) {
	target, err := readConnectTarget(clientReader)
	if err != nil {
		log.Warn().Err(err).Str("client", clientConn.RemoteAddr().String()).Msg("proxy: rejecting CONNECT")
		writeStatus(clientConn, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		log.Debug().Err(err).Msg("proxy: failed to acknowledge CONNECT")
		return
	}

	// a ClientHello sent eagerly may already sit in the reader
	if clientReader.Buffered() > 0 {
		clientConn = &bufferedConn{Conn: clientConn, r: clientReader}
	}
	h.intercept(ctx, clientConn, target)
}

// readConnectTarget parses "CONNECT host[:port] HTTP/1.x" and skips the
// request headers. A missing port means 443.
func readConnectTarget(br *bufio.Reader) (*Target, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "CONNECT" {
		return nil, errBadConnectLine
	}

	host, portStr, err := net.SplitHostPort(fields[1])
	if err != nil {
		host, portStr = strings.Trim(fields[1], "[]"), strconv.Itoa(defaultTLSPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port: %s", portStr)
	}

	if _, err := tp.ReadMIMEHeader(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	return &Target{Hostname: host, Port: port, UsesHTTPS: true}, nil
}

// intercept completes the client handshake. The upstream is dialed while the
// ClientHello is being answered, so the client's SNI is forwarded unchanged.
func (h *tunnelHandler) intercept(ctx context.Context, clientConn net.Conn, target *Target) {
	var upstream net.Conn
	clientTLS := tls.Server(clientConn, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sni := hello.ServerName
			if sni == "" {
				sni = target.Hostname
			} else if sni != target.Hostname {
				log.Info().Str("target", target.Hostname).Str("sni", sni).Msg("proxy: SNI differs from CONNECT target")
			}

			conn, err := h.dialTLS(ctx, target.Addr(), sni)
			if err != nil {
				return nil, fmt.Errorf("dial upstream %s: %w", target.Addr(), err)
			}
			leaf, err := h.certs.GetCertificate(sni)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			upstream = conn
			return &tls.Config{Certificates: []tls.Certificate{*leaf}, NextProtos: http11Only}, nil
		},
	})

	if err := clientTLS.HandshakeContext(ctx); err != nil {
		log.Debug().Err(err).Str("target", target.Hostname).Msg("proxy: client TLS handshake failed")
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}
	defer func() { _ = clientTLS.Close() }()
	if upstream == nil {
		return
	}
	defer func() { _ = upstream.Close() }()

	h.exchanges.HandleTLS(ctx, clientTLS, upstream, bufio.NewReader(clientTLS), bufio.NewReader(upstream), target)
}

// dialTLS connects to the upstream without verifying its certificate; the
// proxy is the trust boundary for intercepted traffic.
func (h *tunnelHandler) dialTLS(ctx context.Context, addr, sni string) (net.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: h.timeouts.DialTimeout},
		Config: &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
			NextProtos:         http11Only,
		},
	}
	return d.DialContext(ctx, "tcp", addr)
}

// bufferedConn serves reads from r, which may hold bytes already read from Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
