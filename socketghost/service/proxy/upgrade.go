package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// isWebSocketUpgrade reports an "Upgrade: websocket" request whose
// Connection header lists upgrade.
func isWebSocketUpgrade(req *WireRequest) bool {
	if !strings.EqualFold(req.Headers.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(req.Headers.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// relayWebSocket completes the upgrade handshake through the FlowHandler,
// then tunnels raw bytes. Frames are not recorded.
func (h *exchangeHandler) relayWebSocket(ctx context.Context, clientConn net.Conn, clientReader *bufio.Reader,
	upstream net.Conn, upstreamReader *bufio.Reader, ex *Exchange) {
	if err := h.writeTo(upstream, ex.Request.Encode()); err != nil {
		log.Warn().Err(err).Str("url", ex.URL).Msg("proxy: websocket upgrade send failed")
		writeStatus(clientConn, http.StatusBadGateway, "failed to send upgrade")
		return
	}

	resp, err := parseResponse(upstreamReader, ex.Request.Method)
	if err != nil {
		log.Warn().Err(err).Str("url", ex.URL).Msg("proxy: websocket upgrade response unreadable")
		writeStatus(clientConn, http.StatusBadGateway, "malformed upgrade response")
		return
	}
	if h.flows != nil {
		h.flows.HandleResponse(ctx, ex, resp)
	}
	if err := h.writeTo(clientConn, resp.Encode()); err != nil {
		log.Debug().Err(err).Msg("proxy: failed to send websocket upgrade response")
		return
	} else if resp.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	// the handshake may have set deadlines that would cut the tunnel
	_ = clientConn.SetDeadline(time.Time{})
	_ = upstream.SetDeadline(time.Time{})
	pipeBoth(ctx, clientConn, clientReader, upstream, upstreamReader)
}

// pipeBoth copies in both directions until either side ends or ctx is done.
// Reads go through the buffered readers so bytes read ahead are delivered.
func pipeBoth(ctx context.Context, clientConn net.Conn, clientReader io.Reader, upstream net.Conn, upstreamReader io.Reader) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = clientConn.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var wg sync.WaitGroup
	copyHalf := func(dst io.Writer, src io.Reader, direction string) {
		defer wg.Done()
		defer closeBoth()
		if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Str("direction", direction).Msg("proxy: websocket relay ended")
		}
	}
	wg.Add(2)
	go copyHalf(upstream, clientReader, "client->upstream")
	go copyHalf(clientConn, upstreamReader, "upstream->client")
	wg.Wait()
}
