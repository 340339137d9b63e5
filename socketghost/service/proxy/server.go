package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	connectPrefix = []byte("CONNECT ")
	h2cPreface    = []byte("PRI * HT")
)

// Server is the explicit HTTP proxy. Plain requests and CONNECT tunnels are
// both decoded into exchanges and passed to a FlowHandler.
type Server struct {
	listener net.Listener
	certs    *CertManager
	plain    *exchangeHandler
	tunnels  *tunnelHandler

	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewServer listens on 127.0.0.1:port; port 0 picks a free port. A nil
// FlowHandler relays traffic without observing it.
func NewServer(port int, certs *CertManager, flows FlowHandler, timeouts TimeoutConfig) (*Server, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	plain := &exchangeHandler{flows: flows, timeouts: timeouts}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listener: ln,
		certs:    certs,
		plain:    plain,
		tunnels:  newTunnelHandler(certs, plain, timeouts),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr is the bound listener address, e.g. "127.0.0.1:8080".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) CertManager() *CertManager {
	return s.certs
}

// WaitReady blocks until Serve is accepting connections.
func (s *Server) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	s.readyOnce.Do(func() { close(s.ready) })
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("proxy: accept error")
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.route(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// route peeks at the first bytes to tell a CONNECT tunnel from a plain request.
func (s *Server) route(conn net.Conn) {
	br := bufio.NewReader(conn)
	head, err := br.Peek(len(connectPrefix))
	if err != nil {
		return
	}

	switch {
	case bytes.Equal(head, h2cPreface):
		log.Debug().Str("client", conn.RemoteAddr().String()).Msg("proxy: h2c not supported, closing connection")
	case bytes.Equal(head, connectPrefix):
		s.tunnels.Handle(s.ctx, conn, br)
	default:
		s.plain.Handle(s.ctx, conn, br)
	}
}

// Shutdown closes the listener and cancels in-flight exchanges, waiting for
// their goroutines. Connections still open when ctx expires are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	<-done
	return nil
}
