package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// DefaultWriteTimeout bounds a single event write to the operator.
const DefaultWriteTimeout = 5 * time.Second

// Interceptor is the command target for operator messages.
type Interceptor interface {
	SetIntercept(pid int, enabled bool)
	ApplyUpdate(flowID string, update protocol.FlowUpdate) error
	Forward(ctx context.Context, flowID string) error
	Drop(flowID string) error
	// PausedEvents returns a flow.paused event for every currently paused flow.
	PausedEvents() []any
}

// Server is the operator WebSocket endpoint.
type Server struct {
	broadcaster  *Broadcaster
	interceptor  Interceptor
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

func NewServer(broadcaster *Broadcaster, interceptor Interceptor) *Server {
	return &Server{
		broadcaster: broadcaster,
		interceptor: interceptor,
		upgrader: websocket.Upgrader{
			// the listener is bound to loopback
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: DefaultWriteTimeout,
	}
}

// Handler serves the WebSocket endpoint at / and /ws.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleWebSocket)
	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("controlplane: websocket upgrade failed")
		return
	}
	sub := &wsSubscriber{conn: conn, writeTimeout: s.writeTimeout}
	defer func() { _ = conn.Close() }()

	detach := s.broadcaster.Attach(sub)
	defer detach()
	log.Info().Str("remote", r.RemoteAddr).Msg("controlplane: operator connected")

	for _, event := range s.interceptor.PausedEvents() {
		if err := sub.Send(event); err != nil {
			log.Debug().Err(err).Msg("controlplane: failed to resend paused flow")
		}
	}

	// forwards outlive the connection that requested them
	ctx := context.WithoutCancel(r.Context())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				log.Warn().Err(err).Msg("controlplane: websocket read failed")
			}
			log.Info().Str("remote", r.RemoteAddr).Msg("controlplane: operator disconnected")
			return
		}
		s.dispatch(ctx, data)
	}
}

// dispatch applies one operator message. Malformed and unknown messages are
// logged and ignored.
func (s *Server) dispatch(ctx context.Context, data []byte) {
	var msg protocol.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("controlplane: ignoring malformed message")
		return
	}

	switch msg.Type {
	case protocol.CommandInterceptorSet:
		s.interceptor.SetIntercept(msg.PID, msg.Enabled)
	case protocol.CommandFlowAction:
		switch msg.Action {
		case protocol.ActionForward:
			go func() {
				if err := s.interceptor.Forward(ctx, msg.FlowID); err != nil {
					log.Info().Err(err).Str("flowId", msg.FlowID).Msg("controlplane: forward ignored")
				}
			}()
		case protocol.ActionDrop:
			if err := s.interceptor.Drop(msg.FlowID); err != nil {
				log.Info().Err(err).Str("flowId", msg.FlowID).Msg("controlplane: drop ignored")
			}
		default:
			log.Warn().Str("action", msg.Action).Str("flowId", msg.FlowID).Msg("controlplane: unknown flow action")
		}
	case protocol.CommandFlowUpdate:
		if msg.Update == nil {
			log.Warn().Str("flowId", msg.FlowID).Msg("controlplane: flow.update without update")
			return
		}
		if err := s.interceptor.ApplyUpdate(msg.FlowID, *msg.Update); err != nil {
			log.Info().Err(err).Str("flowId", msg.FlowID).Msg("controlplane: update ignored")
		}
	default:
		log.Warn().Str("type", msg.Type).Msg("controlplane: unknown message type")
	}
}

// wsSubscriber serializes writes to one WebSocket connection.
type wsSubscriber struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

var errSubscriberClosed = errors.New("subscriber closed")

func (w *wsSubscriber) Send(event any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errSubscriberClosed
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(event)
}

func (w *wsSubscriber) Close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout)); err != nil {
		log.Debug().Err(err).Msg("controlplane: failed to send close frame")
	}
	_ = w.conn.Close()
}
