package controlplane

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/interceptor/socketghost/protocol"
	"github.com/go-appsec/interceptor/socketghost/service/testutil"
)

type fakeInterceptor struct {
	mu        sync.Mutex
	intercept map[int]bool
	forwarded []string
	dropped   []string
	updates   map[string]protocol.FlowUpdate
	paused    []any
}

func newFakeInterceptor() *fakeInterceptor {
	return &fakeInterceptor{intercept: make(map[int]bool), updates: make(map[string]protocol.FlowUpdate)}
}

func (f *fakeInterceptor) SetIntercept(pid int, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intercept[pid] = enabled
}

func (f *fakeInterceptor) ApplyUpdate(flowID string, update protocol.FlowUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[flowID] = update
	return nil
}

func (f *fakeInterceptor) Forward(_ context.Context, flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, flowID)
	return nil
}

func (f *fakeInterceptor) Drop(flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, flowID)
	return nil
}

func (f *fakeInterceptor) PausedEvents() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeInterceptor) snapshot(fn func(f *fakeInterceptor) bool) func() bool {
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return fn(f)
	}
}

func newControlServer(t *testing.T, in Interceptor) (*Broadcaster, string) {
	t.Helper()

	b := NewBroadcaster()
	srv := httptest.NewServer(NewServer(b, in).Handler())
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestServerCommands(t *testing.T) {
	t.Parallel()

	in := newFakeInterceptor()
	b, url := newControlServer(t, in)
	conn := dial(t, url+"/ws")
	testutil.WaitFor(t, time.Second, b.Connected)

	t.Run("interceptor_set", func(t *testing.T) {
		send(t, conn, `{"v":"0.1","type":"interceptor.set","pid":1234,"enabled":true}`)
		testutil.WaitFor(t, time.Second, in.snapshot(func(f *fakeInterceptor) bool { return f.intercept[1234] }))

		send(t, conn, `{"v":"0.1","type":"interceptor.set","pid":1234,"enabled":false}`)
		testutil.WaitFor(t, time.Second, in.snapshot(func(f *fakeInterceptor) bool {
			enabled, seen := f.intercept[1234]
			return seen && !enabled
		}))
	})

	t.Run("flow_action", func(t *testing.T) {
		send(t, conn, `{"v":"0.1","type":"flow.action","action":"forward","flowId":"f1"}`)
		send(t, conn, `{"v":"0.1","type":"flow.action","action":"drop","flowId":"f2"}`)
		testutil.WaitFor(t, time.Second, in.snapshot(func(f *fakeInterceptor) bool {
			return len(f.forwarded) == 1 && len(f.dropped) == 1
		}))
		in.mu.Lock()
		defer in.mu.Unlock()
		assert.Equal(t, []string{"f1"}, in.forwarded)
		assert.Equal(t, []string{"f2"}, in.dropped)
	})

	t.Run("flow_update", func(t *testing.T) {
		send(t, conn, `{"v":"0.1","type":"flow.update","flowId":"f3","update":{"headers":{"X-A":"1"},"body":"new"}}`)
		testutil.WaitFor(t, time.Second, in.snapshot(func(f *fakeInterceptor) bool {
			_, ok := f.updates["f3"]
			return ok
		}))
		in.mu.Lock()
		defer in.mu.Unlock()
		u := in.updates["f3"]
		assert.Equal(t, map[string]string{"X-A": "1"}, u.Headers)
		require.NotNil(t, u.Body)
		assert.Equal(t, "new", *u.Body)
	})

	t.Run("bad_messages_ignored", func(t *testing.T) {
		send(t, conn, `not json`)
		send(t, conn, `{"v":"0.1","type":"flow.teleport"}`)
		send(t, conn, `{"v":"0.1","type":"flow.action","action":"explode","flowId":"x"}`)
		send(t, conn, `{"v":"0.1","type":"flow.update","flowId":"f4"}`)
		send(t, conn, `{"v":"0.1","type":"flow.action","action":"drop","flowId":"after"}`)

		// the connection survives and later commands still apply
		testutil.WaitFor(t, time.Second, in.snapshot(func(f *fakeInterceptor) bool {
			return len(f.dropped) == 2 && f.dropped[1] == "after"
		}))
		in.mu.Lock()
		defer in.mu.Unlock()
		_, updated := in.updates["f4"]
		assert.False(t, updated)
	})
}

func TestServerEvents(t *testing.T) {
	t.Parallel()

	t.Run("broadcast_delivered", func(t *testing.T) {
		b, url := newControlServer(t, newFakeInterceptor())
		conn := dial(t, url)
		testutil.WaitFor(t, time.Second, b.Connected)

		b.Broadcast(protocol.FlowActionEvent{
			V:      protocol.Version,
			Type:   protocol.EventFlowDropped,
			FlowID: "f1",
		})

		event := readEvent(t, conn)
		assert.Equal(t, "0.1", event["v"])
		assert.Equal(t, protocol.EventFlowDropped, event["type"])
		assert.Equal(t, "f1", event["flowId"])
	})

	t.Run("paused_flows_resent_on_attach", func(t *testing.T) {
		in := newFakeInterceptor()
		in.paused = []any{protocol.FlowPausedEvent{
			V:    protocol.Version,
			Type: protocol.EventFlowPaused,
			Flow: protocol.PausedFlowInfo{FlowID: "waiting", Method: "GET", URL: "http://a/"},
		}}
		_, url := newControlServer(t, in)
		conn := dial(t, url)

		event := readEvent(t, conn)
		assert.Equal(t, protocol.EventFlowPaused, event["type"])
		flow, ok := event["flow"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "waiting", flow["flowId"])
	})

	t.Run("second_operator_supersedes", func(t *testing.T) {
		b, url := newControlServer(t, newFakeInterceptor())
		first := dial(t, url)
		testutil.WaitFor(t, time.Second, b.Connected)
		second := dial(t, url)

		require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := first.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
		assert.Equal(t, ReasonSuperseded, closeErr.Text)

		b.Broadcast(map[string]string{"type": "ping"})
		event := readEvent(t, second)
		assert.Equal(t, "ping", event["type"])
	})

	t.Run("disconnect_detaches", func(t *testing.T) {
		b, url := newControlServer(t, newFakeInterceptor())
		conn := dial(t, url)
		testutil.WaitFor(t, time.Second, b.Connected)

		require.NoError(t, conn.Close())
		testutil.WaitFor(t, 2*time.Second, func() bool { return !b.Connected() })
	})
}

func TestSubscriberEncodesJSON(t *testing.T) {
	t.Parallel()

	b, url := newControlServer(t, newFakeInterceptor())
	conn := dial(t, url)
	testutil.WaitFor(t, time.Second, b.Connected)

	pid := 9
	b.Broadcast(protocol.FlowNewEvent{V: protocol.Version, Type: protocol.EventFlowNew, Flow: &protocol.FlowRecord{
		FlowID: "n1", PID: &pid, Method: "GET", URL: "http://x/", Headers: map[string]string{}, ScriptApplied: []string{},
	}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got protocol.FlowNewEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.NotNil(t, got.Flow)
	assert.Equal(t, "n1", got.Flow.FlowID)
	require.NotNil(t, got.Flow.PID)
	assert.Equal(t, 9, *got.Flow.PID)
}
