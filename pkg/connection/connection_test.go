package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DeBrosOfficial/dispatch/pkg/config"
	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// fakeHub accepts connections and hands them to the test.
type fakeHub struct {
	server *httptest.Server
	conns  chan *websocket.Conn
	query  chan string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{conns: make(chan *websocket.Conn, 8), query: make(chan string, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.query <- r.URL.RawQuery
		h.conns <- conn
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/connect"
}

func (h *fakeHub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection from client")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wire.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &f
}

func writeFrame(t *testing.T, conn *websocket.Conn, call string, kind wire.FrameKind, payload any) {
	t.Helper()
	f, err := wire.NewFrame(call, kind, "", payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
	err   error
	done  chan struct{}
	once  sync.Once
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{done: make(chan struct{})}
}

func (r *recorder[T]) OnNext(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.once.Do(func() { close(r.done) })
}

func (r *recorder[T]) OnCompleted() {
	r.once.Do(func() { close(r.done) })
}

func (r *recorder[T]) wait(t *testing.T) ([]T, error) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not terminate")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items, r.err
}

func newTestManager(url string) *WebSocketManager {
	cfg := config.DefaultRouterConfig()
	cfg.HubURL = url
	cfg.ClientID = "client-1"
	cfg.Connection.ReconnectInterval = 50 * time.Millisecond
	cfg.Connection.WriteTimeout = time.Second
	return NewWebSocketManager(cfg, nil)
}

func TestDispatchCommandRoundTrip(t *testing.T) {
	hub := newFakeHub(t)
	m := newTestManager(hub.url())
	defer m.Close()

	out := newRecorder[*wire.CommandResponse]()
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.DispatchCommand(context.Background(), "default", &wire.Command{MessageIdentifier: "m-1", Name: "Ping"}, out)
	}()

	conn := hub.accept(t)
	if q := <-hub.query; !strings.Contains(q, "client=client-1") || !strings.Contains(q, "context=default") {
		t.Fatalf("connect query = %q", q)
	}
	open := readFrame(t, conn)
	if open.Kind != wire.FrameOpen || open.Channel != wire.ChannelDispatchCommand {
		t.Fatalf("open frame = %+v", open)
	}
	var cmd wire.Command
	if err := open.Decode(&cmd); err != nil || cmd.Name != "Ping" {
		t.Fatalf("decoded command %+v, %v", cmd, err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}

	writeFrame(t, conn, open.Call, wire.FrameNext, &wire.CommandResponse{RequestIdentifier: "m-1"})
	writeFrame(t, conn, open.Call, wire.FrameComplete, nil)

	items, err := out.wait(t)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if len(items) != 1 || items[0].RequestIdentifier != "m-1" {
		t.Fatalf("responses = %+v", items)
	}
}

func TestQueryDeadlineAndCancel(t *testing.T) {
	hub := newFakeHub(t)
	m := newTestManager(hub.url())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out := newRecorder[*wire.QueryResponse]()
	type result struct {
		call Call
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := m.Query(ctx, "default", &wire.QueryRequest{MessageIdentifier: "q-1", Query: "GetBalance"}, out)
		resCh <- result{c, err}
	}()

	conn := hub.accept(t)
	open := readFrame(t, conn)
	if open.Deadline == 0 {
		t.Fatal("query deadline should travel with the open frame")
	}
	res := <-resCh
	if res.err != nil {
		t.Fatalf("Query: %v", res.err)
	}

	res.call.Cancel()
	cancelFrame := readFrame(t, conn)
	if cancelFrame.Kind != wire.FrameCancel || cancelFrame.Call != open.Call {
		t.Fatalf("cancel frame = %+v", cancelFrame)
	}
	if _, err := out.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRemoteErrorFrame(t *testing.T) {
	hub := newFakeHub(t)
	m := newTestManager(hub.url())
	defer m.Close()

	out := newRecorder[*wire.QueryResponse]()
	go func() {
		_, _ = m.Query(context.Background(), "default", &wire.QueryRequest{MessageIdentifier: "q-1"}, out)
	}()
	conn := hub.accept(t)
	open := readFrame(t, conn)

	f := &wire.Frame{Call: open.Call, Kind: wire.FrameError, Error: &wire.ErrorMessage{
		Message:   "no handler",
		ErrorCode: dispatcherrors.CodeNoHandlerForQuery,
	}}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := out.wait(t); !dispatcherrors.IsNoHandler(err) {
		t.Fatalf("err = %v, want no handler", err)
	}
}

func TestConnectionLossAndReconnect(t *testing.T) {
	hub := newFakeHub(t)
	m := newTestManager(hub.url())
	defer m.Close()

	var disconnects, contextDisconnects, reconnects atomic.Int32
	reconnected := make(chan struct{}, 1)
	m.AddDisconnectListener("default", func() { disconnects.Add(1) })
	m.AddContextDisconnectListener(func(rc string) {
		if rc == "default" {
			contextDisconnects.Add(1)
		}
	})
	m.AddReconnectListener("default", func() {
		reconnects.Add(1)
		reconnected <- struct{}{}
	})

	in := newRecorder[*wire.CommandProviderInbound]()
	if err := m.Connect("default"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := hub.accept(t)
	if _, err := m.CommandStream("default", in); err != nil {
		t.Fatalf("CommandStream: %v", err)
	}
	readFrame(t, conn)

	_ = conn.Close()

	if _, err := in.wait(t); !dispatcherrors.IsConnectionLost(err) {
		t.Fatalf("stream err = %v, want connection lost", err)
	}
	if _, err := m.CommandStream("default", newRecorder[*wire.CommandProviderInbound]()); !errors.Is(err, dispatcherrors.ErrNotConnected) {
		t.Fatalf("stream while reconnecting err = %v", err)
	}

	hub.accept(t)
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect listener not called")
	}
	if disconnects.Load() != 1 || contextDisconnects.Load() != 1 || reconnects.Load() != 1 {
		t.Fatalf("listeners: disconnect=%d context=%d reconnect=%d",
			disconnects.Load(), contextDisconnects.Load(), reconnects.Load())
	}
	if !m.IsConnected("default") {
		t.Fatal("context should be connected again")
	}
}

func TestHubReconnectRequestVeto(t *testing.T) {
	hub := newFakeHub(t)
	m := newTestManager(hub.url())
	defer m.Close()

	var allow atomic.Bool
	m.AddReconnectInterceptor(func(string) bool { return allow.Load() })
	reconnected := make(chan struct{}, 1)
	m.AddReconnectListener("default", func() { reconnected <- struct{}{} })

	if err := m.Connect("default"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := hub.accept(t)

	if err := conn.WriteJSON(&wire.Frame{Kind: wire.FrameReconnect}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if !m.IsConnected("default") {
		t.Fatal("a vetoed reconnect must keep the connection")
	}

	allow.Store(true)
	if err := conn.WriteJSON(&wire.Frame{Kind: wire.FrameReconnect}); err != nil {
		t.Fatalf("write: %v", err)
	}
	hub.accept(t)
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect listener not called")
	}
}

func TestClosedManager(t *testing.T) {
	hub := newFakeHub(t)
	m := newTestManager(hub.url())
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := m.DispatchCommand(context.Background(), "default", &wire.Command{}, newRecorder[*wire.CommandResponse]())
	if !errors.Is(err, dispatcherrors.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
