package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strandproxy/strand/internal/logging"
	"github.com/strandproxy/strand/internal/relay"
	"github.com/strandproxy/strand/internal/routing"
	"github.com/strandproxy/strand/internal/topology"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func testParams() routing.ConnParams {
	return routing.ConnParams{
		MaxTextMessageSize:   32768,
		MaxBinaryMessageSize: 32768,
		InputBufferSize:      4096,
		WriteTimeout:         5 * time.Second,
		IdleTimeout:          30 * time.Second,
	}
}

// echoTarget records the request target of every accepted connection and
// echoes frames back.
type echoTarget struct {
	mu      sync.Mutex
	targets []string
}

func (e *echoTarget) handler(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	e.mu.Lock()
	e.targets = append(e.targets, target)
	e.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func (e *echoTarget) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.targets...)
}

func wsURL(httpURL, path string) string {
	return "ws://" + strings.TrimPrefix(httpURL, "http://") + path
}

// startGateway publishes the topology and serves the gateway handler.
func startGateway(t *testing.T, table *routing.Table, enabled bool) *httptest.Server {
	t.Helper()
	engine := relay.NewEngine(table, nil, logging.New("test"))
	srv := httptest.NewServer(New(Options{
		Enabled: enabled,
		Engine:  engine,
		Logger:  logging.New("test"),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func publishDemo(t *testing.T, table *routing.Table, services ...topology.Service) {
	t.Helper()
	entry, err := routing.NewBuilder(testParams()).Build(topology.Topology{
		Name:     "demo",
		Services: services,
	})
	if err != nil {
		t.Fatalf("build topology: %v", err)
	}
	table.Publish(entry)
}

func TestGateway_EchoThroughVirtualPath(t *testing.T) {
	backend := &echoTarget{}
	backendSrv := httptest.NewServer(http.HandlerFunc(backend.handler))
	t.Cleanup(backendSrv.Close)

	table := routing.NewTable()
	publishDemo(t, table, topology.Service{Role: "ws", Address: wsURL(backendSrv.URL, "/ws")})
	gw := startGateway(t, table, true)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(gw.URL, "/demo/ws"), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	resp.Body.Close()
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("Echo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "Echo" {
		t.Fatalf("unexpected payload: %q", data)
	}

	targets := backend.seen()
	if len(targets) != 1 || targets[0] != "/ws" {
		t.Fatalf("backend saw unexpected targets: %v", targets)
	}
}

func TestGateway_RewriteWithCapture(t *testing.T) {
	backend := &echoTarget{}
	backendSrv := httptest.NewServer(http.HandlerFunc(backend.handler))
	t.Cleanup(backendSrv.Close)

	table := routing.NewTable()
	publishDemo(t, table, topology.Service{
		Role:    "ws",
		Address: wsURL(backendSrv.URL, ""),
		Rules: []topology.Rule{
			{Pattern: "/ws/{id}/channels", Target: "/channels?id={id}"},
		},
	})
	gw := startGateway(t, table, true)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(gw.URL, "/demo/ws/123foo456bar/channels"), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	resp.Body.Close()
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("Echo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	targets := backend.seen()
	if len(targets) != 1 || targets[0] != "/channels?id=123foo456bar" {
		t.Fatalf("backend opened at unexpected target: %v", targets)
	}
}

func TestGateway_UnknownTopologyRejectedNotFound(t *testing.T) {
	gw := startGateway(t, routing.NewTable(), true)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(gw.URL, "/nowhere/ws"), nil)
	if err == nil {
		t.Fatalf("dial unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake rejection, got %+v", resp)
	}
}

func TestGateway_DeletedTopologyKeepsInflightSessions(t *testing.T) {
	backend := &echoTarget{}
	backendSrv := httptest.NewServer(http.HandlerFunc(backend.handler))
	t.Cleanup(backendSrv.Close)

	table := routing.NewTable()
	publishDemo(t, table, topology.Service{Role: "ws", Address: wsURL(backendSrv.URL, "/ws")})
	gw := startGateway(t, table, true)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(gw.URL, "/demo/ws"), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	resp.Body.Close()
	defer client.Close()

	table.Remove("demo")

	// The in-flight session relays against its captured snapshot.
	if err := client.WriteMessage(websocket.TextMessage, []byte("still here")); err != nil {
		t.Fatalf("write after delete: %v", err)
	}
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read after delete: %v", err)
	}
	if string(data) != "still here" {
		t.Fatalf("unexpected payload: %q", data)
	}

	// New attempts are rejected not-found.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(gw.URL, "/demo/ws"), nil)
	if err == nil {
		t.Fatalf("dial after delete unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %+v", resp)
	}
}

func TestGateway_BackendDownRejectedBadGateway(t *testing.T) {
	table := routing.NewTable()
	publishDemo(t, table, topology.Service{Role: "ws", Address: "ws://127.0.0.1:1"})
	gw := startGateway(t, table, true)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(gw.URL, "/demo/ws"), nil)
	if err == nil {
		t.Fatalf("dial unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 handshake rejection, got %+v", resp)
	}
}

func TestGateway_DisabledRejectsWithoutResolution(t *testing.T) {
	table := routing.NewTable()
	publishDemo(t, table, topology.Service{Role: "ws", Address: "ws://127.0.0.1:1"})
	gw := startGateway(t, table, false)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(gw.URL, "/demo/ws"), nil)
	if err == nil {
		t.Fatalf("dial unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 when disabled, got %+v", resp)
	}
}

func TestGateway_PlainRequestRejected(t *testing.T) {
	table := routing.NewTable()
	publishDemo(t, table, topology.Service{Role: "ws", Address: "ws://127.0.0.1:1"})
	gw := startGateway(t, table, true)

	resp, err := http.Get(gw.URL + "/demo/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for plain request, got %d", resp.StatusCode)
	}
}

func TestGateway_SubprotocolForwardedToBackend(t *testing.T) {
	protoCh := make(chan string, 1)
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protoCh <- r.Header.Get("Sec-Websocket-Protocol")
		up := websocket.Upgrader{
			CheckOrigin:  func(*http.Request) bool { return true },
			Subprotocols: []string{"chat.v2"},
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(backendSrv.Close)

	table := routing.NewTable()
	publishDemo(t, table, topology.Service{Role: "ws", Address: wsURL(backendSrv.URL, "/ws")})
	gw := startGateway(t, table, true)

	dialer := websocket.Dialer{Subprotocols: []string{"chat.v1", "chat.v2"}}
	client, resp, err := dialer.Dial(wsURL(gw.URL, "/demo/ws"), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	resp.Body.Close()
	defer client.Close()

	select {
	case offered := <-protoCh:
		if !strings.Contains(offered, "chat.v2") {
			t.Fatalf("backend not offered client subprotocols: %q", offered)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backend never dialed")
	}
	if client.Subprotocol() != "chat.v2" {
		t.Fatalf("negotiated subprotocol not echoed to client: %q", client.Subprotocol())
	}
}

func TestGateway_ShutdownContextClosesSessions(t *testing.T) {
	backend := &echoTarget{}
	backendSrv := httptest.NewServer(http.HandlerFunc(backend.handler))
	t.Cleanup(backendSrv.Close)

	table := routing.NewTable()
	publishDemo(t, table, topology.Service{Role: "ws", Address: wsURL(backendSrv.URL, "/ws")})

	ctx, cancel := context.WithCancel(context.Background())
	engine := relay.NewEngine(table, nil, logging.New("test"))
	srv := httptest.NewServer(New(Options{
		Enabled:     true,
		Engine:      engine,
		Logger:      logging.New("test"),
		BaseContext: ctx,
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/demo/ws"), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	resp.Body.Close()
	defer client.Close()

	cancel()

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("session stayed open after shutdown")
	}
}
