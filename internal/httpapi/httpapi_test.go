package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/strandproxy/strand/internal/eventbus/memory"
	"github.com/strandproxy/strand/internal/logging"
	"github.com/strandproxy/strand/internal/routing"
	"github.com/strandproxy/strand/internal/store/sqlite"
	"github.com/strandproxy/strand/internal/topology"
)

func testParams() routing.ConnParams {
	return routing.ConnParams{
		MaxTextMessageSize:   32768,
		MaxBinaryMessageSize: 32768,
		InputBufferSize:      4096,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          time.Minute,
	}
}

type apiHarness struct {
	srv   *httptest.Server
	table *routing.Table
	bus   *memory.Bus
	ch    chan any
}

func newHarness(t *testing.T, apiKey string) *apiHarness {
	t.Helper()

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "topologies.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	bus := memory.New(nil)
	ch := make(chan any, 16)
	cancel, err := bus.Subscribe(topology.TopicChanges, ch)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(cancel)

	table := routing.NewTable()
	srv := httptest.NewServer(New(Options{
		Logger:  logging.New("test"),
		Store:   store,
		Table:   table,
		Builder: routing.NewBuilder(testParams()),
		Bus:     bus,
		APIKey:  apiKey,
	}))
	t.Cleanup(srv.Close)

	return &apiHarness{srv: srv, table: table, bus: bus, ch: ch}
}

func (h *apiHarness) postTopology(t *testing.T, doc topology.Topology) *http.Response {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("encode topology: %v", err)
	}
	resp, err := http.Post(h.srv.URL+"/api/v1/topologies", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post topology: %v", err)
	}
	return resp
}

func (h *apiHarness) waitEvent(t *testing.T) topology.ChangeEvent {
	t.Helper()
	select {
	case payload := <-h.ch:
		ev, ok := payload.(topology.ChangeEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", payload)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no change event published")
	}
	return topology.ChangeEvent{}
}

func demoTopology() topology.Topology {
	return topology.Topology{
		Name: "demo",
		Services: []topology.Service{
			{Role: "ws", Address: "ws://backend:9000"},
		},
	}
}

func TestApplyTopologyCreatesAndPublishes(t *testing.T) {
	h := newHarness(t, "")

	resp := h.postTopology(t, demoTopology())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	ev := h.waitEvent(t)
	if ev.Type != topology.EventAdded || ev.Topology.Name != "demo" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	again := h.postTopology(t, demoTopology())
	defer again.Body.Close()
	if again.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", again.StatusCode)
	}
	if ev := h.waitEvent(t); ev.Type != topology.EventUpdated {
		t.Fatalf("expected UPDATED, got %+v", ev)
	}
}

func TestApplyTopologyRejectsMalformedDeclaration(t *testing.T) {
	h := newHarness(t, "")

	bad := topology.Topology{
		Name: "demo",
		Services: []topology.Service{
			{Role: "ws", Address: "ftp://backend:21"},
		},
	}
	resp := h.postTopology(t, bad)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	select {
	case payload := <-h.ch:
		t.Fatalf("rejected topology still published: %+v", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGetAndListTopologies(t *testing.T) {
	h := newHarness(t, "")
	h.postTopology(t, demoTopology()).Body.Close()

	resp, err := http.Get(h.srv.URL + "/api/v1/topologies/demo")
	if err != nil {
		t.Fatalf("get topology: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var fetched topology.Topology
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode topology: %v", err)
	}
	if fetched.Name != "demo" || len(fetched.Services) != 1 {
		t.Fatalf("unexpected topology: %+v", fetched)
	}

	listResp, err := http.Get(h.srv.URL + "/api/v1/topologies")
	if err != nil {
		t.Fatalf("list topologies: %v", err)
	}
	defer listResp.Body.Close()
	var all []topology.Topology
	if err := json.NewDecoder(listResp.Body).Decode(&all); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(all) != 1 || all[0].Name != "demo" {
		t.Fatalf("unexpected list: %+v", all)
	}

	missing, err := http.Get(h.srv.URL + "/api/v1/topologies/nowhere")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing topology, got %d", missing.StatusCode)
	}
}

func TestDeleteTopologyPublishesDeleted(t *testing.T) {
	h := newHarness(t, "")
	h.postTopology(t, demoTopology()).Body.Close()
	h.waitEvent(t)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/v1/topologies/demo", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete topology: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	ev := h.waitEvent(t)
	if ev.Type != topology.EventDeleted || ev.Topology.Name != "demo" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	again, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", again.StatusCode)
	}
}

func TestListRoutesReflectsTable(t *testing.T) {
	h := newHarness(t, "")

	entry, err := routing.NewBuilder(testParams()).Build(demoTopology())
	if err != nil {
		t.Fatalf("build entry: %v", err)
	}
	h.table.Publish(entry)

	resp, err := http.Get(h.srv.URL + "/api/v1/routes")
	if err != nil {
		t.Fatalf("list routes: %v", err)
	}
	defer resp.Body.Close()

	var routes []routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		t.Fatalf("decode routes: %v", err)
	}
	if len(routes) != 1 || routes[0].Topology != "demo" || routes[0].Rules != 1 {
		t.Fatalf("unexpected routes: %+v", routes)
	}
	if routes[0].Version == 0 {
		t.Fatalf("version not stamped: %+v", routes[0])
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	h := newHarness(t, "secret")

	resp, err := http.Get(h.srv.URL + "/api/v1/topologies")
	if err != nil {
		t.Fatalf("unauthenticated request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/topologies", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Strand-API-Key", "secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated request: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", authed.StatusCode)
	}
}
