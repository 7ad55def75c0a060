package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/inbetweenies"
	"github.com/adrianco/the-goodies/internal/storage/memory"
	"github.com/adrianco/the-goodies/internal/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *graph.Manager) {
	t.Helper()
	mgr, err := graph.NewManager(context.Background(), memory.New(), "server", graph.RoleServer)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(mgr, "127.0.0.1:0", "admin")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, mgr
}

func TestToolRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	client := NewClient(ts.URL)
	ctx := context.Background()

	res, err := client.CallTool(ctx, "create_entity",
		json.RawMessage(`{"type":"room","name":"Kitchen","content":{"floor":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("create_entity failed: %+v", res.Error)
	}
	entity := res.Result.(map[string]any)["entity"].(map[string]any)
	id := entity["id"].(string)

	got, err := client.GetEntity(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Kitchen" || got.Type != types.TypeRoom {
		t.Errorf("entity = %+v", got)
	}
	if got.Content["floor"] != float64(1) {
		t.Errorf("content survived the wire as %v", got.Content)
	}

	versions, err := client.ListVersions(ctx, id)
	if err != nil || len(versions) != 1 {
		t.Fatalf("versions = %v, %v", versions, err)
	}
	byVersion, err := client.GetVersion(ctx, id, versions[0])
	if err != nil || byVersion.Version != got.Version {
		t.Fatalf("by version = %v, %v", byVersion, err)
	}
}

func TestToolFailureKeepsEnvelope(t *testing.T) {
	ts, _ := newTestServer(t)
	client := NewClient(ts.URL)

	res, err := client.CallTool(context.Background(), "get_devices_in_room",
		json.RawMessage(`{"room_id":"missing"}`))
	if err != nil {
		t.Fatalf("tool errors travel in the envelope, not as HTTP errors: %v", err)
	}
	if res.Success || res.Error == nil || res.Error.Kind != "not_found" {
		t.Errorf("result = %+v", res)
	}
}

func TestEntityNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	client := NewClient(ts.URL)

	_, err := client.GetEntity(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected 404")
	}
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("404 must be permanent, got %v", err)
	}
}

func TestSyncOverHTTP(t *testing.T) {
	ts, srvMgr := newTestServer(t)
	ctx := context.Background()

	replica, err := graph.NewManager(ctx, memory.New(), "node-a", graph.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := replica.CreateEntity(ctx, "e1", types.TypeRoom, "Kitchen", map[string]any{"floor": float64(1)}, "alice", ""); err != nil {
		t.Fatal(err)
	}

	engine := inbetweenies.NewEngine(replica, NewClient(ts.URL), "alice")
	res, err := engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle over HTTP: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("pushed = %d", res.Pushed)
	}

	got, err := srvMgr.Store().GetCurrent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Kitchen" || got.Content["floor"] != float64(1) {
		t.Errorf("server entity = %+v", got)
	}
}

func TestSyncRejectsWrongProtocol(t *testing.T) {
	ts, _ := newTestServer(t)
	client := NewClient(ts.URL)

	_, err := client.Send(context.Background(), &inbetweenies.Request{
		ProtocolVersion: "inbetweenies-v1",
		NodeID:          "node-x",
	})
	if err == nil {
		t.Fatal("expected 400")
	}
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("protocol mismatch must not be retried: %v", err)
	}
}

func TestHealthAndStatistics(t *testing.T) {
	ts, mgr := newTestServer(t)
	client := NewClient(ts.URL)
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	if _, err := mgr.CreateEntity(ctx, "r1", types.TypeRoom, "Kitchen", nil, "alice", ""); err != nil {
		t.Fatal(err)
	}
	stats, err := client.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntities != 1 || stats.EntitiesByType[types.TypeRoom] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastSequence != 1 {
		t.Errorf("last sequence = %d", stats.LastSequence)
	}
}

func TestMethodDiscipline(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/sync")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /sync = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/sync", "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body = %d", resp.StatusCode)
	}
}
