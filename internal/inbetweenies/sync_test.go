package inbetweenies

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/storage/memory"
	"github.com/adrianco/the-goodies/internal/types"
)

// fixedClock returns a clock stuck at the given instant.
func fixedClock(s string) func() time.Time {
	at, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return at }
}

type harness struct {
	server *Server
	srvMgr *graph.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr, err := graph.NewManager(context.Background(), memory.New(), "server", graph.RoleServer)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{server: NewServer(mgr), srvMgr: mgr}
}

type client struct {
	mgr    *graph.Manager
	engine *Engine
}

// newClient builds a replica whose transport calls the server in-process.
func (h *harness) newClient(t *testing.T, nodeID, userID string) *client {
	t.Helper()
	mgr, err := graph.NewManager(context.Background(), memory.New(), nodeID, graph.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		resp, err := h.server.HandleSync(ctx, req)
		if err != nil {
			// In-process stand-in for the HTTP client: validation errors
			// are 4xx and must not be retried.
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	})
	e := NewEngine(mgr, transport, userID)
	e.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 4)
	}
	return &client{mgr: mgr, engine: e}
}

func (c *client) sync(t *testing.T) *CycleResult {
	t.Helper()
	res, err := c.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle(%s): %v", c.mgr.NodeID(), err)
	}
	return res
}

func TestGenesisSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.newClient(t, "node-a", "alice")

	a.mgr.SetClock(fixedClock("2024-01-15T10:00:00.000Z"))
	created, err := a.mgr.CreateEntity(ctx, "e1", types.TypeRoom, "Kitchen", map[string]any{"floor": float64(1)}, "alice", "")
	if err != nil {
		t.Fatal(err)
	}

	res := a.sync(t)
	if res.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", res.Pushed)
	}
	if seq, _ := h.srvMgr.Store().LastSequence(ctx); seq != 1 {
		t.Errorf("server log at %d, want 1", seq)
	}
	srvCur, err := h.srvMgr.Store().GetCurrent(ctx, "e1")
	if err != nil || srvCur.Version != created.Version {
		t.Fatalf("server current = %v, %v", srvCur, err)
	}

	// A caught-up replica gets an empty response with the same cursor.
	res = a.sync(t)
	if res.Pushed != 0 || res.Applied != 0 || res.Sequence != 1 {
		t.Errorf("second cycle = %+v, want empty at sequence 1", res)
	}
}

func TestSimplePropagation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.newClient(t, "node-a", "alice")
	b := h.newClient(t, "node-b", "bob")

	a.mgr.SetClock(fixedClock("2024-01-15T10:00:00.000Z"))
	created, err := a.mgr.CreateEntity(ctx, "e1", types.TypeRoom, "Kitchen", map[string]any{"floor": float64(1)}, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	a.sync(t)

	res := b.sync(t)
	if res.Applied != 1 {
		t.Fatalf("B applied %d, want the one create", res.Applied)
	}
	got, err := b.mgr.Store().GetCurrent(ctx, "e1")
	if err != nil || got.Version != created.Version {
		t.Fatalf("B current = %v, %v; want A's version", got, err)
	}
	if since, _ := b.mgr.Store().GetMeta(ctx, storage.MetaSinceSequence); since != "1" {
		t.Errorf("B cursor = %q, want 1", since)
	}
}

func TestLWWDivergence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.newClient(t, "node-a", "alice")
	b := h.newClient(t, "node-b", "bob")

	a.mgr.SetClock(fixedClock("2024-01-15T10:00:00.000Z"))
	if _, err := a.mgr.CreateEntity(ctx, "e1", types.TypeRoom, "Kitchen", map[string]any{"floor": float64(1)}, "alice", ""); err != nil {
		t.Fatal(err)
	}
	a.sync(t)
	b.sync(t)

	// Divergent updates 200ms apart, inside the tiebreak window but with a
	// later wall-clock on B's side: B's write wins everywhere.
	a.mgr.SetClock(fixedClock("2024-01-15T10:05:00.500Z"))
	va, err := a.mgr.UpdateEntity(ctx, "e1", map[string]any{"floor": float64(2)}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	b.mgr.SetClock(fixedClock("2024-01-15T10:05:00.700Z"))
	vb, err := b.mgr.UpdateEntity(ctx, "e1", map[string]any{"floor": float64(3)}, "bob")
	if err != nil {
		t.Fatal(err)
	}

	a.sync(t) // pushes V_A, fast-forwards on the server
	resB := b.sync(t)

	// B's push conflicted with V_A on the server and won.
	if len(resB.Conflicts) != 1 {
		t.Fatalf("B conflicts = %+v, want one", resB.Conflicts)
	}
	c := resB.Conflicts[0]
	if c.EntityID != "e1" || c.LocalVersion != vb.Version || c.ServerVersion != va.Version {
		t.Errorf("conflict = %+v", c)
	}
	if c.Decision != "accept_remote" {
		t.Errorf("decision = %s, want accept_remote", c.Decision)
	}

	a.sync(t) // A pulls V_B and loses the same conflict locally

	for name, mgr := range map[string]*graph.Manager{"server": h.srvMgr, "A": a.mgr, "B": b.mgr} {
		cur, err := mgr.Store().GetCurrent(ctx, "e1")
		if err != nil {
			t.Fatalf("%s GetCurrent: %v", name, err)
		}
		if cur.Version != vb.Version {
			t.Errorf("%s current = %s, want V_B", name, cur.Version)
		}
		if cur.Content["floor"] != float64(3) {
			t.Errorf("%s floor = %v, want 3", name, cur.Content["floor"])
		}
		// Both sides of the conflict stay in the version history.
		if _, err := mgr.Store().GetVersion(ctx, "e1", va.Version); err != nil {
			t.Errorf("%s lost the rejected version: %v", name, err)
		}
	}

	// The server log carries both records.
	changes, err := h.srvMgr.Store().ScanChanges(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	versions := map[string]bool{}
	for _, rec := range changes {
		versions[rec.Version] = true
	}
	if !versions[va.Version] || !versions[vb.Version] {
		t.Errorf("change log missing a divergent record: %v", versions)
	}
}

func TestConvergenceOppositeOrder(t *testing.T) {
	// Same divergence as above but B syncs first. The end state must be
	// identical: resolution does not depend on arrival order.
	ctx := context.Background()
	h := newHarness(t)
	a := h.newClient(t, "node-a", "alice")
	b := h.newClient(t, "node-b", "bob")

	a.mgr.SetClock(fixedClock("2024-01-15T10:00:00.000Z"))
	if _, err := a.mgr.CreateEntity(ctx, "e1", types.TypeRoom, "Kitchen", map[string]any{"floor": float64(1)}, "alice", ""); err != nil {
		t.Fatal(err)
	}
	a.sync(t)
	b.sync(t)

	a.mgr.SetClock(fixedClock("2024-01-15T10:05:00.500Z"))
	if _, err := a.mgr.UpdateEntity(ctx, "e1", map[string]any{"floor": float64(2)}, "alice"); err != nil {
		t.Fatal(err)
	}
	b.mgr.SetClock(fixedClock("2024-01-15T10:05:00.700Z"))
	vb, err := b.mgr.UpdateEntity(ctx, "e1", map[string]any{"floor": float64(3)}, "bob")
	if err != nil {
		t.Fatal(err)
	}

	b.sync(t)
	resA := a.sync(t)
	if len(resA.Conflicts) != 1 || resA.Conflicts[0].Decision != "keep_local" {
		t.Fatalf("A's push must lose on the server: %+v", resA.Conflicts)
	}
	b.sync(t)

	for name, mgr := range map[string]*graph.Manager{"server": h.srvMgr, "A": a.mgr, "B": b.mgr} {
		cur, err := mgr.Store().GetCurrent(ctx, "e1")
		if err != nil || cur.Version != vb.Version {
			t.Errorf("%s current = %v, %v; want V_B", name, cur, err)
		}
	}
}

func TestDuplicatePushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.newClient(t, "node-a", "alice")

	a.mgr.SetClock(fixedClock("2024-01-15T10:00:00.000Z"))
	e, err := a.mgr.CreateEntity(ctx, "e1", types.TypeRoom, "Kitchen", map[string]any{}, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	a.sync(t)

	// Re-push the already-accepted record, as after a lost response.
	rec := types.ChangeFor(e, "", "node-a")
	if err := a.mgr.Store().EnqueueOutbound(ctx, rec); err != nil {
		t.Fatal(err)
	}
	res := a.sync(t)
	if res.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", res.Duplicates)
	}
	if seq, _ := h.srvMgr.Store().LastSequence(ctx); seq != 1 {
		t.Errorf("duplicate push appended to the log: seq = %d", seq)
	}
}

func TestTombstonePropagation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.newClient(t, "node-a", "alice")
	b := h.newClient(t, "node-b", "bob")

	a.mgr.SetClock(fixedClock("2024-01-15T10:00:00.000Z"))
	if _, err := a.mgr.CreateEntity(ctx, "e1", types.TypeDevice, "Old Sensor", nil, "alice", ""); err != nil {
		t.Fatal(err)
	}
	a.sync(t)
	b.sync(t)

	a.mgr.SetClock(fixedClock("2024-01-15T10:01:00.000Z"))
	if _, err := a.mgr.DeleteEntity(ctx, "e1", "alice"); err != nil {
		t.Fatal(err)
	}
	a.sync(t)
	b.sync(t)

	got, err := b.mgr.Store().GetCurrent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsTombstone() {
		t.Error("deletion did not propagate as a tombstone")
	}
	if _, ok := b.mgr.Index().Live("e1"); ok {
		t.Error("B still treats the deleted entity as live")
	}
}

func TestSinceSequenceAheadErrors(t *testing.T) {
	h := newHarness(t)
	_, err := h.server.HandleSync(context.Background(), &Request{
		ProtocolVersion: ProtocolVersion,
		NodeID:          "node-x",
		SinceSequence:   99,
	})
	if !errors.Is(err, storage.ErrSequenceAhead) {
		t.Errorf("err = %v, want ErrSequenceAhead", err)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		req  *Request
		want error
	}{
		{"wrong protocol", &Request{ProtocolVersion: "inbetweenies-v1", NodeID: "n"}, ErrProtocolMismatch},
		{"missing node", &Request{ProtocolVersion: ProtocolVersion}, ErrBadRequest},
		{"negative cursor", &Request{ProtocolVersion: ProtocolVersion, NodeID: "n", SinceSequence: -1}, ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.server.HandleSync(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	over := &Request{ProtocolVersion: ProtocolVersion, NodeID: "n"}
	for i := 0; i < MaxBatchRecords+1; i++ {
		over.Changes = append(over.Changes, &types.ChangeRecord{})
	}
	if err := over.Validate(); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("oversized batch err = %v", err)
	}
}

func TestResponsePagination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srvClock := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	h.srvMgr.SetClock(func() time.Time {
		srvClock = srvClock.Add(time.Second)
		return srvClock
	})
	for i := 0; i < MaxBatchRecords+50; i++ {
		id := fmt.Sprintf("e%04d", i)
		if _, err := h.srvMgr.CreateEntity(ctx, id, types.TypeNote, "Note "+id, nil, "alice", ""); err != nil {
			t.Fatal(err)
		}
	}

	b := h.newClient(t, "node-b", "bob")
	res := b.sync(t)
	if res.Applied != MaxBatchRecords+50 {
		t.Errorf("applied = %d, want all records across rounds", res.Applied)
	}
	if res.Rounds < 2 {
		t.Errorf("rounds = %d, want pagination to loop", res.Rounds)
	}
	if res.Sequence != int64(MaxBatchRecords+50) {
		t.Errorf("final cursor = %d", res.Sequence)
	}
}

func TestNoRetryOnPermanentError(t *testing.T) {
	mgr, err := graph.NewManager(context.Background(), memory.New(), "node-a", graph.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	attempts := 0
	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		attempts++
		return nil, backoff.Permanent(errors.New("bad request"))
	})
	e := NewEngine(mgr, transport, "alice")
	e.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 10)
	}

	if _, err := e.RunCycle(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want no retry on a permanent error", attempts)
	}
	if e.State() != StateFailed {
		t.Errorf("state = %s, want failed", e.State())
	}
	if e.LastError() == nil {
		t.Error("failed engine must expose its error")
	}
}

func TestRetryOnTransientError(t *testing.T) {
	mgr, err := graph.NewManager(context.Background(), memory.New(), "node-a", graph.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	attempts := 0
	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return &Response{ServerTime: time.Now(), NextSequence: req.SinceSequence}, nil
	})
	e := NewEngine(mgr, transport, "alice")
	e.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 10)
	}

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want retries until success", attempts)
	}
	if e.State() != StateIdle {
		t.Errorf("state = %s, want idle after a clean cycle", e.State())
	}
}

func TestCancelledBeforeSend(t *testing.T) {
	mgr, err := graph.NewManager(context.Background(), memory.New(), "node-a", graph.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(mgr, TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		t.Fatal("transport must not be reached after cancellation")
		return nil, nil
	}), "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
