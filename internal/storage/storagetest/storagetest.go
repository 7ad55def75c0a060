// Package storagetest holds the conformance suite both storage backends
// must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// Factory builds a fresh empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract against the given backend.
func Run(t *testing.T, factory Factory) {
	t.Run("EntityVersions", func(t *testing.T) { testEntityVersions(t, factory(t)) })
	t.Run("DuplicateVersion", func(t *testing.T) { testDuplicateVersion(t, factory(t)) })
	t.Run("Tombstones", func(t *testing.T) { testTombstones(t, factory(t)) })
	t.Run("CurrentQueries", func(t *testing.T) { testCurrentQueries(t, factory(t)) })
	t.Run("Relationships", func(t *testing.T) { testRelationships(t, factory(t)) })
	t.Run("ChangeLog", func(t *testing.T) { testChangeLog(t, factory(t)) })
	t.Run("OutboundQueue", func(t *testing.T) { testOutboundQueue(t, factory(t)) })
	t.Run("Meta", func(t *testing.T) { testMeta(t, factory(t)) })
	t.Run("TransactionAtomicity", func(t *testing.T) { testTransactionAtomicity(t, factory(t)) })
}

func entity(id, user string, at time.Time, content map[string]any) *types.Entity {
	return &types.Entity{
		ID:             id,
		Version:        types.NewVersion(at, user),
		Type:           types.TypeRoom,
		Name:           "Room " + id,
		Content:        content,
		ParentVersions: []string{},
		UserID:         user,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func put(t *testing.T, s storage.Store, e *types.Entity, makeCurrent bool) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutVersion(ctx, e); err != nil {
		t.Fatalf("PutVersion(%s@%s): %v", e.ID, e.Version, err)
	}
	if makeCurrent {
		if err := s.SetCurrent(ctx, e.ID, e.Version); err != nil {
			t.Fatalf("SetCurrent: %v", err)
		}
	}
}

func testEntityVersions(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	v1 := entity("e1", "alice", base, map[string]any{"floor": float64(1)})
	put(t, s, v1, true)
	v2 := entity("e1", "alice", base.Add(time.Minute), map[string]any{"floor": float64(2)})
	v2.ParentVersions = []string{v1.Version}
	put(t, s, v2, true)

	got, err := s.GetCurrent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != v2.Version || got.Content["floor"] != float64(2) {
		t.Errorf("current = %+v", got)
	}
	if len(got.ParentVersions) != 1 || got.ParentVersions[0] != v1.Version {
		t.Errorf("parents = %v", got.ParentVersions)
	}

	// Old versions stay immutable and readable.
	old, err := s.GetVersion(ctx, "e1", v1.Version)
	if err != nil || old.Content["floor"] != float64(1) {
		t.Fatalf("GetVersion old = %v, %v", old, err)
	}

	versions, err := s.ListVersions(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0] != v1.Version || versions[1] != v2.Version {
		t.Errorf("versions = %v, want oldest first", versions)
	}

	if _, err := s.GetCurrent(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing entity err = %v", err)
	}
	if _, err := s.GetVersion(ctx, "e1", "no-such-version"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing version err = %v", err)
	}
}

func testDuplicateVersion(t *testing.T, s storage.Store) {
	defer s.Close()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	e := entity("e1", "alice", base, map[string]any{})
	put(t, s, e, true)

	again := entity("e1", "alice", base, map[string]any{"sneaky": true})
	if err := s.PutVersion(context.Background(), again); !errors.Is(err, storage.ErrDuplicateVersion) {
		t.Errorf("rewrite err = %v, want ErrDuplicateVersion", err)
	}
}

func testTombstones(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	live := entity("e1", "alice", base, map[string]any{})
	put(t, s, live, true)
	tomb := entity("e1", "alice", base.Add(time.Minute), nil)
	tomb.ParentVersions = []string{live.Version}
	put(t, s, tomb, true)

	got, err := s.GetCurrent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsTombstone() {
		t.Error("tombstone content did not survive storage as nil")
	}

	// The live version's empty content must come back non-nil: {} and
	// null are different values.
	gotLive, err := s.GetVersion(ctx, "e1", live.Version)
	if err != nil {
		t.Fatal(err)
	}
	if gotLive.Content == nil {
		t.Error("empty content came back nil")
	}
}

func testCurrentQueries(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	kitchen := entity("room-1", "alice", base, map[string]any{})
	kitchen.Name = "Küche"
	put(t, s, kitchen, true)

	lamp := entity("dev-1", "alice", base, map[string]any{})
	lamp.Type = types.TypeDevice
	lamp.Name = "Ceiling Lamp"
	put(t, s, lamp, true)

	all, err := s.ListCurrent(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListCurrent = %d entities, %v", len(all), err)
	}

	rooms, err := s.FindByType(ctx, types.TypeRoom)
	if err != nil || len(rooms) != 1 || rooms[0].ID != "room-1" {
		t.Errorf("FindByType = %v, %v", rooms, err)
	}

	// Substring match is case-insensitive and unicode-clean.
	hits, err := s.FindByNameSubstring(ctx, "küche")
	if err != nil || len(hits) != 1 {
		t.Errorf("FindByNameSubstring(küche) = %v, %v", hits, err)
	}
	hits, err = s.FindByNameSubstring(ctx, "LAMP")
	if err != nil || len(hits) != 1 || hits[0].ID != "dev-1" {
		t.Errorf("FindByNameSubstring(LAMP) = %v, %v", hits, err)
	}
}

func testRelationships(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	put(t, s, entity("a", "alice", base, map[string]any{}), true)
	put(t, s, entity("b", "alice", base, map[string]any{}), true)

	rel := &types.Relationship{
		ID:           "r1",
		FromEntityID: "a",
		ToEntityID:   "b",
		Type:         types.RelConnectsTo,
		Properties:   map[string]any{"through": "door"},
		UserID:       "alice",
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	if err := s.PutRelationship(ctx, rel); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRelationship(ctx, "r1")
	if err != nil || got.Properties["through"] != "door" {
		t.Fatalf("GetRelationship = %+v, %v", got, err)
	}
	from, err := s.RelationshipsFrom(ctx, "a")
	if err != nil || len(from) != 1 {
		t.Errorf("RelationshipsFrom = %v, %v", from, err)
	}
	to, err := s.RelationshipsTo(ctx, "b")
	if err != nil || len(to) != 1 {
		t.Errorf("RelationshipsTo = %v, %v", to, err)
	}

	if err := s.DeleteRelationship(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRelationship(ctx, "r1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("deleted rel err = %v", err)
	}
	if err := s.DeleteRelationship(ctx, "r1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("double delete err = %v", err)
	}
}

func testChangeLog(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := entity("e1", "alice", base.Add(time.Duration(i)*time.Minute), map[string]any{})
		seq, err := s.AppendChange(ctx, types.ChangeFor(e, "", "node-a"))
		if err != nil {
			t.Fatal(err)
		}
		if seq != int64(i+1) {
			t.Fatalf("append %d assigned sequence %d, want contiguous", i, seq)
		}
	}

	last, err := s.LastSequence(ctx)
	if err != nil || last != 5 {
		t.Fatalf("LastSequence = %d, %v", last, err)
	}

	recs, err := s.ScanChanges(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Sequence != 3 || recs[1].Sequence != 4 {
		t.Errorf("scan from 2 limit 2 = %v", recs)
	}

	all, err := s.ScanChanges(ctx, 0, 0)
	if err != nil || len(all) != 5 {
		t.Errorf("full scan = %d records, %v", len(all), err)
	}

	if _, err := s.ScanChanges(ctx, 6, 10); !errors.Is(err, storage.ErrSequenceAhead) {
		t.Errorf("cursor ahead err = %v, want ErrSequenceAhead", err)
	}
	// Scanning exactly at the high-water mark is an empty result, not an
	// error.
	empty, err := s.ScanChanges(ctx, 5, 10)
	if err != nil || len(empty) != 0 {
		t.Errorf("scan at head = %v, %v", empty, err)
	}
}

func testOutboundQueue(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := entity("e1", "alice", base.Add(time.Duration(i)*time.Minute), map[string]any{})
		if err := s.EnqueueOutbound(ctx, types.ChangeFor(e, "", "node-a")); err != nil {
			t.Fatal(err)
		}
	}
	depth, err := s.OutboundDepth(ctx)
	if err != nil || depth != 3 {
		t.Fatalf("depth = %d, %v", depth, err)
	}

	// Dequeue does not remove; only Ack does.
	queued, err := s.DequeueOutbound(ctx, 2)
	if err != nil || len(queued) != 2 {
		t.Fatalf("dequeue = %d, %v", len(queued), err)
	}
	if depth, _ = s.OutboundDepth(ctx); depth != 3 {
		t.Errorf("dequeue consumed the queue: depth = %d", depth)
	}

	if err := s.AckOutbound(ctx, []int64{queued[0].QueueID, queued[1].QueueID}); err != nil {
		t.Fatal(err)
	}
	if depth, _ = s.OutboundDepth(ctx); depth != 1 {
		t.Errorf("depth after ack = %d, want 1", depth)
	}

	rest, err := s.DequeueOutbound(ctx, 10)
	if err != nil || len(rest) != 1 {
		t.Fatalf("remaining = %v, %v", rest, err)
	}
	if rest[0].Record.Version == queued[0].Record.Version {
		t.Error("acked record came back")
	}
}

func testMeta(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	if v, err := s.GetMeta(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("GetMeta(missing) = %q, %v", v, err)
	}
	if err := s.SetMeta(ctx, storage.MetaSinceSequence, "42"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetMeta(ctx, storage.MetaSinceSequence); v != "42" {
		t.Errorf("cursor = %q", v)
	}
	// Overwrite.
	if err := s.SetMeta(ctx, storage.MetaSinceSequence, "43"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetMeta(ctx, storage.MetaSinceSequence); v != "43" {
		t.Errorf("cursor after overwrite = %q", v)
	}
}

func testTransactionAtomicity(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	e := entity("e1", "alice", base, map[string]any{})
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.PutVersion(ctx, e); err != nil {
			return err
		}
		if err := tx.SetCurrent(ctx, e.ID, e.Version); err != nil {
			return err
		}
		if _, err := tx.AppendChange(ctx, types.ChangeFor(e, "", "node-a")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transaction err = %v", err)
	}

	// Everything rolled back.
	if _, err := s.GetCurrent(ctx, "e1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("entity survived rollback: %v", err)
	}
	if last, _ := s.LastSequence(ctx); last != 0 {
		t.Errorf("change survived rollback: sequence %d", last)
	}

	// The same work commits when fn succeeds.
	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.PutVersion(ctx, e); err != nil {
			return err
		}
		if err := tx.SetCurrent(ctx, e.ID, e.Version); err != nil {
			return err
		}
		_, err := tx.AppendChange(ctx, types.ChangeFor(e, "", "node-a"))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetCurrent(ctx, "e1"); err != nil || got.Version != e.Version {
		t.Errorf("committed entity = %v, %v", got, err)
	}
	if last, _ := s.LastSequence(ctx); last != 1 {
		t.Errorf("committed sequence = %d", last)
	}
}
