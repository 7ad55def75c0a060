package memory

import (
	"context"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// Verify memTx implements storage.Transaction at compile time
var _ storage.Transaction = (*memTx)(nil)

// memTx applies operations directly to the store, which holds its write
// lock for the whole transaction. Rollback restores a snapshot taken at
// transaction start.
type memTx struct {
	s *Store
}

// RunInTransaction executes fn atomically. The store's write lock is held
// for the duration, giving the same single-writer serializable semantics as
// the SQLite backend. On error or panic the pre-transaction snapshot is
// restored.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	committed := false
	defer func() {
		if !committed {
			s.restoreLocked(snap)
		}
	}()

	if err := fn(&memTx{s: s}); err != nil {
		return err
	}
	committed = true
	return nil
}

type snapshot struct {
	entities    map[string]map[string]*types.Entity
	currents    map[string]string
	rels        map[string]*types.Relationship
	changes     []*types.ChangeRecord
	queue       []*storage.QueuedChange
	nextQueueID int64
	meta        map[string]string
}

// snapshotLocked copies the store's maps. Values are immutable, so a
// shallow copy of each container is enough.
func (s *Store) snapshotLocked() snapshot {
	snap := snapshot{
		entities:    make(map[string]map[string]*types.Entity, len(s.entities)),
		currents:    make(map[string]string, len(s.currents)),
		rels:        make(map[string]*types.Relationship, len(s.rels)),
		changes:     append([]*types.ChangeRecord(nil), s.changes...),
		queue:       append([]*storage.QueuedChange(nil), s.queue...),
		nextQueueID: s.nextQueueID,
		meta:        make(map[string]string, len(s.meta)),
	}
	for id, byVersion := range s.entities {
		inner := make(map[string]*types.Entity, len(byVersion))
		for v, e := range byVersion {
			inner[v] = e
		}
		snap.entities[id] = inner
	}
	for k, v := range s.currents {
		snap.currents[k] = v
	}
	for k, v := range s.rels {
		snap.rels[k] = v
	}
	for k, v := range s.meta {
		snap.meta[k] = v
	}
	return snap
}

func (s *Store) restoreLocked(snap snapshot) {
	s.entities = snap.entities
	s.currents = snap.currents
	s.rels = snap.rels
	s.changes = snap.changes
	s.queue = snap.queue
	s.nextQueueID = snap.nextQueueID
	s.meta = snap.meta
}

func (t *memTx) PutVersion(ctx context.Context, e *types.Entity) error {
	return t.s.putVersionLocked(e)
}

func (t *memTx) GetVersion(ctx context.Context, id, version string) (*types.Entity, error) {
	e, ok := t.s.entities[id][version]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (t *memTx) GetCurrent(ctx context.Context, id string) (*types.Entity, error) {
	return t.s.getCurrentLocked(id)
}

func (t *memTx) SetCurrent(ctx context.Context, id, version string) error {
	return t.s.setCurrentLocked(id, version)
}

func (t *memTx) PutRelationship(ctx context.Context, r *types.Relationship) error {
	return t.s.putRelationshipLocked(r)
}

func (t *memTx) DeleteRelationship(ctx context.Context, id string) error {
	return t.s.deleteRelationshipLocked(id)
}

func (t *memTx) AppendChange(ctx context.Context, rec *types.ChangeRecord) (int64, error) {
	return t.s.appendChangeLocked(rec), nil
}

func (t *memTx) EnqueueOutbound(ctx context.Context, rec *types.ChangeRecord) error {
	t.s.enqueueOutboundLocked(rec)
	return nil
}

func (t *memTx) SetMeta(ctx context.Context, key, value string) error {
	t.s.meta[key] = value
	return nil
}
