package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adrianco/the-goodies/internal/resolver"
	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// Role selects what happens to the change stream on a write. Servers append
// to the authoritative change log; client replicas queue the change for the
// next sync cycle instead.
type Role string

// Role constants
const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// ApplyOutcome reports what ApplyRemote did with an incoming change.
type ApplyOutcome string

// Apply outcome constants
const (
	// OutcomeApplied means the version was stored and became current.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeDuplicate means the version was already present; nothing changed.
	OutcomeDuplicate ApplyOutcome = "duplicate"
	// OutcomeRejected means the version was stored for lineage but lost
	// conflict resolution and did not become current.
	OutcomeRejected ApplyOutcome = "rejected"
)

// Manager owns the write path of the knowledge graph. Every mutation goes
// through it so the store, the change stream and the in-memory index stay
// consistent. Writes to the same entity are serialized by a per-id gate;
// writes to different entities proceed concurrently.
type Manager struct {
	store  storage.Store
	index  *Index
	res    *resolver.Resolver
	nodeID string
	role   Role

	now func() time.Time

	gateMu sync.Mutex
	gates  map[string]*sync.Mutex
}

// NewManager builds a manager over the store and warms the index from it.
func NewManager(ctx context.Context, store storage.Store, nodeID string, role Role) (*Manager, error) {
	m := &Manager{
		store:  store,
		index:  NewIndex(),
		res:    resolver.New(),
		nodeID: nodeID,
		role:   role,
		now:    time.Now,
		gates:  map[string]*sync.Mutex{},
	}
	if err := m.index.Rebuild(ctx, store); err != nil {
		return nil, fmt.Errorf("rebuilding graph index: %w", err)
	}
	return m, nil
}

// Index exposes the read-side index for search, paths and similarity.
func (m *Manager) Index() *Index { return m.index }

// Store exposes the underlying store for version history reads.
func (m *Manager) Store() storage.Store { return m.store }

// NodeID returns the replica identity writes are attributed to.
func (m *Manager) NodeID() string { return m.nodeID }

// SetClock overrides the write timestamp source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetTiebreakWindow overrides the resolver's conflict tiebreak window.
// Must agree across replicas or resolution stops being symmetric.
func (m *Manager) SetTiebreakWindow(d time.Duration) {
	if d > 0 {
		m.res.Window = d
	}
}

func (m *Manager) gate(id string) *sync.Mutex {
	m.gateMu.Lock()
	defer m.gateMu.Unlock()
	g, ok := m.gates[id]
	if !ok {
		g = &sync.Mutex{}
		m.gates[id] = g
	}
	return g
}

// stamp returns the write timestamp, truncated to the millisecond so it
// matches the precision embedded in version strings.
func (m *Manager) stamp() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// CreateEntity writes the genesis version of a new entity and returns it.
func (m *Manager) CreateEntity(ctx context.Context, id string, typ types.EntityType, name string, content map[string]any, userID string, source types.SourceType) (*types.Entity, error) {
	if content == nil {
		content = map[string]any{}
	}
	now := m.stamp()
	e := &types.Entity{
		ID:             id,
		Version:        types.NewVersion(now, userID),
		Type:           typ,
		Name:           name,
		Content:        content,
		ParentVersions: []string{},
		UserID:         userID,
		SourceType:     source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	g := m.gate(e.ID)
	g.Lock()
	defer g.Unlock()

	if _, err := m.store.GetCurrent(ctx, e.ID); err == nil {
		return nil, fmt.Errorf("entity %s already exists", e.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := m.commit(ctx, e, ""); err != nil {
		return nil, err
	}
	m.index.ApplyEntity(e)
	return e, nil
}

// UpdateEntity writes a new version of an existing entity. The "name" key
// in changes renames the entity; every other key is merged into content,
// with a nil value removing the key. Returns the new version.
func (m *Manager) UpdateEntity(ctx context.Context, id string, changes map[string]any, userID string) (*types.Entity, error) {
	g := m.gate(id)
	g.Lock()
	defer g.Unlock()

	current, err := m.store.GetCurrent(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTombstone() {
		return nil, storage.ErrNotFound
	}

	name := current.Name
	content := make(map[string]any, len(current.Content)+len(changes))
	for k, v := range current.Content {
		content[k] = v
	}
	for k, v := range changes {
		if k == "name" {
			if s, ok := v.(string); ok {
				name = s
			}
			continue
		}
		if v == nil {
			delete(content, k)
			continue
		}
		content[k] = v
	}

	now := m.stamp()
	e := &types.Entity{
		ID:             id,
		Version:        types.NewVersion(now, userID),
		Type:           current.Type,
		Name:           name,
		Content:        content,
		ParentVersions: []string{current.Version},
		UserID:         userID,
		SourceType:     current.SourceType,
		CreatedAt:      current.CreatedAt,
		UpdatedAt:      now,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := m.commit(ctx, e, current.Version); err != nil {
		return nil, err
	}
	m.index.ApplyEntity(e)
	return e, nil
}

// DeleteEntity writes a tombstone version. The name is kept so history
// stays readable; content becomes null. Relationships touching the entity
// are logically removed by the index, not rewritten.
func (m *Manager) DeleteEntity(ctx context.Context, id, userID string) (*types.Entity, error) {
	g := m.gate(id)
	g.Lock()
	defer g.Unlock()

	current, err := m.store.GetCurrent(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTombstone() {
		return nil, storage.ErrNotFound
	}

	now := m.stamp()
	e := &types.Entity{
		ID:             id,
		Version:        types.NewVersion(now, userID),
		Type:           current.Type,
		Name:           current.Name,
		Content:        nil,
		ParentVersions: []string{current.Version},
		UserID:         userID,
		SourceType:     current.SourceType,
		CreatedAt:      current.CreatedAt,
		UpdatedAt:      now,
	}
	if err := m.commit(ctx, e, current.Version); err != nil {
		return nil, err
	}
	m.index.ApplyEntity(e)
	return e, nil
}

// commit stores a locally authored version atomically with its change
// stream record. Caller holds the entity's gate.
func (m *Manager) commit(ctx context.Context, e *types.Entity, priorVersion string) error {
	rec := types.ChangeFor(e, priorVersion, m.nodeID)
	return m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.PutVersion(ctx, e); err != nil {
			return err
		}
		if err := tx.SetCurrent(ctx, e.ID, e.Version); err != nil {
			return err
		}
		if m.role == RoleServer {
			_, err := tx.AppendChange(ctx, rec)
			return err
		}
		return tx.EnqueueOutbound(ctx, rec)
	})
}

// CreateRelationship stores an edge between two live entities. Relationships
// are local graph structure and do not enter the change stream.
func (m *Manager) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, ok := m.index.Live(r.FromEntityID); !ok {
		return fmt.Errorf("relationship source %s: %w", r.FromEntityID, storage.ErrNotFound)
	}
	if _, ok := m.index.Live(r.ToEntityID); !ok {
		return fmt.Errorf("relationship target %s: %w", r.ToEntityID, storage.ErrNotFound)
	}
	now := m.stamp()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := m.store.PutRelationship(ctx, r); err != nil {
		return err
	}
	m.index.ApplyRelationship(r)
	return nil
}

// DeleteRelationship removes an edge.
func (m *Manager) DeleteRelationship(ctx context.Context, id string) error {
	if err := m.store.DeleteRelationship(ctx, id); err != nil {
		return err
	}
	m.index.RemoveRelationship(id)
	return nil
}

// ApplyResult reports what ApplyRemote did with an incoming change.
type ApplyResult struct {
	Outcome ApplyOutcome
	// Decision is set only when the conflict resolver was consulted, i.e.
	// the incoming version's parent chain did not contain the local current.
	Decision resolver.Decision
	// ConflictWith is the version that was current when the resolver ran.
	ConflictWith string
	// CurrentVersion is the version current after the apply.
	CurrentVersion string
}

// ApplyRemote applies one incoming change record from another replica.
//
// A record whose parent_versions contain the local current (or for which no
// current exists) fast-forwards without consulting the resolver. Anything
// else is a true divergence and the resolver decides.
//
// The incoming version is always stored (unless already present), keeping
// the full lineage on every replica; only the resolution winner becomes
// current. On a server, non-duplicate records are appended to the change
// log win or lose, so downstream replicas replay both sides and converge.
func (m *Manager) ApplyRemote(ctx context.Context, rec *types.ChangeRecord) (ApplyResult, error) {
	if err := rec.Validate(); err != nil {
		return ApplyResult{}, err
	}
	incoming := rec.Entity()

	g := m.gate(incoming.ID)
	g.Lock()
	defer g.Unlock()

	res := ApplyResult{Outcome: OutcomeApplied, CurrentVersion: incoming.Version}
	err := m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.GetVersion(ctx, incoming.ID, incoming.Version); err == nil {
			res.Outcome = OutcomeDuplicate
			if cur, err := tx.GetCurrent(ctx, incoming.ID); err == nil {
				res.CurrentVersion = cur.Version
			}
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if err := tx.PutVersion(ctx, incoming); err != nil {
			return err
		}

		current, err := tx.GetCurrent(ctx, incoming.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			res.Outcome = OutcomeApplied
		case err != nil:
			return err
		case containsVersion(incoming.ParentVersions, current.Version):
			// Fast-forward: the incoming version descends from current.
			res.Outcome = OutcomeApplied
		default:
			res.Decision = m.res.Resolve(current, incoming)
			res.ConflictWith = current.Version
			if res.Decision == resolver.DecisionAcceptRemote {
				res.Outcome = OutcomeApplied
			} else {
				res.Outcome = OutcomeRejected
				res.CurrentVersion = current.Version
			}
		}

		if res.Outcome == OutcomeApplied {
			if err := tx.SetCurrent(ctx, incoming.ID, incoming.Version); err != nil {
				return err
			}
		}
		if m.role == RoleServer {
			if _, err := tx.AppendChange(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if res.Outcome == OutcomeApplied {
		m.index.ApplyEntity(incoming)
	}
	return res, nil
}

func containsVersion(versions []string, v string) bool {
	for _, p := range versions {
		if p == v {
			return true
		}
	}
	return false
}

// Statistics aggregates index counts with the change-log high-water mark.
func (m *Manager) Statistics(ctx context.Context) (*types.Statistics, error) {
	stats := m.index.Statistics()
	seq, err := m.store.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	stats.LastSequence = seq
	return stats, nil
}
