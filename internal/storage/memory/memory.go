// Package memory implements the storage interface with in-process maps.
//
// Used for tests and ephemeral client replicas. Entities and change records
// are treated as immutable once handed to the store; callers must not
// mutate values they pass in or read back.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// Verify Store implements storage.Store at compile time
var _ storage.Store = (*Store)(nil)

// Store is an in-memory storage backend.
type Store struct {
	mu          sync.RWMutex
	entities    map[string]map[string]*types.Entity // id -> version -> entity
	currents    map[string]string                   // id -> current version
	rels        map[string]*types.Relationship
	changes     []*types.ChangeRecord
	queue       []*storage.QueuedChange
	nextQueueID int64
	meta        map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entities:    map[string]map[string]*types.Entity{},
		currents:    map[string]string{},
		rels:        map[string]*types.Relationship{},
		meta:        map[string]string{},
		nextQueueID: 1,
	}
}

func (s *Store) putVersionLocked(e *types.Entity) error {
	byVersion := s.entities[e.ID]
	if byVersion == nil {
		byVersion = map[string]*types.Entity{}
		s.entities[e.ID] = byVersion
	}
	if _, exists := byVersion[e.Version]; exists {
		return fmt.Errorf("put version %s@%s: %w", e.ID, e.Version, storage.ErrDuplicateVersion)
	}
	byVersion[e.Version] = e
	return nil
}

func (s *Store) setCurrentLocked(id, version string) error {
	if _, ok := s.entities[id][version]; !ok {
		return fmt.Errorf("set current %s@%s: %w", id, version, storage.ErrNotFound)
	}
	s.currents[id] = version
	return nil
}

func (s *Store) getCurrentLocked(id string) (*types.Entity, error) {
	version, ok := s.currents[id]
	if !ok {
		return nil, fmt.Errorf("get current %s: %w", id, storage.ErrNotFound)
	}
	return s.entities[id][version], nil
}

// PutVersion appends a new immutable entity version.
func (s *Store) PutVersion(ctx context.Context, e *types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putVersionLocked(e)
}

// GetVersion returns one specific revision of an entity.
func (s *Store) GetVersion(ctx context.Context, id, version string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id][version]
	if !ok {
		return nil, fmt.Errorf("get version %s@%s: %w", id, version, storage.ErrNotFound)
	}
	return e, nil
}

// GetCurrent returns the current version of an entity.
func (s *Store) GetCurrent(ctx context.Context, id string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCurrentLocked(id)
}

// ListVersions returns every stored version string for id, oldest first.
func (s *Store) ListVersions(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byVersion := s.entities[id]
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("list versions %s: %w", id, storage.ErrNotFound)
	}
	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Strings(versions) // version strings sort chronologically
	return versions, nil
}

// SetCurrent repoints the current-version pointer for id.
func (s *Store) SetCurrent(ctx context.Context, id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCurrentLocked(id, version)
}

// ListCurrent returns the current version of every entity, ordered by id.
func (s *Store) ListCurrent(ctx context.Context) ([]*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Entity, 0, len(s.currents))
	for id, version := range s.currents {
		out = append(out, s.entities[id][version])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByType returns current entities of the given type, ordered by id.
func (s *Store) FindByType(ctx context.Context, t types.EntityType) ([]*types.Entity, error) {
	all, err := s.ListCurrent(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Entity
	for _, e := range all {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindByNameSubstring returns current entities whose name contains q,
// case-insensitively, ordered by id.
func (s *Store) FindByNameSubstring(ctx context.Context, q string) ([]*types.Entity, error) {
	all, err := s.ListCurrent(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(q)
	var out []*types.Entity
	for _, e := range all {
		if strings.Contains(strings.ToLower(e.Name), needle) {
			out = append(out, e)
		}
	}
	return out, nil
}

// PutRelationship stores a new relationship.
func (s *Store) PutRelationship(ctx context.Context, r *types.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putRelationshipLocked(r)
}

func (s *Store) putRelationshipLocked(r *types.Relationship) error {
	if _, exists := s.rels[r.ID]; exists {
		return fmt.Errorf("put relationship %s: %w", r.ID, storage.ErrDuplicateVersion)
	}
	s.rels[r.ID] = r
	return nil
}

// GetRelationship returns one relationship by id.
func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rels[id]
	if !ok {
		return nil, fmt.Errorf("get relationship %s: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

// DeleteRelationship removes a relationship.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRelationshipLocked(id)
}

func (s *Store) deleteRelationshipLocked(id string) error {
	if _, ok := s.rels[id]; !ok {
		return fmt.Errorf("delete relationship %s: %w", id, storage.ErrNotFound)
	}
	delete(s.rels, id)
	return nil
}

// RelationshipsFrom returns relationships whose from endpoint is entityID.
func (s *Store) RelationshipsFrom(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	return s.relationshipsWhere(func(r *types.Relationship) bool {
		return r.FromEntityID == entityID
	})
}

// RelationshipsTo returns relationships whose to endpoint is entityID.
func (s *Store) RelationshipsTo(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	return s.relationshipsWhere(func(r *types.Relationship) bool {
		return r.ToEntityID == entityID
	})
}

// ListRelationships returns every relationship, ordered by id.
func (s *Store) ListRelationships(ctx context.Context) ([]*types.Relationship, error) {
	return s.relationshipsWhere(func(*types.Relationship) bool { return true })
}

func (s *Store) relationshipsWhere(match func(*types.Relationship) bool) ([]*types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Relationship
	for _, r := range s.rels {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendChange appends a record to the change log and returns its assigned
// sequence number.
func (s *Store) AppendChange(ctx context.Context, rec *types.ChangeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendChangeLocked(rec), nil
}

func (s *Store) appendChangeLocked(rec *types.ChangeRecord) int64 {
	seq := int64(len(s.changes) + 1)
	stamped := *rec
	stamped.Sequence = seq
	s.changes = append(s.changes, &stamped)
	return seq
}

// ScanChanges returns up to limit change records after sinceSequence.
func (s *Store) ScanChanges(ctx context.Context, sinceSequence int64, limit int) ([]*types.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := int64(len(s.changes))
	if sinceSequence > last {
		return nil, fmt.Errorf("scan changes from %d (log ends at %d): %w",
			sinceSequence, last, storage.ErrSequenceAhead)
	}
	if limit <= 0 {
		limit = 1000
	}
	var out []*types.ChangeRecord
	for _, c := range s.changes[sinceSequence:] {
		if len(out) >= limit {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// LastSequence returns the highest change-log sequence, or 0 when empty.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.changes)), nil
}

// EnqueueOutbound appends a change to the outbound sync queue.
func (s *Store) EnqueueOutbound(ctx context.Context, rec *types.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueOutboundLocked(rec)
	return nil
}

func (s *Store) enqueueOutboundLocked(rec *types.ChangeRecord) {
	s.queue = append(s.queue, &storage.QueuedChange{QueueID: s.nextQueueID, Record: rec})
	s.nextQueueID++
}

// DequeueOutbound returns up to limit queued changes without removing them.
func (s *Store) DequeueOutbound(ctx context.Context, limit int) ([]*storage.QueuedChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.queue) {
		limit = len(s.queue)
	}
	out := make([]*storage.QueuedChange, limit)
	copy(out, s.queue[:limit])
	return out, nil
}

// AckOutbound removes acknowledged changes from the queue.
func (s *Store) AckOutbound(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := map[int64]bool{}
	for _, id := range ids {
		acked[id] = true
	}
	kept := s.queue[:0]
	for _, q := range s.queue {
		if !acked[q.QueueID] {
			kept = append(kept, q)
		}
	}
	s.queue = kept
	return nil
}

// OutboundDepth returns the number of changes waiting to sync.
func (s *Store) OutboundDepth(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue), nil
}

// SetMeta stores an internal metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

// GetMeta returns an internal metadata value, or "" if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[key], nil
}

// RepairScan checks store invariants. The memory backend cannot hold
// undecodable rows, so only lineage and pointer invariants apply.
func (s *Store) RepairScan(ctx context.Context) ([]storage.RepairFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var findings []storage.RepairFinding
	for id, byVersion := range s.entities {
		if _, ok := s.currents[id]; !ok {
			findings = append(findings, storage.RepairFinding{
				Table: "current_versions", Key: id,
				Problem: "entity has versions but no current pointer",
			})
		}
		for version, e := range byVersion {
			for _, parent := range e.ParentVersions {
				if _, ok := byVersion[parent]; !ok {
					findings = append(findings, storage.RepairFinding{
						Table: "entities", Key: id + "@" + version,
						Problem: fmt.Sprintf("parent version %s not present in store", parent),
					})
				}
			}
		}
	}
	for id, r := range s.rels {
		if len(s.entities[r.FromEntityID]) == 0 {
			findings = append(findings, storage.RepairFinding{
				Table: "relationships", Key: id,
				Problem: fmt.Sprintf("from endpoint %s does not exist", r.FromEntityID),
			})
		}
		if len(s.entities[r.ToEntityID]) == 0 {
			findings = append(findings, storage.RepairFinding{
				Table: "relationships", Key: id,
				Problem: fmt.Sprintf("to endpoint %s does not exist", r.ToEntityID),
			})
		}
	}
	return findings, nil
}

// Close is a no-op for the memory backend.
func (s *Store) Close() error {
	return nil
}
