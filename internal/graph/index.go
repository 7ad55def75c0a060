// Package graph maintains the in-memory overlay over current entity
// versions: adjacency lists, an inverted token index for search, path
// finding and similarity scoring.
//
// The index is owned by the graph.Manager and mutated only under the write
// path; read-side tool calls see a consistent snapshot via the read lock.
package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// Index is the in-memory overlay over current entity versions.
type Index struct {
	mu       sync.RWMutex
	entities map[string]*types.Entity            // id -> current version (tombstones included)
	rels     map[string]*types.Relationship      // relationship id -> record
	out      map[string]map[string]bool          // entity id -> relationship ids (from side)
	in       map[string]map[string]bool          // entity id -> relationship ids (to side)
	tokens   map[string]map[string]bool          // token -> entity ids
	perToken map[string]map[string]struct{}      // entity id -> its token set
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		entities: map[string]*types.Entity{},
		rels:     map[string]*types.Relationship{},
		out:      map[string]map[string]bool{},
		in:       map[string]map[string]bool{},
		tokens:   map[string]map[string]bool{},
		perToken: map[string]map[string]struct{}{},
	}
}

// Rebuild repopulates the index from a cold store by scanning current
// versions and all relationships.
func (x *Index) Rebuild(ctx context.Context, store storage.Store) error {
	entities, err := store.ListCurrent(ctx)
	if err != nil {
		return err
	}
	rels, err := store.ListRelationships(ctx)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entities = map[string]*types.Entity{}
	x.rels = map[string]*types.Relationship{}
	x.out = map[string]map[string]bool{}
	x.in = map[string]map[string]bool{}
	x.tokens = map[string]map[string]bool{}
	x.perToken = map[string]map[string]struct{}{}
	for _, e := range entities {
		x.applyEntityLocked(e)
	}
	for _, r := range rels {
		x.applyRelationshipLocked(r)
	}
	return nil
}

// ApplyEntity updates the index after a successful write made e the
// current version of its id.
func (x *Index) ApplyEntity(e *types.Entity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.applyEntityLocked(e)
}

func (x *Index) applyEntityLocked(e *types.Entity) {
	// Drop the previous version's tokens before indexing the new ones.
	if old, ok := x.perToken[e.ID]; ok {
		for tok := range old {
			delete(x.tokens[tok], e.ID)
			if len(x.tokens[tok]) == 0 {
				delete(x.tokens, tok)
			}
		}
	}
	x.entities[e.ID] = e
	set := map[string]struct{}{}
	if !e.IsTombstone() {
		set = entityTokens(e.Name, e.Content)
		for tok := range set {
			if x.tokens[tok] == nil {
				x.tokens[tok] = map[string]bool{}
			}
			x.tokens[tok][e.ID] = true
		}
	}
	x.perToken[e.ID] = set
}

// ApplyRelationship adds an edge to the adjacency lists.
func (x *Index) ApplyRelationship(r *types.Relationship) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.applyRelationshipLocked(r)
}

func (x *Index) applyRelationshipLocked(r *types.Relationship) {
	x.rels[r.ID] = r
	if x.out[r.FromEntityID] == nil {
		x.out[r.FromEntityID] = map[string]bool{}
	}
	x.out[r.FromEntityID][r.ID] = true
	if x.in[r.ToEntityID] == nil {
		x.in[r.ToEntityID] = map[string]bool{}
	}
	x.in[r.ToEntityID][r.ID] = true
}

// RemoveRelationship drops an edge from the adjacency lists.
func (x *Index) RemoveRelationship(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.rels[id]
	if !ok {
		return
	}
	delete(x.rels, id)
	delete(x.out[r.FromEntityID], id)
	delete(x.in[r.ToEntityID], id)
}

// Get returns the current version of an entity, tombstones included.
func (x *Index) Get(id string) (*types.Entity, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entities[id]
	return e, ok
}

// Live returns the current version of an entity if it is not a tombstone.
func (x *Index) Live(id string) (*types.Entity, bool) {
	e, ok := x.Get(id)
	if !ok || e.IsTombstone() {
		return nil, false
	}
	return e, true
}

// liveLocked reports whether id exists and is not tombstoned. Caller holds
// at least the read lock.
func (x *Index) liveLocked(id string) bool {
	e, ok := x.entities[id]
	return ok && !e.IsTombstone()
}

// RelationshipsFrom returns live relationships whose from endpoint is id.
// Edges touching a tombstoned endpoint are logically removed and excluded.
func (x *Index) RelationshipsFrom(id string) []*types.Relationship {
	return x.edges(x.out, id)
}

// RelationshipsTo returns live relationships whose to endpoint is id.
func (x *Index) RelationshipsTo(id string) []*types.Relationship {
	return x.edges(x.in, id)
}

func (x *Index) edges(side map[string]map[string]bool, id string) []*types.Relationship {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*types.Relationship
	for relID := range side[id] {
		r := x.rels[relID]
		if x.liveLocked(r.FromEntityID) && x.liveLocked(r.ToEntityID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Neighbors returns the ids adjacent to id in either edge direction,
// restricted to live entities and optionally to a set of relationship
// types. Result is sorted for deterministic traversal.
func (x *Index) Neighbors(id string, relTypes ...types.RelationshipType) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.neighborsLocked(id, relTypes)
}

func (x *Index) neighborsLocked(id string, relTypes []types.RelationshipType) []string {
	allowed := map[types.RelationshipType]bool{}
	for _, t := range relTypes {
		allowed[t] = true
	}
	seen := map[string]bool{}
	consider := func(relID string) {
		r := x.rels[relID]
		if len(allowed) > 0 && !allowed[r.Type] {
			return
		}
		if !x.liveLocked(r.FromEntityID) || !x.liveLocked(r.ToEntityID) {
			return
		}
		other := r.ToEntityID
		if other == id {
			other = r.FromEntityID
		}
		if other != id {
			seen[other] = true
		}
	}
	for relID := range x.out[id] {
		consider(relID)
	}
	for relID := range x.in[id] {
		consider(relID)
	}
	ids := make([]string, 0, len(seen))
	for n := range seen {
		ids = append(ids, n)
	}
	sort.Strings(ids)
	return ids
}

// Search returns live entities matching query tokens, ranked by the number
// of matching tokens (descending) with ties broken by id. entityTypes
// restricts results when non-empty; limit caps them when positive.
func (x *Index) Search(query string, entityTypes []types.EntityType, limit int) []*types.Entity {
	queryTokens := tokenize(query)
	allowed := map[types.EntityType]bool{}
	for _, t := range entityTypes {
		allowed[t] = true
	}

	x.mu.RLock()
	scores := map[string]int{}
	for _, tok := range queryTokens {
		for id := range x.tokens[tok] {
			scores[id]++
		}
	}
	type hit struct {
		e     *types.Entity
		score int
	}
	hits := make([]hit, 0, len(scores))
	for id, score := range scores {
		e := x.entities[id]
		if len(allowed) > 0 && !allowed[e.Type] {
			continue
		}
		hits = append(hits, hit{e: e, score: score})
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].e.ID < hits[j].e.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*types.Entity, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out
}

// Statistics computes aggregate counts over the indexed graph.
func (x *Index) Statistics() *types.Statistics {
	x.mu.RLock()
	defer x.mu.RUnlock()
	stats := &types.Statistics{
		EntitiesByType:      map[types.EntityType]int{},
		RelationshipsByType: map[types.RelationshipType]int{},
	}
	for _, e := range x.entities {
		if e.IsTombstone() {
			stats.Tombstones++
			continue
		}
		stats.TotalEntities++
		stats.EntitiesByType[e.Type]++
	}
	for _, r := range x.rels {
		if !x.liveLocked(r.FromEntityID) || !x.liveLocked(r.ToEntityID) {
			continue
		}
		stats.TotalRelationships++
		stats.RelationshipsByType[r.Type]++
	}
	return stats
}
