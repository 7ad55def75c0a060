package graph

import "github.com/adrianco/the-goodies/internal/types"

// FindPath returns the shortest undirected path between two live entities
// as a slice of entity ids, endpoints included. Edges touching tombstoned
// entities are ignored. The second return is false when no path exists or
// either endpoint is missing or tombstoned.
//
// Among equally short paths the lexicographically smallest id sequence is
// returned, so every replica with the same graph reports the same path.
func (x *Index) FindPath(from, to string, relTypes ...types.RelationshipType) ([]string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if !x.liveLocked(from) || !x.liveLocked(to) {
		return nil, false
	}
	if from == to {
		return []string{from}, true
	}

	// BFS level by level, keeping the lexicographically minimal path to each
	// node in the frontier. Prefix minimality at each level guarantees the
	// first path to reach the target is the minimal shortest one.
	best := map[string][]string{from: {from}}
	frontier := []string{from}
	visited := map[string]bool{from: true}

	for len(frontier) > 0 {
		next := map[string][]string{}
		for _, id := range frontier {
			path := best[id]
			for _, n := range x.neighborsLocked(id, relTypes) {
				if visited[n] {
					continue
				}
				candidate := append(append([]string(nil), path...), n)
				if prev, ok := next[n]; !ok || lessPath(candidate, prev) {
					next[n] = candidate
				}
			}
		}
		if path, ok := next[to]; ok {
			return path, true
		}
		frontier = frontier[:0]
		for n, path := range next {
			visited[n] = true
			best[n] = path
			frontier = append(frontier, n)
		}
	}
	return nil, false
}

func lessPath(a, b []string) bool {
	for i := range a {
		if i >= len(b) {
			return false
		}
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
