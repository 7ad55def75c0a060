package graph

import (
	"sort"

	"github.com/adrianco/the-goodies/internal/types"
)

// DefaultSimilarityThreshold is the minimum Jaccard score for an entity to
// count as similar.
const DefaultSimilarityThreshold = 0.2

// SimilarEntity is one FindSimilar result with its score.
type SimilarEntity struct {
	Entity *types.Entity `json:"entity"`
	Score  float64       `json:"score"`
}

// FindSimilar ranks live entities by Jaccard similarity of their token sets
// against the given entity's tokens. The entity itself and anything scoring
// below threshold are excluded. Results are ordered by score descending,
// ties broken by id.
func (x *Index) FindSimilar(id string, threshold float64, limit int) ([]SimilarEntity, bool) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	x.mu.RLock()
	if !x.liveLocked(id) {
		x.mu.RUnlock()
		return nil, false
	}
	ref := x.perToken[id]
	var hits []SimilarEntity
	for otherID, other := range x.perToken {
		if otherID == id || !x.liveLocked(otherID) {
			continue
		}
		score := jaccard(ref, other)
		if score >= threshold {
			hits = append(hits, SimilarEntity{Entity: x.entities[otherID], Score: score})
		}
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, true
}

// jaccard computes |a∩b| / |a∪b|. Two empty sets score zero.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
