// Package resolver decides the winner between competing entity versions.
//
// Resolution is last-write-wins with a deterministic tiebreaker: every node
// given the same two versions reaches the same decision, which is what lets
// replicas converge without coordination.
package resolver

import (
	"time"

	"github.com/adrianco/the-goodies/internal/types"
)

// Decision is the outcome of resolving two competing versions.
type Decision string

// Decision constants
const (
	// DecisionAcceptRemote means the incoming version wins and becomes current.
	DecisionAcceptRemote Decision = "accept_remote"
	// DecisionKeepLocal means the local current version wins; the incoming
	// version is retained for lineage but does not become current.
	DecisionKeepLocal Decision = "keep_local"
	// DecisionMerge means a new version was produced with both competitors
	// as parents. Only emitted by ResolveThreeWay.
	DecisionMerge Decision = "merge"
)

// DefaultTiebreakWindow is how close two timestamps must be before the
// lexicographic tiebreaker applies instead of wall-clock ordering.
const DefaultTiebreakWindow = time.Second

// Resolver implements the last-write-wins discipline.
type Resolver struct {
	// Window is the tiebreaker window. Zero means DefaultTiebreakWindow.
	Window time.Duration
}

// New returns a resolver with the default tiebreaker window.
func New() *Resolver {
	return &Resolver{Window: DefaultTiebreakWindow}
}

func (r *Resolver) window() time.Duration {
	if r.Window > 0 {
		return r.Window
	}
	return DefaultTiebreakWindow
}

// Resolve decides between the local current version and an incoming remote
// version of the same entity id. It is a pure function of its inputs.
//
// Rules, in order:
//  1. Outside the tiebreaker window, the later updated_at wins.
//  2. Inside the window, a tombstone beats a non-tombstone.
//  3. Otherwise the greater (user_id, version) tuple wins, compared
//     lexicographically.
func (r *Resolver) Resolve(local, remote *types.Entity) Decision {
	dt := remote.UpdatedAt.Sub(local.UpdatedAt)
	abs := dt
	if abs < 0 {
		abs = -abs
	}
	if abs > r.window() {
		if dt > 0 {
			return DecisionAcceptRemote
		}
		return DecisionKeepLocal
	}

	// Within the window: tombstones take precedence over live versions.
	if remote.IsTombstone() != local.IsTombstone() {
		if remote.IsTombstone() {
			return DecisionAcceptRemote
		}
		return DecisionKeepLocal
	}

	if remote.UserID != local.UserID {
		if remote.UserID > local.UserID {
			return DecisionAcceptRemote
		}
		return DecisionKeepLocal
	}
	if remote.Version > local.Version {
		return DecisionAcceptRemote
	}
	return DecisionKeepLocal
}

// Winner returns whichever of the two versions Resolve picks.
func (r *Resolver) Winner(local, remote *types.Entity) *types.Entity {
	if r.Resolve(local, remote) == DecisionAcceptRemote {
		return remote
	}
	return local
}

// ResolveThreeWay produces a merge version with both competitors as
// parents. The winning side's content is kept; the merge exists so that
// both lineages are recorded. Callers opt in to this explicitly; the
// default sync path uses Resolve only.
func (r *Resolver) ResolveThreeWay(local, remote *types.Entity, userID string, now time.Time) *types.Entity {
	winner := r.Winner(local, remote)
	return &types.Entity{
		ID:             winner.ID,
		Type:           winner.Type,
		Version:        types.NewVersion(now, userID),
		Name:           winner.Name,
		Content:        winner.Content,
		ParentVersions: orderedParents(local.Version, remote.Version),
		UserID:         userID,
		SourceType:     winner.SourceType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// orderedParents keeps merge parent lists deterministic regardless of which
// side was local.
func orderedParents(a, b string) []string {
	if a < b {
		return []string{a, b}
	}
	return []string{b, a}
}
