package resolver

import (
	"testing"
	"time"

	"github.com/adrianco/the-goodies/internal/types"
)

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic("invalid time: " + s)
	}
	return t
}

// version builds an entity version for resolver tests.
func version(userID, stamp string, tombstone bool) *types.Entity {
	at := mustParseTime(stamp)
	e := &types.Entity{
		ID:        "e1",
		Version:   types.NewVersion(at, userID),
		Type:      types.TypeRoom,
		Name:      "Kitchen",
		Content:   map[string]any{"floor": float64(1)},
		UserID:    userID,
		UpdatedAt: at,
	}
	if tombstone {
		e.Content = nil
	}
	return e
}

func TestResolveLastWriteWins(t *testing.T) {
	tests := []struct {
		name   string
		local  *types.Entity
		remote *types.Entity
		want   Decision
	}{
		{
			name:   "remote clearly later",
			local:  version("alice", "2024-01-15T10:05:00.500Z", false),
			remote: version("bob", "2024-01-15T10:05:02.000Z", false),
			want:   DecisionAcceptRemote,
		},
		{
			name:   "local clearly later",
			local:  version("alice", "2024-01-15T10:05:02.000Z", false),
			remote: version("bob", "2024-01-15T10:05:00.500Z", false),
			want:   DecisionKeepLocal,
		},
		{
			// Writes at .500 and .700 fall inside the 1s window with the
			// same tombstone state, so the (user_id, version) tiebreaker
			// decides. Version strings embed the timestamp, so for the same
			// user the later write still wins.
			name:   "within window same user later version wins",
			local:  version("alice", "2024-01-15T10:05:00.500Z", false),
			remote: version("alice", "2024-01-15T10:05:00.700Z", false),
			want:   DecisionAcceptRemote,
		},
		{
			name:   "exactly simultaneous bob beats alice",
			local:  version("alice", "2024-01-15T10:06:00.000Z", false),
			remote: version("bob", "2024-01-15T10:06:00.000Z", false),
			want:   DecisionAcceptRemote,
		},
		{
			name:   "exactly simultaneous alice loses as remote",
			local:  version("bob", "2024-01-15T10:06:00.000Z", false),
			remote: version("alice", "2024-01-15T10:06:00.000Z", false),
			want:   DecisionKeepLocal,
		},
		{
			name:   "tombstone beats later live write within window",
			local:  version("alice", "2024-01-15T10:07:00.000Z", true),
			remote: version("bob", "2024-01-15T10:07:00.500Z", false),
			want:   DecisionKeepLocal,
		},
		{
			name:   "remote tombstone beats earlier live write within window",
			local:  version("bob", "2024-01-15T10:07:00.500Z", false),
			remote: version("alice", "2024-01-15T10:07:00.000Z", true),
			want:   DecisionAcceptRemote,
		},
		{
			name:   "tombstone loses outside window",
			local:  version("alice", "2024-01-15T10:07:00.000Z", true),
			remote: version("bob", "2024-01-15T10:07:01.500Z", false),
			want:   DecisionAcceptRemote,
		},
		{
			name:   "two tombstones fall back to user tiebreak",
			local:  version("alice", "2024-01-15T10:07:00.000Z", true),
			remote: version("bob", "2024-01-15T10:07:00.000Z", true),
			want:   DecisionAcceptRemote,
		},
	}

	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.local, tt.remote); got != tt.want {
				t.Errorf("Resolve() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestResolveSymmetry verifies the resolver picks the same winner no matter
// which side is local — the property replicas rely on to converge.
func TestResolveSymmetry(t *testing.T) {
	pairs := [][2]*types.Entity{
		{version("alice", "2024-01-15T10:05:00.500Z", false), version("bob", "2024-01-15T10:05:00.700Z", false)},
		{version("alice", "2024-01-15T10:06:00.000Z", false), version("bob", "2024-01-15T10:06:00.000Z", false)},
		{version("alice", "2024-01-15T10:07:00.000Z", true), version("bob", "2024-01-15T10:07:00.500Z", false)},
		{version("carol", "2024-01-15T10:08:00.000Z", false), version("bob", "2024-01-15T10:08:05.000Z", false)},
	}
	r := New()
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		w1 := r.Winner(a, b)
		w2 := r.Winner(b, a)
		if w1.Version != w2.Version {
			t.Errorf("asymmetric resolution: %s as local picked %s, as remote picked %s",
				a.Version, w1.Version, w2.Version)
		}
	}
}

func TestResolveIsPure(t *testing.T) {
	r := New()
	local := version("alice", "2024-01-15T10:06:00.000Z", false)
	remote := version("bob", "2024-01-15T10:06:00.000Z", false)
	first := r.Resolve(local, remote)
	for i := 0; i < 100; i++ {
		if got := r.Resolve(local, remote); got != first {
			t.Fatalf("Resolve not deterministic: got %s then %s", first, got)
		}
	}
}

func TestCustomWindow(t *testing.T) {
	r := &Resolver{Window: 5 * time.Second}
	// 1.5s apart: outside the default window but inside this one, so the
	// tombstone wins despite the later live write.
	local := version("alice", "2024-01-15T10:07:00.000Z", true)
	remote := version("bob", "2024-01-15T10:07:01.500Z", false)
	if got := r.Resolve(local, remote); got != DecisionKeepLocal {
		t.Errorf("Resolve() = %s, want keep_local with widened window", got)
	}
}

func TestResolveThreeWay(t *testing.T) {
	r := New()
	local := version("alice", "2024-01-15T10:05:00.500Z", false)
	remote := version("bob", "2024-01-15T10:05:00.700Z", false)
	now := mustParseTime("2024-01-15T10:10:00.000Z")

	merged := r.ResolveThreeWay(local, remote, "carol", now)
	if merged.ID != "e1" {
		t.Errorf("merged id = %s", merged.ID)
	}
	if len(merged.ParentVersions) != 2 {
		t.Fatalf("merge must carry both parents, got %v", merged.ParentVersions)
	}
	if merged.ParentVersions[0] > merged.ParentVersions[1] {
		t.Error("merge parents must be ordered deterministically")
	}
	// Winner within the window by (user_id, version): bob.
	if merged.Content == nil {
		t.Fatal("merge of two live versions must not be a tombstone")
	}
	if merged.UserID != "carol" {
		t.Errorf("merge author = %s, want carol", merged.UserID)
	}

	// Same merge from the other side must carry identical parents.
	flipped := r.ResolveThreeWay(remote, local, "carol", now)
	if flipped.ParentVersions[0] != merged.ParentVersions[0] || flipped.ParentVersions[1] != merged.ParentVersions[1] {
		t.Error("three-way merge parents depend on argument order")
	}
}
