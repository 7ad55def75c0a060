package types

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic("invalid time: " + s)
	}
	return t
}

func TestNewVersionFormat(t *testing.T) {
	ts := mustParseTime("2024-01-15T10:30:00.123Z")
	v := NewVersion(ts, "user-42")
	if v != "2024-01-15T10:30:00.123Z-user-42" {
		t.Errorf("NewVersion = %q, want %q", v, "2024-01-15T10:30:00.123Z-user-42")
	}
}

func TestNewVersionTruncatesToMillis(t *testing.T) {
	ts := mustParseTime("2024-01-15T10:30:00.123456789Z")
	v := NewVersion(ts, "alice")
	if v != "2024-01-15T10:30:00.123Z-alice" {
		t.Errorf("NewVersion = %q, want millisecond precision", v)
	}
}

func TestNewVersionConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	ts := time.Date(2024, 1, 15, 2, 30, 0, 0, loc)
	v := NewVersion(ts, "alice")
	if !strings.HasPrefix(v, "2024-01-15T10:30:00.000Z") {
		t.Errorf("NewVersion = %q, want UTC timestamp", v)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		wantTime string
		wantUser string
		wantErr  bool
	}{
		{
			name:     "simple user id",
			version:  "2024-01-15T10:30:00.123Z-alice",
			wantTime: "2024-01-15T10:30:00.123Z",
			wantUser: "alice",
		},
		{
			name:     "user id containing dashes",
			version:  "2024-01-15T10:30:00.123Z-user-42",
			wantTime: "2024-01-15T10:30:00.123Z",
			wantUser: "user-42",
		},
		{name: "empty", version: "", wantErr: true},
		{name: "no user suffix", version: "2024-01-15T10:30:00.123Z", wantErr: true},
		{name: "missing separator", version: "2024-01-15T10:30:00.123Zalice", wantErr: true},
		{name: "second precision only", version: "2024-01-15T10:30:00Z-alice", wantErr: true},
		{name: "garbage timestamp", version: "not-a-timestamp-with-padding-x-alice", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, user, err := ParseVersion(tt.version)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseVersion(%q) succeeded, want error", tt.version)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.version, err)
			}
			if got := ts.UTC().Format(versionTimeLayout); got != tt.wantTime {
				t.Errorf("timestamp = %s, want %s", got, tt.wantTime)
			}
			if user != tt.wantUser {
				t.Errorf("user = %q, want %q", user, tt.wantUser)
			}
		})
	}
}

func TestVersionStringsSortChronologically(t *testing.T) {
	earlier := NewVersion(mustParseTime("2024-01-15T10:05:00.500Z"), "zed")
	later := NewVersion(mustParseTime("2024-01-15T10:05:00.700Z"), "amy")
	if !(earlier < later) {
		t.Errorf("expected %q < %q lexicographically", earlier, later)
	}
}

func TestEntityTombstone(t *testing.T) {
	live := &Entity{Content: map[string]any{}}
	if live.IsTombstone() {
		t.Error("entity with empty content must not be a tombstone")
	}
	dead := &Entity{Content: nil}
	if !dead.IsTombstone() {
		t.Error("entity with nil content must be a tombstone")
	}
}

func TestEntityJSONRoundTrip(t *testing.T) {
	e := &Entity{
		ID:             "e1",
		Version:        "2024-01-15T10:00:00.000Z-alice",
		Type:           TypeRoom,
		Name:           "Küche ☂", // unicode name
		Content:        map[string]any{"floor": float64(1), "tags": []any{"a", "b"}, "nested": map[string]any{"k": true}},
		ParentVersions: []string{},
		UserID:         "alice",
		SourceType:     SourceManual,
		CreatedAt:      mustParseTime("2024-01-15T10:00:00.000Z"),
		UpdatedAt:      mustParseTime("2024-01-15T10:00:00.000Z"),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Entity
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(e, &got) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", &got, e)
	}
}

func TestTombstoneMarshalsNullContent(t *testing.T) {
	e := &Entity{ID: "e1", Version: "v", Type: TypeRoom, UserID: "alice"}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"content":null`) {
		t.Errorf("tombstone content should marshal as null, got %s", data)
	}
	live := &Entity{ID: "e1", Version: "v", Type: TypeRoom, UserID: "alice", Content: map[string]any{}}
	data, err = json.Marshal(live)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"content":{}`) {
		t.Errorf("empty live content should marshal as {}, got %s", data)
	}
}

func TestEntityValidate(t *testing.T) {
	valid := func() *Entity {
		return &Entity{
			ID:      "e1",
			Version: "2024-01-15T10:00:00.000Z-alice",
			Type:    TypeDevice,
			Name:    "Lamp",
			Content: map[string]any{},
			UserID:  "alice",
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid entity rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Entity)
	}{
		{"missing id", func(e *Entity) { e.ID = "" }},
		{"missing version", func(e *Entity) { e.Version = "" }},
		{"bad type", func(e *Entity) { e.Type = "spaceship" }},
		{"bad source type", func(e *Entity) { e.SourceType = "psychic" }},
		{"missing user", func(e *Entity) { e.UserID = "" }},
		{"live entity without name", func(e *Entity) { e.Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			if err := e.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	// Tombstones may have an empty name.
	tomb := valid()
	tomb.Name = ""
	tomb.Content = nil
	if err := tomb.Validate(); err != nil {
		t.Errorf("tombstone without name rejected: %v", err)
	}
}

func TestChangeRecordRoundTrip(t *testing.T) {
	rec := &ChangeRecord{
		Sequence:       7,
		Kind:           ChangeUpdate,
		EntityID:       "e1",
		Version:        "2024-01-15T10:05:00.500Z-alice",
		PriorVersion:   "2024-01-15T10:00:00.000Z-alice",
		ParentVersions: []string{"2024-01-15T10:00:00.000Z-alice"},
		EntityType:     TypeRoom,
		Name:           "Kitchen",
		Content:        map[string]any{"floor": float64(2)},
		UserID:         "alice",
		OriginNodeID:   "node-a",
		Timestamp:      mustParseTime("2024-01-15T10:05:00.500Z"),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ChangeRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(rec, &got) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", &got, rec)
	}
}

func TestChangeRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     ChangeRecord
		wantErr bool
	}{
		{
			name: "valid create",
			rec: ChangeRecord{
				Kind: ChangeCreate, EntityID: "e1", Version: "v1",
				EntityType: TypeRoom, Content: map[string]any{},
			},
		},
		{
			name: "valid delete with null content",
			rec: ChangeRecord{
				Kind: ChangeDelete, EntityID: "e1", Version: "v2",
				EntityType: TypeRoom,
			},
		},
		{
			name: "delete with content",
			rec: ChangeRecord{
				Kind: ChangeDelete, EntityID: "e1", Version: "v2",
				EntityType: TypeRoom, Content: map[string]any{"x": 1},
			},
			wantErr: true,
		},
		{
			name: "create without content",
			rec: ChangeRecord{
				Kind: ChangeCreate, EntityID: "e1", Version: "v1",
				EntityType: TypeRoom,
			},
			wantErr: true,
		},
		{
			name: "unknown kind",
			rec: ChangeRecord{
				Kind: "upsert", EntityID: "e1", Version: "v1",
				EntityType: TypeRoom, Content: map[string]any{},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChangeForKinds(t *testing.T) {
	genesis := &Entity{ID: "e1", Version: "v1", Type: TypeRoom, Name: "Kitchen", Content: map[string]any{}, UserID: "alice"}
	if got := ChangeFor(genesis, "", "node-a").Kind; got != ChangeCreate {
		t.Errorf("genesis kind = %s, want create", got)
	}
	update := &Entity{ID: "e1", Version: "v2", Type: TypeRoom, Name: "Kitchen", Content: map[string]any{}, ParentVersions: []string{"v1"}, UserID: "alice"}
	if got := ChangeFor(update, "v1", "node-a").Kind; got != ChangeUpdate {
		t.Errorf("update kind = %s, want update", got)
	}
	tomb := &Entity{ID: "e1", Version: "v3", Type: TypeRoom, ParentVersions: []string{"v2"}, UserID: "alice"}
	if got := ChangeFor(tomb, "v2", "node-a").Kind; got != ChangeDelete {
		t.Errorf("tombstone kind = %s, want delete", got)
	}
}
