// Package types defines core data structures for the knowledge graph.
package types

import (
	"fmt"
	"time"
)

// Entity represents one immutable version of a graph node.
//
// Versions are never mutated after write. An update produces a new Entity
// with the same ID, a fresh Version string, and the prior version listed in
// ParentVersions. A deletion produces a tombstone version with nil Content.
type Entity struct {
	ID             string         `json:"id"`
	Version        string         `json:"version"`
	Type           EntityType     `json:"type"`
	Name           string         `json:"name"`
	Content        map[string]any `json:"content"`
	ParentVersions []string       `json:"parent_versions"`
	UserID         string         `json:"user_id"`
	SourceType     SourceType     `json:"source_type,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsTombstone returns true if this version represents a deletion.
// Tombstones carry nil content; a live entity with no content carries an
// empty (non-nil) map, so the two are distinguishable on the wire as
// null vs {}.
func (e *Entity) IsTombstone() bool {
	return e.Content == nil
}

// IsGenesis returns true if this is the first version of the entity.
func (e *Entity) IsGenesis() bool {
	return len(e.ParentVersions) == 0
}

// Validate checks that the entity has valid field values.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	if e.Version == "" {
		return fmt.Errorf("entity version is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid entity type: %s", e.Type)
	}
	if e.SourceType != "" && !e.SourceType.IsValid() {
		return fmt.Errorf("invalid source type: %s", e.SourceType)
	}
	if e.UserID == "" {
		return fmt.Errorf("entity user_id is required")
	}
	if !e.IsTombstone() && e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	return nil
}

// EntityType categorizes graph nodes. The set is closed.
type EntityType string

// Entity type constants
const (
	TypeHome       EntityType = "home"
	TypeRoom       EntityType = "room"
	TypeDevice     EntityType = "device"
	TypeZone       EntityType = "zone"
	TypeDoor       EntityType = "door"
	TypeWindow     EntityType = "window"
	TypeProcedure  EntityType = "procedure"
	TypeManual     EntityType = "manual"
	TypeNote       EntityType = "note"
	TypeSchedule   EntityType = "schedule"
	TypeAutomation EntityType = "automation"
	TypeApp        EntityType = "app"
)

// IsValid checks if the entity type value is valid
func (t EntityType) IsValid() bool {
	switch t {
	case TypeHome, TypeRoom, TypeDevice, TypeZone, TypeDoor, TypeWindow,
		TypeProcedure, TypeManual, TypeNote, TypeSchedule, TypeAutomation, TypeApp:
		return true
	}
	return false
}

// SourceType records where an entity version came from. Informational only.
type SourceType string

// Source type constants
const (
	SourceManual    SourceType = "manual"
	SourceHomeKit   SourceType = "homekit"
	SourceImported  SourceType = "imported"
	SourceGenerated SourceType = "generated"
)

// IsValid checks if the source type value is valid
func (s SourceType) IsValid() bool {
	switch s {
	case SourceManual, SourceHomeKit, SourceImported, SourceGenerated:
		return true
	}
	return false
}

// Relationship represents an immutable edge between two entities.
//
// FromVersion/ToVersion optionally pin the edge to specific entity versions.
// When empty, the edge follows each endpoint's current version.
type Relationship struct {
	ID           string           `json:"id"`
	FromEntityID string           `json:"from_entity_id"`
	FromVersion  string           `json:"from_version,omitempty"`
	ToEntityID   string           `json:"to_entity_id"`
	ToVersion    string           `json:"to_version,omitempty"`
	Type         RelationshipType `json:"type"`
	Properties   map[string]any   `json:"properties,omitempty"`
	UserID       string           `json:"user_id"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Validate checks that the relationship has valid field values.
func (r *Relationship) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("relationship id is required")
	}
	if r.FromEntityID == "" || r.ToEntityID == "" {
		return fmt.Errorf("relationship endpoints are required")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid relationship type: %s", r.Type)
	}
	return nil
}

// RelationshipType categorizes graph edges. The set is closed.
type RelationshipType string

// Relationship type constants
const (
	RelLocatedIn       RelationshipType = "located_in"
	RelControls        RelationshipType = "controls"
	RelConnectsTo      RelationshipType = "connects_to"
	RelPartOf          RelationshipType = "part_of"
	RelManages         RelationshipType = "manages"
	RelDocumentedBy    RelationshipType = "documented_by"
	RelProcedureFor    RelationshipType = "procedure_for"
	RelTriggeredBy     RelationshipType = "triggered_by"
	RelDependsOn       RelationshipType = "depends_on"
	RelHasBlob         RelationshipType = "has_blob"
	RelControlledByApp RelationshipType = "controlled_by_app"
)

// IsValid checks if the relationship type value is valid
func (t RelationshipType) IsValid() bool {
	switch t {
	case RelLocatedIn, RelControls, RelConnectsTo, RelPartOf, RelManages,
		RelDocumentedBy, RelProcedureFor, RelTriggeredBy, RelDependsOn,
		RelHasBlob, RelControlledByApp:
		return true
	}
	return false
}

// Statistics provides aggregate metrics over the graph.
type Statistics struct {
	TotalEntities      int                      `json:"total_entities"`
	TotalRelationships int                      `json:"total_relationships"`
	Tombstones         int                      `json:"tombstones"`
	EntitiesByType     map[EntityType]int       `json:"entities_by_type"`
	RelationshipsByType map[RelationshipType]int `json:"relationships_by_type"`
	LastSequence       int64                    `json:"last_sequence"`
}
