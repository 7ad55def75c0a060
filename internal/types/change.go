package types

import (
	"fmt"
	"time"
)

// ChangeKind categorizes change-log records.
type ChangeKind string

// Change kind constants
const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// IsValid checks if the change kind value is valid
func (k ChangeKind) IsValid() bool {
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// ChangeRecord is one entry in the append-only change log.
//
// Sequence is assigned by the server at append time and is strictly
// increasing and gap-free. Records authored on a client carry Sequence 0
// until the server accepts them. Content is nil for deletes.
type ChangeRecord struct {
	Sequence       int64          `json:"sequence,omitempty"`
	Kind           ChangeKind     `json:"kind"`
	EntityID       string         `json:"entity_id"`
	Version        string         `json:"version"`
	PriorVersion   string         `json:"prior_version,omitempty"`
	ParentVersions []string       `json:"parent_versions"`
	EntityType     EntityType     `json:"type"`
	Name           string         `json:"name,omitempty"`
	Content        map[string]any `json:"content"`
	UserID         string         `json:"user_id"`
	OriginNodeID   string         `json:"origin_node_id"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Validate checks that the change record has valid field values.
func (c *ChangeRecord) Validate() error {
	if !c.Kind.IsValid() {
		return fmt.Errorf("invalid change kind: %s", c.Kind)
	}
	if c.EntityID == "" {
		return fmt.Errorf("change entity_id is required")
	}
	if c.Version == "" {
		return fmt.Errorf("change version is required")
	}
	if !c.EntityType.IsValid() {
		return fmt.Errorf("invalid change entity type: %s", c.EntityType)
	}
	if c.Kind == ChangeDelete && c.Content != nil {
		return fmt.Errorf("delete change must have null content")
	}
	if c.Kind != ChangeDelete && c.Content == nil {
		return fmt.Errorf("%s change must carry content", c.Kind)
	}
	return nil
}

// Entity reconstructs the entity version this change record describes.
func (c *ChangeRecord) Entity() *Entity {
	return &Entity{
		ID:             c.EntityID,
		Version:        c.Version,
		Type:           c.EntityType,
		Name:           c.Name,
		Content:        c.Content,
		ParentVersions: c.ParentVersions,
		UserID:         c.UserID,
		CreatedAt:      c.Timestamp,
		UpdatedAt:      c.Timestamp,
	}
}

// ChangeFor builds the change record describing a newly written entity
// version. PriorVersion is the version that was current before the write,
// empty for a genesis create.
func ChangeFor(e *Entity, priorVersion, originNodeID string) *ChangeRecord {
	kind := ChangeUpdate
	switch {
	case e.IsTombstone():
		kind = ChangeDelete
	case e.IsGenesis():
		kind = ChangeCreate
	}
	return &ChangeRecord{
		Kind:           kind,
		EntityID:       e.ID,
		Version:        e.Version,
		PriorVersion:   priorVersion,
		ParentVersions: e.ParentVersions,
		EntityType:     e.Type,
		Name:           e.Name,
		Content:        e.Content,
		UserID:         e.UserID,
		OriginNodeID:   originNodeID,
		Timestamp:      e.UpdatedAt,
	}
}

// WireSize returns the approximate serialized size of the record in bytes.
// Used to enforce the sync batch byte cap without marshaling twice.
func (c *ChangeRecord) WireSize() int {
	size := len(c.EntityID) + len(c.Version) + len(c.PriorVersion) +
		len(c.Name) + len(c.UserID) + len(c.OriginNodeID) + 128
	for _, p := range c.ParentVersions {
		size += len(p) + 3
	}
	size += contentSize(c.Content)
	return size
}

func contentSize(v any) int {
	switch val := v.(type) {
	case nil:
		return 4
	case string:
		return len(val) + 2
	case bool:
		return 5
	case float64, int, int64:
		return 16
	case map[string]any:
		n := 2
		for k, item := range val {
			n += len(k) + 4 + contentSize(item)
		}
		return n
	case []any:
		n := 2
		for _, item := range val {
			n += contentSize(item) + 1
		}
		return n
	default:
		return 16
	}
}
