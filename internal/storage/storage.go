// Package storage provides shared types for knowledge-graph storage.
//
// Concrete implementations live in the sqlite and memory sub-packages.
// This package holds the interface and value types referenced by both the
// implementations and their consumers (graph manager, sync engine, CLIs).
package storage

import (
	"context"

	"github.com/adrianco/the-goodies/internal/types"
)

// Store is the interface satisfied by *sqlite.Store and *memory.Store.
// Consumers depend on this interface rather than on a concrete type so that
// the server (sqlite) and client replica (sqlite or memory) share one code
// path.
type Store interface {
	// Entity versions
	PutVersion(ctx context.Context, e *types.Entity) error
	GetVersion(ctx context.Context, id, version string) (*types.Entity, error)
	GetCurrent(ctx context.Context, id string) (*types.Entity, error)
	ListVersions(ctx context.Context, id string) ([]string, error)
	SetCurrent(ctx context.Context, id, version string) error
	ListCurrent(ctx context.Context) ([]*types.Entity, error)
	FindByType(ctx context.Context, t types.EntityType) ([]*types.Entity, error)
	FindByNameSubstring(ctx context.Context, q string) ([]*types.Entity, error)

	// Relationships
	PutRelationship(ctx context.Context, r *types.Relationship) error
	GetRelationship(ctx context.Context, id string) (*types.Relationship, error)
	DeleteRelationship(ctx context.Context, id string) error
	RelationshipsFrom(ctx context.Context, entityID string) ([]*types.Relationship, error)
	RelationshipsTo(ctx context.Context, entityID string) ([]*types.Relationship, error)
	ListRelationships(ctx context.Context) ([]*types.Relationship, error)

	// Change log
	AppendChange(ctx context.Context, rec *types.ChangeRecord) (int64, error)
	ScanChanges(ctx context.Context, sinceSequence int64, limit int) ([]*types.ChangeRecord, error)
	LastSequence(ctx context.Context) (int64, error)

	// Outbound queue (client replicas; the server never enqueues)
	EnqueueOutbound(ctx context.Context, rec *types.ChangeRecord) error
	DequeueOutbound(ctx context.Context, limit int) ([]*QueuedChange, error)
	AckOutbound(ctx context.Context, ids []int64) error
	OutboundDepth(ctx context.Context) (int, error)

	// Metadata (sync cursor, node identity)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Diagnostics
	RepairScan(ctx context.Context) ([]RepairFinding, error)

	// Lifecycle
	Close() error
}

// Transaction exposes the subset of store methods that execute within a
// single transaction. Used for the write path, where put_version,
// set_current and the change-log append must commit or fail as a unit.
type Transaction interface {
	PutVersion(ctx context.Context, e *types.Entity) error
	GetVersion(ctx context.Context, id, version string) (*types.Entity, error)
	GetCurrent(ctx context.Context, id string) (*types.Entity, error)
	SetCurrent(ctx context.Context, id, version string) error
	PutRelationship(ctx context.Context, r *types.Relationship) error
	DeleteRelationship(ctx context.Context, id string) error
	AppendChange(ctx context.Context, rec *types.ChangeRecord) (int64, error)
	EnqueueOutbound(ctx context.Context, rec *types.ChangeRecord) error
	SetMeta(ctx context.Context, key, value string) error
}

// QueuedChange is a pending outbound change with its queue identity.
type QueuedChange struct {
	QueueID int64
	Record  *types.ChangeRecord
}

// RepairFinding describes one corrupted or inconsistent row discovered by a
// repair scan. Findings never abort the scan; a damaged row must not block
// access to the rest of the store.
type RepairFinding struct {
	Table   string `json:"table"`
	Key     string `json:"key"`
	Problem string `json:"problem"`
}

// Metadata keys used by the sync machinery.
const (
	MetaNodeID        = "node_id"
	MetaSinceSequence = "since_sequence"
)

// EnsureNodeID returns the store's persisted node identity, minting and
// persisting one on first use. The generator is injected so callers control
// the id format.
func EnsureNodeID(ctx context.Context, s Store, generate func() string) (string, error) {
	id, err := s.GetMeta(ctx, MetaNodeID)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = generate()
		if err := s.SetMeta(ctx, MetaNodeID, id); err != nil {
			return "", err
		}
	}
	return id, nil
}
