package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/adrianco/the-goodies/internal/types"
)

func putRelationship(ctx context.Context, q dbtx, r *types.Relationship) error {
	props := "{}"
	if r.Properties != nil {
		data, err := json.Marshal(r.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode relationship properties: %w", err)
		}
		props = string(data)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO relationships (id, from_entity_id, from_version, to_entity_id, to_version, type, properties, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FromEntityID, r.FromVersion, r.ToEntityID, r.ToVersion,
		string(r.Type), props, r.UserID, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return wrapDBError("put relationship", err)
}

func deleteRelationship(ctx context.Context, q dbtx, id string) error {
	res, err := q.ExecContext(ctx, "DELETE FROM relationships WHERE id = ?", id)
	if err != nil {
		return wrapDBError("delete relationship", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrapDBError("delete relationship", sql.ErrNoRows)
	}
	return nil
}

// PutRelationship stores a new relationship row.
func (s *Store) PutRelationship(ctx context.Context, r *types.Relationship) error {
	return putRelationship(ctx, s.db, r)
}

// GetRelationship returns one relationship by id.
func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+relationshipColumns+" FROM relationships WHERE id = ?", id)
	r, err := scanRelationship(row)
	if err != nil {
		return nil, wrapDBError("get relationship", err)
	}
	return r, nil
}

// DeleteRelationship removes a relationship row.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	return deleteRelationship(ctx, s.db, id)
}

// RelationshipsFrom returns relationships whose from endpoint is entityID.
func (s *Store) RelationshipsFrom(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+relationshipColumns+" FROM relationships WHERE from_entity_id = ? ORDER BY id", entityID)
	if err != nil {
		return nil, wrapDBError("relationships from", err)
	}
	out, err := collectRelationships(rows)
	if err != nil {
		return nil, wrapDBError("relationships from", err)
	}
	return out, nil
}

// RelationshipsTo returns relationships whose to endpoint is entityID.
func (s *Store) RelationshipsTo(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+relationshipColumns+" FROM relationships WHERE to_entity_id = ? ORDER BY id", entityID)
	if err != nil {
		return nil, wrapDBError("relationships to", err)
	}
	out, err := collectRelationships(rows)
	if err != nil {
		return nil, wrapDBError("relationships to", err)
	}
	return out, nil
}

// ListRelationships returns every relationship. Used for cold graph-index
// rebuilds.
func (s *Store) ListRelationships(ctx context.Context) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT " + relationshipColumns + " FROM relationships ORDER BY id")
	if err != nil {
		return nil, wrapDBError("list relationships", err)
	}
	out, err := collectRelationships(rows)
	if err != nil {
		return nil, wrapDBError("list relationships", err)
	}
	return out, nil
}
