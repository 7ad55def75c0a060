package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// dbtx abstracts over *sql.DB and *sql.Conn so the query helpers below can
// run both on the pool and inside an explicit transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// marshalContent encodes entity content as JSON text. nil (tombstone) maps
// to SQL NULL so it round-trips distinctly from the empty object.
func marshalContent(content map[string]any) (sql.NullString, error) {
	if content == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode content: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalContent(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid {
		return nil, nil
	}
	content := map[string]any{}
	if err := json.Unmarshal([]byte(raw.String), &content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return content, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	values := []string{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string list: %w", err)
	}
	return values, nil
}

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to storage.ErrNotFound and unique-constraint violations to
// storage.ErrDuplicateVersion for consistent error handling.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicateVersion)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// scanEntity reads one entity row in the column order used by entityColumns.
const entityColumns = "id, version, type, name, content, parent_versions, user_id, source_type, created_at, updated_at"

// entityColumnsQualified is entityColumns prefixed with the entities table,
// for queries joining current_versions where id and version are ambiguous.
const entityColumnsQualified = "entities.id, entities.version, entities.type, entities.name, entities.content, entities.parent_versions, entities.user_id, entities.source_type, entities.created_at, entities.updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e          types.Entity
		content    sql.NullString
		parents    string
		createdAt  string
		updatedAt  string
		sourceType string
	)
	if err := row.Scan(&e.ID, &e.Version, &e.Type, &e.Name, &content, &parents,
		&e.UserID, &sourceType, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Content, err = unmarshalContent(content); err != nil {
		return nil, err
	}
	if e.ParentVersions, err = unmarshalStrings(parents); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for %s@%s: %w", e.ID, e.Version, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for %s@%s: %w", e.ID, e.Version, err)
	}
	e.SourceType = types.SourceType(sourceType)
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]*types.Entity, error) {
	defer rows.Close()
	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const relationshipColumns = "id, from_entity_id, from_version, to_entity_id, to_version, type, properties, user_id, created_at, updated_at"

func scanRelationship(row rowScanner) (*types.Relationship, error) {
	var (
		r         types.Relationship
		props     string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&r.ID, &r.FromEntityID, &r.FromVersion, &r.ToEntityID,
		&r.ToVersion, &r.Type, &props, &r.UserID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if props != "" && props != "{}" {
		r.Properties = map[string]any{}
		if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
			return nil, fmt.Errorf("bad properties for relationship %s: %w", r.ID, err)
		}
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for relationship %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for relationship %s: %w", r.ID, err)
	}
	return &r, nil
}

func collectRelationships(rows *sql.Rows) ([]*types.Relationship, error) {
	defer rows.Close()
	var out []*types.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const changeColumns = "sequence, kind, entity_id, version, prior_version, parent_versions, entity_type, name, content, user_id, origin_node_id, timestamp"

func scanChange(row rowScanner) (*types.ChangeRecord, error) {
	var (
		c       types.ChangeRecord
		content sql.NullString
		parents string
		stamp   string
	)
	if err := row.Scan(&c.Sequence, &c.Kind, &c.EntityID, &c.Version, &c.PriorVersion,
		&parents, &c.EntityType, &c.Name, &content, &c.UserID, &c.OriginNodeID, &stamp); err != nil {
		return nil, err
	}
	var err error
	if c.Content, err = unmarshalContent(content); err != nil {
		return nil, err
	}
	if c.ParentVersions, err = unmarshalStrings(parents); err != nil {
		return nil, err
	}
	if c.Timestamp, err = parseTime(stamp); err != nil {
		return nil, fmt.Errorf("bad timestamp for change %d: %w", c.Sequence, err)
	}
	return &c, nil
}

func collectChanges(rows *sql.Rows) ([]*types.ChangeRecord, error) {
	defer rows.Close()
	var out []*types.ChangeRecord
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
