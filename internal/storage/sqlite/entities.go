package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/adrianco/the-goodies/internal/types"
)

// putVersion appends a new immutable entity row. Fails with
// storage.ErrDuplicateVersion if (id, version) already exists.
func putVersion(ctx context.Context, q dbtx, e *types.Entity) error {
	content, err := marshalContent(e.Content)
	if err != nil {
		return err
	}
	parents, err := marshalStrings(e.ParentVersions)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (id, version, type, name, content, parent_versions, user_id, source_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Version, string(e.Type), e.Name, content, parents,
		e.UserID, string(e.SourceType), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return wrapDBError("put version", err)
}

func getVersion(ctx context.Context, q dbtx, id, version string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ? AND version = ?", id, version)
	e, err := scanEntity(row)
	if err != nil {
		return nil, wrapDBError("get version", err)
	}
	return e, nil
}

func getCurrent(ctx context.Context, q dbtx, id string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumnsQualified+` FROM entities
		JOIN current_versions cv ON entities.id = cv.id AND entities.version = cv.version
		WHERE entities.id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, wrapDBError("get current", err)
	}
	return e, nil
}

func setCurrent(ctx context.Context, q dbtx, id, version string) error {
	// The version being promoted must exist as a row.
	var one int
	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM entities WHERE id = ? AND version = ?", id, version).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wrapDBError("set current", sql.ErrNoRows)
		}
		return wrapDBError("set current", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO current_versions (id, version) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version`, id, version)
	return wrapDBError("set current", err)
}

// PutVersion appends a new immutable entity row.
func (s *Store) PutVersion(ctx context.Context, e *types.Entity) error {
	return putVersion(ctx, s.db, e)
}

// GetVersion returns one specific revision of an entity.
func (s *Store) GetVersion(ctx context.Context, id, version string) (*types.Entity, error) {
	return getVersion(ctx, s.db, id, version)
}

// GetCurrent returns the current version of an entity.
func (s *Store) GetCurrent(ctx context.Context, id string) (*types.Entity, error) {
	return getCurrent(ctx, s.db, id)
}

// ListVersions returns every stored version string for id, oldest first.
// Version strings embed a millisecond timestamp prefix, so lexicographic
// order is chronological order.
func (s *Store) ListVersions(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version FROM entities WHERE id = ? ORDER BY version", id)
	if err != nil {
		return nil, wrapDBError("list versions", err)
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapDBError("list versions", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list versions", err)
	}
	if len(versions) == 0 {
		return nil, wrapDBError("list versions", sql.ErrNoRows)
	}
	return versions, nil
}

// SetCurrent atomically repoints the current-version pointer for id.
// Call inside RunInTransaction together with PutVersion and AppendChange.
func (s *Store) SetCurrent(ctx context.Context, id, version string) error {
	return setCurrent(ctx, s.db, id, version)
}

// ListCurrent returns the current version of every entity. Used for cold
// graph-index rebuilds.
func (s *Store) ListCurrent(ctx context.Context) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumnsQualified+` FROM entities
		JOIN current_versions cv ON entities.id = cv.id AND entities.version = cv.version
		ORDER BY entities.id`)
	if err != nil {
		return nil, wrapDBError("list current", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, wrapDBError("list current", err)
	}
	return out, nil
}

// FindByType returns current entities of the given type.
func (s *Store) FindByType(ctx context.Context, t types.EntityType) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumnsQualified+` FROM entities
		JOIN current_versions cv ON entities.id = cv.id AND entities.version = cv.version
		WHERE entities.type = ? ORDER BY entities.id`, string(t))
	if err != nil {
		return nil, wrapDBError("find by type", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, wrapDBError("find by type", err)
	}
	return out, nil
}

// FindByNameSubstring returns current entities whose name contains q,
// case-insensitively.
func (s *Store) FindByNameSubstring(ctx context.Context, q string) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumnsQualified+` FROM entities
		JOIN current_versions cv ON entities.id = cv.id AND entities.version = cv.version
		WHERE entities.name LIKE '%' || ? || '%' COLLATE NOCASE
		ORDER BY entities.id`, q)
	if err != nil {
		return nil, wrapDBError("find by name", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, wrapDBError("find by name", err)
	}
	return out, nil
}
