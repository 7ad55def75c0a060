package sqlite

import (
	"context"
	"fmt"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

func appendChange(ctx context.Context, q dbtx, rec *types.ChangeRecord) (int64, error) {
	content, err := marshalContent(rec.Content)
	if err != nil {
		return 0, err
	}
	parents, err := marshalStrings(rec.ParentVersions)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO change_log (kind, entity_id, version, prior_version, parent_versions, entity_type, name, content, user_id, origin_node_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.EntityID, rec.Version, rec.PriorVersion, parents,
		string(rec.EntityType), rec.Name, content, rec.UserID, rec.OriginNodeID,
		formatTime(rec.Timestamp))
	if err != nil {
		return 0, wrapDBError("append change", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("append change", err)
	}
	return seq, nil
}

// AppendChange appends a record to the change log and returns its assigned
// sequence number.
func (s *Store) AppendChange(ctx context.Context, rec *types.ChangeRecord) (int64, error) {
	return appendChange(ctx, s.db, rec)
}

// ScanChanges returns up to limit change records with sequence greater than
// sinceSequence, in sequence order. Returns storage.ErrSequenceAhead when
// sinceSequence is beyond the end of the log.
func (s *Store) ScanChanges(ctx context.Context, sinceSequence int64, limit int) ([]*types.ChangeRecord, error) {
	last, err := s.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	if sinceSequence > last {
		return nil, fmt.Errorf("scan changes from %d (log ends at %d): %w",
			sinceSequence, last, storage.ErrSequenceAhead)
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM change_log
		WHERE sequence > ? ORDER BY sequence LIMIT ?`, sinceSequence, limit)
	if err != nil {
		return nil, wrapDBError("scan changes", err)
	}
	out, err := collectChanges(rows)
	if err != nil {
		return nil, wrapDBError("scan changes", err)
	}
	return out, nil
}

// LastSequence returns the highest sequence number in the change log, or 0
// for an empty log.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM change_log").Scan(&seq)
	if err != nil {
		return 0, wrapDBError("last sequence", err)
	}
	return seq, nil
}
