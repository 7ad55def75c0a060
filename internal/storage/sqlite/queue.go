package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// The outbound queue holds locally authored changes until a sync cycle
// drains them. Records are stored as JSON so the queue schema never needs
// to track change-record fields.

func enqueueOutbound(ctx context.Context, q dbtx, rec *types.ChangeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode queued change: %w", err)
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO outbound_queue (record) VALUES (?)", string(data))
	return wrapDBError("enqueue outbound", err)
}

// EnqueueOutbound appends a change to the outbound sync queue.
func (s *Store) EnqueueOutbound(ctx context.Context, rec *types.ChangeRecord) error {
	return enqueueOutbound(ctx, s.db, rec)
}

// DequeueOutbound returns up to limit queued changes in enqueue order.
// Records stay queued until acknowledged with AckOutbound, so a failed sync
// cycle leaves the queue intact.
func (s *Store) DequeueOutbound(ctx context.Context, limit int) ([]*storage.QueuedChange, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT queue_id, record FROM outbound_queue ORDER BY queue_id LIMIT ?", limit)
	if err != nil {
		return nil, wrapDBError("dequeue outbound", err)
	}
	defer rows.Close()
	var out []*storage.QueuedChange
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, wrapDBError("dequeue outbound", err)
		}
		rec := &types.ChangeRecord{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, fmt.Errorf("failed to decode queued change %d: %w", id, err)
		}
		out = append(out, &storage.QueuedChange{QueueID: id, Record: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("dequeue outbound", err)
	}
	return out, nil
}

// AckOutbound removes acknowledged changes from the queue.
func (s *Store) AckOutbound(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM outbound_queue WHERE queue_id IN ("+placeholders+")", args...)
	return wrapDBError("ack outbound", err)
}

// OutboundDepth returns the number of changes waiting to sync.
func (s *Store) OutboundDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbound_queue").Scan(&n)
	if err != nil {
		return 0, wrapDBError("outbound depth", err)
	}
	return n, nil
}

// SetMeta stores an internal metadata value (node id, sync cursor).
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, s.db, key, value)
}

// GetMeta returns an internal metadata value, or "" if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError("get meta", err)
	}
	return value, nil
}

func setMeta(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapDBError("set meta", err)
}
