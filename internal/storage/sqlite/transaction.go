package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// Verify txStore implements storage.Transaction at compile time
var _ storage.Transaction = (*txStore)(nil)

// txStore implements the storage.Transaction interface. It wraps a
// dedicated database connection with an active transaction.
type txStore struct {
	conn *sql.Conn
}

// RunInTransaction executes fn within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// preventing deadlocks when multiple goroutines compete for it. On success
// the transaction commits; on error or panic it rolls back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	// A dedicated connection ensures every operation in the transaction
	// uses the same underlying SQLite handle.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so the rollback completes even if ctx is
			// already cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&txStore{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying on
// SQLITE_BUSY with doubling delays.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func (t *txStore) PutVersion(ctx context.Context, e *types.Entity) error {
	return putVersion(ctx, t.conn, e)
}

func (t *txStore) GetVersion(ctx context.Context, id, version string) (*types.Entity, error) {
	return getVersion(ctx, t.conn, id, version)
}

func (t *txStore) GetCurrent(ctx context.Context, id string) (*types.Entity, error) {
	return getCurrent(ctx, t.conn, id)
}

func (t *txStore) SetCurrent(ctx context.Context, id, version string) error {
	return setCurrent(ctx, t.conn, id, version)
}

func (t *txStore) PutRelationship(ctx context.Context, r *types.Relationship) error {
	return putRelationship(ctx, t.conn, r)
}

func (t *txStore) DeleteRelationship(ctx context.Context, id string) error {
	return deleteRelationship(ctx, t.conn, id)
}

func (t *txStore) AppendChange(ctx context.Context, rec *types.ChangeRecord) (int64, error) {
	return appendChange(ctx, t.conn, rec)
}

func (t *txStore) EnqueueOutbound(ctx context.Context, rec *types.ChangeRecord) error {
	return enqueueOutbound(ctx, t.conn, rec)
}

func (t *txStore) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, t.conn, key, value)
}
