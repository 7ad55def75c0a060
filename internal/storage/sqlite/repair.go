package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adrianco/the-goodies/internal/storage"
)

// RepairScan walks the store and reports invariant violations without
// aborting on the first damaged row. A corrupt row yields a finding; the
// scan continues so one bad record never blocks access to the rest.
//
// Checked invariants:
//   - every entity row decodes (content JSON, parent_versions JSON, timestamps)
//   - every current_versions pointer targets an existing (id, version) row
//   - every entity id with versions has exactly one current pointer
//   - every parent version listed by a row exists as a prior row of the same id
//   - relationship endpoints reference known entity ids
//   - change_log sequences are contiguous
func (s *Store) RepairScan(ctx context.Context) ([]storage.RepairFinding, error) {
	var findings []storage.RepairFinding
	add := func(table, key, format string, args ...any) {
		findings = append(findings, storage.RepairFinding{
			Table:   table,
			Key:     key,
			Problem: fmt.Sprintf(format, args...),
		})
	}

	// Pass 1: row-level decode of every entity version.
	versions := map[string]map[string]bool{} // id -> set of versions
	rows, err := s.db.QueryContext(ctx, "SELECT "+entityColumns+" FROM entities ORDER BY id, version")
	if err != nil {
		return nil, wrapDBError("repair scan", err)
	}
	type parentCheck struct {
		id, version string
		parents     []string
	}
	var parentChecks []parentCheck
	func() {
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				add("entities", "?", "undecodable row: %v", err)
				continue
			}
			if versions[e.ID] == nil {
				versions[e.ID] = map[string]bool{}
			}
			versions[e.ID][e.Version] = true
			parentChecks = append(parentChecks, parentCheck{e.ID, e.Version, e.ParentVersions})
		}
	}()
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("repair scan", err)
	}

	// Pass 2: parent lineage.
	for _, pc := range parentChecks {
		for _, parent := range pc.parents {
			if !versions[pc.id][parent] {
				add("entities", pc.id+"@"+pc.version,
					"parent version %s not present in store", parent)
			}
		}
	}

	// Pass 3: current pointers.
	seen := map[string]bool{}
	curRows, err := s.db.QueryContext(ctx, "SELECT id, version FROM current_versions")
	if err != nil {
		return nil, wrapDBError("repair scan", err)
	}
	func() {
		defer curRows.Close()
		for curRows.Next() {
			var id, version string
			if err := curRows.Scan(&id, &version); err != nil {
				add("current_versions", "?", "undecodable row: %v", err)
				continue
			}
			seen[id] = true
			if !versions[id][version] {
				add("current_versions", id, "points at missing version %s", version)
			}
		}
	}()
	if err := curRows.Err(); err != nil {
		return nil, wrapDBError("repair scan", err)
	}
	for id := range versions {
		if !seen[id] {
			add("current_versions", id, "entity has versions but no current pointer")
		}
	}

	// Pass 4: relationship endpoints.
	relRows, err := s.db.QueryContext(ctx, "SELECT id, from_entity_id, to_entity_id FROM relationships")
	if err != nil {
		return nil, wrapDBError("repair scan", err)
	}
	func() {
		defer relRows.Close()
		for relRows.Next() {
			var id, from, to string
			if err := relRows.Scan(&id, &from, &to); err != nil {
				add("relationships", "?", "undecodable row: %v", err)
				continue
			}
			if len(versions[from]) == 0 {
				add("relationships", id, "from endpoint %s does not exist", from)
			}
			if len(versions[to]) == 0 {
				add("relationships", id, "to endpoint %s does not exist", to)
			}
		}
	}()
	if err := relRows.Err(); err != nil {
		return nil, wrapDBError("repair scan", err)
	}

	// Pass 5: change-log contiguity.
	var minSeq, maxSeq, count sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		"SELECT MIN(sequence), MAX(sequence), COUNT(*) FROM change_log").
		Scan(&minSeq, &maxSeq, &count)
	if err != nil {
		return nil, wrapDBError("repair scan", err)
	}
	if count.Int64 > 0 {
		expected := maxSeq.Int64 - minSeq.Int64 + 1
		if count.Int64 != expected {
			add("change_log", "sequence",
				"log has %d records but spans sequences %d..%d (gaps)",
				count.Int64, minSeq.Int64, maxSeq.Int64)
		}
	}

	return findings, nil
}
