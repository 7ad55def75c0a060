package sqlite

const schema = `
-- Entity versions. Rows are immutable once written; (id, version) is the
-- identity of one revision. content is JSON text, NULL for tombstones.
CREATE TABLE IF NOT EXISTS entities (
    id TEXT NOT NULL,
    version TEXT NOT NULL,
    type TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    content TEXT,
    parent_versions TEXT NOT NULL DEFAULT '[]',
    user_id TEXT NOT NULL,
    source_type TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
CREATE INDEX IF NOT EXISTS idx_entities_updated_at ON entities(updated_at);

-- Current-version pointer, exactly one row per entity id.
CREATE TABLE IF NOT EXISTS current_versions (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL
);

-- Relationships between entities. from_version/to_version are empty unless
-- the edge pins a specific endpoint version.
CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    from_entity_id TEXT NOT NULL,
    from_version TEXT NOT NULL DEFAULT '',
    to_entity_id TEXT NOT NULL,
    to_version TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    properties TEXT NOT NULL DEFAULT '{}',
    user_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(type);

-- Append-only change log. sequence is assigned by AUTOINCREMENT so it stays
-- strictly increasing even across deletes (there are none, but AUTOINCREMENT
-- also prevents rowid reuse after a crash).
CREATE TABLE IF NOT EXISTS change_log (
    sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version TEXT NOT NULL,
    prior_version TEXT NOT NULL DEFAULT '',
    parent_versions TEXT NOT NULL DEFAULT '[]',
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    content TEXT,
    user_id TEXT NOT NULL,
    origin_node_id TEXT NOT NULL,
    timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_id);
CREATE INDEX IF NOT EXISTS idx_change_log_origin ON change_log(origin_node_id);

-- Outbound queue of local changes awaiting sync (client replicas only).
CREATE TABLE IF NOT EXISTS outbound_queue (
    queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
    record TEXT NOT NULL,
    enqueued_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

-- Internal key/value metadata (node id, sync cursor).
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
