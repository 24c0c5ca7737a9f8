package memory

import (
	"database/sql"
	"fmt"
)

// schemaVersion is stamped into schema_info after a successful
// initializeSchema run. Bump it when the layout below changes; startup then
// re-applies the (create-if-missing) DDL against the existing file.
const schemaVersion = 1

// schema defines the full on-disk layout. Every statement is idempotent so
// the whole block can run on each process start without a migration tool.
const schema = `
-- Version marker; single row, stamped after DDL applies
CREATE TABLE IF NOT EXISTS schema_info (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL
);

-- Observations: the primary knowledge table.
-- AUTOINCREMENT keeps ids monotonically increasing and never reused, even
-- after rows move to the archive.
CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    subtitle TEXT,
    facts TEXT,
    narrative TEXT,
    concepts TEXT,
    files_read TEXT,
    files_modified TEXT,
    confidence TEXT NOT NULL DEFAULT 'high',
    bead_id TEXT,
    supersedes INTEGER,
    superseded_by INTEGER,
    markdown_file TEXT,
    created_at TEXT NOT NULL,
    created_at_epoch INTEGER NOT NULL,
    updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_observations_epoch ON observations(created_at_epoch);
CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type);
-- Partial index for the common "active rows" predicate
CREATE INDEX IF NOT EXISTS idx_observations_active ON observations(created_at_epoch) WHERE superseded_by IS NULL;

-- Synchronized full-text index over the searchable columns.
-- External-content table: row content lives in observations; the triggers
-- below keep the index current on every insert/update/delete.
CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
    title, subtitle, narrative, concepts, facts,
    content=observations, content_rowid=id
);

CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
    INSERT INTO observations_fts(rowid, title, subtitle, narrative, concepts, facts)
    VALUES (new.id, new.title, new.subtitle, new.narrative, new.concepts, new.facts);
END;

CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
    INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative, concepts, facts)
    VALUES ('delete', old.id, old.title, old.subtitle, old.narrative, old.concepts, old.facts);
END;

CREATE TRIGGER IF NOT EXISTS observations_au AFTER UPDATE ON observations BEGIN
    INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative, concepts, facts)
    VALUES ('delete', old.id, old.title, old.subtitle, old.narrative, old.concepts, old.facts);
    INSERT INTO observations_fts(rowid, title, subtitle, narrative, concepts, facts)
    VALUES (new.id, new.title, new.subtitle, new.narrative, new.concepts, new.facts);
END;

-- Archive: append-only destination for rows removed from the primary table.
-- Same columns plus the archival stamp; id keeps its original value.
CREATE TABLE IF NOT EXISTS archived_observations (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    subtitle TEXT,
    facts TEXT,
    narrative TEXT,
    concepts TEXT,
    files_read TEXT,
    files_modified TEXT,
    confidence TEXT NOT NULL DEFAULT 'high',
    bead_id TEXT,
    supersedes INTEGER,
    superseded_by INTEGER,
    markdown_file TEXT,
    created_at TEXT NOT NULL,
    created_at_epoch INTEGER NOT NULL,
    updated_at TEXT,
    archived_at TEXT NOT NULL,
    archived_at_epoch INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archived_epoch ON archived_observations(archived_at_epoch);

-- Memory files: keyed text blobs, independent of observations
CREATE TABLE IF NOT EXISTS memory_files (
    file_path TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    mode TEXT NOT NULL DEFAULT 'replace',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Action queue: ephemeral snapshot, fully replaced on each sync
CREATE TABLE IF NOT EXISTS action_queue_items (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    status TEXT NOT NULL,
    title TEXT NOT NULL,
    owner TEXT,
    payload TEXT
);
`

// initializeSchema reads the version marker and applies the DDL when the
// stored version is behind. Safe to call on every open: all statements are
// create-if-missing.
func initializeSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow(`SELECT version FROM schema_info WHERE id = 1`).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		// Table likely doesn't exist yet; treat as version 0.
		current = 0
	}
	if current >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO schema_info (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version
	`, schemaVersion)
	if err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}
