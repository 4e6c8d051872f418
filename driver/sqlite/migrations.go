package sqlite

import (
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/rcstack/workitems"
)

// schemaVersion is the highest migration known to this build. A database
// reporting a newer version fails loudly with ErrSchemaVersionMismatch.
const schemaVersion = 4

// migrations holds the ordered schema migrations; migrations[n-1] brings the
// database to version n. Each runs inside a transaction together with its
// schema_version record.
var migrations = [schemaVersion]func(*sql.Tx) error{
	migrateV1,
	migrateV2,
	migrateV3,
	migrateV4,
}

func (a *Adapter) initSchema() error {
	if _, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	var row = a.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("detecting schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("%w: database is at v%d but this build supports up to v%d",
			workitems.ErrSchemaVersionMismatch, current, schemaVersion)
	}

	for version := current + 1; version <= schemaVersion; version++ {
		if err := a.applyMigration(version); err != nil {
			return fmt.Errorf("migrating to v%d: %w", version, err)
		}
		log.WithField("version", version).Info("applied schema migration")
	}
	return nil
}

func (a *Adapter) applyMigration(version int) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrations[version-1](tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`,
		version); err != nil {
		return err
	}
	return tx.Commit()
}

// migrateV1 creates the initial schema. The state CHECK still carries the
// legacy DONE value; migrateV4 rewrites it.
func migrateV1(tx *sql.Tx) error {
	var stmts = []string{
		`CREATE TABLE work_items (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			parent_id TEXT,
			payload TEXT,
			state TEXT DEFAULT 'PENDING'
				CHECK(state IN ('PENDING', 'RESERVED', 'DONE', 'FAILED')),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (parent_id) REFERENCES work_items(id)
		)`,
		`CREATE INDEX idx_queue_state ON work_items(queue_name, state, created_at)`,
		`CREATE INDEX idx_parent ON work_items(parent_id)`,
		`CREATE TABLE work_item_files (
			work_item_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			filepath TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (work_item_id, filename),
			FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds durable exception capture for FAILED releases.
func migrateV2(tx *sql.Tx) error {
	var stmts = []string{
		`ALTER TABLE work_items ADD COLUMN exception_type TEXT`,
		`ALTER TABLE work_items ADD COLUMN exception_code TEXT`,
		`ALTER TABLE work_items ADD COLUMN exception_message TEXT`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV3 adds the lifecycle timestamps and the partial index that serves
// orphan recovery scans.
func migrateV3(tx *sql.Tx) error {
	var stmts = []string{
		`ALTER TABLE work_items ADD COLUMN reserved_at TIMESTAMP`,
		`ALTER TABLE work_items ADD COLUMN released_at TIMESTAMP`,
		`CREATE INDEX idx_orphan_check ON work_items(state, reserved_at)
			WHERE state='RESERVED'`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV4 replaces the legacy DONE state with COMPLETED. SQLite cannot
// alter a CHECK constraint in place, so the table is rebuilt: rows are copied
// into a shadow table (mapping DONE to COMPLETED), the old table is dropped,
// the shadow is renamed, and the indexes are recreated.
func migrateV4(tx *sql.Tx) error {
	var stmts = []string{
		`CREATE TABLE work_items_new (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			parent_id TEXT,
			payload TEXT,
			state TEXT DEFAULT 'PENDING'
				CHECK(state IN ('PENDING', 'RESERVED', 'COMPLETED', 'FAILED')),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			exception_type TEXT,
			exception_code TEXT,
			exception_message TEXT,
			reserved_at TIMESTAMP,
			released_at TIMESTAMP,
			FOREIGN KEY (parent_id) REFERENCES work_items_new(id)
		)`,
		`INSERT INTO work_items_new
			SELECT id, queue_name, parent_id, payload,
			       CASE WHEN state = 'DONE' THEN 'COMPLETED' ELSE state END,
			       created_at, exception_type, exception_code, exception_message,
			       reserved_at, released_at
			FROM work_items`,
		`DROP INDEX IF EXISTS idx_queue_state`,
		`DROP INDEX IF EXISTS idx_parent`,
		`DROP INDEX IF EXISTS idx_orphan_check`,
		`DROP TABLE work_items`,
		`ALTER TABLE work_items_new RENAME TO work_items`,
		`CREATE INDEX idx_queue_state ON work_items(queue_name, state, created_at)`,
		`CREATE INDEX idx_parent ON work_items(parent_id)`,
		`CREATE INDEX idx_orphan_check ON work_items(state, reserved_at)
			WHERE state='RESERVED'`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
