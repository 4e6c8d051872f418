// Package sqlite implements the work-item adapter over an embedded SQLite
// database. It targets local development and small single-host deployments:
// items live in a WAL-mode database file, attachments live on the local
// filesystem, and there is no expiry policy — items are retained until
// deleted.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/rcstack/workitems"
)

const adapterName = "sqlite"

// Config is the embedded-database connection configuration.
type Config struct {
	DBPath string `long:"db-path" env:"RC_WORKITEM_DB_PATH" description:"Path to the SQLite database file"`
}

// Adapter is a work-item adapter backed by a SQLite database file.
// database/sql's connection pool gives each concurrent caller its own
// reusable connection; the busy timeout in the DSN bounds lock waits.
type Adapter struct {
	db            *sql.DB
	queue         string
	outputQueue   string
	filesDir      string
	orphanTimeout time.Duration
}

// New opens (creating if necessary) the database at cfg.DBPath, applies any
// pending schema migrations, and returns a ready adapter.
func New(cfg Config, base workitems.Config) (*Adapter, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: RC_WORKITEM_DB_PATH is required", workitems.ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	if err := os.MkdirAll(base.FilesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating files directory: %w", err)
	}

	var dsn = fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on",
		cfg.DBPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.DBPath, err)
	}

	var a = &Adapter{
		db:            db,
		queue:         base.QueueName,
		outputQueue:   base.OutputQueueName(),
		filesDir:      base.FilesDir,
		orphanTimeout: base.OrphanTimeout(),
	}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"db":        cfg.DBPath,
		"queue":     a.queue,
		"files_dir": a.filesDir,
	}).Info("sqlite adapter initialized")
	return a, nil
}

// Close closes the underlying database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// translate maps driver errors onto the shared taxonomy. Lock contention
// ("database is locked") becomes a transient error so WithRetry picks it up.
func translate(op string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return workitems.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

const reserveSQL = `
UPDATE work_items
SET state = ?, reserved_at = CURRENT_TIMESTAMP
WHERE id = (
	SELECT id FROM work_items
	WHERE queue_name = ? AND state = ?
	ORDER BY created_at ASC, rowid ASC
	LIMIT 1
)
RETURNING id`

// ReserveInput atomically reserves the oldest PENDING item of the input
// queue. The single UPDATE … RETURNING statement serializes concurrent
// reservations: no two callers ever observe the same id.
func (a *Adapter) ReserveInput(ctx context.Context) (string, error) {
	var itemID string
	var err = workitems.WithRetry("reserve_input", func() error {
		var row = a.db.QueryRowContext(ctx, reserveSQL,
			workitems.StateReserved, a.queue, workitems.StatePending)
		if err := row.Scan(&itemID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: queue %q", workitems.ErrEmptyQueue, a.queue)
			}
			return translate("reserve_input", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	workitems.ReservedTotal.WithLabelValues(adapterName, a.queue).Inc()
	log.WithFields(log.Fields{"item": itemID, "queue": a.queue}).Info("reserved input work item")
	return itemID, nil
}

// ReleaseInput moves an item to a terminal state, stamping released_at and
// persisting exception details on failure. Releasing an unknown id logs a
// warning and succeeds.
func (a *Adapter) ReleaseInput(ctx context.Context, itemID string, state workitems.State, exc *workitems.Exception) error {
	if err := workitems.ValidateRelease(state, exc); err != nil {
		return err
	}

	var excType, excCode, excMessage interface{}
	if state == workitems.StateFailed && exc != nil {
		excType, excCode, excMessage = exc.Type, exc.Code, exc.Message
	}

	var err = workitems.WithRetry("release_input", func() error {
		res, err := a.db.ExecContext(ctx, `
			UPDATE work_items
			SET state = ?, reserved_at = NULL, released_at = CURRENT_TIMESTAMP,
			    exception_type = ?, exception_code = ?, exception_message = ?
			WHERE id = ?`,
			state, excType, excCode, excMessage, itemID)
		if err != nil {
			return translate("release_input", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			log.WithFields(log.Fields{"item": itemID, "queue": a.queue}).
				Warn("release of unknown work item ignored")
		}
		return nil
	})
	if err != nil {
		return err
	}

	workitems.ReleasedTotal.WithLabelValues(adapterName, a.queue, string(state)).Inc()
	var entry = log.WithFields(log.Fields{"item": itemID, "queue": a.queue, "state": state})
	if state == workitems.StateFailed {
		entry.WithField("exception", exc.Message).Error("released failed work item")
	} else {
		entry.Info("released work item")
	}
	return nil
}

// CreateOutput inserts a new PENDING item into the output queue.
func (a *Adapter) CreateOutput(ctx context.Context, parentID string, payload json.RawMessage) (string, error) {
	payload, err := workitems.NormalizePayload(payload)
	if err != nil {
		return "", err
	}
	return a.insert(ctx, a.outputQueue, parentID, payload)
}

// SeedInput inserts a new PENDING item into the input queue and attaches any
// seed files. The embedded backend has no callid column, so duplicate
// prevention is not enforced here.
func (a *Adapter) SeedInput(ctx context.Context, seed workitems.Seed) (string, error) {
	payload, err := workitems.NormalizePayload(seed.Payload)
	if err != nil {
		return "", err
	}
	if seed.CallID != "" {
		log.WithField("callid", seed.CallID).Debug("sqlite backend does not enforce callid uniqueness")
	}

	itemID, err := a.insert(ctx, a.queue, seed.ParentID, payload)
	if err != nil {
		return "", err
	}
	for _, f := range seed.Files {
		if err := a.AddFile(ctx, itemID, f.Name, f.Content); err != nil {
			return "", err
		}
	}
	return itemID, nil
}

func (a *Adapter) insert(ctx context.Context, queue, parentID string, payload json.RawMessage) (string, error) {
	var itemID = uuid.NewString()
	var parent interface{}
	if parentID != "" {
		parent = parentID
	}

	var err = workitems.WithRetry("create_work_item", func() error {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO work_items (id, queue_name, parent_id, payload, state, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			itemID, queue, parent, string(payload), workitems.StatePending)
		if err != nil {
			return translate("create_work_item", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	workitems.CreatedTotal.WithLabelValues(adapterName, queue).Inc()
	log.WithFields(log.Fields{"item": itemID, "queue": queue}).Info("created work item")
	return itemID, nil
}

// LoadPayload returns the item's JSON payload.
func (a *Adapter) LoadPayload(ctx context.Context, itemID string) (json.RawMessage, error) {
	var payload sql.NullString
	var err = workitems.WithRetry("load_payload", func() error {
		var row = a.db.QueryRowContext(ctx,
			`SELECT payload FROM work_items WHERE id = ?`, itemID)
		if err := row.Scan(&payload); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", workitems.ErrNotFound, itemID)
			}
			return translate("load_payload", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !payload.Valid || payload.String == "" {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(payload.String), nil
}

// SavePayload overwrites the item's JSON payload.
func (a *Adapter) SavePayload(ctx context.Context, itemID string, payload json.RawMessage) error {
	payload, err := workitems.NormalizePayload(payload)
	if err != nil {
		return err
	}
	return workitems.WithRetry("save_payload", func() error {
		res, err := a.db.ExecContext(ctx,
			`UPDATE work_items SET payload = ? WHERE id = ?`, string(payload), itemID)
		if err != nil {
			return translate("save_payload", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", workitems.ErrNotFound, itemID)
		}
		return nil
	})
}

// ListFiles returns the item's attachment names in lexical order.
func (a *Adapter) ListFiles(ctx context.Context, itemID string) ([]string, error) {
	var names []string
	var err = workitems.WithRetry("list_files", func() error {
		rows, err := a.db.QueryContext(ctx, `
			SELECT filename FROM work_item_files
			WHERE work_item_id = ? ORDER BY filename`, itemID)
		if err != nil {
			return translate("list_files", err)
		}
		defer rows.Close()

		names = names[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return translate("list_files", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// GetFile reads an attachment's bytes from the filesystem.
func (a *Adapter) GetFile(ctx context.Context, itemID, name string) ([]byte, error) {
	var path string
	var err = workitems.WithRetry("get_file", func() error {
		var row = a.db.QueryRowContext(ctx, `
			SELECT filepath FROM work_item_files
			WHERE work_item_id = ? AND filename = ?`, itemID, name)
		if err := row.Scan(&path); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileNotFound, name, itemID)
			}
			return translate("get_file", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s missing from filesystem", workitems.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("get_file: %w", err)
	}
	return content, nil
}

// AddFile attaches a file. The metadata row is inserted first so that
// duplicate names are rejected atomically before any bytes hit the disk;
// the blob write follows, and a failed write rolls the row back.
func (a *Adapter) AddFile(ctx context.Context, itemID, name string, content []byte) error {
	if err := workitems.ValidateFilename(name); err != nil {
		return err
	}
	if err := workitems.ValidateFileSize(int64(len(content))); err != nil {
		return err
	}

	var path = filepath.Join(a.filesDir, itemID, name)
	var err = workitems.WithRetry("add_file", func() error {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO work_item_files (work_item_id, filename, filepath)
			VALUES (?, ?, ?)`, itemID, name, path)
		if err != nil {
			var serr sqlite3.Error
			if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
				if serr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
					return fmt.Errorf("%w: %s", workitems.ErrNotFound, itemID)
				}
				return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileExists, name, itemID)
			}
			return translate("add_file", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		err = os.WriteFile(path, content, 0o644)
	}
	if err != nil {
		a.db.ExecContext(ctx,
			`DELETE FROM work_item_files WHERE work_item_id = ? AND filename = ?`, itemID, name)
		return fmt.Errorf("add_file: writing %s: %w", path, err)
	}

	log.WithFields(log.Fields{"item": itemID, "file": name, "bytes": len(content)}).
		Info("added work item file")
	return nil
}

// RemoveFile detaches a file and deletes its blob from the filesystem.
func (a *Adapter) RemoveFile(ctx context.Context, itemID, name string) error {
	var path string
	var err = workitems.WithRetry("remove_file", func() error {
		var row = a.db.QueryRowContext(ctx, `
			SELECT filepath FROM work_item_files
			WHERE work_item_id = ? AND filename = ?`, itemID, name)
		if err := row.Scan(&path); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileNotFound, name, itemID)
			}
			return translate("remove_file", err)
		}
		_, err := a.db.ExecContext(ctx, `
			DELETE FROM work_item_files
			WHERE work_item_id = ? AND filename = ?`, itemID, name)
		if err != nil {
			return translate("remove_file", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove_file: deleting %s: %w", path, err)
	}
	return nil
}

// RecoverOrphanedWorkItems returns RESERVED items older than the timeout to
// PENDING in a single statement, served by the partial orphan index.
func (a *Adapter) RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = a.orphanTimeout
	}
	var modifier = fmt.Sprintf("+%d seconds", int64(timeout.Seconds()))

	var recovered []string
	var err = workitems.WithRetry("recover_orphaned_work_items", func() error {
		rows, err := a.db.QueryContext(ctx, `
			UPDATE work_items
			SET state = ?, reserved_at = NULL
			WHERE queue_name = ?
			  AND state = ?
			  AND reserved_at IS NOT NULL
			  AND datetime(reserved_at, ?) < datetime('now')
			RETURNING id`,
			workitems.StatePending, a.queue, workitems.StateReserved, modifier)
		if err != nil {
			return translate("recover_orphaned_work_items", err)
		}
		defer rows.Close()

		recovered = recovered[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return translate("recover_orphaned_work_items", err)
			}
			recovered = append(recovered, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	if len(recovered) > 0 {
		workitems.RecoveredTotal.WithLabelValues(adapterName, a.queue).Add(float64(len(recovered)))
		log.WithFields(log.Fields{
			"count":   len(recovered),
			"timeout": timeout,
			"items":   recovered,
		}).Warn("recovered orphaned work items")
	}
	return recovered, nil
}
