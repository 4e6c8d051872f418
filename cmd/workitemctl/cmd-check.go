package main

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type cmdCheck struct {
	DBPath string    `long:"db-path" env:"RC_WORKITEM_DB_PATH" default:"devdata/workitems.db" description:"Path of the SQLite database to inspect"`
	Log    LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdCheck) Execute(_ []string) error {
	initLog(cmd.Log)

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", cmd.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()

	var version int
	if err := db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	fmt.Printf("schema version: %d\n", version)

	rows, err := db.Query(`
		SELECT queue_name, state, COUNT(*)
		FROM work_items
		GROUP BY queue_name, state
		ORDER BY queue_name, state`)
	if err != nil {
		return fmt.Errorf("counting work items: %w", err)
	}
	defer rows.Close()

	fmt.Println("work items:")
	for rows.Next() {
		var queue, state string
		var count int
		if err := rows.Scan(&queue, &state, &count); err != nil {
			return err
		}
		fmt.Printf("  %s/%s: %d\n", queue, state, count)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var files int
	if err := db.QueryRow(`SELECT COUNT(*) FROM work_item_files`).Scan(&files); err != nil {
		return fmt.Errorf("counting files: %w", err)
	}
	fmt.Printf("attached files: %d\n", files)
	return nil
}
