package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all run-history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		experiment    TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'NotStarted',
		status_detail TEXT NOT NULL DEFAULT '',
		request       TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		started_at    TEXT,
		ended_at      TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS steps (
		run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		node_id       TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		status_code   INTEGER,
		status_detail TEXT NOT NULL DEFAULT '',
		started_at    TEXT,
		ended_at      TEXT,
		PRIMARY KEY (run_id, node_id)
	)`,

	`CREATE TABLE IF NOT EXISTS step_logs (
		run_id  TEXT NOT NULL,
		node_id TEXT NOT NULL,
		name    TEXT NOT NULL,
		data    BLOB NOT NULL,
		PRIMARY KEY (run_id, node_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS drafts (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		request    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS endpoints (
		name            TEXT PRIMARY KEY,
		default_version TEXT NOT NULL,
		created_at      TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS pipelines (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		version       TEXT NOT NULL,
		endpoint_name TEXT NOT NULL DEFAULT '',
		request       TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pipelines_endpoint_version ON pipelines(endpoint_name, version) WHERE endpoint_name != ''`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string
}{
	{
		table:    "runs",
		column:   "pipeline_id",
		alterSQL: "ALTER TABLE runs ADD COLUMN pipeline_id TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_runs_pipeline_id ON runs(pipeline_id)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
