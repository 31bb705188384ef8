// Package store persists the wrong-question document and the history of
// sync runs.
package store

import (
	"database/sql"
	"fmt"

	"github.com/pavelanni/errortk/internal/model"

	_ "modernc.org/sqlite"
)

// Journal records sync runs in SQLite.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (and creates if needed) the journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		incremental INTEGER NOT NULL DEFAULT 0,
		canceled INTEGER NOT NULL DEFAULT 0,
		ok INTEGER NOT NULL DEFAULT 0,
		store_path TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		source TEXT NOT NULL,
		discovered INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		fetched INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		comments_attempted INTEGER NOT NULL DEFAULT 0,
		comment_failures INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		UNIQUE (run_id, source),
		FOREIGN KEY (run_id) REFERENCES sync_runs(id)
	);

	CREATE TABLE IF NOT EXISTS journal_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Run is one row of sync_runs.
type Run struct {
	ID        string
	StorePath string
	OK        bool
	Summary   model.Summary
}

// RecordRun stores a finished run and its per-source reports.
func (j *Journal) RecordRun(sum *model.Summary, storePath string) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sync_runs (id, started_at, finished_at, incremental, canceled, ok, store_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.StartedAt, sum.FinishedAt, sum.Incremental, sum.Canceled, sum.OK(), storePath,
	)
	if err != nil {
		return err
	}

	for _, r := range sum.Sources {
		_, err := tx.Exec(
			`INSERT INTO sync_sources (run_id, source, discovered, skipped, fetched, failed, inserted, updated,
			 comments_attempted, comment_failures, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, r.Source, r.Discovered, r.Skipped, r.Fetched, r.Failed, r.Inserted, r.Updated,
			r.CommentsAttempted, r.CommentFailures, r.Error,
		)
		if err != nil {
			return err
		}
	}
	if sum.OK() {
		if err := setMetadata(tx, metaLastOKRun, sum.RunID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs first, without their source reports.
// limit <= 0 returns every run.
func (j *Journal) ListRuns(limit int) ([]Run, error) {
	query := `SELECT id, started_at, finished_at, incremental, canceled, ok, store_path
		FROM sync_runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its source reports.
func (j *Journal) GetRun(id string) (Run, error) {
	r, err := scanRun(j.db.QueryRow(
		`SELECT id, started_at, finished_at, incremental, canceled, ok, store_path
		 FROM sync_runs WHERE id = ?`, id,
	))
	if err != nil {
		return r, err
	}
	r.Summary.Sources, err = j.sourceReports(id)
	return r, err
}

func (j *Journal) sourceReports(runID string) ([]model.SourceReport, error) {
	rows, err := j.db.Query(
		`SELECT source, discovered, skipped, fetched, failed, inserted, updated,
		 comments_attempted, comment_failures, error
		 FROM sync_sources WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []model.SourceReport
	for rows.Next() {
		var r model.SourceReport
		if err := rows.Scan(&r.Source, &r.Discovered, &r.Skipped, &r.Fetched, &r.Failed, &r.Inserted, &r.Updated,
			&r.CommentsAttempted, &r.CommentFailures, &r.Error); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// RunCount returns the number of recorded runs.
func (j *Journal) RunCount() (int, error) {
	var count int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM sync_runs`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Summary.StartedAt, &r.Summary.FinishedAt, &r.Summary.Incremental,
		&r.Summary.Canceled, &r.OK, &r.StorePath)
	r.Summary.RunID = r.ID
	return r, err
}
