package store

import (
	"database/sql"
	"errors"
)

const metaLastOKRun = "last_ok_run"

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// setMetadata upserts a key-value pair in the journal_metadata table.
func setMetadata(db execer, key, value string) error {
	_, err := db.Exec(
		`INSERT INTO journal_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (j *Journal) GetMetadata(key string) (string, error) {
	var value string
	err := j.db.QueryRow(`SELECT value FROM journal_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// LastSuccessfulRun returns the most recent run that reported no failure,
// or nil if there is none.
func (j *Journal) LastSuccessfulRun() (*Run, error) {
	id, err := j.GetMetadata(metaLastOKRun)
	if err != nil || id == "" {
		return nil, err
	}
	r, err := j.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
