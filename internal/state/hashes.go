package state

import (
	"database/sql"
	"errors"
)

func (db *DB) InitHashesTable() error {
	if db == nil || db.SQL == nil {
		return errors.New("nil db")
	}
	_, err := db.SQL.Exec(`CREATE TABLE IF NOT EXISTS file_hashes (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

// CachedHash returns the stored SHA256 for path when size and mtime still match.
func (db *DB) CachedHash(path string, size, mtime int64) (string, bool, error) {
	var sha string
	err := db.SQL.QueryRow(`SELECT sha256 FROM file_hashes WHERE path=? AND size=? AND mtime=?`, path, size, mtime).Scan(&sha)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return sha, true, nil
}

func (db *DB) PutHash(path string, size, mtime int64, sha string) error {
	_, err := db.SQL.Exec(`INSERT INTO file_hashes(path, size, mtime, sha256, updated_at) VALUES(?,?,?,?,strftime('%s','now'))
	ON CONFLICT(path) DO UPDATE SET size=excluded.size, mtime=excluded.mtime, sha256=excluded.sha256, updated_at=strftime('%s','now')`,
		path, size, mtime, sha)
	return err
}

func (db *DB) DeleteHash(path string) error {
	_, err := db.SQL.Exec(`DELETE FROM file_hashes WHERE path=?`, path)
	return err
}
