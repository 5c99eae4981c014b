package state

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// InstalledModel links a file in the models tree to its CivitAI version.
type InstalledModel struct {
	Path            string    `json:"path"`
	SHA256          string    `json:"sha256"`
	ModelID         int64     `json:"model_id"`
	VersionID       int64     `json:"version_id"`
	ModelName       string    `json:"model_name"`
	VersionName     string    `json:"version_name"`
	ContentType     string    `json:"content_type"`
	BaseModel       string    `json:"base_model,omitempty"`
	LatestVersionID int64     `json:"latest_version_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Outdated reports whether a newer version than the installed one is known.
func (m InstalledModel) Outdated() bool {
	return m.LatestVersionID != 0 && m.VersionID != 0 && m.LatestVersionID != m.VersionID
}

func (db *DB) InitInstalledTable() error {
	if db == nil || db.SQL == nil {
		return errors.New("nil db")
	}
	_, err := db.SQL.Exec(`CREATE TABLE IF NOT EXISTS installed (
		path TEXT PRIMARY KEY,
		sha256 TEXT,
		model_id INTEGER,
		version_id INTEGER,
		model_name TEXT,
		version_name TEXT,
		content_type TEXT,
		base_model TEXT,
		latest_version_id INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_installed_sha ON installed(sha256);
	CREATE INDEX IF NOT EXISTS idx_installed_version ON installed(version_id);`)
	return err
}

func (db *DB) UpsertInstalled(m InstalledModel) error {
	_, err := db.SQL.Exec(`INSERT INTO installed(path, sha256, model_id, version_id, model_name, version_name, content_type, base_model, latest_version_id, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,strftime('%s','now'))
		ON CONFLICT(path) DO UPDATE SET sha256=excluded.sha256, model_id=excluded.model_id, version_id=excluded.version_id,
		model_name=excluded.model_name, version_name=excluded.version_name, content_type=excluded.content_type,
		base_model=excluded.base_model, latest_version_id=excluded.latest_version_id, updated_at=strftime('%s','now')`,
		m.Path, strings.ToLower(m.SHA256), m.ModelID, m.VersionID, m.ModelName, m.VersionName, m.ContentType, m.BaseModel, m.LatestVersionID)
	return err
}

const installedCols = `path, COALESCE(sha256,''), COALESCE(model_id,0), COALESCE(version_id,0), COALESCE(model_name,''),
	COALESCE(version_name,''), COALESCE(content_type,''), COALESCE(base_model,''), COALESCE(latest_version_id,0), updated_at`

func scanInstalled(s interface{ Scan(...any) error }) (InstalledModel, error) {
	var m InstalledModel
	var updated int64
	err := s.Scan(&m.Path, &m.SHA256, &m.ModelID, &m.VersionID, &m.ModelName, &m.VersionName, &m.ContentType, &m.BaseModel, &m.LatestVersionID, &updated)
	m.UpdatedAt = time.Unix(updated, 0)
	return m, err
}

// ListInstalled returns installed models, optionally restricted to one content type.
func (db *DB) ListInstalled(contentType string) ([]InstalledModel, error) {
	q := `SELECT ` + installedCols + ` FROM installed`
	var args []any
	if contentType != "" {
		q += ` WHERE content_type=?`
		args = append(args, contentType)
	}
	q += ` ORDER BY model_name COLLATE NOCASE, path`
	rows, err := db.SQL.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InstalledModel
	for rows.Next() {
		m, err := scanInstalled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) GetInstalled(path string) (InstalledModel, bool, error) {
	m, err := scanInstalled(db.SQL.QueryRow(`SELECT `+installedCols+` FROM installed WHERE path=?`, path))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return InstalledModel{}, false, nil
	case err != nil:
		return InstalledModel{}, false, err
	}
	return m, true, nil
}

// InstalledBySHA returns every installed file with the given hash.
func (db *DB) InstalledBySHA(sha string) ([]InstalledModel, error) {
	rows, err := db.SQL.Query(`SELECT `+installedCols+` FROM installed WHERE sha256=? ORDER BY path`, strings.ToLower(strings.TrimSpace(sha)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InstalledModel
	for rows.Next() {
		m, err := scanInstalled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InstalledVersionIDs returns the set of version IDs with at least one file installed.
func (db *DB) InstalledVersionIDs() (map[int64]bool, error) {
	rows, err := db.SQL.Query(`SELECT DISTINCT version_id FROM installed WHERE version_id IS NOT NULL AND version_id != 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (db *DB) DeleteInstalled(path string) error {
	_, err := db.SQL.Exec(`DELETE FROM installed WHERE path=?`, path)
	return err
}

// MoveInstalled rewrites the path of an installed row, used when files are organized.
func (db *DB) MoveInstalled(from, to string) error {
	tx, err := db.SQL.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`UPDATE installed SET path=?, updated_at=strftime('%s','now') WHERE path=?`, to, from); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE file_hashes SET path=? WHERE path=?`, to, from); err != nil {
		return err
	}
	return tx.Commit()
}
