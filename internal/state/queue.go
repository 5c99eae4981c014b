package state

import (
	"errors"
	"time"
)

// QueueRow is a pending download as persisted between runs.
type QueueRow struct {
	ID          string
	Position    int
	ModelName   string
	VersionName string
	ModelID     int64
	VersionID   int64
	URL         string
	Filename    string
	Dir         string
	SHA256      string
	ContentType string
	SaveInfo    bool
	Status      string
	Error       string
	CreatedAt   time.Time
}

func (db *DB) InitQueueTable() error {
	if db == nil || db.SQL == nil {
		return errors.New("nil db")
	}
	_, err := db.SQL.Exec(`CREATE TABLE IF NOT EXISTS queue (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		model_name TEXT NOT NULL,
		version_name TEXT,
		model_id INTEGER,
		version_id INTEGER,
		url TEXT NOT NULL,
		filename TEXT NOT NULL,
		dir TEXT NOT NULL,
		sha256 TEXT,
		content_type TEXT,
		save_info INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL
	);`)
	return err
}

// SaveQueue replaces the persisted queue with rows, in order.
func (db *DB) SaveQueue(rows []QueueRow) error {
	tx, err := db.SQL.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM queue`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO queue(id, position, model_name, version_name, model_id, version_id, url, filename, dir, sha256, content_type, save_info, status, error, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range rows {
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.Exec(r.ID, i, r.ModelName, r.VersionName, r.ModelID, r.VersionID, r.URL, r.Filename, r.Dir, r.SHA256, r.ContentType, boolToInt(r.SaveInfo), r.Status, r.Error, created.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadQueue returns persisted queue rows ordered by position.
func (db *DB) LoadQueue() ([]QueueRow, error) {
	rows, err := db.SQL.Query(`SELECT id, position, model_name, COALESCE(version_name,''), COALESCE(model_id,0), COALESCE(version_id,0),
		url, filename, dir, COALESCE(sha256,''), COALESCE(content_type,''), save_info, status, COALESCE(error,''), created_at
		FROM queue ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueRow
	for rows.Next() {
		var r QueueRow
		var saveInfo int
		var created int64
		if err := rows.Scan(&r.ID, &r.Position, &r.ModelName, &r.VersionName, &r.ModelID, &r.VersionID,
			&r.URL, &r.Filename, &r.Dir, &r.SHA256, &r.ContentType, &saveInfo, &r.Status, &r.Error, &created); err != nil {
			return nil, err
		}
		r.SaveInfo = saveInfo != 0
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
