package state

import (
	"fmt"
)

// CheckIntegrity runs SQLite's integrity check on the database
func (db *DB) CheckIntegrity() error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("database not open")
	}
	var result string
	if err := db.SQL.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}

// PruneOrphans removes chunk plans without a downloads row and installed rows
// whose file no longer exists. exists is injected so tests need not touch disk.
func (db *DB) PruneOrphans(exists func(path string) bool) (chunks int64, installed int64, err error) {
	if db == nil || db.SQL == nil {
		return 0, 0, fmt.Errorf("database not open")
	}
	res, err := db.SQL.Exec(`DELETE FROM chunks WHERE NOT EXISTS (
		SELECT 1 FROM downloads d WHERE d.url = chunks.url AND d.dest = chunks.dest)`)
	if err != nil {
		return 0, 0, fmt.Errorf("prune chunks: %w", err)
	}
	chunks, _ = res.RowsAffected()

	rows, err := db.ListInstalled("")
	if err != nil {
		return chunks, 0, err
	}
	for _, r := range rows {
		if exists(r.Path) {
			continue
		}
		if err := db.DeleteInstalled(r.Path); err != nil {
			return chunks, installed, err
		}
		_ = db.DeleteHash(r.Path)
		installed++
	}
	return chunks, installed, nil
}
