package testutil

import (
	"path/filepath"
	"testing"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
)

// TestConfig returns a valid config rooted in a fresh temp dir.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	return &config.Config{
		Version: 1,
		General: config.General{
			DataRoot:   filepath.Join(tmp, "data"),
			ModelsRoot: filepath.Join(tmp, "models"),
		},
		Downloads: config.Downloads{
			PerFileChunks: 2,
			ChunkSizeMB:   1,
			MaxRetries:    1,
			Backoff:       config.Backoff{MinMS: 1, MaxMS: 2},
		},
		Logging: config.Logging{Level: "error"},
	}
}

// TestDB opens the state database for cfg and closes it with the test.
func TestDB(t *testing.T, cfg *config.Config) *state.DB {
	t.Helper()
	db, err := state.Open(cfg)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
