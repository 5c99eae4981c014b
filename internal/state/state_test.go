package state

import (
	"path/filepath"
	"testing"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{Version: 1, General: config.General{DataRoot: filepath.Join(tmp, "data"), ModelsRoot: tmp}}
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDownloadRowsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	row := DownloadRow{URL: "https://civitai.com/api/download/models/1", Dest: "/m/a.safetensors", Size: 10, Status: StatusDownloading}
	if err := db.UpsertDownload(row); err != nil {
		t.Fatal(err)
	}
	row.Status = StatusComplete
	if err := db.UpsertDownload(row); err != nil {
		t.Fatal(err)
	}
	if err := db.IncDownloadRetries(row.URL, row.Dest, 2); err != nil {
		t.Fatal(err)
	}
	rows, err := db.ListDownloads()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != StatusComplete || rows[0].Retries != 2 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if err := db.DeleteDownload(row.URL, row.Dest); err != nil {
		t.Fatal(err)
	}
	rows, _ = db.ListDownloads()
	if len(rows) != 0 {
		t.Fatalf("expected no rows after delete, got %d", len(rows))
	}
}

func TestQueuePersistsOrder(t *testing.T) {
	db := openTestDB(t)
	in := []QueueRow{
		{ID: "b", ModelName: "Second", URL: "u2", Filename: "b.safetensors", Dir: "/m", Status: "queued", SaveInfo: true},
		{ID: "a", ModelName: "First", URL: "u1", Filename: "a.safetensors", Dir: "/m", Status: "queued"},
	}
	if err := db.SaveQueue(in); err != nil {
		t.Fatal(err)
	}
	out, err := db.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].ID != "b" || out[1].ID != "a" || !out[0].SaveInfo || out[1].SaveInfo {
		t.Fatalf("unexpected queue: %+v", out)
	}
	if err := db.SaveQueue(in[1:]); err != nil {
		t.Fatal(err)
	}
	out, _ = db.LoadQueue()
	if len(out) != 1 || out[0].ID != "a" || out[0].Position != 0 {
		t.Fatalf("queue not replaced: %+v", out)
	}
}

func TestHashCacheKeyedOnSizeAndMtime(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutHash("/m/a", 10, 100, "abc"); err != nil {
		t.Fatal(err)
	}
	if sha, ok, err := db.CachedHash("/m/a", 10, 100); err != nil || !ok || sha != "abc" {
		t.Fatalf("cached=%q ok=%v err=%v", sha, ok, err)
	}
	if _, ok, _ := db.CachedHash("/m/a", 11, 100); ok {
		t.Fatalf("size change should miss")
	}
	if _, ok, _ := db.CachedHash("/m/a", 10, 101); ok {
		t.Fatalf("mtime change should miss")
	}
}

func TestInstalledQueries(t *testing.T) {
	db := openTestDB(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(db.UpsertInstalled(InstalledModel{Path: "/m/Lora/a.safetensors", SHA256: "ABC", ModelID: 1, VersionID: 10, ModelName: "Alpha", ContentType: "LORA", LatestVersionID: 11}))
	must(db.UpsertInstalled(InstalledModel{Path: "/m/SD/b.safetensors", SHA256: "def", ModelID: 2, VersionID: 20, ModelName: "beta", ContentType: "Checkpoint"}))

	all, err := db.ListInstalled("")
	must(err)
	if len(all) != 2 || all[0].ModelName != "Alpha" {
		t.Fatalf("unexpected list: %+v", all)
	}
	loras, err := db.ListInstalled("LORA")
	must(err)
	if len(loras) != 1 || !loras[0].Outdated() {
		t.Fatalf("unexpected lora list: %+v", loras)
	}
	bySHA, err := db.InstalledBySHA(" abc ")
	must(err)
	if len(bySHA) != 1 || bySHA[0].VersionID != 10 {
		t.Fatalf("sha lookup: %+v", bySHA)
	}
	ids, err := db.InstalledVersionIDs()
	must(err)
	if !ids[10] || !ids[20] || len(ids) != 2 {
		t.Fatalf("ids=%v", ids)
	}

	must(db.PutHash("/m/SD/b.safetensors", 1, 1, "def"))
	must(db.MoveInstalled("/m/SD/b.safetensors", "/m/SD/SDXL/b.safetensors"))
	if _, ok, _ := db.GetInstalled("/m/SD/SDXL/b.safetensors"); !ok {
		t.Fatalf("moved row missing")
	}
	if _, ok, _ := db.CachedHash("/m/SD/SDXL/b.safetensors", 1, 1); !ok {
		t.Fatalf("hash row not moved")
	}
}

func TestPruneOrphans(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertInstalled(InstalledModel{Path: "/gone", VersionID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertInstalled(InstalledModel{Path: "/here", VersionID: 2}); err != nil {
		t.Fatal(err)
	}
	_, installed, err := db.PruneOrphans(func(p string) bool { return p == "/here" })
	if err != nil {
		t.Fatal(err)
	}
	if installed != 1 {
		t.Fatalf("pruned %d installed rows", installed)
	}
	left, _ := db.ListInstalled("")
	if len(left) != 1 || left[0].Path != "/here" {
		t.Fatalf("left=%+v", left)
	}
}
