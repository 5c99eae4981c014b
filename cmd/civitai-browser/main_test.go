package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/batch"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/testutil"
)

type env struct {
	dir    string
	cfg    string
	models string
	srv    *testutil.CivitAIServer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := testutil.NewCivitAIServer()
	t.Cleanup(srv.Close)
	d := t.TempDir()
	models := filepath.Join(d, "models")
	if err := os.MkdirAll(models, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "version: 1\n" +
		"general:\n" +
		"  data_root: " + filepath.Join(d, "data") + "\n" +
		"  models_root: " + models + "\n" +
		"network:\n" +
		"  api_base_url: " + srv.URL + "\n" +
		"civitai:\n" +
		"  api_key_env: CIVITAI_BROWSER_TEST_KEY\n" +
		"downloads:\n" +
		"  per_file_chunks: 2\n" +
		"  chunk_size_mb: 1\n" +
		"  max_retries: 1\n" +
		"logging:\n" +
		"  level: error\n"
	p := filepath.Join(d, "config.yml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return &env{dir: d, cfg: p, models: models, srv: srv}
}

// run executes the CLI with --config appended and returns stdout.
func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	defer func() { stdout = old }()
	full := append([]string{}, args...)
	// flags must precede positional args, so --config goes right after the
	// (sub)command words.
	at := 1
	if len(full) > 1 && (full[0] == "queue" || full[0] == "settings" || full[0] == "config") {
		at = 2
		if full[0] == "settings" && full[1] == "subfolder" {
			at = 3
		}
	}
	full = append(full[:at], append([]string{"--config", e.cfg}, full[at:]...)...)
	err := run(context.Background(), full)
	return buf.String(), err
}

func TestSearchPrintsModels(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "search", "epic")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "Epic Realism") {
		t.Fatalf("missing model in output:\n%s", out)
	}
	if strings.Contains(out, "Detail Tweaker") {
		t.Fatalf("query should filter other models:\n%s", out)
	}
	if !strings.Contains(out, "page 1/1") {
		t.Fatalf("missing page footer:\n%s", out)
	}
}

func TestSearchByDateGroups(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "search", "--by-date")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "== 2024-03 ==") {
		t.Fatalf("expected month groups:\n%s", out)
	}
}

func TestModelShowsVersions(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "model", "--version", "v1", "100")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	for _, want := range []string{"Epic Realism (100)", "epicrealism_v1.safetensors", "Install path:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if _, err := e.run(t, "model", "--version", "v9", "100"); err == nil {
		t.Fatalf("unknown version should fail")
	}
}

func TestBaseModels(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "basemodels")
	if err != nil {
		t.Fatalf("basemodels: %v", err)
	}
	if !strings.Contains(out, "SDXL 1.0") || !strings.Contains(out, "Pony") {
		t.Fatalf("unexpected base models:\n%s", out)
	}
}

func TestGenInfoFromPNG(t *testing.T) {
	e := newEnv(t)
	p := filepath.Join(e.dir, "img.png")
	if err := os.WriteFile(p, testutil.PNGWithText("parameters", testutil.ImageParameters), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := e.run(t, "geninfo", p)
	if err != nil {
		t.Fatalf("geninfo: %v", err)
	}
	if !strings.Contains(out, "a castle on a hill") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestQueueAddListExport(t *testing.T) {
	e := newEnv(t)
	if _, err := e.run(t, "queue", "add", "100", "200"); err != nil {
		t.Fatalf("queue add: %v", err)
	}
	out, err := e.run(t, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "Epic Realism") || !strings.Contains(out, "Detail Tweaker") {
		t.Fatalf("queue list:\n%s", out)
	}

	if _, err := e.run(t, "queue", "move", "1", "0"); err != nil {
		t.Fatalf("queue move: %v", err)
	}
	out, _ = e.run(t, "queue", "list")
	if strings.Index(out, "Detail Tweaker") > strings.Index(out, "Epic Realism") {
		t.Fatalf("move did not reorder:\n%s", out)
	}

	bp := filepath.Join(e.dir, "jobs.yml")
	if _, err := e.run(t, "queue", "export", "--out", bp); err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := batch.Load(bp)
	if err != nil {
		t.Fatalf("load exported batch: %v", err)
	}
	if len(f.Jobs) != 2 || f.Jobs[0].Model != testutil.LoraModelID {
		t.Fatalf("unexpected jobs: %+v", f.Jobs)
	}

	out, err = e.run(t, "queue", "cancel-all")
	if err != nil || !strings.Contains(out, "cancelled 2") {
		t.Fatalf("cancel-all: %v\n%s", err, out)
	}

	// the exported batch queues the same files again
	if _, err := e.run(t, "queue", "add", "--batch", bp); err != nil {
		t.Fatalf("queue add --batch: %v", err)
	}
	out, _ = e.run(t, "queue", "list")
	if !strings.Contains(out, "Detail Tweaker") {
		t.Fatalf("batch not queued:\n%s", out)
	}
}

func TestDownloadScanAndDelete(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "download", "200")
	if err != nil {
		t.Fatalf("download: %v\n%s", err, out)
	}
	if !strings.Contains(out, "downloaded:") || !strings.Contains(out, "detail_tweaker.safetensors") {
		t.Fatalf("unexpected download output:\n%s", out)
	}
	path := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "downloaded:"))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}

	out, err = e.run(t, "installed", "--filter", "tweak")
	if err != nil || !strings.Contains(out, "Detail Tweaker") {
		t.Fatalf("installed: %v\n%s", err, out)
	}
	if out, err = e.run(t, "verify"); err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	out, err = e.run(t, "scan", "--mode", "installed", "--quiet")
	if err != nil || !strings.Contains(out, "1 found on CivitAI") {
		t.Fatalf("scan: %v\n%s", err, out)
	}
	out, err = e.run(t, "delete", path)
	if err != nil || !strings.Contains(out, "removed "+path) {
		t.Fatalf("delete: %v\n%s", err, out)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still present after delete")
	}
}

func TestSettingsSaveAndShow(t *testing.T) {
	e := newEnv(t)
	if _, err := e.run(t, "settings", "save", "--sort", "Newest", "--nsfw", "--tile-count", "30"); err != nil {
		t.Fatalf("settings save: %v", err)
	}
	out, err := e.run(t, "settings", "show")
	if err != nil {
		t.Fatalf("settings show: %v", err)
	}
	for _, want := range []string{"Newest", "nsfw:            true", "tile count:      30", "Model name"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if _, err := e.run(t, "settings", "save", "--tile-size", "-1"); err == nil {
		t.Fatalf("negative tile size should fail")
	}
}

func TestCustomSubfolders(t *testing.T) {
	e := newEnv(t)
	if _, err := e.run(t, "settings", "subfolder", "add", "anime", "/anime/sdxl"); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, err := e.run(t, "settings", "subfolder", "format")
	if err != nil || strings.TrimSpace(out) != "anime␞␞/anime/sdxl" {
		t.Fatalf("format: %v %q", err, out)
	}
	if _, err := e.run(t, "settings", "subfolder", "remove", "anime"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	out, _ = e.run(t, "settings", "subfolder", "list")
	if strings.Contains(out, "anime") {
		t.Fatalf("entry not removed:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "config", "validate")
	if err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("validate: %v %q", err, out)
	}
	bad := filepath.Join(e.dir, "bad.yml")
	if err := os.WriteFile(bad, []byte("version: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(context.Background(), []string{"config", "validate", "--config", bad}); err == nil {
		t.Fatalf("version 2 should not validate")
	}
	if out, err := e.run(t, "config", "clear-cache"); err != nil || !strings.Contains(out, "cleared") {
		t.Fatalf("clear-cache: %v %q", err, out)
	}
}

func TestUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	defer func() { stdout = old }()
	if err := run(context.Background(), []string{"frobnicate"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := run(context.Background(), []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(buf.String(), version) {
		t.Fatalf("version not printed")
	}
}

func TestCompletion(t *testing.T) {
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	defer func() { stdout = old }()
	for _, sh := range []string{"bash", "zsh", "fish"} {
		buf.Reset()
		if err := handleCompletion(context.Background(), []string{sh}); err != nil {
			t.Fatalf("%s: %v", sh, err)
		}
		if !strings.Contains(buf.String(), "civitai-browser") {
			t.Fatalf("%s completion missing program name", sh)
		}
	}
	if err := handleCompletion(context.Background(), []string{"tcsh"}); err == nil {
		t.Fatalf("unknown shell should fail")
	}
}

func TestDoctorAgainstFakeAPI(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "doctor", "--fix")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	for _, want := range []string{"✓ State database", "✓ Network", "Reachable: " + e.srv.URL, "Writable: " + e.models} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestStatusAfterQueueing(t *testing.T) {
	e := newEnv(t)
	if _, err := e.run(t, "queue", "add", "100"); err != nil {
		t.Fatalf("queue add: %v", err)
	}
	out, err := e.run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Queue:      1 pending") || !strings.Contains(out, "Installed:  0 models") ||
		!strings.Contains(out, "API key:    not set (CIVITAI_BROWSER_TEST_KEY)") {
		t.Fatalf("unexpected status:\n%s", out)
	}
}
