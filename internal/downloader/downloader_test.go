package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
)

func testEnv(t *testing.T) (*config.Config, *state.DB) {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{
		Version: 1,
		General: config.General{DataRoot: filepath.Join(tmp, "data"), ModelsRoot: filepath.Join(tmp, "models")},
		Downloads: config.Downloads{
			PerFileChunks: 4,
			ChunkSizeMB:   1,
			MaxRetries:    2,
			Backoff:       config.Backoff{MinMS: 1, MaxMS: 2},
		},
	}
	st, err := state.Open(cfg)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return cfg, st
}

func payload(n int) ([]byte, string) {
	b := make([]byte, n)
	r := rand.New(rand.NewSource(int64(n)))
	_, _ = r.Read(b)
	sum := sha256.Sum256(b)
	return b, hex.EncodeToString(sum[:])
}

func serveBytes(b []byte, gets *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && gets != nil {
			atomic.AddInt32(gets, 1)
		}
		http.ServeContent(w, r, "model.safetensors", time.Time{}, bytes.NewReader(b))
	}
}

func findRow(t *testing.T, st *state.DB, url string) state.DownloadRow {
	t.Helper()
	rows, err := st.ListDownloads()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range rows {
		if r.URL == url {
			return r
		}
	}
	t.Fatalf("no downloads row for %s", url)
	return state.DownloadRow{}
}

func TestChunkedDownloadMultipleChunks(t *testing.T) {
	cfg, st := testEnv(t)
	data, sum := payload(3*1024*1024 + 123)
	var gets int32
	ts := httptest.NewServer(serveBytes(data, &gets))
	defer ts.Close()

	var lastDone, lastTotal int64
	dest := filepath.Join(cfg.General.ModelsRoot, "Lora", "model.safetensors")
	res, err := NewChunked(cfg, logging.Nop(), st, nil).Download(context.Background(), Request{
		URL:            ts.URL + "/file",
		Dest:           dest,
		ExpectedSHA256: strings.ToUpper(sum),
		Progress:       func(d, tot int64) { lastDone, lastTotal = d, tot },
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if res.SHA256 != sum || res.Path != dest {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := atomic.LoadInt32(&gets); got != 4 {
		t.Fatalf("expected 4 ranged GETs, got %d", got)
	}
	if lastDone != int64(len(data)) || lastTotal != int64(len(data)) {
		t.Fatalf("progress ended at %d/%d", lastDone, lastTotal)
	}
	side, err := os.ReadFile(dest + ".sha256")
	if err != nil || !strings.HasPrefix(string(side), sum+"  model.safetensors") {
		t.Fatalf("sidecar=%q err=%v", side, err)
	}
	if r := findRow(t, st, ts.URL+"/file"); r.Status != state.StatusComplete {
		t.Fatalf("status=%s", r.Status)
	}
	if chunks, _ := st.ListChunks(ts.URL+"/file", dest); len(chunks) != 0 {
		t.Fatalf("chunk plan should be cleared, have %d", len(chunks))
	}
}

func TestSingleResumesPartFile(t *testing.T) {
	cfg, st := testEnv(t)
	data, sum := payload(64 * 1024)
	ts := httptest.NewServer(serveBytes(data, nil))
	defer ts.Close()

	dest := filepath.Join(cfg.General.ModelsRoot, "a.bin")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	url := ts.URL + "/a.bin"
	if err := os.WriteFile(stagePartPath(cfg, url, dest), data[:1000], 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := NewSingle(cfg, logging.Nop(), st, nil).Download(context.Background(), Request{URL: url, Dest: dest, ExpectedSHA256: sum})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if res.SHA256 != sum {
		t.Fatalf("sha=%s want %s", res.SHA256, sum)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatalf("part file should be gone: %v", err)
	}
}

func TestSingleChecksumMismatchKeepsPart(t *testing.T) {
	cfg, st := testEnv(t)
	data, _ := payload(4096)
	ts := httptest.NewServer(serveBytes(data, nil))
	defer ts.Close()

	url := ts.URL + "/s.bin"
	dest := filepath.Join(cfg.General.ModelsRoot, "s.bin")
	_, err := NewSingle(cfg, logging.Nop(), st, nil).Download(context.Background(), Request{URL: url, Dest: dest, ExpectedSHA256: strings.Repeat("0", 64)})
	if err == nil || !strings.Contains(err.Error(), "SHA256 mismatch") {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("final file should not exist")
	}
	if _, err := os.Stat(dest + ".part"); err != nil {
		t.Fatalf("part should remain: %v", err)
	}
	r := findRow(t, st, url)
	if r.Status != state.StatusChecksumMismatch || r.ActualSHA256 == "" {
		t.Fatalf("row=%+v", r)
	}
}

func TestRateLimitedDownloadIsFriendly(t *testing.T) {
	cfg, st := testEnv(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "1234")
			return
		}
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	url := ts.URL + "/rl.bin"
	_, err := NewAuto(cfg, logging.Nop(), st, nil).Download(context.Background(), Request{URL: url, Dest: filepath.Join(cfg.General.ModelsRoot, "rl.bin")})
	if !friendly.IsStatus(err, http.StatusTooManyRequests) {
		t.Fatalf("expected 429 friendly error, got %v", err)
	}
	fe, _ := friendly.As(err)
	if !strings.Contains(fe.Suggestion, "1m0s") {
		t.Fatalf("suggestion should carry Retry-After: %q", fe.Suggestion)
	}
	if r := findRow(t, st, url); r.Status != state.StatusError || !strings.Contains(r.LastError, "rate limit") {
		t.Fatalf("row=%+v", r)
	}
}

func TestUnauthorizedMentionsKeyEnv(t *testing.T) {
	cfg, st := testEnv(t)
	cfg.CivitAI.APIKeyEnv = "MY_CIVITAI_KEY"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()
	_, err := NewSingle(cfg, logging.Nop(), st, nil).Download(context.Background(), Request{URL: ts.URL + "/x", Dest: filepath.Join(cfg.General.ModelsRoot, "x")})
	fe, ok := friendly.As(err)
	if !ok || fe.StatusCode != 401 || !strings.Contains(fe.Suggestion, "MY_CIVITAI_KEY") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExistingFileWithMatchingHashIsSkipped(t *testing.T) {
	cfg, st := testEnv(t)
	data, sum := payload(100)
	dest := filepath.Join(cfg.General.ModelsRoot, "have.bin")
	_ = os.MkdirAll(filepath.Dir(dest), 0o755)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := NewAuto(cfg, logging.Nop(), st, nil).Download(context.Background(), Request{URL: "http://127.0.0.1:1/never", Dest: dest, ExpectedSHA256: sum})
	if err != nil || res.SHA256 != sum {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	_, err = NewAuto(cfg, logging.Nop(), st, nil).Download(context.Background(), Request{URL: "http://127.0.0.1:1/never", Dest: dest})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected exists error, got %v", err)
	}
}

func TestCancelledDownloadRecordsStatus(t *testing.T) {
	cfg, st := testEnv(t)
	started := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	url := ts.URL + "/slow"
	_, err := NewSingle(cfg, logging.Nop(), st, nil).Download(ctx, Request{URL: url, Dest: filepath.Join(cfg.General.ModelsRoot, "slow")})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if r := findRow(t, st, url); r.Status != state.StatusCancelled {
		t.Fatalf("status=%s", r.Status)
	}
}

func TestStagePartPath(t *testing.T) {
	cfg := &config.Config{General: config.General{ModelsRoot: t.TempDir()}}
	if got := stagePartPath(cfg, "u", "/m/x.safetensors"); got != "/m/x.safetensors.part" {
		t.Fatalf("unstaged=%s", got)
	}
	cfg.General.StagePartials = true
	a := stagePartPath(cfg, "u1", "/m/x.safetensors")
	b := stagePartPath(cfg, "u2", "/m/x.safetensors")
	if a == b || filepath.Dir(a) != filepath.Join(cfg.General.ModelsRoot, ".parts") {
		t.Fatalf("staged paths a=%s b=%s", a, b)
	}
}

func TestParseHelpers(t *testing.T) {
	if d := parseRetryAfter("30"); d != 30*time.Second {
		t.Fatalf("retry-after=%s", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Fatalf("retry-after junk=%s", d)
	}
	cases := map[string]string{
		`attachment; filename="epic_v2.safetensors"`:         "epic_v2.safetensors",
		`attachment; filename*=UTF-8''caf%C3%A9.safetensors`: "café.safetensors",
		`attachment; filename="../../evil.safetensors"`:      "evil.safetensors",
		"": "",
	}
	for in, want := range cases {
		if got := parseDispositionFilename(in); got != want {
			t.Errorf("parseDispositionFilename(%q)=%q want %q", in, got, want)
		}
	}
	d, tot, ok := parseAria2Progress("[#2089b0 400.0KiB/33.2MiB(1%) CN:1 DL:115.7KiB ETA:4m51s]")
	if !ok || d != 409600 || tot < 34000000 || tot > 35000000 {
		t.Fatalf("aria2 progress d=%d t=%d ok=%v", d, tot, ok)
	}
	if _, _, ok := parseAria2Progress("Download complete: /m/x"); ok {
		t.Fatalf("non-progress line parsed")
	}
}
