package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

func TestDisabledIsNil(t *testing.T) {
	m := New(&config.Config{})
	if m != nil {
		t.Fatalf("expected nil manager when disabled")
	}
	m.AddBytes(10)
	m.SetQueueLength(3)
	if err := m.Write(); err != nil {
		t.Fatalf("nil Write: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "prom", "civitai.prom")
	cfg := &config.Config{}
	cfg.Metrics.PrometheusTextfile.Enabled = true
	cfg.Metrics.PrometheusTextfile.Path = p
	m := New(cfg)
	m.AddBytes(2048)
	m.IncDownloadsSuccess()
	m.SetQueueLength(4)
	m.IncAPIRequests()
	if err := m.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, want := range []string{
		"civitai_browser_bytes_downloaded_total 2048",
		"civitai_browser_downloads_success_total 1",
		"civitai_browser_queue_length 4",
		"civitai_browser_api_requests_total 1",
		"# TYPE civitai_browser_queue_length gauge",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in:\n%s", want, s)
		}
	}
}
