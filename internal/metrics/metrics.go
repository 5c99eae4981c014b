package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

// Manager accumulates counters and writes them in Prometheus textfile format.
// A nil *Manager is valid and turns every call into a no-op.
type Manager struct {
	path string
	mu   sync.Mutex

	bytesTotal       int64
	retriesTotal     int64
	downloadsSuccess int64
	downloadsFailed  int64
	lastDownloadSec  float64
	queueLength      int
	apiRequests      int64
	scannedFiles     int64
}

func New(cfg *config.Config) *Manager {
	if cfg == nil || !cfg.Metrics.PrometheusTextfile.Enabled || cfg.Metrics.PrometheusTextfile.Path == "" {
		return nil
	}
	p := cfg.Metrics.PrometheusTextfile.Path
	_ = os.MkdirAll(filepath.Dir(p), 0o755)
	return &Manager{path: p}
}

func (m *Manager) AddBytes(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.bytesTotal += n
	m.mu.Unlock()
}

func (m *Manager) IncRetries(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.retriesTotal += n
	m.mu.Unlock()
}

func (m *Manager) IncDownloadsSuccess() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.downloadsSuccess++
	m.mu.Unlock()
}

func (m *Manager) IncDownloadsFailed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.downloadsFailed++
	m.mu.Unlock()
}

func (m *Manager) ObserveDownloadSeconds(sec float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lastDownloadSec = sec
	m.mu.Unlock()
}

func (m *Manager) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.queueLength = n
	m.mu.Unlock()
}

func (m *Manager) IncAPIRequests() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.apiRequests++
	m.mu.Unlock()
}

func (m *Manager) AddScannedFiles(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.scannedFiles += n
	m.mu.Unlock()
}

func (m *Manager) Write() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := os.CreateTemp(filepath.Dir(m.path), ".metrics.tmp.*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	counter := func(name, help string, v int64) {
		fmt.Fprintf(f, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	counter("civitai_browser_bytes_downloaded_total", "Total bytes downloaded.", m.bytesTotal)
	counter("civitai_browser_retries_total", "Total chunk retries.", m.retriesTotal)
	counter("civitai_browser_downloads_success_total", "Total successful downloads.", m.downloadsSuccess)
	counter("civitai_browser_downloads_failed_total", "Total failed or cancelled downloads.", m.downloadsFailed)
	counter("civitai_browser_api_requests_total", "Total CivitAI API requests sent.", m.apiRequests)
	counter("civitai_browser_scanned_files_total", "Total model files examined by library scans.", m.scannedFiles)

	fmt.Fprintf(f, "# HELP civitai_browser_queue_length Items waiting in the download queue.\n")
	fmt.Fprintf(f, "# TYPE civitai_browser_queue_length gauge\n")
	fmt.Fprintf(f, "civitai_browser_queue_length %d\n", m.queueLength)

	fmt.Fprintf(f, "# HELP civitai_browser_last_download_seconds Duration of the last completed download in seconds.\n")
	fmt.Fprintf(f, "# TYPE civitai_browser_last_download_seconds gauge\n")
	fmt.Fprintf(f, "civitai_browser_last_download_seconds %.6f\n", m.lastDownloadSec)

	fmt.Fprintf(f, "# HELP civitai_browser_metrics_timestamp_seconds UNIX timestamp when this file was written.\n")
	fmt.Fprintf(f, "# TYPE civitai_browser_metrics_timestamp_seconds gauge\n")
	fmt.Fprintf(f, "civitai_browser_metrics_timestamp_seconds %d\n", time.Now().Unix())

	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), m.path)
}
