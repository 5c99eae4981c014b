package downloader

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
)

// Request describes one file transfer.
type Request struct {
	URL            string
	Dest           string
	ExpectedSHA256 string
	Headers        map[string]string
	// NoResume discards any existing .part and chunk plan before starting.
	NoResume bool
	// Progress is called with bytes done and the total (0 when unknown).
	Progress func(done, total int64)
}

type Result struct {
	Path    string
	SHA256  string
	Size    int64
	Elapsed time.Duration
}

// Interface is the common downloader interface used across implementations.
type Interface interface {
	Download(ctx context.Context, req Request) (Result, error)
}

// Metrics is the subset of metrics.Manager the downloaders report into.
type Metrics interface {
	AddBytes(int64)
	IncRetries(int64)
	IncDownloadsSuccess()
	IncDownloadsFailed()
	ObserveDownloadSeconds(float64)
	Write() error
}

// Auto picks aria2c when enabled and installed, otherwise the chunked
// downloader, which itself falls back to a single stream.
type Auto struct {
	c  *config.Config
	l  *logging.Logger
	st *state.DB
	m  Metrics
}

func NewAuto(c *config.Config, l *logging.Logger, st *state.DB, m Metrics) *Auto {
	return &Auto{c: c, l: l, st: st, m: m}
}

func (a *Auto) Download(ctx context.Context, req Request) (Result, error) {
	if a.c.Downloads.UseAria2 {
		bin, err := Aria2Binary(a.c)
		if err == nil {
			return NewAria2(a.c, a.l, a.st, a.m, bin).Download(ctx, req)
		}
		a.l.Warnf("aria2c unavailable (%v); using built-in downloader", err)
	}
	return NewChunked(a.c, a.l, a.st, a.m).Download(ctx, req)
}

// Aria2Binary resolves downloads.aria2_path, or aria2c on PATH.
func Aria2Binary(c *config.Config) (string, error) {
	if p := strings.TrimSpace(c.Downloads.Aria2Path); p != "" {
		return exec.LookPath(p)
	}
	return exec.LookPath("aria2c")
}

// progressWriter counts bytes written and forwards them to Request.Progress
// and the metrics byte counter.
type progressWriter struct {
	done  int64
	total int64
	fn    func(done, total int64)
	m     Metrics
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n := len(b)
	p.add(int64(n))
	return n, nil
}

func (p *progressWriter) add(n int64) {
	p.done += n
	if p.m != nil {
		p.m.AddBytes(n)
	}
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
}

func recordFailure(m Metrics) {
	if m == nil {
		return
	}
	m.IncDownloadsFailed()
	_ = m.Write()
}

func recordSuccess(m Metrics, start time.Time) {
	if m == nil {
		return
	}
	m.IncDownloadsSuccess()
	m.ObserveDownloadSeconds(time.Since(start).Seconds())
	_ = m.Write()
}
