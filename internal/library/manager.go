package library

import (
	"context"
	"io"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
)

// API is the part of the CivitAI client the library needs.
type API interface {
	Model(ctx context.Context, id int64) (*civitai.Model, error)
	Version(ctx context.Context, id int64) (*civitai.Version, error)
	VersionByHash(ctx context.Context, sha256 string) (*civitai.Version, error)
	Fetch(ctx context.Context, rawURL string, w io.Writer) error
}

// Metrics receives scan counters; *metrics.Manager satisfies it.
type Metrics interface {
	AddScannedFiles(n int64)
}

// Manager owns the files next to each model and the installed table.
type Manager struct {
	cfg     *config.Config
	log     *logging.Logger
	st      *state.DB
	api     API
	metrics Metrics
}

func NewManager(cfg *config.Config, log *logging.Logger, st *state.DB, api API) *Manager {
	return &Manager{cfg: cfg, log: log, st: st, api: api}
}

// WithMetrics attaches a metrics sink and returns m.
func (m *Manager) WithMetrics(mm Metrics) *Manager {
	m.metrics = mm
	return m
}
