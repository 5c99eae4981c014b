package civitai

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

// diskCache persists API responses in data_root/api-cache.json so model and
// version lookups survive restarts. Search pages are never stored.
type diskCache struct {
	path string
	ttl  time.Duration
	mu   sync.Mutex
}

type cacheEntry struct {
	Body      json.RawMessage `json:"body"`
	UpdatedAt int64           `json:"updated_at"`
}

func cacheTTL(cfg *config.Config) time.Duration {
	ttl := 24 * time.Hour
	if cfg != nil && cfg.CivitAI.CacheTTLHours > 0 {
		ttl = time.Duration(cfg.CivitAI.CacheTTLHours) * time.Hour
	}
	return ttl
}

func newDiskCache(cfg *config.Config, ttl time.Duration) *diskCache {
	return &diskCache{path: filepath.Join(cfg.General.DataRoot, "api-cache.json"), ttl: ttl}
}

func (d *diskCache) load() (map[string]cacheEntry, error) {
	b, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]cacheEntry{}, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return map[string]cacheEntry{}, nil
	}
	var m map[string]cacheEntry
	if err := json.Unmarshal(b, &m); err != nil {
		// A corrupt cache is rebuilt rather than blocking lookups.
		return map[string]cacheEntry{}, nil
	}
	return m, nil
}

func (d *diskCache) save(m map[string]cacheEntry) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

func (d *diskCache) get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load()
	if err != nil {
		return nil, false
	}
	ce, ok := m[key]
	if !ok {
		return nil, false
	}
	if d.ttl > 0 && time.Since(time.Unix(ce.UpdatedAt, 0)) > d.ttl {
		delete(m, key)
		_ = d.save(m)
		return nil, false
	}
	return ce.Body, true
}

func (d *diskCache) set(key string, body []byte) error {
	if !json.Valid(body) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load()
	if err != nil {
		return err
	}
	now := time.Now()
	for k, ce := range m {
		if d.ttl > 0 && now.Sub(time.Unix(ce.UpdatedAt, 0)) > d.ttl {
			delete(m, k)
		}
	}
	m[key] = cacheEntry{Body: body, UpdatedAt: now.Unix()}
	return d.save(m)
}

// ClearCache removes the on-disk API cache.
func ClearCache(cfg *config.Config) error {
	p := filepath.Join(cfg.General.DataRoot, "api-cache.json")
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
