package civitai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
)

const DefaultBaseURL = "https://civitai.com"

// Metrics is the subset of metrics.Manager the client reports into.
type Metrics interface {
	IncAPIRequests()
}

type Client struct {
	cfg     *config.Config
	log     *logging.Logger
	http    *http.Client
	base    string
	apiKey  string
	limiter *rate.Limiter
	mem     *expirable.LRU[string, []byte]
	disk    *diskCache
	metrics Metrics
	now     func() time.Time
}

type Option func(*Client)

// WithMetrics counts every request that reaches the network.
func WithMetrics(m Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithoutCache bypasses both the in-memory and the disk response cache.
func WithoutCache() Option {
	return func(c *Client) {
		c.mem = nil
		c.disk = nil
	}
}

func New(cfg *config.Config, log *logging.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if log == nil {
		log = logging.Nop()
	}
	hc, err := downloader.NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.Network.APIBaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ttl := cacheTTL(cfg)
	c := &Client{
		cfg:    cfg,
		log:    log,
		http:   hc,
		base:   base,
		apiKey: cfg.APIKey(),
		mem:    expirable.NewLRU[string, []byte](512, nil, ttl),
		now:    time.Now,
	}
	if cfg.General.DataRoot != "" {
		c.disk = newDiskCache(cfg, ttl)
	}
	if rps := cfg.CivitAI.RequestsPerSecond; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL is the API host in use.
func (c *Client) BaseURL() string { return c.base }

// HasAPIKey reports whether requests are authenticated.
func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// AuthHeaders returns the headers to attach to file downloads.
func (c *Client) AuthHeaders() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends a GET and returns the body and status. Non-2xx statuses are not
// errors here; callers decide.
func (c *Client) do(ctx context.Context, rawURL string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", downloader.UserAgent(c.cfg))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.metrics != nil {
		c.metrics.IncAPIRequests()
	}
	c.log.Debugf("GET %s", logging.SanitizeURL(rawURL))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, friendly.NetworkError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, friendly.NetworkError(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return body, resp.StatusCode, friendly.RateLimitError(retryAfter(resp.Header.Get("Retry-After")))
	}
	return body, resp.StatusCode, nil
}

// getJSON fetches rawURL into out. what names the object for 404 messages.
// cacheable responses are served from and stored into the response caches.
func (c *Client) getJSON(ctx context.Context, rawURL, what string, cacheable bool, out any) error {
	if cacheable {
		if b, ok := c.cacheGet(rawURL); ok {
			if err := json.Unmarshal(b, out); err == nil {
				return nil
			}
		}
	}
	body, status, err := c.do(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := c.statusErr(status, what, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if cacheable {
		c.cachePut(rawURL, body)
	}
	return nil
}

func (c *Client) statusErr(status int, what string, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return friendly.AuthError(c.cfg.APIKeyEnvName(), status, c.apiKey != "", nil)
	case status == http.StatusNotFound:
		return friendly.NotFoundError(what, nil)
	default:
		return friendly.APIError(status, fmt.Sprintf("%d %s", status, http.StatusText(status)), string(body))
	}
}

func retryAfter(raw string) time.Duration {
	var secs int
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (c *Client) cacheGet(key string) ([]byte, bool) {
	if c.mem != nil {
		if b, ok := c.mem.Get(key); ok {
			return b, true
		}
	}
	if c.disk != nil {
		if b, ok := c.disk.get(key); ok {
			if c.mem != nil {
				c.mem.Add(key, b)
			}
			return b, true
		}
	}
	return nil, false
}

func (c *Client) cachePut(key string, b []byte) {
	if c.mem != nil {
		c.mem.Add(key, b)
	}
	if c.disk != nil {
		if err := c.disk.set(key, b); err != nil {
			c.log.Debugf("api cache write: %v", err)
		}
	}
}

// Fetch streams rawURL (an image or other asset) into w.
func (c *Client) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", downloader.UserAgent(c.cfg))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return friendly.NetworkError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.statusErr(resp.StatusCode, "image", nil)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
