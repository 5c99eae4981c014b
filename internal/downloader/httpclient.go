package downloader

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

// Version is stamped into the default User-Agent; cmd sets it from main.version.
var Version = "dev"

// NewHTTPClient builds the shared client used for API calls and file
// transfers. It honours network.proxy, ca_bundle and disable_ssl_verify.
func NewHTTPClient(cfg *config.Config) (*http.Client, error) {
	timeout := time.Duration(cfg.Network.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Network.CABundle != "" {
		pem, err := os.ReadFile(cfg.Network.CABundle)
		if err != nil {
			return nil, fmt.Errorf("read ca_bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_bundle %s: no certificates found", cfg.Network.CABundle)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.Network.DisableSSLVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	proxy := http.ProxyFromEnvironment
	if p := strings.TrimSpace(cfg.Network.Proxy); p != "" {
		u, err := neturl.Parse(p)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("network.proxy: invalid URL %q", p)
		}
		proxy = http.ProxyURL(u)
	}
	tr := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		TLSClientConfig:       tlsCfg,
	}
	client := &http.Client{Transport: tr, Timeout: timeout}
	// CivitAI redirects downloads to a signed CDN URL; keep Range and UA but
	// never forward Authorization to another host.
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		prev := via[len(via)-1]
		for _, h := range []string{"User-Agent", "Range", "If-Range"} {
			if v := prev.Header.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
		if prev.URL != nil && req.URL != nil && strings.EqualFold(prev.URL.Host, req.URL.Host) {
			if auth := prev.Header.Get("Authorization"); auth != "" {
				req.Header.Set("Authorization", auth)
			}
		} else {
			req.Header.Del("Authorization")
		}
		return nil
	}
	return client, nil
}

// transferClient is NewHTTPClient without the overall timeout, which would
// otherwise cut off multi-gigabyte bodies.
func transferClient(cfg *config.Config) (*http.Client, error) {
	cl, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	cl.Timeout = 0
	if tr, ok := cl.Transport.(*http.Transport); ok {
		to := time.Duration(cfg.Network.TimeoutSeconds) * time.Second
		if to <= 0 {
			to = 60 * time.Second
		}
		tr.ResponseHeaderTimeout = to
	}
	return cl, nil
}

// UserAgent returns the configured User-Agent, or
// "civitai-browser/<version> (<goos>/<goarch>)" when not set.
func UserAgent(cfg *config.Config) string {
	if cfg != nil && cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}
	return fmt.Sprintf("civitai-browser/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

func newRequest(ctx context.Context, cfg *config.Config, method, url string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent(cfg))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
