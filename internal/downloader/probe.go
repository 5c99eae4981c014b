package downloader

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

type ProbeMeta struct {
	FinalURL    string
	Filename    string
	Size        int64
	AcceptRange bool
}

// ProbeURL asks the server for a file's name and size without downloading
// it: HEAD first, then a one byte Range GET when HEAD is unhelpful.
// CivitAI download links only reveal the real filename through
// Content-Disposition on the redirected response.
func ProbeURL(ctx context.Context, cfg *config.Config, rawURL string, headers map[string]string) (ProbeMeta, error) {
	cl, err := NewHTTPClient(cfg)
	if err != nil {
		return ProbeMeta{}, err
	}
	var meta ProbeMeta
	req, err := newRequest(ctx, cfg, http.MethodHead, rawURL, headers)
	if err != nil {
		return meta, err
	}
	resp, err := cl.Do(req)
	if err == nil {
		fillProbe(&meta, resp)
		_ = resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
			return meta, statusError(cfg, resp, hadAuthHeader(headers))
		}
	}
	if meta.Size <= 0 || !meta.AcceptRange || meta.Filename == "" {
		req2, err := newRequest(ctx, cfg, http.MethodGet, rawURL, headers)
		if err != nil {
			return meta, err
		}
		req2.Header.Set("Range", "bytes=0-0")
		resp2, err2 := cl.Do(req2)
		if err2 != nil && err != nil {
			return meta, err2
		}
		if err2 == nil {
			if resp2.StatusCode == http.StatusPartialContent {
				var start, end, total int64
				if _, err := fmt.Sscanf(resp2.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err == nil && total > 0 {
					meta.Size = total
					meta.AcceptRange = true
				}
				if meta.Filename == "" {
					meta.Filename = parseDispositionFilename(resp2.Header.Get("Content-Disposition"))
				}
				if meta.FinalURL == "" && resp2.Request != nil {
					meta.FinalURL = resp2.Request.URL.String()
				}
			}
			_ = resp2.Body.Close()
		}
	}
	if meta.FinalURL == "" {
		meta.FinalURL = rawURL
	}
	return meta, nil
}

func fillProbe(meta *ProbeMeta, resp *http.Response) {
	if resp.Request != nil && resp.Request.URL != nil {
		meta.FinalURL = resp.Request.URL.String()
	}
	meta.Filename = parseDispositionFilename(resp.Header.Get("Content-Disposition"))
	if clh := resp.Header.Get("Content-Length"); clh != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(clh), 10, 64); err == nil && n >= 0 {
			meta.Size = n
		}
	}
	meta.AcceptRange = strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
}

// parseDispositionFilename returns the base filename from a
// Content-Disposition header, or "" when there is none.
func parseDispositionFilename(cd string) string {
	if strings.TrimSpace(cd) == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// CheckReachable performs a quick HEAD to determine network reachability.
// Any HTTP response counts as reachable; only transport errors do not.
func CheckReachable(ctx context.Context, cfg *config.Config, rawURL string) (bool, string) {
	cl, err := NewHTTPClient(cfg)
	if err != nil {
		return false, err.Error()
	}
	if _, ok := ctx.Deadline(); !ok {
		c2, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ctx = c2
	}
	req, err := newRequest(ctx, cfg, http.MethodHead, rawURL, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := cl.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer func() { _ = resp.Body.Close() }()
	return true, resp.Status
}
