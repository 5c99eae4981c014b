package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/system"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

type Single struct {
	cfg *config.Config
	log *logging.Logger
	st  *state.DB
	m   Metrics
}

func NewSingle(cfg *config.Config, log *logging.Logger, st *state.DB, m Metrics) *Single {
	return &Single{cfg: cfg, log: log, st: st, m: m}
}

type headInfo struct {
	host        string // after redirects
	etag        string
	lastMod     string
	size        int64
	acceptRange bool
}

func head(ctx context.Context, cl *http.Client, cfg *config.Config, url string, headers map[string]string) (headInfo, error) {
	req, err := newRequest(ctx, cfg, http.MethodHead, url, headers)
	if err != nil {
		return headInfo{}, err
	}
	resp, err := cl.Do(req)
	if err != nil {
		return headInfo{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return headInfo{}, fmt.Errorf("HEAD status: %s", resp.Status)
	}
	var h headInfo
	if resp.Request != nil && resp.Request.URL != nil {
		h.host = resp.Request.URL.Hostname()
	}
	h.etag = resp.Header.Get("ETag")
	h.lastMod = resp.Header.Get("Last-Modified")
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		h.size, _ = strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	}
	h.acceptRange = strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
	return h, nil
}

// Download streams req.URL into a .part file, hashing as it goes, and
// renames it into place once the hash checks out. An existing .part is
// resumed with a Range request when the server supports it.
func (s *Single) Download(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	done, sha, err := resolveDest(s.cfg, &req)
	if err != nil {
		return Result{}, err
	}
	if done {
		s.log.Infof("already present: %s", req.Dest)
		return Result{Path: req.Dest, SHA256: sha}, nil
	}
	cl, err := transferClient(s.cfg)
	if err != nil {
		return Result{}, err
	}
	url, dest := req.URL, req.Dest
	part := stagePartPath(s.cfg, url, dest)
	if req.NoResume {
		_ = os.Remove(part)
	}

	h, herr := head(ctx, cl, s.cfg, url, req.Headers)
	if herr != nil {
		s.log.Debugf("HEAD %s: %v", logging.SanitizeURL(url), herr)
	}
	row := state.DownloadRow{URL: url, Dest: dest, ExpectedSHA256: req.ExpectedSHA256, ETag: h.etag, LastModified: h.lastMod, Size: h.size, Status: state.StatusPlanning}
	_ = s.st.UpsertDownload(row)
	fail := func(status string, err error) (Result, error) {
		row.Status = status
		row.LastError = errorText(err)
		_ = s.st.UpsertDownload(row)
		if status != state.StatusCancelled {
			recordFailure(s.m)
		}
		return Result{}, err
	}

	hasher := sha256.New()
	var have int64
	if fi, err := os.Stat(part); err == nil && h.acceptRange {
		have = fi.Size()
		s.log.Infof("resuming: %s (have %d bytes)", part, have)
		pf, err := os.Open(part)
		if err != nil {
			return fail(state.StatusError, err)
		}
		_, err = io.Copy(hasher, pf)
		_ = pf.Close()
		if err != nil {
			return fail(state.StatusError, err)
		}
	}
	if h.size > 0 {
		if ok, avail, err := system.HasSufficientSpace(dest, uint64(h.size-have)); err == nil && !ok {
			return fail(state.StatusError, friendly.DiskSpaceError(avail, uint64(h.size-have)))
		}
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fail(state.StatusError, err)
	}
	defer func() { _ = f.Close() }()
	if err := f.Truncate(have); err != nil {
		return fail(state.StatusError, err)
	}
	if _, err := f.Seek(have, io.SeekStart); err != nil {
		return fail(state.StatusError, err)
	}

	hreq, err := newRequest(ctx, s.cfg, http.MethodGet, url, req.Headers)
	if err != nil {
		return fail(state.StatusError, err)
	}
	if have > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", have))
	}
	resp, err := cl.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return fail(state.StatusCancelled, ctx.Err())
		}
		return fail(state.StatusError, friendly.NetworkError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if have > 0 && resp.StatusCode == http.StatusOK {
		s.log.Warnf("server ignored Range; restarting from beginning")
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fail(state.StatusError, err)
		}
		if err := f.Truncate(0); err != nil {
			return fail(state.StatusError, err)
		}
		hasher = sha256.New()
		have = 0
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fail(state.StatusError, statusError(s.cfg, resp, hadAuthHeader(req.Headers)))
	}
	total := h.size
	if total <= 0 && resp.ContentLength > 0 {
		total = have + resp.ContentLength
	}
	row.Size = total
	row.Status = state.StatusDownloading
	_ = s.st.UpsertDownload(row)

	pw := &progressWriter{done: have, total: total, fn: req.Progress, m: s.m}
	if _, err := io.Copy(io.MultiWriter(f, hasher, pw), resp.Body); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return fail(state.StatusCancelled, context.Canceled)
		}
		return fail(state.StatusError, friendly.NetworkError(err))
	}
	if err := f.Sync(); err != nil {
		return fail(state.StatusError, err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	row.ActualSHA256 = actual
	if req.ExpectedSHA256 != "" && !util.EqualSHA256(req.ExpectedSHA256, actual) {
		return fail(state.StatusChecksumMismatch, friendly.ChecksumError(dest, req.ExpectedSHA256, actual))
	}
	_ = f.Close()
	if err := finalize(part, dest, actual); err != nil {
		return fail(state.StatusError, err)
	}
	row.Status = state.StatusComplete
	row.LastError = ""
	_ = s.st.UpsertDownload(row)
	recordSuccess(s.m, start)
	return Result{Path: dest, SHA256: actual, Size: pw.done, Elapsed: time.Since(start)}, nil
}
