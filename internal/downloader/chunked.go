package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/system"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

const (
	chunkPending  = "pending"
	chunkRunning  = "running"
	chunkComplete = "complete"
	chunkDirty    = "dirty"
)

type Chunked struct {
	cfg *config.Config
	log *logging.Logger
	st  *state.DB
	m   Metrics
}

func NewChunked(cfg *config.Config, log *logging.Logger, st *state.DB, m Metrics) *Chunked {
	return &Chunked{cfg: cfg, log: log, st: st, m: m}
}

// syncProgress is progressWriter guarded for concurrent chunk workers.
type syncProgress struct {
	mu sync.Mutex
	pw progressWriter
}

func (p *syncProgress) add(n int64) {
	p.mu.Lock()
	p.pw.add(n)
	p.mu.Unlock()
}

// Download orchestrates a chunked download if possible; otherwise falls back to single-stream.
func (e *Chunked) Download(ctx context.Context, req Request) (Result, error) {
	startTime := time.Now()
	done, sha, err := resolveDest(e.cfg, &req)
	if err != nil {
		return Result{}, err
	}
	if done {
		e.log.Infof("already present: %s", req.Dest)
		return Result{Path: req.Dest, SHA256: sha}, nil
	}
	cl, err := transferClient(e.cfg)
	if err != nil {
		return Result{}, err
	}
	url, dest := req.URL, req.Dest
	h, err := head(ctx, cl, e.cfg, url, req.Headers)
	if err == nil && h.host != "" {
		_ = e.st.UpsertHostCaps(h.host, true, h.acceptRange)
	}
	if err != nil || h.size <= 0 || !h.acceptRange || e.cfg.Downloads.PerFileChunks == 1 {
		if err != nil {
			e.log.Debugf("chunked: HEAD failed, using single stream: %v", err)
		} else {
			e.log.Debugf("chunked: range unsupported or size unknown, using single stream")
		}
		return NewSingle(e.cfg, e.log, e.st, e.m).Download(ctx, req)
	}

	part := stagePartPath(e.cfg, url, dest)
	if req.NoResume {
		_ = os.Remove(part)
		_ = e.st.DeleteChunks(url, dest)
	}
	row := state.DownloadRow{URL: url, Dest: dest, ExpectedSHA256: req.ExpectedSHA256, ETag: h.etag, LastModified: h.lastMod, Size: h.size, Status: state.StatusPlanning}
	_ = e.st.UpsertDownload(row)
	fail := func(status string, err error) (Result, error) {
		row.Status = status
		row.LastError = errorText(err)
		_ = e.st.UpsertDownload(row)
		if status != state.StatusCancelled {
			recordFailure(e.m)
		}
		return Result{}, err
	}

	chunks, err := e.plan(url, dest, h.size)
	if err != nil {
		return fail(state.StatusError, err)
	}
	var remaining int64
	for _, c := range chunks {
		if c.Status != chunkComplete {
			remaining += c.Size
		}
	}
	if ok, avail, err := system.HasSufficientSpace(dest, uint64(remaining)); err == nil && !ok {
		return fail(state.StatusError, friendly.DiskSpaceError(avail, uint64(remaining)))
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fail(state.StatusError, err)
	}
	defer func() { _ = f.Close() }()
	if fi, _ := f.Stat(); fi != nil && fi.Size() != h.size {
		if err := f.Truncate(h.size); err != nil {
			return fail(state.StatusError, err)
		}
	}

	prog := &syncProgress{pw: progressWriter{done: h.size - remaining, total: h.size, fn: req.Progress, m: e.m}}
	row.Status = state.StatusDownloading
	_ = e.st.UpsertDownload(row)

	perFile := e.cfg.Downloads.PerFileChunks
	if perFile <= 0 {
		perFile = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(perFile)
	for _, c := range chunks {
		if c.Status == chunkComplete {
			continue
		}
		c := c
		g.Go(func() error {
			_ = e.st.UpdateChunkStatus(url, dest, c.Index, chunkRunning)
			sha, err := e.fetchChunk(gctx, cl, url, h, f, c, req.Headers, prog)
			if err != nil {
				_ = e.st.UpdateChunkStatus(url, dest, c.Index, chunkPending)
				return err
			}
			_ = e.st.UpdateChunkSHA(url, dest, c.Index, sha)
			return e.st.UpdateChunkStatus(url, dest, c.Index, chunkComplete)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return fail(state.StatusCancelled, ctx.Err())
		}
		return fail(state.StatusError, err)
	}

	finalSHA, err := hashRange(f, 0, h.size)
	if err != nil {
		return fail(state.StatusError, err)
	}
	if req.ExpectedSHA256 != "" && !util.EqualSHA256(req.ExpectedSHA256, finalSHA) {
		e.log.Warnf("final sha mismatch; scanning chunks for corruption")
		repaired, err := e.repair(ctx, cl, url, dest, h, f, req.Headers, prog)
		if err != nil {
			return fail(state.StatusError, err)
		}
		if repaired {
			if finalSHA, err = hashRange(f, 0, h.size); err != nil {
				return fail(state.StatusError, err)
			}
		}
		if !util.EqualSHA256(req.ExpectedSHA256, finalSHA) {
			row.ActualSHA256 = finalSHA
			return fail(state.StatusChecksumMismatch, friendly.ChecksumError(dest, req.ExpectedSHA256, finalSHA))
		}
	}
	if err := f.Sync(); err != nil {
		return fail(state.StatusError, err)
	}
	_ = f.Close()
	if err := finalize(part, dest, finalSHA); err != nil {
		return fail(state.StatusError, err)
	}
	_ = e.st.DeleteChunks(url, dest)
	row.Status = state.StatusComplete
	row.ActualSHA256 = finalSHA
	row.LastError = ""
	_ = e.st.UpsertDownload(row)
	recordSuccess(e.m, startTime)
	return Result{Path: dest, SHA256: finalSHA, Size: h.size, Elapsed: time.Since(startTime)}, nil
}

// plan returns the persisted chunk plan, creating a fresh one when none
// exists or the remote size changed since it was made.
func (e *Chunked) plan(url, dest string, size int64) ([]state.ChunkRow, error) {
	chunks, err := e.st.ListChunks(url, dest)
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		last := chunks[len(chunks)-1]
		if last.End == size-1 {
			return chunks, nil
		}
		e.log.Warnf("remote size changed; discarding chunk plan for %s", dest)
		if err := e.st.DeleteChunks(url, dest); err != nil {
			return nil, err
		}
	}
	chunkSize := int64(e.cfg.Downloads.ChunkSizeMB) * 1024 * 1024
	if chunkSize <= 0 {
		chunkSize = 16 * 1024 * 1024
	}
	idx := 0
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize - 1
		if end >= size {
			end = size - 1
		}
		cr := state.ChunkRow{URL: url, Dest: dest, Index: idx, Start: start, End: end, Size: end - start + 1, Status: chunkPending}
		if err := e.st.UpsertChunk(cr); err != nil {
			return nil, err
		}
		idx++
	}
	return e.st.ListChunks(url, dest)
}

// repair re-hashes every chunk against its recorded hash and re-fetches the
// ones that differ.
func (e *Chunked) repair(ctx context.Context, cl *http.Client, url, dest string, h headInfo, f *os.File, headers map[string]string, prog *syncProgress) (bool, error) {
	chunks, err := e.st.ListChunks(url, dest)
	if err != nil {
		return false, err
	}
	repaired := false
	for _, c := range chunks {
		got, err := hashRange(f, c.Start, c.Size)
		if err != nil {
			return false, err
		}
		if c.SHA256 != "" && util.EqualSHA256(got, c.SHA256) {
			continue
		}
		e.log.Warnf("chunk %d sha mismatch; re-fetching", c.Index)
		_ = e.st.UpdateChunkStatus(url, dest, c.Index, chunkDirty)
		sha, err := e.fetchChunk(ctx, cl, url, h, f, c, headers, prog)
		if err != nil {
			return false, err
		}
		_ = e.st.UpdateChunkSHA(url, dest, c.Index, sha)
		_ = e.st.UpdateChunkStatus(url, dest, c.Index, chunkComplete)
		repaired = true
	}
	return repaired, nil
}

func (e *Chunked) fetchChunk(ctx context.Context, cl *http.Client, url string, h headInfo, f *os.File, c state.ChunkRow, headers map[string]string, prog *syncProgress) (string, error) {
	attempts := e.cfg.Downloads.MaxRetries
	if attempts <= 0 {
		attempts = 5
	}
	minMS := e.cfg.Downloads.Backoff.MinMS
	if minMS <= 0 {
		minMS = 200
	}
	maxMS := e.cfg.Downloads.Backoff.MaxMS
	if maxMS < minMS {
		maxMS = minMS * 10
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		sha, err := e.tryFetchChunk(ctx, cl, url, h, f, c, headers, prog)
		if err == nil {
			return sha, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return "", err
		}
		if e.m != nil {
			e.m.IncRetries(1)
		}
		_ = e.st.IncDownloadRetries(url, c.Dest, 1)
		dur := time.Duration(minMS+rand.Intn(maxMS-minMS+1)) * time.Millisecond
		if fe, ok := friendly.As(err); ok && fe.StatusCode == http.StatusTooManyRequests {
			dur *= 2
		}
		e.log.Debugf("chunk %d attempt %d failed: %v; retrying in %s", c.Index, attempt+1, err, dur)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(dur):
		}
	}
	return "", lastErr
}

func (e *Chunked) tryFetchChunk(ctx context.Context, cl *http.Client, url string, h headInfo, f *os.File, c state.ChunkRow, headers map[string]string, prog *syncProgress) (string, error) {
	req, err := newRequest(ctx, e.cfg, http.MethodGet, url, headers)
	if err != nil {
		return "", err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.Start, c.End))
	if h.etag != "" {
		req.Header.Set("If-Range", h.etag)
	} else if h.lastMod != "" {
		req.Header.Set("If-Range", h.lastMod)
	}
	resp, err := cl.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return "", fmt.Errorf("chunk %d: server ignored Range", c.Index)
		}
		return "", statusError(e.cfg, resp, hadAuthHeader(headers))
	}
	hasher := sha256.New()
	w := io.MultiWriter(io.NewOffsetWriter(f, c.Start), hasher)
	var written int64
	buf := make([]byte, 256*1024)
	for written < c.Size {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if int64(n) > c.Size-written {
				n = int(c.Size - written)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return "", err
			}
			written += int64(n)
			prog.add(int64(n))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return "", rerr
		}
	}
	if written != c.Size {
		return "", fmt.Errorf("chunk %d: short read %d!=%d", c.Index, written, c.Size)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashRange(f *os.File, start, size int64) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, start, size)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
