package downloader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// Aria2 hands the transfer to an external aria2c process and hashes the
// result afterwards. aria2c keeps its own .aria2 control file for resume.
type Aria2 struct {
	cfg *config.Config
	log *logging.Logger
	st  *state.DB
	m   Metrics
	bin string
}

func NewAria2(cfg *config.Config, log *logging.Logger, st *state.DB, m Metrics, bin string) *Aria2 {
	return &Aria2{cfg: cfg, log: log, st: st, m: m, bin: bin}
}

func (a *Aria2) args(req Request) []string {
	split := strconv.Itoa(a.cfg.Aria2SplitOrDefault())
	args := []string{
		"--dir=" + filepath.Dir(req.Dest),
		"--out=" + filepath.Base(req.Dest),
		"--split=" + split,
		"--max-connection-per-server=" + split,
		"--min-split-size=1M",
		"--continue=true",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		"--summary-interval=1",
		"--file-allocation=none",
		"--user-agent=" + UserAgent(a.cfg),
	}
	if !a.cfg.Downloads.ShowLog {
		args = append(args, "--console-log-level=error")
	}
	if a.cfg.Downloads.DisableDNS {
		args = append(args, "--async-dns=false")
	}
	if a.cfg.Network.DisableSSLVerify {
		args = append(args, "--check-certificate=false")
	}
	if a.cfg.Network.CABundle != "" {
		args = append(args, "--ca-certificate="+a.cfg.Network.CABundle)
	}
	for k, v := range req.Headers {
		args = append(args, fmt.Sprintf("--header=%s: %s", k, v))
	}
	args = append(args, strings.Fields(a.cfg.Downloads.Aria2Flags)...)
	return append(args, req.URL)
}

func (a *Aria2) Download(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	done, sha, err := resolveDest(a.cfg, &req)
	if err != nil {
		return Result{}, err
	}
	if done {
		return Result{Path: req.Dest, SHA256: sha}, nil
	}
	if req.NoResume {
		_ = os.Remove(req.Dest + ".aria2")
		_ = os.Remove(req.Dest)
	}
	row := state.DownloadRow{URL: req.URL, Dest: req.Dest, ExpectedSHA256: req.ExpectedSHA256, Status: state.StatusDownloading}
	_ = a.st.UpsertDownload(row)
	fail := func(status string, err error) (Result, error) {
		row.Status = status
		row.LastError = errorText(err)
		_ = a.st.UpsertDownload(row)
		if status != state.StatusCancelled {
			recordFailure(a.m)
		}
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, a.bin, a.args(req)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(state.StatusError, err)
	}
	cmd.Stderr = cmd.Stdout
	a.log.Debugf("aria2c %s -> %s", logging.SanitizeURL(req.URL), req.Dest)
	if err := cmd.Start(); err != nil {
		return fail(state.StatusError, fmt.Errorf("start aria2c: %w", err))
	}
	var last int64
	var tail []string
	a.scanOutput(stdout, func(line string) {
		if d, t, ok := parseAria2Progress(line); ok {
			if a.m != nil && d > last {
				a.m.AddBytes(d - last)
			}
			last = d
			row.Size = t
			if req.Progress != nil {
				req.Progress(d, t)
			}
			return
		}
		if a.cfg.Downloads.ShowLog {
			a.log.Infof("aria2c: %s", line)
		}
		if tail = append(tail, line); len(tail) > 5 {
			tail = tail[1:]
		}
	})
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fail(state.StatusCancelled, ctx.Err())
		}
		return fail(state.StatusError, fmt.Errorf("aria2c: %w: %s", err, strings.Join(tail, " | ")))
	}

	actual, err := util.HashFileSHA256Context(ctx, req.Dest)
	if err != nil {
		return fail(state.StatusError, err)
	}
	row.ActualSHA256 = actual
	if req.ExpectedSHA256 != "" && !util.EqualSHA256(req.ExpectedSHA256, actual) {
		return fail(state.StatusChecksumMismatch, friendly.ChecksumError(req.Dest, req.ExpectedSHA256, actual))
	}
	if err := writeAndSync(req.Dest+".sha256", []byte(actual+"  "+filepath.Base(req.Dest)+"\n")); err != nil {
		return fail(state.StatusError, err)
	}
	var size int64
	if fi, err := os.Stat(req.Dest); err == nil {
		size = fi.Size()
	}
	row.Size = size
	row.Status = state.StatusComplete
	row.LastError = ""
	_ = a.st.UpsertDownload(row)
	recordSuccess(a.m, start)
	return Result{Path: req.Dest, SHA256: actual, Size: size, Elapsed: time.Since(start)}, nil
}

// scanOutput splits aria2c output on both \n and \r since the summary line
// is redrawn in place.
func (a *Aria2) scanOutput(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		for i, b := range data {
			if b == '\n' || b == '\r' {
				return i + 1, data[:i], nil
			}
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			fn(line)
		}
	}
}

// [#2089b0 400.0KiB/33.2MiB(1%) CN:1 DL:115.7KiB ETA:4m51s]
var aria2ProgressRe = regexp.MustCompile(`\[#\w+\s+([\d.]+[KMGT]?i?B)/([\d.]+[KMGT]?i?B)`)

func parseAria2Progress(line string) (done, total int64, ok bool) {
	m := aria2ProgressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	d, err1 := humanize.ParseBytes(m[1])
	t, err2 := humanize.ParseBytes(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return int64(d), int64(t), true
}
