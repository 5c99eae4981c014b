package library

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// ScanMode selects what a scan does with each file it identifies.
type ScanMode string

const (
	ScanUpdates   ScanMode = "updates"   // report installed models with a newer version
	ScanInstalled ScanMode = "installed" // report every identified model
	ScanInfo      ScanMode = "info"      // write <base>.json and the HTML page
	ScanPreviews  ScanMode = "previews"  // download <base>.preview.png
	ScanOrganize  ScanMode = "organize"  // move files into <folder>/<base model>
)

// ParseScanMode accepts the mode names plus "tags" as an alias for info.
func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "updates", "update":
		return ScanUpdates, nil
	case "installed":
		return ScanInstalled, nil
	case "info", "tags":
		return ScanInfo, nil
	case "previews", "preview":
		return ScanPreviews, nil
	case "organize":
		return ScanOrganize, nil
	}
	return "", fmt.Errorf("unknown scan mode %q (updates|installed|info|previews|organize)", s)
}

type ScanOptions struct {
	Mode         ScanMode
	ContentTypes []string // choices from ScanChoices; empty means All
	Overwrite    bool     // rewrite info/previews that already exist
	SkipHash     bool     // trust the hash cache and .sha256 sidecars
	GenerateHTML bool     // previews mode also writes the HTML page
	Workers      int
}

// ScanFile is one model file the scan looked at.
type ScanFile struct {
	Path        string
	ContentType string
	SHA256      string
	Version     *civitai.Version
	Model       *civitai.Model
	Outdated    bool
	NotFound    bool
	Action      string // what the mode did: "saved info", "moved to ...", ...
	Err         error
}

type ScanResult struct {
	Mode         ScanMode
	FilesScanned int
	Found        int
	NotFound     int
	Files        []ScanFile // in path order; which files depends on the mode
	Errors       []error
}

// ScanProgress is reported after each file.
type ScanProgress struct {
	Done  int
	Total int
	Path  string
}

// ModelFileExtensions are the files a scan considers. Files without an
// extension are sniffed instead.
var ModelFileExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".th", ".vae", ".zip", ".onnx"}

func isModelFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return sniffModel(path)
	}
	for _, e := range ModelFileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// sniffModel recognises safetensors (small little-endian header length
// followed by '{'), pickles and zip-based torch archives.
func sniffModel(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, 9)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	if n >= 2 && buf[0] == 0x80 && buf[1] <= 0x05 {
		return true
	}
	if n >= 4 && string(buf[:4]) == "PK\x03\x04" {
		return true
	}
	if n == 9 {
		hl := binary.LittleEndian.Uint64(buf[:8])
		return hl > 1 && hl < 100<<20 && buf[8] == '{'
	}
	return false
}

type scanTarget struct {
	path        string
	contentType string
	root        string
}

// targets lists model files under each selected content type folder. A file
// reachable from several types (LORA/LoCon/DoRA share a folder) is listed
// once under the first.
func (m *Manager) targets(types []string) ([]scanTarget, error) {
	if len(types) == 0 {
		types = []string{"All"}
	}
	seen := map[string]bool{}
	var out []scanTarget
	for _, ct := range ExpandTypes(types, false) {
		var roots []string
		if ct == "Upscaler" {
			for _, d := range UpscalerTypes {
				roots = append(roots, Folder(m.cfg, ct, d))
			}
		} else {
			roots = append(roots, Folder(m.cfg, ct, ""))
		}
		for _, root := range roots {
			err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) && p == root {
						return filepath.SkipDir
					}
					if errors.Is(err, fs.ErrPermission) {
						return filepath.SkipDir
					}
					return err
				}
				if d.IsDir() {
					if p != root && m.cfg.Browser.DotSubfolders && strings.HasPrefix(d.Name(), ".") {
						return filepath.SkipDir
					}
					return nil
				}
				if seen[p] || !isModelFile(p) {
					return nil
				}
				seen[p] = true
				out = append(out, scanTarget{path: p, contentType: ct, root: root})
				return nil
			})
			if err != nil && !errors.Is(err, filepath.SkipDir) {
				return out, fmt.Errorf("walk %s: %w", root, err)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// Scan identifies the model files of the selected content types on CivitAI
// by SHA256 and applies the mode to each. Hashing and lookups run on a
// bounded worker pool; cancelling ctx stops the scan and returns what was
// gathered with ctx's error.
func (m *Manager) Scan(ctx context.Context, opts ScanOptions, progress func(ScanProgress)) (*ScanResult, error) {
	if opts.Mode == "" {
		opts.Mode = ScanUpdates
	}
	if m.api == nil {
		return nil, errors.New("scan requires an API client")
	}
	targets, err := m.targets(opts.ContentTypes)
	if err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	files := make([]ScanFile, len(targets))
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, t := range targets {
		if gctx.Err() != nil {
			break
		}
		i, t := i, t
		g.Go(func() error {
			f := m.scanOne(gctx, t, opts)
			files[i] = f
			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if progress != nil {
				progress(ScanProgress{Done: n, Total: len(targets), Path: t.path})
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	werr := g.Wait()

	res := &ScanResult{Mode: opts.Mode}
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		res.FilesScanned++
		switch {
		case f.NotFound:
			res.NotFound++
		case f.Version != nil:
			res.Found++
		}
		if f.Err != nil && !errors.Is(f.Err, context.Canceled) {
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", filepath.Base(f.Path), f.Err))
		}
		if keep(opts.Mode, f) {
			res.Files = append(res.Files, f)
		}
	}
	if m.metrics != nil {
		m.metrics.AddScannedFiles(int64(res.FilesScanned))
	}
	m.log.Infof("scan %s: %d files, %d found, %d not on CivitAI", opts.Mode, res.FilesScanned, res.Found, res.NotFound)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if werr != nil {
		return res, werr
	}
	return res, nil
}

func keep(mode ScanMode, f ScanFile) bool {
	switch mode {
	case ScanUpdates:
		return f.Outdated
	case ScanInstalled:
		return f.Version != nil
	default:
		return f.Action != "" || f.Err != nil
	}
}

func (m *Manager) scanOne(ctx context.Context, t scanTarget, opts ScanOptions) ScanFile {
	f := ScanFile{Path: t.path, ContentType: t.contentType}
	if err := ctx.Err(); err != nil {
		f.Err = err
		return f
	}
	sha, err := m.fileHash(ctx, t.path, opts.SkipHash)
	if err != nil {
		f.Err = err
		return f
	}
	f.SHA256 = sha

	v, err := m.api.VersionByHash(ctx, sha)
	if civitai.IsNotFound(err) {
		f.NotFound = true
		if m.cfg.Browser.NotFoundPrint {
			m.log.Infof("not found on CivitAI: %s", t.path)
		}
		return f
	}
	if err != nil {
		f.Err = err
		return f
	}
	f.Version = v
	model, err := m.api.Model(ctx, v.ModelID)
	if err != nil {
		f.Err = err
		return f
	}
	f.Model = model
	if latest, ok := model.Latest(); ok && latest.ID != v.ID {
		f.Outdated = true
	}
	if err := m.Record(t.path, sha, v, model, model.Type); err != nil {
		f.Err = err
		return f
	}

	switch opts.Mode {
	case ScanInfo:
		if !opts.Overwrite && exists(util.StripExt(t.path)+".json") {
			return f
		}
		if _, err := m.SaveModelInfo(ctx, t.path, model, v); err != nil {
			f.Err = err
			return f
		}
		f.Action = "saved info"
	case ScanPreviews:
		p, err := m.SavePreview(ctx, t.path, v, opts.Overwrite)
		if err != nil {
			f.Err = err
			return f
		}
		if p != "" {
			f.Action = "saved preview"
		}
		if opts.GenerateHTML {
			if err := m.SaveHTML(t.path, model, v, opts.Overwrite); err != nil {
				f.Err = err
				return f
			}
		}
	case ScanOrganize:
		if filepath.Dir(t.path) != filepath.Clean(t.root) || v.BaseModel == "" {
			return f
		}
		dest, err := m.Move(t.path, filepath.Join(t.root, util.SafeFileName(v.BaseModel)))
		if err != nil {
			f.Err = err
			return f
		}
		f.Action = "moved to " + dest
		f.Path = dest
	}
	return f
}

// fileHash returns a file's SHA256. The state cache keyed on size and mtime
// is always consulted; with trustSidecar a <file>.sha256 sidecar is also
// accepted without reading the model.
func (m *Manager) fileHash(ctx context.Context, path string, trustSidecar bool) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if m.st != nil {
		if sha, ok, err := m.st.CachedHash(path, fi.Size(), fi.ModTime().Unix()); err == nil && ok {
			return sha, nil
		}
	}
	if trustSidecar {
		if sha := readSidecar(path + ".sha256"); sha != "" {
			return sha, nil
		}
	}
	sha, err := util.HashFileSHA256Context(ctx, path)
	if err != nil {
		return "", err
	}
	if m.st != nil {
		if err := m.st.PutHash(path, fi.Size(), fi.ModTime().Unix(), sha); err != nil {
			m.log.Warnf("hash cache: %v", err)
		}
	}
	return sha, nil
}

// readSidecar reads the first field of a "<hex>  <name>" checksum file.
func readSidecar(p string) string {
	f, err := os.Open(p)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return ""
	}
	fields := strings.Fields(sc.Text())
	if len(fields) == 0 || len(fields[0]) != 64 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// LoadToBrowser returns the distinct model IDs of a scan result in order,
// for opening them in the browser.
func LoadToBrowser(res *ScanResult) []int64 {
	if res == nil {
		return nil
	}
	seen := map[int64]bool{}
	var ids []int64
	for _, f := range res.Files {
		if f.Version == nil || seen[f.Version.ModelID] {
			continue
		}
		seen[f.Version.ModelID] = true
		ids = append(ids, f.Version.ModelID)
	}
	return ids
}
