package library

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// DeleteModel removes a model file, its sidecars and gallery images, and
// forgets it in the state DB. It returns the paths actually removed.
func (m *Manager) DeleteModel(modelPath string) ([]string, error) {
	modelPath = filepath.Clean(modelPath)
	var installed state.InstalledModel
	var known bool
	if m.st != nil {
		var err error
		installed, known, err = m.st.GetInstalled(modelPath)
		if err != nil {
			return nil, err
		}
	}
	if !known && !exists(modelPath) {
		return nil, friendlyNotInstalled(modelPath)
	}

	var removed []string
	remove := func(p string) error {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = append(removed, p)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return err
		}
		return nil
	}
	if err := remove(modelPath); err != nil {
		return removed, err
	}
	for _, p := range sidecars(modelPath) {
		if err := remove(p); err != nil {
			return removed, err
		}
	}
	imgDir := m.ImageDir(modelPath, installed.ContentType)
	if matches, err := filepath.Glob(filepath.Join(imgDir, globEscape(util.StripExt(filepath.Base(modelPath)))+"_[0-9]*")); err == nil {
		for _, p := range matches {
			if err := remove(p); err != nil {
				return removed, err
			}
		}
	}
	if m.cfg.Browser.SaveToCustom {
		base := util.StripExt(filepath.Base(modelPath))
		for _, s := range []string{".html", ".api_info.json"} {
			if err := remove(filepath.Join(m.infoDir(modelPath, installed.ContentType), base+s)); err != nil {
				return removed, err
			}
		}
	}
	if m.st != nil {
		if err := m.st.DeleteInstalled(modelPath); err != nil {
			return removed, err
		}
		if err := m.st.DeleteHash(modelPath); err != nil {
			return removed, err
		}
	}
	m.log.Infof("deleted %s (%d files)", modelPath, len(removed))
	return removed, nil
}

func friendlyNotInstalled(p string) error {
	return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
}

func globEscape(s string) string {
	return strings.NewReplacer(`[`, `\[`, `]`, `\]`, `*`, `\*`, `?`, `\?`).Replace(s)
}

// UnpackZip extracts a downloaded archive into its directory and deletes it.
// Entries that would land outside that directory are rejected.
func UnpackZip(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	var out []string
	for _, f := range zr.File {
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !util.IsWithin(dir, dest) || dest == dir {
			_ = zr.Close()
			return out, fmt.Errorf("zip entry escapes target: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				_ = zr.Close()
				return out, err
			}
			continue
		}
		if err := extractFile(f, dest); err != nil {
			_ = zr.Close()
			return out, err
		}
		out = append(out, dest)
	}
	if err := zr.Close(); err != nil {
		return out, err
	}
	return out, os.Remove(path)
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	w, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Record stores a model file in the installed table and the hash cache.
func (m *Manager) Record(path, sha string, v *civitai.Version, model *civitai.Model, contentType string) error {
	if m.st == nil {
		return nil
	}
	rec := state.InstalledModel{Path: path, SHA256: sha, ContentType: contentType}
	if v != nil {
		rec.VersionID = v.ID
		rec.ModelID = v.ModelID
		rec.VersionName = v.Name
		rec.BaseModel = v.BaseModel
		if v.Model != nil {
			rec.ModelName = v.Model.Name
			if rec.ContentType == "" {
				rec.ContentType = v.Model.Type
			}
		}
	}
	if model != nil {
		rec.ModelName = model.Name
		if rec.ContentType == "" {
			rec.ContentType = model.Type
		}
		if latest, ok := model.Latest(); ok {
			rec.LatestVersionID = latest.ID
		}
	}
	if rec.ModelName == "" {
		rec.ModelName = util.StripExt(filepath.Base(path))
	}
	if err := m.st.UpsertInstalled(rec); err != nil {
		return err
	}
	if fi, err := os.Stat(path); err == nil && sha != "" {
		return m.st.PutHash(path, fi.Size(), fi.ModTime().Unix(), sha)
	}
	return nil
}

// Finish is the post-download step for queue items: archive unpacking,
// installed bookkeeping, info files and images.
func (m *Manager) Finish(ctx context.Context, it queue.Item, res downloader.Result) error {
	path := res.Path
	var errs []error
	if err := VerifySafetensors(path); err != nil {
		errs = append(errs, err)
	}
	if m.cfg.Downloads.UnpackZip && strings.EqualFold(filepath.Ext(path), ".zip") {
		files, err := UnpackZip(path)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("unpack %s: %w", filepath.Base(path), err))...)
		}
		m.log.Infof("unpacked %d files from %s", len(files), filepath.Base(path))
		return errors.Join(errs...)
	}

	var v *civitai.Version
	var model *civitai.Model
	if m.api != nil && it.VersionID > 0 {
		var err error
		if v, err = m.api.Version(ctx, it.VersionID); err != nil {
			errs = append(errs, err)
		}
		modelID := it.ModelID
		if modelID == 0 && v != nil {
			modelID = v.ModelID
		}
		if modelID > 0 {
			if model, err = m.api.Model(ctx, modelID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if v == nil {
		v = &civitai.Version{ID: it.VersionID, ModelID: it.ModelID, Name: it.VersionName, Model: &civitai.ModelRef{Name: it.ModelName, Type: it.ContentType}}
	}
	if err := m.Record(path, res.SHA256, v, model, it.ContentType); err != nil {
		errs = append(errs, err)
	}

	if model != nil && (it.SaveInfo || m.cfg.Downloads.SaveInfoAfterDownload) {
		if _, err := m.SaveModelInfo(ctx, path, model, v); err != nil {
			errs = append(errs, err)
		}
		if _, err := m.SavePreview(ctx, path, v, false); err != nil {
			errs = append(errs, err)
		}
	}
	if model != nil && m.cfg.Downloads.AutoSaveAllImages {
		if _, err := m.SaveImages(ctx, path, it.ContentType, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Move relocates a model and its sidecars into dir. An identical file at the
// target is treated as already moved; a different one is replaced when
// general.allow_overwrite is set and kept alongside under a numbered name
// otherwise.
func (m *Manager) Move(modelPath, dir string) (string, error) {
	dest := filepath.Join(dir, filepath.Base(modelPath))
	if dest == modelPath {
		return dest, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if exists(dest) {
		same, err := sameContent(modelPath, dest)
		if err != nil {
			return "", err
		}
		switch {
		case same:
			if err := os.Remove(modelPath); err != nil {
				return "", err
			}
		case !m.cfg.General.AllowOverwrite:
			// keep both: the moved file gets a " (2)" style name
			alt, err := util.UniquePath(dir, filepath.Base(modelPath), "")
			if err != nil {
				return "", err
			}
			m.log.Warnf("%s exists and differs; moving to %s", dest, filepath.Base(alt))
			dest = alt
			if err := moveFile(modelPath, dest); err != nil {
				return "", err
			}
		default:
			if err := moveFile(modelPath, dest); err != nil {
				return "", err
			}
		}
	} else if err := moveFile(modelPath, dest); err != nil {
		return "", err
	}
	for i, sc := range sidecars(modelPath) {
		if !exists(sc) {
			continue
		}
		target := sidecars(dest)[i]
		if err := moveFile(sc, target); err != nil {
			m.log.Warnf("move %s: %v", filepath.Base(sc), err)
		}
	}
	if m.st != nil {
		if err := m.st.MoveInstalled(modelPath, dest); err != nil {
			return dest, err
		}
	}
	return dest, nil
}

func sameContent(a, b string) (bool, error) {
	fa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if fa.Size() != fb.Size() {
		return false, nil
	}
	ha, err := util.HashFileSHA256(a)
	if err != nil {
		return false, err
	}
	hb, err := util.HashFileSHA256(b)
	if err != nil {
		return false, err
	}
	return util.EqualSHA256(ha, hb), nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = in.Close()
		return err
	}
	_, cerr := io.Copy(out, in)
	_ = in.Close()
	if err := out.Close(); cerr == nil {
		cerr = err
	}
	if cerr != nil {
		_ = os.Remove(dst)
		return cerr
	}
	return os.Remove(src)
}
