package library

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// ImageDir is where a model's gallery images go: next to the model unless
// browser.image_location is set. With sub_image_location the model's path
// under models_root (or its content type, outside it) is repeated there.
func (m *Manager) ImageDir(modelPath, contentType string) string {
	loc := m.cfg.Browser.ImageLocation
	if loc == "" {
		return filepath.Dir(modelPath)
	}
	if !m.cfg.Browser.SubImageLocation {
		return loc
	}
	if rel, err := filepath.Rel(m.cfg.General.ModelsRoot, filepath.Dir(modelPath)); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Join(loc, rel)
	}
	if contentType == "" {
		contentType = "Other"
	}
	return filepath.Join(loc, contentType)
}

func imageExt(img civitai.Image) string {
	if u, err := url.Parse(img.URL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	if img.IsVideo() {
		return ".mp4"
	}
	return ".png"
}

// imageName is <base>_<n>.<ext>.
func imageName(modelPath string, n int, img civitai.Image) string {
	return fmt.Sprintf("%s_%d%s", util.StripExt(filepath.Base(modelPath)), n, imageExt(img))
}

// SavePreview stores the first still image of the version as
// <base>.preview.png next to the model. It is a no-op when a preview exists
// and overwrite is false.
func (m *Manager) SavePreview(ctx context.Context, modelPath string, v *civitai.Version, overwrite bool) (string, error) {
	dest := util.StripExt(modelPath) + ".preview.png"
	if !overwrite && exists(dest) {
		return "", nil
	}
	for _, img := range v.Images {
		if img.IsVideo() || img.URL == "" {
			continue
		}
		if err := m.fetchTo(ctx, img.URL, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	return "", nil
}

// SaveImages downloads every image of the version into ImageDir as
// <base>_<n>.<ext>, plus the preview. Existing files are kept.
func (m *Manager) SaveImages(ctx context.Context, modelPath, contentType string, v *civitai.Version) ([]string, error) {
	dir := m.ImageDir(modelPath, contentType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var saved []string
	for i, img := range v.Images {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		if img.URL == "" {
			continue
		}
		dest := filepath.Join(dir, imageName(modelPath, i, img))
		if exists(dest) {
			continue
		}
		if err := m.fetchTo(ctx, img.URL, dest); err != nil {
			return saved, fmt.Errorf("image %d: %w", img.ID, err)
		}
		saved = append(saved, dest)
	}
	p, err := m.SavePreview(ctx, modelPath, v, false)
	if err != nil {
		return saved, err
	}
	if p != "" {
		saved = append(saved, p)
	}
	return saved, nil
}

func (m *Manager) fetchTo(ctx context.Context, rawURL, dest string) error {
	if m.api == nil {
		return fmt.Errorf("no API client for %s", rawURL)
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := m.api.Fetch(ctx, rawURL, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
