package downloader

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// stagePartPath returns the .part path for (url, dest). With stage_partials
// the file lives under partials_root (or models_root/.parts) so half finished
// files never show up in the WebUI model lists.
func stagePartPath(cfg *config.Config, url, dest string) string {
	if cfg == nil || !cfg.General.StagePartials {
		return dest + ".part"
	}
	partsDir := cfg.General.PartialsRoot
	if partsDir == "" {
		partsDir = filepath.Join(cfg.General.ModelsRoot, ".parts")
	}
	_ = os.MkdirAll(partsDir, 0o755)
	h := sha1.Sum([]byte(url + "|" + dest))
	key := hex.EncodeToString(h[:])[:12]
	return filepath.Join(partsDir, fmt.Sprintf("%s.%s.part", filepath.Base(dest), key))
}

// StagePartPath exposes the .part location for UI components.
func StagePartPath(cfg *config.Config, url, dest string) string {
	return stagePartPath(cfg, url, dest)
}

// resolveDest fills in a destination when the caller gave none and checks
// what is already on disk. done is true when dest already holds the expected
// file and nothing needs to be fetched.
func resolveDest(cfg *config.Config, req *Request) (done bool, sha string, err error) {
	if req.URL == "" {
		return false, "", errors.New("url required")
	}
	if req.Dest == "" {
		req.Dest = filepath.Join(cfg.General.ModelsRoot, util.CleanFileName(util.URLPathBase(req.URL)))
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return false, "", friendly.PathError(filepath.Dir(req.Dest), err)
	}
	if _, err := os.Stat(req.Dest); err != nil {
		return false, "", nil
	}
	if req.ExpectedSHA256 != "" {
		got, err := util.HashFileSHA256(req.Dest)
		if err == nil && util.EqualSHA256(got, req.ExpectedSHA256) {
			return true, got, nil
		}
	}
	if !cfg.General.AllowOverwrite {
		return false, "", friendly.NewFriendlyError(
			"File already exists: "+req.Dest,
			"Delete it first, pick another subfolder, or set general.allow_overwrite: true",
		)
	}
	return false, "", nil
}

// finalize moves the verified part into place and writes the .sha256 sidecar.
func finalize(part, dest, sha string) error {
	if err := renameOrCopy(part, dest); err != nil {
		return err
	}
	if err := writeAndSync(dest+".sha256", []byte(sha+"  "+filepath.Base(dest)+"\n")); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(dest))
}

// renameOrCopy attempts to rename, falling back to copy when cross-device.
func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && linkErr.Err == syscall.EXDEV {
			if err2 := copyFile(src, dst); err2 != nil {
				return err2
			}
			_ = os.Remove(src)
			return nil
		}
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = sf.Close() }()
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = df.Close() }()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}
