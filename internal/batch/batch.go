// Package batch reads and writes YAML download lists used by
// `queue add --batch` and `queue export`.
package batch

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type File struct {
	Version int   `yaml:"version"`
	Jobs    []Job `yaml:"jobs"`
}

// Job names one file to queue. Version is a version name or ID and File a
// file name; empty means the latest version and its primary file.
type Job struct {
	Model     int64  `yaml:"model"`
	Version   string `yaml:"version,omitempty"`
	File      string `yaml:"file,omitempty"`
	Subfolder string `yaml:"subfolder,omitempty"`
	SaveInfo  *bool  `yaml:"save_info,omitempty"`
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported batch version: %d", f.Version)
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("batch has no jobs")
	}
	for i, j := range f.Jobs {
		if j.Model <= 0 {
			return nil, fmt.Errorf("job %d: model id is required", i+1)
		}
	}
	return &f, nil
}

func Save(path string, f *File) error {
	if f.Version == 0 {
		f.Version = 1
	}
	b, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o644)
}
