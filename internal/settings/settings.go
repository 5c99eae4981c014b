// Package settings persists the browser's saved filter defaults and the
// user's custom subfolder registry.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
)

const keyPrefix = "civitai_interface"

// Interface is the set of browser defaults written under civitai_interface/
// keys of the UI config file, shared with the host WebUI's ui-config.json.
type Interface struct {
	SearchType    string   `json:"search_type"`
	ContentTypes  []string `json:"content_types"`
	TimePeriod    string   `json:"time_period"`
	SortBy        string   `json:"sort_by"`
	BaseModels    []string `json:"base_models"`
	SaveInfo      bool     `json:"save_info"`
	DivideByDate  bool     `json:"divide_by_date"`
	LikedOnly     bool     `json:"liked_only"`
	HideInstalled bool     `json:"hide_installed"`
	NSFW          bool     `json:"nsfw"`
	TileSize      int      `json:"tile_size"`
	TileCount     int      `json:"tile_count"`
}

func Defaults() Interface {
	return Interface{
		SearchType: "Model name",
		TimePeriod: "All Time",
		SortBy:     "Most Downloaded",
		SaveInfo:   true,
		TileSize:   8,
		TileCount:  15,
	}
}

func key(label string) string { return keyPrefix + "/" + label + "/value" }

type field struct {
	key   string
	value any
}

// values lists the saved keys in the order they are written.
func (s Interface) values() []field {
	return []field{
		{key("Search type:"), s.SearchType},
		{key("Content type:"), nonNil(s.ContentTypes)},
		{key("Time period:"), s.TimePeriod},
		{key("Sort by:"), s.SortBy},
		{key("Base model:"), nonNil(s.BaseModels)},
		{key("Save info after download"), s.SaveInfo},
		{key("Divide cards by date"), s.DivideByDate},
		{key("Liked models only"), s.LikedOnly},
		{key("Hide installed models"), s.HideInstalled},
		{key("NSFW content"), s.NSFW},
		{key("Tile size:"), s.TileSize},
		{key("Tile count:"), s.TileCount},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SaveInterface rewrites every civitai_interface key in the UI config file
// and leaves other keys alone, in their original order. The interface keys
// are appended after them. A missing file is created; a file holding
// invalid JSON is reported and not touched.
func SaveInterface(path string, s Interface) error {
	var data []rawField
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return friendly.PathError(path, err)
	default:
		if data, err = decodeRawOrdered(b); err != nil {
			return friendly.NewFriendlyError(
				fmt.Sprintf("Invalid JSON in %s", path),
				"Repair the file by hand or remove it to reset settings",
			).WithDetails(err)
		}
	}
	kept := data[:0]
	for _, f := range data {
		if !strings.Contains(f.key, keyPrefix) {
			kept = append(kept, f)
		}
	}
	data = kept
	for _, f := range s.values() {
		raw, err := json.Marshal(f.value)
		if err != nil {
			return err
		}
		data = append(data, rawField{f.key, raw})
	}
	out, err := encodeRawOrdered(data)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return friendly.PathError(dir, err)
		}
	}
	return writeFileAtomic(path, out)
}

type rawField struct {
	key   string
	value json.RawMessage
}

// decodeRawOrdered splits a JSON object into its members in file order.
// A later duplicate key replaces the earlier value in place.
func decodeRawOrdered(b []byte) ([]rawField, error) {
	if len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("UI config is not a JSON object")
	}
	var out []rawField
	seen := map[string]int{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		k, _ := kt.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		if i, ok := seen[k]; ok {
			out[i].value = v
			continue
		}
		seen[k] = len(out)
		out = append(out, rawField{k, v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeRawOrdered(fields []rawField) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, f := range fields {
		if i > 0 {
			buf.WriteString(",")
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.WriteString("\n    ")
		buf.Write(k)
		buf.WriteString(": ")
		if err := json.Indent(&buf, f.value, "    ", "    "); err != nil {
			return nil, err
		}
	}
	if len(fields) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}")
	return buf.Bytes(), nil
}

// LoadInterface reads saved defaults, falling back to Defaults for any key
// that is missing or of the wrong type.
func LoadInterface(path string) (Interface, error) {
	s := Defaults()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(b, &data); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	get := func(label string, out any) {
		if raw, ok := data[key(label)]; ok {
			_ = json.Unmarshal(raw, out)
		}
	}
	get("Search type:", &s.SearchType)
	get("Content type:", &s.ContentTypes)
	get("Time period:", &s.TimePeriod)
	get("Sort by:", &s.SortBy)
	get("Base model:", &s.BaseModels)
	get("Save info after download", &s.SaveInfo)
	get("Divide cards by date", &s.DivideByDate)
	get("Liked models only", &s.LikedOnly)
	get("Hide installed models", &s.HideInstalled)
	get("NSFW content", &s.NSFW)
	get("Tile size:", &s.TileSize)
	get("Tile count:", &s.TileCount)
	if len(s.ContentTypes) == 0 {
		s.ContentTypes = nil
	}
	if len(s.BaseModels) == 0 {
		s.BaseModels = nil
	}
	return s, nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(bytes.TrimRight(b, "\n"), '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
