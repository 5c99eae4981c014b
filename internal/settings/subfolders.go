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

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

// Separator joins keys and values in the flat subfolder string.
const Separator = "␞␞"

type Subfolder struct {
	Key   string
	Value string
}

// Subfolders is the user's registry of named custom subfolders, stored as a
// JSON object whose key order is preserved.
type Subfolders struct {
	path    string
	entries []Subfolder
}

// OpenSubfolders reads the registry; a missing file is an empty registry.
func OpenSubfolders(path string) (*Subfolders, error) {
	s := &Subfolders{path: path}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := decodeOrdered(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.entries = entries
	return s, nil
}

func (s *Subfolders) List() []Subfolder {
	return append([]Subfolder(nil), s.entries...)
}

func (s *Subfolders) Get(key string) (string, bool) {
	for _, e := range s.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Add sets key to value, keeping its position if it already exists.
func (s *Subfolders) Add(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("subfolder key is empty")
	}
	for i, e := range s.entries {
		if e.Key == key {
			s.entries[i].Value = value
			return s.save()
		}
	}
	s.entries = append(s.entries, Subfolder{Key: key, Value: value})
	return s.save()
}

func (s *Subfolders) Remove(key string) error {
	for i, e := range s.entries {
		if e.Key == key {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("no custom subfolder %q", key)
}

// Update replaces the registry with the pairs in a flat Separator-joined
// string, as produced by Format.
func (s *Subfolders) Update(flat string) error {
	s.entries = nil
	if flat != "" {
		parts := strings.Split(flat, Separator)
		for i := 0; i+1 < len(parts); i += 2 {
			if k := strings.TrimSpace(parts[i]); k != "" {
				s.entries = append(s.entries, Subfolder{Key: k, Value: parts[i+1]})
			}
		}
	}
	return s.save()
}

// Format renders the registry as key␞␞value pairs joined by ␞␞.
func (s *Subfolders) Format() string {
	parts := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		parts = append(parts, e.Key+Separator+e.Value)
	}
	return strings.Join(parts, Separator)
}

// FormatFile formats the registry at path. Missing or unreadable files
// format as "".
func FormatFile(path string) string {
	s, err := OpenSubfolders(path)
	if err != nil {
		return ""
	}
	return s.Format()
}

func (s *Subfolders) save() error {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, e := range s.entries {
		if i > 0 {
			buf.WriteString(",")
		}
		k, _ := json.Marshal(e.Key)
		v, _ := json.Marshal(e.Value)
		buf.WriteString("\n    ")
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(v)
	}
	if len(s.entries) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}")
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, buf.Bytes())
}

// decodeOrdered reads a flat JSON object keeping key order. Non-string
// values are rendered the way the registry has always shown them: numbers
// and booleans as text, objects by their name or title field.
func decodeOrdered(b []byte) ([]Subfolder, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("subfolders file is not a JSON object")
	}
	var out []Subfolder
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		k, _ := kt.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, Subfolder{Key: k, Value: valueString(v)})
	}
	return out, nil
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "True"
		}
		return "False"
	case map[string]any:
		if n, ok := x["name"]; ok {
			return valueString(n)
		}
		if n, ok := x["title"]; ok {
			return valueString(n)
		}
		b, _ := json.Marshal(x)
		return string(b)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// DefaultSubfolder returns the configured default subfolder for a settings
// key such as "LORA_LoCon_default_subfolder", or "None".
func DefaultSubfolder(cfg *config.Config, key string) string {
	if cfg != nil {
		if v := strings.TrimSpace(cfg.DefaultSubfolders[key]); v != "" {
			return v
		}
	}
	return "None"
}

