package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

func TestSaveInterfaceMergesAndReplaces(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ui-config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
		"txt2img/Steps/value": 30,
		"civitai_interface/Old key/value": "stale",
		"civitai_interface/Sort by:/value": "Newest"
	}`), 0o644))

	s := Defaults()
	s.ContentTypes = []string{"Checkpoint", "LORA"}
	s.NSFW = true
	s.TileCount = 30
	require.NoError(t, SaveInterface(p, s))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "\n    \"civitai_interface/Content type:/value\": [\n        \"Checkpoint\",")

	var data map[string]any
	require.NoError(t, json.Unmarshal(b, &data))
	assert.Equal(t, float64(30), data["txt2img/Steps/value"])
	assert.NotContains(t, data, "civitai_interface/Old key/value")
	assert.Equal(t, "Most Downloaded", data["civitai_interface/Sort by:/value"])
	assert.Equal(t, true, data["civitai_interface/NSFW content/value"])
	assert.Equal(t, float64(30), data["civitai_interface/Tile count:/value"])
	assert.Len(t, data, 13)

	got, err := LoadInterface(p)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSaveInterfaceKeepsKeyOrder(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ui-config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
		"txt2img/Steps/value": 30,
		"civitai_interface/Sort by:/value": "Newest",
		"img2img/Denoise/value": 0.75,
		"a_first/value": {"nested": [1, 2]}
	}`), 0o644))
	require.NoError(t, SaveInterface(p, Defaults()))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	out := string(b)
	steps := strings.Index(out, `"txt2img/Steps/value": 30`)
	denoise := strings.Index(out, `"img2img/Denoise/value": 0.75`)
	first := strings.Index(out, `"a_first/value"`)
	search := strings.Index(out, `"civitai_interface/Search type:/value"`)
	tiles := strings.Index(out, `"civitai_interface/Tile count:/value"`)
	require.True(t, steps >= 0 && denoise >= 0 && first >= 0 && search >= 0 && tiles >= 0, out)
	assert.Less(t, steps, denoise)
	assert.Less(t, denoise, first)
	assert.Less(t, first, search)
	assert.Less(t, search, tiles)

	// a second save is stable
	require.NoError(t, SaveInterface(p, Defaults()))
	again, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, out, string(again))
}

func TestSaveInterfaceCreatesMissingFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "ui-config.json")
	require.NoError(t, SaveInterface(p, Defaults()))
	got, err := LoadInterface(p)
	require.NoError(t, err)
	assert.Equal(t, "Model name", got.SearchType)
	assert.Empty(t, got.ContentTypes)
}

func TestSaveInterfaceLeavesInvalidJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ui-config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"broken": `), 0o644))
	err := SaveInterface(p, Defaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid JSON")
	b, _ := os.ReadFile(p)
	assert.Equal(t, `{"broken": `, string(b))
}

func TestLoadInterfaceDefaults(t *testing.T) {
	got, err := LoadInterface(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)
	assert.True(t, got.SaveInfo)
	assert.Equal(t, 8, got.TileSize)
	assert.Equal(t, 15, got.TileCount)
	assert.Equal(t, "All Time", got.TimePeriod)
}

func TestSubfoldersRegistry(t *testing.T) {
	p := filepath.Join(t.TempDir(), "subfolders.json")
	assert.Equal(t, "", FormatFile(p))

	s, err := OpenSubfolders(p)
	require.NoError(t, err)
	require.NoError(t, s.Add("Styles", "/styles/{BASEMODEL}"))
	require.NoError(t, s.Add("Chars", "/characters"))
	require.NoError(t, s.Add("Styles", "/styles"))
	assert.Equal(t, "Styles␞␞/styles␞␞Chars␞␞/characters", FormatFile(p))

	require.NoError(t, s.Remove("Styles"))
	assert.Error(t, s.Remove("Styles"))
	assert.Equal(t, "Chars␞␞/characters", FormatFile(p))

	require.NoError(t, s.Update("a␞␞/x␞␞b␞␞/y"))
	reopened, err := OpenSubfolders(p)
	require.NoError(t, err)
	assert.Equal(t, []Subfolder{{"a", "/x"}, {"b", "/y"}}, reopened.List())
	v, ok := reopened.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "/y", v)
}

func TestFormatFileToleratesOddValues(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "subfolders.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"z": 1, "a": {"name": "Named"}, "m": null, "t": true}`), 0o644))
	assert.Equal(t, "z␞␞1␞␞a␞␞Named␞␞m␞␞␞␞t␞␞True", FormatFile(p))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`["not", "an", "object"]`), 0o644))
	assert.Equal(t, "", FormatFile(bad))
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	assert.Equal(t, "", FormatFile(bad))
}

func TestDefaultSubfolder(t *testing.T) {
	cfg := &config.Config{DefaultSubfolders: map[string]string{"LORA_LoCon_default_subfolder": "/sdxl"}}
	assert.Equal(t, "/sdxl", DefaultSubfolder(cfg, "LORA_LoCon_default_subfolder"))
	assert.Equal(t, "None", DefaultSubfolder(cfg, "VAE_default_subfolder"))
	assert.Equal(t, "None", DefaultSubfolder(nil, "VAE_default_subfolder"))
}
