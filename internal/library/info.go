package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// Per-model files. The .sha256 sidecar is named after the full file name,
// the others after the name without extension.
var sidecarSuffixes = []string{".json", ".preview.png", ".html", ".api_info.json"}

func sidecars(modelPath string) []string {
	base := util.StripExt(modelPath)
	out := make([]string, 0, len(sidecarSuffixes)+1)
	for _, s := range sidecarSuffixes {
		out = append(out, base+s)
	}
	return append(out, modelPath+".sha256")
}

// ModelURL is the CivitAI page for a model, optionally pinned to a version.
func ModelURL(modelID, versionID int64) string {
	u := fmt.Sprintf("https://civitai.com/models/%d", modelID)
	if versionID > 0 {
		u += fmt.Sprintf("?modelVersionId=%d", versionID)
	}
	return u
}

// SDVersion maps a CivitAI base model onto the WebUI's "sd version" field.
func SDVersion(baseModel string) string {
	b := strings.ToLower(baseModel)
	switch {
	case strings.HasPrefix(b, "sd 1"):
		return "SD1"
	case strings.HasPrefix(b, "sd 2"):
		return "SD2"
	case strings.Contains(b, "sdxl"), strings.Contains(b, "pony"), strings.Contains(b, "illustrious"), strings.Contains(b, "noobai"):
		return "SDXL"
	default:
		return "Unknown"
	}
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// PlainText strips markup from a CivitAI description.
func PlainText(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(s)
	s = html.UnescapeString(tagRe.ReplaceAllString(s, ""))
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// infoDir is where the HTML page and api_info go.
func (m *Manager) infoDir(modelPath, contentType string) string {
	if m.cfg.Browser.SaveToCustom && m.cfg.Browser.ImageLocation != "" {
		return m.ImageDir(modelPath, contentType)
	}
	return filepath.Dir(modelPath)
}

// SaveModelInfo writes the WebUI user metadata (<base>.json), an HTML page
// (<base>.html) and, with save_api_info, the raw API data
// (<base>.api_info.json). Existing preferred weight and notes are kept.
func (m *Manager) SaveModelInfo(ctx context.Context, modelPath string, model *civitai.Model, v *civitai.Version) ([]string, error) {
	if model == nil || v == nil {
		return nil, errors.New("model info requires a model and a version")
	}
	var written []string
	base := util.StripExt(filepath.Base(modelPath))

	jsonPath := util.StripExt(modelPath) + ".json"
	info := map[string]any{}
	if b, err := os.ReadFile(jsonPath); err == nil {
		_ = json.Unmarshal(b, &info)
	}
	info["activation text"] = strings.Join(v.TrainedWords, ", ")
	info["sd version"] = SDVersion(v.BaseModel)
	if m.cfg.Browser.ModelDescToJSON {
		info["description"] = PlainText(model.Description)
	} else if _, ok := info["description"]; !ok {
		info["description"] = ""
	}
	if _, ok := info["preferred weight"]; !ok {
		info["preferred weight"] = 0
	}
	if n, _ := info["notes"].(string); n == "" {
		info["notes"] = ModelURL(model.ID, v.ID)
	}
	if err := writeJSON(jsonPath, info); err != nil {
		return written, err
	}
	written = append(written, jsonPath)

	dir := m.infoDir(modelPath, model.Type)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return written, err
	}
	htmlPath := filepath.Join(dir, base+".html")
	if err := m.writeHTML(htmlPath, modelPath, model, v); err != nil {
		return written, err
	}
	written = append(written, htmlPath)

	if m.cfg.Downloads.SaveAPIInfo {
		p := filepath.Join(dir, base+".api_info.json")
		if err := writeJSON(p, struct {
			Model   *civitai.Model   `json:"model"`
			Version *civitai.Version `json:"version"`
		}{model, v}); err != nil {
			return written, err
		}
		written = append(written, p)
	}
	m.log.Debugf("saved model info for %s", base)
	return written, nil
}

// SaveHTML writes only the HTML page. An existing page is kept unless
// overwrite is set.
func (m *Manager) SaveHTML(modelPath string, model *civitai.Model, v *civitai.Version, overwrite bool) error {
	if model == nil || v == nil {
		return errors.New("model info requires a model and a version")
	}
	dir := m.infoDir(modelPath, model.Type)
	htmlPath := filepath.Join(dir, util.StripExt(filepath.Base(modelPath))+".html")
	if !overwrite && exists(htmlPath) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return m.writeHTML(htmlPath, modelPath, model, v)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var pageTmpl = template.Must(template.New("model").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Model.Name}} - {{.Version.Name}}</title>
<style>
body { font-family: sans-serif; max-width: 960px; margin: 2em auto; background: #111; color: #ddd; }
a { color: #6af; }
dt { font-weight: bold; margin-top: .5em; }
.images img, .images video { max-width: 300px; margin: 4px; vertical-align: top; }
</style>
</head>
<body>
<h1><a href="{{.URL}}">{{.Model.Name}}</a></h1>
<dl>
<dt>Version</dt><dd>{{.Version.Name}}</dd>
<dt>Type</dt><dd>{{.Model.Type}}</dd>
<dt>Base model</dt><dd>{{.Version.BaseModel}}</dd>
{{- if .Model.Creator.Username}}
<dt>Uploaded by</dt><dd>{{.Model.Creator.Username}}</dd>
{{- end}}
{{- if .Version.TrainedWords}}
<dt>Trained tags</dt><dd>{{range $i, $w := .Version.TrainedWords}}{{if $i}}, {{end}}{{$w}}{{end}}</dd>
{{- end}}
{{- if .Model.Tags}}
<dt>Tags</dt><dd>{{range $i, $t := .Model.Tags}}{{if $i}}, {{end}}{{$t}}{{end}}</dd>
{{- end}}
{{- if .FileName}}
<dt>File</dt><dd>{{.FileName}}</dd>
{{- end}}
</dl>
<h2>Description</h2>
<div class="description">{{.Description}}</div>
{{- if .VersionDescription}}
<h2>About this version</h2>
<div class="description">{{.VersionDescription}}</div>
{{- end}}
<div class="images">
{{- range .Images}}
{{- if .Video}}
<video src="{{.Src}}" autoplay loop muted></video>
{{- else}}
<img src="{{.Src}}" alt="">
{{- end}}
{{- end}}
</div>
</body>
</html>
`))

type pageImage struct {
	Src   string
	Video bool
}

func (m *Manager) writeHTML(htmlPath, modelPath string, model *civitai.Model, v *civitai.Version) error {
	data := struct {
		Model              *civitai.Model
		Version            *civitai.Version
		URL                string
		FileName           string
		Description        template.HTML
		VersionDescription template.HTML
		Images             []pageImage
	}{
		Model:   model,
		Version: v,
		URL:     ModelURL(model.ID, v.ID),
		// CivitAI descriptions are sanitized HTML already.
		Description:        template.HTML(model.Description),
		VersionDescription: template.HTML(v.Description),
		FileName:           filepath.Base(modelPath),
	}
	imgDir := m.ImageDir(modelPath, model.Type)
	for i, img := range v.Images {
		src := img.URL
		if m.cfg.Browser.LocalPathInHTML {
			local := filepath.Join(imgDir, imageName(modelPath, i, img))
			if _, err := os.Stat(local); err == nil {
				if rel, err := filepath.Rel(filepath.Dir(htmlPath), local); err == nil {
					src = filepath.ToSlash(rel)
				}
			}
		}
		data.Images = append(data.Images, pageImage{Src: src, Video: img.IsVideo()})
	}
	f, err := os.Create(htmlPath)
	if err != nil {
		return err
	}
	if err := pageTmpl.Execute(f, data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// exists reports whether p is present; stat errors other than not-exist
// count as present so callers do not clobber files they cannot inspect.
func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
