// Package configwizard is the interactive form behind `config init`.
package configwizard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
)

type field struct {
	key   string
	hint  string
	get   func(c *config.Config) string
	apply func(c *config.Config, v string)
}

var fields = []field{
	{"general.data_root", "state, caches and settings", func(c *config.Config) string { return c.General.DataRoot },
		func(c *config.Config, v string) { c.General.DataRoot = v }},
	{"general.models_root", "the WebUI models directory", func(c *config.Config) string { return c.General.ModelsRoot },
		func(c *config.Config, v string) { c.General.ModelsRoot = v }},
	{"civitai.api_key_env", "env var holding the API key", func(c *config.Config) string { return c.CivitAI.APIKeyEnv },
		func(c *config.Config, v string) { c.CivitAI.APIKeyEnv = v }},
	{"civitai.hide_early_access", "true|false", func(c *config.Config) string { return strconv.FormatBool(c.CivitAI.HideEarlyAccess) },
		func(c *config.Config, v string) { c.CivitAI.HideEarlyAccess = parseBool(v) }},
	{"browser.use_lora", "merge LORA/LoCon/DoRA (true|false)", func(c *config.Config) string { return strconv.FormatBool(c.Browser.UseLORA) },
		func(c *config.Config, v string) { c.Browser.UseLORA = parseBool(v) }},
	{"downloads.use_aria2", "true|false", func(c *config.Config) string { return strconv.FormatBool(c.Downloads.UseAria2) },
		func(c *config.Config, v string) { c.Downloads.UseAria2 = parseBool(v) }},
	{"downloads.per_file_chunks", "parallel ranges per file", func(c *config.Config) string { return strconv.Itoa(c.Downloads.PerFileChunks) },
		func(c *config.Config, v string) { c.Downloads.PerFileChunks = parseInt(v, 4) }},
	{"downloads.chunk_size_mb", "range size in MiB", func(c *config.Config) string { return strconv.Itoa(c.Downloads.ChunkSizeMB) },
		func(c *config.Config, v string) { c.Downloads.ChunkSizeMB = parseInt(v, 8) }},
}

// Defaults is the starting point when no config exists yet.
func Defaults() *config.Config {
	return &config.Config{
		Version: 1,
		General: config.General{
			DataRoot:   "~/.local/share/civitai-browser",
			ModelsRoot: "~/stable-diffusion-webui/models",
		},
		CivitAI:   config.CivitAI{APIKeyEnv: "CIVITAI_API_KEY"},
		Downloads: config.Downloads{PerFileChunks: 4, ChunkSizeMB: 8, MaxRetries: 3},
		Logging:   config.Logging{Level: "info", Format: "human"},
		UI:        config.UIOptions{RefreshHz: 2},
	}
}

type Wizard struct {
	inputs    []textinput.Model
	focus     int
	base      *config.Config
	out       *config.Config
	cancelled bool
}

// New prefills the form from defaults (Defaults() when nil).
func New(defaults *config.Config) *Wizard {
	if defaults == nil {
		defaults = Defaults()
	}
	w := &Wizard{base: defaults}
	for _, f := range fields {
		ti := textinput.New()
		ti.Prompt = "> "
		ti.Placeholder = f.hint
		ti.CharLimit = 256
		ti.SetValue(f.get(defaults))
		w.inputs = append(w.inputs, ti)
	}
	w.inputs[0].Focus()
	return w
}

func (w *Wizard) Init() tea.Cmd { return textinput.Blink }

func (w *Wizard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "ctrl+c", "esc":
			w.cancelled = true
			return w, tea.Quit
		case "enter":
			if w.focus == len(w.inputs)-1 {
				w.out = w.build()
				return w, tea.Quit
			}
			w.move(1)
			return w, nil
		case "tab", "down":
			w.move(1)
			return w, nil
		case "shift+tab", "up":
			w.move(-1)
			return w, nil
		}
	}
	var cmd tea.Cmd
	w.inputs[w.focus], cmd = w.inputs[w.focus].Update(msg)
	return w, cmd
}

func (w *Wizard) move(d int) {
	w.inputs[w.focus].Blur()
	w.focus = min(max(w.focus+d, 0), len(w.inputs)-1)
	w.inputs[w.focus].Focus()
}

func (w *Wizard) View() string {
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render("civitai-browser config") + "\n")
	b.WriteString("Tab/Shift-Tab to move, Enter on the last field to save, Esc to abort.\n\n")
	for i, f := range fields {
		marker := " "
		if i == w.focus {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %-28s %s\n", marker, f.key+":", w.inputs[i].View())
	}
	return b.String()
}

// build copies the form over the defaults so fields the form does not show
// keep their values.
func (w *Wizard) build() *config.Config {
	c := *w.base
	for i, f := range fields {
		f.apply(&c, strings.TrimSpace(w.inputs[i].Value()))
	}
	return &c
}

// Config is the result, nil when the wizard was aborted.
func (w *Wizard) Config() *config.Config {
	if w.cancelled {
		return nil
	}
	return w.out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "y", "yes", "on":
		return true
	}
	return false
}

func parseInt(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
		return n
	}
	return def
}
