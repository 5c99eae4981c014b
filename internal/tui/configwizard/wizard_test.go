package configwizard

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func typeText(w *Wizard, s string) {
	for _, r := range s {
		w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
}

func TestWizardBuildsConfig(t *testing.T) {
	w := New(nil)
	// clear and retype models_root
	w.Update(tea.KeyMsg{Type: tea.KeyTab})
	w.inputs[w.focus].SetValue("")
	typeText(w, "/srv/webui/models")
	w.Update(tea.KeyMsg{Type: tea.KeyTab})
	w.Update(tea.KeyMsg{Type: tea.KeyTab})
	w.Update(tea.KeyMsg{Type: tea.KeyTab})
	w.Update(tea.KeyMsg{Type: tea.KeyTab})
	w.inputs[w.focus].SetValue("yes")
	for w.focus < len(w.inputs)-1 {
		w.Update(tea.KeyMsg{Type: tea.KeyTab})
	}
	_, cmd := w.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatalf("enter on the last field should quit")
	}
	c := w.Config()
	if c == nil {
		t.Fatalf("expected a config")
	}
	if c.General.ModelsRoot != "/srv/webui/models" {
		t.Fatalf("models_root=%q", c.General.ModelsRoot)
	}
	if !c.Downloads.UseAria2 {
		t.Fatalf("use_aria2 should be true")
	}
	if c.Downloads.ChunkSizeMB != 8 || c.UI.RefreshHz != 2 {
		t.Fatalf("defaults lost: %+v", c.Downloads)
	}
}

func TestWizardEscAborts(t *testing.T) {
	w := New(nil)
	w.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if w.Config() != nil {
		t.Fatalf("aborted wizard should return nil")
	}
}
