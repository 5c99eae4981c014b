package browser

import (
	"sort"
	"strings"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
)

// Selection is what the user has ticked plus the context the buttons
// depend on.
type Selection struct {
	Models       []int64  // ticked model IDs
	Types        []string // content type of each ticked model
	VersionLabel string   // current version dropdown value, "" when none
	QueueLength  int      // items pending or downloading
}

func (s Selection) Any() bool { return len(s.Models) > 0 }

type Button struct {
	Visible     bool
	Interactive bool
	Label       string
}

type Dropdown struct {
	Visible     bool
	Interactive bool
	Choices     []string
	Value       string
}

// Buttons is the state of the download controls for a selection.
type Buttons struct {
	DownloadAll Button
	Download    Button
	Delete      Button
	SaveInfo    Button
	SaveImages  Button
	Subfolder   Dropdown
}

// SubfolderLister returns the subfolders of a content type's folder.
type SubfolderLister func(contentType string) ([]string, error)

// LibraryLister lists subfolders from the configured model folders.
func (s *Session) LibraryLister() SubfolderLister {
	return func(ct string) ([]string, error) {
		return library.Subfolders(library.Folder(s.cfg, ct, ""), s.cfg.Browser.DotSubfolders)
	}
}

// ButtonStates derives control state from the selection. With models
// ticked, the batch button and the shared subfolder dropdown show;
// otherwise the single-file buttons do.
func ButtonStates(sel Selection, lister SubfolderLister) Buttons {
	selected := sel.Any()
	queued := sel.QueueLength > 0
	var b Buttons

	b.DownloadAll = Button{Visible: selected, Interactive: selected && !queued, Label: "Download all selected"}
	if selected && queued {
		b.DownloadAll.Label = "Add to Queue"
	}
	installed := strings.HasSuffix(sel.VersionLabel, InstalledSuffix)
	b.Download = shown(!selected && sel.VersionLabel != "" && !installed, "Download model")
	b.Delete = shown(!selected && installed, "Delete model")
	b.SaveInfo = shown(!selected, "Save model info")
	b.SaveImages = shown(!selected, "Save images")

	b.Subfolder = Dropdown{Visible: selected, Choices: []string{"None"}, Value: library.SameTypePlaceholder}
	if !selected || !sameType(sel.Types) || lister == nil {
		return b
	}
	subs, err := lister(sel.Types[0])
	if err != nil {
		b.Subfolder.Value = "None"
		return b
	}
	b.Subfolder.Choices = append([]string{"None"}, dedupFold(subs)...)
	b.Subfolder.Interactive = true
	b.Subfolder.Value = "None"
	return b
}

// shown is a button that can be used exactly when it is visible.
func shown(visible bool, label string) Button {
	return Button{Visible: visible, Interactive: visible, Label: label}
}

func sameType(types []string) bool {
	if len(types) == 0 {
		return false
	}
	for _, t := range types[1:] {
		if t != types[0] {
			return false
		}
	}
	return true
}

func dedupFold(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || s == "None" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}
