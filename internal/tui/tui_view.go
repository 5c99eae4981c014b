package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/browser"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
)

type TUIView struct {
	th     Theme
	prog   progress.Model
	detail viewport.Model
	width  int
	height int
}

func NewTUIView() *TUIView {
	return &TUIView{
		th:     defaultTheme(),
		prog:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(24)),
		detail: viewport.New(60, 12),
	}
}

func (v *TUIView) SetSize(width, height int) {
	v.width = width
	v.height = height
	v.detail.Width = max(width-4, 20)
	v.detail.Height = max(height/3, 6)
}

// SetDetails fills the details pane for the current file.
func (v *TUIView) SetDetails(d *browser.Details) {
	if d == nil {
		v.detail.SetContent("")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s · %s  [%s]\n", d.ModelName, d.VersionName, d.ContentType)
	fmt.Fprintf(&b, "Base model: %s\n", d.BaseModel)
	fmt.Fprintf(&b, "File: %s (%s)\n", d.Filename, humanize.Bytes(uint64(d.SizeBytes)))
	if d.SHA256 != "" {
		fmt.Fprintf(&b, "SHA256: %s\n", d.SHA256)
	}
	fmt.Fprintf(&b, "Install path: %s\n", d.InstallPath)
	if d.Installed {
		fmt.Fprintf(&b, "Installed: %s\n", d.InstalledAt)
	}
	if d.EarlyAccess {
		b.WriteString("Early access\n")
	}
	if len(d.TrainedTags) > 0 {
		fmt.Fprintf(&b, "Trained tags: %s\n", strings.Join(d.TrainedTags, ", "))
	}
	if len(d.Images) > 0 {
		fmt.Fprintf(&b, "Images: %d\n", len(d.Images))
	}
	if d.Description != "" {
		b.WriteString("\n")
		b.WriteString(library.PlainText(d.Description))
	}
	v.detail.SetContent(b.String())
	v.detail.GotoTop()
}

func (v *TUIView) ScrollDetails(msg tea.KeyMsg) {
	v.detail, _ = v.detail.Update(msg)
}

func (v *TUIView) View(m *TUIModel, c *TUIController) string {
	var b strings.Builder
	b.WriteString(v.renderTabs(c.tab))
	b.WriteString("\n\n")
	switch c.tab {
	case tabQueue:
		b.WriteString(v.renderQueue(m, c))
	case tabUpdate:
		b.WriteString(v.renderUpdate(m, c))
	default:
		b.WriteString(v.renderBrowser(m, c))
	}
	b.WriteString("\n")
	b.WriteString(v.renderStatus(m))
	return b.String()
}

func (v *TUIView) renderTabs(active int) string {
	parts := make([]string, 0, len(tabNames))
	for i, n := range tabNames {
		label := fmt.Sprintf("%d %s", i+1, n)
		if i == active {
			parts = append(parts, v.th.tabActive.Render("["+label+"]"))
		} else {
			parts = append(parts, v.th.tabInactive.Render(" "+label+" "))
		}
	}
	return v.th.title.Render("CivitAI Browser") + "  " + strings.Join(parts, " ")
}

func (v *TUIView) renderBrowser(m *TUIModel, c *TUIController) string {
	var b strings.Builder
	b.WriteString(c.search.View())
	if c.searching {
		b.WriteString(" " + c.spin.View())
	}
	b.WriteString("\n")

	types := "All"
	if len(m.iface.ContentTypes) > 0 {
		types = strings.Join(m.iface.ContentTypes, ", ")
	}
	nsfw := "off"
	if m.iface.NSFW {
		nsfw = "on"
	}
	b.WriteString(v.th.label.Render(fmt.Sprintf("type: %s · sort: %s · period: %s · nsfw: %s",
		types, m.iface.SortBy, m.iface.TimePeriod, nsfw)))
	b.WriteString("\n\n")

	rows := m.Rows()
	if len(rows) == 0 {
		b.WriteString("No models. Press / to search.\n")
	}
	width := max(v.width-16, 30)
	lastGroup := ""
	for i, r := range rows {
		if m.iface.DivideByDate {
			if g := groupLabel(r); g != lastGroup {
				b.WriteString(v.th.head.Render(g) + "\n")
				lastGroup = g
			}
		}
		mark := "[ ]"
		if m.selected[r.ID] {
			mark = "[x]"
		}
		line := fmt.Sprintf("%s %-14s %s", mark, truncate(r.Type, 14), truncate(r.Name, width))
		style := v.th.row
		if i == c.cursor[tabBrowser] {
			style = v.th.rowSelected
		}
		b.WriteString(style.Render(line) + "\n")
	}

	if c.showDetail && m.details != nil {
		if len(m.versions) > 1 {
			b.WriteString(v.th.label.Render(fmt.Sprintf("version %d/%d: %s (v to cycle)",
				m.versionIx+1, len(m.versions), m.versions[m.versionIx])) + "\n")
		}
		b.WriteString(v.th.border.Render(v.detail.View()))
		b.WriteString("\n")
	}
	b.WriteString(v.renderActions(m.Buttons(), browser.SelectAllVisible(m.page)))
	return b.String()
}

func groupLabel(r civitai.Model) string {
	if v, ok := r.Latest(); ok && !v.Published().IsZero() {
		return v.Published().Format("2006-01")
	}
	return "Unknown"
}

// renderActions lists the keys for the controls currently shown.
func (v *TUIView) renderActions(bs browser.Buttons, selectAll bool) string {
	var keys []string
	add := func(btn browser.Button, key string) {
		if btn.Visible && btn.Interactive {
			keys = append(keys, key+" "+strings.ToLower(btn.Label))
		}
	}
	add(bs.DownloadAll, "D")
	add(bs.Download, "d")
	add(bs.Delete, "x")
	add(bs.SaveInfo, "i")
	add(bs.SaveImages, "I")
	if bs.Subfolder.Visible {
		keys = append(keys, "subfolder: "+bs.Subfolder.Value)
	}
	keys = append(keys, "space select")
	if selectAll {
		keys = append(keys, "a all")
	}
	keys = append(keys, "n/p page", "t/s/o/N filters", "H hide installed")
	return v.th.footer.Render(strings.Join(keys, " · "))
}

func (v *TUIView) renderQueue(m *TUIModel, c *TUIController) string {
	var b strings.Builder
	b.WriteString(v.th.head.Render(fmt.Sprintf("%-28s %-16s %-40s %s", "Model", "Version", "Path", "Status")))
	b.WriteString("\n")
	if len(m.items) == 0 {
		b.WriteString("Queue is empty.\n")
	}
	for i, it := range m.items {
		line := fmt.Sprintf("%-28s %-16s %-40s %s",
			truncate(it.ModelName, 28), truncate(it.VersionName, 16),
			truncateMiddle(it.Dest(), 40), statusLabel(it.Status))
		if it.Status == queue.StatusDownloading && it.Total > 0 {
			line += " " + v.prog.ViewAs(float64(it.Done)/float64(it.Total))
			line += fmt.Sprintf(" %s/%s", humanize.Bytes(uint64(it.Done)), humanize.Bytes(uint64(it.Total)))
		}
		style := v.th.row
		if i == c.cursor[tabQueue] {
			style = v.th.rowSelected
		}
		b.WriteString(style.Render(line) + "\n")
	}
	if len(m.history) > 0 {
		b.WriteString("\n" + v.th.head.Render("Finished") + "\n")
		start := max(len(m.history)-5, 0)
		for i := len(m.history) - 1; i >= start; i-- {
			it := m.history[i]
			st := v.th.ok
			if it.Status != queue.StatusComplete {
				st = v.th.bad
			}
			line := fmt.Sprintf("%-28s %-16s %s", truncate(it.ModelName, 28), truncate(it.VersionName, 16), statusLabel(it.Status))
			if it.Err != "" {
				line += ": " + truncate(it.Err, 60)
			}
			b.WriteString(st.Render(line) + "\n")
		}
	}
	b.WriteString(v.th.footer.Render("K/J move · r remove · c cancel current · C cancel all"))
	return b.String()
}

func (v *TUIView) renderUpdate(m *TUIModel, c *TUIController) string {
	var b strings.Builder
	b.WriteString(v.th.head.Render("Content types") + "\n")
	for i, ch := range library.ScanChoices(m.cfg.Browser.UseLORA) {
		mark := "[ ]"
		if m.scanTypes[ch] {
			mark = "[x]"
		}
		style := v.th.row
		if i == c.cursor[tabUpdate] {
			style = v.th.rowSelected
		}
		b.WriteString(style.Render(mark+" "+ch) + "\n")
	}
	b.WriteString("\n")
	if m.scanning {
		p := m.scanProg
		pct := 0.0
		if p.Total > 0 {
			pct = float64(p.Done) / float64(p.Total)
		}
		fmt.Fprintf(&b, "%s %s %d/%d %s\n", c.spin.View(), v.prog.ViewAs(pct), p.Done, p.Total, truncateMiddle(p.Path, 50))
	} else if res := m.scanRes; res != nil {
		for _, f := range res.Files {
			line := truncateMiddle(f.Path, 60)
			switch {
			case f.Err != nil:
				b.WriteString(v.th.bad.Render(line+": "+describe(f.Err)) + "\n")
				continue
			case f.Action != "":
				line += " · " + f.Action
			case f.Outdated && f.Model != nil:
				if latest, ok := f.Model.Latest(); ok {
					line += " · update available: " + latest.Name
				}
			case f.Model != nil:
				line += " · " + f.Model.Name
			}
			b.WriteString(line + "\n")
		}
	}
	b.WriteString(v.th.footer.Render("space toggle · u updates · l installed · t tags/info · v previews · g organize · esc cancel · b load to browser"))
	return b.String()
}

func (v *TUIView) renderStatus(m *TUIModel) string {
	if m.err != nil {
		return v.th.bad.Render("Error: " + describe(m.err))
	}
	if m.status != "" {
		return v.th.ok.Render(m.status)
	}
	return v.th.footer.Render("/ search · 1/2/3 tabs · q quit")
}
