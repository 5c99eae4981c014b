package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/browser"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
)

const (
	tabBrowser = iota
	tabQueue
	tabUpdate
	tabCount
)

var tabNames = []string{"Browser", "Queue", "Update"}

type TUIController struct {
	model *TUIModel
	view  *TUIView

	tab        int
	cursor     [tabCount]int
	search     textinput.Model
	searching  bool // a search request is in flight
	spin       spinner.Model
	showDetail bool
}

func NewTUIController(model *TUIModel, view *TUIView) *TUIController {
	in := textinput.New()
	in.Placeholder = "Search models... (/ to focus)"
	in.CharLimit = 200
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &TUIController{model: model, view: view, search: in, spin: sp}
}

func (c *TUIController) Init() tea.Cmd {
	c.model.RefreshQueue()
	return tea.Batch(tickCmd(c.model.cfg), c.spin.Tick)
}

func (c *TUIController) Update(msg tea.Msg) tea.Cmd {
	m := c.model
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		c.view.SetSize(msg.Width, msg.Height)
		return nil

	case tea.KeyMsg:
		return c.handleKey(msg)

	case tickMsg:
		m.RefreshQueue()
		c.clampCursors()
		return tickCmd(m.cfg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		c.spin, cmd = c.spin.Update(msg)
		return cmd

	case pageMsg:
		c.searching = false
		if msg.err != nil {
			m.err = msg.err
			return nil
		}
		m.err = nil
		m.SetPage(msg.page)
		c.cursor[tabBrowser] = 0
		m.status = fmt.Sprintf("%d models", len(m.visible))
		if m.session == nil {
			return nil
		}
		if pg := m.session.Pager(); pg != nil && pg.TotalPages() > 0 {
			m.status += fmt.Sprintf(" · page %d/%d", pg.Page(), pg.TotalPages())
		}
		return nil

	case versionsMsg:
		if msg.err != nil {
			m.err = msg.err
			return nil
		}
		m.versions, m.versionIx, m.details = msg.versions, 0, nil
		return m.selectVersionCmd()

	case detailsMsg:
		if msg.err != nil {
			m.err = msg.err
			return nil
		}
		m.err = nil
		m.details = msg.details
		c.showDetail = true
		c.view.SetDetails(msg.details)
		return nil

	case statusMsg:
		m.err = nil
		m.status = string(msg)
		m.RefreshQueue()
		return nil

	case errMsg:
		m.err = msg.err
		return nil

	case scanProgressMsg:
		m.scanProg = library.ScanProgress(msg)
		return waitScanCmd(m.progressCh)

	case scanDoneMsg:
		m.scanning, m.scanCancel = false, nil
		m.scanRes = msg.res
		if msg.err != nil {
			m.err = msg.err
		}
		if msg.res != nil {
			m.status = fmt.Sprintf("%s scan: %d files, %d found on CivitAI, %d listed",
				msg.res.Mode, msg.res.FilesScanned, msg.res.Found, len(msg.res.Files))
		}
		return nil
	}
	return nil
}

func (c *TUIController) handleKey(msg tea.KeyMsg) tea.Cmd {
	if c.search.Focused() {
		return c.handleSearchKeys(msg)
	}
	switch msg.String() {
	case "q", "ctrl+c":
		if c.model.scanCancel != nil {
			c.model.scanCancel()
		}
		return tea.Quit
	case "1":
		c.tab = tabBrowser
		return nil
	case "2":
		c.tab = tabQueue
		c.model.RefreshQueue()
		return nil
	case "3":
		c.tab = tabUpdate
		return nil
	case "ctrl+right", "tab":
		c.tab = (c.tab + 1) % tabCount
		return nil
	case "ctrl+left", "shift+tab":
		c.tab = (c.tab + tabCount - 1) % tabCount
		return nil
	}
	switch c.tab {
	case tabQueue:
		return c.handleQueueKeys(msg)
	case tabUpdate:
		return c.handleUpdateKeys(msg)
	}
	return c.handleBrowserKeys(msg)
}

func (c *TUIController) handleSearchKeys(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEnter:
		c.search.Blur()
		return c.runSearch()
	case tea.KeyEsc:
		c.search.Blur()
		return nil
	case tea.KeyCtrlC:
		return tea.Quit
	}
	var cmd tea.Cmd
	c.search, cmd = c.search.Update(msg)
	return cmd
}

func (c *TUIController) runSearch() tea.Cmd {
	if c.model.session == nil {
		return nil
	}
	c.searching = true
	return c.model.searchCmd(strings.TrimSpace(c.search.Value()))
}

func (c *TUIController) handleBrowserKeys(msg tea.KeyMsg) tea.Cmd {
	m := c.model
	rows := m.Rows()
	cur := &c.cursor[tabBrowser]
	switch msg.String() {
	case "/":
		c.search.Focus()
		return textinput.Blink
	case "up", "k":
		if *cur > 0 {
			*cur--
		}
	case "down", "j":
		if *cur < len(rows)-1 {
			*cur++
		}
	case " ":
		if *cur < len(rows) {
			id := rows[*cur].ID
			m.selected[id] = !m.selected[id]
			if !m.selected[id] {
				delete(m.selected, id)
			}
		}
	case "a":
		if !browser.SelectAllVisible(m.page) {
			break
		}
		if len(m.selected) == len(rows) {
			m.selected = map[int64]bool{}
		} else {
			for _, r := range rows {
				m.selected[r.ID] = true
			}
		}
	case "n":
		if pg := m.session.Pager(); pg != nil && pg.HasNext() {
			c.searching = true
			return m.pageCmd(true)
		}
	case "p":
		if pg := m.session.Pager(); pg != nil && pg.HasPrev() {
			c.searching = true
			return m.pageCmd(false)
		}
	case "enter":
		if *cur < len(rows) {
			return m.selectModelCmd(rows[*cur])
		}
	case "v":
		if len(m.versions) > 1 {
			m.versionIx = (m.versionIx + 1) % len(m.versions)
			return m.selectVersionCmd()
		}
	case "esc":
		c.showDetail = false
	case "t":
		opts := append([]string{"All"}, library.ContentTypes(m.cfg.Browser.UseLORA)...)
		curType := "All"
		if len(m.iface.ContentTypes) == 1 {
			curType = m.iface.ContentTypes[0]
		}
		next := cycle(opts, curType)
		if next == "All" {
			m.iface.ContentTypes = nil
		} else {
			m.iface.ContentTypes = []string{next}
		}
		return c.runSearch()
	case "s":
		m.iface.SortBy = cycle(civitai.SortOptions, m.iface.SortBy)
		return c.runSearch()
	case "o":
		labels := make([]string, 0, len(civitai.PeriodOptions))
		for _, p := range civitai.PeriodOptions {
			labels = append(labels, p.Label)
		}
		m.iface.TimePeriod = cycle(labels, m.iface.TimePeriod)
		return c.runSearch()
	case "N":
		m.iface.NSFW = !m.iface.NSFW
		return c.runSearch()
	case "H":
		m.iface.HideInstalled = !m.iface.HideInstalled
		m.SetPage(m.page)
		c.cursor[tabBrowser] = 0
	case "d":
		if !m.Buttons().Download.Interactive {
			return nil
		}
		if err := m.downloadCurrent(); err != nil {
			m.err = err
		}
	case "D":
		if !m.Buttons().DownloadAll.Visible {
			return nil
		}
		return m.queueSelected()
	case "x":
		if !m.Buttons().Delete.Visible {
			return nil
		}
		return m.deleteCurrent()
	case "i":
		if !m.Buttons().SaveInfo.Visible {
			return nil
		}
		return m.saveInfoCmd(false)
	case "I":
		if !m.Buttons().SaveImages.Visible {
			return nil
		}
		return m.saveInfoCmd(true)
	case "O":
		if d := m.details; d != nil {
			if err := openInFileManager(d.LocalPath()); err != nil {
				m.err = err
			}
		}
	case "U":
		if d := m.details; d != nil {
			u := library.ModelURL(d.ModelID, d.VersionID)
			if err := copyToClipboard(u); err != nil {
				m.err = err
			} else {
				m.status = "copied " + u
			}
		}
	default:
		if c.showDetail {
			c.view.ScrollDetails(msg)
		}
	}
	return nil
}

func (c *TUIController) handleQueueKeys(msg tea.KeyMsg) tea.Cmd {
	m := c.model
	if m.q == nil {
		return nil
	}
	cur := &c.cursor[tabQueue]
	switch msg.String() {
	case "up", "k":
		if *cur > 0 {
			*cur--
		}
	case "down", "j":
		if *cur < len(m.items)-1 {
			*cur++
		}
	case "K":
		if id, idx, ok := c.pendingAtCursor(); ok && idx > 0 {
			if err := m.q.Move(id, idx-1); err != nil {
				m.err = err
			} else {
				*cur--
			}
		}
	case "J":
		if id, idx, ok := c.pendingAtCursor(); ok && idx < len(m.q.Pending())-1 {
			if err := m.q.Move(id, idx+1); err != nil {
				m.err = err
			} else {
				*cur++
			}
		}
	case "r":
		if *cur < len(m.items) {
			if err := m.q.Remove(m.items[*cur].ID); err != nil {
				m.err = err
			}
		}
	case "c":
		if !m.q.CancelCurrent() {
			m.status = "nothing downloading"
		}
	case "C":
		m.status = fmt.Sprintf("cancelled %d downloads", m.q.CancelAll())
	}
	m.RefreshQueue()
	c.clampCursors()
	return nil
}

// pendingAtCursor maps the queue cursor onto the pending list, which
// excludes the active download.
func (c *TUIController) pendingAtCursor() (string, int, bool) {
	m := c.model
	cur := c.cursor[tabQueue]
	if cur >= len(m.items) {
		return "", 0, false
	}
	id := m.items[cur].ID
	for i, p := range m.q.Pending() {
		if p.ID == id {
			return id, i, true
		}
	}
	return "", 0, false
}

func (c *TUIController) handleUpdateKeys(msg tea.KeyMsg) tea.Cmd {
	m := c.model
	choices := library.ScanChoices(m.cfg.Browser.UseLORA)
	cur := &c.cursor[tabUpdate]
	switch msg.String() {
	case "up", "k":
		if *cur > 0 {
			*cur--
		}
	case "down", "j":
		if *cur < len(choices)-1 {
			*cur++
		}
	case " ":
		if *cur < len(choices) {
			ch := choices[*cur]
			m.scanTypes[ch] = !m.scanTypes[ch]
			if ch != "All" && m.scanTypes[ch] {
				m.scanTypes["All"] = false
			}
		}
	case "u":
		return m.startScan(library.ScanUpdates)
	case "l":
		return m.startScan(library.ScanInstalled)
	case "t":
		return m.startScan(library.ScanInfo)
	case "v":
		return m.startScan(library.ScanPreviews)
	case "g":
		return m.startScan(library.ScanOrganize)
	case "esc":
		m.CancelScan()
	case "b":
		ids := library.LoadToBrowser(m.scanRes)
		if len(ids) == 0 {
			m.status = "no scan results to load"
			return nil
		}
		c.tab = tabBrowser
		c.searching = true
		return m.loadModelsCmd(ids)
	}
	return nil
}

func (c *TUIController) clampCursors() {
	if n := len(c.model.items); c.cursor[tabQueue] >= n {
		c.cursor[tabQueue] = max(n-1, 0)
	}
	if n := len(c.model.Rows()); c.cursor[tabBrowser] >= n {
		c.cursor[tabBrowser] = max(n-1, 0)
	}
}

func statusLabel(s queue.Status) string {
	switch s {
	case queue.StatusDownloading:
		return "Downloading"
	case queue.StatusComplete:
		return "Complete"
	case queue.StatusFailed:
		return "Failed"
	case queue.StatusCancelled:
		return "Cancelled"
	}
	return "Queued"
}
