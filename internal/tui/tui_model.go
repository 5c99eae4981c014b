package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/browser"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/settings"
)

// TUIModel holds the data behind the three tabs and builds the commands
// that change it.
type TUIModel struct {
	ctx     context.Context
	cfg     *config.Config
	log     *logging.Logger
	session *browser.Session
	q       *queue.Queue
	lib     *library.Manager

	iface settings.Interface

	// Browser
	page      *civitai.ModelsPage
	visible   []civitai.Model
	selected  map[int64]bool
	versions  []string
	versionIx int
	details   *browser.Details

	// Queue
	items   []queue.Item
	history []queue.Item

	// Update
	scanTypes  map[string]bool
	scanning   bool
	scanCancel context.CancelFunc
	scanProg   library.ScanProgress
	scanRes    *library.ScanResult
	progressCh chan library.ScanProgress

	status string
	err    error
}

func NewTUIModel(d Deps) *TUIModel {
	ctx := d.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	log := d.Log
	if log == nil {
		log = logging.Nop()
	}
	return &TUIModel{
		ctx:       ctx,
		cfg:       d.Cfg,
		log:       log,
		session:   d.Session,
		q:         d.Queue,
		lib:       d.Library,
		iface:     d.Settings,
		selected:  map[int64]bool{},
		scanTypes: map[string]bool{"All": true},
	}
}

// SetPage installs a loaded page, applying hide-installed.
func (m *TUIModel) SetPage(p *civitai.ModelsPage) {
	m.page = p
	m.selected = map[int64]bool{}
	m.versions, m.versionIx, m.details = nil, 0, nil
	if p == nil {
		m.visible = nil
		return
	}
	if m.iface.HideInstalled && m.session != nil {
		m.visible = m.session.HideInstalled(p)
	} else {
		m.visible = p.Items
	}
}

// Rows are the visible models in display order: grouped by month when
// divide-by-date is on.
func (m *TUIModel) Rows() []civitai.Model {
	if !m.iface.DivideByDate {
		return m.visible
	}
	var out []civitai.Model
	for _, g := range browser.DivideByDate(m.visible) {
		out = append(out, g.Models...)
	}
	return out
}

func (m *TUIModel) SelectedIDs() []int64 {
	var ids []int64
	for _, r := range m.Rows() {
		if m.selected[r.ID] {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func (m *TUIModel) Selection() browser.Selection {
	ids := m.SelectedIDs()
	sel := browser.Selection{Models: ids}
	if m.session != nil {
		sel.Types = m.session.TypesOf(ids)
	}
	if m.details != nil {
		sel.VersionLabel = m.details.VersionLabel
	} else if m.versionIx < len(m.versions) {
		sel.VersionLabel = m.versions[m.versionIx]
	}
	if m.q != nil {
		sel.QueueLength = m.q.Len()
	}
	return sel
}

func (m *TUIModel) Buttons() browser.Buttons {
	var lister browser.SubfolderLister
	if m.session != nil {
		lister = m.session.LibraryLister()
	}
	return browser.ButtonStates(m.Selection(), lister)
}

// RefreshQueue copies the queue state for rendering.
func (m *TUIModel) RefreshQueue() {
	if m.q == nil {
		return
	}
	m.items = m.q.Snapshot()
	m.history = m.q.History()
}

func (m *TUIModel) searchCmd(query string) tea.Cmd {
	p := browser.Params(query, m.iface)
	return func() tea.Msg {
		page, err := m.session.Search(m.ctx, p)
		return pageMsg{page: page, err: err}
	}
}

func (m *TUIModel) pageCmd(next bool) tea.Cmd {
	return func() tea.Msg {
		var page *civitai.ModelsPage
		var err error
		if next {
			page, err = m.session.Next(m.ctx)
		} else {
			page, err = m.session.Prev(m.ctx)
		}
		return pageMsg{page: page, err: err}
	}
}

func (m *TUIModel) loadModelsCmd(ids []int64) tea.Cmd {
	return func() tea.Msg {
		page, err := m.session.LoadModels(m.ctx, ids)
		return pageMsg{page: page, err: err}
	}
}

func (m *TUIModel) selectModelCmd(mod civitai.Model) tea.Cmd {
	label := mod.Label()
	return func() tea.Msg {
		vs, err := m.session.SelectModel(m.ctx, label)
		return versionsMsg{versions: vs, err: err}
	}
}

// selectVersionCmd selects the version at m.versionIx and its primary file.
func (m *TUIModel) selectVersionCmd() tea.Cmd {
	if m.versionIx >= len(m.versions) {
		return nil
	}
	label := m.versions[m.versionIx]
	return func() tea.Msg {
		if _, err := m.session.SelectVersion(label); err != nil {
			return detailsMsg{err: err}
		}
		d, err := m.session.SelectFile("")
		return detailsMsg{details: d, err: err}
	}
}

func (m *TUIModel) downloadCurrent() error {
	if m.details == nil {
		return browser.ErrNoSelection
	}
	if _, err := m.session.QueueCurrent(m.details, m.iface.SaveInfo); err != nil {
		return err
	}
	m.status = "queued " + m.details.Filename
	m.RefreshQueue()
	return nil
}

func (m *TUIModel) queueSelected() tea.Cmd {
	ids := m.SelectedIDs()
	b := m.Buttons()
	sub := ""
	if b.Subfolder.Interactive {
		sub = b.Subfolder.Value
	}
	saveInfo := m.iface.SaveInfo
	return func() tea.Msg {
		added, err := m.session.QueueSelected(m.ctx, ids, sub, saveInfo)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(fmt.Sprintf("queued %d files", len(added)))
	}
}

func (m *TUIModel) deleteCurrent() tea.Cmd {
	d := m.details
	if d == nil || !d.Installed {
		return nil
	}
	return func() tea.Msg {
		removed, err := m.lib.DeleteModel(d.LocalPath())
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(fmt.Sprintf("deleted %s (%d files)", d.Filename, len(removed)))
	}
}

func (m *TUIModel) saveInfoCmd(images bool) tea.Cmd {
	d := m.details
	model, v := m.session.Current()
	if d == nil || model == nil || v == nil {
		return nil
	}
	return func() tea.Msg {
		path := d.LocalPath()
		if images {
			saved, err := m.lib.SaveImages(m.ctx, path, d.ContentType, v)
			if err != nil {
				return errMsg{err}
			}
			return statusMsg(fmt.Sprintf("saved %d images", len(saved)))
		}
		if _, err := m.lib.SaveModelInfo(m.ctx, path, model, v); err != nil {
			return errMsg{err}
		}
		return statusMsg("saved model info for " + d.Filename)
	}
}

// ScanTypes lists the toggled content types in ScanChoices order.
func (m *TUIModel) ScanTypes() []string {
	var out []string
	for _, c := range library.ScanChoices(m.cfg.Browser.UseLORA) {
		if m.scanTypes[c] {
			out = append(out, c)
		}
	}
	return out
}

// startScan runs a scan in the background. Progress arrives through
// waitScanCmd; the final result as scanDoneMsg.
func (m *TUIModel) startScan(mode library.ScanMode) tea.Cmd {
	if m.scanning || m.lib == nil {
		return nil
	}
	types := m.ScanTypes()
	if len(types) == 0 {
		m.status = "select at least one content type"
		return nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.scanning, m.scanCancel, m.scanRes = true, cancel, nil
	m.scanProg = library.ScanProgress{}
	ch := make(chan library.ScanProgress, 64)
	m.progressCh = ch
	opts := library.ScanOptions{Mode: mode, ContentTypes: types, SkipHash: true, GenerateHTML: true}
	run := func() tea.Msg {
		res, err := m.lib.Scan(ctx, opts, func(p library.ScanProgress) {
			select {
			case ch <- p:
			default:
			}
		})
		close(ch)
		return scanDoneMsg{res: res, err: err}
	}
	return tea.Batch(run, waitScanCmd(ch))
}

func waitScanCmd(ch <-chan library.ScanProgress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return nil
		}
		return scanProgressMsg(p)
	}
}

// CancelScan stops a running scan.
func (m *TUIModel) CancelScan() bool {
	if !m.scanning || m.scanCancel == nil {
		return false
	}
	m.scanCancel()
	m.status = "cancelling scan..."
	return true
}

func describe(err error) string {
	return friendly.Short(err)
}
