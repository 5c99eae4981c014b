// Package tui is the terminal front end: a Browser tab for searching and
// queueing models, a Queue tab for the download worklist and an Update tab
// for library scans.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/browser"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/settings"
)

// Deps are the collaborators the TUI drives.
type Deps struct {
	Ctx      context.Context
	Cfg      *config.Config
	Log      *logging.Logger
	Session  *browser.Session
	Queue    *queue.Queue
	Library  *library.Manager
	Settings settings.Interface
}

type model struct {
	tuiModel      *TUIModel
	tuiView       *TUIView
	tuiController *TUIController
}

type tickMsg time.Time

type errMsg struct{ err error }

type statusMsg string

type pageMsg struct {
	page *civitai.ModelsPage
	err  error
}

type versionsMsg struct {
	versions []string
	err      error
}

type detailsMsg struct {
	details *browser.Details
	err     error
}

type scanProgressMsg library.ScanProgress

type scanDoneMsg struct {
	res *library.ScanResult
	err error
}

// New builds the TUI model.
func New(d Deps) tea.Model {
	tuiModel := NewTUIModel(d)
	tuiView := NewTUIView()
	tuiController := NewTUIController(tuiModel, tuiView)
	return &model{tuiModel: tuiModel, tuiView: tuiView, tuiController: tuiController}
}

func (m *model) Init() tea.Cmd {
	return m.tuiController.Init()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	return m, m.tuiController.Update(msg)
}

func (m *model) View() string {
	return m.tuiView.View(m.tuiModel, m.tuiController)
}

// tickCmd schedules the next refresh at ui.refresh_hz (1 to 10 per second).
func tickCmd(cfg *config.Config) tea.Cmd {
	hz := 1
	if cfg != nil && cfg.UI.RefreshHz > 0 {
		hz = cfg.UI.RefreshHz
	}
	if hz > 10 {
		hz = 10
	}
	return tea.Tick(time.Second/time.Duration(hz), func(t time.Time) tea.Msg { return tickMsg(t) })
}
