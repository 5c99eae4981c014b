// Package browser holds the state behind the model browser: the current
// search page, the model/version/file being inspected and what can be done
// with the current selection.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/settings"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// InstalledSuffix marks versions with a file on disk in version labels.
const InstalledSuffix = " [Installed]"

var ErrNoSelection = errors.New("nothing selected")

var timeNow = time.Now

// Queue is the part of the download queue the browser feeds.
type Queue interface {
	Add(items ...queue.Item) ([]string, error)
	Len() int
}

type Session struct {
	cfg    *config.Config
	log    *logging.Logger
	client *civitai.Client
	st     *state.DB
	q      Queue
	pager  *civitai.Pager

	mu      sync.Mutex
	page    *civitai.ModelsPage
	model   *civitai.Model
	version *civitai.Version
	file    *civitai.File
}

func NewSession(cfg *config.Config, log *logging.Logger, client *civitai.Client, st *state.DB, q Queue) *Session {
	if log == nil {
		log = logging.Nop()
	}
	return &Session{cfg: cfg, log: log, client: client, st: st, q: q, pager: client.NewPager()}
}

// Params builds search parameters from saved browser defaults.
func Params(query string, s settings.Interface) civitai.SearchParams {
	return civitai.SearchParams{
		Query:        query,
		SearchType:   s.SearchType,
		ContentTypes: s.ContentTypes,
		Sort:         s.SortBy,
		Period:       s.TimePeriod,
		BaseModels:   s.BaseModels,
		NSFW:         s.NSFW,
		LikedOnly:    s.LikedOnly,
		Limit:        s.TileCount,
	}
}

// Search loads the first page of a new search.
func (s *Session) Search(ctx context.Context, p civitai.SearchParams) (*civitai.ModelsPage, error) {
	if p.Limit <= 0 {
		p.Limit = s.cfg.TileCountOrDefault()
	}
	return s.load(s.pager.First(ctx, p))
}

func (s *Session) Next(ctx context.Context) (*civitai.ModelsPage, error) {
	return s.load(s.pager.Next(ctx))
}

func (s *Session) Prev(ctx context.Context) (*civitai.ModelsPage, error) {
	return s.load(s.pager.Prev(ctx))
}

func (s *Session) Goto(ctx context.Context, n int) (*civitai.ModelsPage, error) {
	return s.load(s.pager.Goto(ctx, n))
}

// LoadModels shows specific models as a page, for scan results sent to the
// browser. Models that cannot be fetched are skipped and reported.
func (s *Session) LoadModels(ctx context.Context, ids []int64) (*civitai.ModelsPage, error) {
	page := &civitai.ModelsPage{}
	var errs []error
	for _, id := range ids {
		m, err := s.client.Model(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("model %d: %w", id, err))
			continue
		}
		page.Items = append(page.Items, *m)
	}
	page.Metadata.TotalItems = len(page.Items)
	page.Metadata.CurrentPage = 1
	page.Metadata.TotalPages = 1
	p, err := s.load(page, nil)
	if err != nil {
		return nil, err
	}
	return p, errors.Join(errs...)
}

func (s *Session) load(page *civitai.ModelsPage, err error) (*civitai.ModelsPage, error) {
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = page
	s.model, s.version, s.file = nil, nil, nil
	return page, nil
}

func (s *Session) Page() *civitai.ModelsPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Session) Pager() *civitai.Pager { return s.pager }

// Current returns the selected model and version; either may be nil.
func (s *Session) Current() (*civitai.Model, *civitai.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.version
}

// LocalPath is where the file in d is, or would be once downloaded.
func (d Details) LocalPath() string {
	if d.InstalledAt != "" {
		return d.InstalledAt
	}
	return filepath.Join(d.InstallPath, d.Filename)
}

// ModelChoices are the labels for the model dropdown, "name (id)".
func (s *Session) ModelChoices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil
	}
	out := make([]string, 0, len(s.page.Items))
	for _, m := range s.page.Items {
		out = append(out, m.Label())
	}
	return out
}

// Duplicate-name suffixes ("name_001") added by some front ends.
var dupSuffix = regexp.MustCompile(`[\._]\d{3,}$`)
var labelID = regexp.MustCompile(`\((\d+)\)$`)

// SelectModel makes a model current and returns its version labels, newest
// first. label is "name (id)", a bare name from the current page, or a
// numeric model ID. Models outside the current page are fetched.
func (s *Session) SelectModel(ctx context.Context, label string) ([]string, error) {
	label = strings.TrimSpace(dupSuffix.ReplaceAllString(strings.TrimSpace(label), ""))
	if label == "" {
		return nil, ErrNoSelection
	}
	var id int64
	if m := labelID.FindStringSubmatch(label); m != nil {
		id, _ = strconv.ParseInt(m[1], 10, 64)
	} else if n, err := strconv.ParseInt(label, 10, 64); err == nil {
		id = n
	}

	var model *civitai.Model
	s.mu.Lock()
	if s.page != nil {
		for i := range s.page.Items {
			it := &s.page.Items[i]
			if (id != 0 && it.ID == id) || (id == 0 && strings.EqualFold(it.Name, label)) {
				model = it
				break
			}
		}
	}
	s.mu.Unlock()
	if model == nil {
		if id == 0 {
			return nil, fmt.Errorf("model %q is not on the current page", label)
		}
		m, err := s.client.Model(ctx, id)
		if err != nil {
			return nil, err
		}
		model = m
	}

	installed := s.installedVersions()
	labels := make([]string, 0, len(model.ModelVersions))
	for _, v := range model.ModelVersions {
		labels = append(labels, s.versionLabel(model, v, installed))
	}
	s.mu.Lock()
	s.model = model
	s.version, s.file = nil, nil
	s.mu.Unlock()
	return labels, nil
}

func (s *Session) installedVersions() map[int64]bool {
	if s.st == nil {
		return map[int64]bool{}
	}
	ids, err := s.st.InstalledVersionIDs()
	if err != nil {
		s.log.Warnf("installed versions: %v", err)
		return map[int64]bool{}
	}
	return ids
}

func (s *Session) versionLabel(m *civitai.Model, v civitai.Version, installed map[int64]bool) string {
	if installed[v.ID] {
		return v.Name + InstalledSuffix
	}
	if f, ok := v.PrimaryFile(); ok {
		dir := library.InstallPath(s.cfg, m.Type, "", "")
		if _, err := os.Stat(filepath.Join(dir, util.CleanFileName(f.Name))); err == nil {
			return v.Name + InstalledSuffix
		}
	}
	return v.Name
}

// SelectVersion makes a version of the current model current and returns
// its file names, primary file first.
func (s *Session) SelectVersion(label string) ([]string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(label), InstalledSuffix)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil, ErrNoSelection
	}
	for i := range s.model.ModelVersions {
		v := &s.model.ModelVersions[i]
		if v.Name != name {
			continue
		}
		s.version, s.file = v, nil
		var files []string
		if pf, ok := v.PrimaryFile(); ok {
			files = append(files, pf.Name)
		}
		for _, f := range v.Files {
			if len(files) == 0 || f.Name != files[0] {
				files = append(files, f.Name)
			}
		}
		return files, nil
	}
	return nil, fmt.Errorf("version %q not found in %s", name, s.model.Name)
}

// Details describes the current file as shown in the browser's info panel.
type Details struct {
	ModelID      int64
	ModelName    string
	ContentType  string
	VersionID    int64
	VersionName  string
	VersionLabel string
	BaseModel    string
	TrainedTags  []string
	Filename     string
	DownloadURL  string
	SHA256       string
	SizeBytes    int64
	InstallPath  string
	Subfolders   []string
	Subfolder    string
	Installed    bool
	InstalledAt  string // path of the installed copy, if known
	EarlyAccess  bool
	Description  string
	Images       []civitai.Image
}

// SelectFile makes a file of the current version current and returns its
// details. An empty name picks the primary file.
func (s *Session) SelectFile(name string) (*Details, error) {
	s.mu.Lock()
	model, v := s.model, s.version
	s.mu.Unlock()
	if model == nil || v == nil {
		return nil, ErrNoSelection
	}
	var f civitai.File
	var ok bool
	if name == "" {
		f, ok = v.PrimaryFile()
	} else {
		f, ok = v.FileByName(name)
	}
	if !ok {
		return nil, fmt.Errorf("file %q not found in %s", name, v.Name)
	}
	s.mu.Lock()
	s.file = &f
	s.mu.Unlock()
	return s.details(model, v, f), nil
}

func (s *Session) details(model *civitai.Model, v *civitai.Version, f civitai.File) *Details {
	main := library.Folder(s.cfg, model.Type, "")
	key := library.DefaultSubfolderKey(model.Type, "", s.cfg.Browser.UseLORA)
	d := &Details{
		ModelID:     model.ID,
		ModelName:   model.Name,
		ContentType: model.Type,
		VersionID:   v.ID,
		VersionName: v.Name,
		BaseModel:   v.BaseModel,
		TrainedTags: v.TrainedWords,
		Filename:    util.CleanFileName(f.Name),
		DownloadURL: f.DownloadURL,
		SHA256:      strings.ToLower(f.Hashes.SHA256),
		SizeBytes:   f.SizeBytes(),
		Subfolders:  library.SubfolderChoices(main, s.cfg.Browser.DotSubfolders),
		Subfolder:   settings.DefaultSubfolder(s.cfg, key),
		EarlyAccess: v.EarlyAccess(timeNow()),
		Description: library.PlainText(model.Description),
		Images:      v.Images,
	}
	if d.DownloadURL == "" {
		d.DownloadURL = v.DownloadURL
	}
	d.InstallPath = library.SelectSubfolder(main, d.Subfolder)
	if s.st != nil && d.SHA256 != "" {
		if rows, err := s.st.InstalledBySHA(d.SHA256); err == nil && len(rows) > 0 {
			d.Installed = true
			d.InstalledAt = rows[0].Path
		}
	}
	if !d.Installed {
		p := filepath.Join(d.InstallPath, d.Filename)
		if _, err := os.Stat(p); err == nil {
			d.Installed = true
			d.InstalledAt = p
		}
	}
	d.VersionLabel = v.Name
	if d.Installed || s.installedVersions()[v.ID] {
		d.VersionLabel += InstalledSuffix
	}
	return d
}

// WithSubfolder returns a copy of d with the install path recomputed for
// another subfolder choice.
func (d Details) WithSubfolder(cfg *config.Config, sub string) Details {
	d.Subfolder = sub
	d.InstallPath = library.SelectSubfolder(library.Folder(cfg, d.ContentType, ""), sub)
	return d
}

// QueueCurrent queues the file described by d.
func (s *Session) QueueCurrent(d *Details, saveInfo bool) (string, error) {
	if d == nil {
		return "", ErrNoSelection
	}
	if s.q == nil {
		return "", errors.New("no download queue")
	}
	ids, err := s.q.Add(queue.Item{
		ModelName:   d.ModelName,
		VersionName: d.VersionName,
		ModelID:     d.ModelID,
		VersionID:   d.VersionID,
		URL:         d.DownloadURL,
		Filename:    d.Filename,
		Dir:         d.InstallPath,
		SHA256:      d.SHA256,
		ContentType: d.ContentType,
		SaveInfo:    saveInfo,
	})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// QueueSelected queues the latest version's primary file of each selected
// model. The subfolder choice applies only when every
// selected model has the same type; otherwise each goes to its type's
// default. Failures for single models are joined; the rest are queued.
func (s *Session) QueueSelected(ctx context.Context, ids []int64, subfolder string, saveInfo bool) ([]string, error) {
	if len(ids) == 0 {
		return nil, ErrNoSelection
	}
	if s.q == nil {
		return nil, errors.New("no download queue")
	}
	var models []*civitai.Model
	var errs []error
	for _, id := range ids {
		m, err := s.findModel(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("model %d: %w", id, err))
			continue
		}
		models = append(models, m)
	}
	types := make([]string, 0, len(models))
	for _, m := range models {
		types = append(types, m.Type)
	}
	if !sameType(types) {
		subfolder = ""
	}

	var items []queue.Item
	for _, m := range models {
		v, ok := m.Latest()
		if !ok {
			errs = append(errs, fmt.Errorf("%s has no versions", m.Name))
			continue
		}
		f, ok := v.PrimaryFile()
		if !ok {
			errs = append(errs, fmt.Errorf("%s %s has no files", m.Name, v.Name))
			continue
		}
		d := s.details(m, &v, f)
		if subfolder != "" {
			*d = d.WithSubfolder(s.cfg, subfolder)
		}
		items = append(items, queue.Item{
			ModelName: m.Name, VersionName: v.Name, ModelID: m.ID, VersionID: v.ID,
			URL: d.DownloadURL, Filename: d.Filename, Dir: d.InstallPath,
			SHA256: d.SHA256, ContentType: m.Type, SaveInfo: saveInfo,
		})
	}
	var added []string
	if len(items) > 0 {
		var err error
		added, err = s.q.Add(items...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return added, errors.Join(errs...)
}

func (s *Session) findModel(ctx context.Context, id int64) (*civitai.Model, error) {
	s.mu.Lock()
	if s.page != nil {
		for i := range s.page.Items {
			if s.page.Items[i].ID == id {
				m := s.page.Items[i]
				s.mu.Unlock()
				return &m, nil
			}
		}
	}
	s.mu.Unlock()
	return s.client.Model(ctx, id)
}

// TypesOf returns the content types of the given models on the current page.
func (s *Session) TypesOf(ids []int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	if s.page == nil {
		return out
	}
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	for _, m := range s.page.Items {
		if want[m.ID] {
			out = append(out, m.Type)
		}
	}
	return out
}

// SelectAllVisible reports whether the page has any models to select.
func SelectAllVisible(page *civitai.ModelsPage) bool {
	return page != nil && len(page.Items) > 0
}

// HideInstalled drops models with any installed version.
func (s *Session) HideInstalled(page *civitai.ModelsPage) []civitai.Model {
	if page == nil {
		return nil
	}
	installed := s.installedVersions()
	out := make([]civitai.Model, 0, len(page.Items))
	for _, m := range page.Items {
		hit := false
		for _, v := range m.ModelVersions {
			if installed[v.ID] {
				hit = true
				break
			}
		}
		if !hit {
			out = append(out, m)
		}
	}
	return out
}

// DateGroup is a run of models published in the same month.
type DateGroup struct {
	Label  string // "2024-03"
	Models []civitai.Model
}

// DivideByDate groups models by the publish month of their newest version,
// newest month first. Models without versions go last under "Unknown".
func DivideByDate(models []civitai.Model) []DateGroup {
	idx := map[string]int{}
	var groups []DateGroup
	for _, m := range models {
		label := "Unknown"
		if v, ok := m.Latest(); ok && !v.Published().IsZero() {
			label = v.Published().Format("2006-01")
		}
		i, ok := idx[label]
		if !ok {
			i = len(groups)
			idx[label] = i
			groups = append(groups, DateGroup{Label: label})
		}
		groups[i].Models = append(groups[i].Models, m)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Label, groups[j].Label
		if a == "Unknown" || b == "Unknown" {
			return b == "Unknown" && a != "Unknown"
		}
		return a > b
	})
	return groups
}
