package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/settings"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/testutil"
)

type fakeQueue struct {
	items []queue.Item
}

func (f *fakeQueue) Add(items ...queue.Item) ([]string, error) {
	var ids []string
	for _, it := range items {
		it.ID = strings.Repeat("x", len(f.items)+1)
		f.items = append(f.items, it)
		ids = append(ids, it.ID)
	}
	return ids, nil
}

func (f *fakeQueue) Len() int { return len(f.items) }

type env struct {
	cfg *config.Config
	st  *state.DB
	q   *fakeQueue
	s   *Session
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := testutil.NewCivitAIServer()
	t.Cleanup(srv.Close)
	cfg := testutil.TestConfig(t)
	cfg.Network.APIBaseURL = srv.URL
	st := testutil.TestDB(t, cfg)
	c, err := civitai.New(cfg, logging.Nop(), civitai.WithoutCache())
	require.NoError(t, err)
	q := &fakeQueue{}
	return &env{cfg: cfg, st: st, q: q, s: NewSession(cfg, logging.Nop(), c, st, q)}
}

func TestSearchAndSelectFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	page, err := e.s.Search(ctx, Params("", settings.Defaults()))
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.True(t, SelectAllVisible(page))
	assert.Equal(t, []string{"Epic Realism (100)", "Detail Tweaker (200)", "Early Bird (300)"}, e.s.ModelChoices())

	versions, err := e.s.SelectModel(ctx, "Epic Realism (100)")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v1"}, versions)

	files, err := e.s.SelectVersion("v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"epicrealism_v2.safetensors"}, files)

	d, err := e.s.SelectFile("")
	require.NoError(t, err)
	assert.Equal(t, "SD 1.5", d.BaseModel)
	assert.Equal(t, int64(testutil.CheckpointV2), d.VersionID)
	assert.Equal(t, strings.ToLower(testutil.FileSHA256("epicrealism_v2.safetensors")), d.SHA256)
	assert.Equal(t, filepath.Join(e.cfg.General.ModelsRoot, "Stable-diffusion"), d.InstallPath)
	assert.Equal(t, []string{"None"}, d.Subfolders)
	assert.Equal(t, "None", d.Subfolder)
	assert.False(t, d.Installed)
	assert.Equal(t, "v2", d.VersionLabel)
	assert.Equal(t, "Photorealistic checkpoint", d.Description)
}

func TestSelectModelLabels(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.s.Search(ctx, Params("", settings.Defaults()))
	require.NoError(t, err)

	versions, err := e.s.SelectModel(ctx, "Detail Tweaker_001")
	require.NoError(t, err, "duplicate suffix should be stripped")
	assert.Equal(t, []string{"v1.0"}, versions)

	_, err = e.s.SelectModel(ctx, "Nothing Like It")
	assert.Error(t, err)

	fresh := NewSession(e.cfg, nil, e.s.client, e.st, e.q)
	versions, err = fresh.SelectModel(ctx, "200")
	require.NoError(t, err, "IDs outside the page are fetched")
	assert.Equal(t, []string{"v1.0"}, versions)

	_, err = fresh.SelectFile("")
	assert.True(t, errors.Is(err, ErrNoSelection))
}

func TestInstalledVersionLabels(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dir := library.Folder(e.cfg, "Checkpoint", "")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "epicrealism_v1.safetensors"), []byte("x"), 0o644))

	versions, err := e.s.SelectModel(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v1" + InstalledSuffix}, versions)

	require.NoError(t, e.st.UpsertInstalled(state.InstalledModel{
		Path: "/elsewhere/epic.safetensors", VersionID: testutil.CheckpointV2, ModelID: testutil.CheckpointModelID,
		SHA256: testutil.FileSHA256("epicrealism_v2.safetensors"),
	}))
	versions, err = e.s.SelectModel(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2" + InstalledSuffix, "v1" + InstalledSuffix}, versions)

	_, err = e.s.SelectVersion(versions[0])
	require.NoError(t, err)
	d, err := e.s.SelectFile("")
	require.NoError(t, err)
	assert.True(t, d.Installed)
	assert.Equal(t, "/elsewhere/epic.safetensors", d.InstalledAt)
	assert.Equal(t, "v2"+InstalledSuffix, d.VersionLabel)
}

func TestPaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := Params("", settings.Defaults())
	p.Limit = 1

	page, err := e.s.Search(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "Epic Realism", page.Items[0].Name)

	page, err = e.s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Detail Tweaker", page.Items[0].Name)
	assert.Equal(t, 2, e.s.Pager().Page())

	page, err = e.s.Prev(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Epic Realism", page.Items[0].Name)

	page, err = e.s.Goto(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Early Bird", page.Items[0].Name)
	_, err = e.s.Next(ctx)
	assert.ErrorIs(t, err, civitai.ErrNoPage)
}

func TestButtonStates(t *testing.T) {
	lister := func(ct string) ([]string, error) {
		return []string{"/b", "/A", "/b", "/c/d"}, nil
	}

	b := ButtonStates(Selection{VersionLabel: "v2"}, lister)
	assert.False(t, b.DownloadAll.Visible)
	assert.True(t, b.Download.Visible)
	assert.False(t, b.Delete.Visible)
	assert.True(t, b.SaveInfo.Visible)
	assert.True(t, b.SaveImages.Visible)
	assert.False(t, b.Subfolder.Visible)

	b = ButtonStates(Selection{VersionLabel: "v2" + InstalledSuffix}, lister)
	assert.False(t, b.Download.Visible)
	assert.True(t, b.Delete.Visible)

	b = ButtonStates(Selection{}, lister)
	assert.False(t, b.Download.Visible, "no version selected")
	assert.False(t, b.Download.Interactive, "no version selected")
	assert.True(t, b.SaveInfo.Interactive)

	sel := Selection{Models: []int64{1, 2}, Types: []string{"LORA", "LORA"}, VersionLabel: "v2"}
	b = ButtonStates(sel, lister)
	assert.Equal(t, Button{Visible: true, Interactive: true, Label: "Download all selected"}, b.DownloadAll)
	assert.False(t, b.Download.Visible)
	assert.False(t, b.SaveInfo.Visible)
	for _, hidden := range []Button{b.Download, b.Delete, b.SaveInfo, b.SaveImages} {
		assert.False(t, hidden.Interactive, hidden.Label)
	}
	assert.Equal(t, Dropdown{Visible: true, Interactive: true, Choices: []string{"None", "/A", "/b", "/c/d"}, Value: "None"}, b.Subfolder)

	sel.QueueLength = 2
	b = ButtonStates(sel, lister)
	assert.Equal(t, Button{Visible: true, Interactive: false, Label: "Add to Queue"}, b.DownloadAll)

	sel.Types = []string{"LORA", "Checkpoint"}
	b = ButtonStates(sel, lister)
	assert.False(t, b.Subfolder.Interactive)
	assert.Equal(t, library.SameTypePlaceholder, b.Subfolder.Value)
	assert.Equal(t, []string{"None"}, b.Subfolder.Choices)

	sel.Types = []string{"LORA", "LORA"}
	b = ButtonStates(sel, func(string) ([]string, error) { return nil, errors.New("boom") })
	assert.False(t, b.Subfolder.Interactive)
	assert.Equal(t, []string{"None"}, b.Subfolder.Choices)
}

func TestQueueCurrent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.s.SelectModel(ctx, "200")
	require.NoError(t, err)
	_, err = e.s.SelectVersion("v1.0")
	require.NoError(t, err)
	d, err := e.s.SelectFile("detail_tweaker.safetensors")
	require.NoError(t, err)
	moved := d.WithSubfolder(e.cfg, "/styles")

	id, err := e.s.QueueCurrent(&moved, true)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, e.q.items, 1)
	it := e.q.items[0]
	assert.Equal(t, filepath.Join(e.cfg.General.ModelsRoot, "Lora", "styles"), it.Dir)
	assert.Equal(t, "detail_tweaker.safetensors", it.Filename)
	assert.Equal(t, "LORA", it.ContentType)
	assert.Equal(t, int64(testutil.LoraVersionID), it.VersionID)
	assert.True(t, it.SaveInfo)
	assert.True(t, strings.HasSuffix(it.URL, "/api/download/models/2001"))

	_, err = e.s.QueueCurrent(nil, false)
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestQueueSelected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.s.Search(ctx, Params("", settings.Defaults()))
	require.NoError(t, err)

	ids, err := e.s.QueueSelected(ctx, []int64{testutil.LoraModelID, testutil.EarlyModelID}, "/styles", false)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	lora := filepath.Join(e.cfg.General.ModelsRoot, "Lora", "styles")
	assert.Equal(t, lora, e.q.items[0].Dir)
	assert.Equal(t, lora, e.q.items[1].Dir)
	assert.Equal(t, "early_bird.safetensors", e.q.items[1].Filename)

	e.q.items = nil
	_, err = e.s.QueueSelected(ctx, []int64{testutil.CheckpointModelID, testutil.LoraModelID}, "/styles", false)
	require.NoError(t, err)
	require.Len(t, e.q.items, 2)
	assert.Equal(t, filepath.Join(e.cfg.General.ModelsRoot, "Stable-diffusion"), e.q.items[0].Dir, "mixed types ignore the subfolder")
	assert.Equal(t, "epicrealism_v2.safetensors", e.q.items[0].Filename, "latest version is queued")
	assert.Equal(t, filepath.Join(e.cfg.General.ModelsRoot, "Lora"), e.q.items[1].Dir)

	_, err = e.s.QueueSelected(ctx, nil, "", false)
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.Equal(t, []string{"LORA", "Checkpoint"}, e.s.TypesOf([]int64{testutil.LoraModelID, testutil.CheckpointModelID, 999}))
}

func TestHideInstalledAndDivideByDate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	page, err := e.s.Search(ctx, Params("", settings.Defaults()))
	require.NoError(t, err)

	require.NoError(t, e.st.UpsertInstalled(state.InstalledModel{Path: "/m/d.safetensors", VersionID: testutil.LoraVersionID}))
	visible := e.s.HideInstalled(page)
	var names []string
	for _, m := range visible {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"Epic Realism", "Early Bird"}, names)

	groups := DivideByDate(page.Items)
	require.Len(t, groups, 3)
	assert.Equal(t, "2024-04", groups[0].Label)
	assert.Equal(t, "2024-03", groups[1].Label)
	assert.Equal(t, "Epic Realism", groups[1].Models[0].Name)
	assert.Equal(t, "2024-02", groups[2].Label)

	groups = DivideByDate([]civitai.Model{{Name: "bare"}, page.Items[0]})
	assert.Equal(t, "Unknown", groups[len(groups)-1].Label)
	assert.False(t, SelectAllVisible(&civitai.ModelsPage{}))
}

func TestLoadModels(t *testing.T) {
	e := newEnv(t)
	page, err := e.s.LoadModels(context.Background(), []int64{testutil.LoraModelID, 999})
	require.Error(t, err, "missing model is reported")
	require.NotNil(t, page)
	assert.Equal(t, []string{"Detail Tweaker (200)"}, e.s.ModelChoices())
}
