package library

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/testutil"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

type fixture struct {
	cfg *config.Config
	st  *state.DB
	srv *testutil.CivitAIServer
	m   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := testutil.NewCivitAIServer()
	t.Cleanup(srv.Close)
	cfg := testutil.TestConfig(t)
	cfg.Network.APIBaseURL = srv.URL
	st := testutil.TestDB(t, cfg)
	c, err := civitai.New(cfg, logging.Nop(), civitai.WithoutCache())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &fixture{cfg: cfg, st: st, srv: srv, m: NewManager(cfg, logging.Nop(), st, c)}
}

// place writes the fixture file for name under the content type folder.
func (f *fixture) place(t *testing.T, contentType, sub, name string) string {
	t.Helper()
	dir := filepath.Join(Folder(f.cfg, contentType, ""), sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, testutil.FileBytes(name), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFolders(t *testing.T) {
	cfg := testutil.TestConfig(t)
	root := cfg.General.ModelsRoot
	cases := map[string]string{
		"Checkpoint":       filepath.Join(root, "Stable-diffusion"),
		CombinedLORA:       filepath.Join(root, "Lora"),
		"LoCon":            filepath.Join(root, "Lora"),
		"TextualInversion": filepath.Join(filepath.Dir(root), "embeddings"),
		"Upscaler":         filepath.Join(root, "ESRGAN"),
		"Unheard":          filepath.Join(root, "Other"),
	}
	for ct, want := range cases {
		if got := Folder(cfg, ct, ""); got != want {
			t.Errorf("Folder(%s)=%s want %s", ct, got, want)
		}
	}
	if got := Folder(cfg, "Upscaler", "swinir"); got != filepath.Join(root, "SwinIR") {
		t.Errorf("swinir folder=%s", got)
	}
	cfg.Folders = map[string]string{"VAE": "vae-custom", "Upscaler_GFPGAN": "/abs/gfpgan"}
	if got := Folder(cfg, "VAE", ""); got != filepath.Join(root, "vae-custom") {
		t.Errorf("override=%s", got)
	}
	if got := Folder(cfg, "Upscaler", "GFPGAN"); got != filepath.Clean("/abs/gfpgan") {
		t.Errorf("upscaler override=%s", got)
	}
}

func TestDefaultSubfolderKeyAndInstallPath(t *testing.T) {
	if got := DefaultSubfolderKey("LORA", "", true); got != "LORA_LoCon_default_subfolder" {
		t.Fatalf("merged lora key=%s", got)
	}
	if got := DefaultSubfolderKey("LoCon", "", false); got != "LoCon_default_subfolder" {
		t.Fatalf("locon key=%s", got)
	}
	if got := DefaultSubfolderKey("Upscaler", "bsrgan", false); got != "BSRGAN_upscale_default_subfolder" {
		t.Fatalf("upscaler key=%s", got)
	}
	cfg := testutil.TestConfig(t)
	cfg.DefaultSubfolders = map[string]string{"VAE_default_subfolder": "/sdxl"}
	main := Folder(cfg, "VAE", "")
	if got := InstallPath(cfg, "VAE", "", ""); got != filepath.Join(main, "sdxl") {
		t.Fatalf("default subfolder not applied: %s", got)
	}
	if got := InstallPath(cfg, "VAE", "", "None"); got != main {
		t.Fatalf("None should pick the main folder: %s", got)
	}
}

func TestSelectSubfolder(t *testing.T) {
	main := filepath.FromSlash("/m/Lora")
	cases := map[string]string{
		"":                  main,
		"None":              main,
		SameTypePlaceholder: main,
		"/styles":           filepath.Join(main, "styles"),
		"/a/b":              filepath.Join(main, "a", "b"),
		"/../../etc":        main,
	}
	for sub, want := range cases {
		if got := SelectSubfolder(main, sub); got != want {
			t.Errorf("SelectSubfolder(%q)=%s want %s", sub, got, want)
		}
	}
}

func TestSubfolders(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"b", "A/x", ".hidden/y", "c/.cache"} {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(d)), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	sep := string(filepath.Separator)
	got, err := Subfolders(root, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{sep + "A", sep + "A" + sep + "x", sep + "b", sep + "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Subfolders hideDot=%v want %v", got, want)
	}
	all, _ := Subfolders(root, false)
	if len(all) != 7 {
		t.Fatalf("expected 7 entries with dot dirs, got %v", all)
	}
	if got := SubfolderChoices(filepath.Join(root, "missing"), true); !reflect.DeepEqual(got, []string{"None"}) {
		t.Fatalf("missing root choices=%v", got)
	}
}

func TestFinishRecordsAndSavesInfo(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "LORA", "", "detail_tweaker.safetensors")
	sha := strings.ToLower(testutil.FileSHA256("detail_tweaker.safetensors"))

	it := queue.Item{ModelID: testutil.LoraModelID, VersionID: testutil.LoraVersionID, ContentType: "LORA", SaveInfo: true}
	if err := f.m.Finish(context.Background(), it, downloader.Result{Path: p, SHA256: sha}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	rec, ok, err := f.st.GetInstalled(p)
	if err != nil || !ok {
		t.Fatalf("installed row missing: ok=%v err=%v", ok, err)
	}
	if rec.ModelName != "Detail Tweaker" || rec.BaseModel != "SDXL 1.0" || rec.LatestVersionID != testutil.LoraVersionID {
		t.Fatalf("unexpected row: %+v", rec)
	}

	b, err := os.ReadFile(util.StripExt(p) + ".json")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]any
	if err := json.Unmarshal(b, &info); err != nil {
		t.Fatal(err)
	}
	if info["activation text"] != "detailed, intricate" || info["sd version"] != "SDXL" {
		t.Fatalf("info=%v", info)
	}
	if info["notes"] != ModelURL(testutil.LoraModelID, testutil.LoraVersionID) {
		t.Fatalf("notes=%v", info["notes"])
	}
	if !strings.HasPrefix(string(b), "{\n    \"") {
		t.Fatalf("expected 4-space indent:\n%s", b)
	}
	for _, s := range []string{".preview.png", ".html"} {
		if _, err := os.Stat(util.StripExt(p) + s); err != nil {
			t.Fatalf("%s missing: %v", s, err)
		}
	}
}

func TestFinishRejectsTruncatedSafetensors(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "LORA", "", "detail_tweaker.safetensors")
	b, _ := os.ReadFile(p)
	if err := os.WriteFile(p, b[:len(b)-10], 0o644); err != nil {
		t.Fatal(err)
	}
	err := f.m.Finish(context.Background(), queue.Item{VersionID: testutil.LoraVersionID}, downloader.Result{Path: p})
	if err == nil || !strings.Contains(err.Error(), "incomplete") {
		t.Fatalf("expected incomplete error, got %v", err)
	}
}

func TestSaveModelInfoKeepsUserFields(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "Checkpoint", "", "epicrealism_v2.safetensors")
	jsonPath := util.StripExt(p) + ".json"
	if err := os.WriteFile(jsonPath, []byte(`{"preferred weight": 0.7, "notes": "mine"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	model, err := f.m.api.Model(ctx, testutil.CheckpointModelID)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := f.m.api.Version(ctx, testutil.CheckpointV2)
	f.cfg.Downloads.SaveAPIInfo = true
	written, err := f.m.SaveModelInfo(ctx, p, model, v)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 3 {
		t.Fatalf("written=%v", written)
	}
	var info map[string]any
	b, _ := os.ReadFile(jsonPath)
	_ = json.Unmarshal(b, &info)
	if info["preferred weight"] != 0.7 || info["notes"] != "mine" || info["description"] != "" {
		t.Fatalf("user fields not kept: %v", info)
	}
	f.cfg.Browser.ModelDescToJSON = true
	if _, err := f.m.SaveModelInfo(ctx, p, model, v); err != nil {
		t.Fatal(err)
	}
	b, _ = os.ReadFile(jsonPath)
	_ = json.Unmarshal(b, &info)
	if info["description"] != "Photorealistic checkpoint" {
		t.Fatalf("description=%v", info["description"])
	}
}

func TestSaveImagesToImageLocation(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "LORA", "styles", "detail_tweaker.safetensors")
	f.cfg.Browser.ImageLocation = filepath.Join(t.TempDir(), "images")
	f.cfg.Browser.SubImageLocation = true
	v, err := f.m.api.Version(context.Background(), testutil.LoraVersionID)
	if err != nil {
		t.Fatal(err)
	}
	saved, err := f.m.SaveImages(context.Background(), p, "LORA", v)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(f.cfg.Browser.ImageLocation, "Lora", "styles")
	want := []string{
		filepath.Join(dir, "detail_tweaker_0.png"),
		filepath.Join(dir, "detail_tweaker_1.png"),
		util.StripExt(p) + ".preview.png",
	}
	if !reflect.DeepEqual(saved, want) {
		t.Fatalf("saved=%v want %v", saved, want)
	}
	again, err := f.m.SaveImages(context.Background(), p, "LORA", v)
	if err != nil || len(again) != 0 {
		t.Fatalf("second run should skip existing files: %v %v", again, err)
	}
}

func TestDeleteModel(t *testing.T) {
	f := newFixture(t)
	p := f.place(t, "LORA", "", "detail_tweaker.safetensors")
	it := queue.Item{ModelID: testutil.LoraModelID, VersionID: testutil.LoraVersionID, ContentType: "LORA", SaveInfo: true}
	if err := f.m.Finish(context.Background(), it, downloader.Result{Path: p, SHA256: "abc"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p+".sha256", []byte("abc  detail_tweaker.safetensors\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	removed, err := f.m.DeleteModel(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 5 {
		t.Fatalf("removed=%v", removed)
	}
	left, _ := os.ReadDir(filepath.Dir(p))
	if len(left) != 0 {
		t.Fatalf("files left behind: %v", left)
	}
	if _, ok, _ := f.st.GetInstalled(p); ok {
		t.Fatalf("installed row not removed")
	}
	if _, err := f.m.DeleteModel(p); err == nil {
		t.Fatalf("deleting a missing model should fail")
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	_ = out.Close()
}

func TestUnpackZip(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "pack.zip")
	writeZip(t, zp, map[string]string{"a.txt": "a", "sub/b.txt": "b"})
	files, err := UnpackZip(zp)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v", files)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "sub", "b.txt")); string(b) != "b" {
		t.Fatalf("b.txt=%q", b)
	}
	if _, err := os.Stat(zp); !os.IsNotExist(err) {
		t.Fatalf("zip not removed")
	}

	evil := filepath.Join(dir, "evil.zip")
	writeZip(t, evil, map[string]string{"../escape.txt": "x"})
	if _, err := UnpackZip(evil); err == nil {
		t.Fatalf("expected zip-slip rejection")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); err == nil {
		t.Fatalf("file escaped the target directory")
	}
}

func TestScanModes(t *testing.T) {
	f := newFixture(t)
	old := f.place(t, "Checkpoint", "", "epicrealism_v1.safetensors")
	f.place(t, "LORA", "", "detail_tweaker.safetensors")
	unknown := filepath.Join(Folder(f.cfg, "LORA", ""), "homemade.safetensors")
	if err := os.WriteFile(unknown, testutil.FileBytes("homemade"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var calls int
	res, err := f.m.Scan(ctx, ScanOptions{Mode: ScanUpdates}, func(ScanProgress) { calls++ })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.FilesScanned != 3 || res.Found != 2 || res.NotFound != 1 || calls != 3 {
		t.Fatalf("unexpected counts: %+v calls=%d", res, calls)
	}
	if len(res.Files) != 1 || res.Files[0].Path != old || !res.Files[0].Outdated {
		t.Fatalf("updates should list only the old checkpoint: %+v", res.Files)
	}
	if ids := LoadToBrowser(res); !reflect.DeepEqual(ids, []int64{testutil.CheckpointModelID}) {
		t.Fatalf("LoadToBrowser=%v", ids)
	}

	res, err = f.m.Scan(ctx, ScanOptions{Mode: ScanInstalled, ContentTypes: []string{CombinedLORA}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesScanned != 2 || len(res.Files) != 1 || res.Files[0].Model.Name != "Detail Tweaker" {
		t.Fatalf("installed scan: %+v", res)
	}

	hashHits := f.srv.Hits("/api/v1/model-versions/by-hash/")
	res, err = f.m.Scan(ctx, ScanOptions{Mode: ScanInfo, ContentTypes: []string{"Checkpoint"}, SkipHash: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0].Action != "saved info" {
		t.Fatalf("info scan: %+v", res.Files)
	}
	if f.srv.Hits("/api/v1/model-versions/by-hash/") != hashHits+1 {
		t.Fatalf("expected one hash lookup")
	}
	if _, err := os.Stat(util.StripExt(old) + ".json"); err != nil {
		t.Fatalf("info json missing: %v", err)
	}

	res, err = f.m.Scan(ctx, ScanOptions{Mode: ScanOrganize, ContentTypes: []string{"Checkpoint"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	moved := filepath.Join(Folder(f.cfg, "Checkpoint", ""), "SD-1.5", "epicrealism_v1.safetensors")
	if len(res.Files) != 1 || res.Files[0].Path != moved {
		t.Fatalf("organize: %+v", res.Files)
	}
	if _, err := os.Stat(util.StripExt(moved) + ".json"); err != nil {
		t.Fatalf("sidecar did not move: %v", err)
	}
	if _, ok, _ := f.st.GetInstalled(moved); !ok {
		t.Fatalf("installed row not moved")
	}
}

func TestScanCancel(t *testing.T) {
	f := newFixture(t)
	f.place(t, "Checkpoint", "", "epicrealism_v1.safetensors")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.m.Scan(ctx, ScanOptions{}, nil); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseScanMode(t *testing.T) {
	if m, err := ParseScanMode("tags"); err != nil || m != ScanInfo {
		t.Fatalf("tags alias: %v %v", m, err)
	}
	if _, err := ParseScanMode("everything"); err == nil {
		t.Fatalf("expected error")
	}
}

func safetensorsFile(t *testing.T, dir string, extra int) string {
	t.Helper()
	hdr := `{"w":{"dtype":"F16","shape":[2,2],"data_offsets":[0,8]},"__metadata__":{"ss_base_model_version":"sdxl_base_v1-0"}}`
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(len(hdr)))
	b = append(b, hdr...)
	b = append(b, make([]byte, 8+extra)...)
	p := filepath.Join(dir, "m.safetensors")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestVerifySafetensors(t *testing.T) {
	dir := t.TempDir()
	p := safetensorsFile(t, dir, 0)
	if err := VerifySafetensors(p); err != nil {
		t.Fatalf("valid file rejected: %v", err)
	}
	st, _ := ReadSafetensors(p)
	if st.Tensors != 1 || !st.Complete() || st.BaseModelHint() != "SDXL 1.0" {
		t.Fatalf("unexpected header: %+v hint=%s", st, st.BaseModelHint())
	}
	p = safetensorsFile(t, dir, 3)
	if err := VerifySafetensors(p); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing bytes error, got %v", err)
	}
	other := filepath.Join(dir, "notes.ckpt")
	_ = os.WriteFile(other, []byte("x"), 0o644)
	if err := VerifySafetensors(other); err != nil {
		t.Fatalf("non-safetensors should pass: %v", err)
	}
}

func TestFilter(t *testing.T) {
	models := []state.InstalledModel{
		{Path: "/m/Lora/detail_tweaker.safetensors", ModelName: "Detail Tweaker", VersionName: "v1.0"},
		{Path: "/m/SD/epicrealism_v2.safetensors", ModelName: "Epic Realism", VersionName: "v2"},
		{Path: "/m/SD/dreamshaper.safetensors", ModelName: "DreamShaper", VersionName: "8"},
	}
	got := Filter(models, "epic")
	if len(got) != 1 || got[0].ModelName != "Epic Realism" {
		t.Fatalf("Filter(epic)=%v", got)
	}
	if got := Filter(models, "DTW"); len(got) != 1 || got[0].ModelName != "Detail Tweaker" {
		t.Fatalf("Filter(DTW)=%v", got)
	}
	if got := Filter(models, "  "); len(got) != 3 {
		t.Fatalf("empty query should keep all")
	}
}
