package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadSampleConfig(t *testing.T) {
	path := "../../assets/sample-config/config.example.yml"
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.Version != 1 {
		t.Fatalf("expected version 1, got %d", c.Version)
	}
	if c.General.DataRoot == "" || c.General.ModelsRoot == "" {
		t.Fatalf("expected non-empty general paths")
	}
	if strings.HasPrefix(c.General.DataRoot, "~") {
		t.Fatalf("tilde not expanded: %s", c.General.DataRoot)
	}
	if c.Aria2SplitOrDefault() != 64 || c.TileCountOrDefault() != 15 {
		t.Fatalf("unexpected defaults: split=%d tiles=%d", c.Aria2SplitOrDefault(), c.TileCountOrDefault())
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDotEnvAndAPIKey(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("CIVBROWSER_TEST_KEY", "")
	os.Unsetenv("CIVBROWSER_TEST_KEY")
	if err := os.WriteFile(filepath.Join(tmp, ".env"), []byte("CIVBROWSER_TEST_KEY=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := writeConfig(t, tmp, ""+
		"version: 1\n"+
		"general:\n"+
		"  data_root: \""+tmp+"/data\"\n"+
		"  models_root: \""+tmp+"/models\"\n"+
		"civitai:\n"+
		"  api_key_env: CIVBROWSER_TEST_KEY\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.APIKey(); got != "from-dotenv" {
		t.Fatalf("APIKey()=%q", got)
	}
	if c.UIConfigPath() != filepath.Join(tmp, "data", "ui-config.json") {
		t.Fatalf("UIConfigPath=%s", c.UIConfigPath())
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Config {
		return Config{Version: 1, General: General{DataRoot: "/d", ModelsRoot: "/m"}}
	}
	cases := map[string]func(c *Config){
		"version":        func(c *Config) { c.Version = 2 },
		"data_root":      func(c *Config) { c.General.DataRoot = "" },
		"models_root":    func(c *Config) { c.General.ModelsRoot = "" },
		"aria2_split":    func(c *Config) { c.Downloads.Aria2Split = 65 },
		"tile_count":     func(c *Config) { c.Browser.TileCount = 101 },
		"logging.level":  func(c *Config) { c.Logging.Level = "loud" },
		"logging.format": func(c *Config) { c.Logging.Format = "xml" },
		"subfolder":      func(c *Config) { c.DefaultSubfolders = map[string]string{"VAE_default_subfolder": "nested"} },
		"rps":            func(c *Config) { c.CivitAI.RequestsPerSecond = -1 },
	}
	for name, mut := range cases {
		c := base()
		mut(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	ok := base()
	ok.DefaultSubfolders = map[string]string{"VAE_default_subfolder": "/sdxl", "LORA_LoCon_default_subfolder": "None"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateDetailedFlagsProxyWithAria2(t *testing.T) {
	c := Config{Version: 1, General: General{DataRoot: "/d", ModelsRoot: t.TempDir()}}
	c.CivitAI.APIKey = "k"
	c.Network.Proxy = "socks5://127.0.0.1:1080"
	c.Downloads.UseAria2 = true
	errs := c.ValidateDetailed()
	if len(errs) != 1 || errs[0].Field != "downloads.use_aria2" {
		t.Fatalf("unexpected detailed errors: %+v", errs)
	}
	if err := c.ValidateWithFriendlyErrors(); err == nil || !strings.Contains(err.Error(), "aria2") {
		t.Fatalf("expected friendly error mentioning aria2, got %v", err)
	}
}
