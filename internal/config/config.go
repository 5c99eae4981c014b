package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML schema. Values come from YAML; defaults are applied
// by the accessor helpers rather than written back into the struct.
type Config struct {
	Version           int               `yaml:"version"`
	General           General           `yaml:"general"`
	Network           Network           `yaml:"network"`
	CivitAI           CivitAI           `yaml:"civitai"`
	Downloads         Downloads         `yaml:"downloads"`
	Browser           Browser           `yaml:"browser"`
	Folders           map[string]string `yaml:"folders"`
	DefaultSubfolders map[string]string `yaml:"default_subfolders"`
	Settings          SettingsFiles     `yaml:"settings"`
	Logging           Logging           `yaml:"logging"`
	Metrics           Metrics           `yaml:"metrics"`
	UI                UIOptions         `yaml:"ui"`
}

type General struct {
	DataRoot string `yaml:"data_root"`
	// ModelsRoot is the host WebUI "models" directory; content type folders hang off it.
	ModelsRoot     string `yaml:"models_root"`
	PartialsRoot   string `yaml:"partials_root"`
	StagePartials  bool   `yaml:"stage_partials"`
	AllowOverwrite bool   `yaml:"allow_overwrite"`
}

type Network struct {
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	UserAgent        string `yaml:"user_agent"`
	Proxy            string `yaml:"proxy"`     // http(s):// or socks5:// URL
	CABundle         string `yaml:"ca_bundle"` // PEM file appended to the system pool
	DisableSSLVerify bool   `yaml:"disable_ssl_verify"`
	APIBaseURL       string `yaml:"api_base_url"`
}

type CivitAI struct {
	APIKey            string  `yaml:"api_key"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	HideEarlyAccess   bool    `yaml:"hide_early_access"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	CacheTTLHours     int     `yaml:"cache_ttl_hours"`
}

type Downloads struct {
	PerFileChunks int     `yaml:"per_file_chunks"`
	ChunkSizeMB   int     `yaml:"chunk_size_mb"`
	MaxRetries    int     `yaml:"max_retries"`
	Backoff       Backoff `yaml:"backoff"`

	UseAria2   bool   `yaml:"use_aria2"`
	Aria2Path  string `yaml:"aria2_path"`
	Aria2Split int    `yaml:"aria2_split"`
	Aria2Flags string `yaml:"aria2_flags"`
	DisableDNS bool   `yaml:"disable_dns"`
	ShowLog    bool   `yaml:"show_log"`

	UnpackZip             bool `yaml:"unpack_zip"`
	SaveInfoAfterDownload bool `yaml:"save_info_after_download"`
	SaveAPIInfo           bool `yaml:"save_api_info"`
	AutoSaveAllImages     bool `yaml:"auto_save_all_images"`
}

type Backoff struct {
	MinMS int `yaml:"min_ms"`
	MaxMS int `yaml:"max_ms"`
}

type Browser struct {
	UseLORA          bool   `yaml:"use_lora"`
	DotSubfolders    bool   `yaml:"dot_subfolders"`
	LocalPathInHTML  bool   `yaml:"local_path_in_html"`
	ModelDescToJSON  bool   `yaml:"model_desc_to_json"`
	NotFoundPrint    bool   `yaml:"not_found_print"`
	ImageLocation    string `yaml:"image_location"`
	SubImageLocation bool   `yaml:"sub_image_location"`
	SaveToCustom     bool   `yaml:"save_to_custom"`
	TileCount        int    `yaml:"tile_count"`
}

type SettingsFiles struct {
	// UIConfigFile holds the saved browser defaults (civitai_interface/... keys).
	UIConfigFile   string `yaml:"ui_config_file"`
	SubfoldersFile string `yaml:"subfolders_file"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // human|json
}

type Metrics struct {
	PrometheusTextfile PromTextfile `yaml:"prometheus_textfile"`
}

type PromTextfile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type UIOptions struct {
	// RefreshHz controls the TUI refresh frequency (ticks per second). If 0, defaults to 1.
	// Values above 10 are clamped to 10.
	RefreshHz int `yaml:"refresh_hz"`
}

const defaultAPIKeyEnv = "CIVITAI_API_KEY"

// Load reads, parses, expands, and validates a YAML config file.
// A .env file next to the config is loaded first so ${VARS} in the YAML can
// reference it; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	expanded, err := expandTilde(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	envFile := filepath.Join(filepath.Dir(expanded), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	b = []byte(os.ExpandEnv(string(b)))
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if err := c.expandPaths(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultPath resolves the config path from the env var or the XDG-style default.
func DefaultPath() string {
	if env := os.Getenv("CIVITAI_BROWSER_CONFIG"); env != "" {
		return env
	}
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, ".config", "civitai-browser", "config.yml")
	}
	return ""
}

func (c *Config) expandPaths() error {
	ptrs := []*string{
		&c.General.DataRoot,
		&c.General.ModelsRoot,
		&c.General.PartialsRoot,
		&c.Network.CABundle,
		&c.Downloads.Aria2Path,
		&c.Browser.ImageLocation,
		&c.Settings.UIConfigFile,
		&c.Settings.SubfoldersFile,
		&c.Metrics.PrometheusTextfile.Path,
	}
	for _, p := range ptrs {
		exp, err := expandTilde(*p)
		if err != nil {
			return err
		}
		*p = exp
	}
	for k, v := range c.Folders {
		exp, err := expandTilde(v)
		if err != nil {
			return fmt.Errorf("folders.%s: %w", k, err)
		}
		c.Folders[k] = exp
	}
	return nil
}

// APIKey returns the configured CivitAI key, falling back to the env var
// named by civitai.api_key_env (CIVITAI_API_KEY when unset).
func (c *Config) APIKey() string {
	if k := strings.TrimSpace(c.CivitAI.APIKey); k != "" {
		return k
	}
	env := strings.TrimSpace(c.CivitAI.APIKeyEnv)
	if env == "" {
		env = defaultAPIKeyEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}

// APIKeyEnvName is the env var consulted by APIKey.
func (c *Config) APIKeyEnvName() string {
	if env := strings.TrimSpace(c.CivitAI.APIKeyEnv); env != "" {
		return env
	}
	return defaultAPIKeyEnv
}

func (c *Config) Aria2SplitOrDefault() int {
	if c.Downloads.Aria2Split <= 0 {
		return 64
	}
	return c.Downloads.Aria2Split
}

func (c *Config) TileCountOrDefault() int {
	if c.Browser.TileCount <= 0 {
		return 15
	}
	return c.Browser.TileCount
}

func (c *Config) UIConfigPath() string {
	if c.Settings.UIConfigFile != "" {
		return c.Settings.UIConfigFile
	}
	return filepath.Join(c.General.DataRoot, "ui-config.json")
}

func (c *Config) SubfoldersPath() string {
	if c.Settings.SubfoldersFile != "" {
		return c.Settings.SubfoldersFile
	}
	return filepath.Join(c.General.DataRoot, "custom-subfolders.json")
}

func expandTilde(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p[0] != '~' {
		return p, nil
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "~" {
		return h, nil
	}
	return filepath.Join(h, p[2:]), nil
}

// EnsureDir creates path if it is set.
func EnsureDir(path string, perm fs.FileMode) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, perm)
}
