package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/browser"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/lockfile"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/metrics"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/settings"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
)

var version = "dev"

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	downloader.Version = version
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("no command provided")
	}
	cmd := args[0]
	switch cmd {
	case "search":
		return handleSearch(ctx, args[1:])
	case "model":
		return handleModel(ctx, args[1:])
	case "basemodels":
		return handleBaseModels(ctx, args[1:])
	case "geninfo":
		return handleGenInfo(ctx, args[1:])
	case "download":
		return handleDownload(ctx, args[1:])
	case "queue":
		return handleQueue(ctx, args[1:])
	case "scan":
		return handleScan(ctx, args[1:])
	case "installed":
		return handleInstalled(ctx, args[1:])
	case "delete":
		return handleDelete(ctx, args[1:])
	case "save-info":
		return handleSaveInfo(ctx, args[1:], false)
	case "save-images":
		return handleSaveInfo(ctx, args[1:], true)
	case "subfolders":
		return handleSubfolders(ctx, args[1:])
	case "settings":
		return handleSettings(ctx, args[1:])
	case "config":
		return handleConfig(ctx, args[1:])
	case "doctor":
		return handleDoctor(ctx, args[1:])
	case "verify":
		return handleVerify(ctx, args[1:])
	case "status":
		return handleStatus(ctx, args[1:])
	case "tui":
		return handleTUI(ctx, args[1:])
	case "completion":
		return handleCompletion(ctx, args[1:])
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func usage() {
	fmt.Fprintln(stdout, strings.TrimSpace(`civitai-browser - browse CivitAI and manage a local model library

Usage:
  civitai-browser <command> [flags]

Commands:
  search            Search models (filters default to the saved browser settings)
  model             Show a model's versions and the selected file's details
  basemodels        List the base model filter values
  geninfo           Print generation info for an image URL or PNG file
  download          Queue a model file and download it now
  queue             list | add | remove | move | cancel | cancel-all | run | export
  scan              Scan the library: updates | installed | info | previews | organize
  installed         List or filter the installed models recorded in the state DB
  delete            Delete a model file and its sidecars
  save-info         Write <model>.json and the HTML page for a model file
  save-images       Download all preview images for a model file
  subfolders        List subfolders of a content type folder
  settings          save | show | subfolder (custom default subfolders)
  config            validate | print | init | clear-cache
  doctor            Check config, folders, database, API access and aria2c
  verify            Re-hash installed files and check .safetensors headers
  status            Show queue, recent downloads and library totals
  tui               Open the terminal browser
  completion        Generate shell completion scripts (bash|zsh|fish)
  version           Print version
  help              Show this help

Flags (all commands):
  --config PATH     YAML config (or CIVITAI_BROWSER_CONFIG; default ~/.config/civitai-browser/config.yml)
  --log-level L     debug|info|warn|error (default: logging.level from config)
  --json            JSON output where supported, JSON log lines otherwise
`))
}

// commonFlags are accepted by every subcommand that loads the config.
type commonFlags struct {
	cfgPath  *string
	logLevel *string
	jsonOut  *bool
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		cfgPath:  fs.String("config", "", "Path to YAML config file"),
		logLevel: fs.String("log-level", "", "log level"),
		jsonOut:  fs.Bool("json", false, "json output"),
	}
}

func (f commonFlags) path() string {
	if *f.cfgPath != "" {
		return *f.cfgPath
	}
	return config.DefaultPath()
}

func (f commonFlags) load() (*config.Config, *logging.Logger, error) {
	p := f.path()
	if _, err := os.Stat(p); err != nil {
		return nil, nil, friendly.ConfigError("config", "file not found: "+p).WithDetails(err)
	}
	c, err := config.Load(p)
	if err != nil {
		return nil, nil, err
	}
	level := *f.logLevel
	if level == "" {
		level = c.Logging.Level
	}
	return c, logging.New(level, *f.jsonOut || c.Logging.Format == "json"), nil
}

// app holds the wired collaborators shared by most subcommands.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	st      *state.DB
	metrics *metrics.Manager
	client  *civitai.Client
	lib     *library.Manager
	q       *queue.Queue
	session *browser.Session
	iface   settings.Interface
	json    bool
}

func (f commonFlags) open() (*app, error) {
	c, log, err := f.load()
	if err != nil {
		return nil, err
	}
	st, err := state.Open(c)
	if err != nil {
		return nil, friendly.DatabaseError(err)
	}
	m := metrics.New(c)
	client, err := civitai.New(c, log, civitai.WithMetrics(m))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	iface, err := settings.LoadInterface(c.UIConfigPath())
	if err != nil {
		log.Warnf("browser settings: %v; using defaults", err)
	}
	lib := library.NewManager(c, log, st, client).WithMetrics(m)
	q := queue.New(downloader.NewAuto(c, log, st, m), st, log,
		queue.WithFinisher(lib),
		queue.WithMetrics(m),
		queue.WithHeaders(client.AuthHeaders()),
	)
	if err := q.Restore(); err != nil {
		log.Warnf("%v", err)
	}
	return &app{
		cfg: c, log: log, st: st, metrics: m, client: client, lib: lib, q: q,
		session: browser.NewSession(c, log, client, st, q),
		iface:   iface,
		json:    *f.jsonOut,
	}, nil
}

func (a *app) Close() {
	if err := a.metrics.Write(); err != nil {
		a.log.Debugf("metrics: %v", err)
	}
	_ = a.st.Close()
}

// lock takes the named PID lock under data_root.
func (a *app) lock(job string) (*lockfile.LockFile, error) {
	l, err := lockfile.Acquire(lockfile.Name(a.cfg.General.DataRoot, job))
	if errors.Is(err, lockfile.ErrLocked) {
		return nil, fmt.Errorf("another civitai-browser process is running %s: %w", job, err)
	}
	return l, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
