package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/logging"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/system"
)

// Check is a single diagnostic.
type Check struct {
	Name     string
	Critical bool // failure means the browser will not work
	Run      func(ctx context.Context) CheckResult
}

type CheckResult struct {
	Passed     bool
	Warning    bool
	Message    string
	Suggestion string
}

func handleDoctor(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cf := addCommon(flags)
	fix := flags.Bool("fix", false, "prune state rows for files that no longer exist")
	verbose := flags.Bool("verbose", false, "show check durations")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfgPath := cf.path()
	var cfg *config.Config
	var cfgErr error
	if cfgPath != "" {
		cfg, cfgErr = config.Load(cfgPath)
	}
	notLoaded := CheckResult{Message: "Config not loaded"}

	checks := []Check{
		{Name: "Config file", Critical: true, Run: func(context.Context) CheckResult {
			if !fileExists(cfgPath) {
				return CheckResult{
					Message:    "Config file not found: " + cfgPath,
					Suggestion: "Run 'civitai-browser config init --out " + cfgPath + "'",
				}
			}
			if cfgErr != nil {
				return CheckResult{Message: "Config does not load", Suggestion: cfgErr.Error()}
			}
			if err := cfg.ValidateWithFriendlyErrors(); err != nil {
				return CheckResult{Passed: true, Warning: true, Message: "Loaded with warnings", Suggestion: strings.TrimSpace(err.Error())}
			}
			return CheckResult{Passed: true, Message: cfgPath}
		}},
		{Name: "Models directory", Critical: true, Run: func(context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			root := cfg.General.ModelsRoot
			fi, err := os.Stat(root)
			if err != nil || !fi.IsDir() {
				return CheckResult{Message: "Not a directory: " + root, Suggestion: "Point general.models_root at the WebUI models folder"}
			}
			probe := filepath.Join(root, ".civitai_browser_write_test")
			if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
				return CheckResult{Message: "Directory is not writable", Suggestion: "chmod u+w " + root}
			}
			_ = os.Remove(probe)
			return CheckResult{Passed: true, Message: "Writable: " + root}
		}},
		{Name: "Disk space", Run: func(context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			avail, err := system.CheckAvailableSpace(cfg.General.ModelsRoot)
			if err != nil {
				return CheckResult{Passed: true, Warning: true, Message: fmt.Sprintf("Could not check disk space: %v", err)}
			}
			switch {
			case avail < 2<<30:
				return CheckResult{Message: "Very low disk space: " + humanize.Bytes(avail), Suggestion: "Checkpoints are 2-7 GB each"}
			case avail < 20<<30:
				return CheckResult{Passed: true, Warning: true, Message: humanize.Bytes(avail) + " free"}
			}
			return CheckResult{Passed: true, Message: humanize.Bytes(avail) + " free"}
		}},
		{Name: "State database", Critical: true, Run: func(context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			db, err := state.Open(cfg)
			if err != nil {
				return CheckResult{Message: fmt.Sprintf("Cannot open database: %v", err), Suggestion: "Check that data_root is writable"}
			}
			defer db.Close()
			if err := db.CheckIntegrity(); err != nil {
				return CheckResult{Message: err.Error(), Suggestion: "Move " + db.Path + " aside; it is rebuilt on the next run and a scan restores the installed table"}
			}
			if *fix {
				chunks, installed, err := db.PruneOrphans(fileExists)
				if err != nil {
					return CheckResult{Passed: true, Warning: true, Message: fmt.Sprintf("Prune failed: %v", err)}
				}
				return CheckResult{Passed: true, Message: fmt.Sprintf("OK: %s (pruned %d chunk rows, %d missing files)", db.Path, chunks, installed)}
			}
			rows, err := db.ListInstalled("")
			if err != nil {
				return CheckResult{Message: err.Error()}
			}
			missing := 0
			for _, r := range rows {
				if !fileExists(r.Path) {
					missing++
				}
			}
			if missing > 0 {
				return CheckResult{Passed: true, Warning: true, Message: fmt.Sprintf("%d installed records point at missing files", missing), Suggestion: "Run 'civitai-browser doctor --fix'"}
			}
			return CheckResult{Passed: true, Message: "OK: " + db.Path}
		}},
		{Name: "CivitAI API key", Run: func(context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			if cfg.APIKey() == "" {
				return CheckResult{
					Passed: true, Warning: true, Message: "Not set",
					Suggestion: fmt.Sprintf("Some downloads and --liked need a key:\n  export %s=...\nGet one at: https://civitai.com/user/account", cfg.APIKeyEnvName()),
				}
			}
			return CheckResult{Passed: true, Message: "Set"}
		}},
		{Name: "Network", Run: func(ctx context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			base := cfg.Network.APIBaseURL
			if base == "" {
				base = civitai.DefaultBaseURL
			}
			ok, msg := downloader.CheckReachable(ctx, cfg, base)
			if !ok {
				return CheckResult{Message: msg, Suggestion: "Check network.api_base_url and any proxy settings"}
			}
			return CheckResult{Passed: true, Message: msg}
		}},
		{Name: "CivitAI API", Critical: true, Run: func(ctx context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			client, err := civitai.New(cfg, logging.Nop())
			if err != nil {
				return CheckResult{Message: err.Error()}
			}
			ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
			defer cancel()
			if _, err := client.Search(ctx, civitai.SearchParams{Limit: 1}); err != nil {
				return CheckResult{Message: "Search request failed", Suggestion: err.Error()}
			}
			msg := "Reachable: " + client.BaseURL()
			if u, err := url.Parse(client.BaseURL()); err == nil {
				if db, err := state.Open(cfg); err == nil {
					if caps, ok, _ := db.GetHostCaps(u.Hostname()); ok {
						msg += fmt.Sprintf(" (ranges: %t)", caps.AcceptRanges)
					}
					_ = db.Close()
				}
			}
			return CheckResult{Passed: true, Message: msg}
		}},
		{Name: "aria2c", Run: func(context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			bin, err := downloader.Aria2Binary(cfg)
			switch {
			case err == nil:
				return CheckResult{Passed: true, Message: bin}
			case cfg.Downloads.UseAria2:
				return CheckResult{Passed: true, Warning: true, Message: "use_aria2 is set but aria2c was not found", Suggestion: "Install aria2 or set downloads.aria2_path; the built-in downloader is used meanwhile"}
			}
			return CheckResult{Passed: true, Message: "Not installed (not needed)"}
		}},
		{Name: "Partial downloads", Run: func(context.Context) CheckResult {
			if cfg == nil {
				return notLoaded
			}
			n := 0
			_ = filepath.WalkDir(cfg.General.ModelsRoot, func(p string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() && strings.HasSuffix(d.Name(), ".part") {
					n++
				}
				return nil
			})
			if n > 0 {
				return CheckResult{Passed: true, Warning: true, Message: fmt.Sprintf("Found %d .part file(s)", n), Suggestion: "Re-queue the models to resume, or delete the .part files"}
			}
			return CheckResult{Passed: true, Message: "None"}
		}},
	}

	var passed, failed, warned int
	for _, c := range checks {
		start := time.Now()
		r := c.Run(ctx)
		symbol := "✓"
		switch {
		case !r.Passed:
			symbol = "✗"
			if c.Critical {
				failed++
			} else {
				warned++
			}
		case r.Warning:
			symbol = "⚠"
			warned++
			passed++
		default:
			passed++
		}
		fmt.Fprintf(stdout, "%s %s", symbol, c.Name)
		if *verbose {
			fmt.Fprintf(stdout, " (%.2fs)", time.Since(start).Seconds())
		}
		fmt.Fprintln(stdout)
		if r.Message != "" {
			fmt.Fprintf(stdout, "  %s\n", r.Message)
		}
		for _, line := range strings.Split(r.Suggestion, "\n") {
			if line != "" {
				fmt.Fprintf(stdout, "  → %s\n", line)
			}
		}
	}
	fmt.Fprintf(stdout, "\n%d passed, %d warnings, %d failed\n", passed, warned, failed)
	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}
