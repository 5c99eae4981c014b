package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/settings"
	cw "github.com/Armitage73/sd-civitai-browser-plus/internal/tui/configwizard"
)

func handleSettings(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("settings subcommand required: show | save | subfolder")
	}
	switch args[0] {
	case "show":
		return settingsShow(args[1:])
	case "save":
		return settingsSave(args[1:])
	case "subfolder", "subfolders":
		return handleCustomSubfolders(args[1:])
	default:
		return fmt.Errorf("unknown settings subcommand: %s", args[0])
	}
}

func settingsShow(args []string) error {
	fs := flag.NewFlagSet("settings show", flag.ContinueOnError)
	cf := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := cf.load()
	if err != nil {
		return err
	}
	s, err := settings.LoadInterface(c.UIConfigPath())
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(s)
	}
	fmt.Fprintf(stdout, "file:            %s\n", c.UIConfigPath())
	fmt.Fprintf(stdout, "search type:     %s\n", s.SearchType)
	fmt.Fprintf(stdout, "content types:   %s\n", strings.Join(s.ContentTypes, ", "))
	fmt.Fprintf(stdout, "time period:     %s\n", s.TimePeriod)
	fmt.Fprintf(stdout, "sort by:         %s\n", s.SortBy)
	fmt.Fprintf(stdout, "base models:     %s\n", strings.Join(s.BaseModels, ", "))
	fmt.Fprintf(stdout, "save info:       %t\n", s.SaveInfo)
	fmt.Fprintf(stdout, "divide by date:  %t\n", s.DivideByDate)
	fmt.Fprintf(stdout, "liked only:      %t\n", s.LikedOnly)
	fmt.Fprintf(stdout, "hide installed:  %t\n", s.HideInstalled)
	fmt.Fprintf(stdout, "nsfw:            %t\n", s.NSFW)
	fmt.Fprintf(stdout, "tile size:       %d\n", s.TileSize)
	fmt.Fprintf(stdout, "tile count:      %d\n", s.TileCount)
	return nil
}

// settingsSave updates only the flags given on the command line and writes
// the result back.
func settingsSave(args []string) error {
	fs := flag.NewFlagSet("settings save", flag.ContinueOnError)
	cf := addCommon(fs)
	fs.String("search-type", "", "Model name | User name | Tag")
	fs.String("types", "", "comma separated content types")
	fs.String("period", "", "time period")
	fs.String("sort", "", "sort order")
	fs.String("base", "", "comma separated base models")
	fs.Bool("save-info", false, "save model info after download")
	fs.Bool("by-date", false, "divide results by publish month")
	fs.Bool("liked", false, "liked models only")
	fs.Bool("hide-installed", false, "hide installed models")
	fs.Bool("nsfw", false, "include NSFW models")
	fs.Int("tile-size", 0, "preview tile size")
	fs.Int("tile-count", 0, "results per page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, log, err := cf.load()
	if err != nil {
		return err
	}
	path := c.UIConfigPath()
	s, err := settings.LoadInterface(path)
	if err != nil {
		return err
	}
	var perr error
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		b, _ := strconv.ParseBool(v)
		switch f.Name {
		case "search-type":
			s.SearchType = v
		case "types":
			s.ContentTypes = splitList(v)
		case "period":
			s.TimePeriod = v
		case "sort":
			s.SortBy = v
		case "base":
			s.BaseModels = splitList(v)
		case "save-info":
			s.SaveInfo = b
		case "by-date":
			s.DivideByDate = b
		case "liked":
			s.LikedOnly = b
		case "hide-installed":
			s.HideInstalled = b
		case "nsfw":
			s.NSFW = b
		case "tile-size", "tile-count":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				perr = fmt.Errorf("--%s must be a positive number", f.Name)
				return
			}
			if f.Name == "tile-size" {
				s.TileSize = n
			} else {
				s.TileCount = n
			}
		}
	})
	if perr != nil {
		return perr
	}
	if err := settings.SaveInterface(path, s); err != nil {
		return err
	}
	log.Infof("settings saved to %s", path)
	fmt.Fprintf(stdout, "saved %s\n", path)
	return nil
}

func handleCustomSubfolders(args []string) error {
	if len(args) == 0 {
		return errors.New("subfolder subcommand required: list | add | remove | update | format")
	}
	sub := args[0]
	fs := flag.NewFlagSet("settings subfolder "+sub, flag.ContinueOnError)
	cf := addCommon(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	c, _, err := cf.load()
	if err != nil {
		return err
	}
	reg, err := settings.OpenSubfolders(c.SubfoldersPath())
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		if *cf.jsonOut {
			return printJSON(reg.List())
		}
		for _, e := range reg.List() {
			fmt.Fprintf(stdout, "%-24s %s\n", e.Key, e.Value)
		}
		return nil
	case "add":
		if fs.NArg() < 2 {
			return errors.New("usage: civitai-browser settings subfolder add <key> <subfolder>")
		}
		return reg.Add(fs.Arg(0), fs.Arg(1))
	case "remove":
		if fs.NArg() < 1 {
			return errors.New("usage: civitai-browser settings subfolder remove <key>")
		}
		return reg.Remove(fs.Arg(0))
	case "update":
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: civitai-browser settings subfolder update <key%svalue%s...>", settings.Separator, settings.Separator)
		}
		return reg.Update(fs.Arg(0))
	case "format":
		fmt.Fprintln(stdout, reg.Format())
		return nil
	default:
		return fmt.Errorf("unknown subfolder subcommand: %s", sub)
	}
}

func handleConfig(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("config subcommand required: validate | print | init | clear-cache")
	}
	sub := args[0]
	switch sub {
	case "validate", "print", "clear-cache":
		fs := flag.NewFlagSet("config "+sub, flag.ContinueOnError)
		cf := addCommon(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		c, log, err := cf.load()
		if err != nil {
			return err
		}
		switch sub {
		case "print":
			return printJSON(c)
		case "clear-cache":
			if err := civitai.ClearCache(c); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "API cache cleared")
			return nil
		}
		log.Infof("config: valid")
		fmt.Fprintf(stdout, "%s: valid\n", cf.path())
		return nil
	case "init", "wizard":
		return handleConfigInit(ctx, args[1:])
	default:
		return fmt.Errorf("unknown config subcommand: %s", sub)
	}
}

func handleConfigInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	out := fs.String("out", "", "write YAML to this path instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := runWizard()
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if *out == "" {
		fmt.Fprint(stdout, string(b))
		return nil
	}
	if err := writeConfig(*out, b); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote config to %s\n", *out)
	return nil
}

func runWizard() (*config.Config, error) {
	p := tea.NewProgram(cw.New(cw.Defaults()))
	m, err := p.Run()
	if err != nil {
		return nil, err
	}
	w, ok := m.(*cw.Wizard)
	if !ok {
		return nil, errors.New("unexpected model type from wizard")
	}
	cfg := w.Config()
	if cfg == nil {
		return nil, errors.New("config wizard was cancelled")
	}
	return cfg, nil
}

func writeConfig(path string, b []byte) error {
	if err := config.EnsureDir(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
