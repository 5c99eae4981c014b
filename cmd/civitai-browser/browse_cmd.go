package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/browser"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
)

func handleSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	cf := addCommon(fs)
	searchType := fs.String("by", "", "search by: name | user | tag (default: saved setting)")
	types := fs.String("type", "", "comma separated content types (Checkpoint,LORA,...)")
	sortBy := fs.String("sort", "", "sort order (e.g. \"Most Downloaded\", Newest)")
	period := fs.String("period", "", "time period: AllTime|Year|Month|Week|Day")
	base := fs.String("base", "", "comma separated base models")
	nsfw := fs.Bool("nsfw", false, "include NSFW models")
	liked := fs.Bool("liked", false, "liked models only (needs an API key)")
	hide := fs.Bool("hide-installed", false, "hide models with an installed version")
	byDate := fs.Bool("by-date", false, "group results by publish month")
	page := fs.Int("page", 1, "page number")
	limit := fs.Int("limit", 0, "results per page (default: tile_count)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()

	s := a.iface
	switch strings.ToLower(*searchType) {
	case "":
	case "name":
		s.SearchType = "Model name"
	case "user":
		s.SearchType = "User name"
	case "tag":
		s.SearchType = "Tag"
	default:
		return fmt.Errorf("unknown --by %q (name|user|tag)", *searchType)
	}
	if *types != "" {
		s.ContentTypes = splitList(*types)
	}
	if *sortBy != "" {
		s.SortBy = *sortBy
	}
	if *period != "" {
		s.TimePeriod = *period
	}
	if *base != "" {
		s.BaseModels = splitList(*base)
	}
	if *nsfw {
		s.NSFW = true
	}
	if *liked {
		s.LikedOnly = true
	}
	if *hide {
		s.HideInstalled = true
	}
	if *byDate {
		s.DivideByDate = true
	}
	p := browser.Params(strings.Join(fs.Args(), " "), s)
	if *limit > 0 {
		p.Limit = *limit
	} else if p.Limit <= 0 {
		p.Limit = a.cfg.TileCountOrDefault()
	}

	res, err := a.session.Search(ctx, p)
	if err != nil {
		return err
	}
	if *page > 1 {
		if res, err = a.session.Goto(ctx, *page); err != nil {
			return err
		}
	}
	models := res.Items
	if s.HideInstalled {
		models = a.session.HideInstalled(res)
	}
	if a.json {
		return printJSON(models)
	}
	if len(models) == 0 {
		fmt.Fprintln(stdout, "no models found")
		return nil
	}
	if s.DivideByDate {
		for _, g := range browser.DivideByDate(models) {
			fmt.Fprintf(stdout, "== %s ==\n", g.Label)
			printModels(g.Models)
		}
	} else {
		printModels(models)
	}
	pg := a.session.Pager()
	fmt.Fprintf(stdout, "page %d/%d", pg.Page(), max(pg.TotalPages(), 1))
	if pg.HasNext() {
		fmt.Fprint(stdout, " (more: --page ", pg.Page()+1, ")")
	}
	fmt.Fprintln(stdout)
	return nil
}

func printModels(models []civitai.Model) {
	for _, m := range models {
		latest, base := "", ""
		if v, ok := m.Latest(); ok {
			latest, base = v.Name, v.BaseModel
		}
		fmt.Fprintf(stdout, "%-8d %-16s %-40s %-16s %-10s %s\n",
			m.ID, m.Type, truncate(m.Name, 40), truncate(latest, 16), base,
			humanize.Comma(int64(m.Stats.DownloadCount)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// selectFile walks model -> version -> file the way the browser does.
// version may be a version name or ID; empty picks the newest.
func selectFile(ctx context.Context, a *app, model, version, file, subfolder string) (*browser.Details, []string, error) {
	labels, err := a.session.SelectModel(ctx, model)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) == 0 {
		return nil, nil, errors.New("model has no versions")
	}
	label := labels[0]
	if version != "" {
		label = ""
		m, _ := a.session.Current()
		id, _ := strconv.ParseInt(version, 10, 64)
		for i, v := range m.ModelVersions {
			if (id != 0 && v.ID == id) || strings.EqualFold(v.Name, version) {
				label = labels[i]
				break
			}
		}
		if label == "" {
			return nil, labels, fmt.Errorf("version %q not found; have: %s", version, strings.Join(labels, ", "))
		}
	}
	if _, err := a.session.SelectVersion(label); err != nil {
		return nil, labels, err
	}
	d, err := a.session.SelectFile(file)
	if err != nil {
		return nil, labels, err
	}
	if subfolder != "" {
		nd := d.WithSubfolder(a.cfg, subfolder)
		d = &nd
	}
	return d, labels, nil
}

func handleModel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("model", flag.ContinueOnError)
	cf := addCommon(fs)
	version := fs.String("version", "", "version name or ID (default: newest)")
	file := fs.String("file", "", "file name (default: primary file)")
	sub := fs.String("subfolder", "", "subfolder to show the install path for")
	probe := fs.Bool("probe", false, "ask the download server for the file's real name and size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: civitai-browser model [flags] <model id>")
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	d, labels, err := selectFile(ctx, a, fs.Arg(0), *version, *file, *sub)
	if err != nil {
		return err
	}
	if a.json {
		return printJSON(map[string]any{"versions": labels, "details": d})
	}
	fmt.Fprintf(stdout, "%s (%d) [%s]\n", d.ModelName, d.ModelID, d.ContentType)
	fmt.Fprintf(stdout, "Versions:     %s\n", strings.Join(labels, ", "))
	fmt.Fprintf(stdout, "Version:      %s (%d)\n", d.VersionLabel, d.VersionID)
	fmt.Fprintf(stdout, "Base model:   %s\n", d.BaseModel)
	fmt.Fprintf(stdout, "File:         %s (%s)\n", d.Filename, humanize.Bytes(uint64(d.SizeBytes)))
	if d.SHA256 != "" {
		fmt.Fprintf(stdout, "SHA256:       %s\n", d.SHA256)
	}
	if len(d.TrainedTags) > 0 {
		fmt.Fprintf(stdout, "Trained tags: %s\n", strings.Join(d.TrainedTags, ", "))
	}
	fmt.Fprintf(stdout, "Install path: %s\n", d.InstallPath)
	fmt.Fprintf(stdout, "Subfolders:   %s\n", strings.Join(d.Subfolders, ", "))
	if d.Installed {
		fmt.Fprintf(stdout, "Installed:    %s\n", d.InstalledAt)
	}
	if d.EarlyAccess {
		fmt.Fprintln(stdout, "Early access: yes")
	}
	fmt.Fprintf(stdout, "Page:         %s\n", library.ModelURL(d.ModelID, d.VersionID))
	if *probe {
		meta, err := downloader.ProbeURL(ctx, a.cfg, d.DownloadURL, a.client.AuthHeaders())
		if err != nil {
			a.log.Warnf("probe %s: %v", d.DownloadURL, err)
		} else {
			fmt.Fprintf(stdout, "Server file:  %s (%s, ranges: %t)\n", meta.Filename, humanize.Bytes(uint64(meta.Size)), meta.AcceptRange)
		}
	}
	if d.Description != "" {
		fmt.Fprintf(stdout, "\n%s\n", d.Description)
	}
	return nil
}

func handleBaseModels(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("basemodels", flag.ContinueOnError)
	cf := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	list, live := a.client.BaseModels(ctx)
	if a.json {
		return printJSON(map[string]any{"base_models": list, "from_api": live})
	}
	for _, b := range list {
		fmt.Fprintln(stdout, b)
	}
	if !live {
		a.log.Warnf("base models: API did not list options; showing the built-in list")
	}
	return nil
}

func handleGenInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("geninfo", flag.ContinueOnError)
	cf := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: civitai-browser geninfo <image url | png file>")
	}
	src := fs.Arg(0)
	if b, err := os.ReadFile(src); err == nil {
		params, ok := civitai.PNGParameters(b)
		if !ok {
			return fmt.Errorf("%s has no generation parameters", src)
		}
		fmt.Fprintln(stdout, params)
		return nil
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	info, err := a.client.GenerationInfo(ctx, src)
	if err != nil {
		return err
	}
	if info == "" {
		return errors.New("no generation info found for this image")
	}
	fmt.Fprintln(stdout, info)
	return nil
}
