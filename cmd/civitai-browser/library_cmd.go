package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/civitai"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

func handleScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	cf := addCommon(fs)
	mode := fs.String("mode", "updates", "updates | installed | info | previews | organize")
	types := fs.String("type", "All", "comma separated content types to scan")
	overwrite := fs.Bool("overwrite", false, "rewrite info and previews that already exist")
	skipHash := fs.Bool("skip-hash", false, "trust cached hashes and .sha256 sidecars")
	html := fs.Bool("html", false, "previews mode also writes the HTML page")
	workers := fs.Int("workers", 0, "parallel files (default: number of CPUs)")
	quiet := fs.Bool("quiet", false, "no progress lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := library.ParseScanMode(*mode)
	if err != nil {
		return err
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	l, err := a.lock("scan")
	if err != nil {
		return err
	}
	defer l.Release()

	opts := library.ScanOptions{
		Mode:         m,
		Overwrite:    *overwrite,
		SkipHash:     *skipHash,
		GenerateHTML: *html,
		Workers:      *workers,
	}
	for _, t := range splitList(*types) {
		if !strings.EqualFold(t, "All") {
			opts.ContentTypes = append(opts.ContentTypes, t)
		}
	}
	var progress func(library.ScanProgress)
	if !*quiet && !a.json {
		progress = func(p library.ScanProgress) {
			a.log.Debugf("[%d/%d] %s", p.Done, p.Total, p.Path)
		}
	}
	res, err := a.lib.Scan(ctx, opts, progress)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if res == nil {
		return err
	}
	if a.json {
		return printJSON(res)
	}
	for _, f := range res.Files {
		name := f.Path
		if rel, rerr := filepath.Rel(a.cfg.General.ModelsRoot, f.Path); rerr == nil {
			name = rel
		}
		switch {
		case f.Err != nil:
			fmt.Fprintf(stdout, "error     %s: %v\n", name, f.Err)
		case f.NotFound:
			fmt.Fprintf(stdout, "not found %s\n", name)
		case f.Outdated && f.Model != nil:
			latest := ""
			if v, ok := f.Model.Latest(); ok {
				latest = v.Name
			}
			fmt.Fprintf(stdout, "outdated  %s (%s -> %s)\n", name, f.Version.Name, latest)
		default:
			what := f.Action
			if what == "" && f.Version != nil {
				what = f.Version.Name
			}
			fmt.Fprintf(stdout, "ok        %s %s\n", name, what)
		}
	}
	fmt.Fprintf(stdout, "scanned %d files: %d found on CivitAI, %d not found\n", res.FilesScanned, res.Found, res.NotFound)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(stdout, "scan cancelled")
	}
	return nil
}

func handleInstalled(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("installed", flag.ContinueOnError)
	cf := addCommon(fs)
	ct := fs.String("type", "", "only this content type")
	filter := fs.String("filter", "", "fuzzy filter on model, version and file name")
	outdated := fs.Bool("outdated", false, "only models with a newer version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	rows, err := a.st.ListInstalled(*ct)
	if err != nil {
		return err
	}
	rows = library.Filter(rows, *filter)
	if *outdated {
		kept := rows[:0]
		for _, r := range rows {
			if r.Outdated() {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	if a.json {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "no installed models")
		return nil
	}
	for _, r := range rows {
		mark := " "
		if r.Outdated() {
			mark = "*"
		}
		fmt.Fprintf(stdout, "%s %-14s %-32s %-16s %s\n", mark, r.ContentType, truncate(r.ModelName, 32),
			truncate(r.VersionName, 16), r.Path)
	}
	return nil
}

func handleDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	cf := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: civitai-browser delete <model file>...")
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	var errs []error
	for _, p := range fs.Args() {
		removed, err := a.lib.DeleteModel(p)
		for _, r := range removed {
			fmt.Fprintf(stdout, "removed %s\n", r)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// identify resolves a model file to its CivitAI version, preferring the
// installed table and falling back to hashing the file.
func identify(ctx context.Context, a *app, path string) (*civitai.Model, *civitai.Version, string, error) {
	path = filepath.Clean(path)
	rec, known, err := a.st.GetInstalled(path)
	if err != nil {
		return nil, nil, "", err
	}
	var v *civitai.Version
	if known && rec.VersionID != 0 {
		if v, err = a.client.Version(ctx, rec.VersionID); err != nil {
			return nil, nil, "", err
		}
	} else {
		sha := rec.SHA256
		if sha == "" {
			if sha, err = util.HashFileSHA256Context(ctx, path); err != nil {
				return nil, nil, "", err
			}
		}
		if v, err = a.client.VersionByHash(ctx, sha); err != nil {
			return nil, nil, "", err
		}
	}
	model, err := a.client.Model(ctx, v.ModelID)
	if err != nil {
		return nil, nil, "", err
	}
	ct := rec.ContentType
	if ct == "" {
		ct = model.Type
	}
	if !known {
		if err := a.lib.Record(path, "", v, model, ct); err != nil {
			a.log.Debugf("record %s: %v", path, err)
		}
	}
	return model, v, ct, nil
}

func handleSaveInfo(ctx context.Context, args []string, images bool) error {
	name := "save-info"
	if images {
		name = "save-images"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: civitai-browser %s <model file>...", name)
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	var errs []error
	for _, p := range fs.Args() {
		model, v, ct, err := identify(ctx, a, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		var written []string
		if images {
			written, err = a.lib.SaveImages(ctx, p, ct, v)
		} else {
			written, err = a.lib.SaveModelInfo(ctx, p, model, v)
		}
		for _, w := range written {
			fmt.Fprintf(stdout, "wrote %s\n", w)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func handleSubfolders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("subfolders", flag.ContinueOnError)
	cf := addCommon(fs)
	ct := fs.String("type", "Checkpoint", "content type folder to list")
	desc := fs.String("desc", "", "model description (picks the upscaler folder)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := cf.load()
	if err != nil {
		return err
	}
	root := library.Folder(c, *ct, *desc)
	subs, err := library.Subfolders(root, c.Browser.DotSubfolders)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(map[string]any{"root": root, "subfolders": subs})
	}
	fmt.Fprintf(stdout, "%s\n", root)
	for _, s := range subs {
		fmt.Fprintf(stdout, "  %s\n", s)
	}
	return nil
}

// libraryTotals sums the installed table per content type.
func libraryTotals(rows []state.InstalledModel) (map[string]int, int) {
	per := map[string]int{}
	outdated := 0
	for _, r := range rows {
		per[r.ContentType]++
		if r.Outdated() {
			outdated++
		}
	}
	return per, outdated
}
