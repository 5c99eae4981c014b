package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/batch"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/downloader"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/queue"
)

// fileFlags select one model file.
type fileFlags struct {
	version   *string
	file      *string
	subfolder *string
	saveInfo  *bool
}

func addFileFlags(fs *flag.FlagSet) fileFlags {
	return fileFlags{
		version:   fs.String("version", "", "version name or ID (default: newest)"),
		file:      fs.String("file", "", "file name (default: primary file)"),
		subfolder: fs.String("subfolder", "", "subfolder inside the content type folder, or None"),
		saveInfo:  fs.Bool("save-info", false, "save model info after download (default: saved setting)"),
	}
}

func queueOne(ctx context.Context, a *app, model string, ff fileFlags, saveInfo bool) (string, error) {
	d, _, err := selectFile(ctx, a, model, *ff.version, *ff.file, *ff.subfolder)
	if err != nil {
		return "", err
	}
	if d.EarlyAccess {
		a.log.Warnf("%v", friendly.EarlyAccessError(d.ModelName+" "+d.VersionName, time.Time{}))
	}
	id, err := a.session.QueueCurrent(d, saveInfo)
	if err != nil {
		return "", err
	}
	a.log.Infof("queued %s -> %s", d.Filename, d.InstallPath)
	return id, nil
}

func handleDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	cf := addCommon(fs)
	ff := addFileFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: civitai-browser download [flags] <model id>...")
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	l, err := a.lock("queue")
	if err != nil {
		return err
	}
	defer l.Release()

	saveInfo := *ff.saveInfo || a.iface.SaveInfo
	for _, m := range fs.Args() {
		if _, err := queueOne(ctx, a, m, ff, saveInfo); err != nil && !errors.Is(err, queue.ErrDuplicate) {
			return err
		}
	}
	return drain(ctx, a)
}

// drain runs the queue to completion, printing each finished item.
func drain(ctx context.Context, a *app) error {
	seen := len(a.q.History())
	last := time.Time{}
	a.q.OnUpdate(func(items []queue.Item) {
		if len(items) == 0 || items[0].Status != queue.StatusDownloading || time.Since(last) < time.Second {
			return
		}
		last = time.Now()
		it := items[0]
		if it.Total > 0 {
			a.log.Infof("%s: %s/%s", it.Filename, humanize.Bytes(uint64(it.Done)), humanize.Bytes(uint64(it.Total)))
		}
	})
	err := a.q.Drain(ctx)
	var failed int
	for _, it := range a.q.History()[seen:] {
		switch it.Status {
		case queue.StatusComplete:
			fmt.Fprintf(stdout, "downloaded: %s\n", it.Path)
		default:
			failed++
			fmt.Fprintf(stdout, "%s: %s %s\n", it.Status, it.Filename, it.Err)
		}
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d downloads did not complete", failed)
	}
	return nil
}

func handleQueue(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("queue subcommand required: list | add | remove | move | cancel | cancel-all | run | export")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("queue "+sub, flag.ContinueOnError)
	cf := addCommon(fs)
	var ff fileFlags
	var batchPath, out *string
	var history *bool
	switch sub {
	case "add":
		ff = addFileFlags(fs)
		batchPath = fs.String("batch", "", "YAML batch file of jobs to queue")
	case "export":
		out = fs.String("out", "", "write the pending queue as a YAML batch to this path")
	case "list":
		history = fs.Bool("history", false, "also show finished items")
	case "remove", "move", "cancel", "cancel-all", "run":
	default:
		return fmt.Errorf("unknown queue subcommand: %s", sub)
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "list":
		items := a.q.Snapshot()
		if *history {
			items = append(items, a.q.History()...)
		}
		if a.json {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Fprintln(stdout, "queue is empty")
		}
		for i, it := range items {
			status := string(it.Status)
			if it.Status == queue.StatusQueued {
				// a .part left by an earlier run is resumed
				if fi, err := os.Stat(downloader.StagePartPath(a.cfg, it.URL, it.Dest())); err == nil {
					status += " (" + humanize.Bytes(uint64(fi.Size())) + " partial)"
				}
			}
			fmt.Fprintf(stdout, "%2d  %s  %-28s %-16s %-11s %s\n", i, truncate(it.ID, 8), truncate(it.ModelName, 28),
				truncate(it.VersionName, 16), status, it.Dest())
		}
		return nil

	case "add":
		if *batchPath != "" {
			return queueBatch(ctx, a, *batchPath, *ff.saveInfo)
		}
		if fs.NArg() < 1 {
			return errors.New("usage: civitai-browser queue add [flags] <model id>... | --batch FILE")
		}
		saveInfo := *ff.saveInfo || a.iface.SaveInfo
		if fs.NArg() > 1 && *ff.version == "" && *ff.file == "" {
			ids := make([]int64, 0, fs.NArg())
			for _, s := range fs.Args() {
				id, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("model id %q: %w", s, err)
				}
				ids = append(ids, id)
			}
			added, err := a.session.QueueSelected(ctx, ids, *ff.subfolder, saveInfo)
			for _, id := range added {
				fmt.Fprintln(stdout, id)
			}
			return err
		}
		id, err := queueOne(ctx, a, fs.Arg(0), ff, saveInfo)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, id)
		return nil

	case "remove":
		if fs.NArg() < 1 {
			return errors.New("usage: civitai-browser queue remove <id>")
		}
		id, err := resolveID(a.q, fs.Arg(0))
		if err != nil {
			return err
		}
		return a.q.Remove(id)

	case "move":
		if fs.NArg() < 2 {
			return errors.New("usage: civitai-browser queue move <id> <position>")
		}
		id, err := resolveID(a.q, fs.Arg(0))
		if err != nil {
			return err
		}
		pos, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}
		return a.q.Move(id, pos)

	case "cancel":
		// Another process owns an active download; the persisted queue only
		// has pending items here, so cancel removes the head.
		pending := a.q.Pending()
		if len(pending) == 0 {
			fmt.Fprintln(stdout, "nothing queued")
			return nil
		}
		return a.q.Remove(pending[0].ID)

	case "cancel-all":
		n := a.q.CancelAll()
		fmt.Fprintf(stdout, "cancelled %d items\n", n)
		return nil

	case "run":
		l, err := a.lock("queue")
		if err != nil {
			return err
		}
		defer l.Release()
		return drain(ctx, a)

	case "export":
		f := &batch.File{Version: 1}
		for _, it := range a.q.Pending() {
			save := it.SaveInfo
			f.Jobs = append(f.Jobs, batch.Job{
				Model: it.ModelID, Version: strconv.FormatInt(it.VersionID, 10), File: it.Filename, SaveInfo: &save,
			})
		}
		if *out == "" {
			return errors.New("--out is required")
		}
		if len(f.Jobs) == 0 {
			return errors.New("queue is empty")
		}
		if err := batch.Save(*out, f); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %d jobs to %s\n", len(f.Jobs), *out)
		return nil
	}
	return nil
}

func queueBatch(ctx context.Context, a *app, path string, saveInfo bool) error {
	bf, err := batch.Load(path)
	if err != nil {
		return err
	}
	var errs []error
	for i, j := range bf.Jobs {
		save := saveInfo || a.iface.SaveInfo
		if j.SaveInfo != nil {
			save = *j.SaveInfo
		}
		ff := fileFlags{version: &j.Version, file: &j.File, subfolder: &j.Subfolder}
		id, err := queueOne(ctx, a, strconv.FormatInt(j.Model, 10), ff, save)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", i+1, err))
			continue
		}
		fmt.Fprintln(stdout, id)
	}
	return errors.Join(errs...)
}

// resolveID accepts a full queue ID, a unique prefix of one, or a position.
func resolveID(q *queue.Queue, s string) (string, error) {
	items := q.Snapshot()
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(items) && len(s) < 4 {
		return items[n].ID, nil
	}
	var match string
	for _, it := range items {
		if strings.HasPrefix(it.ID, s) {
			if match != "" {
				return "", fmt.Errorf("queue id %q is ambiguous", s)
			}
			match = it.ID
		}
	}
	if match == "" {
		return "", queue.ErrNotFound
	}
	return match, nil
}
