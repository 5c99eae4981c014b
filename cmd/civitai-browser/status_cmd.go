package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/system"
)

type statusReport struct {
	Queue         int            `json:"queue"`
	History       int            `json:"history"`
	Installed     int            `json:"installed"`
	Outdated      int            `json:"outdated"`
	APIKey        bool           `json:"api_key"`
	PerType       map[string]int `json:"per_type"`
	FreeBytes     uint64         `json:"free_bytes"`
	RecentActions []recentRow    `json:"recent"`
}

type recentRow struct {
	File    string    `json:"file"`
	Status  string    `json:"status"`
	Size    int64     `json:"size"`
	Updated time.Time `json:"updated"`
	Error   string    `json:"error,omitempty"`
}

func handleStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cf := addCommon(fs)
	recent := fs.Int("recent", 10, "number of recent downloads to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.st.ListInstalled("")
	if err != nil {
		return err
	}
	per, outdated := libraryTotals(rows)
	rep := statusReport{
		Queue:     a.q.Len(),
		History:   len(a.q.History()),
		Installed: len(rows),
		Outdated:  outdated,
		APIKey:    a.client.HasAPIKey(),
		PerType:   per,
	}
	if n, err := system.CheckAvailableSpace(a.cfg.General.ModelsRoot); err == nil {
		rep.FreeBytes = n
	}
	dl, err := a.st.ListDownloads()
	if err != nil {
		return err
	}
	for i, d := range dl {
		if i >= *recent {
			break
		}
		rep.RecentActions = append(rep.RecentActions, recentRow{
			File: filepath.Base(d.Dest), Status: d.Status, Size: d.Size,
			Updated: time.Unix(d.UpdatedAt, 0), Error: d.LastError,
		})
	}
	if a.json {
		return printJSON(rep)
	}

	fmt.Fprintf(stdout, "Queue:      %d pending\n", rep.Queue)
	fmt.Fprintf(stdout, "Installed:  %d models (%d with updates)\n", rep.Installed, rep.Outdated)
	if rep.APIKey {
		fmt.Fprintln(stdout, "API key:    set")
	} else {
		fmt.Fprintf(stdout, "API key:    not set (%s)\n", a.cfg.APIKeyEnvName())
	}
	types := make([]string, 0, len(per))
	for t := range per {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(stdout, "  %-16s %d\n", t, per[t])
	}
	if rep.FreeBytes > 0 {
		fmt.Fprintf(stdout, "Free space: %s in %s\n", humanize.Bytes(rep.FreeBytes), a.cfg.General.ModelsRoot)
	}
	if len(rep.RecentActions) > 0 {
		fmt.Fprintln(stdout, "Recent downloads:")
		for _, r := range rep.RecentActions {
			line := fmt.Sprintf("  %-10s %-40s %8s  %s", r.Status, truncate(r.File, 40),
				humanize.Bytes(uint64(max(r.Size, 0))), humanize.Time(r.Updated))
			if r.Error != "" {
				line += "  " + truncate(r.Error, 60)
			}
			fmt.Fprintln(stdout, line)
		}
	}
	return nil
}
