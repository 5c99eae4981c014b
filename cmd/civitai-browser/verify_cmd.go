package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/library"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
	"github.com/Armitage73/sd-civitai-browser-plus/internal/util"
)

// handleVerify re-hashes installed files against the hash recorded when they
// were downloaded or identified, and checks .safetensors headers.
func handleVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	cf := addCommon(fs)
	ct := fs.String("type", "", "only this content type")
	onlyErrors := fs.Bool("only-errors", false, "print failures only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := cf.open()
	if err != nil {
		return err
	}
	defer a.Close()

	var rows []state.InstalledModel
	if fs.NArg() > 0 {
		for _, p := range fs.Args() {
			rec, ok, err := a.st.GetInstalled(filepath.Clean(p))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not in the installed table; run scan first", p)
			}
			rows = append(rows, rec)
		}
	} else if rows, err = a.st.ListInstalled(*ct); err != nil {
		return err
	}

	var bad int
	for _, r := range rows {
		problem := verifyOne(ctx, r)
		if errors.Is(problem, context.Canceled) {
			return problem
		}
		if problem != nil {
			bad++
			fmt.Fprintf(stdout, "FAIL %s: %v\n", r.Path, problem)
			continue
		}
		if !*onlyErrors {
			fmt.Fprintf(stdout, "ok   %s\n", r.Path)
		}
	}
	fmt.Fprintf(stdout, "verified %d files, %d failed\n", len(rows), bad)
	if bad > 0 {
		return fmt.Errorf("%d files failed verification", bad)
	}
	return nil
}

func verifyOne(ctx context.Context, r state.InstalledModel) error {
	if strings.EqualFold(filepath.Ext(r.Path), ".safetensors") {
		if err := library.VerifySafetensors(r.Path); err != nil {
			return err
		}
	}
	if r.SHA256 == "" {
		return nil
	}
	sum, err := util.HashFileSHA256Context(ctx, r.Path)
	if err != nil {
		return err
	}
	if !util.EqualSHA256(sum, r.SHA256) {
		return fmt.Errorf("sha256 %s, recorded %s", sum, r.SHA256)
	}
	return nil
}
