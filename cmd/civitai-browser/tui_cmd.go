package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/tui"
)

func handleTUI(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	cf := addCommon(fs)
	altScreen := fs.Bool("alt-screen", true, "use the terminal's alternate screen")
	if err := fs.Parse(args); err != nil {
		return err
	}
	// No config yet: build one with the wizard and continue.
	if p := cf.path(); !fileExists(p) {
		cfg, err := runWizard()
		if err != nil {
			return err
		}
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := writeConfig(p, b); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote config to %s\n", p)
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

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.q.Run(ctx) }()

	opts := []tea.ProgramOption{}
	if *altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(tui.New(tui.Deps{
		Ctx:      ctx,
		Cfg:      a.cfg,
		Log:      a.log,
		Session:  a.session,
		Queue:    a.q,
		Library:  a.lib,
		Settings: a.iface,
	}), opts...)
	_, err = p.Run()
	cancel()
	if qerr := <-done; qerr != nil && !errors.Is(qerr, context.Canceled) {
		a.log.Warnf("queue: %v", qerr)
	}
	return err
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
