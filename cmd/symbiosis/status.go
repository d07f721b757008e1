package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/tui"
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	remote := fs.Bool("remote", false, "query the running gateway's /healthz instead of the local store")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		printErr("usage: symbiosis status [-remote]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		printErr("config load: %v", err)
		return 1
	}
	if *remote {
		return remoteStatus(ctx, cfg.BindAddr)
	}
	return localStatus(ctx, cfg)
}

func localStatus(ctx context.Context, cfg config.Config) int {
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		printErr("open store: %v", err)
		return 1
	}
	defer store.Close()

	started := time.Now()
	provider := func() tui.Snapshot {
		return snapshot(ctx, store, cfg.Fingerprint(), time.Since(started))
	}
	if tui.Interactive() && os.Getenv("SYMBIOSIS_NO_TUI") == "" {
		if err := tui.Run(ctx, provider); err != nil && !errors.Is(err, context.Canceled) {
			printErr("status: %v", err)
			return 1
		}
		return 0
	}
	snap := provider()
	fmt.Fprint(os.Stdout, tui.RenderStatus(snap))
	if !snap.DBOK {
		return 1
	}
	return 0
}

func snapshot(ctx context.Context, store *persistence.Store, fingerprint string, uptime time.Duration) tui.Snapshot {
	snap := tui.Snapshot{Fingerprint: fingerprint, Uptime: uptime}
	counts, err := store.Counts(ctx)
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	snap.DBOK = true
	snap.Counts = counts
	runs, err := store.ListRuns(ctx, 5)
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	snap.Runs = runs
	return snap
}

func remoteStatus(ctx context.Context, bindAddr string) int {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}

	healthURL := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		printErr("request: %v", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printErr("status: %v", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
