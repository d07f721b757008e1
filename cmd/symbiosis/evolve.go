package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/evolver"
	"github.com/basket/rulesymbiosis/internal/export"
	"github.com/basket/rulesymbiosis/internal/tui"
)

func runEvolveCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("evolve", flag.ContinueOnError)
	generations := fs.Int("generations", 0, "generation budget (0 uses evolution.max_generations)")
	seed := fs.Uint64("seed", 0, "random seed (0 uses evolution.seed)")
	out := fs.String("out", "", "write the run's ranked profiles to this file (.yaml or .json)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		printErr("usage: symbiosis evolve [-generations N] [-seed S] [-out file]")
		return 2
	}

	interactive := tui.Interactive() && os.Getenv("SYMBIOSIS_NO_TUI") == ""
	a := openApp(ctx, true)
	defer a.Close()

	evo, err := a.newEvolver(*seed)
	if err != nil {
		printErr("evolve: %v", err)
		return 1
	}

	sub := a.bus.Subscribe(bus.TopicEvolution)
	defer a.bus.Unsubscribe(sub)
	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	followed := make(chan error, 1)
	go func() {
		if interactive {
			followed <- tui.RunProgress(followCtx, sub)
			return
		}
		followed <- tui.FollowPlain(followCtx, sub, os.Stdout)
	}()

	res, runErr := a.runEvolution(ctx, evo, *generations)
	if res.RunID == "" {
		// Never started, so no finish event will arrive.
		stopFollow()
	}
	if err := <-followed; err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("progress view", "error", err)
	}
	if runErr != nil {
		printErr("evolve: %v", runErr)
		return 1
	}

	if *out != "" {
		if err := writeRunExport(context.WithoutCancel(ctx), a, res, *out); err != nil {
			printErr("evolve: %v", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "wrote %d profiles to %s\n", len(res.HallOfFame), *out)
	}
	printRunSummary(os.Stdout, res)
	return 0
}

func writeRunExport(ctx context.Context, a *app, res evolver.RunResult, path string) error {
	found, err := a.store.ListPatterns(ctx)
	if err != nil {
		return err
	}
	doc := export.Build(res.HallOfFame, found, a.cfg.Evolution.HallOfFameSize)
	doc.RunID = res.RunID
	doc.ConfigFingerprint = a.cfg.Fingerprint()
	if err := a.attachMetrics(ctx, &doc); err != nil {
		return err
	}
	return export.WriteFile(path, doc)
}

func printRunSummary(w io.Writer, res evolver.RunResult) {
	fmt.Fprintf(w, "run %s: %s after %d generations\n", res.RunID, res.Reason, res.Generations)
	if res.Best.ID == "" {
		return
	}
	fmt.Fprintf(w, "best %s  fitness %.4f\n", res.Best.ID, res.Best.Fitness)
	for i, r := range res.Best.Rules {
		fmt.Fprintf(w, "  %d. %s\n", i+1, r)
	}
}
