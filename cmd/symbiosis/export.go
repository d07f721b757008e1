package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/rulesymbiosis/internal/export"
	"github.com/basket/rulesymbiosis/internal/rules"
)

func runExportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("out", "", "output file (.yaml, .yml or .json); empty writes YAML to stdout")
	minFitness := fs.Float64("min-fitness", 0, "skip profiles below this fitness")
	limit := fs.Int("limit", 20, "maximum number of profiles")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a := openApp(ctx, true)
	defer a.Close()

	doc, err := buildStoredExport(ctx, a, *minFitness, *limit)
	if err != nil {
		printErr("export: %v", err)
		return 1
	}
	if *out == "" {
		if err := export.WriteYAML(os.Stdout, doc); err != nil {
			printErr("export: %v", err)
			return 1
		}
		return 0
	}
	if err := export.WriteFile(*out, doc); err != nil {
		printErr("export: %v", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "wrote %d profiles and %d patterns to %s\n", len(doc.Profiles), len(doc.Patterns), *out)
	return 0
}

// buildStoredExport ranks every stored profile across runs.
func buildStoredExport(ctx context.Context, a *app, minFitness float64, limit int) (export.Document, error) {
	stored, err := a.store.TopProfiles(ctx, minFitness, limit)
	if err != nil {
		return export.Document{}, err
	}
	found, err := a.store.ListPatterns(ctx)
	if err != nil {
		return export.Document{}, err
	}
	profiles := make([]rules.Profile, len(stored))
	for i, sp := range stored {
		profiles[i] = sp.Profile
	}
	doc := export.Build(profiles, found, limit)
	doc.ConfigFingerprint = a.cfg.Fingerprint()
	if err := a.attachMetrics(ctx, &doc); err != nil {
		return export.Document{}, err
	}
	return doc, nil
}

func (a *app) attachMetrics(ctx context.Context, doc *export.Document) error {
	eval, err := a.evaluator()
	if err != nil {
		return err
	}
	return export.AttachMetrics(ctx, doc, eval)
}
