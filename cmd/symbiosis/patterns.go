package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/rulesymbiosis/internal/patterns"
	"github.com/basket/rulesymbiosis/internal/rules"
)

type patternsReport struct {
	Patterns   []rules.DiscoveredPattern `json:"patterns"`
	Sequences  []patterns.Sequence       `json:"sequences,omitempty"`
	Affinities []patterns.Affinity       `json:"affinities,omitempty"`
}

func runPatternsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("patterns", flag.ContinueOnError)
	minOcc := fs.Int("min", 0, "minimum interactions per combination; when set, results are not stored")
	sequences := fs.Bool("sequences", false, "also list frequent rule sequences from successful tasks")
	contexts := fs.Bool("contexts", false, "also list per-context rule affinities")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a := openApp(ctx, true)
	defer a.Close()

	d, err := a.detector()
	if err != nil {
		printErr("patterns: %v", err)
		return 1
	}
	var report patternsReport
	if *minOcc > 0 {
		report.Patterns, err = d.Analyze(ctx, *minOcc)
	} else {
		report.Patterns, err = d.Discover(ctx, a.store)
	}
	if err != nil {
		printErr("patterns: %v", err)
		return 1
	}
	if *sequences {
		if report.Sequences, err = patterns.FrequentSequences(ctx, a.store, a.cfg.Patterns.SequenceTop); err != nil {
			printErr("patterns: %v", err)
			return 1
		}
	}
	if *contexts {
		if report.Affinities, err = patterns.ContextAffinities(ctx, a.store, a.cfg.Patterns.AffinityMinSamples); err != nil {
			printErr("patterns: %v", err)
			return 1
		}
	}
	if report.Patterns == nil {
		report.Patterns = []rules.DiscoveredPattern{}
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			printErr("patterns: encode: %v", err)
			return 1
		}
		return 0
	}
	printPatternsReport(os.Stdout, report, *sequences, *contexts)
	return 0
}

func printPatternsReport(w io.Writer, r patternsReport, sequences, contexts bool) {
	if len(r.Patterns) == 0 {
		fmt.Fprintln(w, "no consistent synergies found")
	}
	for _, p := range r.Patterns {
		fmt.Fprintf(w, "%-40s confidence %.2f  effect %+.3f ± %.3f  n=%d\n", p.Name, p.Confidence, p.AvgEffect, p.StdDev, p.Occurrences)
		fmt.Fprintf(w, "    %s\n", strings.Join(p.Rules, " + "))
		if len(p.Tags) > 0 {
			fmt.Fprintf(w, "    tags: %s\n", strings.Join(p.Tags, ", "))
		}
	}
	if sequences {
		fmt.Fprintln(w, "\nFrequent sequences:")
		for _, s := range r.Sequences {
			fmt.Fprintf(w, "  %4d  %s\n", s.Count, strings.Join(s.Rules, " -> "))
		}
	}
	if contexts {
		fmt.Fprintln(w, "\nContext affinities:")
		for _, af := range r.Affinities {
			fmt.Fprintf(w, "  %-12s %-32s %.3f  (%d samples)\n", af.Context, af.RuleID, af.Score, af.Samples)
		}
	}
}
