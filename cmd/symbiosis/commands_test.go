package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/export"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/simtest"
)

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	fx := simtest.Generate(simtest.Options{
		Catalog: config.Default().Rules.Catalog,
		Tasks:   40,
		Synergy: [2]string{"004-risk-checkpoint", "102-wildcard-brainstorm"},
		Seed:    11,
	})
	path := filepath.Join(dir, "telemetry.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()
	if err := fx.WriteJSONL(f); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestCommands_IngestEvolveExport(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:18790")
	ctx := context.Background()
	fixture := writeFixture(t, t.TempDir())

	if code := runIngestCommand(ctx, []string{"-file", fixture}); code != 0 {
		t.Fatalf("ingest exit code %d, want 0", code)
	}

	runOut := filepath.Join(home, "run.yaml")
	if code := runEvolveCommand(ctx, []string{"-generations", "2", "-seed", "7", "-out", runOut}); code != 0 {
		t.Fatalf("evolve exit code %d, want 0", code)
	}
	doc, err := export.ReadFile(runOut)
	if err != nil {
		t.Fatalf("read run export: %v", err)
	}
	if doc.RunID == "" || len(doc.Profiles) == 0 {
		t.Fatalf("expected run id and profiles in export, got %+v", doc)
	}

	store, err := persistence.Open(filepath.Join(home, "telemetry.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	runs, err := store.ListRuns(ctx, 5)
	_ = store.Close()
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != persistence.RunStatusFinished || runs[0].RunID != doc.RunID {
		t.Fatalf("expected one finished run %s, got %+v", doc.RunID, runs)
	}
	if len(doc.Patterns) == 0 {
		t.Fatal("expected the synergy pattern to be discovered after the run")
	}

	stored := filepath.Join(home, "profiles.json")
	if code := runExportCommand(ctx, []string{"-out", stored, "-limit", "5"}); code != 0 {
		t.Fatalf("export exit code %d, want 0", code)
	}
	all, err := export.ReadFile(stored)
	if err != nil {
		t.Fatalf("read stored export: %v", err)
	}
	if len(all.Profiles) == 0 || len(all.Profiles) > 5 {
		t.Fatalf("expected 1..5 profiles, got %d", len(all.Profiles))
	}
	if all.Profiles[0].Rank != 1 {
		t.Fatalf("expected first profile rank 1, got %d", all.Profiles[0].Rank)
	}
	for _, p := range all.Profiles {
		if p.Metrics == nil || p.Metrics.Path == "" {
			t.Fatalf("expected metrics on exported profile %s, got %+v", p.ID, p.Metrics)
		}
	}
}

func TestCommands_PatternsJSON(t *testing.T) {
	setTestConfig(t, "127.0.0.1:18790")
	ctx := context.Background()
	fixture := writeFixture(t, t.TempDir())

	if code := runIngestCommand(ctx, []string{"-file", fixture}); code != 0 {
		t.Fatalf("ingest exit code %d, want 0", code)
	}
	if code := runPatternsCommand(ctx, []string{"-json", "-sequences", "-contexts"}); code != 0 {
		t.Fatalf("patterns exit code %d, want 0", code)
	}
}

func TestCommands_IngestMissingFile(t *testing.T) {
	setTestConfig(t, "127.0.0.1:18790")
	if code := runIngestCommand(context.Background(), []string{"-file", filepath.Join(t.TempDir(), "absent.jsonl")}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestCommands_EvolveRejectsExtraArgs(t *testing.T) {
	if code := runEvolveCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
