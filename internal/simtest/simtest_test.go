package simtest_test

import (
	"bytes"
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/ingest"
	"github.com/basket/rulesymbiosis/internal/learner"
	"github.com/basket/rulesymbiosis/internal/patterns"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
	"github.com/basket/rulesymbiosis/internal/simtest"
)

var catalog = []string{"plan", "verify", "summarize", "cite", "refactor", "test"}

func opts() simtest.Options {
	return simtest.Options{
		Catalog: catalog,
		Tasks:   60,
		Synergy: [2]string{"plan", "verify"},
		Seed:    7,
	}
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "telemetry.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGenerate_Deterministic(t *testing.T) {
	a := simtest.Generate(opts())
	b := simtest.Generate(opts())
	if !reflect.DeepEqual(a, b) {
		t.Fatal("expected identical fixtures for the same seed")
	}
	if len(a.Outcomes) != 60 {
		t.Fatalf("expected 60 outcomes, got %d", len(a.Outcomes))
	}
	for _, o := range a.Outcomes {
		if err := o.Validate(); err != nil {
			t.Fatalf("generated invalid outcome: %v", err)
		}
		if len(rules.Dedup(o.RuleSequence)) != len(o.RuleSequence) {
			t.Fatalf("expected distinct rules in sequence, got %v", o.RuleSequence)
		}
	}
}

func TestLoad_SynergyPairDiscovered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fx := simtest.Generate(opts())
	if err := fx.Load(ctx, store); err != nil {
		t.Fatalf("load: %v", err)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Outcomes != 60 || counts.Activations != len(fx.Activations) {
		t.Fatalf("expected 60 outcomes and %d activations, got %+v", len(fx.Activations), counts)
	}

	d, err := patterns.New(config.Default().Patterns, store)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	found, err := d.Analyze(ctx, 10)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected exactly the synergy pattern, got %+v", found)
	}
	if !rules.SameSet(found[0].Rules, []string{"plan", "verify"}) {
		t.Fatalf("expected plan+verify, got %v", found[0].Rules)
	}
	if found[0].AvgEffect < 0.55 || found[0].AvgEffect > 0.65 {
		t.Fatalf("expected avg effect near 0.6, got %.3f", found[0].AvgEffect)
	}
}

func TestWriteJSONL_Ingestible(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fx := simtest.Generate(opts())

	var buf bytes.Buffer
	if err := fx.WriteJSONL(&buf); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}

	in, err := ingest.New(ingest.Config{
		Recorder: &learner.Recorder{Store: store, Table: learner.NewQTable(config.Default().Learner)},
		Store:    store,
	})
	if err != nil {
		t.Fatalf("new ingester: %v", err)
	}
	st, err := in.ReadJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("read jsonl: %v", err)
	}
	if st.Rejected != 0 || st.Duplicates != 0 {
		t.Fatalf("expected clean ingest, got %+v", st)
	}
	if st.Accepted[ingest.KindActivation] != len(fx.Activations) {
		t.Fatalf("expected %d activations, got %d", len(fx.Activations), st.Accepted[ingest.KindActivation])
	}
	if st.Accepted[ingest.KindOutcome] != len(fx.Outcomes) {
		t.Fatalf("expected %d outcomes, got %d", len(fx.Outcomes), st.Accepted[ingest.KindOutcome])
	}
	if st.Accepted[ingest.KindInteraction] != len(fx.Interactions) {
		t.Fatalf("expected %d interactions, got %d", len(fx.Interactions), st.Accepted[ingest.KindInteraction])
	}
}
