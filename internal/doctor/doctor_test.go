package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.HomeDir, "telemetry.db")
	return &cfg
}

func resultByName(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRun_DefaultConfigPasses(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	if d.Failed() {
		t.Fatalf("expected no failures, got %+v", d.Results)
	}
	if got := resultByName(d, "Config").Status; got != "PASS" {
		t.Fatalf("expected Config PASS, got %s", got)
	}
	if got := resultByName(d, "Catalog").Status; got != "PASS" {
		t.Fatalf("expected Catalog PASS, got %+v", resultByName(d, "Catalog"))
	}
	if got := resultByName(d, "Telemetry").Status; got != "WARN" {
		t.Fatalf("expected Telemetry WARN on an empty store, got %s", got)
	}
	if got := resultByName(d, "Network").Status; got != "SKIP" {
		t.Fatalf("expected Network SKIP with export disabled, got %s", got)
	}
	if d.System.Version != "test" {
		t.Fatalf("expected version test, got %q", d.System.Version)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if got := resultByName(d, "Config").Status; got != "FAIL" {
		t.Fatalf("expected Config FAIL, got %s", got)
	}
	for _, name := range []string{"Catalog", "Database", "Permissions", "Network"} {
		if got := resultByName(d, name).Status; got != "SKIP" {
			t.Fatalf("expected %s SKIP for nil config, got %s", name, got)
		}
	}
}

func TestCheckConfig_Invalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Evolution.TournamentSize = 1
	if got := checkConfig(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckCatalog_MandatoryMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rules.Mandatory = "999-missing"
	if got := checkCatalog(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckCatalog_UnknownSeedWarns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rules.Seeds = [][]string{{"001-philosophers-stone", "999-ghost"}}
	got := checkCatalog(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("expected WARN, got %+v", got)
	}
	if got.Detail != "seed:999-ghost" {
		t.Fatalf("expected detail seed:999-ghost, got %q", got.Detail)
	}
}

func TestCheckSchedule(t *testing.T) {
	cfg := testConfig(t)
	if got := checkSchedule(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("expected SKIP without schedule, got %s", got.Status)
	}
	cfg.Evolution.Schedule = "0 3 * * *"
	if got := checkSchedule(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	cfg.Evolution.Schedule = "every day"
	if got := checkSchedule(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckDatabase_OpenRunWarns(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.StartRun(context.Background(), "run-1", "fp"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	_ = store.Close()

	if got := checkDatabase(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN for RUNNING run, got %+v", got)
	}
}

func TestCheckTelemetryVolume_WithOutcomes(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = store.RecordOutcome(context.Background(), rules.TaskOutcome{
		TaskID: "t1", RuleSequence: []string{"A", "B"}, Status: rules.StatusSuccess, Quality: 0.8,
	})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	_ = store.Close()

	if got := checkTelemetryVolume(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.OTel.Enabled = true
	cfg.OTel.Exporter = "otlp-http"
	cfg.OTel.Endpoint = "collector.invalid:4318"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := checkNetwork(ctx, cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", got.Status)
	}
}

func TestCollectorHost(t *testing.T) {
	cases := map[string]string{
		"":                           "localhost",
		"localhost:4318":             "localhost",
		"https://otel.example.com/x": "otel.example.com",
		"collector":                  "collector",
	}
	for in, want := range cases {
		if got := collectorHost(in); got != want {
			t.Fatalf("collectorHost(%q): expected %q, got %q", in, want, got)
		}
	}
}
