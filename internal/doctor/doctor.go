package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/cron"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCatalog,
		checkSchedule,
		checkDatabase,
		checkTelemetryVolume,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkCatalog(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Catalog", Status: "SKIP", Message: "Config missing"}
	}
	catalog, err := cfg.ResolveCatalog()
	if err != nil {
		return CheckResult{Name: "Catalog", Status: "FAIL", Message: fmt.Sprintf("Catalog unreadable: %v", err)}
	}
	if len(catalog) < cfg.Evolution.MinRules {
		return CheckResult{Name: "Catalog", Status: "FAIL", Message: fmt.Sprintf("Catalog has %d rules, min_rules is %d", len(catalog), cfg.Evolution.MinRules)}
	}
	if m := cfg.Rules.Mandatory; m != "" && !rules.Contains(catalog, m) {
		return CheckResult{Name: "Catalog", Status: "FAIL", Message: fmt.Sprintf("Mandatory rule %q not in catalog", m)}
	}

	var unknown []string
	for _, syn := range cfg.Fitness.Synergies {
		for _, r := range syn.Rules {
			if !rules.Contains(catalog, r) {
				unknown = append(unknown, fmt.Sprintf("%s:%s", syn.Name, r))
			}
		}
	}
	for _, seed := range cfg.Rules.Seeds {
		for _, r := range seed {
			if !rules.Contains(catalog, r) {
				unknown = append(unknown, "seed:"+r)
			}
		}
	}
	if len(unknown) > 0 {
		return CheckResult{
			Name:    "Catalog",
			Status:  "WARN",
			Message: fmt.Sprintf("%d rules, %d references to unknown rules", len(catalog), len(unknown)),
			Detail:  strings.Join(unknown, ", "),
		}
	}
	return CheckResult{Name: "Catalog", Status: "PASS", Message: fmt.Sprintf("%d rules", len(catalog))}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Evolution.Schedule == "" {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "No evolution schedule configured"}
	}
	if err := cron.Validate(cfg.Evolution.Schedule); err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Schedule", Status: "PASS", Message: fmt.Sprintf("Schedule %q is valid", cfg.Evolution.Schedule)}
}

func dbPath(cfg *config.Config) string {
	if cfg.DBPath != "" {
		return cfg.DBPath
	}
	if cfg.HomeDir != "" {
		return filepath.Join(cfg.HomeDir, "telemetry.db")
	}
	return persistence.DefaultDBPath()
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(dbPath(cfg), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	runs, err := store.ListRuns(ctx, 50)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	for _, r := range runs {
		if r.Status == persistence.RunStatusRunning {
			return CheckResult{
				Name:    "Database",
				Status:  "WARN",
				Message: fmt.Sprintf("Run %s is still marked RUNNING", r.RunID),
				Detail:  "A crashed process leaves runs open; the next evolve or daemon start closes them",
			}
		}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Connection valid, schema v%d", version)}
}

// checkTelemetryVolume warns when too few outcomes exist for the telemetry
// fitness path to be used for most profiles.
func checkTelemetryVolume(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(dbPath(cfg), nil)
	if err != nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Telemetry", Status: "FAIL", Message: fmt.Sprintf("Count failed: %v", err)}
	}
	detail := fmt.Sprintf("activations=%d outcomes=%d interactions=%d transitions=%d", counts.Activations, counts.Outcomes, counts.Interactions, counts.Transitions)
	if counts.Outcomes == 0 {
		return CheckResult{Name: "Telemetry", Status: "WARN", Message: "No task outcomes recorded; fitness will use the heuristic path", Detail: detail}
	}
	return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("%d outcomes recorded", counts.Outcomes), Detail: detail}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkNetwork resolves the OTLP collector host when trace export is enabled.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.OTel.Enabled || (cfg.OTel.Exporter != "" && cfg.OTel.Exporter != "otlp-http") {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "OTLP export disabled"}
	}
	host := collectorHost(cfg.OTel.Endpoint)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

// collectorHost extracts the host from "host:port" or a URL endpoint.
func collectorHost(endpoint string) string {
	if endpoint == "" {
		return "localhost"
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}
