package config

import (
	"bufio"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration matches every ConfigurationError via errors.Is.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports an invalid option. Raised at load/construct time, never mid-run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// EvolutionConfig holds the genetic search limits.
type EvolutionConfig struct {
	PopulationSize int `yaml:"population_size"`
	// CrossoverRate is the probability a child is bred by crossover instead of cloned.
	CrossoverRate float64 `yaml:"crossover_rate"`
	MutationRate  float64 `yaml:"mutation_rate"`
	// EliteCount of 0 derives populationSize/10 (minimum 1).
	EliteCount     int `yaml:"elite_count"`
	TournamentSize int `yaml:"tournament_size"`
	MaxGenerations int `yaml:"max_generations"`

	ConvergenceEpsilon float64 `yaml:"convergence_epsilon"`
	ConvergenceWindow  int     `yaml:"convergence_window"`

	HallOfFameSize int `yaml:"hall_of_fame_size"`
	MinRules       int `yaml:"min_rules"`
	MaxRules       int `yaml:"max_rules"`

	// Seed of 0 seeds from the clock.
	Seed uint64 `yaml:"seed"`

	// Schedule is a 5-field cron expression for daemon runs. Empty disables scheduling.
	Schedule string `yaml:"schedule"`
}

// Elites returns the effective elite count.
func (e EvolutionConfig) Elites() int {
	if e.EliteCount > 0 {
		return e.EliteCount
	}
	n := e.PopulationSize / 10
	if n < 1 {
		n = 1
	}
	return n
}

// Weights is the multi-objective fitness weight table. Must sum to 1.0.
type Weights struct {
	Quality     float64 `yaml:"quality"`
	Creativity  float64 `yaml:"creativity"`
	Efficiency  float64 `yaml:"efficiency"`
	Speed       float64 `yaml:"speed"`
	Safety      float64 `yaml:"safety"`
	Accuracy    float64 `yaml:"accuracy"`
	SuccessRate float64 `yaml:"success_rate"`
}

func (w Weights) Sum() float64 {
	return w.Quality + w.Creativity + w.Efficiency + w.Speed + w.Safety + w.Accuracy + w.SuccessRate
}

// Synergy is a known rule subset that earns a bonus when fully present.
type Synergy struct {
	Name  string   `yaml:"name"`
	Rules []string `yaml:"rules"`
	Bonus float64  `yaml:"bonus"`
}

type FitnessConfig struct {
	Weights   Weights   `yaml:"weights"`
	Synergies []Synergy `yaml:"synergies"`
	// TransitionBonus is added per adjacent pair whose Q value exceeds TransitionThreshold.
	TransitionBonus     float64 `yaml:"transition_bonus"`
	TransitionThreshold float64 `yaml:"transition_threshold"`
}

type EssentialRule struct {
	Rule  string  `yaml:"rule"`
	Bonus float64 `yaml:"bonus"`
}

// Conflict penalizes two rules co-occurring unless the mediator is present.
type Conflict struct {
	Rules    []string `yaml:"rules"`
	Mediator string   `yaml:"mediator"`
	Penalty  float64  `yaml:"penalty"`
}

// Family is a broad rule family matched by id prefix.
type Family struct {
	Prefix string `yaml:"prefix"`
	Min    int    `yaml:"min"`
	Max    int    `yaml:"max"`
}

// HeuristicConfig drives the no-data fitness estimate.
type HeuristicConfig struct {
	Base         float64         `yaml:"base"`
	Essential    []EssentialRule `yaml:"essential"`
	Conflicts    []Conflict      `yaml:"conflicts"`
	Families     []Family        `yaml:"families"`
	BalanceBonus float64         `yaml:"balance_bonus"`
	// SizePenalty is charged per rule beyond SizeLimit.
	SizePenalty float64 `yaml:"size_penalty"`
	SizeLimit   int     `yaml:"size_limit"`
	Floor       float64 `yaml:"floor"`
}

type RulesConfig struct {
	Mandatory   string     `yaml:"mandatory"`
	PinnedFirst string     `yaml:"pinned_first"`
	Catalog     []string   `yaml:"catalog"`
	CatalogFile string     `yaml:"catalog_file"`
	Seeds       [][]string `yaml:"seeds"`
}

type LearnerConfig struct {
	LearningRate    float64 `yaml:"learning_rate"`
	SuccessReward   float64 `yaml:"success_reward"`
	FailureReward   float64 `yaml:"failure_reward"`
	EfficiencyBonus float64 `yaml:"efficiency_bonus"`
	EfficiencyRatio float64 `yaml:"efficiency_ratio"`
	FastBonus       float64 `yaml:"fast_bonus"`
	FastThresholdMS int64   `yaml:"fast_threshold_ms"`
}

// PatternName maps a tag combination to a human-readable pattern name.
type PatternName struct {
	Tags []string `yaml:"tags"`
	Name string   `yaml:"name"`
}

// EmergentTag is attached to an interaction when all Rules co-occur.
type EmergentTag struct {
	Rules []string `yaml:"rules"`
	Tag   string   `yaml:"tag"`
}

type PatternsConfig struct {
	MinOccurrences       int           `yaml:"min_occurrences"`
	EffectThreshold      float64       `yaml:"effect_threshold"`
	ConsistencyThreshold float64       `yaml:"consistency_threshold"`
	MaxConfidence        float64       `yaml:"max_confidence"`
	Names                []PatternName `yaml:"names"`
	Emergent             []EmergentTag `yaml:"emergent"`
	SequenceTop          int           `yaml:"sequence_top"`
	AffinityMinSamples   int           `yaml:"affinity_min_samples"`
}

// OTelConfig mirrors otel.Config so config does not import the otel package.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// Metrics selects the metric exporter (none, prometheus, stdout); it
	// does not depend on Enabled.
	Metrics string `yaml:"metrics"`
}

// RateLimitConfig bounds per-client request rates on the gateway. Telemetry
// writes (ingest and hook posts) draw from their own budget; zero write
// values fall back to the read budget.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	WritesPerMinute   int  `yaml:"writes_per_minute"`
	WriteBurstSize    int  `yaml:"write_burst_size"`
}

type GatewayConfig struct {
	AllowOrigins []string        `yaml:"allow_origins"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath    string `yaml:"db_path"`
	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`
	// ExportPath is where daemon runs write the ranked profiles document.
	ExportPath string `yaml:"export_path"`

	Evolution EvolutionConfig `yaml:"evolution"`
	Fitness   FitnessConfig   `yaml:"fitness"`
	Heuristic HeuristicConfig `yaml:"heuristic"`
	Rules     RulesConfig     `yaml:"rules"`
	Learner   LearnerConfig   `yaml:"learner"`
	Patterns  PatternsConfig  `yaml:"patterns"`
	OTel      OTelConfig      `yaml:"otel"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("SYMBIOSIS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".symbiosis")
}

// Default returns the built-in configuration. The rule designations below are
// defaults for the stock rule catalog and are all overridable from config.yaml.
func Default() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Gateway: GatewayConfig{
			MaxBodyBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 600,
				BurstSize:         50,
				WritesPerMinute:   6000,
				WriteBurstSize:    500,
			},
		},
		Evolution: EvolutionConfig{
			PopulationSize:     50,
			CrossoverRate:      0.7,
			MutationRate:       0.3,
			TournamentSize:     5,
			MaxGenerations:     100,
			ConvergenceEpsilon: 0.01,
			ConvergenceWindow:  10,
			HallOfFameSize:     20,
			MinRules:           3,
			MaxRules:           8,
		},
		Fitness: FitnessConfig{
			Weights: Weights{
				Quality:     0.25,
				Creativity:  0.15,
				Efficiency:  0.20,
				Speed:       0.15,
				Safety:      0.15,
				Accuracy:    0.05,
				SuccessRate: 0.05,
			},
			Synergies: []Synergy{
				{Name: "constrained_creativity", Rules: []string{"004-risk-checkpoint", "102-wildcard-brainstorm"}, Bonus: 0.10},
				{Name: "structured_exploration", Rules: []string{"003-stepwise-autonomy", "101-ultrathink-prompting"}, Bonus: 0.08},
				{Name: "efficient_divergence", Rules: []string{"105-context-trim", "103-divergence-convergence"}, Bonus: 0.05},
				{Name: "cross_domain_validation", Rules: []string{"104-analogy-transfer", "004-risk-checkpoint"}, Bonus: 0.07},
			},
			TransitionBonus:     0.02,
			TransitionThreshold: 0.8,
		},
		Heuristic: HeuristicConfig{
			Base: 0.5,
			Essential: []EssentialRule{
				{Rule: "105-context-trim", Bonus: 0.1},
				{Rule: "004-risk-checkpoint", Bonus: 0.1},
			},
			Conflicts: []Conflict{
				{Rules: []string{"102-wildcard-brainstorm", "106-concise-comms"}, Mediator: "103-divergence-convergence", Penalty: 0.2},
			},
			Families: []Family{
				{Prefix: "10", Min: 2, Max: 4},
				{Prefix: "00", Min: 1, Max: 3},
			},
			BalanceBonus: 0.1,
			SizePenalty:  0.05,
			SizeLimit:    8,
			Floor:        0.1,
		},
		Rules: RulesConfig{
			Mandatory:   "004-risk-checkpoint",
			PinnedFirst: "105-context-trim",
			Catalog: []string{
				"001-philosophers-stone",
				"002-pareto-prioritization",
				"003-stepwise-autonomy",
				"004-risk-checkpoint",
				"101-ultrathink-prompting",
				"102-wildcard-brainstorm",
				"103-divergence-convergence",
				"104-analogy-transfer",
				"105-context-trim",
				"106-concise-comms",
			},
			Seeds: [][]string{
				{"105-context-trim", "103-divergence-convergence", "102-wildcard-brainstorm", "104-analogy-transfer", "004-risk-checkpoint", "106-concise-comms"},
				{"105-context-trim", "001-philosophers-stone", "002-pareto-prioritization", "003-stepwise-autonomy", "106-concise-comms"},
				{"101-ultrathink-prompting", "102-wildcard-brainstorm", "004-risk-checkpoint"},
			},
		},
		Learner: LearnerConfig{
			LearningRate:    0.1,
			SuccessReward:   1.0,
			FailureReward:   -1.0,
			EfficiencyBonus: 0.5,
			EfficiencyRatio: 0.5,
			FastBonus:       0.3,
			FastThresholdMS: 100,
		},
		Patterns: PatternsConfig{
			MinOccurrences:       10,
			EffectThreshold:      0.5,
			ConsistencyThreshold: 0.2,
			MaxConfidence:        0.99,
			Names: []PatternName{
				{Tags: []string{"constrained_creativity"}, Name: "Paradoxical Innovation Pattern"},
				{Tags: []string{"focused_exploration"}, Name: "Guided Discovery Pattern"},
				{Tags: []string{"rapid_validation"}, Name: "Accelerated Verification Pattern"},
				{Tags: []string{"safe_innovation"}, Name: "Protected Experimentation Pattern"},
			},
			Emergent: []EmergentTag{
				{Rules: []string{"004-risk-checkpoint", "102-wildcard-brainstorm"}, Tag: "constrained_creativity"},
				{Rules: []string{"105-context-trim", "103-divergence-convergence"}, Tag: "focused_exploration"},
				{Rules: []string{"106-concise-comms", "003-stepwise-autonomy"}, Tag: "rapid_validation"},
				{Rules: []string{"104-analogy-transfer", "004-risk-checkpoint"}, Tag: "safe_innovation"},
			},
			SequenceTop:        20,
			AffinityMinSamples: 10,
		},
	}
}

// Load reads <home>/config.yaml over the defaults, applies env overrides and validates.
func Load() (Config, error) {
	home := HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return Config{}, fmt.Errorf("create symbiosis home: %w", err)
	}
	cfg, err := LoadFile(ConfigPath(home))
	if err != nil {
		return cfg, err
	}
	cfg.HomeDir = home
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(home, "telemetry.db")
	}
	return cfg, nil
}

// LoadFile reads a specific config file. A missing file yields the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	cfg.HomeDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = 1 << 20
	}
	if cfg.Patterns.MaxConfidence == 0 {
		cfg.Patterns.MaxConfidence = 0.99
	}
	if cfg.Patterns.SequenceTop <= 0 {
		cfg.Patterns.SequenceTop = 20
	}
	if cfg.Evolution.HallOfFameSize <= 0 {
		cfg.Evolution.HallOfFameSize = 20
	}
	cfg.Rules.Mandatory = strings.TrimSpace(cfg.Rules.Mandatory)
	cfg.Rules.PinnedFirst = strings.TrimSpace(cfg.Rules.PinnedFirst)
}

// Validate checks every option eagerly.
func (c Config) Validate() error {
	e := c.Evolution
	if e.TournamentSize < 2 {
		return invalid("evolution.tournament_size", "must be >= 2, got %d", e.TournamentSize)
	}
	if e.PopulationSize <= e.TournamentSize {
		return invalid("evolution.population_size", "must exceed tournament_size (%d), got %d", e.TournamentSize, e.PopulationSize)
	}
	if e.CrossoverRate < 0 || e.CrossoverRate > 1 {
		return invalid("evolution.crossover_rate", "must be in [0,1], got %g", e.CrossoverRate)
	}
	if e.MutationRate < 0 || e.MutationRate > 1 {
		return invalid("evolution.mutation_rate", "must be in [0,1], got %g", e.MutationRate)
	}
	if e.EliteCount < 0 || e.Elites() >= e.PopulationSize {
		return invalid("evolution.elite_count", "must be in [0,population_size), got %d", e.EliteCount)
	}
	if e.MaxGenerations < 1 {
		return invalid("evolution.max_generations", "must be >= 1, got %d", e.MaxGenerations)
	}
	if e.ConvergenceWindow < 1 {
		return invalid("evolution.convergence_window", "must be >= 1, got %d", e.ConvergenceWindow)
	}
	if e.ConvergenceEpsilon < 0 {
		return invalid("evolution.convergence_epsilon", "must be >= 0, got %g", e.ConvergenceEpsilon)
	}
	if e.MinRules < 1 || e.MaxRules < e.MinRules {
		return invalid("evolution.min_rules", "need 1 <= min_rules <= max_rules, got %d..%d", e.MinRules, e.MaxRules)
	}
	if err := c.Fitness.Validate(); err != nil {
		return err
	}
	if err := c.Heuristic.Validate(); err != nil {
		return err
	}
	l := c.Learner
	if l.LearningRate <= 0 || l.LearningRate > 1 {
		return invalid("learner.learning_rate", "must be in (0,1], got %g", l.LearningRate)
	}
	p := c.Patterns
	if p.MinOccurrences < 1 {
		return invalid("patterns.min_occurrences", "must be >= 1, got %d", p.MinOccurrences)
	}
	if p.ConsistencyThreshold <= 0 {
		return invalid("patterns.consistency_threshold", "must be > 0, got %g", p.ConsistencyThreshold)
	}
	if p.MaxConfidence <= 0 || p.MaxConfidence > 1 {
		return invalid("patterns.max_confidence", "must be in (0,1], got %g", p.MaxConfidence)
	}
	rl := c.Gateway.RateLimit
	if rl.RequestsPerMinute < 0 || rl.BurstSize < 0 || rl.WritesPerMinute < 0 || rl.WriteBurstSize < 0 {
		return invalid("gateway.rate_limit", "budgets must be >= 0")
	}
	return nil
}

// Validate checks the weight table and synergy entries.
func (f FitnessConfig) Validate() error {
	w := f.Weights
	for name, v := range map[string]float64{
		"quality": w.Quality, "creativity": w.Creativity, "efficiency": w.Efficiency,
		"speed": w.Speed, "safety": w.Safety, "accuracy": w.Accuracy, "success_rate": w.SuccessRate,
	} {
		if v < 0 {
			return invalid("fitness.weights."+name, "must be non-negative, got %g", v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > 1e-6 {
		return invalid("fitness.weights", "must sum to 1.0, got %.6f", sum)
	}
	for i, s := range f.Synergies {
		if len(s.Rules) == 0 {
			return invalid(fmt.Sprintf("fitness.synergies[%d].rules", i), "must not be empty")
		}
	}
	return nil
}

func (h HeuristicConfig) Validate() error {
	if h.Floor < 0 || h.Floor > 1 {
		return invalid("heuristic.floor", "must be in [0,1], got %g", h.Floor)
	}
	if h.SizeLimit < 1 {
		return invalid("heuristic.size_limit", "must be >= 1, got %d", h.SizeLimit)
	}
	for i, cf := range h.Conflicts {
		if len(cf.Rules) != 2 {
			return invalid(fmt.Sprintf("heuristic.conflicts[%d].rules", i), "must name exactly two rules")
		}
	}
	for i, f := range h.Families {
		if f.Prefix == "" || f.Min > f.Max {
			return invalid(fmt.Sprintf("heuristic.families[%d]", i), "need a prefix and min <= max")
		}
	}
	return nil
}

// ResolveCatalog returns the rule catalog from the inline list and/or catalog file.
func (c Config) ResolveCatalog() ([]string, error) {
	catalog := append([]string(nil), c.Rules.Catalog...)
	if c.Rules.CatalogFile != "" {
		path := c.Rules.CatalogFile
		if !filepath.IsAbs(path) && c.HomeDir != "" {
			path = filepath.Join(c.HomeDir, path)
		}
		fromFile, err := ReadCatalogFile(path)
		if err != nil {
			return nil, err
		}
		catalog = append(catalog, fromFile...)
	}
	seen := make(map[string]struct{}, len(catalog))
	out := catalog[:0]
	for _, r := range catalog {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// ReadCatalogFile reads one rule id per line; blank lines and # comments are skipped.
func ReadCatalogFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return out, nil
}

// Fingerprint returns a stable hash of the evolution-relevant config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	e := c.Evolution
	fmt.Fprintf(h, "pop=%d|cx=%g|mut=%g|elite=%d|tour=%d|gens=%d|eps=%g|win=%d|rules=%d..%d|w=%+v|syn=%v|mand=%s|pin=%s",
		e.PopulationSize, e.CrossoverRate, e.MutationRate, e.Elites(), e.TournamentSize, e.MaxGenerations,
		e.ConvergenceEpsilon, e.ConvergenceWindow, e.MinRules, e.MaxRules,
		c.Fitness.Weights, c.Fitness.Synergies, c.Rules.Mandatory, c.Rules.PinnedFirst)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SYMBIOSIS_POPULATION_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Evolution.PopulationSize = v
		}
	}
	if raw := os.Getenv("SYMBIOSIS_MAX_GENERATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Evolution.MaxGenerations = v
		}
	}
	if raw := os.Getenv("SYMBIOSIS_SEED"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			cfg.Evolution.Seed = v
		}
	}
	if raw := os.Getenv("SYMBIOSIS_SCHEDULE"); raw != "" {
		cfg.Evolution.Schedule = raw
	}
	if raw := os.Getenv("SYMBIOSIS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("SYMBIOSIS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SYMBIOSIS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SYMBIOSIS_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
}
