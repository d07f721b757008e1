// Package evolver runs the genetic search over rule combinations: tournament
// selection, set-preserving crossover, four mutation operators, elitism, a
// hall of fame and a convergence test over the recent best fitness.
package evolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/config"
	otelx "github.com/basket/rulesymbiosis/internal/otel"
	"github.com/basket/rulesymbiosis/internal/rules"
	"github.com/basket/rulesymbiosis/internal/shared"
)

// Evaluator scores one profile. Implementations must be safe to call
// repeatedly with the same profile.
type Evaluator interface {
	Evaluate(ctx context.Context, p rules.Profile) (float64, error)
}

type Options struct {
	Config    config.Config
	Catalog   []string
	Evaluator Evaluator

	// Rand drives every stochastic choice. Nil seeds from Config.Evolution.Seed,
	// or from the clock when the seed is 0.
	Rand *rand.Rand

	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otelx.Metrics
}

// RunResult summarizes one call to Run.
type RunResult struct {
	RunID       string          `json:"run_id"`
	Generations int             `json:"generations"`
	Converged   bool            `json:"converged"`
	Reason      string          `json:"reason"`
	Best        rules.Profile   `json:"best"`
	HallOfFame  []rules.Profile `json:"hall_of_fame"`
}

// Evolver is not safe for concurrent mutation; Run refuses to overlap with
// another Run on the same instance. The read accessors may be called at any time.
type Evolver struct {
	cfg         config.EvolutionConfig
	fingerprint string
	seeds       [][]string
	catalog     []string
	mandatory   string
	pinned      string
	minRules    int
	maxRules    int

	eval    Evaluator
	rng     *rand.Rand
	logger  *slog.Logger
	bus     *bus.Bus
	tracer  trace.Tracer
	metrics *otelx.Metrics

	running atomic.Bool

	mu          sync.RWMutex
	population  []rules.Profile
	hallOfFame  []rules.Profile
	bestHistory []float64
	generation  int
}

func New(opts Options) (*Evolver, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Evaluator == nil {
		return nil, &config.ConfigurationError{Field: "evaluator", Reason: "is required"}
	}
	evo := opts.Config.Evolution
	catalog := rules.Dedup(opts.Catalog)
	if len(catalog) == 0 {
		return nil, &config.ConfigurationError{Field: "rules.catalog", Reason: "is empty"}
	}
	if len(catalog) < evo.MinRules {
		return nil, &config.ConfigurationError{
			Field:  "rules.catalog",
			Reason: fmt.Sprintf("has %d rules, fewer than min_rules (%d)", len(catalog), evo.MinRules),
		}
	}
	mandatory := opts.Config.Rules.Mandatory
	if mandatory != "" && !rules.Contains(catalog, mandatory) {
		return nil, &config.ConfigurationError{
			Field:  "rules.mandatory",
			Reason: fmt.Sprintf("%q is not in the catalog", mandatory),
		}
	}

	rng := opts.Rand
	if rng == nil {
		seed := evo.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("evolver")
	}

	return &Evolver{
		cfg:         evo,
		fingerprint: opts.Config.Fingerprint(),
		seeds:       opts.Config.Rules.Seeds,
		catalog:     catalog,
		mandatory:   mandatory,
		pinned:      opts.Config.Rules.PinnedFirst,
		minRules:    evo.MinRules,
		maxRules:    min(evo.MaxRules, len(catalog)),
		eval:        opts.Evaluator,
		rng:         rng,
		logger:      logger,
		bus:         opts.Bus,
		tracer:      tracer,
		metrics:     opts.Metrics,
	}, nil
}

// InitializePopulation seeds the population from the configured seed
// combinations and fills the rest with random subsets that carry the
// mandatory rule. It resets the generation counter and convergence history;
// the hall of fame survives.
func (e *Evolver) InitializePopulation() {
	pop := make([]rules.Profile, 0, e.cfg.PopulationSize)
	seen := make(map[string]bool)
	for _, seed := range e.seeds {
		if len(pop) == e.cfg.PopulationSize {
			break
		}
		p := rules.NewProfile(e.fitSeed(seed), 0)
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		pop = append(pop, p)
	}
	for len(pop) < e.cfg.PopulationSize {
		pop = append(pop, rules.NewProfile(e.randomRules(), 0))
	}

	e.mu.Lock()
	e.population = pop
	e.generation = 0
	e.bestHistory = nil
	e.mu.Unlock()
}

// fitSeed drops unknown rules and brings a seed within the size bounds.
func (e *Evolver) fitSeed(seed []string) []string {
	var rs []string
	for _, r := range rules.Dedup(seed) {
		if rules.Contains(e.catalog, r) {
			rs = append(rs, r)
		}
	}
	limit := e.maxRules
	if e.mandatory != "" && !rules.Contains(rs, e.mandatory) {
		limit--
	}
	if len(rs) > limit {
		rs = rs[:limit]
	}
	if e.mandatory != "" && !rules.Contains(rs, e.mandatory) {
		rs = append(rs, e.mandatory)
	}
	for len(rs) < e.minRules {
		avail := e.absent(rs)
		rs = append(rs, avail[e.rng.IntN(len(avail))])
	}
	return e.pinFirst(rs)
}

func (e *Evolver) randomRules() []string {
	size := e.minRules + e.rng.IntN(e.maxRules-e.minRules+1)
	idx := e.sample(len(e.catalog), size)
	rs := make([]string, size)
	for i, j := range idx {
		rs[i] = e.catalog[j]
	}
	if e.mandatory != "" && !rules.Contains(rs, e.mandatory) {
		rs[e.rng.IntN(size)] = e.mandatory
	}
	return e.pinFirst(rs)
}

// EvolveGeneration evaluates the current population and replaces it with the
// next one. On an evaluation error nothing changes and the error is returned
// as a *GenerationError.
func (e *Evolver) EvolveGeneration(ctx context.Context) error {
	e.mu.RLock()
	current := slices.Clone(e.population)
	gen := e.generation
	e.mu.RUnlock()

	if len(current) == 0 {
		e.InitializePopulation()
		e.mu.RLock()
		current = slices.Clone(e.population)
		e.mu.RUnlock()
	}

	ctx, span := otelx.StartSpan(ctx, e.tracer, "evolver.generation",
		otelx.AttrRunID.String(shared.RunID(ctx)),
		otelx.AttrGeneration.Int(gen),
		otelx.AttrPopulation.Int(len(current)),
	)
	defer span.End()
	started := time.Now()

	evaluated := make([]rules.Profile, len(current))
	for i, p := range current {
		score, err := e.eval.Evaluate(ctx, p)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if e.metrics != nil {
				e.metrics.EvaluationErrors.Add(ctx, 1)
			}
			return &GenerationError{Generation: gen, Err: err}
		}
		ep := p.Clone()
		ep.Fitness = score
		evaluated[i] = ep
	}
	slices.SortStableFunc(evaluated, func(a, b rules.Profile) int {
		return cmp.Compare(b.Fitness, a.Fitness)
	})

	next := make([]rules.Profile, 0, len(evaluated))
	for i := 0; i < e.cfg.Elites() && i < len(evaluated); i++ {
		next = append(next, evaluated[i].Clone())
	}
	for len(next) < len(evaluated) {
		p1 := e.tournament(evaluated)
		var child rules.Profile
		if e.rng.Float64() < e.cfg.CrossoverRate {
			p2 := e.tournament(evaluated)
			child = e.crossoverAt(p1, p2, gen+1)
		} else {
			child = p1.Clone()
			child.Generation = gen + 1
		}
		if e.rng.Float64() < e.cfg.MutationRate {
			child = e.Mutate(child)
		}
		next = append(next, child)
	}

	best := evaluated[0]
	var sum float64
	for _, p := range evaluated {
		sum += p.Fitness
	}
	mean := sum / float64(len(evaluated))

	e.mu.Lock()
	e.population = next
	e.generation = gen + 1
	e.bestHistory = append(e.bestHistory, best.Fitness)
	e.insertHallOfFame(best.Clone())
	hof := len(e.hallOfFame)
	e.mu.Unlock()

	span.SetAttributes(otelx.AttrBestFitness.Float64(best.Fitness))
	if e.metrics != nil {
		e.metrics.GenerationDuration.Record(ctx, time.Since(started).Seconds())
		e.metrics.Generations.Add(ctx, 1)
		e.metrics.BestFitness.Record(ctx, best.Fitness)
	}
	e.logger.Debug("generation evolved",
		"run_id", shared.RunID(ctx),
		"generation", gen+1,
		"best_fitness", best.Fitness,
		"mean_fitness", mean,
		"best_rules", best.Rules,
	)
	e.bus.Publish(bus.TopicGenerationCompleted, bus.GenerationCompletedEvent{
		RunID:       shared.RunID(ctx),
		Generation:  gen + 1,
		BestFitness: best.Fitness,
		MeanFitness: mean,
		BestRules:   slices.Clone(best.Rules),
		HallOfFame:  hof,
	})
	return nil
}

func (e *Evolver) crossoverAt(p1, p2 rules.Profile, gen int) rules.Profile {
	child := e.Crossover(p1, p2)
	child.Generation = gen
	return child
}

// tournament returns the fittest of a sample drawn without replacement.
// pop must be sorted best first, so the lowest sampled index wins ties.
func (e *Evolver) tournament(pop []rules.Profile) rules.Profile {
	k := min(e.cfg.TournamentSize, len(pop))
	winner := -1
	for _, i := range e.sample(len(pop), k) {
		if winner < 0 || pop[i].Fitness > pop[winner].Fitness ||
			(pop[i].Fitness == pop[winner].Fitness && i < winner) {
			winner = i
		}
	}
	return pop[winner]
}

// insertHallOfFame keeps the best distinct rule sets. Caller holds e.mu.
func (e *Evolver) insertHallOfFame(p rules.Profile) {
	for i, h := range e.hallOfFame {
		if h.ID == p.ID {
			if p.Fitness <= h.Fitness {
				return
			}
			e.hallOfFame = slices.Delete(e.hallOfFame, i, i+1)
			break
		}
	}
	e.hallOfFame = append(e.hallOfFame, p)
	slices.SortStableFunc(e.hallOfFame, func(a, b rules.Profile) int {
		if c := cmp.Compare(b.Fitness, a.Fitness); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(e.hallOfFame) > e.cfg.HallOfFameSize {
		e.hallOfFame = e.hallOfFame[:e.cfg.HallOfFameSize]
	}
}

// Converged reports whether the best fitness over the last window
// generations spans less than epsilon.
func (e *Evolver) Converged() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.convergedLocked()
}

func (e *Evolver) convergedLocked() bool {
	w := e.cfg.ConvergenceWindow
	if len(e.bestHistory) < w {
		return false
	}
	recent := e.bestHistory[len(e.bestHistory)-w:]
	return slices.Max(recent)-slices.Min(recent) < e.cfg.ConvergenceEpsilon
}

// Run evolves up to budget generations, stopping early on convergence or
// context cancellation. budget <= 0 uses max_generations. A later Run continues
// from the current population with a fresh convergence window. Cancellation is not
// an error: the result carries ReasonCanceled and whatever the completed
// generations produced. A failed generation returns the partial result and
// the *GenerationError.
func (e *Evolver) Run(ctx context.Context, budget int) (RunResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return RunResult{}, ErrRunActive
	}
	defer e.running.Store(false)

	if budget <= 0 {
		budget = e.cfg.MaxGenerations
	}
	runID := shared.RunID(ctx)
	if runID == "" {
		runID = shared.NewRunID()
		ctx = shared.WithRunID(ctx, runID)
	}

	e.mu.Lock()
	empty := len(e.population) == 0
	// Each run judges convergence on its own generations; the population
	// and hall of fame carry over.
	e.bestHistory = nil
	e.mu.Unlock()
	if empty {
		e.InitializePopulation()
	}

	ctx, span := otelx.StartSpan(ctx, e.tracer, "evolver.run",
		otelx.AttrRunID.String(runID),
		otelx.AttrPopulation.Int(e.cfg.PopulationSize),
	)
	defer span.End()

	e.logger.Info("evolution run started", "run_id", runID, "budget", budget, "population", e.cfg.PopulationSize)
	e.bus.Publish(bus.TopicRunStarted, bus.RunStartedEvent{
		RunID:       runID,
		Budget:      budget,
		Population:  e.cfg.PopulationSize,
		Fingerprint: e.fingerprint,
	})

	res := RunResult{RunID: runID, Reason: ReasonCompleted}
	var runErr error
	for res.Generations < budget {
		if ctx.Err() != nil {
			res.Reason = ReasonCanceled
			break
		}
		if err := e.EvolveGeneration(ctx); err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				res.Reason = ReasonCanceled
				break
			}
			res.Reason = ReasonFailed
			runErr = err
			break
		}
		res.Generations++
		if e.Converged() {
			res.Converged = true
			res.Reason = ReasonConverged
			break
		}
	}

	res.HallOfFame = e.HallOfFame()
	if len(res.HallOfFame) > 0 {
		res.Best = res.HallOfFame[0]
	}

	span.SetAttributes(
		otelx.AttrReason.String(res.Reason),
		otelx.AttrBestFitness.Float64(res.Best.Fitness),
		attribute.Int("symbiosis.run.generations", res.Generations),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	if e.metrics != nil {
		e.metrics.RunsFinished.Add(context.WithoutCancel(ctx), 1,
			metric.WithAttributes(otelx.AttrReason.String(res.Reason)))
	}

	finished := bus.RunFinishedEvent{
		RunID:       runID,
		Reason:      res.Reason,
		Generations: res.Generations,
		BestFitness: res.Best.Fitness,
	}
	if runErr != nil {
		finished.Error = runErr.Error()
		e.logger.Error("evolution run failed", "run_id", runID, "generations", res.Generations, "error", runErr)
	} else {
		e.logger.Info("evolution run finished",
			"run_id", runID,
			"reason", res.Reason,
			"generations", res.Generations,
			"best_fitness", res.Best.Fitness,
		)
	}
	e.bus.Publish(bus.TopicRunFinished, finished)
	return res, runErr
}

// Running reports whether a Run is in progress.
func (e *Evolver) Running() bool { return e.running.Load() }

func (e *Evolver) Generation() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// Population returns a deep copy of the current population.
func (e *Evolver) Population() []rules.Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAll(e.population)
}

// HallOfFame returns a deep copy, best first.
func (e *Evolver) HallOfFame() []rules.Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAll(e.hallOfFame)
}

// BestHistory returns the best fitness of each evaluated generation.
func (e *Evolver) BestHistory() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.bestHistory)
}

// SetPopulation replaces the population, e.g. to resume from stored profiles.
// Rule sets are brought within the size bounds the same way seeds are.
func (e *Evolver) SetPopulation(pop []rules.Profile) {
	out := make([]rules.Profile, 0, len(pop))
	for _, p := range pop {
		np := rules.NewProfile(e.fitSeed(p.Rules), p.Generation, p.Parents...)
		np.Fitness = p.Fitness
		out = append(out, np)
	}
	e.mu.Lock()
	e.population = out
	e.mu.Unlock()
}

func cloneAll(ps []rules.Profile) []rules.Profile {
	if ps == nil {
		return nil
	}
	out := make([]rules.Profile, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	return out
}
