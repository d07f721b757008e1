package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/collector"
	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/evolver"
	"github.com/basket/rulesymbiosis/internal/fitness"
	"github.com/basket/rulesymbiosis/internal/ingest"
	"github.com/basket/rulesymbiosis/internal/learner"
	otelx "github.com/basket/rulesymbiosis/internal/otel"
	"github.com/basket/rulesymbiosis/internal/patterns"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/shared"
	"github.com/basket/rulesymbiosis/internal/telemetry"
)

// app holds the process-wide collaborators every subcommand shares.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	logs    io.Closer
	bus     *bus.Bus
	otel    *otelx.Provider
	metrics *otelx.Metrics
	store   *persistence.Store
	table   *learner.QTable
}

// openApp loads config, logging, telemetry and the store, in that order.
// Any failure exits through fatalStartup.
func openApp(ctx context.Context, quiet bool) *app {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logs, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelCfg := otelx.FromConfig(cfg.OTel)
	otelCfg.Attributes = []attribute.KeyValue{attribute.String("symbiosis.config_fingerprint", cfg.Fingerprint())}
	provider, err := otelx.Init(ctx, otelCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	recovered, err := store.RecoverRuns(ctx)
	if err != nil {
		fatalStartup(logger, "E_RUN_RECOVERY", err)
	}
	if recovered > 0 {
		logger.Warn("abandoned evolution runs closed", "count", recovered)
	}

	table := learner.NewQTable(cfg.Learner)
	values, err := store.LoadQValues(ctx)
	if err != nil {
		fatalStartup(logger, "E_QTABLE_LOAD", err)
	}
	table.Load(values)
	logger.Info("startup phase", "phase", "transitions_loaded", "transitions", table.Len())

	return &app{
		cfg:     cfg,
		logger:  logger,
		logs:    logs,
		bus:     eventBus,
		otel:    provider,
		metrics: metrics,
		store:   store,
		table:   table,
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
	if err := a.otel.Shutdown(context.Background()); err != nil {
		a.logger.Warn("otel shutdown", "error", err)
	}
	_ = a.logs.Close()
}

func (a *app) recorder() *learner.Recorder {
	return &learner.Recorder{Store: a.store, Table: a.table, Logger: a.logger}
}

func (a *app) ingester() (*ingest.Ingester, error) {
	return ingest.New(ingest.Config{
		Recorder: a.recorder(),
		Store:    a.store,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
}

func (a *app) collector() (*collector.Collector, error) {
	return collector.New(collector.Options{
		Recorder: a.recorder(),
		Store:    a.store,
		Emergent: a.cfg.Patterns.Emergent,
		Logger:   a.logger,
	})
}

func (a *app) detector() (*patterns.Detector, error) {
	d, err := patterns.New(a.cfg.Patterns, a.store)
	if err != nil {
		return nil, err
	}
	d.Logger = a.logger
	d.Bus = a.bus
	d.Metrics = a.metrics
	return d, nil
}

// evaluator scores profiles against the store and the learned transitions.
func (a *app) evaluator() (*fitness.Evaluator, error) {
	return fitness.New(a.cfg.Fitness, a.cfg.Heuristic, a.store, a.table)
}

// newEvolver builds an evolver over the resolved catalog. A non-zero seed
// overrides evolution.seed.
func (a *app) newEvolver(seed uint64) (*evolver.Evolver, error) {
	cfg := a.cfg
	if seed != 0 {
		cfg.Evolution.Seed = seed
	}
	catalog, err := cfg.ResolveCatalog()
	if err != nil {
		return nil, err
	}
	eval, err := a.evaluator()
	if err != nil {
		return nil, err
	}
	return evolver.New(evolver.Options{
		Config:    cfg,
		Catalog:   catalog,
		Evaluator: eval,
		Logger:    a.logger,
		Bus:       a.bus,
		Tracer:    a.otel.Tracer,
		Metrics:   a.metrics,
	})
}

// runEvolution records one evolver run in the run ledger, stores its hall of
// fame and refreshes the discovered patterns. A zero RunID in the result
// means the run never started.
func (a *app) runEvolution(ctx context.Context, evo *evolver.Evolver, budget int) (evolver.RunResult, error) {
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	if err := a.store.StartRun(ctx, runID, a.cfg.Fingerprint()); err != nil {
		return evolver.RunResult{}, fmt.Errorf("start run: %w", err)
	}

	res, runErr := evo.Run(ctx, budget)
	res.RunID = runID

	// The ledger is closed even when the run was interrupted.
	saveCtx := context.WithoutCancel(ctx)
	if len(res.HallOfFame) > 0 {
		if err := a.store.SaveProfiles(saveCtx, runID, res.HallOfFame); err != nil {
			a.logger.ErrorContext(ctx, "save hall of fame", "error", err)
			if runErr == nil {
				runErr = fmt.Errorf("save profiles: %w", err)
			}
		}
	}
	rec := persistence.RunRecord{
		RunID:         runID,
		Reason:        res.Reason,
		Generations:   res.Generations,
		BestFitness:   res.Best.Fitness,
		BestProfileID: res.Best.ID,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := a.store.FinishRun(saveCtx, rec); err != nil {
		a.logger.ErrorContext(ctx, "finish run", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("finish run: %w", err)
		}
	}
	if runErr != nil || res.Reason == evolver.ReasonCanceled {
		return res, runErr
	}

	d, err := a.detector()
	if err != nil {
		return res, err
	}
	if _, err := d.Discover(ctx, a.store); err != nil {
		a.logger.ErrorContext(ctx, "pattern discovery after run", "error", err)
	}
	return res, nil
}

func printErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
