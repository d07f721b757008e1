package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/cron"
	"github.com/basket/rulesymbiosis/internal/evolver"
	"github.com/basket/rulesymbiosis/internal/gateway"
)

func runServeCommand(ctx context.Context, args []string, withSchedule bool) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a := openApp(ctx, false)
	defer a.Close()
	logger := a.logger
	warnExposedBind(a)

	in, err := a.ingester()
	if err != nil {
		fatalStartup(logger, "E_INGEST_INIT", err)
	}
	col, err := a.collector()
	if err != nil {
		fatalStartup(logger, "E_COLLECTOR_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             a.store,
		Ingester:          in,
		Collector:         col,
		Bus:               a.bus,
		Tracer:            a.otel.Tracer,
		AuthToken:         a.cfg.AuthToken,
		AllowOrigins:      a.cfg.Gateway.AllowOrigins,
		ConfigFingerprint: a.cfg.Fingerprint(),
		MaxBodyBytes:      a.cfg.Gateway.MaxBodyBytes,
		RateLimit:         a.cfg.Gateway.RateLimit,
		Metrics:           a.otel.MetricsHandler(),
		Logger:            logger,
	})
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              a.cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", a.cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(a.cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if withSchedule {
		d := &daemon{app: a}
		stopDaemon, err := d.start(ctx)
		if err != nil {
			fatalStartup(logger, "E_SCHEDULER_START", err)
		}
		defer stopDaemon()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

func warnExposedBind(a *app) {
	host, _, err := net.SplitHostPort(a.cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if a.cfg.AuthToken == "" {
		a.logger.Warn("auth_token is empty on non-loopback bind; the ingest API is open", "bind_addr", a.cfg.BindAddr)
	}
	if len(a.cfg.Gateway.AllowOrigins) == 0 {
		a.logger.Warn("gateway.allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", a.cfg.BindAddr)
	}
}

// daemon runs scheduled evolutions. Config changes seen by the watcher are
// applied at the start of the next run, never during one.
type daemon struct {
	app *app

	mu      sync.Mutex
	evo     *evolver.Evolver
	pending atomic.Bool
}

func (d *daemon) start(ctx context.Context) (func(), error) {
	a := d.app
	watcher := config.NewWatcher(a.cfg.HomeDir, a.cfg.Rules.CatalogFile, a.logger)
	if err := watcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	go func() {
		for ev := range watcher.Events() {
			a.logger.Info("config change detected; applying before next run", "path", ev.Path, "op", ev.Op.String())
			d.pending.Store(true)
		}
	}()

	if a.cfg.Evolution.Schedule == "" {
		a.logger.Info("evolution.schedule is empty; scheduled runs disabled")
		return func() {}, nil
	}
	sched, err := cron.NewScheduler(cron.Config{
		Spec:   a.cfg.Evolution.Schedule,
		Run:    d.runOnce,
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	sched.Start(ctx)
	a.logger.Info("startup phase", "phase", "scheduler_started", "schedule", a.cfg.Evolution.Schedule)
	return sched.Stop, nil
}

func (d *daemon) runOnce(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.app

	if d.pending.Swap(false) {
		d.reload()
	}
	if d.evo == nil {
		evo, err := a.newEvolver(0)
		if err != nil {
			return err
		}
		d.evo = evo
	}

	res, err := a.runEvolution(ctx, d.evo, 0)
	if err != nil {
		return err
	}
	if a.cfg.ExportPath != "" && res.Reason != evolver.ReasonCanceled {
		if err := writeRunExport(ctx, a, res, a.cfg.ExportPath); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		a.logger.Info("profiles exported", "run_id", res.RunID, "path", a.cfg.ExportPath)
	}
	return nil
}

// reload swaps in a freshly loaded config. An invalid file keeps the running
// config. The store and listener stay bound to their startup values.
func (d *daemon) reload() {
	a := d.app
	next, err := config.Load()
	if err != nil {
		a.logger.Error("config reload rejected; retaining previous config", "error", err)
		return
	}
	if next.DBPath != a.cfg.DBPath || next.BindAddr != a.cfg.BindAddr {
		a.logger.Warn("db_path and bind_addr changes need a restart", "db_path", next.DBPath, "bind_addr", next.BindAddr)
		next.DBPath, next.BindAddr = a.cfg.DBPath, a.cfg.BindAddr
	}
	a.cfg = next
	d.evo = nil
	a.logger.Info("config reloaded", "fingerprint", next.Fingerprint())
}
