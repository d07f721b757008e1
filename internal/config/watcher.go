package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and the rule catalog file.
// Consumers apply reloads only between evolution runs.
type Watcher struct {
	homeDir     string
	catalogFile string
	logger      *slog.Logger
	events      chan ReloadEvent
}

func NewWatcher(homeDir, catalogFile string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if catalogFile != "" && !filepath.IsAbs(catalogFile) {
		catalogFile = filepath.Join(homeDir, catalogFile)
	}
	return &Watcher{
		homeDir:     homeDir,
		catalogFile: catalogFile,
		logger:      logger,
		events:      make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := []string{ConfigPath(w.homeDir)}
	if w.catalogFile != "" {
		files = append(files, w.catalogFile)
	}
	for _, file := range files {
		if err := fsw.Add(file); err != nil {
			w.logger.Debug("config watcher skipped file", "path", file, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
