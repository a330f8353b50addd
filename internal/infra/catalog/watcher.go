package catalog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"agentd/internal/domain"
)

const reloadDebounce = 200 * time.Millisecond

// ApplyFunc receives each successfully reloaded configuration.
type ApplyFunc func(ctx context.Context, cfg domain.Config)

// Watcher reloads the config file on change and hands the result to an
// apply callback. A reload that fails validation keeps the previous
// configuration in effect.
type Watcher struct {
	logger *zap.Logger
	loader *Loader
	path   string
	apply  ApplyFunc
}

func NewWatcher(loader *Loader, path string, apply ApplyFunc, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		logger: logger.Named("catalog_watcher"),
		loader: loader,
		path:   path,
		apply:  apply,
	}
}

// Run blocks until ctx is cancelled. Editors typically replace the file
// rather than write in place, so the parent directory is watched.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			cfg, err := w.loader.Load(ctx, w.path)
			if err != nil {
				w.logger.Warn("config reload failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", w.path), zap.Int("servers", len(cfg.Servers)))
			w.apply(ctx, cfg)
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
