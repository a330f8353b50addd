// Package app wires the infrastructure layers into runnable commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"agentd/internal/domain"
	"agentd/internal/infra/builtin"
	"agentd/internal/infra/capserver"
	"agentd/internal/infra/catalog"
	"agentd/internal/infra/loop"
	"agentd/internal/infra/registry"
	"agentd/internal/infra/repository"
	"agentd/internal/infra/telemetry"
	"agentd/internal/infra/transport"
)

const defaultDataPath = "agentd.db"

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
	DataPath   string
}

type ValidateConfig struct {
	ConfigPath string
}

type AskConfig struct {
	ConfigPath string
	DataPath   string
	Question   string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger.Named("app")}
}

// Serve runs the daemon until ctx is cancelled: it seeds the registry from
// the config file, hosts the built-in capabilities, keeps remote listings
// fresh, and serves metrics.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	loader := catalog.NewLoader(a.logger)
	config, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("servers", len(config.Servers)),
	)

	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(promRegistry)

	rt, err := a.buildRuntime(ctx, config, cfg.DataPath, metrics)
	if err != nil {
		return err
	}
	defer rt.close(a.logger)

	server := capserver.New(capserver.Options{
		Name:    config.Serve.ServerName,
		Logger:  a.logger,
		Metrics: metrics,
	})
	for _, manifest := range builtin.Manifests() {
		if err := server.Register(manifest.Descriptor, manifest.Handler); err != nil {
			return err
		}
	}
	if config.Serve.ListenAddress != "" {
		if err := server.Start(capserver.StartConfig{
			ListenAddress: config.Serve.ListenAddress,
			DrainTimeout:  time.Duration(config.Runtime.DrainTimeoutSeconds) * time.Second,
		}); err != nil {
			return err
		}
		a.logger.Info("capability server listening",
			zap.String("addr", server.Addr()),
			zap.String("name", config.Serve.ServerName),
		)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(),
				time.Duration(config.Runtime.DrainTimeoutSeconds)*time.Second+time.Second)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				a.logger.Warn("capability server stop failed", zap.Error(err))
			}
		}()
	}

	refresher := registry.NewRefresher(registry.RefresherOptions{
		Registry: rt.registry,
		Sync:     rt.repository.DiscoverRemote,
		Logger:   a.logger,
		Interval: time.Duration(config.Runtime.RefreshSeconds) * time.Second,
		Workers:  config.Runtime.RefreshConcurrency,
	})
	refresher.Start(ctx)
	defer refresher.Stop()

	watcher := catalog.NewWatcher(loader, cfg.ConfigPath, func(ctx context.Context, next domain.Config) {
		a.applyReload(ctx, rt, config, next)
	}, a.logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	obsErr := make(chan error, 1)
	go func() {
		obsErr <- telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:     config.Runtime.Observability.ListenAddress,
			Registry: promRegistry,
		}, a.logger)
	}()

	select {
	case err := <-obsErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		<-obsErr
	}
	a.logger.Info("shutting down")
	return nil
}

// applyReload re-seeds the registration set from a reloaded config. Runtime
// tunables are fixed for the life of the process.
func (a *App) applyReload(ctx context.Context, rt *runtime, prev domain.Config, next domain.Config) {
	if next.Runtime != prev.Runtime {
		a.logger.Warn("runtime config changed; restart required to apply")
	}

	keep := make(map[string]struct{}, len(next.Servers))
	for _, reg := range next.Servers {
		keep[reg.Name] = struct{}{}
		if err := rt.registry.RegisterServer(reg); err != nil {
			a.logger.Warn("server re-registration failed",
				zap.String("server", reg.Name), zap.Error(err))
			continue
		}
		if reg.Enabled {
			if _, err := rt.repository.DiscoverRemote(ctx, reg.Name); err != nil {
				a.logger.Warn("post-reload discovery failed",
					zap.String("server", reg.Name), zap.Error(err))
			}
		}
	}
	for _, reg := range rt.registry.ListServers(false) {
		if _, ok := keep[reg.Name]; ok {
			continue
		}
		if err := rt.registry.RemoveServer(reg.Name); err != nil {
			a.logger.Warn("server removal failed",
				zap.String("server", reg.Name), zap.Error(err))
		}
	}
}

// runtime bundles the long-lived pieces shared by Serve and Ask.
type runtime struct {
	store      *registry.Store
	registry   *registry.Registry
	repository *repository.Repository
	dispatcher *loop.Dispatcher
	factory    *transport.DialerFactory
}

func (a *App) buildRuntime(ctx context.Context, config domain.Config, dataPath string, metrics domain.Metrics) (*runtime, error) {
	if dataPath == "" {
		dataPath = defaultDataPath
	}
	store, err := registry.OpenStore(dataPath)
	if err != nil {
		return nil, fmt.Errorf("open registration store: %w", err)
	}

	factory := transport.NewDialerFactory()
	clients := registry.NewDialClientFactory(registry.DialClientFactoryOptions{
		Factory:        factory,
		Logger:         a.logger,
		ConnectTimeout: time.Duration(config.Runtime.ConnectTimeoutSeconds) * time.Second,
		ClientName:     config.Serve.ServerName,
	})
	reg, err := registry.New(registry.Options{
		Store:   store,
		Clients: clients,
		Logger:  a.logger,
		Metrics: metrics,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, seed := range config.Servers {
		if err := reg.RegisterServer(seed); err != nil {
			a.logger.Warn("server registration failed",
				zap.String("server", seed.Name), zap.Error(err))
		}
	}

	repo := repository.New(repository.Options{
		Registry: reg,
		Logger:   a.logger,
	})
	for _, manifest := range builtin.Manifests() {
		if err := repo.DiscoverLocal(manifest, false); err != nil {
			store.Close()
			return nil, err
		}
	}
	for _, seed := range reg.ListServers(true) {
		if _, err := repo.DiscoverRemote(ctx, seed.Name); err != nil {
			a.logger.Warn("initial discovery failed",
				zap.String("server", seed.Name), zap.Error(err))
		}
	}

	dispatcher := loop.NewDispatcher(loop.DispatcherOptions{
		Directory:      reg,
		Factory:        factory,
		Logger:         a.logger,
		Metrics:        metrics,
		ConnectTimeout: time.Duration(config.Runtime.ConnectTimeoutSeconds) * time.Second,
		InvokeTimeout:  time.Duration(config.Runtime.InvokeTimeoutSeconds) * time.Second,
	})

	return &runtime{
		store:      store,
		registry:   reg,
		repository: repo,
		dispatcher: dispatcher,
		factory:    factory,
	}, nil
}

func (rt *runtime) close(logger *zap.Logger) {
	if err := rt.dispatcher.Close(); err != nil {
		logger.Warn("dispatcher close failed", zap.Error(err))
	}
	if err := rt.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}
