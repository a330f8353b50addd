package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentd/internal/domain"
)

// Refresher periodically re-discovers enabled servers so their caches stay
// inside the TTL window without waiting for a caller to miss.
type Refresher struct {
	registry *Registry
	sync     SyncFunc
	logger   *zap.Logger
	interval time.Duration
	workers  int

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
}

// SyncFunc re-discovers one server. The default goes straight through the
// registry; callers that mirror listings elsewhere supply their own.
type SyncFunc func(ctx context.Context, name string) (domain.DiscoveryResult, error)

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	Registry *Registry
	Sync     SyncFunc
	Logger   *zap.Logger
	Interval time.Duration
	Workers  int
}

// NewRefresher builds an idle refresher.
func NewRefresher(opts RefresherOptions) *Refresher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = domain.DefaultRefreshConcurrency
	}
	syncFn := opts.Sync
	if syncFn == nil {
		syncFn = func(ctx context.Context, name string) (domain.DiscoveryResult, error) {
			return opts.Registry.Discover(ctx, name, false)
		}
	}
	return &Refresher{
		registry: opts.Registry,
		sync:     syncFn,
		logger:   logger.Named("refresher"),
		interval: opts.Interval,
		workers:  workers,
	}
}

// Start runs one immediate sweep and then sweeps on the configured interval.
// A non-positive interval means the single sweep only.
func (f *Refresher) Start(ctx context.Context) {
	f.sweep(ctx)
	if f.interval <= 0 {
		return
	}

	f.mu.Lock()
	if f.ticker != nil {
		f.mu.Unlock()
		return
	}
	f.ticker = time.NewTicker(f.interval)
	f.stop = make(chan struct{})
	ticker := f.ticker
	stop := f.stop
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				f.sweep(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic sweeps.
func (f *Refresher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticker != nil {
		f.ticker.Stop()
		f.ticker = nil
	}
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
}

func (f *Refresher) sweep(ctx context.Context) {
	regs := f.registry.ListServers(true)
	if len(regs) == 0 {
		return
	}
	workers := f.workers
	if workers > len(regs) {
		workers = len(regs)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case name, ok := <-jobs:
					if !ok {
						return
					}
					result, err := f.sync(ctx, name)
					if err != nil {
						f.logger.Warn("background discovery failed", zap.String("server", name), zap.Error(err))
						continue
					}
					if result.Stale {
						f.logger.Warn("background discovery served stale cache",
							zap.String("server", name), zap.Error(result.CacheErr))
					}
				}
			}
		}()
	}
	for _, reg := range regs {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- reg.Name:
		}
	}
	close(jobs)
	wg.Wait()
}
