// Package registry is the durable directory of known capability servers. It
// refreshes cached listings through capability clients under a per-server
// TTL and never silently treats an expired cache as fresh.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentd/internal/domain"
)

// Lister is the slice of the capability client the registry needs.
type Lister interface {
	ListCapabilities(ctx context.Context) ([]domain.CapabilityDescriptor, string, error)
	Close() error
}

// ClientFactory opens a connected, handshaken client for a registration.
type ClientFactory interface {
	Open(ctx context.Context, reg domain.ServerRegistration) (Lister, error)
}

// Options configures a Registry.
type Options struct {
	Store   *Store
	Clients ClientFactory
	Logger  *zap.Logger
	Metrics domain.Metrics
	Clock   func() time.Time
}

// Registry keeps the registration set in memory, mirrored to the store on
// every mutation. Reads are lock-cheap; each server has its own refresh gate
// so concurrent discoveries share one round trip.
type Registry struct {
	store   *Store
	clients ClientFactory
	logger  *zap.Logger
	metrics domain.Metrics
	clock   func() time.Time

	mu    sync.RWMutex
	regs  map[string]domain.ServerRegistration
	gates map[string]chan struct{}
}

// New loads persisted registrations and builds the registry.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry store is required")
	}
	if opts.Clients == nil {
		return nil, fmt.Errorf("registry client factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	persisted, err := opts.Store.List()
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	regs := make(map[string]domain.ServerRegistration, len(persisted))
	gates := make(map[string]chan struct{}, len(persisted))
	for _, reg := range persisted {
		regs[reg.Name] = reg
		gates[reg.Name] = make(chan struct{}, 1)
	}

	return &Registry{
		store:   opts.Store,
		clients: opts.Clients,
		logger:  logger.Named("registry"),
		metrics: metrics,
		clock:   clock,
		regs:    regs,
		gates:   gates,
	}, nil
}

// RegisterServer upserts a registration by name and persists it immediately.
// An upsert keeps the previous cache so a re-registration does not force a
// refresh, unless the address or transport changed.
func (r *Registry) RegisterServer(reg domain.ServerRegistration) error {
	if strings.TrimSpace(reg.Name) == "" {
		return domain.E(domain.CodeInvalidArgument, "registry.register", "server name is required", nil)
	}
	if strings.TrimSpace(reg.Address) == "" {
		return domain.E(domain.CodeInvalidArgument, "registry.register", "server address is required", nil)
	}
	if reg.TTLSeconds <= 0 {
		reg.TTLSeconds = domain.DefaultTTLSeconds
	}

	r.mu.Lock()
	if prev, ok := r.regs[reg.Name]; ok {
		if prev.Address == reg.Address && prev.TransportKind == reg.TransportKind && !reg.HasCache() {
			reg.CachedCapabilities = prev.CachedCapabilities
			reg.CacheETag = prev.CacheETag
			reg.LastDiscoveredAt = prev.LastDiscoveredAt
		}
	}
	r.regs[reg.Name] = reg
	if _, ok := r.gates[reg.Name]; !ok {
		r.gates[reg.Name] = make(chan struct{}, 1)
	}
	r.mu.Unlock()

	if err := r.store.Put(reg); err != nil {
		return domain.E(domain.CodeInternal, "registry.register", "persist registration", err)
	}
	r.logger.Info("server registered",
		zap.String("server", reg.Name),
		zap.String("transport", string(reg.TransportKind)),
		zap.String("address", reg.Address))
	return nil
}

// RemoveServer deletes a registration and its cache.
func (r *Registry) RemoveServer(name string) error {
	r.mu.Lock()
	delete(r.regs, name)
	delete(r.gates, name)
	r.mu.Unlock()
	if err := r.store.Delete(name); err != nil {
		return domain.E(domain.CodeInternal, "registry.remove", "delete registration", err)
	}
	return nil
}

// ListServers enumerates registrations, optionally restricted to enabled
// ones, ordered by name.
func (r *Registry) ListServers(enabledOnly bool) []domain.ServerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ServerRegistration, 0, len(r.regs))
	for _, reg := range r.regs {
		if enabledOnly && !reg.Enabled {
			continue
		}
		out = append(out, domain.CloneServerRegistration(reg))
	}
	sortRegistrations(out)
	return out
}

// Lookup returns one registration.
func (r *Registry) Lookup(name string) (domain.ServerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	if !ok {
		return domain.ServerRegistration{}, false
	}
	return domain.CloneServerRegistration(reg), true
}

// Discover returns the server's capability listing. A fresh cache is served
// without touching the network unless force is set. A failed refresh falls
// back to the previous cache flagged stale; with no cache the failure
// propagates.
func (r *Registry) Discover(ctx context.Context, name string, force bool) (domain.DiscoveryResult, error) {
	reg, gate, err := r.lookupWithGate(name)
	if err != nil {
		return domain.DiscoveryResult{}, err
	}

	now := r.clock()
	if !force && reg.CacheFresh(now) {
		r.metrics.ObserveDiscovery(name, false, false, 0)
		return freshResult(reg), nil
	}

	// One refresh per server at a time; a waiter that lost the race may find
	// the cache already fresh once it gets through.
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return domain.DiscoveryResult{}, ctx.Err()
	}
	defer func() { <-gate }()

	reg, ok := r.Lookup(name)
	if !ok {
		return domain.DiscoveryResult{}, domain.E(domain.CodeNotFound, "registry.discover", fmt.Sprintf("server %q", name), domain.ErrServerNotFound)
	}
	now = r.clock()
	if !force && reg.CacheFresh(now) {
		r.metrics.ObserveDiscovery(name, false, false, 0)
		return freshResult(reg), nil
	}

	started := now
	descriptors, etag, refreshErr := r.refresh(ctx, reg)
	elapsed := r.clock().Sub(started)
	if refreshErr != nil {
		if reg.HasCache() {
			r.metrics.ObserveDiscovery(name, false, true, elapsed)
			r.logger.Warn("discovery refresh failed, serving stale cache",
				zap.String("server", name),
				zap.Time("lastDiscoveredAt", reg.LastDiscoveredAt),
				zap.Error(refreshErr))
			result := freshResult(reg)
			result.Stale = true
			result.CacheErr = refreshErr
			return result, nil
		}
		r.metrics.ObserveDiscovery(name, false, false, elapsed)
		return domain.DiscoveryResult{}, refreshErr
	}

	discoveredAt := r.clock()
	if stored, ok := r.writebackCache(name, reg, descriptors, etag, discoveredAt); ok {
		if err := r.store.Put(stored); err != nil {
			r.logger.Warn("persist refreshed cache failed", zap.String("server", name), zap.Error(err))
		}
	} else {
		r.logger.Debug("registration changed mid-refresh, cache writeback skipped", zap.String("server", name))
	}

	r.metrics.ObserveDiscovery(name, true, false, elapsed)
	r.logger.Debug("discovery refreshed",
		zap.String("server", name),
		zap.Int("capabilities", len(descriptors)),
		zap.Duration("elapsed", elapsed))
	return domain.DiscoveryResult{
		ServerName:   name,
		Capabilities: domain.CloneCapabilityDescriptors(descriptors),
		ETag:         etag,
		DiscoveredAt: discoveredAt,
	}, nil
}

// writebackCache merges a refreshed listing into the registration as it is
// now, not as it was when the refresh started, so an upsert that landed
// mid-refresh survives. A registration that moved or vanished in the meantime
// keeps its own record: the fetched listing describes the old peer.
func (r *Registry) writebackCache(name string, fetched domain.ServerRegistration, descriptors []domain.CapabilityDescriptor, etag string, discoveredAt time.Time) (domain.ServerRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.regs[name]
	if !ok || current.Address != fetched.Address || current.TransportKind != fetched.TransportKind {
		return domain.ServerRegistration{}, false
	}
	current.CachedCapabilities = descriptors
	current.CacheETag = etag
	current.LastDiscoveredAt = discoveredAt
	r.regs[name] = current
	return domain.CloneServerRegistration(current), true
}

func (r *Registry) refresh(ctx context.Context, reg domain.ServerRegistration) ([]domain.CapabilityDescriptor, string, error) {
	client, err := r.clients.Open(ctx, reg)
	if err != nil {
		return nil, "", domain.Wrap(domain.CodeConnection, "registry.discover", err)
	}
	defer func() { _ = client.Close() }()

	descriptors, etag, err := client.ListCapabilities(ctx)
	if err != nil {
		return nil, "", err
	}
	for i := range descriptors {
		descriptors[i].Origin = domain.Origin{Kind: domain.OriginRemote, Server: reg.Name}
	}
	return descriptors, etag, nil
}

func (r *Registry) lookupWithGate(name string) (domain.ServerRegistration, chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	if !ok {
		return domain.ServerRegistration{}, nil, domain.E(domain.CodeNotFound, "registry.discover", fmt.Sprintf("server %q", name), domain.ErrServerNotFound)
	}
	return domain.CloneServerRegistration(reg), r.gates[name], nil
}

func freshResult(reg domain.ServerRegistration) domain.DiscoveryResult {
	return domain.DiscoveryResult{
		ServerName:   reg.Name,
		Capabilities: domain.CloneCapabilityDescriptors(reg.CachedCapabilities),
		ETag:         reg.CacheETag,
		DiscoveredAt: reg.LastDiscoveredAt,
	}
}

func sortRegistrations(regs []domain.ServerRegistration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
}
