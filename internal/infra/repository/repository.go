// Package repository aggregates local capability manifests and
// registry-discovered remote capabilities into one addressable set,
// deduplicated by name.
//
// The entry set lives behind an atomic snapshot pointer: readers resolve
// against an immutable snapshot and never block, writers build the next
// snapshot under a mutex and swap it in whole.
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"agentd/internal/domain"
)

// Discoverer is the slice of the registry the repository consumes.
type Discoverer interface {
	Discover(ctx context.Context, name string, force bool) (domain.DiscoveryResult, error)
}

// Repository is a shared, mutable capability directory.
type Repository struct {
	registry Discoverer
	logger   *zap.Logger

	writeMu  sync.Mutex
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	entries map[string]domain.RepositoryEntry
	order   []string
	// etags tracks the last applied listing hash per remote server, so an
	// unchanged rediscovery skips the rebuild.
	etags map[string]string
}

// Options configures a Repository.
type Options struct {
	Registry Discoverer
	Logger   *zap.Logger
}

// New builds an empty repository.
func New(opts Options) *Repository {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		registry: opts.Registry,
		logger:   logger.Named("repository"),
	}
	r.snapshot.Store(&snapshot{
		entries: map[string]domain.RepositoryEntry{},
		etags:   map[string]string{},
	})
	return r
}

// Add inserts one entry. A duplicate name is rejected unless replace is set;
// shadowing an existing capability is always an explicit decision.
func (r *Repository) Add(entry domain.RepositoryEntry, replace bool) error {
	name := entry.Descriptor.Name
	if name == "" {
		return domain.E(domain.CodeInvalidArgument, "repository.add", "entry name is required", nil)
	}
	if !entry.Local() && entry.Server == "" {
		return domain.E(domain.CodeInvalidArgument, "repository.add", fmt.Sprintf("entry %q has neither handler nor server", name), nil)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	current := r.snapshot.Load()
	if _, exists := current.entries[name]; exists && !replace {
		return domain.E(domain.CodeDuplicateRegistration, "repository.add", fmt.Sprintf("capability %q already present", name), domain.ErrDuplicateRegistration)
	}
	next := current.clone()
	next.put(domain.CloneRepositoryEntry(entry))
	r.snapshot.Store(next)
	return nil
}

// Remove deletes one entry by name; removing an absent name is a no-op.
func (r *Repository) Remove(name string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	current := r.snapshot.Load()
	if _, exists := current.entries[name]; !exists {
		return
	}
	next := current.clone()
	next.delete(name)
	r.snapshot.Store(next)
}

// Resolve returns exactly one entry or the unknown-capability error. No
// transport is touched on a miss.
func (r *Repository) Resolve(name string) (domain.RepositoryEntry, error) {
	snap := r.snapshot.Load()
	entry, ok := snap.entries[name]
	if !ok {
		return domain.RepositoryEntry{}, domain.E(domain.CodeUnknownCapability, "repository.resolve", fmt.Sprintf("capability %q", name), domain.ErrUnknownCapability)
	}
	return domain.CloneRepositoryEntry(entry), nil
}

// Get returns every entry matching the filter, in name order. A nil filter
// matches everything.
func (r *Repository) Get(filter domain.EntryFilter) []domain.RepositoryEntry {
	snap := r.snapshot.Load()
	out := make([]domain.RepositoryEntry, 0, len(snap.order))
	for _, name := range snap.order {
		entry := snap.entries[name]
		if filter != nil && !filter(entry) {
			continue
		}
		out = append(out, domain.CloneRepositoryEntry(entry))
	}
	return out
}

// Descriptors lists every descriptor in name order.
func (r *Repository) Descriptors() []domain.CapabilityDescriptor {
	snap := r.snapshot.Load()
	out := make([]domain.CapabilityDescriptor, 0, len(snap.order))
	for _, name := range snap.order {
		out = append(out, domain.CloneCapabilityDescriptor(snap.entries[name].Descriptor))
	}
	return out
}

// DiscoverLocal wraps a local manifest into an entry. No network interaction.
func (r *Repository) DiscoverLocal(manifest domain.CapabilityManifest, replace bool) error {
	if manifest.Handler == nil {
		return domain.E(domain.CodeInvalidArgument, "repository.discover_local", "manifest handler is required", nil)
	}
	descriptor := domain.CloneCapabilityDescriptor(manifest.Descriptor)
	descriptor.Origin = domain.Origin{Kind: domain.OriginLocal}
	return r.Add(domain.RepositoryEntry{
		Descriptor: descriptor,
		Handler:    manifest.Handler,
		Tags:       manifest.Tags,
	}, replace)
}

// DiscoverRemote pulls the server's listing through the registry and merges
// it. Entries from a previous discovery of the same server are replaced;
// an unchanged listing ETag makes the merge a no-op. The stale flag of the
// discovery result is passed through to the caller.
func (r *Repository) DiscoverRemote(ctx context.Context, serverName string) (domain.DiscoveryResult, error) {
	result, err := r.registry.Discover(ctx, serverName, false)
	if err != nil {
		return domain.DiscoveryResult{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	current := r.snapshot.Load()
	if result.ETag != "" && current.etags[serverName] == result.ETag {
		return result, nil
	}

	next := current.clone()
	for _, name := range current.order {
		if current.entries[name].Server == serverName {
			next.delete(name)
		}
	}
	for _, descriptor := range result.Capabilities {
		name := descriptor.Name
		if existing, dup := next.entries[name]; dup && existing.Server != serverName {
			r.logger.Warn("skip remote capability shadowing existing entry",
				zap.String("capability", name),
				zap.String("server", serverName))
			continue
		}
		next.put(domain.RepositoryEntry{
			Descriptor: domain.CloneCapabilityDescriptor(descriptor),
			Server:     serverName,
			Tags:       map[string]string{"server": serverName},
		})
	}
	next.etags[serverName] = result.ETag
	r.snapshot.Store(next)

	r.logger.Debug("remote capabilities merged",
		zap.String("server", serverName),
		zap.Int("capabilities", len(result.Capabilities)),
		zap.Bool("stale", result.Stale))
	return result, nil
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		entries: make(map[string]domain.RepositoryEntry, len(s.entries)),
		order:   append([]string(nil), s.order...),
		etags:   make(map[string]string, len(s.etags)),
	}
	for name, entry := range s.entries {
		next.entries[name] = entry
	}
	for server, etag := range s.etags {
		next.etags[server] = etag
	}
	return next
}

func (s *snapshot) put(entry domain.RepositoryEntry) {
	name := entry.Descriptor.Name
	if _, exists := s.entries[name]; !exists {
		s.order = append(s.order, name)
		sort.Strings(s.order)
	}
	s.entries[name] = entry
}

func (s *snapshot) delete(name string) {
	if _, exists := s.entries[name]; !exists {
		return
	}
	delete(s.entries, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
