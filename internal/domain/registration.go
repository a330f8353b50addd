package domain

import "time"

// TransportKind selects how a registered server is reached.
type TransportKind string

const (
	TransportTCP   TransportKind = "tcp"
	TransportStdio TransportKind = "stdio"
)

// ServerRegistration is the durable record of one known capability server.
// CachedCapabilities is only trustworthy while the freshness window holds;
// outside it the cache must be flagged stale, never silently reused.
type ServerRegistration struct {
	Name               string                 `json:"name"`
	TransportKind      TransportKind          `json:"transportKind"`
	Address            string                 `json:"address"`
	Enabled            bool                   `json:"enabled"`
	TTLSeconds         int                    `json:"ttlSeconds"`
	CachedCapabilities []CapabilityDescriptor `json:"cachedCapabilities,omitempty"`
	CacheETag          string                 `json:"cacheETag,omitempty"`
	LastDiscoveredAt   time.Time              `json:"lastDiscoveredAt,omitzero"`
}

// TTL returns the freshness window as a duration.
func (r ServerRegistration) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// CacheFresh reports whether the cached listing is still inside the TTL
// window at the given instant.
func (r ServerRegistration) CacheFresh(now time.Time) bool {
	if r.LastDiscoveredAt.IsZero() || r.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(r.LastDiscoveredAt) < r.TTL()
}

// HasCache reports whether any previous discovery succeeded.
func (r ServerRegistration) HasCache() bool {
	return !r.LastDiscoveredAt.IsZero()
}

// CloneServerRegistration deep-copies a registration.
func CloneServerRegistration(r ServerRegistration) ServerRegistration {
	out := r
	out.CachedCapabilities = CloneCapabilityDescriptors(r.CachedCapabilities)
	return out
}

// DiscoveryResult carries one discovery outcome. Stale marks a listing served
// from cache after a failed refresh; CacheErr then holds the refresh failure.
type DiscoveryResult struct {
	ServerName   string
	Capabilities []CapabilityDescriptor
	ETag         string
	DiscoveredAt time.Time
	Stale        bool
	CacheErr     error
}
