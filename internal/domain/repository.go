package domain

// RepositoryEntry is one addressable capability: its descriptor plus the
// handle used to invoke it. Exactly one of Handler (local) or Server (remote)
// is set.
type RepositoryEntry struct {
	Descriptor CapabilityDescriptor
	Handler    CapabilityHandler
	Server     string
	Tags       map[string]string
}

// Local reports whether the entry invokes in-process.
func (e RepositoryEntry) Local() bool {
	return e.Handler != nil
}

// CloneRepositoryEntry copies an entry, including its tag map.
func CloneRepositoryEntry(e RepositoryEntry) RepositoryEntry {
	out := e
	out.Descriptor = CloneCapabilityDescriptor(e.Descriptor)
	if e.Tags != nil {
		out.Tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// EntryFilter selects repository entries by metadata.
type EntryFilter func(RepositoryEntry) bool

// FilterByTag matches entries carrying the given tag value.
func FilterByTag(key, value string) EntryFilter {
	return func(e RepositoryEntry) bool {
		return e.Tags[key] == value
	}
}

// FilterByKind matches entries of one capability kind.
func FilterByKind(kind CapabilityKind) EntryFilter {
	return func(e RepositoryEntry) bool {
		return e.Descriptor.Kind == kind
	}
}
