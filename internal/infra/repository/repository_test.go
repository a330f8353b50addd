package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

type fakeDiscoverer struct {
	calls   int
	results map[string]domain.DiscoveryResult
	err     error
}

func (f *fakeDiscoverer) Discover(_ context.Context, name string, _ bool) (domain.DiscoveryResult, error) {
	f.calls++
	if f.err != nil {
		return domain.DiscoveryResult{}, f.err
	}
	return f.results[name], nil
}

func localManifest(name string) domain.CapabilityManifest {
	return domain.CapabilityManifest{
		Descriptor: domain.CapabilityDescriptor{Name: name, Kind: domain.KindTool},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return name, nil
		},
	}
}

func TestDiscoverLocal_AndResolve(t *testing.T) {
	repo := New(Options{Registry: &fakeDiscoverer{}})
	require.NoError(t, repo.DiscoverLocal(localManifest("echo"), false))

	entry, err := repo.Resolve("echo")
	require.NoError(t, err)
	require.True(t, entry.Local())
	require.Equal(t, domain.OriginLocal, entry.Descriptor.Origin.Kind)

	value, err := entry.Handler(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "echo", value)
}

func TestAdd_DuplicateKeepsFirst(t *testing.T) {
	repo := New(Options{Registry: &fakeDiscoverer{}})
	require.NoError(t, repo.DiscoverLocal(localManifest("echo"), false))

	err := repo.DiscoverLocal(localManifest("echo"), false)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrDuplicateRegistration)

	require.NoError(t, repo.DiscoverLocal(localManifest("echo"), true))
	require.Len(t, repo.Descriptors(), 1)
}

func TestResolve_UnknownTouchesNoTransport(t *testing.T) {
	discoverer := &fakeDiscoverer{}
	repo := New(Options{Registry: discoverer})

	_, err := repo.Resolve("ghost")
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrUnknownCapability)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeUnknownCapability, code)
	require.Zero(t, discoverer.calls)
}

func TestDiscoverRemote_MergesAndReplaces(t *testing.T) {
	discoverer := &fakeDiscoverer{
		results: map[string]domain.DiscoveryResult{
			"files": {
				ServerName: "files",
				ETag:       "v1",
				Capabilities: []domain.CapabilityDescriptor{
					{Name: "files.read", Kind: domain.KindTool, Origin: domain.Origin{Kind: domain.OriginRemote, Server: "files"}},
					{Name: "files.write", Kind: domain.KindTool, Origin: domain.Origin{Kind: domain.OriginRemote, Server: "files"}},
				},
				DiscoveredAt: time.Now(),
			},
		},
	}
	repo := New(Options{Registry: discoverer})

	result, err := repo.DiscoverRemote(context.Background(), "files")
	require.NoError(t, err)
	require.Len(t, result.Capabilities, 2)
	require.Len(t, repo.Descriptors(), 2)

	entry, err := repo.Resolve("files.read")
	require.NoError(t, err)
	require.False(t, entry.Local())
	require.Equal(t, "files", entry.Server)

	// A shrunk listing under a new ETag drops the removed entry.
	discoverer.results["files"] = domain.DiscoveryResult{
		ServerName: "files",
		ETag:       "v2",
		Capabilities: []domain.CapabilityDescriptor{
			{Name: "files.read", Kind: domain.KindTool, Origin: domain.Origin{Kind: domain.OriginRemote, Server: "files"}},
		},
	}
	_, err = repo.DiscoverRemote(context.Background(), "files")
	require.NoError(t, err)
	require.Len(t, repo.Descriptors(), 1)
	_, err = repo.Resolve("files.write")
	require.Error(t, err)
}

func TestDiscoverRemote_UnchangedETagIsNoOp(t *testing.T) {
	discoverer := &fakeDiscoverer{
		results: map[string]domain.DiscoveryResult{
			"files": {
				ServerName:   "files",
				ETag:         "v1",
				Capabilities: []domain.CapabilityDescriptor{{Name: "files.read", Kind: domain.KindTool}},
			},
		},
	}
	repo := New(Options{Registry: discoverer})

	_, err := repo.DiscoverRemote(context.Background(), "files")
	require.NoError(t, err)
	first := repo.Descriptors()

	_, err = repo.DiscoverRemote(context.Background(), "files")
	require.NoError(t, err)
	require.Equal(t, first, repo.Descriptors())
	require.Equal(t, 2, discoverer.calls)
}

func TestDiscoverRemote_NeverShadowsLocal(t *testing.T) {
	discoverer := &fakeDiscoverer{
		results: map[string]domain.DiscoveryResult{
			"files": {
				ServerName:   "files",
				ETag:         "v1",
				Capabilities: []domain.CapabilityDescriptor{{Name: "echo", Kind: domain.KindTool}},
			},
		},
	}
	repo := New(Options{Registry: discoverer})
	require.NoError(t, repo.DiscoverLocal(localManifest("echo"), false))

	_, err := repo.DiscoverRemote(context.Background(), "files")
	require.NoError(t, err)

	entry, err := repo.Resolve("echo")
	require.NoError(t, err)
	require.True(t, entry.Local())
}

func TestGet_Filters(t *testing.T) {
	repo := New(Options{Registry: &fakeDiscoverer{}})
	require.NoError(t, repo.DiscoverLocal(localManifest("echo"), false))
	require.NoError(t, repo.DiscoverLocal(domain.CapabilityManifest{
		Descriptor: domain.CapabilityDescriptor{Name: "env.get", Kind: domain.KindResource},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, nil
		},
	}, false))

	tools := repo.Get(domain.FilterByKind(domain.KindTool))
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Descriptor.Name)

	all := repo.Get(nil)
	require.Len(t, all, 2)
}
