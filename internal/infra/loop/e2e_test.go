package loop

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
	"agentd/internal/infra/capserver"
	"agentd/internal/infra/memory"
	"agentd/internal/infra/registry"
	"agentd/internal/infra/repository"
)

// The full path of a run: a hosted capability server, discovery through the
// registry into the repository, and a model-driven run that invokes the
// discovered capability over the wire.
func TestRun_EndToEndEcho(t *testing.T) {
	ctx := context.Background()

	srv := capserver.New(capserver.Options{Name: "workshop"})
	require.NoError(t, srv.Register(
		domain.CapabilityDescriptor{
			Name:        "echo",
			Description: "Return the given text unchanged.",
			Kind:        domain.KindTool,
			Params: []domain.Parameter{
				{Name: "text", Type: domain.TypeString, Required: true},
			},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["text"]}, nil
		},
	))
	require.NoError(t, srv.Start(capserver.StartConfig{ListenAddress: "127.0.0.1:0", DrainTimeout: 2 * time.Second}))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	store, err := registry.OpenStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(registry.Options{
		Store: store,
		Clients: registry.NewDialClientFactory(registry.DialClientFactoryOptions{
			ConnectTimeout: 2 * time.Second,
			ClientName:     "agentd-test",
		}),
	})
	require.NoError(t, err)
	require.NoError(t, reg.RegisterServer(domain.ServerRegistration{
		Name:          "workshop",
		TransportKind: domain.TransportTCP,
		Address:       srv.Addr(),
		Enabled:       true,
		TTLSeconds:    300,
	}))

	repo := repository.New(repository.Options{Registry: reg})
	result, err := repo.DiscoverRemote(ctx, "workshop")
	require.NoError(t, err)
	require.False(t, result.Stale)
	require.Len(t, result.Capabilities, 1)

	dispatcher := NewDispatcher(DispatcherOptions{
		Directory:      reg,
		ConnectTimeout: 2 * time.Second,
		InvokeTimeout:  2 * time.Second,
	})
	t.Cleanup(func() { _ = dispatcher.Close() })

	asked := false
	model := &funcModel{step: func(_ context.Context, turns []domain.Turn, tools []domain.CapabilityDescriptor) (domain.ReasoningStep, error) {
		if !asked {
			asked = true
			require.Len(t, tools, 1)
			require.Equal(t, "echo", tools[0].Name)
			return domain.CallStep(domain.CapabilityCall{
				CallID: "c1",
				Name:   "echo",
				Args:   map[string]any{"text": "round trip"},
			}), nil
		}
		last := turns[len(turns)-1]
		return domain.RespondStep(last.Content), nil
	}}

	mem := memory.NewBuffer()
	l := newTestLoop(t, model, repo, dispatcher, mem, nil)

	outcome, err := l.Run(ctx, "echo something for me")
	require.NoError(t, err)
	require.Equal(t, domain.RunDone, outcome.Status)
	require.Contains(t, outcome.Answer, "round trip")
	require.Equal(t, 2, outcome.Iterations)

	turns, err := mem.Read()
	require.NoError(t, err)
	require.Len(t, turns, 4)
	require.Equal(t, "echo", turns[2].Capability)
	require.False(t, turns[2].IsError)
}
