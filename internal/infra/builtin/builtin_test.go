package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func manifestByName(t *testing.T, name string) domain.CapabilityManifest {
	t.Helper()
	for _, m := range Manifests() {
		if m.Descriptor.Name == name {
			return m
		}
	}
	t.Fatalf("no built-in named %q", name)
	return domain.CapabilityManifest{}
}

func TestManifests_StableOrder(t *testing.T) {
	manifests := Manifests()
	require.Len(t, manifests, 3)
	require.Equal(t, "echo", manifests[0].Descriptor.Name)
	require.Equal(t, "time.now", manifests[1].Descriptor.Name)
	require.Equal(t, "env.get", manifests[2].Descriptor.Name)
	for _, m := range manifests {
		require.NotNil(t, m.Handler, m.Descriptor.Name)
		require.Equal(t, domain.OriginLocal, m.Descriptor.Origin.Kind)
	}
}

func TestEcho(t *testing.T) {
	m := manifestByName(t, "echo")
	value, err := m.Handler(context.Background(), map[string]any{"text": "ping"})
	require.NoError(t, err)
	require.Equal(t, "ping", value)

	_, err = m.Handler(context.Background(), map[string]any{})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)

	_, err = m.Handler(context.Background(), map[string]any{"text": 7})
	require.Error(t, err)
}

func TestTimeNow(t *testing.T) {
	m := manifestByName(t, "time.now")
	value, err := m.Handler(context.Background(), map[string]any{})
	require.NoError(t, err)
	stamp, ok := value.(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339, stamp)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), parsed, time.Minute)

	_, err = m.Handler(context.Background(), map[string]any{"location": "Not/AZone"})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)
}

func TestEnvGet(t *testing.T) {
	m := manifestByName(t, "env.get")
	t.Setenv("BUILTIN_TEST_VALUE", "present")

	value, err := m.Handler(context.Background(), map[string]any{"name": "BUILTIN_TEST_VALUE"})
	require.NoError(t, err)
	require.Equal(t, "present", value)

	_, err = m.Handler(context.Background(), map[string]any{"name": "BUILTIN_TEST_VALUE_MISSING"})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeNotFound, code)
}
