package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/log"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
)

type fakeAdapter struct {
	kind models.ProviderKind
}

func (a *fakeAdapter) Kind() models.ProviderKind {
	return a.kind
}

func (a *fakeAdapter) Invoke(_ context.Context, _ providers.InvokeRequest) (*providers.InvokeResult, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAdapter) Close() error {
	return nil
}

type fakeFactory struct {
	kind    models.ProviderKind
	created int
	fail    error
}

func (f *fakeFactory) Kind() models.ProviderKind {
	return f.kind
}

func (f *fakeFactory) Create(_ *models.AgentSpec) (providers.Adapter, error) {
	if f.fail != nil {
		return nil, f.fail
	}

	f.created++

	return &fakeAdapter{kind: f.kind}, nil
}

func spec(role string, kind models.ProviderKind) *models.AgentSpec {
	return &models.AgentSpec{RoleName: role, ProviderKind: kind}
}

func TestResolveAgent(t *testing.T) {
	registry := NewRegistry(log.WithModule("test"))
	factory := &fakeFactory{kind: models.ProviderSubprocessCLI}
	registry.RegisterProvider(factory)

	adapter, err := registry.ResolveAgent(spec("reviewer", models.ProviderSubprocessCLI))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSubprocessCLI, adapter.Kind())
	assert.Equal(t, 1, factory.created)
}

func TestResolveAgentUnknownKind(t *testing.T) {
	registry := NewRegistry(log.WithModule("test"))

	_, err := registry.ResolveAgent(spec("reviewer", "telepathy"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestResolveAllByRole(t *testing.T) {
	registry := NewRegistry(log.WithModule("test"))
	registry.RegisterProvider(&fakeFactory{kind: models.ProviderSubprocessCLI})
	registry.RegisterProvider(&fakeFactory{kind: models.ProviderHTTPCompletion})

	adapters, err := registry.ResolveAll([]*models.AgentSpec{
		spec("reviewer", models.ProviderSubprocessCLI),
		spec("editor", models.ProviderHTTPCompletion),
	})
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, models.ProviderSubprocessCLI, adapters["reviewer"].Kind())
	assert.Equal(t, models.ProviderHTTPCompletion, adapters["editor"].Kind())
}

func TestResolveAllRejectsDuplicateRole(t *testing.T) {
	registry := NewRegistry(log.WithModule("test"))
	registry.RegisterProvider(&fakeFactory{kind: models.ProviderSubprocessCLI})

	_, err := registry.ResolveAll([]*models.AgentSpec{
		spec("reviewer", models.ProviderSubprocessCLI),
		spec("reviewer", models.ProviderSubprocessCLI),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestResolveAllPropagatesFactoryFailure(t *testing.T) {
	registry := NewRegistry(log.WithModule("test"))
	registry.RegisterProvider(&fakeFactory{kind: models.ProviderSubprocessCLI, fail: errors.New("no binary")})

	_, err := registry.ResolveAll([]*models.AgentSpec{
		spec("reviewer", models.ProviderSubprocessCLI),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no binary")
}

func TestRegisterDefaultProviders(t *testing.T) {
	registry := NewRegistry(log.WithModule("test"))
	registry.RegisterDefaultProviders(ProviderDefaults{
		CLIBinary:    "claude",
		WireURL:      "ws://localhost:9000",
		HTTPEndpoint: "http://localhost:9001/complete",
	})

	for _, kind := range []models.ProviderKind{
		models.ProviderSubprocessCLI,
		models.ProviderSessionProtocol,
		models.ProviderHTTPCompletion,
	} {
		adapter, err := registry.ResolveAgent(spec("role", kind))
		require.NoError(t, err)
		assert.Equal(t, kind, adapter.Kind())
	}
}
