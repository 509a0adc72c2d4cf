// Package registry maps declarative agent specs to concrete provider
// adapters. It is a pure dispatch table: no I/O, no capability negotiation;
// adapters establish their own connections or processes lazily on first use.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/providers"
)

type Registry struct {
	logger    *slog.Logger
	factories map[models.ProviderKind]providers.Factory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[models.ProviderKind]providers.Factory),
	}
}

// RegisterProvider adds one provider factory, replacing any previous factory
// for the same kind.
func (r *Registry) RegisterProvider(factory providers.Factory) {
	r.factories[factory.Kind()] = factory
}

// ResolveAgent creates the adapter for one spec. An unknown provider kind is
// a load-time configuration error.
func (r *Registry) ResolveAgent(spec *models.AgentSpec) (providers.Adapter, error) {
	factory, ok := r.factories[spec.ProviderKind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider kind %q for role %q",
			models.ErrConfiguration, spec.ProviderKind, spec.RoleName)
	}

	adapter, err := factory.Create(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter for role %q: %w",
			spec.ProviderKind, spec.RoleName, err)
	}

	return adapter, nil
}

// ResolveAll creates one adapter per spec, keyed by role name. A duplicate
// role name is a load-time configuration error, never silently merged.
func (r *Registry) ResolveAll(specs []*models.AgentSpec) (map[string]providers.Adapter, error) {
	adapters := make(map[string]providers.Adapter, len(specs))

	for _, spec := range specs {
		if _, exists := adapters[spec.RoleName]; exists {
			return nil, fmt.Errorf("%w: duplicate agent role %q", models.ErrConfiguration, spec.RoleName)
		}

		adapter, err := r.ResolveAgent(spec)
		if err != nil {
			return nil, err
		}

		adapters[spec.RoleName] = adapter
	}

	return adapters, nil
}
