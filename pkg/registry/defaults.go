package registry

import (
	"net/http"

	"github.com/loomrun/loom/pkg/providers/claudecli"
	"github.com/loomrun/loom/pkg/providers/httpcomp"
	"github.com/loomrun/loom/pkg/providers/wire"
)

// ProviderDefaults carries the environment-specific connection parameters for
// the built-in provider kinds. Empty entries leave the corresponding kind
// unavailable for wire and HTTP providers; the CLI binary defaults to
// "claude" on PATH.
type ProviderDefaults struct {
	CLIBinary    string
	WireURL      string
	HTTPEndpoint string
	HTTPClient   *http.Client
}

// RegisterDefaultProviders registers the three built-in provider kinds.
func (r *Registry) RegisterDefaultProviders(defaults ProviderDefaults) {
	// Subprocess CLI provider
	r.RegisterProvider(claudecli.NewFactory(defaults.CLIBinary, r.logger))

	// Session-protocol (websocket) provider
	r.RegisterProvider(wire.NewFactory(defaults.WireURL, r.logger))

	// HTTP completion provider
	r.RegisterProvider(httpcomp.NewFactory(defaults.HTTPEndpoint, defaults.HTTPClient, r.logger))
}
