// Package mongo registers and manages the MongoDB-backed provider backend.
package mongo

import (
	"context"
	"time"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/plugin"
	"github.com/lcx/vox/provider"
)

var (
	// openBackendFn wraps Open to allow tests to substitute a fake backend.
	openBackendFn = func(cfg *Cfg) (plugin.Plugin, error) { return Open(cfg) }
)

func init() {
	plugin.RegisterPlugin(&factory{})
}

// factory implements the mongo provider plugin factory.
type factory struct{}

// Type identifies the plugin as a provider backend.
func (f *factory) Type() plugin.Type {
	return plugin.Provider
}

// Name returns the canonical plugin name.
func (f *factory) Name() string {
	return "mongo"
}

// Setup builds a new mongo backend using the provided configuration payload.
func (f *factory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg := &Cfg{}
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	return openBackendFn(cfg)
}

// Destroy disconnects the backend.
func (f *factory) Destroy(p plugin.Plugin, _ any) error {
	b, ok := p.(provider.Backend)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Close(ctx)
}

// Reload is not supported; connection changes recreate the backend.
func (f *factory) Reload(plugin.Plugin, map[string]any) error {
	return provider.ErrNotSupported
}

// CanDelete reports whether the plugin instance can be safely deleted.
func (f *factory) CanDelete(plugin.Plugin) bool {
	return true
}
