package provider

import (
	"github.com/lcx/vox/config"
	"github.com/lcx/vox/plugin"
)

func init() {
	plugin.RegisterPlugin(&guestFactory{})
}

// guestFactory builds in-memory guest backends.
type guestFactory struct{}

// Type identifies the plugin as a provider backend.
func (f *guestFactory) Type() plugin.Type {
	return plugin.Provider
}

// Name returns the canonical plugin name.
func (f *guestFactory) Name() string {
	return "guest"
}

// Setup builds a new guest backend from the configuration payload.
func (f *guestFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg := defaultGuestCfg()
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	return NewGuestBackend(cfg), nil
}

// Destroy releases resources associated with the plugin instance.
func (f *guestFactory) Destroy(plugin.Plugin, any) error {
	return nil
}

// Reload is not supported; guest backends are recreated instead.
func (f *guestFactory) Reload(plugin.Plugin, map[string]any) error {
	return ErrNotSupported
}

// CanDelete reports whether the plugin instance can be safely deleted.
func (f *guestFactory) CanDelete(plugin.Plugin) bool {
	return true
}

// FromPlugin fetches the default provider backend instance by factory name.
func FromPlugin(factoryName string) (Backend, error) {
	ins, err := plugin.GetDefaultPlugin(plugin.Provider, factoryName)
	if err != nil {
		return nil, err
	}
	b, ok := ins.(Backend)
	if !ok {
		return nil, ErrNotSupported
	}
	return b, nil
}
