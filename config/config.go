package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is implemented by components that want to react to a
// configuration file being rewritten at runtime. Listeners receive every
// configuration change and filter on the name themselves; components that
// follow the framework convention also expose GetConfigName for readability.
type ConfigChangeListener interface {
	// OnConfigChanged is called with the configuration name and both the new
	// and previous instances. Returning an error keeps the old configuration.
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}
