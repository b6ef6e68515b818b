package metrics

import "fmt"

// MetricsCfg configures the metrics exposition endpoint.
type MetricsCfg struct {
	// Enabled turns the endpoint on.
	Enabled bool `mapstructure:"enabled"`

	// ListenAddr is the host:port the /metrics endpoint binds to.
	ListenAddr string `mapstructure:"listenAddr"`

	// Namespace prefixes every exported metric name.
	Namespace string `mapstructure:"namespace"`
}

// GetName returns the configuration name for MetricsCfg
func (c *MetricsCfg) GetName() string {
	return "metrics"
}

// Validate validates the MetricsCfg parameters
func (c *MetricsCfg) Validate() error {
	if c.Enabled && c.ListenAddr == "" {
		return fmt.Errorf("ListenAddr cannot be empty when metrics are enabled")
	}
	return nil
}
