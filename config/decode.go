package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Decode maps a raw config payload onto a tagged struct. Plugin factories
// use it to turn their slice of the plugin file into a typed Cfg.
func Decode(v map[string]any, out any) error {
	if err := mapstructure.Decode(v, out); err != nil {
		return fmt.Errorf("decode config failed: %w", err)
	}
	return nil
}
