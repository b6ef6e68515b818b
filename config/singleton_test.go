package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nullManager satisfies ConfigManager without touching the filesystem.
type nullManager struct{}

func (nullManager) LoadConfig(string, Config) error { return nil }

func (nullManager) GetConfig(string) (Config, error) { return nil, nil }

func (nullManager) AddChangeListener(ConfigChangeListener) {}

func (nullManager) RemoveChangeListener(ConfigChangeListener) {}

func (nullManager) NotifyConfigChanged(string, Config, Config) {}

func (nullManager) SetBasePath(string) {}

func (nullManager) SetEnvironment(string) {}

func (nullManager) Close() error { return nil }

func TestGetInstanceIsProcessWide(t *testing.T) {
	ResetInstance()
	t.Cleanup(ResetInstance)

	first := GetInstance()
	require.NotNil(t, first)

	var wg sync.WaitGroup
	instances := make([]ConfigManager, 32)
	for i := range instances {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			instances[i] = GetInstance()
		}(i)
	}
	wg.Wait()

	for _, ins := range instances {
		assert.Same(t, first, ins)
	}
}

func TestSetInstanceForTesting(t *testing.T) {
	ResetInstance()
	t.Cleanup(ResetInstance)

	fake := nullManager{}
	SetInstanceForTesting(fake)
	assert.Equal(t, ConfigManager(fake), GetInstance())

	ResetInstance()
	rebuilt := GetInstance()
	require.NotNil(t, rebuilt)
	assert.NotEqual(t, ConfigManager(fake), rebuilt)
}
