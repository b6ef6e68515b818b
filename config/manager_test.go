package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayCfg struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	MaxConns int    `mapstructure:"maxConns"`
}

func (c *relayCfg) GetName() string {
	return "relay"
}

func (c *relayCfg) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("Name cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("Port must be in 1-65535")
	}
	return nil
}

// countingListener records every change notification it receives.
type countingListener struct {
	count    atomic.Int32
	lastName atomic.Value
	lastCfg  atomic.Value
	reject   bool
}

func (l *countingListener) OnConfigChanged(configName string, newConfig, oldConfig Config) error {
	l.count.Add(1)
	l.lastName.Store(configName)
	l.lastCfg.Store(newConfig)
	if l.reject {
		return fmt.Errorf("listener rejected change")
	}
	return nil
}

func writeRelayFile(t *testing.T, dir string, port, maxConns int) {
	t.Helper()
	body := fmt.Sprintf("name: relay-test\nport: %d\nmaxConns: %d\n", port, maxConns)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), []byte(body), 0o644))
}

func newTestManager(t *testing.T, dir string) ConfigManager {
	t.Helper()
	cm := NewConfigManager()
	cm.SetBasePath(dir)
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func TestLoadConfigReadsAndValidates(t *testing.T) {
	dir := t.TempDir()
	writeRelayFile(t, dir, 9987, 100)
	cm := newTestManager(t, dir)

	cfg := &relayCfg{}
	require.NoError(t, cm.LoadConfig("relay", cfg))
	assert.Equal(t, "relay-test", cfg.Name)
	assert.Equal(t, 9987, cfg.Port)
	assert.Equal(t, 100, cfg.MaxConns)

	got, err := cm.GetConfig("relay")
	require.NoError(t, err)
	assert.Same(t, Config(cfg), got)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cm := newTestManager(t, t.TempDir())
	assert.Error(t, cm.LoadConfig("relay", &relayCfg{}))
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"),
		[]byte("name: relay-test\nport: 0\n"), 0o644))
	cm := newTestManager(t, dir)

	err := cm.LoadConfig("relay", &relayCfg{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate")

	_, err = cm.GetConfig("relay")
	assert.Error(t, err)
}

func TestGetConfigUnknownName(t *testing.T) {
	cm := newTestManager(t, t.TempDir())
	_, err := cm.GetConfig("nope")
	assert.Error(t, err)
}

func TestEnvironmentVariableOverride(t *testing.T) {
	dir := t.TempDir()
	writeRelayFile(t, dir, 9987, 100)
	t.Setenv("RELAY_PORT", "10000")
	cm := newTestManager(t, dir)

	cfg := &relayCfg{}
	require.NoError(t, cm.LoadConfig("relay", cfg))
	assert.Equal(t, 10000, cfg.Port)
}

func TestEnvironmentSubdirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "production")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeRelayFile(t, sub, 9987, 100)

	cm := newTestManager(t, dir)
	cm.SetEnvironment("production")

	cfg := &relayCfg{}
	require.NoError(t, cm.LoadConfig("relay", cfg))
	assert.Equal(t, "relay-test", cfg.Name)
}

func TestNotifyConfigChangedFansOut(t *testing.T) {
	cm := newTestManager(t, t.TempDir())

	first := &countingListener{}
	second := &countingListener{reject: true}
	cm.AddChangeListener(first)
	cm.AddChangeListener(second)
	cm.AddChangeListener(nil)

	newCfg := &relayCfg{Name: "relay-test", Port: 1}
	cm.NotifyConfigChanged("relay", newCfg, nil)

	assert.Equal(t, int32(1), first.count.Load())
	assert.Equal(t, "relay", first.lastName.Load())
	assert.Same(t, newCfg, first.lastCfg.Load())
	// A rejecting listener must not stop the fan-out.
	assert.Equal(t, int32(1), second.count.Load())

	cm.RemoveChangeListener(first)
	cm.NotifyConfigChanged("relay", newCfg, nil)
	assert.Equal(t, int32(1), first.count.Load())
	assert.Equal(t, int32(2), second.count.Load())
}

func TestHotReloadOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	writeRelayFile(t, dir, 9987, 100)
	cm := newTestManager(t, dir)

	cfg := &relayCfg{}
	require.NoError(t, cm.LoadConfig("relay", cfg))

	listener := &countingListener{}
	cm.AddChangeListener(listener)

	writeRelayFile(t, dir, 10000, 200)

	require.Eventually(t, func() bool {
		return listener.count.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	got, err := cm.GetConfig("relay")
	require.NoError(t, err)
	reloaded := got.(*relayCfg)
	assert.Equal(t, 10000, reloaded.Port)
	assert.Equal(t, 200, reloaded.MaxConns)

	// The struct handed to LoadConfig is the old snapshot; a reload swaps
	// the stored instance instead of mutating the caller's.
	assert.Equal(t, 9987, cfg.Port)
}

func TestHotReloadKeepsOldConfigOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeRelayFile(t, dir, 9987, 100)
	cm := newTestManager(t, dir)

	cfg := &relayCfg{}
	require.NoError(t, cm.LoadConfig("relay", cfg))

	listener := &countingListener{}
	cm.AddChangeListener(listener)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"),
		[]byte("name: relay-test\nport: 0\n"), 0o644))
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, int32(0), listener.count.Load())
	got, err := cm.GetConfig("relay")
	require.NoError(t, err)
	assert.Equal(t, 9987, got.(*relayCfg).Port)
}

func TestConcurrentLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeRelayFile(t, dir, 9987, 100)
	cm := newTestManager(t, dir)
	require.NoError(t, cm.LoadConfig("relay", &relayCfg{}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cm.GetConfig("relay")
			assert.NoError(t, err)
			assert.Equal(t, "relay-test", got.(*relayCfg).Name)
		}()
	}
	wg.Wait()
}

func TestDecode(t *testing.T) {
	cfg := &relayCfg{}
	require.NoError(t, Decode(map[string]any{"name": "relay-test", "port": 9987}, cfg))
	assert.Equal(t, "relay-test", cfg.Name)
	assert.Equal(t, 9987, cfg.Port)

	assert.Error(t, Decode(map[string]any{"port": "not a number"}, &relayCfg{}))
}
