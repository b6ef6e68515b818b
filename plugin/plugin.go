package plugin

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/log"
)

// Type represents the plugin type supported by the system.
type Type string

const (
	// Provider plugins back the user, channel and permission registries.
	Provider = "provider"
)

const (
	DefaultInsName = "default" // DefaultInsName is the default instance name when not specified in config.
)

// PluginConfig represents the plugin configuration structure.
// Structure: map[plugin_type][factory_name] = config_items
// Example YAML:
//
//	provider:
//	  mongo_main:
//	    uri: mongodb://localhost:27017
//	    database: vox
//	    tag: main  # Instance name (optional, defaults to "default")
type PluginConfig map[string]map[string]map[string]any

// GetName implements the config.Config interface.
func (c *PluginConfig) GetName() string {
	return "plugin"
}

// Validate implements the config.Config interface.
func (c *PluginConfig) Validate() error {
	if c == nil || len(*c) == 0 {
		return fmt.Errorf("plugin config is empty")
	}
	for pluginType, factories := range *c {
		if len(factories) == 0 {
			return fmt.Errorf("plugin type %s has no factory config", pluginType)
		}
		for factoryName, instances := range factories {
			if len(instances) == 0 {
				return fmt.Errorf("plugin %s_%s has no instance config", pluginType, factoryName)
			}
		}
	}
	return nil
}

// Plugin represents the plugin instance interface.
// All plugin implementations must satisfy this interface.
type Plugin interface { //nolint:revive
	FactoryName() string
}

type pluginMgr struct {
	// insMap: type -> factory -> instance name -> instance
	insMap map[string]map[string]map[string]Plugin
}

var (
	_pluginLock sync.RWMutex
	_pluginMgr  = &pluginMgr{insMap: make(map[string]map[string]map[string]Plugin)}
)

// RegisterPlugin registers a plugin factory with the plugin manager.
// This should be called during package initialization (init function).
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[fmt.Sprintf("%s_%s", f.Type(), f.Name())] = f
}

type initializedPlugin struct {
	ft, fn, pn string
	ins        Plugin
}

// InitPlugins initializes all plugins with automatic rollback on partial
// failure, then registers the manager as a config change listener so the
// plugin file supports hot reload.
func InitPlugins(cm config.ConfigManager) error {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	var cfg PluginConfig
	if err := cm.LoadConfig("plugin", &cfg); err != nil {
		return fmt.Errorf("load plugin config failed: %w", err)
	}

	cm.AddChangeListener(_pluginMgr)

	if err := setupPluginsLocked(&cfg); err != nil {
		return err
	}

	log.Info().Int("count", countInstancesLocked()).Msg("plugins initialized")
	return nil
}

// setupPluginsLocked creates every instance the config names, rolling back
// all of them if any single setup fails. Caller holds _pluginLock.
func setupPluginsLocked(cfg *PluginConfig) error {
	done := make([]initializedPlugin, 0)

	for ft, factories := range *cfg {
		haveDefault := false
		for key, c := range factories {
			fn := getFactoryName(key)
			f := factoryLocked(ft, fn)
			if f == nil {
				rollbackPluginsLocked(done)
				return fmt.Errorf("plugin factory [%s/%s] not found, available: %v",
					ft, fn, availableFactoriesLocked(ft))
			}

			ins, err := f.Setup(c)
			if err != nil {
				rollbackPluginsLocked(done)
				return fmt.Errorf("plugin [%s/%s] setup failed: %w", ft, fn, err)
			}

			pn := instanceNameFromCfg(c)
			if pn == DefaultInsName {
				if haveDefault {
					_ = f.Destroy(ins, nil)
					rollbackPluginsLocked(done)
					return fmt.Errorf("plugin type [%s] default instance already exists", ft)
				}
				haveDefault = true
			}
			if err := registerInstanceLocked(ft, fn, pn, ins); err != nil {
				_ = f.Destroy(ins, nil)
				rollbackPluginsLocked(done)
				return err
			}
			done = append(done, initializedPlugin{ft, fn, pn, ins})

			log.Info().Str("type", ft).Str("factory", fn).Str("instance", pn).
				Msg("plugin setup success")
		}
	}
	return nil
}

// OnConfigChanged implements config.ConfigChangeListener. When the plugin
// file changes, instances that exist in both the old and new config are
// handed the new settings through Reload; everything else is destroyed and
// recreated.
func (pm *pluginMgr) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "plugin" {
		return nil
	}
	newCfg, ok := newConfig.(*PluginConfig)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginConfig, got %T", newConfig)
	}
	if oldConfig == nil {
		return nil
	}

	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	// Refuse the reload entirely if any live instance reports it cannot be
	// torn down right now.
	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			f := factoryLocked(ft, fn)
			if f == nil {
				continue
			}
			for pn, ins := range instances {
				if !f.CanDelete(ins) {
					return fmt.Errorf("plugin [%s/%s/%s] cannot be deleted: has active tasks", ft, fn, pn)
				}
			}
		}
	}

	// Lightweight path first: reload instances that survive the change.
	reloaded := make(map[string]bool)
	for ft, factories := range *newCfg {
		for key, c := range factories {
			fn := getFactoryName(key)
			pn := instanceNameFromCfg(c)
			f := factoryLocked(ft, fn)
			if f == nil {
				continue
			}
			ins, err := instanceLocked(ft, fn, pn)
			if err != nil {
				continue
			}
			if err := f.Reload(ins, c); err != nil {
				log.Warn().Err(err).Str("type", ft).Str("factory", fn).
					Str("instance", pn).Msg("hot reload failed, will recreate")
				continue
			}
			reloaded[fmt.Sprintf("%s/%s/%s", ft, fn, pn)] = true
		}
	}

	// Destroy everything that was not reloaded in place.
	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			f := factoryLocked(ft, fn)
			if f == nil {
				continue
			}
			for pn, ins := range instances {
				if reloaded[fmt.Sprintf("%s/%s/%s", ft, fn, pn)] {
					continue
				}
				if err := f.Destroy(ins, nil); err != nil {
					log.Error().Err(err).Str("type", ft).Str("factory", fn).
						Str("instance", pn).Msg("destroy plugin failed")
				}
				delete(instances, pn)
			}
		}
	}

	// Recreate the remainder from the new config.
	done := make([]initializedPlugin, 0)
	for ft, factories := range *newCfg {
		for key, c := range factories {
			fn := getFactoryName(key)
			pn := instanceNameFromCfg(c)
			if reloaded[fmt.Sprintf("%s/%s/%s", ft, fn, pn)] {
				continue
			}
			f := factoryLocked(ft, fn)
			if f == nil {
				rollbackPluginsLocked(done)
				return fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
			}
			ins, err := f.Setup(c)
			if err != nil {
				rollbackPluginsLocked(done)
				return fmt.Errorf("plugin [%s/%s] setup failed: %w", ft, fn, err)
			}
			if err := registerInstanceLocked(ft, fn, pn, ins); err != nil {
				_ = f.Destroy(ins, nil)
				rollbackPluginsLocked(done)
				return err
			}
			done = append(done, initializedPlugin{ft, fn, pn, ins})
		}
	}

	log.Info().Int("reloaded", len(reloaded)).Int("recreated", len(done)).
		Msg("plugin hot reload completed")
	return nil
}

func factoryLocked(ft, fn string) Factory {
	return _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
}

// instanceNameFromCfg extracts the tag from config key-value pairs.
func instanceNameFromCfg(c map[string]any) string {
	t, ok := c["tag"]
	if !ok {
		return DefaultInsName
	}
	tag, ok := t.(string)
	if !ok {
		return DefaultInsName
	}
	return tag
}

func getFactoryName(key string) string {
	return strings.Split(key, "_")[0]
}

func registerInstanceLocked(ft, fn, pn string, ins Plugin) error {
	if _pluginMgr.insMap[ft] == nil {
		_pluginMgr.insMap[ft] = make(map[string]map[string]Plugin)
	}
	if _pluginMgr.insMap[ft][fn] == nil {
		_pluginMgr.insMap[ft][fn] = make(map[string]Plugin)
	}
	if _, exists := _pluginMgr.insMap[ft][fn][pn]; exists {
		return fmt.Errorf("plugin instance [%s/%s/%s] already registered", ft, fn, pn)
	}
	_pluginMgr.insMap[ft][fn][pn] = ins
	return nil
}

func instanceLocked(ft, fn, pn string) (Plugin, error) {
	typeMap, ok := _pluginMgr.insMap[ft]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	factoryMap, ok := typeMap[fn]
	if !ok {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	ins, ok := factoryMap[pn]
	if !ok {
		return nil, fmt.Errorf("plugin instance [%s/%s/%s] not found", ft, fn, pn)
	}
	return ins, nil
}

// GetPlugin retrieves a plugin instance (thread-safe).
// ft: plugin type (e.g., "provider")
// fn: factory name (e.g., "mongo")
// pn: instance name (e.g., "main")
func GetPlugin(ft, fn, pn string) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()
	return instanceLocked(ft, fn, pn)
}

// GetDefaultPlugin retrieves the default instance of a factory.
func GetDefaultPlugin(ft, fn string) (Plugin, error) {
	return GetPlugin(ft, fn, DefaultInsName)
}

// MustGetPlugin retrieves a plugin and terminates the process on failure.
// Use for plugins the server cannot run without.
func MustGetPlugin(ft, fn, pn string) Plugin {
	ins, err := GetPlugin(ft, fn, pn)
	if err != nil {
		log.Fatal().Err(err).Str("type", ft).Str("factory", fn).
			Str("instance", pn).Msg("critical plugin not found")
	}
	return ins
}

// ListPlugins lists registered instances, keyed "type/factory".
func ListPlugins() map[string][]string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	result := make(map[string][]string)
	for ft, typeMap := range _pluginMgr.insMap {
		for fn, factoryMap := range typeMap {
			key := fmt.Sprintf("%s/%s", ft, fn)
			for pn := range factoryMap {
				result[key] = append(result[key], pn)
			}
		}
	}
	return result
}

// ShutdownPlugins destroys every live instance. Called once during server
// shutdown.
func ShutdownPlugins() {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	for ft, factories := range _pluginMgr.insMap {
		for fn, instances := range factories {
			f := factoryLocked(ft, fn)
			for pn, ins := range instances {
				if f != nil {
					if err := f.Destroy(ins, nil); err != nil {
						log.Error().Err(err).Str("type", ft).Str("factory", fn).
							Str("instance", pn).Msg("destroy plugin failed")
					}
				}
			}
		}
	}
	_pluginMgr.insMap = make(map[string]map[string]map[string]Plugin)
}

func rollbackPluginsLocked(plugins []initializedPlugin) {
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		f := factoryLocked(p.ft, p.fn)
		if f == nil {
			continue
		}
		if err := f.Destroy(p.ins, nil); err != nil {
			log.Error().Err(err).Str("type", p.ft).Str("factory", p.fn).
				Str("instance", p.pn).Msg("rollback failed")
		}
		if factories, ok := _pluginMgr.insMap[p.ft]; ok {
			if instances, ok := factories[p.fn]; ok {
				delete(instances, p.pn)
			}
		}
	}
}

func availableFactoriesLocked(ft string) []string {
	var factories []string
	for key := range _factoryMap {
		if strings.HasPrefix(key, ft+"_") {
			factories = append(factories, strings.TrimPrefix(key, ft+"_"))
		}
	}
	return factories
}

func countInstancesLocked() int {
	n := 0
	for _, factories := range _pluginMgr.insMap {
		for _, instances := range factories {
			n += len(instances)
		}
	}
	return n
}
