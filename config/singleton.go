package config

import "sync"

var (
	_instanceMu sync.Mutex
	_instance   ConfigManager
)

// GetInstance returns the process-wide configuration manager, creating it on
// first use. Components that are not handed an explicit manager fall back to
// this instance.
func GetInstance() ConfigManager {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	if _instance == nil {
		_instance = NewConfigManager()
	}
	return _instance
}

// SetInstanceForTesting replaces the process-wide manager with a test double.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	_instance = cm
}

// ResetInstance clears the process-wide manager so the next GetInstance call
// builds a fresh one.
func ResetInstance() {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	_instance = nil
}
