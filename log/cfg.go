package log

import "fmt"

// LogCfg configures the vox logger. The voice relay path logs nothing per
// frame, so the logger favors simplicity over the last nanosecond; events
// are still pooled to keep allocation off the command path.
type LogCfg struct {
	// LogPath is the target file for the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level that will be emitted. Supports
	// hot-reload through the config manager.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file when it exceeds this size.
	FileSplitMB int `mapstructure:"splitmb"`

	// CallerSkip adjusts stack depth when the logger is wrapped.
	CallerSkip int `mapstructure:"callerSkip"`

	// FileAppender enables file output.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables colored stdout output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// EnabledCallerInfo adds file:line to every event.
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName returns the configuration name for LogCfg
func (c *LogCfg) GetName() string {
	return "logger"
}

// Validate validates the LogCfg parameters
func (c *LogCfg) Validate() error {
	if c.FileAppender && c.LogPath == "" {
		return fmt.Errorf("LogPath cannot be empty when the file appender is enabled")
	}
	if c.FileSplitMB < 0 {
		return fmt.Errorf("FileSplitMB cannot be negative")
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogPath:         "./vox.log",
	LogLevel:        DebugLevel,
	FileSplitMB:     50,
	CallerSkip:      0,
	FileAppender:    false,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
