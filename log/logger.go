package log

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/vox/config"
)

// Logger is the vox logging interface. Implementations hand out pooled
// events; a nil event means the level is filtered and the whole fluent
// chain no-ops.
type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent

	// OnEventEnd flushes a finalized event to the appenders and recycles it.
	OnEventEnd(e *LogEvent)

	// AddAppender registers an additional output target.
	AddAppender(a LogAppender)

	// SetLevel changes the minimum emitted level at runtime.
	SetLevel(l Level)
}

type logger struct {
	level      atomic.Uint32
	callerSkip int
	withCaller bool

	mu        sync.RWMutex
	appenders []LogAppender

	pool sync.Pool
}

// NewLogger creates a logger from the given configuration. A nil cfg uses
// the defaults (debug level, console only).
func NewLogger(cfg *LogCfg) Logger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	l := &logger{
		callerSkip: cfg.CallerSkip,
		withCaller: cfg.EnabledCallerInfo,
	}
	l.level.Store(uint32(cfg.LogLevel))
	l.pool.New = func() any { return newEvent(l) }
	if cfg.ConsoleAppender {
		l.appenders = append(l.appenders, NewConsoleAppender())
	}
	if cfg.FileAppender {
		l.appenders = append(l.appenders, NewFileAppender(cfg))
	}
	return l
}

// NewLoggerWithConfigManager creates a logger whose configuration is loaded
// from the config manager and re-applied on file changes.
func NewLoggerWithConfigManager(mgr config.ConfigManager) (Logger, error) {
	cfg := &LogCfg{}
	if err := mgr.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("load logger config: %w", err)
	}
	l := NewLogger(cfg)
	mgr.AddChangeListener(&cfgListener{logger: l.(*logger)})
	return l, nil
}

func (l *logger) Trace() *LogEvent { return l.newEvent(TraceLevel) }
func (l *logger) Debug() *LogEvent { return l.newEvent(DebugLevel) }
func (l *logger) Info() *LogEvent  { return l.newEvent(InfoLevel) }
func (l *logger) Warn() *LogEvent  { return l.newEvent(WarnLevel) }
func (l *logger) Error() *LogEvent { return l.newEvent(ErrorLevel) }
func (l *logger) Fatal() *LogEvent { return l.newEvent(FatalLevel) }

func (l *logger) SetLevel(level Level) {
	l.level.Store(uint32(level))
}

func (l *logger) AddAppender(a LogAppender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appenders = append(l.appenders, a)
}

func (l *logger) newEvent(level Level) *LogEvent {
	if uint32(level) < l.level.Load() {
		return nil
	}
	e := l.pool.Get().(*LogEvent)
	e.level = level

	now := time.Now()
	e.Time("ts", &now)
	e.Str("level", level.String())
	if l.withCaller {
		if _, file, line, ok := runtime.Caller(3 + l.callerSkip); ok {
			e.appendKey("caller")
			e.buf = append(e.buf, shortFile(file)...)
			e.buf = append(e.buf, ':')
			e.buf = strconv.AppendInt(e.buf, int64(line), 10)
		}
	}
	return e
}

func (l *logger) OnEventEnd(e *LogEvent) {
	l.mu.RLock()
	for _, a := range l.appenders {
		a.Write(e.level, e.buf)
	}
	l.mu.RUnlock()

	level := e.level
	e.Reset()
	l.pool.Put(e)

	if level == FatalLevel {
		os.Exit(1)
	}
}

// shortFile trims a source path down to pkg/file.go.
func shortFile(file string) string {
	slashes := 0
	for i := len(file) - 1; i >= 0; i-- {
		if file[i] == '/' {
			slashes++
			if slashes == 2 {
				return file[i+1:]
			}
		}
	}
	return file
}

// cfgListener re-applies logger settings when the config file changes. Only
// the level and caller switch take effect live; appender changes need a
// restart.
type cfgListener struct {
	logger *logger
}

func (cl *cfgListener) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != (&LogCfg{}).GetName() {
		return nil
	}
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return fmt.Errorf("unexpected config type %T for %s", newConfig, configName)
	}
	cl.logger.SetLevel(cfg.LogLevel)

	cl.logger.mu.RLock()
	for _, a := range cl.logger.appenders {
		a.Refresh()
	}
	cl.logger.mu.RUnlock()
	return nil
}

var (
	_defaultLogger   Logger = NewLogger(nil)
	_defaultLoggerMu sync.RWMutex
)

// SetDefaultLogger replaces the package-level logger.
func SetDefaultLogger(l Logger) {
	_defaultLoggerMu.Lock()
	defer _defaultLoggerMu.Unlock()
	_defaultLogger = l
}

func defaultLogger() Logger {
	_defaultLoggerMu.RLock()
	defer _defaultLoggerMu.RUnlock()
	return _defaultLogger
}

// Trace logs at trace level through the default logger.
func Trace() *LogEvent { return defaultLogger().Trace() }

// Debug logs at debug level through the default logger.
func Debug() *LogEvent { return defaultLogger().Debug() }

// Info logs at info level through the default logger.
func Info() *LogEvent { return defaultLogger().Info() }

// Warn logs at warn level through the default logger.
func Warn() *LogEvent { return defaultLogger().Warn() }

// Error logs at error level through the default logger.
func Error() *LogEvent { return defaultLogger().Error() }

// Fatal logs at fatal level through the default logger and exits.
func Fatal() *LogEvent { return defaultLogger().Fatal() }

// Initialize builds the default logger from the config manager. Call once
// at startup before any package logs.
func Initialize(mgr config.ConfigManager) error {
	l, err := NewLoggerWithConfigManager(mgr)
	if err != nil {
		return err
	}
	SetDefaultLogger(l)
	return nil
}
