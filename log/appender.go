package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
)

// LogAppender receives finalized log lines. Appenders must tolerate
// concurrent writes.
type LogAppender interface {
	// Write outputs one complete log line. The slice is only valid for the
	// duration of the call.
	Write(level Level, line []byte)

	// Refresh re-opens underlying resources, used after rotation or a
	// configuration change.
	Refresh()
}

// ConsoleAppender writes log lines to stdout, coloring each line by level
// so operator terminals can separate warnings from background chatter.
type ConsoleAppender struct {
	mu     sync.Mutex
	colors map[Level]*color.Color
}

// NewConsoleAppender creates a console appender with the default palette.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{
		colors: map[Level]*color.Color{
			TraceLevel: color.New(color.FgHiBlack),
			DebugLevel: color.New(color.FgCyan),
			InfoLevel:  color.New(color.FgGreen),
			WarnLevel:  color.New(color.FgYellow),
			ErrorLevel: color.New(color.FgRed),
			FatalLevel: color.New(color.FgHiRed, color.Bold),
		},
	}
}

// Write implements LogAppender.
func (a *ConsoleAppender) Write(level Level, line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.colors[level]; ok {
		c.Print(string(line))
		return
	}
	fmt.Print(string(line))
}

// Refresh implements LogAppender. Nothing to re-open for stdout.
func (a *ConsoleAppender) Refresh() {}

// FileAppender writes log lines to a file and rotates it by size. Rotation
// renames the current file with a numeric suffix and starts a fresh one.
type FileAppender struct {
	mu       sync.Mutex
	path     string
	splitMB  int
	file     *os.File
	written  int64
	rotation int
}

// NewFileAppender creates a file appender for the configured path. The file
// is opened lazily on first write so a misconfigured path surfaces as a
// write error, not a constructor failure.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{
		path:    cfg.LogPath,
		splitMB: cfg.FileSplitMB,
	}
}

// Write implements LogAppender.
func (a *FileAppender) Write(_ Level, line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		if err := a.open(); err != nil {
			fmt.Fprintf(os.Stderr, "log: open %s: %v\n", a.path, err)
			return
		}
	}

	n, err := a.file.Write(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: write %s: %v\n", a.path, err)
		return
	}
	a.written += int64(n)

	if a.splitMB > 0 && a.written >= int64(a.splitMB)*1024*1024 {
		a.rotate()
	}
}

// Refresh implements LogAppender, re-opening the file on next write.
func (a *FileAppender) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
}

func (a *FileAppender) open() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.written = info.Size()
	return nil
}

func (a *FileAppender) rotate() {
	a.closeLocked()
	a.rotation++
	rotated := fmt.Sprintf("%s.%d", a.path, a.rotation)
	if err := os.Rename(a.path, rotated); err != nil {
		fmt.Fprintf(os.Stderr, "log: rotate %s: %v\n", a.path, err)
	}
}

func (a *FileAppender) closeLocked() {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
		a.written = 0
	}
}
