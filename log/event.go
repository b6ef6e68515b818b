package log

import (
	"fmt"
	"strconv"
	"time"
)

// LogEvent accumulates one log line in logfmt form. Events come from a
// sync.Pool and must end with Msg or Msgf, which hands the buffer to the
// appenders and recycles the event. A nil event (level filtered out) is
// safe to chain on; every method no-ops.
type LogEvent struct {
	logger Logger
	buf    []byte
	level  Level
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{
		logger: logger,
		buf:    make([]byte, 0, 256),
	}
}

// Reset clears the event for reuse.
func (e *LogEvent) Reset() {
	e.buf = e.buf[:0]
}

func (e *LogEvent) appendKey(key string) {
	if len(e.buf) > 0 {
		e.buf = append(e.buf, ' ')
	}
	e.buf = append(e.buf, key...)
	e.buf = append(e.buf, '=')
}

// Str adds a string field.
func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf = strconv.AppendQuote(e.buf, val)
	return e
}

// Int adds an int field.
func (e *LogEvent) Int(key string, val int) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf = strconv.AppendInt(e.buf, int64(val), 10)
	return e
}

// Int64 adds an int64 field.
func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf = strconv.AppendInt(e.buf, val, 10)
	return e
}

// Uint32 adds a uint32 field. Network ids, user ids and channel ids all log
// through this.
func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf = strconv.AppendUint(e.buf, uint64(val), 10)
	return e
}

// Uint64 adds a uint64 field.
func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf = strconv.AppendUint(e.buf, val, 10)
	return e
}

// Bool adds a boolean field.
func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf = strconv.AppendBool(e.buf, val)
	return e
}

// Err adds an "error" field. A nil error adds nothing.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Time adds a timestamp field in RFC3339 with milliseconds.
func (e *LogEvent) Time(key string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf = t.AppendFormat(e.buf, "2006-01-02T15:04:05.000Z07:00")
	return e
}

// Dur adds a duration field.
func (e *LogEvent) Dur(key string, d time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	return e.Str(key, d.String())
}

// Any adds a field formatted with %v.
func (e *LogEvent) Any(key string, val any) *LogEvent {
	if e == nil {
		return nil
	}
	return e.Str(key, fmt.Sprintf("%v", val))
}

// Msg finalizes the event with a message and writes it out.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.appendKey("msg")
	e.buf = strconv.AppendQuote(e.buf, msg)
	e.buf = append(e.buf, '\n')
	e.logger.OnEventEnd(e)
}

// Msgf finalizes the event with a formatted message and writes it out.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}
