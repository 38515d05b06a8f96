package obs

import (
	"fmt"

	"github.com/yanun0323/logs"
)

// Logger is the logging sink handed to every component.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type componentLogger struct {
	prefix string
}

// NewLogger returns a Logger that writes through the process logger and tags
// every line with the component name.
func NewLogger(component string) Logger {
	if component == "" {
		return componentLogger{}
	}
	return componentLogger{prefix: "[" + component + "] "}
}

func (l componentLogger) Debugf(format string, args ...any) {
	logs.Debugf(l.prefix+format, args...)
}

func (l componentLogger) Infof(format string, args ...any) {
	logs.Infof(l.prefix+format, args...)
}

func (l componentLogger) Warnf(format string, args ...any) {
	logs.Warnf(l.prefix+format, args...)
}

func (l componentLogger) Errorf(format string, args ...any) {
	logs.Errorf(l.prefix+format, args...)
}

// Named derives a logger for a sub component.
func Named(parent Logger, name string) Logger {
	if cl, ok := parent.(componentLogger); ok {
		return componentLogger{prefix: cl.prefix + "[" + name + "] "}
	}
	if _, ok := parent.(NopLogger); ok {
		return parent
	}
	return prefixed{inner: parent, prefix: "[" + name + "] "}
}

type prefixed struct {
	inner  Logger
	prefix string
}

func (p prefixed) Debugf(format string, args ...any) { p.inner.Debugf(p.prefix+format, args...) }
func (p prefixed) Infof(format string, args ...any)  { p.inner.Infof(p.prefix+format, args...) }
func (p prefixed) Warnf(format string, args ...any)  { p.inner.Warnf(p.prefix+format, args...) }
func (p prefixed) Errorf(format string, args ...any) { p.inner.Errorf(p.prefix+format, args...) }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}

// RecordingLogger keeps formatted lines in memory. Tests use it to assert
// that dropped frames are reported.
type RecordingLogger struct {
	lines chan string
}

// NewRecordingLogger buffers up to size lines; further lines are discarded.
func NewRecordingLogger(size int) *RecordingLogger {
	if size <= 0 {
		size = 64
	}
	return &RecordingLogger{lines: make(chan string, size)}
}

func (r *RecordingLogger) record(level, format string, args ...any) {
	select {
	case r.lines <- level + " " + fmt.Sprintf(format, args...):
	default:
	}
}

func (r *RecordingLogger) Debugf(format string, args ...any) { r.record("DEBUG", format, args...) }
func (r *RecordingLogger) Infof(format string, args ...any)  { r.record("INFO", format, args...) }
func (r *RecordingLogger) Warnf(format string, args ...any)  { r.record("WARN", format, args...) }
func (r *RecordingLogger) Errorf(format string, args ...any) { r.record("ERROR", format, args...) }

// Lines drains the lines recorded so far.
func (r *RecordingLogger) Lines() []string {
	var out []string
	for {
		select {
		case l := <-r.lines:
			out = append(out, l)
		default:
			return out
		}
	}
}
