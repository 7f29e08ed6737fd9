// Package sklogimpl defines the interface for the logging implementation used
// by sklog. Splitting the interface from the sklog package lets backends be
// swapped without an import cycle.
package sklogimpl

import (
	"fmt"
	"os"
	"runtime"
)

// Severity identifies the log level of a message.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	}
	return "Unknown"
}

// Logger is implemented by logging backends.
//
// depth indicates how far up the call stack the reported caller should be,
// where 0 means the caller of Log.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
	Flush()
}

var logger Logger

// SetLogger changes the package to use the given Logger. Must be called
// before any logging happens, i.e. from an init().
func SetLogger(l Logger) {
	logger = l
}

// Log records one message at the given severity. A Fatal message flushes and
// terminates the process even if the backend's own Fatal does not.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	logger.Log(depth+1, severity, format, args...)
	if severity == Fatal {
		stacktrace := make([]byte, 1<<16)
		n := runtime.Stack(stacktrace, true)
		fmt.Fprintln(os.Stderr, string(stacktrace[:n]))
		logger.Flush()
		os.Exit(255)
	}
}

// Flush flushes the underlying Logger.
func Flush() {
	if logger != nil {
		logger.Flush()
	}
}
