// Package skerr provides errors that include a call stack so the origin of a
// failure is recoverable from logs alone. Errors cross package boundaries
// wrapped exactly once per hop via Wrap or Wrapf.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a filename (base filename only) and line number.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// CallStack returns a slice of StackTrace representing the current stack
// trace. The lines returned start at the given height. A height of 1 means to
// start at the caller of CallStack. Heights above the top of the stack give
// entries of "???".
func CallStack(depth, height int) []StackTrace {
	stack := make([]StackTrace, 0, depth)
	for i := 0; depth <= 0 || i < depth; i++ {
		_, file, line, ok := runtime.Caller(i + height)
		if !ok {
			if depth <= 0 {
				break
			}
			stack = append(stack, StackTrace{File: "???", Line: 1})
			continue
		}
		slash := strings.LastIndex(file, "/")
		if slash >= 0 {
			file = file[slash+1:]
		}
		stack = append(stack, StackTrace{File: file, Line: line})
	}
	return stack
}

// ErrorWithContext implements error, adding a call stack and an optional
// additional message to a wrapped error.
type ErrorWithContext struct {
	// Wrapped is the underlying error, or nil when the error originated here.
	Wrapped error
	// CallStack is the stack captured at the point of wrapping. The first
	// element is the caller of Wrap/Wrapf/Fmt.
	CallStack []StackTrace
	// Message is the context added at wrap time, possibly empty.
	Message string
}

func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
	}
	if e.Wrapped != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Wrapped.Error())
	}
	if len(e.CallStack) > 0 {
		sb.WriteString(". At")
		for _, st := range e.CallStack {
			sb.WriteString(" ")
			sb.WriteString(st.String())
		}
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

const callStackDepth = 8

// Wrap adds a call stack to an error. Wrap(nil) returns nil, so the result
// of a call can be wrapped directly.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		// Already carries a stack; do not stack stacks.
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(callStackDepth, 2),
	}
}

// Unwrap returns the innermost non-skerr error, for callers that need to
// compare against sentinel errors from other packages.
func Unwrap(err error) error {
	for {
		wrapper, ok := err.(*ErrorWithContext)
		if !ok || wrapper.Wrapped == nil {
			return err
		}
		err = wrapper.Wrapped
	}
}

// Fmt creates a new error with a call stack, formatting as fmt.Errorf does.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Message:   fmt.Sprintf(format, args...),
		CallStack: CallStack(callStackDepth, 2),
	}
}

// Wrapf adds a call stack and a formatted message to an error. Unlike Wrap,
// Wrapf always wraps a non-nil error so each hop's context is preserved;
// Wrapf(nil, ...) returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Wrapped:   err,
		Message:   fmt.Sprintf(format, args...),
		CallStack: CallStack(callStackDepth, 2),
	}
}
