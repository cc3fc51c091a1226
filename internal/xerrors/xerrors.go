// Package xerrors attaches call-site information to errors. The logger reads it
// back to render stacks and error_links without the caller doing anything.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

// stacked carries the stack of the goroutine that created it
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated prefixes a message and records the single frame that added it
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// callers returns the stack above the exported function that called it
func callers() []uintptr {
	pcs := make([]uintptr, maxDepth)
	// runtime.Callers, callers, stack, the exported constructor
	n := runtime.Callers(4, pcs)
	return pcs[:n:n]
}

func stack(err error) error {
	return &stacked{err: err, pcs: callers()}
}

// caller returns the pc of whoever called the exported function calling caller
func caller() uintptr {
	var pc [1]uintptr
	// runtime.Callers, caller, the exported constructor
	if runtime.Callers(3, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

// New returns an error with msg and the caller's stack
func New(msg string) error { return stack(errors.New(msg)) }

func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...)) }

// WithStack records the caller's stack on err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return stack(err)
}

// EnsureTrace is WithStack unless something in the chain already has a stack.
// Use it at package boundaries where errors from libraries come back bare.
func EnsureTrace(err error) error {
	if err == nil || hasStack(err) {
		return err
	}
	return stack(err)
}

func hasStack(err error) bool {
	var s interface{ StackPCs() []uintptr }
	return errors.As(err, &s) && len(s.StackPCs()) > 0
}

// Wrap prefixes err with msg. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}
