// Package xerrors provides error constructors and wrappers that capture
// caller location so the log package can emit stack data without every
// call site threading it through by hand.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries a full call stack captured at construction.
type stacked struct {
	err error
	pcs []uintptr
}

func (e *stacked) Error() string       { return e.err.Error() }
func (e *stacked) Unwrap() error       { return e.err }
func (e *stacked) StackPCs() []uintptr { return e.pcs }
func (e *stacked) IsXerrorsWrapper()   {}

// annotated carries a message prefix plus the single PC of the wrap site.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (e *annotated) Error() string     { return e.msg + ": " + e.err.Error() }
func (e *annotated) Unwrap() error     { return e.err }
func (e *annotated) PC() uintptr       { return e.pc }
func (e *annotated) IsXerrorsWrapper() {}

func stackPCs(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// +2 skips runtime.Callers and stackPCs itself
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with the message and a captured stack.
func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stackPCs(1)}
}

// Newf is New with fmt.Errorf formatting.
func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stackPCs(1)}
}

// Wrap prefixes err with msg and records the wrap site.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with fmt formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

// WithStack attaches a captured stack to err without changing its message.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackPCs(1)}
}

// EnsureTrace attaches a stack only if err does not already carry one
// somewhere in its chain. Use at package boundaries where the error may
// or may not have passed through xerrors already.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stackPCs(1)}
}
