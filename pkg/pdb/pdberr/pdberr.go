// Package pdberr defines the single error type reported by the PDB codec.
package pdberr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a codec failure.
type Kind uint8

const (
	// Container covers page size, directory and name-index problems.
	Container Kind = iota + 1
	// Record covers misaligned blocks, missing END markers and unknown tags.
	Record
	// Consistency covers cross references that do not resolve.
	Consistency
	// IO covers failures of the underlying byte stream.
	IO
)

func (k Kind) String() string {
	switch k {
	case Container:
		return "container"
	case Record:
		return "record"
	case Consistency:
		return "consistency"
	case IO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is returned by every Decode and Encode failure.
type Error struct {
	Kind     Kind
	Msg      string
	Module   string // owning module, if known
	Function string // owning function, if known
	Err      error  // cause
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("pdb ")
	b.WriteString(e.Kind.String())
	b.WriteString(" error: ")
	b.WriteString(e.Msg)
	if e.Module != "" {
		fmt.Fprintf(&b, " (module %q", e.Module)
		if e.Function != "" {
			fmt.Fprintf(&b, ", function %q", e.Function)
		}
		b.WriteString(")")
	} else if e.Function != "" {
		fmt.Fprintf(&b, " (function %q)", e.Function)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Newf creates an error of the given kind without a cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrapf creates an error of the given kind around cause. If cause already
// is an *Error its kind is kept and the message is prefixed.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return Newf(kind, format, args...)
	}
	var pe *Error
	if errors.As(cause, &pe) {
		cp := *pe
		cp.Msg = fmt.Sprintf(format, args...) + ": " + pe.Msg
		return &cp
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: errors.WithStack(cause)}
}

// InModule attaches the owning module name unless one is already set.
func InModule(err error, module string) error {
	var pe *Error
	if !errors.As(err, &pe) {
		return &Error{Kind: Record, Msg: "module decode failed", Module: module, Err: err}
	}
	if pe.Module == "" {
		cp := *pe
		cp.Module = module
		return &cp
	}
	return err
}

// InFunction attaches the owning function name unless one is already set.
func InFunction(err error, function string) error {
	var pe *Error
	if !errors.As(err, &pe) {
		return &Error{Kind: Record, Msg: "function decode failed", Function: function, Err: err}
	}
	if pe.Function == "" {
		cp := *pe
		cp.Function = function
		return &cp
	}
	return err
}

// KindOf returns the kind of err, or 0 when err is not a codec error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Is reports whether err is a codec error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
