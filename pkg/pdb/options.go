package pdb

import (
	"log/slog"

	"github.com/jtang613/mpdb/pkg/pdb/msf"
)

// EntryPointName is the public symbol emitted for the entry point method.
const EntryPointName = "COM+_Entry_Point"

type options struct {
	caseSensitive bool
	tolerant      bool
	entryPoint    uint32
	hasEntryPoint bool
	pageSize      uint32
	logger        *slog.Logger
}

// Option configures Decode and Encode.
type Option func(*options)

// WithCaseSensitiveSources makes source and stream name lookups case
// sensitive. By default they ignore case.
func WithCaseSensitiveSources() Option {
	return func(o *options) { o.caseSensitive = true }
}

// WithTolerantDecoding skips unknown records and OEM items by their declared
// length instead of failing, and does not check end pointers.
func WithTolerantDecoding() Option {
	return func(o *options) { o.tolerant = true }
}

// WithEntryPoint makes Encode emit the entry point public symbol for the
// function with the given token.
func WithEntryPoint(token uint32) Option {
	return func(o *options) {
		o.entryPoint = token
		o.hasEntryPoint = true
	}
}

// WithPageSize sets the container page size used by Encode.
func WithPageSize(n uint32) Option {
	return func(o *options) { o.pageSize = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) *options {
	o := &options{pageSize: msf.DefaultPageSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
