// Package pdb reads and writes the Program Database files of managed
// modules: sources, line numbers, local variables, constants and the
// compiler metadata attached to each method.
package pdb

import (
	"encoding/hex"
	"strings"

	"github.com/jtang613/mpdb/pkg/pdb/codeview"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
	"github.com/jtang613/mpdb/pkg/pdb/streams"
)

// GUID is a 128-bit identifier in its on-disk byte order.
type GUID [16]byte

func (g GUID) String() string {
	return streams.FormatGUID(g)
}

// MarshalText renders the GUID in registry format.
func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText parses a GUID in registry format, braces optional.
func (g *GUID) UnmarshalText(text []byte) error {
	s := strings.Trim(strings.ReplaceAll(string(text), "-", ""), "{}")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return pdberr.Newf(pdberr.Record, "invalid GUID %q", text)
	}
	// Data1..Data3 are little-endian on disk.
	g[0], g[1], g[2], g[3] = raw[3], raw[2], raw[1], raw[0]
	g[4], g[5] = raw[5], raw[4]
	g[6], g[7] = raw[7], raw[6]
	copy(g[8:], raw[8:])
	return nil
}

// Type aliases for the metadata records carried in OEM records.
type (
	AsyncMethodInfo     = codeview.AsyncMethodInfo
	SyncPoint           = codeview.SyncPoint
	EditAndContinueInfo = codeview.EditAndContinueInfo
	LocalSlot           = codeview.LocalSlot
	Closure             = codeview.Closure
	Lambda              = codeview.Lambda
	LocalScope          = codeview.LocalScope
	Value               = codeview.Value
)

// Instance is a decoded PDB.
type Instance struct {
	Timestamp    uint32    `json:"timestamp"`
	Age          uint32    `json:"age"`
	GUID         GUID      `json:"guid"`
	SourceServer []byte    `json:"source_server,omitempty"`
	Modules      []*Module `json:"modules"`
}

// Module is a compilation unit and the functions it contributes.
type Module struct {
	Name       string      `json:"name"`
	ObjectName string      `json:"object_name"`
	Functions  []*Function `json:"functions"`
}

// Block is the content shared by functions and scopes.
type Block struct {
	Scopes         []*Scope   `json:"scopes,omitempty"`
	Slots          []Slot     `json:"slots,omitempty"`
	UsedNamespaces []string   `json:"used_namespaces,omitempty"`
	Constants      []Constant `json:"constants,omitempty"`
}

// Scope is a lexical scope within a function.
type Scope struct {
	Offset uint32 `json:"offset"` // relative to the function start
	Length uint32 `json:"length"`
	Block
}

// Function is the debug information of one method.
type Function struct {
	Token  uint32 `json:"token"`
	Name   string `json:"name"`
	Length uint32 `json:"length"`

	// Address and Segment locate the function in the code section. They are
	// set by decoding; encoding assigns its own.
	Address uint32 `json:"address"`
	Segment uint16 `json:"segment"`

	Lines []Line `json:"lines,omitempty"`
	Block

	AsyncMethodInfo     *AsyncMethodInfo     `json:"async_method_info,omitempty"`
	EditAndContinue     *EditAndContinueInfo `json:"edit_and_continue,omitempty"`
	EncID               uint32               `json:"enc_id,omitempty"`
	ForwardMethod       uint32               `json:"forward_method,omitempty"`
	ForwardModuleMethod uint32               `json:"forward_module_method,omitempty"`
	IteratorClass       string               `json:"iterator_class,omitempty"`
	LocalScopes         []LocalScope         `json:"local_scopes,omitempty"`

	// UsingCounts holds the number of used namespaces per scope, pre-order.
	// When nil, encoding computes it from the scope tree.
	UsingCounts []uint16 `json:"using_counts,omitempty"`
}

// Slot is a local variable or parameter.
type Slot struct {
	Index     uint32 `json:"index"`
	TypeToken uint32 `json:"type_token"`
	Flags     uint16 `json:"flags"`
	Name      string `json:"name"`
}

// Constant is a named compile-time value.
type Constant struct {
	Token uint32 `json:"token"`
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Source is a source document. Lines that reference the same document share
// one *Source.
type Source struct {
	Name          string `json:"name"`
	Language      GUID   `json:"language"`
	Vendor        GUID   `json:"vendor"`
	DocumentType  GUID   `json:"document_type"`
	HashAlgorithm GUID   `json:"hash_algorithm"`
	Hash          []byte `json:"hash,omitempty"`
}

// Line maps an IL offset to a source range.
type Line struct {
	Source      *Source `json:"source"`
	ILOffset    uint32  `json:"il_offset"`
	StartLine   uint32  `json:"start_line"`
	EndLine     uint32  `json:"end_line"`
	StartColumn uint16  `json:"start_column,omitempty"`
	EndColumn   uint16  `json:"end_column,omitempty"`
	IsStatement bool    `json:"is_statement"`
}

// Functions returns every function of every module.
func (inst *Instance) Functions() []*Function {
	var fns []*Function
	for _, m := range inst.Modules {
		fns = append(fns, m.Functions...)
	}
	return fns
}

// Sources returns the distinct sources referenced by lines, in first
// reference order.
func (inst *Instance) Sources() []*Source {
	seen := make(map[*Source]bool)
	var out []*Source
	for _, fn := range inst.Functions() {
		for _, l := range fn.Lines {
			if l.Source != nil && !seen[l.Source] {
				seen[l.Source] = true
				out = append(out, l.Source)
			}
		}
	}
	return out
}

// Validate checks that inst can be encoded.
func (inst *Instance) Validate() error {
	for mi, m := range inst.Modules {
		if m == nil {
			return pdberr.Newf(pdberr.Consistency, "module %d is nil", mi)
		}
		for fi, fn := range m.Functions {
			if fn == nil {
				return pdberr.InModule(pdberr.Newf(pdberr.Consistency, "function %d is nil", fi), m.Name)
			}
			if err := fn.validate(); err != nil {
				return pdberr.InModule(pdberr.InFunction(err, fn.Name), m.Name)
			}
		}
	}
	return nil
}

func (fn *Function) validate() error {
	for i, l := range fn.Lines {
		if l.Source == nil {
			return pdberr.Newf(pdberr.Consistency, "line %d has no source", i)
		}
		if l.StartLine > codeview.MaxLineNumber {
			return pdberr.Newf(pdberr.Consistency, "line %d starts at %d, beyond %d", i, l.StartLine, codeview.MaxLineNumber)
		}
		if l.EndLine < l.StartLine || l.EndLine-l.StartLine > codeview.MaxLineDelta {
			return pdberr.Newf(pdberr.Consistency, "line %d spans %d..%d", i, l.StartLine, l.EndLine)
		}
	}
	if enc := fn.EditAndContinue; enc != nil {
		for i, s := range enc.LocalSlots {
			if s.Kind < codeview.NoLocalSlotInfo || s.Kind > codeview.MaxSlotKind {
				return pdberr.Newf(pdberr.Consistency, "EnC local slot %d has kind %d", i, s.Kind)
			}
		}
	}
	return fn.Block.validate()
}

func (b *Block) validate() error {
	for i, s := range b.Scopes {
		if s == nil {
			return pdberr.Newf(pdberr.Consistency, "scope %d is nil", i)
		}
		if err := s.Block.validate(); err != nil {
			return err
		}
	}
	return nil
}
