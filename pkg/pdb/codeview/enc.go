package codeview

import (
	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// NoLocalSlotInfo is the Kind of a local slot that carries no EnC info.
const NoLocalSlotInfo = -1

// MaxSlotKind is the largest synthesized local kind the slot map can hold.
const MaxSlotKind = 0x3F - 1

const (
	encBaselineMarker  = 0xFF
	encDefaultBaseline = -1
	encMinClosure      = -2
)

// LocalSlot is the EnC debug record of one local variable slot.
type LocalSlot struct {
	Kind         int   `json:"kind"`
	SyntaxOffset int32 `json:"syntax_offset"`
	Ordinal      int32 `json:"ordinal,omitempty"`
}

// Closure is a closure scope created by a method.
type Closure struct {
	SyntaxOffset int32 `json:"syntax_offset"`
}

// Lambda is a lambda body and the closure it is hoisted into.
type Lambda struct {
	SyntaxOffset   int32 `json:"syntax_offset"`
	ClosureOrdinal int32 `json:"closure_ordinal"`
}

// EditAndContinueInfo is the per-method EnC metadata.
type EditAndContinueInfo struct {
	LocalSlots    []LocalSlot `json:"local_slots,omitempty"`
	MethodOrdinal int32       `json:"method_ordinal"`
	Closures      []Closure   `json:"closures,omitempty"`
	Lambdas       []Lambda    `json:"lambdas,omitempty"`
}

// HasLambdaMap reports whether a lambda map must be written.
func (e *EditAndContinueInfo) HasLambdaMap() bool {
	return len(e.Closures) > 0 || len(e.Lambdas) > 0 || e.MethodOrdinal != encDefaultBaseline
}

func compressedOffset(w *cursor.Writer, v, baseline int32) {
	w.Compressed(uint32(int64(v) - int64(baseline)))
}

// LocalSlotMap serializes the local slot records. Syntax offsets are stored
// relative to the smallest offset below -1, announced by a 0xFF prefix.
func (e *EditAndContinueInfo) LocalSlotMap() ([]byte, error) {
	baseline := int32(encDefaultBaseline)
	for _, s := range e.LocalSlots {
		if s.Kind != NoLocalSlotInfo && s.SyntaxOffset < baseline {
			baseline = s.SyntaxOffset
		}
	}

	w := cursor.NewWriter()
	if baseline != encDefaultBaseline {
		w.U8(encBaselineMarker)
		w.Compressed(uint32(-int64(baseline)))
	}
	for i, s := range e.LocalSlots {
		if s.Kind == NoLocalSlotInfo {
			w.U8(0)
			continue
		}
		if s.Kind < 0 || s.Kind > MaxSlotKind {
			return nil, pdberr.Newf(pdberr.Record, "local slot %d has kind %d", i, s.Kind)
		}
		if s.Ordinal < 0 {
			return nil, pdberr.Newf(pdberr.Record, "local slot %d has ordinal %d", i, s.Ordinal)
		}
		b := uint8((s.Kind + 1) & 0x3F)
		if s.Ordinal > 0 {
			b |= 0x80
		}
		w.U8(b)
		compressedOffset(w, s.SyntaxOffset, baseline)
		if s.Ordinal > 0 {
			w.Compressed(uint32(s.Ordinal))
		}
	}
	if err := w.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "failed to encode local slot map")
	}
	return w.Bytes(), nil
}

// ParseLocalSlotMap decodes a local slot map into e.
func (e *EditAndContinueInfo) ParseLocalSlotMap(data []byte) error {
	r := cursor.NewReader(data)
	baseline := int64(encDefaultBaseline)
	if len(data) > 0 && data[0] == encBaselineMarker {
		r.U8()
		baseline = -int64(r.Compressed())
	}
	e.LocalSlots = nil
	for r.Err() == nil && r.Remaining() > 0 {
		b := r.U8()
		if b == 0 {
			e.LocalSlots = append(e.LocalSlots, LocalSlot{Kind: NoLocalSlotInfo})
			continue
		}
		s := LocalSlot{Kind: int(b&0x3F) - 1}
		s.SyntaxOffset = int32(int64(r.Compressed()) + baseline)
		if b&0x80 != 0 {
			s.Ordinal = int32(r.Compressed())
		}
		e.LocalSlots = append(e.LocalSlots, s)
	}
	if err := r.Err(); err != nil {
		return pdberr.Wrapf(pdberr.Record, err, "malformed local slot map")
	}
	return nil
}

// LambdaMap serializes the method ordinal, closures and lambdas.
func (e *EditAndContinueInfo) LambdaMap() ([]byte, error) {
	baseline := int32(encDefaultBaseline)
	for _, c := range e.Closures {
		if c.SyntaxOffset < baseline {
			baseline = c.SyntaxOffset
		}
	}
	for _, l := range e.Lambdas {
		if l.SyntaxOffset < baseline {
			baseline = l.SyntaxOffset
		}
	}

	w := cursor.NewWriter()
	w.Compressed(uint32(e.MethodOrdinal + 1))
	w.Compressed(uint32(-int64(baseline)))
	w.Compressed(uint32(len(e.Closures)))
	for _, c := range e.Closures {
		compressedOffset(w, c.SyntaxOffset, baseline)
	}
	for i, l := range e.Lambdas {
		if l.ClosureOrdinal < encMinClosure {
			return nil, pdberr.Newf(pdberr.Record, "lambda %d has closure ordinal %d", i, l.ClosureOrdinal)
		}
		compressedOffset(w, l.SyntaxOffset, baseline)
		w.Compressed(uint32(l.ClosureOrdinal - encMinClosure))
	}
	if err := w.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "failed to encode lambda map")
	}
	return w.Bytes(), nil
}

// ParseLambdaMap decodes a lambda map into e.
func (e *EditAndContinueInfo) ParseLambdaMap(data []byte) error {
	r := cursor.NewReader(data)
	e.MethodOrdinal = int32(r.Compressed()) - 1
	baseline := -int64(r.Compressed())
	n := r.Compressed()
	if r.Err() == nil && int(n) > r.Remaining() {
		return pdberr.Newf(pdberr.Record, "lambda map declares %d closures in %d bytes", n, r.Remaining())
	}
	e.Closures = nil
	for i := uint32(0); i < n; i++ {
		e.Closures = append(e.Closures, Closure{SyntaxOffset: int32(int64(r.Compressed()) + baseline)})
	}
	e.Lambdas = nil
	for r.Err() == nil && r.Remaining() > 0 {
		l := Lambda{SyntaxOffset: int32(int64(r.Compressed()) + baseline)}
		l.ClosureOrdinal = int32(r.Compressed()) + encMinClosure
		e.Lambdas = append(e.Lambdas, l)
	}
	if err := r.Err(); err != nil {
		return pdberr.Wrapf(pdberr.Record, err, "malformed lambda map")
	}
	return nil
}
