package codeview

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// Numeric leaf tags. Values below LF_NUMERIC are stored inline.
const (
	LF_NUMERIC   = 0x8000
	LF_CHAR      = 0x8000
	LF_SHORT     = 0x8001
	LF_USHORT    = 0x8002
	LF_LONG      = 0x8003
	LF_ULONG     = 0x8004
	LF_REAL32    = 0x8005
	LF_REAL64    = 0x8006
	LF_QUADWORD  = 0x8009
	LF_UQUADWORD = 0x800a
	LF_VARSTRING = 0x8010
	LF_DECIMAL   = 0x8019
)

// ValueKind identifies the runtime type of a constant.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindChar
	KindInt8
	KindUInt8
	KindInt16
	KindUInt16
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindFloat32
	KindFloat64
	KindString
	KindDecimal
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindChar:    "char",
	KindInt8:    "int8",
	KindUInt8:   "uint8",
	KindInt16:   "int16",
	KindUInt16:  "uint16",
	KindInt32:   "int32",
	KindUInt32:  "uint32",
	KindInt64:   "int64",
	KindUInt64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindDecimal: "decimal",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Decimal is a 96-bit scaled integer: (Hi<<64 | Lo) / 10^Scale.
type Decimal struct {
	Lo       uint64
	Hi       uint32
	Scale    uint8
	Negative bool
}

// String renders the decimal in plain notation.
func (d Decimal) String() string {
	m := new(big.Int).SetUint64(uint64(d.Hi))
	m.Lsh(m, 64)
	m.Or(m, new(big.Int).SetUint64(d.Lo))
	s := m.String()
	if d.Scale > 0 {
		for len(s) <= int(d.Scale) {
			s = "0" + s
		}
		s = s[:len(s)-int(d.Scale)] + "." + s[len(s)-int(d.Scale):]
	}
	if d.Negative {
		s = "-" + s
	}
	return s
}

// Value is a constant of one of the kinds above. Only the field matching
// Kind is meaningful: Int for signed integers, Uint for Bool, Char and
// unsigned integers, Float for floating point, Text and Decimal for their
// kinds.
type Value struct {
	Kind    ValueKind
	Int     int64
	Uint    uint64
	Float   float64
	Text    string
	Decimal Decimal
}

func Null() Value { return Value{Kind: KindNull} }
func Char(c uint16) Value { return Value{Kind: KindChar, Uint: uint64(c)} }
func Int8(v int8) Value { return Value{Kind: KindInt8, Int: int64(v)} }
func UInt8(v uint8) Value { return Value{Kind: KindUInt8, Uint: uint64(v)} }
func Int16(v int16) Value { return Value{Kind: KindInt16, Int: int64(v)} }
func UInt16(v uint16) Value { return Value{Kind: KindUInt16, Uint: uint64(v)} }
func Int32(v int32) Value { return Value{Kind: KindInt32, Int: int64(v)} }
func UInt32(v uint32) Value { return Value{Kind: KindUInt32, Uint: uint64(v)} }
func Int64(v int64) Value { return Value{Kind: KindInt64, Int: v} }
func UInt64(v uint64) Value { return Value{Kind: KindUInt64, Uint: v} }
func Float32(v float32) Value { return Value{Kind: KindFloat32, Float: float64(v)} }
func Float64(v float64) Value { return Value{Kind: KindFloat64, Float: v} }
func String(s string) Value { return Value{Kind: KindString, Text: s} }
func DecimalOf(d Decimal) Value { return Value{Kind: KindDecimal, Decimal: d} }

func Bool(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.Uint = 1
	}
	return v
}

// Interface returns the value as the matching Go type.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Uint != 0
	case KindChar, KindUInt16:
		return uint16(v.Uint)
	case KindInt8:
		return int8(v.Int)
	case KindUInt8:
		return uint8(v.Uint)
	case KindInt16:
		return int16(v.Int)
	case KindInt32:
		return int32(v.Int)
	case KindUInt32:
		return uint32(v.Uint)
	case KindInt64:
		return v.Int
	case KindUInt64:
		return v.Uint
	case KindFloat32:
		return float32(v.Float)
	case KindFloat64:
		return v.Float
	case KindString:
		return v.Text
	case KindDecimal:
		return v.Decimal.String()
	}
	return nil
}

func (v Value) String() string {
	if v.Kind == KindNull {
		return "null"
	}
	return fmt.Sprintf("%v", v.Interface())
}

// MarshalJSON renders the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.tagged())
}

// MarshalYAML renders the value like MarshalJSON.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.tagged(), nil
}

type taggedValue struct {
	Kind  string      `json:"kind" yaml:"kind"`
	Value interface{} `json:"value" yaml:"value"`
}

func (v Value) tagged() taggedValue {
	return taggedValue{Kind: v.Kind.String(), Value: v.Interface()}
}

// inline reports whether v fits the inline numeric leaf and returns it.
func (v Value) inline() (uint16, bool) {
	switch v.Kind {
	case KindNull:
		return 0, true
	case KindBool, KindChar, KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		if v.Uint < LF_NUMERIC {
			return uint16(v.Uint), true
		}
	case KindInt8, KindInt16, KindInt32, KindInt64:
		if v.Int >= 0 && v.Int < LF_NUMERIC {
			return uint16(v.Int), true
		}
	}
	return 0, false
}

// WriteNumeric appends v as a numeric leaf. Null, booleans and integers
// below LF_NUMERIC are written inline and decode as KindUInt16. A Char at
// or above LF_NUMERIC has no leaf of its own; it is written as LF_USHORT and
// also decodes as KindUInt16.
func WriteNumeric(w *cursor.Writer, v Value) error {
	if n, ok := v.inline(); ok {
		w.U16(n)
		return nil
	}
	switch v.Kind {
	case KindInt8:
		w.U16(LF_CHAR)
		w.I8(int8(v.Int))
	case KindInt16:
		w.U16(LF_SHORT)
		w.I16(int16(v.Int))
	case KindChar, KindUInt16:
		w.U16(LF_USHORT)
		w.U16(uint16(v.Uint))
	case KindInt32:
		w.U16(LF_LONG)
		w.I32(int32(v.Int))
	case KindUInt32:
		w.U16(LF_ULONG)
		w.U32(uint32(v.Uint))
	case KindInt64:
		w.U16(LF_QUADWORD)
		w.I64(v.Int)
	case KindUInt64:
		w.U16(LF_UQUADWORD)
		w.U64(v.Uint)
	case KindFloat32:
		w.U16(LF_REAL32)
		w.F32(float32(v.Float))
	case KindFloat64:
		w.U16(LF_REAL64)
		w.F64(v.Float)
	case KindString:
		if len(v.Text) > math.MaxUint16 {
			return pdberr.Newf(pdberr.Record, "string constant of %d bytes is too long", len(v.Text))
		}
		w.U16(LF_VARSTRING)
		w.U16(uint16(len(v.Text)))
		w.Write([]byte(v.Text))
	case KindDecimal:
		w.U16(LF_DECIMAL)
		w.U16(0)
		w.U8(v.Decimal.Scale)
		if v.Decimal.Negative {
			w.U8(0x80)
		} else {
			w.U8(0)
		}
		w.U32(v.Decimal.Hi)
		w.U64(v.Decimal.Lo)
	default:
		return pdberr.Newf(pdberr.Record, "cannot encode constant of %s", v.Kind)
	}
	return nil
}

// ReadNumeric reads a numeric leaf.
func ReadNumeric(r *cursor.Reader) (Value, error) {
	tag := r.U16()
	if err := r.Err(); err != nil {
		return Value{}, pdberr.Wrapf(pdberr.Record, err, "truncated numeric leaf")
	}
	if tag < LF_NUMERIC {
		return UInt16(tag), nil
	}

	var v Value
	switch tag {
	case LF_CHAR:
		v = Int8(r.I8())
	case LF_SHORT:
		v = Int16(r.I16())
	case LF_USHORT:
		v = UInt16(r.U16())
	case LF_LONG:
		v = Int32(r.I32())
	case LF_ULONG:
		v = UInt32(r.U32())
	case LF_QUADWORD:
		v = Int64(r.I64())
	case LF_UQUADWORD:
		v = UInt64(r.U64())
	case LF_REAL32:
		v = Float32(r.F32())
	case LF_REAL64:
		v = Float64(r.F64())
	case LF_VARSTRING:
		n := r.U16()
		v = String(string(r.Bytes(int(n))))
	case LF_DECIMAL:
		r.U16()
		d := Decimal{Scale: r.U8()}
		d.Negative = r.U8()&0x80 != 0
		d.Hi = r.U32()
		d.Lo = r.U64()
		v = DecimalOf(d)
	default:
		return Value{}, pdberr.Newf(pdberr.Record, "unknown numeric leaf 0x%04x", tag)
	}
	if err := r.Err(); err != nil {
		return Value{}, pdberr.Wrapf(pdberr.Record, err, "truncated numeric leaf 0x%04x", tag)
	}
	return v, nil
}
