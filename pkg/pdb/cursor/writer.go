package cursor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxCompressed is the largest value the compressed integer encoding holds.
const MaxCompressed = 0x1FFFFFFF

// Writer appends little-endian values to a growable buffer. Fields whose
// value is only known later are reserved with a placeholder and patched with
// the Put*At methods.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written bytes. The slice aliases the internal buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) I8(v int8)   { w.U8(uint8(v)) }
func (w *Writer) I16(v int16) { w.U16(uint16(v)) }
func (w *Writer) I32(v int32) { w.U32(uint32(v)) }
func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }
func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

// Write appends raw bytes.
func (w *Writer) Write(b []byte) { w.buf = append(w.buf, b...) }

// GUID appends a 16-byte identifier.
func (w *Writer) GUID(g [16]byte) { w.buf = append(w.buf, g[:]...) }

// CString appends s as zero-terminated UTF-8.
func (w *Writer) CString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WString appends s as zero-terminated UTF-16LE.
func (w *Writer) WString(s string) {
	enc, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		w.fail(fmt.Errorf("failed to encode %q as UTF-16: %w", s, err))
		return
	}
	w.buf = append(w.buf, enc...)
	w.buf = append(w.buf, 0, 0)
}

// Compressed appends v as an ECMA-335 compressed unsigned integer.
func (w *Writer) Compressed(v uint32) {
	switch {
	case v < 0x80:
		w.U8(uint8(v))
	case v < 0x4000:
		w.buf = append(w.buf, uint8(v>>8)|0x80, uint8(v))
	case v <= MaxCompressed:
		w.buf = append(w.buf, uint8(v>>24)|0xC0, uint8(v>>16), uint8(v>>8), uint8(v))
	default:
		w.fail(fmt.Errorf("value 0x%x too large for compressed integer", v))
	}
}

// Zeros appends n zero bytes.
func (w *Writer) Zeros(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// Align pads with zeros to the next multiple of n and returns the pad count.
func (w *Writer) Align(n int) int {
	pad := Padding(len(w.buf), n)
	w.Zeros(pad)
	return pad
}

// Reserve appends n zero bytes and returns their offset.
func (w *Writer) Reserve(n int) int {
	off := len(w.buf)
	w.Zeros(n)
	return off
}

// PutU8At overwrites a previously written byte.
func (w *Writer) PutU8At(off int, v uint8) {
	if off < 0 || off >= len(w.buf) {
		w.fail(fmt.Errorf("patch at %d outside %d written bytes", off, len(w.buf)))
		return
	}
	w.buf[off] = v
}

// PutU16At overwrites a previously written uint16.
func (w *Writer) PutU16At(off int, v uint16) {
	if off < 0 || off+2 > len(w.buf) {
		w.fail(fmt.Errorf("patch at %d outside %d written bytes", off, len(w.buf)))
		return
	}
	binary.LittleEndian.PutUint16(w.buf[off:], v)
}

// PutU32At overwrites a previously written uint32.
func (w *Writer) PutU32At(off int, v uint32) {
	if off < 0 || off+4 > len(w.buf) {
		w.fail(fmt.Errorf("patch at %d outside %d written bytes", off, len(w.buf)))
		return
	}
	binary.LittleEndian.PutUint32(w.buf[off:], v)
}

// Fail records err unless an earlier error is pending.
func (w *Writer) Fail(err error) { w.fail(err) }

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Padding returns the bytes needed to bring n up to a multiple of align.
func Padding(n, align int) int {
	if rem := n % align; rem != 0 {
		return align - rem
	}
	return 0
}

// AlignUp rounds n up to a multiple of align.
func AlignUp(n, align int) int {
	return n + Padding(n, align)
}
