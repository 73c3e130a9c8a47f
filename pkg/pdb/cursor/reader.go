// Package cursor provides little-endian read and write helpers over byte
// buffers with an advancing position.
//
// Both Reader and Writer keep the first error they hit; every later call is a
// no-op returning a zero value, so callers check Err once after a run of reads.
package cursor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Reader reads little-endian values from a byte slice.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Pos returns the current offset.
func (r *Reader) Pos() int { return r.pos }

// Size returns the length of the underlying buffer.
func (r *Reader) Size() int { return len(r.buf) }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.pos >= len(r.buf) {
		return 0
	}
	return len(r.buf) - r.pos
}

// Seek moves to an absolute offset.
func (r *Reader) Seek(pos int) {
	if r.err != nil {
		return
	}
	if pos < 0 || pos > len(r.buf) {
		r.err = fmt.Errorf("seek to %d outside buffer of %d bytes", pos, len(r.buf))
		return
	}
	r.pos = pos
}

// Skip advances n bytes.
func (r *Reader) Skip(n int) {
	r.take(n)
}

// Align advances to the next multiple of n.
func (r *Reader) Align(n int) {
	if rem := r.pos % n; rem != 0 {
		r.Skip(n - rem)
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("read of %d bytes at offset %d overruns buffer of %d bytes", n, r.pos, len(r.buf))
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I8() int8   { return int8(r.U8()) }
func (r *Reader) I16() int16 { return int16(r.U16()) }
func (r *Reader) I32() int32 { return int32(r.U32()) }
func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }
func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// GUID reads a 16-byte identifier.
func (r *Reader) GUID() (g [16]byte) {
	copy(g[:], r.take(16))
	return g
}

// CString reads a zero-terminated UTF-8 string.
func (r *Reader) CString() string {
	if r.err != nil {
		return ""
	}
	end := bytes.IndexByte(r.buf[r.pos:], 0)
	if end < 0 {
		r.err = fmt.Errorf("unterminated string at offset %d", r.pos)
		return ""
	}
	s := string(r.buf[r.pos : r.pos+end])
	r.pos += end + 1
	return s
}

// WString reads a zero-terminated UTF-16LE string.
func (r *Reader) WString() string {
	if r.err != nil {
		return ""
	}
	end := -1
	for i := r.pos; i+1 < len(r.buf); i += 2 {
		if r.buf[i] == 0 && r.buf[i+1] == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		r.err = fmt.Errorf("unterminated UTF-16 string at offset %d", r.pos)
		return ""
	}
	raw := r.buf[r.pos:end]
	r.pos = end + 2
	s, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		r.err = fmt.Errorf("failed to decode UTF-16 string: %w", err)
		return ""
	}
	return string(s)
}

// Compressed reads an ECMA-335 compressed unsigned integer.
func (r *Reader) Compressed() uint32 {
	b0 := r.U8()
	if r.err != nil {
		return 0
	}
	switch {
	case b0&0x80 == 0:
		return uint32(b0)
	case b0&0xC0 == 0x80:
		return uint32(b0&0x3F)<<8 | uint32(r.U8())
	case b0&0xE0 == 0xC0:
		b := r.take(3)
		if b == nil {
			return 0
		}
		return uint32(b0&0x1F)<<24 | uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	default:
		r.err = fmt.Errorf("invalid compressed integer lead byte 0x%02x at offset %d", b0, r.pos-1)
		return 0
	}
}
