package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderScalars(t *testing.T) {
	w := NewWriter()
	w.U8(0xAB)
	w.U16(0x1234)
	w.U32(0xDEADBEEF)
	w.U64(0x0102030405060708)
	w.I16(-2)
	w.F64(3.5)
	w.CString("hello")
	w.WString("Wörld")
	require.NoError(t, w.Err())

	r := NewReader(w.Bytes())
	assert.Equal(t, uint8(0xAB), r.U8())
	assert.Equal(t, uint16(0x1234), r.U16())
	assert.Equal(t, uint32(0xDEADBEEF), r.U32())
	assert.Equal(t, uint64(0x0102030405060708), r.U64())
	assert.Equal(t, int16(-2), r.I16())
	assert.Equal(t, 3.5, r.F64())
	assert.Equal(t, "hello", r.CString())
	assert.Equal(t, "Wörld", r.WString())
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestWStringLayout(t *testing.T) {
	w := NewWriter()
	w.WString("MD2")
	assert.Equal(t, []byte{'M', 0, 'D', 0, '2', 0, 0, 0}, w.Bytes())
}

func TestCompressed(t *testing.T) {
	tests := []struct {
		value uint32
		wire  []byte
	}{
		{0x03, []byte{0x03}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x80}},
		{0x2E57, []byte{0xAE, 0x57}},
		{0x3FFF, []byte{0xBF, 0xFF}},
		{0x4000, []byte{0xC0, 0x00, 0x40, 0x00}},
		{MaxCompressed, []byte{0xDF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		w := NewWriter()
		w.Compressed(tt.value)
		require.NoError(t, w.Err())
		assert.Equal(t, tt.wire, w.Bytes(), "encoding 0x%x", tt.value)

		r := NewReader(tt.wire)
		assert.Equal(t, tt.value, r.Compressed())
		require.NoError(t, r.Err())
	}

	w := NewWriter()
	w.Compressed(MaxCompressed + 1)
	assert.Error(t, w.Err())
}

func TestReaderStickyError(t *testing.T) {
	r := NewReader([]byte{1, 2})
	assert.Equal(t, uint32(0), r.U32())
	require.Error(t, r.Err())
	assert.Equal(t, uint8(0), r.U8(), "reads after a failure return zero")
	assert.Equal(t, 0, r.Pos())
}

func TestUnterminatedStrings(t *testing.T) {
	r := NewReader([]byte("abc"))
	r.CString()
	assert.Error(t, r.Err())

	r = NewReader([]byte{'a', 0, 'b'})
	r.WString()
	assert.Error(t, r.Err())
}

func TestAlignAndPatch(t *testing.T) {
	w := NewWriter()
	off := w.Reserve(2)
	w.U8(7)
	assert.Equal(t, 1, w.Align(4))
	w.PutU16At(off, 0xBEEF)
	require.NoError(t, w.Err())
	assert.Equal(t, []byte{0xEF, 0xBE, 7, 0}, w.Bytes())

	w.PutU32At(2, 1)
	assert.Error(t, w.Err())

	assert.Equal(t, 8, AlignUp(5, 4))
	assert.Equal(t, 0, Padding(12, 4))
}
