package codeview

import (
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

func roundTripNumeric(t *testing.T, v Value) Value {
	t.Helper()
	w := cursor.NewWriter()
	require.NoError(t, WriteNumeric(w, v))
	r := cursor.NewReader(w.Bytes())
	got, err := ReadNumeric(r)
	require.NoError(t, err)
	assert.Zero(t, r.Remaining(), "leaf fully consumed")
	return got
}

func TestNumericRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Value
	}{
		{"int8", Int8(-5)},
		{"int16", Int16(-300)},
		{"uint16", UInt16(0xFFFE)},
		{"int32", Int32(-70000)},
		{"int32 large", Int32(70000)},
		{"uint32", UInt32(0xDEADBEEF)},
		{"int64", Int64(math.MinInt64)},
		{"uint64", UInt64(math.MaxUint64)},
		{"float32", Float32(1.5)},
		{"float64", Float64(-2.25)},
		{"string", String("héllo")},
		{"empty string", String("")},
		{"decimal", DecimalOf(Decimal{Lo: 12345, Scale: 2, Negative: true})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, roundTripNumeric(t, tt.in))
		})
	}
}

func TestNumericInlineIsLossy(t *testing.T) {
	tests := []struct {
		in   Value
		want uint16
	}{
		{Int32(42), 42},
		{Int64(0x7FFF), 0x7FFF},
		{UInt8(200), 200},
		{Bool(true), 1},
		{Bool(false), 0},
		{Null(), 0},
		{Char('A'), 'A'},
	}
	for _, tt := range tests {
		w := cursor.NewWriter()
		require.NoError(t, WriteNumeric(w, tt.in))
		assert.Len(t, w.Bytes(), 2, tt.in.Kind.String())
		assert.Equal(t, UInt16(tt.want), roundTripNumeric(t, tt.in))
	}
}

func TestNumericCharAboveInline(t *testing.T) {
	got := roundTripNumeric(t, Char(0x8001))
	assert.Equal(t, UInt16(0x8001), got)
}

func TestNumericUnknownLeaf(t *testing.T) {
	_, err := ReadNumeric(cursor.NewReader([]byte{0x0f, 0x80}))
	assert.True(t, pdberr.Is(err, pdberr.Record))
}

func TestDecimalString(t *testing.T) {
	assert.Equal(t, "-123.45", Decimal{Lo: 12345, Scale: 2, Negative: true}.String())
	assert.Equal(t, "0.05", Decimal{Lo: 5, Scale: 2}.String())
	assert.Equal(t, "18446744073709551616", Decimal{Hi: 1}.String())
}

func TestValueJSON(t *testing.T) {
	data, err := Int32(-7).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"int32","value":-7}`, string(data))
}

func TestSymbolFraming(t *testing.T) {
	w := NewSymbolWriter()
	procStart, procEnd := w.WriteManProcSym(&ManProcSym{Token: 0x06000001, Length: 12, Segment: 1, Name: "Main"})
	w.WriteNamespaceSym("System")
	w.WriteManSlotSym(&ManSlotSym{Slot: 0, TypeToken: 0x11000001, Name: "x"})
	require.NoError(t, w.WriteManConstantSym(&ManConstantSym{Token: 0x11000002, Value: String("s"), Name: "k"}))
	blockStart, blockEnd := w.WriteBlockSym(&BlockSym{Parent: uint32(procStart), Length: 4, Offset: 2, Segment: 1})
	w.PatchEnd(blockEnd, w.End())
	w.WriteOEMSym(OEMEncID, func(w *cursor.Writer) { w.U32(7) })
	w.PatchEnd(procEnd, w.End())
	require.NoError(t, w.Err())

	data := w.Bytes()
	sr, err := NewSymbolReader(data, len(data))
	require.NoError(t, err)

	var kinds []uint16
	var records []Record
	for {
		rec, err := sr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		declared := int(binary.LittleEndian.Uint16(data[rec.Offset:]))
		assert.Zero(t, (rec.End()-rec.Offset)%4, "record 0x%04x aligned", rec.Kind)
		assert.Equal(t, rec.End()-rec.Offset-2, declared)
		kinds = append(kinds, rec.Kind)
		records = append(records, rec)
	}
	assert.Equal(t, []uint16{S_GMANPROC, S_UNAMESPACE, S_MANSLOT, S_MANCONSTANT, S_BLOCK32, S_END, S_OEM, S_END}, kinds)

	proc, err := ParseManProcSym(records[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "Main", proc.Name)
	assert.Equal(t, uint32(0x06000001), proc.Token)
	assert.Equal(t, uint32(records[7].Offset), proc.End)

	block, err := ParseBlockSym(records[4].Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(records[5].Offset), block.End)
	assert.Equal(t, uint32(procStart), block.Parent)
	assert.Equal(t, blockStart, records[4].Offset)

	ns, err := ParseNamespaceSym(records[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "System", ns)

	slot, err := ParseManSlotSym(records[2].Data)
	require.NoError(t, err)
	assert.Equal(t, "x", slot.Name)

	c, err := ParseManConstantSym(records[3].Data)
	require.NoError(t, err)
	assert.Equal(t, String("s"), c.Value)

	oem, err := ParseOEMSym(records[6].Data)
	require.NoError(t, err)
	assert.Equal(t, OEMEncID, oem.Name)
	id, err := ParseEncID(oem.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
}

func TestSymbolReaderRejectsMisalignedRecord(t *testing.T) {
	w := cursor.NewWriter()
	w.U32(CVSignatureC13)
	w.U16(3) // kind + one body byte: ends misaligned
	w.U16(S_END)
	w.U8(0)
	data := w.Bytes()
	sr, err := NewSymbolReader(data, len(data))
	require.NoError(t, err)
	_, err = sr.Next()
	assert.True(t, pdberr.Is(err, pdberr.Record))
}

func TestSymbolReaderRejectsBadSignature(t *testing.T) {
	_, err := NewSymbolReader([]byte{1, 0, 0, 0}, 4)
	assert.True(t, pdberr.Is(err, pdberr.Record))
	_, err = NewSymbolReader([]byte{4, 0, 0, 0}, 8)
	assert.Error(t, err)
}

func TestOEMGUIDMismatch(t *testing.T) {
	w := NewSymbolWriter()
	w.WriteOEMSym(OEMMD2, func(*cursor.Writer) {})
	data := w.Bytes()
	data[4+4] ^= 0xFF // first GUID byte
	_, err := ParseOEMSym(data[8:])
	assert.True(t, pdberr.Is(err, pdberr.Consistency))
}

func TestRefAndPubSymbols(t *testing.T) {
	w := NewRecordWriter()
	pubAt := w.WritePubSym(&PubSym{Flags: PubFlagFunction | PubFlagManaged, Segment: 1, Name: "COM+_Entry_Point"})
	tokAt := w.WriteRefSym(S_TOKENREF, &RefSym{Offset: 4, Module: 1, Name: "06000001"})
	require.NoError(t, w.Err())

	records, err := ParseRecords(w.Bytes())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, pubAt, records[0].Offset)
	assert.Equal(t, tokAt, records[1].Offset)
	assert.Equal(t, 24, records[1].End()-records[1].Offset, "TOKENREF is 24 bytes")

	pub, err := ParsePubSym(records[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0A), pub.Flags)

	ref, err := ParseRefSym(records[1].Data)
	require.NoError(t, err)
	assert.Equal(t, RefSym{Offset: 4, Module: 1, Name: "06000001"}, *ref)
}

func TestAsyncMethodInfoRoundTrip(t *testing.T) {
	in := &AsyncMethodInfo{
		KickoffMethod:      0x06000002,
		CatchHandlerOffset: 0x40,
		SyncPoints: []SyncPoint{
			{Offset: 0x10, ContinuationMethod: 0x06000003, ContinuationOffset: 0x20},
			{Offset: 0x30, ContinuationMethod: 0x06000003, ContinuationOffset: 0x38},
		},
	}
	w := cursor.NewWriter()
	in.Write(w)
	out, err := ParseAsyncMethodInfo(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ParseAsyncMethodInfo([]byte{0, 0, 0, 0, 0, 0, 0, 0, 5, 0, 0, 0})
	assert.True(t, pdberr.Is(err, pdberr.Record))
}

func TestMD2RoundTrip(t *testing.T) {
	in := &MD2{
		UsingCounts:         []uint16{2, 1},
		ForwardMethod:       0x06000001,
		ForwardModuleMethod: 0x06000005,
		LocalScopes:         []LocalScope{{Start: 0, End: 10}, {Start: 4, End: 8}},
		IteratorClass:       "<Iter>d__0",
		EncLocalSlots:       []byte{0x81, 0x05, 0x00},
		EncLambdaMap:        []byte{0x00, 0x01, 0x00, 0x02, 0x03},
	}
	w := cursor.NewWriter()
	in.Write(w)
	data := w.Bytes()
	assert.Equal(t, uint8(7), data[1], "item count")

	out, err := ParseMD2(data, true)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("MD2 mismatch (-want +got):\n%s", diff)
	}
}

func TestMD2UnknownItem(t *testing.T) {
	w := cursor.NewWriter()
	w.U8(md2Version)
	w.U8(2)
	w.Zeros(2)
	// unknown kind 9 with a 4-byte body
	w.U8(md2Version)
	w.U8(9)
	w.U8(0)
	w.U8(0)
	w.U32(12)
	w.U32(0xCAFEBABE)
	w.U8(md2Version)
	w.U8(MD2ForwardMethod)
	w.U8(0)
	w.U8(0)
	w.U32(12)
	w.U32(0x06000009)

	m, err := ParseMD2(w.Bytes(), false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x06000009), m.ForwardMethod)
	assert.Equal(t, []uint8{9}, m.Skipped)

	_, err = ParseMD2(w.Bytes(), true)
	assert.True(t, pdberr.Is(err, pdberr.Record))
}

func TestLocalSlotMap(t *testing.T) {
	in := &EditAndContinueInfo{
		LocalSlots: []LocalSlot{
			{Kind: 0, SyntaxOffset: 10},
			{Kind: NoLocalSlotInfo},
			{Kind: 5, SyntaxOffset: -20, Ordinal: 3},
		},
	}
	data, err := in.LocalSlotMap()
	require.NoError(t, err)
	assert.Equal(t, uint8(encBaselineMarker), data[0], "baseline below -1 is announced")

	out := &EditAndContinueInfo{}
	require.NoError(t, out.ParseLocalSlotMap(data))
	assert.Equal(t, in.LocalSlots, out.LocalSlots)
}

func TestLocalSlotMapDefaultBaseline(t *testing.T) {
	in := &EditAndContinueInfo{LocalSlots: []LocalSlot{{Kind: 1, SyntaxOffset: 0}}}
	data, err := in.LocalSlotMap()
	require.NoError(t, err)
	// kind 1 -> 0x02, offset 0 - (-1) = 1
	assert.Equal(t, []byte{0x02, 0x01}, data)

	_, err = (&EditAndContinueInfo{LocalSlots: []LocalSlot{{Kind: 70}}}).LocalSlotMap()
	assert.Error(t, err)
}

func TestLambdaMap(t *testing.T) {
	in := &EditAndContinueInfo{
		MethodOrdinal: 2,
		Closures:      []Closure{{SyntaxOffset: 5}, {SyntaxOffset: -7}},
		Lambdas: []Lambda{
			{SyntaxOffset: 12, ClosureOrdinal: 0},
			{SyntaxOffset: 30, ClosureOrdinal: -2},
			{SyntaxOffset: 31, ClosureOrdinal: -1},
		},
	}
	data, err := in.LambdaMap()
	require.NoError(t, err)

	out := &EditAndContinueInfo{}
	require.NoError(t, out.ParseLambdaMap(data))
	assert.Equal(t, in.MethodOrdinal, out.MethodOrdinal)
	assert.Equal(t, in.Closures, out.Closures)
	assert.Equal(t, in.Lambdas, out.Lambdas)
}

func TestLineInfoRoundTrip(t *testing.T) {
	blocks := []LineBlock{
		{
			Address: 0, Segment: 1, CodeBytes: 12,
			Files: []LineFile{{
				ChecksumOffset: ChecksumOffset(0),
				Lines: []LineEntry{
					{ILOffset: 0, Start: 10, Delta: 0, IsStatement: true},
					{ILOffset: 6, Start: 11, Delta: 2, IsStatement: false},
				},
			}},
		},
		{
			Address: 12, Segment: 1, HasColumns: true, CodeBytes: 4,
			Files: []LineFile{
				{ChecksumOffset: ChecksumOffset(0), Lines: []LineEntry{{ILOffset: 0, Start: 20, IsStatement: true, ColumnStart: 5, ColumnEnd: 9}}},
				{ChecksumOffset: ChecksumOffset(1), Lines: []LineEntry{{ILOffset: 2, Start: 1, IsStatement: true, ColumnStart: 1, ColumnEnd: 2}}},
			},
		},
	}
	w := cursor.NewWriter()
	WriteLineInfo(w, []uint32{1, 17}, blocks)
	assert.Zero(t, w.Len()%4)

	info, err := ParseLineInfo(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, map[uint32]uint32{0: 1, 8: 17}, info.Checksums)
	if diff := cmp.Diff(blocks, info.Blocks); diff != "" {
		t.Errorf("line blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestLinePacking(t *testing.T) {
	l := LineEntry{Start: MaxLineNumber, Delta: MaxLineDelta, IsStatement: false}
	v := packLine(l)
	assert.Equal(t, uint32(0xFFFFFFFF), v)
	assert.Equal(t, l, unpackLine(0, v))
	assert.Equal(t, uint32(0x0200000A), packLine(LineEntry{Start: 10, Delta: 2, IsStatement: true}))
}

func TestParseLineInfoRejectsBadFileBlock(t *testing.T) {
	w := cursor.NewWriter()
	WriteLineInfo(w, nil, []LineBlock{{Files: []LineFile{{Lines: []LineEntry{{Start: 1}}}}}})
	data := w.Bytes()
	binary.LittleEndian.PutUint32(data[8+12+8:], 99) // file block size
	_, err := ParseLineInfo(data)
	assert.True(t, pdberr.Is(err, pdberr.Record))
}

func TestIsProcSymbol(t *testing.T) {
	assert.True(t, IsProcSymbol(S_GMANPROC))
	assert.True(t, IsProcSymbol(S_LMANPROC))
	assert.False(t, IsProcSymbol(S_GPROC32))
	assert.False(t, IsProcSymbol(S_BLOCK32))
	assert.False(t, IsProcSymbol(S_END))
}
