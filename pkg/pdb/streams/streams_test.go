package streams

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

func TestHashV1(t *testing.T) {
	tests := []struct {
		name string
		hash uint32
	}{
		{"COM+_Entry_Point", 0x7b3d275b},
		{"main", 0x6e64c225},
		{"06000001", 0x21242300},
		{"abc", 0x2024460a},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.hash, HashV1(tt.name), tt.name)
	}
	assert.Equal(t, uint32(1883), GSIBucket("COM+_Entry_Point"))
	assert.Equal(t, HashV1("Main"), HashV1("MAIN"), "case folding")
}

func TestNameIndex(t *testing.T) {
	n := NewNameIndex()
	assert.Equal(t, uint32(0), n.Offset(""))
	a := n.Offset("c:\\src\\Program.cs")
	b := n.Offset("Module")
	assert.Equal(t, uint32(1), a)
	assert.Greater(t, b, a)
	assert.Equal(t, a, n.Offset("c:\\src\\Program.cs"), "offsets are cached")
	assert.NotEqual(t, a, n.Offset("C:\\SRC\\PROGRAM.CS"), "case sensitive")

	decoded, err := ReadNameIndex(n.Bytes())
	require.NoError(t, err)
	s, err := decoded.Lookup(b)
	require.NoError(t, err)
	assert.Equal(t, "Module", s)
	s, err = decoded.Lookup(0)
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = decoded.Lookup(10000)
	assert.True(t, pdberr.Is(err, pdberr.Container))
}

func TestNameIndexCountMismatch(t *testing.T) {
	n := NewNameIndex()
	n.Offset("one")
	data := n.Bytes()
	binary.LittleEndian.PutUint32(data[len(data)-4:], 7)
	_, err := ReadNameIndex(data)
	assert.True(t, pdberr.Is(err, pdberr.Container))
}

func TestEmptyNameIndexSize(t *testing.T) {
	assert.Len(t, NewNameIndex().Bytes(), 25)
}

func TestPDBInfoRoundTrip(t *testing.T) {
	table := NewNamedStreamTable(false)
	table.Add(NamesStreamName, StreamNames)
	table.Add(HeaderBlockStreamName, StreamHeaderBlock)
	for i, f := range []string{"a.cs", "b.cs", "c.cs", "d.cs", "e.cs", "f.cs"} {
		table.Add(SourceStreamName(f), uint32(8+i))
	}
	info := &PDBInfo{
		Version:      PDBStreamVersionVC70,
		Signature:    0x5F5E100,
		Age:          3,
		GUID:         [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		NamedStreams: table,
		Features:     []uint32{PDBStreamVersionVC140},
	}

	decoded, err := ReadPDBInfo(info.Bytes(), false)
	require.NoError(t, err)
	assert.Equal(t, info.Signature, decoded.Signature)
	assert.Equal(t, info.Age, decoded.Age)
	assert.Equal(t, info.GUID, decoded.GUID)
	assert.Equal(t, info.Features, decoded.Features)
	if diff := cmp.Diff(table.Map(), decoded.NamedStreams.Map()); diff != "" {
		t.Errorf("named streams mismatch (-want +got):\n%s", diff)
	}

	s, ok := decoded.NamedStreams.Lookup("/NAMES")
	assert.True(t, ok, "lookups are case-insensitive by default")
	assert.Equal(t, uint32(StreamNames), s)

	sensitive, err := ReadPDBInfo(info.Bytes(), true)
	require.NoError(t, err)
	_, ok = sensitive.NamedStreams.Lookup("/NAMES")
	assert.False(t, ok)
}

func TestNamedStreamTableCountMismatch(t *testing.T) {
	table := NewNamedStreamTable(false)
	table.Add(NamesStreamName, StreamNames)
	info := &PDBInfo{NamedStreams: table}
	data := info.Bytes()

	// version, signature, age, guid, string bytes, strings, then count.
	countAt := 12 + 16 + 4 + len(NamesStreamName) + 1
	binary.LittleEndian.PutUint32(data[countAt:], 2)
	_, err := ReadPDBInfo(data, false)
	require.Error(t, err)
	assert.True(t, pdberr.Is(err, pdberr.Container))
}

func TestDBIRoundTrip(t *testing.T) {
	dbi := &DBIStream{
		Header: DBIHeader{
			VersionHeader:     DBIStreamVersionV70,
			Age:               1,
			GlobalStreamIndex: 10,
			PublicStreamIndex: 11,
			SymRecordStream:   12,
			Machine:           MachineI386,
		},
		Modules: []ModuleInfo{
			{ModuleSymStream: 9, SymByteSize: 120, C13ByteSize: 40, SourceFileCount: 1, ModuleName: "Program", ObjFileName: "Program.obj"},
			{ModuleSymStream: NilStream, ModuleName: "Empty", ObjFileName: ""},
		},
		SectionContribs: []SectionContrib{
			{Section: 1, Offset: 0, Size: 12, Characteristics: 0x60000020, ModuleIndex: 0},
		},
		SectionMap:   DefaultSectionMap(12),
		ModuleFiles:  [][]string{{"Program.cs"}, nil},
		DebugStreams: NewDebugStreams(),
	}
	dbi.DebugStreams[DbgSectionHdr] = StreamSectionHdr

	data, err := dbi.Bytes()
	require.NoError(t, err)
	decoded, err := ReadDBIStream(data)
	require.NoError(t, err)

	assert.Equal(t, int32(-1), decoded.Header.VersionSignature)
	assert.Equal(t, int32(SectionContribSize+4), decoded.Header.SectionContributionSize)
	assert.Equal(t, int32(44), decoded.Header.SectionMapSize)
	assert.Equal(t, int32(25), decoded.Header.ECSubstreamSize)
	assert.Equal(t, int32(DebugHeaderSize), decoded.Header.OptionalDbgHeaderSize)
	assert.Equal(t, dbi.Modules, decoded.Modules)
	assert.Equal(t, dbi.SectionContribs, decoded.SectionContribs)
	assert.Equal(t, dbi.SectionMap, decoded.SectionMap)
	assert.Equal(t, []string{"Program.cs"}, decoded.ModuleFiles[0])
	assert.Empty(t, decoded.ModuleFiles[1])
	assert.Equal(t, uint16(StreamSectionHdr), decoded.DebugStream(DbgSectionHdr))
	assert.Equal(t, uint16(NilStream), decoded.DebugStream(DbgTokenRidMap))
	assert.True(t, decoded.Modules[0].HasSymbols())
	assert.False(t, decoded.Modules[1].HasSymbols())
}

func TestDBIEmpty(t *testing.T) {
	dbi := &DBIStream{Header: DBIHeader{VersionHeader: DBIStreamVersionV70}}
	data, err := dbi.Bytes()
	require.NoError(t, err)
	decoded, err := ReadDBIStream(data)
	require.NoError(t, err)
	assert.Equal(t, int32(4), decoded.Header.SectionMapSize)
	assert.Zero(t, decoded.Header.OptionalDbgHeaderSize)
	assert.Nil(t, decoded.DebugStreams)
	assert.Empty(t, decoded.Modules)
}

func TestDBITruncatedModule(t *testing.T) {
	dbi := &DBIStream{Modules: []ModuleInfo{{ModuleName: "m", ObjFileName: "o"}}}
	data, err := dbi.Bytes()
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[24:], 40) // ModInfoSize
	_, err = ReadDBIStream(data)
	assert.True(t, pdberr.Is(err, pdberr.Container))
}

func TestDBIFileInfoOverflow(t *testing.T) {
	dbi := &DBIStream{ModuleFiles: make([][]string, math.MaxUint16+1)}
	_, err := dbi.Bytes()
	require.Error(t, err)
	assert.True(t, pdberr.Is(err, pdberr.Container))

	many := make([]string, math.MaxUint16+1)
	for i := range many {
		many[i] = "a.cs"
	}
	dbi = &DBIStream{ModuleFiles: [][]string{many}}
	_, err = dbi.Bytes()
	assert.True(t, pdberr.Is(err, pdberr.Container))
}

func TestGSIBucketOrder(t *testing.T) {
	g := NewGSIBuilder()
	g.Add("main", 0)
	g.Add("Main", 24) // same bucket
	g.Add("abc", 48)
	require.Equal(t, 3, g.Len())

	data := g.HashBytes()
	assert.Equal(t, uint32(GSIHashSignature), binary.LittleEndian.Uint32(data))
	assert.Equal(t, uint32(24), binary.LittleEndian.Uint32(data[8:]))

	h, err := ReadGSIHash(data)
	require.NoError(t, err)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []uint32{24, 0}, h.Buckets[GSIBucket("main")], "descending insertion order")
	assert.Equal(t, []uint32{48}, h.Buckets[GSIBucket("abc")])
}

func TestPublicsRoundTrip(t *testing.T) {
	g := NewGSIBuilder()
	g.Add("COM+_Entry_Point", 0)
	data := g.PublicsBytes([]uint32{0})

	h, addrMap, err := ReadPublics(data)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, h.Buckets[1883])
	assert.Equal(t, []uint32{0}, addrMap)
}

func TestSourceStreams(t *testing.T) {
	info := &SourceInfo{
		Language:      [16]byte{0x3f, 0x5f, 0x6f, 0xf6},
		HashAlgorithm: [16]byte{0x8b, 0x12},
		Hash:          []byte{0xde, 0xad, 0xbe, 0xef},
	}
	decoded, err := ReadSourceInfo(info.Bytes())
	require.NoError(t, err)
	assert.Equal(t, info, decoded)

	noHash, err := ReadSourceInfo((&SourceInfo{}).Bytes())
	require.NoError(t, err)
	assert.Nil(t, noHash.Hash)

	block := &SourceHeaderBlock{Entries: []SourceHeaderEntry{{NameOffset: 1, Stream: 8}}}
	decodedBlock, err := ReadSourceHeaderBlock(block.Bytes())
	require.NoError(t, err)
	assert.Equal(t, block, decodedBlock)

	assert.Equal(t, "/src/files/c:\\src\\program.cs", SourceStreamName("C:\\Src\\Program.cs"))
}

func TestTPIHeader(t *testing.T) {
	h := EmptyTPIHeader()
	data := h.Bytes()
	require.Len(t, data, TPIHeaderSize)
	decoded, err := ReadTPIHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), decoded.TypeCount())

	binary.LittleEndian.PutUint32(data, 1)
	_, err = ReadTPIHeader(data)
	assert.Error(t, err)
}
