package msf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

func writeContainer(t *testing.T, pageSize uint32, streams map[int][]byte, order []int) *Buffer {
	t.Helper()
	buf := &Buffer{}
	w, err := NewWriter(buf, pageSize)
	require.NoError(t, err)
	for _, idx := range order {
		require.NoError(t, w.WriteStream(idx, streams[idx]))
	}
	require.NoError(t, w.Close())
	return buf
}

func TestWriterReaderRoundTrip(t *testing.T) {
	streams := map[int][]byte{
		1: []byte("root stream"),
		3: bytes.Repeat([]byte{0xAA}, 1500),
		5: {},
		6: bytes.Repeat([]byte("names"), 300),
	}
	buf := writeContainer(t, DefaultPageSize, streams, []int{6, 1, 5, 3})

	assert.Zero(t, len(buf.Bytes())%DefaultPageSize, "file is page aligned")

	m, err := New(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultPageSize), m.PageSize())
	assert.Equal(t, 7, m.NumStreams())

	for idx, want := range streams {
		got, err := m.ReadStream(idx)
		require.NoError(t, err)
		assert.Equal(t, want, got, "stream %d", idx)
	}

	empty, err := m.ReadStream(2)
	require.NoError(t, err)
	assert.Empty(t, empty)

	scratch, err := m.ReadStreamScratch(3)
	require.NoError(t, err)
	assert.Equal(t, streams[3], scratch)

	_, err = m.Stream(7)
	assert.True(t, pdberr.Is(err, pdberr.Container))
}

func TestWriterSkipsFreePageMapPages(t *testing.T) {
	const ps = 512
	big := make([]byte, ps*600)
	for i := range big {
		big[i] = byte(i / ps)
	}
	buf := writeContainer(t, ps, map[int][]byte{1: big}, []int{1})

	m, err := New(buf)
	require.NoError(t, err)
	s, err := m.Stream(1)
	require.NoError(t, err)
	for _, p := range s.Pages() {
		r := p % ps
		assert.False(t, r == 1 || r == 2, "page %d belongs to the free page map", p)
	}
	got, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, big, got)

	// Allocated pages are marked used in the first map page.
	fpm := buf.Bytes()[ps : 2*ps]
	assert.Equal(t, byte(0), fpm[0])
	last := m.SuperBlock().NumPages
	assert.NotZero(t, fpm[last/8]&(1<<(last%8)), "page past the end is free")
}

func TestSuperBlockRejectsBadPageSize(t *testing.T) {
	for _, size := range []int32{0, -1, -512} {
		page := make([]byte, DefaultPageSize)
		copy(page, Magic)
		binary.LittleEndian.PutUint32(page[32:], uint32(size))
		binary.LittleEndian.PutUint32(page[36:], 1)

		m, err := New(bytes.NewReader(page))
		require.Error(t, err, "page size %d", size)
		assert.Nil(t, m)
		assert.True(t, pdberr.Is(err, pdberr.Container))
		assert.Contains(t, err.Error(), "invalid page size")
	}
}

func TestSuperBlockRejectsBadMagic(t *testing.T) {
	_, err := New(bytes.NewReader(make([]byte, DefaultPageSize)))
	require.Error(t, err)
	assert.True(t, pdberr.Is(err, pdberr.Container))
}

func TestWriterRejectsDuplicateStream(t *testing.T) {
	w, err := NewWriter(&Buffer{}, DefaultPageSize)
	require.NoError(t, err)
	require.NoError(t, w.WriteStream(1, []byte{1}))
	assert.Error(t, w.WriteStream(1, []byte{2}))

	_, err = NewWriter(&Buffer{}, 100)
	assert.Error(t, err)
}

func TestPagesNeeded(t *testing.T) {
	assert.Equal(t, uint32(0), PagesNeeded(0, 512))
	assert.Equal(t, uint32(1), PagesNeeded(1, 512))
	assert.Equal(t, uint32(1), PagesNeeded(512, 512))
	assert.Equal(t, uint32(2), PagesNeeded(513, 512))
}

func TestReaderRejectsTruncatedFile(t *testing.T) {
	buf := writeContainer(t, DefaultPageSize, map[int][]byte{1: []byte("root")}, []int{1})
	data := buf.Bytes()

	m, err := New(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), m.SuperBlock().FileSize())

	m, err = New(bytes.NewReader(data[:len(data)-DefaultPageSize]))
	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, pdberr.Is(err, pdberr.Container))
	assert.Contains(t, err.Error(), "truncated")
}
