package msf

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// File represents an opened MSF (Multi-Stream Format) container.
type File struct {
	r          io.ReaderAt
	closer     io.Closer
	superBlock *SuperBlock
	directory  *StreamDirectory
	streams    []*Stream
	scratch    []byte
}

// Open opens an MSF file and parses its structure.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pdberr.Wrapf(pdberr.IO, err, "failed to open file")
	}
	m, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.closer = f
	return m, nil
}

// New parses the container structure of r.
func New(r io.ReaderAt) (*File, error) {
	m := &File{r: r}

	var err error
	m.superBlock, err = ReadSuperBlock(r)
	if err != nil {
		return nil, err
	}
	if size := m.superBlock.FileSize(); size > 0 {
		var last [1]byte
		if n, _ := r.ReadAt(last[:], size-1); n != 1 {
			return nil, pdberr.Newf(pdberr.Container, "file truncated: %d pages of %d bytes declared", m.superBlock.NumPages, m.superBlock.PageSize)
		}
	}

	if err := m.readStreamDirectory(); err != nil {
		return nil, err
	}

	m.buildStreams()

	return m, nil
}

// Close closes the underlying file when the container was opened by path.
func (m *File) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// SuperBlock returns the MSF SuperBlock.
func (m *File) SuperBlock() *SuperBlock {
	return m.superBlock
}

// PageSize returns the page size used by this MSF file.
func (m *File) PageSize() uint32 {
	return m.superBlock.PageSize
}

// NumStreams returns the number of streams in the file.
func (m *File) NumStreams() int {
	return int(m.directory.NumStreams)
}

// Stream returns the stream at the given index.
func (m *File) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, pdberr.Newf(pdberr.Container, "stream index %d out of range [0, %d)", index, len(m.streams))
	}
	return m.streams[index], nil
}

// ReadStream returns a fresh copy of the stream at the given index.
func (m *File) ReadStream(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	data, err := s.ReadAll()
	if err != nil {
		return nil, pdberr.Wrapf(pdberr.IO, err, "failed to read stream %d", index)
	}
	return data, nil
}

// ReadStreamScratch reads the stream into a buffer shared by every call.
// The result is only valid until the next call.
func (m *File) ReadStreamScratch(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	if err := s.ReadInto(m.scratch); err != nil {
		return nil, pdberr.Wrapf(pdberr.IO, err, "failed to read stream %d", index)
	}
	return m.scratch[:s.size], nil
}

// readPages reads byteCount bytes spread over pages.
func (m *File) readPages(pages []uint32, byteCount uint32) ([]byte, error) {
	pageSize := m.superBlock.PageSize
	if uint32(len(pages)) < PagesNeeded(byteCount, pageSize) {
		return nil, pdberr.Newf(pdberr.Container, "%d pages cannot hold %d bytes", len(pages), byteCount)
	}
	data := make([]byte, byteCount)
	read := uint32(0)
	for _, page := range pages {
		if read >= byteCount {
			break
		}
		toRead := pageSize
		if read+toRead > byteCount {
			toRead = byteCount - read
		}
		if _, err := m.r.ReadAt(data[read:read+toRead], int64(page)*int64(pageSize)); err != nil {
			return nil, pdberr.Wrapf(pdberr.Container, err, "failed to read page %d", page)
		}
		read += toRead
	}
	return data, nil
}

// readStreamDirectory reads the directory through its two levels of
// page indirection: the header lists the pages holding the directory's
// page list, which in turn lists the pages holding the directory.
func (m *File) readStreamDirectory() error {
	sb := m.superBlock

	listBytes, err := m.readPages(sb.DirectoryPageList, sb.NumDirectoryPages()*4)
	if err != nil {
		return pdberr.Wrapf(pdberr.Container, err, "failed to read directory page list")
	}
	dirPages := make([]uint32, sb.NumDirectoryPages())
	for i := range dirPages {
		dirPages[i] = binary.LittleEndian.Uint32(listBytes[4*i:])
	}

	dirData, err := m.readPages(dirPages, sb.DirectoryBytes)
	if err != nil {
		return pdberr.Wrapf(pdberr.Container, err, "failed to read stream directory")
	}

	return m.parseStreamDirectory(dirData)
}

// parseStreamDirectory parses the stream directory from raw bytes.
func (m *File) parseStreamDirectory(data []byte) error {
	r := cursor.NewReader(data)

	numStreams := r.U32()
	if r.Err() == nil && uint64(numStreams)*4 > uint64(len(data)) {
		return pdberr.Newf(pdberr.Container, "directory declares %d streams in %d bytes", numStreams, len(data))
	}

	streamSizes := make([]uint32, numStreams)
	for i := range streamSizes {
		streamSizes[i] = r.U32()
	}

	pageSize := m.superBlock.PageSize
	streamPages := make([][]uint32, numStreams)
	for i, size := range streamSizes {
		// Size of 0xFFFFFFFF indicates an unused/deleted stream
		if size == NilStreamSize {
			continue
		}
		n := PagesNeeded(size, pageSize)
		if uint64(n)*4 > uint64(r.Remaining()) {
			return pdberr.Newf(pdberr.Container, "stream %d needs %d pages but the directory is truncated", i, n)
		}
		pages := make([]uint32, n)
		for j := range pages {
			pages[j] = r.U32()
			if pages[j] >= m.superBlock.NumPages {
				return pdberr.Newf(pdberr.Container, "stream %d references page %d beyond %d pages", i, pages[j], m.superBlock.NumPages)
			}
		}
		streamPages[i] = pages
	}
	if err := r.Err(); err != nil {
		return pdberr.Wrapf(pdberr.Container, err, "truncated stream directory")
	}

	m.directory = &StreamDirectory{
		NumStreams:  numStreams,
		StreamSizes: streamSizes,
		StreamPages: streamPages,
	}

	return nil
}

// buildStreams creates Stream objects for all streams in the directory and
// sizes the scratch buffer to the largest of them.
func (m *File) buildStreams() {
	var largest uint32
	m.streams = make([]*Stream, m.directory.NumStreams)
	for i := uint32(0); i < m.directory.NumStreams; i++ {
		size := m.directory.StreamSizes[i]
		if size == NilStreamSize {
			m.streams[i] = &Stream{file: m}
			continue
		}
		m.streams[i] = &Stream{
			file:  m,
			size:  size,
			pages: m.directory.StreamPages[i],
		}
		if size > largest {
			largest = size
		}
	}
	m.scratch = make([]byte, largest)
}
