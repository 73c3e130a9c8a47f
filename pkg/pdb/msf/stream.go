package msf

import (
	"io"
)

// NilStreamSize marks an unused stream in the directory.
const NilStreamSize = 0xFFFFFFFF

// Stream represents a single stream within an MSF file.
// Streams are composed of potentially non-contiguous pages.
type Stream struct {
	file  *File
	size  uint32
	pages []uint32
}

// Size returns the size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return s.size
}

// Pages returns the page indices that make up this stream.
func (s *Stream) Pages() []uint32 {
	return s.pages
}

// StreamReader provides sequential read access to a stream's data,
// handling the non-contiguous page layout transparently.
type StreamReader struct {
	stream     *Stream
	offset     int64 // Current position in the stream
	pageOffset int   // Current page index within stream.pages
	posInPage  int   // Position within current page
}

// NewStreamReader creates a new reader for the given stream.
func NewStreamReader(s *Stream) *StreamReader {
	return &StreamReader{stream: s}
}

// Read implements io.Reader for streaming data from non-contiguous pages.
func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.offset >= int64(sr.stream.size) {
		return 0, io.EOF
	}

	totalRead := 0
	pageSize := int(sr.stream.file.superBlock.PageSize)

	for len(p) > 0 && sr.offset < int64(sr.stream.size) {
		remainingInPage := pageSize - sr.posInPage
		remainingInStream := int64(sr.stream.size) - sr.offset
		toRead := len(p)

		if toRead > remainingInPage {
			toRead = remainingInPage
		}
		if int64(toRead) > remainingInStream {
			toRead = int(remainingInStream)
		}

		pageIndex := sr.stream.pages[sr.pageOffset]
		fileOffset := int64(pageIndex)*int64(pageSize) + int64(sr.posInPage)

		n, err := sr.stream.file.r.ReadAt(p[:toRead], fileOffset)
		if n < toRead && err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		totalRead += n
		sr.offset += int64(n)
		sr.posInPage += n
		p = p[n:]
		if err != nil && err != io.EOF {
			return totalRead, err
		}

		// Move to next page if we've exhausted this one
		if sr.posInPage >= pageSize {
			sr.pageOffset++
			sr.posInPage = 0
		}
	}

	return totalRead, nil
}

// ReadInto reads the entire stream into buf, which must hold Size bytes.
func (s *Stream) ReadInto(buf []byte) error {
	_, err := io.ReadFull(NewStreamReader(s), buf[:s.size])
	return err
}

// ReadAll reads the entire stream contents into a new byte slice.
func (s *Stream) ReadAll() ([]byte, error) {
	data := make([]byte, s.size)
	if err := s.ReadInto(data); err != nil {
		return nil, err
	}
	return data, nil
}

// StreamDirectory represents the directory of all streams in the MSF file.
type StreamDirectory struct {
	NumStreams  uint32
	StreamSizes []uint32
	StreamPages [][]uint32
}
