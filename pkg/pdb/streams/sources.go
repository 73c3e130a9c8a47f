package streams

import (
	"strings"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

const sourceStreamVersion = 1

// SourceInfo is the metadata stored in a per-source named stream.
type SourceInfo struct {
	Language      [16]byte
	Vendor        [16]byte
	DocumentType  [16]byte
	HashAlgorithm [16]byte
	Hash          []byte
}

// SourceStreamName returns the named-stream key of a source file. Names are
// lower-cased so that lookups agree with case-insensitive readers.
func SourceStreamName(file string) string {
	return SourceFilePrefix + strings.ToLower(file)
}

// Bytes serializes the source metadata.
func (s *SourceInfo) Bytes() []byte {
	w := cursor.NewWriter()
	w.U32(sourceStreamVersion)
	w.GUID(s.Language)
	w.GUID(s.Vendor)
	w.GUID(s.DocumentType)
	w.GUID(s.HashAlgorithm)
	w.U32(uint32(len(s.Hash)))
	w.U32(0)
	w.Write(s.Hash)
	return w.Bytes()
}

// ReadSourceInfo parses a per-source stream.
func ReadSourceInfo(data []byte) (*SourceInfo, error) {
	r := cursor.NewReader(data)
	if v := r.U32(); r.Err() == nil && v != sourceStreamVersion {
		return nil, pdberr.Newf(pdberr.Record, "unsupported source stream version %d", v)
	}
	s := &SourceInfo{
		Language:      r.GUID(),
		Vendor:        r.GUID(),
		DocumentType:  r.GUID(),
		HashAlgorithm: r.GUID(),
	}
	n := r.U32()
	r.U32()
	if n > 0 {
		s.Hash = r.Bytes(int(n))
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "truncated source stream")
	}
	return s, nil
}

// SourceHeaderEntry links a source name in the name index to its stream.
type SourceHeaderEntry struct {
	NameOffset uint32
	Stream     uint32
}

// SourceHeaderBlock is the /src/headerblock stream.
type SourceHeaderBlock struct {
	Entries []SourceHeaderEntry
}

// Bytes serializes the header block.
func (b *SourceHeaderBlock) Bytes() []byte {
	w := cursor.NewWriter()
	w.U32(sourceStreamVersion)
	w.U32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		w.U32(e.NameOffset)
		w.U32(e.Stream)
	}
	return w.Bytes()
}

// ReadSourceHeaderBlock parses the /src/headerblock stream.
func ReadSourceHeaderBlock(data []byte) (*SourceHeaderBlock, error) {
	r := cursor.NewReader(data)
	r.U32()
	n := r.U32()
	if r.Err() == nil && uint64(n)*8 > uint64(r.Remaining()) {
		return nil, pdberr.Newf(pdberr.Container, "source header block declares %d entries in %d bytes", n, r.Remaining())
	}
	b := &SourceHeaderBlock{}
	for i := uint32(0); i < n; i++ {
		b.Entries = append(b.Entries, SourceHeaderEntry{NameOffset: r.U32(), Stream: r.U32()})
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "truncated source header block")
	}
	return b, nil
}
