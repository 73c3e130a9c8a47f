package streams

import (
	"bytes"
	"encoding/binary"

	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// TPI Stream versions
const (
	TPIStreamVersionV70 = 19990903
	TPIStreamVersionV80 = 20040203
)

// First type index (built-in types are below this)
const TypeIndexBegin = 0x1000

// TPIHeaderSize is the size of TPIHeader on disk.
const TPIHeaderSize = 56

// TPIHeader is the header of the TPI and IPI streams. Managed PDBs carry no
// type records, so the codec only writes and validates empty headers.
type TPIHeader struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// EmptyTPIHeader returns the header of a type stream without records.
func EmptyTPIHeader() TPIHeader {
	return TPIHeader{
		Version:            TPIStreamVersionV80,
		HeaderSize:         TPIHeaderSize,
		TypeIndexBegin:     TypeIndexBegin,
		TypeIndexEnd:       TypeIndexBegin,
		HashStreamIndex:    0xFFFF,
		HashAuxStreamIndex: 0xFFFF,
		HashKeySize:        4,
		NumHashBuckets:     0x3FFFF,
	}
}

// Bytes serializes the header.
func (h TPIHeader) Bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// ReadTPIHeader parses and validates a TPI or IPI stream header.
func ReadTPIHeader(data []byte) (*TPIHeader, error) {
	var header TPIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to read TPI header")
	}

	if header.Version != TPIStreamVersionV80 && header.Version != TPIStreamVersionV70 {
		return nil, pdberr.Newf(pdberr.Container, "unsupported TPI version: %d", header.Version)
	}
	if header.TypeIndexEnd < header.TypeIndexBegin {
		return nil, pdberr.Newf(pdberr.Container, "TPI type index range [0x%x, 0x%x) is inverted", header.TypeIndexBegin, header.TypeIndexEnd)
	}
	return &header, nil
}

// TypeCount returns the number of types (TypeIndexEnd - TypeIndexBegin).
func (h *TPIHeader) TypeCount() uint32 {
	return h.TypeIndexEnd - h.TypeIndexBegin
}
