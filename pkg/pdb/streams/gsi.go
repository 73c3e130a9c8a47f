package streams

import (
	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// GSI hash layout constants.
const (
	GSIBuckets        = 4096
	GSIHashSignature  = 0xFFFFFFFF
	GSIHashVersion    = 0xeffe0000 + 19990810
	GSIHeaderSize     = 16
	PublicsHeaderSize = 28

	gsiRecordFileSize   = 8
	gsiRecordMemorySize = 12 // bucket offsets count 12-byte in-memory records
	gsiBitmapWords      = (GSIBuckets + 1 + 31) / 32
)

// GSIBucket returns the hash bucket of a symbol name.
func GSIBucket(name string) uint32 {
	return HashV1(name) % GSIBuckets
}

// GSIBuilder accumulates (name, record offset) pairs into hash buckets.
type GSIBuilder struct {
	buckets [GSIBuckets][]uint32
	count   int
}

// NewGSIBuilder returns an empty builder.
func NewGSIBuilder() *GSIBuilder {
	return &GSIBuilder{}
}

// Add files the symbol record at offset in the symbol record stream under name.
func (g *GSIBuilder) Add(name string, offset uint32) {
	b := GSIBucket(name)
	g.buckets[b] = append(g.buckets[b], offset)
	g.count++
}

// Len returns the number of indexed records.
func (g *GSIBuilder) Len() int {
	return g.count
}

// HashBytes serializes the hash table. Records sharing a bucket are written
// in descending insertion order.
func (g *GSIBuilder) HashBytes() []byte {
	w := cursor.NewWriter()
	w.U32(GSIHashSignature)
	w.U32(GSIHashVersion)
	w.U32(uint32(g.count * gsiRecordFileSize))

	nonEmpty := 0
	for _, b := range g.buckets {
		if len(b) > 0 {
			nonEmpty++
		}
	}
	w.U32(uint32(gsiBitmapWords*4 + nonEmpty*4))

	for _, b := range g.buckets {
		for i := len(b) - 1; i >= 0; i-- {
			w.U32(b[i] + 1)
			w.U32(1)
		}
	}

	var bitmap [gsiBitmapWords]uint32
	for i, b := range g.buckets {
		if len(b) > 0 {
			bitmap[i/32] |= 1 << (uint(i) % 32)
		}
	}
	for _, word := range bitmap {
		w.U32(word)
	}

	index := 0
	for _, b := range g.buckets {
		if len(b) == 0 {
			continue
		}
		w.U32(uint32(index * gsiRecordMemorySize))
		index += len(b)
	}
	return w.Bytes()
}

// PublicsBytes serializes the publics stream: header, hash table and the
// address map of record offsets.
func (g *GSIBuilder) PublicsBytes(addrMap []uint32) []byte {
	hash := g.HashBytes()
	w := cursor.NewWriter()
	w.U32(uint32(len(hash)))
	w.U32(uint32(len(addrMap) * 4))
	w.U32(0) // thunk count
	w.U32(0) // thunk size
	w.U16(0) // thunk table section
	w.U16(0)
	w.U32(0) // thunk table offset
	w.U32(0) // section count
	w.Write(hash)
	for _, off := range addrMap {
		w.U32(off)
	}
	return w.Bytes()
}

// GSIHash is a decoded hash table: per bucket, record offsets in stored order.
type GSIHash struct {
	Buckets [GSIBuckets][]uint32
}

// Len returns the number of records in the table.
func (h *GSIHash) Len() int {
	n := 0
	for _, b := range h.Buckets {
		n += len(b)
	}
	return n
}

// ReadGSIHash parses a globals stream.
func ReadGSIHash(data []byte) (*GSIHash, error) {
	r := cursor.NewReader(data)
	sig := r.U32()
	ver := r.U32()
	hrBytes := r.U32()
	bucketBytes := r.U32()
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "truncated GSI header")
	}
	if sig != GSIHashSignature || ver != GSIHashVersion {
		return nil, pdberr.Newf(pdberr.Container, "invalid GSI header 0x%08x version 0x%08x", sig, ver)
	}
	if uint64(hrBytes)+uint64(bucketBytes) > uint64(r.Remaining()) {
		return nil, pdberr.Newf(pdberr.Container, "GSI declares %d bytes but has %d", uint64(hrBytes)+uint64(bucketBytes), r.Remaining())
	}

	records := make([]uint32, hrBytes/gsiRecordFileSize)
	for i := range records {
		records[i] = r.U32() - 1
		r.U32()
	}

	var bitmap [gsiBitmapWords]uint32
	for i := range bitmap {
		bitmap[i] = r.U32()
	}
	var starts []int
	var owners []int
	for b := 0; b < GSIBuckets; b++ {
		if bitmap[b/32]&(1<<(uint(b)%32)) != 0 {
			starts = append(starts, int(r.U32())/gsiRecordMemorySize)
			owners = append(owners, b)
		}
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "truncated GSI buckets")
	}

	h := &GSIHash{}
	for i, start := range starts {
		end := len(records)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if start > end || end > len(records) {
			return nil, pdberr.Newf(pdberr.Container, "GSI bucket %d spans records [%d, %d) of %d", owners[i], start, end, len(records))
		}
		h.Buckets[owners[i]] = records[start:end]
	}
	return h, nil
}

// ReadPublics parses a publics stream into its hash table and address map.
func ReadPublics(data []byte) (*GSIHash, []uint32, error) {
	r := cursor.NewReader(data)
	hashBytes := r.U32()
	addrBytes := r.U32()
	r.Skip(PublicsHeaderSize - 8)
	if err := r.Err(); err != nil {
		return nil, nil, pdberr.Wrapf(pdberr.Container, err, "truncated publics header")
	}
	if uint64(hashBytes)+uint64(addrBytes) > uint64(r.Remaining()) {
		return nil, nil, pdberr.Newf(pdberr.Container, "publics stream declares %d bytes but has %d", uint64(hashBytes)+uint64(addrBytes), r.Remaining())
	}
	hash, err := ReadGSIHash(data[PublicsHeaderSize : PublicsHeaderSize+hashBytes])
	if err != nil {
		return nil, nil, err
	}
	r.Skip(int(hashBytes))
	addrMap := make([]uint32, addrBytes/4)
	for i := range addrMap {
		addrMap[i] = r.U32()
	}
	return hash, addrMap, r.Err()
}
