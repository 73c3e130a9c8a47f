package streams

import (
	"bytes"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// NameIndexSignature starts every name index.
const (
	NameIndexSignature = 0xEFFEEFFE
	NameIndexVersion   = 1
)

// NameIndex maps strings to offsets in one append-only blob. Offset 0 is
// the empty string. Offsets are handed out once and never reused.
type NameIndex struct {
	blob    []byte
	offsets map[string]uint32
	order   []string
}

// NewNameIndex returns an index holding only the empty string.
func NewNameIndex() *NameIndex {
	return &NameIndex{
		blob:    []byte{0},
		offsets: map[string]uint32{"": 0},
	}
}

// Offset returns the offset of s, appending it on first use.
func (n *NameIndex) Offset(s string) uint32 {
	if off, ok := n.offsets[s]; ok {
		return off
	}
	off := uint32(len(n.blob))
	n.blob = append(n.blob, s...)
	n.blob = append(n.blob, 0)
	n.offsets[s] = off
	n.order = append(n.order, s)
	return off
}

// Len returns the number of non-empty strings in the index.
func (n *NameIndex) Len() int {
	return len(n.order)
}

// Lookup returns the string starting at off.
func (n *NameIndex) Lookup(off uint32) (string, error) {
	if int(off) >= len(n.blob) {
		return "", pdberr.Newf(pdberr.Container, "name index offset %d out of range [0, %d)", off, len(n.blob))
	}
	end := bytes.IndexByte(n.blob[off:], 0)
	if end < 0 {
		return "", pdberr.Newf(pdberr.Container, "unterminated name at offset %d", off)
	}
	return string(n.blob[off : int(off)+end]), nil
}

// Bytes serializes the index with a linear-probing hash of its offsets.
func (n *NameIndex) Bytes() []byte {
	buckets := make([]uint32, n.bucketCount())
	for _, s := range n.order {
		h := HashV1(s) % uint32(len(buckets))
		for buckets[h] != 0 {
			h = (h + 1) % uint32(len(buckets))
		}
		buckets[h] = n.offsets[s]
	}

	w := cursor.NewWriter()
	w.U32(NameIndexSignature)
	w.U32(NameIndexVersion)
	w.U32(uint32(len(n.blob)))
	w.Write(n.blob)
	w.U32(uint32(len(buckets)))
	for _, b := range buckets {
		w.U32(b)
	}
	w.U32(uint32(len(n.order)))
	return w.Bytes()
}

func (n *NameIndex) bucketCount() int {
	if len(n.order) == 0 {
		return 1
	}
	return len(n.order)*4/3 + 1
}

// ReadNameIndex parses a serialized name index.
func ReadNameIndex(data []byte) (*NameIndex, error) {
	r := cursor.NewReader(data)
	sig := r.U32()
	ver := r.U32()
	if r.Err() == nil && (sig != NameIndexSignature || ver != NameIndexVersion) {
		return nil, pdberr.Newf(pdberr.Container, "invalid name index header 0x%08x version %d", sig, ver)
	}
	size := r.U32()
	blob := r.Bytes(int(size))
	numBuckets := r.U32()
	if r.Err() == nil && uint64(numBuckets)*4 > uint64(r.Remaining()) {
		return nil, pdberr.Newf(pdberr.Container, "name index declares %d buckets in %d bytes", numBuckets, r.Remaining())
	}
	used := 0
	for i := uint32(0); i < numBuckets; i++ {
		if r.U32() != 0 {
			used++
		}
	}
	count := r.U32()
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "truncated name index")
	}
	if int(count) != used {
		return nil, pdberr.Newf(pdberr.Container, "name index declares %d names but %d buckets are used", count, used)
	}
	if len(blob) == 0 {
		blob = []byte{0}
	}
	return &NameIndex{blob: blob, offsets: map[string]uint32{"": 0}}, nil
}
