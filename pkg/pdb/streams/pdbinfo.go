package streams

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// PDB Stream versions
const (
	PDBStreamVersionVC70  = 20000404
	PDBStreamVersionVC140 = 20140508
)

// Well-known stream names and indices.
const (
	NamesStreamName       = "/names"
	HeaderBlockStreamName = "/src/headerblock"
	SourceFilePrefix      = "/src/files/"
	SourceServerName      = "srcsrv"

	StreamOldDirectory = 0
	StreamRoot         = 1
	StreamTPI          = 2
	StreamDBI          = 3
	StreamIPI          = 4
	StreamSectionHdr   = 5
	StreamNames        = 6
	StreamHeaderBlock  = 7
)

// PDBInfo represents the root stream (Stream 1).
type PDBInfo struct {
	Version      uint32
	Signature    uint32   // Timestamp of PDB creation
	Age          uint32   // Number of times PDB has been written
	GUID         [16]byte // Unique identifier
	NamedStreams *NamedStreamTable
	Features     []uint32
}

// ReadPDBInfo parses the root stream.
func ReadPDBInfo(data []byte, caseSensitive bool) (*PDBInfo, error) {
	r := cursor.NewReader(data)
	info := &PDBInfo{
		Version:   r.U32(),
		Signature: r.U32(),
		Age:       r.U32(),
		GUID:      r.GUID(),
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to read PDB info header")
	}

	table, err := readNamedStreamTable(r, caseSensitive)
	if err != nil {
		return nil, err
	}
	info.NamedStreams = table

	// niMac, then feature codes until the end of the stream.
	if r.Remaining() >= 4 {
		r.U32()
	}
	for r.Remaining() >= 4 {
		info.Features = append(info.Features, r.U32())
	}
	return info, nil
}

// Bytes serializes the root stream.
func (p *PDBInfo) Bytes() []byte {
	w := cursor.NewWriter()
	w.U32(p.Version)
	w.U32(p.Signature)
	w.U32(p.Age)
	w.GUID(p.GUID)
	p.NamedStreams.write(w)
	w.U32(0)
	for _, f := range p.Features {
		w.U32(f)
	}
	return w.Bytes()
}

// FormatGUID renders a GUID in registry order without braces.
func FormatGUID(g [16]byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}

// NamedStreamTable maps stream names to stream indices.
type NamedStreamTable struct {
	caseSensitive bool
	streams       map[string]uint32 // keyed by normalized name
	names         map[string]string // normalized -> original
}

// NewNamedStreamTable returns an empty table.
func NewNamedStreamTable(caseSensitive bool) *NamedStreamTable {
	return &NamedStreamTable{
		caseSensitive: caseSensitive,
		streams:       make(map[string]uint32),
		names:         make(map[string]string),
	}
}

func (t *NamedStreamTable) key(name string) string {
	if t.caseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// Add maps name to stream, replacing any previous mapping.
func (t *NamedStreamTable) Add(name string, stream uint32) {
	k := t.key(name)
	t.streams[k] = stream
	t.names[k] = name
}

// Lookup returns the stream mapped to name.
func (t *NamedStreamTable) Lookup(name string) (uint32, bool) {
	s, ok := t.streams[t.key(name)]
	return s, ok
}

// Len returns the number of mapped names.
func (t *NamedStreamTable) Len() int {
	return len(t.streams)
}

// Map returns a copy of the table keyed by the names as stored.
func (t *NamedStreamTable) Map() map[string]uint32 {
	out := make(map[string]uint32, len(t.streams))
	for k, s := range t.streams {
		out[t.names[k]] = s
	}
	return out
}

func (t *NamedStreamTable) sortedNames() []string {
	names := make([]string, 0, len(t.names))
	for _, n := range t.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func namedStreamCapacity(count int) uint32 {
	capacity := uint32(8)
	for uint32(count)*3 >= capacity*2 {
		capacity *= 2
	}
	return capacity
}

// write serializes the string buffer and the hash table. Each name hashes
// to the low 16 bits of HashV1 modulo the capacity, with linear probing.
func (t *NamedStreamTable) write(w *cursor.Writer) {
	names := t.sortedNames()

	strs := cursor.NewWriter()
	offsets := make(map[string]uint32, len(names))
	for _, n := range names {
		offsets[n] = uint32(strs.Len())
		strs.CString(n)
	}

	capacity := namedStreamCapacity(len(names))
	slots := make([]string, capacity)
	present := make([]bool, capacity)
	for _, n := range names {
		h := uint32(uint16(HashV1(n))) % capacity
		for present[h] {
			h = (h + 1) % capacity
		}
		present[h] = true
		slots[h] = n
	}

	w.U32(uint32(strs.Len()))
	w.Write(strs.Bytes())
	w.U32(uint32(len(names)))
	w.U32(capacity)

	words := make([]uint32, (capacity+31)/32)
	for i, p := range present {
		if p {
			words[i/32] |= 1 << (uint(i) % 32)
		}
	}
	w.U32(uint32(len(words)))
	for _, word := range words {
		w.U32(word)
	}
	w.U32(0) // deleted bitset

	for i, p := range present {
		if !p {
			continue
		}
		w.U32(offsets[slots[i]])
		s, _ := t.Lookup(slots[i])
		w.U32(s)
	}
}

func readNamedStreamTable(r *cursor.Reader, caseSensitive bool) (*NamedStreamTable, error) {
	t := NewNamedStreamTable(caseSensitive)

	strBufSize := r.U32()
	strBuf := r.Bytes(int(strBufSize))
	count := r.U32()
	capacity := r.U32()
	present := readBitset(r)
	deleted := readBitset(r)
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to read named stream table")
	}
	if uint64(capacity) > uint64(len(present))*32 {
		capacity = uint32(len(present)) * 32
	}

	entries := 0
	for i := uint32(0); i < capacity; i++ {
		if !isBitSet(present, i) || isBitSet(deleted, i) {
			continue
		}
		entries++
		keyOffset := r.U32()
		streamIndex := r.U32()
		if err := r.Err(); err != nil {
			return nil, pdberr.Wrapf(pdberr.Container, err, "truncated named stream table")
		}
		if keyOffset >= strBufSize {
			return nil, pdberr.Newf(pdberr.Container, "named stream key offset %d out of range [0, %d)", keyOffset, strBufSize)
		}
		t.Add(extractCString(strBuf[keyOffset:]), streamIndex)
	}

	if entries != int(count) {
		return nil, pdberr.Newf(pdberr.Container, "named stream table declares %d entries but holds %d", count, entries)
	}
	return t, nil
}

func readBitset(r *cursor.Reader) []uint32 {
	n := r.U32()
	if r.Err() != nil || uint64(n)*4 > uint64(r.Remaining()) {
		r.Skip(r.Remaining() + 1)
		return nil
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = r.U32()
	}
	return words
}

// isBitSet checks if bit n is set in the bit vector.
func isBitSet(words []uint32, n uint32) bool {
	wordIdx := n / 32
	bitIdx := n % 32
	if wordIdx >= uint32(len(words)) {
		return false
	}
	return (words[wordIdx] & (1 << bitIdx)) != 0
}

// extractCString extracts a null-terminated string from bytes.
func extractCString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
