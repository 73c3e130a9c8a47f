package codeview

import (
	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// C13 debug subsection kinds.
const (
	DebugSubsectionLines         = 0xF2
	DebugSubsectionFileChecksums = 0xF4

	// debugSubsectionIgnore marks a subsection to be skipped.
	debugSubsectionIgnore = 0x80000000
)

// Line block flags.
const LinesHaveColumns = 0x0001

// Packed line field layout.
const (
	lineStartMask    = 0x00FFFFFF
	lineDeltaShift   = 24
	lineDeltaMask    = 0x7F
	lineNotStatement = 0x80000000

	// MaxLineDelta is the largest end-start distance a line can record.
	MaxLineDelta = lineDeltaMask
	// MaxLineNumber is the largest start line a line can record.
	MaxLineNumber = lineStartMask
)

const checksumEntrySize = 8

// LineEntry is one IL offset to source position mapping.
type LineEntry struct {
	ILOffset    uint32
	Start       uint32
	Delta       uint8
	IsStatement bool
	ColumnStart uint16
	ColumnEnd   uint16
}

// LineFile is the run of lines of one function in one source file.
type LineFile struct {
	ChecksumOffset uint32
	Lines          []LineEntry
}

// LineBlock is one lines subsection, keyed to a function by address.
type LineBlock struct {
	Address    uint32
	Segment    uint16
	HasColumns bool
	CodeBytes  uint32
	Files      []LineFile
}

// ChecksumOffset returns the offset of the i-th file checksum entry.
func ChecksumOffset(i int) uint32 {
	return uint32(i * checksumEntrySize)
}

// LineInfo is the decoded C13 line information of a module.
type LineInfo struct {
	// Checksums maps a checksum entry offset to the file's name index offset.
	Checksums map[uint32]uint32
	Blocks    []LineBlock
}

// WriteLineInfo appends the checksum subsection for files (name index
// offsets) followed by one lines subsection per block.
func WriteLineInfo(w *cursor.Writer, files []uint32, blocks []LineBlock) {
	if len(files) > 0 {
		sizeAt := subsectionHeader(w, DebugSubsectionFileChecksums)
		start := w.Len()
		for _, name := range files {
			w.U32(name)
			w.U8(0) // checksum size
			w.U8(0) // checksum kind
			w.Align(4)
		}
		w.PutU32At(sizeAt, uint32(w.Len()-start))
	}

	for i := range blocks {
		b := &blocks[i]
		sizeAt := subsectionHeader(w, DebugSubsectionLines)
		start := w.Len()
		w.U32(b.Address)
		w.U16(b.Segment)
		var flags uint16
		if b.HasColumns {
			flags |= LinesHaveColumns
		}
		w.U16(flags)
		w.U32(b.CodeBytes)
		for _, f := range b.Files {
			w.U32(f.ChecksumOffset)
			w.U32(uint32(len(f.Lines)))
			w.U32(uint32(fileBlockSize(len(f.Lines), b.HasColumns)))
			for _, l := range f.Lines {
				w.U32(l.ILOffset)
				w.U32(packLine(l))
			}
			if b.HasColumns {
				for _, l := range f.Lines {
					w.U16(l.ColumnStart)
					w.U16(l.ColumnEnd)
				}
			}
		}
		w.PutU32At(sizeAt, uint32(w.Len()-start))
		w.Align(4)
	}
}

func subsectionHeader(w *cursor.Writer, kind uint32) int {
	w.U32(kind)
	return w.Reserve(4)
}

func fileBlockSize(lines int, columns bool) int {
	n := 12 + 8*lines
	if columns {
		n += 4 * lines
	}
	return n
}

func packLine(l LineEntry) uint32 {
	v := l.Start&lineStartMask | uint32(l.Delta&lineDeltaMask)<<lineDeltaShift
	if !l.IsStatement {
		v |= lineNotStatement
	}
	return v
}

func unpackLine(il, v uint32) LineEntry {
	return LineEntry{
		ILOffset:    il,
		Start:       v & lineStartMask,
		Delta:       uint8(v >> lineDeltaShift & lineDeltaMask),
		IsStatement: v&lineNotStatement == 0,
	}
}

// ParseLineInfo parses the C13 subsections of a module. Subsections of other
// kinds are skipped.
func ParseLineInfo(data []byte) (*LineInfo, error) {
	info := &LineInfo{Checksums: make(map[uint32]uint32)}
	r := cursor.NewReader(data)
	for r.Remaining() >= 8 {
		kind := r.U32()
		size := int(r.U32())
		if size > r.Remaining() {
			return nil, pdberr.Newf(pdberr.Record, "subsection 0x%x declares %d bytes but %d remain", kind, size, r.Remaining())
		}
		body := data[r.Pos() : r.Pos()+size]
		// The final subsection may omit its padding.
		next := cursor.AlignUp(r.Pos()+size, 4)
		if next > len(data) {
			next = len(data)
		}
		r.Seek(next)

		if kind&debugSubsectionIgnore != 0 {
			continue
		}
		switch kind {
		case DebugSubsectionFileChecksums:
			if err := parseChecksums(body, info.Checksums); err != nil {
				return nil, err
			}
		case DebugSubsectionLines:
			b, err := parseLineBlock(body)
			if err != nil {
				return nil, err
			}
			info.Blocks = append(info.Blocks, *b)
		}
	}
	return info, nil
}

func parseChecksums(data []byte, out map[uint32]uint32) error {
	r := cursor.NewReader(data)
	for r.Remaining() > 0 {
		off := uint32(r.Pos())
		name := r.U32()
		size := int(r.U8())
		r.U8()
		r.Skip(size)
		if err := r.Err(); err != nil {
			return pdberr.Wrapf(pdberr.Record, err, "malformed file checksum at offset %d", off)
		}
		out[off] = name
		if r.Remaining() > 0 {
			r.Align(4)
		}
	}
	return nil
}

func parseLineBlock(data []byte) (*LineBlock, error) {
	r := cursor.NewReader(data)
	b := &LineBlock{
		Address: r.U32(),
		Segment: r.U16(),
	}
	flags := r.U16()
	b.HasColumns = flags&LinesHaveColumns != 0
	b.CodeBytes = r.U32()
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "truncated lines header")
	}

	for r.Remaining() > 0 {
		start := r.Pos()
		f := LineFile{ChecksumOffset: r.U32()}
		n := int(r.U32())
		size := int(r.U32())
		if err := r.Err(); err != nil {
			return nil, pdberr.Wrapf(pdberr.Record, err, "truncated line file header")
		}
		if want := fileBlockSize(n, b.HasColumns); size != want || start+size > len(data) {
			return nil, pdberr.Newf(pdberr.Record, "line file block of %d lines has size %d", n, size)
		}
		f.Lines = make([]LineEntry, n)
		for i := range f.Lines {
			il := r.U32()
			f.Lines[i] = unpackLine(il, r.U32())
		}
		if b.HasColumns {
			for i := range f.Lines {
				f.Lines[i].ColumnStart = r.U16()
				f.Lines[i].ColumnEnd = r.U16()
			}
		}
		if err := r.Err(); err != nil {
			return nil, pdberr.Wrapf(pdberr.Record, err, "truncated line entries")
		}
		b.Files = append(b.Files, f)
	}
	return b, nil
}
