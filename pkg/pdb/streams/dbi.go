package streams

import (
	"fmt"
	"math"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// DBI Stream versions
const (
	DBIStreamVersionV70 = 19990903
)

// Section contribution substream version.
const (
	SectionContribVer60 = 0xeffe0000 + 19970605
	SectionContribV2    = 0xeffe0000 + 20140516
)

// Machine types
const (
	MachineUnknown = 0x0000
	MachineI386    = 0x014c
	MachineIA64    = 0x0200
	MachineAMD64   = 0x8664
	MachineARM     = 0x01c0
	MachineARM64   = 0xAA64
)

// Fixed sizes of DBI structures.
const (
	DBIHeaderSize       = 64
	ModuleInfoFixedSize = 64
	SectionContribSize  = 28
	SectionMapEntrySize = 20
	DebugHeaderSize     = 22
)

// NilStream marks an absent stream in 16-bit stream index fields.
const NilStream = 0xFFFF

// Debug header slots.
const (
	DbgFPO = iota
	DbgException
	DbgFixup
	DbgOmapToSrc
	DbgOmapFromSrc
	DbgSectionHdr
	DbgTokenRidMap
	DbgXdata
	DbgPdata
	DbgNewFPO
	DbgSectionHdrOrig
	numDebugStreams
)

// DBIHeader is the fixed header of the DBI stream (64 bytes).
type DBIHeader struct {
	VersionSignature        int32  // Always -1
	VersionHeader           uint32 // DBI version
	Age                     uint32 // PDB age
	GlobalStreamIndex       uint16 // Global symbols stream index
	BuildNumber             uint16 // Toolchain version
	PublicStreamIndex       uint16 // Public symbols stream index
	PdbDllVersion           uint16
	SymRecordStream         uint16 // Symbol record stream index
	PdbDllRbld              uint16
	ModInfoSize             int32 // Size of module info substream
	SectionContributionSize int32 // Size of section contribution substream
	SectionMapSize          int32 // Size of section map substream
	SourceInfoSize          int32 // Size of file info substream
	TypeServerMapSize       int32 // Size of type server map substream
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32 // Size of optional debug header
	ECSubstreamSize         int32 // Size of EC substream
	Flags                   uint16
	Machine                 uint16 // CPU type
	Padding                 uint32
}

// DBIStream represents the DBI stream.
type DBIStream struct {
	Header          DBIHeader
	Modules         []ModuleInfo
	SectionContribs []SectionContrib
	SectionMap      []SectionMapEntry
	// ModuleFiles lists, per module, the source file names it references.
	ModuleFiles [][]string
	// DebugStreams holds the optional debug header, or nil when absent.
	DebugStreams []uint16
}

// ModuleInfo contains information about a compiled module.
type ModuleInfo struct {
	Unused1              uint32
	SectionContrib       SectionContrib
	Flags                uint16
	ModuleSymStream      uint16 // Stream containing module symbols (-1 if none)
	SymByteSize          uint32 // Size of symbol data in bytes
	C11ByteSize          uint32 // Size of C11 line info
	C13ByteSize          uint32 // Size of C13 line info
	SourceFileCount      uint16
	Padding              uint16
	Unused2              uint32
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
	ModuleName           string
	ObjFileName          string
}

// SectionContrib describes a section contribution from a module.
type SectionContrib struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// SectionMapEntry is one segment descriptor of the section map.
type SectionMapEntry struct {
	Flags         uint16
	Ovl           uint16
	Group         uint16
	Frame         uint16
	SectionName   uint16
	ClassName     uint16
	Offset        uint32
	SectionLength uint32
}

// DefaultSectionMap returns the section map written when any function
// exists: one code segment of codeBytes and the absolute segment.
func DefaultSectionMap(codeBytes uint32) []SectionMapEntry {
	return []SectionMapEntry{
		{Flags: 0x010d, Frame: 1, SectionName: NilStream, ClassName: NilStream, SectionLength: codeBytes},
		{Flags: 0x0208, Frame: 2, SectionName: NilStream, ClassName: NilStream, SectionLength: 0xFFFFFFFF},
	}
}

// ReadDBIStream parses the DBI stream.
func ReadDBIStream(data []byte) (*DBIStream, error) {
	if len(data) < DBIHeaderSize {
		return nil, pdberr.Newf(pdberr.Container, "DBI stream too small: %d bytes", len(data))
	}

	r := cursor.NewReader(data)
	header := readDBIHeader(r)

	if header.VersionSignature != -1 {
		return nil, pdberr.Newf(pdberr.Container, "invalid DBI version signature: %d", header.VersionSignature)
	}

	dbi := &DBIStream{Header: header}

	sizes := []int32{
		header.ModInfoSize, header.SectionContributionSize, header.SectionMapSize,
		header.SourceInfoSize, header.TypeServerMapSize, header.ECSubstreamSize,
		header.OptionalDbgHeaderSize,
	}
	offsets := make([]int, len(sizes)+1)
	offsets[0] = DBIHeaderSize
	for i, s := range sizes {
		if s < 0 {
			return nil, pdberr.Newf(pdberr.Container, "negative DBI substream size %d", s)
		}
		offsets[i+1] = offsets[i] + int(s)
	}
	if offsets[len(sizes)] > len(data) {
		return nil, pdberr.Newf(pdberr.Container, "DBI substreams need %d bytes but the stream has %d", offsets[len(sizes)], len(data))
	}
	sub := func(i int) []byte { return data[offsets[i]:offsets[i+1]] }

	var err error
	if dbi.Modules, err = parseModuleInfo(sub(0)); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to parse module info")
	}
	if dbi.SectionContribs, err = parseSectionContribs(sub(1)); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to parse section contributions")
	}
	if dbi.SectionMap, err = parseSectionMap(sub(2)); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to parse section map")
	}
	if dbi.ModuleFiles, err = parseFileInfo(sub(3)); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to parse file info")
	}
	if header.OptionalDbgHeaderSize > 0 {
		dr := cursor.NewReader(sub(6))
		for dr.Remaining() >= 2 {
			dbi.DebugStreams = append(dbi.DebugStreams, dr.U16())
		}
	}

	return dbi, nil
}

func readDBIHeader(r *cursor.Reader) DBIHeader {
	return DBIHeader{
		VersionSignature:        r.I32(),
		VersionHeader:           r.U32(),
		Age:                     r.U32(),
		GlobalStreamIndex:       r.U16(),
		BuildNumber:             r.U16(),
		PublicStreamIndex:       r.U16(),
		PdbDllVersion:           r.U16(),
		SymRecordStream:         r.U16(),
		PdbDllRbld:              r.U16(),
		ModInfoSize:             r.I32(),
		SectionContributionSize: r.I32(),
		SectionMapSize:          r.I32(),
		SourceInfoSize:          r.I32(),
		TypeServerMapSize:       r.I32(),
		MFCTypeServerIndex:      r.U32(),
		OptionalDbgHeaderSize:   r.I32(),
		ECSubstreamSize:         r.I32(),
		Flags:                   r.U16(),
		Machine:                 r.U16(),
		Padding:                 r.U32(),
	}
}

func writeDBIHeader(w *cursor.Writer, h *DBIHeader) {
	w.I32(h.VersionSignature)
	w.U32(h.VersionHeader)
	w.U32(h.Age)
	w.U16(h.GlobalStreamIndex)
	w.U16(h.BuildNumber)
	w.U16(h.PublicStreamIndex)
	w.U16(h.PdbDllVersion)
	w.U16(h.SymRecordStream)
	w.U16(h.PdbDllRbld)
	w.I32(h.ModInfoSize)
	w.I32(h.SectionContributionSize)
	w.I32(h.SectionMapSize)
	w.I32(h.SourceInfoSize)
	w.I32(h.TypeServerMapSize)
	w.U32(h.MFCTypeServerIndex)
	w.I32(h.OptionalDbgHeaderSize)
	w.I32(h.ECSubstreamSize)
	w.U16(h.Flags)
	w.U16(h.Machine)
	w.U32(h.Padding)
}

// parseModuleInfo reads module entries until the substream is exhausted.
func parseModuleInfo(data []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo
	r := cursor.NewReader(data)

	for r.Remaining() > 0 {
		if r.Remaining() < ModuleInfoFixedSize {
			return nil, fmt.Errorf("module entry %d truncated: %d bytes left", len(modules), r.Remaining())
		}
		var mod ModuleInfo
		mod.Unused1 = r.U32()
		mod.SectionContrib = readSectionContrib(r)
		mod.Flags = r.U16()
		mod.ModuleSymStream = r.U16()
		mod.SymByteSize = r.U32()
		mod.C11ByteSize = r.U32()
		mod.C13ByteSize = r.U32()
		mod.SourceFileCount = r.U16()
		mod.Padding = r.U16()
		mod.Unused2 = r.U32()
		mod.SourceFileNameIndex = r.U32()
		mod.PdbFilePathNameIndex = r.U32()
		mod.ModuleName = r.CString()
		mod.ObjFileName = r.CString()
		r.Align(4)
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("module entry %d: %w", len(modules), err)
		}
		modules = append(modules, mod)
	}

	return modules, nil
}

func writeModuleInfo(w *cursor.Writer, mod *ModuleInfo) {
	w.U32(mod.Unused1)
	writeSectionContrib(w, &mod.SectionContrib)
	w.U16(mod.Flags)
	w.U16(mod.ModuleSymStream)
	w.U32(mod.SymByteSize)
	w.U32(mod.C11ByteSize)
	w.U32(mod.C13ByteSize)
	w.U16(mod.SourceFileCount)
	w.U16(mod.Padding)
	w.U32(mod.Unused2)
	w.U32(mod.SourceFileNameIndex)
	w.U32(mod.PdbFilePathNameIndex)
	w.CString(mod.ModuleName)
	w.CString(mod.ObjFileName)
	w.Align(4)
}

func readSectionContrib(r *cursor.Reader) SectionContrib {
	return SectionContrib{
		Section:         r.U16(),
		Padding1:        r.U16(),
		Offset:          r.I32(),
		Size:            r.I32(),
		Characteristics: r.U32(),
		ModuleIndex:     r.U16(),
		Padding2:        r.U16(),
		DataCrc:         r.U32(),
		RelocCrc:        r.U32(),
	}
}

func writeSectionContrib(w *cursor.Writer, sc *SectionContrib) {
	w.U16(sc.Section)
	w.U16(sc.Padding1)
	w.I32(sc.Offset)
	w.I32(sc.Size)
	w.U32(sc.Characteristics)
	w.U16(sc.ModuleIndex)
	w.U16(sc.Padding2)
	w.U32(sc.DataCrc)
	w.U32(sc.RelocCrc)
}

// parseSectionContribs parses the section contribution substream.
func parseSectionContribs(data []byte) ([]SectionContrib, error) {
	if len(data) == 0 {
		return nil, nil
	}

	r := cursor.NewReader(data)
	version := r.U32()

	entrySize := SectionContribSize
	switch version {
	case SectionContribVer60:
	case SectionContribV2:
		entrySize += 4 // ISectCoff
	default:
		return nil, fmt.Errorf("unknown section contribution version 0x%08x", version)
	}

	var contribs []SectionContrib
	for r.Remaining() >= entrySize {
		contribs = append(contribs, readSectionContrib(r))
		if entrySize > SectionContribSize {
			r.Skip(4)
		}
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after section contributions", r.Remaining())
	}
	return contribs, r.Err()
}

func parseSectionMap(data []byte) ([]SectionMapEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := cursor.NewReader(data)
	count := r.U16()
	r.U16() // logical count
	if r.Err() == nil && int(count)*SectionMapEntrySize > r.Remaining() {
		return nil, fmt.Errorf("section map declares %d entries in %d bytes", count, r.Remaining())
	}
	entries := make([]SectionMapEntry, count)
	for i := range entries {
		entries[i] = SectionMapEntry{
			Flags:         r.U16(),
			Ovl:           r.U16(),
			Group:         r.U16(),
			Frame:         r.U16(),
			SectionName:   r.U16(),
			ClassName:     r.U16(),
			Offset:        r.U32(),
			SectionLength: r.U32(),
		}
	}
	return entries, r.Err()
}

// parseFileInfo parses the per-module source file lists.
func parseFileInfo(data []byte) ([][]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := cursor.NewReader(data)
	numModules := int(r.U16())
	r.U16() // legacy file count, wraps at 64K
	r.Skip(2 * numModules)
	counts := make([]int, numModules)
	total := 0
	for i := range counts {
		counts[i] = int(r.U16())
		total += counts[i]
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if total*4 > r.Remaining() {
		return nil, fmt.Errorf("file info declares %d files in %d bytes", total, r.Remaining())
	}
	offsets := make([]uint32, total)
	for i := range offsets {
		offsets[i] = r.U32()
	}
	names := data[r.Pos():]

	files := make([][]string, numModules)
	next := 0
	for m, c := range counts {
		for j := 0; j < c; j++ {
			off := offsets[next]
			next++
			if int(off) >= len(names) {
				return nil, fmt.Errorf("file name offset %d out of range [0, %d)", off, len(names))
			}
			files[m] = append(files[m], extractCString(names[off:]))
		}
	}
	return files, nil
}

func writeFileInfo(w *cursor.Writer, files [][]string) {
	total := 0
	for _, f := range files {
		total += len(f)
	}
	if len(files) > math.MaxUint16 || total > math.MaxUint16 {
		w.Fail(fmt.Errorf("file info of %d modules and %d file references exceeds 16-bit counts", len(files), total))
		return
	}
	w.U16(uint16(len(files)))
	w.U16(uint16(total))
	first := 0
	for _, f := range files {
		w.U16(uint16(first))
		first += len(f)
	}
	for _, f := range files {
		w.U16(uint16(len(f)))
	}

	names := cursor.NewWriter()
	offsets := make(map[string]uint32)
	for _, f := range files {
		for _, name := range f {
			off, ok := offsets[name]
			if !ok {
				off = uint32(names.Len())
				offsets[name] = off
				names.CString(name)
			}
			w.U32(off)
		}
	}
	w.Write(names.Bytes())
	w.Align(4)
}

// Bytes serializes the DBI stream. Every substream size in the header is
// computed from the encoded substreams, which are laid out first.
func (d *DBIStream) Bytes() ([]byte, error) {
	body := cursor.NewWriter()
	h := d.Header
	h.VersionSignature = -1

	mark := body.Len()
	for i := range d.Modules {
		writeModuleInfo(body, &d.Modules[i])
	}
	h.ModInfoSize = int32(body.Len() - mark)

	mark = body.Len()
	body.U32(SectionContribVer60)
	for i := range d.SectionContribs {
		writeSectionContrib(body, &d.SectionContribs[i])
	}
	h.SectionContributionSize = int32(body.Len() - mark)

	mark = body.Len()
	body.U16(uint16(len(d.SectionMap)))
	body.U16(uint16(len(d.SectionMap)))
	for _, e := range d.SectionMap {
		body.U16(e.Flags)
		body.U16(e.Ovl)
		body.U16(e.Group)
		body.U16(e.Frame)
		body.U16(e.SectionName)
		body.U16(e.ClassName)
		body.U32(e.Offset)
		body.U32(e.SectionLength)
	}
	h.SectionMapSize = int32(body.Len() - mark)

	mark = body.Len()
	writeFileInfo(body, d.ModuleFiles)
	h.SourceInfoSize = int32(body.Len() - mark)

	h.TypeServerMapSize = 0

	mark = body.Len()
	body.Write(NewNameIndex().Bytes())
	h.ECSubstreamSize = int32(body.Len() - mark)

	mark = body.Len()
	for _, s := range d.DebugStreams {
		body.U16(s)
	}
	h.OptionalDbgHeaderSize = int32(body.Len() - mark)

	if err := body.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to encode DBI stream")
	}
	w := cursor.NewWriter()
	writeDBIHeader(w, &h)
	w.Write(body.Bytes())
	return w.Bytes(), nil
}

// DebugStream returns the stream index in a debug header slot, or
// NilStream when the slot is absent.
func (d *DBIStream) DebugStream(slot int) uint16 {
	if slot < 0 || slot >= len(d.DebugStreams) {
		return NilStream
	}
	return d.DebugStreams[slot]
}

// NewDebugStreams returns a debug header with every slot unused.
func NewDebugStreams() []uint16 {
	s := make([]uint16, numDebugStreams)
	for i := range s {
		s[i] = NilStream
	}
	return s
}

// MachineTypeName returns the human-readable name for a machine type.
func MachineTypeName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM:
		return "ARM"
	case MachineARM64:
		return "ARM64"
	case MachineIA64:
		return "IA64"
	default:
		return fmt.Sprintf("0x%04x", machine)
	}
}

// HasSymbols returns true if the module has symbol information.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStream != NilStream && m.SymByteSize > 0
}
