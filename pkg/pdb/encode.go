package pdb

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/jtang613/mpdb/pkg/pdb/codeview"
	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/msf"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
	"github.com/jtang613/mpdb/pkg/pdb/streams"
)

const (
	codeSegment         = 1
	codeCharacteristics = 0x60000020 // code, execute, read
	firstSourceStream   = streams.StreamHeaderBlock + 1
)

// encoder holds the state of one Encode call. Every helper receives it
// explicitly.
type encoder struct {
	inst *Instance
	opts *options
	mw   *msf.Writer

	names *streams.NameIndex
	named *streams.NamedStreamTable

	// sourceStreams maps each source to its metadata stream.
	sourceStreams map[*Source]uint32
	headerBlock   streams.SourceHeaderBlock

	addrs     map[*Function]uint32
	codeBytes uint32

	records  *codeview.RecordWriter
	globals  *streams.GSIBuilder
	publics  *streams.GSIBuilder
	pubAddrs []publicAddr

	dbiModules  []streams.ModuleInfo
	contribs    []streams.SectionContrib
	moduleFiles [][]string

	nextStream int
}

type publicAddr struct {
	segment uint16
	offset  uint32
	record  uint32
}

func newEncoder(inst *Instance, w io.WriteSeeker, o *options) (*encoder, error) {
	mw, err := msf.NewWriter(w, o.pageSize)
	if err != nil {
		return nil, err
	}
	return &encoder{
		inst:          inst,
		opts:          o,
		mw:            mw,
		names:         streams.NewNameIndex(),
		named:         streams.NewNamedStreamTable(o.caseSensitive),
		sourceStreams: make(map[*Source]uint32),
		addrs:         make(map[*Function]uint32),
		records:       codeview.NewRecordWriter(),
		globals:       streams.NewGSIBuilder(),
		publics:       streams.NewGSIBuilder(),
		nextStream:    firstSourceStream,
	}, nil
}

func (e *encoder) encode() error {
	e.assignAddresses()
	e.assignSources()

	if err := e.writeEntryPoint(); err != nil {
		return err
	}

	empty := []byte(nil)
	tpi := streams.EmptyTPIHeader()
	fixed := []struct {
		index int
		data  []byte
	}{
		{streams.StreamOldDirectory, empty},
		{streams.StreamTPI, tpi.Bytes()},
		{streams.StreamIPI, tpi.Bytes()},
		{streams.StreamSectionHdr, empty},
		{streams.StreamHeaderBlock, e.headerBlock.Bytes()},
	}
	for _, s := range fixed {
		if err := e.mw.WriteStream(s.index, s.data); err != nil {
			return err
		}
	}
	if err := e.writeSources(); err != nil {
		return err
	}

	for i, m := range e.inst.Modules {
		if err := e.writeModule(i, m); err != nil {
			return pdberr.InModule(err, m.Name)
		}
	}

	globalsStream := e.allocStream()
	publicsStream := e.allocStream()
	recordStream := e.allocStream()
	if _, err := index16("symbol record stream", recordStream); err != nil {
		return err
	}
	if err := e.mw.WriteStream(globalsStream, e.globals.HashBytes()); err != nil {
		return err
	}
	if err := e.mw.WriteStream(publicsStream, e.publics.PublicsBytes(e.publicAddrMap())); err != nil {
		return err
	}
	if err := e.records.Err(); err != nil {
		return pdberr.Wrapf(pdberr.Record, err, "failed to encode symbol records")
	}
	if err := e.mw.WriteStream(recordStream, e.records.Bytes()); err != nil {
		return err
	}

	if e.inst.SourceServer != nil {
		idx := e.allocStream()
		e.named.Add(streams.SourceServerName, uint32(idx))
		if err := e.mw.WriteStream(idx, e.inst.SourceServer); err != nil {
			return err
		}
	}

	dbi, err := e.dbiStream(globalsStream, publicsStream, recordStream).Bytes()
	if err != nil {
		return err
	}
	if err := e.mw.WriteStream(streams.StreamDBI, dbi); err != nil {
		return err
	}

	e.named.Add(streams.NamesStreamName, streams.StreamNames)
	e.named.Add(streams.HeaderBlockStreamName, streams.StreamHeaderBlock)
	if err := e.mw.WriteStream(streams.StreamNames, e.names.Bytes()); err != nil {
		return err
	}

	root := &streams.PDBInfo{
		Version:      streams.PDBStreamVersionVC70,
		Signature:    e.inst.Timestamp,
		Age:          e.inst.Age,
		GUID:         e.inst.GUID,
		NamedStreams: e.named,
		Features:     []uint32{streams.PDBStreamVersionVC140},
	}
	if err := e.mw.WriteStream(streams.StreamRoot, root.Bytes()); err != nil {
		return err
	}

	e.opts.logger.Debug("encoded PDB",
		"modules", len(e.inst.Modules),
		"sources", len(e.headerBlock.Entries),
		"streams", e.nextStream,
		"code_bytes", e.codeBytes)
	return e.mw.Close()
}

// index16 narrows v to a 16-bit index field, where NilStream is reserved.
func index16(what string, v int) (uint16, error) {
	if v < 0 || v >= streams.NilStream {
		return 0, pdberr.Newf(pdberr.Container, "%s %d does not fit a 16-bit index", what, v)
	}
	return uint16(v), nil
}

func (e *encoder) allocStream() int {
	idx := e.nextStream
	e.nextStream++
	return idx
}

// assignAddresses lays out every function in the code segment, 4-byte
// aligned, in module order.
func (e *encoder) assignAddresses() {
	var next uint32
	for _, m := range e.inst.Modules {
		for _, fn := range m.Functions {
			e.addrs[fn] = next
			size := fn.Length
			if size == 0 {
				size = 1
			}
			next = uint32(cursor.AlignUp(int(next+size), 4))
		}
	}
	e.codeBytes = next
}

// assignSources gives every referenced source a metadata stream. Sources
// whose names collide ignoring case share one stream.
func (e *encoder) assignSources() {
	byName := make(map[string]uint32)
	for _, src := range e.inst.Sources() {
		key := streams.SourceStreamName(src.Name)
		if idx, ok := byName[key]; ok {
			e.sourceStreams[src] = idx
			continue
		}
		idx := uint32(e.allocStream())
		byName[key] = idx
		e.sourceStreams[src] = idx
		e.named.Add(key, idx)
		e.headerBlock.Entries = append(e.headerBlock.Entries, streams.SourceHeaderEntry{
			NameOffset: e.names.Offset(src.Name),
			Stream:     idx,
		})
	}
}

func (e *encoder) writeSources() error {
	written := make(map[uint32]bool)
	for _, src := range e.inst.Sources() {
		idx := e.sourceStreams[src]
		if written[idx] {
			continue
		}
		written[idx] = true
		si := &streams.SourceInfo{
			Language:      src.Language,
			Vendor:        src.Vendor,
			DocumentType:  src.DocumentType,
			HashAlgorithm: src.HashAlgorithm,
			Hash:          src.Hash,
		}
		if err := e.mw.WriteStream(int(idx), si.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) writeEntryPoint() error {
	if !e.opts.hasEntryPoint {
		return nil
	}
	for _, fn := range e.inst.Functions() {
		if fn.Token != e.opts.entryPoint {
			continue
		}
		addr := e.addrs[fn]
		off := e.records.WritePubSym(&codeview.PubSym{
			Flags:   codeview.PubFlagFunction | codeview.PubFlagManaged,
			Offset:  addr,
			Segment: codeSegment,
			Name:    EntryPointName,
		})
		e.publics.Add(EntryPointName, uint32(off))
		e.pubAddrs = append(e.pubAddrs, publicAddr{segment: codeSegment, offset: addr, record: uint32(off)})
		return nil
	}
	return pdberr.Newf(pdberr.Consistency, "entry point token 0x%08x matches no function", e.opts.entryPoint)
}

func (e *encoder) publicAddrMap() []uint32 {
	sort.SliceStable(e.pubAddrs, func(i, j int) bool {
		a, b := e.pubAddrs[i], e.pubAddrs[j]
		if a.segment != b.segment {
			return a.segment < b.segment
		}
		return a.offset < b.offset
	})
	out := make([]uint32, len(e.pubAddrs))
	for i, p := range e.pubAddrs {
		out[i] = p.record
	}
	return out
}

// moduleEncoder accumulates the symbol stream and checksum table of one
// module.
type moduleEncoder struct {
	*encoder
	sw    *codeview.SymbolWriter
	files []*Source
	index map[*Source]int
}

func (m *moduleEncoder) fileIndex(src *Source) int {
	if i, ok := m.index[src]; ok {
		return i
	}
	i := len(m.files)
	m.index[src] = i
	m.files = append(m.files, src)
	return i
}

func (e *encoder) writeModule(index int, mod *Module) error {
	if _, err := index16("module number", index+1); err != nil {
		return err
	}
	m := &moduleEncoder{
		encoder: e,
		sw:      codeview.NewSymbolWriter(),
		index:   make(map[*Source]int),
	}

	var blocks []codeview.LineBlock
	for _, fn := range mod.Functions {
		off, err := m.writeFunction(fn)
		if err != nil {
			return pdberr.InFunction(err, fn.Name)
		}
		e.addReferences(index, fn, off)
		if len(fn.Lines) > 0 {
			blocks = append(blocks, m.lineBlock(fn))
		}
	}
	if err := m.sw.Err(); err != nil {
		return pdberr.Wrapf(pdberr.Record, err, "failed to encode symbols")
	}
	symBytes := m.sw.Len()

	fileNames := make([]uint32, len(m.files))
	names := make([]string, len(m.files))
	for i, src := range m.files {
		fileNames[i] = e.names.Offset(src.Name)
		names[i] = src.Name
	}
	codeview.WriteLineInfo(m.sw.Writer, fileNames, blocks)
	linesBytes := m.sw.Len() - symBytes
	m.sw.U32(0) // global references

	if len(m.files) > math.MaxUint16 {
		return pdberr.Newf(pdberr.Container, "module references %d source files, more than %d", len(m.files), math.MaxUint16)
	}
	stream := e.allocStream()
	symStream, err := index16("module stream", stream)
	if err != nil {
		return err
	}
	if err := e.mw.WriteStream(stream, m.sw.Bytes()); err != nil {
		return err
	}

	info := streams.ModuleInfo{
		SectionContrib:  streams.SectionContrib{Section: streams.NilStream, Size: -1, ModuleIndex: uint16(index)},
		ModuleSymStream: symStream,
		SymByteSize:     uint32(symBytes),
		C13ByteSize:     uint32(linesBytes),
		SourceFileCount: uint16(len(m.files)),
		ModuleName:      mod.Name,
		ObjFileName:     mod.ObjectName,
	}
	if len(mod.Functions) > 0 {
		info.SectionContrib = e.contribs[len(e.contribs)-len(mod.Functions)]
	}
	e.dbiModules = append(e.dbiModules, info)
	e.moduleFiles = append(e.moduleFiles, names)

	e.opts.logger.Debug("encoded module",
		"module", mod.Name,
		"stream", stream,
		"functions", len(mod.Functions),
		"symbol_bytes", symBytes,
		"line_bytes", linesBytes)
	return nil
}

// addReferences records the section contribution and the PROCREF/TOKENREF
// pair of a function written at off in module index.
func (e *encoder) addReferences(index int, fn *Function, off int) {
	addr := e.addrs[fn]
	size := fn.Length
	if size == 0 {
		size = 1
	}
	e.contribs = append(e.contribs, streams.SectionContrib{
		Section:         codeSegment,
		Offset:          int32(addr),
		Size:            int32(size),
		Characteristics: codeCharacteristics,
		ModuleIndex:     uint16(index),
	})

	procRef := &codeview.RefSym{Offset: uint32(off), Module: uint16(index + 1), Name: fn.Name}
	e.globals.Add(procRef.Name, uint32(e.records.WriteRefSym(codeview.S_PROCREF, procRef)))

	tokenRef := &codeview.RefSym{Offset: uint32(off), Module: uint16(index + 1), Name: fmt.Sprintf("%08x", fn.Token)}
	e.globals.Add(tokenRef.Name, uint32(e.records.WriteRefSym(codeview.S_TOKENREF, tokenRef)))
}

// writeFunction writes the procedure record, its nested blocks and OEM
// records, and the closing END. It returns the procedure record offset.
func (m *moduleEncoder) writeFunction(fn *Function) (int, error) {
	addr := m.addrs[fn]
	start, endField := m.sw.WriteManProcSym(&codeview.ManProcSym{
		Length:  fn.Length,
		Token:   fn.Token,
		Offset:  addr,
		Segment: codeSegment,
		Name:    fn.Name,
	})
	if err := m.writeBlock(&fn.Block, start, addr); err != nil {
		return 0, err
	}
	if err := m.writeOEMs(fn); err != nil {
		return 0, err
	}
	m.sw.PatchEnd(endField, m.sw.End())
	return start, nil
}

// writeBlock writes the contents of a function or scope: used namespaces,
// slots, constants, then child scopes, each closed by its own END.
func (m *moduleEncoder) writeBlock(b *Block, parent int, fnAddr uint32) error {
	for _, ns := range b.UsedNamespaces {
		m.sw.WriteNamespaceSym(ns)
	}
	for i := range b.Slots {
		s := &b.Slots[i]
		m.sw.WriteManSlotSym(&codeview.ManSlotSym{
			Slot:      s.Index,
			TypeToken: s.TypeToken,
			Flags:     s.Flags,
			Name:      s.Name,
		})
	}
	for i := range b.Constants {
		c := &b.Constants[i]
		if err := m.sw.WriteManConstantSym(&codeview.ManConstantSym{Token: c.Token, Value: c.Value, Name: c.Name}); err != nil {
			return pdberr.Wrapf(pdberr.Record, err, "failed to encode constant %q", c.Name)
		}
	}
	for _, s := range b.Scopes {
		start, endField := m.sw.WriteBlockSym(&codeview.BlockSym{
			Parent:  uint32(parent),
			Length:  s.Length,
			Offset:  fnAddr + s.Offset,
			Segment: codeSegment,
		})
		if err := m.writeBlock(&s.Block, start, fnAddr); err != nil {
			return err
		}
		m.sw.PatchEnd(endField, m.sw.End())
	}
	return nil
}

func (m *moduleEncoder) writeOEMs(fn *Function) error {
	if fn.AsyncMethodInfo != nil {
		m.sw.WriteOEMSym(codeview.OEMAsyncMethodInfo, fn.AsyncMethodInfo.Write)
	}
	if fn.EncID != 0 {
		m.sw.WriteOEMSym(codeview.OEMEncID, func(w *cursor.Writer) { w.U32(fn.EncID) })
	}

	md := &codeview.MD2{
		UsingCounts:         fn.UsingCounts,
		ForwardMethod:       fn.ForwardMethod,
		ForwardModuleMethod: fn.ForwardModuleMethod,
		LocalScopes:         fn.LocalScopes,
		IteratorClass:       fn.IteratorClass,
	}
	if md.UsingCounts == nil {
		md.UsingCounts = usingCounts(fn)
	}
	if enc := fn.EditAndContinue; enc != nil {
		var err error
		if len(enc.LocalSlots) > 0 {
			if md.EncLocalSlots, err = enc.LocalSlotMap(); err != nil {
				return err
			}
		}
		if enc.HasLambdaMap() {
			if md.EncLambdaMap, err = enc.LambdaMap(); err != nil {
				return err
			}
		}
	}
	if !md.Empty() {
		m.sw.WriteOEMSym(codeview.OEMMD2, md.Write)
	}
	return nil
}

// usingCounts returns the number of used namespaces of the function and
// each of its scopes in pre-order, or nil when there are none.
func usingCounts(fn *Function) []uint16 {
	var counts []uint16
	total := 0
	var walk func(b *Block)
	walk = func(b *Block) {
		counts = append(counts, uint16(len(b.UsedNamespaces)))
		total += len(b.UsedNamespaces)
		for _, s := range b.Scopes {
			walk(&s.Block)
		}
	}
	walk(&fn.Block)
	if total == 0 {
		return nil
	}
	return counts
}

// lineBlock groups the lines of fn by source. Columns are written only when
// some line carries one.
func (m *moduleEncoder) lineBlock(fn *Function) codeview.LineBlock {
	b := codeview.LineBlock{
		Address:   m.addrs[fn],
		Segment:   codeSegment,
		CodeBytes: fn.Length,
	}
	for _, l := range fn.Lines {
		if l.StartColumn != 0 || l.EndColumn != 0 {
			b.HasColumns = true
			break
		}
	}

	files := make(map[*Source]int)
	for _, l := range fn.Lines {
		i, ok := files[l.Source]
		if !ok {
			i = len(b.Files)
			files[l.Source] = i
			b.Files = append(b.Files, codeview.LineFile{
				ChecksumOffset: codeview.ChecksumOffset(m.fileIndex(l.Source)),
			})
		}
		delta := l.EndLine - l.StartLine
		if l.EndLine < l.StartLine || delta > codeview.MaxLineDelta {
			delta = codeview.MaxLineDelta
		}
		b.Files[i].Lines = append(b.Files[i].Lines, codeview.LineEntry{
			ILOffset:    l.ILOffset,
			Start:       l.StartLine,
			Delta:       uint8(delta),
			IsStatement: l.IsStatement,
			ColumnStart: l.StartColumn,
			ColumnEnd:   l.EndColumn,
		})
	}
	return b
}

func (e *encoder) dbiStream(globals, publics, records int) *streams.DBIStream {
	dbi := &streams.DBIStream{
		Header: streams.DBIHeader{
			VersionHeader:     streams.DBIStreamVersionV70,
			Age:               e.inst.Age,
			GlobalStreamIndex: uint16(globals),
			PublicStreamIndex: uint16(publics),
			SymRecordStream:   uint16(records),
			Machine:           streams.MachineUnknown,
		},
		Modules:         e.dbiModules,
		SectionContribs: e.contribs,
		ModuleFiles:     e.moduleFiles,
	}
	if len(e.contribs) > 0 {
		dbi.SectionMap = streams.DefaultSectionMap(e.codeBytes)
	}
	if len(e.dbiModules) > 0 {
		dbi.DebugStreams = streams.NewDebugStreams()
		dbi.DebugStreams[streams.DbgSectionHdr] = streams.StreamSectionHdr
	}
	return dbi
}
