package pdb

import (
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/jtang613/mpdb/pkg/pdb/codeview"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
	"github.com/jtang613/mpdb/pkg/pdb/streams"
)

const methodDefTable = 0x06000000

// decoder holds the state of one Decode call.
type decoder struct {
	*File
	sources map[string]*Source
}

// Decode decodes every module of the container.
func (f *File) Decode() (*Instance, error) {
	d := &decoder{File: f, sources: make(map[string]*Source)}
	return d.decode()
}

func (d *decoder) decode() (*Instance, error) {
	inst := &Instance{
		Timestamp: d.root.Signature,
		Age:       d.root.Age,
		GUID:      d.root.GUID,
	}

	var err error
	if inst.SourceServer, err = d.SourceServer(); err != nil {
		return nil, err
	}

	ridMap, err := d.tokenRidMap()
	if err != nil {
		return nil, err
	}

	for i := range d.dbi.Modules {
		mi := &d.dbi.Modules[i]
		mod, err := d.decodeModule(mi)
		if err != nil {
			return nil, pdberr.InModule(err, mi.ModuleName)
		}
		if ridMap != nil {
			if err := remapTokens(mod.Functions, ridMap); err != nil {
				return nil, pdberr.InModule(err, mi.ModuleName)
			}
		}
		if err := sortFunctions(mod.Functions); err != nil {
			return nil, pdberr.InModule(err, mi.ModuleName)
		}
		inst.Modules = append(inst.Modules, mod)
	}
	return inst, nil
}

func (d *decoder) decodeModule(mi *streams.ModuleInfo) (*Module, error) {
	mod := &Module{Name: mi.ModuleName, ObjectName: mi.ObjFileName}
	if !mi.HasSymbols() {
		return mod, nil
	}
	if int(mi.ModuleSymStream) >= d.msf.NumStreams() {
		return nil, pdberr.Newf(pdberr.Container, "module stream %d out of range [0, %d)", mi.ModuleSymStream, d.msf.NumStreams())
	}

	data, err := d.msf.ReadStreamScratch(int(mi.ModuleSymStream))
	if err != nil {
		return nil, err
	}
	linesStart := uint64(mi.SymByteSize) + uint64(mi.C11ByteSize)
	if linesStart+uint64(mi.C13ByteSize) > uint64(len(data)) {
		return nil, pdberr.Newf(pdberr.Container, "module substreams need %d bytes but stream %d has %d",
			linesStart+uint64(mi.C13ByteSize), mi.ModuleSymStream, len(data))
	}

	if mod.Functions, err = d.readSymbols(data, int(mi.SymByteSize)); err != nil {
		return nil, err
	}
	if err := sortFunctions(mod.Functions); err != nil {
		return nil, err
	}
	if mi.C13ByteSize > 0 {
		if err := d.readLines(mod.Functions, data[linesStart:linesStart+uint64(mi.C13ByteSize)]); err != nil {
			return nil, err
		}
	}

	d.opts.logger.Debug("decoded module",
		"module", mod.Name,
		"stream", mi.ModuleSymStream,
		"functions", len(mod.Functions))
	return mod, nil
}

// frame is an open procedure or block awaiting its S_END.
type frame struct {
	block *Block
	end   uint32
}

// readSymbols walks the symbol records of a module stream, rebuilding the
// scope tree of every function.
func (d *decoder) readSymbols(data []byte, size int) ([]*Function, error) {
	sr, err := codeview.NewSymbolReader(data, size)
	if err != nil {
		return nil, err
	}

	var (
		fns   []*Function
		fn    *Function
		stack []frame
	)
	for {
		rec, err := sr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, d.inFunction(err, fn)
		}

		if !codeview.IsProcSymbol(rec.Kind) && len(stack) == 0 {
			if d.isKnownKind(rec.Kind) {
				return nil, pdberr.Newf(pdberr.Record, "%s at offset %d outside a procedure", codeview.SymbolKindName(rec.Kind), rec.Offset)
			}
			if err := d.unknownRecord(rec); err != nil {
				return nil, err
			}
			continue
		}

		switch rec.Kind {
		case codeview.S_GMANPROC, codeview.S_LMANPROC:
			if len(stack) > 0 {
				return nil, pdberr.InFunction(pdberr.Newf(pdberr.Record, "procedure at offset %d nested in a procedure without END", rec.Offset), fn.Name)
			}
			p, err := codeview.ParseManProcSym(rec.Data)
			if err != nil {
				return nil, err
			}
			fn = &Function{
				Token:   p.Token,
				Name:    p.Name,
				Length:  p.Length,
				Address: p.Offset,
				Segment: p.Segment,
			}
			fns = append(fns, fn)
			stack = append(stack, frame{block: &fn.Block, end: p.End})

		case codeview.S_BLOCK32:
			b, err := codeview.ParseBlockSym(rec.Data)
			if err != nil {
				return nil, d.inFunction(err, fn)
			}
			scope := &Scope{Offset: b.Offset - fn.Address, Length: b.Length}
			top := stack[len(stack)-1].block
			top.Scopes = append(top.Scopes, scope)
			stack = append(stack, frame{block: &scope.Block, end: b.End})

		case codeview.S_MANSLOT:
			s, err := codeview.ParseManSlotSym(rec.Data)
			if err != nil {
				return nil, d.inFunction(err, fn)
			}
			top := stack[len(stack)-1].block
			top.Slots = append(top.Slots, Slot{Index: s.Slot, TypeToken: s.TypeToken, Flags: s.Flags, Name: s.Name})

		case codeview.S_UNAMESPACE:
			name, err := codeview.ParseNamespaceSym(rec.Data)
			if err != nil {
				return nil, d.inFunction(err, fn)
			}
			top := stack[len(stack)-1].block
			top.UsedNamespaces = append(top.UsedNamespaces, name)

		case codeview.S_MANCONSTANT:
			c, err := codeview.ParseManConstantSym(rec.Data)
			if err != nil {
				return nil, d.inFunction(err, fn)
			}
			top := stack[len(stack)-1].block
			top.Constants = append(top.Constants, Constant{Token: c.Token, Name: c.Name, Value: c.Value})

		case codeview.S_OEM:
			if err := d.readOEM(fn, rec.Data); err != nil {
				return nil, d.inFunction(err, fn)
			}

		case codeview.S_END:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !d.opts.tolerant && top.end != uint32(rec.Offset) {
				return nil, pdberr.InFunction(pdberr.Newf(pdberr.Record,
					"end pointer %d does not match END record at offset %d", top.end, rec.Offset), fn.Name)
			}

		default:
			if err := d.unknownRecord(rec); err != nil {
				return nil, d.inFunction(err, fn)
			}
		}
	}

	if len(stack) > 0 {
		return nil, pdberr.InFunction(pdberr.Newf(pdberr.Record, "missing END marker (%d scopes open)", len(stack)), fn.Name)
	}
	return fns, nil
}

func (d *decoder) isKnownKind(kind uint16) bool {
	switch kind {
	case codeview.S_BLOCK32, codeview.S_MANSLOT, codeview.S_UNAMESPACE,
		codeview.S_MANCONSTANT, codeview.S_OEM, codeview.S_END:
		return true
	}
	return false
}

func (d *decoder) unknownRecord(rec codeview.Record) error {
	if !d.opts.tolerant {
		return pdberr.Newf(pdberr.Record, "unknown record %s at offset %d", codeview.SymbolKindName(rec.Kind), rec.Offset)
	}
	d.opts.logger.Warn("skipping unknown record",
		"kind", codeview.SymbolKindName(rec.Kind),
		"offset", rec.Offset,
		"length", len(rec.Data))
	return nil
}

func (d *decoder) inFunction(err error, fn *Function) error {
	if fn == nil {
		return err
	}
	return pdberr.InFunction(err, fn.Name)
}

func (d *decoder) readOEM(fn *Function, data []byte) error {
	oem, err := codeview.ParseOEMSym(data)
	if err != nil {
		return err
	}

	switch oem.Name {
	case codeview.OEMAsyncMethodInfo:
		fn.AsyncMethodInfo, err = codeview.ParseAsyncMethodInfo(oem.Payload)
		return err

	case codeview.OEMEncID:
		fn.EncID, err = codeview.ParseEncID(oem.Payload)
		return err

	case codeview.OEMMD2:
		md, err := codeview.ParseMD2(oem.Payload, !d.opts.tolerant)
		if err != nil {
			return err
		}
		for _, kind := range md.Skipped {
			d.opts.logger.Warn("skipping MD2 item", "function", fn.Name, "kind", kind)
		}
		return applyMD2(fn, md)

	default:
		if !d.opts.tolerant {
			return pdberr.Newf(pdberr.Record, "unknown OEM record %q", oem.Name)
		}
		d.opts.logger.Warn("skipping unknown OEM record", "function", fn.Name, "name", oem.Name)
		return nil
	}
}

func applyMD2(fn *Function, md *codeview.MD2) error {
	fn.UsingCounts = md.UsingCounts
	fn.ForwardMethod = md.ForwardMethod
	fn.ForwardModuleMethod = md.ForwardModuleMethod
	fn.LocalScopes = md.LocalScopes
	fn.IteratorClass = md.IteratorClass

	if len(md.EncLocalSlots) == 0 && len(md.EncLambdaMap) == 0 {
		return nil
	}
	enc := &EditAndContinueInfo{MethodOrdinal: -1}
	if len(md.EncLocalSlots) > 0 {
		if err := enc.ParseLocalSlotMap(md.EncLocalSlots); err != nil {
			return err
		}
	}
	if len(md.EncLambdaMap) > 0 {
		if err := enc.ParseLambdaMap(md.EncLambdaMap); err != nil {
			return err
		}
	}
	fn.EditAndContinue = enc
	return nil
}

// readLines attaches the C13 line blocks of a module to its functions,
// which must be sorted.
func (d *decoder) readLines(fns []*Function, data []byte) error {
	info, err := codeview.ParseLineInfo(data)
	if err != nil {
		return err
	}

	for _, b := range info.Blocks {
		fn := findFunction(fns, b.Segment, b.Address)
		if fn == nil {
			return pdberr.Newf(pdberr.Consistency, "line block at %04x:%08x matches no function", b.Segment, b.Address)
		}
		for _, f := range b.Files {
			nameOff, ok := info.Checksums[f.ChecksumOffset]
			if !ok {
				return pdberr.InFunction(pdberr.Newf(pdberr.Consistency, "line block references unknown file checksum at offset %d", f.ChecksumOffset), fn.Name)
			}
			src, err := d.source(nameOff)
			if err != nil {
				return pdberr.InFunction(err, fn.Name)
			}
			for _, l := range f.Lines {
				fn.Lines = append(fn.Lines, Line{
					Source:      src,
					ILOffset:    l.ILOffset,
					StartLine:   l.Start,
					EndLine:     l.Start + uint32(l.Delta),
					StartColumn: l.ColumnStart,
					EndColumn:   l.ColumnEnd,
					IsStatement: l.IsStatement,
				})
			}
		}
	}
	return nil
}

// findFunction returns the function at segment:address. Among functions
// sharing the address, the first one without lines is preferred.
func findFunction(fns []*Function, segment uint16, address uint32) *Function {
	i := sort.Search(len(fns), func(i int) bool {
		fn := fns[i]
		if fn.Segment != segment {
			return fn.Segment > segment
		}
		return fn.Address >= address
	})
	var match *Function
	for ; i < len(fns) && fns[i].Segment == segment && fns[i].Address == address; i++ {
		match = fns[i]
		if len(match.Lines) == 0 {
			return match
		}
	}
	return match
}

// source returns the shared Source for the name at nameOff, loading its
// metadata stream on first use.
func (d *decoder) source(nameOff uint32) (*Source, error) {
	name, err := d.names.Lookup(nameOff)
	if err != nil {
		return nil, err
	}
	key := normalizeSourceName(name, d.opts.caseSensitive)
	if src, ok := d.sources[key]; ok {
		return src, nil
	}

	src := &Source{Name: name}
	if idx, ok := d.root.NamedStreams.Lookup(streams.SourceStreamName(name)); ok {
		if int(idx) >= d.msf.NumStreams() {
			return nil, pdberr.Newf(pdberr.Container, "source stream %d of %q out of range", idx, name)
		}
		data, err := d.msf.ReadStream(int(idx))
		if err != nil {
			return nil, err
		}
		si, err := streams.ReadSourceInfo(data)
		if err != nil {
			return nil, pdberr.Wrapf(pdberr.Record, err, "failed to read source %q", name)
		}
		src.Language = si.Language
		src.Vendor = si.Vendor
		src.DocumentType = si.DocumentType
		src.HashAlgorithm = si.HashAlgorithm
		src.Hash = si.Hash
	}
	d.sources[key] = src
	return src, nil
}

// tokenRidMap reads the token-rid map named by the DBI debug header, or
// returns nil when there is none.
func (d *decoder) tokenRidMap() ([]uint32, error) {
	idx := d.dbi.DebugStream(streams.DbgTokenRidMap)
	if idx == streams.NilStream {
		return nil, nil
	}
	if int(idx) >= d.msf.NumStreams() {
		return nil, pdberr.Newf(pdberr.Container, "token-rid map stream %d out of range [0, %d)", idx, d.msf.NumStreams())
	}
	data, err := d.msf.ReadStream(int(idx))
	if err != nil {
		return nil, err
	}
	ridMap := make([]uint32, len(data)/4)
	for i := range ridMap {
		ridMap[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return ridMap, nil
}

// remapTokens rewrites function tokens through the token-rid map.
func remapTokens(fns []*Function, ridMap []uint32) error {
	for _, fn := range fns {
		rid := fn.Token & 0x00FFFFFF
		if int(rid) >= len(ridMap) {
			return pdberr.InFunction(pdberr.Newf(pdberr.Consistency, "token 0x%08x beyond token-rid map of %d entries", fn.Token, len(ridMap)), fn.Name)
		}
		fn.Token = methodDefTable | ridMap[rid]
	}
	return nil
}

// sortFunctions orders fns by segment, address and token. Two functions
// equal on all three keys are a consistency error.
func sortFunctions(fns []*Function) error {
	sort.SliceStable(fns, func(i, j int) bool {
		return functionLess(fns[i], fns[j])
	})
	for i := 1; i < len(fns); i++ {
		a, b := fns[i-1], fns[i]
		if a.Segment == b.Segment && a.Address == b.Address && a.Token == b.Token {
			return pdberr.InFunction(pdberr.Newf(pdberr.Consistency,
				"duplicate function at %04x:%08x with token 0x%08x", b.Segment, b.Address, b.Token), b.Name)
		}
	}
	return nil
}

func functionLess(a, b *Function) bool {
	if a.Segment != b.Segment {
		return a.Segment < b.Segment
	}
	if a.Address != b.Address {
		return a.Address < b.Address
	}
	return a.Token < b.Token
}

func normalizeSourceName(name string, caseSensitive bool) string {
	if caseSensitive {
		return name
	}
	return strings.ToLower(name)
}
