package pdb

import (
	"fmt"
	"io"

	"github.com/jtang613/mpdb/pkg/pdb/codeview"
	"github.com/jtang613/mpdb/pkg/pdb/msf"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
	"github.com/jtang613/mpdb/pkg/pdb/streams"
)

// File is an opened PDB container with its fixed streams parsed. Module
// contents are only decoded by Decode.
type File struct {
	msf   *msf.File
	opts  *options
	root  *streams.PDBInfo
	names *streams.NameIndex
	dbi   *streams.DBIStream
}

// PDBInfo contains basic PDB file information.
type PDBInfo struct {
	GUID         GUID              `json:"guid"`
	Age          uint32            `json:"age"`
	Timestamp    uint32            `json:"timestamp"`
	Version      uint32            `json:"version"`
	Machine      string            `json:"machine"`
	PageSize     uint32            `json:"page_size"`
	Streams      int               `json:"streams"`
	NamedStreams map[string]uint32 `json:"named_streams,omitempty"`
}

// ModuleInfo describes one entry of the DBI module table.
type ModuleInfo struct {
	Name         string   `json:"name"`
	ObjectFile   string   `json:"object_file"`
	SymbolStream uint16   `json:"symbol_stream"`
	SymbolSize   uint32   `json:"symbol_size"`
	LinesSize    uint32   `json:"lines_size"`
	SourceFiles  []string `json:"source_files,omitempty"`
}

// SymbolRef is a record of the symbol record stream: a public symbol or a
// procedure/token reference into a module stream.
type SymbolRef struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Module  uint16 `json:"module,omitempty"`
	Offset  uint32 `json:"offset"`
	Segment uint16 `json:"segment,omitempty"`
}

// OpenFile opens the PDB at path.
func OpenFile(path string, opts ...Option) (*File, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := newFile(m, newOptions(opts))
	if err != nil {
		m.Close()
		return nil, err
	}
	return f, nil
}

// NewFile parses the PDB container read from r.
func NewFile(r io.ReaderAt, opts ...Option) (*File, error) {
	m, err := msf.New(r)
	if err != nil {
		return nil, err
	}
	return newFile(m, newOptions(opts))
}

func newFile(m *msf.File, o *options) (*File, error) {
	f := &File{msf: m, opts: o}

	if m.NumStreams() <= streams.StreamDBI {
		return nil, pdberr.Newf(pdberr.Container, "container holds %d streams, need at least %d", m.NumStreams(), streams.StreamDBI+1)
	}
	data, err := m.ReadStream(streams.StreamRoot)
	if err != nil {
		return nil, err
	}
	if f.root, err = streams.ReadPDBInfo(data, o.caseSensitive); err != nil {
		return nil, err
	}

	idx, ok := f.root.NamedStreams.Lookup(streams.NamesStreamName)
	if !ok {
		return nil, pdberr.Newf(pdberr.Container, "required stream %q is missing", streams.NamesStreamName)
	}
	if int(idx) >= m.NumStreams() {
		return nil, pdberr.Newf(pdberr.Container, "stream %q has index %d out of range [0, %d)", streams.NamesStreamName, idx, m.NumStreams())
	}
	if data, err = m.ReadStream(int(idx)); err != nil {
		return nil, err
	}
	if f.names, err = streams.ReadNameIndex(data); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to read %s", streams.NamesStreamName)
	}

	if data, err = m.ReadStream(streams.StreamDBI); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		f.dbi = &streams.DBIStream{}
	} else if f.dbi, err = streams.ReadDBIStream(data); err != nil {
		return nil, err
	}

	for _, i := range []int{streams.StreamTPI, streams.StreamIPI} {
		if i >= m.NumStreams() {
			continue
		}
		data, err := m.ReadStream(i)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		if _, err := streams.ReadTPIHeader(data); err != nil {
			return nil, pdberr.Wrapf(pdberr.Container, err, "invalid type stream %d", i)
		}
	}

	o.logger.Debug("opened PDB container",
		"page_size", m.PageSize(),
		"streams", m.NumStreams(),
		"modules", len(f.dbi.Modules))
	return f, nil
}

// Close closes the underlying file when the container was opened by path.
func (f *File) Close() error {
	return f.msf.Close()
}

// Info returns basic PDB file information.
func (f *File) Info() *PDBInfo {
	return &PDBInfo{
		GUID:         f.root.GUID,
		Age:          f.root.Age,
		Timestamp:    f.root.Signature,
		Version:      f.root.Version,
		Machine:      streams.MachineTypeName(f.dbi.Header.Machine),
		PageSize:     f.msf.PageSize(),
		Streams:      f.msf.NumStreams(),
		NamedStreams: f.root.NamedStreams.Map(),
	}
}

// Modules returns the DBI module table.
func (f *File) Modules() []ModuleInfo {
	modules := make([]ModuleInfo, len(f.dbi.Modules))
	for i, mod := range f.dbi.Modules {
		modules[i] = ModuleInfo{
			Name:         mod.ModuleName,
			ObjectFile:   mod.ObjFileName,
			SymbolStream: mod.ModuleSymStream,
			SymbolSize:   mod.SymByteSize,
			LinesSize:    mod.C13ByteSize,
		}
		if i < len(f.dbi.ModuleFiles) {
			modules[i].SourceFiles = f.dbi.ModuleFiles[i]
		}
	}
	return modules
}

// Symbols returns the public symbols and procedure/token references of the
// symbol record stream.
func (f *File) Symbols() ([]SymbolRef, error) {
	idx := f.dbi.Header.SymRecordStream
	if idx == streams.StreamOldDirectory || idx == streams.NilStream {
		return nil, nil
	}
	data, err := f.msf.ReadStream(int(idx))
	if err != nil {
		return nil, err
	}
	records, err := codeview.ParseRecords(data)
	if err != nil {
		return nil, err
	}

	var refs []SymbolRef
	for _, rec := range records {
		switch rec.Kind {
		case codeview.S_PUB32:
			pub, err := codeview.ParsePubSym(rec.Data)
			if err != nil {
				return nil, err
			}
			refs = append(refs, SymbolRef{
				Kind:    codeview.SymbolKindName(rec.Kind),
				Name:    pub.Name,
				Offset:  pub.Offset,
				Segment: pub.Segment,
			})
		case codeview.S_PROCREF, codeview.S_LPROCREF, codeview.S_TOKENREF:
			ref, err := codeview.ParseRefSym(rec.Data)
			if err != nil {
				return nil, err
			}
			refs = append(refs, SymbolRef{
				Kind:   codeview.SymbolKindName(rec.Kind),
				Name:   ref.Name,
				Module: ref.Module,
				Offset: ref.Offset,
			})
		default:
			f.opts.logger.Debug("skipping symbol record", "kind", codeview.SymbolKindName(rec.Kind), "offset", rec.Offset)
		}
	}
	return refs, nil
}

// SourceServer returns the source server blob, or nil when absent.
func (f *File) SourceServer() ([]byte, error) {
	idx, ok := f.root.NamedStreams.Lookup(streams.SourceServerName)
	if !ok {
		return nil, nil
	}
	if int(idx) >= f.msf.NumStreams() {
		return nil, pdberr.Newf(pdberr.Container, "stream %q has index %d out of range", streams.SourceServerName, idx)
	}
	return f.msf.ReadStream(int(idx))
}

func (s SymbolRef) String() string {
	if s.Module != 0 {
		return fmt.Sprintf("%s %s module %d offset 0x%x", s.Kind, s.Name, s.Module, s.Offset)
	}
	return fmt.Sprintf("%s %s %04x:%08x", s.Kind, s.Name, s.Segment, s.Offset)
}
