// Package codeview provides parsing and writing of the CodeView records
// found in managed module streams.
package codeview

import (
	"fmt"
	"io"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// Symbol type constants (S_* values)
const (
	S_END       = 0x0006
	S_OEM       = 0x0404
	S_BLOCK32   = 0x1103
	S_LDATA32   = 0x110c
	S_GDATA32   = 0x110d
	S_PUB32     = 0x110e
	S_LPROC32   = 0x110f
	S_GPROC32   = 0x1110
	S_REGREL32  = 0x1111
	S_COMPILE2  = 0x1116
	S_LOCALSLOT = 0x111a
	S_PARAMSLOT = 0x111b

	S_LMANDATA    = 0x111c
	S_GMANDATA    = 0x111d
	S_MANFRAMEREL = 0x111e
	S_MANREGISTER = 0x111f
	S_MANSLOT     = 0x1120
	S_MANMANYREG  = 0x1121
	S_MANREGREL   = 0x1122
	S_MANMANYREG2 = 0x1123

	S_UNAMESPACE = 0x1124

	S_PROCREF       = 0x1125
	S_DATAREF       = 0x1126
	S_LPROCREF      = 0x1127
	S_ANNOTATIONREF = 0x1128
	S_TOKENREF      = 0x1129

	S_GMANPROC = 0x112a
	S_LMANPROC = 0x112b

	S_MANCONSTANT = 0x112d
	S_COMPILE3    = 0x113c
)

// CVSignatureC13 starts every module symbol stream.
const CVSignatureC13 = 4

// Public symbol flags.
const (
	PubFlagFunction = 0x02
	PubFlagManaged  = 0x08
)

// Record is one length-prefixed symbol record.
type Record struct {
	Offset int    // position of the length field in the stream
	Kind   uint16 // S_* value
	Data   []byte // body after the kind, padding included
}

// End returns the stream position just past the record.
func (r *Record) End() int {
	return r.Offset + 4 + len(r.Data)
}

// SymbolReader iterates the records of a symbol substream.
type SymbolReader struct {
	r *cursor.Reader
}

// NewSymbolReader returns a reader over data, which must start with the
// C13 signature. Records are read up to limit bytes into data.
func NewSymbolReader(data []byte, limit int) (*SymbolReader, error) {
	if limit > len(data) {
		return nil, pdberr.Newf(pdberr.Record, "symbol substream of %d bytes exceeds stream of %d", limit, len(data))
	}
	r := cursor.NewReader(data[:limit])
	if sig := r.U32(); r.Err() != nil || sig != CVSignatureC13 {
		return nil, pdberr.Newf(pdberr.Record, "invalid symbol signature %d", sig)
	}
	return &SymbolReader{r: r}, nil
}

// Pos returns the stream position of the next record.
func (s *SymbolReader) Pos() int {
	return s.r.Pos()
}

// Next returns the next record, or io.EOF when the substream is exhausted.
// Record boundaries must fall on 4-byte multiples.
func (s *SymbolReader) Next() (Record, error) {
	if s.r.Remaining() == 0 {
		return Record{}, io.EOF
	}
	off := s.r.Pos()
	length := int(s.r.U16())
	kind := s.r.U16()
	if err := s.r.Err(); err != nil {
		return Record{}, pdberr.Wrapf(pdberr.Record, err, "truncated record header at offset %d", off)
	}
	if length < 2 {
		return Record{}, pdberr.Newf(pdberr.Record, "record at offset %d has length %d", off, length)
	}
	if (length+2)%4 != 0 {
		return Record{}, pdberr.Newf(pdberr.Record, "record 0x%04x at offset %d ends misaligned (length %d)", kind, off, length)
	}
	data := s.r.Bytes(length - 2)
	if err := s.r.Err(); err != nil {
		return Record{}, pdberr.Wrapf(pdberr.Record, err, "record 0x%04x at offset %d overruns the substream", kind, off)
	}
	return Record{Offset: off, Kind: kind, Data: data}, nil
}

// SymbolWriter appends records to a module symbol stream.
type SymbolWriter struct {
	*cursor.Writer
}

// NewSymbolWriter returns a writer that has emitted the C13 signature.
func NewSymbolWriter() *SymbolWriter {
	w := &SymbolWriter{Writer: cursor.NewWriter()}
	w.U32(CVSignatureC13)
	return w
}

// Begin starts a record of the given kind and returns its offset.
func (w *SymbolWriter) Begin(kind uint16) int {
	start := w.Reserve(2)
	w.U16(kind)
	return start
}

// Finish pads the record started at start and patches its length.
func (w *SymbolWriter) Finish(start int) {
	w.Align(4)
	length := w.Len() - start - 2
	if length > 0xFFFF {
		w.Fail(fmt.Errorf("record at offset %d is %d bytes long", start, length))
		return
	}
	w.PutU16At(start, uint16(length))
}

// End writes an S_END record and returns its offset.
func (w *SymbolWriter) End() int {
	start := w.Begin(S_END)
	w.Finish(start)
	return start
}

// ManProcSym is an S_GMANPROC/S_LMANPROC record.
type ManProcSym struct {
	Parent         uint32
	End            uint32
	Next           uint32
	Length         uint32
	DbgStart       uint32
	DbgEnd         uint32
	Token          uint32
	Offset         uint32
	Segment        uint16
	Flags          uint8
	ReturnRegister uint16
	Name           string
}

// ParseManProcSym parses a managed procedure record body.
func ParseManProcSym(data []byte) (*ManProcSym, error) {
	r := cursor.NewReader(data)
	p := &ManProcSym{
		Parent:         r.U32(),
		End:            r.U32(),
		Next:           r.U32(),
		Length:         r.U32(),
		DbgStart:       r.U32(),
		DbgEnd:         r.U32(),
		Token:          r.U32(),
		Offset:         r.U32(),
		Segment:        r.U16(),
		Flags:          r.U8(),
		ReturnRegister: r.U16(),
		Name:           r.CString(),
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "malformed managed procedure record")
	}
	return p, nil
}

// WriteManProcSym starts an S_GMANPROC record. It returns the record offset
// and the position of its End pointer for PatchEnd.
func (w *SymbolWriter) WriteManProcSym(p *ManProcSym) (start, endField int) {
	start = w.Begin(S_GMANPROC)
	w.U32(p.Parent)
	endField = w.Len()
	w.U32(p.End)
	w.U32(p.Next)
	w.U32(p.Length)
	w.U32(p.DbgStart)
	w.U32(p.DbgEnd)
	w.U32(p.Token)
	w.U32(p.Offset)
	w.U16(p.Segment)
	w.U8(p.Flags)
	w.U16(p.ReturnRegister)
	w.CString(p.Name)
	w.Finish(start)
	return start, endField
}

// BlockSym is an S_BLOCK32 record.
type BlockSym struct {
	Parent  uint32
	End     uint32
	Length  uint32
	Offset  uint32
	Segment uint16
	Name    string
}

// ParseBlockSym parses a block record body.
func ParseBlockSym(data []byte) (*BlockSym, error) {
	r := cursor.NewReader(data)
	b := &BlockSym{
		Parent:  r.U32(),
		End:     r.U32(),
		Length:  r.U32(),
		Offset:  r.U32(),
		Segment: r.U16(),
		Name:    r.CString(),
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "malformed block record")
	}
	return b, nil
}

// WriteBlockSym starts an S_BLOCK32 record and returns its offset and the
// position of its End pointer.
func (w *SymbolWriter) WriteBlockSym(b *BlockSym) (start, endField int) {
	start = w.Begin(S_BLOCK32)
	w.U32(b.Parent)
	endField = w.Len()
	w.U32(b.End)
	w.U32(b.Length)
	w.U32(b.Offset)
	w.U16(b.Segment)
	w.CString(b.Name)
	w.Finish(start)
	return start, endField
}

// PatchEnd points a procedure or block End field at the S_END record.
func (w *SymbolWriter) PatchEnd(endField, end int) {
	w.PutU32At(endField, uint32(end))
}

// ManSlotSym is an S_MANSLOT record.
type ManSlotSym struct {
	Slot      uint32
	TypeToken uint32
	Offset    uint32
	Segment   uint16
	Flags     uint16
	Name      string
}

// ParseManSlotSym parses a managed slot record body.
func ParseManSlotSym(data []byte) (*ManSlotSym, error) {
	r := cursor.NewReader(data)
	s := &ManSlotSym{
		Slot:      r.U32(),
		TypeToken: r.U32(),
		Offset:    r.U32(),
		Segment:   r.U16(),
		Flags:     r.U16(),
		Name:      r.CString(),
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "malformed slot record")
	}
	return s, nil
}

// WriteManSlotSym writes an S_MANSLOT record.
func (w *SymbolWriter) WriteManSlotSym(s *ManSlotSym) {
	start := w.Begin(S_MANSLOT)
	w.U32(s.Slot)
	w.U32(s.TypeToken)
	w.U32(s.Offset)
	w.U16(s.Segment)
	w.U16(s.Flags)
	w.CString(s.Name)
	w.Finish(start)
}

// ParseNamespaceSym parses an S_UNAMESPACE record body.
func ParseNamespaceSym(data []byte) (string, error) {
	r := cursor.NewReader(data)
	name := r.CString()
	if err := r.Err(); err != nil {
		return "", pdberr.Wrapf(pdberr.Record, err, "malformed namespace record")
	}
	return name, nil
}

// WriteNamespaceSym writes an S_UNAMESPACE record.
func (w *SymbolWriter) WriteNamespaceSym(name string) {
	start := w.Begin(S_UNAMESPACE)
	w.CString(name)
	w.Finish(start)
}

// ManConstantSym is an S_MANCONSTANT record.
type ManConstantSym struct {
	Token uint32
	Value Value
	Name  string
}

// ParseManConstantSym parses a managed constant record body.
func ParseManConstantSym(data []byte) (*ManConstantSym, error) {
	r := cursor.NewReader(data)
	c := &ManConstantSym{Token: r.U32()}
	v, err := ReadNumeric(r)
	if err != nil {
		return nil, err
	}
	c.Value = v
	c.Name = r.CString()
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "malformed constant record")
	}
	return c, nil
}

// WriteManConstantSym writes an S_MANCONSTANT record.
func (w *SymbolWriter) WriteManConstantSym(c *ManConstantSym) error {
	start := w.Begin(S_MANCONSTANT)
	w.U32(c.Token)
	if err := WriteNumeric(w.Writer, c.Value); err != nil {
		return err
	}
	w.CString(c.Name)
	w.Finish(start)
	return nil
}

// RefSym is an S_PROCREF or S_TOKENREF record in the symbol record stream.
type RefSym struct {
	SumName uint32
	Offset  uint32 // record offset in the module stream
	Module  uint16 // 1-based module index
	Name    string
}

// ParseRefSym parses a reference record body.
func ParseRefSym(data []byte) (*RefSym, error) {
	r := cursor.NewReader(data)
	s := &RefSym{
		SumName: r.U32(),
		Offset:  r.U32(),
		Module:  r.U16(),
		Name:    r.CString(),
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "malformed reference record")
	}
	return s, nil
}

// PubSym represents a public symbol (S_PUB32).
type PubSym struct {
	Flags   uint32 // Public symbol flags
	Offset  uint32 // Offset
	Segment uint16 // Segment
	Name    string // Symbol name
}

// ParsePubSym parses a public symbol record body.
func ParsePubSym(data []byte) (*PubSym, error) {
	r := cursor.NewReader(data)
	p := &PubSym{
		Flags:   r.U32(),
		Offset:  r.U32(),
		Segment: r.U16(),
		Name:    r.CString(),
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "malformed public symbol")
	}
	return p, nil
}

// RecordWriter appends records to the flat symbol record stream.
type RecordWriter struct {
	*cursor.Writer
}

// NewRecordWriter returns an empty record stream writer.
func NewRecordWriter() *RecordWriter {
	return &RecordWriter{Writer: cursor.NewWriter()}
}

func (w *RecordWriter) begin(kind uint16) int {
	start := w.Reserve(2)
	w.U16(kind)
	return start
}

func (w *RecordWriter) finish(start int) {
	w.Align(4)
	w.PutU16At(start, uint16(w.Len()-start-2))
}

// WriteRefSym appends an S_PROCREF or S_TOKENREF record and returns its offset.
func (w *RecordWriter) WriteRefSym(kind uint16, s *RefSym) int {
	start := w.begin(kind)
	w.U32(s.SumName)
	w.U32(s.Offset)
	w.U16(s.Module)
	w.CString(s.Name)
	w.finish(start)
	return start
}

// WritePubSym appends an S_PUB32 record and returns its offset.
func (w *RecordWriter) WritePubSym(p *PubSym) int {
	start := w.begin(S_PUB32)
	w.U32(p.Flags)
	w.U32(p.Offset)
	w.U16(p.Segment)
	w.CString(p.Name)
	w.finish(start)
	return start
}

// ParseRecords parses every record of a flat symbol record stream.
func ParseRecords(data []byte) ([]Record, error) {
	var records []Record
	r := cursor.NewReader(data)
	for r.Remaining() >= 4 {
		off := r.Pos()
		length := int(r.U16())
		kind := r.U16()
		if length < 2 {
			return nil, pdberr.Newf(pdberr.Record, "record at offset %d has length %d", off, length)
		}
		body := r.Bytes(length - 2)
		if err := r.Err(); err != nil {
			return nil, pdberr.Wrapf(pdberr.Record, err, "record 0x%04x at offset %d overruns the stream", kind, off)
		}
		records = append(records, Record{Offset: off, Kind: kind, Data: body})
	}
	return records, nil
}

// SymbolKindName returns the name for a symbol kind constant.
func SymbolKindName(kind uint16) string {
	switch kind {
	case S_END:
		return "S_END"
	case S_OEM:
		return "S_OEM"
	case S_BLOCK32:
		return "S_BLOCK32"
	case S_PUB32:
		return "S_PUB32"
	case S_GPROC32:
		return "S_GPROC32"
	case S_LPROC32:
		return "S_LPROC32"
	case S_MANSLOT:
		return "S_MANSLOT"
	case S_UNAMESPACE:
		return "S_UNAMESPACE"
	case S_PROCREF:
		return "S_PROCREF"
	case S_LPROCREF:
		return "S_LPROCREF"
	case S_TOKENREF:
		return "S_TOKENREF"
	case S_GMANPROC:
		return "S_GMANPROC"
	case S_LMANPROC:
		return "S_LMANPROC"
	case S_MANCONSTANT:
		return "S_MANCONSTANT"
	case S_COMPILE2:
		return "S_COMPILE2"
	case S_COMPILE3:
		return "S_COMPILE3"
	default:
		return fmt.Sprintf("S_0x%04x", kind)
	}
}

// IsProcSymbol reports whether kind opens a managed procedure scope.
func IsProcSymbol(kind uint16) bool {
	return kind == S_GMANPROC || kind == S_LMANPROC
}
