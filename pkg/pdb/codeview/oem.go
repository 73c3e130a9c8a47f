package codeview

import (
	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// OEMGUID identifies the managed-compiler OEM record family
// (C6EA3FC9-59B3-49D6-BC25-09A8B65E8B0A).
var OEMGUID = [16]byte{
	0xc9, 0x3f, 0xea, 0xc6, 0xb3, 0x59, 0xd6, 0x49,
	0xbc, 0x25, 0x09, 0xa8, 0xb6, 0x5e, 0x8b, 0x0a,
}

// OEM record names.
const (
	OEMAsyncMethodInfo = "asyncMethodInfo"
	OEMEncID           = "ENC"
	OEMMD2             = "MD2"
)

// OEMSym is an S_OEM record: a named payload within the OEM family.
type OEMSym struct {
	Name    string
	Payload []byte
}

// ParseOEMSym parses an S_OEM record body. Records of another family are a
// consistency error.
func ParseOEMSym(data []byte) (*OEMSym, error) {
	r := cursor.NewReader(data)
	guid := r.GUID()
	r.U32()
	name := r.WString()
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "malformed OEM record")
	}
	if guid != OEMGUID {
		return nil, pdberr.Newf(pdberr.Consistency, "OEM record %q has unexpected GUID", name)
	}
	return &OEMSym{Name: name, Payload: data[r.Pos():]}, nil
}

// WriteOEMSym writes an S_OEM record with a payload produced by body.
func (w *SymbolWriter) WriteOEMSym(name string, body func(w *cursor.Writer)) {
	start := w.Begin(S_OEM)
	w.GUID(OEMGUID)
	w.U32(0)
	w.WString(name)
	body(w.Writer)
	w.Finish(start)
}

// SyncPoint is one await point of an async method.
type SyncPoint struct {
	Offset             uint32 `json:"offset"`
	ContinuationMethod uint32 `json:"continuation_method"`
	ContinuationOffset uint32 `json:"continuation_offset"`
}

// AsyncMethodInfo describes the state machine of an async method.
type AsyncMethodInfo struct {
	KickoffMethod      uint32      `json:"kickoff_method"`
	CatchHandlerOffset uint32      `json:"catch_handler_offset"`
	SyncPoints         []SyncPoint `json:"sync_points,omitempty"`
}

// ParseAsyncMethodInfo parses an asyncMethodInfo payload.
func ParseAsyncMethodInfo(payload []byte) (*AsyncMethodInfo, error) {
	r := cursor.NewReader(payload)
	info := &AsyncMethodInfo{
		KickoffMethod:      r.U32(),
		CatchHandlerOffset: r.U32(),
	}
	n := r.U32()
	if r.Err() == nil && uint64(n)*12 > uint64(r.Remaining()) {
		return nil, pdberr.Newf(pdberr.Record, "asyncMethodInfo declares %d sync points in %d bytes", n, r.Remaining())
	}
	for i := uint32(0); i < n; i++ {
		info.SyncPoints = append(info.SyncPoints, SyncPoint{
			Offset:             r.U32(),
			ContinuationMethod: r.U32(),
			ContinuationOffset: r.U32(),
		})
	}
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "truncated asyncMethodInfo")
	}
	return info, nil
}

// Write appends the asyncMethodInfo payload.
func (a *AsyncMethodInfo) Write(w *cursor.Writer) {
	w.U32(a.KickoffMethod)
	w.U32(a.CatchHandlerOffset)
	w.U32(uint32(len(a.SyncPoints)))
	for _, p := range a.SyncPoints {
		w.U32(p.Offset)
		w.U32(p.ContinuationMethod)
		w.U32(p.ContinuationOffset)
	}
}

// ParseEncID parses an ENC payload.
func ParseEncID(payload []byte) (uint32, error) {
	r := cursor.NewReader(payload)
	id := r.U32()
	if err := r.Err(); err != nil {
		return 0, pdberr.Wrapf(pdberr.Record, err, "truncated ENC record")
	}
	return id, nil
}

// MD2 item kinds.
const (
	MD2UsingCounts         = 0
	MD2ForwardMethod       = 1
	MD2ForwardModuleMethod = 2
	MD2LocalScopes         = 3
	MD2IteratorClass       = 4
	MD2DynamicLocals       = 5
	MD2EncLocalSlotMap     = 6
	MD2EncLambdaMap        = 7
)

const (
	md2Version    = 4
	md2ItemHeader = 8
)

// LocalScope is an IL range in which a hoisted local is live.
type LocalScope struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// MD2 is the set of items carried by an MD2 record. Zero fields are absent.
type MD2 struct {
	UsingCounts         []uint16
	ForwardMethod       uint32
	ForwardModuleMethod uint32
	LocalScopes         []LocalScope
	IteratorClass       string
	EncLocalSlots       []byte
	EncLambdaMap        []byte

	// Skipped lists item kinds that were not understood.
	Skipped []uint8
}

// Empty reports whether no item would be written.
func (m *MD2) Empty() bool {
	return len(m.UsingCounts) == 0 && m.ForwardMethod == 0 && m.ForwardModuleMethod == 0 &&
		len(m.LocalScopes) == 0 && m.IteratorClass == "" && len(m.EncLocalSlots) == 0 && len(m.EncLambdaMap) == 0
}

// Write appends the MD2 payload. Each item is padded to 4 bytes; EnC blobs
// record their pad count in the item header.
func (m *MD2) Write(w *cursor.Writer) {
	w.U8(md2Version)
	countAt := w.Reserve(1)
	w.Zeros(2)
	count := 0

	item := func(kind uint8, recordPad bool, payload func()) {
		start := w.Len()
		w.U8(md2Version)
		w.U8(kind)
		w.U8(0)
		padAt := w.Reserve(1)
		sizeAt := w.Reserve(4)
		payload()
		pad := w.Align(4)
		if recordPad {
			w.PutU8At(padAt, uint8(pad))
		}
		w.PutU32At(sizeAt, uint32(w.Len()-start))
		count++
	}

	if len(m.UsingCounts) > 0 {
		item(MD2UsingCounts, false, func() {
			w.U16(uint16(len(m.UsingCounts)))
			for _, c := range m.UsingCounts {
				w.U16(c)
			}
		})
	}
	if m.ForwardMethod != 0 {
		item(MD2ForwardMethod, false, func() { w.U32(m.ForwardMethod) })
	}
	if m.ForwardModuleMethod != 0 {
		item(MD2ForwardModuleMethod, false, func() { w.U32(m.ForwardModuleMethod) })
	}
	if len(m.LocalScopes) > 0 {
		item(MD2LocalScopes, false, func() {
			w.U32(uint32(len(m.LocalScopes)))
			for _, s := range m.LocalScopes {
				w.U32(s.Start)
				w.U32(s.End)
			}
		})
	}
	if m.IteratorClass != "" {
		item(MD2IteratorClass, false, func() { w.WString(m.IteratorClass) })
	}
	if len(m.EncLocalSlots) > 0 {
		item(MD2EncLocalSlotMap, true, func() { w.Write(m.EncLocalSlots) })
	}
	if len(m.EncLambdaMap) > 0 {
		item(MD2EncLambdaMap, true, func() { w.Write(m.EncLambdaMap) })
	}
	w.PutU8At(countAt, uint8(count))
}

// ParseMD2 parses an MD2 payload. Unknown item kinds are skipped by their
// declared size; in strict mode they are an error.
func ParseMD2(payload []byte, strict bool) (*MD2, error) {
	r := cursor.NewReader(payload)
	version := r.U8()
	count := int(r.U8())
	r.Skip(2)
	if err := r.Err(); err != nil {
		return nil, pdberr.Wrapf(pdberr.Record, err, "truncated MD2 header")
	}
	if version != md2Version {
		return nil, pdberr.Newf(pdberr.Record, "unsupported MD2 version %d", version)
	}

	m := &MD2{}
	for i := 0; i < count; i++ {
		start := r.Pos()
		r.U8()
		kind := r.U8()
		r.U8()
		pad := int(r.U8())
		size := int(r.U32())
		if err := r.Err(); err != nil {
			return nil, pdberr.Wrapf(pdberr.Record, err, "truncated MD2 item %d", i)
		}
		if size < md2ItemHeader || start+size > len(payload) || pad > size-md2ItemHeader {
			return nil, pdberr.Newf(pdberr.Record, "MD2 item %d (kind %d) has size %d", i, kind, size)
		}
		body := payload[start+md2ItemHeader : start+size]
		if err := m.parseItem(kind, body, pad, strict); err != nil {
			return nil, err
		}
		r.Seek(start + size)
	}
	return m, nil
}

func (m *MD2) parseItem(kind uint8, body []byte, pad int, strict bool) error {
	r := cursor.NewReader(body)
	switch kind {
	case MD2UsingCounts:
		n := int(r.U16())
		for j := 0; j < n; j++ {
			m.UsingCounts = append(m.UsingCounts, r.U16())
		}
	case MD2ForwardMethod:
		m.ForwardMethod = r.U32()
	case MD2ForwardModuleMethod:
		m.ForwardModuleMethod = r.U32()
	case MD2LocalScopes:
		n := r.U32()
		if r.Err() == nil && uint64(n)*8 > uint64(r.Remaining()) {
			return pdberr.Newf(pdberr.Record, "MD2 local scopes declare %d ranges in %d bytes", n, r.Remaining())
		}
		for j := uint32(0); j < n; j++ {
			m.LocalScopes = append(m.LocalScopes, LocalScope{Start: r.U32(), End: r.U32()})
		}
	case MD2IteratorClass:
		m.IteratorClass = r.WString()
	case MD2EncLocalSlotMap:
		m.EncLocalSlots = append([]byte(nil), body[:len(body)-pad]...)
	case MD2EncLambdaMap:
		m.EncLambdaMap = append([]byte(nil), body[:len(body)-pad]...)
	case MD2DynamicLocals:
		m.Skipped = append(m.Skipped, kind)
	default:
		if strict {
			return pdberr.Newf(pdberr.Record, "unknown MD2 item kind %d", kind)
		}
		m.Skipped = append(m.Skipped, kind)
	}
	if err := r.Err(); err != nil {
		return pdberr.Wrapf(pdberr.Record, err, "malformed MD2 item kind %d", kind)
	}
	return nil
}
