package msf

import (
	"io"
	"sort"

	"github.com/jtang613/mpdb/pkg/pdb/cursor"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// Writer lays out streams into a new MSF container.
//
// Pages are allocated by appending at the current write cursor. Pages 1 and 2
// of every interval of PageSize pages belong to the free-page map and are
// skipped. The directory, the header page and the free-page map are written
// by Close because they depend on every stream written before.
type Writer struct {
	w        io.WriteSeeker
	pageSize uint32
	next     uint32 // next page to allocate
	sizes    map[int]uint32
	pages    map[int][]uint32
	zero     []byte
	closed   bool
}

// NewWriter starts a container on w, which must be positioned at offset 0.
func NewWriter(w io.WriteSeeker, pageSize uint32) (*Writer, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to create MSF writer")
	}
	mw := &Writer{
		w:        w,
		pageSize: pageSize,
		sizes:    make(map[int]uint32),
		pages:    make(map[int][]uint32),
		zero:     make([]byte, pageSize),
	}
	// Header page and both free-page map pages of the first interval.
	for i := 0; i < 3; i++ {
		if err := mw.writeZeroPage(); err != nil {
			return nil, err
		}
	}
	return mw, nil
}

// PageSize returns the page size of the container being written.
func (mw *Writer) PageSize() uint32 {
	return mw.pageSize
}

// WriteStream appends data as the contents of the stream at index.
func (mw *Writer) WriteStream(index int, data []byte) error {
	if index < 0 {
		return pdberr.Newf(pdberr.Container, "invalid stream index %d", index)
	}
	if _, ok := mw.sizes[index]; ok {
		return pdberr.Newf(pdberr.Container, "stream %d written twice", index)
	}
	pages, err := mw.writeSequential(data)
	if err != nil {
		return pdberr.Wrapf(pdberr.IO, err, "failed to write stream %d", index)
	}
	mw.sizes[index] = uint32(len(data))
	mw.pages[index] = pages
	return nil
}

// writeSequential writes data page by page from the write cursor, zero
// padding the final page, and returns the pages used.
func (mw *Writer) writeSequential(data []byte) ([]uint32, error) {
	ps := int(mw.pageSize)
	var pages []uint32
	for off := 0; off < len(data); off += ps {
		for isFreePageMapPage(mw.next, mw.pageSize) {
			if err := mw.writeZeroPage(); err != nil {
				return nil, err
			}
		}
		end := off + ps
		if end > len(data) {
			end = len(data)
		}
		if _, err := mw.w.Write(data[off:end]); err != nil {
			return nil, err
		}
		if pad := ps - (end - off); pad > 0 {
			if _, err := mw.w.Write(mw.zero[:pad]); err != nil {
				return nil, err
			}
		}
		pages = append(pages, mw.next)
		mw.next++
	}
	return pages, nil
}

func (mw *Writer) writeZeroPage() error {
	if _, err := mw.w.Write(mw.zero); err != nil {
		return pdberr.Wrapf(pdberr.IO, err, "failed to write page %d", mw.next)
	}
	mw.next++
	return nil
}

// Close writes the stream directory, the header page and the free-page map,
// in that order.
func (mw *Writer) Close() error {
	if mw.closed {
		return nil
	}
	mw.closed = true

	dir := mw.directoryBytes()
	dirPages, err := mw.writeSequential(dir)
	if err != nil {
		return pdberr.Wrapf(pdberr.IO, err, "failed to write stream directory")
	}

	list := cursor.NewWriter()
	for _, p := range dirPages {
		list.U32(p)
	}
	listPages, err := mw.writeSequential(list.Bytes())
	if err != nil {
		return pdberr.Wrapf(pdberr.IO, err, "failed to write directory page list")
	}

	sb := &SuperBlock{
		PageSize:          mw.pageSize,
		FreePageMap:       1,
		NumPages:          mw.next,
		DirectoryBytes:    uint32(len(dir)),
		DirectoryPageList: listPages,
	}
	if superBlockFixedSize+4*len(listPages) > int(mw.pageSize) {
		return pdberr.Newf(pdberr.Container, "directory of %d bytes does not fit the header page", len(dir))
	}
	if err := mw.writeAt(0, sb.Bytes()); err != nil {
		return pdberr.Wrapf(pdberr.IO, err, "failed to write header page")
	}

	if err := mw.writeFreePageMap(); err != nil {
		return pdberr.Wrapf(pdberr.IO, err, "failed to write free page map")
	}

	_, err = mw.w.Seek(int64(mw.next)*int64(mw.pageSize), io.SeekStart)
	return err
}

// directoryBytes serializes stream sizes and page lists. Indices never
// written become empty streams.
func (mw *Writer) directoryBytes() []byte {
	numStreams := 0
	indices := make([]int, 0, len(mw.sizes))
	for i := range mw.sizes {
		indices = append(indices, i)
		if i+1 > numStreams {
			numStreams = i + 1
		}
	}
	sort.Ints(indices)

	w := cursor.NewWriter()
	w.U32(uint32(numStreams))
	for i := 0; i < numStreams; i++ {
		w.U32(mw.sizes[i])
	}
	for _, i := range indices {
		for _, p := range mw.pages[i] {
			w.U32(p)
		}
	}
	return w.Bytes()
}

// writeFreePageMap marks every allocated page as used. Bit set means free.
// Interval k's map pages hold bitmap bytes [k*PageSize, (k+1)*PageSize).
func (mw *Writer) writeFreePageMap() error {
	ps := mw.pageSize
	intervals := (mw.next + ps - 1) / ps
	for k := uint32(0); k < intervals; k++ {
		chunk := make([]byte, ps)
		for i := range chunk {
			chunk[i] = 0xFF
		}
		firstPage := k * ps * 8
		for bit := uint32(0); bit < ps*8; bit++ {
			if firstPage+bit < mw.next {
				chunk[bit/8] &^= 1 << (bit % 8)
			}
		}
		for _, fpm := range []uint32{1, 2} {
			page := k*ps + fpm
			if page >= mw.next {
				continue
			}
			if err := mw.writeAt(page, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (mw *Writer) writeAt(page uint32, data []byte) error {
	if _, err := mw.w.Seek(int64(page)*int64(mw.pageSize), io.SeekStart); err != nil {
		return err
	}
	_, err := mw.w.Write(data)
	return err
}

func isFreePageMapPage(page, pageSize uint32) bool {
	r := page % pageSize
	return r == 1 || r == 2
}
