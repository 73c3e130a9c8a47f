// Package msf implements Microsoft's Multi-Stream Format (MSF) page container.
package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// MSF 7.00 magic signature
var Magic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// DefaultPageSize is the page size used when writing.
const DefaultPageSize = 512

// ValidPageSizes are the allowed page sizes for MSF files.
var ValidPageSizes = []uint32{512, 1024, 2048, 4096}

// superBlockFixedSize is the size of the SuperBlock before the page-list array.
const superBlockFixedSize = 52

// SuperBlock is the header structure at the beginning of an MSF file.
// It contains metadata needed to navigate the file's stream structure.
type SuperBlock struct {
	Magic          [32]byte // Must be Magic
	PageSize       uint32   // Page size in bytes
	FreePageMap    uint32   // Index of active FPM page (1 or 2)
	NumPages       uint32   // Total number of pages in file
	DirectoryBytes uint32   // Size of stream directory in bytes
	Unknown        uint32   // Reserved
	// DirectoryPageList holds the pages that list the directory's pages.
	DirectoryPageList []uint32
}

// ReadSuperBlock reads and validates the SuperBlock from the beginning of an MSF file.
func ReadSuperBlock(r io.ReaderAt) (*SuperBlock, error) {
	var sb SuperBlock

	head := make([]byte, superBlockFixedSize)
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to read superblock")
	}

	copy(sb.Magic[:], head[:32])
	if !bytes.Equal(sb.Magic[:], Magic) {
		return nil, pdberr.Newf(pdberr.Container, "invalid MSF magic: not a valid PDB file")
	}

	pageSize := int32(binary.LittleEndian.Uint32(head[32:]))
	if pageSize <= 0 {
		return nil, pdberr.Newf(pdberr.Container, "invalid page size: %d", pageSize)
	}
	sb.PageSize = uint32(pageSize)
	sb.FreePageMap = binary.LittleEndian.Uint32(head[36:])
	sb.NumPages = binary.LittleEndian.Uint32(head[40:])
	sb.DirectoryBytes = binary.LittleEndian.Uint32(head[44:])
	sb.Unknown = binary.LittleEndian.Uint32(head[48:])

	if !isValidPageSize(sb.PageSize) {
		return nil, pdberr.Newf(pdberr.Container, "invalid page size: %d", sb.PageSize)
	}
	if sb.FreePageMap != 1 && sb.FreePageMap != 2 {
		return nil, pdberr.Newf(pdberr.Container, "invalid free page map page: %d (must be 1 or 2)", sb.FreePageMap)
	}

	n := sb.NumDirectoryPageListPages()
	if superBlockFixedSize+4*int(n) > int(sb.PageSize) {
		return nil, pdberr.Newf(pdberr.Container, "directory of %d bytes does not fit the header page", sb.DirectoryBytes)
	}
	list := make([]byte, 4*n)
	if _, err := r.ReadAt(list, superBlockFixedSize); err != nil {
		return nil, pdberr.Wrapf(pdberr.Container, err, "failed to read directory page list")
	}
	sb.DirectoryPageList = make([]uint32, n)
	for i := range sb.DirectoryPageList {
		sb.DirectoryPageList[i] = binary.LittleEndian.Uint32(list[4*i:])
	}

	return &sb, nil
}

// Bytes serializes the SuperBlock into one page.
func (sb *SuperBlock) Bytes() []byte {
	page := make([]byte, sb.PageSize)
	copy(page, Magic)
	binary.LittleEndian.PutUint32(page[32:], sb.PageSize)
	binary.LittleEndian.PutUint32(page[36:], sb.FreePageMap)
	binary.LittleEndian.PutUint32(page[40:], sb.NumPages)
	binary.LittleEndian.PutUint32(page[44:], sb.DirectoryBytes)
	binary.LittleEndian.PutUint32(page[48:], sb.Unknown)
	for i, p := range sb.DirectoryPageList {
		binary.LittleEndian.PutUint32(page[superBlockFixedSize+4*i:], p)
	}
	return page
}

// NumDirectoryPages returns the number of pages holding the stream directory.
func (sb *SuperBlock) NumDirectoryPages() uint32 {
	return PagesNeeded(sb.DirectoryBytes, sb.PageSize)
}

// NumDirectoryPageListPages returns the number of pages holding the list of
// directory pages.
func (sb *SuperBlock) NumDirectoryPageListPages() uint32 {
	return PagesNeeded(sb.NumDirectoryPages()*4, sb.PageSize)
}

// FileSize returns the expected file size based on page count.
func (sb *SuperBlock) FileSize() int64 {
	return int64(sb.NumPages) * int64(sb.PageSize)
}

// PagesNeeded returns ceil(size / pageSize).
func PagesNeeded(size, pageSize uint32) uint32 {
	return (size + pageSize - 1) / pageSize
}

func isValidPageSize(size uint32) bool {
	for _, valid := range ValidPageSizes {
		if size == valid {
			return true
		}
	}
	return false
}

func checkPageSize(size uint32) error {
	if !isValidPageSize(size) {
		return fmt.Errorf("unsupported page size %d", size)
	}
	return nil
}
