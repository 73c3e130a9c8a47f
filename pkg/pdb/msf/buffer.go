package msf

import (
	"errors"
	"io"
)

// Buffer is an in-memory io.WriteSeeker and io.ReaderAt.
type Buffer struct {
	buf []byte
	pos int64
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte { return b.buf }

func (b *Buffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.buf)) {
		if end > int64(cap(b.buf)) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("msf.Buffer.Seek: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("msf.Buffer.Seek: negative position")
	}
	b.pos = abs
	return abs, nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("msf.Buffer.ReadAt: negative offset")
	}
	if off >= int64(len(b.buf)) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
