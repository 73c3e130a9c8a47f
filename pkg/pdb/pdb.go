package pdb

import (
	"bytes"
	"io"
	"os"

	"github.com/jtang613/mpdb/pkg/pdb/msf"
	"github.com/jtang613/mpdb/pkg/pdb/pdberr"
)

// Open decodes the PDB file at path.
func Open(path string, opts ...Option) (*Instance, error) {
	f, err := OpenFile(path, opts...)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Decode()
}

// Decode decodes a PDB read from r.
func Decode(r io.ReaderAt, opts ...Option) (*Instance, error) {
	f, err := NewFile(r, opts...)
	if err != nil {
		return nil, err
	}
	return f.Decode()
}

// DecodeBytes decodes a PDB held in memory.
func DecodeBytes(data []byte, opts ...Option) (*Instance, error) {
	return Decode(bytes.NewReader(data), opts...)
}

// Encode writes inst as a complete PDB container to w, which must be
// positioned at offset 0.
func Encode(inst *Instance, w io.WriteSeeker, opts ...Option) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	e, err := newEncoder(inst, w, newOptions(opts))
	if err != nil {
		return err
	}
	return e.encode()
}

// EncodeBytes encodes inst into memory.
func EncodeBytes(inst *Instance, opts ...Option) ([]byte, error) {
	var buf msf.Buffer
	if err := Encode(inst, &buf, opts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Create encodes inst into a new file at path.
func Create(path string, inst *Instance, opts ...Option) error {
	data, err := EncodeBytes(inst, opts...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pdberr.Wrapf(pdberr.IO, err, "failed to write %s", path)
	}
	return nil
}
