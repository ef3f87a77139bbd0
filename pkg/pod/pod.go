// Package pod interprets fixed-layout records over a binread.Data with an
// explicit byte order and address width.
package pod

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

type Endian uint8

const (
	Little Endian = iota
	Big
)

func (e Endian) Order() binary.ByteOrder {
	if e == Big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (e Endian) String() string {
	if e == Big {
		return "big"
	}
	return "little"
}

// EndianOf maps a byte order back to an Endian.
func EndianOf(bo binary.ByteOrder) Endian {
	if bo == binary.ByteOrder(binary.BigEndian) {
		return Big
	}
	return Little
}

// Width is the address width of a file.
type Width uint8

const (
	Width32 Width = 4
	Width64 Width = 8
)

func (w Width) Is64() bool { return w == Width64 }

func (w Width) String() string {
	if w == Width64 {
		return "64-bit"
	}
	return "32-bit"
}

// Read decodes one T at off. T must be a fixed-size struct or integer type;
// the full range is bounds-checked before decoding.
func Read[T any](d binread.Data, off uint64, bo binary.ByteOrder) (T, error) {
	var v T
	size := binary.Size(v)
	if size < 0 {
		return v, objerr.New(objerr.UnsupportedFeature, "record %T has no fixed size", v)
	}
	b, err := d.Bytes(off, uint64(size))
	if err != nil {
		return v, err
	}
	if _, err := binary.Decode(b, bo, &v); err != nil {
		return v, objerr.Wrap(objerr.InvalidHeader, err, "decode %T", v)
	}
	return v, nil
}

// ReadSlice decodes count consecutive T records at off. A table that does not
// fit is InvalidTable.
func ReadSlice[T any](d binread.Data, off, count uint64, bo binary.ByteOrder) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if size <= 0 {
		return nil, objerr.New(objerr.UnsupportedFeature, "record %T has no fixed size", zero)
	}
	b, err := d.Table(off, count, uint64(size))
	if err != nil {
		return nil, err
	}
	out := make([]T, count)
	if _, err := binary.Decode(b, bo, out); err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, "decode %T", zero)
	}
	return out, nil
}

// Size returns the encoded size of T.
func Size[T any]() uint64 {
	var v T
	return uint64(binary.Size(v))
}

// AlignUp rounds v up to a multiple of align. An align of 0 or 1 leaves v
// unchanged; align must otherwise be a power of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// IsPow2 reports whether v is zero or a power of two.
func IsPow2[T constraints.Unsigned](v T) bool {
	return v&(v-1) == 0
}

// Put encodes v into b at off. It is the write side of Read and fails with
// OutOfBounds when the record does not fit.
func Put[T any](b []byte, off uint64, bo binary.ByteOrder, v T) error {
	size := binary.Size(v)
	if size < 0 {
		return objerr.New(objerr.UnsupportedFeature, "record %T has no fixed size", v)
	}
	if off > uint64(len(b)) || uint64(size) > uint64(len(b))-off {
		return objerr.At(objerr.OutOfBounds, off, "%d byte record %T past end of %d byte buffer", size, v, len(b))
	}
	_, err := binary.Encode(b[off:], bo, v)
	return err
}
