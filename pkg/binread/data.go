// Package binread provides bounds-checked access to an immutable byte buffer.
// Every accessor validates its range before slicing and never panics on
// adversarial offsets.
package binread

import (
	"encoding/binary"
	"math/bits"

	"github.com/grafana/objfile/pkg/objerr"
)

// Data is a borrowed view over the caller's input. Slices returned from it
// alias the underlying buffer.
type Data []byte

func (d Data) Len() uint64 { return uint64(len(d)) }

// end returns off+n if it fits inside d.
func (d Data) end(off, n uint64) (uint64, bool) {
	e, carry := bits.Add64(off, n, 0)
	if carry != 0 || e > uint64(len(d)) {
		return 0, false
	}
	return e, true
}

// Bytes returns d[off:off+n].
func (d Data) Bytes(off, n uint64) ([]byte, error) {
	e, ok := d.end(off, n)
	if !ok {
		return nil, objerr.At(objerr.OutOfBounds, off, "read of %d bytes, input is %d bytes", n, len(d))
	}
	return d[off:e:e], nil
}

// Sub returns the subrange [off, off+n) as Data.
func (d Data) Sub(off, n uint64) (Data, error) {
	b, err := d.Bytes(off, n)
	return Data(b), err
}

// Tail returns everything from off to the end of d.
func (d Data) Tail(off uint64) (Data, error) {
	if off > uint64(len(d)) {
		return nil, objerr.At(objerr.OutOfBounds, off, "input is %d bytes", len(d))
	}
	return d[off:], nil
}

// Clamp returns the subrange [off, off+n) truncated to the end of d. An
// offset past the end yields an empty result.
func (d Data) Clamp(off, n uint64) Data {
	if off >= uint64(len(d)) {
		return nil
	}
	if rest := uint64(len(d)) - off; n > rest {
		n = rest
	}
	return d[off : off+n]
}

// Table returns the bytes of count records of size bytes each starting at
// off. A table that extends past the input is reported as InvalidTable; a
// table ending exactly at the input end is valid, and an empty table is
// valid wherever it points.
func (d Data) Table(off, count, size uint64) ([]byte, error) {
	if count == 0 || size == 0 {
		return nil, nil
	}
	hi, n := bits.Mul64(count, size)
	if hi != 0 {
		return nil, objerr.At(objerr.InvalidTable, off, "%d entries of %d bytes overflow", count, size)
	}
	e, ok := d.end(off, n)
	if !ok {
		return nil, objerr.At(objerr.InvalidTable, off, "%d entries of %d bytes exceed input of %d bytes", count, size, len(d))
	}
	return d[off:e:e], nil
}

// BytesUntil scans [start, end) for term and returns the bytes before it.
// A missing terminator is OutOfBounds; the scan never leaves the range.
func (d Data) BytesUntil(start, end uint64, term byte) ([]byte, error) {
	if end > uint64(len(d)) {
		end = uint64(len(d))
	}
	if start > end {
		return nil, objerr.At(objerr.OutOfBounds, start, "scan start past range end 0x%x", end)
	}
	for i := start; i < end; i++ {
		if d[i] == term {
			return d[start:i:i], nil
		}
	}
	return nil, objerr.At(objerr.OutOfBounds, start, "unterminated string")
}

func (d Data) Uint8(off uint64) (uint8, error) {
	b, err := d.Bytes(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d Data) Uint16(off uint64, bo binary.ByteOrder) (uint16, error) {
	b, err := d.Bytes(off, 2)
	if err != nil {
		return 0, err
	}
	return bo.Uint16(b), nil
}

func (d Data) Uint32(off uint64, bo binary.ByteOrder) (uint32, error) {
	b, err := d.Bytes(off, 4)
	if err != nil {
		return 0, err
	}
	return bo.Uint32(b), nil
}

func (d Data) Uint64(off uint64, bo binary.ByteOrder) (uint64, error) {
	b, err := d.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return bo.Uint64(b), nil
}

// Word reads a 4 or 8 byte unsigned value depending on is64.
func (d Data) Word(off uint64, bo binary.ByteOrder, is64 bool) (uint64, error) {
	if is64 {
		return d.Uint64(off, bo)
	}
	v, err := d.Uint32(off, bo)
	return uint64(v), err
}
