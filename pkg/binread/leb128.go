package binread

import (
	"encoding/binary"

	"github.com/grafana/objfile/pkg/objerr"
)

// Uleb128 decodes an unsigned LEB128 value at off and returns it together with
// its encoded length.
func Uleb128(d Data, off uint64) (uint64, uint64, error) {
	if off > d.Len() {
		return 0, 0, objerr.At(objerr.OutOfBounds, off, "leb128 past end")
	}
	v, n := binary.Uvarint(d[off:])
	switch {
	case n == 0:
		return 0, 0, objerr.At(objerr.OutOfBounds, off, "truncated leb128")
	case n < 0:
		return 0, 0, objerr.At(objerr.InvalidTable, off, "leb128 overflows 64 bits")
	}
	return v, uint64(n), nil
}

// Sleb128 decodes a signed LEB128 value. encoding/binary only knows zig-zag
// varints, so the sign extension is done here.
func Sleb128(d Data, off uint64) (int64, uint64, error) {
	var (
		v     int64
		shift uint
		i     = off
	)
	for {
		if i >= d.Len() {
			return 0, 0, objerr.At(objerr.OutOfBounds, off, "truncated leb128")
		}
		b := d[i]
		i++
		if shift < 64 {
			v |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= -1 << shift
			}
			return v, i - off, nil
		}
		if shift >= 70 {
			return 0, 0, objerr.At(objerr.InvalidTable, off, "leb128 overflows 64 bits")
		}
	}
}
