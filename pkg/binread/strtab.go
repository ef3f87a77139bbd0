package binread

import "github.com/grafana/objfile/pkg/objerr"

// StringTable is a range of NUL terminated strings addressed by offset.
// Strings are decoded only when asked for.
type StringTable struct {
	data Data
}

// NewStringTable wraps the bytes of a string table.
func NewStringTable(b []byte) StringTable {
	return StringTable{data: Data(b)}
}

func (t StringTable) Len() uint64 { return t.data.Len() }

// Bytes returns the string at off without its terminator. The scan is capped at
// the end of the table.
func (t StringTable) Bytes(off uint64) ([]byte, error) {
	if off >= t.data.Len() {
		return nil, objerr.At(objerr.OutOfBounds, off, "string offset past table of %d bytes", t.data.Len())
	}
	return t.data.BytesUntil(off, t.data.Len(), 0)
}

func (t StringTable) String(off uint64) (string, error) {
	b, err := t.Bytes(off)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
