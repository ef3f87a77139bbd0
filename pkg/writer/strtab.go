package writer

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// stringTable accumulates NUL terminated strings. Identical strings share
// one offset.
type stringTable struct {
	buf   []byte
	index map[uint64][]uint32
}

// newStringTable starts a table with prefix already in place: a single NUL
// for ELF, the 4 byte length field for COFF.
func newStringTable(prefix []byte) *stringTable {
	return &stringTable{
		buf:   append([]byte(nil), prefix...),
		index: make(map[uint64][]uint32),
	}
}

func (t *stringTable) add(s string) uint32 {
	if s == "" && len(t.buf) > 0 && t.buf[0] == 0 {
		return 0
	}
	h := xxhash.Sum64String(s)
	for _, off := range t.index[h] {
		if t.lookup(off) == s {
			return off
		}
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.index[h] = append(t.index[h], off)
	return off
}

func (t *stringTable) lookup(off uint32) string {
	b := t.buf[off:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (t *stringTable) size() uint64 { return uint64(len(t.buf)) }

func (t *stringTable) bytes() []byte { return t.buf }
