package archive

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/crypto/cryptobyte"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

// Symbol is an entry of the archive symbol index. Offset is the header
// offset of the member defining the symbol; see MemberAt.
type Symbol struct {
	Name   string
	Offset uint64
}

// Symbols decodes the symbol index. Archives without one have no symbols.
func (f *File) Symbols() ([]Symbol, error) {
	if f.symbols == nil {
		return nil, nil
	}
	switch f.symbolsKind {
	case Gnu:
		return gnuSymbols(f.symbols, false)
	case Gnu64:
		return gnuSymbols(f.symbols, true)
	case Bsd:
		return bsdSymbols(f.symbols, false)
	case Bsd64:
		return bsdSymbols(f.symbols, true)
	case Coff:
		return coffSymbols(f.symbols)
	}
	return nil, nil
}

// gnuSymbols reads a big endian count, count offsets and count NUL
// terminated names.
func gnuSymbols(data []byte, is64 bool) ([]Symbol, error) {
	s := cryptobyte.String(data)
	width := 4
	var count uint64
	if is64 {
		width = 8
		if !s.ReadUint64(&count) {
			return nil, objerr.New(objerr.InvalidTable, "symbol index too short")
		}
	} else {
		var c32 uint32
		if !s.ReadUint32(&c32) {
			return nil, objerr.New(objerr.InvalidTable, "symbol index too short")
		}
		count = uint64(c32)
	}
	if count > uint64(len(s))/uint64(width) {
		return nil, objerr.New(objerr.InvalidTable, "symbol index of %d entries exceeds %d bytes", count, len(s))
	}
	res := make([]Symbol, count)
	for i := range res {
		if is64 {
			s.ReadUint64(&res[i].Offset)
		} else {
			var off uint32
			s.ReadUint32(&off)
			res[i].Offset = uint64(off)
		}
	}
	names, err := readNames(s, len(res))
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Name = names[i]
	}
	return res, nil
}

func readNames(s []byte, n int) ([]string, error) {
	res := make([]string, n)
	for i := range res {
		end := bytes.IndexByte(s, 0)
		if end < 0 {
			return nil, objerr.New(objerr.InvalidTable, "symbol name %d is not terminated", i)
		}
		res[i], s = string(s[:end]), s[end+1:]
	}
	return res, nil
}

// bsdSymbols reads a ranlib table: byte size, (strx, offset) pairs, string
// table size and strings. Darwin writes them in host order, which is little
// endian for every supported target.
func bsdSymbols(data binread.Data, is64 bool) ([]Symbol, error) {
	le := binary.LittleEndian
	c := binread.NewCursor(data, 0, le)
	size := c.Word(is64)
	word := uint64(4)
	if is64 {
		word = 8
	}
	entries := c.Bytes(size)
	strsize := c.Word(is64)
	strtab := c.Bytes(strsize)
	if c.Err() != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, c.Err(), "ranlib table")
	}
	if size%(2*word) != 0 {
		return nil, objerr.New(objerr.InvalidTable, "ranlib table size %d", size)
	}
	e := binread.Data(entries)
	strs := binread.NewStringTable(strtab)
	res := make([]Symbol, size/(2*word))
	for i := range res {
		strx, _ := e.Word(uint64(i)*2*word, le, is64)
		off, _ := e.Word(uint64(i)*2*word+word, le, is64)
		name, err := strs.String(strx)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "ranlib symbol %d", i)
		}
		res[i] = Symbol{Name: name, Offset: off}
	}
	return res, nil
}

// coffSymbols reads the second linker member: member offsets, then symbol
// count, 1-based member indices and names, all little endian.
func coffSymbols(data binread.Data) ([]Symbol, error) {
	le := binary.LittleEndian
	c := binread.NewCursor(data, 0, le)
	members := uint64(c.Uint32())
	offsets := binread.Data(c.Bytes(members * 4))
	count := uint64(c.Uint32())
	indices := binread.Data(c.Bytes(count * 2))
	if c.Err() != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, c.Err(), "coff linker member")
	}
	names, err := readNames(data[c.Offset():], int(count))
	if err != nil {
		return nil, err
	}
	res := make([]Symbol, count)
	for i := range res {
		idx, _ := indices.Uint16(uint64(i)*2, le)
		if idx == 0 || uint64(idx) > members {
			return nil, objerr.New(objerr.InvalidTable, "symbol %q refers to member %d of %d", names[i], idx, members)
		}
		off, _ := offsets.Uint32(uint64(idx-1)*4, le)
		res[i] = Symbol{Name: names[i], Offset: uint64(off)}
	}
	return res, nil
}
