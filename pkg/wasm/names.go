package wasm

import (
	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

const nameSubsectionFunction = 1

// FunctionName maps a function index to its debug name.
type FunctionName struct {
	Index uint32
	Name  string
}

// FunctionNames decodes the function name map of the "name" custom section.
// Modules without one have no names. Subsections other than function names
// are skipped.
func (f *File) FunctionNames() ([]FunctionName, error) {
	if f.names < 0 {
		return nil, nil
	}
	s := &f.Sections[f.names]
	c := binread.NewCursor(f.data[:s.Offset+s.Size], s.Offset, le)
	for c.Remaining() > 0 {
		id := c.Uint8()
		size := c.Uleb128()
		start := c.Offset()
		c.Skip(size)
		if c.Err() != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, c.Err(), "name subsection")
		}
		if id != nameSubsectionFunction {
			continue
		}
		return readNameMap(binread.NewCursor(f.data[:start+size], start, le))
	}
	return nil, nil
}

func readNameMap(c *binread.Cursor) ([]FunctionName, error) {
	count := c.Uleb128()
	// every entry takes at least two bytes
	if count > c.Remaining()/2 {
		return nil, objerr.New(objerr.InvalidTable, "name map of %d entries in %d bytes", count, c.Remaining())
	}
	res := make([]FunctionName, 0, count)
	for i := uint64(0); i < count; i++ {
		idx := c.Uleb128()
		name := readName(c)
		if c.Err() != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, c.Err(), "name map entry %d", i)
		}
		res = append(res, FunctionName{Index: uint32(idx), Name: name})
	}
	return res, nil
}
