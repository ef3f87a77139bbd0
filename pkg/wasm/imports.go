package wasm

import (
	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

// ExternalKind is the kind of an imported or exported item.
type ExternalKind uint8

const (
	ExternalFunction ExternalKind = iota
	ExternalTable
	ExternalMemory
	ExternalGlobal
	ExternalTag
)

func (k ExternalKind) String() string {
	switch k {
	case ExternalFunction:
		return "func"
	case ExternalTable:
		return "table"
	case ExternalMemory:
		return "memory"
	case ExternalGlobal:
		return "global"
	case ExternalTag:
		return "tag"
	}
	return "unknown"
}

// Import is an entry of the import section. Index is the type index for
// functions and tags, and 0 otherwise.
type Import struct {
	Module string
	Name   string
	Kind   ExternalKind
	Index  uint32
}

// Export is an entry of the export section.
type Export struct {
	Name  string
	Kind  ExternalKind
	Index uint32
}

// Imports decodes the import section.
func (f *File) Imports() ([]Import, error) {
	c, ok := f.sectionCursor(SectionImport)
	if !ok {
		return nil, nil
	}
	count := c.Uleb128()
	if count > c.Remaining() {
		return nil, objerr.New(objerr.InvalidTable, "%d imports in %d bytes", count, c.Remaining())
	}
	res := make([]Import, 0, count)
	for i := uint64(0); i < count; i++ {
		imp := Import{Module: readName(c), Name: readName(c), Kind: ExternalKind(c.Uint8())}
		switch imp.Kind {
		case ExternalFunction:
			imp.Index = uint32(c.Uleb128())
		case ExternalTable:
			c.Uint8() // reftype
			skipLimits(c)
		case ExternalMemory:
			skipLimits(c)
		case ExternalGlobal:
			c.Uint8() // valtype
			c.Uint8() // mutability
		case ExternalTag:
			c.Uint8() // attribute
			imp.Index = uint32(c.Uleb128())
		default:
			return nil, objerr.New(objerr.InvalidTable, "import %d has kind %d", i, imp.Kind)
		}
		if c.Err() != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, c.Err(), "import %d", i)
		}
		res = append(res, imp)
	}
	return res, nil
}

func skipLimits(c *binread.Cursor) {
	flags := c.Uint8()
	c.Uleb128()
	if flags&1 != 0 {
		c.Uleb128()
	}
}

// Exports decodes the export section.
func (f *File) Exports() ([]Export, error) {
	c, ok := f.sectionCursor(SectionExport)
	if !ok {
		return nil, nil
	}
	count := c.Uleb128()
	if count > c.Remaining() {
		return nil, objerr.New(objerr.InvalidTable, "%d exports in %d bytes", count, c.Remaining())
	}
	res := make([]Export, 0, count)
	for i := uint64(0); i < count; i++ {
		exp := Export{Name: readName(c), Kind: ExternalKind(c.Uint8()), Index: uint32(c.Uleb128())}
		if c.Err() != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, c.Err(), "export %d", i)
		}
		if exp.Kind > ExternalTag {
			return nil, objerr.New(objerr.InvalidTable, "export %q has kind %d", exp.Name, exp.Kind)
		}
		res = append(res, exp)
	}
	return res, nil
}

// Start returns the index of the start function. ok is false if the module
// has no start section.
func (f *File) Start() (idx uint32, ok bool, err error) {
	c, ok := f.sectionCursor(SectionStart)
	if !ok {
		return 0, false, nil
	}
	v := c.Uleb128()
	if c.Err() != nil {
		return 0, false, objerr.Wrap(objerr.InvalidTable, c.Err(), "start section")
	}
	return uint32(v), true, nil
}
