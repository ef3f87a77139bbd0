package pe

import (
	"debug/pe"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

// ImportDescriptor is an IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// Import is one symbol imported from a library.
type Import struct {
	Library string
	Name    string // empty for imports by ordinal
	Hint    uint16
	Ordinal uint16
	// ByOrdinal is set for imports without a name.
	ByOrdinal bool
	// IAT is the RVA of the import address table slot.
	IAT uint32
}

// ImportDescriptors decodes the import directory up to the null descriptor.
// A missing directory yields no descriptors.
func (f *File) ImportDescriptors() ([]ImportDescriptor, error) {
	dir := f.DataDirectory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}
	d, err := f.rvaData(dir.VirtualAddress)
	if err != nil {
		return nil, err
	}
	var res []ImportDescriptor
	for off := uint64(0); ; off += importDescriptorSize {
		c := binread.NewCursor(d, off, le)
		desc := ImportDescriptor{
			OriginalFirstThunk: c.Uint32(), TimeDateStamp: c.Uint32(),
			ForwarderChain: c.Uint32(), Name: c.Uint32(), FirstThunk: c.Uint32(),
		}
		if c.Err() != nil {
			return res, objerr.Wrap(objerr.InvalidTable, c.Err(), "import descriptor %d is not terminated", len(res))
		}
		if desc == (ImportDescriptor{}) {
			return res, nil
		}
		res = append(res, desc)
	}
}

// Imports resolves every imported symbol. The lookup table is read from
// OriginalFirstThunk, falling back to FirstThunk when a producer left it zero.
func (f *File) Imports() ([]Import, error) {
	descs, err := f.ImportDescriptors()
	if err != nil {
		return nil, err
	}
	var res []Import
	for _, desc := range descs {
		lib, err := f.rvaString(desc.Name)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "import library name")
		}
		syms, err := f.importThunks(lib, desc)
		if err != nil {
			return nil, err
		}
		res = append(res, syms...)
	}
	return res, nil
}

func (f *File) importThunks(lib string, desc ImportDescriptor) ([]Import, error) {
	lookup := desc.OriginalFirstThunk
	if lookup == 0 {
		lookup = desc.FirstThunk
	}
	d, err := f.rvaData(lookup)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, "import lookup table of %q", lib)
	}
	size := uint64(4)
	ordinalFlag := uint64(1) << 31
	if f.Is64() {
		size = 8
		ordinalFlag = 1 << 63
	}
	var res []Import
	for i := uint64(0); ; i++ {
		thunk, err := d.Word(i*size, le, f.Is64())
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "import lookup table of %q is not terminated", lib)
		}
		if thunk == 0 {
			return res, nil
		}
		imp := Import{Library: lib, IAT: desc.FirstThunk + uint32(i*size)}
		if thunk&ordinalFlag != 0 {
			imp.ByOrdinal = true
			imp.Ordinal = uint16(thunk)
		} else {
			hint, err := f.rvaData(uint32(thunk))
			if err != nil {
				return nil, objerr.Wrap(objerr.InvalidTable, err, "import hint of %q", lib)
			}
			h, err := hint.Uint16(0, le)
			if err != nil {
				return nil, objerr.Wrap(objerr.InvalidTable, err, "import hint of %q", lib)
			}
			name, err := hint.BytesUntil(2, hint.Len(), 0)
			if err != nil {
				return nil, objerr.Wrap(objerr.InvalidTable, err, "import name of %q", lib)
			}
			imp.Hint, imp.Name = h, string(name)
		}
		res = append(res, imp)
	}
}

// ImportedLibraries returns the names of the imported DLLs in directory order.
func (f *File) ImportedLibraries() ([]string, error) {
	descs, err := f.ImportDescriptors()
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(descs))
	for _, desc := range descs {
		lib, err := f.rvaString(desc.Name)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "import library name")
		}
		res = append(res, lib)
	}
	return res, nil
}
