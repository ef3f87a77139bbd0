package pe

import (
	"debug/pe"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

// ExportDirectory is an IMAGE_EXPORT_DIRECTORY.
type ExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Export is an exported function or data item.
type Export struct {
	Ordinal uint32
	Name    string // empty for exports by ordinal only
	// RVA is 0 for forwarders.
	RVA uint32
	// Forwarder is the "DLL.Name" target of a forwarded export.
	Forwarder string
}

// ExportDirectory decodes the export directory header. ok is false when the
// image has none.
func (f *File) ExportDirectory() (ExportDirectory, bool, error) {
	dir := f.DataDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return ExportDirectory{}, false, nil
	}
	d, err := f.rvaData(dir.VirtualAddress)
	if err != nil {
		return ExportDirectory{}, false, err
	}
	c := binread.NewCursor(d, 0, le)
	ed := ExportDirectory{
		Characteristics: c.Uint32(), TimeDateStamp: c.Uint32(),
		MajorVersion: c.Uint16(), MinorVersion: c.Uint16(),
		Name: c.Uint32(), Base: c.Uint32(),
		NumberOfFunctions: c.Uint32(), NumberOfNames: c.Uint32(),
		AddressOfFunctions: c.Uint32(), AddressOfNames: c.Uint32(), AddressOfNameOrdinals: c.Uint32(),
	}
	if c.Err() != nil {
		return ExportDirectory{}, false, objerr.Wrap(objerr.InvalidTable, c.Err(), "export directory")
	}
	return ed, true, nil
}

// ExportName returns the DLL name recorded in the export directory.
func (f *File) ExportName() (string, error) {
	ed, ok, err := f.ExportDirectory()
	if err != nil || !ok {
		return "", err
	}
	return f.rvaString(ed.Name)
}

// Exports lists exports in ordinal order. Function addresses pointing back
// into the export directory are forwarder strings.
func (f *File) Exports() ([]Export, error) {
	ed, ok, err := f.ExportDirectory()
	if err != nil || !ok {
		return nil, err
	}
	dir := f.DataDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)

	funcs, err := f.rvaData(ed.AddressOfFunctions)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, "export address table")
	}
	if _, err := funcs.Table(0, uint64(ed.NumberOfFunctions), 4); err != nil {
		return nil, err
	}
	names := make([]string, ed.NumberOfFunctions)
	if ed.NumberOfNames > 0 {
		nameRVAs, err := f.rvaData(ed.AddressOfNames)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "export name table")
		}
		ordinals, err := f.rvaData(ed.AddressOfNameOrdinals)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "export ordinal table")
		}
		if _, err := nameRVAs.Table(0, uint64(ed.NumberOfNames), 4); err != nil {
			return nil, err
		}
		if _, err := ordinals.Table(0, uint64(ed.NumberOfNames), 2); err != nil {
			return nil, err
		}
		for i := uint64(0); i < uint64(ed.NumberOfNames); i++ {
			idx := le.Uint16(ordinals[i*2:])
			if uint32(idx) >= ed.NumberOfFunctions {
				continue
			}
			name, err := f.rvaString(le.Uint32(nameRVAs[i*4:]))
			if err != nil {
				continue
			}
			names[idx] = name
		}
	}

	var res []Export
	for i := uint32(0); i < ed.NumberOfFunctions; i++ {
		rva := le.Uint32(funcs[uint64(i)*4:])
		if rva == 0 {
			continue
		}
		exp := Export{Ordinal: ed.Base + i, Name: names[i], RVA: rva}
		if rva >= dir.VirtualAddress && rva-dir.VirtualAddress < dir.Size {
			fwd, err := f.rvaString(rva)
			if err != nil {
				return nil, objerr.Wrap(objerr.InvalidTable, err, "export forwarder")
			}
			exp.RVA, exp.Forwarder = 0, fwd
		}
		res = append(res, exp)
	}
	return res, nil
}
