package pe

import (
	"github.com/grafana/objfile/pkg/objerr"
)

// Symbol is a COFF symbol table record. Aux records are kept in the table
// so that indices match relocation symbol indices.
type Symbol struct {
	Name               string
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
	// Aux is true for auxiliary records following a primary symbol.
	Aux bool
}

func (s *Symbol) IsFunction() bool { return s.Type>>4 == IMAGE_SYM_DTYPE_FUNCTION }

// SectionDefinition is the aux record of a section symbol.
type SectionDefinition struct {
	Length              uint32
	NumberOfRelocations uint16
	NumberOfLineNumbers uint16
	CheckSum            uint32
	Number              uint16
	Selection           uint8
}

// Symbols decodes the COFF symbol table, if any. Records reaching past the
// input are dropped.
func (f *File) Symbols() ([]Symbol, error) {
	count := f.symbols.Len() / symbolSize
	res := make([]Symbol, count)
	for i := uint64(0); i < count; i++ {
		b := f.symbols[i*symbolSize : (i+1)*symbolSize]
		res[i] = Symbol{
			Value:              le.Uint32(b[8:]),
			SectionNumber:      int16(le.Uint16(b[12:])),
			Type:               le.Uint16(b[14:]),
			StorageClass:       b[16],
			NumberOfAuxSymbols: b[17],
		}
		res[i].Name = f.symbolName(b[:8])
		aux := uint64(b[17])
		for j := uint64(1); j <= aux && i+j < count; j++ {
			res[i+j] = Symbol{Aux: true}
		}
		i += aux
	}
	return res, nil
}

func (f *File) symbolName(raw []byte) string {
	if le.Uint32(raw) == 0 {
		s, err := f.stringAt(le.Uint32(raw[4:]))
		if err != nil {
			return ""
		}
		return s
	}
	return cstring(raw)
}

// AuxRecord returns the raw bytes of symbol record i.
func (f *File) AuxRecord(i int) ([]byte, error) {
	return f.symbols.Bytes(uint64(i)*symbolSize, symbolSize)
}

// SectionDefinition decodes the aux record following section symbol i.
func (f *File) SectionDefinition(i int) (SectionDefinition, error) {
	b, err := f.AuxRecord(i + 1)
	if err != nil {
		return SectionDefinition{}, err
	}
	return SectionDefinition{
		Length:              le.Uint32(b),
		NumberOfRelocations: le.Uint16(b[4:]),
		NumberOfLineNumbers: le.Uint16(b[6:]),
		CheckSum:            le.Uint32(b[8:]),
		Number:              le.Uint16(b[12:]),
		Selection:           b[14],
	}, nil
}

// Reloc is a COFF relocation.
type Reloc struct {
	VirtualAddress   uint32
	SymbolTableIndex uint32
	Type             uint16
}

// Relocations decodes the relocations of section i. Sections with
// IMAGE_SCN_LNK_NRELOC_OVFL store the real count in the first entry.
func (f *File) Relocations(i int) ([]Reloc, error) {
	if i < 0 || i >= len(f.Sections) {
		return nil, objerr.New(objerr.InvalidTable, "section %d out of range", i)
	}
	s := &f.Sections[i]
	if s.NumberOfRelocations == 0 {
		return nil, nil
	}
	off := uint64(s.PointerToRelocations)
	count := uint64(s.NumberOfRelocations)
	if s.Characteristics&IMAGE_SCN_LNK_NRELOC_OVFL != 0 && count == 0xffff {
		n, err := f.data.Uint32(off, le)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, objerr.New(objerr.InvalidTable, "section %q overflow relocation count is zero", s.Name)
		}
		// the count entry itself is included
		off += relocSize
		count = uint64(n) - 1
	}
	raw, err := f.data.Table(off, count, relocSize)
	if err != nil {
		return nil, err
	}
	res := make([]Reloc, count)
	for j := range res {
		b := raw[j*relocSize:]
		res[j] = Reloc{VirtualAddress: le.Uint32(b), SymbolTableIndex: le.Uint32(b[4:]), Type: le.Uint16(b[8:])}
	}
	return res, nil
}
