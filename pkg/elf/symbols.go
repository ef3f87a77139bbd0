package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"sort"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/symtab"
)

var ErrNoSymbols = errors.New("no symbols")

const (
	symSize32 = 16
	symSize64 = 24
)

// Symbol is a symbol table entry. Its name is resolved through the owning
// SymbolTable.
type Symbol struct {
	NameOff uint32
	Info    uint8
	Other   uint8
	Shndx   uint16
	Value   uint64
	Size    uint64
}

func (s *Symbol) Bind() elf.SymBind      { return elf.ST_BIND(s.Info) }
func (s *Symbol) Type() elf.SymType      { return elf.ST_TYPE(s.Info) }
func (s *Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }
func (s *Symbol) Undefined() bool        { return s.Shndx == uint16(elf.SHN_UNDEF) }
func (s *Symbol) Common() bool           { return s.Shndx == uint16(elf.SHN_COMMON) }
func (s *Symbol) Absolute() bool         { return s.Shndx == uint16(elf.SHN_ABS) }
func (s *Symbol) ExtendedIndex() bool    { return s.Shndx == uint16(elf.SHN_XINDEX) }
func (s *Symbol) Reserved() bool         { return s.Shndx >= uint16(elf.SHN_LORESERVE) }

// SymbolTable is a decoded .symtab or .dynsym. Entry 0 is the null symbol.
type SymbolTable struct {
	// Section is the index of the symbol table section, -1 if absent.
	Section int
	Symbols []Symbol
	strtab  binread.StringTable
	shndx   []uint32
}

// Name returns the name of symbol i.
func (t *SymbolTable) Name(i int) (string, error) {
	if i < 0 || i >= len(t.Symbols) {
		return "", objerr.New(objerr.OutOfBounds, "symbol index %d", i)
	}
	if t.Symbols[i].NameOff == 0 {
		return "", nil
	}
	return t.strtab.String(uint64(t.Symbols[i].NameOff))
}

// SectionIndex returns the section a symbol is defined in, following
// SHT_SYMTAB_SHNDX for extended indices. ok is false for undefined, absolute,
// common and other reserved indices.
func (t *SymbolTable) SectionIndex(i int) (uint32, bool) {
	s := &t.Symbols[i]
	if s.ExtendedIndex() {
		if i < len(t.shndx) {
			return t.shndx[i], true
		}
		return 0, false
	}
	if s.Undefined() || s.Reserved() {
		return 0, false
	}
	return uint32(s.Shndx), true
}

// Lookup returns the index of the first symbol named name, or -1.
func (t *SymbolTable) Lookup(name string) int {
	for i := range t.Symbols {
		if t.Symbols[i].NameOff == 0 {
			continue
		}
		n, err := t.strtab.Bytes(uint64(t.Symbols[i].NameOff))
		if err == nil && string(n) == name {
			return i
		}
	}
	return -1
}

// Symbols decodes .symtab. An absent table is empty, not an error.
func (f *File) Symbols() (*SymbolTable, error) {
	return f.symbolTable(elf.SHT_SYMTAB)
}

// DynamicSymbols decodes .dynsym.
func (f *File) DynamicSymbols() (*SymbolTable, error) {
	return f.symbolTable(elf.SHT_DYNSYM)
}

func (f *File) symbolTable(typ elf.SectionType) (*SymbolTable, error) {
	idx, s := f.sectionByType(typ)
	if s == nil {
		return &SymbolTable{Section: -1}, nil
	}
	return f.SymbolTableAt(idx)
}

// SymbolTableAt decodes the symbol table in section idx.
func (f *File) SymbolTableAt(idx int) (*SymbolTable, error) {
	if idx < 0 || idx >= len(f.Sections) {
		return nil, objerr.New(objerr.InvalidTable, "symbol table section %d out of range", idx)
	}
	s := &f.Sections[idx]
	entsize := uint64(symSize32)
	if f.Is64() {
		entsize = symSize64
	}
	var count uint64
	if s.Type != elf.SHT_NOBITS {
		count = s.Size / entsize
	}
	raw, err := f.data.Table(s.Offset, count, entsize)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, "symbol table section %d", idx)
	}
	res := &SymbolTable{Section: idx, Symbols: make([]Symbol, count)}
	for i := range res.Symbols {
		b := raw[uint64(i)*entsize:]
		sym := &res.Symbols[i]
		if f.Is64() {
			sym.NameOff = f.order.Uint32(b[0:])
			sym.Info = b[4]
			sym.Other = b[5]
			sym.Shndx = f.order.Uint16(b[6:])
			sym.Value = f.order.Uint64(b[8:])
			sym.Size = f.order.Uint64(b[16:])
		} else {
			sym.NameOff = f.order.Uint32(b[0:])
			sym.Value = uint64(f.order.Uint32(b[4:]))
			sym.Size = uint64(f.order.Uint32(b[8:]))
			sym.Info = b[12]
			sym.Other = b[13]
			sym.Shndx = f.order.Uint16(b[14:])
		}
	}
	if strtab, err := f.stringTable(s.Link); err == nil {
		res.strtab = strtab
	}
	for i := range f.Sections {
		x := &f.Sections[i]
		if x.Type == elf.SHT_SYMTAB_SHNDX && int(x.Link) == idx {
			xd, err := f.data.Table(x.Offset, x.Size/4, 4)
			if err != nil {
				return nil, objerr.Wrap(objerr.InvalidTable, err, "extended section index table %d", i)
			}
			res.shndx = make([]uint32, len(xd)/4)
			for j := range res.shndx {
				res.shndx[j] = f.order.Uint32(xd[j*4:])
			}
			break
		}
	}
	return res, nil
}

type SectionLinkIndex uint8

const (
	SectionTypeSym    SectionLinkIndex = 0
	SectionTypeDynSym SectionLinkIndex = 1
)

// Name packs a string table offset and the table it belongs to.
type Name uint32

func NewName(nameIndex uint32, linkIndex SectionLinkIndex) Name {
	return Name((nameIndex & 0x7fffffff) | uint32(linkIndex)<<31)
}

func (n Name) NameIndex() uint32 {
	return uint32(n) & 0x7fffffff
}

func (n Name) LinkIndex() SectionLinkIndex {
	return SectionLinkIndex(n >> 31)
}

// SymbolIndex names the entries of a symbol map built from .symtab and
// .dynsym. Names stay packed string table offsets until an address resolves.
type SymbolIndex struct {
	links [2]binread.StringTable
	names []Name
}

// Name returns the name of entry i, or "" when its string is unreadable.
func (st *SymbolIndex) Name(i int) string {
	return string(st.nameBytes(st.names[i]))
}

// SymbolMap merges the named function and object symbols defined in a
// section of .symtab and .dynsym into one address map. Symbols present in
// both tables appear once.
func (f *File) SymbolMap() (*symtab.Map, error) {
	type entry struct {
		name  Name
		value uint64
		size  uint64
	}
	var (
		all   []entry
		index SymbolIndex
	)
	for link, typ := range []elf.SectionType{elf.SHT_SYMTAB, elf.SHT_DYNSYM} {
		t, err := f.symbolTable(typ)
		if err != nil {
			return nil, err
		}
		index.links[link] = t.strtab
		for i := 1; i < len(t.Symbols); i++ {
			s := &t.Symbols[i]
			if s.NameOff == 0 {
				continue
			}
			switch s.Type() {
			case elf.STT_FUNC, elf.STT_GNU_IFUNC, elf.STT_OBJECT:
			default:
				continue
			}
			if _, ok := t.SectionIndex(i); !ok {
				continue
			}
			all = append(all, entry{name: NewName(s.NameOff, SectionLinkIndex(link)), value: s.Value, size: s.Size})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].value < all[j].value
	})

	// .dynsym mostly repeats .symtab. Names are compared only between
	// entries with the same address and size.
	uniq := all[:0]
	for _, e := range all {
		dup := false
		for j := len(uniq) - 1; j >= 0 && uniq[j].value == e.value; j-- {
			if uniq[j].size == e.size && bytes.Equal(index.nameBytes(uniq[j].name), index.nameBytes(e.name)) {
				dup = true
				break
			}
		}
		if !dup {
			uniq = append(uniq, e)
		}
	}

	addrs := symtab.NewAddrIndex(len(uniq))
	sizes := make([]uint64, len(uniq))
	index.names = make([]Name, len(uniq))
	for i, e := range uniq {
		addrs.Set(i, e.value)
		sizes[i] = e.size
		index.names[i] = e.name
	}
	return symtab.NewSortedMap(addrs, sizes, &index), nil
}

func (st *SymbolIndex) nameBytes(n Name) []byte {
	b, _ := st.links[n.LinkIndex()].Bytes(uint64(n.NameIndex()))
	return b
}
