package macho

import (
	"debug/macho"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pod"
)

// n_type bits.
const (
	NStab = 0xe0
	NPext = 0x10
	NType = 0x0e
	NExt  = 0x01

	NUndf = 0x0
	NAbs  = 0x2
	NSect = 0xe
	NIndr = 0xa

	NWeakRef = 0x0040
	NWeakDef = 0x0080
)

// Symbol is an nlist entry. Sect is a one-based section ordinal, 0 for none.
type Symbol struct {
	NameOff uint32
	Type    uint8
	Sect    uint8
	Desc    uint16
	Value   uint64
}

func (s *Symbol) Stab() bool      { return s.Type&NStab != 0 }
func (s *Symbol) External() bool  { return s.Type&NExt != 0 }
func (s *Symbol) Undefined() bool { return s.Type&NType == NUndf }

// SymbolTable is the decoded LC_SYMTAB.
type SymbolTable struct {
	Symbols []Symbol
	strtab  binread.StringTable
}

func (t *SymbolTable) Name(i int) (string, error) {
	if i < 0 || i >= len(t.Symbols) {
		return "", objerr.New(objerr.OutOfBounds, "symbol index %d", i)
	}
	return t.strtab.String(uint64(t.Symbols[i].NameOff))
}

// Lookup returns the index of the first non-debug symbol named name, or -1.
func (t *SymbolTable) Lookup(name string) int {
	for i := range t.Symbols {
		if t.Symbols[i].Stab() {
			continue
		}
		n, err := t.strtab.Bytes(uint64(t.Symbols[i].NameOff))
		if err == nil && string(n) == name {
			return i
		}
	}
	return -1
}

// Symbols decodes LC_SYMTAB. A file without one has an empty table. The
// string table is clamped to the input; the entries are not.
func (f *File) Symbols() (*SymbolTable, error) {
	lc := f.firstLoad(macho.LoadCmdSymtab)
	if lc == nil {
		return &SymbolTable{}, nil
	}
	cmd, err := pod.Read[macho.SymtabCmd](binread.Data(lc.Data), 0, f.order)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, "symtab command")
	}
	entsize := uint64(12)
	if f.Is64() {
		entsize = 16
	}
	data, err := f.data.Table(uint64(cmd.Symoff), uint64(cmd.Nsyms), entsize)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, "symbol table")
	}
	res := &SymbolTable{
		Symbols: make([]Symbol, cmd.Nsyms),
		strtab:  binread.NewStringTable(f.data.Clamp(uint64(cmd.Stroff), uint64(cmd.Strsize))),
	}
	for i := range res.Symbols {
		b := data[uint64(i)*entsize:]
		s := &res.Symbols[i]
		s.NameOff = f.order.Uint32(b)
		s.Type = b[4]
		s.Sect = b[5]
		s.Desc = f.order.Uint16(b[6:])
		if f.Is64() {
			s.Value = f.order.Uint64(b[8:])
		} else {
			s.Value = uint64(f.order.Uint32(b[8:]))
		}
	}
	return res, nil
}

// Reloc is a relocation_info or scattered_relocation_info entry.
type Reloc struct {
	Addr      uint32
	Value     uint32 // scattered only
	Symnum    uint32 // symbol index if Extern, else section ordinal
	Type      uint8
	Len       uint8 // 0=byte, 1=word, 2=long, 3=quad
	Pcrel     bool
	Extern    bool
	Scattered bool
}

// Size returns the relocated field width in bytes.
func (r *Reloc) Size() uint8 { return 1 << r.Len }

// Relocations decodes the relocations of section i.
func (f *File) Relocations(i int) ([]Reloc, error) {
	if i < 0 || i >= len(f.Sections) {
		return nil, objerr.New(objerr.InvalidTable, "section %d out of range", i)
	}
	s := &f.Sections[i]
	if s.Nreloc == 0 {
		return nil, nil
	}
	raw, err := f.data.Table(uint64(s.Reloff), uint64(s.Nreloc), 8)
	if err != nil {
		return nil, err
	}
	res := make([]Reloc, s.Nreloc)
	for j := range res {
		b := raw[j*8:]
		addr := f.order.Uint32(b)
		info := f.order.Uint32(b[4:])
		r := &res[j]
		if addr&0x80000000 != 0 {
			// scattered: r_scattered:1 r_pcrel:1 r_length:2 r_type:4 r_address:24
			r.Scattered = true
			r.Addr = addr & 0xffffff
			r.Type = uint8(addr >> 24 & 0xf)
			r.Len = uint8(addr >> 28 & 0x3)
			r.Pcrel = addr&(1<<30) != 0
			r.Value = info
			continue
		}
		r.Addr = addr
		if pod.EndianOf(f.order) == pod.Little {
			r.Symnum = info & 0xffffff
			r.Pcrel = info&(1<<24) != 0
			r.Len = uint8(info >> 25 & 0x3)
			r.Extern = info&(1<<27) != 0
			r.Type = uint8(info >> 28)
		} else {
			r.Symnum = info >> 8
			r.Pcrel = info&(1<<7) != 0
			r.Len = uint8(info >> 5 & 0x3)
			r.Extern = info&(1<<4) != 0
			r.Type = uint8(info & 0xf)
		}
	}
	return res, nil
}
