package elf

import (
	"debug/elf"

	"github.com/grafana/objfile/pkg/objerr"
)

// Reloc is a decoded REL or RELA entry.
type Reloc struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
	// HasAddend is false for SHT_REL entries, whose addend is stored in the
	// relocated bytes.
	HasAddend bool
}

// RelocationSections returns the indices of the SHT_REL and SHT_RELA sections
// that apply to section target. Dynamic relocation sections with sh_info 0 are
// reached through RelocationsIn.
func (f *File) RelocationSections(target int) []int {
	var res []int
	for i := range f.Sections {
		s := &f.Sections[i]
		if (s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA) && target != 0 && int(s.Info) == target {
			res = append(res, i)
		}
	}
	return res
}

// Relocations decodes every relocation that applies to section target.
func (f *File) Relocations(target int) ([]Reloc, error) {
	var res []Reloc
	for _, i := range f.RelocationSections(target) {
		r, err := f.RelocationsIn(i)
		if err != nil {
			return nil, err
		}
		res = append(res, r...)
	}
	return res, nil
}

// RelocationsIn decodes the entries of relocation section idx. The table is
// clamped to the input; a partial trailing entry is ignored.
func (f *File) RelocationsIn(idx int) ([]Reloc, error) {
	if idx < 0 || idx >= len(f.Sections) {
		return nil, objerr.New(objerr.InvalidTable, "relocation section %d out of range", idx)
	}
	s := &f.Sections[idx]
	rela := s.Type == elf.SHT_RELA
	if !rela && s.Type != elf.SHT_REL {
		return nil, objerr.New(objerr.InvalidTable, "section %q is %v", s.Name, s.Type)
	}
	entsize := uint64(8)
	switch {
	case f.Is64() && rela:
		entsize = 24
	case f.Is64():
		entsize = 16
	case rela:
		entsize = 12
	}
	data := f.tableData(s)
	count := data.Len() / entsize
	raw, err := data.Table(0, count, entsize)
	if err != nil {
		return nil, err
	}
	res := make([]Reloc, count)
	for i := range res {
		b := raw[uint64(i)*entsize:]
		r := &res[i]
		r.HasAddend = rela
		if f.Is64() {
			r.Offset = f.order.Uint64(b)
			info := f.order.Uint64(b[8:])
			r.Sym, r.Type = elf.R_SYM64(info), elf.R_TYPE64(info)
			if f.Machine == elf.EM_MIPS && f.Data == elf.ELFDATA2LSB {
				// mips64el: symbol in the low word, primary type in the top byte
				r.Sym, r.Type = uint32(info), uint32(info>>56)
			}
			if rela {
				r.Addend = int64(f.order.Uint64(b[16:]))
			}
		} else {
			r.Offset = uint64(f.order.Uint32(b))
			info := f.order.Uint32(b[4:])
			r.Sym, r.Type = elf.R_SYM32(info), elf.R_TYPE32(info)
			if rela {
				r.Addend = int64(int32(f.order.Uint32(b[8:])))
			}
		}
	}
	return res, nil
}
