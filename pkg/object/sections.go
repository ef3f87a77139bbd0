package object

import (
	stdelf "debug/elf"
	stdpe "debug/pe"
	"strings"

	"github.com/samber/lo"

	"github.com/grafana/objfile/pkg/elf"
	"github.com/grafana/objfile/pkg/macho"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pe"
	"github.com/grafana/objfile/pkg/wasm"
)

// Sections lists the sections in file order. Indices follow each format's
// own numbering: ELF includes the null section at 0, Mach-O and COFF count
// from 1, Wasm counts every section including custom ones from 0.
func (f *File) Sections() []Section {
	switch f.kind {
	case KindELF:
		return lo.Map(f.elf.Sections, func(s elf.SectionHeader, i int) Section { return elfSection(i, &s) })
	case KindMachO:
		return lo.Map(f.macho.Sections, func(s macho.Section, i int) Section { return machoSection(i+1, &s) })
	case KindPE, KindCOFF:
		return lo.Map(f.pe.Sections, func(s pe.Section, i int) Section { return f.peSection(i+1, &s) })
	case KindWasm:
		return lo.Map(f.wasm.Sections, func(s wasm.Section, i int) Section { return wasmSection(i, &s) })
	}
	return nil
}

// SectionByName returns the first section with the given name. Mach-O
// sections may also be named "SEGMENT,section".
func (f *File) SectionByName(name string) (Section, bool) {
	switch f.kind {
	case KindELF:
		if i := f.elf.SectionIndex(name); i >= 0 {
			return elfSection(i, &f.elf.Sections[i]), true
		}
	case KindMachO:
		if s := f.macho.Section(name); s != nil {
			return machoSection(indexOf(f.macho.Sections, s)+1, s), true
		}
	case KindPE, KindCOFF:
		if s := f.pe.Section(name); s != nil {
			return f.peSection(indexOf(f.pe.Sections, s)+1, s), true
		}
	case KindWasm:
		if s := f.wasm.Section(name); s != nil {
			return wasmSection(indexOf(f.wasm.Sections, s), s), true
		}
	}
	return Section{}, false
}

func indexOf[T any](s []T, p *T) int {
	for i := range s {
		if &s[i] == p {
			return i
		}
	}
	return -1
}

// SectionData returns the file bytes of section index. Sections without
// file data return nil.
func (f *File) SectionData(index int) ([]byte, error) {
	switch f.kind {
	case KindELF:
		if index >= 0 && index < len(f.elf.Sections) {
			return f.elf.SectionData(&f.elf.Sections[index])
		}
	case KindMachO:
		if index >= 1 && index <= len(f.macho.Sections) {
			return f.macho.SectionData(&f.macho.Sections[index-1])
		}
	case KindPE, KindCOFF:
		if index >= 1 && index <= len(f.pe.Sections) {
			return f.pe.SectionData(&f.pe.Sections[index-1])
		}
	case KindWasm:
		if index >= 0 && index < len(f.wasm.Sections) {
			return f.wasm.SectionData(&f.wasm.Sections[index])
		}
	}
	return nil, objerr.New(objerr.OutOfBounds, "%s has no section %d", f.kind, index)
}

// UncompressedSectionData is SectionData with ELF compressed sections
// inflated.
func (f *File) UncompressedSectionData(index int) ([]byte, error) {
	if f.kind == KindELF && index >= 0 && index < len(f.elf.Sections) {
		return f.elf.UncompressedSectionData(&f.elf.Sections[index])
	}
	return f.SectionData(index)
}

// Segments lists the loadable segments: ELF PT_LOAD entries, Mach-O
// segments, and the sections of PE images.
func (f *File) Segments() []Segment {
	switch f.kind {
	case KindELF:
		var res []Segment
		for _, p := range f.elf.Progs {
			if p.Type != stdelf.PT_LOAD {
				continue
			}
			res = append(res, Segment{
				Address: p.Vaddr, Size: p.Memsz, Align: p.Align,
				FileOffset: p.Off, FileSize: p.Filesz,
			})
		}
		return res
	case KindMachO:
		return lo.Map(f.macho.Segments, func(s macho.Segment, _ int) Segment {
			return Segment{
				Name: s.Name, Address: s.Addr, Size: s.Memsz, Align: 0x1000,
				FileOffset: s.Offset, FileSize: s.Filesz,
			}
		})
	case KindPE:
		return lo.Map(f.pe.Sections, func(s pe.Section, _ int) Segment {
			return Segment{
				Name: s.Name, Address: f.pe.ImageBase() + uint64(s.VirtualAddress),
				Size: uint64(s.VirtualSize), Align: uint64(f.pe.Optional.SectionAlignment),
				FileOffset: uint64(s.PointerToRawData), FileSize: uint64(s.SizeOfRawData),
			}
		})
	}
	return nil
}

func elfSection(i int, s *elf.SectionHeader) Section {
	sec := Section{
		Index: i, Name: s.Name, Address: s.Addr, Size: s.Size, Align: s.Addralign,
		FileOffset: s.Offset, Kind: elfSectionKind(s), Flags: uint64(s.Flags),
	}
	if s.Type != stdelf.SHT_NOBITS && s.Type != stdelf.SHT_NULL {
		sec.FileSize = s.Size
	}
	return sec
}

func elfSectionKind(s *elf.SectionHeader) SectionKind {
	flags := s.Flags
	switch s.Type {
	case stdelf.SHT_PROGBITS:
		switch {
		case flags&stdelf.SHF_ALLOC == 0:
			if strings.HasPrefix(s.Name, ".debug") || strings.HasPrefix(s.Name, ".zdebug") {
				return SectionDebug
			}
			if flags&stdelf.SHF_STRINGS != 0 {
				return SectionOtherString
			}
			return SectionOther
		case flags&stdelf.SHF_EXECINSTR != 0:
			return SectionText
		case flags&stdelf.SHF_TLS != 0:
			return SectionTls
		case flags&stdelf.SHF_WRITE != 0:
			return SectionData
		case flags&stdelf.SHF_STRINGS != 0:
			return SectionReadOnlyString
		}
		return SectionReadOnlyData
	case stdelf.SHT_NOBITS:
		if flags&stdelf.SHF_TLS != 0 {
			return SectionUninitializedTls
		}
		return SectionUninitializedData
	case stdelf.SHT_NOTE:
		return SectionOther
	case stdelf.SHT_NULL, stdelf.SHT_SYMTAB, stdelf.SHT_STRTAB, stdelf.SHT_RELA, stdelf.SHT_HASH,
		stdelf.SHT_DYNAMIC, stdelf.SHT_REL, stdelf.SHT_DYNSYM, stdelf.SHT_GROUP, stdelf.SHT_SYMTAB_SHNDX,
		stdelf.SHT_GNU_HASH, stdelf.SHT_GNU_VERSYM, stdelf.SHT_GNU_VERDEF, stdelf.SHT_GNU_VERNEED:
		return SectionMetadata
	}
	return SectionUnknown
}

func machoSection(i int, s *macho.Section) Section {
	sec := Section{
		Index: i, Name: s.Name, Segment: s.Seg, Address: s.Addr, Size: s.Size,
		Align: 1 << s.Align, FileOffset: uint64(s.Offset), Kind: machoSectionKind(s), Flags: uint64(s.Flags),
	}
	if !s.Zerofill() {
		sec.FileSize = s.Size
	}
	return sec
}

func machoSectionKind(s *macho.Section) SectionKind {
	switch [2]string{s.Seg, s.Name} {
	case [2]string{"__TEXT", "__text"}:
		return SectionText
	case [2]string{"__TEXT", "__const"}, [2]string{"__TEXT", "__eh_frame"},
		[2]string{"__TEXT", "__gcc_except_tab"}, [2]string{"__DATA", "__const"}:
		return SectionReadOnlyData
	case [2]string{"__TEXT", "__cstring"}:
		return SectionReadOnlyString
	case [2]string{"__DATA", "__data"}:
		return SectionData
	case [2]string{"__DATA", "__bss"}:
		return SectionUninitializedData
	case [2]string{"__DATA", "__common"}:
		return SectionCommon
	}
	if s.Seg == "__DWARF" {
		return SectionDebug
	}
	switch s.Type() {
	case macho.SectionThreadRegular:
		return SectionTls
	case macho.SectionThreadZerofill:
		return SectionUninitializedTls
	case macho.SectionThreadVariables:
		return SectionTlsVariables
	case macho.SectionZerofill, macho.SectionGBZerofill:
		return SectionUninitializedData
	case macho.SectionTypeCStrings:
		return SectionReadOnlyString
	}
	if s.Flags&macho.SectionAttrDebug != 0 {
		return SectionDebug
	}
	if s.Flags&macho.SectionAttrPureInstr != 0 {
		return SectionText
	}
	return SectionUnknown
}

func (f *File) peSection(i int, s *pe.Section) Section {
	sec := Section{
		Index: i, Name: s.Name, FileOffset: uint64(s.PointerToRawData), FileSize: uint64(s.SizeOfRawData),
		Size: uint64(s.SizeOfRawData), Kind: peSectionKind(s), Flags: uint64(s.Characteristics),
	}
	if s.PointerToRawData == 0 {
		sec.FileSize = 0
	}
	if f.pe.IsImage() {
		sec.Address = f.pe.ImageBase() + uint64(s.VirtualAddress)
		if s.VirtualSize != 0 {
			sec.Size = uint64(s.VirtualSize)
		}
		sec.Align = uint64(f.pe.Optional.SectionAlignment)
	} else {
		sec.Address = uint64(s.VirtualAddress)
		sec.Align = s.Align()
	}
	return sec
}

func peSectionKind(s *pe.Section) SectionKind {
	c := s.Characteristics
	switch {
	case c&(stdpe.IMAGE_SCN_CNT_CODE|stdpe.IMAGE_SCN_MEM_EXECUTE) != 0:
		return SectionText
	case c&stdpe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0:
		if strings.HasPrefix(s.Name, ".debug") {
			return SectionDebug
		}
		if c&stdpe.IMAGE_SCN_MEM_DISCARDABLE != 0 {
			return SectionOther
		}
		if c&stdpe.IMAGE_SCN_MEM_WRITE != 0 {
			return SectionData
		}
		return SectionReadOnlyData
	case c&stdpe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
		return SectionUninitializedData
	case c&pe.IMAGE_SCN_LNK_INFO != 0:
		return SectionLinker
	}
	return SectionUnknown
}

func wasmSection(i int, s *wasm.Section) Section {
	kind := SectionUnknown
	if s.ID == wasm.SectionCustom && strings.HasPrefix(s.Name, ".debug_") {
		kind = SectionDebug
	}
	return Section{
		Index: i, Name: s.Name, Size: s.Size, Align: 1,
		FileOffset: s.Offset, FileSize: s.Size, Kind: kind,
	}
}
