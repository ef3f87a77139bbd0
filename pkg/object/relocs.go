package object

import (
	stdelf "debug/elf"
	stdmacho "debug/macho"
	stdpe "debug/pe"
	"encoding/binary"

	"github.com/grafana/objfile/pkg/macho"
	"github.com/grafana/objfile/pkg/pe"
)

// relocType is one row of a format's relocation table. The same rows drive
// decoding and the writer's type selection.
type relocType struct {
	raw      uint32
	kind     RelocationKind
	encoding RelocationEncoding
	size     uint8
	addend   int64
}

func elfRelocTable(m stdelf.Machine) []relocType {
	switch m {
	case stdelf.EM_X86_64:
		return []relocType{
			{raw: uint32(stdelf.R_X86_64_64), kind: RelocAbsolute, size: 64},
			{raw: uint32(stdelf.R_X86_64_PC32), kind: RelocRelative, size: 32},
			{raw: uint32(stdelf.R_X86_64_GOT32), kind: RelocGot, size: 32},
			{raw: uint32(stdelf.R_X86_64_PLT32), kind: RelocPltRelative, size: 32},
			{raw: uint32(stdelf.R_X86_64_GOTPCREL), kind: RelocGotRelative, size: 32},
			{raw: uint32(stdelf.R_X86_64_32), kind: RelocAbsolute, size: 32},
			{raw: uint32(stdelf.R_X86_64_32S), kind: RelocAbsolute, encoding: EncodingX86Signed, size: 32},
			{raw: uint32(stdelf.R_X86_64_16), kind: RelocAbsolute, size: 16},
			{raw: uint32(stdelf.R_X86_64_PC16), kind: RelocRelative, size: 16},
			{raw: uint32(stdelf.R_X86_64_8), kind: RelocAbsolute, size: 8},
			{raw: uint32(stdelf.R_X86_64_PC8), kind: RelocRelative, size: 8},
			{raw: uint32(stdelf.R_X86_64_PC64), kind: RelocRelative, size: 64},
		}
	case stdelf.EM_386:
		return []relocType{
			{raw: uint32(stdelf.R_386_32), kind: RelocAbsolute, size: 32},
			{raw: uint32(stdelf.R_386_PC32), kind: RelocRelative, size: 32},
			{raw: uint32(stdelf.R_386_GOT32), kind: RelocGot, size: 32},
			{raw: uint32(stdelf.R_386_PLT32), kind: RelocPltRelative, size: 32},
			{raw: uint32(stdelf.R_386_GOTOFF), kind: RelocGotBaseOffset, size: 32},
			{raw: uint32(stdelf.R_386_GOTPC), kind: RelocGotBaseRelative, size: 32},
			{raw: uint32(stdelf.R_386_16), kind: RelocAbsolute, size: 16},
			{raw: uint32(stdelf.R_386_PC16), kind: RelocRelative, size: 16},
			{raw: uint32(stdelf.R_386_8), kind: RelocAbsolute, size: 8},
			{raw: uint32(stdelf.R_386_PC8), kind: RelocRelative, size: 8},
		}
	case stdelf.EM_AARCH64:
		return []relocType{
			{raw: uint32(stdelf.R_AARCH64_ABS64), kind: RelocAbsolute, size: 64},
			{raw: uint32(stdelf.R_AARCH64_ABS32), kind: RelocAbsolute, size: 32},
			{raw: uint32(stdelf.R_AARCH64_ABS16), kind: RelocAbsolute, size: 16},
			{raw: uint32(stdelf.R_AARCH64_PREL64), kind: RelocRelative, size: 64},
			{raw: uint32(stdelf.R_AARCH64_PREL32), kind: RelocRelative, size: 32},
			{raw: uint32(stdelf.R_AARCH64_PREL16), kind: RelocRelative, size: 16},
		}
	case stdelf.EM_ARM:
		return []relocType{
			{raw: uint32(stdelf.R_ARM_ABS32), kind: RelocAbsolute, size: 32},
			{raw: uint32(stdelf.R_ARM_REL32), kind: RelocRelative, size: 32},
		}
	case stdelf.EM_RISCV:
		return []relocType{
			{raw: uint32(stdelf.R_RISCV_64), kind: RelocAbsolute, size: 64},
			{raw: uint32(stdelf.R_RISCV_32), kind: RelocAbsolute, size: 32},
		}
	case stdelf.EM_PPC64:
		return []relocType{
			{raw: uint32(stdelf.R_PPC64_ADDR64), kind: RelocAbsolute, size: 64},
			{raw: uint32(stdelf.R_PPC64_ADDR32), kind: RelocAbsolute, size: 32},
			{raw: uint32(stdelf.R_PPC64_REL64), kind: RelocRelative, size: 64},
			{raw: uint32(stdelf.R_PPC64_REL32), kind: RelocRelative, size: 32},
		}
	case stdelf.EM_S390:
		return []relocType{
			{raw: uint32(stdelf.R_390_64), kind: RelocAbsolute, size: 64},
			{raw: uint32(stdelf.R_390_32), kind: RelocAbsolute, size: 32},
			{raw: uint32(stdelf.R_390_PC64), kind: RelocRelative, size: 64},
			{raw: uint32(stdelf.R_390_PC32), kind: RelocRelative, size: 32},
		}
	}
	return nil
}

func coffRelocTable(machine uint16) []relocType {
	switch machine {
	case stdpe.IMAGE_FILE_MACHINE_AMD64:
		return []relocType{
			{raw: pe.IMAGE_REL_AMD64_ADDR64, kind: RelocAbsolute, size: 64},
			{raw: pe.IMAGE_REL_AMD64_ADDR32, kind: RelocAbsolute, size: 32},
			{raw: pe.IMAGE_REL_AMD64_ADDR32NB, kind: RelocImageOffset, size: 32},
			{raw: pe.IMAGE_REL_AMD64_REL32, kind: RelocRelative, size: 32, addend: -4},
			{raw: pe.IMAGE_REL_AMD64_REL32_1, kind: RelocRelative, size: 32, addend: -5},
			{raw: pe.IMAGE_REL_AMD64_REL32_2, kind: RelocRelative, size: 32, addend: -6},
			{raw: pe.IMAGE_REL_AMD64_REL32_3, kind: RelocRelative, size: 32, addend: -7},
			{raw: pe.IMAGE_REL_AMD64_REL32_4, kind: RelocRelative, size: 32, addend: -8},
			{raw: pe.IMAGE_REL_AMD64_REL32_5, kind: RelocRelative, size: 32, addend: -9},
			{raw: pe.IMAGE_REL_AMD64_SECTION, kind: RelocSectionIndex, size: 16},
			{raw: pe.IMAGE_REL_AMD64_SECREL, kind: RelocSectionOffset, size: 32},
			{raw: pe.IMAGE_REL_AMD64_SECREL7, kind: RelocSectionOffset, size: 7},
		}
	case stdpe.IMAGE_FILE_MACHINE_I386:
		return []relocType{
			{raw: pe.IMAGE_REL_I386_DIR16, kind: RelocAbsolute, size: 16},
			{raw: pe.IMAGE_REL_I386_REL16, kind: RelocRelative, size: 16},
			{raw: pe.IMAGE_REL_I386_DIR32, kind: RelocAbsolute, size: 32},
			{raw: pe.IMAGE_REL_I386_DIR32NB, kind: RelocImageOffset, size: 32},
			{raw: pe.IMAGE_REL_I386_SECTION, kind: RelocSectionIndex, size: 16},
			{raw: pe.IMAGE_REL_I386_SECREL, kind: RelocSectionOffset, size: 32},
			{raw: pe.IMAGE_REL_I386_SECREL7, kind: RelocSectionOffset, size: 7},
			{raw: pe.IMAGE_REL_I386_REL32, kind: RelocRelative, size: 32, addend: -4},
		}
	case stdpe.IMAGE_FILE_MACHINE_ARMNT, stdpe.IMAGE_FILE_MACHINE_ARM:
		return []relocType{
			{raw: pe.IMAGE_REL_ARM_ADDR32, kind: RelocAbsolute, size: 32},
			{raw: pe.IMAGE_REL_ARM_ADDR32NB, kind: RelocImageOffset, size: 32},
			{raw: pe.IMAGE_REL_ARM_REL32, kind: RelocRelative, size: 32, addend: -4},
			{raw: pe.IMAGE_REL_ARM_SECTION, kind: RelocSectionIndex, size: 16},
			{raw: pe.IMAGE_REL_ARM_SECREL, kind: RelocSectionOffset, size: 32},
		}
	case stdpe.IMAGE_FILE_MACHINE_ARM64:
		return []relocType{
			{raw: pe.IMAGE_REL_ARM64_ADDR64, kind: RelocAbsolute, size: 64},
			{raw: pe.IMAGE_REL_ARM64_ADDR32, kind: RelocAbsolute, size: 32},
			{raw: pe.IMAGE_REL_ARM64_ADDR32NB, kind: RelocImageOffset, size: 32},
			{raw: pe.IMAGE_REL_ARM64_REL32, kind: RelocRelative, size: 32, addend: -4},
			{raw: pe.IMAGE_REL_ARM64_SECTION, kind: RelocSectionIndex, size: 16},
			{raw: pe.IMAGE_REL_ARM64_SECREL, kind: RelocSectionOffset, size: 32},
		}
	}
	return nil
}

func lookupRaw(table []relocType, raw uint32) (relocType, bool) {
	for _, t := range table {
		if t.raw == raw {
			return t, true
		}
	}
	return relocType{raw: raw}, false
}

// ELFRelocationType returns the relocation type that encodes kind at size
// bits for machine.
func ELFRelocationType(m stdelf.Machine, kind RelocationKind, encoding RelocationEncoding, size uint8) (uint32, bool) {
	for _, t := range elfRelocTable(m) {
		if t.kind == kind && t.encoding == encoding && t.size == size {
			return t.raw, true
		}
	}
	return 0, false
}

// ELFUsesRela reports whether relocations for machine carry explicit
// addends. Machines using SHT_REL store the addend in the relocated field.
func ELFUsesRela(m stdelf.Machine) bool {
	switch m {
	case stdelf.EM_386, stdelf.EM_ARM, stdelf.EM_MIPS:
		return false
	}
	return true
}

// Relocations returns the relocations applied to the section with the given
// index. Unrecognised types are returned as RelocFormatSpecific with the raw
// type preserved.
func (f *File) Relocations(index int) ([]Relocation, error) {
	switch f.kind {
	case KindELF:
		return f.elfRelocations(index)
	case KindMachO:
		if index < 1 || index > len(f.macho.Sections) {
			return nil, nil
		}
		rels, err := f.macho.Relocations(index - 1)
		if err != nil {
			return nil, f.tolerate("relocations", err)
		}
		return machoRelocations(f.macho.Cpu, rels), nil
	case KindPE, KindCOFF:
		if index < 1 || index > len(f.pe.Sections) {
			return nil, nil
		}
		rels, err := f.pe.Relocations(index - 1)
		if err != nil {
			return nil, f.tolerate("relocations", err)
		}
		table := coffRelocTable(f.pe.Machine)
		res := make([]Relocation, 0, len(rels))
		for _, r := range rels {
			t, _ := lookupRaw(table, uint32(r.Type))
			res = append(res, Relocation{
				Offset: uint64(r.VirtualAddress), Kind: t.kind, Encoding: t.encoding, Size: t.size,
				TargetKind: TargetSymbol, Target: int(r.SymbolTableIndex),
				Addend: t.addend, ImplicitAddend: true, Raw: uint32(r.Type),
			})
		}
		return res, nil
	}
	return nil, nil
}

// elfRelocations reads SHT_REL addends out of the relocated section so both
// table flavours report the full addend.
func (f *File) elfRelocations(index int) ([]Relocation, error) {
	if index <= 0 || index >= len(f.elf.Sections) {
		return nil, nil
	}
	rels, err := f.elf.Relocations(index)
	if err != nil {
		return nil, f.tolerate("relocations", err)
	}
	if len(rels) == 0 {
		return nil, nil
	}
	table := elfRelocTable(f.elf.Machine)
	var data []byte
	res := make([]Relocation, 0, len(rels))
	for _, r := range rels {
		t, _ := lookupRaw(table, r.Type)
		rel := Relocation{
			Offset: r.Offset, Kind: t.kind, Encoding: t.encoding, Size: t.size,
			TargetKind: TargetSymbol, Target: int(r.Sym), Addend: r.Addend, Raw: r.Type,
		}
		if r.Sym == 0 {
			rel.TargetKind = TargetAbsolute
		}
		if !r.HasAddend {
			rel.ImplicitAddend = true
			if data == nil {
				data, err = f.elf.SectionData(&f.elf.Sections[index])
				if err != nil {
					return nil, f.tolerate("relocated section", err)
				}
			}
			rel.Addend = implicitAddend(data, r.Offset, t.size, f.elf.ByteOrder())
		}
		res = append(res, rel)
	}
	return res, nil
}

func implicitAddend(data []byte, off uint64, bits uint8, order binary.ByteOrder) int64 {
	n := uint64(bits) / 8
	if n == 0 || off+n > uint64(len(data)) || off+n < off {
		return 0
	}
	b := data[off:]
	switch bits {
	case 8:
		return int64(int8(b[0]))
	case 16:
		return int64(int16(order.Uint16(b)))
	case 32:
		return int64(int32(order.Uint32(b)))
	case 64:
		return int64(order.Uint64(b))
	}
	return 0
}

func machoRelocations(cpu stdmacho.Cpu, rels []macho.Reloc) []Relocation {
	res := make([]Relocation, 0, len(rels))
	for _, r := range rels {
		if r.Scattered {
			continue
		}
		kind, encoding := machoRelocKind(cpu, r)
		rel := Relocation{
			Offset: uint64(r.Addr), Kind: kind, Encoding: encoding, Size: 8 * r.Size(),
			TargetKind: TargetSection, Target: int(r.Symnum), ImplicitAddend: true, Raw: uint32(r.Type),
		}
		if r.Extern {
			rel.TargetKind = TargetSymbol
		}
		if r.Pcrel && (cpu == stdmacho.CpuAmd64 || cpu == stdmacho.Cpu386) {
			rel.Addend = -int64(r.Size())
		}
		res = append(res, rel)
	}
	return res
}

func machoRelocKind(cpu stdmacho.Cpu, r macho.Reloc) (RelocationKind, RelocationEncoding) {
	switch cpu {
	case stdmacho.CpuAmd64:
		switch stdmacho.RelocTypeX86_64(r.Type) {
		case stdmacho.X86_64_RELOC_UNSIGNED:
			if !r.Pcrel {
				return RelocAbsolute, EncodingGeneric
			}
		case stdmacho.X86_64_RELOC_SIGNED:
			if r.Pcrel {
				return RelocRelative, EncodingX86RipRelative
			}
		case stdmacho.X86_64_RELOC_BRANCH:
			if r.Pcrel {
				return RelocRelative, EncodingX86Branch
			}
		case stdmacho.X86_64_RELOC_GOT:
			if r.Pcrel {
				return RelocGotRelative, EncodingGeneric
			}
		case stdmacho.X86_64_RELOC_GOT_LOAD:
			if r.Pcrel {
				return RelocGotRelative, EncodingX86RipRelativeMovq
			}
		}
	case stdmacho.CpuArm64:
		if stdmacho.RelocTypeARM64(r.Type) == stdmacho.ARM64_RELOC_UNSIGNED && !r.Pcrel {
			return RelocAbsolute, EncodingGeneric
		}
	case stdmacho.Cpu386:
		if stdmacho.RelocTypeGeneric(r.Type) == stdmacho.GENERIC_RELOC_VANILLA {
			if r.Pcrel {
				return RelocRelative, EncodingGeneric
			}
			return RelocAbsolute, EncodingGeneric
		}
	case stdmacho.CpuArm:
		if stdmacho.RelocTypeARM(r.Type) == stdmacho.ARM_RELOC_VANILLA {
			if r.Pcrel {
				return RelocRelative, EncodingGeneric
			}
			return RelocAbsolute, EncodingGeneric
		}
	}
	return RelocFormatSpecific, EncodingGeneric
}
