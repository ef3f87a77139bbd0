package elf

import (
	"debug/elf"
	"encoding/binary"
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	data    []byte
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// buildELF assembles a minimal ELF file: header, section contents, a
// .shstrtab and the section header table. A null section is prepended.
func buildELF(class elf.Class, order binary.ByteOrder, typ elf.Type, machine elf.Machine, sections []testSection) []byte {
	is64 := class == elf.ELFCLASS64
	ehsize, shentsize := 52, 40
	if is64 {
		ehsize, shentsize = 64, 64
	}
	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections)+1)
	for i, s := range sections {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.name...), 0)
	}
	nameOff[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	all := append(append([]testSection(nil), sections...), testSection{typ: elf.SHT_STRTAB, data: shstrtab})

	buf := make([]byte, ehsize)
	offsets := make([]uint64, len(all))
	for i, s := range all {
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
		offsets[i] = uint64(len(buf))
		if s.typ != elf.SHT_NOBITS {
			buf = append(buf, s.data...)
		}
	}
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	shoff := uint64(len(buf))
	buf = append(buf, make([]byte, shentsize)...) // null section
	for i, s := range all {
		sh := make([]byte, shentsize)
		size := uint64(len(s.data))
		if is64 {
			order.PutUint32(sh[0:], nameOff[i])
			order.PutUint32(sh[4:], uint32(s.typ))
			order.PutUint64(sh[8:], uint64(s.flags))
			order.PutUint64(sh[16:], s.addr)
			order.PutUint64(sh[24:], offsets[i])
			order.PutUint64(sh[32:], size)
			order.PutUint32(sh[40:], s.link)
			order.PutUint32(sh[44:], s.info)
			order.PutUint64(sh[48:], s.align)
			order.PutUint64(sh[56:], s.entsize)
		} else {
			order.PutUint32(sh[0:], nameOff[i])
			order.PutUint32(sh[4:], uint32(s.typ))
			order.PutUint32(sh[8:], uint32(s.flags))
			order.PutUint32(sh[12:], uint32(s.addr))
			order.PutUint32(sh[16:], uint32(offsets[i]))
			order.PutUint32(sh[20:], uint32(size))
			order.PutUint32(sh[24:], s.link)
			order.PutUint32(sh[28:], s.info)
			order.PutUint32(sh[32:], uint32(s.align))
			order.PutUint32(sh[36:], uint32(s.entsize))
		}
		buf = append(buf, sh...)
	}

	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(class)
	if order == binary.ByteOrder(binary.BigEndian) {
		buf[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	} else {
		buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	order.PutUint16(buf[16:], uint16(typ))
	order.PutUint16(buf[18:], uint16(machine))
	order.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	shnum := uint16(len(all) + 1)
	if is64 {
		order.PutUint64(buf[40:], shoff)
		order.PutUint16(buf[52:], uint16(ehsize))
		order.PutUint16(buf[58:], uint16(shentsize))
		order.PutUint16(buf[60:], shnum)
		order.PutUint16(buf[62:], shnum-1)
	} else {
		order.PutUint32(buf[32:], uint32(shoff))
		order.PutUint16(buf[40:], uint16(ehsize))
		order.PutUint16(buf[46:], uint16(shentsize))
		order.PutUint16(buf[48:], shnum)
		order.PutUint16(buf[50:], shnum-1)
	}
	return buf
}

func sym64(order binary.ByteOrder, name uint32, info, other uint8, shndx uint16, value, size uint64) []byte {
	b := make([]byte, 24)
	order.PutUint32(b, name)
	b[4], b[5] = info, other
	order.PutUint16(b[6:], shndx)
	order.PutUint64(b[8:], value)
	order.PutUint64(b[16:], size)
	return b
}

func rela64(order binary.ByteOrder, off uint64, sym, typ uint32, addend int64) []byte {
	b := make([]byte, 24)
	order.PutUint64(b, off)
	order.PutUint64(b[8:], elf.R_INFO(sym, typ))
	order.PutUint64(b[16:], uint64(addend))
	return b
}

func note(order binary.ByteOrder, name string, typ uint32, desc []byte) []byte {
	n := append([]byte(name), 0)
	b := make([]byte, 12)
	order.PutUint32(b, uint32(len(n)))
	order.PutUint32(b[4:], uint32(len(desc)))
	order.PutUint32(b[8:], typ)
	b = append(b, n...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	b = append(b, desc...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
