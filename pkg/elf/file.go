// Package elf parses ELF files in place. Headers and the section and program
// header tables are decoded by Parse; every other table is decoded on demand
// from the borrowed input.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pod"
)

const (
	headerSize32 = 52
	headerSize64 = 64
)

// FileHeader is the decoded ELF file header.
type FileHeader struct {
	Class      elf.Class
	Data       elf.Data
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Entry      uint64
	Flags      uint32
	// ShStrNdx is the resolved section name table index.
	ShStrNdx uint32
}

// SectionHeader is a section header with its resolved name.
type SectionHeader struct {
	Name      string
	NameOff   uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// ProgHeader is a program header.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// File is a parsed ELF image. It is immutable after Parse.
type File struct {
	FileHeader
	Sections []SectionHeader
	Progs    []ProgHeader

	data  binread.Data
	order binary.ByteOrder
	width pod.Width
}

// Parse validates the ELF header and decodes the section and program header
// tables of data.
func Parse(data []byte) (*File, error) {
	d := binread.Data(data)
	ident, err := d.Bytes(0, elf.EI_NIDENT)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "elf ident")
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, objerr.New(objerr.InvalidHeader, "bad elf magic %x", ident[:4])
	}
	f := &File{data: d}
	f.Class = elf.Class(ident[elf.EI_CLASS])
	switch f.Class {
	case elf.ELFCLASS32:
		f.width = pod.Width32
	case elf.ELFCLASS64:
		f.width = pod.Width64
	default:
		return nil, objerr.New(objerr.InvalidHeader, "unknown elf class %v", f.Class)
	}
	f.Data = elf.Data(ident[elf.EI_DATA])
	switch f.Data {
	case elf.ELFDATA2LSB:
		f.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.order = binary.BigEndian
	default:
		return nil, objerr.New(objerr.InvalidHeader, "unknown elf data encoding %v", f.Data)
	}
	if v := elf.Version(ident[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return nil, objerr.New(objerr.InvalidHeader, "unknown elf version %v", v)
	}
	f.OSABI = elf.OSABI(ident[elf.EI_OSABI])
	f.ABIVersion = ident[elf.EI_ABIVERSION]

	var (
		phoff, shoff                 uint64
		phentsize, phnum             uint16
		shentsize, shnum, shstrndx   uint16
		wantShentsize, wantPhentsize uint16
	)
	if f.width.Is64() {
		hdr, err := pod.Read[elf.Header64](d, 0, f.order)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidHeader, err, "elf64 header")
		}
		f.Type, f.Machine, f.Entry, f.Flags = elf.Type(hdr.Type), elf.Machine(hdr.Machine), hdr.Entry, hdr.Flags
		phoff, shoff = hdr.Phoff, hdr.Shoff
		phentsize, phnum = hdr.Phentsize, hdr.Phnum
		shentsize, shnum, shstrndx = hdr.Shentsize, hdr.Shnum, hdr.Shstrndx
		wantShentsize, wantPhentsize = 64, 56
	} else {
		hdr, err := pod.Read[elf.Header32](d, 0, f.order)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidHeader, err, "elf32 header")
		}
		f.Type, f.Machine, f.Entry, f.Flags = elf.Type(hdr.Type), elf.Machine(hdr.Machine), uint64(hdr.Entry), hdr.Flags
		phoff, shoff = uint64(hdr.Phoff), uint64(hdr.Shoff)
		phentsize, phnum = hdr.Phentsize, hdr.Phnum
		shentsize, shnum, shstrndx = hdr.Shentsize, hdr.Shnum, hdr.Shstrndx
		wantShentsize, wantPhentsize = 40, 32
	}

	if phnum > 0 {
		if phentsize != wantPhentsize {
			return nil, objerr.New(objerr.InvalidHeader, "program header entry size %d, want %d", phentsize, wantPhentsize)
		}
		if f.Progs, err = f.readProgs(phoff, uint64(phnum)); err != nil {
			return nil, err
		}
	}

	if shoff == 0 {
		return f, nil
	}
	if shentsize != wantShentsize {
		return nil, objerr.New(objerr.InvalidHeader, "section header entry size %d, want %d", shentsize, wantShentsize)
	}
	count := uint64(shnum)
	f.ShStrNdx = uint32(shstrndx)
	if shnum == 0 || shstrndx == uint16(elf.SHN_XINDEX) {
		// Extended numbering lives in the first section header.
		first, err := f.readSections(shoff, 1)
		if err != nil {
			return nil, err
		}
		if shnum == 0 {
			count = first[0].Size
		}
		if shstrndx == uint16(elf.SHN_XINDEX) {
			f.ShStrNdx = first[0].Link
		}
	}
	if f.Sections, err = f.readSections(shoff, count); err != nil {
		return nil, err
	}
	if err := f.resolveSectionNames(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) readProgs(off, count uint64) ([]ProgHeader, error) {
	progs := make([]ProgHeader, 0, count)
	if f.width.Is64() {
		raw, err := pod.ReadSlice[elf.Prog64](f.data, off, count, f.order)
		if err != nil {
			return nil, err
		}
		for _, p := range raw {
			progs = append(progs, ProgHeader{
				Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
				Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
				Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
			})
		}
		return progs, nil
	}
	raw, err := pod.ReadSlice[elf.Prog32](f.data, off, count, f.order)
	if err != nil {
		return nil, err
	}
	for _, p := range raw {
		progs = append(progs, ProgHeader{
			Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
			Off: uint64(p.Off), Vaddr: uint64(p.Vaddr), Paddr: uint64(p.Paddr),
			Filesz: uint64(p.Filesz), Memsz: uint64(p.Memsz), Align: uint64(p.Align),
		})
	}
	return progs, nil
}

func (f *File) readSections(off, count uint64) ([]SectionHeader, error) {
	if count == 0 {
		return nil, nil
	}
	sections := make([]SectionHeader, 0, min(count, f.data.Len()/40))
	if f.width.Is64() {
		raw, err := pod.ReadSlice[elf.Section64](f.data, off, count, f.order)
		if err != nil {
			return nil, err
		}
		for _, s := range raw {
			sections = append(sections, SectionHeader{
				NameOff: s.Name, Type: elf.SectionType(s.Type), Flags: elf.SectionFlag(s.Flags),
				Addr: s.Addr, Offset: s.Off, Size: s.Size, Link: s.Link, Info: s.Info,
				Addralign: s.Addralign, Entsize: s.Entsize,
			})
		}
		return sections, nil
	}
	raw, err := pod.ReadSlice[elf.Section32](f.data, off, count, f.order)
	if err != nil {
		return nil, err
	}
	for _, s := range raw {
		sections = append(sections, SectionHeader{
			NameOff: s.Name, Type: elf.SectionType(s.Type), Flags: elf.SectionFlag(s.Flags),
			Addr: uint64(s.Addr), Offset: uint64(s.Off), Size: uint64(s.Size), Link: s.Link, Info: s.Info,
			Addralign: uint64(s.Addralign), Entsize: uint64(s.Entsize),
		})
	}
	return sections, nil
}

// resolveSectionNames fills in Name from the section name table. A missing or
// unreadable name table leaves the names empty.
func (f *File) resolveSectionNames() error {
	if f.ShStrNdx == uint32(elf.SHN_UNDEF) || int(f.ShStrNdx) >= len(f.Sections) {
		return nil
	}
	strtab, err := f.stringTable(f.ShStrNdx)
	if err != nil {
		return err
	}
	for i := range f.Sections {
		name, err := strtab.String(uint64(f.Sections[i].NameOff))
		if err != nil {
			continue
		}
		f.Sections[i].Name = name
	}
	return nil
}

func (f *File) ByteOrder() binary.ByteOrder { return f.order }
func (f *File) Width() pod.Width            { return f.width }
func (f *File) Is64() bool                  { return f.width.Is64() }

// Bytes returns the whole input.
func (f *File) Bytes() []byte { return f.data }

// Section returns the first section with the given name.
func (f *File) Section(name string) *SectionHeader {
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionIndex returns the index of the first section with the given name, or -1.
func (f *File) SectionIndex(name string) int {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return i
		}
	}
	return -1
}

func (f *File) sectionByType(typ elf.SectionType) (int, *SectionHeader) {
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Type == typ {
			return i, s
		}
	}
	return -1, nil
}

// SectionData returns the file bytes of s. SHT_NOBITS sections have none.
func (f *File) SectionData(s *SectionHeader) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
		return nil, nil
	}
	return f.data.Bytes(s.Offset, s.Size)
}

// tableData returns the bytes of an optional table section. Offsets and sizes
// reaching past the input are clamped to it.
func (f *File) tableData(s *SectionHeader) binread.Data {
	if s.Type == elf.SHT_NOBITS {
		return nil
	}
	return f.data.Clamp(s.Offset, s.Size)
}

func (f *File) stringTable(idx uint32) (binread.StringTable, error) {
	if int(idx) >= len(f.Sections) {
		return binread.StringTable{}, objerr.New(objerr.InvalidTable, "string table index %d out of range", idx)
	}
	s := &f.Sections[idx]
	if s.Type != elf.SHT_STRTAB {
		return binread.StringTable{}, objerr.New(objerr.InvalidTable, "section %d is %v, not a string table", idx, s.Type)
	}
	return binread.NewStringTable(f.tableData(s)), nil
}

// SegmentData returns the file bytes backing a program header.
func (f *File) SegmentData(p *ProgHeader) ([]byte, error) {
	return f.data.Bytes(p.Off, p.Filesz)
}
