// Package pe parses PE images and COFF object files in place.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"strconv"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pod"
)

var le = binary.LittleEndian

// OptionalHeader holds the fields of the 32 and 64-bit optional headers the
// rest of the package needs.
type OptionalHeader struct {
	Magic               uint16
	AddressOfEntryPoint uint32
	BaseOfCode          uint32
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	Subsystem           uint16
	DllCharacteristics  uint16
	DataDirectory       []pe.DataDirectory
}

// Section is a section header with its resolved name.
type Section struct {
	Name                 string
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	NumberOfRelocations  uint16
	Characteristics      uint32
}

// Align returns the alignment encoded in the characteristics of an object
// file section, or 0.
func (s *Section) Align() uint64 {
	a := (s.Characteristics & IMAGE_SCN_ALIGN_MASK) >> IMAGE_SCN_ALIGN_SHIFT
	if a == 0 {
		return 0
	}
	return 1 << (a - 1)
}

// File is a parsed PE image or COFF object. It is immutable after parsing.
type File struct {
	pe.FileHeader
	// Optional is nil for COFF objects.
	Optional *OptionalHeader
	Sections []Section
	// NTHeaderOffset is e_lfanew for images.
	NTHeaderOffset uint32

	data    binread.Data
	strtab  binread.Data
	symbols binread.Data
}

// Parse parses a PE image starting with an MZ header.
func Parse(data []byte) (*File, error) {
	d := binread.Data(data)
	dos, err := d.Bytes(0, dosHeaderSize)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "dos header")
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return nil, objerr.New(objerr.InvalidHeader, "bad dos magic %x", dos[:2])
	}
	lfanew := le.Uint32(dos[0x3c:])
	sig, err := d.Bytes(uint64(lfanew), 4)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "nt headers")
	}
	if string(sig) != peSignature {
		return nil, objerr.New(objerr.InvalidHeader, "bad pe signature %q", sig)
	}
	f, err := parseCOFF(d, uint64(lfanew)+4)
	if err != nil {
		return nil, err
	}
	f.NTHeaderOffset = lfanew
	if f.SizeOfOptionalHeader == 0 {
		return nil, objerr.New(objerr.InvalidHeader, "pe image without optional header")
	}
	if f.Optional, err = parseOptionalHeader(d, uint64(lfanew)+4+fileHeaderSize, uint64(f.SizeOfOptionalHeader)); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseCOFF parses a COFF object file, which starts directly with the file
// header.
func ParseCOFF(data []byte) (*File, error) {
	f, err := parseCOFF(binread.Data(data), 0)
	if err != nil {
		return nil, err
	}
	if f.SizeOfOptionalHeader != 0 {
		opt, err := parseOptionalHeader(f.data, fileHeaderSize, uint64(f.SizeOfOptionalHeader))
		if err == nil {
			f.Optional = opt
		}
	}
	return f, nil
}

// IsCOFFMachine reports whether machine is one COFF objects are detected by.
func IsCOFFMachine(machine uint16) bool {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386, pe.IMAGE_FILE_MACHINE_AMD64,
		pe.IMAGE_FILE_MACHINE_ARMNT, pe.IMAGE_FILE_MACHINE_ARM64:
		return true
	}
	return false
}

func parseCOFF(d binread.Data, off uint64) (*File, error) {
	fh, err := pod.Read[pe.FileHeader](d, off, le)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "coff file header")
	}
	if fh.Machine == 0 && fh.NumberOfSections == 0xffff {
		return nil, objerr.New(objerr.UnsupportedFeature, "anonymous or bigobj coff header")
	}
	f := &File{FileHeader: fh, data: d}

	if fh.PointerToSymbolTable != 0 {
		symOff := uint64(fh.PointerToSymbolTable)
		syms, err := d.Table(symOff, uint64(fh.NumberOfSymbols), symbolSize)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "coff symbol table")
		}
		f.symbols = syms
		// The string table follows the symbols and its length includes
		// itself. Lookups past its end fail one by one.
		strOff := symOff + uint64(len(syms))
		n, err := d.Uint32(strOff, le)
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "coff string table")
		}
		if n >= 4 {
			f.strtab = d.Clamp(strOff, uint64(n))
		}
	}

	shOff := off + fileHeaderSize + uint64(fh.SizeOfOptionalHeader)
	raw, err := pod.ReadSlice[pe.SectionHeader32](d, shOff, uint64(fh.NumberOfSections), le)
	if err != nil {
		return nil, err
	}
	f.Sections = make([]Section, len(raw))
	for i, sh := range raw {
		f.Sections[i] = Section{
			Name:                 f.sectionName(sh.Name),
			VirtualSize:          sh.VirtualSize,
			VirtualAddress:       sh.VirtualAddress,
			SizeOfRawData:        sh.SizeOfRawData,
			PointerToRawData:     sh.PointerToRawData,
			PointerToRelocations: sh.PointerToRelocations,
			NumberOfRelocations:  sh.NumberOfRelocations,
			Characteristics:      sh.Characteristics,
		}
	}
	return f, nil
}

func parseOptionalHeader(d binread.Data, off, size uint64) (*OptionalHeader, error) {
	raw, err := d.Bytes(off, size)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "optional header")
	}
	if len(raw) < 2 {
		return nil, objerr.New(objerr.InvalidHeader, "optional header of %d bytes", len(raw))
	}
	// Decode into a zero padded copy so that short headers with fewer data
	// directories decode like full ones.
	full := make(binread.Data, optionalHeader64Size)
	copy(full, raw)
	opt := &OptionalHeader{Magic: le.Uint16(raw)}
	var (
		count uint32
		dirs  [numDataDirectories]pe.DataDirectory
		fixed uint64
	)
	switch opt.Magic {
	case IMAGE_NT_OPTIONAL_HDR32_MAGIC:
		h, err := pod.Read[pe.OptionalHeader32](full, 0, le)
		if err != nil {
			return nil, err
		}
		opt.AddressOfEntryPoint, opt.BaseOfCode, opt.ImageBase = h.AddressOfEntryPoint, h.BaseOfCode, uint64(h.ImageBase)
		opt.SectionAlignment, opt.FileAlignment = h.SectionAlignment, h.FileAlignment
		opt.SizeOfImage, opt.SizeOfHeaders = h.SizeOfImage, h.SizeOfHeaders
		opt.Subsystem, opt.DllCharacteristics = h.Subsystem, h.DllCharacteristics
		count, dirs, fixed = h.NumberOfRvaAndSizes, h.DataDirectory, optionalHeader32Size-numDataDirectories*8
	case IMAGE_NT_OPTIONAL_HDR64_MAGIC:
		h, err := pod.Read[pe.OptionalHeader64](full, 0, le)
		if err != nil {
			return nil, err
		}
		opt.AddressOfEntryPoint, opt.BaseOfCode, opt.ImageBase = h.AddressOfEntryPoint, h.BaseOfCode, h.ImageBase
		opt.SectionAlignment, opt.FileAlignment = h.SectionAlignment, h.FileAlignment
		opt.SizeOfImage, opt.SizeOfHeaders = h.SizeOfImage, h.SizeOfHeaders
		opt.Subsystem, opt.DllCharacteristics = h.Subsystem, h.DllCharacteristics
		count, dirs, fixed = h.NumberOfRvaAndSizes, h.DataDirectory, optionalHeader64Size-numDataDirectories*8
	default:
		return nil, objerr.New(objerr.InvalidHeader, "bad optional header magic %#x", opt.Magic)
	}
	if size < fixed {
		return nil, objerr.New(objerr.InvalidHeader, "optional header of %d bytes, want at least %d", size, fixed)
	}
	avail := uint32((size - fixed) / 8)
	count = min(count, avail, numDataDirectories)
	opt.DataDirectory = dirs[:count]
	return opt, nil
}

// sectionName resolves "/123" long names through the string table.
func (f *File) sectionName(raw [8]uint8) string {
	name := cstring(raw[:])
	if len(name) > 1 && name[0] == '/' {
		if off, err := strconv.ParseUint(name[1:], 10, 32); err == nil {
			if s, err := f.stringAt(uint32(off)); err == nil {
				return s
			}
		}
	}
	return name
}

func (f *File) stringAt(off uint32) (string, error) {
	if off < 4 {
		return "", objerr.New(objerr.OutOfBounds, "string table offset %d", off)
	}
	return binread.NewStringTable(f.strtab).String(uint64(off))
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// IsImage reports whether f was parsed from a PE image.
func (f *File) IsImage() bool { return f.NTHeaderOffset != 0 }

// Is64 reports whether the image uses the PE32+ optional header, or for
// objects whether the machine is 64-bit.
func (f *File) Is64() bool {
	if f.Optional != nil {
		return f.Optional.Magic == IMAGE_NT_OPTIONAL_HDR64_MAGIC
	}
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64, pe.IMAGE_FILE_MACHINE_ARM64, pe.IMAGE_FILE_MACHINE_IA64,
		pe.IMAGE_FILE_MACHINE_RISCV64, pe.IMAGE_FILE_MACHINE_LOONGARCH64:
		return true
	}
	return false
}

// ImageBase returns the preferred load address, 0 for objects.
func (f *File) ImageBase() uint64 {
	if f.Optional == nil {
		return 0
	}
	return f.Optional.ImageBase
}

// Bytes returns the whole input.
func (f *File) Bytes() []byte { return f.data }

// Section returns the first section with the given name.
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns the raw file bytes of s. Images may declare a raw size
// larger than the virtual size; the data is trimmed to the virtual size then.
func (f *File) SectionData(s *Section) ([]byte, error) {
	if s.PointerToRawData == 0 || (s.Characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 && s.SizeOfRawData == 0) {
		return nil, nil
	}
	size := s.SizeOfRawData
	if f.IsImage() && s.VirtualSize != 0 && s.VirtualSize < size {
		size = s.VirtualSize
	}
	return f.data.Bytes(uint64(s.PointerToRawData), uint64(size))
}

// DataDirectory returns directory i, or a zero entry if the header has fewer.
func (f *File) DataDirectory(i int) pe.DataDirectory {
	if f.Optional == nil || i >= len(f.Optional.DataDirectory) {
		return pe.DataDirectory{}
	}
	return f.Optional.DataDirectory[i]
}

// RVAToOffset maps a relative virtual address to a file offset.
func (f *File) RVAToOffset(rva uint32) (uint64, bool) {
	for i := range f.Sections {
		s := &f.Sections[i]
		size := max(s.VirtualSize, s.SizeOfRawData)
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < size {
			delta := rva - s.VirtualAddress
			if delta >= s.SizeOfRawData {
				return 0, false
			}
			return uint64(s.PointerToRawData) + uint64(delta), true
		}
	}
	if f.Optional != nil && rva < f.Optional.SizeOfHeaders {
		return uint64(rva), true
	}
	return 0, false
}

// rvaData returns the bytes from rva to the end of its section's raw data.
func (f *File) rvaData(rva uint32) (binread.Data, error) {
	off, ok := f.RVAToOffset(rva)
	if !ok {
		return nil, objerr.New(objerr.OutOfBounds, "rva %#x is not backed by file data", rva)
	}
	end := f.data.Len()
	for i := range f.Sections {
		s := &f.Sections[i]
		start := uint64(s.PointerToRawData)
		if off >= start && off < start+uint64(s.SizeOfRawData) {
			end = min(end, start+uint64(s.SizeOfRawData))
			break
		}
	}
	if off > end {
		return nil, objerr.New(objerr.OutOfBounds, "rva %#x past end of input", rva)
	}
	return f.data[off:end], nil
}

// rvaString reads a NUL terminated string at rva.
func (f *File) rvaString(rva uint32) (string, error) {
	d, err := f.rvaData(rva)
	if err != nil {
		return "", err
	}
	b, err := d.BytesUntil(0, d.Len(), 0)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Entry returns the entry point RVA.
func (f *File) Entry() uint32 {
	if f.Optional == nil {
		return 0
	}
	return f.Optional.AddressOfEntryPoint
}
