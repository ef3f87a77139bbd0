package writer

import (
	stdpe "debug/pe"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pe"
	"github.com/grafana/objfile/pkg/pod"
)

var peMachines = map[object.Architecture]uint16{
	object.ArchX86_64:  stdpe.IMAGE_FILE_MACHINE_AMD64,
	object.ArchI386:    stdpe.IMAGE_FILE_MACHINE_I386,
	object.ArchAarch64: stdpe.IMAGE_FILE_MACHINE_ARM64,
	object.ArchArm:     stdpe.IMAGE_FILE_MACHINE_ARMNT,
}

const (
	peDOSSize    = 0x80
	peSigSize    = 4
	peFileHdr    = 20
	peSectionHdr = 40
	peSymbolSize = 18
)

// dosStub prints "This program cannot be run in DOS mode." and exits.
var dosStub = []byte{
	0x0e, 0x1f, 0xba, 0x0e, 0x00, 0xb4, 0x09, 0xcd, 0x21, 0xb8, 0x01, 0x4c, 0xcd, 0x21,
	'T', 'h', 'i', 's', ' ', 'p', 'r', 'o', 'g', 'r', 'a', 'm', ' ', 'c', 'a', 'n', 'n', 'o', 't', ' ',
	'b', 'e', ' ', 'r', 'u', 'n', ' ', 'i', 'n', ' ', 'D', 'O', 'S', ' ', 'm', 'o', 'd', 'e', '.',
	'\r', '\r', '\n', '$',
}

type peEmitter struct {
	machine uint16

	rva       []uint32
	rawSize   []uint32
	relocRVA  uint32
	relocData []byte
	strtab    *stringTable
	secName   [][8]byte
	symName   [][8]byte

	sizeOfHeaders uint32
	sizeOfImage   uint32

	dosRegion     int
	ntRegion      int
	shdrRegion    int
	sectionRegion []int
	relocRegion   int
	symtabRegion  int
	strtabRegion  int
}

func (e *peEmitter) is64(b *Builder) bool { return b.arch.Width().Is64() }

func (e *peEmitter) optionalHeaderSize(b *Builder) uint64 {
	if e.is64(b) {
		return pod.Size[stdpe.OptionalHeader64]()
	}
	return pod.Size[stdpe.OptionalHeader32]()
}

func (e *peEmitter) layout(b *Builder) error {
	fileAlign, sectAlign := uint32(b.cfg.FileAlignment), uint32(b.cfg.SectionAlignment)
	hasBaseRelocs := false
	for i := range b.sections {
		s := &b.sections[i]
		if s.Align > uint64(sectAlign) {
			return objerr.New(objerr.UnsupportedFeature, "section %q alignment %#x exceeds section alignment %#x", s.Name, s.Align, sectAlign)
		}
		for _, r := range s.Relocations {
			if err := e.checkReloc(b, s, &r); err != nil {
				return err
			}
			hasBaseRelocs = hasBaseRelocs || r.Kind == object.RelocAbsolute
		}
	}

	nsec := len(b.sections)
	if hasBaseRelocs {
		nsec++
	}
	headers := uint32(peDOSSize + peSigSize + peFileHdr + e.optionalHeaderSize(b) + uint64(nsec)*peSectionHdr)
	e.sizeOfHeaders = pod.AlignUp(headers, fileAlign)

	e.rva = make([]uint32, len(b.sections))
	e.rawSize = make([]uint32, len(b.sections))
	next := pod.AlignUp(e.sizeOfHeaders, sectAlign)
	for i := range b.sections {
		s := &b.sections[i]
		if s.Address != 0 {
			want := s.Address - b.cfg.ImageBase
			if s.Address < b.cfg.ImageBase || want < uint64(next) || want > 0xffffffff || want%uint64(sectAlign) != 0 {
				return objerr.New(objerr.InvalidHeader, "section %q address %#x does not fit the image layout", s.Name, s.Address)
			}
			next = uint32(want)
		}
		e.rva[i] = next
		if s.hasFileData() {
			e.rawSize[i] = pod.AlignUp(uint32(len(s.Data)), fileAlign)
		}
		next = pod.AlignUp(next+uint32(max(s.MemSize(), 1)), sectAlign)
	}
	e.relocData = nil
	if hasBaseRelocs {
		e.relocRVA = next
		e.relocData = e.baseRelocations(b)
		next = pod.AlignUp(next+uint32(len(e.relocData)), sectAlign)
	}
	e.sizeOfImage = next

	e.strtab = newStringTable(make([]byte, 4))
	e.secName = make([][8]byte, 0, nsec)
	for _, s := range b.sections {
		e.secName = append(e.secName, e.sectionName(s.Name))
	}
	if hasBaseRelocs {
		e.secName = append(e.secName, e.sectionName(".reloc"))
	}
	e.symName = make([][8]byte, len(b.symbols))
	for i, s := range b.symbols {
		if len(s.Name) <= 8 {
			copy(e.symName[i][:], s.Name)
			continue
		}
		off := e.strtab.add(s.Name)
		b.order.PutUint32(e.symName[i][4:], off)
	}

	e.dosRegion = b.reserve("dos header", peDOSSize, 1)
	e.ntRegion = b.reserve("nt headers", peSigSize+peFileHdr+e.optionalHeaderSize(b), 8)
	e.shdrRegion = b.reserve("section headers", uint64(nsec)*peSectionHdr, 1)
	e.sectionRegion = make([]int, len(b.sections))
	for i := range b.sections {
		e.sectionRegion[i] = -1
		if e.rawSize[i] > 0 {
			e.sectionRegion[i] = b.reserve(b.sections[i].Name, uint64(e.rawSize[i]), uint64(fileAlign))
		}
	}
	e.relocRegion = -1
	if hasBaseRelocs {
		e.relocRegion = b.reserve(".reloc", uint64(pod.AlignUp(uint32(len(e.relocData)), fileAlign)), uint64(fileAlign))
	}
	e.symtabRegion, e.strtabRegion = -1, -1
	if len(b.symbols) > 0 || e.strtab.size() > 4 {
		e.symtabRegion = b.reserve("symbol table", uint64(len(b.symbols))*peSymbolSize, 1)
		e.strtabRegion = b.reserve("string table", e.strtab.size(), 1)
	}
	return nil
}

// sectionName encodes names longer than 8 bytes as "/offset" into the string
// table.
func (e *peEmitter) sectionName(name string) [8]byte {
	var raw [8]byte
	if len(name) <= 8 {
		copy(raw[:], name)
		return raw
	}
	copy(raw[:], fmt.Sprintf("/%d", e.strtab.add(name)))
	return raw
}

func (e *peEmitter) checkReloc(b *Builder, s *Section, r *Relocation) error {
	if r.Symbol == "" {
		return objerr.New(objerr.UnsupportedFeature, "relocation at %#x in %q has no symbol", r.Offset, s.Name)
	}
	if !b.symbols[b.symbolIndex[r.Symbol]].defined() {
		return objerr.New(objerr.UnsupportedFeature, "relocation at %#x in %q refers to undefined symbol %q", r.Offset, s.Name, r.Symbol)
	}
	switch {
	case r.Kind == object.RelocAbsolute && (r.Size == 32 || r.Size == 64):
	case r.Kind == object.RelocRelative && r.Size == 32:
	case r.Kind == object.RelocImageOffset && r.Size == 32:
	default:
		return objerr.New(objerr.UnsupportedFeature, "%s relocation of %d bits in a PE image", r.Kind, r.Size)
	}
	return nil
}

// baseRelocations groups the absolute relocations into one block per 4K
// page. Blocks are padded to 4 bytes with ABSOLUTE entries.
func (e *peEmitter) baseRelocations(b *Builder) []byte {
	type fixup struct {
		rva uint32
		typ uint16
	}
	var fixups []fixup
	for i := range b.sections {
		for _, r := range b.sections[i].Relocations {
			if r.Kind != object.RelocAbsolute {
				continue
			}
			typ := uint16(pe.IMAGE_REL_BASED_HIGHLOW)
			if r.Size == 64 {
				typ = pe.IMAGE_REL_BASED_DIR64
			}
			fixups = append(fixups, fixup{rva: e.rva[i] + uint32(r.Offset), typ: typ})
		}
	}
	slices.SortFunc(fixups, func(x, y fixup) int { return int(x.rva) - int(y.rva) })

	var out []byte
	for start := 0; start < len(fixups); {
		page := fixups[start].rva &^ 0xfff
		end := start
		for end < len(fixups) && fixups[end].rva&^0xfff == page {
			end++
		}
		n := end - start
		if n%2 != 0 {
			n++
		}
		out = binary.LittleEndian.AppendUint32(out, page)
		out = binary.LittleEndian.AppendUint32(out, uint32(8+2*n))
		for _, f := range fixups[start:end] {
			out = binary.LittleEndian.AppendUint16(out, f.typ<<12|uint16(f.rva&0xfff))
		}
		if n != end-start {
			out = binary.LittleEndian.AppendUint16(out, pe.IMAGE_REL_BASED_ABSOLUTE)
		}
		start = end
	}
	return out
}

func (e *peEmitter) sectionAddress(b *Builder, i int) uint64 {
	return b.cfg.ImageBase + uint64(e.rva[i])
}

func peCharacteristics(k object.SectionKind) uint32 {
	switch k {
	case object.SectionText:
		return stdpe.IMAGE_SCN_CNT_CODE | stdpe.IMAGE_SCN_MEM_EXECUTE | stdpe.IMAGE_SCN_MEM_READ
	case object.SectionData, object.SectionTls:
		return stdpe.IMAGE_SCN_CNT_INITIALIZED_DATA | stdpe.IMAGE_SCN_MEM_READ | stdpe.IMAGE_SCN_MEM_WRITE
	case object.SectionReadOnlyData, object.SectionReadOnlyString:
		return stdpe.IMAGE_SCN_CNT_INITIALIZED_DATA | stdpe.IMAGE_SCN_MEM_READ
	case object.SectionUninitializedData, object.SectionUninitializedTls, object.SectionCommon:
		return stdpe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | stdpe.IMAGE_SCN_MEM_READ | stdpe.IMAGE_SCN_MEM_WRITE
	}
	return stdpe.IMAGE_SCN_CNT_INITIALIZED_DATA | stdpe.IMAGE_SCN_MEM_READ | stdpe.IMAGE_SCN_MEM_DISCARDABLE
}

func (e *peEmitter) writeHeaders(b *Builder) error {
	lfanew := b.regions[e.ntRegion].Offset
	err := b.fill(e.dosRegion, func(p []byte) error {
		p[0], p[1] = 'M', 'Z'
		b.order.PutUint16(p[0x02:], 0x90) // bytes on last page
		b.order.PutUint16(p[0x04:], 3)    // pages
		b.order.PutUint16(p[0x08:], 4)    // header paragraphs
		b.order.PutUint16(p[0x0c:], 0xffff)
		b.order.PutUint16(p[0x10:], 0xb8)
		b.order.PutUint16(p[0x18:], 0x40)
		b.order.PutUint32(p[0x3c:], uint32(lfanew))
		copy(p[0x40:], dosStub)
		return nil
	})
	if err != nil {
		return err
	}

	var sizeOfCode, sizeOfData, sizeOfBSS, baseOfCode, baseOfData uint32
	for i := range b.sections {
		s := &b.sections[i]
		switch c := peCharacteristics(s.Kind); {
		case c&stdpe.IMAGE_SCN_CNT_CODE != 0:
			sizeOfCode += e.rawSize[i]
			if baseOfCode == 0 {
				baseOfCode = e.rva[i]
			}
		case c&stdpe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
			sizeOfBSS += pod.AlignUp(uint32(s.MemSize()), uint32(b.cfg.FileAlignment))
		default:
			sizeOfData += e.rawSize[i]
			if baseOfData == 0 {
				baseOfData = e.rva[i]
			}
		}
	}
	var dirs [16]stdpe.DataDirectory
	if e.relocRegion >= 0 {
		dirs[stdpe.IMAGE_DIRECTORY_ENTRY_BASERELOC] = stdpe.DataDirectory{VirtualAddress: e.relocRVA, Size: uint32(len(e.relocData))}
	}
	var entry uint32
	if b.entry != "" {
		entry = uint32(b.entryAddress() - b.cfg.ImageBase)
	}

	chars := uint16(stdpe.IMAGE_FILE_EXECUTABLE_IMAGE)
	dll := uint16(stdpe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT)
	if e.relocRegion >= 0 {
		dll |= stdpe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE
	} else {
		chars |= stdpe.IMAGE_FILE_RELOCS_STRIPPED
	}
	if e.is64(b) {
		chars |= stdpe.IMAGE_FILE_LARGE_ADDRESS_AWARE
		if e.relocRegion >= 0 {
			dll |= stdpe.IMAGE_DLLCHARACTERISTICS_HIGH_ENTROPY_VA
		}
	} else {
		chars |= stdpe.IMAGE_FILE_32BIT_MACHINE
	}
	var symOff uint32
	if e.symtabRegion >= 0 {
		symOff = uint32(b.regions[e.symtabRegion].Offset)
	}

	err = b.fill(e.ntRegion, func(p []byte) error {
		copy(p, "PE\x00\x00")
		err := pod.Put(p, peSigSize, b.order, stdpe.FileHeader{
			Machine: e.machine, NumberOfSections: uint16(len(e.secName)),
			PointerToSymbolTable: symOff, NumberOfSymbols: uint32(len(b.symbols)),
			SizeOfOptionalHeader: uint16(e.optionalHeaderSize(b)), Characteristics: chars,
		})
		if err != nil {
			return err
		}
		const optOff = peSigSize + peFileHdr
		if e.is64(b) {
			return pod.Put(p, optOff, b.order, stdpe.OptionalHeader64{
				Magic: pe.IMAGE_NT_OPTIONAL_HDR64_MAGIC, MajorLinkerVersion: 14,
				SizeOfCode: sizeOfCode, SizeOfInitializedData: sizeOfData, SizeOfUninitializedData: sizeOfBSS,
				AddressOfEntryPoint: entry, BaseOfCode: baseOfCode, ImageBase: b.cfg.ImageBase,
				SectionAlignment: uint32(b.cfg.SectionAlignment), FileAlignment: uint32(b.cfg.FileAlignment),
				MajorOperatingSystemVersion: 6, MajorSubsystemVersion: 6,
				SizeOfImage: e.sizeOfImage, SizeOfHeaders: e.sizeOfHeaders,
				Subsystem: stdpe.IMAGE_SUBSYSTEM_WINDOWS_CUI, DllCharacteristics: dll,
				SizeOfStackReserve: 0x100000, SizeOfStackCommit: 0x1000, SizeOfHeapReserve: 0x100000, SizeOfHeapCommit: 0x1000,
				NumberOfRvaAndSizes: 16, DataDirectory: dirs,
			})
		}
		return pod.Put(p, optOff, b.order, stdpe.OptionalHeader32{
			Magic: pe.IMAGE_NT_OPTIONAL_HDR32_MAGIC, MajorLinkerVersion: 14,
			SizeOfCode: sizeOfCode, SizeOfInitializedData: sizeOfData, SizeOfUninitializedData: sizeOfBSS,
			AddressOfEntryPoint: entry, BaseOfCode: baseOfCode, BaseOfData: baseOfData, ImageBase: uint32(b.cfg.ImageBase),
			SectionAlignment: uint32(b.cfg.SectionAlignment), FileAlignment: uint32(b.cfg.FileAlignment),
			MajorOperatingSystemVersion: 6, MajorSubsystemVersion: 6,
			SizeOfImage: e.sizeOfImage, SizeOfHeaders: e.sizeOfHeaders,
			Subsystem: stdpe.IMAGE_SUBSYSTEM_WINDOWS_CUI, DllCharacteristics: dll,
			SizeOfStackReserve: 0x100000, SizeOfStackCommit: 0x1000, SizeOfHeapReserve: 0x100000, SizeOfHeapCommit: 0x1000,
			NumberOfRvaAndSizes: 16, DataDirectory: dirs,
		})
	})
	if err != nil {
		return err
	}

	return b.fill(e.shdrRegion, func(p []byte) error {
		for i := range b.sections {
			s := &b.sections[i]
			h := stdpe.SectionHeader32{
				Name: e.secName[i], VirtualSize: uint32(s.MemSize()), VirtualAddress: e.rva[i],
				SizeOfRawData: e.rawSize[i], Characteristics: peCharacteristics(s.Kind),
			}
			if r := e.sectionRegion[i]; r >= 0 {
				h.PointerToRawData = uint32(b.regions[r].Offset)
			}
			if err := pod.Put(p, uint64(i)*peSectionHdr, b.order, h); err != nil {
				return err
			}
		}
		if e.relocRegion < 0 {
			return nil
		}
		r := b.regions[e.relocRegion]
		return pod.Put(p, uint64(len(b.sections))*peSectionHdr, b.order, stdpe.SectionHeader32{
			Name: e.secName[len(b.sections)], VirtualSize: uint32(len(e.relocData)), VirtualAddress: e.relocRVA,
			SizeOfRawData: uint32(r.Size), PointerToRawData: uint32(r.Offset),
			Characteristics: stdpe.IMAGE_SCN_CNT_INITIALIZED_DATA | stdpe.IMAGE_SCN_MEM_READ | stdpe.IMAGE_SCN_MEM_DISCARDABLE,
		})
	})
}

// writeSection copies the section and resolves its relocations against the
// preferred image base. Absolute fields are adjusted again by the loader
// through .reloc.
func (e *peEmitter) writeSection(b *Builder, i int) error {
	if e.sectionRegion[i] < 0 {
		return nil
	}
	s := &b.sections[i]
	return b.fill(e.sectionRegion[i], func(p []byte) error {
		copy(p, s.Data)
		for _, r := range s.Relocations {
			target := b.symbolAddress(&b.symbols[b.symbolIndex[r.Symbol]])
			v := target + uint64(r.Addend)
			switch r.Kind {
			case object.RelocRelative:
				v -= e.sectionAddress(b, i) + r.Offset
			case object.RelocImageOffset:
				v -= b.cfg.ImageBase
			}
			if err := putField(p, r.Offset, r.Size, v, b.order); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *peEmitter) writeTables(b *Builder) error {
	if e.relocRegion >= 0 {
		if err := b.fill(e.relocRegion, func(p []byte) error { copy(p, e.relocData); return nil }); err != nil {
			return err
		}
	}
	if e.symtabRegion < 0 {
		return nil
	}
	err := b.fill(e.symtabRegion, func(p []byte) error {
		for i := range b.symbols {
			s := &b.symbols[i]
			sym := stdpe.COFFSymbol{Name: e.symName[i], Value: uint32(s.Value), StorageClass: pe.IMAGE_SYM_CLASS_EXTERNAL}
			switch {
			case s.Absolute:
				sym.SectionNumber = pe.IMAGE_SYM_ABSOLUTE
			case s.Section != "":
				sym.SectionNumber = int16(b.sectionIndex[s.Section] + 1)
			}
			if s.Kind == object.SymText {
				sym.Type = pe.IMAGE_SYM_DTYPE_FUNCTION << 4
			}
			if s.Scope == object.ScopeCompilation {
				sym.StorageClass = pe.IMAGE_SYM_CLASS_STATIC
			}
			if err := pod.Put(p, uint64(i)*peSymbolSize, b.order, sym); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.fill(e.strtabRegion, func(p []byte) error {
		copy(p, e.strtab.bytes())
		b.order.PutUint32(p, uint32(e.strtab.size()))
		return nil
	})
}
