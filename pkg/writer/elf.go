package writer

import (
	stdelf "debug/elf"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pod"
)

type elfTarget struct {
	machine stdelf.Machine
	width   pod.Width
	endian  pod.Endian
}

var elfTargets = map[object.Architecture]elfTarget{
	object.ArchX86_64:      {stdelf.EM_X86_64, pod.Width64, pod.Little},
	object.ArchI386:        {stdelf.EM_386, pod.Width32, pod.Little},
	object.ArchAarch64:     {stdelf.EM_AARCH64, pod.Width64, pod.Little},
	object.ArchArm:         {stdelf.EM_ARM, pod.Width32, pod.Little},
	object.ArchRiscv64:     {stdelf.EM_RISCV, pod.Width64, pod.Little},
	object.ArchRiscv32:     {stdelf.EM_RISCV, pod.Width32, pod.Little},
	object.ArchLoongArch64: {stdelf.EM_LOONGARCH, pod.Width64, pod.Little},
	object.ArchPowerPc64:   {stdelf.EM_PPC64, pod.Width64, pod.Big},
	object.ArchPowerPc:     {stdelf.EM_PPC, pod.Width32, pod.Big},
	object.ArchS390x:       {stdelf.EM_S390, pod.Width64, pod.Big},
	object.ArchMips:        {stdelf.EM_MIPS, pod.Width32, pod.Big},
	object.ArchSparc64:     {stdelf.EM_SPARCV9, pod.Width64, pod.Big},
}

const (
	shnAbs       = uint16(stdelf.SHN_ABS)
	shnXindex    = uint16(stdelf.SHN_XINDEX)
	shnLoreserve = uint32(stdelf.SHN_LORESERVE)
)

type elfEmitter struct {
	target elfTarget
	rela   bool

	strtab   *stringTable
	shstrtab *stringTable
	symOrder []int
	symIndex []uint32
	symName  []uint32
	// firstGlobal is the symtab sh_info: one past the last local symbol.
	firstGlobal uint32
	relTypes    [][]uint32
	relSections []int
	loads       []int
	shName      []uint32
	// extended moves e_shnum and e_shstrndx into section 0 and adds
	// .symtab_shndx after .strtab.
	extended bool

	hdrRegion      int
	phdrRegion     int
	shdrRegion     int
	sectionRegion  []int
	sectionOffset  []uint64
	symtabRegion   int
	strtabRegion   int
	shndxRegion    int
	relRegion      []int
	shstrtabRegion int
}

func (e *elfEmitter) is64() bool { return e.target.width.Is64() }

func (e *elfEmitter) sizes() (ehdr, phdr, shdr, sym, rel uint64) {
	if e.is64() {
		ehdr, phdr, shdr, sym = pod.Size[stdelf.Header64](), pod.Size[stdelf.Prog64](), pod.Size[stdelf.Section64](), pod.Size[stdelf.Sym64]()
		rel = pod.Size[stdelf.Rel64]()
		if e.rela {
			rel = pod.Size[stdelf.Rela64]()
		}
		return
	}
	ehdr, phdr, shdr, sym = pod.Size[stdelf.Header32](), pod.Size[stdelf.Prog32](), pod.Size[stdelf.Section32](), pod.Size[stdelf.Sym32]()
	rel = pod.Size[stdelf.Rel32]()
	if e.rela {
		rel = pod.Size[stdelf.Rela32]()
	}
	return
}

// Section header indices: 0 is null, user sections follow in order, then
// .symtab, .strtab, .symtab_shndx when extended, one relocation section per
// relocated section and .shstrtab last.
func (e *elfEmitter) symtabIndex(b *Builder) uint32   { return uint32(len(b.sections)) + 1 }
func (e *elfEmitter) strtabIndex(b *Builder) uint32   { return uint32(len(b.sections)) + 2 }
func (e *elfEmitter) shstrtabIndex(b *Builder) uint32 { return e.numSections(b) - 1 }

func (e *elfEmitter) numSections(b *Builder) uint32 {
	n := uint32(len(b.sections)) + 3 + uint32(len(e.relSections)) + 1
	if e.extended {
		n++
	}
	return n
}

func (e *elfEmitter) layout(b *Builder) error {
	e.rela = object.ELFUsesRela(e.target.machine)
	word := uint64(e.target.width)

	e.symIndex = make([]uint32, len(b.symbols))
	e.symName = make([]uint32, len(b.symbols))
	e.symOrder = e.symOrder[:0]
	e.strtab = newStringTable([]byte{0})
	next := uint32(1)
	for _, local := range []bool{true, false} {
		for i := range b.symbols {
			if (b.symbols[i].Scope == object.ScopeCompilation) != local {
				continue
			}
			e.symOrder = append(e.symOrder, i)
			e.symIndex[i] = next
			e.symName[i] = e.strtab.add(b.symbols[i].Name)
			next++
		}
		if local {
			e.firstGlobal = next
		}
	}

	e.relTypes = make([][]uint32, len(b.sections))
	e.relSections = e.relSections[:0]
	for i, s := range b.sections {
		if len(s.Relocations) == 0 {
			continue
		}
		e.relSections = append(e.relSections, i)
		types := make([]uint32, len(s.Relocations))
		for j, r := range s.Relocations {
			if r.Kind == object.RelocFormatSpecific {
				types[j] = r.Raw
				continue
			}
			t, ok := object.ELFRelocationType(e.target.machine, r.Kind, r.Encoding, r.Size)
			if !ok {
				return objerr.New(objerr.UnsupportedFeature, "no %s relocation for %s %s at %d bits", e.target.machine, r.Kind, r.Encoding, r.Size)
			}
			types[j] = t
		}
		e.relTypes[i] = types
	}
	e.extended = false
	e.extended = e.numSections(b) >= shnLoreserve

	e.shstrtab = newStringTable([]byte{0})
	e.shName = make([]uint32, 0, e.numSections(b))
	e.shName = append(e.shName, 0)
	for _, s := range b.sections {
		e.shName = append(e.shName, e.shstrtab.add(s.Name))
	}
	e.shName = append(e.shName, e.shstrtab.add(".symtab"), e.shstrtab.add(".strtab"))
	if e.extended {
		e.shName = append(e.shName, e.shstrtab.add(".symtab_shndx"))
	}
	prefix := ".rel"
	if e.rela {
		prefix = ".rela"
	}
	for _, i := range e.relSections {
		e.shName = append(e.shName, e.shstrtab.add(prefix+b.sections[i].Name))
	}
	e.shName = append(e.shName, e.shstrtab.add(".shstrtab"))

	e.loads = e.loads[:0]
	if b.cfg.Executable {
		for i := range b.sections {
			s := &b.sections[i]
			if !elfAllocated(s.Kind) {
				continue
			}
			// Offsets are aligned like the section, so PT_LOAD keeps
			// p_offset and p_vaddr congruent modulo p_align only when the
			// address is aligned too.
			if s.Address%max(s.Align, 1) != 0 {
				return objerr.New(objerr.InvalidHeader, "section %q address %#x is not aligned to %d", s.Name, s.Address, s.Align)
			}
			e.loads = append(e.loads, i)
		}
	}

	ehdr, phdr, shdr, sym, rel := e.sizes()
	e.hdrRegion = b.reserve("file header", ehdr, 1)
	e.phdrRegion = -1
	if len(e.loads) > 0 {
		e.phdrRegion = b.reserve("program headers", phdr*uint64(len(e.loads)), word)
	}
	e.shdrRegion = b.reserve("section headers", shdr*uint64(e.numSections(b)), word)
	e.sectionRegion = make([]int, len(b.sections))
	e.sectionOffset = make([]uint64, len(b.sections))
	for i := range b.sections {
		s := &b.sections[i]
		if !s.hasFileData() {
			e.sectionRegion[i] = -1
			e.sectionOffset[i] = pod.AlignUp(b.size, s.Align)
			continue
		}
		e.sectionRegion[i] = b.reserve(s.Name, uint64(len(s.Data)), s.Align)
		e.sectionOffset[i] = b.regions[e.sectionRegion[i]].Offset
	}
	e.symtabRegion = b.reserve(".symtab", sym*uint64(len(b.symbols)+1), word)
	e.strtabRegion = b.reserve(".strtab", e.strtab.size(), 1)
	e.shndxRegion = -1
	if e.extended {
		e.shndxRegion = b.reserve(".symtab_shndx", 4*uint64(len(b.symbols)+1), 4)
	}
	e.relRegion = make([]int, len(e.relSections))
	for j, i := range e.relSections {
		e.relRegion[j] = b.reserve(prefix+b.sections[i].Name, rel*uint64(len(b.sections[i].Relocations)), word)
	}
	e.shstrtabRegion = b.reserve(".shstrtab", e.shstrtab.size(), 1)
	return nil
}

func (e *elfEmitter) sectionAddress(b *Builder, i int) uint64 { return b.sections[i].Address }

func elfAllocated(k object.SectionKind) bool {
	switch k {
	case object.SectionDebug, object.SectionOther, object.SectionOtherString, object.SectionUnknown,
		object.SectionMetadata, object.SectionLinker:
		return false
	}
	return true
}

func elfSectionType(s *Section) stdelf.SectionType {
	if !s.hasFileData() {
		return stdelf.SHT_NOBITS
	}
	return stdelf.SHT_PROGBITS
}

func elfSectionFlags(k object.SectionKind) (stdelf.SectionFlag, uint64) {
	switch k {
	case object.SectionText:
		return stdelf.SHF_ALLOC | stdelf.SHF_EXECINSTR, 0
	case object.SectionData, object.SectionUninitializedData, object.SectionCommon:
		return stdelf.SHF_ALLOC | stdelf.SHF_WRITE, 0
	case object.SectionReadOnlyData:
		return stdelf.SHF_ALLOC, 0
	case object.SectionReadOnlyString:
		return stdelf.SHF_ALLOC | stdelf.SHF_MERGE | stdelf.SHF_STRINGS, 1
	case object.SectionTls, object.SectionUninitializedTls, object.SectionTlsVariables:
		return stdelf.SHF_ALLOC | stdelf.SHF_WRITE | stdelf.SHF_TLS, 0
	case object.SectionOtherString:
		return stdelf.SHF_MERGE | stdelf.SHF_STRINGS, 1
	}
	return 0, 0
}

func elfProgFlags(k object.SectionKind) stdelf.ProgFlag {
	switch k {
	case object.SectionText:
		return stdelf.PF_R | stdelf.PF_X
	case object.SectionReadOnlyData, object.SectionReadOnlyString:
		return stdelf.PF_R
	}
	return stdelf.PF_R | stdelf.PF_W
}

type elfShdr struct {
	name      uint32
	typ       stdelf.SectionType
	flags     stdelf.SectionFlag
	addr, off uint64
	size      uint64
	link      uint32
	info      uint32
	align     uint64
	entsize   uint64
}

func (e *elfEmitter) headers(b *Builder) []elfShdr {
	_, _, _, sym, rel := e.sizes()
	word := uint64(e.target.width)
	hdrs := make([]elfShdr, 0, e.numSections(b))
	if e.extended {
		hdrs = append(hdrs, elfShdr{size: uint64(e.numSections(b)), link: e.shstrtabIndex(b)})
	} else {
		hdrs = append(hdrs, elfShdr{})
	}
	for i := range b.sections {
		s := &b.sections[i]
		flags, entsize := elfSectionFlags(s.Kind)
		hdrs = append(hdrs, elfShdr{
			name: e.shName[i+1], typ: elfSectionType(s), flags: flags,
			addr: s.Address, off: e.sectionOffset[i], size: s.MemSize(),
			align: max(s.Align, 1), entsize: entsize,
		})
	}
	hdrs = append(hdrs,
		elfShdr{
			name: e.shName[len(hdrs)], typ: stdelf.SHT_SYMTAB,
			off: b.regions[e.symtabRegion].Offset, size: b.regions[e.symtabRegion].Size,
			link: e.strtabIndex(b), info: e.firstGlobal, align: word, entsize: sym,
		},
		elfShdr{
			name: e.shName[len(hdrs)+1], typ: stdelf.SHT_STRTAB,
			off: b.regions[e.strtabRegion].Offset, size: b.regions[e.strtabRegion].Size, align: 1,
		},
	)
	if e.extended {
		r := b.regions[e.shndxRegion]
		hdrs = append(hdrs, elfShdr{
			name: e.shName[len(hdrs)], typ: stdelf.SHT_SYMTAB_SHNDX,
			off: r.Offset, size: r.Size, link: e.symtabIndex(b), align: 4, entsize: 4,
		})
	}
	typ := stdelf.SHT_REL
	if e.rela {
		typ = stdelf.SHT_RELA
	}
	for j, i := range e.relSections {
		r := b.regions[e.relRegion[j]]
		hdrs = append(hdrs, elfShdr{
			name: e.shName[len(hdrs)], typ: typ, flags: stdelf.SHF_INFO_LINK,
			off: r.Offset, size: r.Size, link: e.symtabIndex(b), info: uint32(i + 1),
			align: word, entsize: rel,
		})
	}
	r := b.regions[e.shstrtabRegion]
	hdrs = append(hdrs, elfShdr{name: e.shName[len(hdrs)], typ: stdelf.SHT_STRTAB, off: r.Offset, size: r.Size, align: 1})
	return hdrs
}

func (e *elfEmitter) writeHeaders(b *Builder) error {
	ehdr, phdr, shdr, _, _ := e.sizes()
	typ := stdelf.ET_REL
	if b.cfg.Executable {
		typ = stdelf.ET_EXEC
	}
	var phoff uint64
	var phentsize uint16
	if e.phdrRegion >= 0 {
		phoff = b.regions[e.phdrRegion].Offset
		phentsize = uint16(phdr)
	}
	shoff := b.regions[e.shdrRegion].Offset
	shnum, shstrndx := uint16(e.numSections(b)), uint16(e.shstrtabIndex(b))
	if e.extended {
		shnum, shstrndx = 0, shnXindex
	}

	var ident [stdelf.EI_NIDENT]byte
	copy(ident[:], stdelf.ELFMAG)
	ident[stdelf.EI_CLASS] = byte(stdelf.ELFCLASS32)
	if e.is64() {
		ident[stdelf.EI_CLASS] = byte(stdelf.ELFCLASS64)
	}
	ident[stdelf.EI_DATA] = byte(stdelf.ELFDATA2LSB)
	if b.order == pod.Big.Order() {
		ident[stdelf.EI_DATA] = byte(stdelf.ELFDATA2MSB)
	}
	ident[stdelf.EI_VERSION] = byte(stdelf.EV_CURRENT)

	err := b.fill(e.hdrRegion, func(p []byte) error {
		if e.is64() {
			return pod.Put(p, 0, b.order, stdelf.Header64{
				Ident: ident, Type: uint16(typ), Machine: uint16(e.target.machine), Version: uint32(stdelf.EV_CURRENT),
				Entry: b.entryAddress(), Phoff: phoff, Shoff: shoff, Flags: uint32(b.cfg.ELFFlags),
				Ehsize: uint16(ehdr), Phentsize: phentsize, Phnum: uint16(len(e.loads)),
				Shentsize: uint16(shdr), Shnum: shnum, Shstrndx: shstrndx,
			})
		}
		return pod.Put(p, 0, b.order, stdelf.Header32{
			Ident: ident, Type: uint16(typ), Machine: uint16(e.target.machine), Version: uint32(stdelf.EV_CURRENT),
			Entry: uint32(b.entryAddress()), Phoff: uint32(phoff), Shoff: uint32(shoff), Flags: uint32(b.cfg.ELFFlags),
			Ehsize: uint16(ehdr), Phentsize: phentsize, Phnum: uint16(len(e.loads)),
			Shentsize: uint16(shdr), Shnum: shnum, Shstrndx: shstrndx,
		})
	})
	if err != nil {
		return err
	}

	if e.phdrRegion >= 0 {
		err := b.fill(e.phdrRegion, func(p []byte) error {
			for n, i := range e.loads {
				s := &b.sections[i]
				var filesz uint64
				if s.hasFileData() {
					filesz = uint64(len(s.Data))
				}
				off := uint64(n) * phdr
				var err error
				if e.is64() {
					err = pod.Put(p, off, b.order, stdelf.Prog64{
						Type: uint32(stdelf.PT_LOAD), Flags: uint32(elfProgFlags(s.Kind)), Off: e.sectionOffset[i],
						Vaddr: s.Address, Paddr: s.Address, Filesz: filesz, Memsz: s.MemSize(), Align: max(s.Align, 1),
					})
				} else {
					err = pod.Put(p, off, b.order, stdelf.Prog32{
						Type: uint32(stdelf.PT_LOAD), Flags: uint32(elfProgFlags(s.Kind)), Off: uint32(e.sectionOffset[i]),
						Vaddr: uint32(s.Address), Paddr: uint32(s.Address), Filesz: uint32(filesz), Memsz: uint32(s.MemSize()),
						Align: uint32(max(s.Align, 1)),
					})
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return b.fill(e.shdrRegion, func(p []byte) error {
		for n, h := range e.headers(b) {
			off := uint64(n) * shdr
			var err error
			if e.is64() {
				err = pod.Put(p, off, b.order, stdelf.Section64{
					Name: h.name, Type: uint32(h.typ), Flags: uint64(h.flags), Addr: h.addr, Off: h.off,
					Size: h.size, Link: h.link, Info: h.info, Addralign: h.align, Entsize: h.entsize,
				})
			} else {
				err = pod.Put(p, off, b.order, stdelf.Section32{
					Name: h.name, Type: uint32(h.typ), Flags: uint32(h.flags), Addr: uint32(h.addr), Off: uint32(h.off),
					Size: uint32(h.size), Link: h.link, Info: h.info, Addralign: uint32(h.align), Entsize: uint32(h.entsize),
				})
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// writeSection copies the section bytes. SHT_REL targets keep their addend
// in the relocated field, so it is stored here.
func (e *elfEmitter) writeSection(b *Builder, i int) error {
	if e.sectionRegion[i] < 0 {
		return nil
	}
	s := &b.sections[i]
	return b.fill(e.sectionRegion[i], func(p []byte) error {
		copy(p, s.Data)
		if e.rela {
			return nil
		}
		for _, r := range s.Relocations {
			if err := putField(p, r.Offset, r.Size, uint64(r.Addend), b.order); err != nil {
				return objerr.Wrap(objerr.UnsupportedFeature, err, "implicit addend at %#x in %q", r.Offset, s.Name)
			}
		}
		return nil
	})
}

func (e *elfEmitter) writeTables(b *Builder) error {
	_, _, _, symSize, relSize := e.sizes()
	err := b.fill(e.symtabRegion, func(p []byte) error {
		for n, i := range e.symOrder {
			if err := e.putSymbol(b, p, uint64(n+1)*symSize, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := b.fill(e.strtabRegion, func(p []byte) error { copy(p, e.strtab.bytes()); return nil }); err != nil {
		return err
	}
	if e.extended {
		err := b.fill(e.shndxRegion, func(p []byte) error {
			for n, i := range e.symOrder {
				if idx, ok := e.symbolSection(b, i); ok && idx >= shnLoreserve {
					b.order.PutUint32(p[uint64(n+1)*4:], idx)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for j, i := range e.relSections {
		s := &b.sections[i]
		err := b.fill(e.relRegion[j], func(p []byte) error {
			for n, r := range s.Relocations {
				var sym uint32
				if r.Symbol != "" {
					sym = e.symIndex[b.symbolIndex[r.Symbol]]
				}
				if err := e.putReloc(b, p, uint64(n)*relSize, r, sym, e.relTypes[i][n]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return b.fill(e.shstrtabRegion, func(p []byte) error { copy(p, e.shstrtab.bytes()); return nil })
}

func (e *elfEmitter) putSymbol(b *Builder, p []byte, off uint64, i int) error {
	s := &b.symbols[i]
	bind := stdelf.STB_GLOBAL
	switch {
	case s.Scope == object.ScopeCompilation:
		bind = stdelf.STB_LOCAL
	case s.Weak:
		bind = stdelf.STB_WEAK
	}
	other := stdelf.STV_DEFAULT
	if s.Scope == object.ScopeLinkage {
		other = stdelf.STV_HIDDEN
	}
	info := stdelf.ST_INFO(bind, elfSymbolType(s.Kind))
	var shndx uint16
	value := s.Value
	if s.Absolute {
		shndx = shnAbs
	}
	if idx, ok := e.symbolSection(b, i); ok {
		shndx = uint16(idx)
		if idx >= shnLoreserve {
			shndx = shnXindex
		}
		value += b.sections[idx-1].Address
	}
	if e.is64() {
		return pod.Put(p, off, b.order, stdelf.Sym64{
			Name: e.symName[i], Info: info, Other: uint8(other), Shndx: shndx, Value: value, Size: s.Size,
		})
	}
	return pod.Put(p, off, b.order, stdelf.Sym32{
		Name: e.symName[i], Info: info, Other: uint8(other), Shndx: shndx, Value: uint32(value), Size: uint32(s.Size),
	})
}

// symbolSection returns the section header index of a symbol defined in a
// user section.
func (e *elfEmitter) symbolSection(b *Builder, i int) (uint32, bool) {
	s := &b.symbols[i]
	if s.Section == "" {
		return 0, false
	}
	return uint32(b.sectionIndex[s.Section]) + 1, true
}

func elfSymbolType(k object.SymbolKind) stdelf.SymType {
	switch k {
	case object.SymText:
		return stdelf.STT_FUNC
	case object.SymData:
		return stdelf.STT_OBJECT
	case object.SymSection:
		return stdelf.STT_SECTION
	case object.SymFile:
		return stdelf.STT_FILE
	case object.SymTLS:
		return stdelf.STT_TLS
	}
	return stdelf.STT_NOTYPE
}

func (e *elfEmitter) putReloc(b *Builder, p []byte, off uint64, r Relocation, sym, typ uint32) error {
	if e.is64() {
		info := stdelf.R_INFO(sym, typ)
		if e.rela {
			return pod.Put(p, off, b.order, stdelf.Rela64{Off: r.Offset, Info: info, Addend: r.Addend})
		}
		return pod.Put(p, off, b.order, stdelf.Rel64{Off: r.Offset, Info: info})
	}
	info := stdelf.R_INFO32(sym, typ)
	if e.rela {
		return pod.Put(p, off, b.order, stdelf.Rela32{Off: uint32(r.Offset), Info: info, Addend: int32(r.Addend)})
	}
	return pod.Put(p, off, b.order, stdelf.Rel32{Off: uint32(r.Offset), Info: info})
}
