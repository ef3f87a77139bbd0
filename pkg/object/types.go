package object

import "github.com/grafana/objfile/pkg/pod"

// Architecture is the target machine of a file.
type Architecture uint8

const (
	ArchUnknown Architecture = iota
	ArchAarch64
	ArchArm
	ArchI386
	ArchX86_64
	ArchMips
	ArchMips64
	ArchPowerPc
	ArchPowerPc64
	ArchRiscv32
	ArchRiscv64
	ArchS390x
	ArchSparc64
	ArchLoongArch64
	ArchWasm32
)

var archNames = map[Architecture]string{
	ArchUnknown:     "unknown",
	ArchAarch64:     "aarch64",
	ArchArm:         "arm",
	ArchI386:        "i386",
	ArchX86_64:      "x86_64",
	ArchMips:        "mips",
	ArchMips64:      "mips64",
	ArchPowerPc:     "powerpc",
	ArchPowerPc64:   "powerpc64",
	ArchRiscv32:     "riscv32",
	ArchRiscv64:     "riscv64",
	ArchS390x:       "s390x",
	ArchSparc64:     "sparc64",
	ArchLoongArch64: "loongarch64",
	ArchWasm32:      "wasm32",
}

func (a Architecture) String() string {
	if s, ok := archNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseArchitecture maps a name as printed by String back to the value.
func ParseArchitecture(s string) (Architecture, bool) {
	for a, name := range archNames {
		if name == s && a != ArchUnknown {
			return a, true
		}
	}
	return ArchUnknown, false
}

// Width returns the address width of the architecture.
func (a Architecture) Width() pod.Width {
	switch a {
	case ArchAarch64, ArchX86_64, ArchMips64, ArchPowerPc64, ArchRiscv64, ArchS390x, ArchSparc64, ArchLoongArch64:
		return pod.Width64
	}
	return pod.Width32
}

// SectionKind classifies section contents.
type SectionKind uint8

const (
	SectionUnknown SectionKind = iota
	SectionText
	SectionData
	SectionReadOnlyData
	SectionReadOnlyString
	SectionUninitializedData
	SectionCommon
	SectionTls
	SectionUninitializedTls
	SectionTlsVariables
	SectionOtherString
	SectionOther
	SectionDebug
	SectionLinker
	SectionMetadata
)

func (k SectionKind) String() string {
	switch k {
	case SectionText:
		return "text"
	case SectionData:
		return "data"
	case SectionReadOnlyData:
		return "rodata"
	case SectionReadOnlyString:
		return "rostring"
	case SectionUninitializedData:
		return "bss"
	case SectionCommon:
		return "common"
	case SectionTls:
		return "tls"
	case SectionUninitializedTls:
		return "tbss"
	case SectionTlsVariables:
		return "tlv"
	case SectionOtherString:
		return "string"
	case SectionOther:
		return "other"
	case SectionDebug:
		return "debug"
	case SectionLinker:
		return "linker"
	case SectionMetadata:
		return "metadata"
	}
	return "unknown"
}

// Section is the format independent view of a section. Flags holds the raw
// format flags: sh_flags, Mach-O section flags or COFF characteristics.
type Section struct {
	Index      int
	Name       string
	Segment    string
	Address    uint64
	Size       uint64
	Align      uint64
	FileOffset uint64
	// FileSize is 0 for sections without file data.
	FileSize uint64
	Kind     SectionKind
	Flags    uint64
}

// SymbolKind classifies what a symbol names.
type SymbolKind uint8

const (
	SymUnknown SymbolKind = iota
	SymNull
	SymText
	SymData
	SymSection
	SymFile
	SymLabel
	SymTLS
)

func (k SymbolKind) String() string {
	switch k {
	case SymNull:
		return "null"
	case SymText:
		return "text"
	case SymData:
		return "data"
	case SymSection:
		return "section"
	case SymFile:
		return "file"
	case SymLabel:
		return "label"
	case SymTLS:
		return "tls"
	}
	return "unknown"
}

// SymbolScope is the visibility of a symbol.
type SymbolScope uint8

const (
	ScopeUnknown SymbolScope = iota
	// ScopeCompilation symbols are local to the compilation unit.
	ScopeCompilation
	// ScopeLinkage symbols are visible to the static linker only.
	ScopeLinkage
	// ScopeDynamic symbols are visible to the dynamic linker.
	ScopeDynamic
)

func (s SymbolScope) String() string {
	switch s {
	case ScopeCompilation:
		return "compilation"
	case ScopeLinkage:
		return "linkage"
	case ScopeDynamic:
		return "dynamic"
	}
	return "unknown"
}

// Placement says where a symbol is defined.
type Placement uint8

const (
	PlacementUnknown Placement = iota
	// PlacementNone is used for symbols without a section, like file names.
	PlacementNone
	PlacementUndefined
	PlacementAbsolute
	PlacementCommon
	// PlacementSection symbols are defined in Symbol.SectionIndex.
	PlacementSection
)

func (p Placement) String() string {
	switch p {
	case PlacementNone:
		return "none"
	case PlacementUndefined:
		return "undefined"
	case PlacementAbsolute:
		return "absolute"
	case PlacementCommon:
		return "common"
	case PlacementSection:
		return "section"
	}
	return "unknown"
}

// Symbol is the format independent view of a symbol table entry. Index is
// the index used by relocations.
type Symbol struct {
	Index        int
	Name         string
	Address      uint64
	Size         uint64
	Kind         SymbolKind
	Scope        SymbolScope
	Weak         bool
	Placement    Placement
	SectionIndex int
}

// Undefined reports whether the symbol is imported.
func (s *Symbol) Undefined() bool { return s.Placement == PlacementUndefined }

// Defined reports whether the symbol is defined in a section of the file.
func (s *Symbol) Defined() bool { return s.Placement == PlacementSection }

// Segment is a loadable region.
type Segment struct {
	Name       string
	Address    uint64
	Size       uint64
	Align      uint64
	FileOffset uint64
	FileSize   uint64
}

// RelocationKind is the operation a relocation performs.
type RelocationKind uint8

const (
	// RelocFormatSpecific relocations are only described by Relocation.Raw.
	RelocFormatSpecific RelocationKind = iota
	// S + A
	RelocAbsolute
	// S + A - P
	RelocRelative
	// G + A
	RelocGot
	// G + GOT + A - P
	RelocGotRelative
	// GOT + A - P
	RelocGotBaseRelative
	// S + A - GOT
	RelocGotBaseOffset
	// L + A - P
	RelocPltRelative
	// S + A - Image
	RelocImageOffset
	// S + A - Section
	RelocSectionOffset
	// the index of the section containing the symbol
	RelocSectionIndex
)

func (k RelocationKind) String() string {
	switch k {
	case RelocAbsolute:
		return "absolute"
	case RelocRelative:
		return "relative"
	case RelocGot:
		return "got"
	case RelocGotRelative:
		return "got-relative"
	case RelocGotBaseRelative:
		return "got-base-relative"
	case RelocGotBaseOffset:
		return "got-base-offset"
	case RelocPltRelative:
		return "plt-relative"
	case RelocImageOffset:
		return "image-offset"
	case RelocSectionOffset:
		return "section-offset"
	case RelocSectionIndex:
		return "section-index"
	}
	return "format-specific"
}

// RelocationEncoding refines how the value is stored at the relocated
// location.
type RelocationEncoding uint8

const (
	EncodingGeneric RelocationEncoding = iota
	EncodingX86Signed
	EncodingX86RipRelative
	EncodingX86RipRelativeMovq
	EncodingX86Branch
)

func (e RelocationEncoding) String() string {
	switch e {
	case EncodingX86Signed:
		return "x86-signed"
	case EncodingX86RipRelative:
		return "x86-rip-relative"
	case EncodingX86RipRelativeMovq:
		return "x86-rip-relative-movq"
	case EncodingX86Branch:
		return "x86-branch"
	}
	return "generic"
}

// RelocationTarget says what Relocation.Target indexes.
type RelocationTarget uint8

const (
	TargetSymbol RelocationTarget = iota
	TargetSection
	TargetAbsolute
)

// Relocation is the format independent view of a relocation entry.
type Relocation struct {
	Offset   uint64
	Kind     RelocationKind
	Encoding RelocationEncoding
	// Size is the width of the relocated field in bits, 0 if unknown.
	Size       uint8
	TargetKind RelocationTarget
	Target     int
	Addend     int64
	// ImplicitAddend is set when the addend is stored in the relocated bytes
	// and Addend only holds a format defined adjustment.
	ImplicitAddend bool
	// Raw is the format specific relocation type.
	Raw uint32
}

// Import is a symbol imported from another module. Library is empty when the
// format does not record it.
type Import struct {
	Library string
	Name    string
}

// Export is a symbol made available to other modules.
type Export struct {
	Name    string
	Address uint64
	// Forwarder is set for PE exports resolved by another DLL.
	Forwarder string
}

// FileFlags holds the format specific header flags. Only the fields of the
// active format are set.
type FileFlags struct {
	ELFOSABI             uint8
	ELFABIVersion        uint8
	ELFFlags             uint32
	MachOFlags           uint32
	COFFCharacteristics  uint16
	PEDllCharacteristics uint16
}
