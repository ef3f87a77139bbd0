package object

import (
	stdelf "debug/elf"
	"fmt"
	"strings"

	"github.com/grafana/objfile/pkg/elf"
	"github.com/grafana/objfile/pkg/macho"
	"github.com/grafana/objfile/pkg/pe"
	"github.com/grafana/objfile/pkg/symtab"
	"github.com/grafana/objfile/pkg/wasm"
)

// Symbols returns the static symbol table. Null entries, Mach-O debugging
// (stab) entries and COFF aux records are skipped, so Symbol.Index may have
// gaps. Archive symbols come from the archive index and carry the member
// header offset as their address. A symbol table reaching past the input is
// an InvalidTable error in every mode.
func (f *File) Symbols() ([]Symbol, error) {
	switch f.kind {
	case KindELF:
		t, err := f.elf.Symbols()
		if err != nil {
			return nil, err
		}
		return f.elfSymbols(t), nil
	case KindMachO:
		t, err := f.macho.Symbols()
		if err != nil {
			return nil, err
		}
		return f.machoSymbols(t), nil
	case KindPE, KindCOFF:
		syms, err := f.pe.Symbols()
		if err != nil {
			return nil, err
		}
		return f.coffSymbols(syms), nil
	case KindWasm:
		return f.wasmSymbols()
	case KindArchive:
		syms, err := f.archive.Symbols()
		if err != nil {
			return nil, f.tolerate("archive index", err)
		}
		res := make([]Symbol, 0, len(syms))
		for i, s := range syms {
			res = append(res, Symbol{
				Index: i, Name: s.Name, Address: s.Offset,
				Scope: ScopeLinkage, Placement: PlacementUnknown,
			})
		}
		return res, nil
	}
	return nil, nil
}

// DynamicSymbols returns the ELF .dynsym entries. Other formats have none.
func (f *File) DynamicSymbols() ([]Symbol, error) {
	if f.kind != KindELF {
		return nil, nil
	}
	t, err := f.elf.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	return f.elfSymbols(t), nil
}

// SymbolByName returns the first static or dynamic symbol named name. ELF
// and Mach-O tables are searched by comparing raw string table bytes and only
// the match is converted.
func (f *File) SymbolByName(name string) (Symbol, bool, error) {
	switch f.kind {
	case KindELF:
		for _, table := range []func() (*elf.SymbolTable, error){f.elf.Symbols, f.elf.DynamicSymbols} {
			t, err := table()
			if err != nil {
				return Symbol{}, false, err
			}
			if i := t.Lookup(name); i > 0 {
				return f.elfSymbol(t, i), true, nil
			}
		}
		return Symbol{}, false, nil
	case KindMachO:
		t, err := f.macho.Symbols()
		if err != nil {
			return Symbol{}, false, err
		}
		if i := t.Lookup(name); i >= 0 {
			return f.machoSymbol(t, i), true, nil
		}
		return Symbol{}, false, nil
	}
	syms, err := f.Symbols()
	if err != nil {
		return Symbol{}, false, err
	}
	for _, s := range syms {
		if s.Name == name {
			return s, true, nil
		}
	}
	return Symbol{}, false, nil
}

// SymbolMap builds an address lookup over the defined text and data
// symbols of both tables. ELF names are decoded only for resolved addresses.
func (f *File) SymbolMap() (*symtab.Map, error) {
	if f.kind == KindELF {
		return f.elf.SymbolMap()
	}
	var entries []symtab.Entry
	for _, table := range []func() ([]Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := table()
		if err != nil {
			return nil, err
		}
		for _, s := range syms {
			if !s.Defined() || (s.Kind != SymText && s.Kind != SymData) || s.Name == "" {
				continue
			}
			entries = append(entries, symtab.Entry{Address: s.Address, Size: s.Size, Name: s.Name})
		}
	}
	return symtab.NewMap(entries), nil
}

func (f *File) elfSymbols(t *elf.SymbolTable) []Symbol {
	if len(t.Symbols) == 0 {
		return nil
	}
	res := make([]Symbol, 0, len(t.Symbols)-1)
	for i := 1; i < len(t.Symbols); i++ {
		res = append(res, f.elfSymbol(t, i))
	}
	return res
}

func (f *File) elfSymbol(t *elf.SymbolTable, i int) Symbol {
	s := &t.Symbols[i]
	name, err := t.Name(i)
	if err != nil {
		_ = f.tolerate("symbol name", err)
	}
	sym := Symbol{
		Index: i, Name: name, Address: s.Value, Size: s.Size,
		Kind: elfSymbolKind(s), Weak: s.Bind() == stdelf.STB_WEAK,
	}
	switch {
	case s.Undefined():
		sym.Placement = PlacementUndefined
	case s.Common():
		sym.Placement = PlacementCommon
	case s.Absolute():
		sym.Placement = PlacementAbsolute
	default:
		if idx, ok := t.SectionIndex(i); ok {
			sym.Placement = PlacementSection
			sym.SectionIndex = int(idx)
		} else {
			sym.Placement = PlacementUnknown
		}
	}
	if s.Type() == stdelf.STT_FILE {
		sym.Placement = PlacementNone
	}
	switch {
	case s.Undefined():
		sym.Scope = ScopeUnknown
	case s.Bind() == stdelf.STB_LOCAL:
		sym.Scope = ScopeCompilation
	case s.Visibility() == stdelf.STV_HIDDEN || s.Visibility() == stdelf.STV_INTERNAL:
		sym.Scope = ScopeLinkage
	default:
		sym.Scope = ScopeDynamic
	}
	return sym
}

func elfSymbolKind(s *elf.Symbol) SymbolKind {
	switch s.Type() {
	case stdelf.STT_NOTYPE:
		return SymUnknown
	case stdelf.STT_OBJECT, stdelf.STT_COMMON:
		return SymData
	case stdelf.STT_FUNC, stdelf.STT_GNU_IFUNC:
		return SymText
	case stdelf.STT_SECTION:
		return SymSection
	case stdelf.STT_FILE:
		return SymFile
	case stdelf.STT_TLS:
		return SymTLS
	}
	return SymUnknown
}

func (f *File) machoSymbols(t *macho.SymbolTable) []Symbol {
	res := make([]Symbol, 0, len(t.Symbols))
	for i := range t.Symbols {
		if t.Symbols[i].Stab() {
			continue
		}
		res = append(res, f.machoSymbol(t, i))
	}
	return res
}

func (f *File) machoSymbol(t *macho.SymbolTable, i int) Symbol {
	s := &t.Symbols[i]
	name, err := t.Name(i)
	if err != nil {
		_ = f.tolerate("symbol name", err)
	}
	sym := Symbol{
		Index: i, Name: name, Address: s.Value,
		Weak: s.Desc&(macho.NWeakRef|macho.NWeakDef) != 0,
	}
	switch s.Type & macho.NType {
	case macho.NUndf:
		if s.External() && s.Value != 0 {
			sym.Placement = PlacementCommon
			sym.Size = s.Value
			sym.Address = 0
			sym.Kind = SymData
		} else {
			sym.Placement = PlacementUndefined
		}
	case macho.NAbs:
		sym.Placement = PlacementAbsolute
	case macho.NSect:
		if s.Sect != 0 && int(s.Sect) <= len(f.macho.Sections) {
			sym.Placement = PlacementSection
			sym.SectionIndex = int(s.Sect)
			sym.Kind = machoSymbolKind(machoSectionKind(&f.macho.Sections[s.Sect-1]))
		} else {
			sym.Placement = PlacementUnknown
		}
	default:
		sym.Placement = PlacementUnknown
	}
	switch {
	case sym.Placement == PlacementUndefined:
		sym.Scope = ScopeUnknown
	case !s.External():
		sym.Scope = ScopeCompilation
	case s.Type&macho.NPext != 0:
		sym.Scope = ScopeLinkage
	default:
		sym.Scope = ScopeDynamic
	}
	return sym
}

func machoSymbolKind(k SectionKind) SymbolKind {
	switch k {
	case SectionText:
		return SymText
	case SectionData, SectionReadOnlyData, SectionReadOnlyString,
		SectionUninitializedData, SectionCommon:
		return SymData
	case SectionTls, SectionUninitializedTls, SectionTlsVariables:
		return SymTLS
	}
	return SymUnknown
}

func (f *File) coffSymbols(syms []pe.Symbol) []Symbol {
	var base uint64
	if f.pe.IsImage() {
		base = f.pe.ImageBase()
	}
	res := make([]Symbol, 0, len(syms))
	for i := range syms {
		s := &syms[i]
		if s.Aux {
			continue
		}
		sym := Symbol{Index: i, Name: s.Name, Address: uint64(s.Value)}
		switch s.StorageClass {
		case pe.IMAGE_SYM_CLASS_SECTION:
			sym.Kind = SymSection
		case pe.IMAGE_SYM_CLASS_FILE:
			sym.Kind = SymFile
		case pe.IMAGE_SYM_CLASS_LABEL:
			sym.Kind = SymLabel
		case pe.IMAGE_SYM_CLASS_STATIC:
			if s.Value == 0 && s.NumberOfAuxSymbols > 0 {
				sym.Kind = SymSection
				break
			}
			fallthrough
		default:
			if s.IsFunction() {
				sym.Kind = SymText
			} else {
				sym.Kind = SymData
			}
		}
		switch sn := s.SectionNumber; {
		case s.StorageClass == pe.IMAGE_SYM_CLASS_FILE:
			sym.Placement = PlacementNone
		case sn == pe.IMAGE_SYM_UNDEFINED:
			if s.StorageClass == pe.IMAGE_SYM_CLASS_EXTERNAL && s.Value != 0 {
				sym.Placement = PlacementCommon
				sym.Size = uint64(s.Value)
				sym.Address = 0
			} else {
				sym.Placement = PlacementUndefined
			}
		case sn == pe.IMAGE_SYM_ABSOLUTE:
			sym.Placement = PlacementAbsolute
		case sn == pe.IMAGE_SYM_DEBUG:
			sym.Placement = PlacementNone
		case sn > 0 && int(sn) <= len(f.pe.Sections):
			sym.Placement = PlacementSection
			sym.SectionIndex = int(sn)
			sym.Address += base + uint64(f.pe.Sections[sn-1].VirtualAddress)
		default:
			sym.Placement = PlacementUnknown
		}
		switch s.StorageClass {
		case pe.IMAGE_SYM_CLASS_EXTERNAL, pe.IMAGE_SYM_CLASS_WEAK_EXTERNAL:
			sym.Scope = ScopeLinkage
		default:
			sym.Scope = ScopeCompilation
		}
		sym.Weak = s.StorageClass == pe.IMAGE_SYM_CLASS_WEAK_EXTERNAL
		res = append(res, sym)
	}
	return res
}

// wasmSymbols names functions from the "name" section. Imported functions
// come first in the function index space and are undefined.
func (f *File) wasmSymbols() ([]Symbol, error) {
	names, err := f.wasm.FunctionNames()
	if err != nil {
		return nil, f.tolerate("name section", err)
	}
	imports, err := f.wasm.Imports()
	if err != nil {
		return nil, f.tolerate("imports", err)
	}
	exports, err := f.wasm.Exports()
	if err != nil {
		return nil, f.tolerate("exports", err)
	}
	var imported uint32
	for _, imp := range imports {
		if imp.Kind == wasm.ExternalFunction {
			imported++
		}
	}
	exported := make(map[uint32]bool)
	for _, e := range exports {
		if e.Kind == wasm.ExternalFunction {
			exported[e.Index] = true
		}
	}
	code := -1
	if s := f.wasm.SectionByID(wasm.SectionCode); s != nil {
		code = indexOf(f.wasm.Sections, s)
	}
	res := make([]Symbol, 0, len(names))
	for _, n := range names {
		sym := Symbol{Index: int(n.Index), Name: n.Name, Kind: SymText, Scope: ScopeCompilation}
		switch {
		case n.Index < imported:
			sym.Placement = PlacementUndefined
			sym.Scope = ScopeUnknown
		case code >= 0:
			sym.Placement = PlacementSection
			sym.SectionIndex = code
		default:
			sym.Placement = PlacementUnknown
		}
		if exported[n.Index] {
			sym.Scope = ScopeDynamic
		}
		res = append(res, sym)
	}
	return res, nil
}

// Imports lists the symbols the file expects another module to provide.
func (f *File) Imports() ([]Import, error) {
	switch f.kind {
	case KindELF:
		return f.elfImports()
	case KindMachO:
		return f.machoImports()
	case KindPE:
		imps, err := f.pe.Imports()
		if err != nil {
			return nil, f.tolerate("import directory", err)
		}
		res := make([]Import, 0, len(imps))
		for _, imp := range imps {
			name := imp.Name
			if imp.ByOrdinal {
				name = fmt.Sprintf("#%d", imp.Ordinal)
			}
			res = append(res, Import{Library: imp.Library, Name: name})
		}
		return res, nil
	case KindWasm:
		imps, err := f.wasm.Imports()
		if err != nil {
			return nil, f.tolerate("imports", err)
		}
		res := make([]Import, 0, len(imps))
		for _, imp := range imps {
			res = append(res, Import{Library: imp.Module, Name: imp.Name})
		}
		return res, nil
	}
	return nil, nil
}

// elfImports returns the undefined dynamic symbols. The library comes from
// the symbol version requirement when there is one.
func (f *File) elfImports() ([]Import, error) {
	t, err := f.elf.DynamicSymbols()
	if err != nil {
		return nil, f.tolerate("dynsym", err)
	}
	versions, err := f.elf.Versions()
	if err != nil {
		_ = f.tolerate("versions", err)
		versions = nil
	}
	var res []Import
	for i := 1; i < len(t.Symbols); i++ {
		s := &t.Symbols[i]
		if !s.Undefined() {
			continue
		}
		name, err := t.Name(i)
		if err != nil || name == "" {
			continue
		}
		imp := Import{Name: name}
		if v, _, ok := versions.SymbolVersion(i); ok {
			imp.Library = v.File
		}
		res = append(res, imp)
	}
	return res, nil
}

// machoImports uses the two-level namespace library ordinal in n_desc.
func (f *File) machoImports() ([]Import, error) {
	t, err := f.macho.Symbols()
	if err != nil {
		return nil, f.tolerate("symtab", err)
	}
	var libs []string
	for _, d := range f.macho.Dylibs() {
		if d.Cmd != macho.LoadCmdIDDylib {
			libs = append(libs, d.Name)
		}
	}
	var res []Import
	for i := range t.Symbols {
		s := &t.Symbols[i]
		if s.Stab() || !s.Undefined() || !s.External() || s.Value != 0 {
			continue
		}
		name, err := t.Name(i)
		if err != nil || name == "" {
			continue
		}
		imp := Import{Name: name}
		if ord := int(s.Desc>>8) & 0xff; ord > 0 && ord <= len(libs) {
			imp.Library = libs[ord-1]
		}
		res = append(res, imp)
	}
	return res, nil
}

// Exports lists the symbols the file provides to other modules. PE
// forwarders have a zero address.
func (f *File) Exports() ([]Export, error) {
	switch f.kind {
	case KindELF:
		syms, err := f.DynamicSymbols()
		if err != nil {
			return nil, f.tolerate("dynsym", err)
		}
		var res []Export
		for _, s := range syms {
			if s.Defined() && s.Scope == ScopeDynamic && s.Name != "" {
				res = append(res, Export{Name: s.Name, Address: s.Address})
			}
		}
		return res, nil
	case KindMachO:
		syms, err := f.Symbols()
		if err != nil {
			return nil, f.tolerate("symtab", err)
		}
		var res []Export
		for _, s := range syms {
			if s.Defined() && s.Scope == ScopeDynamic {
				res = append(res, Export{Name: s.Name, Address: s.Address})
			}
		}
		return res, nil
	case KindPE:
		exps, err := f.pe.Exports()
		if err != nil {
			return nil, f.tolerate("export directory", err)
		}
		res := make([]Export, 0, len(exps))
		for _, e := range exps {
			exp := Export{Name: e.Name, Forwarder: e.Forwarder}
			if exp.Name == "" {
				exp.Name = fmt.Sprintf("#%d", e.Ordinal)
			}
			if e.RVA != 0 {
				exp.Address = f.pe.ImageBase() + uint64(e.RVA)
			}
			res = append(res, exp)
		}
		return res, nil
	case KindWasm:
		exps, err := f.wasm.Exports()
		if err != nil {
			return nil, f.tolerate("exports", err)
		}
		res := make([]Export, 0, len(exps))
		for _, e := range exps {
			res = append(res, Export{Name: e.Name, Address: uint64(e.Index)})
		}
		return res, nil
	}
	return nil, nil
}

// HasDebugSymbols reports whether the file carries DWARF sections.
func (f *File) HasDebugSymbols() bool {
	switch f.kind {
	case KindELF:
		return f.elf.Section(".debug_info") != nil || f.elf.Section(".zdebug_info") != nil
	case KindMachO:
		for i := range f.macho.Sections {
			if f.macho.Sections[i].Seg == "__DWARF" {
				return true
			}
		}
	case KindPE, KindCOFF:
		for i := range f.pe.Sections {
			if strings.HasPrefix(f.pe.Sections[i].Name, ".debug_info") {
				return true
			}
		}
	case KindWasm:
		return f.wasm.HasDebugSymbols()
	}
	return false
}

// BuildID returns the GNU build-id note of an ELF file or the LC_UUID of a
// Mach-O image. It is nil when there is none.
func (f *File) BuildID() []byte {
	switch f.kind {
	case KindELF:
		for _, n := range f.elf.Notes() {
			if n.Name == "GNU" && n.Type == elf.NoteGNUBuildID {
				return n.Desc
			}
		}
	case KindMachO:
		if id, ok := f.macho.UUID(); ok {
			return id[:]
		}
	}
	return nil
}
