// Package object is the format independent view over the ELF, Mach-O,
// PE/COFF, Wasm and archive parsers.
package object

import (
	"bytes"
	stdelf "debug/elf"
	stdmacho "debug/macho"
	stdpe "debug/pe"
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/objfile/pkg/archive"
	"github.com/grafana/objfile/pkg/elf"
	"github.com/grafana/objfile/pkg/macho"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pe"
	"github.com/grafana/objfile/pkg/pod"
	"github.com/grafana/objfile/pkg/wasm"
)

// Kind identifies the container format of an input.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindArchive
	KindELF
	KindMachO
	KindMachOFat
	KindDyldCache
	KindPE
	KindCOFF
	KindWasm
)

func (k Kind) String() string {
	switch k {
	case KindArchive:
		return "archive"
	case KindELF:
		return "elf"
	case KindMachO:
		return "macho"
	case KindMachOFat:
		return "macho-fat"
	case KindDyldCache:
		return "dyld-cache"
	case KindPE:
		return "pe"
	case KindCOFF:
		return "coff"
	case KindWasm:
		return "wasm"
	}
	return "unknown"
}

// DetectKind inspects the magic bytes at the start of data. It never reads
// more than the PE signature check needs.
func DetectKind(data []byte) (Kind, error) {
	switch {
	case archive.IsArchive(data):
		return KindArchive, nil
	case len(data) >= 5 && bytes.HasPrefix(data, []byte(stdelf.ELFMAG)) &&
		(data[4] == byte(stdelf.ELFCLASS32) || data[4] == byte(stdelf.ELFCLASS64)):
		return KindELF, nil
	case macho.IsDyldCache(data):
		return KindDyldCache, nil
	case wasm.IsWasm(data):
		return KindWasm, nil
	}
	if len(data) >= 4 {
		be := binary.BigEndian.Uint32(data)
		switch be {
		case stdmacho.Magic32, stdmacho.Magic64, macho.MagicCigam32, macho.MagicCigam64:
			return KindMachO, nil
		case stdmacho.MagicFat, macho.MagicFat64:
			return KindMachOFat, nil
		}
	}
	if len(data) >= 2 && data[0] == 'M' && data[1] == 'Z' {
		if peOptionalMagic(data) {
			return KindPE, nil
		}
		return KindUnknown, objerr.New(objerr.UnknownFormat, "MZ file without a PE optional header")
	}
	if len(data) >= 2 && pe.IsCOFFMachine(binary.LittleEndian.Uint16(data)) {
		return KindCOFF, nil
	}
	return KindUnknown, objerr.New(objerr.UnknownFormat, "unrecognised file magic")
}

func peOptionalMagic(data []byte) bool {
	if len(data) < 0x40 {
		return false
	}
	lfanew := uint64(binary.LittleEndian.Uint32(data[0x3c:]))
	if lfanew+26 > uint64(len(data)) || string(data[lfanew:lfanew+4]) != "PE\x00\x00" {
		return false
	}
	magic := binary.LittleEndian.Uint16(data[lfanew+24:])
	return magic == pe.IMAGE_NT_OPTIONAL_HDR32_MAGIC || magic == pe.IMAGE_NT_OPTIONAL_HDR64_MAGIC
}

// Option configures Parse.
type Option func(*options)

type options struct {
	logger log.Logger
	strict bool
}

// WithLogger receives debug messages about tolerated malformed optional
// tables.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStrictOptionalTables makes malformed optional tables (symbols, imports,
// exports, relocations) fail the accessor instead of reading as empty.
func WithStrictOptionalTables() Option {
	return func(o *options) {
		o.strict = true
	}
}

// File is a parsed input of any supported kind. Exactly one of the format
// fields is set, selected by kind.
type File struct {
	kind    Kind
	elf     *elf.File
	macho   *macho.File
	pe      *pe.File
	wasm    *wasm.File
	archive *archive.File

	opts options
}

// Parse detects the format of data and parses it. Fat binaries and dyld
// caches hold several images; they are recognised but must be opened with
// macho.ParseFat or macho.ParseDyldCache.
func Parse(data []byte, opts ...Option) (*File, error) {
	f := &File{opts: options{logger: log.NewNopLogger()}}
	for _, o := range opts {
		o(&f.opts)
	}
	kind, err := DetectKind(data)
	if err != nil {
		return nil, err
	}
	f.kind = kind
	switch kind {
	case KindELF:
		f.elf, err = elf.Parse(data)
	case KindMachO:
		f.macho, err = macho.Parse(data)
	case KindPE:
		f.pe, err = pe.Parse(data)
	case KindCOFF:
		f.pe, err = pe.ParseCOFF(data)
	case KindWasm:
		f.wasm, err = wasm.Parse(data)
	case KindArchive:
		f.archive, err = archive.Parse(data)
	default:
		return nil, objerr.New(objerr.UnsupportedFeature, "%s holds several images, open it with the macho package", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", kind)
	}
	return f, nil
}

// FromELF wraps an already parsed ELF file, e.g. the result of
// elf.File.MiniDebugInfo.
func FromELF(ef *elf.File, opts ...Option) *File {
	f := &File{kind: KindELF, elf: ef, opts: options{logger: log.NewNopLogger()}}
	for _, o := range opts {
		o(&f.opts)
	}
	return f
}

// FromMachO wraps a Mach-O image, e.g. a fat slice or a dyld cache image.
func FromMachO(mf *macho.File, opts ...Option) *File {
	f := &File{kind: KindMachO, macho: mf, opts: options{logger: log.NewNopLogger()}}
	for _, o := range opts {
		o(&f.opts)
	}
	return f
}

func (f *File) Kind() Kind { return f.kind }

// ELF returns the underlying ELF file, or nil.
func (f *File) ELF() *elf.File { return f.elf }

// MachO returns the underlying Mach-O file, or nil.
func (f *File) MachO() *macho.File { return f.macho }

// PE returns the underlying PE image or COFF object, or nil.
func (f *File) PE() *pe.File { return f.pe }

// Wasm returns the underlying Wasm module, or nil.
func (f *File) Wasm() *wasm.File { return f.wasm }

// Archive returns the underlying archive, or nil.
func (f *File) Archive() *archive.File { return f.archive }

// tolerate turns an optional table error into "no entries" unless strict.
func (f *File) tolerate(table string, err error) error {
	if err == nil || f.opts.strict {
		return err
	}
	level.Debug(f.opts.logger).Log("msg", "ignoring malformed optional table", "format", f.kind, "table", table, "err", err)
	return nil
}

// Architecture returns the target machine.
func (f *File) Architecture() Architecture {
	switch f.kind {
	case KindELF:
		return elfArchitecture(f.elf)
	case KindMachO:
		return machoArchitecture(f.macho.Cpu)
	case KindPE, KindCOFF:
		return peArchitecture(f.pe.Machine)
	case KindWasm:
		return ArchWasm32
	}
	return ArchUnknown
}

// Endianness returns the byte order of the file. Formats without one report
// little endian.
func (f *File) Endianness() pod.Endian {
	switch f.kind {
	case KindELF:
		return pod.EndianOf(f.elf.ByteOrder())
	case KindMachO:
		return pod.EndianOf(f.macho.ByteOrder())
	}
	return pod.Little
}

// Is64 reports whether the file uses 64-bit addresses.
func (f *File) Is64() bool {
	switch f.kind {
	case KindELF:
		return f.elf.Is64()
	case KindMachO:
		return f.macho.Is64()
	case KindPE, KindCOFF:
		return f.pe.Is64()
	}
	return false
}

// Entry returns the entry point address, 0 if there is none.
func (f *File) Entry() uint64 {
	switch f.kind {
	case KindELF:
		return f.elf.Entry
	case KindMachO:
		e, _ := f.macho.Entry()
		return e
	case KindPE:
		if rva := f.pe.Entry(); rva != 0 {
			return f.pe.ImageBase() + uint64(rva)
		}
	}
	return 0
}

// RelativeAddressBase is the value subtracted from addresses to get image
// relative addresses: the image base for PE, the __TEXT address for Mach-O
// and 0 otherwise.
func (f *File) RelativeAddressBase() uint64 {
	switch f.kind {
	case KindMachO:
		if text := f.macho.Segment("__TEXT"); text != nil {
			return text.Addr
		}
	case KindPE:
		return f.pe.ImageBase()
	}
	return 0
}

// Flags returns the format specific header flags.
func (f *File) Flags() FileFlags {
	switch f.kind {
	case KindELF:
		return FileFlags{ELFOSABI: uint8(f.elf.OSABI), ELFABIVersion: f.elf.ABIVersion, ELFFlags: f.elf.Flags}
	case KindMachO:
		return FileFlags{MachOFlags: f.macho.Flags}
	case KindPE, KindCOFF:
		flags := FileFlags{COFFCharacteristics: f.pe.Characteristics}
		if f.pe.Optional != nil {
			flags.PEDllCharacteristics = f.pe.Optional.DllCharacteristics
		}
		return flags
	}
	return FileFlags{}
}

func elfArchitecture(f *elf.File) Architecture {
	switch f.Machine {
	case stdelf.EM_AARCH64:
		return ArchAarch64
	case stdelf.EM_ARM:
		return ArchArm
	case stdelf.EM_386:
		return ArchI386
	case stdelf.EM_X86_64:
		return ArchX86_64
	case stdelf.EM_MIPS:
		if f.Is64() {
			return ArchMips64
		}
		return ArchMips
	case stdelf.EM_PPC:
		return ArchPowerPc
	case stdelf.EM_PPC64:
		return ArchPowerPc64
	case stdelf.EM_RISCV:
		if f.Is64() {
			return ArchRiscv64
		}
		return ArchRiscv32
	case stdelf.EM_S390:
		return ArchS390x
	case stdelf.EM_SPARCV9:
		return ArchSparc64
	case stdelf.EM_LOONGARCH:
		return ArchLoongArch64
	}
	return ArchUnknown
}

func machoArchitecture(cpu stdmacho.Cpu) Architecture {
	switch cpu {
	case stdmacho.CpuArm64:
		return ArchAarch64
	case stdmacho.CpuArm:
		return ArchArm
	case stdmacho.Cpu386:
		return ArchI386
	case stdmacho.CpuAmd64:
		return ArchX86_64
	case stdmacho.CpuPpc:
		return ArchPowerPc
	case stdmacho.CpuPpc64:
		return ArchPowerPc64
	}
	return ArchUnknown
}

func peArchitecture(machine uint16) Architecture {
	switch machine {
	case stdpe.IMAGE_FILE_MACHINE_ARM64:
		return ArchAarch64
	case stdpe.IMAGE_FILE_MACHINE_ARMNT, stdpe.IMAGE_FILE_MACHINE_ARM:
		return ArchArm
	case stdpe.IMAGE_FILE_MACHINE_I386:
		return ArchI386
	case stdpe.IMAGE_FILE_MACHINE_AMD64:
		return ArchX86_64
	case stdpe.IMAGE_FILE_MACHINE_RISCV64:
		return ArchRiscv64
	case stdpe.IMAGE_FILE_MACHINE_LOONGARCH64:
		return ArchLoongArch64
	}
	return ArchUnknown
}
