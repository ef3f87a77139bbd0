package object

import (
	stdmacho "debug/macho"
	stdpe "debug/pe"
	"encoding/binary"

	"github.com/grafana/objfile/pkg/pe"
	"github.com/grafana/objfile/pkg/wasm"
)

var le = binary.LittleEndian

// machoObject builds a little-endian x86_64 MH_OBJECT with __text and __data,
// a branch relocation to _puts, a stab entry and a libSystem dependency.
func machoObject() []byte {
	const (
		hdrSize    = 32
		segSize    = 72 + 2*80
		symtabCmd  = 24
		dylibSize  = 56
		uuidSize   = 24
		cmdsSize   = segSize + symtabCmd + dylibSize + uuidSize
		textOff    = hdrSize + cmdsSize
		dataOff    = textOff + 8
		relocOff   = dataOff + 8
		symOff     = relocOff + 8
		strOff     = symOff + 4*16
		strtab     = "\x00_main\x00_puts\x00_local\x00"
		totalSize  = strOff + len(strtab)
		sectionHdr = hdrSize + 72
	)
	out := make([]byte, totalSize)
	le.PutUint32(out[0:], stdmacho.Magic64)
	le.PutUint32(out[4:], uint32(stdmacho.CpuAmd64))
	le.PutUint32(out[8:], 3)
	le.PutUint32(out[12:], uint32(stdmacho.TypeObj))
	le.PutUint32(out[16:], 4)
	le.PutUint32(out[20:], cmdsSize)
	le.PutUint32(out[24:], stdmacho.FlagSubsectionsViaSymbols)

	seg := out[hdrSize:]
	le.PutUint32(seg[0:], uint32(stdmacho.LoadCmdSegment64))
	le.PutUint32(seg[4:], segSize)
	le.PutUint64(seg[32:], 16)      // vmsize
	le.PutUint64(seg[40:], textOff) // fileoff
	le.PutUint64(seg[48:], 16)      // filesize
	le.PutUint32(seg[56:], 7)
	le.PutUint32(seg[60:], 7)
	le.PutUint32(seg[64:], 2)

	text := out[sectionHdr:]
	copy(text[0:], "__text")
	copy(text[16:], "__TEXT")
	le.PutUint64(text[40:], 8)
	le.PutUint32(text[48:], textOff)
	le.PutUint32(text[56:], relocOff)
	le.PutUint32(text[60:], 1)
	le.PutUint32(text[64:], 0x80000400)

	data := out[sectionHdr+80:]
	copy(data[0:], "__data")
	copy(data[16:], "__DATA")
	le.PutUint64(data[32:], 8)
	le.PutUint64(data[40:], 8)
	le.PutUint32(data[48:], dataOff)
	le.PutUint32(data[52:], 3)

	st := out[hdrSize+segSize:]
	le.PutUint32(st[0:], uint32(stdmacho.LoadCmdSymtab))
	le.PutUint32(st[4:], symtabCmd)
	le.PutUint32(st[8:], symOff)
	le.PutUint32(st[12:], 4)
	le.PutUint32(st[16:], strOff)
	le.PutUint32(st[20:], uint32(len(strtab)))

	dl := out[hdrSize+segSize+symtabCmd:]
	le.PutUint32(dl[0:], uint32(stdmacho.LoadCmdDylib))
	le.PutUint32(dl[4:], dylibSize)
	le.PutUint32(dl[8:], 24)
	copy(dl[24:], "/usr/lib/libSystem.B.dylib")

	id := out[hdrSize+segSize+symtabCmd+dylibSize:]
	le.PutUint32(id[0:], 0x1b)
	le.PutUint32(id[4:], uuidSize)
	for i := 0; i < 16; i++ {
		id[8+i] = byte(i + 1)
	}

	copy(out[textOff:], []byte{0xe8, 0, 0, 0, 0, 0xc3, 0x90, 0x90})
	// r_symbolnum=1 r_pcrel=1 r_length=2 r_extern=1 r_type=BRANCH
	le.PutUint32(out[relocOff:], 1)
	le.PutUint32(out[relocOff+4:], 1|1<<24|2<<25|1<<27|uint32(stdmacho.X86_64_RELOC_BRANCH)<<28)

	syms := out[symOff:]
	nlist := func(i int, strx uint32, typ, sect uint8, desc uint16, value uint64) {
		b := syms[i*16:]
		le.PutUint32(b, strx)
		b[4], b[5] = typ, sect
		le.PutUint16(b[6:], desc)
		le.PutUint64(b[8:], value)
	}
	nlist(0, 1, 0x0f, 1, 0, 0)      // _main, N_SECT|N_EXT
	nlist(1, 7, 0x01, 0, 0x0100, 0) // _puts, undefined, library ordinal 1
	nlist(2, 1, 0x64, 0, 0, 0)      // N_SO stab
	nlist(3, 13, 0x0e, 2, 0, 8)     // _local
	copy(out[strOff:], strtab)
	return out
}

// coffObject builds an AMD64 COFF object with .text and .data. A relocOff of
// 0 places the .text relocation right after the section data.
func coffObject(relocOff uint32) []byte {
	const (
		fileHdr   = 20
		textOff   = fileHdr + 2*40
		dataOff   = textOff + 8
		defReloc  = dataOff + 8
		symOff    = defReloc + 10
		numSyms   = 5
		strOff    = symOff + numSyms*18
		longName  = "a_very_long_name"
		strtabLen = 4 + len(longName) + 1
	)
	if relocOff == 0 {
		relocOff = defReloc
	}
	out := make([]byte, strOff+strtabLen)
	le.PutUint16(out[0:], stdpe.IMAGE_FILE_MACHINE_AMD64)
	le.PutUint16(out[2:], 2)
	le.PutUint32(out[8:], symOff)
	le.PutUint32(out[12:], numSyms)

	text := out[fileHdr:]
	copy(text, ".text")
	le.PutUint32(text[16:], 8)
	le.PutUint32(text[20:], textOff)
	le.PutUint32(text[24:], relocOff)
	le.PutUint16(text[32:], 1)
	le.PutUint32(text[36:], stdpe.IMAGE_SCN_CNT_CODE|stdpe.IMAGE_SCN_MEM_EXECUTE|stdpe.IMAGE_SCN_MEM_READ|0x00500000)

	data := out[fileHdr+40:]
	copy(data, ".data")
	le.PutUint32(data[16:], 8)
	le.PutUint32(data[20:], dataOff)
	le.PutUint32(data[36:], stdpe.IMAGE_SCN_CNT_INITIALIZED_DATA|stdpe.IMAGE_SCN_MEM_READ|stdpe.IMAGE_SCN_MEM_WRITE|0x00400000)

	copy(out[textOff:], []byte{0xe8, 0, 0, 0, 0, 0xc3, 0x90, 0x90})
	r := out[defReloc:]
	le.PutUint32(r, 1)
	le.PutUint32(r[4:], 3)
	le.PutUint16(r[8:], pe.IMAGE_REL_AMD64_REL32)

	sym := func(i int, name string, value uint32, section int16, typ uint16, class, aux uint8) {
		b := out[symOff+i*18:]
		copy(b, name)
		le.PutUint32(b[8:], value)
		le.PutUint16(b[12:], uint16(section))
		le.PutUint16(b[14:], typ)
		b[16], b[17] = class, aux
	}
	sym(0, ".text", 0, 1, 0, pe.IMAGE_SYM_CLASS_STATIC, 1)
	le.PutUint32(out[symOff+18:], 8) // aux section length
	sym(2, "main", 0, 1, pe.IMAGE_SYM_DTYPE_FUNCTION<<4, pe.IMAGE_SYM_CLASS_EXTERNAL, 0)
	sym(3, "puts", 0, 0, pe.IMAGE_SYM_DTYPE_FUNCTION<<4, pe.IMAGE_SYM_CLASS_EXTERNAL, 0)
	sym(4, "", 4, 2, 0, pe.IMAGE_SYM_CLASS_EXTERNAL, 0)
	le.PutUint32(out[symOff+4*18+4:], 4) // name at string table offset 4

	le.PutUint32(out[strOff:], uint32(strtabLen))
	copy(out[strOff+4:], longName)
	return out
}

const (
	testImageBase = 0x140000000
	testLfanew    = 0x40
)

// peImage builds a PE32+ image with a single .text section at RVA 0x1000.
func peImage() []byte {
	out := make([]byte, 0x400)
	out[0], out[1] = 'M', 'Z'
	le.PutUint32(out[0x3c:], testLfanew)
	copy(out[testLfanew:], "PE\x00\x00")
	fh := out[testLfanew+4:]
	le.PutUint16(fh[0:], stdpe.IMAGE_FILE_MACHINE_AMD64)
	le.PutUint16(fh[2:], 1)
	le.PutUint16(fh[16:], 240)
	le.PutUint16(fh[18:], stdpe.IMAGE_FILE_EXECUTABLE_IMAGE|stdpe.IMAGE_FILE_LARGE_ADDRESS_AWARE)

	opt := fh[20:]
	le.PutUint16(opt[0:], pe.IMAGE_NT_OPTIONAL_HDR64_MAGIC)
	le.PutUint32(opt[16:], 0x1000) // entry
	le.PutUint32(opt[20:], 0x1000) // base of code
	le.PutUint64(opt[24:], testImageBase)
	le.PutUint32(opt[32:], 0x1000)
	le.PutUint32(opt[36:], 0x200)
	le.PutUint32(opt[56:], 0x2000)
	le.PutUint32(opt[60:], 0x200)
	le.PutUint16(opt[68:], stdpe.IMAGE_SUBSYSTEM_WINDOWS_CUI)
	le.PutUint16(opt[70:], stdpe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT)
	le.PutUint32(opt[108:], 16)

	sh := opt[240:]
	copy(sh, ".text")
	le.PutUint32(sh[8:], 4)
	le.PutUint32(sh[12:], 0x1000)
	le.PutUint32(sh[16:], 0x200)
	le.PutUint32(sh[20:], 0x200)
	le.PutUint32(sh[36:], stdpe.IMAGE_SCN_CNT_CODE|stdpe.IMAGE_SCN_MEM_EXECUTE|stdpe.IMAGE_SCN_MEM_READ)

	copy(out[0x200:], []byte{0x31, 0xc0, 0xc3, 0x90})
	return out
}

func uleb(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func wasmName(s string) []byte { return append(uleb(uint64(len(s))), s...) }

func wasmSec(id wasm.SectionID, payload ...[]byte) []byte {
	var p []byte
	for _, b := range payload {
		p = append(p, b...)
	}
	return append(append([]byte{byte(id)}, uleb(uint64(len(p)))...), p...)
}

// wasmModule imports env.log as function 0 and exports function 1 as "run".
func wasmModule() []byte {
	b := []byte("\x00asm\x01\x00\x00\x00")
	for _, s := range [][]byte{
		wasmSec(wasm.SectionType, uleb(1), []byte{0x60, 0, 0}),
		wasmSec(wasm.SectionImport, uleb(1), wasmName("env"), wasmName("log"), []byte{byte(wasm.ExternalFunction)}, uleb(0)),
		wasmSec(wasm.SectionFunction, uleb(1), uleb(0)),
		wasmSec(wasm.SectionExport, uleb(1), wasmName("run"), []byte{byte(wasm.ExternalFunction)}, uleb(1)),
		wasmSec(wasm.SectionCode, uleb(1), uleb(2), []byte{0, 0x0b}),
		wasmSec(wasm.SectionCustom, wasmName("name"),
			[]byte{1}, uleb(11), uleb(2), uleb(0), wasmName("log"), uleb(1), wasmName("run")),
	} {
		b = append(b, s...)
	}
	return b
}
