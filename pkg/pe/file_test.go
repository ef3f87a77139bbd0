package pe

import (
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/objfile/pkg/objerr"
)

const (
	rdataRVA = 0x2000
	relocRVA = 0x3000
)

// testRdata builds an .rdata section holding an import directory whose
// descriptor has a zero OriginalFirstThunk, and an export directory with one
// forwarder.
func testRdata() []byte {
	b := make([]byte, testRawSize)
	// import descriptor + terminator
	place(b, rdataRVA, 0x2000, u32s(0, 0, 0, 0x2100, 0x2080))
	// IAT: by name, by ordinal, terminator
	place(b, rdataRVA, 0x2080, u64s(0x2120, 1<<63|7, 0))
	place(b, rdataRVA, 0x2100, []byte("KERNEL32.dll\x00"))
	place(b, rdataRVA, 0x2120, append([]byte{5, 0}, "ExitProcess\x00"...))

	// export directory
	ed := make([]byte, exportDirectorySize)
	binary.LittleEndian.PutUint32(ed[12:], 0x2280) // name
	binary.LittleEndian.PutUint32(ed[16:], 1)      // base
	binary.LittleEndian.PutUint32(ed[20:], 2)      // functions
	binary.LittleEndian.PutUint32(ed[24:], 2)      // names
	binary.LittleEndian.PutUint32(ed[28:], 0x2240)
	binary.LittleEndian.PutUint32(ed[32:], 0x2250)
	binary.LittleEndian.PutUint32(ed[36:], 0x2260)
	place(b, rdataRVA, 0x2200, ed)
	place(b, rdataRVA, 0x2240, u32s(0x1000, 0x22a0))
	place(b, rdataRVA, 0x2250, u32s(0x22c0, 0x2290))
	place(b, rdataRVA, 0x2260, []byte{1, 0, 0, 0})
	place(b, rdataRVA, 0x2280, []byte("test.dll\x00"))
	place(b, rdataRVA, 0x2290, []byte("Start\x00"))
	place(b, rdataRVA, 0x22a0, []byte("NTDLL.RtlFoo\x00"))
	place(b, rdataRVA, 0x22c0, []byte("Forwarded\x00"))
	return b
}

func testImage(rich []byte) []byte {
	reloc := append(u32s(0x1000, 12), 0x10, 0xa0, 0, 0)
	return buildImage(pe.IMAGE_FILE_MACHINE_AMD64, []testSection{
		{name: ".text", data: []byte{0xc3}, chars: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ},
		{name: ".rdata", data: testRdata(), chars: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ},
		{name: ".reloc", data: reloc, chars: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_DISCARDABLE},
	}, map[int][2]uint32{
		pe.IMAGE_DIRECTORY_ENTRY_EXPORT:    {0x2200, 0x100},
		pe.IMAGE_DIRECTORY_ENTRY_IMPORT:    {0x2000, 40},
		pe.IMAGE_DIRECTORY_ENTRY_BASERELOC: {relocRVA, 12},
	}, rich)
}

func TestParseImage(t *testing.T) {
	f, err := Parse(testImage(nil))
	require.NoError(t, err)
	require.True(t, f.IsImage())
	require.True(t, f.Is64())
	require.Equal(t, uint64(testImageBase), f.ImageBase())
	require.Equal(t, uint32(0x1000), f.Entry())
	require.Len(t, f.Sections, 3)
	require.Len(t, f.Optional.DataDirectory, numDataDirectories)

	text := f.Section(".text")
	require.NotNil(t, text)
	data, err := f.SectionData(text)
	require.NoError(t, err)
	require.Equal(t, []byte{0xc3}, data, "raw data is trimmed to the virtual size")

	off, ok := f.RVAToOffset(0x2010)
	require.True(t, ok)
	require.Equal(t, uint64(testSizeOfHeaders+testRawSize+0x10), off)
	_, ok = f.RVAToOffset(0x9000)
	require.False(t, ok)
}

func TestImportsFirstThunkFallback(t *testing.T) {
	f, err := Parse(testImage(nil))
	require.NoError(t, err)
	imports, err := f.Imports()
	require.NoError(t, err)
	require.Equal(t, []Import{
		{Library: "KERNEL32.dll", Name: "ExitProcess", Hint: 5, IAT: 0x2080},
		{Library: "KERNEL32.dll", Ordinal: 7, ByOrdinal: true, IAT: 0x2088},
	}, imports)
	libs, err := f.ImportedLibraries()
	require.NoError(t, err)
	require.Equal(t, []string{"KERNEL32.dll"}, libs)
}

func TestExports(t *testing.T) {
	f, err := Parse(testImage(nil))
	require.NoError(t, err)
	name, err := f.ExportName()
	require.NoError(t, err)
	require.Equal(t, "test.dll", name)
	exports, err := f.Exports()
	require.NoError(t, err)
	require.Equal(t, []Export{
		{Ordinal: 1, Name: "Start", RVA: 0x1000},
		{Ordinal: 2, Name: "Forwarded", Forwarder: "NTDLL.RtlFoo"},
	}, exports)
}

func TestBaseRelocations(t *testing.T) {
	f, err := Parse(testImage(nil))
	require.NoError(t, err)
	relocs, err := f.BaseRelocations()
	require.NoError(t, err)
	require.Equal(t, []BaseReloc{{RVA: 0x1010, Type: IMAGE_REL_BASED_DIR64}}, relocs)
}

func TestEmptyDirectories(t *testing.T) {
	img := buildImage(pe.IMAGE_FILE_MACHINE_I386, []testSection{{name: ".text", data: []byte{0xc3}}},
		map[int][2]uint32{pe.IMAGE_DIRECTORY_ENTRY_IMPORT: {0x1000, 0}}, nil)
	f, err := Parse(img)
	require.NoError(t, err)
	imports, err := f.Imports()
	require.NoError(t, err)
	require.Empty(t, imports)
	exports, err := f.Exports()
	require.NoError(t, err)
	require.Empty(t, exports)
	relocs, err := f.BaseRelocations()
	require.NoError(t, err)
	require.Empty(t, relocs)
}

func TestRichHeader(t *testing.T) {
	const key = 0x11223344
	rich := u32s(0x536e6144^key, key, key, key, 0x00e0520d^key, 3^key, 0x00010000^key, 1^key)
	rich = append(rich, "Rich"...)
	rich = append(rich, u32s(key)...)
	f, err := Parse(testImage(rich))
	require.NoError(t, err)
	h, ok := f.RichHeader()
	require.True(t, ok)
	require.Equal(t, uint32(key), h.Key)
	require.Equal(t, uint64(0x40), h.Offset)
	require.Equal(t, []RichEntry{{CompID: 0x00e0520d, Count: 3}, {CompID: 0x00010000, Count: 1}}, h.Entries)

	f, err = Parse(testImage(nil))
	require.NoError(t, err)
	_, ok = f.RichHeader()
	require.False(t, ok)
}

func TestParseErrors(t *testing.T) {
	valid := testImage(nil)
	corrupt := func(off int, b ...byte) []byte {
		c := append([]byte(nil), valid...)
		copy(c[off:], b)
		return c
	}
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"empty", nil, objerr.InvalidHeader},
		{"dos only", valid[:64], objerr.InvalidHeader},
		{"bad mz", corrupt(0, 'Z', 'M'), objerr.InvalidHeader},
		{"bad signature", corrupt(testLfanew, 'N', 'E'), objerr.InvalidHeader},
		{"bad optional magic", corrupt(testLfanew+24, 0x07, 0x01), objerr.InvalidHeader},
		{"truncated headers", valid[:testLfanew+30], objerr.InvalidTable},
		{"too many sections", corrupt(testLfanew+6, 0xff, 0x00), objerr.InvalidTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func buildCOFF() []byte {
	bo := binary.LittleEndian
	const (
		textOff  = fileHeaderSize + 2*sectionHeaderSize
		relocOff = textOff + 16
		dataOff  = relocOff + relocSize
		symOff   = dataOff + 4
	)
	strtab := []byte("\x00\x00\x00\x00.debug_long_section\x00a_long_function_name\x00")
	bo.PutUint32(strtab, uint32(len(strtab)))

	out := make([]byte, symOff+3*symbolSize)
	bo.PutUint16(out[0:], pe.IMAGE_FILE_MACHINE_AMD64)
	bo.PutUint16(out[2:], 2)
	bo.PutUint32(out[8:], symOff)
	bo.PutUint32(out[12:], 3)

	text := out[fileHeaderSize:]
	copy(text, ".text")
	bo.PutUint32(text[16:], 16)
	bo.PutUint32(text[20:], textOff)
	bo.PutUint32(text[24:], relocOff)
	bo.PutUint16(text[32:], 1)
	bo.PutUint32(text[36:], pe.IMAGE_SCN_CNT_CODE|0x00500000) // align 16

	dbg := out[fileHeaderSize+sectionHeaderSize:]
	copy(dbg, "/4")
	bo.PutUint32(dbg[16:], 4)
	bo.PutUint32(dbg[20:], dataOff)

	r := out[relocOff:]
	bo.PutUint32(r, 8)
	bo.PutUint32(r[4:], 2)
	bo.PutUint16(r[8:], IMAGE_REL_AMD64_REL32)

	s := out[symOff:]
	copy(s, ".text")
	bo.PutUint16(s[12:], 1)
	s[16] = IMAGE_SYM_CLASS_STATIC
	s[17] = 1
	aux := s[symbolSize:]
	bo.PutUint32(aux, 16)
	bo.PutUint16(aux[4:], 1)
	fn := s[2*symbolSize:]
	bo.PutUint32(fn[4:], 24)
	bo.PutUint32(fn[8:], 4)
	bo.PutUint16(fn[12:], 1)
	bo.PutUint16(fn[14:], IMAGE_SYM_DTYPE_FUNCTION<<4)
	fn[16] = IMAGE_SYM_CLASS_EXTERNAL

	return append(out, strtab...)
}

func TestParseCOFF(t *testing.T) {
	f, err := ParseCOFF(buildCOFF())
	require.NoError(t, err)
	require.False(t, f.IsImage())
	require.True(t, f.Is64())
	require.Nil(t, f.Optional)
	require.Equal(t, ".text", f.Sections[0].Name)
	require.Equal(t, uint64(16), f.Sections[0].Align())
	require.Equal(t, ".debug_long_section", f.Sections[1].Name)

	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 3)
	require.Equal(t, ".text", syms[0].Name)
	require.True(t, syms[1].Aux)
	require.Equal(t, "a_long_function_name", syms[2].Name)
	require.True(t, syms[2].IsFunction())
	require.Equal(t, uint32(4), syms[2].Value)

	def, err := f.SectionDefinition(0)
	require.NoError(t, err)
	require.Equal(t, uint32(16), def.Length)
	require.Equal(t, uint16(1), def.NumberOfRelocations)

	relocs, err := f.Relocations(0)
	require.NoError(t, err)
	require.Equal(t, []Reloc{{VirtualAddress: 8, SymbolTableIndex: 2, Type: IMAGE_REL_AMD64_REL32}}, relocs)
	relocs, err = f.Relocations(1)
	require.NoError(t, err)
	require.Empty(t, relocs)
	_, err = f.Relocations(5)
	require.ErrorIs(t, err, objerr.InvalidTable)
}

func TestCOFFSymbolTableOverflow(t *testing.T) {
	for _, tt := range []struct {
		name  string
		patch func(data []byte) []byte
	}{
		{"offset past end", func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[8:], uint32(len(data)+100))
			return data
		}},
		{"count past end", func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[12:], 1000)
			return data
		}},
		{"missing string table", func(data []byte) []byte {
			symOff := binary.LittleEndian.Uint32(data[8:])
			return data[:symOff+3*symbolSize]
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCOFF(tt.patch(buildCOFF()))
			require.ErrorIs(t, err, objerr.InvalidTable)
		})
	}
}
