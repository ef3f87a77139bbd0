package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/objfile/pkg/objerr"
)

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

func name(s string) []byte { return append(uleb(uint64(len(s))), s...) }

func section(id SectionID, payload ...[]byte) []byte {
	var p []byte
	for _, b := range payload {
		p = append(p, b...)
	}
	return append(append([]byte{byte(id)}, uleb(uint64(len(p)))...), p...)
}

func module(sections ...[]byte) []byte {
	b := []byte("\x00asm\x01\x00\x00\x00")
	for _, s := range sections {
		b = append(b, s...)
	}
	return b
}

func testModule() []byte {
	return module(
		section(SectionType, uleb(1), []byte{0x60, 0, 0}),
		section(SectionImport, uleb(3),
			name("env"), name("log"), []byte{byte(ExternalFunction)}, uleb(0),
			name("env"), name("memory"), []byte{byte(ExternalMemory), 1}, uleb(1), uleb(2),
			name("env"), name("g"), []byte{byte(ExternalGlobal), 0x7f, 0},
		),
		section(SectionFunction, uleb(2), uleb(0), uleb(0)),
		section(SectionExport, uleb(2),
			name("main"), []byte{byte(ExternalFunction)}, uleb(1),
			name("mem"), []byte{byte(ExternalMemory)}, uleb(0),
		),
		section(SectionStart, uleb(2)),
		section(SectionCode, uleb(2), uleb(2), []byte{0, 0x0b}, uleb(2), []byte{0, 0x0b}),
		section(SectionCustom, name("name"),
			// module name subsection, skipped
			[]byte{0}, uleb(4), name("mod"),
			[]byte{nameSubsectionFunction}, uleb(15), uleb(2),
			uleb(1), name("main"),
			uleb(2), name("helper"),
		),
		section(SectionCustom, name(".debug_info"), []byte{1, 2, 3}),
	)
}

func TestParse(t *testing.T) {
	f, err := Parse(testModule())
	require.NoError(t, err)
	var names []string
	for _, s := range f.Sections {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"<type>", "<import>", "<function>", "<export>", "<start>", "<code>", "name", ".debug_info"}, names)
	require.True(t, f.HasDebugSymbols())

	dbg := f.Section(".debug_info")
	require.NotNil(t, dbg)
	require.Equal(t, SectionCustom, dbg.ID)
	data, err := f.SectionData(dbg)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)

	code := f.SectionByID(SectionCode)
	require.NotNil(t, code)
	require.Equal(t, "<code>", code.Name)
	require.Nil(t, f.SectionByID(SectionData))
	require.Nil(t, f.SectionByID(SectionCustom))
}

func TestFunctionNames(t *testing.T) {
	f, err := Parse(testModule())
	require.NoError(t, err)
	fns, err := f.FunctionNames()
	require.NoError(t, err)
	require.Equal(t, []FunctionName{{1, "main"}, {2, "helper"}}, fns)

	f, err = Parse(module(section(SectionType, uleb(0))))
	require.NoError(t, err)
	fns, err = f.FunctionNames()
	require.NoError(t, err)
	require.Empty(t, fns)
	require.False(t, f.HasDebugSymbols())
}

func TestImportsExports(t *testing.T) {
	f, err := Parse(testModule())
	require.NoError(t, err)
	imports, err := f.Imports()
	require.NoError(t, err)
	require.Equal(t, []Import{
		{Module: "env", Name: "log", Kind: ExternalFunction},
		{Module: "env", Name: "memory", Kind: ExternalMemory},
		{Module: "env", Name: "g", Kind: ExternalGlobal},
	}, imports)

	exports, err := f.Exports()
	require.NoError(t, err)
	require.Equal(t, []Export{
		{Name: "main", Kind: ExternalFunction, Index: 1},
		{Name: "mem", Kind: ExternalMemory},
	}, exports)

	start, ok, err := f.Start()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), start)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"short", []byte("\x00asm"), objerr.InvalidHeader},
		{"bad magic", []byte("\x00elf\x01\x00\x00\x00"), objerr.InvalidHeader},
		{"version", []byte("\x00asm\x02\x00\x00\x00"), objerr.UnsupportedFeature},
		{"truncated section", module([]byte{byte(SectionCode), 10, 0}), objerr.InvalidHeader},
		{"unknown id", module(section(42)), objerr.InvalidHeader},
		{"duplicate", module(section(SectionType, uleb(0)), section(SectionType, uleb(0))), objerr.InvalidHeader},
		{"custom name past payload", module([]byte{0, 2, 5, 'a'}), objerr.InvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCorruptTables(t *testing.T) {
	f, err := Parse(module(section(SectionExport, uleb(5), name("x"))))
	require.NoError(t, err)
	_, err = f.Exports()
	require.ErrorIs(t, err, objerr.InvalidTable)

	f, err = Parse(module(section(SectionImport, uleb(1), name("m"), name("f"), []byte{9})))
	require.NoError(t, err)
	_, err = f.Imports()
	require.ErrorIs(t, err, objerr.InvalidTable)
}
