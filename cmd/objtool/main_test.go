package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/objfs"
	"github.com/grafana/objfile/pkg/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLoader(t *testing.T, fixtures ...string) *objfs.Loader {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, name := range fixtures {
		data, err := os.ReadFile("../../pkg/object/testdata/" + name)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(fs, "/"+name, data, 0o644))
	}
	return objfs.New(fs)
}

func testContext(t *testing.T, format string) (context.Context, *bytes.Buffer) {
	t.Helper()
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg.format = format
	cfg.jobs = 2

	var buf bytes.Buffer
	return withOutput(context.Background(), &buf), &buf
}

func TestInfo(t *testing.T) {
	ctx, out := testContext(t, formatYAML)
	ld := testLoader(t, "hello", "reloc32.o")
	require.NoError(t, info(ctx, ld, []string{"/hello", "/reloc32.o"}))

	type infoDoc struct {
		Path   string `yaml:"path"`
		Result struct {
			Format       string `yaml:"format"`
			Architecture string `yaml:"architecture"`
			Bits         int    `yaml:"bits"`
			Entry        uint64 `yaml:"entry"`
			BuildID      string `yaml:"build_id"`
		} `yaml:"result"`
	}
	var docs []infoDoc
	dec := yaml.NewDecoder(out)
	for {
		var d infoDoc
		if err := dec.Decode(&d); err != nil {
			break
		}
		docs = append(docs, d)
	}
	require.Len(t, docs, 2)

	assert.Equal(t, "/hello", docs[0].Path)
	assert.Equal(t, "elf", docs[0].Result.Format)
	assert.Equal(t, "x86_64", docs[0].Result.Architecture)
	assert.Equal(t, 64, docs[0].Result.Bits)
	assert.Equal(t, uint64(0x1050), docs[0].Result.Entry)
	assert.Len(t, docs[0].Result.BuildID, 40)

	assert.Equal(t, "/reloc32.o", docs[1].Path)
	assert.Equal(t, "i386", docs[1].Result.Architecture)
	assert.Equal(t, 32, docs[1].Result.Bits)
}

func TestSections(t *testing.T) {
	ctx, out := testContext(t, formatTable)
	require.NoError(t, sections(ctx, testLoader(t, "hello.o"), []string{"/hello.o"}))
	s := out.String()
	assert.Contains(t, s, ".text")
	assert.Contains(t, s, ".debug_info")
	assert.Contains(t, s, "rodata")
}

func TestSymbolsFilter(t *testing.T) {
	ctx, out := testContext(t, formatTable)
	ld := testLoader(t, "hello.o")
	require.NoError(t, symbols(ctx, ld, &symbolsParams{files: []string{"/hello.o"}, undefined: true, sortBy: "index"}))
	assert.Contains(t, out.String(), "puts")
	assert.NotContains(t, out.String(), "main")

	out.Reset()
	require.NoError(t, symbols(ctx, ld, &symbolsParams{files: []string{"/hello.o"}, kinds: []string{"text"}, sortBy: "name"}))
	s := out.String()
	assert.Contains(t, s, "bump")
	assert.Contains(t, s, "main")
	assert.NotContains(t, s, "counter")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("bump")), bytes.Index(out.Bytes(), []byte("main")))

	err := symbols(ctx, ld, &symbolsParams{files: []string{"/hello.o"}, kinds: []string{"bogus"}})
	assert.Error(t, err)
}

func TestSymbolsDemangle(t *testing.T) {
	ctx, out := testContext(t, formatTable)

	b, err := writer.New(nil, writer.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, b.AddObject(writer.Object{
		Sections: []writer.Section{{Name: ".text", Kind: object.SectionText, Data: writer.Bytes{0xc3}}},
		Symbols: []writer.Symbol{
			{Name: "_ZN3foo3barEv", Section: ".text", Kind: object.SymText, Scope: object.ScopeDynamic, Size: 1},
		},
	}))
	data, err := b.Build()
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cxx.o", data, 0o644))
	ld := objfs.New(fs)

	require.NoError(t, symbols(ctx, ld, &symbolsParams{files: []string{"/cxx.o"}, sortBy: "index"}))
	assert.Contains(t, out.String(), "_ZN3foo3barEv")

	out.Reset()
	require.NoError(t, symbols(ctx, ld, &symbolsParams{files: []string{"/cxx.o"}, sortBy: "index", demangle: true}))
	assert.Contains(t, out.String(), "foo::bar()")
	assert.NotContains(t, out.String(), "_ZN3foo3barEv")
}

func TestRelocs(t *testing.T) {
	ctx, out := testContext(t, formatYAML)
	require.NoError(t, relocs(ctx, testLoader(t, "hello.o"), &relocsParams{file: "/hello.o", section: ".text"}))

	var doc struct {
		Result []struct {
			Section    string `yaml:"section"`
			TargetName string `yaml:"target_name"`
			Target     int    `yaml:"target"`
			Kind       string `yaml:"kind"`
		} `yaml:"result"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	require.NotEmpty(t, doc.Result)
	targets := map[string]bool{}
	for _, r := range doc.Result {
		assert.Equal(t, ".text", r.Section)
		assert.NotZero(t, r.Target)
		targets[r.TargetName] = true
	}
	assert.True(t, targets["puts"])

	err := relocs(ctx, testLoader(t, "hello.o"), &relocsParams{file: "/hello.o", section: ".nope"})
	assert.ErrorContains(t, err, `no section ".nope"`)
}

func TestLookup(t *testing.T) {
	ctx, out := testContext(t, formatTable)
	p := &lookupParams{file: "/hello", addrs: []string{"0x1148", "0x114c", "4410"}}
	require.NoError(t, lookup(ctx, testLoader(t, "hello"), p))
	s := out.String()
	assert.Contains(t, s, "main+0x4")
	assert.Contains(t, s, "bump+0x1")

	p.addrs = []string{"zzz"}
	assert.Error(t, lookup(ctx, testLoader(t, "hello"), p))
}

func TestMembers(t *testing.T) {
	ctx, out := testContext(t, formatTable)
	ld := testLoader(t, "libhello.a")
	require.NoError(t, members(ctx, ld, &membersParams{file: "/libhello.a"}))
	assert.Contains(t, out.String(), "hello.o")
	assert.Contains(t, out.String(), "i386")

	out.Reset()
	require.NoError(t, members(ctx, ld, &membersParams{file: "/libhello.a", index: true}))
	assert.Contains(t, out.String(), "main")

	assert.ErrorContains(t, members(ctx, testLoader(t, "hello.o"), &membersParams{file: "/hello.o", index: true}), "not an archive")
}

const sampleDescription = `
config:
  format: elf
  architecture: x86_64
entry: _start
sections:
  - name: .text
    kind: text
    align: 16
    data: 31c0c3
  - name: .data
    kind: data
    align: 8
    data: "0000000000000000"
    relocations:
      - offset: 0
        symbol: _start
        kind: absolute
        size: 64
symbols:
  - name: _start
    section: .text
    kind: text
    scope: dynamic
    size: 3
`

func TestWrite(t *testing.T) {
	ctx, _ := testContext(t, formatTable)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/desc.yaml", []byte(sampleDescription), 0o644))
	ld := objfs.New(fs)

	require.NoError(t, write(ctx, ld, &writeParams{description: "/desc.yaml", output: "/out/a.o"}))
	f, err := ld.Open("/out/a.o")
	require.NoError(t, err)
	assert.Equal(t, object.KindELF, f.Kind())
	sym, ok, err := f.SymbolByName("_start")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), sym.Size)

	require.NoError(t, write(ctx, ld, &writeParams{description: "/desc.yaml", output: "/out/a.exe", format: "pe"}))
	f, err = ld.Open("/out/a.exe")
	require.NoError(t, err)
	assert.Equal(t, object.KindPE, f.Kind())
	assert.Equal(t, uint64(0x140001000), f.Entry())

	err = write(ctx, ld, &writeParams{description: "/desc.yaml", output: "/out/b.o", architecture: "vax"})
	assert.ErrorContains(t, err, "invalid architecture")
}
