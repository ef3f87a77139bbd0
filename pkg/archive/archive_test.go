package archive

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/objfile/pkg/objerr"
)

type testMember struct {
	name string
	data []byte
	// size overrides len(data) in the header, for thin members
	size int
}

func buildArchive(magic []byte, members ...testMember) []byte {
	out := append([]byte(nil), magic...)
	for _, m := range members {
		size := len(m.data)
		if m.size != 0 {
			size = m.size
		}
		out = append(out, fmt.Sprintf("%-16s%-12d%-6d%-6d%-8s%-10d`\n", m.name, 1700000000, 1000, 100, "644", size)...)
		out = append(out, m.data...)
		if len(out)%2 != 0 {
			out = append(out, '\n')
		}
	}
	return out
}

func gnuIndex(offsets []uint32, names ...string) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(offsets)))
	for _, o := range offsets {
		b = binary.BigEndian.AppendUint32(b, o)
	}
	for _, n := range names {
		b = append(append(b, n...), 0)
	}
	return b
}

func TestKind(t *testing.T) {
	word := []byte("0000")
	tests := []struct {
		name    string
		members []testMember
		kind    Kind
	}{
		{"empty", nil, Unknown},
		{"plain", []testMember{{name: "a.o/", data: word}}, Unknown},
		{"gnu", []testMember{{name: "/", data: word}}, Gnu},
		{"gnu names only", []testMember{{name: "//", data: []byte("x/\n")}}, Gnu},
		{"gnu64", []testMember{{name: "/SYM64/", data: word}}, Gnu64},
		{"bsd", []testMember{{name: "__.SYMDEF", data: word}}, Bsd},
		{"bsd sorted extended", []testMember{{name: "#1/16", data: []byte("__.SYMDEF SORTED0000")}}, Bsd},
		{"bsd64", []testMember{{name: "#1/12", data: []byte("__.SYMDEF_640000")}}, Bsd64},
		{"coff", []testMember{{name: "/", data: word}, {name: "/", data: word}}, Coff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(buildArchive(Magic, tt.members...))
			require.NoError(t, err)
			require.Equal(t, tt.kind, f.Kind)
		})
	}
}

func TestGnuNames(t *testing.T) {
	data := buildArchive(Magic,
		testMember{name: "//", data: []byte("0123456789abcdef/\ns p a c e/\n")},
		testMember{name: "/0", data: []byte("odd")},
		testMember{name: "/18", data: []byte("even")},
		testMember{name: "short.o/", data: []byte("x")},
	)
	f, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, Gnu, f.Kind)
	members, err := f.Members()
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, "0123456789abcdef", members[0].Name)
	require.Equal(t, "s p a c e", members[1].Name)
	require.Equal(t, "short.o", members[2].Name)

	require.Equal(t, uint64(1700000000), members[0].Date)
	require.Equal(t, uint64(1000), members[0].UID)
	require.Equal(t, uint64(100), members[0].GID)
	require.Equal(t, uint64(0o644), members[0].Mode)

	b, err := f.MemberData(members[0])
	require.NoError(t, err)
	require.Equal(t, []byte("odd"), b)
	b, err = f.MemberData(members[1])
	require.NoError(t, err)
	require.Equal(t, []byte("even"), b)
	// odd sized members are padded
	require.Equal(t, uint64(0), members[1].HeaderOffset%2)
}

func TestBsdNames(t *testing.T) {
	f, err := Parse(buildArchive(Magic, testMember{name: "#1/20", data: []byte("a_very_long_name.o\x00\x00data")}))
	require.NoError(t, err)
	members, err := f.Members()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "a_very_long_name.o", members[0].Name)
	b, err := f.MemberData(members[0])
	require.NoError(t, err)
	require.Equal(t, []byte("data"), b)
}

func TestGnuSymbols(t *testing.T) {
	// The index member is 60+len bytes after the magic; member headers
	// follow it.
	index := gnuIndex([]uint32{0, 0}, "foo", "bar")
	first := uint32(len(Magic) + headerSize + len(index))
	index = gnuIndex([]uint32{first, first + headerSize + 2}, "foo", "bar")
	data := buildArchive(Magic,
		testMember{name: "/", data: index},
		testMember{name: "a.o/", data: []byte("aa")},
		testMember{name: "b.o/", data: []byte("bb")},
	)
	f, err := Parse(data)
	require.NoError(t, err)
	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Equal(t, []Symbol{{"foo", uint64(first)}, {"bar", uint64(first) + headerSize + 2}}, syms)

	m, err := f.MemberAt(syms[1].Offset)
	require.NoError(t, err)
	require.Equal(t, "b.o", m.Name)
}

func TestGnu64Symbols(t *testing.T) {
	b := binary.BigEndian.AppendUint64(nil, 1)
	b = binary.BigEndian.AppendUint64(b, 0x1234)
	b = append(b, "sym\x00"...)
	f, err := Parse(buildArchive(Magic, testMember{name: "/SYM64/", data: b}))
	require.NoError(t, err)
	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Equal(t, []Symbol{{"sym", 0x1234}}, syms)
}

func TestBsdSymbols(t *testing.T) {
	le := binary.LittleEndian
	strtab := []byte("_main\x00_helper\x00")
	b := le.AppendUint32(nil, 16)
	b = le.AppendUint32(b, 0)
	b = le.AppendUint32(b, 0x100)
	b = le.AppendUint32(b, 6)
	b = le.AppendUint32(b, 0x200)
	b = le.AppendUint32(b, uint32(len(strtab)))
	b = append(b, strtab...)
	f, err := Parse(buildArchive(Magic, testMember{name: "__.SYMDEF", data: b}))
	require.NoError(t, err)
	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Equal(t, []Symbol{{"_main", 0x100}, {"_helper", 0x200}}, syms)
}

func TestCoffSymbols(t *testing.T) {
	le := binary.LittleEndian
	second := le.AppendUint32(nil, 2)
	second = le.AppendUint32(second, 0x300)
	second = le.AppendUint32(second, 0x400)
	second = le.AppendUint32(second, 2)
	second = le.AppendUint16(second, 2)
	second = le.AppendUint16(second, 1)
	second = append(second, "a\x00b\x00"...)
	f, err := Parse(buildArchive(Magic,
		testMember{name: "/", data: gnuIndex(nil)},
		testMember{name: "/", data: second},
		testMember{name: "//", data: []byte("long_member_name.obj/\n")},
		testMember{name: "/0", data: []byte("obj")},
	))
	require.NoError(t, err)
	require.Equal(t, Coff, f.Kind)
	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Equal(t, []Symbol{{"a", 0x400}, {"b", 0x300}}, syms)
	members, err := f.Members()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "long_member_name.obj", members[0].Name)
}

func TestThin(t *testing.T) {
	data := buildArchive(ThinMagic,
		testMember{name: "//", data: []byte("dir/first.o/\nsecond.o/\n")},
		testMember{name: "/0", size: 1234},
		testMember{name: "/13", size: 10},
	)
	f, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, Thin, f.Kind)
	require.True(t, f.IsThin())
	members, err := f.Members()
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "dir/first.o", members[0].Name)
	require.True(t, members[0].External)
	require.Equal(t, uint64(1234), members[0].Size)
	require.Equal(t, "second.o", members[1].Name)
	_, err = f.MemberData(members[0])
	require.ErrorIs(t, err, objerr.UnsupportedFeature)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("!<arch"))
	require.ErrorIs(t, err, objerr.InvalidHeader)
	_, err = Parse([]byte("!<arcX>\n"))
	require.ErrorIs(t, err, objerr.InvalidHeader)
	_, err = Parse([]byte("<bigaf>\n"))
	require.ErrorIs(t, err, objerr.UnsupportedFeature)

	valid := buildArchive(Magic, testMember{name: "a.o/", data: []byte("abcd")})
	_, err = Parse(valid[:len(valid)-2])
	require.ErrorIs(t, err, objerr.InvalidTable)

	_, err = Parse(buildArchive(Magic, testMember{name: "/99", data: []byte("x")}))
	require.ErrorIs(t, err, objerr.InvalidTable)

	f, err := Parse(buildArchive(Magic,
		testMember{name: "//", data: []byte("x/\n")},
		testMember{name: "/99", data: []byte("x")},
	))
	require.NoError(t, err)
	_, err = f.Members()
	require.ErrorIs(t, err, objerr.InvalidTable)

	f, err = Parse(buildArchive(Magic, testMember{name: "/", data: binary.BigEndian.AppendUint32(nil, 100)}))
	require.NoError(t, err)
	_, err = f.Symbols()
	require.ErrorIs(t, err, objerr.InvalidTable)
}

func TestParseDigits(t *testing.T) {
	for _, tt := range []struct {
		in   string
		base uint64
		want uint64
		ok   bool
	}{
		{"123       ", 10, 123, true},
		{"644     ", 8, 0o644, true},
		{"  1", 10, 0, false},
		{"12a", 10, 0, false},
		{"8", 8, 0, false},
		{"99999999999999999999999", 10, 0, false},
	} {
		v, ok := parseDigits([]byte(tt.in), tt.base)
		require.Equal(t, tt.ok, ok, tt.in)
		require.Equal(t, tt.want, v, tt.in)
	}
}
