// Package archive reads Unix ar archives: GNU, BSD and COFF variants, their
// symbol indexes and GNU thin archives.
package archive

import (
	"bytes"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

var (
	Magic       = []byte("!<arch>\n")
	ThinMagic   = []byte("!<thin>\n")
	AIXBigMagic = []byte("<bigaf>\n")
)

const (
	headerSize = 60
	terminator = "`\n"
)

// Kind is the archive flavour, decided by its special members.
type Kind uint8

const (
	Unknown Kind = iota
	Gnu
	Gnu64
	Bsd
	Bsd64
	Coff
	Thin
)

func (k Kind) String() string {
	switch k {
	case Gnu:
		return "gnu"
	case Gnu64:
		return "gnu64"
	case Bsd:
		return "bsd"
	case Bsd64:
		return "bsd64"
	case Coff:
		return "coff"
	case Thin:
		return "thin"
	}
	return "unknown"
}

// IsArchive reports whether data starts with one of the ar magics.
func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, Magic) || bytes.HasPrefix(data, ThinMagic) || bytes.HasPrefix(data, AIXBigMagic)
}

// Member is a member header. Offset and Size locate the member data; for
// BSD "#1/N" names the name bytes are excluded.
type Member struct {
	Name         string
	Date         uint64
	UID          uint64
	GID          uint64
	Mode         uint64
	HeaderOffset uint64
	Offset       uint64
	Size         uint64
	// External is set for thin archive members, whose data lives in the
	// file named by Name.
	External bool
}

// File is a parsed archive.
type File struct {
	Kind Kind

	data binread.Data
	// offset of the first regular member
	first uint64
	// symbol index member
	symbols     binread.Data
	symbolsKind Kind
	names       []byte
	thin        bool
}

// Parse reads the archive magic and the leading special members: the symbol
// index ("/", "/SYM64/", "__.SYMDEF*" or the two COFF linker members) and the
// GNU long name table "//".
func Parse(data []byte) (*File, error) {
	d := binread.Data(data)
	magic, err := d.Bytes(0, uint64(len(Magic)))
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "archive magic")
	}
	f := &File{data: d, first: uint64(len(Magic))}
	switch {
	case bytes.Equal(magic, Magic):
	case bytes.Equal(magic, ThinMagic):
		f.thin = true
	case bytes.Equal(magic, AIXBigMagic):
		return nil, objerr.New(objerr.UnsupportedFeature, "AIX big archive")
	default:
		return nil, objerr.New(objerr.InvalidHeader, "bad archive magic %q", magic)
	}

	next := func() (Member, uint64, bool, error) {
		if f.first >= d.Len() {
			return Member{}, 0, false, nil
		}
		m, end, err := f.readMember(f.first)
		return m, end, err == nil, err
	}

	m, end, ok, err := next()
	if err != nil {
		return nil, err
	}
	if ok {
		switch m.Name {
		case "/":
			f.Kind, f.symbols, f.first = Gnu, d[m.Offset:m.Offset+m.Size], end
			if m, end, ok, err = next(); err != nil {
				return nil, err
			}
			if ok && m.Name == "/" {
				// The second linker member replaces the first.
				f.Kind, f.symbols, f.first = Coff, d[m.Offset:m.Offset+m.Size], end
				if m, end, ok, err = next(); err != nil {
					return nil, err
				}
			}
			if ok && m.Name == "//" {
				f.names, f.first = d[m.Offset:m.Offset+m.Size], end
			}
		case "/SYM64/":
			f.Kind, f.symbols, f.first = Gnu64, d[m.Offset:m.Offset+m.Size], end
			if m, end, ok, err = next(); err != nil {
				return nil, err
			}
			if ok && m.Name == "//" {
				f.names, f.first = d[m.Offset:m.Offset+m.Size], end
			}
		case "//":
			f.Kind, f.names, f.first = Gnu, d[m.Offset:m.Offset+m.Size], end
		case "__.SYMDEF", "__.SYMDEF SORTED":
			f.Kind, f.symbols, f.first = Bsd, d[m.Offset:m.Offset+m.Size], end
		case "__.SYMDEF_64", "__.SYMDEF_64 SORTED":
			f.Kind, f.symbols, f.first = Bsd64, d[m.Offset:m.Offset+m.Size], end
		}
	}
	f.symbolsKind = f.Kind
	if f.thin {
		f.Kind = Thin
	}
	return f, nil
}

// IsThin reports whether regular members are stored outside the archive.
func (f *File) IsThin() bool { return f.thin }

// Members returns the regular members in archive order. On a malformed
// header the members read so far are returned together with the error.
func (f *File) Members() ([]Member, error) {
	var res []Member
	for off := f.first; off < f.data.Len(); {
		m, end, err := f.readMember(off)
		if err != nil {
			return res, err
		}
		res = append(res, m)
		off = end
	}
	return res, nil
}

// MemberAt reads the member whose header starts at off, as referenced by the
// symbol index.
func (f *File) MemberAt(off uint64) (Member, error) {
	m, _, err := f.readMember(off)
	return m, err
}

// MemberData returns the data of m. External members of thin archives have
// none and report UnsupportedFeature; read them from the file named by
// m.Name instead.
func (f *File) MemberData(m Member) ([]byte, error) {
	if m.External {
		return nil, objerr.New(objerr.UnsupportedFeature, "thin archive member %q is stored externally", m.Name)
	}
	return f.data.Bytes(m.Offset, m.Size)
}

// readMember decodes the header at off and returns the member and the offset
// of the next header.
func (f *File) readMember(off uint64) (Member, uint64, error) {
	hdr, err := f.data.Bytes(off, headerSize)
	if err != nil {
		return Member{}, 0, objerr.Wrap(objerr.InvalidTable, err, "archive member header at %#x", off)
	}
	if string(hdr[58:60]) != terminator {
		return Member{}, 0, objerr.At(objerr.InvalidTable, off, "bad archive member terminator %q", hdr[58:60])
	}
	size, ok := parseDigits(hdr[48:58], 10)
	if !ok {
		return Member{}, 0, objerr.At(objerr.InvalidTable, off, "bad archive member size %q", hdr[48:58])
	}
	m := Member{HeaderOffset: off, Offset: off + headerSize, Size: size}
	m.Date, _ = parseDigits(hdr[16:28], 10)
	m.UID, _ = parseDigits(hdr[28:34], 10)
	m.GID, _ = parseDigits(hdr[34:40], 10)
	m.Mode, _ = parseDigits(hdr[40:48], 8)

	raw := hdr[:16]
	switch {
	case raw[0] == '/' && isDigit(raw[1]):
		idx, _ := parseDigits(raw[1:], 10)
		name, err := longName(f.names, idx)
		if err != nil {
			return Member{}, 0, objerr.Wrap(objerr.InvalidTable, err, "archive member name at %#x", off)
		}
		m.Name = name
	case bytes.HasPrefix(raw, []byte("#1/")) && isDigit(raw[3]):
		n, _ := parseDigits(raw[3:], 10)
		if n > m.Size {
			return Member{}, 0, objerr.At(objerr.InvalidTable, off, "bsd name of %d bytes in member of %d", n, m.Size)
		}
		b, err := f.data.Bytes(m.Offset, n)
		if err != nil {
			return Member{}, 0, objerr.Wrap(objerr.InvalidTable, err, "bsd member name at %#x", off)
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		m.Name = string(b)
		m.Offset += n
		m.Size -= n
	case raw[0] == '/':
		m.Name = string(raw[:indexOr(raw, ' ', len(raw))])
	default:
		end := indexOr(raw, '/', -1)
		if end < 0 {
			end = indexOr(raw, ' ', len(raw))
		}
		m.Name = string(raw[:end])
	}

	// Special members of thin archives carry data, regular ones do not.
	m.External = f.thin && !isSpecialName(m.Name)
	end := m.Offset
	if !m.External {
		end = m.Offset + m.Size
		if end < m.Offset || end > f.data.Len() {
			return Member{}, 0, objerr.At(objerr.InvalidTable, off, "archive member %q of %d bytes exceeds input", m.Name, m.Size)
		}
		if end%2 != 0 {
			end++
		}
	}
	return m, end, nil
}

func isSpecialName(name string) bool {
	switch name {
	case "/", "//", "/SYM64/":
		return true
	}
	return false
}

// longName returns the long name at off. GNU terminates names with "/\n",
// which lets thin archive paths contain slashes; COFF uses NUL.
func longName(names []byte, off uint64) (string, error) {
	if off >= uint64(len(names)) {
		return "", objerr.New(objerr.OutOfBounds, "long name offset %d in table of %d bytes", off, len(names))
	}
	b := names[off:]
	end := len(b)
	if i := bytes.Index(b, []byte("/\n")); i >= 0 {
		end = i
	}
	if i := bytes.IndexByte(b[:end], 0); i >= 0 {
		end = i
	} else if end == len(b) {
		end = indexOr(b, '/', end)
	}
	return string(b[:end]), nil
}

// parseDigits parses the space padded numeric fields of member headers. A
// leading space or a non-digit before the padding is an error.
func parseDigits(b []byte, base uint64) (uint64, bool) {
	if len(b) == 0 || b[0] == ' ' {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		if c == ' ' {
			break
		}
		d := uint64(c - '0')
		if c < '0' || d >= base {
			return 0, false
		}
		if v > (^uint64(0)-d)/base {
			return 0, false
		}
		v = v*base + d
	}
	return v, true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func indexOr(b []byte, c byte, def int) int {
	if i := bytes.IndexByte(b, c); i >= 0 {
		return i
	}
	return def
}
