// Package wasm reads the section layout, names and import/export tables of
// WebAssembly modules.
package wasm

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

var (
	magic = []byte("\x00asm")
	le    = binary.LittleEndian
)

const version = 1

// SectionID is the one byte id preceding every section.
type SectionID uint8

const (
	SectionCustom SectionID = iota
	SectionType
	SectionImport
	SectionFunction
	SectionTable
	SectionMemory
	SectionGlobal
	SectionExport
	SectionStart
	SectionElement
	SectionCode
	SectionData
	SectionDataCount

	maxSectionID = SectionDataCount
)

var sectionNames = [...]string{
	SectionType:      "<type>",
	SectionImport:    "<import>",
	SectionFunction:  "<function>",
	SectionTable:     "<table>",
	SectionMemory:    "<memory>",
	SectionGlobal:    "<global>",
	SectionExport:    "<export>",
	SectionStart:     "<start>",
	SectionElement:   "<element>",
	SectionCode:      "<code>",
	SectionData:      "<data>",
	SectionDataCount: "<data_count>",
}

func (id SectionID) String() string {
	if id == SectionCustom {
		return "<custom>"
	}
	if id <= maxSectionID {
		return sectionNames[id]
	}
	return "<unknown>"
}

// Section is a module section. Offset and Size describe the payload; for
// custom sections the payload starts after the name.
type Section struct {
	ID     SectionID
	Name   string
	Offset uint64
	Size   uint64
}

// File is a parsed WebAssembly module.
type File struct {
	Sections []Section

	data  binread.Data
	byID  [maxSectionID + 1]int
	names int
	debug bool
}

// IsWasm reports whether data starts with the module magic.
func IsWasm(data []byte) bool { return bytes.HasPrefix(data, magic) }

// Parse walks the section headers of a module. Known sections may appear
// once each.
func Parse(data []byte) (*File, error) {
	d := binread.Data(data)
	hdr, err := d.Bytes(0, 8)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "wasm header")
	}
	if !bytes.Equal(hdr[:4], magic) {
		return nil, objerr.New(objerr.InvalidHeader, "bad wasm magic %x", hdr[:4])
	}
	if v := le.Uint32(hdr[4:]); v != version {
		return nil, objerr.New(objerr.UnsupportedFeature, "wasm version %d", v)
	}
	f := &File{data: d, names: -1}
	for i := range f.byID {
		f.byID[i] = -1
	}
	c := binread.NewCursor(d, 8, le)
	for c.Remaining() > 0 {
		start := c.Offset()
		id := SectionID(c.Uint8())
		size := c.Uleb128()
		payload := c.Offset()
		c.Skip(size)
		if c.Err() != nil {
			return nil, objerr.Wrap(objerr.InvalidHeader, c.Err(), "section header at %#x", start)
		}
		s := Section{ID: id, Offset: payload, Size: size}
		switch {
		case id == SectionCustom:
			nc := binread.NewCursor(d[:payload+size], payload, le)
			name := readName(nc)
			if nc.Err() != nil {
				return nil, objerr.Wrap(objerr.InvalidHeader, nc.Err(), "custom section name at %#x", start)
			}
			s.Name, s.Offset, s.Size = name, nc.Offset(), payload+size-nc.Offset()
			if name == "name" {
				f.names = len(f.Sections)
			} else if strings.HasPrefix(name, ".debug_") {
				f.debug = true
			}
		case id > maxSectionID:
			return nil, objerr.At(objerr.InvalidHeader, start, "unknown section id %d", id)
		default:
			if f.byID[id] >= 0 {
				return nil, objerr.At(objerr.InvalidHeader, start, "duplicate %s section", id)
			}
			f.byID[id] = len(f.Sections)
			s.Name = id.String()
		}
		f.Sections = append(f.Sections, s)
	}
	return f, nil
}

// readName reads a length prefixed UTF-8 name.
func readName(c *binread.Cursor) string {
	n := c.Uleb128()
	return string(c.Bytes(n))
}

// Section returns the first section with the given name. Known sections are
// named after their id, e.g. "<code>".
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionByID returns the known section with the given id, or nil.
func (f *File) SectionByID(id SectionID) *Section {
	if id == SectionCustom || id > maxSectionID || f.byID[id] < 0 {
		return nil
	}
	return &f.Sections[f.byID[id]]
}

// SectionData returns the payload of s.
func (f *File) SectionData(s *Section) ([]byte, error) {
	return f.data.Bytes(s.Offset, s.Size)
}

// HasDebugSymbols reports whether a ".debug_*" custom section is present.
func (f *File) HasDebugSymbols() bool { return f.debug }

// Bytes returns the whole input.
func (f *File) Bytes() []byte { return f.data }

func (f *File) sectionCursor(id SectionID) (*binread.Cursor, bool) {
	s := f.SectionByID(id)
	if s == nil {
		return nil, false
	}
	return binread.NewCursor(f.data[:s.Offset+s.Size], s.Offset, le), true
}
