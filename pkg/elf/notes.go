package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/grafana/objfile/pkg/binread"
)

// Note is an entry of a SHT_NOTE section or PT_NOTE segment.
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

// ParseNotes decodes note entries aligned to align bytes (4 or 8). Decoding
// stops at the first truncated entry.
func ParseNotes(data []byte, order binary.ByteOrder, align uint64) []Note {
	if align != 8 {
		align = 4
	}
	d := binread.Data(data)
	var res []Note
	off := uint64(0)
	for off+12 <= d.Len() {
		namesz := uint64(order.Uint32(d[off:]))
		descsz := uint64(order.Uint32(d[off+4:]))
		typ := order.Uint32(d[off+8:])
		off += 12
		name, err := d.Bytes(off, namesz)
		if err != nil {
			break
		}
		off = alignUp(off+namesz, align)
		desc, err := d.Bytes(off, descsz)
		if err != nil {
			break
		}
		off = alignUp(off+descsz, align)
		res = append(res, Note{Name: string(bytes.TrimRight(name, "\x00")), Type: typ, Desc: desc})
	}
	return res
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Notes returns the notes of every SHT_NOTE section.
func (f *File) Notes() []Note {
	var res []Note
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Type != elf.SHT_NOTE {
			continue
		}
		res = append(res, ParseNotes(f.tableData(s), f.order, s.Addralign)...)
	}
	return res
}

type BuildID struct {
	ID  string
	Typ string
}

func GNUBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "gnu"}
}

func GoBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "go"}
}

func (b *BuildID) Empty() bool {
	return b.ID == "" || b.Typ == ""
}

func (b *BuildID) GNU() bool {
	return b.Typ == "gnu"
}

var ErrNoBuildIDSection = fmt.Errorf("build ID section not found")

// BuildID returns the GNU build id, falling back to the Go build id.
func (f *File) BuildID() (BuildID, error) {
	id, err := f.GNUBuildID()
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}
	id, err = f.GoBuildID()
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}
	return BuildID{}, ErrNoBuildIDSection
}

// NoteGNUBuildID is the note type of a GNU build-id.
const NoteGNUBuildID = 3

var goBuildIDSep = []byte("/")

func (f *File) GoBuildID() (BuildID, error) {
	buildIDSection := f.Section(".note.go.buildid")
	if buildIDSection == nil {
		return BuildID{}, ErrNoBuildIDSection
	}
	data, err := f.SectionData(buildIDSection)
	if err != nil {
		return BuildID{}, fmt.Errorf("reading .note.go.buildid %w", err)
	}
	if len(data) < 17 {
		return BuildID{}, fmt.Errorf(".note.go.buildid is too small")
	}
	data = data[16 : len(data)-1]
	if len(data) < 40 || bytes.Count(data, goBuildIDSep) < 2 {
		return BuildID{}, fmt.Errorf("wrong .note.go.buildid")
	}
	id := string(data)
	if id == "redacted" {
		return BuildID{}, fmt.Errorf("redacted .note.go.buildid")
	}
	return GoBuildID(id), nil
}

func (f *File) GNUBuildID() (BuildID, error) {
	for _, n := range f.Notes() {
		if n.Name != "GNU" || n.Type != NoteGNUBuildID {
			continue
		}
		if len(n.Desc) != 20 && len(n.Desc) != 8 && len(n.Desc) != 16 { // 8 is xxhash, 16 is md5/uuid
			return BuildID{}, fmt.Errorf("GNU build-id has wrong size %d", len(n.Desc))
		}
		return GNUBuildID(hex.EncodeToString(n.Desc)), nil
	}
	return BuildID{}, ErrNoBuildIDSection
}
