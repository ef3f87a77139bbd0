package elf

import (
	"debug/elf"

	"github.com/grafana/objfile/pkg/binread"
)

const (
	versymHidden = 0x8000
	versymIndex  = 0x7fff
)

// Version describes a symbol version definition or requirement.
type Version struct {
	Name string
	// File is the library a required version comes from; empty for definitions.
	File string
}

// VersionTable maps dynamic symbols to versions.
type VersionTable struct {
	versym   []uint16
	versions map[uint16]Version
}

// SymbolVersion returns the version of dynamic symbol i. Hidden reports the
// symbol is not the default version.
func (t *VersionTable) SymbolVersion(i int) (v Version, hidden bool, ok bool) {
	if t == nil || i < 0 || i >= len(t.versym) {
		return Version{}, false, false
	}
	raw := t.versym[i]
	v, ok = t.versions[raw&versymIndex]
	return v, raw&versymHidden != 0, ok
}

// Versions decodes SHT_GNU_versym together with SHT_GNU_verdef and
// SHT_GNU_verneed. It returns nil when the file has no version information.
// Malformed definition chains stop at the first bad record.
func (f *File) Versions() (*VersionTable, error) {
	_, vs := f.sectionByType(elf.SHT_GNU_VERSYM)
	if vs == nil {
		return nil, nil
	}
	data := f.tableData(vs)
	t := &VersionTable{
		versym:   make([]uint16, data.Len()/2),
		versions: map[uint16]Version{},
	}
	for i := range t.versym {
		t.versym[i] = f.order.Uint16(data[i*2:])
	}
	if _, s := f.sectionByType(elf.SHT_GNU_VERDEF); s != nil {
		f.readVerdef(s, t)
	}
	if _, s := f.sectionByType(elf.SHT_GNU_VERNEED); s != nil {
		f.readVerneed(s, t)
	}
	return t, nil
}

func (f *File) readVerdef(s *SectionHeader, t *VersionTable) {
	strtab, err := f.stringTable(s.Link)
	if err != nil {
		return
	}
	data := f.tableData(s)
	off := uint64(0)
	for i := uint64(0); i < uint64(max(s.Info, 1)) && off < data.Len(); i++ {
		// Elf_Verdef: version, flags, ndx, cnt, hash, aux, next
		c := binread.NewCursor(data, off, f.order)
		c.Skip(4)
		ndx := c.Uint16()
		cnt := c.Uint16()
		c.Skip(4)
		aux := c.Uint32()
		next := c.Uint32()
		if c.Err() != nil {
			return
		}
		if cnt > 0 {
			nameOff, err := data.Uint32(off+uint64(aux), f.order)
			if err == nil {
				if name, err := strtab.String(uint64(nameOff)); err == nil {
					t.versions[ndx&versymIndex] = Version{Name: name}
				}
			}
		}
		if next == 0 {
			return
		}
		off += uint64(next)
	}
}

func (f *File) readVerneed(s *SectionHeader, t *VersionTable) {
	strtab, err := f.stringTable(s.Link)
	if err != nil {
		return
	}
	data := f.tableData(s)
	off := uint64(0)
	for i := uint64(0); i < uint64(max(s.Info, 1)) && off < data.Len(); i++ {
		// Elf_Verneed: version, cnt, file, aux, next
		c := binread.NewCursor(data, off, f.order)
		c.Skip(2)
		cnt := c.Uint16()
		fileOff := c.Uint32()
		aux := c.Uint32()
		next := c.Uint32()
		if c.Err() != nil {
			return
		}
		file, _ := strtab.String(uint64(fileOff))
		auxOff := off + uint64(aux)
		for j := uint16(0); j < cnt; j++ {
			// Elf_Vernaux: hash, flags, other, name, next
			ac := binread.NewCursor(data, auxOff, f.order)
			ac.Skip(6)
			other := ac.Uint16()
			nameOff := ac.Uint32()
			anext := ac.Uint32()
			if ac.Err() != nil {
				break
			}
			if name, err := strtab.String(uint64(nameOff)); err == nil {
				t.versions[other&versymIndex] = Version{Name: name, File: file}
			}
			if anext == 0 {
				break
			}
			auxOff += uint64(anext)
		}
		if next == 0 {
			return
		}
		off += uint64(next)
	}
}
