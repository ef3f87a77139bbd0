package elf

import (
	"debug/elf"
)

// Dyn is a dynamic section entry.
type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// Dynamic decodes the SHT_DYNAMIC section up to DT_NULL. Absent means empty.
func (f *File) Dynamic() ([]Dyn, error) {
	_, s := f.sectionByType(elf.SHT_DYNAMIC)
	if s == nil {
		return nil, nil
	}
	entsize := uint64(8)
	if f.Is64() {
		entsize = 16
	}
	data := f.tableData(s)
	var res []Dyn
	for off := uint64(0); off+entsize <= data.Len(); off += entsize {
		tag, _ := data.Word(off, f.order, f.Is64())
		val, _ := data.Word(off+entsize/2, f.order, f.Is64())
		d := Dyn{Tag: elf.DynTag(int64(tag)), Val: val}
		if !f.Is64() {
			d.Tag = elf.DynTag(int32(uint32(tag)))
		}
		if d.Tag == elf.DT_NULL {
			break
		}
		res = append(res, d)
	}
	return res, nil
}

// DynamicStrings returns the string values of every entry with the given tag,
// such as DT_NEEDED or DT_SONAME.
func (f *File) DynamicStrings(tag elf.DynTag) ([]string, error) {
	_, s := f.sectionByType(elf.SHT_DYNAMIC)
	if s == nil {
		return nil, nil
	}
	dyns, err := f.Dynamic()
	if err != nil {
		return nil, err
	}
	strtab, err := f.stringTable(s.Link)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, d := range dyns {
		if d.Tag != tag {
			continue
		}
		str, err := strtab.String(d.Val)
		if err != nil {
			continue
		}
		res = append(res, str)
	}
	return res, nil
}

// ImportedLibraries returns the DT_NEEDED entries.
func (f *File) ImportedLibraries() ([]string, error) {
	return f.DynamicStrings(elf.DT_NEEDED)
}
