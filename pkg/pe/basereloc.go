package pe

import (
	"debug/pe"

	"github.com/grafana/objfile/pkg/objerr"
)

// BaseReloc is one entry of the base relocation directory.
type BaseReloc struct {
	RVA  uint32
	Type uint8
}

// BaseRelocations decodes the base relocation blocks. IMAGE_REL_BASED_ABSOLUTE
// padding entries are skipped.
func (f *File) BaseRelocations() ([]BaseReloc, error) {
	dir := f.DataDirectory(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}
	d, err := f.rvaData(dir.VirtualAddress)
	if err != nil {
		return nil, err
	}
	d = d.Clamp(0, uint64(dir.Size))
	var res []BaseReloc
	for off := uint64(0); off+8 <= d.Len(); {
		page := le.Uint32(d[off:])
		size := le.Uint32(d[off+4:])
		if size < 8 || size%2 != 0 {
			return nil, objerr.At(objerr.InvalidTable, off, "base relocation block size %d", size)
		}
		entries, err := d.Table(off+8, uint64(size-8)/2, 2)
		if err != nil {
			return nil, err
		}
		for i := 0; i < len(entries); i += 2 {
			e := le.Uint16(entries[i:])
			typ := uint8(e >> 12)
			if typ == IMAGE_REL_BASED_ABSOLUTE {
				continue
			}
			res = append(res, BaseReloc{RVA: page + uint32(e&0xfff), Type: typ})
		}
		off += uint64(size)
	}
	return res, nil
}
