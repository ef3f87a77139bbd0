package macho

import (
	"debug/macho"

	"golang.org/x/crypto/cryptobyte"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

const (
	MagicFat64 uint32 = 0xcafebabf

	maxFatArches = 128
)

// FatArch is one architecture slice of a universal binary.
type FatArch struct {
	Cpu    macho.Cpu
	SubCpu uint32
	Offset uint64
	Size   uint64
	Align  uint32
	Data   []byte
}

// Parse parses the slice as a thin Mach-O image.
func (a *FatArch) Parse() (*File, error) {
	return Parse(a.Data)
}

// ParseFat decodes a fat32 or fat64 header. The header is always big endian.
func ParseFat(data []byte) ([]FatArch, error) {
	s := cryptobyte.String(data)
	var magic, count uint32
	if !s.ReadUint32(&magic) || !s.ReadUint32(&count) {
		return nil, objerr.New(objerr.InvalidHeader, "fat header truncated")
	}
	if magic != macho.MagicFat && magic != MagicFat64 {
		return nil, objerr.New(objerr.InvalidHeader, "bad fat magic %#x", magic)
	}
	if count == 0 || count > maxFatArches {
		return nil, objerr.New(objerr.InvalidHeader, "fat header declares %d architectures", count)
	}
	d := binread.Data(data)
	arches := make([]FatArch, 0, count)
	for i := uint32(0); i < count; i++ {
		var a FatArch
		var cpu uint32
		ok := s.ReadUint32(&cpu) && s.ReadUint32(&a.SubCpu)
		if magic == MagicFat64 {
			ok = ok && s.ReadUint64(&a.Offset) && s.ReadUint64(&a.Size) && s.ReadUint32(&a.Align) && s.Skip(4)
		} else {
			var off, size uint32
			ok = ok && s.ReadUint32(&off) && s.ReadUint32(&size) && s.ReadUint32(&a.Align)
			a.Offset, a.Size = uint64(off), uint64(size)
		}
		if !ok {
			return nil, objerr.New(objerr.InvalidTable, "fat arch %d truncated", i)
		}
		a.Cpu = macho.Cpu(cpu)
		var err error
		if a.Data, err = d.Bytes(a.Offset, a.Size); err != nil {
			return nil, objerr.Wrap(objerr.InvalidTable, err, "fat arch %d", i)
		}
		arches = append(arches, a)
	}
	return arches, nil
}
