package pe

import (
	"bytes"
	"encoding/binary"
)

// RichEntry is a decoded rich header entry.
type RichEntry struct {
	CompID uint32
	Count  uint32
}

// RichHeader is the linker signature between the DOS stub and the NT headers.
type RichHeader struct {
	Offset  uint64 // file offset of the masked "DanS" marker
	Length  uint64 // bytes up to and including the key
	Key     uint32
	Entries []RichEntry
}

var (
	richMarker = []byte("Rich")
	dansMarker = uint32(0x536e6144) // "DanS"
)

// RichHeader locates and decodes the rich header. ok is false when absent.
func (f *File) RichHeader() (RichHeader, bool) {
	if !f.IsImage() {
		return RichHeader{}, false
	}
	region := f.data.Clamp(0, uint64(f.NTHeaderOffset))
	end := bytes.LastIndex(region, richMarker)
	if end < dosHeaderSize || end+8 > len(region) {
		return RichHeader{}, false
	}
	key := binary.LittleEndian.Uint32(region[end+4:])
	// Walk back in 4 byte steps to the masked "DanS".
	start := -1
	for off := end - 4; off >= dosHeaderSize; off -= 4 {
		if binary.LittleEndian.Uint32(region[off:])^key == dansMarker {
			start = off
			break
		}
	}
	if start < 0 {
		return RichHeader{}, false
	}
	// "DanS" is followed by three masked zero words.
	var entries []RichEntry
	for off := start + 16; off+8 <= end; off += 8 {
		entries = append(entries, RichEntry{
			CompID: binary.LittleEndian.Uint32(region[off:]) ^ key,
			Count:  binary.LittleEndian.Uint32(region[off+4:]) ^ key,
		})
	}
	return RichHeader{
		Offset:  uint64(start),
		Length:  uint64(end + 8 - start),
		Key:     key,
		Entries: entries,
	}, true
}
