package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

// dyld_cache_header offsets.
const (
	dyldMagicLen             = 16
	dyldMappingOffset        = 0x10
	dyldMappingCount         = 0x14
	dyldImagesOffsetOld      = 0x18
	dyldImagesCountOld       = 0x1c
	dyldUUID                 = 0x58
	dyldImagesOffset         = 0x1c0
	dyldImagesCount          = 0x1c4
	dyldNewImagesHeaderLimit = 0x1c8

	dyldMappingSize = 32
	dyldImageSize   = 32
)

// DyldMapping maps a range of cache file offsets to addresses.
type DyldMapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

// DyldImage is an image listed in the cache.
type DyldImage struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Path           string
}

// DyldCache is a parsed dyld shared cache header. Sub-cache files are not
// followed.
type DyldCache struct {
	Magic    string
	UUID     [16]byte
	Mappings []DyldMapping
	Images   []DyldImage

	data binread.Data
}

// IsDyldCache reports whether data starts with a dyld cache magic.
func IsDyldCache(data []byte) bool {
	return bytes.HasPrefix(data, []byte("dyld_v1 "))
}

// ParseDyldCache decodes the cache header, its mappings and image list.
// Caches are always little endian.
func ParseDyldCache(data []byte) (*DyldCache, error) {
	d := binread.Data(data)
	magic, err := d.Bytes(0, dyldMagicLen)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "dyld cache magic")
	}
	if !IsDyldCache(magic) {
		return nil, objerr.New(objerr.InvalidHeader, "bad dyld cache magic %q", magic)
	}
	bo := binary.LittleEndian
	c := &DyldCache{Magic: cstring(magic), data: d}
	hdr := binread.NewCursor(d, dyldMappingOffset, bo)
	mappingOff := hdr.Uint32()
	mappingCount := hdr.Uint32()
	imagesOff := hdr.Uint32()
	imagesCount := hdr.Uint32()
	if hdr.Err() != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, hdr.Err(), "dyld cache header")
	}
	if id, err := d.Bytes(dyldUUID, 16); err == nil {
		copy(c.UUID[:], id)
	}
	if mappingOff >= dyldNewImagesHeaderLimit {
		hdr.Seek(dyldImagesOffset)
		imagesOff = hdr.Uint32()
		imagesCount = hdr.Uint32()
		if hdr.Err() != nil {
			return nil, objerr.Wrap(objerr.InvalidHeader, hdr.Err(), "dyld cache header")
		}
	}

	raw, err := d.Table(uint64(mappingOff), uint64(mappingCount), dyldMappingSize)
	if err != nil {
		return nil, err
	}
	c.Mappings = make([]DyldMapping, mappingCount)
	for i := range c.Mappings {
		cur := binread.NewCursor(raw, uint64(i)*dyldMappingSize, bo)
		c.Mappings[i] = DyldMapping{
			Address: cur.Uint64(), Size: cur.Uint64(), FileOffset: cur.Uint64(),
			MaxProt: cur.Uint32(), InitProt: cur.Uint32(),
		}
	}

	raw, err = d.Table(uint64(imagesOff), uint64(imagesCount), dyldImageSize)
	if err != nil {
		return nil, err
	}
	c.Images = make([]DyldImage, imagesCount)
	for i := range c.Images {
		cur := binread.NewCursor(raw, uint64(i)*dyldImageSize, bo)
		img := DyldImage{Address: cur.Uint64(), ModTime: cur.Uint64(), Inode: cur.Uint64(), PathFileOffset: cur.Uint32()}
		if p, err := d.BytesUntil(uint64(img.PathFileOffset), d.Len(), 0); err == nil {
			img.Path = string(p)
		}
		c.Images[i] = img
	}
	return c, nil
}

// FileOffset translates a cache address to a file offset.
func (c *DyldCache) FileOffset(addr uint64) (uint64, bool) {
	for _, m := range c.Mappings {
		if addr >= m.Address && addr-m.Address < m.Size {
			return m.FileOffset + (addr - m.Address), true
		}
	}
	return 0, false
}

// Image parses the Mach-O image at index i. Offsets in the image refer to the
// whole cache file.
func (c *DyldCache) Image(i int) (*File, error) {
	if i < 0 || i >= len(c.Images) {
		return nil, objerr.New(objerr.OutOfBounds, "image index %d", i)
	}
	off, ok := c.FileOffset(c.Images[i].Address)
	if !ok {
		return nil, objerr.New(objerr.InvalidTable, "image %q address %#x is not mapped", c.Images[i].Path, c.Images[i].Address)
	}
	return ParseAt(c.data, off)
}

// ImageByPath parses the image with the given install name.
func (c *DyldCache) ImageByPath(path string) (*File, error) {
	for i := range c.Images {
		if c.Images[i].Path == path {
			return c.Image(i)
		}
	}
	return nil, objerr.New(objerr.InvalidTable, "image %q not in cache", path)
}
