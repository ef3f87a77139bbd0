package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pod"
)

const (
	// maxUncompressedSize bounds the size a compression header may declare.
	maxUncompressedSize = 1 << 32

	initialDecompressBuffer = 1 << 20
)

// Compression describes how a section's bytes are stored.
type Compression struct {
	Format           elf.CompressionType // 0 when not compressed
	UncompressedSize uint64
	// GNU marks the legacy ".zdebug" ZLIB header.
	GNU bool
}

// SectionCompression inspects the compression header of s without
// decompressing it.
func (f *File) SectionCompression(s *SectionHeader) (Compression, []byte, error) {
	data, err := f.SectionData(s)
	if err != nil {
		return Compression{}, nil, err
	}
	if s.Flags&elf.SHF_COMPRESSED != 0 {
		var c Compression
		var hdrSize uint64
		if f.Is64() {
			chdr, err := pod.Read[elf.Chdr64](binread.Data(data), 0, f.order)
			if err != nil {
				return Compression{}, nil, err
			}
			c = Compression{Format: elf.CompressionType(chdr.Type), UncompressedSize: chdr.Size}
			hdrSize = pod.Size[elf.Chdr64]()
		} else {
			chdr, err := pod.Read[elf.Chdr32](binread.Data(data), 0, f.order)
			if err != nil {
				return Compression{}, nil, err
			}
			c = Compression{Format: elf.CompressionType(chdr.Type), UncompressedSize: uint64(chdr.Size)}
			hdrSize = pod.Size[elf.Chdr32]()
		}
		return c, data[hdrSize:], nil
	}
	if strings.HasPrefix(s.Name, ".zdebug") && len(data) >= 12 && string(data[:4]) == "ZLIB" {
		return Compression{
			Format:           elf.COMPRESS_ZLIB,
			UncompressedSize: binary.BigEndian.Uint64(data[4:12]),
			GNU:              true,
		}, data[12:], nil
	}
	return Compression{}, data, nil
}

// UncompressedSectionData returns the section contents, decompressing
// SHF_COMPRESSED and ".zdebug" sections.
func (f *File) UncompressedSectionData(s *SectionHeader) ([]byte, error) {
	c, payload, err := f.SectionCompression(s)
	if err != nil {
		return nil, err
	}
	if c.Format == 0 {
		return payload, nil
	}
	if c.UncompressedSize > maxUncompressedSize {
		return nil, objerr.New(objerr.InvalidHeader, "section %q declares %d uncompressed bytes", s.Name, c.UncompressedSize)
	}
	var r io.Reader
	switch c.Format {
	case elf.COMPRESS_ZLIB:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidHeader, err, "section %q", s.Name)
		}
		defer zr.Close()
		r = zr
	case elf.COMPRESS_ZSTD:
		zr, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, objerr.Wrap(objerr.InvalidHeader, err, "section %q", s.Name)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, objerr.New(objerr.UnsupportedFeature, "section %q compression %v", s.Name, c.Format)
	}
	// The declared size is untrusted: grow with the stream rather than
	// allocating it up front. One extra byte detects longer streams.
	var out bytes.Buffer
	out.Grow(int(min(c.UncompressedSize, initialDecompressBuffer)))
	if _, err := io.Copy(&out, io.LimitReader(r, int64(c.UncompressedSize)+1)); err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, "decompress section %q", s.Name)
	}
	if uint64(out.Len()) != c.UncompressedSize {
		return nil, objerr.New(objerr.InvalidTable, "section %q decompressed to %d bytes, header declares %d", s.Name, out.Len(), c.UncompressedSize)
	}
	return out.Bytes(), nil
}

// MiniDebugInfo decompresses the xz compressed ELF image embedded in
// .gnu_debugdata and parses it.
func (f *File) MiniDebugInfo() (*File, error) {
	s := f.Section(".gnu_debugdata")
	if s == nil {
		return nil, ErrNoSymbols
	}
	data, err := f.SectionData(s)
	if err != nil {
		return nil, err
	}
	reader, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, ".gnu_debugdata")
	}
	var uncompressed bytes.Buffer
	if _, err := io.Copy(&uncompressed, io.LimitReader(reader, maxUncompressedSize)); err != nil {
		return nil, objerr.Wrap(objerr.InvalidTable, err, ".gnu_debugdata")
	}
	return Parse(uncompressed.Bytes())
}
