package pe

import (
	"debug/pe"
	"encoding/binary"
)

type testSection struct {
	name  string
	data  []byte
	chars uint32
}

const (
	testLfanew        = 0x100
	testImageBase     = 0x140000000
	testSizeOfHeaders = 0x400
	testRawSize       = 0x400
)

// buildImage lays out a PE32+ image. Section i gets RVA 0x1000*(i+1) and a raw
// slot of testRawSize bytes starting at testSizeOfHeaders. dirs maps data
// directory indices to (rva, size). rich, if set, is written right after the
// DOS header.
func buildImage(machine uint16, sections []testSection, dirs map[int][2]uint32, rich []byte) []byte {
	bo := binary.LittleEndian
	out := make([]byte, testSizeOfHeaders+testRawSize*len(sections))
	out[0], out[1] = 'M', 'Z'
	bo.PutUint32(out[0x3c:], testLfanew)
	copy(out[0x40:], rich)

	nt := out[testLfanew:]
	copy(nt, "PE\x00\x00")
	fh := nt[4:]
	bo.PutUint16(fh[0:], machine)
	bo.PutUint16(fh[2:], uint16(len(sections)))
	bo.PutUint16(fh[16:], optionalHeader64Size)
	bo.PutUint16(fh[18:], pe.IMAGE_FILE_EXECUTABLE_IMAGE|pe.IMAGE_FILE_LARGE_ADDRESS_AWARE)

	opt := fh[fileHeaderSize:]
	bo.PutUint16(opt[0:], IMAGE_NT_OPTIONAL_HDR64_MAGIC)
	bo.PutUint32(opt[16:], 0x1000) // entry
	bo.PutUint32(opt[20:], 0x1000) // base of code
	bo.PutUint64(opt[24:], testImageBase)
	bo.PutUint32(opt[32:], 0x1000)
	bo.PutUint32(opt[36:], 0x200)
	bo.PutUint32(opt[56:], uint32(0x1000*(len(sections)+1)))
	bo.PutUint32(opt[60:], testSizeOfHeaders)
	bo.PutUint32(opt[108:], numDataDirectories)
	for i, d := range dirs {
		bo.PutUint32(opt[112+i*8:], d[0])
		bo.PutUint32(opt[116+i*8:], d[1])
	}

	sh := opt[optionalHeader64Size:]
	for i, s := range sections {
		h := sh[i*sectionHeaderSize:]
		copy(h[:8], s.name)
		bo.PutUint32(h[8:], uint32(len(s.data)))
		bo.PutUint32(h[12:], uint32(0x1000*(i+1)))
		bo.PutUint32(h[16:], testRawSize)
		bo.PutUint32(h[20:], uint32(testSizeOfHeaders+testRawSize*i))
		bo.PutUint32(h[36:], s.chars)
		copy(out[testSizeOfHeaders+testRawSize*i:], s.data)
	}
	return out
}

// place writes b into buf at rva, for a section whose RVA is base.
func place(buf []byte, base, rva uint32, b []byte) {
	copy(buf[rva-base:], b)
}

func u32s(vs ...uint32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

func u64s(vs ...uint64) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return b
}
