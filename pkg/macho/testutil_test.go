package macho

import (
	"debug/macho"
	"encoding/binary"
)

type testSym struct {
	name  string
	typ   uint8
	sect  uint8
	value uint64
}

type testImage struct {
	text   []byte
	relocs [][2]uint32
	syms   []testSym
	uuid   [16]byte
	dylib  string
	// base is added to every file offset, for images embedded in a larger file
	base uint64
}

const (
	testTextAddr = 0x100000000
	testTextOff  = 0x400
)

// build64 lays out a little endian 64-bit MH_EXECUTE: header, load commands
// (__TEXT with __text, LC_SYMTAB, LC_UUID, LC_MAIN, LC_LOAD_DYLIB), text at
// testTextOff, relocations, symbols and strings.
func (img testImage) build64() []byte {
	bo := binary.LittleEndian
	var cmds []byte
	put32 := func(b []byte, vs ...uint32) []byte {
		for _, v := range vs {
			b = bo.AppendUint32(b, v)
		}
		return b
	}
	put64 := func(b []byte, vs ...uint64) []byte {
		for _, v := range vs {
			b = bo.AppendUint64(b, v)
		}
		return b
	}
	name16 := func(b []byte, s string) []byte {
		var n [16]byte
		copy(n[:], s)
		return append(b, n[:]...)
	}

	relOff := uint32(img.base) + testTextOff + uint32(len(img.text))
	symOff := relOff + uint32(len(img.relocs))*8
	strtab := []byte{' ', 0}
	nameOffs := make([]uint32, len(img.syms))
	for i, s := range img.syms {
		nameOffs[i] = uint32(len(strtab))
		strtab = append(append(strtab, s.name...), 0)
	}
	strOff := symOff + uint32(len(img.syms))*16

	// LC_SEGMENT_64 with one section
	cmds = put32(cmds, uint32(macho.LoadCmdSegment64), 72+80)
	cmds = name16(cmds, "__TEXT")
	cmds = put64(cmds, testTextAddr, 0x1000, img.base, 0x1000)
	cmds = put32(cmds, 7, 5, 1, 0)
	cmds = name16(cmds, "__text")
	cmds = name16(cmds, "__TEXT")
	cmds = put64(cmds, testTextAddr+testTextOff, uint64(len(img.text)))
	cmds = put32(cmds, uint32(img.base)+testTextOff, 4, relOff, uint32(len(img.relocs)), 0x80000400, 0, 0, 0)

	cmds = put32(cmds, uint32(macho.LoadCmdSymtab), 24, symOff, uint32(len(img.syms)), strOff, uint32(len(strtab)))

	cmds = put32(cmds, uint32(LoadCmdUUID), 24)
	cmds = append(cmds, img.uuid[:]...)

	cmds = put32(cmds, uint32(LoadCmdMain), 24)
	cmds = put64(cmds, testTextOff, 0)

	dylib := append([]byte(img.dylib), 0)
	for len(dylib)%8 != 0 {
		dylib = append(dylib, 0)
	}
	cmds = put32(cmds, uint32(macho.LoadCmdDylib), uint32(24+len(dylib)), 24, 2, 0x10000, 0x10000)
	cmds = append(cmds, dylib...)

	out := put32(nil, macho.Magic64, uint32(macho.CpuAmd64), 3, uint32(macho.TypeExec), 5, uint32(len(cmds)), 0, 0)
	out = append(out, cmds...)
	for uint64(len(out)) < testTextOff {
		out = append(out, 0)
	}
	out = append(out, img.text...)
	for _, r := range img.relocs {
		out = put32(out, r[0], r[1])
	}
	for i, s := range img.syms {
		out = put32(out, nameOffs[i])
		out = append(out, s.typ, s.sect, 0, 0)
		out = put64(out, s.value)
	}
	return append(out, strtab...)
}
