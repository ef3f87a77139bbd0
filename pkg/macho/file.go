// Package macho parses Mach-O images, universal (fat) binaries and dyld shared
// caches in place.
package macho

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"strings"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pod"
)

// Load commands not named by debug/macho.
const (
	LoadCmdIDDylib       macho.LoadCmd = 0xd
	LoadCmdUUID          macho.LoadCmd = 0x1b
	LoadCmdLoadWeakDylib macho.LoadCmd = 0x80000018
	LoadCmdReexportDylib macho.LoadCmd = 0x8000001f
	LoadCmdMain          macho.LoadCmd = 0x80000028
)

const (
	MagicCigam32 uint32 = 0xcefaedfe
	MagicCigam64 uint32 = 0xcffaedfe
)

const (
	fileHeaderSize32 = 28
	fileHeaderSize64 = 32
)

// LoadCommand is a raw load command.
type LoadCommand struct {
	Cmd    macho.LoadCmd
	Offset uint64 // file offset of the command
	Data   []byte // the whole command including cmd and cmdsize
}

// Segment is a decoded LC_SEGMENT or LC_SEGMENT_64.
type Segment struct {
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  uint32
	Prot     uint32
	Flag     uint32
	Sections []int // indices into File.Sections
}

// Section is a section header. Index 0 of File.Sections is the first section;
// symbol section ordinals are one-based.
type Section struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Segment   int
}

// Type returns the section type stored in the low byte of Flags.
func (s *Section) Type() uint8 { return uint8(s.Flags) }

const (
	SectionZerofill         = 0x1
	SectionGBZerofill       = 0xc
	SectionThreadRegular    = 0x11
	SectionThreadZerofill   = 0x12
	SectionThreadVariables  = 0x13
	SectionAttrPureInstr    = 0x80000000
	SectionAttrSomeInstr    = 0x400
	SectionAttrDebug        = 0x02000000
	SectionTypeCStrings     = 0x2
	SectionTypeModInitFuncs = 0x9
)

// Zerofill reports whether the section occupies no file space.
func (s *Section) Zerofill() bool {
	switch s.Type() {
	case SectionZerofill, SectionGBZerofill, SectionThreadZerofill:
		return true
	}
	return false
}

// File is a parsed Mach-O image. It is immutable after Parse.
type File struct {
	macho.FileHeader
	Loads    []LoadCommand
	Segments []Segment
	Sections []Section

	data  binread.Data
	base  uint64 // offset of the header inside data
	order binary.ByteOrder
	width pod.Width
}

// Parse parses a thin Mach-O image.
func Parse(data []byte) (*File, error) {
	return ParseAt(data, 0)
}

// ParseAt parses the Mach-O header found at off. File offsets inside the image
// are relative to the start of data, as they are for images embedded in a
// dyld shared cache.
func ParseAt(data []byte, off uint64) (*File, error) {
	d := binread.Data(data)
	magic, err := d.Bytes(off, 4)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "mach-o magic")
	}
	f := &File{data: d, base: off}
	be, le := binary.BigEndian.Uint32(magic), binary.LittleEndian.Uint32(magic)
	switch {
	case be == macho.Magic32:
		f.order, f.width = binary.BigEndian, pod.Width32
	case le == macho.Magic32:
		f.order, f.width = binary.LittleEndian, pod.Width32
	case be == macho.Magic64:
		f.order, f.width = binary.BigEndian, pod.Width64
	case le == macho.Magic64:
		f.order, f.width = binary.LittleEndian, pod.Width64
	default:
		return nil, objerr.New(objerr.InvalidHeader, "bad mach-o magic %x", magic)
	}
	f.FileHeader, err = pod.Read[macho.FileHeader](d, off, f.order)
	if err != nil {
		return nil, objerr.Wrap(objerr.InvalidHeader, err, "mach-o header")
	}
	hdrSize := uint64(fileHeaderSize32)
	if f.width.Is64() {
		hdrSize = fileHeaderSize64
	}
	cmds, err := d.Table(off+hdrSize, 1, uint64(f.Cmdsz))
	if err != nil {
		return nil, err
	}
	if err := f.parseLoads(cmds, off+hdrSize); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parseLoads(cmds binread.Data, cmdsOff uint64) error {
	off := uint64(0)
	for i := uint32(0); i < f.Ncmd; i++ {
		cmd, err := cmds.Uint32(off, f.order)
		if err != nil {
			return objerr.Wrap(objerr.InvalidTable, err, "load command %d", i)
		}
		size, err := cmds.Uint32(off+4, f.order)
		if err != nil {
			return objerr.Wrap(objerr.InvalidTable, err, "load command %d", i)
		}
		if size < 8 {
			return objerr.At(objerr.InvalidTable, cmdsOff+off, "load command %d size %d", i, size)
		}
		raw, err := cmds.Bytes(off, uint64(size))
		if err != nil {
			return objerr.Wrap(objerr.InvalidTable, err, "load command %d", i)
		}
		lc := LoadCommand{Cmd: macho.LoadCmd(cmd), Offset: cmdsOff + off, Data: raw}
		f.Loads = append(f.Loads, lc)
		switch lc.Cmd {
		case macho.LoadCmdSegment:
			if err := f.parseSegment32(raw); err != nil {
				return err
			}
		case macho.LoadCmdSegment64:
			if err := f.parseSegment64(raw); err != nil {
				return err
			}
		}
		off += uint64(size)
	}
	return nil
}

func (f *File) parseSegment32(raw binread.Data) error {
	seg, err := pod.Read[macho.Segment32](raw, 0, f.order)
	if err != nil {
		return objerr.Wrap(objerr.InvalidTable, err, "segment command")
	}
	s := Segment{
		Name: cstring(seg.Name[:]), Addr: uint64(seg.Addr), Memsz: uint64(seg.Memsz),
		Offset: uint64(seg.Offset), Filesz: uint64(seg.Filesz),
		Maxprot: seg.Maxprot, Prot: seg.Prot, Flag: seg.Flag,
	}
	sects, err := pod.ReadSlice[macho.Section32](raw, pod.Size[macho.Segment32](), uint64(seg.Nsect), f.order)
	if err != nil {
		return err
	}
	for _, sh := range sects {
		s.Sections = append(s.Sections, len(f.Sections))
		f.Sections = append(f.Sections, Section{
			Name: cstring(sh.Name[:]), Seg: cstring(sh.Seg[:]),
			Addr: uint64(sh.Addr), Size: uint64(sh.Size), Offset: sh.Offset, Align: sh.Align,
			Reloff: sh.Reloff, Nreloc: sh.Nreloc, Flags: sh.Flags,
			Reserved1: sh.Reserve1, Reserved2: sh.Reserve2, Segment: len(f.Segments),
		})
	}
	f.Segments = append(f.Segments, s)
	return nil
}

func (f *File) parseSegment64(raw binread.Data) error {
	seg, err := pod.Read[macho.Segment64](raw, 0, f.order)
	if err != nil {
		return objerr.Wrap(objerr.InvalidTable, err, "segment command")
	}
	s := Segment{
		Name: cstring(seg.Name[:]), Addr: seg.Addr, Memsz: seg.Memsz,
		Offset: seg.Offset, Filesz: seg.Filesz,
		Maxprot: seg.Maxprot, Prot: seg.Prot, Flag: seg.Flag,
	}
	sects, err := pod.ReadSlice[macho.Section64](raw, pod.Size[macho.Segment64](), uint64(seg.Nsect), f.order)
	if err != nil {
		return err
	}
	for _, sh := range sects {
		s.Sections = append(s.Sections, len(f.Sections))
		f.Sections = append(f.Sections, Section{
			Name: cstring(sh.Name[:]), Seg: cstring(sh.Seg[:]),
			Addr: sh.Addr, Size: sh.Size, Offset: sh.Offset, Align: sh.Align,
			Reloff: sh.Reloff, Nreloc: sh.Nreloc, Flags: sh.Flags,
			Reserved1: sh.Reserve1, Reserved2: sh.Reserve2, Segment: len(f.Segments),
		})
	}
	f.Segments = append(f.Segments, s)
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (f *File) ByteOrder() binary.ByteOrder { return f.order }
func (f *File) Width() pod.Width            { return f.width }
func (f *File) Is64() bool                  { return f.width.Is64() }

// Section returns the first section with the given name, optionally
// qualified by segment as "__TEXT,__text".
func (f *File) Section(name string) *Section {
	seg, sect, qualified := strings.Cut(name, ",")
	for i := range f.Sections {
		s := &f.Sections[i]
		if qualified {
			if s.Seg == seg && s.Name == sect {
				return s
			}
		} else if s.Name == name {
			return s
		}
	}
	return nil
}

// Segment returns the segment with the given name.
func (f *File) Segment(name string) *Segment {
	for i := range f.Segments {
		if f.Segments[i].Name == name {
			return &f.Segments[i]
		}
	}
	return nil
}

// SectionData returns the file bytes of s. Zero-fill sections have none.
func (f *File) SectionData(s *Section) ([]byte, error) {
	if s.Zerofill() {
		return nil, nil
	}
	return f.data.Bytes(uint64(s.Offset), s.Size)
}

// SegmentData returns the file bytes of seg.
func (f *File) SegmentData(seg *Segment) ([]byte, error) {
	return f.data.Bytes(seg.Offset, seg.Filesz)
}

// firstLoad returns the first load command of the given type.
func (f *File) firstLoad(cmd macho.LoadCmd) *LoadCommand {
	for i := range f.Loads {
		if f.Loads[i].Cmd == cmd {
			return &f.Loads[i]
		}
	}
	return nil
}

// UUID returns the LC_UUID value.
func (f *File) UUID() ([16]byte, bool) {
	var id [16]byte
	lc := f.firstLoad(LoadCmdUUID)
	if lc == nil || len(lc.Data) < 24 {
		return id, false
	}
	copy(id[:], lc.Data[8:24])
	return id, true
}

// Entry returns the entry point address from LC_MAIN, or the program counter
// of an LC_UNIXTHREAD state for the known architectures.
func (f *File) Entry() (uint64, bool) {
	if lc := f.firstLoad(LoadCmdMain); lc != nil {
		off, err := binread.Data(lc.Data).Uint64(8, f.order)
		if err != nil {
			return 0, false
		}
		if text := f.Segment("__TEXT"); text != nil {
			return text.Addr + off, true
		}
		return off, true
	}
	lc := f.firstLoad(macho.LoadCmdUnixThread)
	if lc == nil {
		return 0, false
	}
	state := binread.Data(lc.Data)
	// cmd, cmdsize, flavor, count, then the register state
	var pcOff uint64
	switch f.Cpu {
	case macho.CpuAmd64:
		pcOff = 16 + 16*8
	case macho.Cpu386:
		pcOff = 16 + 10*4
	case macho.CpuArm64:
		pcOff = 16 + 32*8
	case macho.CpuArm:
		pcOff = 16 + 15*4
	default:
		return 0, false
	}
	if f.Is64() {
		pc, err := state.Uint64(pcOff, f.order)
		return pc, err == nil
	}
	pc, err := state.Uint32(pcOff, f.order)
	return uint64(pc), err == nil
}

// Dylib is a dynamic library reference.
type Dylib struct {
	Cmd            macho.LoadCmd
	Name           string
	Time           uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

// Dylibs returns the libraries named by LC_LOAD_DYLIB, LC_LOAD_WEAK_DYLIB,
// LC_REEXPORT_DYLIB and LC_ID_DYLIB. Malformed commands are skipped.
func (f *File) Dylibs() []Dylib {
	var res []Dylib
	for _, lc := range f.Loads {
		switch lc.Cmd {
		case macho.LoadCmdDylib, LoadCmdLoadWeakDylib, LoadCmdReexportDylib, LoadCmdIDDylib:
		default:
			continue
		}
		raw := binread.Data(lc.Data)
		hdr, err := pod.Read[macho.DylibCmd](raw, 0, f.order)
		if err != nil {
			continue
		}
		name, err := raw.BytesUntil(uint64(hdr.Name), raw.Len(), 0)
		if err != nil {
			// names may fill the command exactly
			name = raw.Clamp(uint64(hdr.Name), raw.Len())
		}
		res = append(res, Dylib{
			Cmd: lc.Cmd, Name: string(name), Time: hdr.Time,
			CurrentVersion: hdr.CurrentVersion, CompatVersion: hdr.CompatVersion,
		})
	}
	return res
}
