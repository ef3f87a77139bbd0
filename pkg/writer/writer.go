// Package writer emits relocatable ELF objects, ELF executables and PE
// images from an in-memory description.
//
// Output is produced in two passes. Layout reserves every region of the file
// at a fixed offset; the Write calls then fill those regions. Writing a
// region twice, or calling out of order, fails with objerr.InvalidWriteOrder
// and Finish refuses to return a file with unwritten regions.
package writer

import (
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/pod"
)

type State uint8

const (
	StateEmpty State = iota
	StateReserving
	StateWriting
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateReserving:
		return "reserving"
	case StateWriting:
		return "writing"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

// Region is a reserved byte range of the output file.
type Region struct {
	Name    string
	Offset  uint64
	Size    uint64
	Align   uint64
	written bool
}

func (r Region) Written() bool { return r.written }

func (r Region) End() uint64 { return r.Offset + r.Size }

type emitter interface {
	layout(b *Builder) error
	sectionAddress(b *Builder, i int) uint64
	writeHeaders(b *Builder) error
	writeSection(b *Builder, i int) error
	writeTables(b *Builder) error
}

type Builder struct {
	logger log.Logger
	cfg    Config
	arch   object.Architecture
	order  binary.ByteOrder
	state  State

	entry        string
	sections     []Section
	symbols      []Symbol
	sectionIndex map[string]int
	symbolIndex  map[string]int

	regions []Region
	size    uint64
	buf     []byte
	emitter emitter
}

func New(logger log.Logger, cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &Builder{
		logger:       logger,
		cfg:          cfg,
		arch:         cfg.arch(),
		sectionIndex: make(map[string]int),
		symbolIndex:  make(map[string]int),
	}
	switch cfg.Format {
	case FormatELF:
		t := elfTargets[b.arch]
		b.order = cfg.endian(t.endian).Order()
		b.emitter = &elfEmitter{target: t}
	case FormatPE:
		b.order = binary.LittleEndian
		b.emitter = &peEmitter{machine: peMachines[b.arch]}
	}
	return b, nil
}

func (b *Builder) State() State { return b.state }

// Regions returns the reserved regions in file order.
func (b *Builder) Regions() []Region {
	return append([]Region(nil), b.regions...)
}

func (b *Builder) checkState(op string, allowed ...State) error {
	for _, s := range allowed {
		if b.state == s {
			return nil
		}
	}
	return objerr.New(objerr.InvalidWriteOrder, "%s called in state %s", op, b.state)
}

// AddSection appends a section and returns its index. Sections keep their
// order in the output, and the reader reports section i at index i+1.
func (b *Builder) AddSection(s Section) (int, error) {
	if err := b.checkState("AddSection", StateEmpty, StateReserving); err != nil {
		return 0, err
	}
	if s.Name == "" {
		return 0, objerr.New(objerr.InvalidHeader, "section without a name")
	}
	if !pod.IsPow2(s.Align) {
		return 0, objerr.New(objerr.InvalidHeader, "section %q alignment %d is not a power of two", s.Name, s.Align)
	}
	if !s.hasFileData() && len(s.Data) > 0 {
		return 0, objerr.New(objerr.InvalidHeader, "%s section %q cannot carry data", s.Kind, s.Name)
	}
	s.Relocations = append([]Relocation(nil), s.Relocations...)
	b.sections = append(b.sections, s)
	i := len(b.sections) - 1
	if _, ok := b.sectionIndex[s.Name]; !ok {
		b.sectionIndex[s.Name] = i
	}
	b.state = StateReserving
	return i, nil
}

// AddSymbol appends a symbol. Sections and relocation targets are looked up
// by name when the file is laid out.
func (b *Builder) AddSymbol(s Symbol) (int, error) {
	if err := b.checkState("AddSymbol", StateEmpty, StateReserving); err != nil {
		return 0, err
	}
	if s.Name == "" {
		return 0, objerr.New(objerr.InvalidHeader, "symbol without a name")
	}
	if s.Section != "" && s.Absolute {
		return 0, objerr.New(objerr.InvalidHeader, "absolute symbol %q cannot be in section %q", s.Name, s.Section)
	}
	b.symbols = append(b.symbols, s)
	i := len(b.symbols) - 1
	if _, ok := b.symbolIndex[s.Name]; !ok {
		b.symbolIndex[s.Name] = i
	}
	b.state = StateReserving
	return i, nil
}

func (b *Builder) AddRelocation(section int, r Relocation) error {
	if err := b.checkState("AddRelocation", StateEmpty, StateReserving); err != nil {
		return err
	}
	if section < 0 || section >= len(b.sections) {
		return objerr.New(objerr.OutOfBounds, "relocation for section %d of %d", section, len(b.sections))
	}
	b.sections[section].Relocations = append(b.sections[section].Relocations, r)
	return nil
}

// SetEntry names the symbol whose address becomes the entry point.
func (b *Builder) SetEntry(symbol string) error {
	if err := b.checkState("SetEntry", StateEmpty, StateReserving); err != nil {
		return err
	}
	b.entry = symbol
	return nil
}

// AddObject adds everything o describes.
func (b *Builder) AddObject(o Object) error {
	if o.Entry != "" {
		if err := b.SetEntry(o.Entry); err != nil {
			return err
		}
	}
	for _, s := range o.Sections {
		if _, err := b.AddSection(s); err != nil {
			return err
		}
	}
	for _, s := range o.Symbols {
		if _, err := b.AddSymbol(s); err != nil {
			return err
		}
	}
	return nil
}

// Layout fixes the offset of every region. No section, symbol or relocation
// can be added afterwards.
func (b *Builder) Layout() error {
	if err := b.checkState("Layout", StateEmpty, StateReserving); err != nil {
		return err
	}
	if err := b.validate(); err != nil {
		return err
	}
	b.regions, b.size = nil, 0
	if err := b.emitter.layout(b); err != nil {
		return err
	}
	b.buf = make([]byte, b.size)
	b.state = StateWriting
	level.Debug(b.logger).Log("msg", "file laid out", "format", b.cfg.Format, "arch", b.arch, "regions", len(b.regions), "size", b.size)
	return nil
}

func (b *Builder) validate() error {
	for _, s := range b.symbols {
		if s.Section == "" {
			continue
		}
		sec, ok := b.sectionIndex[s.Section]
		if !ok {
			return objerr.New(objerr.InvalidTable, "symbol %q refers to unknown section %q", s.Name, s.Section)
		}
		if s.Value > b.sections[sec].MemSize() {
			return objerr.New(objerr.InvalidTable, "symbol %q value %#x is past the end of section %q", s.Name, s.Value, s.Section)
		}
	}
	for _, sec := range b.sections {
		for _, r := range sec.Relocations {
			if !sec.hasFileData() {
				return objerr.New(objerr.InvalidTable, "relocation in %s section %q", sec.Kind, sec.Name)
			}
			if r.Symbol != "" {
				if _, ok := b.symbolIndex[r.Symbol]; !ok {
					return objerr.New(objerr.InvalidTable, "relocation at %#x in %q refers to unknown symbol %q", r.Offset, sec.Name, r.Symbol)
				}
			}
			if n := fieldBytes(r.Size); r.Offset > uint64(len(sec.Data)) || n > uint64(len(sec.Data))-r.Offset {
				return objerr.New(objerr.InvalidTable, "relocation at %#x overflows section %q", r.Offset, sec.Name)
			}
		}
	}
	if b.entry != "" {
		i, ok := b.symbolIndex[b.entry]
		if !ok || !b.symbols[i].defined() {
			return objerr.New(objerr.InvalidTable, "entry symbol %q is not defined", b.entry)
		}
	}
	return nil
}

// reserve appends a region aligned to align and returns its index.
func (b *Builder) reserve(name string, size, align uint64) int {
	off := pod.AlignUp(b.size, align)
	b.regions = append(b.regions, Region{Name: name, Offset: off, Size: size, Align: align})
	b.size = off + size
	return len(b.regions) - 1
}

// fill hands region i to f and marks it written.
func (b *Builder) fill(i int, f func(p []byte) error) error {
	r := &b.regions[i]
	if r.written {
		return objerr.New(objerr.InvalidWriteOrder, "region %q written twice", r.Name)
	}
	if err := f(b.buf[r.Offset:r.End()]); err != nil {
		return err
	}
	r.written = true
	return nil
}

func (b *Builder) WriteHeaders() error {
	if err := b.checkState("WriteHeaders", StateWriting); err != nil {
		return err
	}
	return b.emitter.writeHeaders(b)
}

// WriteSectionData copies section i into its region and applies the
// relocations the format stores in section bytes.
func (b *Builder) WriteSectionData(i int) error {
	if err := b.checkState("WriteSectionData", StateWriting); err != nil {
		return err
	}
	if i < 0 || i >= len(b.sections) {
		return objerr.New(objerr.OutOfBounds, "section %d of %d", i, len(b.sections))
	}
	return b.emitter.writeSection(b, i)
}

// WriteTables writes symbol, string and relocation tables.
func (b *Builder) WriteTables() error {
	if err := b.checkState("WriteTables", StateWriting); err != nil {
		return err
	}
	return b.emitter.writeTables(b)
}

// Finish returns the file once every reserved region has been written.
func (b *Builder) Finish() ([]byte, error) {
	if err := b.checkState("Finish", StateWriting); err != nil {
		return nil, err
	}
	for _, r := range b.regions {
		if !r.written {
			return nil, objerr.New(objerr.IncompleteWrite, "region %q at %#x was never written", r.Name, r.Offset)
		}
	}
	b.state = StateFinalized
	return b.buf, nil
}

// Build runs every step in order.
func (b *Builder) Build() ([]byte, error) {
	if err := b.Layout(); err != nil {
		return nil, err
	}
	if err := b.WriteHeaders(); err != nil {
		return nil, err
	}
	for i := range b.sections {
		if err := b.WriteSectionData(i); err != nil {
			return nil, err
		}
	}
	if err := b.WriteTables(); err != nil {
		return nil, err
	}
	return b.Finish()
}

// symbolAddress is the address a defined symbol resolves to.
func (b *Builder) symbolAddress(s *Symbol) uint64 {
	if s.Absolute || s.Section == "" {
		return s.Value
	}
	return b.emitter.sectionAddress(b, b.sectionIndex[s.Section]) + s.Value
}

func (b *Builder) entryAddress() uint64 {
	if b.entry == "" {
		return 0
	}
	return b.symbolAddress(&b.symbols[b.symbolIndex[b.entry]])
}

func fieldBytes(bits uint8) uint64 { return (uint64(bits) + 7) / 8 }

// putField stores the low bits of v at off.
func putField(p []byte, off uint64, bits uint8, v uint64, bo binary.ByteOrder) error {
	switch bits {
	case 8:
		return pod.Put(p, off, bo, uint8(v))
	case 16:
		return pod.Put(p, off, bo, uint16(v))
	case 32:
		return pod.Put(p, off, bo, uint32(v))
	case 64:
		return pod.Put(p, off, bo, v)
	}
	return objerr.New(objerr.UnsupportedFeature, "%d bit relocation field", bits)
}
