package writer

import (
	"encoding/hex"
	"strings"

	"github.com/grafana/objfile/pkg/object"
)

// Object describes a whole file. It is the YAML document accepted by
// objtool write.
type Object struct {
	// Entry names the symbol whose address becomes the entry point.
	Entry    string    `yaml:"entry,omitempty"`
	Sections []Section `yaml:"sections"`
	Symbols  []Symbol  `yaml:"symbols,omitempty"`
}

type Section struct {
	Name    string             `yaml:"name"`
	Kind    object.SectionKind `yaml:"kind"`
	Address uint64             `yaml:"address,omitempty"`
	Align   uint64             `yaml:"align,omitempty"`
	Data    Bytes              `yaml:"data,omitempty"`
	// Size is the memory size of sections without file data.
	Size        uint64       `yaml:"size,omitempty"`
	Relocations []Relocation `yaml:"relocations,omitempty"`
}

// MemSize returns the size the section occupies once loaded.
func (s *Section) MemSize() uint64 {
	if s.hasFileData() {
		return uint64(len(s.Data))
	}
	return s.Size
}

func (s *Section) hasFileData() bool {
	switch s.Kind {
	case object.SectionUninitializedData, object.SectionUninitializedTls, object.SectionCommon:
		return false
	}
	return true
}

// Symbol is defined in Section at offset Value from the section start.
// An empty Section makes the symbol undefined unless Absolute is set, in
// which case Value is the address.
type Symbol struct {
	Name     string             `yaml:"name"`
	Section  string             `yaml:"section,omitempty"`
	Value    uint64             `yaml:"value,omitempty"`
	Size     uint64             `yaml:"size,omitempty"`
	Kind     object.SymbolKind  `yaml:"kind"`
	Scope    object.SymbolScope `yaml:"scope"`
	Weak     bool               `yaml:"weak,omitempty"`
	Absolute bool               `yaml:"absolute,omitempty"`
}

func (s *Symbol) defined() bool { return s.Section != "" || s.Absolute }

// Relocation patches Size bits at Offset within its section. An empty
// Symbol makes the target absolute.
type Relocation struct {
	Offset   uint64                    `yaml:"offset"`
	Symbol   string                    `yaml:"symbol,omitempty"`
	Kind     object.RelocationKind     `yaml:"kind"`
	Encoding object.RelocationEncoding `yaml:"encoding,omitempty"`
	Size     uint8                     `yaml:"size"`
	Addend   int64                     `yaml:"addend,omitempty"`
	// Raw is the format type used when Kind is format-specific.
	Raw uint32 `yaml:"raw,omitempty"`
}

// Bytes is section content, hex encoded in YAML. Whitespace in the encoded
// form is ignored.
type Bytes []byte

func (b Bytes) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out, nil
}

func (b *Bytes) UnmarshalText(text []byte) error {
	s := strings.Join(strings.Fields(string(text)), "")
	v, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}
