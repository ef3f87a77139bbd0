package writer

import (
	"flag"
	"fmt"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/pod"
)

const (
	FormatELF = "elf"
	FormatPE  = "pe"
)

type Config struct {
	Format       string `yaml:"format"`
	Architecture string `yaml:"architecture"`
	// Endianness overrides the architecture default, "little" or "big".
	Endianness string `yaml:"endianness" category:"advanced"`
	// Executable makes ELF output ET_EXEC with one PT_LOAD per allocated
	// section. PE output is always an image.
	Executable       bool   `yaml:"executable"`
	ImageBase        uint64 `yaml:"image_base" category:"advanced"`
	FileAlignment    uint   `yaml:"file_alignment" category:"advanced"`
	SectionAlignment uint   `yaml:"section_alignment" category:"advanced"`
	ELFFlags         uint   `yaml:"elf_flags" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Format, "writer.format", FormatELF, "Output format, elf or pe.")
	f.StringVar(&cfg.Architecture, "writer.architecture", object.ArchX86_64.String(), "Target architecture of the written file.")
	f.StringVar(&cfg.Endianness, "writer.endianness", "", "Byte order of the written file. Empty means the architecture default.")
	f.BoolVar(&cfg.Executable, "writer.executable", false, "Write an ELF executable with program headers instead of a relocatable object.")
	f.Uint64Var(&cfg.ImageBase, "writer.image-base", 0x140000000, "Preferred load address of PE images.")
	f.UintVar(&cfg.FileAlignment, "writer.file-alignment", 0x200, "Alignment of PE section data in the file.")
	f.UintVar(&cfg.SectionAlignment, "writer.section-alignment", 0x1000, "Alignment of PE sections in memory.")
	f.UintVar(&cfg.ELFFlags, "writer.elf-flags", 0, "Value of the ELF e_flags header field.")
}

// DefaultConfig returns the configuration with every flag at its default.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

func (cfg *Config) Validate() error {
	arch, ok := object.ParseArchitecture(cfg.Architecture)
	if !ok {
		return fmt.Errorf("invalid architecture %q", cfg.Architecture)
	}
	switch cfg.Endianness {
	case "", "little", "big":
	default:
		return fmt.Errorf("invalid endianness %q, must be little or big", cfg.Endianness)
	}
	switch cfg.Format {
	case FormatELF:
		if _, ok := elfTargets[arch]; !ok {
			return fmt.Errorf("architecture %s is not supported for ELF output", arch)
		}
	case FormatPE:
		if _, ok := peMachines[arch]; !ok {
			return fmt.Errorf("architecture %s is not supported for PE output", arch)
		}
		if cfg.Endianness == "big" {
			return fmt.Errorf("PE images are always little endian")
		}
		if cfg.FileAlignment < 0x200 || !pod.IsPow2(cfg.FileAlignment) {
			return fmt.Errorf("invalid file-alignment %#x, must be a power of two of at least 0x200", cfg.FileAlignment)
		}
		if cfg.SectionAlignment < cfg.FileAlignment || !pod.IsPow2(cfg.SectionAlignment) {
			return fmt.Errorf("invalid section-alignment %#x, must be a power of two of at least file-alignment", cfg.SectionAlignment)
		}
		if cfg.ImageBase%0x10000 != 0 {
			return fmt.Errorf("invalid image-base %#x, must be a multiple of 64K", cfg.ImageBase)
		}
	default:
		return fmt.Errorf("invalid format %q, must be %s or %s", cfg.Format, FormatELF, FormatPE)
	}
	return nil
}

func (cfg *Config) arch() object.Architecture {
	a, _ := object.ParseArchitecture(cfg.Architecture)
	return a
}

func (cfg *Config) endian(def pod.Endian) pod.Endian {
	switch cfg.Endianness {
	case "little":
		return pod.Little
	case "big":
		return pod.Big
	}
	return def
}
