package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/objfs"
	"github.com/grafana/objfile/pkg/writer"
)

type writeParams struct {
	description  string
	output       string
	format       string
	architecture string
	executable   bool
}

func addWriteParams(cmd *kingpin.CmdClause) *writeParams {
	p := new(writeParams)
	cmd.Arg("description", "YAML file describing sections, symbols and relocations.").Required().StringVar(&p.description)
	cmd.Flag("out", "Path of the written file.").Short('O').Required().StringVar(&p.output)
	cmd.Flag("format", "Overrides the format of the description: elf or pe.").EnumVar(&p.format, writer.FormatELF, writer.FormatPE)
	cmd.Flag("architecture", "Overrides the architecture of the description.").StringVar(&p.architecture)
	cmd.Flag("executable", "Write an ELF executable instead of a relocatable object.").BoolVar(&p.executable)
	return p
}

// description is the document read by the write command. The writer
// configuration sits under config, the object fields at the top level.
type description struct {
	Config        writer.Config `yaml:"config"`
	writer.Object `yaml:",inline"`
}

func loadDescription(ld *objfs.Loader, path string) (description, error) {
	d := description{Config: writer.DefaultConfig()}
	data, err := ld.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("decode %s: %w", path, err)
	}
	return d, nil
}

func (p *writeParams) apply(cfg *writer.Config) {
	if p.format != "" {
		cfg.Format = p.format
	}
	if p.architecture != "" {
		cfg.Architecture = p.architecture
	}
	if p.executable {
		cfg.Executable = true
	}
}

func write(ctx context.Context, ld *objfs.Loader, p *writeParams) error {
	d, err := loadDescription(ld, p.description)
	if err != nil {
		return err
	}
	p.apply(&d.Config)
	if err := d.Config.Validate(); err != nil {
		return err
	}

	b, err := writer.New(logger, d.Config)
	if err != nil {
		return err
	}
	if err := b.AddObject(d.Object); err != nil {
		return err
	}
	data, err := b.Build()
	if err != nil {
		return err
	}

	// Parse the result back so a broken file fails here rather than in the
	// consumer.
	f, err := object.Parse(data)
	if err != nil {
		return fmt.Errorf("written file does not parse: %w", err)
	}

	perm := os.FileMode(0o644)
	if d.Config.Executable || d.Config.Format == writer.FormatPE {
		perm = 0o755
	}
	if err := ld.WriteFile(p.output, data, perm); err != nil {
		return err
	}
	level.Info(logger).Log(
		"msg", "wrote object file",
		"path", p.output,
		"format", f.Kind(),
		"architecture", f.Architecture(),
		"sections", len(d.Sections),
		"symbols", len(d.Symbols),
		"size", humanize.IBytes(uint64(len(data))),
	)
	fmt.Fprintln(output(ctx), p.output)
	return nil
}
