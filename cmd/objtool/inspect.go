package main

import (
	"cmp"
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/ianlancetaylor/demangle"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/objfs"
)

// loadAll parses paths concurrently and returns the files in argument order.
func loadAll(ctx context.Context, ld *objfs.Loader, paths []string) ([]*object.File, error) {
	files := make([]*object.File, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.jobs, 1))
	for i, path := range paths {
		g.Go(func() error {
			f, err := ld.Open(path)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

type fileInfo struct {
	Format       object.Kind         `yaml:"format"`
	Architecture object.Architecture `yaml:"architecture"`
	Endianness   string              `yaml:"endianness"`
	Bits         int                 `yaml:"bits"`
	Entry        uint64              `yaml:"entry"`
	BuildID      string              `yaml:"build_id,omitempty"`
	DebugSymbols bool                `yaml:"debug_symbols"`
	Sections     int                 `yaml:"sections"`
	Symbols      int                 `yaml:"symbols"`
	Flags        object.FileFlags    `yaml:"flags"`
}

func info(ctx context.Context, ld *objfs.Loader, paths []string) error {
	files, err := loadAll(ctx, ld, paths)
	if err != nil {
		return err
	}
	reports := make([]report, 0, len(files))
	for i, f := range files {
		syms, err := f.Symbols()
		if err != nil {
			return fmt.Errorf("%s: %w", paths[i], err)
		}
		fi := fileInfo{
			Format:       f.Kind(),
			Architecture: f.Architecture(),
			Endianness:   f.Endianness().String(),
			Bits:         32,
			Entry:        f.Entry(),
			BuildID:      hex.EncodeToString(f.BuildID()),
			DebugSymbols: f.HasDebugSymbols(),
			Sections:     len(f.Sections()),
			Symbols:      len(syms),
			Flags:        f.Flags(),
		}
		if f.Is64() {
			fi.Bits = 64
		}
		r := report{Path: paths[i], Header: []string{"Field", "Value"}, Doc: fi}
		r.append("Format", fi.Format.String())
		r.append("Architecture", fi.Architecture.String())
		r.append("Endianness", fi.Endianness)
		r.append("Bits", dec(fi.Bits))
		r.append("Entry", hexval(fi.Entry))
		if fi.BuildID != "" {
			r.append("Build ID", fi.BuildID)
		}
		r.append("Debug symbols", strconv.FormatBool(fi.DebugSymbols))
		r.append("Sections", dec(fi.Sections))
		r.append("Symbols", dec(fi.Symbols))
		reports = append(reports, r)
	}
	return render(ctx, reports)
}

func sections(ctx context.Context, ld *objfs.Loader, paths []string) error {
	files, err := loadAll(ctx, ld, paths)
	if err != nil {
		return err
	}
	reports := make([]report, 0, len(files))
	for i, f := range files {
		secs := f.Sections()
		r := report{
			Path:   paths[i],
			Header: []string{"Idx", "Name", "Kind", "Address", "Size", "Offset", "Align", "Flags"},
			Doc:    secs,
		}
		for _, s := range secs {
			name := s.Name
			if s.Segment != "" {
				name = s.Segment + "," + s.Name
			}
			r.append(dec(s.Index), name, s.Kind.String(), hexval(s.Address), humanize.IBytes(s.Size), hexval(s.FileOffset), dec(s.Align), hexval(s.Flags))
		}
		reports = append(reports, r)
	}
	return render(ctx, reports)
}

func segments(ctx context.Context, ld *objfs.Loader, paths []string) error {
	files, err := loadAll(ctx, ld, paths)
	if err != nil {
		return err
	}
	reports := make([]report, 0, len(files))
	for i, f := range files {
		segs := f.Segments()
		r := report{
			Path:   paths[i],
			Header: []string{"Name", "Address", "Size", "Offset", "File size", "Align"},
			Doc:    segs,
		}
		for _, s := range segs {
			r.append(s.Name, hexval(s.Address), humanize.IBytes(s.Size), hexval(s.FileOffset), humanize.IBytes(s.FileSize), dec(s.Align))
		}
		reports = append(reports, r)
	}
	return render(ctx, reports)
}

type symbolsParams struct {
	files     []string
	dynamic   bool
	defined   bool
	undefined bool
	kinds     []string
	sortBy    string
	demangle  bool
}

func addSymbolsParams(cmd *kingpin.CmdClause) *symbolsParams {
	p := new(symbolsParams)
	cmd.Arg("file", "object file path").Required().StringsVar(&p.files)
	cmd.Flag("dynamic", "List the dynamic symbol table instead of the static one.").Short('D').BoolVar(&p.dynamic)
	cmd.Flag("defined", "Only list symbols defined in a section.").BoolVar(&p.defined)
	cmd.Flag("undefined", "Only list undefined symbols.").Short('u').BoolVar(&p.undefined)
	cmd.Flag("kind", "Only list symbols of this kind, e.g. text or data. Repeatable.").StringsVar(&p.kinds)
	cmd.Flag("sort", "Sort order: index, address or name.").Default("index").EnumVar(&p.sortBy, "index", "address", "name")
	cmd.Flag("demangle", "Demangle C++ and Rust symbol names.").Short('C').BoolVar(&p.demangle)
	return p
}

func (p *symbolsParams) filter() (func(object.Symbol, int) bool, error) {
	kinds := make(map[object.SymbolKind]struct{}, len(p.kinds))
	for _, s := range p.kinds {
		var k object.SymbolKind
		if err := k.UnmarshalText([]byte(s)); err != nil {
			return nil, err
		}
		kinds[k] = struct{}{}
	}
	return func(s object.Symbol, _ int) bool {
		if p.defined && !s.Defined() {
			return false
		}
		if p.undefined && !s.Undefined() {
			return false
		}
		if len(kinds) > 0 {
			if _, ok := kinds[s.Kind]; !ok {
				return false
			}
		}
		return true
	}, nil
}

func (p *symbolsParams) sort(syms []object.Symbol) {
	switch p.sortBy {
	case "address":
		slices.SortStableFunc(syms, func(a, b object.Symbol) int { return cmp.Compare(a.Address, b.Address) })
	case "name":
		slices.SortStableFunc(syms, func(a, b object.Symbol) int { return cmp.Compare(a.Name, b.Name) })
	}
}

func symbols(ctx context.Context, ld *objfs.Loader, p *symbolsParams) error {
	keep, err := p.filter()
	if err != nil {
		return err
	}
	files, err := loadAll(ctx, ld, p.files)
	if err != nil {
		return err
	}
	reports := make([]report, 0, len(files))
	for i, f := range files {
		table := f.Symbols
		if p.dynamic {
			table = f.DynamicSymbols
		}
		syms, err := table()
		if err != nil {
			return fmt.Errorf("%s: %w", p.files[i], err)
		}
		syms = lo.Filter(syms, keep)
		if p.demangle {
			for j := range syms {
				syms[j].Name = demangle.Filter(syms[j].Name)
			}
		}
		p.sort(syms)

		names := sectionNames(f)
		r := report{
			Path:   p.files[i],
			Header: []string{"Idx", "Address", "Size", "Kind", "Scope", "Bind", "Section", "Name"},
			Doc:    syms,
		}
		for _, s := range syms {
			bind := "strong"
			if s.Weak {
				bind = "weak"
			}
			section := s.Placement.String()
			if s.Defined() {
				section = names[s.SectionIndex]
			}
			r.append(dec(s.Index), hexval(s.Address), dec(s.Size), s.Kind.String(), s.Scope.String(), bind, section, s.Name)
		}
		reports = append(reports, r)
	}
	return render(ctx, reports)
}

func sectionNames(f *object.File) map[int]string {
	return lo.SliceToMap(f.Sections(), func(s object.Section) (int, string) { return s.Index, s.Name })
}

type relocsParams struct {
	file    string
	section string
}

func addRelocsParams(cmd *kingpin.CmdClause) *relocsParams {
	p := new(relocsParams)
	cmd.Arg("file", "object file path").Required().StringVar(&p.file)
	cmd.Flag("section", "Name or index of the relocated section. All sections are listed when empty.").Short('s').StringVar(&p.section)
	return p
}

// relocationRow inlines the relocation, whose Target is the raw index, next
// to the resolved target name.
type relocationRow struct {
	Section           string `yaml:"section"`
	TargetName        string `yaml:"target_name"`
	object.Relocation `yaml:",inline"`
}

func relocs(ctx context.Context, ld *objfs.Loader, p *relocsParams) error {
	f, err := ld.Open(p.file)
	if err != nil {
		return err
	}
	secs, err := selectSections(f, p.section)
	if err != nil {
		return err
	}
	syms, err := f.Symbols()
	if err != nil {
		return err
	}
	byIndex := lo.KeyBy(syms, func(s object.Symbol) int { return s.Index })
	names := sectionNames(f)

	var rows []relocationRow
	for _, s := range secs {
		rels, err := f.Relocations(s.Index)
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		for _, rel := range rels {
			row := relocationRow{Section: s.Name, Relocation: rel}
			switch rel.TargetKind {
			case object.TargetSymbol:
				row.TargetName = byIndex[rel.Target].Name
				if row.TargetName == "" {
					row.TargetName = "#" + dec(rel.Target)
				}
			case object.TargetSection:
				row.TargetName = names[rel.Target]
			default:
				row.TargetName = "*abs*"
			}
			rows = append(rows, row)
		}
	}

	r := report{
		Path:   p.file,
		Header: []string{"Section", "Offset", "Kind", "Encoding", "Bits", "Target", "Addend", "Type"},
		Doc:    rows,
	}
	for _, row := range rows {
		r.append(row.Section, hexval(row.Offset), row.Kind.String(), row.Encoding.String(), dec(row.Size), row.TargetName, dec(row.Addend), dec(row.Raw))
	}
	return render(ctx, []report{r})
}

// selectSections resolves sel as a section name or index. An empty sel
// selects every section.
func selectSections(f *object.File, sel string) ([]object.Section, error) {
	if sel == "" {
		return f.Sections(), nil
	}
	if s, ok := f.SectionByName(sel); ok {
		return []object.Section{s}, nil
	}
	if idx, err := strconv.Atoi(sel); err == nil {
		if s, ok := lo.Find(f.Sections(), func(s object.Section) bool { return s.Index == idx }); ok {
			return []object.Section{s}, nil
		}
	}
	return nil, fmt.Errorf("no section %q", sel)
}

type lookupParams struct {
	file     string
	addrs    []string
	demangle bool
}

func addLookupParams(cmd *kingpin.CmdClause) *lookupParams {
	p := new(lookupParams)
	cmd.Arg("file", "object file path").Required().StringVar(&p.file)
	cmd.Arg("address", "Address to resolve, decimal or 0x prefixed hex.").Required().StringsVar(&p.addrs)
	cmd.Flag("demangle", "Demangle C++ and Rust symbol names.").Short('C').BoolVar(&p.demangle)
	return p
}

type lookupResult struct {
	Address uint64 `yaml:"address"`
	Symbol  string `yaml:"symbol,omitempty"`
	Offset  uint64 `yaml:"offset"`
}

func lookup(ctx context.Context, ld *objfs.Loader, p *lookupParams) error {
	addrs := make([]uint64, 0, len(p.addrs))
	for _, s := range p.addrs {
		a, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	f, err := ld.Open(p.file)
	if err != nil {
		return err
	}
	m, err := f.SymbolMap()
	if err != nil {
		return err
	}
	res := lo.Map(addrs, func(a uint64, _ int) lookupResult {
		e, ok := m.Resolve(a)
		if !ok {
			return lookupResult{Address: a}
		}
		name := e.Name
		if p.demangle {
			name = demangle.Filter(name)
		}
		return lookupResult{Address: a, Symbol: name, Offset: a - e.Address}
	})
	r := report{Path: p.file, Header: []string{"Address", "Symbol"}, Doc: res}
	for _, l := range res {
		switch {
		case l.Symbol == "":
			r.append(hexval(l.Address), "??")
		case l.Offset == 0:
			r.append(hexval(l.Address), l.Symbol)
		default:
			r.append(hexval(l.Address), l.Symbol+"+"+hexval(l.Offset))
		}
	}
	return render(ctx, []report{r})
}

type membersParams struct {
	file  string
	index bool
}

func addMembersParams(cmd *kingpin.CmdClause) *membersParams {
	p := new(membersParams)
	cmd.Arg("file", "archive path").Required().StringVar(&p.file)
	cmd.Flag("index", "List the archive symbol index instead of the members.").BoolVar(&p.index)
	return p
}

type memberRow struct {
	Name         string              `yaml:"name"`
	Size         uint64              `yaml:"size"`
	External     bool                `yaml:"external,omitempty"`
	Format       object.Kind         `yaml:"format,omitempty"`
	Architecture object.Architecture `yaml:"architecture,omitempty"`
	Error        string              `yaml:"error,omitempty"`
}

func members(ctx context.Context, ld *objfs.Loader, p *membersParams) error {
	if p.index {
		return archiveIndex(ctx, ld, p.file)
	}
	ms, err := ld.OpenMembers(p.file)
	if err != nil {
		return err
	}
	rows := lo.Map(ms, func(m objfs.Member, _ int) memberRow {
		row := memberRow{Name: m.Name, Size: m.Size, External: m.External}
		if m.Err != nil {
			row.Error = m.Err.Error()
			return row
		}
		row.Format, row.Architecture = m.File.Kind(), m.File.Architecture()
		return row
	})
	r := report{Path: p.file, Header: []string{"Name", "Size", "Format", "Architecture", "Error"}, Doc: rows}
	for _, row := range rows {
		name := row.Name
		if row.External {
			name += " (external)"
		}
		r.append(name, humanize.IBytes(row.Size), row.Format.String(), row.Architecture.String(), row.Error)
	}
	return render(ctx, []report{r})
}

type indexEntry struct {
	Symbol string `yaml:"symbol"`
	Member string `yaml:"member"`
}

func archiveIndex(ctx context.Context, ld *objfs.Loader, path string) error {
	f, err := ld.Open(path)
	if err != nil {
		return err
	}
	a := f.Archive()
	if a == nil {
		return fmt.Errorf("%s is %s, not an archive", path, f.Kind())
	}
	syms, err := a.Symbols()
	if err != nil {
		return err
	}
	entries := make([]indexEntry, 0, len(syms))
	for _, s := range syms {
		m, err := a.MemberAt(s.Offset)
		if err != nil {
			return fmt.Errorf("symbol %s: %w", s.Name, err)
		}
		entries = append(entries, indexEntry{Symbol: s.Name, Member: m.Name})
	}
	r := report{Path: path, Header: []string{"Symbol", "Member"}, Doc: entries}
	for _, e := range entries {
		r.append(e.Symbol, e.Member)
	}
	return render(ctx, []report{r})
}
