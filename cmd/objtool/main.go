package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/objfile/pkg/object"
	"github.com/grafana/objfile/pkg/objerr"
	"github.com/grafana/objfile/pkg/objfs"
)

var cfg struct {
	verbose bool
	strict  bool
	maxSize string
	format  string
	jobs    int
	cache   int
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Inspect and write ELF, Mach-O, PE/COFF, Wasm and ar files.").UsageWriter(os.Stdout)
	app.Version(version.Print("objtool"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("strict", "Fail on malformed optional tables instead of skipping them.").Default("false").BoolVar(&cfg.strict)
	app.Flag("max-size", "Largest accepted input after decompression.").Default("4GiB").StringVar(&cfg.maxSize)
	app.Flag("output", "How to print results: table or yaml.").Short('o').Default(formatTable).EnumVar(&cfg.format, formatTable, formatYAML)
	app.Flag("jobs", "Number of inputs parsed concurrently.").Short('j').Default("4").IntVar(&cfg.jobs)
	app.Flag("cache", "Number of decompressed inputs kept in memory. Helps with thin archives whose members are shared.").Default("64").IntVar(&cfg.cache)

	infoCmd := app.Command("info", "Print the header summary of object files.")
	infoFiles := infoCmd.Arg("file", "object file path").Required().Strings()

	sectionsCmd := app.Command("sections", "List sections.")
	sectionsFiles := sectionsCmd.Arg("file", "object file path").Required().Strings()

	segmentsCmd := app.Command("segments", "List loadable segments.")
	segmentsFiles := segmentsCmd.Arg("file", "object file path").Required().Strings()

	symbolsCmd := app.Command("symbols", "List symbols.").Alias("nm")
	symbolsParams := addSymbolsParams(symbolsCmd)

	relocsCmd := app.Command("relocs", "List the relocations of a section.")
	relocsParams := addRelocsParams(relocsCmd)

	lookupCmd := app.Command("lookup", "Resolve addresses to symbols.")
	lookupParams := addLookupParams(lookupCmd)

	membersCmd := app.Command("members", "List the members of an archive.")
	membersParams := addMembersParams(membersCmd)

	writeCmd := app.Command("write", "Write an ELF or PE file from a YAML description.")
	writeParams := addWriteParams(writeCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	ld, err := newLoader()
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case infoCmd.FullCommand():
		err = info(ctx, ld, *infoFiles)
	case sectionsCmd.FullCommand():
		err = sections(ctx, ld, *sectionsFiles)
	case segmentsCmd.FullCommand():
		err = segments(ctx, ld, *segmentsFiles)
	case symbolsCmd.FullCommand():
		err = symbols(ctx, ld, symbolsParams)
	case relocsCmd.FullCommand():
		err = relocs(ctx, ld, relocsParams)
	case lookupCmd.FullCommand():
		err = lookup(ctx, ld, lookupParams)
	case membersCmd.FullCommand():
		err = members(ctx, ld, membersParams)
	case writeCmd.FullCommand():
		err = write(ctx, ld, writeParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	os.Exit(checkError(err))
}

func newLoader() (*objfs.Loader, error) {
	maxSize, err := humanize.ParseBytes(cfg.maxSize)
	if err != nil {
		return nil, fmt.Errorf("invalid --max-size: %w", err)
	}
	var objectOpts []object.Option
	if cfg.strict {
		objectOpts = append(objectOpts, object.WithStrictOptionalTables())
	}
	return objfs.NewOS(
		objfs.WithLogger(logger),
		objfs.WithMaxSize(int64(maxSize)),
		objfs.WithCache(cfg.cache),
		objfs.WithObjectOptions(objectOpts...),
	), nil
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if objerr.IsUsage(err) {
		return 2
	}
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
