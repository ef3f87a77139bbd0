package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
)

// report is the output of a command for one input file. Rows feed the table
// format and Doc the yaml format.
type report struct {
	Path   string
	Header []string
	Rows   [][]string
	Doc    any
}

func (r *report) append(row ...string) { r.Rows = append(r.Rows, row) }

func render(ctx context.Context, reports []report) error {
	out := output(ctx)
	if cfg.format == formatYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		for _, r := range reports {
			if err := enc.Encode(map[string]any{"path": r.Path, "result": r.Doc}); err != nil {
				return err
			}
		}
		return enc.Close()
	}
	for i, r := range reports {
		if len(reports) > 1 {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%s:\n", r.Path)
		}
		table := tablewriter.NewWriter(out)
		table.SetHeader(r.Header)
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.AppendBulk(r.Rows)
		table.Render()
	}
	return nil
}

func hexval(v uint64) string { return "0x" + strconv.FormatUint(v, 16) }

func dec[T ~int | ~int64 | ~uint8 | ~uint32 | ~uint64](v T) string {
	return fmt.Sprintf("%d", v)
}
