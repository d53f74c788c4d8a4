package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/xlab/treeprint"

	"github.com/grafana/symcache/pkg/symcache"
)

type inspectParams struct {
	path      string
	functions bool
	tree      bool
}

func addInspectParams(cmd commander) *inspectParams {
	params := new(inspectParams)
	cmd.Arg("cache", "Symbol cache file, optionally gzip or zstd compressed.").Required().ExistingFileVar(&params.path)
	cmd.Flag("functions", "List the function records.").Default("false").BoolVar(&params.functions)
	cmd.Flag("tree", "Print the functions as inline call trees.").Default("false").BoolVar(&params.tree)
	return params
}

func inspect(ctx context.Context, params *inspectParams, opts ...symcache.Option) error {
	c, closer, err := openCache(params.path, opts...)
	if err != nil {
		return err
	}
	defer closer.Close()

	out := output(ctx)
	stats := c.Stats()
	fmt.Fprintln(out, "Version:", c.Version())
	fmt.Fprintln(out, "Arch:", c.Arch())
	fmt.Fprintln(out, "Debug ID:", c.DebugID())
	fmt.Fprintln(out, "Size:", humanize.Bytes(uint64(stats.Size)))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Section", "Records", "Size"})
	table.Append([]string{"index", humanize.Comma(int64(stats.IndexEntries)), humanize.Bytes(uint64(stats.IndexBytes))})
	table.Append([]string{"functions", humanize.Comma(int64(stats.Functions)), humanize.Bytes(uint64(stats.FunctionBytes))})
	table.Append([]string{"lines", humanize.Comma(int64(stats.Lines)), humanize.Bytes(uint64(stats.LineBytes))})
	table.Append([]string{"strings", "", humanize.Bytes(uint64(stats.StringBytes))})
	table.Render()

	if params.tree {
		fmt.Fprint(out, functionTree(c))
	}
	if !params.functions {
		return nil
	}
	table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Start", "End", "Depth", "Parent", "Language", "Lines", "Name", "File"})
	for i := 0; i < c.NumFunctions(); i++ {
		fn := c.Function(i)
		parent := ""
		if fn.Parent >= 0 {
			parent = strconv.Itoa(fn.Parent)
		}
		table.Append([]string{
			strconv.Itoa(i),
			fmt.Sprintf("%#x", fn.Start),
			fmt.Sprintf("%#x", fn.End),
			strconv.Itoa(int(fn.Depth)),
			parent,
			fn.Language.String(),
			strconv.Itoa(fn.Lines),
			fn.Name,
			fn.File,
		})
	}
	table.Render()
	return nil
}

// functionTree renders every top-level function with the functions inlined
// into it as branches.
func functionTree(c *symcache.Cache) string {
	type branch struct {
		functions []int
		treeprint.Tree
	}
	var roots []int
	children := make(map[int][]int)
	for i := 0; i < c.NumFunctions(); i++ {
		if p := c.Function(i).Parent; p >= 0 {
			children[p] = append(children[p], i)
		} else {
			roots = append(roots, i)
		}
	}
	label := func(i int) string {
		fn := c.Function(i)
		s := fmt.Sprintf("%s [%#x, %#x)", fn.Name, fn.Start, fn.End)
		if fn.File != "" {
			s += " " + fn.File
		}
		return s
	}

	tree := treeprint.New()
	remaining := []*branch{{functions: roots, Tree: tree}}
	for len(remaining) > 0 {
		current := remaining[0]
		remaining = remaining[1:]
		for _, i := range current.functions {
			if len(children[i]) > 0 {
				remaining = append(remaining, &branch{functions: children[i], Tree: current.Tree.AddBranch(label(i))})
			} else {
				current.Tree.AddNode(label(i))
			}
		}
	}
	return tree.String()
}
