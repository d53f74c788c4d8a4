package main

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/symcache/pkg/symcache"
	"github.com/grafana/symcache/pkg/symcache/breakpad"
	"github.com/grafana/symcache/pkg/symcache/dwarfsym"
	"github.com/grafana/symcache/pkg/symcache/elfsym"
	"github.com/grafana/symcache/pkg/symcache/source"
)

const (
	formatAuto     = "auto"
	formatBreakpad = "breakpad"
	formatELF      = "elf"
	formatDWARF    = "dwarf"
)

type buildParams struct {
	inputs      []string
	output      string
	format      string
	compress    string
	concurrency int
}

func addBuildParams(cmd commander) *buildParams {
	params := new(buildParams)
	cmd.Arg("input", "Debug information files: Breakpad symbols or ELF binaries, optionally gzip or zstd compressed.").Required().ExistingFilesVar(&params.inputs)
	cmd.Flag("output", "Path of the symbol cache to write, with a single input only. Defaults to the input path with a .symc extension.").Short('o').StringVar(&params.output)
	cmd.Flag("format", "Input format.").Default(formatAuto).EnumVar(&params.format, formatAuto, formatBreakpad, formatELF, formatDWARF)
	cmd.Flag("compress", "Compress the written cache.").Default(string(source.None)).EnumVar(&params.compress, string(source.None), string(source.Gzip), string(source.Zstd))
	cmd.Flag("concurrency", "Number of inputs converted in parallel.").Default(strconv.Itoa(runtime.GOMAXPROCS(0))).IntVar(&params.concurrency)
	return params
}

// build converts every input with its own builder. The written paths are
// printed in input order once all of them succeeded.
func build(ctx context.Context, params *buildParams, opts ...symcache.Option) error {
	if params.output != "" && len(params.inputs) > 1 {
		return errors.New("--output requires a single input")
	}
	out := output(ctx)
	paths := make([]string, len(params.inputs))
	g, ctx := errgroup.WithContext(ctx)
	if params.concurrency > 0 {
		g.SetLimit(params.concurrency)
	}
	for i, input := range params.inputs {
		i, input := i, input
		g.Go(func() (err error) {
			paths[i], err = buildOne(ctx, params, input, opts...)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, path := range paths {
		fmt.Fprintln(out, path)
	}
	return nil
}

func buildOne(ctx context.Context, params *buildParams, input string, opts ...symcache.Option) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := source.Open(input)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", input)
	}
	format := params.format
	if format == formatAuto {
		if format, err = detectFormat(data); err != nil {
			return "", errors.Wrap(err, input)
		}
	}
	p, err := newProvider(format, data)
	if err != nil {
		return "", errors.Wrapf(err, "loading %s", input)
	}

	start := time.Now()
	cache, err := symcache.Build(p, opts...)
	if err != nil {
		return "", errors.Wrapf(err, "building symbol cache from %s", input)
	}
	elapsed := time.Since(start)

	compressed, err := source.Compress(cache, source.Codec(params.compress))
	if err != nil {
		return "", err
	}
	path := params.output
	if path == "" {
		path = input + ".symc"
	}
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return "", err
	}

	level.Info(logger).Log(
		"msg", "symbol cache written",
		"path", path,
		"format", format,
		"debug_id", p.DebugID(),
		"arch", p.Arch(),
		"size", humanize.Bytes(uint64(len(compressed))),
		"duration", elapsed,
	)
	return path, nil
}

// detectFormat tells Breakpad symbol files from ELF binaries. ELF binaries
// with DWARF sections are read as DWARF.
func detectFormat(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, []byte("MODULE ")):
		return formatBreakpad, nil
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		if f.Section(".debug_info") != nil || f.Section(".zdebug_info") != nil {
			return formatDWARF, nil
		}
		return formatELF, nil
	}
	return "", errors.New("unrecognized input format")
}

func newProvider(format string, data []byte) (symcache.Provider, error) {
	switch format {
	case formatBreakpad:
		sf, err := breakpad.Parse(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return breakpad.NewProvider(sf, logger), nil
	case formatELF, formatDWARF:
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if format == formatDWARF {
			return dwarfsym.New(f, logger)
		}
		return elfsym.New(f, logger)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}
