package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/grafana/symcache/pkg/symcache"
	"github.com/grafana/symcache/pkg/symcache/demangle"
	"github.com/grafana/symcache/pkg/symcache/source"
)

type lookupParams struct {
	path      string
	addresses []string
	demangle  string
}

func addLookupParams(cmd commander) *lookupParams {
	params := new(lookupParams)
	cmd.Arg("cache", "Symbol cache file, optionally gzip or zstd compressed.").Required().ExistingFileVar(&params.path)
	cmd.Arg("address", "Addresses to resolve, hexadecimal with an optional 0x prefix.").Required().StringsVar(&params.addresses)
	cmd.Flag("demangle", "Demangling mode: none, simplified, templates, full.").Default("none").EnumVar(&params.demangle, "none", "simplified", "templates", "full")
	return params
}

func lookup(ctx context.Context, params *lookupParams, opts ...symcache.Option) error {
	c, closer, err := openCache(params.path, opts...)
	if err != nil {
		return err
	}
	defer closer.Close()

	var (
		errs   *multierror.Error
		frames []symcache.Frame
	)
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Address", "Depth", "Function", "Location"})
	for _, s := range params.addresses {
		addr, err := parseAddress(s)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		frames = c.Lookup(frames[:0], addr)
		if len(frames) == 0 {
			table.Append([]string{fmt.Sprintf("%#x", addr), "", "??", ""})
			continue
		}
		if params.demangle != "none" {
			demangle.Frames(frames, demangle.ParseOptions(params.demangle)...)
		}
		for _, f := range frames {
			table.Append([]string{fmt.Sprintf("%#x", addr), strconv.Itoa(int(f.Depth)), f.FunctionName, location(f)})
		}
	}
	table.Render()
	return errs.ErrorOrNil()
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", s)
	}
	return addr, nil
}

func location(f symcache.Frame) string {
	switch {
	case f.FilePath == "":
		return ""
	case f.Line == 0:
		return f.FilePath
	}
	return fmt.Sprintf("%s:%d", f.FilePath, f.Line)
}

// openCache memory maps uncompressed caches and decompresses the others
// into memory.
func openCache(path string, opts ...symcache.Option) (*symcache.Cache, io.Closer, error) {
	compressed, err := isCompressed(path)
	if err != nil {
		return nil, nil, err
	}
	if !compressed {
		f, err := symcache.OpenFile(path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return f.Cache, f, nil
	}
	data, err := source.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading %s", path)
	}
	c, err := symcache.Open(data, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, path)
	}
	return c, io.NopCloser(nil), nil
}

func isCompressed(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return source.Detect(magic[:n]) != source.None, nil
}
