package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symcache/pkg/symcache"
	"github.com/grafana/symcache/pkg/symcache/source"
)

const testSymbols = `MODULE Linux x86_64 C0BCC3F19827FE653058404B2831D9E61A crash
FILE 0 /src/main.c
FUNC 1000 40 0 main
1000 10 10 0
1010 30 12 0
FUNC 1040 20 0 _ZN3foo3barEv
1040 20 20 0
`

const testInlineSymbols = `MODULE Linux x86_64 A0BCC3F19827FE653058404B2831D9E60 inlined
FILE 0 /src/main.c
INLINE_ORIGIN 0 helper
FUNC 1000 40 0 main
INLINE 0 12 0 0 1010 10
1000 10 10 0
1010 10 31 0
1020 20 14 0
`

func writeSymbols(t *testing.T) string {
	t.Helper()
	return writeFile(t, "crash.sym", testSymbols)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func Test_BuildLookupInspect(t *testing.T) {
	for _, codec := range []source.Codec{source.None, source.Gzip, source.Zstd} {
		t.Run(string(codec), func(t *testing.T) {
			input := writeSymbols(t)
			cachePath := filepath.Join(t.TempDir(), "crash.symc")
			reg := prometheus.NewRegistry()
			opts := []symcache.Option{symcache.WithMetrics(symcache.NewMetrics(reg))}

			var out bytes.Buffer
			ctx := withOutput(context.Background(), &out)
			err := build(ctx, &buildParams{inputs: []string{input}, output: cachePath, format: formatAuto, compress: string(codec)}, opts...)
			require.NoError(t, err)
			require.Contains(t, out.String(), cachePath)

			written, err := os.ReadFile(cachePath)
			require.NoError(t, err)
			require.Equal(t, codec, source.Detect(written))

			out.Reset()
			err = lookup(ctx, &lookupParams{
				path:      cachePath,
				addresses: []string{"0x1014", "1044", "0x5000"},
				demangle:  "full",
			}, opts...)
			require.NoError(t, err)
			require.Contains(t, out.String(), "main")
			require.Contains(t, out.String(), "/src/main.c:12")
			require.Contains(t, out.String(), "foo::bar()")
			require.Contains(t, out.String(), "??")

			out.Reset()
			err = inspect(ctx, &inspectParams{path: cachePath, functions: true}, opts...)
			require.NoError(t, err)
			require.Contains(t, out.String(), "c0bcc3f1-9827-fe65-3058-404b2831d9e6-1a")
			require.Contains(t, out.String(), "x86_64")
			require.Contains(t, out.String(), "_ZN3foo3barEv")

			var metrics bytes.Buffer
			require.NoError(t, printMetrics(&metrics, reg))
			require.Contains(t, metrics.String(), "symcache_builds_total")
		})
	}
}

func Test_Lookup_InvalidAddress(t *testing.T) {
	input := writeSymbols(t)
	cachePath := filepath.Join(t.TempDir(), "crash.symc")
	ctx := withOutput(context.Background(), &bytes.Buffer{})
	require.NoError(t, build(ctx, &buildParams{inputs: []string{input}, output: cachePath, format: formatBreakpad, compress: string(source.None)}))

	var out bytes.Buffer
	err := lookup(withOutput(context.Background(), &out), &lookupParams{
		path:      cachePath,
		addresses: []string{"zz", "0x1004", "0xg"},
		demangle:  "none",
	})
	require.ErrorContains(t, err, `invalid address "zz"`)
	require.ErrorContains(t, err, `invalid address "0xg"`)
	require.Contains(t, out.String(), "main")
}

func Test_DetectFormat(t *testing.T) {
	format, err := detectFormat([]byte(testSymbols))
	require.NoError(t, err)
	require.Equal(t, formatBreakpad, format)

	_, err = detectFormat([]byte("not debug information"))
	require.Error(t, err)
}

func Test_Build_MultipleInputs(t *testing.T) {
	inputs := []string{writeSymbols(t), writeFile(t, "inlined.sym", testInlineSymbols)}
	var out bytes.Buffer
	ctx := withOutput(context.Background(), &out)
	err := build(ctx, &buildParams{inputs: inputs, format: formatAuto, compress: string(source.None), concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, inputs[0]+".symc\n"+inputs[1]+".symc\n", out.String())

	for _, input := range inputs {
		f, err := symcache.OpenFile(input + ".symc")
		require.NoError(t, err)
		require.NotEmpty(t, f.Lookup(nil, 0x1010))
		require.NoError(t, f.Close())
	}

	err = build(ctx, &buildParams{inputs: inputs, output: "out.symc", format: formatAuto, compress: string(source.None)})
	require.ErrorContains(t, err, "single input")

	err = build(ctx, &buildParams{inputs: []string{inputs[0], writeFile(t, "bad.sym", "garbage")}, format: formatAuto, compress: string(source.None)})
	require.ErrorContains(t, err, "unrecognized input format")
}

func Test_Inspect_Tree(t *testing.T) {
	input := writeFile(t, "inlined.sym", testInlineSymbols)
	cachePath := filepath.Join(t.TempDir(), "inlined.symc")
	ctx := withOutput(context.Background(), &bytes.Buffer{})
	require.NoError(t, build(ctx, &buildParams{inputs: []string{input}, output: cachePath, format: formatAuto, compress: string(source.None)}))

	var out bytes.Buffer
	require.NoError(t, inspect(withOutput(context.Background(), &out), &inspectParams{path: cachePath, tree: true}))
	require.Contains(t, out.String(), "└── main [0x1000, 0x1040)")
	require.Contains(t, out.String(), "└── helper [0x1010, 0x1020)")
}

func Test_ConfigFlags(t *testing.T) {
	parse := func(args ...string) (*configFlags, error) {
		app := kingpin.New("test", "")
		flags := addConfigFlags(app)
		_, err := app.Parse(args)
		return flags, err
	}

	flags, err := parse("--symcache.max-inline-depth=16", "--no-symcache.verify-checksums")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"symcache.max-inline-depth": "16",
		"symcache.verify-checksums": "false",
	}, flags.values)

	flags, err = parse()
	require.NoError(t, err)
	require.Empty(t, flags.values)

	_, err = parse("--symcache.max-inline-depth=deep")
	require.Error(t, err)
}

func Test_LoadConfig(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	require.Equal(t, symcache.DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symcache:\n  max_inline_depth: 8\n"), 0o644))
	cfg, err = loadConfig(path, nil)
	require.NoError(t, err)
	require.Equal(t, symcache.Config{MaxInlineDepth: 8, VerifyChecksums: true}, cfg)

	cfg, err = loadConfig(path, &configFlags{values: map[string]string{}})
	require.NoError(t, err)
	require.Equal(t, symcache.Config{MaxInlineDepth: 8, VerifyChecksums: true}, cfg)

	cfg, err = loadConfig(path, &configFlags{values: map[string]string{
		"symcache.max-inline-depth": "16",
		"symcache.verify-checksums": "false",
	}})
	require.NoError(t, err)
	require.Equal(t, symcache.Config{MaxInlineDepth: 16, VerifyChecksums: false}, cfg)

	require.NoError(t, os.WriteFile(path, []byte("symcache: [\n"), 0o644))
	_, err = loadConfig(path, nil)
	require.Error(t, err)
}
