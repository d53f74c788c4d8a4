package breakpad

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/grafana/symcache/pkg/symcache"
)

const testSymbols = `MODULE Linux x86_64 C0BCC3F19827FE653058404B2831D9E61A crash
INFO CODE_ID F1C3BCC0279865FE3058404B2831D9E6 crash
FILE 0 /src/main.c
FILE 1 /src/util.h
INLINE_ORIGIN 0 helper
INLINE_ORIGIN 1 leaf
FUNC 1000 40 0 main
INLINE 0 12 0 0 1010 10
INLINE 1 30 1 1 1018 8
1000 10 10 0
1010 8 31 1
1018 8 40 1
1020 10 14 0
1030 0 99 0
FUNC m 1040 10 0
1040 10 50 0

PUBLIC 2000 0 exported_func
PUBLIC 1000 0 main_public
STACK CFI INIT 1000 40 .cfa: $rsp 8 + .ra: .cfa -8 + ^
STACK CFI 1001 .cfa: $rsp 16 +
`

func Test_Parse(t *testing.T) {
	sf, err := Parse(strings.NewReader(testSymbols))
	require.NoError(t, err)

	require.Equal(t, Module{OS: "Linux", Arch: "x86_64", ID: "C0BCC3F19827FE653058404B2831D9E61A", Name: "crash"}, sf.Module)
	require.Equal(t, "F1C3BCC0279865FE3058404B2831D9E6", sf.CodeID)
	require.Equal(t, "crash", sf.CodeFile)
	require.Equal(t, map[uint64]string{0: "/src/main.c", 1: "/src/util.h"}, sf.Files)
	require.Equal(t, map[uint64]string{0: "helper", 1: "leaf"}, sf.InlineOrigins)

	require.Len(t, sf.Functions, 2)
	main := sf.Functions[0]
	require.Equal(t, "main", main.Name)
	require.Equal(t, uint64(0x1000), main.Address)
	require.Equal(t, uint64(0x40), main.Size)
	require.Len(t, main.Lines, 4, "empty line ranges are skipped")
	require.Equal(t, []Inline{
		{Depth: 0, CallLine: 12, CallFileID: 0, OriginID: 0, Ranges: []Range{{Address: 0x1010, Size: 0x10}}},
		{Depth: 1, CallLine: 30, CallFileID: 1, OriginID: 1, Ranges: []Range{{Address: 0x1018, Size: 0x8}}},
	}, main.Inlines)

	unnamed := sf.Functions[1]
	require.True(t, unnamed.Multiple)
	require.Equal(t, UnknownName, unnamed.Name)

	require.Equal(t, []Public{
		{Address: 0x2000, Name: "exported_func"},
		{Address: 0x1000, Name: "main_public"},
	}, sf.Publics)
}

func Test_Parse_Errors(t *testing.T) {
	type testCase struct {
		description string
		input       string
		line        int
		kind        ErrorKind
	}

	const module = "MODULE Linux x86 C0BCC3F19827FE653058404B2831D9E60 test\n"
	testCases := []testCase{
		{description: "module fields", input: "MODULE Linux x86\n", line: 1, kind: KindModuleRecord},
		{description: "module id", input: "MODULE Linux x86 XYZ test\n", line: 1, kind: KindModuleRecord},
		{description: "func address", input: module + "FUNC zz 10 0 foo\n", line: 2, kind: KindFuncRecord},
		{description: "func fields", input: module + "FUNC 10 10\n", line: 2, kind: KindFuncRecord},
		{description: "line outside func", input: module + "10 10 1 0\n", line: 2, kind: KindLineRecord},
		{description: "line fields", input: module + "FUNC 10 10 0 foo\n10 10 1\n", line: 3, kind: KindLineRecord},
		{description: "file id", input: module + "FILE x /a.c\n", line: 2, kind: KindFileRecord},
		{description: "public address", input: module + "PUBLIC m zz 0 foo\n", line: 2, kind: KindPublicRecord},
		{description: "inline ranges", input: module + "FUNC 10 10 0 foo\nINLINE 0 1 0 0 10\n", line: 3, kind: KindInlineRecord},
		{description: "inline outside func", input: module + "INLINE 0 1 0 0 10 4\n", line: 2, kind: KindInlineRecord},
		{description: "inline origin id", input: module + "INLINE_ORIGIN a foo\n", line: 2, kind: KindInlineOriginRecord},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.input))
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, tc.line, perr.Line)
			require.Equal(t, tc.kind, perr.Kind)
		})
	}

	_, err := Parse(strings.NewReader("FUNC 10 10 0 foo\n"))
	require.ErrorIs(t, err, ErrMissingModule)
	_, err = Parse(strings.NewReader(""))
	require.ErrorIs(t, err, ErrMissingModule)
}

func Test_Build(t *testing.T) {
	sf, err := Parse(strings.NewReader(testSymbols))
	require.NoError(t, err)
	p := NewProvider(sf, log.NewNopLogger())

	data, err := symcache.Build(p)
	require.NoError(t, err)
	c, err := symcache.Open(data)
	require.NoError(t, err)
	require.Equal(t, symcache.ArchAmd64, c.Arch())
	require.Equal(t, "c0bcc3f1-9827-fe65-3058-404b2831d9e6-1a", c.DebugID().String())

	type frame struct {
		name, file string
		line       uint32
	}
	lookup := func(addr uint64) []frame {
		var r []frame
		for _, f := range c.Lookup(nil, addr) {
			r = append(r, frame{f.FunctionName, f.FilePath, f.Line})
		}
		return r
	}

	require.Equal(t, []frame{{"main", "/src/main.c", 10}}, lookup(0x1004))
	require.Equal(t, []frame{
		{"helper", "/src/util.h", 31},
		{"main", "/src/main.c", 12},
	}, lookup(0x1012))
	require.Equal(t, []frame{
		{"leaf", "/src/util.h", 40},
		{"helper", "/src/util.h", 30},
		{"main", "/src/main.c", 12},
	}, lookup(0x101c))
	require.Equal(t, []frame{{"main", "/src/main.c", 14}}, lookup(0x1024))
	require.Equal(t, []frame{{UnknownName, "/src/main.c", 50}}, lookup(0x1048))
	require.Empty(t, lookup(0x1050))
	require.Equal(t, []frame{{"exported_func", "", 0}}, lookup(0x3000))
}

func Test_Build_OverlappingFunctions(t *testing.T) {
	sf, err := Parse(strings.NewReader(`MODULE Linux arm64 C0BCC3F19827FE653058404B2831D9E60 test
FUNC 100 20 0 first
FUNC 110 20 0 overlapping
FUNC 100 20 0 alias
FUNC 120 10 0 next
`))
	require.NoError(t, err)
	data, err := symcache.Build(NewProvider(sf, nil))
	require.NoError(t, err)
	c, err := symcache.Open(data)
	require.NoError(t, err)

	require.Equal(t, symcache.ArchArm64, c.Arch())
	require.Equal(t, 2, c.NumFunctions())
	require.Equal(t, "first", c.Lookup(nil, 0x118)[0].FunctionName)
	require.Equal(t, "next", c.Lookup(nil, 0x120)[0].FunctionName)
}
