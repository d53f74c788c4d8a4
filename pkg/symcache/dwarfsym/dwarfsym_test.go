package dwarfsym

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symcache/pkg/symcache"
	"github.com/grafana/symcache/pkg/symcache/internal/elftest"
)

// DWARF constants used by the test unit.
const (
	tagCompileUnit       = 0x11
	tagSubprogram        = 0x2e
	tagInlinedSubroutine = 0x1d

	atName           = 0x03
	atStmtList       = 0x10
	atLowPC          = 0x11
	atHighPC         = 0x12
	atLanguage       = 0x13
	atInline         = 0x20
	atDeclFile       = 0x3a
	atAbstractOrigin = 0x31
	atCallFile       = 0x58
	atCallLine       = 0x59

	formAddr      = 0x01
	formData1     = 0x0b
	formData8     = 0x07
	formString    = 0x08
	formRef4      = 0x13
	formSecOffset = 0x17
)

type encoder struct{ bytes.Buffer }

func (e *encoder) u8(v uint8)   { e.WriteByte(v) }
func (e *encoder) u16(v uint16) { _ = binary.Write(e, binary.LittleEndian, v) }
func (e *encoder) u32(v uint32) { _ = binary.Write(e, binary.LittleEndian, v) }
func (e *encoder) u64(v uint64) { _ = binary.Write(e, binary.LittleEndian, v) }
func (e *encoder) str(s string) { e.WriteString(s); e.WriteByte(0) }

func (e *encoder) uleb(v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		e.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func (e *encoder) sleb(v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		e.WriteByte(b)
		if done {
			return
		}
	}
}

// patch32 overwrites the 4 byte value at off.
func (e *encoder) patch32(off int, v uint32) {
	binary.LittleEndian.PutUint32(e.Bytes()[off:], v)
}

func abbrev(e *encoder, code uint64, tag uint64, children bool, attrs ...uint64) {
	e.uleb(code)
	e.uleb(tag)
	if children {
		e.u8(1)
	} else {
		e.u8(0)
	}
	for _, a := range attrs {
		e.uleb(a)
	}
	e.uleb(0)
	e.uleb(0)
}

// testDWARF describes one C compile unit:
//
//	a.c:  main [0x1000, 0x1040) with inl [0x1010, 0x1020) called from line 12
//	      other [0x1040, 0x1060)
//	      overlapping [0x1050, 0x1070), dropped
//	b.h:  inl, declared only
func testDWARF() (abbrevs, info, line []byte) {
	var a encoder
	abbrev(&a, 1, tagCompileUnit, true,
		atName, formString, atLanguage, formData1, atStmtList, formSecOffset,
		atLowPC, formAddr, atHighPC, formData8)
	abbrev(&a, 2, tagSubprogram, true,
		atName, formString, atLowPC, formAddr, atHighPC, formData8, atDeclFile, formData1)
	abbrev(&a, 3, tagSubprogram, false,
		atName, formString, atInline, formData1, atDeclFile, formData1)
	abbrev(&a, 4, tagInlinedSubroutine, false,
		atAbstractOrigin, formRef4, atLowPC, formAddr, atHighPC, formData8,
		atCallFile, formData1, atCallLine, formData1)
	a.uleb(0)

	var d encoder
	d.u32(0) // unit length
	d.u16(4)
	d.u32(0) // abbrev offset
	d.u8(8)

	d.uleb(1)
	d.str("a.c")
	d.u8(langC99)
	d.u32(0)
	d.u64(0x1000)
	d.u64(0x100)

	inlOffset := d.Len()
	d.uleb(3)
	d.str("inl")
	d.u8(3)
	d.u8(2)

	d.uleb(2)
	d.str("main")
	d.u64(0x1000)
	d.u64(0x40)
	d.u8(1)
	{
		d.uleb(4)
		d.u32(uint32(inlOffset))
		d.u64(0x1010)
		d.u64(0x10)
		d.u8(1)
		d.u8(12)
	}
	d.uleb(0)

	d.uleb(2)
	d.str("other")
	d.u64(0x1040)
	d.u64(0x20)
	d.u8(1)
	d.uleb(0)

	d.uleb(2)
	d.str("overlapping")
	d.u64(0x1050)
	d.u64(0x20)
	d.u8(1)
	d.uleb(0)

	d.uleb(0)
	d.patch32(0, uint32(d.Len()-4))

	var l encoder
	l.u32(0) // unit length
	l.u16(4)
	l.u32(0) // header length
	headerStart := l.Len()
	l.u8(1)    // minimum instruction length
	l.u8(1)    // maximum operations per instruction
	l.u8(1)    // default is_stmt
	l.u8(0xfb) // line base -5
	l.u8(14)   // line range
	l.u8(13)   // opcode base
	l.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	l.u8(0) // no include directories
	for _, name := range []string{"a.c", "b.h"} {
		l.str(name)
		l.uleb(0)
		l.uleb(0)
		l.uleb(0)
	}
	l.u8(0)
	l.patch32(6, uint32(l.Len()-headerStart))

	const (
		lnsCopy        = 0x01
		lnsAdvancePC   = 0x02
		lnsAdvanceLine = 0x03
		lnsSetFile     = 0x04
	)
	// DW_LNE_set_address 0x1000
	l.u8(0)
	l.uleb(9)
	l.u8(0x02)
	l.u64(0x1000)
	emit := func(pc uint64, file uint64, line int64) {
		if pc > 0 {
			l.u8(lnsAdvancePC)
			l.uleb(pc)
		}
		if file > 0 {
			l.u8(lnsSetFile)
			l.uleb(file)
		}
		l.u8(lnsAdvanceLine)
		l.sleb(line)
		l.u8(lnsCopy)
	}
	emit(0, 0, 9)      // 0x1000 a.c:10
	emit(0x10, 2, 21)  // 0x1010 b.h:31
	emit(0x10, 1, -17) // 0x1020 a.c:14
	emit(0x20, 0, 6)   // 0x1040 a.c:20
	emit(0x10, 0, 1)   // 0x1050 a.c:21
	// DW_LNE_end_sequence at 0x1060
	l.u8(lnsAdvancePC)
	l.uleb(0x10)
	l.u8(0)
	l.uleb(1)
	l.u8(0x01)
	l.patch32(0, uint32(l.Len()-4))

	return a.Bytes(), d.Bytes(), l.Bytes()
}

func testELF(t *testing.T) *elf.File {
	t.Helper()
	abbrevs, info, line := testDWARF()
	data := elftest.File{
		Machine: elf.EM_AARCH64,
		Sections: []elftest.Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Size: 0x100},
			{Name: ".note.gnu.build-id", Type: elf.SHT_NOTE, Data: elftest.GNUBuildIDNote([]byte{
				0xf1, 0xc3, 0xbc, 0xc0, 0x27, 0x98, 0x65, 0xfe,
				0x30, 0x58, 0x40, 0x4b, 0x28, 0x31, 0xd9, 0xe6,
			})},
			{Name: ".debug_abbrev", Type: elf.SHT_PROGBITS, Data: abbrevs},
			{Name: ".debug_info", Type: elf.SHT_PROGBITS, Data: info},
			{Name: ".debug_line", Type: elf.SHT_PROGBITS, Data: line},
		},
	}.Bytes()
	f, err := elf.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	return f
}

func Test_Build(t *testing.T) {
	p, err := New(testELF(t), nil)
	require.NoError(t, err)
	require.Equal(t, symcache.ArchArm64, p.Arch())
	require.Equal(t, "c0bcc3f1-9827-fe65-3058-404b2831d9e6", p.DebugID().String())

	data, err := symcache.Build(p)
	require.NoError(t, err)
	c, err := symcache.Open(data)
	require.NoError(t, err)
	require.Equal(t, 3, c.NumFunctions())

	type frame struct {
		name, file string
		line       uint32
	}
	lookup := func(addr uint64) []frame {
		var r []frame
		for _, f := range c.Lookup(nil, addr) {
			require.Equal(t, symcache.LanguageC, f.Language)
			r = append(r, frame{f.FunctionName, f.FilePath, f.Line})
		}
		return r
	}

	require.Equal(t, []frame{{"main", "a.c", 10}}, lookup(0x1004))
	require.Equal(t, []frame{
		{"inl", "b.h", 31},
		{"main", "a.c", 12},
	}, lookup(0x1012))
	require.Equal(t, []frame{{"main", "a.c", 14}}, lookup(0x1024))
	require.Equal(t, []frame{{"other", "a.c", 20}}, lookup(0x1044))
	require.Equal(t, []frame{{"other", "a.c", 21}}, lookup(0x105f))
	require.Empty(t, lookup(0x1060))
}

func Test_Records_Pruning(t *testing.T) {
	nodes := []node{
		{fn: symcache.Function{Name: "a", Start: 0x10, End: 0x20}, parent: -1, children: []int{1, 2, 3}},
		{fn: symcache.Function{Name: "a1", Start: 0x10, End: 0x18}, parent: 0},
		{fn: symcache.Function{Name: "a2", Start: 0x14, End: 0x1c}, parent: 0},
		{fn: symcache.Function{Name: "a3", Start: 0x1c, End: 0x28}, parent: 0},
		{fn: symcache.Function{Name: "b", Start: 0x18, End: 0x30}, parent: -1, children: []int{5}},
		{fn: symcache.Function{Name: "b1", Start: 0x18, End: 0x20}, parent: 4},
		{fn: symcache.Function{Name: "c", Start: 0x30, End: 0x30}, parent: -1},
		{fn: symcache.Function{Name: "d", Start: 0x30, End: 0x40}, parent: -1},
	}
	c := &collector{nodes: nodes}
	tops := c.prune()

	var kept []string
	var walk func([]int)
	walk = func(ids []int) {
		for _, i := range ids {
			kept = append(kept, c.nodes[i].fn.Name)
			walk(c.nodes[i].children)
		}
	}
	walk(tops)
	require.Equal(t, []string{"a", "a1", "d"}, kept)
	require.Equal(t, 5, c.dropped)

	require.Equal(t, 1, c.innermost(tops, 0x12))
	require.Equal(t, 0, c.innermost(tops, 0x1c))
	require.Equal(t, 7, c.innermost(tops, 0x3f))
	require.Equal(t, -1, c.innermost(tops, 0x40))
	require.Equal(t, -1, c.innermost(tops, 0x2))
}
