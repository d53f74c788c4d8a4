// Package dwarfsym builds symbol caches out of DWARF debug information.
//
// Every address range of a concrete subprogram becomes a top-level function,
// every range of an inlined subroutine a child of the function range it was
// inlined into. Line table rows are attributed to the innermost function
// covering them; an inlined call additionally contributes its call site as a
// line of the enclosing function.
//
// The builder rejects partially overlapping ranges. Ranges that overlap a
// previously seen top-level function, or a sibling within the same parent,
// are dropped: the first one wins.
package dwarfsym

import (
	"cmp"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/symcache/pkg/symcache"
	"github.com/grafana/symcache/pkg/symcache/elfsym"
)

// UnknownName replaces missing function names.
const UnknownName = "<unknown>"

// Provider feeds the DWARF records of a binary to a symcache.RecordSink.
type Provider struct {
	data    *dwarf.Data
	arch    symcache.Arch
	debugID symcache.DebugID
	logger  log.Logger
}

// New creates a provider for the DWARF sections of an ELF file. The
// architecture and debug id are taken from the ELF file itself.
func New(f *elf.File, logger log.Logger) (*Provider, error) {
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("reading DWARF: %w", err)
	}
	id, err := elfsym.ReadDebugID(f)
	if err != nil && !errors.Is(err, elfsym.ErrNoBuildID) {
		return nil, err
	}
	return NewFromData(d, elfsym.FileArch(f), id, logger), nil
}

func NewFromData(d *dwarf.Data, arch symcache.Arch, id symcache.DebugID, logger log.Logger) *Provider {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Provider{data: d, arch: arch, debugID: id, logger: logger}
}

func (p *Provider) Arch() symcache.Arch { return p.arch }

func (p *Provider) DebugID() symcache.DebugID { return p.debugID }

func (p *Provider) Records(sink symcache.RecordSink) error {
	c := &collector{
		data:    p.data,
		origins: p.data.Reader(),
		attrs:   make(map[dwarf.Offset]declAttrs),
	}
	r := p.data.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return fmt.Errorf("reading DWARF entries: %w", err)
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		if err := c.unit(r, e); err != nil {
			return fmt.Errorf("compile unit at %#x: %w", e.Offset, err)
		}
	}

	tops := c.prune()
	functions, err := c.emit(sink, tops)
	if err != nil {
		return err
	}
	level.Debug(p.logger).Log(
		"msg", "read DWARF",
		"units", c.units,
		"functions", functions,
		"dropped", c.dropped,
		"lines", len(c.rows),
	)
	return nil
}

// node is one address range of a subprogram or inlined subroutine.
type node struct {
	fn       symcache.Function
	parent   int
	children []int
	ref      symcache.FunctionRef

	// Call site of an inlined subroutine, in the parent function.
	callLine uint32
	callFile string
}

type row struct {
	address uint64
	line    uint32
	column  uint32
	file    string
}

// declAttrs are the attributes a concrete entry may inherit from its
// abstract origin or specification.
type declAttrs struct {
	name string
	// declFile is -1 when unknown.
	declFile int64
	// Entry the remaining attributes come from.
	next dwarf.Offset
}

type collector struct {
	data    *dwarf.Data
	origins *dwarf.Reader
	attrs   map[dwarf.Offset]declAttrs

	nodes   []node
	rows    []row
	units   int
	dropped int
}

// scope is an entry with children on the traversal stack.
type scope struct {
	function bool
	nodes    []int
}

func (c *collector) unit(r *dwarf.Reader, cu *dwarf.Entry) error {
	c.units++
	lang := language(cu)
	var files []*dwarf.LineFile
	lr, err := c.data.LineReader(cu)
	if err != nil {
		return err
	}
	if lr != nil {
		files = lr.Files()
	}
	fileName := func(i int64) string {
		if i < 0 || i >= int64(len(files)) || files[i] == nil {
			return ""
		}
		return files[i].Name
	}

	if cu.Children {
		stack := []scope{{}}
		for len(stack) > 0 {
			e, err := r.Next()
			if err != nil {
				return err
			}
			if e == nil {
				return io.ErrUnexpectedEOF
			}
			if e.Tag == 0 {
				stack = stack[:len(stack)-1]
				continue
			}

			var s scope
			switch e.Tag {
			case dwarf.TagSubprogram:
				s.function = true
				ranges, err := c.data.Ranges(e)
				if err != nil {
					return err
				}
				if len(ranges) == 0 {
					break
				}
				a, err := c.declAttrs(e)
				if err != nil {
					return err
				}
				for _, rg := range ranges {
					s.nodes = append(s.nodes, c.add(-1, rg, symcache.Function{
						Name:     a.name,
						File:     fileName(a.declFile),
						Language: lang,
					}))
				}

			case dwarf.TagInlinedSubroutine:
				s.function = true
				enclosing := enclosingFunction(stack)
				ranges, err := c.data.Ranges(e)
				if err != nil {
					return err
				}
				if len(ranges) == 0 || len(enclosing) == 0 {
					break
				}
				a, err := c.declAttrs(e)
				if err != nil {
					return err
				}
				callFile, _ := e.Val(dwarf.AttrCallFile).(int64)
				callLine, _ := e.Val(dwarf.AttrCallLine).(int64)
				for _, rg := range ranges {
					parent := c.containing(enclosing, rg[0])
					if parent < 0 {
						c.dropped++
						continue
					}
					i := c.add(parent, rg, symcache.Function{
						Name:     a.name,
						File:     fileName(a.declFile),
						Language: lang,
					})
					c.nodes[i].callLine = uint32(max(callLine, 0))
					c.nodes[i].callFile = fileName(callFile)
					s.nodes = append(s.nodes, i)
				}
			}
			if e.Children {
				stack = append(stack, s)
			}
		}
	}

	if lr == nil {
		return nil
	}
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if le.EndSequence || le.Line <= 0 {
			continue
		}
		rw := row{address: le.Address, line: uint32(le.Line), column: uint32(max(le.Column, 0))}
		if le.File != nil {
			rw.file = le.File.Name
		}
		c.rows = append(c.rows, rw)
	}
}

// enclosingFunction returns the ranges of the innermost function on the stack.
func enclosingFunction(stack []scope) []int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].function {
			return stack[i].nodes
		}
	}
	return nil
}

func (c *collector) containing(candidates []int, addr uint64) int {
	for _, i := range candidates {
		if fn := &c.nodes[i].fn; fn.Start <= addr && addr < fn.End {
			return i
		}
	}
	return -1
}

func (c *collector) add(parent int, rg [2]uint64, fn symcache.Function) int {
	fn.Start, fn.End = rg[0], rg[1]
	i := len(c.nodes)
	c.nodes = append(c.nodes, node{fn: fn, parent: parent})
	if parent >= 0 {
		c.nodes[parent].children = append(c.nodes[parent].children, i)
	}
	return i
}

// declAttrs resolves the name and declaration file of e, following
// DW_AT_abstract_origin and DW_AT_specification references.
func (c *collector) declAttrs(e *dwarf.Entry) (declAttrs, error) {
	a := readDeclAttrs(e)
	for hops := 0; a.next != 0 && (a.name == "" || a.declFile < 0) && hops < 8; hops++ {
		o, err := c.origin(a.next)
		if err != nil {
			return a, err
		}
		if a.name == "" {
			a.name = o.name
		}
		if a.declFile < 0 {
			a.declFile = o.declFile
		}
		a.next = o.next
	}
	if a.name == "" {
		a.name = UnknownName
	}
	return a, nil
}

func (c *collector) origin(off dwarf.Offset) (declAttrs, error) {
	if a, ok := c.attrs[off]; ok {
		return a, nil
	}
	c.origins.Seek(off)
	e, err := c.origins.Next()
	if err != nil {
		return declAttrs{}, err
	}
	if e == nil {
		return declAttrs{}, fmt.Errorf("no entry at %#x", off)
	}
	a := readDeclAttrs(e)
	c.attrs[off] = a
	return a, nil
}

func readDeclAttrs(e *dwarf.Entry) declAttrs {
	var a declAttrs
	if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok && name != "" {
		a.name = name
	} else if name, ok := e.Val(dwarf.AttrName).(string); ok {
		a.name = name
	}
	a.declFile = -1
	if file, ok := e.Val(dwarf.AttrDeclFile).(int64); ok {
		a.declFile = file
	}
	if off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		a.next = off
	} else if off, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		a.next = off
	}
	return a
}

// prune drops empty and overlapping ranges and returns the remaining
// top-level nodes sorted by address. Children lists are sorted and pruned in
// place.
func (c *collector) prune() []int {
	var tops []int
	for i := range c.nodes {
		if c.nodes[i].parent < 0 {
			tops = append(tops, i)
		}
	}
	return c.pruneSiblings(tops, 0, ^uint64(0))
}

func (c *collector) pruneSiblings(siblings []int, start, end uint64) []int {
	slices.SortStableFunc(siblings, func(a, b int) int {
		return cmp.Compare(c.nodes[a].fn.Start, c.nodes[b].fn.Start)
	})
	kept := siblings[:0]
	var prevEnd uint64
	for _, i := range siblings {
		fn := &c.nodes[i].fn
		if fn.End <= fn.Start || fn.Start < start || fn.End > end || (len(kept) > 0 && fn.Start < prevEnd) {
			c.dropped += c.subtreeSize(i)
			continue
		}
		kept = append(kept, i)
		prevEnd = fn.End
		c.nodes[i].children = c.pruneSiblings(c.nodes[i].children, fn.Start, fn.End)
	}
	return kept
}

func (c *collector) subtreeSize(i int) int {
	n := 1
	for _, child := range c.nodes[i].children {
		n += c.subtreeSize(child)
	}
	return n
}

func (c *collector) emit(sink symcache.RecordSink, tops []int) (int, error) {
	var functions int
	var add func(i int, parent symcache.FunctionRef) error
	add = func(i int, parent symcache.FunctionRef) error {
		n := &c.nodes[i]
		fn := n.fn
		fn.Parent = parent
		ref, err := sink.AddFunction(fn)
		if err != nil {
			return fmt.Errorf("function %s at %#x: %w", fn.Name, fn.Start, err)
		}
		n.ref = ref
		functions++
		for _, child := range n.children {
			cn := &c.nodes[child]
			err := sink.AddLine(symcache.Line{
				Address:  cn.fn.Start,
				Function: ref,
				Line:     cn.callLine,
				File:     cn.callFile,
			})
			if err != nil {
				return err
			}
			if err := add(child, ref); err != nil {
				return err
			}
		}
		return nil
	}
	for _, i := range tops {
		if err := add(i, symcache.NoFunction); err != nil {
			return functions, err
		}
	}

	for _, rw := range c.rows {
		i := c.innermost(tops, rw.address)
		if i < 0 {
			continue
		}
		err := sink.AddLine(symcache.Line{
			Address:  rw.address,
			Function: c.nodes[i].ref,
			Line:     rw.line,
			Column:   rw.column,
			File:     rw.file,
		})
		if err != nil {
			return functions, err
		}
	}
	return functions, nil
}

// innermost returns the deepest node covering addr, or -1.
func (c *collector) innermost(siblings []int, addr uint64) int {
	found := -1
	for len(siblings) > 0 {
		j := sort.Search(len(siblings), func(j int) bool { return c.nodes[siblings[j]].fn.End > addr })
		if j == len(siblings) || c.nodes[siblings[j]].fn.Start > addr {
			break
		}
		found = siblings[j]
		siblings = c.nodes[found].children
	}
	return found
}

// DWARF language codes (DW_LANG_*).
const (
	langC89         = 0x01
	langC           = 0x02
	langCPlusPlus   = 0x04
	langC99         = 0x0c
	langObjC        = 0x10
	langObjCPlus    = 0x11
	langD           = 0x13
	langCPlusPlus03 = 0x19
	langCPlusPlus11 = 0x1a
	langRust        = 0x1c
	langC11         = 0x1d
	langSwift       = 0x1e
	langCPlusPlus14 = 0x21
	langGo          = 0x16
	langCPlusPlus17 = 0x2a
	langCPlusPlus20 = 0x2b
	langC17         = 0x2c
	langMipsAsm     = 0x8001
)

func language(cu *dwarf.Entry) symcache.Language {
	v, _ := cu.Val(dwarf.AttrLanguage).(int64)
	switch v {
	case langC89, langC, langC99, langC11, langC17:
		return symcache.LanguageC
	case langCPlusPlus, langCPlusPlus03, langCPlusPlus11, langCPlusPlus14, langCPlusPlus17, langCPlusPlus20:
		return symcache.LanguageCpp
	case langObjC:
		return symcache.LanguageObjC
	case langObjCPlus:
		return symcache.LanguageObjCpp
	case langD:
		return symcache.LanguageD
	case langRust:
		return symcache.LanguageRust
	case langSwift:
		return symcache.LanguageSwift
	case langGo:
		return symcache.LanguageGo
	case langMipsAsm:
		return symcache.LanguageAsm
	}
	return symcache.LanguageUnknown
}
